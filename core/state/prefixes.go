package state

import "encoding/binary"

var (
	accountPrefix     = []byte("acct:")
	otsPagePrefix     = []byte("ots:")
	otsReleasedPrefix = []byte("otsrel:")
	indexPrefix       = []byte("idx:")
	metadataPrefix    = []byte("meta:")
	blockPrefix       = []byte("block:")
	blockNumberPrefix = []byte("blocknum:")

	chainHeightKey = []byte("chain:height")
	chainTipKey    = []byte("chain:tip")
	lastTxsKey     = []byte("last_txs")
)

func prefixed(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, p := range parts {
		size += len(p)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return buf
}

func u64be(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func accountKey(addr []byte) []byte {
	return prefixed(accountPrefix, addr)
}

func otsPageKey(addr []byte, page uint64) []byte {
	return prefixed(otsPagePrefix, addr, u64be(page))
}

func otsReleasedKey(addr []byte, index uint64) []byte {
	return prefixed(otsReleasedPrefix, addr, u64be(index))
}

func indexKey(namespace string, key []byte) []byte {
	return prefixed(indexPrefix, []byte(namespace), []byte{':'}, key)
}

func metadataKey(headerHash []byte) []byte {
	return prefixed(metadataPrefix, headerHash)
}

func blockKey(headerHash []byte) []byte {
	return prefixed(blockPrefix, headerHash)
}

func blockNumberKey(number uint64) []byte {
	return prefixed(blockNumberPrefix, u64be(number))
}
