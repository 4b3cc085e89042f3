package state

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"purchain/core/record"
	"purchain/core/types"
	"purchain/storage"
)

// BlockNumberMapping links a canonical height to its block.
type BlockNumberMapping struct {
	HeaderHash     []byte
	PrevHeaderHash []byte
}

// LastTransaction is one entry of the recent-transactions list.
type LastTransaction struct {
	TxHash      []byte
	BlockNumber uint64
	Timestamp   uint64
}

// PutBlock stores blk under its header hash.
func PutBlock(batch *storage.Batch, blk *types.Block) {
	batch.Put(blockKey(blk.HeaderHash()), blk.Marshal())
}

// GetBlock returns the stored block, or nil when unknown.
func GetBlock(db storage.Database, headerHash []byte) (*types.Block, error) {
	data, err := db.Get(blockKey(headerHash))
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("block %x: %w", headerHash, err)
	}
	return types.UnmarshalBlock(data)
}

func PutBlockNumberMapping(batch *storage.Batch, number uint64, m BlockNumberMapping) {
	var enc record.Encoder
	enc.Bytes(1, m.HeaderHash)
	enc.Bytes(2, m.PrevHeaderHash)
	batch.Put(blockNumberKey(number), enc.Encoded())
}

func DeleteBlockNumberMapping(batch *storage.Batch, number uint64) {
	batch.Delete(blockNumberKey(number))
}

// GetBlockNumberMapping returns the canonical block at number, or nil.
func GetBlockNumberMapping(db storage.Database, number uint64) (*BlockNumberMapping, error) {
	data, err := db.Get(blockNumberKey(number))
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("block number %d: %w", number, err)
	}
	m := &BlockNumberMapping{}
	err = record.Decode(data, func(num protowire.Number, f record.Field) error {
		switch num {
		case 1:
			m.HeaderHash = f.BytesCopy()
		case 2:
			m.PrevHeaderHash = f.BytesCopy()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// PutChainTip records the canonical tip and its height.
func PutChainTip(batch *storage.Batch, headerHash []byte, height uint64) {
	batch.Put(chainTipKey, headerHash)
	batch.Put(chainHeightKey, u64be(height))
}

// GetChainTip returns the canonical tip. ok is false on an empty store.
func GetChainTip(db storage.Database) (headerHash []byte, height uint64, ok bool, err error) {
	headerHash, err = db.Get(chainTipKey)
	if storage.IsNotFound(err) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("chain tip: %w", err)
	}
	raw, err := db.Get(chainHeightKey)
	if err != nil {
		return nil, 0, false, fmt.Errorf("chain height: %w", err)
	}
	if len(raw) != 8 {
		return nil, 0, false, fmt.Errorf("%w: chain height has %d bytes", record.ErrMalformed, len(raw))
	}
	return headerHash, binary.BigEndian.Uint64(raw), true, nil
}

// GetLastTransactions returns the recent transactions, newest first.
func GetLastTransactions(db storage.Database) ([]LastTransaction, error) {
	data, err := db.Get(lastTxsKey)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last transactions: %w", err)
	}
	var out []LastTransaction
	err = record.Decode(data, func(num protowire.Number, f record.Field) error {
		if num != 1 {
			return nil
		}
		var lt LastTransaction
		err := record.Decode(f.Bytes, func(n protowire.Number, inner record.Field) error {
			switch n {
			case 1:
				lt.TxHash = inner.BytesCopy()
			case 2:
				lt.BlockNumber = inner.Varint
			case 3:
				lt.Timestamp = inner.Varint
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = append(out, lt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func putLastTransactions(batch *storage.Batch, list []LastTransaction) {
	if len(list) == 0 {
		batch.Delete(lastTxsKey)
		return
	}
	var enc record.Encoder
	for _, lt := range list {
		lt := lt
		enc.Message(1, func(inner *record.Encoder) {
			inner.Bytes(1, lt.TxHash)
			inner.Uint(2, lt.BlockNumber)
			inner.Uint(3, lt.Timestamp)
		})
	}
	batch.Put(lastTxsKey, enc.Encoded())
}

// AddLastTransactions prepends the non-coinbase transactions of blk, the
// block's last transaction first, and trims the list to limit.
func AddLastTransactions(db storage.Database, batch *storage.Batch, blk *types.Block, limit int) error {
	current, err := GetLastTransactions(db)
	if err != nil {
		return err
	}
	var fresh []LastTransaction
	for i := len(blk.Transactions) - 1; i >= 1; i-- {
		fresh = append(fresh, LastTransaction{
			TxHash:      blk.Transactions[i].TxHash(),
			BlockNumber: blk.Number(),
			Timestamp:   blk.Header.Timestamp,
		})
	}
	list := append(fresh, current...)
	if len(list) > limit {
		list = list[:limit]
	}
	putLastTransactions(batch, list)
	return nil
}

// RemoveLastTransactions drops every entry belonging to blk.
func RemoveLastTransactions(db storage.Database, batch *storage.Batch, blk *types.Block) error {
	current, err := GetLastTransactions(db)
	if err != nil {
		return err
	}
	hashes := make(map[string]struct{}, len(blk.Transactions))
	for i := 1; i < len(blk.Transactions); i++ {
		hashes[string(blk.Transactions[i].TxHash())] = struct{}{}
	}
	kept := current[:0]
	for _, lt := range current {
		if _, drop := hashes[string(lt.TxHash)]; drop && lt.BlockNumber == blk.Number() {
			continue
		}
		kept = append(kept, lt)
	}
	putLastTransactions(batch, kept)
	return nil
}
