package types

import (
	"bytes"
	"fmt"

	"github.com/holiman/uint256"
	"google.golang.org/protobuf/encoding/protowire"
	"lukechampine.com/blake3"

	coreerrors "purchain/core/errors"
	"purchain/core/record"
)

// HashSize is the length of header and transaction hashes.
const HashSize = 32

// BlockHeader commits to the block's position, its reward and its content.
// Difficulty is the work claimed by the block; the fork choice sums it along
// the chain.
type BlockHeader struct {
	Number         uint64
	PrevHeaderHash []byte
	Timestamp      uint64
	Difficulty     *uint256.Int
	RewardBlock    uint64
	RewardFee      uint64
	TxRoot         []byte
	MiningNonce    uint64
}

// Block is a header plus its ordered transactions. The first transaction is
// always the coinbase.
type Block struct {
	Header       *BlockHeader
	Transactions []*Transaction
}

// NewBlock builds a block and fills the header's TxRoot.
func NewBlock(header *BlockHeader, txs []*Transaction) (*Block, error) {
	root, err := ComputeTxRoot(txs)
	if err != nil {
		return nil, err
	}
	header.TxRoot = root
	return &Block{
		Header:       header,
		Transactions: txs,
	}, nil
}

func (h *BlockHeader) encode(enc *record.Encoder) {
	enc.Uint(1, h.Number)
	enc.Bytes(2, h.PrevHeaderHash)
	enc.Uint(3, h.Timestamp)
	if h.Difficulty != nil {
		b := h.Difficulty.Bytes32()
		enc.Bytes(4, b[:])
	}
	enc.Uint(5, h.RewardBlock)
	enc.Uint(6, h.RewardFee)
	enc.Bytes(7, h.TxRoot)
	enc.Uint(8, h.MiningNonce)
}

// HeaderHash identifies the block.
func (h *BlockHeader) HeaderHash() []byte {
	var enc record.Encoder
	h.encode(&enc)
	sum := blake3.Sum256(enc.Encoded())
	return sum[:]
}

// DifficultyOrZero never returns nil.
func (h *BlockHeader) DifficultyOrZero() *uint256.Int {
	if h.Difficulty == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(h.Difficulty)
}

func decodeHeader(b []byte) (*BlockHeader, error) {
	h := new(BlockHeader)
	err := record.Decode(b, func(num protowire.Number, f record.Field) error {
		switch num {
		case 1:
			h.Number = f.Varint
		case 2:
			h.PrevHeaderHash = f.BytesCopy()
		case 3:
			h.Timestamp = f.Varint
		case 4:
			if len(f.Bytes) != 32 {
				return fmt.Errorf("%w: difficulty must be 32 bytes", record.ErrMalformed)
			}
			h.Difficulty = new(uint256.Int).SetBytes32(f.Bytes)
		case 5:
			h.RewardBlock = f.Varint
		case 6:
			h.RewardFee = f.Varint
		case 7:
			h.TxRoot = f.BytesCopy()
		case 8:
			h.MiningNonce = f.Varint
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// HeaderHash is shorthand for b.Header.HeaderHash().
func (b *Block) HeaderHash() []byte {
	return b.Header.HeaderHash()
}

func (b *Block) Number() uint64 {
	return b.Header.Number
}

// Coinbase returns the first transaction when it is a coinbase.
func (b *Block) Coinbase() (*Transaction, *CoinbasePayload, bool) {
	if len(b.Transactions) == 0 {
		return nil, nil, false
	}
	tx := b.Transactions[0]
	p, ok := tx.Payload.(*CoinbasePayload)
	return tx, p, ok
}

// ValidateStructure checks the layout rules that need no state: coinbase
// first and only once, and a TxRoot matching the transactions.
func (b *Block) ValidateStructure() error {
	if b.Header == nil {
		return coreerrors.Validation(coreerrors.CodeBadBlock, "missing header")
	}
	if _, _, ok := b.Coinbase(); !ok {
		return coreerrors.Validation(coreerrors.CodeBadBlock, "first transaction must be coinbase")
	}
	for i, tx := range b.Transactions[1:] {
		if tx.Type() == TxTypeCoinbase {
			return coreerrors.Validation(coreerrors.CodeBadBlock, "extra coinbase at position %d", i+1)
		}
	}
	root, err := ComputeTxRoot(b.Transactions)
	if err != nil {
		return err
	}
	if !bytes.Equal(b.Header.TxRoot, root) {
		return coreerrors.Validation(coreerrors.CodeBadBlock, "transaction root mismatch")
	}
	return nil
}

// Marshal encodes the header and every transaction.
func (b *Block) Marshal() []byte {
	var enc record.Encoder
	enc.Message(1, b.Header.encode)
	for _, tx := range b.Transactions {
		enc.Message(2, tx.encode)
	}
	return enc.Encoded()
}

// UnmarshalBlock decodes a block produced by Marshal.
func UnmarshalBlock(data []byte) (*Block, error) {
	blk := new(Block)
	err := record.Decode(data, func(num protowire.Number, f record.Field) error {
		switch num {
		case 1:
			if err := record.ExpectBytes(num, f); err != nil {
				return err
			}
			h, err := decodeHeader(f.Bytes)
			if err != nil {
				return err
			}
			blk.Header = h
		case 2:
			if err := record.ExpectBytes(num, f); err != nil {
				return err
			}
			tx, err := UnmarshalTransaction(f.Bytes)
			if err != nil {
				return err
			}
			blk.Transactions = append(blk.Transactions, tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if blk.Header == nil {
		return nil, fmt.Errorf("%w: block without header", record.ErrMalformed)
	}
	return blk, nil
}
