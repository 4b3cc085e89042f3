package state

import (
	"fmt"

	"github.com/holiman/uint256"
	"google.golang.org/protobuf/encoding/protowire"

	coreerrors "purchain/core/errors"
	"purchain/core/record"
	"purchain/storage"
)

// BlockMetadata is the fork-choice bookkeeping kept for every stored block.
type BlockMetadata struct {
	BlockDifficulty      *uint256.Int
	CumulativeDifficulty *uint256.Int
	ChildHeaderHashes    [][]byte
	// LastNHeaderHashes lists the ancestors' header hashes, oldest first,
	// ending with the parent.
	LastNHeaderHashes [][]byte
}

// NewBlockMetadata derives the metadata of a block from its parent's. parent
// is nil for genesis. n bounds LastNHeaderHashes.
func NewBlockMetadata(parent *BlockMetadata, difficulty *uint256.Int, parentHash []byte, n int) (*BlockMetadata, error) {
	if difficulty == nil || difficulty.IsZero() {
		return nil, coreerrors.Validation(coreerrors.CodeBadBlock, "block difficulty must be positive")
	}
	md := &BlockMetadata{
		BlockDifficulty:      new(uint256.Int).Set(difficulty),
		CumulativeDifficulty: new(uint256.Int).Set(difficulty),
	}
	if parent == nil {
		return md, nil
	}
	if _, overflow := md.CumulativeDifficulty.AddOverflow(parent.CumulativeDifficulty, difficulty); overflow {
		return nil, coreerrors.Validation(coreerrors.CodeBadBlock, "cumulative difficulty overflow")
	}
	if md.CumulativeDifficulty.Cmp(parent.CumulativeDifficulty) <= 0 {
		return nil, coreerrors.Invariant("cumulative difficulty did not increase")
	}
	md.LastNHeaderHashes = updateLastHeaderHashes(parent.LastNHeaderHashes, parentHash, n)
	return md, nil
}

func updateLastHeaderHashes(parentLast [][]byte, parentHash []byte, n int) [][]byte {
	out := copyRefs(parentLast)
	out = append(out, append([]byte(nil), parentHash...))
	if n >= 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// AddChild records a child block. Adding a known child is a no-op.
func (m *BlockMetadata) AddChild(headerHash []byte) {
	if indexOf(m.ChildHeaderHashes, headerHash) >= 0 {
		return
	}
	m.ChildHeaderHashes = append(m.ChildHeaderHashes, append([]byte(nil), headerHash...))
}

func (m *BlockMetadata) Marshal() []byte {
	var enc record.Encoder
	block := m.BlockDifficulty.Bytes32()
	cumulative := m.CumulativeDifficulty.Bytes32()
	enc.Bytes(1, block[:])
	enc.Bytes(2, cumulative[:])
	enc.RepeatedBytes(3, m.ChildHeaderHashes)
	enc.RepeatedBytes(4, m.LastNHeaderHashes)
	return enc.Encoded()
}

func UnmarshalBlockMetadata(data []byte) (*BlockMetadata, error) {
	md := &BlockMetadata{}
	err := record.Decode(data, func(num protowire.Number, f record.Field) error {
		switch num {
		case 1, 2:
			if len(f.Bytes) != 32 {
				return fmt.Errorf("%w: difficulty field %d must be 32 bytes", record.ErrMalformed, num)
			}
			v := new(uint256.Int).SetBytes32(f.Bytes)
			if num == 1 {
				md.BlockDifficulty = v
			} else {
				md.CumulativeDifficulty = v
			}
		case 3:
			md.ChildHeaderHashes = append(md.ChildHeaderHashes, f.BytesCopy())
		case 4:
			md.LastNHeaderHashes = append(md.LastNHeaderHashes, f.BytesCopy())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if md.BlockDifficulty == nil || md.CumulativeDifficulty == nil {
		return nil, fmt.Errorf("%w: block metadata without difficulty", record.ErrMalformed)
	}
	return md, nil
}

// PutBlockMetadata queues md under headerHash.
func PutBlockMetadata(batch *storage.Batch, headerHash []byte, md *BlockMetadata) {
	batch.Put(metadataKey(headerHash), md.Marshal())
}

// GetBlockMetadata returns the metadata of headerHash, or nil when the block
// is unknown.
func GetBlockMetadata(db storage.Database, headerHash []byte) (*BlockMetadata, error) {
	data, err := db.Get(metadataKey(headerHash))
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metadata %x: %w", headerHash, err)
	}
	return UnmarshalBlockMetadata(data)
}

// HeavierThan reports whether m wins the fork choice against other. Equal
// weight keeps the chain seen first.
func (m *BlockMetadata) HeavierThan(other *BlockMetadata) bool {
	return m.CumulativeDifficulty.Cmp(other.CumulativeDifficulty) > 0
}
