package state

import (
	"bytes"
	"testing"

	"github.com/holiman/uint256"

	coreerrors "purchain/core/errors"
	"purchain/storage"
)

func TestBlockMetadataCumulativeDifficulty(t *testing.T) {
	genesis, err := NewBlockMetadata(nil, uint256.NewInt(10), nil, 3)
	if err != nil {
		t.Fatalf("genesis metadata: %v", err)
	}
	if genesis.CumulativeDifficulty.Uint64() != 10 || len(genesis.LastNHeaderHashes) != 0 {
		t.Fatalf("unexpected genesis metadata %+v", genesis)
	}

	parent := genesis
	for i := byte(1); i <= 4; i++ {
		md, err := NewBlockMetadata(parent, uint256.NewInt(5), []byte{i}, 3)
		if err != nil {
			t.Fatalf("block %d: %v", i, err)
		}
		parent = md
	}
	if parent.CumulativeDifficulty.Uint64() != 30 {
		t.Fatalf("unexpected cumulative difficulty %s", parent.CumulativeDifficulty)
	}
	if len(parent.LastNHeaderHashes) != 3 || !bytes.Equal(parent.LastNHeaderHashes[0], []byte{2}) ||
		!bytes.Equal(parent.LastNHeaderHashes[2], []byte{4}) {
		t.Fatalf("last header hashes not trimmed oldest-first: %x", parent.LastNHeaderHashes)
	}
}

func TestBlockMetadataRejectsBadDifficulty(t *testing.T) {
	if _, err := NewBlockMetadata(nil, new(uint256.Int), nil, 3); !coreerrors.IsValidation(err) {
		t.Fatalf("expected zero difficulty to be rejected, got %v", err)
	}
	parent := &BlockMetadata{
		BlockDifficulty:      uint256.NewInt(1),
		CumulativeDifficulty: new(uint256.Int).SetAllOne(),
	}
	_, err := NewBlockMetadata(parent, uint256.NewInt(1), []byte{1}, 3)
	if !coreerrors.IsValidation(err) || coreerrors.IsInvariant(err) {
		t.Fatalf("expected overflow to reject the block, got %v", err)
	}
}

func TestBlockMetadataStore(t *testing.T) {
	db := storage.NewMemDB()
	hash := []byte("header")
	if md, err := GetBlockMetadata(db, hash); err != nil || md != nil {
		t.Fatalf("unknown block: %v %v", md, err)
	}
	md, err := NewBlockMetadata(nil, uint256.NewInt(42), nil, 30)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	md.AddChild([]byte("child"))
	md.AddChild([]byte("child"))

	batch := db.NewBatch()
	PutBlockMetadata(batch, hash, md)
	if err := db.Write(batch); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := GetBlockMetadata(db, hash)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.BlockDifficulty.Uint64() != 42 || got.CumulativeDifficulty.Uint64() != 42 {
		t.Fatalf("difficulties not preserved: %+v", got)
	}
	if len(got.ChildHeaderHashes) != 1 {
		t.Fatalf("AddChild not idempotent: %x", got.ChildHeaderHashes)
	}

	heavier, _ := NewBlockMetadata(got, uint256.NewInt(1), hash, 30)
	if !heavier.HeavierThan(got) || got.HeavierThan(got) {
		t.Fatalf("fork choice comparison wrong")
	}
}
