package state

import (
	"errors"
	"testing"

	coreerrors "purchain/core/errors"
	"purchain/storage"
)

func TestIndexerAddRemoveFlush(t *testing.T) {
	db := storage.NewMemDB()
	ix := NewIndexer(NamespaceTokens, db)
	key := []byte("holder")

	for _, ref := range []string{"a", "b", "c"} {
		if err := ix.Add(key, []byte(ref)); err != nil {
			t.Fatalf("add %s: %v", ref, err)
		}
	}
	if err := ix.Remove(key, []byte("b")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	refs, err := ix.Get(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(refs) != 2 || string(refs[0]) != "a" || string(refs[1]) != "c" {
		t.Fatalf("insertion order not kept: %q", refs)
	}

	if _, err := db.Get(indexKey(NamespaceTokens, key)); !storage.IsNotFound(err) {
		t.Fatalf("overlay leaked to the store before flush")
	}
	batch := db.NewBatch()
	ix.Flush(batch)
	if err := db.Write(batch); err != nil {
		t.Fatalf("write: %v", err)
	}

	reloaded := NewIndexer(NamespaceTokens, db)
	refs, err = reloaded.Get(key)
	if err != nil || len(refs) != 2 {
		t.Fatalf("reload: %q %v", refs, err)
	}
}

func TestIndexerRejectsDuplicates(t *testing.T) {
	ix := NewIndexer(NamespaceSlaves, storage.NewMemDB())
	if err := ix.Add([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("add: %v", err)
	}
	err := ix.Add([]byte("k"), []byte("v"))
	if !errors.Is(err, coreerrors.ErrDuplicateReference) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	refs, _ := ix.Get([]byte("k"))
	if len(refs) != 1 {
		t.Fatalf("duplicate add changed the list: %q", refs)
	}
	if err := ix.Remove([]byte("k"), []byte("missing")); !coreerrors.IsInvariant(err) {
		t.Fatalf("expected invariant error on missing ref, got %v", err)
	}
}

func TestIndexerEmptyListDeletesKey(t *testing.T) {
	db := storage.NewMemDB()
	ix := NewIndexer(NamespaceLattice, db)
	key := []byte("addr")
	if err := ix.Add(key, []byte("tx")); err != nil {
		t.Fatalf("add: %v", err)
	}
	batch := db.NewBatch()
	ix.Flush(batch)
	if err := db.Write(batch); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := ix.Remove(key, []byte("tx")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	batch = db.NewBatch()
	ix.Flush(batch)
	if err := db.Write(batch); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := db.Get(indexKey(NamespaceLattice, key)); !storage.IsNotFound(err) {
		t.Fatalf("expected key deleted, got %v", err)
	}
}

func TestIndexerNamespacesAreIsolated(t *testing.T) {
	db := storage.NewMemDB()
	tokens := NewIndexer(NamespaceTokens, db)
	lattice := NewIndexer(NamespaceLattice, db)
	if err := tokens.Add([]byte("k"), []byte("t")); err != nil {
		t.Fatalf("add: %v", err)
	}
	batch := db.NewBatch()
	tokens.Flush(batch)
	if err := db.Write(batch); err != nil {
		t.Fatalf("write: %v", err)
	}
	refs, err := lattice.Get([]byte("k"))
	if err != nil || len(refs) != 0 {
		t.Fatalf("namespace leak: %q %v", refs, err)
	}
}
