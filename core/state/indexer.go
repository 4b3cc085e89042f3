package state

import (
	"bytes"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	coreerrors "purchain/core/errors"
	"purchain/core/record"
	"purchain/storage"
)

// Index namespaces.
const (
	// NamespaceTokens maps an address to the tokens it holds a balance of.
	NamespaceTokens = "tokens"
	// NamespaceSlaves maps a slave public key to the master addresses that
	// delegated to it.
	NamespaceSlaves = "slaves"
	// NamespaceLattice maps an address to its lattice key transactions.
	NamespaceLattice = "lattice"
	// NamespaceTokenMeta maps a token to its creating transaction followed
	// by every transfer of it.
	NamespaceTokenMeta = "tokenmeta"
)

// Indexer is a persistent multimap from key to an ordered list of references
// within one namespace. Lists are loaded on first access and written back by
// Flush; an emptied list deletes its key. A reference appears at most once
// per key.
type Indexer struct {
	namespace string
	db        storage.Database
	entries   map[string][][]byte
	dirty     map[string]struct{}
}

// NewIndexer returns an Indexer reading committed lists from db.
func NewIndexer(namespace string, db storage.Database) *Indexer {
	return &Indexer{
		namespace: namespace,
		db:        db,
		entries:   make(map[string][][]byte),
		dirty:     make(map[string]struct{}),
	}
}

func (ix *Indexer) Namespace() string { return ix.namespace }

func (ix *Indexer) load(key []byte) ([][]byte, error) {
	if refs, ok := ix.entries[string(key)]; ok {
		return refs, nil
	}
	refs, err := readIndex(ix.db, ix.namespace, key)
	if err != nil {
		return nil, err
	}
	ix.entries[string(key)] = refs
	return refs, nil
}

// Get returns a copy of the references stored under key in insertion order.
func (ix *Indexer) Get(key []byte) ([][]byte, error) {
	refs, err := ix.load(key)
	if err != nil {
		return nil, err
	}
	return copyRefs(refs), nil
}

// Has reports whether ref is stored under key.
func (ix *Indexer) Has(key, ref []byte) (bool, error) {
	refs, err := ix.load(key)
	if err != nil {
		return false, err
	}
	return indexOf(refs, ref) >= 0, nil
}

// Add appends ref to key. Adding a reference already present fails with
// ErrDuplicateReference and leaves the list unchanged.
func (ix *Indexer) Add(key, ref []byte) error {
	refs, err := ix.load(key)
	if err != nil {
		return err
	}
	if indexOf(refs, ref) >= 0 {
		return fmt.Errorf("%w: %s/%x", coreerrors.ErrDuplicateReference, ix.namespace, key)
	}
	ix.entries[string(key)] = append(refs, append([]byte(nil), ref...))
	ix.dirty[string(key)] = struct{}{}
	return nil
}

// Remove deletes ref from key. Removing a reference that is not present is
// an invariant violation: every removal undoes an earlier Add.
func (ix *Indexer) Remove(key, ref []byte) error {
	refs, err := ix.load(key)
	if err != nil {
		return err
	}
	i := indexOf(refs, ref)
	if i < 0 {
		return coreerrors.Invariant("index %s/%x has no reference %x", ix.namespace, key, ref)
	}
	out := make([][]byte, 0, len(refs)-1)
	out = append(out, refs[:i]...)
	out = append(out, refs[i+1:]...)
	ix.entries[string(key)] = out
	ix.dirty[string(key)] = struct{}{}
	return nil
}

// Flush writes every modified list into batch.
func (ix *Indexer) Flush(batch *storage.Batch) {
	keys := make([]string, 0, len(ix.dirty))
	for k := range ix.dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		dbKey := indexKey(ix.namespace, []byte(k))
		refs := ix.entries[k]
		if len(refs) == 0 {
			batch.Delete(dbKey)
			continue
		}
		batch.Put(dbKey, encodeRefs(refs))
	}
	ix.dirty = make(map[string]struct{})
}

// readIndex loads a committed list; a missing key is an empty list.
func readIndex(db storage.Database, namespace string, key []byte) ([][]byte, error) {
	data, err := db.Get(indexKey(namespace, key))
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", namespace, err)
	}
	return decodeRefs(data)
}

func encodeRefs(refs [][]byte) []byte {
	var enc record.Encoder
	enc.RepeatedBytes(1, refs)
	return enc.Encoded()
}

func decodeRefs(data []byte) ([][]byte, error) {
	var refs [][]byte
	err := record.Decode(data, func(num protowire.Number, f record.Field) error {
		if num != 1 {
			return nil
		}
		if err := record.ExpectBytes(num, f); err != nil {
			return err
		}
		refs = append(refs, f.BytesCopy())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

func indexOf(refs [][]byte, ref []byte) int {
	for i, r := range refs {
		if bytes.Equal(r, ref) {
			return i
		}
	}
	return -1
}

func copyRefs(refs [][]byte) [][]byte {
	out := make([][]byte, len(refs))
	for i, r := range refs {
		out[i] = append([]byte(nil), r...)
	}
	return out
}
