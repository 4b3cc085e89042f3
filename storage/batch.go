package storage

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
)

var (
	// ErrNotFound is returned when a key is absent from the store.
	ErrNotFound = errors.New("storage: key not found")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("storage: database closed")
)

// IOError reports an infrastructure failure reading or writing the store.
// A failed Write must be treated as not applied.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsNotFound reports whether err signals a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Batch accumulates writes that are committed together by Database.Write.
type Batch struct {
	inner *leveldb.Batch
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{inner: new(leveldb.Batch)}
}

// Put queues a key/value write. Key and value are copied.
func (b *Batch) Put(key, value []byte) {
	b.inner.Put(key, value)
}

// Delete queues a key removal.
func (b *Batch) Delete(key []byte) {
	b.inner.Delete(key)
}

// Len returns the number of queued operations.
func (b *Batch) Len() int {
	if b == nil || b.inner == nil {
		return 0
	}
	return b.inner.Len()
}

// Reset discards every queued operation.
func (b *Batch) Reset() {
	b.inner.Reset()
}

// Replay feeds the queued operations to fn in insertion order. A nil value
// denotes a delete.
func (b *Batch) Replay(fn func(key, value []byte, deleted bool)) error {
	return b.inner.Replay(funcReplay(fn))
}

type funcReplay func(key, value []byte, deleted bool)

func (f funcReplay) Put(key, value []byte) { f(key, value, false) }
func (f funcReplay) Delete(key []byte)     { f(key, nil, true) }
