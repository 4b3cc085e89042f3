package storage

import (
	"errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// Database is the ordered byte-key/byte-value store consumed by the state
// engine. Reads may go through a caching layer; GetRaw always reaches the
// backing store. All mutation happens through batches so that every commit is
// all-or-nothing.
type Database interface {
	Get(key []byte) ([]byte, error)
	GetRaw(key []byte) ([]byte, error)
	NewBatch() *Batch
	Write(b *Batch) error
	Close() error
}

// --- In-Memory DB (for testing) ---

type MemDB struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

func NewMemDB() *MemDB {
	return &MemDB{
		data: make(map[string][]byte),
	}
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, &IOError{Op: "get", Err: ErrClosed}
	}
	value, ok := db.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

// GetRaw is identical to Get for MemDB since it has no cache.
func (db *MemDB) GetRaw(key []byte) ([]byte, error) {
	return db.Get(key)
}

func (db *MemDB) NewBatch() *Batch {
	return NewBatch()
}

// Write applies every operation in the batch under a single lock.
func (db *MemDB) Write(b *Batch) error {
	if b == nil {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return &IOError{Op: "write", Err: ErrClosed}
	}
	if err := b.inner.Replay(memReplay{data: db.data}); err != nil {
		return &IOError{Op: "write", Err: err}
	}
	return nil
}

// Len reports the number of stored keys.
func (db *MemDB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.data)
}

// Snapshot returns a copy of every stored key/value pair.
func (db *MemDB) Snapshot() map[string][]byte {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make(map[string][]byte, len(db.data))
	for k, v := range db.data {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

func (db *MemDB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	return nil
}

type memReplay struct {
	data map[string][]byte
}

func (r memReplay) Put(key, value []byte) {
	r.data[string(key)] = append([]byte(nil), value...)
}

func (r memReplay) Delete(key []byte) {
	delete(r.data, string(key))
}

// --- Persistent DB (for mainnet) ---

// LevelDB is a persistent key-value store using LevelDB.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, &IOError{Op: "open", Err: err}
	}
	return &LevelDB{db: db}, nil
}

// Get retrieves a value for a given key.
func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := ldb.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &IOError{Op: "get", Err: err}
	}
	return value, nil
}

// GetRaw is identical to Get; LevelDB carries no cache of its own.
func (ldb *LevelDB) GetRaw(key []byte) ([]byte, error) {
	return ldb.Get(key)
}

func (ldb *LevelDB) NewBatch() *Batch {
	return NewBatch()
}

// Write commits the batch atomically and syncs it to disk.
func (ldb *LevelDB) Write(b *Batch) error {
	if b == nil || b.Len() == 0 {
		return nil
	}
	if err := ldb.db.Write(b.inner, &opt.WriteOptions{Sync: true}); err != nil {
		return &IOError{Op: "write", Err: err}
	}
	return nil
}

// Close closes the database connection.
func (ldb *LevelDB) Close() error {
	return ldb.db.Close()
}
