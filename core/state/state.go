package state

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"purchain/core/params"
	"purchain/core/types"
	"purchain/storage"
)

// DefaultAccountCacheEntries bounds the decoded-account cache.
const DefaultAccountCacheEntries = 4096

// State is the read side of the ledger plus the factory for containers. It
// serves concurrent readers while a single writer commits containers; decoded
// accounts are memoized per (address, revision), and the revision moves
// forward on every commit so stale entries are never served.
type State struct {
	db       storage.Database
	schedule *params.Schedule
	log      *slog.Logger

	cache    *lru.Cache
	revision atomic.Uint64
	height   atomic.Uint64
}

type accountCacheKey struct {
	address  string
	revision uint64
}

type cachedAccount struct {
	acct *AccountState
	seed []byte
}

// NewState binds the read API to db.
func NewState(db storage.Database, schedule *params.Schedule, cacheEntries int, logger *slog.Logger) (*State, error) {
	if db == nil {
		return nil, fmt.Errorf("state: database must not be nil")
	}
	if schedule == nil {
		schedule = params.DefaultSchedule()
	}
	if cacheEntries <= 0 {
		cacheEntries = DefaultAccountCacheEntries
	}
	cache, err := lru.New(cacheEntries)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &State{db: db, schedule: schedule, log: logger, cache: cache}, nil
}

func (s *State) DB() storage.Database { return s.db }

func (s *State) Schedule() *params.Schedule { return s.schedule }

// Params returns the parameters active at the committed height.
func (s *State) Params() params.Params { return s.schedule.ForHeight(s.height.Load()) }

// Revision counts the commits observed by this State.
func (s *State) Revision() uint64 { return s.revision.Load() }

// Advance records a successful commit that left the chain at height.
func (s *State) Advance(height uint64) {
	s.height.Store(height)
	s.revision.Add(1)
}

func (s *State) loadCached(addr []byte) (*cachedAccount, error) {
	key := accountCacheKey{address: string(addr), revision: s.revision.Load()}
	if v, ok := s.cache.Get(key); ok {
		return v.(*cachedAccount), nil
	}
	acct, seed, err := loadAccount(s.db, addr, s.Params())
	if err != nil {
		return nil, err
	}
	entry := &cachedAccount{acct: acct, seed: seed}
	s.cache.Add(key, entry)
	return entry, nil
}

// GetAccountState returns the committed state of addr or its default. Only
// storage and decoding failures are reported.
func (s *State) GetAccountState(addr []byte) (*AccountState, error) {
	entry, err := s.loadCached(addr)
	if err != nil {
		return nil, err
	}
	return entry.acct.Clone(), nil
}

func (s *State) bitfieldFor(addr []byte, entry *cachedAccount) *Bitfield {
	bf := NewBitfield(s.db, s.schedule.Base.OTSTrackingPerPage)
	bf.Seed(addr, entry.seed)
	return bf
}

// IsOTSUsed reports whether addr has consumed index.
func (s *State) IsOTSUsed(addr []byte, index uint64) (bool, error) {
	entry, err := s.loadCached(addr)
	if err != nil {
		return false, err
	}
	return s.bitfieldFor(addr, entry).IsUsed(addr, index)
}

// FindNextUnusedOTSIndex returns the first unused index at or after start.
// The boolean is false when the key is exhausted.
func (s *State) FindNextUnusedOTSIndex(addr []byte, start uint64) (uint64, bool, error) {
	entry, err := s.loadCached(addr)
	if err != nil {
		return 0, false, err
	}
	return s.bitfieldFor(addr, entry).FindNextUnusedIndex(entry.acct, start)
}

// OTSInfo is the wallet-facing view of an address's OTS usage.
type OTSInfo struct {
	Pages           [][]byte
	NextUnusedIndex uint64
	UnusedAvailable bool
}

// MaxOTSPages bounds one OTS query.
const MaxOTSPages = 64

// OTS returns up to count bitfield pages starting at fromPage together with
// the next unused index.
func (s *State) OTS(addr []byte, fromPage, count uint64) (*OTSInfo, error) {
	if count > MaxOTSPages {
		count = MaxOTSPages
	}
	entry, err := s.loadCached(addr)
	if err != nil {
		return nil, err
	}
	bf := s.bitfieldFor(addr, entry)
	pages, err := bf.Pages(addr, fromPage, count)
	if err != nil {
		return nil, err
	}
	next, ok, err := bf.FindNextUnusedIndex(entry.acct, 0)
	if err != nil {
		return nil, err
	}
	return &OTSInfo{Pages: pages, NextUnusedIndex: next, UnusedAvailable: ok}, nil
}

// Index returns the committed references of key in namespace.
func (s *State) Index(namespace string, key []byte) ([][]byte, error) {
	return readIndex(s.db, namespace, key)
}

// NewContainer builds an overlay for blockNumber with the parameters active
// at that height. Callers own the returned container.
func (s *State) NewContainer(addresses types.AddressSet, blockNumber uint64, writeAccess bool, batch *storage.Batch) (*Container, error) {
	return NewContainer(ContainerConfig{
		DB:          s.db,
		Addresses:   addresses,
		BlockNumber: blockNumber,
		Params:      s.schedule.ForHeight(blockNumber),
		WriteAccess: writeAccess,
		Batch:       batch,
		Logger:      s.log,
	})
}
