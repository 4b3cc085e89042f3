package state

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	coreerrors "purchain/core/errors"
	"purchain/core/params"
	"purchain/core/types"
	"purchain/storage"
)

// ContainerConfig describes the overlay for one block.
type ContainerConfig struct {
	DB storage.Database
	// Addresses fixes the container's domain: every address any transaction
	// of the block may read or write.
	Addresses   types.AddressSet
	BlockNumber uint64
	Params      params.Params
	// WriteAccess false builds a validation-only container whose Commit
	// always fails.
	WriteAccess bool
	// Batch receives every write on Commit. A nil batch is replaced by a new
	// one; callers pass their own to commit block bookkeeping atomically with
	// the state changes.
	Batch  *storage.Batch
	Logger *slog.Logger
}

// Container is the in-memory overlay used while one block is applied or
// reverted. It exclusively owns the loaded account states; nothing it holds
// is visible to other callers until Commit writes the batch. A Container is
// not safe for concurrent use.
type Container struct {
	db          storage.Database
	params      params.Params
	blockNumber uint64
	writeAccess bool
	batch       *storage.Batch
	log         *slog.Logger

	accounts map[string]*AccountState
	loaded   map[string]*AccountState
	migrated map[string]struct{}

	bitfield  *Bitfield
	tokens    *Indexer
	slaves    *Indexer
	lattice   *Indexer
	tokenMeta *Indexer

	// released maps an OTS release key to the hash of the reverted
	// transaction that exposed the signature; nil marks a deletion.
	released map[string][]byte

	committed bool
}

// NewContainer loads every address of cfg.Addresses. Legacy account records
// are migrated in memory and rewritten on Commit.
func NewContainer(cfg ContainerConfig) (*Container, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("state: container requires a database")
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batch := cfg.Batch
	if batch == nil {
		batch = cfg.DB.NewBatch()
	}
	c := &Container{
		db:          cfg.DB,
		params:      cfg.Params,
		blockNumber: cfg.BlockNumber,
		writeAccess: cfg.WriteAccess,
		batch:       batch,
		log:         logger,
		accounts:    make(map[string]*AccountState, len(cfg.Addresses)),
		loaded:      make(map[string]*AccountState, len(cfg.Addresses)),
		migrated:    make(map[string]struct{}),
		bitfield:    NewBitfield(cfg.DB, cfg.Params.OTSTrackingPerPage),
		tokens:      NewIndexer(NamespaceTokens, cfg.DB),
		slaves:      NewIndexer(NamespaceSlaves, cfg.DB),
		lattice:     NewIndexer(NamespaceLattice, cfg.DB),
		tokenMeta:   NewIndexer(NamespaceTokenMeta, cfg.DB),
		released:    make(map[string][]byte),
	}
	for _, addr := range cfg.Addresses.Slice() {
		acct, seed, err := loadAccount(cfg.DB, addr, cfg.Params)
		if err != nil {
			return nil, err
		}
		if seed != nil {
			c.bitfield.Seed(addr, seed)
			for page := uint64(0); page*c.bitfield.perPage < uint64(len(seed))*8; page++ {
				if _, err := c.bitfield.page(addr, page); err != nil {
					return nil, err
				}
			}
			c.migrated[string(addr)] = struct{}{}
			logger.Info("Migrating legacy account record",
				slog.String("address", fmt.Sprintf("%x", addr)),
				slog.Int("legacy_ots_bytes", len(seed)))
		}
		c.accounts[string(addr)] = acct
		c.loaded[string(addr)] = acct.Clone()
	}
	return c, nil
}

// loadAccount reads the committed state of addr or its default. The
// returned seed is non-nil only for legacy records.
func loadAccount(db storage.Database, addr []byte, p params.Params) (*AccountState, []byte, error) {
	data, err := db.Get(accountKey(addr))
	if storage.IsNotFound(err) {
		return DefaultAccountState(addr, p), nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("state: load account %x: %w", addr, err)
	}
	acct, seed, err := UnmarshalAccount(data)
	if err != nil {
		return nil, nil, fmt.Errorf("state: decode account %x: %w", addr, err)
	}
	if !bytes.Equal(acct.Address, addr) {
		return nil, nil, coreerrors.Invariant("account record under %x names %x", addr, acct.Address)
	}
	return acct, seed, nil
}

func (c *Container) BlockNumber() uint64 { return c.blockNumber }

func (c *Container) Params() params.Params { return c.params }

func (c *Container) WriteAccess() bool { return c.writeAccess }

// Batch returns the batch Commit writes.
func (c *Container) Batch() *storage.Batch { return c.batch }

func (c *Container) account(addr []byte) (*AccountState, error) {
	acct, ok := c.accounts[string(addr)]
	if !ok {
		return nil, fmt.Errorf("%w: %x", coreerrors.ErrNotInDomain, addr)
	}
	return acct, nil
}

// AccountState returns a copy of the overlay state of addr.
func (c *Container) AccountState(addr []byte) (*AccountState, error) {
	acct, err := c.account(addr)
	if err != nil {
		return nil, err
	}
	return acct.Clone(), nil
}

// AddressesState returns copies of every account in the domain.
func (c *Container) AddressesState() map[string]*AccountState {
	out := make(map[string]*AccountState, len(c.accounts))
	for k, acct := range c.accounts {
		out[k] = acct.Clone()
	}
	return out
}

// IsOTSUsed reports the overlay view of an OTS index.
func (c *Container) IsOTSUsed(addr []byte, index uint64) (bool, error) {
	if _, err := c.account(addr); err != nil {
		return false, err
	}
	return c.bitfield.IsUsed(addr, index)
}

func (c *Container) isReleased(addr []byte, index uint64, txHash []byte) (bool, error) {
	key := string(otsReleasedKey(addr, index))
	if hash, ok := c.released[key]; ok {
		return hash != nil && bytes.Equal(hash, txHash), nil
	}
	hash, err := c.db.Get([]byte(key))
	if storage.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("state: load ots release: %w", err)
	}
	return bytes.Equal(hash, txHash), nil
}

// Commit flushes the overlay and the caller's bookkeeping into the batch and
// writes it atomically. A container commits at most once; a failed write
// leaves the store untouched and the container spent.
func (c *Container) Commit() error {
	if !c.writeAccess {
		return coreerrors.ErrReadOnly
	}
	if c.committed {
		return coreerrors.ErrAlreadyCommitted
	}
	c.committed = true
	if err := c.flush(); err != nil {
		return err
	}
	if err := c.db.Write(c.batch); err != nil {
		return fmt.Errorf("state: commit block %d: %w", c.blockNumber, err)
	}
	return nil
}

func (c *Container) flush() error {
	keys := make([]string, 0, len(c.accounts))
	for k := range c.accounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		acct := c.accounts[k]
		if acct.OTSBitfieldUsedPage < c.loaded[k].OTSBitfieldUsedPage {
			return coreerrors.Invariant("ots used page of %x moved back", acct.Address)
		}
		_, migrated := c.migrated[k]
		if !migrated && acct.Equal(c.loaded[k]) {
			continue
		}
		c.batch.Put(accountKey(acct.Address), acct.Marshal())
	}
	if err := c.bitfield.Flush(c.batch); err != nil {
		return err
	}
	for _, ix := range []*Indexer{c.tokens, c.slaves, c.lattice, c.tokenMeta} {
		ix.Flush(c.batch)
	}
	released := make([]string, 0, len(c.released))
	for k := range c.released {
		released = append(released, k)
	}
	sort.Strings(released)
	for _, k := range released {
		if hash := c.released[k]; hash != nil {
			c.batch.Put([]byte(k), hash)
		} else {
			c.batch.Delete([]byte(k))
		}
	}
	return nil
}

// indexAdd records a reference whose uniqueness the ledger already
// guarantees; a duplicate means the index and account state disagree.
func indexAdd(ix *Indexer, key, ref []byte) error {
	err := ix.Add(key, ref)
	if errors.Is(err, coreerrors.ErrDuplicateReference) {
		return coreerrors.Invariant("%v", err)
	}
	return err
}

// Allocation is a balance granted by the genesis block.
type Allocation struct {
	Address []byte
	Balance uint64
}

// Allocate credits a genesis balance. Only the container of block 0 may
// allocate.
func (c *Container) Allocate(a Allocation) error {
	if c.blockNumber != 0 {
		return coreerrors.Invariant("allocation outside genesis at block %d", c.blockNumber)
	}
	acct, err := c.account(a.Address)
	if err != nil {
		return err
	}
	return credit(acct, a.Balance)
}
