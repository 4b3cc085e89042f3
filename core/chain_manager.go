package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	coreerrors "purchain/core/errors"
	"purchain/core/params"
	"purchain/core/state"
	"purchain/core/types"
	"purchain/crypto"
	"purchain/observability/metrics"
	"purchain/storage"
)

// Phase is the writer's position in the block state machine.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseComputingAffectedSet
	PhaseApplying
	PhaseCommitting
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseComputingAffectedSet:
		return "computing_affected_set"
	case PhaseApplying:
		return "applying"
	case PhaseCommitting:
		return "committing"
	case PhaseAborted:
		return "aborted"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Config wires a ChainStateManager.
type Config struct {
	DB       storage.Database
	Schedule *params.Schedule
	Verifier crypto.Verifier
	// AccountCacheEntries bounds the decoded-account cache of the read API.
	AccountCacheEntries int
	Logger              *slog.Logger
	// Metrics is optional; a nil registry records nothing.
	Metrics *metrics.ChainMetrics
}

// ChainStateManager is the single writer of the ledger. It applies and
// reverts blocks as all-or-nothing transitions, keeps the chain bookkeeping
// and performs fork choice. Queries are safe to call concurrently with the
// writer and observe the last committed block.
type ChainStateManager struct {
	mu sync.Mutex

	db       storage.Database
	state    *state.State
	schedule *params.Schedule
	verifier crypto.Verifier
	log      *slog.Logger
	metrics  *metrics.ChainMetrics
	tracer   trace.Tracer

	phase  atomic.Int32
	halted atomic.Bool

	tipMu  sync.RWMutex
	tip    []byte
	height uint64
}

// NewChainStateManager opens the ledger stored in cfg.DB. An empty store is
// accepted and must be bootstrapped before blocks are added.
func NewChainStateManager(cfg Config) (*ChainStateManager, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("chain: database must not be nil")
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("chain: signature verifier must not be nil")
	}
	schedule := cfg.Schedule
	if schedule == nil {
		schedule = params.DefaultSchedule()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := state.EnsureStateVersion(cfg.DB, true); err != nil {
		return nil, err
	}
	st, err := state.NewState(cfg.DB, schedule, cfg.AccountCacheEntries, logger)
	if err != nil {
		return nil, err
	}
	m := &ChainStateManager{
		db:       cfg.DB,
		state:    st,
		schedule: schedule,
		verifier: cfg.Verifier,
		log:      logger.With(slog.String("component", "chain")),
		metrics:  cfg.Metrics,
		tracer:   otel.Tracer("purchain/core"),
	}
	tip, height, ok, err := state.GetChainTip(cfg.DB)
	if err != nil {
		return nil, err
	}
	if ok {
		m.setTip(tip, height)
		st.Advance(height)
		m.log.Info("Loaded chain tip", slog.Uint64("height", height), slog.String("tip", fmt.Sprintf("%x", tip)))
	}
	return m, nil
}

// Phase reports the writer's current phase.
func (m *ChainStateManager) Phase() Phase { return Phase(m.phase.Load()) }

// Halted reports whether an invariant violation stopped the writer.
func (m *ChainStateManager) Halted() bool { return m.halted.Load() }

// State exposes the read side of the ledger.
func (m *ChainStateManager) State() *state.State { return m.state }

func (m *ChainStateManager) setPhase(p Phase) {
	prev := Phase(m.phase.Swap(int32(p)))
	if prev != p {
		m.log.Debug("Phase transition", slog.String("from", prev.String()), slog.String("to", p.String()))
	}
}

func (m *ChainStateManager) setTip(hash []byte, height uint64) {
	m.tipMu.Lock()
	m.tip = append([]byte(nil), hash...)
	m.height = height
	m.tipMu.Unlock()
}

// Tip returns the main chain head and whether the chain was bootstrapped.
func (m *ChainStateManager) Tip() ([]byte, bool) {
	m.tipMu.RLock()
	defer m.tipMu.RUnlock()
	if m.tip == nil {
		return nil, false
	}
	return append([]byte(nil), m.tip...), true
}

// Height returns the block number of the main chain head.
func (m *ChainStateManager) Height() uint64 {
	m.tipMu.RLock()
	defer m.tipMu.RUnlock()
	return m.height
}

// fail records err against the aborted operation. Invariant violations halt
// the writer for the lifetime of the process.
func (m *ChainStateManager) fail(op string, blk *types.Block, err error) error {
	m.setPhase(PhaseAborted)
	attrs := []any{slog.String("op", op), slog.Any("error", err)}
	if blk != nil && blk.Header != nil {
		attrs = append(attrs, slog.Uint64("number", blk.Number()), slog.String("hash", fmt.Sprintf("%x", blk.HeaderHash())))
	}
	switch {
	case coreerrors.IsInvariant(err):
		m.halted.Store(true)
		m.metrics.SetHalted()
		m.log.Error("Invariant violated, halting writer", attrs...)
	case coreerrors.IsValidation(err):
		v, _ := coreerrors.AsValidation(err)
		m.metrics.ObserveRejected(string(v.Code))
		m.log.Warn("Block rejected", attrs...)
	default:
		m.log.Error("Block operation failed", attrs...)
	}
	return err
}

func (m *ChainStateManager) startSpan(ctx context.Context, name string, blk *types.Block) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.Int64("block.number", int64(blk.Number())),
		attribute.String("block.hash", fmt.Sprintf("%x", blk.HeaderHash())),
		attribute.Int("block.txs", len(blk.Transactions)),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (m *ChainStateManager) begin() error {
	if m.halted.Load() {
		return coreerrors.ErrHalted
	}
	return nil
}

// SetAffectedAddresses returns every address any transaction of blk may
// touch, the coinbase address included.
func (m *ChainStateManager) SetAffectedAddresses(blk *types.Block) types.AddressSet {
	set := types.NewAddressSet()
	set.Add(m.schedule.ForHeight(blk.Number()).CoinbaseAddress)
	for _, tx := range blk.Transactions {
		tx.SetAffectedAddresses(set)
	}
	return set
}

// NewStateContainer builds an overlay over the committed state.
func (m *ChainStateManager) NewStateContainer(addresses types.AddressSet, blockNumber uint64, writeAccess bool, batch *storage.Batch) (*state.Container, error) {
	return m.state.NewContainer(addresses, blockNumber, writeAccess, batch)
}

func (m *ChainStateManager) containerOn(db storage.Database, addresses types.AddressSet, blockNumber uint64, writeAccess bool, batch *storage.Batch) (*state.Container, error) {
	return state.NewContainer(state.ContainerConfig{
		DB:          db,
		Addresses:   addresses,
		BlockNumber: blockNumber,
		Params:      m.schedule.ForHeight(blockNumber),
		WriteAccess: writeAccess,
		Batch:       batch,
		Logger:      m.log,
	})
}

// validateStatic runs every block check that needs no account state.
func (m *ChainStateManager) validateStatic(blk *types.Block, p params.Params) error {
	if err := blk.ValidateStructure(); err != nil {
		return err
	}
	if blk.Header.DifficultyOrZero().IsZero() {
		return coreerrors.Validation(coreerrors.CodeBadBlock, "zero difficulty")
	}
	var fees uint64
	for i, tx := range blk.Transactions {
		if err := tx.ValidateStatic(m.verifier, p); err != nil {
			if v, ok := coreerrors.AsValidation(err); ok {
				return v.WithTx(tx.TxHash())
			}
			return err
		}
		if i == 0 {
			continue
		}
		if fees > math.MaxUint64-tx.Fee {
			return coreerrors.Validation(coreerrors.CodeBadBlock, "fee total overflows")
		}
		fees += tx.Fee
	}
	h := blk.Header
	if h.RewardFee != fees {
		return coreerrors.Validation(coreerrors.CodeBadBlock, "reward fee %d, transactions pay %d", h.RewardFee, fees)
	}
	if blk.Number() > 0 && h.RewardBlock != p.BlockReward {
		return coreerrors.Validation(coreerrors.CodeBadBlock, "block reward %d, expected %d", h.RewardBlock, p.BlockReward)
	}
	_, cb, _ := blk.Coinbase()
	if h.RewardBlock > math.MaxUint64-h.RewardFee || cb.Amount != h.RewardBlock+h.RewardFee {
		return coreerrors.Validation(coreerrors.CodeBadBlock, "coinbase amount %d does not pay reward %d plus fees %d", cb.Amount, h.RewardBlock, h.RewardFee)
	}
	return nil
}

// metadataFor returns the metadata of blk, reusing what a side-chain insert
// already stored, together with the parent's.
func metadataFor(db storage.Database, blk *types.Block, n int) (*state.BlockMetadata, *state.BlockMetadata, error) {
	h := blk.Header
	parent, err := state.GetBlockMetadata(db, h.PrevHeaderHash)
	if err != nil {
		return nil, nil, err
	}
	if parent == nil {
		return nil, nil, coreerrors.Validation(coreerrors.CodeUnknownParent, "parent %x unknown", h.PrevHeaderHash)
	}
	md, err := state.GetBlockMetadata(db, blk.HeaderHash())
	if err != nil {
		return nil, nil, err
	}
	if md == nil {
		md, err = state.NewBlockMetadata(parent, h.DifficultyOrZero(), h.PrevHeaderHash, n)
		if err != nil {
			return nil, nil, err
		}
	}
	return md, parent, nil
}

// putBlockMetadata stores blk with its metadata and links it under its parent.
func putBlockMetadata(batch *storage.Batch, blk *types.Block, md, parent *state.BlockMetadata) {
	hash := blk.HeaderHash()
	state.PutBlock(batch, blk)
	state.PutBlockMetadata(batch, hash, md)
	if parent != nil {
		parent.AddChild(hash)
		state.PutBlockMetadata(batch, blk.Header.PrevHeaderHash, parent)
	}
}

// applyOn applies blk on top of the chain stored in db. With dryRun the
// block is validated against a read-only container and nothing is written.
func (m *ChainStateManager) applyOn(ctx context.Context, db storage.Database, blk *types.Block, dryRun bool) error {
	tip, height, ok, err := state.GetChainTip(db)
	if err != nil {
		return err
	}
	if !ok {
		return coreerrors.Validation(coreerrors.CodeUnknownParent, "chain not bootstrapped")
	}
	if !bytes.Equal(blk.Header.PrevHeaderHash, tip) || blk.Number() != height+1 {
		return coreerrors.Validation(coreerrors.CodeUnknownParent, "block %d does not extend tip %d", blk.Number(), height)
	}

	m.setPhase(PhaseComputingAffectedSet)
	p := m.schedule.ForHeight(blk.Number())
	if err := m.validateStatic(blk, p); err != nil {
		return err
	}
	md, parent, err := metadataFor(db, blk, p.NMeasurement)
	if err != nil {
		return err
	}
	addresses := m.SetAffectedAddresses(blk)

	m.setPhase(PhaseApplying)
	batch := db.NewBatch()
	c, err := m.containerOn(db, addresses, blk.Number(), !dryRun, batch)
	if err != nil {
		return err
	}
	for _, tx := range blk.Transactions {
		if err := c.ApplyTransaction(tx); err != nil {
			return err
		}
	}
	if dryRun {
		return nil
	}

	hash := blk.HeaderHash()
	putBlockMetadata(batch, blk, md, parent)
	state.PutBlockNumberMapping(batch, blk.Number(), state.BlockNumberMapping{HeaderHash: hash, PrevHeaderHash: blk.Header.PrevHeaderHash})
	state.PutChainTip(batch, hash, blk.Number())
	if err := state.AddLastTransactions(db, batch, blk, p.LastTxsLimit); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.setPhase(PhaseCommitting)
	return c.Commit()
}

// revertOn rolls the tip of the chain stored in db back to its parent.
func (m *ChainStateManager) revertOn(ctx context.Context, db storage.Database, blk *types.Block) error {
	tip, height, ok, err := state.GetChainTip(db)
	if err != nil {
		return err
	}
	hash := blk.HeaderHash()
	if !ok || !bytes.Equal(tip, hash) || blk.Number() != height {
		return coreerrors.Validation(coreerrors.CodeBadBlock, "block %x is not the tip", hash)
	}
	if blk.Number() == 0 {
		return coreerrors.Validation(coreerrors.CodeBadBlock, "genesis cannot be reverted")
	}
	if err := blk.ValidateStructure(); err != nil {
		return err
	}
	// Revert what was applied, not what the caller supplied.
	blk, err = state.GetBlock(db, hash)
	if err != nil {
		return err
	}
	if blk == nil {
		return coreerrors.Invariant("tip block %x missing from block store", hash)
	}

	m.setPhase(PhaseComputingAffectedSet)
	addresses := m.SetAffectedAddresses(blk)

	m.setPhase(PhaseApplying)
	batch := db.NewBatch()
	c, err := m.containerOn(db, addresses, blk.Number(), true, batch)
	if err != nil {
		return err
	}
	for i := len(blk.Transactions) - 1; i >= 0; i-- {
		if err := c.RevertTransaction(blk.Transactions[i]); err != nil {
			return err
		}
	}
	if err := state.RemoveLastTransactions(db, batch, blk); err != nil {
		return err
	}
	state.DeleteBlockNumberMapping(batch, blk.Number())
	state.PutChainTip(batch, blk.Header.PrevHeaderHash, blk.Number()-1)
	if err := ctx.Err(); err != nil {
		return err
	}
	m.setPhase(PhaseCommitting)
	return c.Commit()
}

// Bootstrap commits the genesis block and its allocations into an empty
// store. Bootstrapping an already initialised store with the same genesis is
// a no-op.
func (m *ChainStateManager) Bootstrap(ctx context.Context, genesis *types.Block, allocations []state.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(); err != nil {
		return err
	}
	defer m.setPhase(PhaseIdle)

	if genesis == nil || genesis.Header == nil || genesis.Number() != 0 || len(genesis.Header.PrevHeaderHash) != 0 {
		return coreerrors.Validation(coreerrors.CodeBadBlock, "genesis must be block 0 without parent")
	}
	hash := genesis.HeaderHash()
	if tip, ok := m.Tip(); ok {
		stored, err := state.GetBlockNumberMapping(m.db, 0)
		if err != nil {
			return err
		}
		if stored != nil && bytes.Equal(stored.HeaderHash, hash) {
			return nil
		}
		return fmt.Errorf("chain: store already initialised at tip %x with a different genesis", tip)
	}

	m.setPhase(PhaseComputingAffectedSet)
	p := m.schedule.ForHeight(0)
	if err := m.validateStatic(genesis, p); err != nil {
		return m.fail("bootstrap", genesis, err)
	}
	md, err := state.NewBlockMetadata(nil, genesis.Header.DifficultyOrZero(), nil, p.NMeasurement)
	if err != nil {
		return m.fail("bootstrap", genesis, err)
	}
	addresses := m.SetAffectedAddresses(genesis)
	for _, a := range allocations {
		addresses.Add(a.Address)
	}

	m.setPhase(PhaseApplying)
	batch := m.db.NewBatch()
	c, err := m.containerOn(m.db, addresses, 0, true, batch)
	if err != nil {
		return m.fail("bootstrap", genesis, err)
	}
	for _, a := range allocations {
		if err := c.Allocate(a); err != nil {
			return m.fail("bootstrap", genesis, err)
		}
	}
	for _, tx := range genesis.Transactions {
		if err := c.ApplyTransaction(tx); err != nil {
			return m.fail("bootstrap", genesis, err)
		}
	}
	putBlockMetadata(batch, genesis, md, nil)
	state.PutBlockNumberMapping(batch, 0, state.BlockNumberMapping{HeaderHash: hash})
	state.PutChainTip(batch, hash, 0)
	state.PutStateVersion(batch, state.StateVersion)
	if err := state.AddLastTransactions(m.db, batch, genesis, p.LastTxsLimit); err != nil {
		return m.fail("bootstrap", genesis, err)
	}
	if err := ctx.Err(); err != nil {
		return m.fail("bootstrap", genesis, err)
	}
	m.setPhase(PhaseCommitting)
	if err := c.Commit(); err != nil {
		return m.fail("bootstrap", genesis, err)
	}
	m.setTip(hash, 0)
	m.state.Advance(0)
	m.metrics.SetHeight(0)
	m.log.Info("Bootstrapped genesis",
		slog.String("hash", fmt.Sprintf("%x", hash)),
		slog.Int("allocations", len(allocations)))
	return nil
}

// ApplyBlock commits blk on top of the current tip. Cancellation of ctx is
// honoured up to the commit; once the batch is written the block is applied.
func (m *ChainStateManager) ApplyBlock(ctx context.Context, blk *types.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyBlock(ctx, blk)
}

func (m *ChainStateManager) applyBlock(ctx context.Context, blk *types.Block) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.setPhase(PhaseIdle)
	if blk == nil || blk.Header == nil {
		return coreerrors.Validation(coreerrors.CodeBadBlock, "missing header")
	}
	ctx, span := m.startSpan(ctx, "chain.apply_block", blk)
	start := time.Now()
	if err := m.applyOn(ctx, m.db, blk, false); err != nil {
		err = m.fail("apply", blk, err)
		endSpan(span, err)
		return err
	}
	endSpan(span, nil)
	m.setTip(blk.HeaderHash(), blk.Number())
	m.state.Advance(blk.Number())
	m.metrics.ObserveApplied(blk.Number(), time.Since(start))
	m.log.Info("Applied block",
		slog.Uint64("number", blk.Number()),
		slog.String("hash", fmt.Sprintf("%x", blk.HeaderHash())),
		slog.Int("txs", len(blk.Transactions)))
	return nil
}

// RevertBlock rolls the tip block back to its parent.
func (m *ChainStateManager) RevertBlock(ctx context.Context, blk *types.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(); err != nil {
		return err
	}
	defer m.setPhase(PhaseIdle)
	if blk == nil || blk.Header == nil {
		return coreerrors.Validation(coreerrors.CodeBadBlock, "missing header")
	}
	ctx, span := m.startSpan(ctx, "chain.revert_block", blk)
	if err := m.revertOn(ctx, m.db, blk); err != nil {
		err = m.fail("revert", blk, err)
		endSpan(span, err)
		return err
	}
	endSpan(span, nil)
	m.setTip(blk.Header.PrevHeaderHash, blk.Number()-1)
	m.state.Advance(blk.Number() - 1)
	m.metrics.ObserveReverted(blk.Number() - 1)
	m.log.Info("Reverted block", slog.Uint64("number", blk.Number()))
	return nil
}

// ValidateBlock checks that blk would apply on top of the current tip
// without writing anything.
func (m *ChainStateManager) ValidateBlock(blk *types.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(); err != nil {
		return err
	}
	defer m.setPhase(PhaseIdle)
	if blk == nil || blk.Header == nil {
		return coreerrors.Validation(coreerrors.CodeBadBlock, "missing header")
	}
	if err := m.applyOn(context.Background(), m.db, blk, true); err != nil {
		if coreerrors.IsInvariant(err) {
			return m.fail("validate", blk, err)
		}
		return err
	}
	return nil
}

// AddBlock inserts blk into the block tree. A block extending the tip is
// applied. Any other block with a known parent is stored as a side block
// and becomes the new tip only when its cumulative difficulty is strictly
// greater than the tip's; ties keep the first seen chain. A side block that
// triggers a switch is stored only if the switch commits. The returned flag
// reports whether blk is the main chain head afterwards.
func (m *ChainStateManager) AddBlock(ctx context.Context, blk *types.Block) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(); err != nil {
		return false, err
	}
	if blk == nil || blk.Header == nil {
		return false, coreerrors.Validation(coreerrors.CodeBadBlock, "missing header")
	}
	hash := blk.HeaderHash()
	if known, err := state.GetBlockMetadata(m.db, hash); err != nil {
		return false, err
	} else if known != nil {
		tip, _ := m.Tip()
		return bytes.Equal(tip, hash), nil
	}
	tip, ok := m.Tip()
	if !ok {
		return false, coreerrors.Validation(coreerrors.CodeUnknownParent, "chain not bootstrapped")
	}
	if bytes.Equal(blk.Header.PrevHeaderHash, tip) {
		if err := m.applyBlock(ctx, blk); err != nil {
			return false, err
		}
		return true, nil
	}

	defer m.setPhase(PhaseIdle)
	md, sideBatch, err := m.sideBlockBatch(blk)
	if err != nil {
		return false, m.fail("add", blk, err)
	}
	tipMD, err := state.GetBlockMetadata(m.db, tip)
	if err != nil {
		return false, err
	}
	if tipMD == nil {
		return false, m.fail("add", blk, coreerrors.Invariant("metadata of tip %x missing", tip))
	}
	if !md.HeavierThan(tipMD) {
		if err := m.db.Write(sideBatch); err != nil {
			return false, m.fail("add", blk, err)
		}
		m.log.Info("Stored side block",
			slog.Uint64("number", blk.Number()),
			slog.String("hash", fmt.Sprintf("%x", hash)),
			slog.String("cumulative_difficulty", md.CumulativeDifficulty.Dec()))
		return false, nil
	}
	ctx, span := m.startSpan(ctx, "chain.reorg", blk)
	if err := m.reorg(ctx, blk, sideBatch); err != nil {
		m.metrics.ObserveReorg("aborted")
		err = m.fail("reorg", blk, err)
		endSpan(span, err)
		return false, err
	}
	endSpan(span, nil)
	m.metrics.ObserveReorg("switched")
	return true, nil
}

// sideBlockBatch validates a block that does not extend the tip and returns
// its metadata with the batch that stores it. A side block that triggers a
// switch is stored only if the switch commits.
func (m *ChainStateManager) sideBlockBatch(blk *types.Block) (*state.BlockMetadata, *storage.Batch, error) {
	m.setPhase(PhaseComputingAffectedSet)
	p := m.schedule.ForHeight(blk.Number())
	if err := m.validateStatic(blk, p); err != nil {
		return nil, nil, err
	}
	parentBlock, err := state.GetBlock(m.db, blk.Header.PrevHeaderHash)
	if err != nil {
		return nil, nil, err
	}
	if parentBlock == nil {
		return nil, nil, coreerrors.Validation(coreerrors.CodeUnknownParent, "parent %x unknown", blk.Header.PrevHeaderHash)
	}
	if blk.Number() != parentBlock.Number()+1 {
		return nil, nil, coreerrors.Validation(coreerrors.CodeBadBlock, "block number %d does not follow parent %d", blk.Number(), parentBlock.Number())
	}
	md, parent, err := metadataFor(m.db, blk, p.NMeasurement)
	if err != nil {
		return nil, nil, err
	}
	batch := m.db.NewBatch()
	putBlockMetadata(batch, blk, md, parent)
	return md, batch, nil
}

// forkPoint walks back from head until it reaches a main chain block and
// returns that block's number with the side branch in ascending order.
func (m *ChainStateManager) forkPoint(head *types.Block) (uint64, []*types.Block, error) {
	var branch []*types.Block
	cur := head
	for {
		mapping, err := state.GetBlockNumberMapping(m.db, cur.Number())
		if err != nil {
			return 0, nil, err
		}
		if mapping != nil && bytes.Equal(mapping.HeaderHash, cur.HeaderHash()) {
			break
		}
		branch = append(branch, cur)
		if cur.Number() == 0 {
			return 0, nil, coreerrors.Invariant("side branch of %x reaches a foreign genesis", head.HeaderHash())
		}
		parent, err := state.GetBlock(m.db, cur.Header.PrevHeaderHash)
		if err != nil {
			return 0, nil, err
		}
		if parent == nil {
			return 0, nil, coreerrors.Invariant("stored block %x has no stored parent", cur.HeaderHash())
		}
		cur = parent
	}
	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}
	return cur.Number(), branch, nil
}

// reorg switches the main chain to head. Every revert and apply is buffered
// in one overlay, so the store either moves to head or stays at the old tip.
func (m *ChainStateManager) reorg(ctx context.Context, head *types.Block, headBatch *storage.Batch) error {
	ancestor, branch, err := m.forkPoint(head)
	if err != nil {
		return err
	}
	height := m.Height()
	depth := height - ancestor
	if limit := m.schedule.ForHeight(height).ReorgLimit; depth > limit {
		return coreerrors.Validation(coreerrors.CodeBadBlock, "reorg depth %d exceeds limit %d", depth, limit)
	}
	m.log.Info("Switching to heavier chain",
		slog.Uint64("ancestor", ancestor),
		slog.Uint64("old_height", height),
		slog.Uint64("new_height", head.Number()))

	overlay := storage.NewOverlay(m.db)
	defer overlay.Discard()
	if err := overlay.Write(headBatch); err != nil {
		return err
	}
	for n := height; n > ancestor; n-- {
		mapping, err := state.GetBlockNumberMapping(overlay, n)
		if err != nil {
			return err
		}
		if mapping == nil {
			return coreerrors.Invariant("main chain mapping for block %d missing", n)
		}
		blk, err := state.GetBlock(overlay, mapping.HeaderHash)
		if err != nil {
			return err
		}
		if blk == nil {
			return coreerrors.Invariant("main chain block %x missing", mapping.HeaderHash)
		}
		if err := m.revertOn(ctx, overlay, blk); err != nil {
			return fmt.Errorf("revert block %d: %w", n, err)
		}
	}
	for _, blk := range branch {
		if err := m.applyOn(ctx, overlay, blk, false); err != nil {
			return fmt.Errorf("apply block %d: %w", blk.Number(), err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.setPhase(PhaseCommitting)
	if err := overlay.Publish(); err != nil {
		return err
	}
	m.setTip(head.HeaderHash(), head.Number())
	m.state.Advance(head.Number())
	m.metrics.SetHeight(head.Number())
	m.log.Info("Reorganised chain",
		slog.Uint64("reverted", height-ancestor),
		slog.Int("applied", len(branch)),
		slog.String("tip", fmt.Sprintf("%x", head.HeaderHash())))
	return nil
}

// GetAccountState returns the committed state of addr or its default.
func (m *ChainStateManager) GetAccountState(addr []byte) (*state.AccountState, error) {
	return m.state.GetAccountState(addr)
}

// FindNextUnusedOTSIndex returns the lowest unused OTS index of addr at or
// after start.
func (m *ChainStateManager) FindNextUnusedOTSIndex(addr []byte, start uint64) (uint64, bool, error) {
	return m.state.FindNextUnusedOTSIndex(addr, start)
}

// GetOTS returns count raw bitfield pages of addr from fromPage.
func (m *ChainStateManager) GetOTS(addr []byte, fromPage, count uint64) (*state.OTSInfo, error) {
	return m.state.OTS(addr, fromPage, count)
}

// GetChainMetadata returns nil for unknown blocks.
func (m *ChainStateManager) GetChainMetadata(headerHash []byte) (*state.BlockMetadata, error) {
	return state.GetBlockMetadata(m.db, headerHash)
}

// GetBlock returns nil for unknown blocks. Side blocks are included.
func (m *ChainStateManager) GetBlock(headerHash []byte) (*types.Block, error) {
	return state.GetBlock(m.db, headerHash)
}

// GetBlockByNumber returns the main chain block at number, or nil.
func (m *ChainStateManager) GetBlockByNumber(number uint64) (*types.Block, error) {
	mapping, err := state.GetBlockNumberMapping(m.db, number)
	if err != nil || mapping == nil {
		return nil, err
	}
	return state.GetBlock(m.db, mapping.HeaderHash)
}

// GetLastTransactions lists the most recent main chain transactions, newest
// first.
func (m *ChainStateManager) GetLastTransactions() ([]state.LastTransaction, error) {
	return state.GetLastTransactions(m.db)
}

// GetTokenMetadata returns the creating transaction hash of token followed
// by the hashes of its transfers.
func (m *ChainStateManager) GetTokenMetadata(tokenTxHash []byte) ([][]byte, error) {
	return m.state.Index(state.NamespaceTokenMeta, tokenTxHash)
}

// GetSlaveMasters returns the master addresses that granted slavePK.
func (m *ChainStateManager) GetSlaveMasters(slavePK []byte) ([][]byte, error) {
	return m.state.Index(state.NamespaceSlaves, slavePK)
}

// IsHalted reports whether err means the writer refuses further work.
func IsHalted(err error) bool {
	return errors.Is(err, coreerrors.ErrHalted)
}
