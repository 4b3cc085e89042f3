package core

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/holiman/uint256"

	coreerrors "purchain/core/errors"
	"purchain/core/params"
	"purchain/core/state"
	"purchain/core/types"
	"purchain/crypto/otstest"
	"purchain/storage"
)

const (
	testReward = 10
	testSupply = 1_000_000
)

type harness struct {
	t       *testing.T
	db      *storage.MemDB
	mgr     *ChainStateManager
	p       params.Params
	genesis *types.Block
	alice   *otstest.Signer
	bob     []byte
	miner   []byte
}

func newHarness(t *testing.T, mutate func(*params.Params)) *harness {
	t.Helper()
	p := params.Default()
	p.OTSTrackingPerPage = 1024
	p.BlockReward = testReward
	p.LastTxsLimit = 5
	if mutate != nil {
		mutate(&p)
	}
	sched, err := params.NewSchedule(p, nil)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	db := storage.NewMemDB()
	mgr, err := NewChainStateManager(Config{DB: db, Schedule: sched, Verifier: otstest.Verifier{}})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	h := &harness{
		t:     t,
		db:    db,
		mgr:   mgr,
		p:     p,
		alice: otstest.NewSigner(1, 10),
		bob:   otstest.Address(2, 10),
		miner: otstest.Address(3, 10),
	}
	h.genesis = h.block(nil, 1, h.miner, 0)
	allocs := []state.Allocation{
		{Address: p.CoinbaseAddress, Balance: testSupply},
		{Address: h.alice.Address(), Balance: 1000},
	}
	if err := mgr.Bootstrap(context.Background(), h.genesis, allocs); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return h
}

// block builds a child of parent paying the reward and fees to miner.
func (h *harness) block(parent *types.Block, difficulty uint64, miner []byte, nonce uint64, txs ...*types.Transaction) *types.Block {
	h.t.Helper()
	header := &types.BlockHeader{Difficulty: uint256.NewInt(difficulty), MiningNonce: nonce}
	reward := uint64(0)
	coinbaseNonce := uint64(1)
	if parent != nil {
		header.Number = parent.Number() + 1
		header.PrevHeaderHash = parent.HeaderHash()
		header.Timestamp = parent.Header.Timestamp + 60
		header.RewardBlock = h.p.BlockReward
		reward = h.p.BlockReward
		coinbaseNonce = header.Number + 1
	}
	var fees uint64
	for _, tx := range txs {
		fees += tx.Fee
	}
	header.RewardFee = fees
	coinbase := &types.Transaction{
		MasterAddr: h.p.CoinbaseAddress,
		Nonce:      coinbaseNonce,
		Payload:    &types.CoinbasePayload{AddrTo: miner, Amount: reward + fees},
	}
	blk, err := types.NewBlock(header, append([]*types.Transaction{coinbase}, txs...))
	if err != nil {
		h.t.Fatalf("build block: %v", err)
	}
	return blk
}

func (h *harness) transfer(nonce, fee, amount uint64) *types.Transaction {
	h.t.Helper()
	tx := &types.Transaction{
		Fee:     fee,
		Nonce:   nonce,
		Payload: &types.TransferPayload{AddrsTo: [][]byte{h.bob}, Amounts: []uint64{amount}},
	}
	if err := tx.Sign(h.alice); err != nil {
		h.t.Fatalf("sign: %v", err)
	}
	return tx
}

func (h *harness) balance(addr []byte) uint64 {
	h.t.Helper()
	acct, err := h.mgr.GetAccountState(addr)
	if err != nil {
		h.t.Fatalf("account %x: %v", addr, err)
	}
	return acct.Balance
}

func (h *harness) requireTip(blk *types.Block) {
	h.t.Helper()
	tip, ok := h.mgr.Tip()
	if !ok || !bytes.Equal(tip, blk.HeaderHash()) || h.mgr.Height() != blk.Number() {
		h.t.Fatalf("tip %x at %d, want %x at %d", tip, h.mgr.Height(), blk.HeaderHash(), blk.Number())
	}
	stored, _, _, err := state.GetChainTip(h.db)
	if err != nil || !bytes.Equal(stored, blk.HeaderHash()) {
		h.t.Fatalf("persisted tip %x, want %x (%v)", stored, blk.HeaderHash(), err)
	}
}

func sameSnapshot(a, b map[string][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if !bytes.Equal(b[k], v) {
			return false
		}
	}
	return true
}

func TestBootstrapIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.requireTip(h.genesis)
	if err := h.mgr.Bootstrap(context.Background(), h.genesis, nil); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	other := h.block(nil, 2, h.miner, 7)
	if err := h.mgr.Bootstrap(context.Background(), other, nil); err == nil {
		t.Fatalf("expected a different genesis to be refused")
	}
	if h.balance(h.alice.Address()) != 1000 || h.balance(h.p.CoinbaseAddress) != testSupply {
		t.Fatalf("genesis allocations not applied")
	}
	md, err := h.mgr.GetChainMetadata(h.genesis.HeaderHash())
	if err != nil || md == nil || md.CumulativeDifficulty.Uint64() != 1 {
		t.Fatalf("genesis metadata: %+v %v", md, err)
	}
}

func TestApplyBlockConservesSupply(t *testing.T) {
	h := newHarness(t, nil)
	tx := h.transfer(1, 2, 100)
	b1 := h.block(h.genesis, 1, h.miner, 0, tx)
	if err := h.mgr.ApplyBlock(context.Background(), b1); err != nil {
		t.Fatalf("apply: %v", err)
	}
	h.requireTip(b1)
	if got := h.balance(h.alice.Address()); got != 898 {
		t.Fatalf("alice balance %d", got)
	}
	if got := h.balance(h.bob); got != 100 {
		t.Fatalf("bob balance %d", got)
	}
	if got := h.balance(h.miner); got != testReward+2 {
		t.Fatalf("miner balance %d", got)
	}
	total := h.balance(h.alice.Address()) + h.balance(h.bob) + h.balance(h.miner) + h.balance(h.p.CoinbaseAddress)
	if total != testSupply+1000 {
		t.Fatalf("supply not conserved: %d", total)
	}

	byNumber, err := h.mgr.GetBlockByNumber(1)
	if err != nil || byNumber == nil || !bytes.Equal(byNumber.HeaderHash(), b1.HeaderHash()) {
		t.Fatalf("block by number: %v %v", byNumber, err)
	}
	last, err := h.mgr.GetLastTransactions()
	if err != nil || len(last) != 1 || !bytes.Equal(last[0].TxHash, tx.TxHash()) {
		t.Fatalf("last transactions: %+v %v", last, err)
	}
	if next, ok, err := h.mgr.FindNextUnusedOTSIndex(h.alice.Address(), 0); err != nil || !ok || next != 1 {
		t.Fatalf("next ots index %d %v %v", next, ok, err)
	}
	if h.mgr.Phase() != PhaseIdle {
		t.Fatalf("phase %s after apply", h.mgr.Phase())
	}
}

func TestApplyBlockIsAtomic(t *testing.T) {
	h := newHarness(t, nil)
	before := h.db.Snapshot()

	good := h.transfer(1, 0, 10)
	bad := h.transfer(5, 0, 10)
	blk := h.block(h.genesis, 1, h.miner, 0, good, bad)
	err := h.mgr.ApplyBlock(context.Background(), blk)
	v, ok := coreerrors.AsValidation(err)
	if !ok || v.Code != coreerrors.CodeNonceMismatch {
		t.Fatalf("expected nonce rejection, got %v", err)
	}
	if !bytes.Equal(v.TxHash, bad.TxHash()) {
		t.Fatalf("rejection names tx %x", v.TxHash)
	}
	if !sameSnapshot(before, h.db.Snapshot()) {
		t.Fatalf("failed block left writes behind")
	}
	h.requireTip(h.genesis)
	if h.mgr.Halted() || h.mgr.Phase() != PhaseIdle {
		t.Fatalf("validation failure must not halt")
	}
}

func TestApplyBlockRejectsBadCoinbase(t *testing.T) {
	h := newHarness(t, nil)
	blk := h.block(h.genesis, 1, h.miner, 0)
	_, cb, _ := blk.Coinbase()
	cb.Amount++
	var err error
	if blk, err = types.NewBlock(blk.Header, blk.Transactions); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	before := h.db.Snapshot()
	if err := h.mgr.ApplyBlock(context.Background(), blk); !coreerrors.IsValidation(err) {
		t.Fatalf("expected coinbase rejection, got %v", err)
	}
	if !sameSnapshot(before, h.db.Snapshot()) {
		t.Fatalf("rejected block changed the store")
	}
}

func TestApplyBlockMustExtendTip(t *testing.T) {
	h := newHarness(t, nil)
	b1 := h.block(h.genesis, 1, h.miner, 0)
	b2 := h.block(b1, 1, h.miner, 0)
	err := h.mgr.ApplyBlock(context.Background(), b2)
	if v, ok := coreerrors.AsValidation(err); !ok || v.Code != coreerrors.CodeUnknownParent {
		t.Fatalf("expected unknown parent, got %v", err)
	}
}

func TestCancelledContextAbortsBeforeCommit(t *testing.T) {
	h := newHarness(t, nil)
	before := h.db.Snapshot()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.mgr.ApplyBlock(ctx, h.block(h.genesis, 1, h.miner, 0, h.transfer(1, 0, 5)))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if !sameSnapshot(before, h.db.Snapshot()) {
		t.Fatalf("cancelled block reached the store")
	}
}

func TestValidateBlockWritesNothing(t *testing.T) {
	h := newHarness(t, nil)
	before := h.db.Snapshot()
	if err := h.mgr.ValidateBlock(h.block(h.genesis, 1, h.miner, 0, h.transfer(1, 1, 5))); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !sameSnapshot(before, h.db.Snapshot()) {
		t.Fatalf("validation wrote to the store")
	}
}

func TestRevertBlockRestoresBalances(t *testing.T) {
	h := newHarness(t, nil)
	tx := h.transfer(1, 3, 50)
	b1 := h.block(h.genesis, 1, h.miner, 0, tx)
	if err := h.mgr.ApplyBlock(context.Background(), b1); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := h.mgr.RevertBlock(context.Background(), h.genesis); !coreerrors.IsValidation(err) {
		t.Fatalf("expected non-tip revert to fail, got %v", err)
	}
	if err := h.mgr.RevertBlock(context.Background(), b1); err != nil {
		t.Fatalf("revert: %v", err)
	}
	h.requireTip(h.genesis)
	if h.balance(h.alice.Address()) != 1000 || h.balance(h.bob) != 0 || h.balance(h.miner) != 0 {
		t.Fatalf("balances not restored")
	}
	acct, _ := h.mgr.GetAccountState(h.alice.Address())
	if acct.Nonce != 0 {
		t.Fatalf("nonce not restored: %d", acct.Nonce)
	}
	used, err := h.mgr.State().IsOTSUsed(h.alice.Address(), 0)
	if err != nil || !used {
		t.Fatalf("revert must keep the OTS index marked")
	}
	if blk, _ := h.mgr.GetBlockByNumber(1); blk != nil {
		t.Fatalf("number mapping survived revert")
	}
	if last, _ := h.mgr.GetLastTransactions(); len(last) != 0 {
		t.Fatalf("last transactions survived revert: %+v", last)
	}

	// The identical transaction is valid again on top of the parent.
	if err := h.mgr.ApplyBlock(context.Background(), b1); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	h.requireTip(b1)
}

func TestForkChoicePrefersHeavierChain(t *testing.T) {
	h := newHarness(t, nil)
	tx := h.transfer(1, 1, 40)
	main1 := h.block(h.genesis, 1, h.miner, 0, tx)
	if head, err := h.mgr.AddBlock(context.Background(), main1); err != nil || !head {
		t.Fatalf("add main1: %v %v", head, err)
	}

	other := otstest.Address(4, 10)
	side1 := h.block(h.genesis, 1, other, 1)
	head, err := h.mgr.AddBlock(context.Background(), side1)
	if err != nil || head {
		t.Fatalf("equal difficulty must keep the first seen chain: %v %v", head, err)
	}
	h.requireTip(main1)

	side2 := h.block(side1, 1, other, 1)
	head, err = h.mgr.AddBlock(context.Background(), side2)
	if err != nil || !head {
		t.Fatalf("heavier branch not adopted: %v %v", head, err)
	}
	h.requireTip(side2)
	if h.balance(h.bob) != 0 || h.balance(h.alice.Address()) != 1000 || h.balance(h.miner) != 0 {
		t.Fatalf("old branch effects survived the switch")
	}
	if got := h.balance(other); got != 2*testReward {
		t.Fatalf("new branch miner balance %d", got)
	}

	md, err := h.mgr.GetChainMetadata(side2.HeaderHash())
	if err != nil || md.CumulativeDifficulty.Uint64() != 3 {
		t.Fatalf("side2 metadata %+v %v", md, err)
	}
	gmd, _ := h.mgr.GetChainMetadata(h.genesis.HeaderHash())
	if len(gmd.ChildHeaderHashes) != 2 {
		t.Fatalf("genesis should list both children, got %d", len(gmd.ChildHeaderHashes))
	}

	// The transaction dropped with the old branch is accepted on the new one.
	side3 := h.block(side2, 1, other, 1, tx)
	if head, err := h.mgr.AddBlock(context.Background(), side3); err != nil || !head {
		t.Fatalf("re-include reverted tx: %v %v", head, err)
	}
	if h.balance(h.bob) != 40 {
		t.Fatalf("re-included transfer not applied")
	}
}

func TestFailedReorgKeepsOldChain(t *testing.T) {
	h := newHarness(t, nil)
	main1 := h.block(h.genesis, 1, h.miner, 0, h.transfer(1, 0, 25))
	if _, err := h.mgr.AddBlock(context.Background(), main1); err != nil {
		t.Fatalf("add main1: %v", err)
	}
	before := h.mgr.State().Revision()

	// Heavier, but the signer's nonce is wrong once the old branch is gone.
	side1 := h.block(h.genesis, 5, otstest.Address(4, 10), 1, h.transfer(2, 0, 25))
	head, err := h.mgr.AddBlock(context.Background(), side1)
	if err == nil || head {
		t.Fatalf("expected the switch to fail, got %v %v", head, err)
	}
	h.requireTip(main1)
	if h.balance(h.bob) != 25 || h.balance(h.miner) != testReward {
		t.Fatalf("partial switch leaked into the state")
	}
	if blk, _ := h.mgr.GetBlock(side1.HeaderHash()); blk != nil {
		t.Fatalf("side block of an aborted switch was stored")
	}
	gmd, err := h.mgr.GetChainMetadata(h.genesis.HeaderHash())
	if err != nil || len(gmd.ChildHeaderHashes) != 1 {
		t.Fatalf("genesis children changed by an aborted switch: %+v %v", gmd, err)
	}
	if h.mgr.State().Revision() != before {
		t.Fatalf("aborted switch advanced the revision")
	}
	if h.mgr.Halted() {
		t.Fatalf("validation failure during reorg halted the writer")
	}
}

func TestReorgLimit(t *testing.T) {
	h := newHarness(t, func(p *params.Params) { p.ReorgLimit = 1 })
	main1 := h.block(h.genesis, 1, h.miner, 0)
	main2 := h.block(main1, 1, h.miner, 0)
	for _, blk := range []*types.Block{main1, main2} {
		if _, err := h.mgr.AddBlock(context.Background(), blk); err != nil {
			t.Fatalf("add main: %v", err)
		}
	}
	other := otstest.Address(4, 10)
	side1 := h.block(h.genesis, 1, other, 1)
	side2 := h.block(side1, 1, other, 1)
	side3 := h.block(side2, 1, other, 1)
	for _, blk := range []*types.Block{side1, side2} {
		if head, err := h.mgr.AddBlock(context.Background(), blk); err != nil || head {
			t.Fatalf("side block: %v %v", head, err)
		}
	}
	if _, err := h.mgr.AddBlock(context.Background(), side3); !coreerrors.IsValidation(err) {
		t.Fatalf("expected reorg limit rejection, got %v", err)
	}
	h.requireTip(main2)
}

func TestAddBlockRejectsOrphans(t *testing.T) {
	h := newHarness(t, nil)
	orphanParent := h.block(h.genesis, 1, h.miner, 9)
	orphan := h.block(orphanParent, 1, h.miner, 0)
	_, err := h.mgr.AddBlock(context.Background(), orphan)
	if v, ok := coreerrors.AsValidation(err); !ok || v.Code != coreerrors.CodeUnknownParent {
		t.Fatalf("expected unknown parent, got %v", err)
	}
}

func TestInvariantHaltsWriter(t *testing.T) {
	h := newHarness(t, nil)
	// An account record stored under the wrong address is corruption.
	batch := h.db.NewBatch()
	batch.Put(append([]byte("acct:"), h.alice.Address()...), state.DefaultAccountState(h.bob, h.p).Marshal())
	if err := h.db.Write(batch); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	err := h.mgr.ApplyBlock(context.Background(), h.block(h.genesis, 1, h.miner, 0, h.transfer(1, 0, 1)))
	if !coreerrors.IsInvariant(err) {
		t.Fatalf("expected invariant error, got %v", err)
	}
	if !h.mgr.Halted() {
		t.Fatalf("writer kept running after corruption")
	}
	err = h.mgr.ApplyBlock(context.Background(), h.block(h.genesis, 1, h.miner, 0))
	if !IsHalted(err) {
		t.Fatalf("expected halted writer, got %v", err)
	}
}

func TestTokenAndSlaveIndexesAreQueryable(t *testing.T) {
	h := newHarness(t, nil)
	token := &types.Transaction{
		Fee:   1,
		Nonce: 1,
		Payload: &types.TokenPayload{
			Symbol:          []byte("PUR"),
			Name:            []byte("Pur test token"),
			Owner:           h.alice.Address(),
			Decimals:        2,
			InitialBalances: []types.AddressAmount{{Address: h.alice.Address(), Amount: 500}},
		},
	}
	if err := token.Sign(h.alice); err != nil {
		t.Fatalf("sign token: %v", err)
	}
	slaveKey := otstest.NewSigner(4, 10).PublicKey()
	slave := &types.Transaction{
		Fee:     1,
		Nonce:   2,
		Payload: &types.SlavePayload{SlavePKs: [][]byte{slaveKey}, AccessTypes: []uint32{types.AccessTypeFull}},
	}
	if err := slave.Sign(h.alice); err != nil {
		t.Fatalf("sign slave: %v", err)
	}
	b1 := h.block(h.genesis, 1, h.miner, 0, token, slave)
	if err := h.mgr.ApplyBlock(context.Background(), b1); err != nil {
		t.Fatalf("apply: %v", err)
	}

	meta, err := h.mgr.GetTokenMetadata(token.TxHash())
	if err != nil || len(meta) != 1 || !bytes.Equal(meta[0], token.TxHash()) {
		t.Fatalf("token metadata %x %v", meta, err)
	}
	masters, err := h.mgr.GetSlaveMasters(slaveKey)
	if err != nil || len(masters) != 1 || !bytes.Equal(masters[0], h.alice.Address()) {
		t.Fatalf("slave masters %x %v", masters, err)
	}
	acct, err := h.mgr.GetAccountState(h.alice.Address())
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if acct.Balance != 998 || acct.TokenBalance(token.TxHash()) != 500 || len(acct.Slaves) != 1 {
		t.Fatalf("unexpected account %+v", acct)
	}

	if err := h.mgr.RevertBlock(context.Background(), b1); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if meta, _ := h.mgr.GetTokenMetadata(token.TxHash()); len(meta) != 0 {
		t.Fatalf("token metadata survived revert: %x", meta)
	}
	if masters, _ := h.mgr.GetSlaveMasters(slaveKey); len(masters) != 0 {
		t.Fatalf("slave index survived revert: %x", masters)
	}
}

func TestRevertBlockRejectsForgedTransactions(t *testing.T) {
	h := newHarness(t, nil)
	b1 := h.block(h.genesis, 1, h.miner, 0, h.transfer(1, 0, 50))
	if err := h.mgr.ApplyBlock(context.Background(), b1); err != nil {
		t.Fatalf("apply: %v", err)
	}
	forged := &types.Block{
		Header:       b1.Header,
		Transactions: []*types.Transaction{b1.Transactions[0], h.transfer(2, 0, 10)},
	}
	if err := h.mgr.RevertBlock(context.Background(), forged); !coreerrors.IsValidation(err) {
		t.Fatalf("expected forged transaction list to be rejected, got %v", err)
	}
	h.requireTip(b1)
	if h.balance(h.alice.Address()) != 950 || h.balance(h.bob) != 50 {
		t.Fatalf("forged revert touched balances")
	}
	if h.mgr.Halted() {
		t.Fatalf("forged revert halted the writer")
	}

	if err := h.mgr.RevertBlock(context.Background(), b1); err != nil {
		t.Fatalf("revert: %v", err)
	}
	h.requireTip(h.genesis)
	if h.balance(h.alice.Address()) != 1000 || h.balance(h.bob) != 0 {
		t.Fatalf("balances not restored after the real revert")
	}
}

func TestDifficultyOverflowRejectsBlockWithoutHalting(t *testing.T) {
	h := newHarness(t, nil)
	hostile := h.block(h.genesis, 1, h.miner, 0)
	hostile.Header.Difficulty = new(uint256.Int).SetAllOne()
	_, err := h.mgr.AddBlock(context.Background(), hostile)
	if v, ok := coreerrors.AsValidation(err); !ok || v.Code != coreerrors.CodeBadBlock {
		t.Fatalf("expected bad block rejection, got %v", err)
	}
	if h.mgr.Halted() || coreerrors.IsInvariant(err) {
		t.Fatalf("hostile difficulty halted the writer: %v", err)
	}
	h.requireTip(h.genesis)

	main1 := h.block(h.genesis, 1, h.miner, 1)
	if head, err := h.mgr.AddBlock(context.Background(), main1); err != nil || !head {
		t.Fatalf("valid block after rejection: %v %v", head, err)
	}

	// The same header value on the side-block path.
	side := h.block(h.genesis, 1, otstest.Address(4, 10), 2)
	side.Header.Difficulty = new(uint256.Int).SetAllOne()
	if _, err := h.mgr.AddBlock(context.Background(), side); !coreerrors.IsValidation(err) {
		t.Fatalf("expected side block rejection, got %v", err)
	}
	if h.mgr.Halted() {
		t.Fatalf("hostile side block halted the writer")
	}
	h.requireTip(main1)
}
