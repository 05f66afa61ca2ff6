package proposer_test

import (
	"testing"
	"time"

	"github.com/phoreproject/sidechain/blockdb"
	"github.com/phoreproject/sidechain/bls"
	"github.com/phoreproject/sidechain/chainhash"
	"github.com/phoreproject/sidechain/composer"
	"github.com/phoreproject/sidechain/db"
	"github.com/phoreproject/sidechain/nonce"
	"github.com/phoreproject/sidechain/parentchain"
	"github.com/phoreproject/sidechain/pool"
	"github.com/phoreproject/sidechain/primitives"
	"github.com/phoreproject/sidechain/proposer"
	"github.com/phoreproject/sidechain/sealing"
	"github.com/phoreproject/sidechain/slots"
	"github.com/phoreproject/sidechain/state"
	"github.com/phoreproject/sidechain/stf"
	"github.com/phoreproject/sidechain/wallet/keystore"
	"github.com/pkg/errors"
)

var (
	testShard     = primitives.ShardFromName("producer")
	testMrEnclave = [32]byte{9}
	slotStart     = time.Unix(5000, 0)
	opCost        = 30 * time.Millisecond
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

// timedExecutor advances the clock by a fixed cost for every call and getter.
type timedExecutor struct {
	stf.Executor
	clock *fakeClock
	cost  time.Duration
}

func (e *timedExecutor) Apply(call *primitives.TrustedCallSigned, st *state.State) (*stf.SideEffects, error) {
	e.clock.now = e.clock.now.Add(e.cost)
	return e.Executor.Apply(call, st)
}

func (e *timedExecutor) Get(getter *primitives.TrustedGetterSigned, st *state.State) ([]byte, error) {
	e.clock.now = e.clock.now.Add(e.cost)
	return e.Executor.Get(getter, st)
}

type failingWrites struct {
	*state.Handler
}

func (f failingWrites) WriteWith(st *state.State, guard *state.WriteGuard, shard primitives.ShardIdentifier, commit state.Commit) (chainhash.Hash, error) {
	guard.Release()
	return chainhash.Hash{}, primitives.NewPersistenceError(errors.New("disk full"))
}

// failingBlocks fails to prepare block writes while fail is set.
type failingBlocks struct {
	*blockdb.Store
	fail bool
}

func (f *failingBlocks) BlockWrites(blocks []*primitives.SignedSidechainBlock) ([]db.Write, error) {
	if f.fail {
		return nil, primitives.NewPersistenceError(errors.New("block store full"))
	}
	return f.Store.BlockWrites(blocks)
}

type wrappers struct {
	states func(*state.Handler) proposer.StateStore
	blocks func(*blockdb.Store) proposer.BlockStore
}

type harness struct {
	clock    *fakeClock
	states   *state.Handler
	pool     *pool.Pool
	ledger   *stf.BalanceSTF
	blocks   *blockdb.Store
	executor *timedExecutor
	cache    *nonce.Cache
	producer *proposer.Producer
	root     *keystore.Keypair
	user     *keystore.Keypair
}

func newHarness(t *testing.T, config proposer.Config, wrap wrappers) *harness {
	sealer, err := sealing.NewAEADSealer(make([]byte, sealing.KeySize))
	if err != nil {
		t.Fatal(err)
	}
	database := db.NewMemoryDB()
	states := state.NewHandler(database, sealer)
	if _, err := states.InitShard(testShard); err != nil {
		t.Fatal(err)
	}

	root, err := keystore.GenerateRandomKeypair()
	if err != nil {
		t.Fatal(err)
	}
	user, err := keystore.GenerateRandomKeypair()
	if err != nil {
		t.Fatal(err)
	}

	clock := &fakeClock{now: slotStart}
	ledger := stf.NewBalanceSTF(root.Account())
	executor := &timedExecutor{Executor: ledger, clock: clock, cost: opCost}

	p := pool.NewPool(pool.Config{MrEnclave: testMrEnclave}, &stf.CommittedNonces{States: states, Executor: ledger})

	secret, err := bls.SecretKeyFromSeed(0)
	if err != nil {
		t.Fatal(err)
	}
	authority := composer.NewAuthority(secret)

	cache, err := nonce.NewCache(16)
	if err != nil {
		t.Fatal(err)
	}

	var store proposer.StateStore = states
	if wrap.states != nil {
		store = wrap.states(states)
	}

	blocks := blockdb.NewStore(database)
	var blockStore proposer.BlockStore = blocks
	if wrap.blocks != nil {
		blockStore = wrap.blocks(blocks)
	}
	producer := proposer.NewProducer(config, proposer.Components{
		Pool:        p,
		States:      store,
		Executor:    executor,
		Composer:    composer.NewComposer(authority),
		Authorities: parentchain.StaticAuthorities{authority.PublicKey()},
		Blocks:      blockStore,
		Nonces:      nonce.NewReconciler(p, cache),
	})
	producer.SetClock(clock.Now)

	return &harness{
		clock:    clock,
		states:   states,
		pool:     p,
		ledger:   ledger,
		blocks:   blocks,
		executor: executor,
		cache:    cache,
		producer: producer,
		root:     root,
		user:     user,
	}
}

func (h *harness) submitCall(t *testing.T, k *keystore.Keypair, n uint64, c stf.Call) chainhash.Hash {
	payload, err := stf.EncodeCall(c)
	if err != nil {
		t.Fatal(err)
	}
	call, err := k.SignCall(payload, n, testMrEnclave, testShard)
	if err != nil {
		t.Fatal(err)
	}
	hash, err := h.pool.Submit(testShard, &primitives.TrustedOperation{Kind: primitives.KindCall, Call: call})
	if err != nil {
		t.Fatal(err)
	}
	return hash
}

func (h *harness) submitGetter(t *testing.T, k *keystore.Keypair) chainhash.Hash {
	payload, err := stf.EncodeGetter(stf.Getter{Kind: stf.GetterNonce})
	if err != nil {
		t.Fatal(err)
	}
	getter, err := k.SignGetter(payload, testShard)
	if err != nil {
		t.Fatal(err)
	}
	hash, err := h.pool.Submit(testShard, &primitives.TrustedOperation{Kind: primitives.KindGetter, Getter: getter})
	if err != nil {
		t.Fatal(err)
	}
	return hash
}

func (h *harness) slot(number uint64, duration time.Duration) *slots.SlotInfo {
	h.clock.now = slotStart
	return &slots.SlotInfo{
		Slot:              number,
		Start:             slotStart,
		Duration:          duration,
		ParentchainHeader: &primitives.ParentchainHeader{Number: 1},
	}
}

func (h *harness) committedNonce(t *testing.T, account primitives.AccountID) uint64 {
	st, err := h.states.LoadInitialized(testShard)
	if err != nil {
		t.Fatal(err)
	}
	n, _ := h.ledger.AccountNonce(st, account)
	return n
}

func TestBudgetForTwoOperations(t *testing.T) {
	h := newHarness(t, proposer.Config{ExecutionEstimate: opCost}, wrappers{})

	hashes := make([]chainhash.Hash, 3)
	for n := uint64(0); n < 3; n++ {
		hashes[n] = h.submitCall(t, h.user, n, stf.Call{Kind: stf.CallTransfer, To: h.root.Account()})
	}

	// 80ms fits two 30ms operations but not a third.
	result, err := h.producer.ProduceBlock(h.slot(1, 80*time.Millisecond), testShard)
	if err != nil {
		t.Fatal(err)
	}

	if len(result.Executed) != 2 || result.Executed[0] != hashes[0] || result.Executed[1] != hashes[1] {
		t.Fatalf("expected nonces 0 and 1 to execute, got %v", result.Executed)
	}
	if len(result.Failed) != 0 {
		t.Fatalf("expected no failures, got %v", result.Failed)
	}

	if n := h.committedNonce(t, h.user.Account()); n != 2 {
		t.Fatalf("expected committed nonce 2, got %d", n)
	}

	if h.pool.Contains(testShard, hashes[0]) || h.pool.Contains(testShard, hashes[1]) {
		t.Fatal("expected executed calls to be removed from the pool")
	}
	if !h.pool.IsReady(testShard, hashes[2]) {
		t.Fatal("expected nonce 2 to stay ready")
	}

	if n, found := h.cache.Get(testShard, h.user.Account()); !found || n != 3 {
		t.Fatalf("expected cached nonce 3, got %d", n)
	}

	result, err = h.producer.ProduceBlock(h.slot(2, 80*time.Millisecond), testShard)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Executed) != 1 || result.Executed[0] != hashes[2] {
		t.Fatalf("expected nonce 2 to execute in the next slot, got %v", result.Executed)
	}
}

func TestBlocksLinkAcrossSlots(t *testing.T) {
	h := newHarness(t, proposer.Config{ExecutionEstimate: opCost}, wrappers{})

	var parent chainhash.Hash
	for i := uint64(1); i <= 3; i++ {
		h.submitCall(t, h.user, i-1, stf.Call{Kind: stf.CallTransfer, To: h.root.Account()})

		result, err := h.producer.ProduceBlock(h.slot(i, time.Second), testShard)
		if err != nil {
			t.Fatal(err)
		}
		block := result.Block.Block
		if block.Number != i {
			t.Fatalf("expected block %d, got %d", i, block.Number)
		}
		if block.ParentHash != parent {
			t.Fatalf("block %d does not link to its parent", i)
		}
		if block.PriorStateHash == block.StateHash {
			t.Fatal("expected state hash to change")
		}

		stored, err := h.states.StateHash(testShard)
		if err != nil {
			t.Fatal(err)
		}
		if stored != block.StateHash {
			t.Fatal("block state hash does not match stored state")
		}

		parent, err = result.Block.Hash()
		if err != nil {
			t.Fatal(err)
		}

		anchor := result.ParentchainCalls[len(result.ParentchainCalls)-1]
		if anchor.BlockHash != parent {
			t.Fatal("expected the last parentchain call to anchor the block")
		}
	}
}

func TestFailedCallIsNotApplied(t *testing.T) {
	h := newHarness(t, proposer.Config{ExecutionEstimate: opCost}, wrappers{})

	failing := h.submitCall(t, h.user, 0, stf.Call{Kind: stf.CallTransfer, To: h.root.Account(), Amount: 5})
	next := h.submitCall(t, h.user, 1, stf.Call{Kind: stf.CallTransfer, To: h.root.Account()})
	other := h.submitCall(t, h.root, 0, stf.Call{Kind: stf.CallSetBalance, To: h.root.Account(), Amount: 9})

	result, err := h.producer.ProduceBlock(h.slot(1, time.Second), testShard)
	if err != nil {
		t.Fatal(err)
	}

	if len(result.Failed) != 1 || result.Failed[0] != failing {
		t.Fatalf("expected the transfer to fail, got %v", result.Failed)
	}
	if len(result.Executed) != 1 || result.Executed[0] != other {
		t.Fatalf("expected the batch to continue after the failure, got %v", result.Executed)
	}

	if n := h.committedNonce(t, h.user.Account()); n != 0 {
		t.Fatalf("failed call changed the nonce to %d", n)
	}
	if h.pool.Contains(testShard, failing) {
		t.Fatal("expected failed call to be removed")
	}
	if !h.pool.Contains(testShard, next) || h.pool.IsReady(testShard, next) {
		t.Fatal("expected the successor of a failed call to wait for its nonce")
	}
	if _, found := h.cache.Get(testShard, h.user.Account()); found {
		t.Fatal("expected the cached nonce of a failed account to be forgotten")
	}
}

func TestGettersAllOrNothing(t *testing.T) {
	h := newHarness(t, proposer.Config{ExecutionEstimate: opCost}, wrappers{})

	g1 := h.submitGetter(t, h.user)
	g2 := h.submitGetter(t, h.root)

	// 50ms fits one getter but not both.
	result, err := h.producer.ProduceBlock(h.slot(1, 50*time.Millisecond), testShard)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Getters) != 0 {
		t.Fatalf("expected getters to be deferred, got %d results", len(result.Getters))
	}
	if !h.pool.Contains(testShard, g1) || !h.pool.Contains(testShard, g2) {
		t.Fatal("expected deferred getters to stay in the pool")
	}

	result, err = h.producer.ProduceBlock(h.slot(2, time.Second), testShard)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Getters) != 2 {
		t.Fatalf("expected both getters to run, got %d", len(result.Getters))
	}
	for _, g := range result.Getters {
		if g.Err != nil {
			t.Fatal(g.Err)
		}
	}
	if len(h.pool.PendingGetters(testShard)) != 0 {
		t.Fatal("expected answered getters to be removed")
	}
}

func TestPersistFailureKeepsOperations(t *testing.T) {
	h := newHarness(t, proposer.Config{ExecutionEstimate: opCost}, wrappers{
		states: func(s *state.Handler) proposer.StateStore {
			return failingWrites{s}
		},
	})

	call := h.submitCall(t, h.user, 0, stf.Call{Kind: stf.CallTransfer, To: h.root.Account()})

	_, err := h.producer.ProduceBlock(h.slot(1, time.Second), testShard)
	if !primitives.IsPersistenceError(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}

	if !h.pool.IsReady(testShard, call) {
		t.Fatal("expected the call to stay ready after a failed write")
	}
	if _, found, _ := h.blocks.LastBlock(testShard); found {
		t.Fatal("expected no block to be stored")
	}
	if n := h.committedNonce(t, h.user.Account()); n != 0 {
		t.Fatalf("expected nothing committed, got nonce %d", n)
	}

	guard, _, err := h.states.LoadForMutation(testShard)
	if err != nil {
		t.Fatal(err)
	}
	guard.Release()
}

func TestBlockStoreFailureKeepsState(t *testing.T) {
	blocks := new(failingBlocks)
	h := newHarness(t, proposer.Config{ExecutionEstimate: opCost}, wrappers{
		blocks: func(s *blockdb.Store) proposer.BlockStore {
			blocks.Store = s
			blocks.fail = true
			return blocks
		},
	})

	initial, err := h.states.StateHash(testShard)
	if err != nil {
		t.Fatal(err)
	}

	call := h.submitCall(t, h.user, 0, stf.Call{Kind: stf.CallTransfer, To: h.root.Account()})

	_, err = h.producer.ProduceBlock(h.slot(1, time.Second), testShard)
	if !primitives.IsPersistenceError(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}

	after, err := h.states.StateHash(testShard)
	if err != nil {
		t.Fatal(err)
	}
	if after != initial {
		t.Fatal("expected the state to stay unchanged when the block can't be stored")
	}
	if n := h.committedNonce(t, h.user.Account()); n != 0 {
		t.Fatalf("expected nothing committed, got nonce %d", n)
	}
	if _, found, _ := h.blocks.LastBlock(testShard); found {
		t.Fatal("expected no block to be stored")
	}
	if !h.pool.IsReady(testShard, call) {
		t.Fatal("expected the call to stay ready")
	}

	blocks.fail = false

	result, err := h.producer.ProduceBlock(h.slot(2, time.Second), testShard)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Executed) != 1 || result.Executed[0] != call || len(result.Failed) != 0 {
		t.Fatalf("expected the call to execute in the next slot, got executed=%v failed=%v", result.Executed, result.Failed)
	}
	if result.Block.Block.Number != 1 || result.Block.Block.PriorStateHash != initial {
		t.Fatal("expected the first block to build on the initial state")
	}

	stored, err := h.states.StateHash(testShard)
	if err != nil {
		t.Fatal(err)
	}
	if stored != result.Block.Block.StateHash {
		t.Fatal("block state hash does not match stored state")
	}
}

func TestEstimateRecoversAfterSlowOperation(t *testing.T) {
	h := newHarness(t, proposer.Config{ExecutionEstimate: opCost}, wrappers{})

	for n := uint64(0); n < 6; n++ {
		h.submitCall(t, h.user, n, stf.Call{Kind: stf.CallTransfer, To: h.root.Account()})
	}

	h.executor.cost = 2 * time.Second
	result, err := h.producer.ProduceBlock(h.slot(1, 500*time.Millisecond), testShard)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Executed) != 1 {
		t.Fatalf("expected one slow call to execute, got %d", len(result.Executed))
	}
	slow := h.producer.Estimate()
	if slow <= opCost || slow >= 500*time.Millisecond {
		t.Fatalf("expected the estimate to rise below the slot duration, got %s", slow)
	}

	h.executor.cost = opCost
	result, err = h.producer.ProduceBlock(h.slot(2, 500*time.Millisecond), testShard)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Executed) < 2 {
		t.Fatalf("expected fast calls to execute after the outlier, got %d", len(result.Executed))
	}
	if h.producer.Estimate() >= slow {
		t.Fatalf("expected the estimate to decay, got %s", h.producer.Estimate())
	}
}

func TestEstimateBacksOffWhenNothingFits(t *testing.T) {
	h := newHarness(t, proposer.Config{ExecutionEstimate: time.Second}, wrappers{})

	call := h.submitCall(t, h.user, 0, stf.Call{Kind: stf.CallTransfer, To: h.root.Account()})

	result, err := h.producer.ProduceBlock(h.slot(1, 500*time.Millisecond), testShard)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Executed) != 0 {
		t.Fatal("expected the call not to fit the slot")
	}
	if e := h.producer.Estimate(); e != 500*time.Millisecond {
		t.Fatalf("expected the estimate to halve, got %s", e)
	}

	result, err = h.producer.ProduceBlock(h.slot(2, 500*time.Millisecond), testShard)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Executed) != 1 || result.Executed[0] != call {
		t.Fatalf("expected the call to execute once the estimate fits, got %v", result.Executed)
	}
}

func TestClaimSlot(t *testing.T) {
	h := newHarness(t, proposer.Config{ClaimStrategy: proposer.ClaimRoundRobin}, wrappers{})

	claimed, err := h.producer.ClaimSlot(3)
	if err != nil {
		t.Fatal(err)
	}
	if !claimed {
		t.Fatal("expected the only authority to claim every slot")
	}

	secret, err := bls.SecretKeyFromSeed(0)
	if err != nil {
		t.Fatal(err)
	}
	other, err := bls.SecretKeyFromSeed(1)
	if err != nil {
		t.Fatal(err)
	}
	authority := composer.NewAuthority(secret)
	producer := proposer.NewProducer(proposer.Config{ClaimStrategy: proposer.ClaimRoundRobin}, proposer.Components{
		Composer:    composer.NewComposer(authority),
		Authorities: parentchain.StaticAuthorities{other.DerivePublicKey(), authority.PublicKey()},
	})

	for slot, expected := range map[uint64]bool{0: false, 1: true, 2: false, 3: true} {
		claimed, err := producer.ClaimSlot(slot)
		if err != nil {
			t.Fatal(err)
		}
		if claimed != expected {
			t.Fatalf("slot %d: expected claimed=%v", slot, expected)
		}
	}
}

func TestAcceptsSlot(t *testing.T) {
	info := &slots.SlotInfo{Start: slotStart, Duration: time.Second}
	late := slotStart.Add(700 * time.Millisecond)

	strict := proposer.NewProducer(proposer.Config{}, proposer.Components{})
	if strict.AcceptsSlot(info, late) {
		t.Fatal("expected delayed slot to be rejected")
	}
	if !strict.AcceptsSlot(info, slotStart) {
		t.Fatal("expected on-time slot to be accepted")
	}

	lenient := proposer.NewProducer(proposer.Config{AllowDelayedProposal: true}, proposer.Components{})
	if !lenient.AcceptsSlot(info, late) {
		t.Fatal("expected delayed slot to be accepted")
	}
}

func TestParseClaimStrategy(t *testing.T) {
	if s, err := proposer.ParseClaimStrategy("roundrobin"); err != nil || s != proposer.ClaimRoundRobin {
		t.Fatalf("expected roundrobin, got %v %v", s, err)
	}
	if _, err := proposer.ParseClaimStrategy("nope"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}
