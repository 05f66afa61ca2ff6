package proposer

import (
	"sync"
	"time"

	"github.com/phoreproject/sidechain/chainhash"
	"github.com/phoreproject/sidechain/composer"
	"github.com/phoreproject/sidechain/db"
	"github.com/phoreproject/sidechain/nonce"
	"github.com/phoreproject/sidechain/parentchain"
	"github.com/phoreproject/sidechain/primitives"
	"github.com/phoreproject/sidechain/slots"
	"github.com/phoreproject/sidechain/state"
	"github.com/phoreproject/sidechain/stf"
	"github.com/phoreproject/sidechain/utils"
	"github.com/sirupsen/logrus"
)

// OperationSource is the pool the producer drains.
type OperationSource interface {
	ReadyOperations(shard primitives.ShardIdentifier) []*primitives.TrustedCallSigned
	PendingGetters(shard primitives.ShardIdentifier) []*primitives.TrustedGetterSigned
	Remove(shard primitives.ShardIdentifier, hashes []chainhash.Hash)
}

// StateStore gives exclusive access to shard state.
type StateStore interface {
	LoadForMutation(shard primitives.ShardIdentifier) (*state.WriteGuard, *state.State, error)
	WriteWith(st *state.State, guard *state.WriteGuard, shard primitives.ShardIdentifier, commit state.Commit) (chainhash.Hash, error)
}

// BlockStore prepares the writes of produced blocks. They are applied in the
// same batch as the shard state.
type BlockStore interface {
	LastBlock(shard primitives.ShardIdentifier) (*primitives.LastSidechainBlock, bool, error)
	BlockWrites(blocks []*primitives.SignedSidechainBlock) ([]db.Write, error)
}

// ExecutionObserver is notified of the duration of every executed operation.
type ExecutionObserver interface {
	ObserveExecution(d time.Duration)
}

// Config configures block production.
type Config struct {
	ClaimStrategy ClaimStrategy

	// AllowDelayedProposal allows producing for a slot after half of its
	// window elapsed.
	AllowDelayedProposal bool

	// BlockProductionMargin is kept free at the end of each slot for
	// composing and persisting the block.
	BlockProductionMargin time.Duration

	// ExecutionEstimate seeds the expected duration of a single call or getter.
	// The estimate follows a moving average of observed durations.
	ExecutionEstimate time.Duration

	// MaxGettersPerSlot bounds the getter batch. Zero means no bound.
	MaxGettersPerSlot int
}

// GetterResult is the answer to a pending getter.
type GetterResult struct {
	Hash   chainhash.Hash
	Getter *primitives.TrustedGetterSigned
	Value  []byte
	Err    error
}

// ShardResult is the outcome of producing a block for one shard.
type ShardResult struct {
	Shard            primitives.ShardIdentifier
	Block            *primitives.SignedSidechainBlock
	ParentchainCalls []primitives.OpaqueCall
	Executed         []chainhash.Hash
	Failed           []chainhash.Hash
	Getters          []GetterResult
}

// Producer executes pooled operations and produces sidechain blocks.
type Producer struct {
	config      Config
	pool        OperationSource
	states      StateStore
	executor    stf.Executor
	composer    *composer.Composer
	authorities parentchain.AuthoritySource
	blocks      BlockStore
	nonces      *nonce.Reconciler
	observer    ExecutionObserver
	clock       func() time.Time
	log         *logrus.Entry

	estimateLock *sync.Mutex
	estimate     time.Duration
}

// Components are the collaborators of a producer.
type Components struct {
	Pool        OperationSource
	States      StateStore
	Executor    stf.Executor
	Composer    *composer.Composer
	Authorities parentchain.AuthoritySource
	Blocks      BlockStore

	// Nonces is updated with the reconciled nonce of every account touched by
	// production. It may be nil.
	Nonces *nonce.Reconciler
}

// NewProducer creates a block producer.
func NewProducer(config Config, c Components) *Producer {
	return &Producer{
		config:       config,
		pool:         c.Pool,
		states:       c.States,
		executor:     c.Executor,
		composer:     c.Composer,
		authorities:  c.Authorities,
		blocks:       c.Blocks,
		nonces:       c.Nonces,
		clock:        utils.Now,
		log:          logrus.WithField("module", "proposer"),
		estimateLock: new(sync.Mutex),
		estimate:     config.ExecutionEstimate,
	}
}

// SetClock replaces the clock used for budget checks.
func (p *Producer) SetClock(clock func() time.Time) {
	p.clock = clock
}

// Now reads the producer's clock.
func (p *Producer) Now() time.Time {
	return p.clock()
}

// SetObserver sets the observer notified of execution durations.
func (p *Producer) SetObserver(o ExecutionObserver) {
	p.observer = o
}

// Estimate gets the current per-operation execution estimate.
func (p *Producer) Estimate() time.Duration {
	p.estimateLock.Lock()
	defer p.estimateLock.Unlock()
	return p.estimate
}

// estimateWeight is the inverse weight of the newest duration in the estimate.
const estimateWeight = 8

func (p *Producer) observe(d time.Duration) {
	p.estimateLock.Lock()
	p.estimate += (d - p.estimate) / estimateWeight
	p.estimateLock.Unlock()

	if p.observer != nil {
		p.observer.ObserveExecution(d)
	}
}

// ClaimSlot checks if this enclave is allowed to produce for a slot.
func (p *Producer) ClaimSlot(slot uint64) (bool, error) {
	if p.config.ClaimStrategy == ClaimAlways {
		return true, nil
	}

	authorities, err := p.authorities.CurrentAuthorities()
	if err != nil {
		return false, err
	}
	if len(authorities) == 0 {
		return false, parentchain.ErrNoAuthorities
	}

	leader := authorities[slot%uint64(len(authorities))]
	return leader.Equals(*p.composer.Authority().PublicKey()), nil
}

// AcceptsSlot checks if production may start for a slot at now.
func (p *Producer) AcceptsSlot(slot *slots.SlotInfo, now time.Time) bool {
	return p.config.AllowDelayedProposal || !slot.IsDelayed(now)
}

// deadline is the last moment an operation may finish.
func (p *Producer) deadline(slot *slots.SlotInfo) time.Time {
	return slot.End().Add(-p.config.BlockProductionMargin)
}

// backOff halves the estimate after a slot in which it kept every operation
// from running, so an outlier can't stall execution.
func (p *Producer) backOff() {
	p.estimateLock.Lock()
	p.estimate /= 2
	p.estimateLock.Unlock()
}

func (p *Producer) fits(deadline time.Time, n int) bool {
	return !p.clock().Add(p.Estimate() * time.Duration(n)).After(deadline)
}

// ProduceBlock executes the ready operations of a shard within the slot's
// budget and persists the new state together with the block built on it in
// one batch. If anything fails before the batch is written, nothing of the
// slot is kept for the shard and executed operations stay in the pool.
func (p *Producer) ProduceBlock(slot *slots.SlotInfo, shard primitives.ShardIdentifier) (*ShardResult, error) {
	log := p.log.WithFields(logrus.Fields{
		"slot":  slot.Slot,
		"shard": shard,
	})

	deadline := p.deadline(slot)

	guard, st, err := p.states.LoadForMutation(shard)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	priorHash := st.Hash()

	result := &ShardResult{Shard: shard}
	touched := make(map[primitives.AccountID]struct{})
	failedAccounts := make(map[primitives.AccountID]struct{})
	deferred := false
	ran := 0

	for _, call := range p.pool.ReadyOperations(shard) {
		h := call.Hash()
		signer := call.Call.Signer

		committed, _ := p.executor.AccountNonce(st, signer)
		if call.Nonce < committed {
			log.WithFields(logrus.Fields{
				"hash":      h,
				"nonce":     call.Nonce,
				"committed": committed,
			}).Debug("dropping stale call")
			result.Failed = append(result.Failed, h)
			touched[signer] = struct{}{}
			continue
		}
		if call.Nonce > committed {
			continue
		}

		if !p.fits(deadline, 1) {
			log.WithField("remaining", deadline.Sub(p.clock())).Debug("slot budget exhausted")
			deferred = true
			break
		}

		overlay := st.Fork()
		start := p.clock()
		effects, err := p.executor.Apply(call, overlay)
		p.observe(p.clock().Sub(start))
		ran++

		touched[signer] = struct{}{}
		if err != nil {
			log.WithFields(logrus.Fields{
				"hash":  h,
				"nonce": call.Nonce,
			}).WithError(err).Warn("call failed")
			result.Failed = append(result.Failed, h)
			failedAccounts[signer] = struct{}{}
			continue
		}

		overlay.Commit()
		result.Executed = append(result.Executed, h)
		if effects != nil {
			result.ParentchainCalls = append(result.ParentchainCalls, effects.ParentchainCalls...)
		}
	}

	getters := p.pool.PendingGetters(shard)
	if p.config.MaxGettersPerSlot > 0 && len(getters) > p.config.MaxGettersPerSlot {
		getters = getters[:p.config.MaxGettersPerSlot]
	}
	if len(getters) > 0 {
		if p.fits(deadline, len(getters)) {
			for _, g := range getters {
				start := p.clock()
				value, err := p.executor.Get(g, st)
				p.observe(p.clock().Sub(start))
				ran++

				result.Getters = append(result.Getters, GetterResult{
					Hash:   g.Hash(),
					Getter: g,
					Value:  value,
					Err:    err,
				})
			}
		} else {
			log.WithField("getters", len(getters)).Debug("deferring getters to the next slot")
			deferred = true
		}
	}

	if deferred && ran == 0 {
		p.backOff()
	}

	abort := func(err error) (*ShardResult, error) {
		p.pool.Remove(shard, result.Failed)
		p.forget(shard, failedAccounts)
		return nil, err
	}

	last, found, err := p.blocks.LastBlock(shard)
	if err != nil {
		return abort(primitives.NewPersistenceError(err))
	}
	if !found {
		last = &primitives.LastSidechainBlock{}
	}

	var block *primitives.SignedSidechainBlock
	var anchor *primitives.OpaqueCall
	_, err = p.states.WriteWith(st, guard, shard, func(postHash chainhash.Hash) ([]db.Write, error) {
		var err error
		block, anchor, err = p.composer.Compose(composer.Proposal{
			Shard:             shard,
			Number:            last.Number + 1,
			Slot:              slot.Slot,
			ParentHash:        last.Hash,
			PriorStateHash:    priorHash,
			StateHash:         postHash,
			OperationHashes:   result.Executed,
			ParentchainHeader: slot.ParentchainHeader,
		})
		if err != nil {
			return nil, err
		}
		return p.blocks.BlockWrites([]*primitives.SignedSidechainBlock{block})
	})
	if err != nil {
		return abort(err)
	}

	result.Block = block
	result.ParentchainCalls = append(result.ParentchainCalls, *anchor)

	remove := make([]chainhash.Hash, 0, len(result.Executed)+len(result.Failed)+len(result.Getters))
	remove = append(remove, result.Executed...)
	remove = append(remove, result.Failed...)
	for _, g := range result.Getters {
		remove = append(remove, g.Hash)
	}
	p.pool.Remove(shard, remove)

	p.forget(shard, failedAccounts)
	if p.nonces != nil {
		for account := range touched {
			if _, failed := failedAccounts[account]; failed {
				continue
			}
			committed, _ := p.executor.AccountNonce(st, account)
			p.nonces.Reconcile(committed, shard, account)
		}
	}

	log.WithFields(logrus.Fields{
		"number":   block.Block.Number,
		"executed": len(result.Executed),
		"failed":   len(result.Failed),
		"getters":  len(result.Getters),
	}).Info("produced block")

	return result, nil
}

func (p *Producer) forget(shard primitives.ShardIdentifier, accounts map[primitives.AccountID]struct{}) {
	if p.nonces == nil {
		return
	}
	for account := range accounts {
		p.nonces.Forget(shard, account)
	}
}
