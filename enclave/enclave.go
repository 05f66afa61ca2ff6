package enclave

import (
	"sync"
	"time"

	"github.com/phoreproject/sidechain/blockdb"
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
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ErrMissingComponent is returned by New when a required component is nil.
var ErrMissingComponent = errors.New("missing enclave component")

// SkipReason tells why no blocks were produced for a slot.
type SkipReason uint8

const (
	// SkipNone means the slot was not skipped.
	SkipNone SkipReason = iota

	// SkipAlreadyProduced means the slot was already yielded, or the clock went backwards.
	SkipAlreadyProduced

	// SkipStaleSlot means too much of the slot's window elapsed and delayed proposals are off.
	SkipStaleSlot

	// SkipNotLeader means another authority owns the slot.
	SkipNotLeader
)

func (r SkipReason) String() string {
	switch r {
	case SkipNone:
		return "none"
	case SkipAlreadyProduced:
		return "already_produced"
	case SkipStaleSlot:
		return "stale_slot"
	case SkipNotLeader:
		return "not_leader"
	default:
		return "unknown"
	}
}

// SlotResult is the outcome of a production tick.
type SlotResult struct {
	Slot    uint64
	Skipped bool
	Reason  SkipReason

	Blocks           []*primitives.SignedSidechainBlock
	ParentchainCalls []primitives.OpaqueCall
	Getters          []proposer.GetterResult

	// Failed holds the error of every shard that could not produce a block.
	Failed map[primitives.ShardIdentifier]error
}

// Config configures an enclave.
type Config struct {
	MrEnclave    [32]byte
	SlotDuration time.Duration

	// Shards are initialised with empty state by Init.
	Shards []primitives.ShardIdentifier

	// RetainBlocks is the number of blocks kept below the last block of each
	// shard. Zero keeps every block.
	RetainBlocks uint64

	Producer proposer.Config

	Filter         pool.AdmissionFilter
	MaxPoolEntries int
	NonceCacheSize int

	// GetterResultCacheSize bounds the executed getter results kept for
	// GetterResult.
	GetterResultCacheSize int
}

// Components are the external collaborators of an enclave.
type Components struct {
	Database    db.Database
	Sealer      sealing.Sealer
	Authority   *composer.Authority
	Authorities parentchain.AuthoritySource
	Parentchain *parentchain.Tracker
	Executor    stf.Executor

	// Marker defaults to a sealed marker in Database.
	Marker slots.Marker

	// Gossiper and Extrinsics default to logging implementations.
	Gossiper   BlockGossiper
	Extrinsics ExtrinsicSender

	// Registerer receives the enclave metrics. It may be nil.
	Registerer prometheus.Registerer
}

// Enclave owns every component of block production and exposes the
// operations callable from outside.
type Enclave struct {
	config Config

	database   db.Database
	states     *state.Handler
	pool       *pool.Pool
	blocks     *blockdb.Store
	producer   *proposer.Producer
	marker     slots.Marker
	tracker    *parentchain.Tracker
	executor   stf.Executor
	nonces     *nonce.Reconciler
	gossiper   BlockGossiper
	extrinsics ExtrinsicSender
	metrics    *Metrics
	results    *getterResults
	log        *logrus.Entry

	// produceLock serialises slot production against parentchain import.
	produceLock *sync.Mutex
}

// New builds an enclave from its components.
func New(config Config, c Components) (*Enclave, error) {
	switch {
	case c.Database == nil:
		return nil, errors.Wrap(ErrMissingComponent, "database")
	case c.Sealer == nil:
		return nil, errors.Wrap(ErrMissingComponent, "sealer")
	case c.Authority == nil:
		return nil, errors.Wrap(ErrMissingComponent, "authority")
	case c.Authorities == nil:
		return nil, errors.Wrap(ErrMissingComponent, "authorities")
	case c.Parentchain == nil:
		return nil, errors.Wrap(ErrMissingComponent, "parentchain")
	case c.Executor == nil:
		return nil, errors.Wrap(ErrMissingComponent, "executor")
	}
	if config.SlotDuration <= 0 {
		return nil, slots.ErrInvalidDuration
	}

	cacheSize := config.NonceCacheSize
	if cacheSize <= 0 {
		cacheSize = nonce.DefaultCacheSize
	}
	cache, err := nonce.NewCache(cacheSize)
	if err != nil {
		return nil, err
	}

	results, err := newGetterResults(config.GetterResultCacheSize)
	if err != nil {
		return nil, err
	}

	states := state.NewHandler(c.Database, c.Sealer)
	p := pool.NewPool(pool.Config{
		MrEnclave:          config.MrEnclave,
		Filter:             config.Filter,
		MaxEntriesPerShard: config.MaxPoolEntries,
		Shards:             states,
	}, &stf.CommittedNonces{States: states, Executor: c.Executor})
	blocks := blockdb.NewStore(c.Database)
	reconciler := nonce.NewReconciler(p, cache)

	producer := proposer.NewProducer(config.Producer, proposer.Components{
		Pool:        p,
		States:      states,
		Executor:    c.Executor,
		Composer:    composer.NewComposer(c.Authority),
		Authorities: c.Authorities,
		Blocks:      blocks,
		Nonces:      reconciler,
	})

	metrics := NewMetrics(c.Registerer)
	producer.SetObserver(metrics)

	e := &Enclave{
		config:      config,
		database:    c.Database,
		states:      states,
		pool:        p,
		blocks:      blocks,
		producer:    producer,
		marker:      c.Marker,
		tracker:     c.Parentchain,
		executor:    c.Executor,
		nonces:      reconciler,
		gossiper:    c.Gossiper,
		extrinsics:  c.Extrinsics,
		metrics:     metrics,
		results:     results,
		log:         logrus.WithField("module", "enclave"),
		produceLock: new(sync.Mutex),
	}

	if e.marker == nil {
		e.marker = slots.NewSealedMarker(c.Database, c.Sealer)
	}
	if e.gossiper == nil {
		e.gossiper = LogGossiper{}
	}
	if e.extrinsics == nil {
		e.extrinsics = LogExtrinsicSender{}
	}

	return e, nil
}

// Init prepares the enclave for the first slot by initialising the
// configured shards.
func (e *Enclave) Init() error {
	for _, shard := range e.config.Shards {
		h, err := e.states.InitShard(shard)
		if err != nil {
			return errors.Wrapf(err, "could not initialise shard %s", shard)
		}
		e.log.WithFields(logrus.Fields{
			"shard": shard,
			"state": h,
		}).Info("initialised shard")
	}
	return nil
}

// Close closes the database.
func (e *Enclave) Close() error {
	e.produceLock.Lock()
	defer e.produceLock.Unlock()

	return e.database.Close()
}

// Producer gets the block producer.
func (e *Enclave) Producer() *proposer.Producer {
	return e.producer
}

// Blocks gets the block store.
func (e *Enclave) Blocks() *blockdb.Store {
	return e.blocks
}

// Shards gets every initialised shard.
func (e *Enclave) Shards() ([]primitives.ShardIdentifier, error) {
	return e.states.ListShards()
}

// StateHash gets the content hash of a shard's state.
func (e *Enclave) StateHash(shard primitives.ShardIdentifier) (chainhash.Hash, error) {
	return e.states.StateHash(shard)
}

// SubmitOperation decodes and pools a trusted operation.
func (e *Enclave) SubmitOperation(shard primitives.ShardIdentifier, encoded []byte) (chainhash.Hash, error) {
	h, err := e.pool.SubmitEncoded(shard, encoded)
	e.metrics.operationSubmitted(err)
	if err != nil {
		e.log.WithFields(logrus.Fields{
			"shard": shard,
			"hash":  h,
		}).WithError(err).Debug("rejected operation")
		return h, err
	}
	e.results.forget(h)
	return h, nil
}

// ReadyOperations gets the ready calls of a shard.
func (e *Enclave) ReadyOperations(shard primitives.ShardIdentifier) []*primitives.TrustedCallSigned {
	return e.pool.ReadyOperations(shard)
}

// PendingGetters gets the pending getters of a shard.
func (e *Enclave) PendingGetters(shard primitives.ShardIdentifier) []*primitives.TrustedGetterSigned {
	return e.pool.PendingGetters(shard)
}

// GetterResult gets the result of an executed getter. Results are kept for a
// bounded number of getters after the slot that executed them.
func (e *Enclave) GetterResult(h chainhash.Hash) (*proposer.GetterResult, bool) {
	return e.results.get(h)
}

// QueryNonce gets the next nonce an account should sign with, counting its
// ready calls.
func (e *Enclave) QueryNonce(shard primitives.ShardIdentifier, account primitives.AccountID) (uint64, error) {
	st, err := e.states.LoadInitialized(shard)
	if err != nil {
		return 0, err
	}
	committed, _ := e.executor.AccountNonce(st, account)
	return e.nonces.Reconcile(committed, shard, account), nil
}

// UpdateParentchainHeader imports a finalized parentchain header. It never
// runs concurrently with slot production.
func (e *Enclave) UpdateParentchainHeader(header primitives.ParentchainHeader) error {
	e.produceLock.Lock()
	defer e.produceLock.Unlock()

	return e.tracker.Import(header)
}

// LatestParentchainHeader gets the latest imported parentchain header.
func (e *Enclave) LatestParentchainHeader() (*primitives.ParentchainHeader, error) {
	return e.tracker.LatestFinalizedHeader()
}

// ProduceSlot produces blocks for every shard if the slot containing now was
// not produced yet. Blocks and parentchain calls are forwarded after the
// production lock is released.
func (e *Enclave) ProduceSlot(now time.Time) (*SlotResult, error) {
	result, err := e.produce(now)
	if err != nil {
		return nil, err
	}

	if result.Skipped {
		e.metrics.slotSkipped(result.Reason)
		return result, nil
	}

	e.results.add(result.Getters)

	if len(result.Blocks) > 0 {
		if err := e.gossiper.GossipBlocks(result.Blocks); err != nil {
			e.log.WithError(err).Warn("could not gossip blocks")
		}
	}
	if len(result.ParentchainCalls) > 0 {
		if err := e.extrinsics.SendExtrinsics(result.ParentchainCalls); err != nil {
			e.log.WithError(err).Warn("could not send extrinsics")
		}
	}

	if e.config.RetainBlocks > 0 {
		for _, b := range result.Blocks {
			if _, err := e.blocks.Prune(b.Block.Shard, e.config.RetainBlocks); err != nil {
				e.log.WithField("shard", b.Block.Shard).WithError(err).Warn("could not prune blocks")
			}
		}
	}

	return result, nil
}

func (e *Enclave) produce(now time.Time) (*SlotResult, error) {
	e.produceLock.Lock()
	defer e.produceLock.Unlock()

	header, err := e.tracker.LatestFinalizedHeader()
	if err != nil {
		return nil, err
	}

	slot, err := slots.YieldNextSlot(now, e.config.SlotDuration, header, e.marker)
	if err != nil {
		return nil, err
	}
	if slot == nil {
		return &SlotResult{Slot: slots.SlotAt(now, e.config.SlotDuration), Skipped: true, Reason: SkipAlreadyProduced}, nil
	}

	log := e.log.WithField("slot", slot.Slot)

	// delay counts from when production starts, including time spent
	// waiting for the lock
	if !e.producer.AcceptsSlot(slot, e.producer.Now()) {
		log.Debug("skipping stale slot")
		return &SlotResult{Slot: slot.Slot, Skipped: true, Reason: SkipStaleSlot}, nil
	}

	claimed, err := e.producer.ClaimSlot(slot.Slot)
	if err != nil {
		return nil, err
	}
	if !claimed {
		log.Debug("not the leader for slot")
		return &SlotResult{Slot: slot.Slot, Skipped: true, Reason: SkipNotLeader}, nil
	}

	shards, err := e.states.ListShards()
	if err != nil {
		return nil, err
	}

	result := &SlotResult{Slot: slot.Slot, Failed: make(map[primitives.ShardIdentifier]error)}
	for _, shard := range shards {
		r, err := e.producer.ProduceBlock(slot, shard)
		if err != nil {
			log.WithField("shard", shard).WithError(err).Error("could not produce block")
			result.Failed[shard] = err
			continue
		}

		e.metrics.blockProduced()
		result.Blocks = append(result.Blocks, r.Block)
		result.ParentchainCalls = append(result.ParentchainCalls, r.ParentchainCalls...)
		result.Getters = append(result.Getters, r.Getters...)

		ready, _, _ := e.pool.Stats(shard)
		e.metrics.setPoolReady(shard, ready)
	}

	return result, nil
}
