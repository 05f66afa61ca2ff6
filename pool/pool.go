package pool

import (
	"sort"
	"sync"
	"time"

	"github.com/phoreproject/sidechain/chainhash"
	"github.com/phoreproject/sidechain/nonce"
	"github.com/phoreproject/sidechain/primitives"
	"github.com/phoreproject/sidechain/utils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNonceTooLow is returned for calls whose nonce was already committed.
	ErrNonceTooLow = errors.New("call nonce is below the committed nonce")

	// ErrNonceInUse is returned for calls reusing the nonce of a pooled call.
	ErrNonceInUse = errors.New("another call with this nonce is already pooled")

	// ErrPoolFull is returned when a shard's pool reached its size limit.
	ErrPoolFull = errors.New("operation pool is full")

	// ErrUnknownShard is returned for operations on shards without state.
	ErrUnknownShard = errors.New("unknown shard")
)

// ShardSource tells which shards have state.
type ShardSource interface {
	ShardExists(shard primitives.ShardIdentifier) (bool, error)
}

// CommittedNonceSource looks up the committed nonce of an account.
type CommittedNonceSource interface {
	CommittedNonce(shard primitives.ShardIdentifier, account primitives.AccountID) (uint64, error)
}

// Entry is an operation waiting in the pool.
type Entry struct {
	Hash      chainhash.Hash
	Operation *primitives.TrustedOperation
	Arrival   time.Time

	seq uint64
}

func (e *Entry) nonce() uint64 {
	return e.Operation.Call.Nonce
}

// accountQueue holds the calls of one sender. ready is sorted by nonce and
// contiguous; future holds everything behind a gap.
type accountQueue struct {
	ready  []*Entry
	future map[uint64]*Entry
}

func newAccountQueue() *accountQueue {
	return &accountQueue{future: make(map[uint64]*Entry)}
}

func (q *accountQueue) empty() bool {
	return len(q.ready) == 0 && len(q.future) == 0
}

func (q *accountQueue) readyNonces() []uint64 {
	out := make([]uint64, len(q.ready))
	for i, e := range q.ready {
		out[i] = e.nonce()
	}
	return out
}

func (q *accountQueue) hasNonce(n uint64) bool {
	if _, found := q.future[n]; found {
		return true
	}
	for _, e := range q.ready {
		if e.nonce() == n {
			return true
		}
	}
	return false
}

// promote moves future entries continuing the ready sequence into ready.
func (q *accountQueue) promote(next uint64) {
	for {
		e, found := q.future[next]
		if !found {
			return
		}
		delete(q.future, next)
		q.ready = append(q.ready, e)
		next++
	}
}

// reclassify rebuilds both partitions against a committed nonce and returns
// entries that became stale.
func (q *accountQueue) reclassify(committed uint64) []*Entry {
	all := make([]*Entry, 0, len(q.ready)+len(q.future))
	all = append(all, q.ready...)
	for _, e := range q.future {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].nonce() < all[j].nonce() })

	q.ready = nil
	q.future = make(map[uint64]*Entry)

	var stale []*Entry
	next := committed
	for _, e := range all {
		switch {
		case e.nonce() < committed:
			stale = append(stale, e)
		case e.nonce() == next:
			q.ready = append(q.ready, e)
			next++
		default:
			q.future[e.nonce()] = e
		}
	}
	return stale
}

type shardPool struct {
	lock *sync.RWMutex

	entries  map[chainhash.Hash]*Entry
	accounts map[primitives.AccountID]*accountQueue
	getters  []*Entry
	seq      uint64

	// generation changes whenever entries are removed, so a submission can
	// tell that the committed nonce it read may be outdated.
	generation uint64
}

func newShardPool() *shardPool {
	return &shardPool{
		lock:     new(sync.RWMutex),
		entries:  make(map[chainhash.Hash]*Entry),
		accounts: make(map[primitives.AccountID]*accountQueue),
	}
}

// Pool keeps trusted operations per shard. Calls are split into ready and
// future partitions per sender; getters are kept apart and never touch nonce
// bookkeeping. Every shard has its own lock.
type Pool struct {
	mrEnclave  [32]byte
	filter     AdmissionFilter
	nonces     CommittedNonceSource
	knownShard ShardSource
	maxEntries int

	shardsLock *sync.Mutex
	shards     map[primitives.ShardIdentifier]*shardPool
}

var _ nonce.ReadySet = (*Pool)(nil)

// Config configures a pool.
type Config struct {
	// MrEnclave is the enclave identity calls must be bound to.
	MrEnclave [32]byte

	// Filter decides admission. Nil admits everything.
	Filter AdmissionFilter

	// MaxEntriesPerShard limits the number of pooled operations per shard. Zero means no limit.
	MaxEntriesPerShard int

	// Shards rejects operations for shards without state. Nil accepts every shard.
	Shards ShardSource
}

// NewPool creates a pool looking up committed nonces in nonces.
func NewPool(c Config, nonces CommittedNonceSource) *Pool {
	filter := c.Filter
	if filter == nil {
		filter = AllowAll
	}
	return &Pool{
		mrEnclave:  c.MrEnclave,
		filter:     filter,
		nonces:     nonces,
		knownShard: c.Shards,
		maxEntries: c.MaxEntriesPerShard,
		shardsLock: new(sync.Mutex),
		shards:     make(map[primitives.ShardIdentifier]*shardPool),
	}
}

func (p *Pool) shard(shard primitives.ShardIdentifier) *shardPool {
	p.shardsLock.Lock()
	defer p.shardsLock.Unlock()

	sp, found := p.shards[shard]
	if !found {
		sp = newShardPool()
		p.shards[shard] = sp
	}
	return sp
}

func (p *Pool) existingShard(shard primitives.ShardIdentifier) *shardPool {
	p.shardsLock.Lock()
	defer p.shardsLock.Unlock()

	return p.shards[shard]
}

// SubmitEncoded decodes an operation and submits it.
func (p *Pool) SubmitEncoded(shard primitives.ShardIdentifier, encoded []byte) (chainhash.Hash, error) {
	op, err := primitives.DecodeOperation(encoded)
	if err != nil {
		return chainhash.Hash{}, primitives.NewValidationError(err)
	}
	return p.Submit(shard, op)
}

// Submit validates an operation and adds it to the shard's pool. Submitting
// an operation that is already pooled does nothing and returns its hash.
func (p *Pool) Submit(shard primitives.ShardIdentifier, op *primitives.TrustedOperation) (chainhash.Hash, error) {
	opHash := op.Hash()
	if opHash == (chainhash.Hash{}) {
		return opHash, primitives.NewValidationError(primitives.ErrMalformedOperation)
	}

	if p.knownShard != nil {
		exists, err := p.knownShard.ShardExists(shard)
		if err != nil {
			return opHash, err
		}
		if !exists {
			return opHash, primitives.NewValidationError(errors.Wrapf(ErrUnknownShard, "shard %s", shard))
		}
	}

	sp := p.shard(shard)

	sp.lock.RLock()
	_, known := sp.entries[opHash]
	sp.lock.RUnlock()
	if known {
		logrus.WithField("hash", opHash).Debug("operation already exists")
		return opHash, nil
	}

	var err error
	switch op.Kind {
	case primitives.KindCall:
		err = op.Call.Verify(p.mrEnclave, shard)
	case primitives.KindGetter:
		err = op.Getter.Verify(shard)
	default:
		err = primitives.ErrMalformedOperation
	}
	if err != nil {
		return opHash, primitives.NewValidationError(err)
	}

	if err := p.filter.Allow(op.Kind, op.Signer()); err != nil {
		return opHash, primitives.NewValidationError(err)
	}

	committed, err := p.lockWithCommittedNonce(sp, shard, op)
	if err != nil {
		return opHash, primitives.NewValidationError(err)
	}
	defer sp.lock.Unlock()

	if _, found := sp.entries[opHash]; found {
		return opHash, nil
	}

	if p.maxEntries > 0 && len(sp.entries) >= p.maxEntries {
		return opHash, primitives.NewValidationError(ErrPoolFull)
	}

	sp.seq++
	entry := &Entry{
		Hash:      opHash,
		Operation: op,
		Arrival:   utils.Now(),
		seq:       sp.seq,
	}

	if op.Kind == primitives.KindGetter {
		sp.entries[opHash] = entry
		sp.getters = append(sp.getters, entry)

		logrus.WithFields(logrus.Fields{
			"hash":  opHash,
			"shard": shard,
		}).Debug("added getter to pool")

		return opHash, nil
	}

	n := op.Call.Nonce
	if n < committed {
		return opHash, primitives.NewValidationError(ErrNonceTooLow)
	}

	q, found := sp.accounts[op.Signer()]
	if !found {
		q = newAccountQueue()
	}
	if q.hasNonce(n) {
		return opHash, primitives.NewValidationError(ErrNonceInUse)
	}

	expected := nonce.Reconcile(committed, q.readyNonces())
	if n == expected {
		q.ready = append(q.ready, entry)
	} else {
		q.future[n] = entry
	}
	q.promote(nonce.Reconcile(committed, q.readyNonces()))
	_, waiting := q.future[n]

	sp.accounts[op.Signer()] = q
	sp.entries[opHash] = entry

	logrus.WithFields(logrus.Fields{
		"hash":     opHash,
		"shard":    shard,
		"nonce":    n,
		"expected": expected,
		"ready":    !waiting,
	}).Debug("added call to pool")

	return opHash, nil
}

// lockWithCommittedNonce locks the shard pool and returns the committed
// nonce of the operation's signer. The nonce is read without holding the
// lock and read again if entries were removed in the meantime.
func (p *Pool) lockWithCommittedNonce(sp *shardPool, shard primitives.ShardIdentifier, op *primitives.TrustedOperation) (uint64, error) {
	if op.Kind != primitives.KindCall {
		sp.lock.Lock()
		return 0, nil
	}

	for {
		sp.lock.RLock()
		generation := sp.generation
		sp.lock.RUnlock()

		committed, err := p.nonces.CommittedNonce(shard, op.Signer())
		if err != nil {
			return 0, err
		}

		sp.lock.Lock()
		if sp.generation == generation {
			return committed, nil
		}
		sp.lock.Unlock()
	}
}

// ReadyOperations gets the ready calls of a shard. Calls of one sender are in
// ascending nonce order; senders are ordered by the arrival of their earliest
// ready call.
func (p *Pool) ReadyOperations(shard primitives.ShardIdentifier) []*primitives.TrustedCallSigned {
	sp := p.existingShard(shard)
	if sp == nil {
		return nil
	}

	sp.lock.RLock()
	defer sp.lock.RUnlock()

	queues := make([]*accountQueue, 0, len(sp.accounts))
	for _, q := range sp.accounts {
		if len(q.ready) > 0 {
			queues = append(queues, q)
		}
	}
	sort.Slice(queues, func(i, j int) bool {
		return firstArrival(queues[i]) < firstArrival(queues[j])
	})

	out := make([]*primitives.TrustedCallSigned, 0)
	for _, q := range queues {
		for _, e := range q.ready {
			out = append(out, e.Operation.Call)
		}
	}
	return out
}

func firstArrival(q *accountQueue) uint64 {
	first := q.ready[0].seq
	for _, e := range q.ready[1:] {
		if e.seq < first {
			first = e.seq
		}
	}
	return first
}

// PendingGetters gets the pooled getters of a shard in arrival order.
func (p *Pool) PendingGetters(shard primitives.ShardIdentifier) []*primitives.TrustedGetterSigned {
	sp := p.existingShard(shard)
	if sp == nil {
		return nil
	}

	sp.lock.RLock()
	defer sp.lock.RUnlock()

	out := make([]*primitives.TrustedGetterSigned, len(sp.getters))
	for i, e := range sp.getters {
		out[i] = e.Operation.Getter
	}
	return out
}

// ReadyNonces gets the nonces of the account's ready calls in ascending order.
func (p *Pool) ReadyNonces(shard primitives.ShardIdentifier, account primitives.AccountID) []uint64 {
	sp := p.existingShard(shard)
	if sp == nil {
		return nil
	}

	sp.lock.RLock()
	defer sp.lock.RUnlock()

	q, found := sp.accounts[account]
	if !found {
		return nil
	}
	return q.readyNonces()
}

// Contains checks if an operation is pooled.
func (p *Pool) Contains(shard primitives.ShardIdentifier, h chainhash.Hash) bool {
	sp := p.existingShard(shard)
	if sp == nil {
		return false
	}

	sp.lock.RLock()
	defer sp.lock.RUnlock()

	_, found := sp.entries[h]
	return found
}

// IsReady checks if a pooled call is in the ready partition.
func (p *Pool) IsReady(shard primitives.ShardIdentifier, h chainhash.Hash) bool {
	sp := p.existingShard(shard)
	if sp == nil {
		return false
	}

	sp.lock.RLock()
	defer sp.lock.RUnlock()

	e, found := sp.entries[h]
	if !found || e.Operation.Kind != primitives.KindCall {
		return false
	}
	for _, r := range sp.accounts[e.Operation.Signer()].ready {
		if r == e {
			return true
		}
	}
	return false
}

// Stats counts the ready calls, future calls and getters of a shard.
func (p *Pool) Stats(shard primitives.ShardIdentifier) (ready int, future int, getters int) {
	sp := p.existingShard(shard)
	if sp == nil {
		return 0, 0, 0
	}

	sp.lock.RLock()
	defer sp.lock.RUnlock()

	for _, q := range sp.accounts {
		ready += len(q.ready)
		future += len(q.future)
	}
	return ready, future, len(sp.getters)
}

// Remove purges operations from a shard's pool and reclassifies the calls of
// every affected sender against its committed nonce, promoting future calls
// whose gap closed. It must not be called while holding the shard's state
// write lock, since committed nonces are read from state.
func (p *Pool) Remove(shard primitives.ShardIdentifier, hashes []chainhash.Hash) {
	sp := p.existingShard(shard)
	if sp == nil {
		return
	}

	touched := p.removeEntries(sp, hashes)

	for account := range touched {
		committed, err := p.nonces.CommittedNonce(shard, account)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"shard":   shard,
				"account": account,
			}).WithError(err).Warn("could not look up committed nonce")
			continue
		}
		p.reclassify(sp, shard, account, committed)
	}
}

func (p *Pool) removeEntries(sp *shardPool, hashes []chainhash.Hash) map[primitives.AccountID]struct{} {
	sp.lock.Lock()
	defer sp.lock.Unlock()

	sp.generation++

	touched := make(map[primitives.AccountID]struct{})
	removeGetters := false

	for _, h := range hashes {
		e, found := sp.entries[h]
		if !found {
			continue
		}
		delete(sp.entries, h)

		if e.Operation.Kind == primitives.KindGetter {
			removeGetters = true
			continue
		}

		account := e.Operation.Signer()
		q := sp.accounts[account]
		touched[account] = struct{}{}

		if f, found := q.future[e.nonce()]; found && f == e {
			delete(q.future, e.nonce())
			continue
		}
		for i, r := range q.ready {
			if r == e {
				q.ready = append(q.ready[:i], q.ready[i+1:]...)
				break
			}
		}
	}

	if removeGetters {
		remaining := make([]*Entry, 0, len(sp.getters))
		for _, g := range sp.getters {
			if _, found := sp.entries[g.Hash]; found {
				remaining = append(remaining, g)
			}
		}
		sp.getters = remaining
	}

	return touched
}

func (p *Pool) reclassify(sp *shardPool, shard primitives.ShardIdentifier, account primitives.AccountID, committed uint64) {
	sp.lock.Lock()
	defer sp.lock.Unlock()

	q, found := sp.accounts[account]
	if !found {
		return
	}

	stale := q.reclassify(committed)
	for _, e := range stale {
		delete(sp.entries, e.Hash)
		logrus.WithFields(logrus.Fields{
			"hash":  e.Hash,
			"shard": shard,
			"nonce": e.nonce(),
		}).Debug("dropped stale call")
	}

	if q.empty() {
		delete(sp.accounts, account)
	}
}
