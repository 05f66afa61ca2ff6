package state

import (
	"sync"

	"github.com/phoreproject/sidechain/chainhash"
	"github.com/phoreproject/sidechain/db"
	"github.com/phoreproject/sidechain/primitives"
	"github.com/phoreproject/sidechain/sealing"
	"github.com/pkg/errors"
	"github.com/prysmaticlabs/go-ssz"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownShard is returned when no state was initialized for a shard.
	ErrUnknownShard = errors.New("no state initialized for shard")

	// ErrFatalCrypto is returned when sealed state can't be sealed, unsealed or verified.
	ErrFatalCrypto = errors.New("fatal crypto error on sealed state")

	// ErrGuardMismatch is returned when a write guard is used for another shard
	// or after it was released.
	ErrGuardMismatch = errors.New("write guard does not hold the lock for this shard")
)

var statePrefix = []byte("state-")

type sealedRecord struct {
	ContentHash chainhash.Hash
	Sealed      []byte
}

// WriteGuard is the exclusive write lock on a shard's state. It is handed out
// by LoadForMutation and consumed by Write. Release may be called any number
// of times; only the first call unlocks.
type WriteGuard struct {
	shard    primitives.ShardIdentifier
	lock     *sync.RWMutex
	once     sync.Once
	released bool
}

// Release gives up the write lock without writing.
func (g *WriteGuard) Release() {
	g.once.Do(func() {
		g.released = true
		g.lock.Unlock()
	})
}

// Shard gets the shard the guard locks.
func (g *WriteGuard) Shard() primitives.ShardIdentifier {
	return g.shard
}

// Handler keeps the sealed state of every shard. Each shard has its own
// reader/writer lock so activity on one shard never blocks another.
//
// Locks are sync.RWMutex: once a writer is waiting, new readers block until
// the writer has acquired and released the lock, so a stream of readers
// can't starve a writer.
type Handler struct {
	database db.Database
	sealer   sealing.Sealer

	locksLock *sync.Mutex
	locks     map[primitives.ShardIdentifier]*sync.RWMutex
}

// NewHandler creates a state handler on top of a database.
func NewHandler(database db.Database, sealer sealing.Sealer) *Handler {
	return &Handler{
		database:  database,
		sealer:    sealer,
		locksLock: new(sync.Mutex),
		locks:     make(map[primitives.ShardIdentifier]*sync.RWMutex),
	}
}

func (h *Handler) shardLock(shard primitives.ShardIdentifier) *sync.RWMutex {
	h.locksLock.Lock()
	defer h.locksLock.Unlock()

	l, found := h.locks[shard]
	if !found {
		l = new(sync.RWMutex)
		h.locks[shard] = l
	}
	return l
}

func stateKey(shard primitives.ShardIdentifier) []byte {
	return db.Key(statePrefix, shard[:])
}

func (h *Handler) readRecord(shard primitives.ShardIdentifier) (*sealedRecord, error) {
	b, err := h.database.Get(stateKey(shard))
	if err == db.ErrNotFound {
		return nil, ErrUnknownShard
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not read state for shard %s", shard)
	}

	rec := new(sealedRecord)
	if err := ssz.Unmarshal(b, rec); err != nil {
		return nil, primitives.NewCryptoError(errors.Wrap(ErrFatalCrypto, err.Error()))
	}
	return rec, nil
}

func (h *Handler) load(shard primitives.ShardIdentifier) (*State, error) {
	rec, err := h.readRecord(shard)
	if err != nil {
		return nil, err
	}

	plain, err := h.sealer.Unseal(rec.Sealed)
	if err != nil {
		return nil, primitives.NewCryptoError(errors.Wrap(ErrFatalCrypto, err.Error()))
	}

	st, err := DecodeState(plain)
	if err != nil {
		return nil, primitives.NewCryptoError(errors.Wrap(ErrFatalCrypto, err.Error()))
	}

	if st.Hash() != rec.ContentHash {
		return nil, primitives.NewCryptoError(errors.Wrapf(ErrFatalCrypto, "state hash mismatch for shard %s", shard))
	}

	return st, nil
}

func (h *Handler) record(st *State, shard primitives.ShardIdentifier) (db.Write, chainhash.Hash, error) {
	plain, err := st.Encode()
	if err != nil {
		return db.Write{}, chainhash.Hash{}, errors.Wrap(err, "could not encode state")
	}

	sealed, err := h.sealer.Seal(plain)
	if err != nil {
		return db.Write{}, chainhash.Hash{}, primitives.NewCryptoError(errors.Wrap(ErrFatalCrypto, err.Error()))
	}

	rec := sealedRecord{
		ContentHash: st.Hash(),
		Sealed:      sealed,
	}
	b, err := ssz.Marshal(rec)
	if err != nil {
		return db.Write{}, chainhash.Hash{}, errors.Wrap(err, "could not encode sealed state")
	}

	return db.Put(stateKey(shard), b), rec.ContentHash, nil
}

func (h *Handler) persist(st *State, shard primitives.ShardIdentifier, extra []db.Write) (chainhash.Hash, error) {
	w, hash, err := h.record(st, shard)
	if err != nil {
		return chainhash.Hash{}, err
	}

	writes := append([]db.Write{w}, extra...)
	if err := h.database.Batch(writes); err != nil {
		return chainhash.Hash{}, primitives.NewPersistenceError(errors.Wrapf(err, "could not persist state for shard %s", shard))
	}

	return hash, nil
}

// InitShard writes an empty state for a shard if none exists and returns the
// current content hash.
func (h *Handler) InitShard(shard primitives.ShardIdentifier) (chainhash.Hash, error) {
	l := h.shardLock(shard)
	l.Lock()
	defer l.Unlock()

	rec, err := h.readRecord(shard)
	if err == nil {
		return rec.ContentHash, nil
	}
	if err != ErrUnknownShard {
		return chainhash.Hash{}, err
	}

	st := NewState()
	st.Version = 1
	hash, err := h.persist(st, shard, nil)
	if err != nil {
		return chainhash.Hash{}, err
	}

	logrus.WithFields(logrus.Fields{
		"shard": shard,
		"hash":  hash,
	}).Info("initialized shard state")

	return hash, nil
}

// ShardExists checks if state was initialized for a shard.
func (h *Handler) ShardExists(shard primitives.ShardIdentifier) (bool, error) {
	_, err := h.database.Get(stateKey(shard))
	if err == db.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

// ListShards lists every shard with initialized state in ascending order.
func (h *Handler) ListShards() ([]primitives.ShardIdentifier, error) {
	shards := make([]primitives.ShardIdentifier, 0)
	err := h.database.Iterate(statePrefix, func(key []byte, _ []byte) error {
		var s primitives.ShardIdentifier
		if len(key) != len(statePrefix)+len(s) {
			return nil
		}
		copy(s[:], key[len(statePrefix):])
		shards = append(shards, s)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not list shards")
	}
	return shards, nil
}

// LoadForMutation blocks until it has exclusive access to the shard's state
// and returns the unsealed state with the guard holding the lock. The caller
// must pass the guard to Write or call Release.
func (h *Handler) LoadForMutation(shard primitives.ShardIdentifier) (*WriteGuard, *State, error) {
	l := h.shardLock(shard)
	l.Lock()

	guard := &WriteGuard{shard: shard, lock: l}

	st, err := h.load(shard)
	if err != nil {
		guard.Release()
		return nil, nil, err
	}

	return guard, st, nil
}

// Commit returns writes that must be applied atomically with a state write.
// It is given the content hash the state has once written.
type Commit func(hash chainhash.Hash) ([]db.Write, error)

// Write seals and persists the state, then releases the guard. The lock is
// released whether or not the write succeeds. Every successful write bumps
// the state version, so the content hash always changes.
func (h *Handler) Write(st *State, guard *WriteGuard, shard primitives.ShardIdentifier) (chainhash.Hash, error) {
	return h.WriteWith(st, guard, shard, nil)
}

// WriteWith is Write with the writes returned by commit applied in the same
// batch as the state. If commit or the batch fails, nothing is written and
// the state keeps its version.
func (h *Handler) WriteWith(st *State, guard *WriteGuard, shard primitives.ShardIdentifier, commit Commit) (chainhash.Hash, error) {
	if guard == nil {
		return chainhash.Hash{}, ErrGuardMismatch
	}
	defer guard.Release()

	if guard.released || guard.shard != shard {
		return chainhash.Hash{}, ErrGuardMismatch
	}

	st.Version++

	var extra []db.Write
	if commit != nil {
		var err error
		extra, err = commit(st.Hash())
		if err != nil {
			st.Version--
			return chainhash.Hash{}, err
		}
	}

	hash, err := h.persist(st, shard, extra)
	if err != nil {
		st.Version--
		return chainhash.Hash{}, err
	}

	logrus.WithFields(logrus.Fields{
		"shard":   shard,
		"hash":    hash,
		"version": st.Version,
		"extra":   len(extra),
	}).Debug("wrote shard state")

	return hash, nil
}

// LoadInitialized loads the shard's state for reading. Any number of readers
// may load concurrently; readers are only excluded by an active writer.
func (h *Handler) LoadInitialized(shard primitives.ShardIdentifier) (*State, error) {
	l := h.shardLock(shard)
	l.RLock()
	defer l.RUnlock()

	return h.load(shard)
}

// StateHash gets the stored content hash of a shard without unsealing it.
func (h *Handler) StateHash(shard primitives.ShardIdentifier) (chainhash.Hash, error) {
	l := h.shardLock(shard)
	l.RLock()
	defer l.RUnlock()

	rec, err := h.readRecord(shard)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return rec.ContentHash, nil
}
