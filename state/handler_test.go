package state_test

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/phoreproject/sidechain/chainhash"
	"github.com/phoreproject/sidechain/db"
	"github.com/phoreproject/sidechain/primitives"
	"github.com/phoreproject/sidechain/sealing"
	"github.com/phoreproject/sidechain/state"
	"github.com/pkg/errors"
)

type failingDB struct {
	*db.MemoryDB
	failWrites bool
}

func (f *failingDB) Set(key []byte, value []byte) error {
	if f.failWrites {
		return errors.New("disk full")
	}
	return f.MemoryDB.Set(key, value)
}

func (f *failingDB) Batch(writes []db.Write) error {
	if f.failWrites {
		return errors.New("disk full")
	}
	return f.MemoryDB.Batch(writes)
}

func newHandler(t *testing.T) (*state.Handler, *failingDB) {
	s, err := sealing.NewAEADSealer(bytes.Repeat([]byte{1}, sealing.KeySize))
	if err != nil {
		t.Fatal(err)
	}
	d := &failingDB{MemoryDB: db.NewMemoryDB()}
	return state.NewHandler(d, s), d
}

var testShard = primitives.ShardFromName("test")

func TestLoadUnknownShard(t *testing.T) {
	h, _ := newHandler(t)

	if _, err := h.LoadInitialized(testShard); err != state.ErrUnknownShard {
		t.Fatalf("expected ErrUnknownShard, got %v", err)
	}

	if _, _, err := h.LoadForMutation(testShard); err != state.ErrUnknownShard {
		t.Fatalf("expected ErrUnknownShard, got %v", err)
	}

	// the failed load must not leave the shard locked
	if _, err := h.InitShard(testShard); err != nil {
		t.Fatal(err)
	}
}

func TestRepeatedLoadsHaveSameHash(t *testing.T) {
	h, _ := newHandler(t)

	if _, err := h.InitShard(testShard); err != nil {
		t.Fatal(err)
	}

	s0, err := h.LoadInitialized(testShard)
	if err != nil {
		t.Fatal(err)
	}
	s1, err := h.LoadInitialized(testShard)
	if err != nil {
		t.Fatal(err)
	}

	if s0.Hash() != s1.Hash() {
		t.Fatal("expected repeated loads to have identical hashes")
	}

	stored, err := h.StateHash(testShard)
	if err != nil {
		t.Fatal(err)
	}
	if stored != s0.Hash() {
		t.Fatal("expected stored hash to match loaded state")
	}
}

func TestWriteChangesHashAndPersists(t *testing.T) {
	h, _ := newHandler(t)

	initial, err := h.InitShard(testShard)
	if err != nil {
		t.Fatal(err)
	}

	guard, st, err := h.LoadForMutation(testShard)
	if err != nil {
		t.Fatal(err)
	}
	st.Set(key("balance"), []byte{10})

	written, err := h.Write(st, guard, testShard)
	if err != nil {
		t.Fatal(err)
	}
	if written == initial {
		t.Fatal("expected write to change the content hash")
	}

	// a write with no changes still changes the hash
	guard, st, err = h.LoadForMutation(testShard)
	if err != nil {
		t.Fatal(err)
	}
	again, err := h.Write(st, guard, testShard)
	if err != nil {
		t.Fatal(err)
	}
	if again == written {
		t.Fatal("expected every write to change the content hash")
	}

	loaded, err := h.LoadInitialized(testShard)
	if err != nil {
		t.Fatal(err)
	}
	v, found := loaded.Get(key("balance"))
	if !found || v[0] != 10 {
		t.Fatal("expected written value to be persisted")
	}
}

func TestWriteReleasesLockOnPersistenceFailure(t *testing.T) {
	h, d := newHandler(t)

	if _, err := h.InitShard(testShard); err != nil {
		t.Fatal(err)
	}
	before, _ := h.StateHash(testShard)

	guard, st, err := h.LoadForMutation(testShard)
	if err != nil {
		t.Fatal(err)
	}
	st.Set(key("x"), []byte{1})

	d.failWrites = true
	_, err = h.Write(st, guard, testShard)
	if !primitives.IsPersistenceError(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	d.failWrites = false

	done := make(chan struct{})
	go func() {
		guard, _, err := h.LoadForMutation(testShard)
		if err == nil {
			guard.Release()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("write lock was not released after failed write")
	}

	after, _ := h.StateHash(testShard)
	if after != before {
		t.Fatal("failed write must not change the stored state")
	}
}

func TestWriteWithCommitsExtraWrites(t *testing.T) {
	h, d := newHandler(t)

	if _, err := h.InitShard(testShard); err != nil {
		t.Fatal(err)
	}

	guard, st, err := h.LoadForMutation(testShard)
	if err != nil {
		t.Fatal(err)
	}
	st.Set(key("x"), []byte{1})

	var seen chainhash.Hash
	written, err := h.WriteWith(st, guard, testShard, func(hash chainhash.Hash) ([]db.Write, error) {
		seen = hash
		return []db.Write{db.Put([]byte("block"), hash[:])}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if seen != written {
		t.Fatal("expected commit to be given the written content hash")
	}

	v, err := d.Get([]byte("block"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(v, written[:]) {
		t.Fatal("expected extra write to be persisted")
	}
}

func TestWriteWithFailedCommitWritesNothing(t *testing.T) {
	h, d := newHandler(t)

	if _, err := h.InitShard(testShard); err != nil {
		t.Fatal(err)
	}
	before, _ := h.StateHash(testShard)

	guard, st, err := h.LoadForMutation(testShard)
	if err != nil {
		t.Fatal(err)
	}
	version := st.Version
	st.Set(key("x"), []byte{1})

	_, err = h.WriteWith(st, guard, testShard, func(chainhash.Hash) ([]db.Write, error) {
		return nil, primitives.NewPersistenceError(errors.New("block store full"))
	})
	if !primitives.IsPersistenceError(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if st.Version != version {
		t.Fatalf("expected version %d to be restored, got %d", version, st.Version)
	}

	after, _ := h.StateHash(testShard)
	if after != before {
		t.Fatal("failed commit must not change the stored state")
	}

	// the extra writes of a failed batch are dropped with the state
	guard, st, err = h.LoadForMutation(testShard)
	if err != nil {
		t.Fatal(err)
	}
	d.failWrites = true
	_, err = h.WriteWith(st, guard, testShard, func(hash chainhash.Hash) ([]db.Write, error) {
		return []db.Write{db.Put([]byte("block"), hash[:])}, nil
	})
	d.failWrites = false
	if !primitives.IsPersistenceError(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if _, err := d.Get([]byte("block")); err != db.ErrNotFound {
		t.Fatalf("expected no extra write, got %v", err)
	}
}

func TestWriteWithWrongGuard(t *testing.T) {
	h, _ := newHandler(t)
	other := primitives.ShardFromName("other")

	if _, err := h.InitShard(testShard); err != nil {
		t.Fatal(err)
	}
	if _, err := h.InitShard(other); err != nil {
		t.Fatal(err)
	}

	guard, st, err := h.LoadForMutation(testShard)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.Write(st, guard, other); err != state.ErrGuardMismatch {
		t.Fatalf("expected ErrGuardMismatch, got %v", err)
	}

	// guard was released, so writing with it again fails too
	if _, err := h.Write(st, guard, testShard); err != state.ErrGuardMismatch {
		t.Fatalf("expected ErrGuardMismatch, got %v", err)
	}

	if _, err := h.LoadInitialized(testShard); err != nil {
		t.Fatal(err)
	}
}

func TestTamperedStateIsFatal(t *testing.T) {
	h, d := newHandler(t)

	if _, err := h.InitShard(testShard); err != nil {
		t.Fatal(err)
	}

	err := d.Iterate([]byte("state-"), func(k []byte, v []byte) error {
		v[len(v)-1] ^= 0xff
		return d.MemoryDB.Set(k, v)
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.LoadInitialized(testShard)
	if !primitives.IsCryptoError(err) {
		t.Fatalf("expected crypto error, got %v", err)
	}
	if errors.Cause(err) != state.ErrFatalCrypto {
		t.Fatalf("expected ErrFatalCrypto cause, got %v", errors.Cause(err))
	}
}

func TestListShards(t *testing.T) {
	h, _ := newHandler(t)

	shards := []primitives.ShardIdentifier{primitives.ShardFromName("a"), primitives.ShardFromName("b")}
	for _, s := range shards {
		if _, err := h.InitShard(s); err != nil {
			t.Fatal(err)
		}
	}

	listed, err := h.ListShards()
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 shards, got %d", len(listed))
	}
}

func TestReadersDoNotStarveWriter(t *testing.T) {
	h, _ := newHandler(t)

	if _, err := h.InitShard(testShard); err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	wg := new(sync.WaitGroup)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, err := h.LoadInitialized(testShard); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}

	written := make(chan error)
	go func() {
		guard, st, err := h.LoadForMutation(testShard)
		if err != nil {
			written <- err
			return
		}
		_, err = h.Write(st, guard, testShard)
		written <- err
	}()

	select {
	case err := <-written:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("writer starved by readers")
	}

	close(stop)
	wg.Wait()
}

func TestConcurrentShardsIndependent(t *testing.T) {
	h, _ := newHandler(t)
	other := primitives.ShardFromName("other")

	if _, err := h.InitShard(testShard); err != nil {
		t.Fatal(err)
	}
	if _, err := h.InitShard(other); err != nil {
		t.Fatal(err)
	}

	guard, _, err := h.LoadForMutation(testShard)
	if err != nil {
		t.Fatal(err)
	}
	defer guard.Release()

	done := make(chan error)
	go func() {
		_, err := h.LoadInitialized(other)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("write lock on one shard blocked another shard")
	}
}
