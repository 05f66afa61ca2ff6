package pool_test

import (
	"sync"
	"testing"

	"github.com/phoreproject/sidechain/chainhash"
	"github.com/phoreproject/sidechain/pool"
	"github.com/phoreproject/sidechain/primitives"
	"github.com/phoreproject/sidechain/wallet/keystore"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var (
	testShard     = primitives.ShardFromName("pool-test")
	testMrEnclave = [32]byte{1, 2, 3}
)

type committedNonces struct {
	lock   *sync.Mutex
	nonces map[primitives.AccountID]uint64
}

func newCommittedNonces() *committedNonces {
	return &committedNonces{lock: new(sync.Mutex), nonces: make(map[primitives.AccountID]uint64)}
}

func (c *committedNonces) set(account primitives.AccountID, n uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.nonces[account] = n
}

func (c *committedNonces) CommittedNonce(shard primitives.ShardIdentifier, account primitives.AccountID) (uint64, error) {
	if shard != testShard {
		return 0, errors.New("unknown shard")
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.nonces[account], nil
}

func (c *committedNonces) ShardExists(shard primitives.ShardIdentifier) (bool, error) {
	return shard == testShard, nil
}

func newTestPool(filter pool.AdmissionFilter) (*pool.Pool, *committedNonces) {
	nonces := newCommittedNonces()
	return pool.NewPool(pool.Config{MrEnclave: testMrEnclave, Filter: filter}, nonces), nonces
}

func signCall(t *testing.T, k *keystore.Keypair, n uint64) *primitives.TrustedOperation {
	c, err := k.SignCall([]byte{byte(n)}, n, testMrEnclave, testShard)
	require.NoError(t, err)
	return &primitives.TrustedOperation{Kind: primitives.KindCall, Call: c}
}

func signGetter(t *testing.T, k *keystore.Keypair, payload byte) *primitives.TrustedOperation {
	g, err := k.SignGetter([]byte{payload}, testShard)
	require.NoError(t, err)
	return &primitives.TrustedOperation{Kind: primitives.KindGetter, Getter: g}
}

func newKey(t *testing.T) *keystore.Keypair {
	k, err := keystore.GenerateRandomKeypair()
	require.NoError(t, err)
	return k
}

func readyNonces(calls []*primitives.TrustedCallSigned) []uint64 {
	out := make([]uint64, len(calls))
	for i, c := range calls {
		out[i] = c.Nonce
	}
	return out
}

func TestSubmitGapBecomesReady(t *testing.T) {
	p, _ := newTestPool(nil)
	k := newKey(t)

	_, err := p.Submit(testShard, signCall(t, k, 1))
	require.NoError(t, err)
	require.Empty(t, p.ReadyOperations(testShard))

	ready, future, _ := p.Stats(testShard)
	require.Equal(t, 0, ready)
	require.Equal(t, 1, future)

	_, err = p.Submit(testShard, signCall(t, k, 0))
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1}, readyNonces(p.ReadyOperations(testShard)))
}

func TestReadyOrderPerSender(t *testing.T) {
	p, nonces := newTestPool(nil)
	k := newKey(t)
	nonces.set(k.Account(), 3)

	for _, n := range []uint64{6, 4, 3, 5} {
		_, err := p.Submit(testShard, signCall(t, k, n))
		require.NoError(t, err)
	}

	require.Equal(t, []uint64{3, 4, 5, 6}, readyNonces(p.ReadyOperations(testShard)))
	require.Equal(t, []uint64{3, 4, 5, 6}, p.ReadyNonces(testShard, k.Account()))
}

func TestReadyOrderAcrossSenders(t *testing.T) {
	p, _ := newTestPool(nil)
	a := newKey(t)
	b := newKey(t)

	_, err := p.Submit(testShard, signCall(t, b, 0))
	require.NoError(t, err)
	_, err = p.Submit(testShard, signCall(t, a, 0))
	require.NoError(t, err)
	_, err = p.Submit(testShard, signCall(t, b, 1))
	require.NoError(t, err)

	ready := p.ReadyOperations(testShard)
	require.Len(t, ready, 3)
	require.Equal(t, b.Account(), ready[0].Call.Signer)
	require.Equal(t, b.Account(), ready[1].Call.Signer)
	require.Equal(t, a.Account(), ready[2].Call.Signer)
}

func TestSubmitIdempotent(t *testing.T) {
	p, _ := newTestPool(nil)
	k := newKey(t)
	op := signCall(t, k, 0)

	h1, err := p.Submit(testShard, op)
	require.NoError(t, err)
	h2, err := p.Submit(testShard, op)
	require.NoError(t, err)

	require.Equal(t, h1, h2)
	require.Len(t, p.ReadyOperations(testShard), 1)
}

func TestSubmitRejectsInvalid(t *testing.T) {
	p, nonces := newTestPool(nil)
	k := newKey(t)

	bad := signCall(t, k, 0)
	bad.Call.Signature[3] ^= 0xff
	_, err := p.Submit(testShard, bad)
	require.True(t, primitives.IsValidationError(err))

	other := primitives.ShardFromName("other")
	_, err = p.Submit(other, signCall(t, k, 0))
	require.True(t, primitives.IsValidationError(err))

	nonces.set(k.Account(), 2)
	_, err = p.Submit(testShard, signCall(t, k, 1))
	require.True(t, primitives.IsValidationError(err))
	require.Equal(t, pool.ErrNonceTooLow, errors.Cause(err))

	_, err = p.Submit(testShard, &primitives.TrustedOperation{Kind: primitives.KindCall})
	require.True(t, primitives.IsValidationError(err))

	require.Empty(t, p.ReadyOperations(testShard))
}

func TestSubmitRejectsDuplicateNonce(t *testing.T) {
	p, _ := newTestPool(nil)
	k := newKey(t)

	_, err := p.Submit(testShard, signCall(t, k, 0))
	require.NoError(t, err)

	c, err := k.SignCall([]byte("different"), 0, testMrEnclave, testShard)
	require.NoError(t, err)
	_, err = p.Submit(testShard, &primitives.TrustedOperation{Kind: primitives.KindCall, Call: c})
	require.True(t, primitives.IsValidationError(err))
	require.Equal(t, pool.ErrNonceInUse, errors.Cause(err))
}

func TestGettersSeparateFromCalls(t *testing.T) {
	p, _ := newTestPool(nil)
	k := newKey(t)

	g1, err := p.Submit(testShard, signGetter(t, k, 1))
	require.NoError(t, err)
	_, err = p.Submit(testShard, signGetter(t, k, 2))
	require.NoError(t, err)

	require.Empty(t, p.ReadyOperations(testShard))
	require.Empty(t, p.ReadyNonces(testShard, k.Account()))

	getters := p.PendingGetters(testShard)
	require.Len(t, getters, 2)
	require.Equal(t, []byte{1}, getters[0].Getter.Payload)
	require.Equal(t, []byte{2}, getters[1].Getter.Payload)

	p.Remove(testShard, []chainhash.Hash{g1})
	getters = p.PendingGetters(testShard)
	require.Len(t, getters, 1)
	require.Equal(t, []byte{2}, getters[0].Getter.Payload)
}

func TestRemovePromotesAfterCommit(t *testing.T) {
	p, nonces := newTestPool(nil)
	k := newKey(t)

	h0, err := p.Submit(testShard, signCall(t, k, 0))
	require.NoError(t, err)
	h1, err := p.Submit(testShard, signCall(t, k, 1))
	require.NoError(t, err)
	h3, err := p.Submit(testShard, signCall(t, k, 3))
	require.NoError(t, err)

	nonces.set(k.Account(), 2)
	p.Remove(testShard, []chainhash.Hash{h0, h1})

	require.False(t, p.Contains(testShard, h0))
	require.True(t, p.Contains(testShard, h3))
	require.False(t, p.IsReady(testShard, h3))

	h2, err := p.Submit(testShard, signCall(t, k, 2))
	require.NoError(t, err)
	require.True(t, p.IsReady(testShard, h2))
	require.True(t, p.IsReady(testShard, h3))
	require.Equal(t, []uint64{2, 3}, readyNonces(p.ReadyOperations(testShard)))
}

func TestRemoveFailedCallDemotesSuccessors(t *testing.T) {
	p, _ := newTestPool(nil)
	k := newKey(t)

	h0, err := p.Submit(testShard, signCall(t, k, 0))
	require.NoError(t, err)
	h1, err := p.Submit(testShard, signCall(t, k, 1))
	require.NoError(t, err)

	p.Remove(testShard, []chainhash.Hash{h0})

	require.True(t, p.Contains(testShard, h1))
	require.False(t, p.IsReady(testShard, h1))
	require.Empty(t, p.ReadyOperations(testShard))
}

func TestRemoveDropsStaleCalls(t *testing.T) {
	p, nonces := newTestPool(nil)
	a := newKey(t)

	h0, err := p.Submit(testShard, signCall(t, a, 0))
	require.NoError(t, err)
	h1, err := p.Submit(testShard, signCall(t, a, 1))
	require.NoError(t, err)

	nonces.set(a.Account(), 2)
	p.Remove(testShard, []chainhash.Hash{h0})

	require.False(t, p.Contains(testShard, h1))
	ready, future, _ := p.Stats(testShard)
	require.Zero(t, ready)
	require.Zero(t, future)
}

func TestRateLimitFilter(t *testing.T) {
	p, _ := newTestPool(pool.NewRateLimitFilter(0.0001, 2))
	k := newKey(t)

	for n := uint64(0); n < 2; n++ {
		_, err := p.Submit(testShard, signCall(t, k, n))
		require.NoError(t, err)
	}

	_, err := p.Submit(testShard, signCall(t, k, 2))
	require.True(t, primitives.IsValidationError(err))
	require.Equal(t, pool.ErrRateLimited, errors.Cause(err))

	_, err = p.Submit(testShard, signGetter(t, k, 0))
	require.NoError(t, err)
}

func TestPoolFull(t *testing.T) {
	nonces := newCommittedNonces()
	p := pool.NewPool(pool.Config{MrEnclave: testMrEnclave, MaxEntriesPerShard: 1}, nonces)
	k := newKey(t)

	_, err := p.Submit(testShard, signCall(t, k, 0))
	require.NoError(t, err)
	_, err = p.Submit(testShard, signCall(t, k, 1))
	require.Equal(t, pool.ErrPoolFull, errors.Cause(err))
}

func TestSubmitEncoded(t *testing.T) {
	p, _ := newTestPool(nil)
	k := newKey(t)

	op := signCall(t, k, 0)
	encoded, err := op.Encode()
	require.NoError(t, err)

	h, err := p.SubmitEncoded(testShard, encoded)
	require.NoError(t, err)
	require.Equal(t, op.Hash(), h)

	_, err = p.SubmitEncoded(testShard, []byte{9, 9, 9})
	require.True(t, primitives.IsValidationError(err))
}

func TestConcurrentSubmit(t *testing.T) {
	p, _ := newTestPool(nil)

	keys := make([]*keystore.Keypair, 8)
	for i := range keys {
		keys[i] = newKey(t)
	}

	ops := make([][]*primitives.TrustedOperation, len(keys))
	for i, k := range keys {
		for n := uint64(0); n < 10; n++ {
			ops[i] = append(ops[i], signCall(t, k, n))
		}
	}

	var wg sync.WaitGroup
	for i := range keys {
		wg.Add(1)
		go func(ops []*primitives.TrustedOperation) {
			defer wg.Done()
			for j := len(ops) - 1; j >= 0; j-- {
				if _, err := p.Submit(testShard, ops[j]); err != nil {
					t.Error(err)
				}
			}
		}(ops[i])
	}
	wg.Wait()

	require.Len(t, p.ReadyOperations(testShard), 80)
	for _, k := range keys {
		require.Equal(t, []uint64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, p.ReadyNonces(testShard, k.Account()))
	}
}

func TestSubmitUnknownShardRejected(t *testing.T) {
	nonces := newCommittedNonces()
	p := pool.NewPool(pool.Config{MrEnclave: testMrEnclave, Shards: nonces}, nonces)
	k := newKey(t)

	for i := 0; i < 3; i++ {
		other := primitives.ShardFromName(string(rune('a' + i)))

		g, err := k.SignGetter([]byte{1}, other)
		require.NoError(t, err)
		_, err = p.Submit(other, &primitives.TrustedOperation{Kind: primitives.KindGetter, Getter: g})
		require.True(t, primitives.IsValidationError(err))
		require.Equal(t, pool.ErrUnknownShard, errors.Cause(err))

		c, err := k.SignCall([]byte{1}, 0, testMrEnclave, other)
		require.NoError(t, err)
		_, err = p.Submit(other, &primitives.TrustedOperation{Kind: primitives.KindCall, Call: c})
		require.Equal(t, pool.ErrUnknownShard, errors.Cause(err))

		require.Empty(t, p.PendingGetters(other))
		ready, future, getters := p.Stats(other)
		require.Zero(t, ready+future+getters)
	}

	_, err := p.Submit(testShard, signGetter(t, k, 1))
	require.NoError(t, err)
	require.Len(t, p.PendingGetters(testShard), 1)
}
