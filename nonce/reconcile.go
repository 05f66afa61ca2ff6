package nonce

import (
	"sort"

	"github.com/phoreproject/sidechain/primitives"
)

// ReadySet gives read access to the nonces of an account's ready calls.
type ReadySet interface {
	ReadyNonces(shard primitives.ShardIdentifier, account primitives.AccountID) []uint64
}

// Reconcile derives the next usable nonce for an account. Starting at the
// committed nonce, it counts ready nonces that continue the sequence and stops
// at the first gap.
func Reconcile(committed uint64, ready []uint64) uint64 {
	sorted := append([]uint64(nil), ready...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	next := committed
	for _, n := range sorted {
		if n < next {
			continue
		}
		if n != next {
			break
		}
		next++
	}
	return next
}

// Reconciler reconciles nonces against a pool and records the results in a
// cache.
type Reconciler struct {
	ready ReadySet
	cache *Cache
}

// NewReconciler creates a reconciler reading from ready and recording into cache.
func NewReconciler(ready ReadySet, cache *Cache) *Reconciler {
	return &Reconciler{ready: ready, cache: cache}
}

// Reconcile gets the next nonce for the account given its committed nonce.
// It never mutates the pool.
func (r *Reconciler) Reconcile(committed uint64, shard primitives.ShardIdentifier, account primitives.AccountID) uint64 {
	next := Reconcile(committed, r.ready.ReadyNonces(shard, account))
	if r.cache != nil {
		next = r.cache.Update(shard, account, committed, next)
	}
	return next
}

// Forget drops the cached nonce of an account so the next reconciliation
// starts from committed state again.
func (r *Reconciler) Forget(shard primitives.ShardIdentifier, account primitives.AccountID) {
	if r.cache != nil {
		r.cache.Remove(shard, account)
	}
}
