package enclave

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/phoreproject/sidechain/chainhash"
	"github.com/phoreproject/sidechain/proposer"
)

// DefaultGetterResultCacheSize is the number of executed getter results kept.
const DefaultGetterResultCacheSize = 1024

// getterResults keeps the results of recently executed getters until the
// caller fetches them. The lru cache does its own locking.
type getterResults struct {
	cache *lru.Cache
}

func newGetterResults(size int) (*getterResults, error) {
	if size <= 0 {
		size = DefaultGetterResultCacheSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &getterResults{cache: c}, nil
}

func (g *getterResults) add(results []proposer.GetterResult) {
	for i := range results {
		r := results[i]
		g.cache.Add(r.Hash, &r)
	}
}

func (g *getterResults) get(h chainhash.Hash) (*proposer.GetterResult, bool) {
	v, found := g.cache.Get(h)
	if !found {
		return nil, false
	}
	return v.(*proposer.GetterResult), true
}

// forget drops a result so a resubmitted getter is answered from its next
// execution.
func (g *getterResults) forget(h chainhash.Hash) {
	g.cache.Remove(h)
}
