package nonce

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/phoreproject/sidechain/primitives"
)

// DefaultCacheSize is the number of accounts kept in the nonce cache.
const DefaultCacheSize = 4096

type cacheKey struct {
	shard   primitives.ShardIdentifier
	account primitives.AccountID
}

// Cache keeps the last reconciled nonce per (shard, account). Cached values
// never decrease until the entry is removed.
type Cache struct {
	lock  *sync.Mutex
	cache *lru.Cache
}

// NewCache creates a nonce cache holding up to size accounts.
func NewCache(size int) (*Cache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{lock: new(sync.Mutex), cache: c}, nil
}

// Get gets the cached nonce of an account.
func (c *Cache) Get(shard primitives.ShardIdentifier, account primitives.AccountID) (uint64, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	v, found := c.cache.Get(cacheKey{shard, account})
	if !found {
		return 0, false
	}
	return v.(uint64), true
}

// Update records a reconciled nonce and returns the value now cached. A cached
// value below the committed nonce is stale and replaced.
func (c *Cache) Update(shard primitives.ShardIdentifier, account primitives.AccountID, committed uint64, next uint64) uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	k := cacheKey{shard, account}
	if v, found := c.cache.Get(k); found {
		if cached := v.(uint64); cached > next && cached >= committed {
			return cached
		}
	}
	c.cache.Add(k, next)
	return next
}

// Remove drops the cached nonce of an account.
func (c *Cache) Remove(shard primitives.ShardIdentifier, account primitives.AccountID) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.cache.Remove(cacheKey{shard, account})
}
