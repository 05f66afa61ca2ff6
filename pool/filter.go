package pool

import (
	"sync"

	"github.com/phoreproject/sidechain/primitives"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a signer submits operations too quickly.
var ErrRateLimited = errors.New("signer exceeded operation rate limit")

// AdmissionFilter decides whether an operation may enter the pool given its
// kind and signer.
type AdmissionFilter interface {
	Allow(kind primitives.OperationKind, signer primitives.AccountID) error
}

// AdmissionFunc adapts a function to an AdmissionFilter.
type AdmissionFunc func(primitives.OperationKind, primitives.AccountID) error

// Allow calls f.
func (f AdmissionFunc) Allow(kind primitives.OperationKind, signer primitives.AccountID) error {
	return f(kind, signer)
}

// AllowAll is an admission filter that admits every operation.
var AllowAll AdmissionFilter = AdmissionFunc(func(primitives.OperationKind, primitives.AccountID) error { return nil })

// RateLimitFilter limits how many operations of each kind a signer may submit.
type RateLimitFilter struct {
	lock     *sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[rateKey]*rate.Limiter
}

type rateKey struct {
	kind   primitives.OperationKind
	signer primitives.AccountID
}

// NewRateLimitFilter creates a filter allowing perSecond operations per signer
// and kind with the given burst.
func NewRateLimitFilter(perSecond float64, burst int) *RateLimitFilter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitFilter{
		lock:     new(sync.Mutex),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[rateKey]*rate.Limiter),
	}
}

// Allow consumes a token for the signer.
func (r *RateLimitFilter) Allow(kind primitives.OperationKind, signer primitives.AccountID) error {
	r.lock.Lock()
	k := rateKey{kind, signer}
	limiter, found := r.limiters[k]
	if !found {
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.limiters[k] = limiter
	}
	r.lock.Unlock()

	if !limiter.Allow() {
		return ErrRateLimited
	}
	return nil
}

// ChainFilters admits an operation only if every filter admits it.
func ChainFilters(filters ...AdmissionFilter) AdmissionFilter {
	return AdmissionFunc(func(kind primitives.OperationKind, signer primitives.AccountID) error {
		for _, f := range filters {
			if err := f.Allow(kind, signer); err != nil {
				return err
			}
		}
		return nil
	})
}
