package parentchain

import (
	"sync"

	"github.com/phoreproject/sidechain/bls"
	"github.com/phoreproject/sidechain/chainhash"
	"github.com/phoreproject/sidechain/primitives"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoHeader is returned before any parentchain header was imported.
	ErrNoHeader = errors.New("no parentchain header imported")

	// ErrHeaderNotLinked is returned when an imported header does not extend the latest one.
	ErrHeaderNotLinked = errors.New("parentchain header does not extend the latest header")

	// ErrNoAuthorities is returned when the authority set is empty.
	ErrNoAuthorities = errors.New("authority set is empty")
)

// HeaderSource gives access to the latest finalized parentchain header.
type HeaderSource interface {
	LatestFinalizedHeader() (*primitives.ParentchainHeader, error)
	GenesisHash() (chainhash.Hash, error)
}

// AuthoritySource gets the set of authorities allowed to produce blocks.
type AuthoritySource interface {
	CurrentAuthorities() ([]*bls.PublicKey, error)
}

// Tracker keeps the latest finalized parentchain header.
type Tracker struct {
	lock    *sync.RWMutex
	genesis *primitives.ParentchainHeader
	latest  *primitives.ParentchainHeader
}

var _ HeaderSource = (*Tracker)(nil)

// NewTracker creates a tracker starting at the genesis header.
func NewTracker(genesis primitives.ParentchainHeader) *Tracker {
	return &Tracker{
		lock:    new(sync.RWMutex),
		genesis: &genesis,
		latest:  &genesis,
	}
}

// Import sets the latest finalized header. The header must directly extend
// the current latest header.
func (t *Tracker) Import(header primitives.ParentchainHeader) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if header.Number != t.latest.Number+1 || header.ParentHash != t.latest.Hash() {
		return errors.Wrapf(ErrHeaderNotLinked, "got header %d, latest is %d", header.Number, t.latest.Number)
	}

	t.latest = &header

	logrus.WithFields(logrus.Fields{
		"number": header.Number,
		"hash":   header.Hash(),
	}).Debug("imported parentchain header")

	return nil
}

// LatestFinalizedHeader gets the latest imported header.
func (t *Tracker) LatestFinalizedHeader() (*primitives.ParentchainHeader, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	if t.latest == nil {
		return nil, ErrNoHeader
	}
	h := *t.latest
	return &h, nil
}

// GenesisHash gets the hash of the genesis header.
func (t *Tracker) GenesisHash() (chainhash.Hash, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	if t.genesis == nil {
		return chainhash.Hash{}, ErrNoHeader
	}
	return t.genesis.Hash(), nil
}

// StaticAuthorities is a fixed authority set.
type StaticAuthorities []*bls.PublicKey

var _ AuthoritySource = StaticAuthorities(nil)

// CurrentAuthorities gets the authority set.
func (s StaticAuthorities) CurrentAuthorities() ([]*bls.PublicKey, error) {
	if len(s) == 0 {
		return nil, ErrNoAuthorities
	}
	return s, nil
}
