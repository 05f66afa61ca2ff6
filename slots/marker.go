package slots

import (
	"encoding/binary"
	"sync"

	"github.com/phoreproject/sidechain/db"
	"github.com/phoreproject/sidechain/primitives"
	"github.com/phoreproject/sidechain/sealing"
	"github.com/pkg/errors"
)

// Marker stores the highest slot that was yielded for production.
type Marker interface {
	LastSlot() (slot uint64, found bool, err error)
	SetLastSlot(slot uint64) error
}

var lastSlotKey = []byte("last-slot")

// SealedMarker keeps the last slot sealed in the database.
type SealedMarker struct {
	database db.Database
	sealer   sealing.Sealer
}

var _ Marker = (*SealedMarker)(nil)

// NewSealedMarker creates a marker stored in database and sealed with sealer.
func NewSealedMarker(database db.Database, sealer sealing.Sealer) *SealedMarker {
	return &SealedMarker{database: database, sealer: sealer}
}

// LastSlot gets the last slot.
func (m *SealedMarker) LastSlot() (uint64, bool, error) {
	sealed, err := m.database.Get(lastSlotKey)
	if errors.Cause(err) == db.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, primitives.NewPersistenceError(err)
	}

	b, err := m.sealer.Unseal(sealed)
	if err != nil {
		return 0, false, primitives.NewCryptoError(err)
	}
	if len(b) != 8 {
		return 0, false, primitives.NewCryptoError(errors.New("last slot has wrong length"))
	}
	return binary.BigEndian.Uint64(b), true, nil
}

// SetLastSlot sets the last slot.
func (m *SealedMarker) SetLastSlot(slot uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], slot)

	sealed, err := m.sealer.Seal(b[:])
	if err != nil {
		return primitives.NewCryptoError(err)
	}
	if err := m.database.Set(lastSlotKey, sealed); err != nil {
		return primitives.NewPersistenceError(err)
	}
	return nil
}

// MemoryMarker keeps the last slot in memory.
type MemoryMarker struct {
	lock  *sync.Mutex
	slot  uint64
	found bool
}

var _ Marker = (*MemoryMarker)(nil)

// NewMemoryMarker creates a marker with no slot recorded.
func NewMemoryMarker() *MemoryMarker {
	return &MemoryMarker{lock: new(sync.Mutex)}
}

// LastSlot gets the last slot.
func (m *MemoryMarker) LastSlot() (uint64, bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.slot, m.found, nil
}

// SetLastSlot sets the last slot.
func (m *MemoryMarker) SetLastSlot(slot uint64) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.slot = slot
	m.found = true
	return nil
}
