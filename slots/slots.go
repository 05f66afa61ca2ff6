package slots

import (
	"time"

	"github.com/phoreproject/sidechain/primitives"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrInvalidDuration is returned when the slot duration is not positive.
var ErrInvalidDuration = errors.New("slot duration must be positive")

// SlotInfo describes a slot yielded for production.
type SlotInfo struct {
	Slot              uint64
	Start             time.Time
	Duration          time.Duration
	ParentchainHeader *primitives.ParentchainHeader
}

// End gets the time the slot's window closes.
func (s *SlotInfo) End() time.Time {
	return s.Start.Add(s.Duration)
}

// Remaining gets the time left in the slot's window at now. It is never
// negative.
func (s *SlotInfo) Remaining(now time.Time) time.Duration {
	r := s.End().Sub(now)
	if r < 0 {
		return 0
	}
	return r
}

// IsDelayed checks if more than half of the slot's window elapsed before now.
func (s *SlotInfo) IsDelayed(now time.Time) bool {
	return now.Sub(s.Start) > s.Duration/2
}

// SlotAt gets the slot number of the window containing now.
func SlotAt(now time.Time, duration time.Duration) uint64 {
	n := now.UnixNano()
	if n < 0 {
		return 0
	}
	return uint64(n / int64(duration))
}

// YieldNextSlot gets the slot containing now if production for it was not
// attempted yet. It returns nil if the slot is not newer than the last
// yielded slot, which covers both a repeated tick in the same window and the
// clock going backwards. The new slot is recorded in the marker before it is
// returned.
func YieldNextSlot(now time.Time, duration time.Duration, header *primitives.ParentchainHeader, marker Marker) (*SlotInfo, error) {
	if duration <= 0 {
		return nil, ErrInvalidDuration
	}

	slot := SlotAt(now, duration)

	last, found, err := marker.LastSlot()
	if err != nil {
		return nil, errors.Wrap(err, "could not read last slot")
	}
	if found && slot <= last {
		logrus.WithFields(logrus.Fields{
			"slot":     slot,
			"lastSlot": last,
		}).Debug("slot already yielded")
		return nil, nil
	}

	if err := marker.SetLastSlot(slot); err != nil {
		return nil, errors.Wrap(err, "could not store last slot")
	}

	return &SlotInfo{
		Slot:              slot,
		Start:             time.Unix(0, int64(slot)*int64(duration)),
		Duration:          duration,
		ParentchainHeader: header,
	}, nil
}
