package proposer

import (
	"strings"

	"github.com/pkg/errors"
)

// ClaimStrategy decides whether this enclave may produce blocks for a slot.
type ClaimStrategy uint8

const (
	// ClaimAlways claims every slot.
	ClaimAlways ClaimStrategy = iota

	// ClaimRoundRobin claims a slot when this enclave's authority is at index
	// slot mod len(authorities).
	ClaimRoundRobin
)

func (c ClaimStrategy) String() string {
	switch c {
	case ClaimAlways:
		return "always"
	case ClaimRoundRobin:
		return "roundrobin"
	default:
		return "unknown"
	}
}

// ParseClaimStrategy parses the name of a claim strategy.
func ParseClaimStrategy(s string) (ClaimStrategy, error) {
	switch strings.ToLower(s) {
	case "always", "":
		return ClaimAlways, nil
	case "roundrobin", "round-robin", "aura":
		return ClaimRoundRobin, nil
	default:
		return 0, errors.Errorf("unknown claim strategy %q", s)
	}
}
