package stf

import (
	"github.com/phoreproject/sidechain/primitives"
	"github.com/phoreproject/sidechain/state"
)

// SideEffects are the parentchain calls a trusted call emits.
type SideEffects struct {
	ParentchainCalls []primitives.OpaqueCall
}

// Executor is the state transition function. Apply and Get are given a state
// they may read from; only Apply writes to it. The caller is responsible for
// discarding the writes of a failed Apply.
type Executor interface {
	// Apply executes a call and increments the signer's nonce.
	Apply(call *primitives.TrustedCallSigned, st *state.State) (*SideEffects, error)

	// AccountNonce gets the committed nonce of an account. found is false for
	// accounts the state has never seen.
	AccountNonce(st *state.State, account primitives.AccountID) (nonce uint64, found bool)

	// Get answers a read-only query.
	Get(getter *primitives.TrustedGetterSigned, st *state.State) ([]byte, error)
}

// StateReader loads shard state for reading.
type StateReader interface {
	LoadInitialized(shard primitives.ShardIdentifier) (*state.State, error)
}

// CommittedNonces reads committed account nonces from shard state.
type CommittedNonces struct {
	States   StateReader
	Executor Executor
}

// CommittedNonce gets the committed nonce of an account. Accounts the state
// has never seen are at nonce zero.
func (c *CommittedNonces) CommittedNonce(shard primitives.ShardIdentifier, account primitives.AccountID) (uint64, error) {
	st, err := c.States.LoadInitialized(shard)
	if err != nil {
		return 0, err
	}
	n, _ := c.Executor.AccountNonce(st, account)
	return n, nil
}
