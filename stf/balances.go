package stf

import (
	"encoding/binary"

	"github.com/phoreproject/sidechain/chainhash"
	"github.com/phoreproject/sidechain/primitives"
	"github.com/phoreproject/sidechain/state"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// CallKind is the kind of a balance call.
type CallKind uint8

const (
	// CallTransfer moves funds between accounts.
	CallTransfer CallKind = iota

	// CallSetBalance sets an account balance. Only the root account may use it.
	CallSetBalance

	// CallUnshield burns funds on the sidechain and releases them on the parentchain.
	CallUnshield
)

// GetterKind is the kind of a balance query.
type GetterKind uint8

const (
	// GetterBalance queries the signer's balance.
	GetterBalance GetterKind = iota

	// GetterNonce queries the signer's nonce.
	GetterNonce
)

const (
	// UnshieldModule is the parentchain module receiving unshield calls.
	UnshieldModule = 51

	// UnshieldFundsCall is the call index for releasing funds.
	UnshieldFundsCall = 0
)

var (
	// ErrInsufficientFunds is returned when an account can't cover a transfer.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNotRoot is returned when a root-only call is signed by another account.
	ErrNotRoot = errors.New("call requires the root account")

	// ErrBadNonce is returned when a call's nonce does not equal the account nonce.
	ErrBadNonce = errors.New("call nonce does not match account nonce")

	// ErrUnknownCall is returned for payloads with an unknown kind.
	ErrUnknownCall = errors.New("unknown call kind")

	// ErrOverflow is returned when a balance would overflow.
	ErrOverflow = errors.New("balance overflow")
)

// Call is the payload of a balance call.
type Call struct {
	Kind   CallKind             `msgpack:"kind"`
	To     primitives.AccountID `msgpack:"to"`
	Amount uint64               `msgpack:"amount"`
}

// Getter is the payload of a balance query.
type Getter struct {
	Kind GetterKind `msgpack:"kind"`
}

// EncodeCall encodes a call payload.
func EncodeCall(c Call) ([]byte, error) {
	return msgpack.Marshal(c)
}

// EncodeGetter encodes a getter payload.
func EncodeGetter(g Getter) ([]byte, error) {
	return msgpack.Marshal(g)
}

// unshieldData is the data of the parentchain call emitted by an unshield.
type unshieldData struct {
	Beneficiary primitives.AccountID `msgpack:"beneficiary"`
	Amount      uint64               `msgpack:"amount"`
	CallHash    chainhash.Hash       `msgpack:"callHash"`
}

// BalanceSTF is a simple account ledger.
type BalanceSTF struct {
	root primitives.AccountID
}

var _ Executor = (*BalanceSTF)(nil)

// NewBalanceSTF creates a ledger administered by root.
func NewBalanceSTF(root primitives.AccountID) *BalanceSTF {
	return &BalanceSTF{root: root}
}

func accountKey(field string, account primitives.AccountID) chainhash.Hash {
	return chainhash.HashConcat([]byte(field), account[:])
}

func load64(st *state.State, key chainhash.Hash) (uint64, bool) {
	b, found := st.Get(key)
	if !found || len(b) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(b), true
}

func store64(st *state.State, key chainhash.Hash, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	st.Set(key, b[:])
}

// Balance gets the balance of an account.
func (b *BalanceSTF) Balance(st *state.State, account primitives.AccountID) uint64 {
	v, _ := load64(st, accountKey("balance", account))
	return v
}

// AccountNonce gets the nonce of an account.
func (b *BalanceSTF) AccountNonce(st *state.State, account primitives.AccountID) (uint64, bool) {
	return load64(st, accountKey("nonce", account))
}

// Apply executes a balance call.
func (b *BalanceSTF) Apply(signed *primitives.TrustedCallSigned, st *state.State) (*SideEffects, error) {
	signer := signed.Call.Signer

	n, _ := b.AccountNonce(st, signer)
	if signed.Nonce != n {
		return nil, errors.Wrapf(ErrBadNonce, "expected %d, got %d", n, signed.Nonce)
	}

	var c Call
	if err := msgpack.Unmarshal(signed.Call.Payload, &c); err != nil {
		return nil, errors.Wrap(err, "could not decode call")
	}

	effects := new(SideEffects)

	switch c.Kind {
	case CallTransfer:
		from := b.Balance(st, signer)
		if from < c.Amount {
			return nil, ErrInsufficientFunds
		}
		store64(st, accountKey("balance", signer), from-c.Amount)

		to := b.Balance(st, c.To)
		if to+c.Amount < to {
			return nil, ErrOverflow
		}
		store64(st, accountKey("balance", c.To), to+c.Amount)
	case CallSetBalance:
		if signer != b.root {
			return nil, ErrNotRoot
		}
		store64(st, accountKey("balance", c.To), c.Amount)
	case CallUnshield:
		from := b.Balance(st, signer)
		if from < c.Amount {
			return nil, ErrInsufficientFunds
		}
		store64(st, accountKey("balance", signer), from-c.Amount)

		data, err := msgpack.Marshal(unshieldData{
			Beneficiary: c.To,
			Amount:      c.Amount,
			CallHash:    signed.Hash(),
		})
		if err != nil {
			return nil, err
		}
		effects.ParentchainCalls = append(effects.ParentchainCalls, primitives.OpaqueCall{
			Module: UnshieldModule,
			Call:   UnshieldFundsCall,
			Shard:  signed.Shard,
			Data:   data,
		})
	default:
		return nil, ErrUnknownCall
	}

	store64(st, accountKey("nonce", signer), n+1)

	return effects, nil
}

// Get answers a balance query. Results are big endian encoded integers.
func (b *BalanceSTF) Get(signed *primitives.TrustedGetterSigned, st *state.State) ([]byte, error) {
	var g Getter
	if err := msgpack.Unmarshal(signed.Getter.Payload, &g); err != nil {
		return nil, errors.Wrap(err, "could not decode getter")
	}

	var v uint64
	switch g.Kind {
	case GetterBalance:
		v = b.Balance(st, signed.Getter.Signer)
	case GetterNonce:
		v, _ = b.AccountNonce(st, signed.Getter.Signer)
	default:
		return nil, ErrUnknownCall
	}

	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out, nil
}
