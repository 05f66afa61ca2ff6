package primitives

import (
	"github.com/decred/dcrd/dcrec/secp256k1"
	"github.com/phoreproject/sidechain/chainhash"
	"github.com/pkg/errors"
	"github.com/prysmaticlabs/go-ssz"
)

// OperationKind distinguishes state mutating calls from read-only getters.
type OperationKind uint8

const (
	// KindCall is a signed, nonce-carrying state mutation.
	KindCall OperationKind = iota

	// KindGetter is a signed read-only query.
	KindGetter
)

func (k OperationKind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindGetter:
		return "getter"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidSignature is returned when an operation signature does not match its signer.
	ErrInvalidSignature = errors.New("invalid operation signature")

	// ErrShardMismatch is returned when an operation targets a different shard.
	ErrShardMismatch = errors.New("operation shard does not match")

	// ErrEnclaveMismatch is returned when a call is bound to a different enclave.
	ErrEnclaveMismatch = errors.New("operation is bound to a different enclave")

	// ErrMalformedOperation is returned when an encoded operation can't be decoded.
	ErrMalformedOperation = errors.New("malformed trusted operation")
)

// TrustedCall is the unsigned body of a state mutating call. Payload is
// opaque here and interpreted by the state transition function.
type TrustedCall struct {
	Signer  AccountID
	Payload []byte
}

// TrustedCallSigned is a call with its nonce, binding and signature.
type TrustedCallSigned struct {
	Call      TrustedCall
	Nonce     uint64
	MrEnclave [32]byte
	Shard     ShardIdentifier
	Signature [65]byte
}

type callSigningPayload struct {
	Call      TrustedCall
	Nonce     uint64
	MrEnclave [32]byte
	Shard     ShardIdentifier
}

// SigningHash gets the hash that is signed by the call's signer.
func (c *TrustedCallSigned) SigningHash() (chainhash.Hash, error) {
	b, err := ssz.Marshal(callSigningPayload{
		Call:      c.Call,
		Nonce:     c.Nonce,
		MrEnclave: c.MrEnclave,
		Shard:     c.Shard,
	})
	if err != nil {
		return chainhash.Hash{}, err
	}
	return chainhash.HashH(b), nil
}

// Verify checks the signature, enclave binding and shard of the call.
func (c *TrustedCallSigned) Verify(mrEnclave [32]byte, shard ShardIdentifier) error {
	if c.Shard != shard {
		return ErrShardMismatch
	}
	if c.MrEnclave != mrEnclave {
		return ErrEnclaveMismatch
	}
	h, err := c.SigningHash()
	if err != nil {
		return errors.Wrap(ErrMalformedOperation, err.Error())
	}
	return verifySigner(c.Call.Signer, c.Signature, h)
}

// Hash gets the identity of the call as a trusted operation.
func (c *TrustedCallSigned) Hash() chainhash.Hash {
	return (&TrustedOperation{Kind: KindCall, Call: c}).Hash()
}

// TrustedGetter is the unsigned body of a read-only query.
type TrustedGetter struct {
	Signer  AccountID
	Payload []byte
}

// TrustedGetterSigned is a getter with its shard and signature. Getters carry no nonce.
type TrustedGetterSigned struct {
	Getter    TrustedGetter
	Shard     ShardIdentifier
	Signature [65]byte
}

type getterSigningPayload struct {
	Getter TrustedGetter
	Shard  ShardIdentifier
}

// SigningHash gets the hash that is signed by the getter's signer.
func (g *TrustedGetterSigned) SigningHash() (chainhash.Hash, error) {
	b, err := ssz.Marshal(getterSigningPayload{Getter: g.Getter, Shard: g.Shard})
	if err != nil {
		return chainhash.Hash{}, err
	}
	return chainhash.HashH(b), nil
}

// Verify checks the signature and shard of the getter.
func (g *TrustedGetterSigned) Verify(shard ShardIdentifier) error {
	if g.Shard != shard {
		return ErrShardMismatch
	}
	h, err := g.SigningHash()
	if err != nil {
		return errors.Wrap(ErrMalformedOperation, err.Error())
	}
	return verifySigner(g.Getter.Signer, g.Signature, h)
}

// Hash gets the identity of the getter as a trusted operation.
func (g *TrustedGetterSigned) Hash() chainhash.Hash {
	return (&TrustedOperation{Kind: KindGetter, Getter: g}).Hash()
}

var resultRequestDomain = []byte("getter-result")

// ResultRequestHash gets the hash a getter's signer signs to read the result
// of the getter.
func ResultRequestHash(getter chainhash.Hash) chainhash.Hash {
	return chainhash.HashConcat(resultRequestDomain, getter[:])
}

// VerifyResultRequest checks that sig was made by the getter's signer over
// the result request of the getter.
func (g *TrustedGetterSigned) VerifyResultRequest(sig [65]byte) error {
	return verifySigner(g.Getter.Signer, sig, ResultRequestHash(g.Hash()))
}

func verifySigner(signer AccountID, sig [65]byte, h chainhash.Hash) error {
	// the hash commits to the whole operation, so recovering the key from the
	// signature is enough to authenticate the signer.
	pub, _, err := secp256k1.RecoverCompact(sig[:], h[:])
	if err != nil {
		return errors.Wrap(ErrInvalidSignature, err.Error())
	}
	if AccountIDFromPubkey(pub) != signer {
		return ErrInvalidSignature
	}
	return nil
}

// TrustedOperation is either a call or a getter. Exactly one of Call and
// Getter is set, matching Kind.
type TrustedOperation struct {
	Kind   OperationKind
	Call   *TrustedCallSigned
	Getter *TrustedGetterSigned
}

// Signer gets the account that signed the operation.
func (o *TrustedOperation) Signer() AccountID {
	if o.Kind == KindCall {
		return o.Call.Call.Signer
	}
	return o.Getter.Getter.Signer
}

// Encode gets the canonical encoding of the operation: the kind byte followed
// by the SSZ encoding of the variant.
func (o *TrustedOperation) Encode() ([]byte, error) {
	var body []byte
	var err error
	switch o.Kind {
	case KindCall:
		if o.Call == nil {
			return nil, ErrMalformedOperation
		}
		body, err = ssz.Marshal(*o.Call)
	case KindGetter:
		if o.Getter == nil {
			return nil, ErrMalformedOperation
		}
		body, err = ssz.Marshal(*o.Getter)
	default:
		return nil, ErrMalformedOperation
	}
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(o.Kind)}, body...), nil
}

// Hash gets the content hash of the encoded operation. An operation that
// can't be encoded hashes to the zero hash.
func (o *TrustedOperation) Hash() chainhash.Hash {
	b, err := o.Encode()
	if err != nil {
		return chainhash.Hash{}
	}
	return chainhash.HashH(b)
}

// DecodeOperation decodes an operation encoded with Encode.
func DecodeOperation(b []byte) (*TrustedOperation, error) {
	if len(b) < 2 {
		return nil, ErrMalformedOperation
	}

	op := &TrustedOperation{Kind: OperationKind(b[0])}
	switch op.Kind {
	case KindCall:
		c := new(TrustedCallSigned)
		if err := ssz.Unmarshal(b[1:], c); err != nil {
			return nil, errors.Wrap(ErrMalformedOperation, err.Error())
		}
		op.Call = c
	case KindGetter:
		g := new(TrustedGetterSigned)
		if err := ssz.Unmarshal(b[1:], g); err != nil {
			return nil, errors.Wrap(ErrMalformedOperation, err.Error())
		}
		op.Getter = g
	default:
		return nil, ErrMalformedOperation
	}
	return op, nil
}
