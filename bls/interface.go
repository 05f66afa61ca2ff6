package bls

import (
	"io"

	"github.com/phoreproject/bls"
	"github.com/phoreproject/sidechain/chainhash"
)

const (
	// DomainSidechainBlock is the signature domain for proposing a sidechain block.
	DomainSidechainBlock = iota + 1

	// DomainAnchor is the signature domain for parentchain anchor payloads.
	DomainAnchor
)

// Signature used in the BLS signature scheme.
type Signature struct {
	s bls.Signature
}

// Serialize gets the binary representation of the
// signature.
func (s Signature) Serialize() []byte {
	return s.s.Serialize()
}

// DeserializeSignature deserializes a binary signature
// into the actual signature.
func DeserializeSignature(b []byte) (*Signature, error) {
	s, err := bls.DeserializeSignature(b)
	if err != nil {
		return nil, err
	}

	return &Signature{s: *s}, nil
}

// SecretKey used in the BLS scheme.
type SecretKey struct {
	s bls.SecretKey
}

// RandSecretKey generates a random key given a byte reader.
func RandSecretKey(r io.Reader) (*SecretKey, error) {
	key, err := bls.RandKey(r)
	if err != nil {
		return nil, err
	}

	return &SecretKey{s: *key}, nil
}

// SecretKeyFromSeed derives a key deterministically from a seed. Keys derived
// this way should be assumed to be insecure outside of tests and dev setups.
func SecretKeyFromSeed(seed uint64) (*SecretKey, error) {
	return RandSecretKey(newXORShift(seed + 1000))
}

// DerivePublicKey derives a public key from a secret key.
func (s SecretKey) DerivePublicKey() *PublicKey {
	pub := bls.PrivToPub(&s.s)
	return &PublicKey{p: *pub}
}

// PublicKey corresponding to secret key used in the BLS scheme.
type PublicKey struct {
	p bls.PublicKey
}

func (p PublicKey) String() string {
	return p.p.String()
}

// Serialize serializes a public key to bytes.
func (p PublicKey) Serialize() []byte {
	return p.p.Serialize()
}

// Equals checks if two public keys are equal.
func (p PublicKey) Equals(other PublicKey) bool {
	return p.p.Equals(other.p)
}

// DeserializePublicKey deserialies a public key from the provided bytes.
func DeserializePublicKey(b []byte) (*PublicKey, error) {
	p, err := bls.DeserializePublicKey(b)
	if err != nil {
		return nil, err
	}
	return &PublicKey{*p}, nil
}

// Hash gets the hash of a pubkey
func (p PublicKey) Hash() chainhash.Hash {
	return chainhash.HashH(p.p.Serialize())
}

// Sign a message using a secret key. Signing is deterministic: the same key,
// message and domain always produce the same signature.
func Sign(sec *SecretKey, msg []byte, domain uint64) (*Signature, error) {
	s := bls.Sign(msg, &sec.s, domain)
	return &Signature{s: *s}, nil
}

// VerifySig against a public key.
func VerifySig(pub *PublicKey, msg []byte, sig *Signature, domain uint64) (bool, error) {
	return bls.Verify(msg, &pub.p, &sig.s, domain), nil
}

type xorshift struct {
	state uint64
}

func newXORShift(state uint64) *xorshift {
	return &xorshift{state}
}

func (xor *xorshift) Read(b []byte) (int, error) {
	for i := range b {
		x := xor.state
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		b[i] = uint8(x)
		xor.state = x
	}
	return len(b), nil
}
