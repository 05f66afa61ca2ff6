package keystore

import (
	"encoding/hex"

	"github.com/decred/dcrd/dcrec/secp256k1"
	"github.com/phoreproject/sidechain/chainhash"
	"github.com/phoreproject/sidechain/primitives"
	"github.com/phoreproject/sidechain/wallet/address"
)

// Keypair is a pair of private and public keys used to sign trusted operations.
type Keypair struct {
	key    secp256k1.PrivateKey
	pubkey secp256k1.PublicKey
}

// SignCall creates a signed call with the given nonce for the enclave and shard.
func (k *Keypair) SignCall(payload []byte, nonce uint64, mrEnclave [32]byte, shard primitives.ShardIdentifier) (*primitives.TrustedCallSigned, error) {
	call := &primitives.TrustedCallSigned{
		Call: primitives.TrustedCall{
			Signer:  k.Account(),
			Payload: payload,
		},
		Nonce:     nonce,
		MrEnclave: mrEnclave,
		Shard:     shard,
	}

	messageHash, err := call.SigningHash()
	if err != nil {
		return nil, err
	}

	sigBytes, err := secp256k1.SignCompact(&k.key, messageHash[:], true)
	if err != nil {
		return nil, err
	}

	copy(call.Signature[:], sigBytes)

	return call, nil
}

// SignGetter creates a signed getter for the shard.
func (k *Keypair) SignGetter(payload []byte, shard primitives.ShardIdentifier) (*primitives.TrustedGetterSigned, error) {
	getter := &primitives.TrustedGetterSigned{
		Getter: primitives.TrustedGetter{
			Signer:  k.Account(),
			Payload: payload,
		},
		Shard: shard,
	}

	messageHash, err := getter.SigningHash()
	if err != nil {
		return nil, err
	}

	sigBytes, err := secp256k1.SignCompact(&k.key, messageHash[:], true)
	if err != nil {
		return nil, err
	}

	copy(getter.Signature[:], sigBytes)

	return getter, nil
}

// SignResultRequest signs the request for the result of a getter signed by
// this keypair.
func (k *Keypair) SignResultRequest(getter chainhash.Hash) ([65]byte, error) {
	var sig [65]byte

	h := primitives.ResultRequestHash(getter)
	sigBytes, err := secp256k1.SignCompact(&k.key, h[:], true)
	if err != nil {
		return sig, err
	}

	copy(sig[:], sigBytes)
	return sig, nil
}

// Account gets the account id of the keypair.
func (k *Keypair) Account() primitives.AccountID {
	return primitives.AccountIDFromPubkey(&k.pubkey)
}

// GetAddress gets the address of the keypair.
func (k *Keypair) GetAddress() address.Address {
	return address.PubkeyToAddress(&k.pubkey)
}

// GenerateRandomKeypair generates a random keypair.
func GenerateRandomKeypair() (*Keypair, error) {
	randKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	pub := randKey.PubKey()

	return &Keypair{
		key:    *randKey,
		pubkey: *pub,
	}, nil
}

// KeypairFromHex is a keypair from a hex string.
func KeypairFromHex(hexString string) (*Keypair, error) {
	privBytes, err := hex.DecodeString(hexString)
	if err != nil {
		return nil, err
	}

	return KeypairFromBytes(privBytes), nil
}

// KeypairFromBytes is a keypair from a byte array.
func KeypairFromBytes(privBytes []byte) *Keypair {
	key, pub := secp256k1.PrivKeyFromBytes(privBytes)

	return &Keypair{
		key:    *key,
		pubkey: *pub,
	}
}

// ToHex encodes the private key as hex, readable by KeypairFromHex.
func (k *Keypair) ToHex() string {
	return hex.EncodeToString(k.key.Serialize())
}
