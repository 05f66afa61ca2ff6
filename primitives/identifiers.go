package primitives

import (
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1"
	"github.com/phoreproject/sidechain/chainhash"
)

// ShardIdentifier identifies an independently sequenced sidechain.
type ShardIdentifier [32]byte

func (s ShardIdentifier) String() string {
	return hex.EncodeToString(s[:])
}

// MarshalText encodes the shard identifier as hex.
func (s ShardIdentifier) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a hex shard identifier.
func (s *ShardIdentifier) UnmarshalText(text []byte) error {
	shard, err := ShardFromString(string(text))
	if err != nil {
		return err
	}
	*s = shard
	return nil
}

// ShardFromString parses a hex encoded shard identifier.
func ShardFromString(str string) (ShardIdentifier, error) {
	var s ShardIdentifier
	b, err := hex.DecodeString(str)
	if err != nil {
		return s, err
	}
	if len(b) != len(s) {
		return s, fmt.Errorf("invalid shard length, expected: %d, got: %d", len(s), len(b))
	}
	copy(s[:], b)
	return s, nil
}

// ShardFromName derives a shard identifier from a human readable name.
func ShardFromName(name string) ShardIdentifier {
	return ShardIdentifier(chainhash.HashH([]byte(name)))
}

// AccountID is the 20-byte hash of an account's compressed secp256k1 public key.
type AccountID [20]byte

func (a AccountID) String() string {
	return hex.EncodeToString(a[:])
}

// AccountIDFromPubkey derives the account id for a public key.
func AccountIDFromPubkey(pub *secp256k1.PublicKey) AccountID {
	var out AccountID
	h := chainhash.HashH(pub.SerializeCompressed())
	copy(out[:], h[:20])
	return out
}
