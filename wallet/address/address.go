package address

import (
	"fmt"

	"github.com/btcsuite/btcutil/base58"
	"github.com/decred/dcrd/dcrec/secp256k1"
	"github.com/phoreproject/sidechain/primitives"
)

// AccountAddressVersion is the version byte used for account addresses.
const AccountAddressVersion = 63

// Address is the printable form of an account id.
type Address string

// FromAccount converts an account id to an address.
func FromAccount(a primitives.AccountID) Address {
	return Address(base58.CheckEncode(a[:], AccountAddressVersion))
}

// PubkeyToAddress converts a pubkey to an address.
func PubkeyToAddress(pubkey *secp256k1.PublicKey) Address {
	return FromAccount(primitives.AccountIDFromPubkey(pubkey))
}

// ToAccount converts an address to an account id.
func (a Address) ToAccount() (primitives.AccountID, error) {
	pkh, version, err := base58.CheckDecode(string(a))
	if err != nil {
		return primitives.AccountID{}, err
	}

	if version != AccountAddressVersion {
		return primitives.AccountID{}, fmt.Errorf("invalid version, expecting: %d, got: %d", AccountAddressVersion, version)
	}

	var out primitives.AccountID
	if len(pkh) != len(out) {
		return out, fmt.Errorf("invalid address length, expected: %d, got: %d", len(out), len(pkh))
	}

	copy(out[:], pkh)
	return out, nil
}

// ValidateAddress returns true if the address passed is valid.
func ValidateAddress(a string) bool {
	_, err := Address(a).ToAccount()
	return err == nil
}
