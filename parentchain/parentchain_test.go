package parentchain_test

import (
	"testing"

	"github.com/phoreproject/sidechain/bls"
	"github.com/phoreproject/sidechain/parentchain"
	"github.com/phoreproject/sidechain/primitives"
	"github.com/pkg/errors"
)

func TestTrackerImport(t *testing.T) {
	genesis := primitives.ParentchainHeader{Number: 0}
	tracker := parentchain.NewTracker(genesis)

	next := primitives.ParentchainHeader{Number: 1, ParentHash: genesis.Hash()}
	if err := tracker.Import(next); err != nil {
		t.Fatal(err)
	}

	latest, err := tracker.LatestFinalizedHeader()
	if err != nil {
		t.Fatal(err)
	}
	if latest.Number != 1 {
		t.Fatalf("expected header 1, got %d", latest.Number)
	}

	gh, err := tracker.GenesisHash()
	if err != nil {
		t.Fatal(err)
	}
	if gh != genesis.Hash() {
		t.Fatal("genesis hash changed after import")
	}

	err = tracker.Import(primitives.ParentchainHeader{Number: 3, ParentHash: next.Hash()})
	if errors.Cause(err) != parentchain.ErrHeaderNotLinked {
		t.Fatalf("expected ErrHeaderNotLinked, got %v", err)
	}
	err = tracker.Import(primitives.ParentchainHeader{Number: 2})
	if errors.Cause(err) != parentchain.ErrHeaderNotLinked {
		t.Fatalf("expected ErrHeaderNotLinked, got %v", err)
	}
}

func TestStaticAuthorities(t *testing.T) {
	if _, err := parentchain.StaticAuthorities(nil).CurrentAuthorities(); err != parentchain.ErrNoAuthorities {
		t.Fatalf("expected ErrNoAuthorities, got %v", err)
	}

	sk, err := bls.SecretKeyFromSeed(0)
	if err != nil {
		t.Fatal(err)
	}
	authorities, err := parentchain.StaticAuthorities{sk.DerivePublicKey()}.CurrentAuthorities()
	if err != nil {
		t.Fatal(err)
	}
	if len(authorities) != 1 {
		t.Fatalf("expected one authority, got %d", len(authorities))
	}
}
