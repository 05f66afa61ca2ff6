package config

import (
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/phoreproject/sidechain/bls"
	"github.com/phoreproject/sidechain/primitives"
	"github.com/phoreproject/sidechain/proposer"
)

func TestDefaults(t *testing.T) {
	c, err := NewEnclaveConfig(Options{DataDir: "/tmp/sidechain"})
	if err != nil {
		t.Fatal(err)
	}

	if c.DatabaseDir != filepath.Join("/tmp/sidechain", "db") {
		t.Fatalf("unexpected database dir %s", c.DatabaseDir)
	}
	if c.SlotDuration != 6*time.Second {
		t.Fatalf("unexpected slot duration %s", c.SlotDuration)
	}
	if c.Producer.ClaimStrategy != proposer.ClaimRoundRobin {
		t.Fatalf("unexpected claim strategy %s", c.Producer.ClaimStrategy)
	}
	if len(c.Authorities) != 1 || !c.Authorities[0].Equals(*c.AuthorityKey.DerivePublicKey()) {
		t.Fatal("expected own key to be the only authority")
	}
	if len(c.Shards) != 1 || c.Shards[0] != (primitives.ShardIdentifier{}) {
		t.Fatal("expected the mr enclave shard by default")
	}
}

func TestParseOptions(t *testing.T) {
	other, err := bls.SecretKeyFromSeed(7)
	if err != nil {
		t.Fatal(err)
	}
	otherHex := hex.EncodeToString(other.DerivePublicKey().Serialize())

	mr := make([]byte, 32)
	mr[0] = 1

	c, err := NewEnclaveConfig(Options{
		DataDir:               "/tmp/sidechain",
		SlotDuration:          time.Second,
		BlockProductionMargin: 100 * time.Millisecond,
		ClaimStrategy:         "always",
		AuthoritySeed:         3,
		Authorities:           []string{otherHex},
		MrEnclave:             hex.EncodeToString(mr),
		Shards:                []string{"payments"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if c.Producer.ClaimStrategy != proposer.ClaimAlways {
		t.Fatal("expected claim always")
	}
	if c.MrEnclave[0] != 1 {
		t.Fatal("mr enclave not parsed")
	}
	if len(c.Authorities) != 1 || !c.Authorities[0].Equals(*other.DerivePublicKey()) {
		t.Fatal("expected configured authority")
	}
	if c.Shards[0] != primitives.ShardFromName("payments") {
		t.Fatal("expected shard derived from name")
	}
}

func TestParseShard(t *testing.T) {
	shard := primitives.ShardFromName("a")
	if ParseShard(shard.String()) != shard {
		t.Fatal("expected hex shard to round trip")
	}
	if ParseShard("a") != shard {
		t.Fatal("expected shard from name")
	}
}

func TestInvalidOptions(t *testing.T) {
	cases := []Options{
		{SlotDuration: time.Second, BlockProductionMargin: time.Second},
		{ClaimStrategy: "sometimes"},
		{MrEnclave: "abcd"},
		{Authorities: []string{"zz"}},
		{GenesisHeader: "00"},
		{RootAccount: "notanaddress"},
	}

	for i, o := range cases {
		o.DataDir = "/tmp/sidechain"
		if _, err := NewEnclaveConfig(o); err == nil {
			t.Fatalf("expected options %d to be rejected", i)
		}
	}
}
