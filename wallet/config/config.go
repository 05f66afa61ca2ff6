package config

import (
	"encoding/hex"

	"github.com/phoreproject/sidechain/enclave/config"
	"github.com/phoreproject/sidechain/primitives"
	"github.com/pkg/errors"
)

// Options for the wallet.
type Options struct {
	EnclaveRPC string `yaml:"enclave_addr" cli:"enclave" desc:"address of the enclave API"`
	Shard      string `yaml:"shard" cli:"shard" desc:"shard to submit operations to, as a hex identifier or name"`
	MrEnclave  string `yaml:"mr_enclave" cli:"mrenclave" desc:"hex measurement of the enclave code"`
}

// WalletConfig is the config passed into the wallet.
type WalletConfig struct {
	EnclaveRPC string
	Shard      primitives.ShardIdentifier
	MrEnclave  [32]byte
}

// NewWalletConfig validates options and converts them into a WalletConfig.
func NewWalletConfig(o Options) (*WalletConfig, error) {
	c := &WalletConfig{EnclaveRPC: o.EnclaveRPC}
	if c.EnclaveRPC == "" {
		c.EnclaveRPC = "127.0.0.1:11100"
	}

	if o.MrEnclave != "" {
		b, err := hex.DecodeString(o.MrEnclave)
		if err != nil || len(b) != len(c.MrEnclave) {
			return nil, errors.Errorf("invalid mr enclave %s", o.MrEnclave)
		}
		copy(c.MrEnclave[:], b)
	}

	if o.Shard != "" {
		c.Shard = config.ParseShard(o.Shard)
	} else {
		c.Shard = primitives.ShardIdentifier(c.MrEnclave)
	}

	return c, nil
}
