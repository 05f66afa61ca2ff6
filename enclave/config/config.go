package config

import (
	"encoding/hex"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/phoreproject/sidechain/bls"
	"github.com/phoreproject/sidechain/primitives"
	"github.com/phoreproject/sidechain/proposer"
	"github.com/phoreproject/sidechain/wallet/address"
	"github.com/pkg/errors"
)

// DefaultDataDir is used when no data directory is configured.
const DefaultDataDir = "~/.sidechain"

// Options are the options passed to the module.
type Options struct {
	DataDir string `yaml:"data_dir" cli:"datadir" desc:"directory holding the database and sealing key"`

	SlotDuration          time.Duration `yaml:"slot_duration" cli:"slotduration" desc:"length of a slot"`
	BlockProductionMargin time.Duration `yaml:"production_margin" cli:"margin" desc:"time left unused at the end of a slot"`
	ExecutionEstimate     time.Duration `yaml:"execution_estimate" cli:"estimate" desc:"initial estimate of the cost of one operation"`
	ClaimStrategy         string        `yaml:"claim_strategy" cli:"claim" desc:"always or roundrobin"`
	AllowDelayedProposal  bool          `yaml:"allow_delayed_proposal" cli:"delayed" desc:"produce blocks for slots more than half elapsed"`

	AuthoritySeed uint64   `yaml:"authority_seed" cli:"seed" desc:"seed of the block signing key"`
	Authorities   []string `yaml:"authorities" cli:"authorities" desc:"hex public keys of every authority, in leader order"`
	MrEnclave     string   `yaml:"mr_enclave" cli:"mrenclave" desc:"hex measurement of the enclave code"`
	Shards        []string `yaml:"shards" cli:"shards" desc:"shards to initialise, as hex identifiers or names"`
	RootAccount   string   `yaml:"root_account" cli:"root" desc:"address allowed to set balances"`

	RPCListen      string  `yaml:"listen_addr" cli:"listen" desc:"address of the direct invocation API"`
	RateLimit      float64 `yaml:"rate_limit" cli:"ratelimit" desc:"operations per second allowed per signer"`
	RateBurst      int     `yaml:"rate_burst" cli:"rateburst" desc:"burst of operations allowed per signer"`
	MaxGetters     int     `yaml:"max_getters" cli:"maxgetters" desc:"getters executed per slot"`
	MaxPoolEntries int     `yaml:"max_pool_entries" cli:"maxpool" desc:"operations kept per shard"`
	NonceCacheSize int     `yaml:"nonce_cache_size" cli:"noncecache" desc:"accounts kept in the nonce cache"`
	RetainBlocks   uint64  `yaml:"retain_blocks" cli:"retain" desc:"blocks kept below the tip of each shard, 0 keeps all"`
	GenesisHeader  string  `yaml:"genesis_header" cli:"genesis" desc:"hex parent hash of the first parentchain header"`
}

// EnclaveConfig is the configuration for the enclave binary.
type EnclaveConfig struct {
	DataDir      string
	DatabaseDir  string
	SealingKey   string
	SlotDuration time.Duration
	Producer     proposer.Config
	AuthorityKey *bls.SecretKey
	Authorities  []*bls.PublicKey
	MrEnclave    [32]byte
	Shards       []primitives.ShardIdentifier
	RootAccount  primitives.AccountID
	RPCListen    string
	RateLimit    float64
	RateBurst    int
	MaxPool      int
	NonceCache   int
	RetainBlocks uint64
	Genesis      primitives.ParentchainHeader
}

// NewEnclaveConfig validates options and converts them into an EnclaveConfig.
func NewEnclaveConfig(o Options) (*EnclaveConfig, error) {
	dataDir := o.DataDir
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	dataDir, err := homedir.Expand(dataDir)
	if err != nil {
		return nil, errors.Wrap(err, "could not expand data directory")
	}

	slotDuration := o.SlotDuration
	if slotDuration == 0 {
		slotDuration = 6 * time.Second
	}
	if slotDuration < 0 {
		return nil, errors.Errorf("invalid slot duration %s", slotDuration)
	}
	if o.BlockProductionMargin < 0 || o.BlockProductionMargin >= slotDuration {
		return nil, errors.Errorf("production margin %s must be shorter than the slot", o.BlockProductionMargin)
	}

	claim := proposer.ClaimRoundRobin
	if o.ClaimStrategy != "" {
		claim, err = proposer.ParseClaimStrategy(o.ClaimStrategy)
		if err != nil {
			return nil, err
		}
	}

	key, err := bls.SecretKeyFromSeed(o.AuthoritySeed)
	if err != nil {
		return nil, errors.Wrap(err, "could not derive authority key")
	}

	authorities := make([]*bls.PublicKey, 0, len(o.Authorities))
	for _, a := range o.Authorities {
		b, err := hex.DecodeString(a)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid authority %s", a)
		}
		pub, err := bls.DeserializePublicKey(b)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid authority %s", a)
		}
		authorities = append(authorities, pub)
	}
	if len(authorities) == 0 {
		authorities = append(authorities, key.DerivePublicKey())
	}

	var mrEnclave [32]byte
	if o.MrEnclave != "" {
		b, err := hex.DecodeString(o.MrEnclave)
		if err != nil {
			return nil, errors.Wrap(err, "invalid mr enclave")
		}
		if len(b) != len(mrEnclave) {
			return nil, errors.Errorf("invalid mr enclave length, expected: %d, got: %d", len(mrEnclave), len(b))
		}
		copy(mrEnclave[:], b)
	}

	shards := make([]primitives.ShardIdentifier, 0, len(o.Shards))
	for _, s := range o.Shards {
		shards = append(shards, ParseShard(s))
	}
	if len(shards) == 0 {
		shards = append(shards, primitives.ShardIdentifier(mrEnclave))
	}

	var root primitives.AccountID
	if o.RootAccount != "" {
		root, err = address.Address(o.RootAccount).ToAccount()
		if err != nil {
			return nil, errors.Wrap(err, "invalid root account")
		}
	}

	var genesis primitives.ParentchainHeader
	if o.GenesisHeader != "" {
		b, err := hex.DecodeString(o.GenesisHeader)
		if err != nil || len(b) != len(genesis.ParentHash) {
			return nil, errors.Errorf("invalid genesis header hash %s", o.GenesisHeader)
		}
		copy(genesis.ParentHash[:], b)
	}

	listen := o.RPCListen
	if listen == "" {
		listen = "127.0.0.1:11100"
	}

	return &EnclaveConfig{
		DataDir:      dataDir,
		DatabaseDir:  filepath.Join(dataDir, "db"),
		SealingKey:   filepath.Join(dataDir, "sealing.key"),
		SlotDuration: slotDuration,
		Producer: proposer.Config{
			ClaimStrategy:         claim,
			AllowDelayedProposal:  o.AllowDelayedProposal,
			BlockProductionMargin: o.BlockProductionMargin,
			ExecutionEstimate:     o.ExecutionEstimate,
			MaxGettersPerSlot:     o.MaxGetters,
		},
		AuthorityKey: key,
		Authorities:  authorities,
		MrEnclave:    mrEnclave,
		Shards:       shards,
		RootAccount:  root,
		RPCListen:    listen,
		RateLimit:    o.RateLimit,
		RateBurst:    o.RateBurst,
		MaxPool:      o.MaxPoolEntries,
		NonceCache:   o.NonceCacheSize,
		RetainBlocks: o.RetainBlocks,
		Genesis:      genesis,
	}, nil
}

// ParseShard reads a shard given either as a hex identifier or as a name.
func ParseShard(s string) primitives.ShardIdentifier {
	if shard, err := primitives.ShardFromString(s); err == nil {
		return shard
	}
	return primitives.ShardFromName(s)
}
