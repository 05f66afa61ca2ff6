package blockdb

import (
	"encoding/binary"
	"sync"

	"github.com/phoreproject/sidechain/chainhash"
	"github.com/phoreproject/sidechain/db"
	"github.com/phoreproject/sidechain/primitives"
	"github.com/pkg/errors"
	"github.com/prysmaticlabs/go-ssz"
	"github.com/sirupsen/logrus"
)

// ErrBlockNotLinked is returned when a block does not extend the last block of its shard.
var ErrBlockNotLinked = errors.New("block does not extend the last block of its shard")

var (
	blockPrefix     = []byte("block-")
	heightPrefix    = []byte("height-")
	lastBlockPrefix = []byte("lastblock-")
	storedShardsKey = []byte("stored-shards")
)

type storedShards struct {
	Shards []primitives.ShardIdentifier
}

// Store persists produced sidechain blocks, indexed by hash and by height.
type Store struct {
	database db.Database
	lock     *sync.Mutex
}

// NewStore creates a block store in database.
func NewStore(database db.Database) *Store {
	return &Store{database: database, lock: new(sync.Mutex)}
}

func blockKey(h chainhash.Hash) []byte {
	return db.Key(blockPrefix, h[:])
}

func heightKey(shard primitives.ShardIdentifier, number uint64) []byte {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], number)
	return db.Key(heightPrefix, shard[:], n[:])
}

func lastBlockKey(shard primitives.ShardIdentifier) []byte {
	return db.Key(lastBlockPrefix, shard[:])
}

// LastBlock gets the last stored block of a shard.
func (s *Store) LastBlock(shard primitives.ShardIdentifier) (*primitives.LastSidechainBlock, bool, error) {
	b, err := s.database.Get(lastBlockKey(shard))
	if errors.Cause(err) == db.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	last := new(primitives.LastSidechainBlock)
	if err := ssz.Unmarshal(b, last); err != nil {
		return nil, false, errors.Wrap(err, "could not decode last block")
	}
	return last, true, nil
}

// StoredShards gets every shard a block was stored for.
func (s *Store) StoredShards() ([]primitives.ShardIdentifier, error) {
	b, err := s.database.Get(storedShardsKey)
	if errors.Cause(err) == db.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var stored storedShards
	if err := ssz.Unmarshal(b, &stored); err != nil {
		return nil, errors.Wrap(err, "could not decode stored shards")
	}
	return stored.Shards, nil
}

// StoreBlocks stores a batch of blocks. Every block must extend the last
// block of its shard, either stored or earlier in the batch. The blocks, the
// height index, the last block of each shard and the stored shard list are
// written atomically.
func (s *Store) StoreBlocks(blocks []*primitives.SignedSidechainBlock) error {
	if len(blocks) == 0 {
		return nil
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	writes, err := s.blockWrites(blocks)
	if err != nil {
		return err
	}

	if err := s.database.Batch(writes); err != nil {
		return primitives.NewPersistenceError(err)
	}

	for _, block := range blocks {
		logrus.WithFields(logrus.Fields{
			"shard":  block.Block.Shard,
			"number": block.Block.Number,
		}).Debug("stored block")
	}

	return nil
}

// BlockWrites checks the blocks the same way StoreBlocks does and returns the
// writes storing them without applying them. The caller applies them in its
// own batch before preparing or storing any further block.
func (s *Store) BlockWrites(blocks []*primitives.SignedSidechainBlock) ([]db.Write, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.blockWrites(blocks)
}

func (s *Store) blockWrites(blocks []*primitives.SignedSidechainBlock) ([]db.Write, error) {
	shards, err := s.StoredShards()
	if err != nil {
		return nil, err
	}
	known := make(map[primitives.ShardIdentifier]struct{}, len(shards))
	for _, shard := range shards {
		known[shard] = struct{}{}
	}

	lasts := make(map[primitives.ShardIdentifier]primitives.LastSidechainBlock)
	writes := make([]db.Write, 0, len(blocks)*2+2)

	for _, block := range blocks {
		shard := block.Block.Shard

		last, found := lasts[shard]
		if !found {
			stored, storedFound, err := s.LastBlock(shard)
			if err != nil {
				return nil, err
			}
			if storedFound {
				last = *stored
			}
		}

		if block.Block.Number != last.Number+1 || block.Block.ParentHash != last.Hash {
			return nil, errors.Wrapf(ErrBlockNotLinked, "shard %s: got block %d with parent %s, last is %d (%s)",
				shard, block.Block.Number, block.Block.ParentHash, last.Number, last.Hash)
		}

		blockHash, err := block.Hash()
		if err != nil {
			return nil, err
		}
		encoded, err := block.Encode()
		if err != nil {
			return nil, err
		}

		writes = append(writes,
			db.Put(blockKey(blockHash), encoded),
			db.Put(heightKey(shard, block.Block.Number), blockHash[:]))

		lasts[shard] = primitives.LastSidechainBlock{Hash: blockHash, Number: block.Block.Number}

		if _, found := known[shard]; !found {
			known[shard] = struct{}{}
			shards = append(shards, shard)
		}
	}

	for shard, last := range lasts {
		b, err := ssz.Marshal(last)
		if err != nil {
			return nil, err
		}
		writes = append(writes, db.Put(lastBlockKey(shard), b))
	}

	shardsBytes, err := ssz.Marshal(storedShards{Shards: shards})
	if err != nil {
		return nil, err
	}
	writes = append(writes, db.Put(storedShardsKey, shardsBytes))

	return writes, nil
}

// GetBlock gets a block by hash.
func (s *Store) GetBlock(h chainhash.Hash) (*primitives.SignedSidechainBlock, error) {
	b, err := s.database.Get(blockKey(h))
	if err != nil {
		return nil, err
	}
	return primitives.DecodeSignedSidechainBlock(b)
}

// GetBlockHashAt gets the hash of a shard's block at a height.
func (s *Store) GetBlockHashAt(shard primitives.ShardIdentifier, number uint64) (chainhash.Hash, error) {
	b, err := s.database.Get(heightKey(shard, number))
	if err != nil {
		return chainhash.Hash{}, err
	}
	var h chainhash.Hash
	if err := h.SetBytes(b); err != nil {
		return chainhash.Hash{}, err
	}
	return h, nil
}

// GetBlockAt gets a shard's block at a height.
func (s *Store) GetBlockAt(shard primitives.ShardIdentifier, number uint64) (*primitives.SignedSidechainBlock, error) {
	h, err := s.GetBlockHashAt(shard, number)
	if err != nil {
		return nil, err
	}
	return s.GetBlock(h)
}

// Prune deletes the blocks of a shard that are more than keep blocks below
// its last block. It returns the number of deleted blocks.
func (s *Store) Prune(shard primitives.ShardIdentifier, keep uint64) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	last, found, err := s.LastBlock(shard)
	if err != nil || !found {
		return 0, err
	}
	if last.Number <= keep {
		return 0, nil
	}
	cutoff := last.Number - keep

	var writes []db.Write
	err = s.database.Iterate(db.Key(heightPrefix, shard[:]), func(key []byte, value []byte) error {
		number := binary.BigEndian.Uint64(key[len(key)-8:])
		if number >= cutoff {
			return nil
		}
		writes = append(writes,
			db.Del(append([]byte(nil), key...)),
			db.Del(db.Key(blockPrefix, value)))
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(writes) == 0 {
		return 0, nil
	}

	if err := s.database.Batch(writes); err != nil {
		return 0, primitives.NewPersistenceError(err)
	}

	logrus.WithFields(logrus.Fields{
		"shard":  shard,
		"pruned": len(writes) / 2,
		"cutoff": cutoff,
	}).Debug("pruned blocks")

	return len(writes) / 2, nil
}
