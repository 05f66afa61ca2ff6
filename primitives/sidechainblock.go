package primitives

import (
	"github.com/phoreproject/sidechain/chainhash"
	"github.com/prysmaticlabs/go-ssz"
)

// SidechainBlock is the unsigned body of a sidechain block.
type SidechainBlock struct {
	Shard           ShardIdentifier
	Number          uint64
	Slot            uint64
	ParentHash      chainhash.Hash
	PriorStateHash  chainhash.Hash
	StateHash       chainhash.Hash
	OperationHashes []chainhash.Hash
	ParentchainHash chainhash.Hash
	Author          []byte
}

// Encode gets the canonical encoding of the block.
func (b *SidechainBlock) Encode() ([]byte, error) {
	return ssz.Marshal(*b)
}

// Hash gets the hash of the canonical encoding of the block.
func (b *SidechainBlock) Hash() (chainhash.Hash, error) {
	enc, err := b.Encode()
	if err != nil {
		return chainhash.Hash{}, err
	}
	return chainhash.HashH(enc), nil
}

// SignedSidechainBlock is a block together with the author's signature over
// its canonical encoding.
type SignedSidechainBlock struct {
	Block     SidechainBlock
	Signature []byte
}

// Hash gets the block hash. The signature is not part of the hash.
func (s *SignedSidechainBlock) Hash() (chainhash.Hash, error) {
	return s.Block.Hash()
}

// Encode gets the canonical encoding of the signed block.
func (s *SignedSidechainBlock) Encode() ([]byte, error) {
	return ssz.Marshal(*s)
}

// DecodeSignedSidechainBlock decodes a block encoded with Encode.
func DecodeSignedSidechainBlock(b []byte) (*SignedSidechainBlock, error) {
	out := new(SignedSidechainBlock)
	if err := ssz.Unmarshal(b, out); err != nil {
		return nil, err
	}
	return out, nil
}

// LastSidechainBlock is the most recently produced block of a shard.
type LastSidechainBlock struct {
	Hash   chainhash.Hash
	Number uint64
}

const (
	// SidechainModule is the parentchain module index that accepts anchors.
	SidechainModule = 50

	// ProposedSidechainBlockCall is the call index for anchoring a proposed block.
	ProposedSidechainBlockCall = 0
)

// OpaqueCall is a parentchain call emitted by the enclave. It is opaque to
// block production and only forwarded to the extrinsic sender.
type OpaqueCall struct {
	Module    uint8
	Call      uint8
	Shard     ShardIdentifier
	BlockHash chainhash.Hash
	Data      []byte
}

// Encode gets the encoding of the call.
func (o *OpaqueCall) Encode() ([]byte, error) {
	return ssz.Marshal(*o)
}
