package primitives

import (
	"github.com/phoreproject/sidechain/chainhash"
	"github.com/prysmaticlabs/go-ssz"
)

// ParentchainHeader is the part of a host chain header the enclave anchors to.
type ParentchainHeader struct {
	Number         uint64
	ParentHash     chainhash.Hash
	StateRoot      chainhash.Hash
	ExtrinsicsRoot chainhash.Hash
}

// Hash gets the hash of the header.
func (h *ParentchainHeader) Hash() chainhash.Hash {
	b, err := ssz.Marshal(*h)
	if err != nil {
		return chainhash.Hash{}
	}
	return chainhash.HashH(b)
}
