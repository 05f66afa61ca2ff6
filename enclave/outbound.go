package enclave

import (
	"github.com/phoreproject/sidechain/primitives"
	"github.com/sirupsen/logrus"
)

// BlockGossiper sends produced blocks to peer enclaves.
type BlockGossiper interface {
	GossipBlocks(blocks []*primitives.SignedSidechainBlock) error
}

// ExtrinsicSender submits parentchain calls.
type ExtrinsicSender interface {
	SendExtrinsics(calls []primitives.OpaqueCall) error
}

// LogGossiper logs blocks instead of sending them anywhere.
type LogGossiper struct{}

// GossipBlocks logs the blocks.
func (LogGossiper) GossipBlocks(blocks []*primitives.SignedSidechainBlock) error {
	for _, b := range blocks {
		h, err := b.Hash()
		if err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"shard":  b.Block.Shard,
			"number": b.Block.Number,
			"hash":   h,
		}).Info("gossiping block")
	}
	return nil
}

// LogExtrinsicSender logs parentchain calls instead of submitting them.
type LogExtrinsicSender struct{}

// SendExtrinsics logs the calls.
func (LogExtrinsicSender) SendExtrinsics(calls []primitives.OpaqueCall) error {
	for _, c := range calls {
		logrus.WithFields(logrus.Fields{
			"module":    c.Module,
			"call":      c.Call,
			"shard":     c.Shard,
			"blockHash": c.BlockHash,
		}).Info("sending extrinsic")
	}
	return nil
}
