package composer

import (
	"github.com/phoreproject/sidechain/bls"
	"github.com/phoreproject/sidechain/chainhash"
	"github.com/phoreproject/sidechain/primitives"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrMissingParentchainHeader is returned when a block would not be anchored
// to a parentchain header.
var ErrMissingParentchainHeader = errors.New("block requires a parentchain header")

// Authority is the keypair this enclave signs blocks with.
type Authority struct {
	secret *bls.SecretKey
	public *bls.PublicKey
}

// NewAuthority creates an authority from a secret key.
func NewAuthority(secret *bls.SecretKey) *Authority {
	return &Authority{secret: secret, public: secret.DerivePublicKey()}
}

// PublicKey gets the authority's public key.
func (a *Authority) PublicKey() *bls.PublicKey {
	return a.public
}

// Proposal is everything a block commits to.
type Proposal struct {
	Shard             primitives.ShardIdentifier
	Number            uint64
	Slot              uint64
	ParentHash        chainhash.Hash
	PriorStateHash    chainhash.Hash
	StateHash         chainhash.Hash
	OperationHashes   []chainhash.Hash
	ParentchainHeader *primitives.ParentchainHeader
}

// Composer builds and signs sidechain blocks.
type Composer struct {
	authority *Authority
}

// NewComposer creates a composer signing with authority.
func NewComposer(authority *Authority) *Composer {
	return &Composer{authority: authority}
}

// Authority gets the signing authority.
func (c *Composer) Authority() *Authority {
	return c.authority
}

// Compose creates the signed block for a proposal together with the
// parentchain call anchoring it. The result depends only on the proposal and
// the authority key.
func (c *Composer) Compose(p Proposal) (*primitives.SignedSidechainBlock, *primitives.OpaqueCall, error) {
	if p.ParentchainHeader == nil {
		return nil, nil, ErrMissingParentchainHeader
	}

	opHashes := make([]chainhash.Hash, len(p.OperationHashes))
	copy(opHashes, p.OperationHashes)

	block := primitives.SidechainBlock{
		Shard:           p.Shard,
		Number:          p.Number,
		Slot:            p.Slot,
		ParentHash:      p.ParentHash,
		PriorStateHash:  p.PriorStateHash,
		StateHash:       p.StateHash,
		OperationHashes: opHashes,
		ParentchainHash: p.ParentchainHeader.Hash(),
		Author:          c.authority.public.Serialize(),
	}

	blockHash, err := block.Hash()
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not hash block")
	}

	sig, err := bls.Sign(c.authority.secret, blockHash[:], bls.DomainSidechainBlock)
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not sign block")
	}

	signed := &primitives.SignedSidechainBlock{
		Block:     block,
		Signature: sig.Serialize(),
	}

	logrus.WithFields(logrus.Fields{
		"shard":  p.Shard,
		"number": p.Number,
		"hash":   blockHash,
		"ops":    len(opHashes),
	}).Debug("composed block")

	return signed, &primitives.OpaqueCall{
		Module:    primitives.SidechainModule,
		Call:      primitives.ProposedSidechainBlockCall,
		Shard:     p.Shard,
		BlockHash: blockHash,
	}, nil
}

// VerifyBlock checks that a block was signed by its declared author.
func VerifyBlock(b *primitives.SignedSidechainBlock) (bool, error) {
	pub, err := bls.DeserializePublicKey(b.Block.Author)
	if err != nil {
		return false, err
	}
	sig, err := bls.DeserializeSignature(b.Signature)
	if err != nil {
		return false, err
	}
	blockHash, err := b.Hash()
	if err != nil {
		return false, err
	}
	return bls.VerifySig(pub, blockHash[:], sig, bls.DomainSidechainBlock)
}
