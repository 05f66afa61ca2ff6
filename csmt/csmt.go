package csmt

import (
	"github.com/phoreproject/sidechain/chainhash"
)

const treeDepth = 256

func combineHashes(left *chainhash.Hash, right *chainhash.Hash) chainhash.Hash {
	return chainhash.HashConcat(left[:], right[:])
}

var emptyHash = chainhash.Hash{}
var emptyTrees [treeDepth + 1]chainhash.Hash

// EmptyTree is the hash of an empty tree.
var EmptyTree = chainhash.Hash{}

func init() {
	emptyTrees[0] = emptyHash
	for i := range emptyTrees[1:] {
		emptyTrees[i+1] = combineHashes(&emptyTrees[i], &emptyTrees[i])
	}

	EmptyTree = emptyTrees[treeDepth]
}

// isRight checks if the key is in the right subtree of a node at level bit+1.
func isRight(key chainhash.Hash, bit int) bool {
	return key[bit/8]&(1<<uint(bit%8)) != 0
}

type leaf struct {
	key   chainhash.Hash
	value chainhash.Hash
}

// calculateSubtreeHashWithOneLeaf calculates the hash of a subtree with only a single leaf at a certain height.
// atLevel is the height to calculate at.
func calculateSubtreeHashWithOneLeaf(key *chainhash.Hash, value *chainhash.Hash, atLevel int) chainhash.Hash {
	h := *value

	for i := 0; i < atLevel; i++ {
		// the key is in the right subtree
		if isRight(*key, i) {
			h = combineHashes(&emptyTrees[i], &h)
		} else {
			h = combineHashes(&h, &emptyTrees[i])
		}
	}

	return h
}

func subtreeRoot(leaves []leaf, level int) chainhash.Hash {
	switch len(leaves) {
	case 0:
		return emptyTrees[level]
	case 1:
		return calculateSubtreeHashWithOneLeaf(&leaves[0].key, &leaves[0].value, level)
	}

	left := make([]leaf, 0, len(leaves))
	right := make([]leaf, 0, len(leaves))
	for _, l := range leaves {
		if isRight(l.key, level-1) {
			right = append(right, l)
		} else {
			left = append(left, l)
		}
	}

	lh := subtreeRoot(left, level-1)
	rh := subtreeRoot(right, level-1)
	return combineHashes(&lh, &rh)
}

// Root calculates the root of the sparse merkle tree containing every key with
// its value hash. The root does not depend on map iteration order.
func Root(kv map[chainhash.Hash]chainhash.Hash) chainhash.Hash {
	leaves := make([]leaf, 0, len(kv))
	for k, v := range kv {
		leaves = append(leaves, leaf{key: k, value: v})
	}
	return subtreeRoot(leaves, treeDepth)
}
