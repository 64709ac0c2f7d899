// Package merkle implements the sparse Merkle tree over contract
// slots whose root names a commit.
//
// The tree has arity 4 and height 17. A contract occupies the slot
// derived from its id by Position; its leaf digest binds the id, the
// hash of its memory pages, and the memory bitness. Empty leaves and
// empty subtrees hash to fixed zero digests, so the root is purely a
// function of the set of (id, memory-hash, bitness) tuples and is
// insensitive to insertion order.
package merkle

import (
	"encoding/binary"

	"lukechampine.com/blake3"

	"github.com/govm-net/pagevm/types"
)

const (
	// Arity is the number of children of every internal node.
	Arity = 4
	// Height is the number of levels between the root and the leaves.
	Height = 17
)

// zeroHashes[l] is the digest of an empty subtree with its leaves at
// distance l. zeroHashes[0] is the fixed zero leaf.
var zeroHashes [Height + 1]types.Hash

func init() {
	for l := 1; l <= Height; l++ {
		var buf [Arity * 32]byte
		for i := 0; i < Arity; i++ {
			copy(buf[i*32:], zeroHashes[l-1][:])
		}
		zeroHashes[l] = types.Hash(blake3.Sum256(buf[:]))
	}
}

// Position returns the leaf slot of a contract. The 32-byte id is
// split into eight little-endian u32 chunks which are summed with
// wrapping. Distinct ids may collide; callers reject collisions at
// deploy time.
func Position(id types.ContractId) uint64 {
	var pos uint32
	for i := 0; i < len(id); i += 4 {
		pos += binary.LittleEndian.Uint32(id[i : i+4])
	}
	return uint64(pos)
}

// LeafHash computes the leaf digest of a contract slot.
func LeafHash(id types.ContractId, memHash types.Hash, bitness types.Bitness) types.Hash {
	h := blake3.New(32, nil)
	h.Write(id[:])
	h.Write(memHash[:])
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(bitness))
	h.Write(b[:])
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

type node struct {
	children [Arity]*node
	hash     types.Hash
}

// Tree is a sparse arity-4 Merkle tree of fixed height. The zero
// value is not usable; construct with New.
type Tree struct {
	root   *node
	leaves map[uint64]types.Hash
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{leaves: make(map[uint64]types.Hash)}
}

// Insert sets the leaf at the given slot, recomputing the digests on
// the path to the root.
func (t *Tree) Insert(slot uint64, leaf types.Hash) {
	t.leaves[slot] = leaf
	if t.root == nil {
		t.root = &node{}
	}

	// Walk down the path, materialising nodes.
	path := make([]*node, Height+1)
	path[0] = t.root
	n := t.root
	for level := 0; level < Height; level++ {
		d := digit(slot, level)
		if n.children[d] == nil {
			n.children[d] = &node{}
		}
		n = n.children[d]
		path[level+1] = n
	}
	n.hash = leaf

	// Recompute digests bottom-up.
	for level := Height - 1; level >= 0; level-- {
		parent := path[level]
		parent.hash = hashChildren(parent, Height-level-1)
	}
}

// Leaf returns the leaf digest at the given slot and whether the slot
// is occupied.
func (t *Tree) Leaf(slot uint64) (types.Hash, bool) {
	h, ok := t.leaves[slot]
	return h, ok
}

// Leaves calls fn for every occupied slot.
func (t *Tree) Leaves(fn func(slot uint64, leaf types.Hash)) {
	for slot, leaf := range t.leaves {
		fn(slot, leaf)
	}
}

// Len returns the number of occupied slots.
func (t *Tree) Len() int {
	return len(t.leaves)
}

// Root returns the root digest of the tree.
func (t *Tree) Root() types.Hash {
	if t.root == nil {
		return zeroHashes[Height]
	}
	return t.root.hash
}

// digit returns the child index taken at the given level on the path
// from the root to slot. Level 0 is the root.
func digit(slot uint64, level int) int {
	shift := uint(2 * (Height - 1 - level))
	return int((slot >> shift) & (Arity - 1))
}

// hashChildren digests the children of an internal node whose
// children head subtrees of the given depth.
func hashChildren(n *node, childDepth int) types.Hash {
	h := blake3.New(32, nil)
	for i := 0; i < Arity; i++ {
		if c := n.children[i]; c != nil {
			h.Write(c.hash[:])
		} else {
			h.Write(zeroHashes[childDepth][:])
		}
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Opening is a Merkle path proving a leaf under a root. Branch[l]
// holds the digests of the four children of the path node at level l,
// root first.
type Opening struct {
	Slot   uint64
	Branch [Height][Arity]types.Hash
}

// Opening extracts the proof path for the given slot. The slot does
// not need to be occupied; the opening then proves the zero leaf.
func (t *Tree) Opening(slot uint64) Opening {
	op := Opening{Slot: slot}
	n := t.root
	for level := 0; level < Height; level++ {
		depth := Height - level - 1
		for i := 0; i < Arity; i++ {
			if n != nil && n.children[i] != nil {
				op.Branch[level][i] = n.children[i].hash
			} else {
				op.Branch[level][i] = zeroHashes[depth]
			}
		}
		if n != nil {
			n = n.children[digit(slot, level)]
		}
	}
	return op
}

// Verify checks the opening against a root and a leaf digest.
func (op *Opening) Verify(root, leaf types.Hash) bool {
	cur := leaf
	for level := Height - 1; level >= 0; level-- {
		row := op.Branch[level]
		if row[digit(op.Slot, level)] != cur {
			return false
		}
		h := blake3.New(32, nil)
		for i := 0; i < Arity; i++ {
			h.Write(row[i][:])
		}
		copy(cur[:], h.Sum(nil))
	}
	return cur == root
}
