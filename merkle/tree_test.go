package merkle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/govm-net/pagevm/types"
)

func id(b byte) types.ContractId {
	var out types.ContractId
	for i := range out {
		out[i] = b
	}
	return out
}

func hash(b byte) types.Hash {
	var out types.Hash
	for i := range out {
		out[i] = b
	}
	return out
}

func TestEmptyRoot(t *testing.T) {
	a, b := New(), New()
	assert.Equal(t, a.Root(), b.Root())
	assert.NotEqual(t, types.Hash{}, a.Root())
}

func TestInsertChangesRoot(t *testing.T) {
	tree := New()
	empty := tree.Root()

	tree.Insert(Position(id(1)), LeafHash(id(1), hash(9), types.Mem32))
	assert.NotEqual(t, empty, tree.Root())
}

func TestInsertionOrderInsensitive(t *testing.T) {
	entries := []struct {
		id  types.ContractId
		mem types.Hash
	}{
		{id(1), hash(10)},
		{id(2), hash(20)},
		{id(3), hash(30)},
		{id(4), hash(40)},
	}

	a := New()
	for _, e := range entries {
		a.Insert(Position(e.id), LeafHash(e.id, e.mem, types.Mem32))
	}

	b := New()
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		b.Insert(Position(e.id), LeafHash(e.id, e.mem, types.Mem32))
	}

	assert.Equal(t, a.Root(), b.Root())
}

func TestUpdateLeaf(t *testing.T) {
	tree := New()
	slot := Position(id(1))

	tree.Insert(slot, LeafHash(id(1), hash(10), types.Mem32))
	before := tree.Root()

	tree.Insert(slot, LeafHash(id(1), hash(11), types.Mem32))
	assert.NotEqual(t, before, tree.Root())

	tree.Insert(slot, LeafHash(id(1), hash(10), types.Mem32))
	assert.Equal(t, before, tree.Root())
}

func TestBitnessChangesLeaf(t *testing.T) {
	a := LeafHash(id(1), hash(10), types.Mem32)
	b := LeafHash(id(1), hash(10), types.Mem64)
	assert.NotEqual(t, a, b)
}

func TestPositionDeterministic(t *testing.T) {
	assert.Equal(t, Position(id(7)), Position(id(7)))

	// The position is the wrapping sum of the eight u32 chunks.
	var one types.ContractId
	one[0] = 1
	assert.Equal(t, uint64(1), Position(one))

	var hi types.ContractId
	hi[4] = 2
	assert.Equal(t, uint64(2), Position(hi))
}

func TestLeavesRoundTrip(t *testing.T) {
	tree := New()
	for b := byte(1); b <= 5; b++ {
		tree.Insert(Position(id(b)), LeafHash(id(b), hash(b), types.Mem32))
	}
	require.Equal(t, 5, tree.Len())

	rebuilt := New()
	tree.Leaves(func(slot uint64, leaf types.Hash) {
		rebuilt.Insert(slot, leaf)
	})
	assert.Equal(t, tree.Root(), rebuilt.Root())
}

func TestOpening(t *testing.T) {
	tree := New()
	for b := byte(1); b <= 8; b++ {
		tree.Insert(Position(id(b)), LeafHash(id(b), hash(b), types.Mem32))
	}

	slot := Position(id(3))
	leaf := LeafHash(id(3), hash(3), types.Mem32)
	op := tree.Opening(slot)

	assert.True(t, op.Verify(tree.Root(), leaf))
	assert.False(t, op.Verify(tree.Root(), LeafHash(id(3), hash(4), types.Mem32)))

	other := New()
	assert.False(t, op.Verify(other.Root(), leaf))
}

func TestOpeningEmptySlot(t *testing.T) {
	tree := New()
	tree.Insert(Position(id(1)), LeafHash(id(1), hash(1), types.Mem32))

	slot := Position(id(2))
	op := tree.Opening(slot)
	assert.True(t, op.Verify(tree.Root(), types.Hash{}))
}
