package keytree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadCapacity(t *testing.T) {
	for _, capacity := range []int{0, 1, 3, 5, 6, 7, 100} {
		_, err := New(capacity)
		assert.Errorf(t, err, "capacity %d should be rejected", capacity)
	}
}

func TestTreeMath(t *testing.T) {
	for capacity := 2; capacity <= 64; capacity *= 2 {
		tree, err := New(capacity)
		require.Nil(t, err)

		assert.Equal(t, capacity, tree.Capacity())

		for slot := 0; slot < capacity; slot++ {
			path := tree.PathToRoot(slot)
			assert.Len(t, path, tree.Depth()+1, "path length for slot %d", slot)
			assert.Equal(t, tree.LeafID(slot), path[0])
			assert.Equal(t, RootID, path[len(path)-1])

			// Each entry is the parent of the previous one, one level up.
			for i := 1; i < len(path); i++ {
				assert.Equal(t, path[i-1].Parent(), path[i])
				assert.Equal(t, path[i-1].Level()-1, path[i].Level())
			}
		}
	}
}

func TestSibling(t *testing.T) {
	tree, err := New(4)
	require.Nil(t, err)

	_, err = tree.Sibling(RootID)
	assert.ErrorIs(t, err, ErrNoSibling)

	// Siblings are mutual and share a parent.
	for _, id := range []NodeID{2, 3, 4, 5, 6, 7} {
		sib, err := tree.Sibling(id)
		require.Nil(t, err)
		back, err := tree.Sibling(sib)
		require.Nil(t, err)
		assert.Equal(t, id, back)
		assert.Equal(t, id.Parent(), sib.Parent())
		assert.NotEqual(t, id, sib)
	}

	_, err = tree.Sibling(NodeID(8))
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestAllocateSlotLowestFree(t *testing.T) {
	tree, err := New(4)
	require.Nil(t, err)

	followers := []string{"w", "x", "y", "z"}
	for want, id := range followers {
		slot, err := tree.AllocateSlot(id)
		require.Nil(t, err)
		assert.Equal(t, want, slot, "allocation is lowest-free and deterministic")
	}

	_, err = tree.AllocateSlot("overflow")
	assert.ErrorIs(t, err, ErrCapacityExhausted)
	assert.Equal(t, 4, tree.Occupied())

	// Releasing a middle slot makes exactly that slot available again.
	tree.ReleaseSlot(1)
	slot, err := tree.AllocateSlot("v")
	require.Nil(t, err)
	assert.Equal(t, 1, slot)
}

func TestAllocateSlotRejectsDuplicateFollower(t *testing.T) {
	tree, err := New(4)
	require.Nil(t, err)

	first, err := tree.AllocateSlot("w")
	require.Nil(t, err)

	again, err := tree.AllocateSlot("w")
	assert.NotNil(t, err, "one follower must never occupy two leaves")
	assert.Equal(t, first, again)
	assert.Equal(t, 1, tree.Occupied())
}

func TestReleaseSlotKeepsKeys(t *testing.T) {
	tree, err := New(4)
	require.Nil(t, err)

	slot, err := tree.AllocateSlot("w")
	require.Nil(t, err)

	before, err := tree.CurrentKey(tree.LeafID(slot))
	require.Nil(t, err)

	tree.ReleaseSlot(slot)
	_, occupied := tree.Occupant(slot)
	assert.False(t, occupied)

	after, err := tree.CurrentKey(tree.LeafID(slot))
	require.Nil(t, err)
	assert.Equal(t, before, after, "release must not touch key versions")
}

func TestBumpKeyAppendsVersions(t *testing.T) {
	tree, err := New(8)
	require.Nil(t, err)

	v1, err := tree.CurrentKey(RootID)
	require.Nil(t, err)
	assert.Equal(t, uint32(1), v1.Version, "node keys start at version 1")

	v2, err := tree.BumpKey(RootID)
	require.Nil(t, err)
	assert.Equal(t, uint32(2), v2.Version)
	assert.NotEqual(t, v1.Key, v2.Key, "bumped key must be fresh randomness")

	current, err := tree.CurrentKey(RootID)
	require.Nil(t, err)
	assert.Equal(t, v2, current)

	// Old versions stay addressable for lagging followers.
	old, ok := tree.KeyAt(RootID, 1)
	assert.True(t, ok)
	assert.Equal(t, v1, old)

	_, ok = tree.KeyAt(RootID, 3)
	assert.False(t, ok)
}

func TestStageKeyDoesNotCommit(t *testing.T) {
	tree, err := New(8)
	require.Nil(t, err)

	before, err := tree.CurrentKey(RootID)
	require.Nil(t, err)

	staged, err := tree.StageKey(RootID)
	require.Nil(t, err)
	assert.Equal(t, uint32(2), staged.Version)

	// Staging alone leaves the current version untouched; a discarded stage
	// never becomes visible.
	current, err := tree.CurrentKey(RootID)
	require.Nil(t, err)
	assert.Equal(t, before, current)

	require.Nil(t, tree.CommitKey(RootID, staged))
	current, err = tree.CurrentKey(RootID)
	require.Nil(t, err)
	assert.Equal(t, staged, current)

	// Committing the same stage twice is a version mismatch.
	assert.NotNil(t, tree.CommitKey(RootID, staged))
}

func TestNodeKeysAreIndependent(t *testing.T) {
	tree, err := New(4)
	require.Nil(t, err)

	seen := make(map[[KeySize]byte]NodeID)
	for id := NodeID(1); id <= 7; id++ {
		kv, err := tree.CurrentKey(id)
		require.Nil(t, err)
		prev, dup := seen[kv.Key]
		assert.Falsef(t, dup, "nodes %d and %d share a key", prev, id)
		seen[kv.Key] = id
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	tree, err := New(4)
	require.Nil(t, err)

	_, err = tree.AllocateSlot("w")
	require.Nil(t, err)
	_, err = tree.AllocateSlot("x")
	require.Nil(t, err)
	_, err = tree.BumpKey(RootID)
	require.Nil(t, err)

	restored, err := FromSnapshot(tree.Snapshot())
	require.Nil(t, err)

	assert.Equal(t, tree.Occupied(), restored.Occupied())
	slot, ok := restored.SlotOf("x")
	assert.True(t, ok)
	assert.Equal(t, 1, slot)

	for id := NodeID(1); id <= 7; id++ {
		want, err := tree.CurrentKey(id)
		require.Nil(t, err)
		got, err := restored.CurrentKey(id)
		require.Nil(t, err)
		assert.Equalf(t, want, got, "node %d", id)
	}
}

func TestGrantReleaseChurn(t *testing.T) {
	tree, err := New(8)
	require.Nil(t, err)

	// Fill, drain and refill; occupancy bookkeeping must stay exact.
	for round := 0; round < 3; round++ {
		for i := 0; i < 8; i++ {
			slot, err := tree.AllocateSlot(fmt.Sprintf("r%d-f%d", round, i))
			require.Nil(t, err)
			assert.Equal(t, i, slot)
		}
		_, err = tree.AllocateSlot("extra")
		assert.ErrorIs(t, err, ErrCapacityExhausted)
		for i := 0; i < 8; i++ {
			tree.ReleaseSlot(i)
		}
		assert.Equal(t, 0, tree.Occupied())
	}
}
