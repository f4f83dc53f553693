// Package keytree implements the owner-side logical key hierarchy: a complete
// binary tree with a fixed number of leaf slots, where every node carries an
// append-only history of versioned random symmetric keys. A follower assigned
// to a leaf holds the keys on the path from that leaf to the root; revoking a
// follower replaces exactly the keys on that path.
package keytree

import (
	"crypto/rand"
	"errors"
	"fmt"
)

// KeySize is the size of every node key in bytes.
const KeySize = 32

// DefaultCapacity is the leaf count used when a feed does not override it.
const DefaultCapacity = 1024

var (
	// ErrCapacityExhausted is returned by AllocateSlot when every leaf slot
	// is occupied.
	ErrCapacityExhausted = errors.New("keytree: capacity exhausted")

	// ErrNoSibling is returned by Sibling for the root node.
	ErrNoSibling = errors.New("keytree: root has no sibling")

	// ErrUnknownNode is returned for node ids outside the tree.
	ErrUnknownNode = errors.New("keytree: unknown node id")
)

// KeyVersion is one entry in a node's key history. Versions start at 1 and
// only the highest version is current, but older versions stay addressable so
// that lagging followers can still be pointed at the exact version they hold.
type KeyVersion struct {
	Version uint32
	Key     [KeySize]byte
}

// Tree is the owner's authoritative key tree. It is not safe for concurrent
// use; the feed owner serializes mutations (see pkg/feed).
type Tree struct {
	capacity int
	depth    int

	// nodes[id] is the append-only version history for that node. Every node
	// in the tree is populated with a version-1 key at creation time.
	nodes map[NodeID][]KeyVersion

	occupants  map[int]string // leaf slot -> follower id
	byFollower map[string]int // follower id -> leaf slot
}

// New creates a tree with the given leaf capacity (a power of two, at least
// two) and generates a fresh version-1 key for every node.
func New(capacity int) (*Tree, error) {
	if capacity < 2 || !isPowerOfTwo(capacity) {
		return nil, fmt.Errorf("keytree: capacity must be a power of two >= 2, got %d", capacity)
	}

	t := &Tree{
		capacity:   capacity,
		depth:      depthFor(capacity),
		nodes:      make(map[NodeID][]KeyVersion, nodeCount(capacity)),
		occupants:  make(map[int]string),
		byFollower: make(map[string]int),
	}

	for id := NodeID(1); int(id) <= nodeCount(capacity); id++ {
		key, err := randomKey()
		if err != nil {
			return nil, err
		}
		t.nodes[id] = []KeyVersion{{Version: 1, Key: key}}
	}

	return t, nil
}

// Capacity returns the number of leaf slots.
func (t *Tree) Capacity() int {
	return t.capacity
}

// Depth returns the number of edges from a leaf to the root (log2 of the
// capacity).
func (t *Tree) Depth() int {
	return t.depth
}

// LeafID returns the node id of the given leaf slot.
func (t *Tree) LeafID(slot int) NodeID {
	assertSlot(slot, t.capacity)
	return NodeID(t.capacity + slot)
}

// PathToRoot returns the node ids from the slot's leaf up to and including
// the root, leaf first. The list always has Depth()+1 entries.
func (t *Tree) PathToRoot(slot int) []NodeID {
	assertSlot(slot, t.capacity)

	path := make([]NodeID, 0, t.depth+1)
	n := t.LeafID(slot)
	for {
		path = append(path, n)
		if n == RootID {
			return path
		}
		n = n.Parent()
	}
}

// Sibling returns the other child of the node's parent. Only the root has no
// sibling.
func (t *Tree) Sibling(id NodeID) (NodeID, error) {
	if err := t.checkNode(id); err != nil {
		return 0, err
	}
	if id == RootID {
		return 0, ErrNoSibling
	}
	return id ^ 1, nil
}

// AllocateSlot assigns the lowest free leaf slot to the follower. Allocation
// does not touch any key material.
func (t *Tree) AllocateSlot(followerID string) (int, error) {
	if slot, ok := t.byFollower[followerID]; ok {
		return slot, fmt.Errorf("keytree: follower %q already occupies slot %d", followerID, slot)
	}

	for slot := 0; slot < t.capacity; slot++ {
		if _, occupied := t.occupants[slot]; !occupied {
			t.occupants[slot] = followerID
			t.byFollower[followerID] = slot
			return slot, nil
		}
	}
	return 0, ErrCapacityExhausted
}

// SlotOf returns the slot occupied by the follower, if any.
func (t *Tree) SlotOf(followerID string) (int, bool) {
	slot, ok := t.byFollower[followerID]
	return slot, ok
}

// Occupant returns the follower occupying the slot, if any.
func (t *Tree) Occupant(slot int) (string, bool) {
	assertSlot(slot, t.capacity)
	id, ok := t.occupants[slot]
	return id, ok
}

// Occupied returns the number of occupied leaf slots.
func (t *Tree) Occupied() int {
	return len(t.occupants)
}

// ReleaseSlot clears the slot's occupant. Key versions are untouched; the
// version bumps for a revocation happen through StageKey and CommitKey as
// part of the rekey pass, not here.
func (t *Tree) ReleaseSlot(slot int) {
	assertSlot(slot, t.capacity)
	if id, ok := t.occupants[slot]; ok {
		delete(t.byFollower, id)
		delete(t.occupants, slot)
	}
}

// CurrentKey returns the highest key version of the node.
func (t *Tree) CurrentKey(id NodeID) (KeyVersion, error) {
	if err := t.checkNode(id); err != nil {
		return KeyVersion{}, err
	}
	history := t.nodes[id]
	return history[len(history)-1], nil
}

// KeyAt returns the node's key at a specific version.
func (t *Tree) KeyAt(id NodeID, version uint32) (KeyVersion, bool) {
	history, ok := t.nodes[id]
	if !ok {
		return KeyVersion{}, false
	}
	// Versions are appended in order starting at 1.
	idx := int(version) - 1
	if idx < 0 || idx >= len(history) {
		return KeyVersion{}, false
	}
	return history[idx], true
}

// StageKey generates the node's next key version without recording it. A
// rekey stages every refreshed key, publishes the packets, and only then
// commits; if publication fails the owner's current versions stay in step
// with what followers hold.
func (t *Tree) StageKey(id NodeID) (KeyVersion, error) {
	if err := t.checkNode(id); err != nil {
		return KeyVersion{}, err
	}

	key, err := randomKey()
	if err != nil {
		return KeyVersion{}, err
	}

	history := t.nodes[id]
	return KeyVersion{Version: history[len(history)-1].Version + 1, Key: key}, nil
}

// CommitKey appends a staged key as the node's new current version. The
// staged version must be exactly one past the current one.
func (t *Tree) CommitKey(id NodeID, kv KeyVersion) error {
	if err := t.checkNode(id); err != nil {
		return err
	}

	history := t.nodes[id]
	if kv.Version != history[len(history)-1].Version+1 {
		return fmt.Errorf("keytree: committing version %d over current %d at node %d",
			kv.Version, history[len(history)-1].Version, id)
	}
	t.nodes[id] = append(history, kv)
	return nil
}

// BumpKey stages and immediately commits a fresh key for the node.
func (t *Tree) BumpKey(id NodeID) (KeyVersion, error) {
	kv, err := t.StageKey(id)
	if err != nil {
		return KeyVersion{}, err
	}
	if err := t.CommitKey(id, kv); err != nil {
		return KeyVersion{}, err
	}
	return kv, nil
}

func (t *Tree) checkNode(id NodeID) error {
	if id == 0 || int(id) > nodeCount(t.capacity) {
		return fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return nil
}

func randomKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, err
	}
	return key, nil
}
