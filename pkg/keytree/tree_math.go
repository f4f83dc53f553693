package keytree

import (
	"math/bits"
)

// NodeID addresses a node in a fixed complete binary tree using heap
// numbering: the root is 1, the children of node i are 2i and 2i+1, and the
// leaves of a tree with capacity c occupy ids c..2c-1. Zero is never a valid
// node id.
type NodeID uint32

// RootID is the id of the tree root.
const RootID NodeID = 1

// Level returns the node's distance from the root. The root is level 0 and
// the leaves of a capacity-c tree are level log2(c).
func (n NodeID) Level() int {
	if n == 0 {
		panic("keytree: zero node id")
	}
	return bits.Len32(uint32(n)) - 1
}

// Parent returns the node's parent, or the root itself for the root.
func (n NodeID) Parent() NodeID {
	if n <= RootID {
		return RootID
	}
	return n >> 1
}

// isPowerOfTwo reports whether c is a power of two.
func isPowerOfTwo(c int) bool {
	return c > 0 && c&(c-1) == 0
}

// depthFor returns log2(capacity), the number of edges from a leaf to the
// root.
func depthFor(capacity int) int {
	return bits.Len32(uint32(capacity)) - 1
}

// nodeCount returns the total number of nodes in a complete tree with the
// given leaf capacity.
func nodeCount(capacity int) int {
	return 2*capacity - 1
}

// assertSlot panics if the leaf slot is outside [0, capacity).
func assertSlot(slot, capacity int) {
	if slot < 0 || slot >= capacity {
		panic("keytree: leaf slot out of range")
	}
}
