package keytree

// Snapshot is a serializable copy of a tree's full state, used by the local
// owner-state stores. It carries the complete version history of every node
// so a restored tree can still answer KeyAt queries for lagging followers.
type Snapshot struct {
	Capacity  int
	Nodes     map[NodeID][]KeyVersion
	Occupants map[int]string
}

// Snapshot returns a deep copy of the tree state.
func (t *Tree) Snapshot() *Snapshot {
	s := &Snapshot{
		Capacity:  t.capacity,
		Nodes:     make(map[NodeID][]KeyVersion, len(t.nodes)),
		Occupants: make(map[int]string, len(t.occupants)),
	}
	for id, history := range t.nodes {
		s.Nodes[id] = append([]KeyVersion(nil), history...)
	}
	for slot, follower := range t.occupants {
		s.Occupants[slot] = follower
	}
	return s
}

// FromSnapshot rebuilds a tree from a snapshot.
func FromSnapshot(s *Snapshot) (*Tree, error) {
	t, err := New(s.Capacity)
	if err != nil {
		return nil, err
	}

	for id, history := range s.Nodes {
		if err := t.checkNode(id); err != nil {
			return nil, err
		}
		t.nodes[id] = append([]KeyVersion(nil), history...)
	}
	for slot, follower := range s.Occupants {
		assertSlot(slot, s.Capacity)
		t.occupants[slot] = follower
		t.byFollower[follower] = slot
	}
	return t, nil
}
