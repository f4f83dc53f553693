package stores

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/thephez/yappr-sub006/pkg/feed"
)

func NewInMemoryStateStore() *InMemoryStateStore {
	return &InMemoryStateStore{
		owners:    make(map[string][]byte),
		followers: make(map[string][]byte),
	}
}

// InMemoryStateStore keeps owner and follower state in process memory.
// Snapshots round-trip through CBOR so callers never share memory with the
// store.
type InMemoryStateStore struct {
	owners    map[string][]byte
	followers map[string][]byte
	mutexLock sync.RWMutex
}

func (i *InMemoryStateStore) SaveOwner(snap *feed.OwnerSnapshot) error {
	encoded, err := cbor.Marshal(snap)
	if err != nil {
		return err
	}
	i.mutexLock.Lock()
	i.owners[snap.OwnerID] = encoded
	i.mutexLock.Unlock()
	return nil
}

func (i *InMemoryStateStore) LoadOwner(ownerID string) (*feed.OwnerSnapshot, error) {
	i.mutexLock.RLock()
	encoded, ok := i.owners[ownerID]
	i.mutexLock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: owner %q", ErrNoState, ownerID)
	}

	snap := new(feed.OwnerSnapshot)
	if err := cbor.Unmarshal(encoded, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (i *InMemoryStateStore) SaveFollower(snap *feed.FollowerSnapshot) error {
	encoded, err := cbor.Marshal(snap)
	if err != nil {
		return err
	}
	i.mutexLock.Lock()
	i.followers[followerKey(snap.OwnerID, snap.FollowerID)] = encoded
	i.mutexLock.Unlock()
	return nil
}

func (i *InMemoryStateStore) LoadFollower(ownerID, followerID string) (*feed.FollowerSnapshot, error) {
	i.mutexLock.RLock()
	encoded, ok := i.followers[followerKey(ownerID, followerID)]
	i.mutexLock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: follower %q of %q", ErrNoState, followerID, ownerID)
	}

	snap := new(feed.FollowerSnapshot)
	if err := cbor.Unmarshal(encoded, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func followerKey(ownerID, followerID string) string {
	return ownerID + "/" + followerID
}
