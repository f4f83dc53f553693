// Package stores provides the local persistence the protocol requires: the
// owner's authoritative tree/epoch state and each follower's cached path
// keys and epoch. Both in-memory and bbolt-backed implementations are
// provided; the on-chain documents themselves live behind feed.Ledger, not
// here.
package stores

import (
	"errors"

	"github.com/thephez/yappr-sub006/pkg/feed"
)

// ErrNoState is returned when a store holds no state for the requested
// identity.
var ErrNoState = errors.New("stores: no saved state")

// OwnerStateStore persists the owner's authoritative feed state.
type OwnerStateStore interface {
	SaveOwner(snap *feed.OwnerSnapshot) error
	LoadOwner(ownerID string) (*feed.OwnerSnapshot, error)
}

// FollowerCacheStore persists a follower's cached epoch and path keys.
type FollowerCacheStore interface {
	SaveFollower(snap *feed.FollowerSnapshot) error
	LoadFollower(ownerID, followerID string) (*feed.FollowerSnapshot, error)
}
