package stores

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/thephez/yappr-sub006/pkg/feed"
)

const (
	metadataBucket = "metadata"
	versionKey     = "version"

	ownersBucket    = "owners"
	followersBucket = "followers"

	stateStoreVersion = 0
)

// BoltStateStore persists owner and follower state in a single bbolt file.
// Values are CBOR-encoded snapshots keyed by identity.
type BoltStateStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if necessary) a state store at the given path.
func OpenBolt(path string) (*BoltStateStore, error) {
	const fileMode = 0600

	db, err := bolt.Open(path, fileMode, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if raw := meta.Get([]byte(versionKey)); raw != nil {
			if len(raw) != 8 || binary.LittleEndian.Uint64(raw) != stateStoreVersion {
				return fmt.Errorf("stores: incompatible state store version")
			}
		} else {
			var version [8]byte
			binary.LittleEndian.PutUint64(version[:], stateStoreVersion)
			if err := meta.Put([]byte(versionKey), version[:]); err != nil {
				return err
			}
		}

		if _, err := tx.CreateBucketIfNotExists([]byte(ownersBucket)); err != nil {
			return err
		}
		_, err = tx.CreateBucketIfNotExists([]byte(followersBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStateStore{db: db}, nil
}

// Close releases the underlying database.
func (s *BoltStateStore) Close() error {
	return s.db.Close()
}

func (s *BoltStateStore) SaveOwner(snap *feed.OwnerSnapshot) error {
	return s.put(ownersBucket, []byte(snap.OwnerID), snap)
}

func (s *BoltStateStore) LoadOwner(ownerID string) (*feed.OwnerSnapshot, error) {
	snap := new(feed.OwnerSnapshot)
	if err := s.get(ownersBucket, []byte(ownerID), snap, "owner "+ownerID); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *BoltStateStore) SaveFollower(snap *feed.FollowerSnapshot) error {
	return s.put(followersBucket, []byte(followerKey(snap.OwnerID, snap.FollowerID)), snap)
}

func (s *BoltStateStore) LoadFollower(ownerID, followerID string) (*feed.FollowerSnapshot, error) {
	snap := new(feed.FollowerSnapshot)
	key := []byte(followerKey(ownerID, followerID))
	if err := s.get(followersBucket, key, snap, "follower "+followerID); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *BoltStateStore) put(bucket string, key []byte, v interface{}) error {
	encoded, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put(key, encoded)
	})
}

func (s *BoltStateStore) get(bucket string, key []byte, v interface{}, what string) error {
	return s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucket)).Get(key)
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrNoState, what)
		}
		return cbor.Unmarshal(raw, v)
	})
}
