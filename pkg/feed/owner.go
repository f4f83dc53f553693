// Package feed implements the private-feed key-management protocol: the
// owner side (feed creation, grants, revocations, post publication) and the
// follower side (grant opening, rekey catch-up, post decryption). The key
// tree and epoch chain live in pkg/keytree and pkg/epochchain; this package
// drives them and speaks to the public ledger through the Ledger interface.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/thephez/yappr-sub006/pkg/crypto"
	"github.com/thephez/yappr-sub006/pkg/epochchain"
	"github.com/thephez/yappr-sub006/pkg/keytree"
	"github.com/thephez/yappr-sub006/pkg/log"
)

const seedSize = 32

// Config carries the per-feed parameters fixed at creation time.
type Config struct {
	OwnerID  string
	Capacity int    // leaf slots; power of two; 0 means keytree.DefaultCapacity
	MaxEpoch uint32 // revocation budget; 0 means epochchain.DefaultMaxEpoch
	Ledger   Ledger
	Log      *logging.Logger // nil disables logging
}

func (c *Config) fill() error {
	if c.OwnerID == "" {
		return fmt.Errorf("feed: owner id is required")
	}
	if c.Ledger == nil {
		return fmt.Errorf("feed: ledger is required")
	}
	if c.Capacity == 0 {
		c.Capacity = keytree.DefaultCapacity
	}
	if c.MaxEpoch == 0 {
		c.MaxEpoch = epochchain.DefaultMaxEpoch
	}
	if c.Log == nil {
		c.Log = log.Disabled("feed/owner")
	}
	return nil
}

// Owner is the authoritative state of one feed: the key tree, the epoch
// chain and the current epoch. Grants and revokes for the same feed mutate
// that state and are serialized behind a single mutex; nothing else in the
// system takes locks.
type Owner struct {
	mu sync.Mutex

	cfg  Config
	keys *crypto.KeyPair
	seed []byte

	tree  *keytree.Tree
	chain *epochchain.Chain
	epoch uint32
}

// CreateFeed generates a fresh key tree, seed and epoch chain for the owner
// and publishes the feed record, including the seed backup encrypted to the
// owner's own key.
func CreateFeed(ctx context.Context, cfg Config, ownerKeys *crypto.KeyPair) (*Owner, error) {
	if err := cfg.fill(); err != nil {
		return nil, err
	}

	o := &Owner{cfg: cfg, keys: ownerKeys}
	if err := o.initState(); err != nil {
		return nil, err
	}
	if err := o.publishRecord(ctx); err != nil {
		return nil, err
	}

	cfg.Log.Infof("feed %s created: capacity=%d maxEpoch=%d", cfg.OwnerID, cfg.Capacity, cfg.MaxEpoch)
	return o, nil
}

func (o *Owner) initState() error {
	seed, err := crypto.RandomBytes(seedSize)
	if err != nil {
		return err
	}

	chain, err := epochchain.FromSeed(seed, o.cfg.MaxEpoch)
	if err != nil {
		return err
	}

	tree, err := keytree.New(o.cfg.Capacity)
	if err != nil {
		return err
	}

	o.seed = seed
	o.chain = chain
	o.tree = tree
	o.epoch = 1
	return nil
}

func (o *Owner) publishRecord(ctx context.Context) error {
	backup, err := crypto.EncryptTo(o.keys.Public, o.seed)
	if err != nil {
		return err
	}
	return o.cfg.Ledger.PublishFeed(ctx, &FeedRecord{
		OwnerID:             o.cfg.OwnerID,
		Capacity:            o.cfg.Capacity,
		MaxEpoch:            o.cfg.MaxEpoch,
		EncryptedSeedBackup: backup,
		CreatedAt:           time.Now().UTC(),
	})
}

// OwnerID returns the feed's owner identity.
func (o *Owner) OwnerID() string {
	return o.cfg.OwnerID
}

// CurrentEpoch returns the feed's current epoch.
func (o *Owner) CurrentEpoch() uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.epoch
}

// Followers returns the number of occupied leaf slots.
func (o *Owner) Followers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tree.Occupied()
}

// Grant approves a follower: it assigns the lowest free leaf slot, bundles
// the slot's current path keys with the current CEK and epoch, encrypts the
// bundle to the follower's public key and publishes the grant. A repeated
// grant for a follower who already occupies a slot is idempotent and returns
// the previously published grant. Capacity exhaustion fails before any state
// changes.
func (o *Owner) Grant(ctx context.Context, followerID string, followerPub [crypto.PublicKeySize]byte) (*Grant, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.tree.SlotOf(followerID); ok {
		existing, err := o.cfg.Ledger.GrantFor(ctx, o.cfg.OwnerID, followerID)
		if err != nil {
			return nil, fmt.Errorf("feed: follower %q already granted but grant unavailable: %w", followerID, err)
		}
		return existing, nil
	}

	slot, err := o.tree.AllocateSlot(followerID)
	if err != nil {
		return nil, err
	}

	grant, err := o.buildGrant(slot, followerID, followerPub)
	if err == nil {
		err = o.cfg.Ledger.PublishGrant(ctx, grant)
	}
	if err != nil {
		// No partial grants: the slot goes back on any failure.
		o.tree.ReleaseSlot(slot)
		return nil, err
	}

	o.cfg.Log.Infof("feed %s: granted %q leaf slot %d at epoch %d", o.cfg.OwnerID, followerID, slot, o.epoch)
	return grant, nil
}

func (o *Owner) buildGrant(slot int, followerID string, followerPub [crypto.PublicKeySize]byte) (*Grant, error) {
	cek, err := o.chain.CEK(o.epoch)
	if err != nil {
		return nil, err
	}

	path := o.tree.PathToRoot(slot)
	entries := make([]pathKeyEntry, 0, len(path))
	for _, id := range path {
		kv, err := o.tree.CurrentKey(id)
		if err != nil {
			return nil, err
		}
		entries = append(entries, pathKeyEntry{Node: uint32(id), Version: kv.Version, Key: kv.Key})
	}

	plaintext, err := encodeBundle(&grantBundle{
		Epoch:    o.epoch,
		CEK:      cek,
		PathKeys: entries,
	})
	if err != nil {
		return nil, err
	}

	sealed, err := crypto.EncryptTo(followerPub, plaintext)
	if err != nil {
		return nil, err
	}

	return &Grant{
		OwnerID:         o.cfg.OwnerID,
		LeafSlot:        slot,
		RecipientID:     followerID,
		EncryptedBundle: sealed,
		GrantedAtEpoch:  o.epoch,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// Revoke removes a follower and advances the feed one epoch. Every node key
// on the revoked leaf's path to the root is replaced, and the published
// rekey document carries the packets that let each surviving follower
// relearn the refreshed keys through a sibling key it already holds, ending
// with the new CEK under the new root key. The revoked leaf can decrypt none
// of the packets.
//
// The document is published as a single write keyed on the target epoch;
// if a document for that epoch already exists the revoke fails with
// ErrAlreadyPublished and no local state changes, which makes retries after
// ambiguous publish failures safe.
func (o *Owner) Revoke(ctx context.Context, followerID string) (*RekeyDocument, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	slot, ok := o.tree.SlotOf(followerID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoActiveGrant, followerID)
	}

	if o.epoch >= o.chain.MaxEpoch() {
		return nil, epochchain.ErrEpochExhausted
	}
	newEpoch := o.epoch + 1

	// Check-before-write keeps epoch advancement idempotent: a retry after
	// an ambiguous publish outcome must not double-advance. A ledger failure
	// here is not "no document": publishing into an unknown ledger state is
	// refused.
	switch _, err := o.cfg.Ledger.RekeyAt(ctx, o.cfg.OwnerID, newEpoch); {
	case err == nil:
		return nil, fmt.Errorf("%w: rekey for epoch %d", ErrAlreadyPublished, newEpoch)
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("feed: checking for rekey at epoch %d: %w", newEpoch, err)
	}

	doc, staged, err := o.buildRekey(slot, newEpoch)
	if err != nil {
		return nil, err
	}

	if err := o.cfg.Ledger.PublishRekey(ctx, doc); err != nil {
		// The staged keys are discarded without being committed, so the
		// tree's current versions still match what followers hold.
		return nil, err
	}
	for _, sk := range staged {
		if err := o.tree.CommitKey(sk.node, sk.kv); err != nil {
			return nil, err
		}
	}
	if err := o.cfg.Ledger.RetireGrant(ctx, o.cfg.OwnerID, followerID); err != nil {
		o.cfg.Log.Warningf("feed %s: retiring grant for %q: %v", o.cfg.OwnerID, followerID, err)
	}

	o.tree.ReleaseSlot(slot)
	o.epoch = newEpoch

	o.cfg.Log.Infof("feed %s: revoked %q (leaf slot %d), epoch now %d, %d packets",
		o.cfg.OwnerID, followerID, slot, newEpoch, len(doc.Packets))
	return doc, nil
}

type stagedKey struct {
	node keytree.NodeID
	kv   keytree.KeyVersion
}

// buildRekey stages a fresh key for every node on the revoked path above the
// leaf and assembles the packet set. For each refreshed node, one packet
// encrypts the new key under the current key of the revoked path's sibling
// subtree at that level (the entry point for followers whose path diverges
// there), and one packet encrypts it under the just-refreshed key of the
// node's on-path child (the climb for followers who entered lower down). The
// leaf itself is only cleared, never redistributed. The terminal packet
// carries the new CEK under the new root key. The staged keys are committed
// by the caller once the document has been published.
func (o *Owner) buildRekey(slot int, newEpoch uint32) (*RekeyDocument, []stagedKey, error) {
	path := o.tree.PathToRoot(slot)
	doc := &RekeyDocument{
		OwnerID:         o.cfg.OwnerID,
		Epoch:           newEpoch,
		RevokedLeafSlot: slot,
		CreatedAt:       time.Now().UTC(),
	}

	var staged []stagedKey
	prevNew := keytree.KeyVersion{}
	for i := 1; i < len(path); i++ {
		node := path[i]
		fresh, err := o.tree.StageKey(node)
		if err != nil {
			return nil, nil, err
		}
		staged = append(staged, stagedKey{node: node, kv: fresh})

		sib, err := o.tree.Sibling(path[i-1])
		if err != nil {
			return nil, nil, err
		}
		sibKey, err := o.tree.CurrentKey(sib)
		if err != nil {
			return nil, nil, err
		}

		entry, err := o.sealPacket(newEpoch, node, fresh, sib, sibKey)
		if err != nil {
			return nil, nil, err
		}
		doc.Packets = append(doc.Packets, *entry)

		if i > 1 {
			climb, err := o.sealPacket(newEpoch, node, fresh, path[i-1], prevNew)
			if err != nil {
				return nil, nil, err
			}
			doc.Packets = append(doc.Packets, *climb)
		}
		prevNew = fresh
	}

	cek, err := o.chain.CEK(newEpoch)
	if err != nil {
		return nil, nil, err
	}
	cekPacket := &RekeyPacket{
		TargetNode:          CEKPacketTarget,
		NewVersion:          newEpoch,
		EncryptUnderNode:    keytree.RootID,
		EncryptUnderVersion: prevNew.Version,
	}
	cekPacket.Ciphertext, err = crypto.Seal(prevNew.Key, cek[:], packetAAD(o.cfg.OwnerID, newEpoch, cekPacket))
	if err != nil {
		return nil, nil, err
	}
	doc.Packets = append(doc.Packets, *cekPacket)

	return doc, staged, nil
}

func (o *Owner) sealPacket(epoch uint32, target keytree.NodeID, fresh keytree.KeyVersion, under keytree.NodeID, underKey keytree.KeyVersion) (*RekeyPacket, error) {
	p := &RekeyPacket{
		TargetNode:          target,
		NewVersion:          fresh.Version,
		EncryptUnderNode:    under,
		EncryptUnderVersion: underKey.Version,
	}
	ct, err := crypto.Seal(underKey.Key, fresh.Key[:], packetAAD(o.cfg.OwnerID, epoch, p))
	if err != nil {
		return nil, err
	}
	p.Ciphertext = ct
	return p, nil
}

// PublishPost encrypts content under a key derived from the current epoch's
// CEK and a fresh per-post nonce, and publishes it.
func (o *Owner) PublishPost(ctx context.Context, content []byte) (*Post, error) {
	o.mu.Lock()
	epoch := o.epoch
	cek, err := o.chain.CEK(epoch)
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}

	nonce, err := crypto.RandomBytes(16)
	if err != nil {
		return nil, err
	}

	postKey, err := crypto.DerivePostKey(cek, nonce, o.cfg.OwnerID)
	if err != nil {
		return nil, err
	}

	post := &Post{
		OwnerID:   o.cfg.OwnerID,
		AuthorID:  o.cfg.OwnerID,
		Epoch:     epoch,
		Nonce:     nonce,
		CreatedAt: time.Now().UTC(),
	}
	post.EncryptedContent, err = crypto.Seal(postKey, content, postAAD(post))
	if err != nil {
		return nil, err
	}

	if err := o.cfg.Ledger.PublishPost(ctx, post); err != nil {
		return nil, err
	}
	return post, nil
}

// ResetConfirmation is the exact confirmation string Reset demands. The
// reset destroys the tree, the chain and the epoch counter, invalidating
// every grant and every historical private post irreversibly.
const ResetConfirmation = "destroy all grants and history"

// Reset starts the feed over with a fresh tree, seed, chain and epoch 1.
func (o *Owner) Reset(ctx context.Context, confirm string) error {
	if confirm != ResetConfirmation {
		return ErrResetNotConfirmed
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.initState(); err != nil {
		return err
	}
	if err := o.publishRecord(ctx); err != nil {
		return err
	}
	o.cfg.Log.Noticef("feed %s: reset, all grants and history invalidated", o.cfg.OwnerID)
	return nil
}

// OwnerSnapshot is a serializable copy of the owner's authoritative state
// for the local state stores. The seed is included so the epoch chain can be
// rebuilt deterministically.
type OwnerSnapshot struct {
	OwnerID  string
	Capacity int
	MaxEpoch uint32
	Seed     []byte
	Epoch    uint32
	Tree     *keytree.Snapshot
}

// Snapshot captures the owner state for persistence.
func (o *Owner) Snapshot() *OwnerSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return &OwnerSnapshot{
		OwnerID:  o.cfg.OwnerID,
		Capacity: o.cfg.Capacity,
		MaxEpoch: o.cfg.MaxEpoch,
		Seed:     append([]byte(nil), o.seed...),
		Epoch:    o.epoch,
		Tree:     o.tree.Snapshot(),
	}
}

// RestoreOwner rebuilds an Owner from a persisted snapshot.
func RestoreOwner(snap *OwnerSnapshot, ownerKeys *crypto.KeyPair, ledger Ledger, logger *logging.Logger) (*Owner, error) {
	cfg := Config{
		OwnerID:  snap.OwnerID,
		Capacity: snap.Capacity,
		MaxEpoch: snap.MaxEpoch,
		Ledger:   ledger,
		Log:      logger,
	}
	if err := cfg.fill(); err != nil {
		return nil, err
	}

	chain, err := epochchain.FromSeed(snap.Seed, snap.MaxEpoch)
	if err != nil {
		return nil, err
	}
	tree, err := keytree.FromSnapshot(snap.Tree)
	if err != nil {
		return nil, err
	}

	return &Owner{
		cfg:   cfg,
		keys:  ownerKeys,
		seed:  append([]byte(nil), snap.Seed...),
		tree:  tree,
		chain: chain,
		epoch: snap.Epoch,
	}, nil
}

// RecoverFeed rebuilds owner state from the published feed record alone,
// using the encrypted seed backup. The epoch chain is fully recovered; the
// tree's node keys are independent randomness and cannot be, so a recovered
// feed starts with a fresh tree and every follower must be granted again.
func RecoverFeed(ctx context.Context, cfg Config, ownerKeys *crypto.KeyPair) (*Owner, error) {
	if err := cfg.fill(); err != nil {
		return nil, err
	}

	rec, err := cfg.Ledger.FeedRecord(ctx, cfg.OwnerID)
	if err != nil {
		return nil, err
	}

	seed, err := crypto.Decrypt(ownerKeys.Private, rec.EncryptedSeedBackup)
	if err != nil {
		return nil, fmt.Errorf("feed: decrypting seed backup: %w", err)
	}

	chain, err := epochchain.FromSeed(seed, rec.MaxEpoch)
	if err != nil {
		return nil, err
	}
	tree, err := keytree.New(rec.Capacity)
	if err != nil {
		return nil, err
	}

	// The last published rekey document names the current epoch; with no
	// rekeys the feed is still at epoch 1.
	epoch := uint32(1)
	docs, err := cfg.Ledger.RekeyRange(ctx, cfg.OwnerID, 0, rec.MaxEpoch)
	if err != nil {
		return nil, err
	}
	if len(docs) > 0 {
		epoch = docs[len(docs)-1].Epoch
	}

	cfg.Capacity = rec.Capacity
	cfg.MaxEpoch = rec.MaxEpoch
	cfg.Log.Noticef("feed %s: recovered from seed backup at epoch %d; grants must be re-issued", cfg.OwnerID, epoch)

	return &Owner{
		cfg:   cfg,
		keys:  ownerKeys,
		seed:  seed,
		tree:  tree,
		chain: chain,
		epoch: epoch,
	}, nil
}
