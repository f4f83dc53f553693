package feed

import (
	"context"
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"github.com/thephez/yappr-sub006/pkg/crypto"
	"github.com/thephez/yappr-sub006/pkg/epochchain"
	"github.com/thephez/yappr-sub006/pkg/keytree"
	"github.com/thephez/yappr-sub006/pkg/log"
)

// Follower is one reader's cached view of a feed: the last known epoch and
// CEK plus the single currently-held key version for every node on the path
// from its leaf to the root. A Follower is not safe for concurrent use; each
// reader drives its own instance.
type Follower struct {
	ownerID string
	id      string
	slot    int
	depth   int

	epoch    uint32
	cek      [epochchain.KeySize]byte
	pathKeys map[keytree.NodeID]keytree.KeyVersion
	revoked  bool

	logger *logging.Logger
}

// OpenGrant decrypts a grant bundle with the follower's private key and
// builds the follower's initial cached state.
func OpenGrant(grant *Grant, priv [crypto.PublicKeySize]byte, logger *logging.Logger) (*Follower, error) {
	if logger == nil {
		logger = log.Disabled("feed/follower")
	}

	plaintext, err := crypto.Decrypt(priv, grant.EncryptedBundle)
	if err != nil {
		return nil, fmt.Errorf("feed: opening grant bundle: %w", err)
	}

	bundle, err := decodeBundle(plaintext)
	if err != nil {
		return nil, err
	}

	depth := len(bundle.PathKeys) - 1
	capacity := 1 << depth
	leaf := keytree.NodeID(capacity + grant.LeafSlot)
	if keytree.NodeID(bundle.PathKeys[0].Node) != leaf {
		return nil, fmt.Errorf("feed: grant bundle path does not match leaf slot %d", grant.LeafSlot)
	}

	f := &Follower{
		ownerID:  grant.OwnerID,
		id:       grant.RecipientID,
		slot:     grant.LeafSlot,
		depth:    depth,
		epoch:    grant.GrantedAtEpoch,
		cek:      bundle.CEK,
		pathKeys: make(map[keytree.NodeID]keytree.KeyVersion, len(bundle.PathKeys)),
		logger:   logger,
	}
	for _, e := range bundle.PathKeys {
		f.pathKeys[keytree.NodeID(e.Node)] = keytree.KeyVersion{Version: e.Version, Key: e.Key}
	}
	if bundle.Epoch != grant.GrantedAtEpoch {
		return nil, fmt.Errorf("feed: grant bundle epoch %d disagrees with grant document %d", bundle.Epoch, grant.GrantedAtEpoch)
	}

	return f, nil
}

// OwnerID returns the feed this follower reads.
func (f *Follower) OwnerID() string { return f.ownerID }

// ID returns the follower's identity.
func (f *Follower) ID() string { return f.id }

// LeafSlot returns the follower's assigned leaf slot.
func (f *Follower) LeafSlot() int { return f.slot }

// Epoch returns the follower's last known epoch.
func (f *Follower) Epoch() uint32 { return f.epoch }

// Revoked reports whether this follower's own leaf has been revoked.
func (f *Follower) Revoked() bool { return f.revoked }

// ApplyRekey advances the follower's cached keys through one rekey document.
// Exactly one packet is decryptable at the level where the follower's path
// first diverges from the revoked leaf's path; each climb packet above it is
// encrypted under the new key learned just below, and the terminal packet
// yields the new CEK under the new root key.
//
// Applying a document at or below the follower's current epoch is a no-op,
// so re-application is always safe. Documents must otherwise arrive with
// strictly consecutive epochs (ErrRekeyGap). A malformed document is
// rejected whole (ErrPartialRekey) and never partially applied.
func (f *Follower) ApplyRekey(doc *RekeyDocument) error {
	if doc.OwnerID != f.ownerID {
		return fmt.Errorf("feed: rekey document for feed %q, not %q", doc.OwnerID, f.ownerID)
	}
	if f.revoked {
		return ErrRevoked
	}
	if doc.Epoch <= f.epoch {
		return nil
	}
	if doc.Epoch != f.epoch+1 {
		return fmt.Errorf("%w: have epoch %d, document is for %d", ErrRekeyGap, f.epoch, doc.Epoch)
	}

	if err := f.checkShape(doc); err != nil {
		return err
	}

	if doc.RevokedLeafSlot == f.slot {
		f.revoked = true
		f.logger.Noticef("feed %s: follower %s revoked at epoch %d", f.ownerID, f.id, doc.Epoch)
		return ErrRevoked
	}

	// Work on a scratch copy so a bad document never half-applies.
	learned := make(map[keytree.NodeID]keytree.KeyVersion, len(f.pathKeys))
	for id, kv := range f.pathKeys {
		learned[id] = kv
	}

	for i := 0; i < len(doc.Packets)-1; i++ {
		p := doc.Packets[i]
		held, ok := learned[p.EncryptUnderNode]
		if !ok || held.Version != p.EncryptUnderVersion {
			continue
		}
		plaintext, err := crypto.Open(held.Key, p.Ciphertext, packetAAD(doc.OwnerID, doc.Epoch, &p))
		if err != nil {
			// Not addressed to the keys we hold; expected for all but our
			// own entry level.
			continue
		}
		if len(plaintext) != keytree.KeySize {
			return fmt.Errorf("%w: bad key length in packet %d", ErrPartialRekey, i)
		}
		if _, onPath := learned[p.TargetNode]; !onPath {
			continue
		}
		kv := keytree.KeyVersion{Version: p.NewVersion}
		copy(kv.Key[:], plaintext)
		learned[p.TargetNode] = kv
	}

	cekPacket := doc.Packets[len(doc.Packets)-1]
	rootKey, ok := learned[keytree.RootID]
	if !ok || rootKey.Version != cekPacket.EncryptUnderVersion {
		// We never reached the new root key: either our entry packet was
		// missing or undecryptable. Nothing was applied.
		return fmt.Errorf("%w: no decryptable path to the new root key", ErrLocked)
	}

	plaintext, err := crypto.Open(rootKey.Key, cekPacket.Ciphertext, packetAAD(doc.OwnerID, doc.Epoch, &cekPacket))
	if err != nil {
		return fmt.Errorf("%w: CEK packet does not verify", ErrPartialRekey)
	}
	if len(plaintext) != epochchain.KeySize {
		return fmt.Errorf("%w: bad CEK length", ErrPartialRekey)
	}

	f.pathKeys = learned
	copy(f.cek[:], plaintext)
	f.epoch = doc.Epoch
	f.logger.Debugf("feed %s: follower %s advanced to epoch %d", f.ownerID, f.id, f.epoch)
	return nil
}

// checkShape validates the fixed packet layout: one entry packet per
// refreshed path node, a climb packet for every refreshed node above the
// first, and a terminal CEK packet. Anything else is rejected as an
// incomplete publication.
func (f *Follower) checkShape(doc *RekeyDocument) error {
	want := 2 * f.depth
	if len(doc.Packets) != want {
		return fmt.Errorf("%w: %d packets, want %d", ErrPartialRekey, len(doc.Packets), want)
	}
	for i, p := range doc.Packets[:want-1] {
		if p.TargetNode == CEKPacketTarget {
			return fmt.Errorf("%w: unexpected CEK packet at index %d", ErrPartialRekey, i)
		}
	}
	last := doc.Packets[want-1]
	if last.TargetNode != CEKPacketTarget || last.EncryptUnderNode != keytree.RootID {
		return fmt.Errorf("%w: missing terminal CEK packet", ErrPartialRekey)
	}
	return nil
}

// CatchUp fetches and applies every rekey document with epoch in
// (current, throughEpoch], in order.
func (f *Follower) CatchUp(ctx context.Context, ledger Ledger, throughEpoch uint32) error {
	if throughEpoch <= f.epoch {
		return nil
	}

	docs, err := ledger.RekeyRange(ctx, f.ownerID, f.epoch, throughEpoch)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := f.ApplyRekey(doc); err != nil {
			return err
		}
	}
	if f.epoch < throughEpoch {
		return fmt.Errorf("%w: ledger has no rekey past epoch %d", ErrRekeyGap, f.epoch)
	}
	return nil
}

// DecryptPost returns the post's plaintext. Posts from the cached epoch use
// the cached CEK; older posts derive backward along the hash chain without
// touching the cache; newer posts require catching up through the ledger
// first (pass a nil ledger to forbid that and get ErrRekeyRequired).
// Every failure mode that means "you cannot read this" surfaces as ErrLocked.
func (f *Follower) DecryptPost(ctx context.Context, ledger Ledger, post *Post) ([]byte, error) {
	if post.OwnerID != f.ownerID {
		return nil, fmt.Errorf("feed: post belongs to feed %q, not %q", post.OwnerID, f.ownerID)
	}

	if post.Epoch > f.epoch {
		if f.revoked {
			return nil, fmt.Errorf("%w: revoked before epoch %d", ErrLocked, post.Epoch)
		}
		if ledger == nil {
			return nil, fmt.Errorf("%w: post is at epoch %d, cache at %d", ErrRekeyRequired, post.Epoch, f.epoch)
		}
		if err := f.CatchUp(ctx, ledger, post.Epoch); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLocked, err)
		}
	}

	cek := f.cek
	if post.Epoch < f.epoch {
		var err error
		cek, err = epochchain.DeriveBackward(f.epoch, f.cek, post.Epoch)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLocked, err)
		}
	}

	postKey, err := crypto.DerivePostKey(cek, post.Nonce, post.AuthorID)
	if err != nil {
		return nil, err
	}

	plaintext, err := crypto.Open(postKey, post.EncryptedContent, postAAD(post))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLocked, err)
	}
	return plaintext, nil
}

// FollowerSnapshot is the serializable follower cache for the local stores.
type FollowerSnapshot struct {
	OwnerID    string
	FollowerID string
	LeafSlot   int
	Depth      int
	Epoch      uint32
	CEK        [epochchain.KeySize]byte
	PathKeys   map[keytree.NodeID]keytree.KeyVersion
	Revoked    bool
}

// Snapshot captures the follower cache for persistence.
func (f *Follower) Snapshot() *FollowerSnapshot {
	s := &FollowerSnapshot{
		OwnerID:    f.ownerID,
		FollowerID: f.id,
		LeafSlot:   f.slot,
		Depth:      f.depth,
		Epoch:      f.epoch,
		CEK:        f.cek,
		Revoked:    f.revoked,
		PathKeys:   make(map[keytree.NodeID]keytree.KeyVersion, len(f.pathKeys)),
	}
	for id, kv := range f.pathKeys {
		s.PathKeys[id] = kv
	}
	return s
}

// RestoreFollower rebuilds a follower from a persisted cache snapshot.
func RestoreFollower(s *FollowerSnapshot, logger *logging.Logger) *Follower {
	if logger == nil {
		logger = log.Disabled("feed/follower")
	}
	f := &Follower{
		ownerID:  s.OwnerID,
		id:       s.FollowerID,
		slot:     s.LeafSlot,
		depth:    s.Depth,
		epoch:    s.Epoch,
		cek:      s.CEK,
		revoked:  s.Revoked,
		pathKeys: make(map[keytree.NodeID]keytree.KeyVersion, len(s.PathKeys)),
		logger:   logger,
	}
	for id, kv := range s.PathKeys {
		f.pathKeys[id] = kv
	}
	return f
}
