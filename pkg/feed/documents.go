package feed

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/thephez/yappr-sub006/pkg/keytree"
)

// CEKPacketTarget is the sentinel target node id of the packet that carries
// the new epoch's CEK. Heap node ids start at 1, so 0 is never a real node.
const CEKPacketTarget keytree.NodeID = 0

// FeedRecord is the public record announcing an owner's private feed. The
// seed backup is the owner's sole recovery path and is encrypted to the
// owner's own key.
type FeedRecord struct {
	OwnerID             string
	Capacity            int
	MaxEpoch            uint32
	EncryptedSeedBackup []byte
	CreatedAt           time.Time
}

// Grant onboards one follower: the encrypted bundle delivers the path keys
// and current CEK for the assigned leaf slot. A grant is created exactly once
// per approval and retired (logically deleted) on revocation.
type Grant struct {
	OwnerID         string
	LeafSlot        int
	RecipientID     string
	EncryptedBundle []byte
	GrantedAtEpoch  uint32
	CreatedAt       time.Time
}

// RekeyPacket delivers new key material for TargetNode at NewVersion,
// encrypted under the key identified by (EncryptUnderNode,
// EncryptUnderVersion). The packet whose TargetNode is CEKPacketTarget
// carries the new epoch's CEK under the new root key.
type RekeyPacket struct {
	TargetNode          keytree.NodeID
	NewVersion          uint32
	EncryptUnderNode    keytree.NodeID
	EncryptUnderVersion uint32
	Ciphertext          []byte
}

// RekeyDocument is the immutable record of one revocation: the epoch advance
// plus the packet set that lets every surviving follower relearn the
// refreshed path keys. It is published as a single document so readers never
// observe a partial rekey.
type RekeyDocument struct {
	OwnerID         string
	Epoch           uint32
	RevokedLeafSlot int
	Packets         []RekeyPacket
	CreatedAt       time.Time
}

// Post is the private-post document. Epoch pins the CEK that the content key
// was derived from; Nonce feeds the per-post key derivation and is distinct
// from the AEAD nonce inside EncryptedContent.
type Post struct {
	OwnerID          string
	AuthorID         string
	Epoch            uint32
	Nonce            []byte
	EncryptedContent []byte
	CreatedAt        time.Time
}

// Ledger is the narrow surface the key-management core needs from the
// append-only public data store. Publications are the only blocking calls in
// the protocol; implementations must return ErrAlreadyPublished instead of
// overwriting an existing rekey epoch.
type Ledger interface {
	PublishFeed(ctx context.Context, rec *FeedRecord) error
	PublishGrant(ctx context.Context, grant *Grant) error
	PublishRekey(ctx context.Context, doc *RekeyDocument) error
	PublishPost(ctx context.Context, post *Post) error

	FeedRecord(ctx context.Context, ownerID string) (*FeedRecord, error)
	GrantFor(ctx context.Context, ownerID, recipientID string) (*Grant, error)
	RetireGrant(ctx context.Context, ownerID, recipientID string) error

	// RekeyAt returns the rekey document for one epoch, or ErrNotFound.
	RekeyAt(ctx context.Context, ownerID string, epoch uint32) (*RekeyDocument, error)
	// RekeyRange returns all rekey documents with epoch in
	// (afterEpoch, throughEpoch], in ascending epoch order.
	RekeyRange(ctx context.Context, ownerID string, afterEpoch, throughEpoch uint32) ([]*RekeyDocument, error)

	Posts(ctx context.Context, ownerID string) ([]*Post, error)
}

// packetAAD binds a rekey packet's ciphertext to the feed, epoch and the
// packet header fields, so packets cannot be spliced between documents or
// re-targeted.
func packetAAD(ownerID string, epoch uint32, p *RekeyPacket) []byte {
	aad := make([]byte, 0, len(ownerID)+20)
	aad = append(aad, ownerID...)
	aad = binary.BigEndian.AppendUint32(aad, epoch)
	aad = binary.BigEndian.AppendUint32(aad, uint32(p.TargetNode))
	aad = binary.BigEndian.AppendUint32(aad, p.NewVersion)
	aad = binary.BigEndian.AppendUint32(aad, uint32(p.EncryptUnderNode))
	aad = binary.BigEndian.AppendUint32(aad, p.EncryptUnderVersion)
	return aad
}

// postAAD binds a post's ciphertext to its public header.
func postAAD(post *Post) []byte {
	aad := make([]byte, 0, len(post.OwnerID)+len(post.AuthorID)+4)
	aad = append(aad, post.OwnerID...)
	aad = append(aad, post.AuthorID...)
	aad = binary.BigEndian.AppendUint32(aad, post.Epoch)
	return aad
}
