package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thephez/yappr-sub006/pkg/feed"
)

func publishTestFeed(t *testing.T, m *Memory) {
	err := m.PublishFeed(context.Background(), &feed.FeedRecord{
		OwnerID:   "owner",
		Capacity:  4,
		MaxEpoch:  16,
		CreatedAt: time.Now().UTC(),
	})
	require.Nil(t, err)
}

func TestUnknownFeed(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.FeedRecord(ctx, "nobody")
	assert.ErrorIs(t, err, feed.ErrNotFound)

	err = m.PublishPost(ctx, &feed.Post{OwnerID: "nobody"})
	assert.ErrorIs(t, err, feed.ErrNotFound)
}

func TestGrantLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	publishTestFeed(t, m)

	grant := &feed.Grant{OwnerID: "owner", RecipientID: "w", LeafSlot: 2, GrantedAtEpoch: 1}
	require.Nil(t, m.PublishGrant(ctx, grant))

	err := m.PublishGrant(ctx, grant)
	assert.ErrorIs(t, err, feed.ErrAlreadyPublished, "grants publish once per recipient")

	got, err := m.GrantFor(ctx, "owner", "w")
	require.Nil(t, err)
	assert.Equal(t, 2, got.LeafSlot)

	require.Nil(t, m.RetireGrant(ctx, "owner", "w"))
	_, err = m.GrantFor(ctx, "owner", "w")
	assert.ErrorIs(t, err, feed.ErrNotFound)

	// Retired means re-grantable.
	require.Nil(t, m.PublishGrant(ctx, grant))
}

func TestRekeyOrderingAndCollision(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	publishTestFeed(t, m)

	for _, e := range []uint32{4, 2, 3} {
		require.Nil(t, m.PublishRekey(ctx, &feed.RekeyDocument{OwnerID: "owner", Epoch: e}))
	}

	err := m.PublishRekey(ctx, &feed.RekeyDocument{OwnerID: "owner", Epoch: 3})
	assert.ErrorIs(t, err, feed.ErrAlreadyPublished)

	docs, err := m.RekeyRange(ctx, "owner", 1, 16)
	require.Nil(t, err)
	require.Len(t, docs, 3)
	for i, want := range []uint32{2, 3, 4} {
		assert.Equal(t, want, docs[i].Epoch, "ascending epoch order")
	}

	docs, err = m.RekeyRange(ctx, "owner", 2, 3)
	require.Nil(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, uint32(3), docs[0].Epoch)

	doc, err := m.RekeyAt(ctx, "owner", 4)
	require.Nil(t, err)
	assert.Equal(t, uint32(4), doc.Epoch)
	_, err = m.RekeyAt(ctx, "owner", 5)
	assert.ErrorIs(t, err, feed.ErrNotFound)
}

func TestDocumentsAreIsolated(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	publishTestFeed(t, m)

	doc := &feed.RekeyDocument{
		OwnerID: "owner",
		Epoch:   2,
		Packets: []feed.RekeyPacket{{TargetNode: 2, NewVersion: 2, Ciphertext: []byte{1, 2, 3}}},
	}
	require.Nil(t, m.PublishRekey(ctx, doc))

	// Mutating what we published (or what we fetched) must not reach the
	// ledger's copy.
	doc.Packets[0].Ciphertext[0] = 99

	got, err := m.RekeyAt(ctx, "owner", 2)
	require.Nil(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got.Packets[0].Ciphertext)

	got.Packets[0].Ciphertext[1] = 42
	again, err := m.RekeyAt(ctx, "owner", 2)
	require.Nil(t, err)
	assert.Equal(t, []byte{1, 2, 3}, again.Packets[0].Ciphertext)
}

func TestPublishFeedResetsDocuments(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	publishTestFeed(t, m)

	require.Nil(t, m.PublishGrant(ctx, &feed.Grant{OwnerID: "owner", RecipientID: "w"}))
	require.Nil(t, m.PublishPost(ctx, &feed.Post{OwnerID: "owner", Epoch: 1}))

	publishTestFeed(t, m)

	_, err := m.GrantFor(ctx, "owner", "w")
	assert.ErrorIs(t, err, feed.ErrNotFound, "reset drops grants")
	posts, err := m.Posts(ctx, "owner")
	require.Nil(t, err)
	assert.Empty(t, posts, "reset drops posts")
}
