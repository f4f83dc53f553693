// Package ledger provides implementations of the feed.Ledger interface. The
// in-memory implementation stands in for the public append-only data store
// in tests and the demo binary; documents round-trip through CBOR on every
// publish and fetch, exactly as a wire-backed implementation would, so
// callers never share memory with the ledger.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/thephez/yappr-sub006/pkg/feed"
)

// Memory is an in-memory feed.Ledger.
type Memory struct {
	mu    sync.RWMutex
	feeds map[string]*feedDocs
}

// feedDocs holds one feed's published documents in encoded form.
type feedDocs struct {
	record []byte
	grants map[string][]byte // by recipient id
	rekeys map[uint32][]byte // by epoch
	posts  [][]byte
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		feeds: make(map[string]*feedDocs),
	}
}

// PublishFeed stores (or, on reset, replaces) a feed record. Replacing a
// record drops the feed's grants, rekeys and posts: documents of a destroyed
// tree are logically deleted.
func (m *Memory) PublishFeed(_ context.Context, rec *feed.FeedRecord) error {
	encoded, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeds[rec.OwnerID] = &feedDocs{
		record: encoded,
		grants: make(map[string][]byte),
		rekeys: make(map[uint32][]byte),
	}
	return nil
}

func (m *Memory) PublishGrant(_ context.Context, grant *feed.Grant) error {
	encoded, err := cbor.Marshal(grant)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	docs, err := m.docsFor(grant.OwnerID)
	if err != nil {
		return err
	}
	if _, ok := docs.grants[grant.RecipientID]; ok {
		return fmt.Errorf("%w: grant for %q", feed.ErrAlreadyPublished, grant.RecipientID)
	}
	docs.grants[grant.RecipientID] = encoded
	return nil
}

func (m *Memory) PublishRekey(_ context.Context, doc *feed.RekeyDocument) error {
	encoded, err := cbor.Marshal(doc)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	docs, err := m.docsFor(doc.OwnerID)
	if err != nil {
		return err
	}
	if _, ok := docs.rekeys[doc.Epoch]; ok {
		return fmt.Errorf("%w: rekey for epoch %d", feed.ErrAlreadyPublished, doc.Epoch)
	}
	docs.rekeys[doc.Epoch] = encoded
	return nil
}

func (m *Memory) PublishPost(_ context.Context, post *feed.Post) error {
	encoded, err := cbor.Marshal(post)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	docs, err := m.docsFor(post.OwnerID)
	if err != nil {
		return err
	}
	docs.posts = append(docs.posts, encoded)
	return nil
}

func (m *Memory) FeedRecord(_ context.Context, ownerID string) (*feed.FeedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs, err := m.docsFor(ownerID)
	if err != nil {
		return nil, err
	}

	rec := new(feed.FeedRecord)
	if err := cbor.Unmarshal(docs.record, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (m *Memory) GrantFor(_ context.Context, ownerID, recipientID string) (*feed.Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs, err := m.docsFor(ownerID)
	if err != nil {
		return nil, err
	}

	encoded, ok := docs.grants[recipientID]
	if !ok {
		return nil, fmt.Errorf("%w: grant for %q", feed.ErrNotFound, recipientID)
	}
	grant := new(feed.Grant)
	if err := cbor.Unmarshal(encoded, grant); err != nil {
		return nil, err
	}
	return grant, nil
}

func (m *Memory) RetireGrant(_ context.Context, ownerID, recipientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs, err := m.docsFor(ownerID)
	if err != nil {
		return err
	}
	delete(docs.grants, recipientID)
	return nil
}

func (m *Memory) RekeyAt(_ context.Context, ownerID string, epoch uint32) (*feed.RekeyDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs, err := m.docsFor(ownerID)
	if err != nil {
		return nil, err
	}

	encoded, ok := docs.rekeys[epoch]
	if !ok {
		return nil, fmt.Errorf("%w: rekey for epoch %d", feed.ErrNotFound, epoch)
	}
	return decodeRekey(encoded)
}

func (m *Memory) RekeyRange(_ context.Context, ownerID string, afterEpoch, throughEpoch uint32) ([]*feed.RekeyDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs, err := m.docsFor(ownerID)
	if err != nil {
		return nil, err
	}

	var out []*feed.RekeyDocument
	for e := afterEpoch + 1; e <= throughEpoch; e++ {
		encoded, ok := docs.rekeys[e]
		if !ok {
			continue
		}
		doc, err := decodeRekey(encoded)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (m *Memory) Posts(_ context.Context, ownerID string) ([]*feed.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs, err := m.docsFor(ownerID)
	if err != nil {
		return nil, err
	}

	out := make([]*feed.Post, 0, len(docs.posts))
	for _, encoded := range docs.posts {
		post := new(feed.Post)
		if err := cbor.Unmarshal(encoded, post); err != nil {
			return nil, err
		}
		out = append(out, post)
	}
	return out, nil
}

func (m *Memory) docsFor(ownerID string) (*feedDocs, error) {
	docs, ok := m.feeds[ownerID]
	if !ok {
		return nil, fmt.Errorf("%w: feed %q", feed.ErrNotFound, ownerID)
	}
	return docs, nil
}

func decodeRekey(encoded []byte) (*feed.RekeyDocument, error) {
	doc := new(feed.RekeyDocument)
	if err := cbor.Unmarshal(encoded, doc); err != nil {
		return nil, err
	}
	return doc, nil
}
