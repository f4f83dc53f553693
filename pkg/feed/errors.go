package feed

import (
	"errors"
)

var (
	// ErrNotFound is returned by Ledger implementations when a requested
	// document does not exist.
	ErrNotFound = errors.New("feed: document not found")

	// ErrAlreadyPublished is returned when a document for the same epoch (or
	// the same recipient, for grants) has already been published. Seeing it
	// from a revoke means another writer raced us; the caller must reload
	// state before retrying.
	ErrAlreadyPublished = errors.New("feed: document already published")

	// ErrNoActiveGrant is returned by Revoke when the follower does not
	// occupy a leaf slot.
	ErrNoActiveGrant = errors.New("feed: follower has no active grant")

	// ErrRekeyRequired signals that a post is from a newer epoch than the
	// follower's cache and no ledger was available to catch up from.
	ErrRekeyRequired = errors.New("feed: rekey catch-up required")

	// ErrRekeyGap is returned when a rekey document is applied out of order.
	// Documents must be applied with strictly consecutive epochs.
	ErrRekeyGap = errors.New("feed: rekey document out of order")

	// ErrPartialRekey marks a rekey document with a missing CEK packet or an
	// inconsistent packet count. Such a document is ignored entirely; it is
	// never partially applied.
	ErrPartialRekey = errors.New("feed: partial or malformed rekey document")

	// ErrRevoked is returned once a follower's own leaf has been revoked.
	ErrRevoked = errors.New("feed: follower has been revoked")

	// ErrLocked is the reader-facing "cannot decrypt" condition: the
	// follower was revoked before the post's epoch, or its cache is stale or
	// corrupt. It renders as locked content, never as a crash.
	ErrLocked = errors.New("feed: content is locked")

	// ErrUnknownBundleVersion is returned when a grant bundle advertises a
	// format version this implementation does not understand.
	ErrUnknownBundleVersion = errors.New("feed: unknown grant bundle format")

	// ErrResetNotConfirmed guards the destructive feed reset.
	ErrResetNotConfirmed = errors.New("feed: reset not confirmed")
)
