// Package epochchain implements the backward-derivable sequence of content
// encryption keys. The chain is generated once per feed from its tail:
// cek[e] = SHA256(cek[e+1]) down to epoch 1. Anyone holding the CEK for
// epoch e can therefore derive the CEK for any earlier epoch by hashing, but
// cannot move forward; moving forward requires a rekey packet.
package epochchain

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of a CEK in bytes.
const KeySize = 32

// DefaultMaxEpoch is the chain length used when a feed does not override it.
// Each revocation consumes one epoch, so this is also the revocation budget.
const DefaultMaxEpoch = 2000

var (
	// ErrEpochTooNew is returned when a CEK is requested for an epoch ahead
	// of the known one. Forward derivation is impossible; the caller has to
	// catch up through rekey documents instead.
	ErrEpochTooNew = errors.New("epochchain: target epoch is newer than known epoch")

	// ErrEpochExhausted is returned when the chain has no epoch left to
	// advance into. The feed needs a reset.
	ErrEpochExhausted = errors.New("epochchain: epoch chain exhausted")

	// ErrEpochOutOfRange is returned for epoch numbers outside [1, max].
	ErrEpochOutOfRange = errors.New("epochchain: epoch out of range")
)

// chainInfo is the HKDF context that derives a chain tail from a feed seed.
const chainInfo = "yappr/cek-chain/v1"

// Chain holds the owner-side precomputed CEK sequence. Followers never hold a
// Chain; they work from a single known CEK via DeriveBackward.
type Chain struct {
	max  uint32
	ceks [][KeySize]byte // ceks[e-1] is the CEK for epoch e
}

// Generate precomputes a chain of maxEpoch CEKs from a random tail.
func Generate(maxEpoch uint32) (*Chain, error) {
	var tail [KeySize]byte
	if _, err := rand.Read(tail[:]); err != nil {
		return nil, err
	}
	return fromTail(tail, maxEpoch)
}

// FromSeed precomputes a chain deterministically from a feed seed. The same
// seed always yields the same chain, which is what makes the encrypted seed
// backup a usable recovery path.
func FromSeed(seed []byte, maxEpoch uint32) (*Chain, error) {
	var tail [KeySize]byte
	r := hkdf.New(sha256.New, seed, nil, []byte(chainInfo))
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return nil, err
	}
	return fromTail(tail, maxEpoch)
}

func fromTail(tail [KeySize]byte, maxEpoch uint32) (*Chain, error) {
	if maxEpoch < 1 {
		return nil, fmt.Errorf("%w: max epoch %d", ErrEpochOutOfRange, maxEpoch)
	}

	ceks := make([][KeySize]byte, maxEpoch)
	ceks[maxEpoch-1] = tail
	for e := int(maxEpoch) - 2; e >= 0; e-- {
		ceks[e] = sha256.Sum256(ceks[e+1][:])
	}

	return &Chain{max: maxEpoch, ceks: ceks}, nil
}

// MaxEpoch returns the last precomputed epoch.
func (c *Chain) MaxEpoch() uint32 {
	return c.max
}

// CEK returns the content encryption key for the given epoch.
func (c *Chain) CEK(epoch uint32) ([KeySize]byte, error) {
	if epoch < 1 || epoch > c.max {
		return [KeySize]byte{}, fmt.Errorf("%w: epoch %d of %d", ErrEpochOutOfRange, epoch, c.max)
	}
	return c.ceks[epoch-1], nil
}

// DeriveBackward computes the CEK for targetEpoch from a known later (or
// equal) epoch's CEK by walking the hash chain. It is a pure function: this
// is the only CEK derivation available to followers.
func DeriveBackward(knownEpoch uint32, knownCEK [KeySize]byte, targetEpoch uint32) ([KeySize]byte, error) {
	if targetEpoch < 1 {
		return [KeySize]byte{}, fmt.Errorf("%w: epoch %d", ErrEpochOutOfRange, targetEpoch)
	}
	if targetEpoch > knownEpoch {
		return [KeySize]byte{}, fmt.Errorf("%w: have %d, want %d", ErrEpochTooNew, knownEpoch, targetEpoch)
	}

	cek := knownCEK
	for e := knownEpoch; e > targetEpoch; e-- {
		cek = sha256.Sum256(cek[:])
	}
	return cek, nil
}
