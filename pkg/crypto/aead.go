// Package crypto wraps the symmetric and asymmetric primitives used by the
// feed key-management core: XChaCha20-Poly1305 for all symmetric encryption,
// HKDF-SHA256 for key derivation, and an X25519 ECIES construction for
// delivering grant bundles to a follower's public key.
package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the symmetric key size in bytes.
const KeySize = chacha20poly1305.KeySize

// NonceSize is the XChaCha20-Poly1305 nonce size. It is large enough that
// random nonces are safe without coordination.
const NonceSize = chacha20poly1305.NonceSizeX

// ErrDecryptFailed is returned whenever an authentication tag does not
// verify. Callers must not distinguish its causes; a failed open on a rekey
// packet simply means the packet is not addressed to the keys we hold.
var ErrDecryptFailed = errors.New("crypto: decryption failed")

// Seal encrypts plaintext under key with a random nonce and returns
// nonce || ciphertext+tag. The additional data is authenticated but not
// transmitted; both sides must reconstruct it.
func Seal(key [KeySize]byte, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Open decrypts a Seal output. Any malformed or tampered input yields
// ErrDecryptFailed.
func Open(key [KeySize]byte, sealed, additionalData []byte) ([]byte, error) {
	if len(sealed) < NonceSize+chacha20poly1305.Overhead {
		return nil, ErrDecryptFailed
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], additionalData)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// RandomBytes returns n securely generated random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}
