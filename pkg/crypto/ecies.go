package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// eciesInfo is the HKDF context for grant-bundle encryption.
const eciesInfo = "yappr/grant-ecies/v1"

// PublicKeySize is the size of an X25519 public key.
const PublicKeySize = 32

// KeyPair is an X25519 key pair identifying a feed participant for grant
// delivery.
type KeyPair struct {
	Public  [PublicKeySize]byte
	Private [PublicKeySize]byte
}

// GenerateKeyPair creates a fresh X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, err
	}
	clampScalar(&kp.Private)

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// EncryptTo encrypts plaintext to the recipient's X25519 public key:
// ephemeral key pair, ECDH, HKDF-SHA256, XChaCha20-Poly1305. The output is
// ephPub(32) || nonce(24) || ciphertext+tag.
func EncryptTo(recipientPub [PublicKeySize]byte, plaintext []byte) ([]byte, error) {
	var ephPriv [PublicKeySize]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, err
	}
	clampScalar(&ephPriv)

	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	shared, err := curve25519.X25519(ephPriv[:], recipientPub[:])
	if err != nil {
		return nil, err
	}

	key, err := eciesKey(shared, ephPub)
	if err != nil {
		return nil, err
	}

	sealed, err := Seal(key, plaintext, ephPub)
	if err != nil {
		return nil, err
	}

	return append(ephPub, sealed...), nil
}

// Decrypt reverses EncryptTo with the recipient's private key.
func Decrypt(recipientPriv [PublicKeySize]byte, data []byte) ([]byte, error) {
	if len(data) < PublicKeySize+NonceSize+chacha20poly1305.Overhead {
		return nil, ErrDecryptFailed
	}

	ephPub := data[:PublicKeySize]
	shared, err := curve25519.X25519(recipientPriv[:], ephPub)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	key, err := eciesKey(shared, ephPub)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	return Open(key, data[PublicKeySize:], ephPub)
}

func eciesKey(shared, ephPub []byte) ([KeySize]byte, error) {
	var key [KeySize]byte
	r := hkdf.New(sha256.New, shared, ephPub, []byte(eciesInfo))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, err
	}
	return key, nil
}

func clampScalar(s *[PublicKeySize]byte) {
	s[0] &= 248
	s[31] &= 127
	s[31] |= 64
}
