package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// postInfo is the HKDF context prefix for per-post keys.
const postInfo = "post"

// DerivePostKey derives the key that encrypts a single post from the epoch's
// CEK. Binding the post nonce and author into the derivation isolates every
// post's key from every other post, even within the same epoch.
func DerivePostKey(cek [KeySize]byte, nonce []byte, authorID string) ([KeySize]byte, error) {
	info := make([]byte, 0, len(postInfo)+len(nonce)+len(authorID))
	info = append(info, postInfo...)
	info = append(info, nonce...)
	info = append(info, authorID...)

	var key [KeySize]byte
	r := hkdf.New(sha256.New, cek[:], nil, info)
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, err
	}
	return key, nil
}
