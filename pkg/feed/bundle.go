package feed

import (
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"

	"github.com/thephez/yappr-sub006/pkg/keytree"
)

// bundleFormatV1 is the only grant bundle format this implementation writes.
// The format byte leads the encoding so future formats can change the layout
// behind it without breaking older readers' version check.
const bundleFormatV1 uint8 = 1

// pathKeyEntry is one node key in a grant bundle, leaf first.
type pathKeyEntry struct {
	Node    uint32
	Version uint32
	Key     [keytree.KeySize]byte
}

// grantBundle is the plaintext of a Grant's EncryptedBundle, encoded in TLS
// presentation syntax. It is a tagged, versioned schema rather than loose
// JSON so fields can be added in later formats.
type grantBundle struct {
	Format   uint8
	Epoch    uint32
	CEK      [keytree.KeySize]byte
	PathKeys []pathKeyEntry `tls:"head=2"`
}

func encodeBundle(b *grantBundle) ([]byte, error) {
	b.Format = bundleFormatV1
	return syntax.Marshal(b)
}

func decodeBundle(data []byte) (*grantBundle, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty bundle", ErrUnknownBundleVersion)
	}
	if data[0] != bundleFormatV1 {
		return nil, fmt.Errorf("%w: version %d", ErrUnknownBundleVersion, data[0])
	}

	var b grantBundle
	if _, err := syntax.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("feed: decoding grant bundle: %w", err)
	}
	if len(b.PathKeys) < 2 {
		return nil, fmt.Errorf("feed: grant bundle has no usable path")
	}
	return &b, nil
}
