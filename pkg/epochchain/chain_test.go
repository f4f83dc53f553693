package epochchain

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateChainLinks(t *testing.T) {
	chain, err := Generate(16)
	require.Nil(t, err)
	assert.Equal(t, uint32(16), chain.MaxEpoch())

	// cek[e] = SHA256(cek[e+1]) all the way down.
	for e := uint32(1); e < 16; e++ {
		lower, err := chain.CEK(e)
		require.Nil(t, err)
		upper, err := chain.CEK(e + 1)
		require.Nil(t, err)
		assert.Equalf(t, [KeySize]byte(sha256.Sum256(upper[:])), lower, "link %d -> %d", e+1, e)
	}
}

func TestCEKBounds(t *testing.T) {
	chain, err := Generate(8)
	require.Nil(t, err)

	_, err = chain.CEK(0)
	assert.ErrorIs(t, err, ErrEpochOutOfRange, "epoch numbering starts at 1")
	_, err = chain.CEK(9)
	assert.ErrorIs(t, err, ErrEpochOutOfRange)
}

func TestDeriveBackward(t *testing.T) {
	chain, err := Generate(32)
	require.Nil(t, err)

	for j := uint32(1); j <= 32; j++ {
		known, err := chain.CEK(j)
		require.Nil(t, err)
		for i := uint32(1); i <= j; i++ {
			want, err := chain.CEK(i)
			require.Nil(t, err)
			got, err := DeriveBackward(j, known, i)
			require.Nil(t, err)
			assert.Equalf(t, want, got, "derive %d from %d", i, j)
		}
	}
}

func TestDeriveForwardRefused(t *testing.T) {
	chain, err := Generate(8)
	require.Nil(t, err)

	known, err := chain.CEK(3)
	require.Nil(t, err)

	_, err = DeriveBackward(3, known, 4)
	assert.ErrorIs(t, err, ErrEpochTooNew)
	_, err = DeriveBackward(3, known, 0)
	assert.ErrorIs(t, err, ErrEpochOutOfRange)
}

func TestFromSeedDeterministic(t *testing.T) {
	seed := []byte("feed seed for chain recovery")

	a, err := FromSeed(seed, 64)
	require.Nil(t, err)
	b, err := FromSeed(seed, 64)
	require.Nil(t, err)

	for e := uint32(1); e <= 64; e++ {
		ca, err := a.CEK(e)
		require.Nil(t, err)
		cb, err := b.CEK(e)
		require.Nil(t, err)
		assert.Equal(t, ca, cb)
	}

	other, err := FromSeed([]byte("a different seed"), 64)
	require.Nil(t, err)
	ca, _ := a.CEK(1)
	co, _ := other.CEK(1)
	assert.NotEqual(t, ca, co)
}

func TestGenerateChainsDiffer(t *testing.T) {
	a, err := Generate(4)
	require.Nil(t, err)
	b, err := Generate(4)
	require.Nil(t, err)

	ca, _ := a.CEK(4)
	cb, _ := b.CEK(4)
	assert.NotEqual(t, ca, cb, "chain tails are independent randomness")
}
