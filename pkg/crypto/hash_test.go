package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected string // BLAKE2b-256 hash in hex
	}{
		{
			name:     "empty input",
			input:    []byte{},
			expected: "0e5751c026e543b2e8ab2eb06099daa1d1e5df47778f7787faab45cdf12fe3a8",
		},
		{
			name:     "simple string",
			input:    []byte("hello world"),
			expected: "256c83b297114d201b30179f3f0ef0cace9783622da5974326b436178aeef610",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := Hash(tt.input)
			require.NoError(t, err)
			assert.Len(t, hash, 32)
			assert.Equal(t, tt.expected, hex.EncodeToString(hash))
		})
	}
}

func TestDiscoveryKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	dk, err := DiscoveryKey(kp.Public)
	require.NoError(t, err)
	assert.Len(t, dk, KeySize)
	assert.False(t, dk.Equal(kp.Public), "discovery key must differ from the topic key")

	again, err := DiscoveryKey(kp.Public.Clone())
	require.NoError(t, err)
	assert.True(t, dk.Equal(again), "derivation must be deterministic")

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	otherDK := MustDiscoveryKey(other.Public)
	assert.False(t, dk.Equal(otherDK))
}

func TestDiscoveryKeyRejectsShortKey(t *testing.T) {
	_, err := DiscoveryKey(Key([]byte("short")))
	assert.ErrorIs(t, err, ErrInvalidKey)

	assert.Panics(t, func() { MustDiscoveryKey(nil) })
}

func TestGenerateNonce(t *testing.T) {
	for _, size := range []int{0, 8, 32} {
		nonce, err := GenerateNonce(size)
		require.NoError(t, err)
		assert.Len(t, nonce, size)
	}

	a, _ := GenerateNonce(16)
	b, _ := GenerateNonce(16)
	if bytes.Equal(a, b) {
		t.Error("GenerateNonce() produced identical nonces (collision)")
	}
}

func TestVerifyHash(t *testing.T) {
	input := []byte("verify this data")
	correctHash, _ := Hash(input)
	wrongHash := make([]byte, 32)
	copy(wrongHash, correctHash)
	wrongHash[0] ^= 0xFF

	tests := []struct {
		name     string
		data     []byte
		hash     []byte
		expected bool
	}{
		{"correct hash", input, correctHash, true},
		{"wrong hash", input, wrongHash, false},
		{"modified data", []byte("modified data"), correctHash, false},
		{"empty hash", input, []byte{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid, err := VerifyHash(tt.data, tt.hash)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, valid)
		})
	}
}
