package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// discoveryNamespace is hashed under the topic key to derive its discovery key
const discoveryNamespace = "zentalk-discovery"

// Hash generates a BLAKE2b-256 hash
func Hash(data []byte) ([]byte, error) {
	hash, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}

	hash.Write(data)
	return hash.Sum(nil), nil
}

// HashString generates a BLAKE2b hash and returns hex string
func HashString(data []byte) (string, error) {
	hash, err := Hash(data)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(hash), nil
}

// DiscoveryKey derives the rendezvous key for a topic.
// The derivation is one-way: peers can match on the result without learning the topic key.
func DiscoveryKey(key Key) (Key, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	hash, err := blake2b.New256(key)
	if err != nil {
		return nil, err
	}

	hash.Write([]byte(discoveryNamespace))
	return Key(hash.Sum(nil)), nil
}

// MustDiscoveryKey is DiscoveryKey for keys already known to be valid
func MustDiscoveryKey(key Key) Key {
	dk, err := DiscoveryKey(key)
	if err != nil {
		panic(err)
	}
	return dk
}

// GenerateNonce generates a random nonce
func GenerateNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	_, err := rand.Read(nonce)
	if err != nil {
		return nil, err
	}
	return nonce, nil
}

// VerifyHash verifies a hash matches the data
func VerifyHash(data []byte, expectedHash []byte) (bool, error) {
	actualHash, err := Hash(data)
	if err != nil {
		return false, err
	}

	return subtle.ConstantTimeCompare(actualHash, expectedHash) == 1, nil
}
