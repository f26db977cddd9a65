package swarm

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

// LoadOrCreateIdentity reads a libp2p private key from path, generating and
// saving an Ed25519 key when the file does not exist yet.
func LoadOrCreateIdentity(path string) (p2pcrypto.PrivKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		priv, err := p2pcrypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("invalid identity file %s: %w", path, err)
		}
		return priv, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	priv, _, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}

	raw, err := p2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to encode identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create identity directory: %w", err)
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return nil, fmt.Errorf("failed to save identity: %w", err)
	}
	return priv, nil
}
