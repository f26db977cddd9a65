package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
)

var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// KeyPair is an ed25519 key pair used for topics and feeds
type KeyPair struct {
	Public Key
	Secret ed25519.PrivateKey
}

// GenerateKeyPair generates a new ed25519 key pair
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: Key(pub), Secret: priv}, nil
}

// KeyPairFromSecret rebuilds a key pair from its secret half
func KeyPairFromSecret(secret ed25519.PrivateKey) (*KeyPair, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKey
	}
	pub := secret.Public().(ed25519.PublicKey)
	return &KeyPair{Public: Key(pub), Secret: secret}, nil
}

// Sign signs data with the secret key
func (kp *KeyPair) Sign(data []byte) []byte {
	return ed25519.Sign(kp.Secret, data)
}

// Verify checks an ed25519 signature made by the holder of public
func Verify(public Key, data, signature []byte) error {
	if err := public.Validate(); err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(public), data, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// ExportPrivateKeyPEM exports the secret key to PKCS#8 PEM
func ExportPrivateKeyPEM(secret ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(secret)
	if err != nil {
		return nil, err
	}

	block := &pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: der,
	}

	return pem.EncodeToMemory(block), nil
}

// ImportPrivateKeyPEM imports an ed25519 secret key from PEM
func ImportPrivateKeyPEM(pemData []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, ErrInvalidKey
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	secret, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, ErrInvalidKey
	}

	return secret, nil
}

// SaveKeyToFile saves a PEM encoded key to file
func SaveKeyToFile(filename string, pemData []byte) error {
	return os.WriteFile(filename, pemData, 0600)
}

// LoadKeyFromFile loads a PEM encoded key from file
func LoadKeyFromFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}
