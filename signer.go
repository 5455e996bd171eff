package passlink

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
)

// Signer abstracts the key service that holds the magic-link signing keys.
// Implementations sign a precomputed SHA-512 digest with RSA-PSS (salt
// length equal to the digest length) and expose the matching public keys so
// verification can run locally without a round trip per link.
type Signer interface {
	Sign(ctx context.Context, keyID string, digest []byte) ([]byte, error)
	PublicKey(ctx context.Context, keyID string) (*rsa.PublicKey, error)
}

var pssOptions = rsa.PSSOptions{
	SaltLength: rsa.PSSSaltLengthEqualsHash,
	Hash:       crypto.SHA512,
}

// KeySigner is an in-process Signer over a set of RSA private keys, keyed
// by key ID. Suitable for single-tenant deployments and tests; production
// setups pointing at an external KMS implement Signer themselves.
type KeySigner struct {
	mu   sync.RWMutex
	keys map[string]*rsa.PrivateKey
}

func NewKeySigner() *KeySigner {
	return &KeySigner{keys: make(map[string]*rsa.PrivateKey)}
}

// AddKey registers key under keyID, replacing any previous key with the
// same ID.
func (s *KeySigner) AddKey(keyID string, key *rsa.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[keyID] = key
}

func (s *KeySigner) lookup(keyID string) (*rsa.PrivateKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[keyID]
	if !ok {
		return nil, errors.New("unknown signing key id: " + keyID)
	}
	return key, nil
}

func (s *KeySigner) Sign(_ context.Context, keyID string, digest []byte) ([]byte, error) {
	key, err := s.lookup(keyID)
	if err != nil {
		return nil, err
	}
	return rsa.SignPSS(rand.Reader, key, crypto.SHA512, digest, &pssOptions)
}

func (s *KeySigner) PublicKey(_ context.Context, keyID string) (*rsa.PublicKey, error) {
	key, err := s.lookup(keyID)
	if err != nil {
		return nil, err
	}
	return &key.PublicKey, nil
}
