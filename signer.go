package keri

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
)

// Signer is the external key-custody collaborator spec §1/§4.8 requires:
// sign, expose the current and committed-next public keys, and rotate
// from one to the other. Wallet storage itself is out of scope; this
// package only consumes the interface.
type Signer interface {
	Sign(body []byte) ([]byte, error)
	CurrentPublicKey() ed25519.PublicKey
	NextPublicKey() ed25519.PublicKey
	Rotate() error
}

// KeyChainSigner is an in-memory Signer backed by Ed25519 key pairs,
// generating each future key eagerly so NextPublicKey is always available
// for a pre-rotation commitment (spec §3 "Pre-rotation").
type KeyChainSigner struct {
	mu      sync.Mutex
	current ed25519.PrivateKey
	next    ed25519.PrivateKey
}

// NewKeyChainSigner generates an initial current/next key pair.
func NewKeyChainSigner() (*KeyChainSigner, error) {
	_, current, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate current key: %w", err)
	}
	_, next, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate next key: %w", err)
	}
	return &KeyChainSigner{current: current, next: next}, nil
}

func (s *KeyChainSigner) Sign(body []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ed25519.Sign(s.current, body), nil
}

func (s *KeyChainSigner) CurrentPublicKey() ed25519.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Public().(ed25519.PublicKey)
}

func (s *KeyChainSigner) NextPublicKey() ed25519.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next.Public().(ed25519.PublicKey)
}

// Rotate promotes next to current and generates a fresh next key.
func (s *KeyChainSigner) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, fresh, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate fresh next key: %w", err)
	}
	s.current = s.next
	s.next = fresh
	return nil
}
