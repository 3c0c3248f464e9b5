// Package signer abstracts over the signing authorities used by the
// governance core: asymmetric Ed25519 signatures for manifests and
// HMAC shared secrets for the event journal.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

// Signer signs bytes under a stable key identity and verifies
// signatures produced by it. Keys are identified by key_id recorded in
// the manifest; signing under a revoked key is rejected.
type Signer interface {
	Sign(data []byte, keyID string) (string, error)
	Verify(data []byte, signature, keyID string) (bool, error)
	PublicKey(keyID string) (string, error)
}

// KeyRing is an in-process Ed25519 keyring with revocation.
type KeyRing struct {
	mu      sync.RWMutex
	keys    map[string]ed25519.PrivateKey
	public  map[string]ed25519.PublicKey
	revoked map[string]bool
}

// NewKeyRing creates an empty keyring.
func NewKeyRing() *KeyRing {
	return &KeyRing{
		keys:    make(map[string]ed25519.PrivateKey),
		public:  make(map[string]ed25519.PublicKey),
		revoked: make(map[string]bool),
	}
}

// Generate creates a fresh Ed25519 keypair under keyID.
func (k *KeyRing) Generate(keyID string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("key generation failed: %w", err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = priv
	k.public[keyID] = pub
	return nil
}

// AddKey registers an existing private key under keyID.
func (k *KeyRing) AddKey(keyID string, priv ed25519.PrivateKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = priv
	k.public[keyID] = priv.Public().(ed25519.PublicKey)
}

// AddVerifyKey registers a public key only (verification-side deployments).
func (k *KeyRing) AddVerifyKey(keyID string, pub ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.public[keyID] = pub
}

// Revoke marks keyID as revoked. Signing requests under it fail;
// existing signatures still verify so old manifests stay readable.
func (k *KeyRing) Revoke(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.revoked[keyID] = true
}

// Sign signs data under keyID, returning a hex-encoded signature.
func (k *KeyRing) Sign(data []byte, keyID string) (string, error) {
	k.mu.RLock()
	priv, ok := k.keys[keyID]
	revoked := k.revoked[keyID]
	k.mu.RUnlock()

	if revoked {
		return "", fmt.Errorf("signer: key %q is revoked", keyID)
	}
	if !ok {
		return "", fmt.Errorf("signer: unknown key %q", keyID)
	}
	return hex.EncodeToString(ed25519.Sign(priv, data)), nil
}

// Verify checks a hex-encoded signature against the key's public half.
func (k *KeyRing) Verify(data []byte, signature, keyID string) (bool, error) {
	k.mu.RLock()
	pub, ok := k.public[keyID]
	k.mu.RUnlock()

	if !ok {
		return false, fmt.Errorf("signer: unknown key %q", keyID)
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("signer: invalid signature hex: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("signer: invalid signature size %d", len(sig))
	}
	return ed25519.Verify(pub, data, sig), nil
}

// PublicKey returns the hex-encoded public key for keyID.
func (k *KeyRing) PublicKey(keyID string) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.public[keyID]
	if !ok {
		return "", fmt.Errorf("signer: unknown key %q", keyID)
	}
	return hex.EncodeToString(pub), nil
}
