package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// EventMAC computes the HMAC chain links of the event journal.
// Per-tenant keys are derived from the master event secret with HKDF
// so a leaked tenant export never exposes the master secret.
type EventMAC struct {
	mu     sync.Mutex
	master []byte
	keys   map[string][]byte
}

// NewEventMAC creates an EventMAC from the master secret
// (GOVERNANCE_EVENT_SECRET).
func NewEventMAC(master []byte) (*EventMAC, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("signer: event secret must not be empty")
	}
	return &EventMAC{
		master: master,
		keys:   make(map[string][]byte),
	}, nil
}

// tenantKey derives and caches the per-tenant HMAC key.
func (m *EventMAC) tenantKey(tenant string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key, ok := m.keys[tenant]; ok {
		return key, nil
	}
	r := hkdf.New(sha256.New, m.master, nil, []byte("governance/event-log/"+tenant))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("signer: key derivation failed: %w", err)
	}
	m.keys[tenant] = key
	return key, nil
}

// Chain computes HMAC(key, prev || canonical) as a hex string.
func (m *EventMAC) Chain(tenant, prev string, canonical []byte) (string, error) {
	key, err := m.tenantKey(tenant)
	if err != nil {
		return "", err
	}
	h := hmac.New(sha256.New, key)
	h.Write([]byte(prev))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyLink reports whether mac is the correct chain link for
// (prev, canonical) under the tenant's key.
func (m *EventMAC) VerifyLink(tenant, prev string, canonical []byte, mac string) (bool, error) {
	expected, err := m.Chain(tenant, prev, canonical)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(expected), []byte(mac)), nil
}
