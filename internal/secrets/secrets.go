// SPDX-License-Identifier: MIT

// Package secrets decrypts connector API keys. Keys are stored as
// base64(nonce || AES-256-GCM ciphertext) sealed with the process-wide
// SECRET_KEY; the control plane only ever sees the decrypted value through
// the Provider interface.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Provider hands out decrypted API keys for connectors.
type Provider interface {
	APIKey(ctx context.Context, connectorID int64) (string, error)
}

// KeySource reads the stored (encrypted) API key for a connector.
type KeySource interface {
	EncryptedAPIKey(ctx context.Context, connectorID int64) (string, error)
}

// AESProvider implements Provider with AES-256-GCM.
type AESProvider struct {
	aead   cipher.AEAD
	source KeySource
}

// NewAESProvider builds a provider from a 32-byte key and a key source.
func NewAESProvider(key []byte, source KeySource) (*AESProvider, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &AESProvider{aead: aead, source: source}, nil
}

// APIKey fetches and decrypts the API key for a connector.
func (p *AESProvider) APIKey(ctx context.Context, connectorID int64) (string, error) {
	enc, err := p.source.EncryptedAPIKey(ctx, connectorID)
	if err != nil {
		return "", fmt.Errorf("load encrypted key for connector %d: %w", connectorID, err)
	}
	plain, err := p.Decrypt(enc)
	if err != nil {
		return "", fmt.Errorf("decrypt key for connector %d: %w", connectorID, err)
	}
	return plain, nil
}

// Encrypt seals a plaintext API key for storage.
func (p *AESProvider) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := p.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a stored base64(nonce || ciphertext) value.
func (p *AESProvider) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode key: %w", err)
	}
	ns := p.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("ciphertext shorter than nonce")
	}
	plain, err := p.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plain), nil
}

// StaticProvider returns fixed keys, for tests.
type StaticProvider map[int64]string

// APIKey returns the configured key or an error when unknown.
func (p StaticProvider) APIKey(_ context.Context, connectorID int64) (string, error) {
	key, ok := p[connectorID]
	if !ok {
		return "", fmt.Errorf("no api key for connector %d", connectorID)
	}
	return key, nil
}
