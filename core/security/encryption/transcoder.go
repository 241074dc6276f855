// Package encryption encrypts document bodies at rest. Transcoder wraps any
// txn.Transcoder and seals what it produces with AES-GCM, so values are
// unreadable in the store, in staging metadata, and on the wire.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sushant-115/gojotxn/core/txn"
)

var ErrCiphertextTooShort = errors.New("ciphertext is too short")

// Transcoder is a txn.Transcoder that encrypts the inner transcoder's output.
type Transcoder struct {
	inner txn.Transcoder
	gcm   cipher.AEAD
}

var _ txn.Transcoder = (*Transcoder)(nil)

// NewTranscoder wraps inner (JSON when nil). The key must be 16, 24, or 32
// bytes long to select AES-128, AES-192, or AES-256.
func NewTranscoder(key []byte, inner txn.Transcoder) (*Transcoder, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if inner == nil {
		inner = txn.JSONTranscoder{}
	}
	return &Transcoder{inner: inner, gcm: gcm}, nil
}

// Encode seals the inner encoding. The random nonce is prepended.
func (t *Transcoder) Encode(value interface{}) ([]byte, error) {
	plaintext, err := t.inner.Encode(value)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, t.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return t.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decode opens body and hands the plaintext to the inner transcoder.
func (t *Transcoder) Decode(body []byte, out interface{}) error {
	nonceSize := t.gcm.NonceSize()
	if len(body) < nonceSize {
		return ErrCiphertextTooShort
	}
	plaintext, err := t.gcm.Open(nil, body[:nonceSize], body[nonceSize:], nil)
	if err != nil {
		return fmt.Errorf("failed to decrypt: %w", err)
	}
	return t.inner.Decode(plaintext, out)
}

// LoadKeyFile reads a hex-encoded AES key.
func LoadKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read encryption key %s: %w", path, err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("encryption key %s is not hex: %w", path, err)
	}
	return key, nil
}
