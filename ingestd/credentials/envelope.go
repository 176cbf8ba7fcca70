// Package credentials encrypts per-shop marketplace credentials and
// serves them to tasks.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
)

// ErrDecrypt is returned when an envelope fails authentication. Usually
// means the process secret changed under stored data.
var ErrDecrypt = errors.New("credentials: envelope authentication failed")

// envelopeSalt is the fixed KDF salt. The process secret is the only
// secret input; the salt just domain-separates this use of it.
var envelopeSalt = []byte("sellerpulse/credentials/v1")

// scrypt parameters (interactive-grade; key derivation happens once per
// process, not per envelope).
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// Cipher seals and opens credential envelopes with a key derived from
// the process-wide secret.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the envelope key from the process secret.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("credentials: empty process secret")
	}
	key, err := scrypt.Key([]byte(secret), envelopeSalt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("credentials: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts credentials into an envelope: nonce || ciphertext.
func (c *Cipher) Seal(creds *domain.Credentials) ([]byte, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// SealString encrypts a bare secret string (proxy passwords) into the
// same nonce || ciphertext envelope shape.
func (c *Cipher) SealString(s string) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, []byte(s), nil), nil
}

// OpenString decrypts an envelope produced by SealString.
func (c *Cipher) OpenString(envelope []byte) (string, error) {
	if len(envelope) < c.aead.NonceSize() {
		return "", ErrDecrypt
	}
	nonce, ciphertext := envelope[:c.aead.NonceSize()], envelope[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// Open decrypts an envelope produced by Seal.
func (c *Cipher) Open(envelope []byte) (*domain.Credentials, error) {
	if len(envelope) < c.aead.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce, ciphertext := envelope[:c.aead.NonceSize()], envelope[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	var creds domain.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("credentials: decode envelope: %w", err)
	}
	return &creds, nil
}
