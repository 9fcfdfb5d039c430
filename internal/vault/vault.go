// Package vault encrypts long-lived channel credentials at rest.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	keySize = 32
	ivSize  = 12
	tagSize = 16
)

// ErrDecrypt is returned when a sealed payload fails authentication.
var ErrDecrypt = errors.New("vault: message authentication failed")

// Sealed is the stored form of a credential. The tag is kept apart from the
// ciphertext so each column can be validated on its own.
type Sealed struct {
	CipherText []byte `json:"cipher_text"`
	IV         []byte `json:"iv"`
	AuthTag    []byte `json:"auth_tag"`
}

// Vault seals and opens secrets with AES-256-GCM under one process-wide key.
type Vault struct {
	aead cipher.AEAD
	rand io.Reader
}

// New builds a vault from a raw 32 byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &Vault{aead: aead, rand: rand.Reader}, nil
}

// Encrypt seals plaintext under a fresh random IV.
func (v *Vault) Encrypt(plaintext []byte) (Sealed, error) {
	if v == nil || v.aead == nil {
		return Sealed{}, errors.New("vault is not configured")
	}

	// GCM needs a unique nonce per encryption under the same key.
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(v.rand, iv); err != nil {
		return Sealed{}, fmt.Errorf("read iv: %w", err)
	}

	out := v.aead.Seal(nil, iv, plaintext, nil)
	split := len(out) - tagSize
	return Sealed{
		CipherText: out[:split],
		IV:         iv,
		AuthTag:    out[split:],
	}, nil
}

// Decrypt opens a sealed payload. It never returns partial or empty output
// on failure.
func (v *Vault) Decrypt(s Sealed) ([]byte, error) {
	if v == nil || v.aead == nil {
		return nil, errors.New("vault is not configured")
	}
	if len(s.IV) != ivSize {
		return nil, fmt.Errorf("vault: iv must be %d bytes, got %d", ivSize, len(s.IV))
	}
	if len(s.AuthTag) != tagSize {
		return nil, fmt.Errorf("vault: auth tag must be %d bytes, got %d", tagSize, len(s.AuthTag))
	}

	buf := make([]byte, 0, len(s.CipherText)+tagSize)
	buf = append(buf, s.CipherText...)
	buf = append(buf, s.AuthTag...)

	plaintext, err := v.aead.Open(nil, s.IV, buf, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// EncryptString is a convenience wrapper for token strings.
func (v *Vault) EncryptString(plaintext string) (Sealed, error) {
	return v.Encrypt([]byte(plaintext))
}

// DecryptString is a convenience wrapper for token strings.
func (v *Vault) DecryptString(s Sealed) (string, error) {
	b, err := v.Decrypt(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
