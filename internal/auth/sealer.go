// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package auth

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/samber/oops"
	"golang.org/x/crypto/chacha20poly1305"
)

// SecretSealerKeySize is the required key length for NewSecretSealer.
const SecretSealerKeySize = chacha20poly1305.KeySize

// SecretSealer encrypts second-factor secrets at rest using
// XChaCha20-Poly1305. The sealed form is nonce || ciphertext.
type SecretSealer struct {
	key []byte
}

// NewSecretSealer creates a sealer from a 32-byte key.
func NewSecretSealer(key []byte) (*SecretSealer, error) {
	if len(key) != SecretSealerKeySize {
		return nil, oops.Code("SEALER_INVALID_KEY").
			With("length", len(key)).
			Errorf("sealer key must be %d bytes", SecretSealerKeySize)
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &SecretSealer{key: k}, nil
}

// NewSecretSealerFromBase64 decodes a standard base64 key.
func NewSecretSealerFromBase64(encoded string) (*SecretSealer, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, oops.Code("SEALER_INVALID_KEY").Wrapf(err, "decode sealer key")
	}
	return NewSecretSealer(key)
}

// Seal encrypts plaintext. additional binds the ciphertext to a context
// such as the owning user ID.
func (s *SecretSealer) Seal(plaintext, additional []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, oops.Code("SEALER_INIT_FAILED").Wrap(err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, oops.Code("SEALER_NONCE_FAILED").Wrap(err)
	}
	return aead.Seal(nonce, nonce, plaintext, additional), nil
}

// Open decrypts a value produced by Seal with the same additional data.
func (s *SecretSealer) Open(sealed, additional []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, oops.Code("SEALER_INIT_FAILED").Wrap(err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, oops.Code("SEALER_OPEN_FAILED").Errorf("sealed value too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, additional)
	if err != nil {
		return nil, oops.Code("SEALER_OPEN_FAILED").Wrap(err)
	}
	return plaintext, nil
}
