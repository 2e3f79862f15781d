package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const saltSize = 16

// SecretBox seals session artifacts with AES-256-GCM under a key
// derived from the passphrase with Argon2id. It implements
// domain.SessionSealer. With an empty passphrase sealing is a pass-through;
// artifacts are then stored in the clear.
type SecretBox struct {
	passphrase string
}

// NewSecretBox creates a sealer for the given passphrase.
func NewSecretBox(passphrase string) *SecretBox {
	return &SecretBox{passphrase: passphrase}
}

// Seal encrypts plain. Output layout: salt || nonce || ciphertext.
func (b *SecretBox) Seal(plain []byte) ([]byte, error) {
	if b.passphrase == "" {
		return plain, nil
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(b.passphrase, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plain)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plain, nil), nil
}

// Open decrypts a sealed artifact.
func (b *SecretBox) Open(sealed []byte) ([]byte, error) {
	if b.passphrase == "" {
		return sealed, nil
	}

	if len(sealed) < saltSize {
		return nil, fmt.Errorf("sealed blob too short")
	}
	salt, rest := sealed[:saltSize], sealed[saltSize:]

	gcm, err := newGCM(b.passphrase, salt)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize {
		return nil, fmt.Errorf("sealed blob too short")
	}
	nonce, ciphertext := rest[:nonceSize], rest[nonceSize:]

	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plain, nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}
