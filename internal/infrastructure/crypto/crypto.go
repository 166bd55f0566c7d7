// Package crypto implements the credential vault used to seal enrollment
// access tokens at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"finsync/internal/domain/credential"
)

const keySize = 32 // AES-256

// HKDF info for the enrollment credential subkey.
const credentialKeyInfo = "finsync/enrollment-credential"

var (
	// ErrInvalidKey is returned when the process key is absent or not 32 bytes.
	ErrInvalidKey = errors.New("encryption key must be 32 bytes (raw or base64)")
)

// Encryptor is an AES-256-GCM credential.Vault.
type Encryptor struct {
	aead cipher.AEAD
}

var _ credential.Vault = (*Encryptor)(nil)

// NewEncryptor builds a vault from the process key. The key may be given as
// 32 raw bytes or as the standard base64 encoding of 32 bytes.
func NewEncryptor(key string) (*Encryptor, error) {
	master, err := parseKey(key)
	if err != nil {
		return nil, err
	}

	derived := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, master, nil, []byte(credentialKeyInfo))
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, fmt.Errorf("failed to derive credential key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{aead: aead}, nil
}

func parseKey(key string) ([]byte, error) {
	if len(key) == keySize {
		return []byte(key), nil
	}
	if key == "" {
		return nil, ErrInvalidKey
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(decoded) != keySize {
		return nil, ErrInvalidKey
	}
	return decoded, nil
}

// Encrypt seals plaintext with a fresh random nonce and returns
// base64(nonce || ciphertext || tag). Empty input yields empty output.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Any malformed or tampered input
// is reported as credential.ErrIntegrity.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding", credential.ErrIntegrity)
	}

	nonceSize := e.aead.NonceSize()
	if len(raw) < nonceSize+e.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", credential.ErrIntegrity)
	}

	plaintext, err := e.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", credential.ErrIntegrity)
	}

	return string(plaintext), nil
}
