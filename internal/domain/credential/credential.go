// Package credential defines the boundary through which enrollment access
// tokens are sealed at rest. Nothing outside a Vault ever sees plaintext
// except the single call that needs it.
package credential

import "errors"

// ErrIntegrity is returned when a sealed credential fails authentication.
// It is fatal for the owning enrollment: callers mark it expired and ask the
// user to re-link, they never try to repair the ciphertext.
var ErrIntegrity = errors.New("credential integrity check failed")

// ErrMissing is returned when an enrollment has no stored credential.
var ErrMissing = errors.New("credential missing")

// Vault encrypts and decrypts long-lived access credentials.
type Vault interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}
