package accounts

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const maxPasswordBytes = 72

// PasswordHasher hashes and verifies passwords with bcrypt. The cost is
// injectable so tests can use bcrypt.MinCost.
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher returns a hasher with the given cost, clamped to bcrypt's range.
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordHasher{cost: cost}
}

// Hash returns the bcrypt hash of plaintext.
func (h *PasswordHasher) Hash(plaintext string) (string, error) {
	if len(plaintext) > maxPasswordBytes {
		return "", fmt.Errorf("%w: password must be %d bytes or fewer", ErrInvalidInput, maxPasswordBytes)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", fmt.Errorf("accounts: hashing password: %w", err)
	}
	return string(hashed), nil
}

// Verify checks plaintext against a bcrypt hash.
func (h *PasswordHasher) Verify(hash, plaintext string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
	if err == nil {
		return nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrInvalidCredentials
	}
	return fmt.Errorf("accounts: comparing password hash: %w", err)
}

// verifyLegacy compares against a plaintext password left by older records.
func verifyLegacy(stored, plaintext string) error {
	if subtle.ConstantTimeCompare([]byte(stored), []byte(plaintext)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
