// Package identity tracks who is currently using the ledger. It derives
// storage identifiers from emails, owns the current-identity pointer and
// the deny-list of deleted identities, and publishes identity changes.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const (
	// KeyCurrentUserKey stores the record key of the active identity.
	KeyCurrentUserKey = "currentUserKey"
	// KeyCurrentUserEmail stores the active identity's email.
	KeyCurrentUserEmail = "currentUserEmail"
	// KeyDeletedAccounts stores the JSON array of deleted identifiers.
	KeyDeletedAccounts = "deletedAccounts"

	recordKeyPrefix = "userData_"
)

// ErrMissingSecret indicates the identifier key was not configured.
var ErrMissingSecret = errors.New("identity: derivation secret required")

// Identifier is the opaque storage-key suffix derived from an email.
type Identifier string

// String returns the raw identifier.
func (id Identifier) String() string {
	return string(id)
}

// RecordKey returns the key of the account record owned by id.
func RecordKey(id Identifier) string {
	return recordKeyPrefix + string(id)
}

func identifierFromRecordKey(key string) (Identifier, bool) {
	if !strings.HasPrefix(key, recordKeyPrefix) {
		return "", false
	}
	suffix := strings.TrimPrefix(key, recordKeyPrefix)
	if suffix == "" {
		return "", false
	}
	return Identifier(suffix), true
}

// Identity pairs an email with its derived identifier.
type Identity struct {
	Identifier Identifier
	Email      string
}

// IsZero reports whether the identity is empty.
func (i Identity) IsZero() bool {
	return i.Identifier == "" && i.Email == ""
}

// Deriver computes identifiers with a keyed hash so that storage keys do not
// reveal the email they belong to.
type Deriver struct {
	secret []byte
}

// NewDeriver constructs a Deriver keyed by secret.
func NewDeriver(secret []byte) (*Deriver, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Deriver{secret: key}, nil
}

// Derive returns the identifier for email. The same email always yields the
// same identifier; emails are compared exactly as stored.
func (d *Deriver) Derive(email string) Identifier {
	mac := hmac.New(sha256.New, d.secret)
	mac.Write([]byte(email))
	return Identifier(hex.EncodeToString(mac.Sum(nil)))
}

// Identify returns the full identity for email.
func (d *Deriver) Identify(email string) Identity {
	return Identity{Identifier: d.Derive(email), Email: email}
}
