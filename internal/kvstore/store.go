// Package kvstore provides the string-keyed persistence layer every other
// component writes through. Backends guarantee atomicity per key only.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrStorageCorrupt indicates a stored value could not be decoded.
	ErrStorageCorrupt = errors.New("kvstore: stored value is corrupt")
	// ErrEmptyKey indicates a blank key was supplied.
	ErrEmptyKey = errors.New("kvstore: key is required")
	// ErrStoreClosed indicates the backend has been closed.
	ErrStoreClosed = errors.New("kvstore: store is closed")
)

// Store is a persistent, synchronous key/value store.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// ReadJSON decodes the value stored under key into target. It reports false
// when the key is absent. A decode failure returns ErrStorageCorrupt so callers
// can treat the key as absent; the next successful write overwrites it.
func ReadJSON(ctx context.Context, store Store, key string, target any) (bool, error) {
	raw, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrStorageCorrupt, key, err)
	}
	return true, nil
}

// WriteJSON encodes value and stores it under key.
func WriteJSON(ctx context.Context, store Store, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kvstore: encode %s: %w", key, err)
	}
	return store.Set(ctx, key, string(payload))
}

// RemoveAll removes every key, continuing past failures and returning them joined.
func RemoveAll(ctx context.Context, store Store, keys ...string) error {
	var errs []error
	for _, key := range keys {
		if err := store.Remove(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
