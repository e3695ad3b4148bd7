package identity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/donorledger/internal/kvstore"
	"go.uber.org/zap"
)

var (
	errMissingStore   = errors.New("identity: store is required")
	errMissingDeriver = errors.New("identity: deriver is required")
	errEmptyIdentity  = errors.New("identity: identifier and email are required")
)

// RegistryConfig describes the dependencies of a Registry.
type RegistryConfig struct {
	Store      kvstore.Store
	Deriver    *Deriver
	Dispatcher *Dispatcher
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Registry owns the current-identity pointer and the deleted-identity deny-list.
type Registry struct {
	store      kvstore.Store
	deriver    *Deriver
	dispatcher *Dispatcher
	clock      func() time.Time
	logger     *zap.Logger

	// serializes pointer writes so published events carry a consistent Previous.
	pointerMu sync.Mutex
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Deriver == nil {
		return nil, errMissingDeriver
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:      cfg.Store,
		deriver:    cfg.Deriver,
		dispatcher: dispatcher,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Identify derives the identity for email.
func (r *Registry) Identify(email string) Identity {
	return r.deriver.Identify(email)
}

// Subscribe registers for identity change events.
func (r *Registry) Subscribe(ctx context.Context) (<-chan ChangeEvent, func()) {
	return r.dispatcher.Subscribe(ctx)
}

// Current returns the active identity. A pointer whose record key and email
// disagree is treated as absent.
func (r *Registry) Current(ctx context.Context) (Identity, bool) {
	recordKey, ok, err := r.store.Get(ctx, KeyCurrentUserKey)
	if err != nil {
		r.logger.Warn("identity pointer read failed", zap.Error(err))
		return Identity{}, false
	}
	if !ok {
		return Identity{}, false
	}
	email, ok, err := r.store.Get(ctx, KeyCurrentUserEmail)
	if err != nil {
		r.logger.Warn("identity email read failed", zap.Error(err))
		return Identity{}, false
	}
	if !ok || email == "" {
		return Identity{}, false
	}
	identifier, ok := identifierFromRecordKey(recordKey)
	if !ok {
		r.logger.Warn("identity pointer malformed", zap.String("current_user_key", recordKey))
		return Identity{}, false
	}
	if r.deriver.Derive(email) != identifier {
		r.logger.Warn("identity pointer does not match email")
		return Identity{}, false
	}
	return Identity{Identifier: identifier, Email: email}, true
}

// SetCurrent overwrites the identity pointer and notifies subscribers.
func (r *Registry) SetCurrent(ctx context.Context, next Identity) error {
	ctx = context.WithoutCancel(ctx)
	if next.Identifier == "" || next.Email == "" {
		return errEmptyIdentity
	}
	r.pointerMu.Lock()
	defer r.pointerMu.Unlock()

	previous, _ := r.Current(ctx)
	var errs []error
	if err := r.store.Set(ctx, KeyCurrentUserKey, RecordKey(next.Identifier)); err != nil {
		errs = append(errs, err)
	}
	if err := r.store.Set(ctx, KeyCurrentUserEmail, next.Email); err != nil {
		errs = append(errs, err)
	}
	r.publish(previous, next)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("identity: persist pointer: %w", err)
	}
	return nil
}

// Clear removes the identity pointer and notifies subscribers.
func (r *Registry) Clear(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	r.pointerMu.Lock()
	defer r.pointerMu.Unlock()

	previous, _ := r.Current(ctx)
	err := kvstore.RemoveAll(ctx, r.store, KeyCurrentUserKey, KeyCurrentUserEmail)
	r.publish(previous, Identity{})
	if err != nil {
		return fmt.Errorf("identity: clear pointer: %w", err)
	}
	return nil
}

func (r *Registry) publish(previous, current Identity) {
	r.dispatcher.Publish(ChangeEvent{
		Previous:  previous,
		Current:   current,
		Timestamp: r.clock().UTC(),
	})
}

// IsDeleted reports whether id is on the deny-list.
func (r *Registry) IsDeleted(ctx context.Context, id Identifier) bool {
	return slices.Contains(r.deletedIdentifiers(ctx), id.String())
}

// MarkDeleted adds id to the deny-list.
func (r *Registry) MarkDeleted(ctx context.Context, id Identifier) error {
	ctx = context.WithoutCancel(ctx)
	deleted := r.deletedIdentifiers(ctx)
	if slices.Contains(deleted, id.String()) {
		return nil
	}
	deleted = append(deleted, id.String())
	if err := kvstore.WriteJSON(ctx, r.store, KeyDeletedAccounts, deleted); err != nil {
		return fmt.Errorf("identity: mark deleted: %w", err)
	}
	return nil
}

// UnmarkDeleted removes id from the deny-list.
func (r *Registry) UnmarkDeleted(ctx context.Context, id Identifier) error {
	ctx = context.WithoutCancel(ctx)
	deleted := r.deletedIdentifiers(ctx)
	remaining := slices.DeleteFunc(slices.Clone(deleted), func(value string) bool {
		return value == id.String()
	})
	if len(remaining) == len(deleted) {
		return nil
	}
	if err := kvstore.WriteJSON(ctx, r.store, KeyDeletedAccounts, remaining); err != nil {
		return fmt.Errorf("identity: unmark deleted: %w", err)
	}
	return nil
}

func (r *Registry) deletedIdentifiers(ctx context.Context) []string {
	var deleted []string
	if _, err := kvstore.ReadJSON(ctx, r.store, KeyDeletedAccounts, &deleted); err != nil {
		r.logger.Warn("deny-list unreadable, treating as empty", zap.Error(err))
		return nil
	}
	return deleted
}
