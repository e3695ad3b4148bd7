// Package migration repairs donation records written before entries carried
// an owner tag. Each identity is migrated at most once; the completion flag
// is permanent even if untagged entries show up later.
package migration

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/donorledger/internal/identity"
	"github.com/MarcoPoloResearchLab/donorledger/internal/kvstore"
	"github.com/MarcoPoloResearchLab/donorledger/internal/records"
	"go.uber.org/zap"
)

const (
	flagKeyPrefix = "donation_migration_"
	flagCompleted = "completed"

	// KeyGlobalCleanup marks the one-time removal of legacy global donation keys.
	KeyGlobalCleanup = "global_donation_cleanup"
)

// legacyGlobalKeys were written before donations were scoped per identity.
var legacyGlobalKeys = []string{
	"donations",
	"successfulDonations",
	"donationHistory",
	"projectTotals",
}

var (
	errMissingStore      = errors.New("migration: store is required")
	errMissingRegistry   = errors.New("migration: identity registry is required")
	errMissingRepository = errors.New("migration: records repository is required")
)

// FlagKey returns the key holding id's migration flag.
func FlagKey(id identity.Identifier) string {
	return flagKeyPrefix + id.String()
}

// Config describes the dependencies of an Engine.
type Config struct {
	Store      kvstore.Store
	Registry   *identity.Registry
	Repository *records.Repository
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Engine runs the per-identity ownership repair.
type Engine struct {
	store      kvstore.Store
	registry   *identity.Registry
	repository *records.Repository
	clock      func() time.Time
	logger     *zap.Logger

	mu  sync.Mutex
	ran map[identity.Identifier]bool
}

// Result summarizes one Run.
type Result struct {
	Identity identity.Identity
	Stamped  int
	Skipped  bool
}

// NewEngine constructs an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Repository == nil {
		return nil, errMissingRepository
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:      cfg.Store,
		registry:   cfg.Registry,
		repository: cfg.Repository,
		clock:      clock,
		logger:     logger,
		ran:        make(map[identity.Identifier]bool),
	}, nil
}

// Run migrates the current identity's donations. It is a no-op without an
// identity, when this process already ran it for the identity, or when the
// persisted flag says it completed.
func (e *Engine) Run(ctx context.Context) Result {
	ctx = context.WithoutCancel(ctx)
	ident, ok := e.registry.Current(ctx)
	if !ok {
		return Result{Skipped: true}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	unlock := e.repository.Lock(ident.Identifier)
	defer unlock()

	result := Result{Identity: ident, Skipped: true}
	if e.ran[ident.Identifier] {
		return result
	}
	flagKey := FlagKey(ident.Identifier)
	flag, found, err := e.store.Get(ctx, flagKey)
	if err != nil {
		e.logger.Warn("migration flag unreadable", zap.String("identifier", ident.Identifier.String()), zap.Error(err))
		return result
	}
	if found && flag == flagCompleted {
		e.ran[ident.Identifier] = true
		return result
	}

	account, found, err := e.repository.Load(ctx, ident.Identifier)
	if err != nil {
		// a corrupt record is left for a later run rather than flagged done
		e.logger.Warn("migration skipped, account record unreadable",
			zap.String("identifier", ident.Identifier.String()), zap.Error(err))
		return result
	}

	if found && len(account.SuccessfulDonations) > 0 {
		migratedAt := records.FormatTime(e.clock())
		for index := range account.SuccessfulDonations {
			donation := &account.SuccessfulDonations[index]
			if donation.UserEmail != "" {
				continue
			}
			donation.UserEmail = ident.Email
			donation.MigratedAt = migratedAt
			result.Stamped++
		}
		if result.Stamped > 0 {
			if err := e.repository.Save(ctx, ident.Identifier, account); err != nil {
				e.logger.Error("migration write failed", zap.String("identifier", ident.Identifier.String()), zap.Error(err))
				return result
			}
		}
	}

	if err := e.store.Set(ctx, flagKey, flagCompleted); err != nil {
		e.logger.Error("migration flag write failed", zap.String("identifier", ident.Identifier.String()), zap.Error(err))
	}
	e.ran[ident.Identifier] = true
	result.Skipped = false
	e.logger.Info("donation ownership migration completed",
		zap.String("identifier", ident.Identifier.String()),
		zap.Int("stamped", result.Stamped))
	return result
}

// CleanupGlobal removes the legacy un-scoped donation keys once per store and
// reports whether it did any work.
func (e *Engine) CleanupGlobal(ctx context.Context) bool {
	ctx = context.WithoutCancel(ctx)
	flag, found, err := e.store.Get(ctx, KeyGlobalCleanup)
	if err != nil {
		e.logger.Warn("global cleanup flag unreadable", zap.Error(err))
		return false
	}
	if found && flag == flagCompleted {
		return false
	}
	if err := kvstore.RemoveAll(ctx, e.store, legacyGlobalKeys...); err != nil {
		e.logger.Error("global donation cleanup incomplete", zap.Error(err))
		return false
	}
	if err := e.store.Set(ctx, KeyGlobalCleanup, flagCompleted); err != nil {
		e.logger.Error("global cleanup flag write failed", zap.Error(err))
	}
	e.logger.Info("legacy global donation keys removed", zap.Strings("keys", legacyGlobalKeys))
	return true
}
