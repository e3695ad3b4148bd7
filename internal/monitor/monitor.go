// Package monitor keeps the donation ledger aligned with the active identity.
// It reacts to identity change events and also polls the persisted pointer,
// which other processes sharing the store may rewrite without an event.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/donorledger/internal/identity"
	"github.com/MarcoPoloResearchLab/donorledger/internal/migration"
	"github.com/MarcoPoloResearchLab/donorledger/internal/records"
	"go.uber.org/zap"
)

// DefaultPollInterval is used when Config.PollInterval is zero.
const DefaultPollInterval = 500 * time.Millisecond

var (
	errMissingRegistry = errors.New("monitor: identity registry is required")
	errMissingLedger   = errors.New("monitor: ledger is required")
)

// Ledger is the view the monitor keeps in sync.
type Ledger interface {
	Load(ctx context.Context, ident identity.Identity) []records.Donation
	Clear()
}

// Migrator repairs the active identity's legacy donations before they load.
type Migrator interface {
	Run(ctx context.Context) migration.Result
}

// Config describes the dependencies of a Monitor. A negative PollInterval
// disables polling and leaves only the event subscription.
type Config struct {
	Registry     *identity.Registry
	Ledger       Ledger
	Migrator     Migrator
	PollInterval time.Duration
	Logger       *zap.Logger
}

// Monitor watches the identity pointer.
type Monitor struct {
	registry     *identity.Registry
	ledger       Ledger
	migrator     Migrator
	pollInterval time.Duration
	logger       *zap.Logger

	mu       sync.Mutex
	synced   bool
	observed identity.Identity
}

// New constructs a Monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	interval := cfg.PollInterval
	if interval == 0 {
		interval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		registry:     cfg.Registry,
		ledger:       cfg.Ledger,
		migrator:     cfg.Migrator,
		pollInterval: interval,
		logger:       logger,
	}, nil
}

// Run syncs once and then on every change event and poll tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	events, unsubscribe := m.registry.Subscribe(ctx)
	defer unsubscribe()

	var ticks <-chan time.Time
	if m.pollInterval > 0 {
		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	m.Sync(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("identity monitor stopped")
			return nil
		case <-events:
			m.Sync(ctx)
		case <-ticks:
			m.Sync(ctx)
		}
	}
}

// Sync compares the registry pointer with the last observed identity and,
// on any difference, clears the ledger view before migrating and reloading
// for the new identity. It reports whether a change was applied.
func (m *Monitor) Sync(ctx context.Context) bool {
	current, _ := m.registry.Current(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.synced && current == m.observed {
		return false
	}
	m.ledger.Clear()
	previous := m.observed
	m.observed = current
	m.synced = true

	if current.IsZero() {
		m.logger.Info("identity cleared", zap.String("previous", previous.Identifier.String()))
		return true
	}
	if m.migrator != nil {
		result := m.migrator.Run(ctx)
		if !result.Skipped {
			m.logger.Info("donations migrated on identity change",
				zap.String("identifier", current.Identifier.String()),
				zap.Int("stamped", result.Stamped))
		}
	}
	loaded := m.ledger.Load(ctx, current)
	m.logger.Info("identity changed",
		zap.String("previous", previous.Identifier.String()),
		zap.String("current", current.Identifier.String()),
		zap.Int("donations", len(loaded)))
	return true
}

// Observed returns the identity the ledger was last aligned with.
func (m *Monitor) Observed() identity.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observed
}
