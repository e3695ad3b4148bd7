// Package projects keeps the local contribution overlay that is added on top
// of a project's externally supplied baseline total.
package projects

import (
	"context"
	"errors"
	"maps"
	"sync"

	"github.com/MarcoPoloResearchLab/donorledger/internal/kvstore"
	"go.uber.org/zap"
)

// KeyContributions stores the {projectId: cumulativeAmount} overlay.
const KeyContributions = "projectContributions"

// ErrInvalidProject indicates a non-positive project id.
var ErrInvalidProject = errors.New("projects: invalid project id")

var errMissingStore = errors.New("projects: store is required")

// Config describes the dependencies of an Aggregator.
type Config struct {
	Store  kvstore.Store
	Logger *zap.Logger
}

// Aggregator accumulates local contributions per project.
type Aggregator struct {
	store  kvstore.Store
	logger *zap.Logger

	mu     sync.Mutex
	totals map[int64]float64
}

// NewAggregator constructs an Aggregator.
func NewAggregator(cfg Config) (*Aggregator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		store:  cfg.Store,
		logger: logger,
		totals: make(map[int64]float64),
	}, nil
}

// RecordContribution adds amount to projectID's overlay and returns the new
// accumulated amount. Non-positive amounts are ignored.
func (a *Aggregator) RecordContribution(ctx context.Context, projectID int64, amount float64) (float64, error) {
	if projectID <= 0 {
		return 0, ErrInvalidProject
	}
	ctx = context.WithoutCancel(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.refreshLocked(ctx)
	if amount <= 0 {
		a.logger.Warn("non-positive contribution ignored",
			zap.Int64("project_id", projectID),
			zap.Float64("amount", amount))
		return a.totals[projectID], nil
	}
	a.totals[projectID] += amount
	if err := kvstore.WriteJSON(ctx, a.store, KeyContributions, a.totals); err != nil {
		a.logger.Error("contribution overlay write failed",
			zap.Int64("project_id", projectID),
			zap.Error(err))
	}
	return a.totals[projectID], nil
}

// DisplayTotal returns baseline plus the locally accumulated amount.
func (a *Aggregator) DisplayTotal(ctx context.Context, projectID int64, baseline float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.refreshLocked(ctx)
	return baseline + a.totals[projectID]
}

// Contributions returns a snapshot of the overlay.
func (a *Aggregator) Contributions(ctx context.Context) map[int64]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.refreshLocked(ctx)
	return maps.Clone(a.totals)
}

// refreshLocked re-reads the persisted overlay. A corrupt or unreadable
// overlay keeps the in-memory totals; the next write replaces it.
func (a *Aggregator) refreshLocked(ctx context.Context) {
	persisted := make(map[int64]float64)
	found, err := kvstore.ReadJSON(ctx, a.store, KeyContributions, &persisted)
	if err != nil {
		a.logger.Warn("contribution overlay unreadable", zap.Error(err))
		return
	}
	if !found {
		return
	}
	a.totals = persisted
}
