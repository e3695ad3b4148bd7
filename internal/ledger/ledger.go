// Package ledger keeps the donation history of the active identity. Entries
// are persisted inside the identity's account record and surfaced only to the
// identity whose email they carry.
package ledger

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/donorledger/internal/identity"
	"github.com/MarcoPoloResearchLab/donorledger/internal/records"
	"go.uber.org/zap"
)

// Status reports the outcome of Add.
type Status string

const (
	StatusAdded     Status = "added"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
)

var (
	// ErrInvalidDonation indicates a donation without a payment id.
	ErrInvalidDonation = errors.New("ledger: payment id is required")
	// ErrIdentityMissing indicates no identity is active.
	ErrIdentityMissing = errors.New("ledger: no active identity")

	errMissingRegistry   = errors.New("ledger: identity registry is required")
	errMissingRepository = errors.New("ledger: records repository is required")
)

// Aggregator receives the amount of every added donation that names a project.
type Aggregator interface {
	RecordContribution(ctx context.Context, projectID int64, amount float64) (float64, error)
}

// Publisher mirrors committed ledger changes to a remote backend. Failures
// are logged and never undo the local append.
type Publisher interface {
	DonationRecorded(ctx context.Context, owner identity.Identity, donation records.Donation) error
	ProjectTotalChanged(ctx context.Context, projectID int64, contributed float64) error
}

// DonationInfo is what a payment flow hands to Add.
type DonationInfo struct {
	PaymentID   string  `json:"paymentId"`
	ProjectID   int64   `json:"projectId,omitempty"`
	ProjectName string  `json:"projectName,omitempty"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

// AddResult is returned by Add.
type AddResult struct {
	Status   Status           `json:"status"`
	Donation records.Donation `json:"donation"`
}

// Config describes the dependencies of a Ledger.
type Config struct {
	Registry   *identity.Registry
	Repository *records.Repository
	Aggregator Aggregator
	Publisher  Publisher
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Ledger is the identity-scoped donation ledger.
type Ledger struct {
	registry   *identity.Registry
	repository *records.Repository
	aggregator Aggregator
	publisher  Publisher
	clock      func() time.Time
	logger     *zap.Logger

	mu    sync.Mutex
	owner identity.Identity
	view  []records.Donation
}

// New constructs a Ledger.
func New(cfg Config) (*Ledger, error) {
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
	return &Ledger{
		registry:   cfg.Registry,
		repository: cfg.Repository,
		aggregator: cfg.Aggregator,
		publisher:  cfg.Publisher,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Load replaces the in-memory view with ident's donations and returns them in
// insertion order. Only entries whose userEmail equals ident's email are kept;
// an empty identity yields an empty ledger.
func (l *Ledger) Load(ctx context.Context, ident identity.Identity) []records.Donation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.loadLocked(ctx, ident))
}

// DonationsFor returns ident's donations, most recent first, reloading the
// view when it belongs to another identity. Owner check, reload and read
// happen under one lock so a concurrent identity switch cannot hand back
// another identity's entries.
func (l *Ledger) DonationsFor(ctx context.Context, ident identity.Identity) []records.Donation {
	l.mu.Lock()
	defer l.mu.Unlock()

	view := l.view
	if l.owner != ident {
		view = l.loadLocked(ctx, ident)
	}
	donations := make([]records.Donation, 0, len(view))
	for _, donation := range view {
		if donation.UserEmail == ident.Email {
			donations = append(donations, donation)
		}
	}
	records.SortByRecent(donations)
	return donations
}

func (l *Ledger) loadLocked(ctx context.Context, ident identity.Identity) []records.Donation {
	l.owner = identity.Identity{}
	l.view = nil
	if ident.IsZero() || ident.Email == "" {
		return []records.Donation{}
	}

	persisted := l.readPersisted(ctx, ident)
	owned := make([]records.Donation, 0, len(persisted))
	for _, donation := range persisted {
		if donation.UserEmail == ident.Email {
			owned = append(owned, donation)
		}
	}
	l.owner = ident
	l.view = owned
	return owned
}

// Add records a successful donation for the active identity.
func (l *Ledger) Add(ctx context.Context, info DonationInfo) (AddResult, error) {
	ctx = context.WithoutCancel(ctx)
	info.PaymentID = strings.TrimSpace(info.PaymentID)
	if info.PaymentID == "" {
		return AddResult{Status: StatusRejected}, ErrInvalidDonation
	}
	ident, ok := l.registry.Current(ctx)
	if !ok {
		l.logger.Warn("donation rejected without an active identity",
			zap.String("payment_id", info.PaymentID),
			zap.Int64("project_id", info.ProjectID))
		return AddResult{Status: StatusRejected}, nil
	}

	donation, added := l.append(ctx, ident, info)
	if !added {
		l.logger.Info("duplicate donation ignored",
			zap.String("identifier", ident.Identifier.String()),
			zap.String("payment_id", info.PaymentID),
			zap.Int64("project_id", info.ProjectID))
		return AddResult{Status: StatusDuplicate, Donation: donation}, nil
	}

	if donation.ProjectID > 0 && l.aggregator != nil {
		contributed, err := l.aggregator.RecordContribution(ctx, donation.ProjectID, donation.Amount)
		if err != nil {
			l.logger.Error("project contribution not recorded",
				zap.Int64("project_id", donation.ProjectID),
				zap.Error(err))
		} else if l.publisher != nil {
			if err := l.publisher.ProjectTotalChanged(ctx, donation.ProjectID, contributed); err != nil {
				l.logger.Warn("project total not mirrored", zap.Int64("project_id", donation.ProjectID), zap.Error(err))
			}
		}
	}
	if l.publisher != nil {
		if err := l.publisher.DonationRecorded(ctx, ident, donation); err != nil {
			l.logger.Warn("donation not mirrored", zap.String("payment_id", donation.PaymentID), zap.Error(err))
		}
	}
	return AddResult{Status: StatusAdded, Donation: donation}, nil
}

func (l *Ledger) append(ctx context.Context, ident identity.Identity, info DonationInfo) (records.Donation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	unlock := l.repository.Lock(ident.Identifier)
	defer unlock()

	account, found, err := l.repository.Load(ctx, ident.Identifier)
	if err != nil {
		l.logger.Warn("account record unreadable, starting a new ledger",
			zap.String("identifier", ident.Identifier.String()),
			zap.Error(err))
	}
	if !found {
		account = records.Account{
			Email:               ident.Email,
			FavoriteProjects:    []records.ProjectRef{},
			EmailPreferences:    records.DefaultEmailPreferences(),
			SuccessfulDonations: []records.Donation{},
		}
	}

	candidate := records.Donation{PaymentID: info.PaymentID, ProjectID: info.ProjectID}
	if index := slices.IndexFunc(account.SuccessfulDonations, candidate.SameEntry); index >= 0 {
		return account.SuccessfulDonations[index], false
	}
	if l.owner.Identifier == ident.Identifier {
		if index := slices.IndexFunc(l.view, candidate.SameEntry); index >= 0 {
			return l.view[index], false
		}
	}

	now := l.clock()
	donation := records.Donation{
		PaymentID:   info.PaymentID,
		ProjectID:   info.ProjectID,
		ProjectName: strings.TrimSpace(info.ProjectName),
		Amount:      info.Amount,
		Currency:    strings.TrimSpace(info.Currency),
		Timestamp:   l.timestamp(info.Timestamp, now),
		UserEmail:   ident.Email,
		UserID:      account.ID,
		AddedAt:     records.FormatTime(now),
	}
	account.SuccessfulDonations = append(account.SuccessfulDonations, donation)
	account.UpdatedAt = records.FormatTime(now)
	if err := l.repository.Save(ctx, ident.Identifier, account); err != nil {
		l.logger.Error("donation write failed",
			zap.String("identifier", ident.Identifier.String()),
			zap.String("payment_id", donation.PaymentID),
			zap.Error(err))
	}
	if l.owner.Identifier == ident.Identifier {
		l.view = append(l.view, donation)
	}
	return donation, true
}

func (l *Ledger) timestamp(supplied string, now time.Time) string {
	supplied = strings.TrimSpace(supplied)
	if supplied == "" {
		return records.FormatTime(now)
	}
	parsed, ok := records.ParseTime(supplied)
	if !ok {
		l.logger.Warn("unparseable donation timestamp replaced", zap.String("timestamp", supplied))
		return records.FormatTime(now)
	}
	return records.FormatTime(parsed)
}

// Donations returns the in-memory view, most recent first.
func (l *Ledger) Donations() []records.Donation {
	l.mu.Lock()
	defer l.mu.Unlock()

	donations := slices.Clone(l.view)
	if donations == nil {
		donations = []records.Donation{}
	}
	records.SortByRecent(donations)
	return donations
}

// Owner returns the identity the in-memory view belongs to.
func (l *Ledger) Owner() identity.Identity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

// Clear empties the in-memory view. Persisted donations are untouched.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owner = identity.Identity{}
	l.view = nil
}

// ResetHistory erases the persisted donations of the active identity.
func (l *Ledger) ResetHistory(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	ident, ok := l.registry.Current(ctx)
	if !ok {
		l.logger.Warn("donation history reset without an active identity")
		return ErrIdentityMissing
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	unlock := l.repository.Lock(ident.Identifier)
	defer unlock()

	account, found, err := l.repository.Load(ctx, ident.Identifier)
	if err != nil {
		l.logger.Warn("account record unreadable during history reset",
			zap.String("identifier", ident.Identifier.String()),
			zap.Error(err))
	}
	if !found {
		account = records.Account{Email: ident.Email, EmailPreferences: records.DefaultEmailPreferences()}
	}
	account.SuccessfulDonations = []records.Donation{}
	account.UpdatedAt = records.FormatTime(l.clock())
	if err := l.repository.Save(ctx, ident.Identifier, account); err != nil {
		l.logger.Error("donation history reset failed",
			zap.String("identifier", ident.Identifier.String()),
			zap.Error(err))
		return err
	}
	if l.owner.Identifier == ident.Identifier {
		l.view = []records.Donation{}
	}
	l.logger.Info("donation history reset", zap.String("identifier", ident.Identifier.String()))
	return nil
}

func (l *Ledger) readPersisted(ctx context.Context, ident identity.Identity) []records.Donation {
	account, found, err := l.repository.Load(ctx, ident.Identifier)
	if err != nil {
		l.logger.Warn("account record unreadable, ledger treated as empty",
			zap.String("identifier", ident.Identifier.String()),
			zap.Error(err))
		return nil
	}
	if !found {
		return nil
	}
	return account.SuccessfulDonations
}
