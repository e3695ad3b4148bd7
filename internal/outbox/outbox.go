// Package outbox mirrors committed ledger changes to a remote backend. Events
// are queued after the local write and delivered by a background worker with
// exponential backoff; delivery failures are logged and dropped.
package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/donorledger/internal/identity"
	"github.com/MarcoPoloResearchLab/donorledger/internal/records"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType names an outbound event.
type EventType string

const (
	EventDonationRecorded EventType = "donation.recorded"
	EventProjectTotal     EventType = "project.total"
)

const (
	defaultTimeout         = 5 * time.Second
	defaultMaxAttempts     = 5
	defaultQueueSize       = 64
	defaultInitialInterval = 200 * time.Millisecond
	defaultMaxInterval     = 5 * time.Second
)

// Event is one outbound message.
type Event struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	Identifier  string            `json:"identifier,omitempty"`
	Email       string            `json:"email,omitempty"`
	Donation    *records.Donation `json:"donation,omitempty"`
	ProjectID   int64             `json:"projectId,omitempty"`
	Contributed float64           `json:"contributed,omitempty"`
	OccurredAt  string            `json:"occurredAt"`
}

func (e Event) path() string {
	switch e.Type {
	case EventProjectTotal:
		return fmt.Sprintf("/projects/%d/contributions", e.ProjectID)
	default:
		return "/donations"
	}
}

// Config describes an Outbox.
type Config struct {
	Policy          Policy
	HTTPClient      *http.Client
	Timeout         time.Duration
	MaxAttempts     int
	QueueSize       int
	InitialInterval time.Duration
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Outbox queues events and delivers them from Run.
type Outbox struct {
	policy          Policy
	baseURL         string
	client          *http.Client
	maxAttempts     uint
	initialInterval time.Duration
	clock           func() time.Time
	logger          *zap.Logger

	queue     chan Event
	delivered atomic.Int64
	dropped   atomic.Int64
}

// New constructs an Outbox.
func New(cfg Config) *Outbox {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	initialInterval := cfg.InitialInterval
	if initialInterval <= 0 {
		initialInterval = defaultInitialInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{
		policy:          cfg.Policy,
		baseURL:         strings.TrimRight(strings.TrimSpace(cfg.Policy.BaseURL), "/"),
		client:          client,
		maxAttempts:     uint(maxAttempts),
		initialInterval: initialInterval,
		clock:           clock,
		logger:          logger,
		queue:           make(chan Event, queueSize),
	}
}

// DonationRecorded queues a donation.recorded event.
func (o *Outbox) DonationRecorded(_ context.Context, owner identity.Identity, donation records.Donation) error {
	return o.Enqueue(Event{
		Type:       EventDonationRecorded,
		Identifier: owner.Identifier.String(),
		Email:      owner.Email,
		Donation:   &donation,
		ProjectID:  donation.ProjectID,
	})
}

// ProjectTotalChanged queues a project.total event.
func (o *Outbox) ProjectTotalChanged(_ context.Context, projectID int64, contributed float64) error {
	return o.Enqueue(Event{
		Type:        EventProjectTotal,
		ProjectID:   projectID,
		Contributed: contributed,
	})
}

// ErrQueueFull is returned when the worker has fallen behind.
var ErrQueueFull = errors.New("outbox: queue full")

// Enqueue adds event to the queue. It never blocks; events the policy does
// not allow are skipped without error.
func (o *Outbox) Enqueue(event Event) error {
	if allowed, reason := o.policy.Allows(); !allowed {
		o.logger.Debug("remote delivery skipped",
			zap.String("event_type", string(event.Type)),
			zap.String("reason", reason))
		return nil
	}
	if event.ID == "" {
		eventID, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("outbox: event id: %w", err)
		}
		event.ID = eventID.String()
	}
	if event.OccurredAt == "" {
		event.OccurredAt = records.FormatTime(o.clock())
	}
	select {
	case o.queue <- event:
		return nil
	default:
		o.dropped.Add(1)
		return ErrQueueFull
	}
}

// Run delivers queued events until ctx is done.
func (o *Outbox) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if pending := len(o.queue); pending > 0 {
				o.logger.Warn("outbox stopped with pending events", zap.Int("pending", pending))
			}
			return nil
		case event := <-o.queue:
			if err := o.Deliver(ctx, event); err != nil {
				o.dropped.Add(1)
				o.logger.Warn("outbox event dropped",
					zap.String("event_id", event.ID),
					zap.String("event_type", string(event.Type)),
					zap.Error(err))
				continue
			}
			o.delivered.Add(1)
		}
	}
}

// Deliver posts event, retrying transient failures.
func (o *Outbox) Deliver(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("outbox: encode event: %w", err)
	}
	target := o.baseURL + event.path()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.initialInterval
	policy.MaxInterval = defaultMaxInterval

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, o.post(ctx, target, event.ID, payload)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(o.maxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.logger.Debug("outbox delivery retry",
				zap.String("event_id", event.ID),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
	return err
}

func (o *Outbox) post(ctx context.Context, target, eventID string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build outbox request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", eventID)

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("outbox request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("outbox returned %s", resp.Status)
	default:
		return backoff.Permanent(fmt.Errorf("outbox returned %s", resp.Status))
	}
}

// Stats reports how many events were delivered and dropped.
func (o *Outbox) Stats() (delivered, dropped int64) {
	return o.delivered.Load(), o.dropped.Load()
}
