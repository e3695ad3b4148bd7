package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/donorledger/internal/identity"
	"github.com/MarcoPoloResearchLab/donorledger/internal/kvstore"
	"github.com/MarcoPoloResearchLab/donorledger/internal/ledger"
	"github.com/MarcoPoloResearchLab/donorledger/internal/migration"
	"github.com/MarcoPoloResearchLab/donorledger/internal/records"
)

type stack struct {
	store      *kvstore.MemoryStore
	registry   *identity.Registry
	repository *records.Repository
	ledger     *ledger.Ledger
	monitor    *Monitor
}

func newStack(t *testing.T, pollInterval time.Duration) stack {
	t.Helper()
	store := kvstore.NewMemoryStore()
	deriver, err := identity.NewDeriver([]byte("monitor-secret"))
	if err != nil {
		t.Fatalf("failed to build deriver: %v", err)
	}
	registry, err := identity.NewRegistry(identity.RegistryConfig{Store: store, Deriver: deriver})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	repository, err := records.NewRepository(store)
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}
	donationLedger, err := ledger.New(ledger.Config{Registry: registry, Repository: repository})
	if err != nil {
		t.Fatalf("failed to build ledger: %v", err)
	}
	engine, err := migration.NewEngine(migration.Config{Store: store, Registry: registry, Repository: repository})
	if err != nil {
		t.Fatalf("failed to build migration engine: %v", err)
	}
	monitor, err := New(Config{
		Registry:     registry,
		Ledger:       donationLedger,
		Migrator:     engine,
		PollInterval: pollInterval,
	})
	if err != nil {
		t.Fatalf("failed to build monitor: %v", err)
	}
	return stack{store: store, registry: registry, repository: repository, ledger: donationLedger, monitor: monitor}
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestSyncMigratesAndLoadsNewIdentity(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, -1)
	alice := s.registry.Identify("alice@x.com")
	_ = s.repository.Save(ctx, alice.Identifier, records.Account{
		Email:               "alice@x.com",
		SuccessfulDonations: []records.Donation{{PaymentID: "pay_old", ProjectID: 3, Amount: 10}},
	})

	if !s.monitor.Sync(ctx) {
		t.Fatalf("first sync must apply the initial state")
	}
	if s.monitor.Sync(ctx) {
		t.Fatalf("unchanged pointer must not trigger a reload")
	}

	if err := s.registry.SetCurrent(ctx, alice); err != nil {
		t.Fatalf("failed to set identity: %v", err)
	}
	if !s.monitor.Sync(ctx) {
		t.Fatalf("expected change to be applied")
	}
	if observed := s.monitor.Observed(); observed != alice {
		t.Fatalf("expected alice to be observed, got %+v", observed)
	}
	donations := s.ledger.Donations()
	if len(donations) != 1 || donations[0].UserEmail != "alice@x.com" || donations[0].MigratedAt == "" {
		t.Fatalf("expected migrated legacy donation in view, got %+v", donations)
	}
}

func TestSyncClearsViewWhenIdentityLeaves(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, -1)
	alice := s.registry.Identify("alice@x.com")
	_ = s.registry.SetCurrent(ctx, alice)
	s.monitor.Sync(ctx)
	if _, err := s.ledger.Add(ctx, ledger.DonationInfo{PaymentID: "pay_1", Amount: 5}); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if len(s.ledger.Donations()) != 1 {
		t.Fatalf("expected alice's donation in view")
	}

	_ = s.registry.Clear(ctx)
	s.monitor.Sync(ctx)
	if len(s.ledger.Donations()) != 0 {
		t.Fatalf("expected empty view after logout")
	}
	if !s.monitor.Observed().IsZero() {
		t.Fatalf("expected no observed identity")
	}

	bob := s.registry.Identify("bob@x.com")
	_ = s.registry.SetCurrent(ctx, bob)
	s.monitor.Sync(ctx)
	if len(s.ledger.Donations()) != 0 {
		t.Fatalf("bob must never see alice's donations")
	}
}

func TestRunReactsToChangeEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newStack(t, -1)
	done := make(chan error, 1)
	go func() { done <- s.monitor.Run(ctx) }()

	alice := s.registry.Identify("alice@x.com")
	if err := s.registry.SetCurrent(ctx, alice); err != nil {
		t.Fatalf("failed to set identity: %v", err)
	}
	waitFor(t, func() bool { return s.monitor.Observed() == alice })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("monitor did not stop after cancellation")
	}
}

func TestRunPollsPointerWrittenElsewhere(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newStack(t, 10*time.Millisecond)
	go func() { _ = s.monitor.Run(ctx) }()

	bob := s.registry.Identify("bob@x.com")
	_ = s.store.Set(ctx, identity.KeyCurrentUserKey, identity.RecordKey(bob.Identifier))
	_ = s.store.Set(ctx, identity.KeyCurrentUserEmail, bob.Email)

	waitFor(t, func() bool { return s.monitor.Observed() == bob })
}
