package migration

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/donorledger/internal/identity"
	"github.com/MarcoPoloResearchLab/donorledger/internal/kvstore"
	"github.com/MarcoPoloResearchLab/donorledger/internal/records"
	"go.uber.org/zap"
)

type fixture struct {
	store      *kvstore.MemoryStore
	registry   *identity.Registry
	repository *records.Repository
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := kvstore.NewMemoryStore()
	deriver, err := identity.NewDeriver([]byte("migration-secret"))
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
	return fixture{store: store, registry: registry, repository: repository}
}

func (f fixture) engine(t *testing.T, now time.Time) *Engine {
	t.Helper()
	engine, err := NewEngine(Config{
		Store:      f.store,
		Registry:   f.registry,
		Repository: f.repository,
		Clock:      func() time.Time { return now },
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	return engine
}

func (f fixture) signIn(t *testing.T, email string, donations []records.Donation) identity.Identity {
	t.Helper()
	ctx := context.Background()
	ident := f.registry.Identify(email)
	if err := f.repository.Save(ctx, ident.Identifier, records.Account{Email: email, SuccessfulDonations: donations}); err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}
	if err := f.registry.SetCurrent(ctx, ident); err != nil {
		t.Fatalf("failed to set identity: %v", err)
	}
	return ident
}

func TestRunStampsLegacyDonationsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.signIn(t, "alice@x.com", []records.Donation{
		{PaymentID: "pay_old", ProjectID: 3, Amount: 10},
		{PaymentID: "pay_tagged", ProjectID: 4, Amount: 5, UserEmail: "alice@x.com"},
	})

	result := f.engine(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)).Run(ctx)
	if result.Skipped || result.Stamped != 1 {
		t.Fatalf("expected one stamped donation, got %+v", result)
	}

	account, _, err := f.repository.Load(ctx, alice.Identifier)
	if err != nil {
		t.Fatalf("failed to reload record: %v", err)
	}
	legacy := account.SuccessfulDonations[0]
	if legacy.UserEmail != "alice@x.com" {
		t.Fatalf("expected legacy donation to be owned by alice, got %q", legacy.UserEmail)
	}
	if legacy.MigratedAt != "2024-01-02T03:04:05.000Z" {
		t.Fatalf("unexpected migratedAt %q", legacy.MigratedAt)
	}
	if account.SuccessfulDonations[1].MigratedAt != "" {
		t.Fatalf("already tagged donation must not be touched")
	}
	flag, _, _ := f.store.Get(ctx, FlagKey(alice.Identifier))
	if flag != "completed" {
		t.Fatalf("expected completed flag, got %q", flag)
	}

	// A fresh engine (a new process) must leave the array unchanged.
	again := f.engine(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)).Run(ctx)
	if !again.Skipped {
		t.Fatalf("expected second run to be skipped, got %+v", again)
	}
	reloaded, _, _ := f.repository.Load(ctx, alice.Identifier)
	if !reflect.DeepEqual(reloaded.SuccessfulDonations, account.SuccessfulDonations) {
		t.Fatalf("expected idempotent migration, got %+v", reloaded.SuccessfulDonations)
	}
}

func TestRunWithoutIdentityIsNoOp(t *testing.T) {
	f := newFixture(t)
	result := f.engine(t, time.Now()).Run(context.Background())
	if !result.Skipped {
		t.Fatalf("expected skip without identity")
	}
	if len(f.store.Keys()) != 0 {
		t.Fatalf("expected no writes, store has %v", f.store.Keys())
	}
}

func TestRunMarksEmptyLedgerCompleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	bob := f.signIn(t, "bob@x.com", nil)

	result := f.engine(t, time.Now()).Run(ctx)
	if result.Skipped || result.Stamped != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if flag, _, _ := f.store.Get(ctx, FlagKey(bob.Identifier)); flag != "completed" {
		t.Fatalf("expected completed flag for empty ledger")
	}
}

func TestRunNeverRevisitsCompletedIdentity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.signIn(t, "alice@x.com", nil)
	engine := f.engine(t, time.Now())
	engine.Run(ctx)

	_ = f.repository.Save(ctx, alice.Identifier, records.Account{
		Email:               "alice@x.com",
		SuccessfulDonations: []records.Donation{{PaymentID: "pay_late", ProjectID: 1, Amount: 1}},
	})
	f.engine(t, time.Now()).Run(ctx)

	account, _, _ := f.repository.Load(ctx, alice.Identifier)
	if account.SuccessfulDonations[0].UserEmail != "" {
		t.Fatalf("completed migrations must not be re-attempted")
	}
}

func TestRunLeavesCorruptRecordForLaterRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.signIn(t, "alice@x.com", nil)
	_ = f.store.Set(ctx, identity.RecordKey(alice.Identifier), "{corrupt")

	result := f.engine(t, time.Now()).Run(ctx)
	if !result.Skipped {
		t.Fatalf("expected corrupt record to skip migration")
	}
	if _, found, _ := f.store.Get(ctx, FlagKey(alice.Identifier)); found {
		t.Fatalf("corrupt record must not be flagged as migrated")
	}
}

func TestCleanupGlobalRunsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_ = f.store.Set(ctx, "donations", "[]")
	_ = f.store.Set(ctx, "successfulDonations", "[]")
	_ = f.store.Set(ctx, "currentUserEmail", "alice@x.com")

	engine := f.engine(t, time.Now())
	if !engine.CleanupGlobal(ctx) {
		t.Fatalf("expected first cleanup to run")
	}
	if _, found, _ := f.store.Get(ctx, "donations"); found {
		t.Fatalf("expected legacy key to be removed")
	}
	if _, found, _ := f.store.Get(ctx, "currentUserEmail"); !found {
		t.Fatalf("cleanup must not touch unrelated keys")
	}

	_ = f.store.Set(ctx, "donations", "[]")
	if engine.CleanupGlobal(ctx) {
		t.Fatalf("expected cleanup to run only once")
	}
	if _, found, _ := f.store.Get(ctx, "donations"); !found {
		t.Fatalf("second cleanup must be a no-op")
	}
}
