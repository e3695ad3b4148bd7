package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/donorledger/internal/identity"
	"github.com/MarcoPoloResearchLab/donorledger/internal/kvstore"
	"github.com/MarcoPoloResearchLab/donorledger/internal/projects"
	"github.com/MarcoPoloResearchLab/donorledger/internal/records"
)

type recordingPublisher struct {
	donations []records.Donation
	totals    map[int64]float64
	err       error
}

func (p *recordingPublisher) DonationRecorded(_ context.Context, _ identity.Identity, donation records.Donation) error {
	p.donations = append(p.donations, donation)
	return p.err
}

func (p *recordingPublisher) ProjectTotalChanged(_ context.Context, projectID int64, contributed float64) error {
	if p.totals == nil {
		p.totals = make(map[int64]float64)
	}
	p.totals[projectID] = contributed
	return p.err
}

type fixture struct {
	store      *kvstore.MemoryStore
	registry   *identity.Registry
	repository *records.Repository
	aggregator *projects.Aggregator
	publisher  *recordingPublisher
	ledger     *Ledger
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := kvstore.NewMemoryStore()
	deriver, err := identity.NewDeriver([]byte("ledger-secret"))
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
	aggregator, err := projects.NewAggregator(projects.Config{Store: store})
	if err != nil {
		t.Fatalf("failed to build aggregator: %v", err)
	}
	publisher := &recordingPublisher{}
	ledger, err := New(Config{
		Registry:   registry,
		Repository: repository,
		Aggregator: aggregator,
		Publisher:  publisher,
		Clock:      func() time.Time { return time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("failed to build ledger: %v", err)
	}
	return fixture{
		store:      store,
		registry:   registry,
		repository: repository,
		aggregator: aggregator,
		publisher:  publisher,
		ledger:     ledger,
	}
}

func (f fixture) signIn(t *testing.T, email string) identity.Identity {
	t.Helper()
	ident := f.registry.Identify(email)
	if err := f.registry.SetCurrent(context.Background(), ident); err != nil {
		t.Fatalf("failed to set identity: %v", err)
	}
	return ident
}

func TestAddThenLoadScopesToOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	alice := f.signIn(t, "alice@x.com")
	f.ledger.Load(ctx, alice)
	result, err := f.ledger.Add(ctx, DonationInfo{PaymentID: "pay_1", ProjectID: 5, Amount: 25})
	if err != nil || result.Status != StatusAdded {
		t.Fatalf("expected added, got %+v err=%v", result, err)
	}

	loaded := f.ledger.Load(ctx, alice)
	if len(loaded) != 1 {
		t.Fatalf("expected one donation for alice, got %+v", loaded)
	}
	if loaded[0].UserEmail != "alice@x.com" || loaded[0].Amount != 25 {
		t.Fatalf("unexpected donation %+v", loaded[0])
	}
	if loaded[0].AddedAt != "2024-03-01T09:30:00.000Z" || loaded[0].Timestamp != loaded[0].AddedAt {
		t.Fatalf("expected timestamps to default to now, got %+v", loaded[0])
	}

	bob := f.signIn(t, "bob@x.com")
	if donations := f.ledger.Load(ctx, bob); len(donations) != 0 {
		t.Fatalf("bob must not see alice's donations, got %+v", donations)
	}
	if donations := f.ledger.Donations(); len(donations) != 0 {
		t.Fatalf("expected empty in-memory view for bob, got %+v", donations)
	}
}

func TestLoadFiltersForeignEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.registry.Identify("alice@x.com")
	_ = f.repository.Save(ctx, alice.Identifier, records.Account{
		Email: "alice@x.com",
		SuccessfulDonations: []records.Donation{
			{PaymentID: "pay_a", Amount: 5, UserEmail: "alice@x.com"},
			{PaymentID: "pay_b", Amount: 7, UserEmail: "bob@x.com"},
			{PaymentID: "pay_c", Amount: 9},
		},
	})

	loaded := f.ledger.Load(ctx, alice)
	if len(loaded) != 1 || loaded[0].PaymentID != "pay_a" {
		t.Fatalf("expected only alice's tagged entry, got %+v", loaded)
	}
	if donations := f.ledger.Load(ctx, identity.Identity{}); len(donations) != 0 {
		t.Fatalf("expected empty identity to load nothing, got %+v", donations)
	}
}

func TestAddReportsDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.signIn(t, "alice@x.com")
	f.ledger.Load(ctx, alice)

	first, _ := f.ledger.Add(ctx, DonationInfo{PaymentID: "pay_9", ProjectID: 2, Amount: 10})
	second, err := f.ledger.Add(ctx, DonationInfo{PaymentID: "pay_9", ProjectID: 2, Amount: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Status != StatusAdded || second.Status != StatusDuplicate {
		t.Fatalf("expected added then duplicate, got %s then %s", first.Status, second.Status)
	}
	if donations := f.ledger.Donations(); len(donations) != 1 {
		t.Fatalf("expected one entry in view, got %+v", donations)
	}
	account, _, _ := f.repository.Load(ctx, alice.Identifier)
	if len(account.SuccessfulDonations) != 1 {
		t.Fatalf("expected one persisted entry, got %+v", account.SuccessfulDonations)
	}
	if total := f.aggregator.DisplayTotal(ctx, 2, 100); total != 110 {
		t.Fatalf("duplicate must not be double counted, got %v", total)
	}

	other, _ := f.ledger.Add(ctx, DonationInfo{PaymentID: "pay_9", ProjectID: 3, Amount: 4})
	if other.Status != StatusAdded {
		t.Fatalf("same payment for another project is a distinct entry, got %s", other.Status)
	}
}

func TestAddWithoutIdentityIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.ledger.Add(ctx, DonationInfo{PaymentID: "pay_1", ProjectID: 1, Amount: 5})
	if err != nil || result.Status != StatusRejected {
		t.Fatalf("expected silent rejection, got %+v err=%v", result, err)
	}
	if len(f.publisher.donations) != 0 {
		t.Fatalf("rejected donation must not be mirrored")
	}

	f.signIn(t, "alice@x.com")
	result, err = f.ledger.Add(ctx, DonationInfo{ProjectID: 1, Amount: 5})
	if !errors.Is(err, ErrInvalidDonation) || result.Status != StatusRejected {
		t.Fatalf("expected ErrInvalidDonation, got %+v err=%v", result, err)
	}
}

func TestAddNeverLeaksIntoAnotherOwnersView(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.registry.Identify("alice@x.com")
	f.ledger.Load(ctx, alice)

	// bob becomes active before the view is reloaded
	f.signIn(t, "bob@x.com")
	if result, _ := f.ledger.Add(ctx, DonationInfo{PaymentID: "pay_b", Amount: 3}); result.Status != StatusAdded {
		t.Fatalf("expected bob's donation to be added, got %s", result.Status)
	}
	if donations := f.ledger.Donations(); len(donations) != 0 {
		t.Fatalf("alice's view must not show bob's donation, got %+v", donations)
	}
	if owner := f.ledger.Owner(); owner.Email != "alice@x.com" {
		t.Fatalf("expected view owner to stay alice, got %+v", owner)
	}
}

func TestPublisherFailureDoesNotRollBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publisher.err = errors.New("backend unreachable")
	alice := f.signIn(t, "alice@x.com")

	result, err := f.ledger.Add(ctx, DonationInfo{PaymentID: "pay_2", ProjectID: 8, Amount: 12, Currency: "USD"})
	if err != nil || result.Status != StatusAdded {
		t.Fatalf("expected local append to succeed, got %+v err=%v", result, err)
	}
	account, _, _ := f.repository.Load(ctx, alice.Identifier)
	if len(account.SuccessfulDonations) != 1 {
		t.Fatalf("expected persisted donation despite publisher failure")
	}
	if len(f.publisher.donations) != 1 || f.publisher.totals[8] != 12 {
		t.Fatalf("expected publisher to be attempted, got %+v %+v", f.publisher.donations, f.publisher.totals)
	}
}

func TestDonationsSortedMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.signIn(t, "alice@x.com")
	f.ledger.Load(ctx, alice)

	_, _ = f.ledger.Add(ctx, DonationInfo{PaymentID: "old", Amount: 1, Timestamp: "2023-01-01T00:00:00Z"})
	_, _ = f.ledger.Add(ctx, DonationInfo{PaymentID: "new", Amount: 1, Timestamp: "2024-01-01T00:00:00Z"})
	_, _ = f.ledger.Add(ctx, DonationInfo{PaymentID: "mid", Amount: 1, Timestamp: "2023-06-01T00:00:00Z"})

	donations := f.ledger.Donations()
	if len(donations) != 3 || donations[0].PaymentID != "new" || donations[2].PaymentID != "old" {
		t.Fatalf("unexpected ordering %+v", donations)
	}
	loaded := f.ledger.Load(ctx, alice)
	if loaded[0].PaymentID != "old" {
		t.Fatalf("load must preserve insertion order, got %+v", loaded)
	}
}

func TestClearKeepsPersistedHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.signIn(t, "alice@x.com")
	f.ledger.Load(ctx, alice)
	_, _ = f.ledger.Add(ctx, DonationInfo{PaymentID: "pay_1", Amount: 2})

	f.ledger.Clear()
	if len(f.ledger.Donations()) != 0 {
		t.Fatalf("expected empty view after clear")
	}
	if loaded := f.ledger.Load(ctx, alice); len(loaded) != 1 {
		t.Fatalf("clear must not erase persisted donations, got %+v", loaded)
	}

	if err := f.ledger.ResetHistory(ctx); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if len(f.ledger.Donations()) != 0 {
		t.Fatalf("expected empty view after reset")
	}
	if loaded := f.ledger.Load(ctx, alice); len(loaded) != 0 {
		t.Fatalf("reset must erase persisted donations, got %+v", loaded)
	}
}

func TestResetHistoryRequiresIdentity(t *testing.T) {
	f := newFixture(t)
	if err := f.ledger.ResetHistory(context.Background()); !errors.Is(err, ErrIdentityMissing) {
		t.Fatalf("expected ErrIdentityMissing, got %v", err)
	}
}

// cancellingStore cancels the caller's request context right after the
// first write lands.
type cancellingStore struct {
	*kvstore.MemoryStore
	cancel context.CancelFunc
	once   sync.Once
}

func (s *cancellingStore) Set(ctx context.Context, key, value string) error {
	err := s.MemoryStore.Set(ctx, key, value)
	s.once.Do(s.cancel)
	return err
}

func TestAddCompletesAfterRequestCancellation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.signIn(t, "alice@x.com")

	requestCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	store := &cancellingStore{MemoryStore: f.store, cancel: cancel}
	repository, err := records.NewRepository(store)
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}
	aggregator, err := projects.NewAggregator(projects.Config{Store: store})
	if err != nil {
		t.Fatalf("failed to build aggregator: %v", err)
	}
	ledger, err := New(Config{Registry: f.registry, Repository: repository, Aggregator: aggregator})
	if err != nil {
		t.Fatalf("failed to build ledger: %v", err)
	}

	result, err := ledger.Add(requestCtx, DonationInfo{PaymentID: "pay_1", ProjectID: 4, Amount: 15})
	if err != nil || result.Status != StatusAdded {
		t.Fatalf("expected added, got %+v err=%v", result, err)
	}
	if requestCtx.Err() == nil {
		t.Fatalf("expected the request context to be cancelled mid-add")
	}
	account, _, _ := f.repository.Load(ctx, alice.Identifier)
	if len(account.SuccessfulDonations) != 1 {
		t.Fatalf("expected the donation to be persisted, got %+v", account.SuccessfulDonations)
	}
	persisted := make(map[int64]float64)
	if found, err := kvstore.ReadJSON(ctx, f.store, projects.KeyContributions, &persisted); err != nil || !found {
		t.Fatalf("expected contributions to be persisted, found=%v err=%v", found, err)
	}
	if persisted[4] != 15 {
		t.Fatalf("expected project 4 to carry 15, got %+v", persisted)
	}
}

func TestDonationsForNeverReturnsAnotherIdentitysEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.registry.Identify("alice@x.com")
	bob := f.registry.Identify("bob@x.com")
	_ = f.repository.Save(ctx, alice.Identifier, records.Account{
		Email:               "alice@x.com",
		SuccessfulDonations: []records.Donation{{PaymentID: "pay_a", Amount: 5, UserEmail: "alice@x.com"}},
	})
	_ = f.repository.Save(ctx, bob.Identifier, records.Account{
		Email: "bob@x.com",
		SuccessfulDonations: []records.Donation{
			{PaymentID: "pay_b1", Amount: 7, UserEmail: "bob@x.com"},
			{PaymentID: "pay_b2", Amount: 9, UserEmail: "bob@x.com"},
		},
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				f.ledger.Load(ctx, bob)
			}
		}
	}()

	for range 500 {
		donations := f.ledger.DonationsFor(ctx, alice)
		if len(donations) != 1 || donations[0].PaymentID != "pay_a" {
			close(stop)
			wg.Wait()
			t.Fatalf("expected only alice's donation, got %+v", donations)
		}
	}
	close(stop)
	wg.Wait()

	if donations := f.ledger.DonationsFor(ctx, identity.Identity{}); len(donations) != 0 {
		t.Fatalf("expected empty identity to see nothing, got %+v", donations)
	}
}
