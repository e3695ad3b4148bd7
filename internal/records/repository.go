package records

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/donorledger/internal/identity"
	"github.com/MarcoPoloResearchLab/donorledger/internal/kvstore"
)

// KeyGenericUserData is the legacy un-scoped account mirror.
const KeyGenericUserData = "userData"

var errMissingStore = errors.New("records: store is required")

// Repository reads and writes account records. Every call goes to the store;
// nothing is cached, so a read always observes the latest persisted value.
// Callers that read, modify and save a record hold Lock for its identifier
// across the cycle.
type Repository struct {
	store kvstore.Store

	locksMu sync.Mutex
	locks   map[identity.Identifier]*sync.Mutex
}

// NewRepository constructs a Repository over store.
func NewRepository(store kvstore.Store) (*Repository, error) {
	if store == nil {
		return nil, errMissingStore
	}
	return &Repository{store: store, locks: make(map[identity.Identifier]*sync.Mutex)}, nil
}

// Lock serializes read-modify-write cycles on id's record and returns the
// unlock func. It must not be re-acquired by the holder.
func (r *Repository) Lock(id identity.Identifier) func() {
	r.locksMu.Lock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	r.locksMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Load reads the record owned by id. A corrupt record reports false together
// with an error wrapping kvstore.ErrStorageCorrupt.
func (r *Repository) Load(ctx context.Context, id identity.Identifier) (Account, bool, error) {
	return r.read(ctx, identity.RecordKey(id))
}

// Save writes the record owned by id.
func (r *Repository) Save(ctx context.Context, id identity.Identifier, account Account) error {
	return kvstore.WriteJSON(ctx, r.store, identity.RecordKey(id), account)
}

// Remove deletes the record owned by id.
func (r *Repository) Remove(ctx context.Context, id identity.Identifier) error {
	return r.store.Remove(ctx, identity.RecordKey(id))
}

// LoadMirror reads the generic userData mirror.
func (r *Repository) LoadMirror(ctx context.Context) (Account, bool, error) {
	return r.read(ctx, KeyGenericUserData)
}

// SaveMirror writes the generic userData mirror.
func (r *Repository) SaveMirror(ctx context.Context, account Account) error {
	return kvstore.WriteJSON(ctx, r.store, KeyGenericUserData, account)
}

func (r *Repository) read(ctx context.Context, key string) (Account, bool, error) {
	var account Account
	found, err := kvstore.ReadJSON(ctx, r.store, key, &account)
	if err != nil || !found {
		return Account{}, false, err
	}
	return account, true, nil
}
