// Package accounts implements registration, login, profile maintenance and
// account deletion on top of the identity registry and the records store.
// Persistence failures are logged and never abort an operation; the
// in-memory account keeps serving the caller.
package accounts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/MarcoPoloResearchLab/donorledger/internal/auth"
	"github.com/MarcoPoloResearchLab/donorledger/internal/identity"
	"github.com/MarcoPoloResearchLab/donorledger/internal/kvstore"
	"github.com/MarcoPoloResearchLab/donorledger/internal/migration"
	"github.com/MarcoPoloResearchLab/donorledger/internal/records"
	"go.uber.org/zap"
)

// KeyAuthToken stores the opaque session token.
const KeyAuthToken = "authToken"

const minPasswordLength = 6

var (
	errMissingStore      = errors.New("store is required")
	errMissingRegistry   = errors.New("identity registry is required")
	errMissingRepository = errors.New("records repository is required")
	errMissingTokens     = errors.New("token issuer is required")
	noOpLogger           = zap.NewNop()
)

// TokenIssuer issues and validates session tokens.
type TokenIssuer interface {
	Issue(subject, email string) (string, time.Time, error)
	Validate(token string) (auth.SessionClaims, error)
}

// ServiceConfig describes the dependencies of the account service.
type ServiceConfig struct {
	Store       kvstore.Store
	Registry    *identity.Registry
	Repository  *records.Repository
	Tokens      TokenIssuer
	Hasher      *PasswordHasher
	IDProvider  IDProvider
	AllowRejoin bool
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Service is the account store.
type Service struct {
	store       kvstore.Store
	registry    *identity.Registry
	repository  *records.Repository
	tokens      TokenIssuer
	hasher      *PasswordHasher
	idProvider  IDProvider
	allowRejoin bool
	clock       func() time.Time
	logger      *zap.Logger

	mu      sync.Mutex
	current *records.Account
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Registry == nil {
		return nil, newServiceError(opServiceNew, "missing_registry", errMissingRegistry)
	}
	if cfg.Repository == nil {
		return nil, newServiceError(opServiceNew, "missing_repository", errMissingRepository)
	}
	if cfg.Tokens == nil {
		return nil, newServiceError(opServiceNew, "missing_tokens", errMissingTokens)
	}
	hasher := cfg.Hasher
	if hasher == nil {
		hasher = NewPasswordHasher(0)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:       cfg.Store,
		registry:    cfg.Registry,
		repository:  cfg.Repository,
		tokens:      cfg.Tokens,
		hasher:      hasher,
		idProvider:  idProvider,
		allowRejoin: cfg.AllowRejoin,
		clock:       clock,
		logger:      logger,
	}, nil
}

// RegisterRequest carries the registration form.
type RegisterRequest struct {
	Name     string
	Email    string
	Password string
	UserType string
}

// Session is the outcome of a successful register or login.
type Session struct {
	Account   records.Account
	Token     string
	ExpiresAt time.Time
}

// Register creates an account and makes it the current identity.
func (s *Service) Register(ctx context.Context, request RegisterRequest) (Session, error) {
	ctx = context.WithoutCancel(ctx)
	email := strings.TrimSpace(request.Email)
	if err := validateCredentials(email, request.Password); err != nil {
		return Session{}, newServiceError(opRegister, "invalid_input", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ident := s.registry.Identify(email)
	unlock := s.repository.Lock(ident.Identifier)
	defer unlock()

	if s.registry.IsDeleted(ctx, ident.Identifier) {
		if !s.allowRejoin {
			return Session{}, newServiceError(opRegister, "account_deleted", ErrAccountDeleted)
		}
		if err := s.registry.UnmarkDeleted(ctx, ident.Identifier); err != nil {
			s.logError(opRegister, "unmark_deleted_failed", err)
		}
		s.logger.Info("previously deleted identity re-registered", zap.String("identifier", ident.Identifier.String()))
	} else {
		_, found, err := s.repository.Load(ctx, ident.Identifier)
		if err != nil {
			s.logError(opRegister, "record_unreadable", err, zap.String("identifier", ident.Identifier.String()))
		}
		if found {
			return Session{}, newServiceError(opRegister, "account_exists", ErrAccountExists)
		}
	}

	hash, err := s.hasher.Hash(request.Password)
	if err != nil {
		return Session{}, newServiceError(opRegister, "hash_failed", err)
	}
	accountID, err := s.idProvider.NewID()
	if err != nil {
		return Session{}, newServiceError(opRegister, "id_generation_failed", err)
	}

	firstName, lastName := splitName(request.Name)
	now := records.FormatTime(s.clock())
	account := records.Account{
		ID:                  accountID,
		FirstName:           firstName,
		LastName:            lastName,
		Email:               email,
		PasswordHash:        hash,
		UserType:            strings.TrimSpace(request.UserType),
		FavoriteProjects:    []records.ProjectRef{},
		EmailPreferences:    records.DefaultEmailPreferences(),
		SuccessfulDonations: []records.Donation{},
		ProjectUpdates:      map[string]int64{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	return s.establish(ctx, opRegister, ident, account), nil
}

// Login authenticates an existing account. It never creates one.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	ctx = context.WithoutCancel(ctx)
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return Session{}, newServiceError(opLogin, "invalid_input", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ident := s.registry.Identify(email)
	unlock := s.repository.Lock(ident.Identifier)
	defer unlock()

	if s.registry.IsDeleted(ctx, ident.Identifier) {
		return Session{}, newServiceError(opLogin, "account_deleted", ErrAccountDeleted)
	}

	account, found, err := s.repository.Load(ctx, ident.Identifier)
	if err != nil {
		s.logError(opLogin, "record_unreadable", err, zap.String("identifier", ident.Identifier.String()))
	}
	if !found {
		return Session{}, newServiceError(opLogin, "account_not_found", ErrAccountNotFound)
	}

	switch {
	case account.PasswordHash != "":
		if err := s.hasher.Verify(account.PasswordHash, password); err != nil {
			return Session{}, newServiceError(opLogin, "invalid_credentials", err)
		}
	case account.LegacyPassword != "":
		if err := verifyLegacy(account.LegacyPassword, password); err != nil {
			return Session{}, newServiceError(opLogin, "invalid_credentials", err)
		}
		s.upgradeSecret(&account, password)
	default:
		s.logger.Warn("account has no stored password, adopting the supplied one",
			zap.String("identifier", ident.Identifier.String()))
		s.upgradeSecret(&account, password)
	}

	if account.Email == "" {
		account.Email = email
	}
	account.UpdatedAt = records.FormatTime(s.clock())
	return s.establish(ctx, opLogin, ident, account), nil
}

// Logout forgets the current identity and the generic caches. The
// per-identity record stays in place.
func (s *Service) Logout(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logoutLocked(ctx)
}

func (s *Service) logoutLocked(ctx context.Context) {
	if err := s.registry.Clear(ctx); err != nil {
		s.logError(opLogout, "clear_identity_failed", err)
	}
	s.clearGenericCaches(ctx, opLogout)
	s.current = nil
}

// ProfileUpdate lists the fields to merge; nil fields are left untouched.
type ProfileUpdate struct {
	FirstName        *string
	LastName         *string
	Location         *string
	UserType         *string
	EmailPreferences *records.EmailPreferences
	ProjectUpdates   map[string]int64
}

// UpdateProfile merges update into the current account. When the identity
// pointer cannot be resolved it falls back to the in-memory account and then
// to the generic userData mirror.
func (s *Service) UpdateProfile(ctx context.Context, update ProfileUpdate) (records.Account, error) {
	ctx = context.WithoutCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	if ident, ok := s.registry.Current(ctx); ok {
		unlock := s.repository.Lock(ident.Identifier)
		defer unlock()
		account := s.loadForUpdate(ctx, opUpdateProfile, ident)
		applyProfileUpdate(&account, update)
		account.UpdatedAt = records.FormatTime(s.clock())
		s.persist(ctx, opUpdateProfile, ident.Identifier, account)
		s.current = &account
		return account.Sanitized(), nil
	}

	if s.current != nil {
		account := s.current.Clone()
		applyProfileUpdate(&account, update)
		account.UpdatedAt = records.FormatTime(s.clock())
		ident := s.registry.Identify(account.Email)
		unlock := s.repository.Lock(ident.Identifier)
		defer unlock()
		s.logger.Warn("identity pointer unresolved, persisting profile from memory",
			zap.String("identifier", ident.Identifier.String()))
		s.persist(ctx, opUpdateProfile, ident.Identifier, account)
		if err := s.repository.SaveMirror(ctx, account); err != nil {
			s.logError(opUpdateProfile, "mirror_write_failed", err)
		}
		s.current = &account
		return account.Sanitized(), nil
	}

	account, found, err := s.repository.LoadMirror(ctx)
	if err != nil {
		s.logError(opUpdateProfile, "mirror_unreadable", err)
	}
	if !found {
		return records.Account{}, newServiceError(opUpdateProfile, "not_signed_in", ErrNotSignedIn)
	}
	applyProfileUpdate(&account, update)
	account.UpdatedAt = records.FormatTime(s.clock())
	if err := s.repository.SaveMirror(ctx, account); err != nil {
		s.logError(opUpdateProfile, "mirror_write_failed", err)
	}
	return account.Sanitized(), nil
}

// ChangePassword replaces the current account's password after verifying the old one.
func (s *Service) ChangePassword(ctx context.Context, currentPassword, nextPassword string) error {
	if len(nextPassword) < minPasswordLength {
		return newServiceError(opChangePassword, "invalid_input", ErrInvalidInput)
	}

	ctx = context.WithoutCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.registry.Current(ctx)
	if !ok {
		return newServiceError(opChangePassword, "not_signed_in", ErrNotSignedIn)
	}
	unlock := s.repository.Lock(ident.Identifier)
	defer unlock()
	account := s.loadForUpdate(ctx, opChangePassword, ident)
	switch {
	case account.PasswordHash != "":
		if err := s.hasher.Verify(account.PasswordHash, currentPassword); err != nil {
			return newServiceError(opChangePassword, "invalid_credentials", err)
		}
	case account.LegacyPassword != "":
		if err := verifyLegacy(account.LegacyPassword, currentPassword); err != nil {
			return newServiceError(opChangePassword, "invalid_credentials", err)
		}
	}
	hash, err := s.hasher.Hash(nextPassword)
	if err != nil {
		return newServiceError(opChangePassword, "hash_failed", err)
	}
	account.PasswordHash = hash
	account.LegacyPassword = ""
	account.UpdatedAt = records.FormatTime(s.clock())
	s.persist(ctx, opChangePassword, ident.Identifier, account)
	s.current = &account
	return nil
}

// DeleteAccount deny-lists the current identity, removes its per-identity
// keys and logs out. The deny-list entry outlives the record.
func (s *Service) DeleteAccount(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.resolveForDeletion(ctx)
	if !ok {
		return newServiceError(opDeleteAccount, "not_signed_in", ErrNotSignedIn)
	}
	unlock := s.repository.Lock(ident.Identifier)
	defer unlock()

	if err := s.registry.MarkDeleted(ctx, ident.Identifier); err != nil {
		s.logError(opDeleteAccount, "mark_deleted_failed", err)
	}
	if err := s.repository.Remove(ctx, ident.Identifier); err != nil {
		s.logError(opDeleteAccount, "record_remove_failed", err)
	}
	if err := s.store.Remove(ctx, migration.FlagKey(ident.Identifier)); err != nil {
		s.logError(opDeleteAccount, "migration_flag_remove_failed", err)
	}
	s.logger.Info("account deleted", zap.String("identifier", ident.Identifier.String()))
	s.logoutLocked(ctx)
	return nil
}

func (s *Service) resolveForDeletion(ctx context.Context) (identity.Identity, bool) {
	if ident, ok := s.registry.Current(ctx); ok {
		return ident, true
	}
	if s.current != nil && s.current.Email != "" {
		return s.registry.Identify(s.current.Email), true
	}
	token, ok, err := s.store.Get(ctx, KeyAuthToken)
	if err != nil || !ok {
		return identity.Identity{}, false
	}
	claims, err := s.tokens.Validate(token)
	if err != nil || claims.Email == "" {
		return identity.Identity{}, false
	}
	return s.registry.Identify(claims.Email), true
}

// ResetPassword accepts a reset request. No mail is sent; a real backend
// would dispatch the reset link here.
func (s *Service) ResetPassword(ctx context.Context, email string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return newServiceError(opResetPassword, "invalid_input", ErrInvalidInput)
	}
	s.logger.Info("password reset requested",
		zap.String("identifier", s.registry.Identify(email).Identifier.String()))
	return nil
}

// Current returns the sanitized account of the active identity.
func (s *Service) Current(ctx context.Context) (records.Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.registry.Current(ctx)
	if !ok {
		return records.Account{}, false
	}
	account, found, err := s.repository.Load(ctx, ident.Identifier)
	if err != nil {
		s.logError(opCurrent, "record_unreadable", err)
	}
	if !found {
		if s.current != nil && s.current.Email == ident.Email {
			return s.current.Sanitized(), true
		}
		return records.Account{}, false
	}
	s.current = &account
	return account.Sanitized(), true
}

// ValidateSession checks that token is the stored session token of the
// active identity and returns that identity.
func (s *Service) ValidateSession(ctx context.Context, token string) (identity.Identity, error) {
	claims, err := s.tokens.Validate(token)
	if err != nil {
		return identity.Identity{}, newServiceError(opValidate, "invalid_token", errors.Join(ErrUnauthorized, err))
	}
	stored, ok, err := s.store.Get(ctx, KeyAuthToken)
	if err != nil || !ok || stored != token {
		return identity.Identity{}, newServiceError(opValidate, "token_not_current", ErrUnauthorized)
	}
	ident, ok := s.registry.Current(ctx)
	if !ok || ident.Identifier.String() != claims.Subject {
		return identity.Identity{}, newServiceError(opValidate, "identity_mismatch", ErrUnauthorized)
	}
	return ident, nil
}

// establish commits the record and session token before the identity pointer
// moves, so subscribers reacting to the change event read the committed record.
func (s *Service) establish(ctx context.Context, operation string, ident identity.Identity, account records.Account) Session {
	s.clearGenericCaches(ctx, operation)
	s.persist(ctx, operation, ident.Identifier, account)

	session := Session{Account: account.Sanitized()}
	token, expiresAt, err := s.tokens.Issue(ident.Identifier.String(), ident.Email)
	if err != nil {
		s.logError(operation, "token_issue_failed", err)
	} else {
		session.Token = token
		session.ExpiresAt = expiresAt
		if err := s.store.Set(ctx, KeyAuthToken, token); err != nil {
			s.logError(operation, "token_write_failed", err)
		}
	}
	if err := s.registry.SetCurrent(ctx, ident); err != nil {
		s.logError(operation, "set_identity_failed", err)
	}
	s.current = &account
	return session
}

// loadForUpdate re-reads the persisted record immediately before a
// modification, falling back to the in-memory account for the same email.
func (s *Service) loadForUpdate(ctx context.Context, operation string, ident identity.Identity) records.Account {
	account, found, err := s.repository.Load(ctx, ident.Identifier)
	if err != nil {
		s.logError(operation, "record_unreadable", err)
	}
	if found {
		return account
	}
	if s.current != nil && s.current.Email == ident.Email {
		return s.current.Clone()
	}
	return records.Account{
		Email:               ident.Email,
		FavoriteProjects:    []records.ProjectRef{},
		EmailPreferences:    records.DefaultEmailPreferences(),
		SuccessfulDonations: []records.Donation{},
	}
}

func (s *Service) persist(ctx context.Context, operation string, id identity.Identifier, account records.Account) {
	if err := s.repository.Save(ctx, id, account); err != nil {
		s.logError(operation, "record_write_failed", err, zap.String("identifier", id.String()))
	}
}

func (s *Service) clearGenericCaches(ctx context.Context, operation string) {
	if err := kvstore.RemoveAll(ctx, s.store, records.KeyGenericUserData, KeyAuthToken); err != nil {
		s.logError(operation, "generic_cache_clear_failed", err)
	}
}

func (s *Service) upgradeSecret(account *records.Account, password string) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		s.logError(opLogin, "hash_failed", err)
		return
	}
	account.PasswordHash = hash
	account.LegacyPassword = ""
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("accounts service error", attrs...)
}

func validateCredentials(email, password string) error {
	if email == "" || !strings.Contains(email, "@") {
		return ErrInvalidInput
	}
	if len(password) < minPasswordLength || len(password) > maxPasswordBytes {
		return ErrInvalidInput
	}
	return nil
}

// splitName splits on the first whitespace boundary.
func splitName(name string) (string, string) {
	trimmed := strings.TrimSpace(name)
	index := strings.IndexFunc(trimmed, unicode.IsSpace)
	if index < 0 {
		return trimmed, ""
	}
	return trimmed[:index], strings.TrimSpace(trimmed[index:])
}

func applyProfileUpdate(account *records.Account, update ProfileUpdate) {
	if update.FirstName != nil {
		account.FirstName = strings.TrimSpace(*update.FirstName)
	}
	if update.LastName != nil {
		account.LastName = strings.TrimSpace(*update.LastName)
	}
	if update.Location != nil {
		account.Location = strings.TrimSpace(*update.Location)
	}
	if update.UserType != nil {
		account.UserType = strings.TrimSpace(*update.UserType)
	}
	if update.EmailPreferences != nil {
		account.EmailPreferences = *update.EmailPreferences
	}
	if len(update.ProjectUpdates) > 0 {
		if account.ProjectUpdates == nil {
			account.ProjectUpdates = make(map[string]int64, len(update.ProjectUpdates))
		}
		for projectID, seen := range update.ProjectUpdates {
			account.ProjectUpdates[projectID] = seen
		}
	}
}
