package accounts

import (
	"errors"
	"fmt"
)

var (
	// ErrAccountNotFound indicates no record exists for the email.
	ErrAccountNotFound = errors.New("accounts: account not found")
	// ErrInvalidCredentials indicates the supplied password does not match.
	ErrInvalidCredentials = errors.New("accounts: invalid credentials")
	// ErrAccountDeleted indicates the identity is on the deny-list.
	ErrAccountDeleted = errors.New("accounts: account deleted")
	// ErrAccountExists indicates a live record already exists for the email.
	ErrAccountExists = errors.New("accounts: account already exists")
	// ErrInvalidInput indicates missing or malformed registration/login input.
	ErrInvalidInput = errors.New("accounts: invalid input")
	// ErrNotSignedIn indicates the operation needs an identity and none resolved.
	ErrNotSignedIn = errors.New("accounts: no active identity")
	// ErrUnauthorized indicates a session token is invalid or no longer current.
	ErrUnauthorized = errors.New("accounts: unauthorized")
)

// ServiceError carries a stable "<operation>.<reason>" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "accounts.service.new"
	opRegister       = "accounts.register"
	opLogin          = "accounts.login"
	opLogout         = "accounts.logout"
	opUpdateProfile  = "accounts.update_profile"
	opChangePassword = "accounts.change_password"
	opDeleteAccount  = "accounts.delete_account"
	opResetPassword  = "accounts.reset_password"
	opValidate       = "accounts.validate_session"
	opCurrent        = "accounts.current"
	opFavorites      = "accounts.favorites"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// UserMessage maps an account error to the text shown to the user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAccountDeleted):
		return "This account has been deleted. Please register again to continue."
	case errors.Is(err, ErrInvalidCredentials):
		return "Incorrect password"
	case errors.Is(err, ErrAccountNotFound):
		return "No account found with this email. Please register first."
	case errors.Is(err, ErrAccountExists):
		return "An account with this email already exists. Please log in."
	case errors.Is(err, ErrInvalidInput):
		return "Please provide a valid email and a password of at least 6 characters."
	case errors.Is(err, ErrNotSignedIn), errors.Is(err, ErrUnauthorized):
		return "Please log in to continue."
	default:
		return "Something went wrong. Please try again."
	}
}
