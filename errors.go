package secrets

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateUsername = errors.New("username already exists")
	ErrNotFound          = errors.New("not found")
	ErrInvalidCredential = errors.New("invalid credentials")
	ErrStoreFault        = errors.New("store fault")
	ErrProviderFault     = errors.New("provider fault")
)

// Error codes carried by AuthError
const (
	ErrCodeDuplicateUsername = "duplicate_username"
	ErrCodeNotFound          = "not_found"
	ErrCodeInvalidCreds      = "invalid_credentials"
	ErrCodeMissingUsername   = "missing_username"
	ErrCodeMissingPassword   = "missing_password"
	ErrCodeStoreFault        = "store_fault"
	ErrCodeProviderFault     = "provider_fault"
)

// AuthError describes why an authentication step failed.  It unwraps to one
// of the package sentinels so callers can use errors.Is.
type AuthError struct {
	Code    string
	Message string
	Field   string
	Err     error
}

func NewAuthError(code, message, field string) *AuthError {
	return &AuthError{Code: code, Message: message, Field: field, Err: sentinelForCode(code)}
}

func (e *AuthError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }

func sentinelForCode(code string) error {
	switch code {
	case ErrCodeDuplicateUsername:
		return ErrDuplicateUsername
	case ErrCodeNotFound:
		return ErrNotFound
	case ErrCodeInvalidCreds, ErrCodeMissingUsername, ErrCodeMissingPassword:
		return ErrInvalidCredential
	case ErrCodeStoreFault:
		return ErrStoreFault
	case ErrCodeProviderFault:
		return ErrProviderFault
	}
	return nil
}

// StoreFault wraps a backend error so that errors.Is(err, ErrStoreFault)
// holds while the original error stays reachable.
func StoreFault(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreFault) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreFault, err)
}

// ProviderFault wraps a federated provider failure
func ProviderFault(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrProviderFault, err)
}

// ErrorCode returns the AuthError code for err, mapping bare sentinels too
func ErrorCode(err error) string {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Code
	}
	switch {
	case errors.Is(err, ErrDuplicateUsername):
		return ErrCodeDuplicateUsername
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrInvalidCredential):
		return ErrCodeInvalidCreds
	case errors.Is(err, ErrProviderFault):
		return ErrCodeProviderFault
	case errors.Is(err, ErrStoreFault):
		return ErrCodeStoreFault
	}
	return ""
}
