package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/segmentio/ksuid"
	"golang.org/x/crypto/bcrypt"
)

// CredentialAuthenticator registers and verifies local username/password
// accounts.  Only bcrypt hashes ever reach the store.
type CredentialAuthenticator struct {
	Users UserStore

	// Validates credentials before registration and login.
	// Defaults to DefaultCredentialsValidator.
	Validate CredentialsValidator

	// bcrypt cost, defaults to bcrypt.DefaultCost
	Cost int
}

func NewCredentialAuthenticator(users UserStore) *CredentialAuthenticator {
	return &CredentialAuthenticator{Users: users}
}

func (c *CredentialAuthenticator) validator() CredentialsValidator {
	if c.Validate != nil {
		return c.Validate
	}
	return DefaultCredentialsValidator
}

func (c *CredentialAuthenticator) cost() int {
	if c.Cost > 0 {
		return c.Cost
	}
	return bcrypt.DefaultCost
}

// Register creates a new local user.  Fails with ErrDuplicateUsername when
// the username is taken.
func (c *CredentialAuthenticator) Register(ctx context.Context, username, password string) (*User, error) {
	creds := &Credentials{Username: username, Password: password}
	if authErr := c.validator()(creds); authErr != nil {
		return nil, authErr
	}

	if _, err := c.Users.GetUserByUsername(ctx, creds.Username); err == nil {
		return nil, NewAuthError(ErrCodeDuplicateUsername, "A user with the given username is already registered", "username")
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), c.cost())
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	// The store's unique index still has the final say if two registrations race.
	user, err := c.Users.CreateUser(ctx, &User{
		Username:     StringPtr(creds.Username),
		PasswordHash: StringPtr(string(passwordHash)),
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateUsername) {
			return nil, NewAuthError(ErrCodeDuplicateUsername, "A user with the given username is already registered", "username")
		}
		return nil, err
	}
	slog.Info("registered local user", "userId", user.Id)
	return user, nil
}

// Verify checks a username/password pair and returns the matching user
func (c *CredentialAuthenticator) Verify(ctx context.Context, username, password string) (*User, error) {
	creds := &Credentials{Username: username, Password: password}
	if authErr := c.validator()(creds); authErr != nil {
		return nil, authErr
	}

	user, err := c.Users.GetUserByUsername(ctx, creds.Username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NewAuthError(ErrCodeNotFound, "No user with the given username", "username")
		}
		return nil, err
	}

	// Federated-only accounts have nothing to compare against
	if !user.HasLocalCredential() {
		return nil, NewAuthError(ErrCodeInvalidCreds, "Password or username is incorrect", "password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte(creds.Password)); err != nil {
		return nil, NewAuthError(ErrCodeInvalidCreds, "Password or username is incorrect", "password")
	}
	return user, nil
}

// FederatedAuthenticator maps provider-asserted identities to users
type FederatedAuthenticator struct {
	Users UserStore
}

func NewFederatedAuthenticator(users UserStore) *FederatedAuthenticator {
	return &FederatedAuthenticator{Users: users}
}

// FindOrCreate returns the user for externalId, creating it on first sight.
// It only fails on store faults or an empty id.
func (f *FederatedAuthenticator) FindOrCreate(ctx context.Context, externalId string) (*User, error) {
	externalId = strings.TrimSpace(externalId)
	if externalId == "" {
		return nil, ProviderFault(errors.New("provider returned an empty profile id"))
	}
	user, created, err := f.Users.FindOrCreateByExternalId(ctx, externalId)
	if err != nil {
		return nil, err
	}
	if created {
		slog.Info("created federated user", "userId", user.Id)
	}
	return user, nil
}

// NewUserId generates a new sortable, globally unique user ID
func NewUserId() string {
	return ksuid.New().String()
}
