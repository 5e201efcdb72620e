package secrets

import (
	"context"
	"time"
)

// User is the single account record of the app.  Local accounts carry a
// Username and PasswordHash, federated accounts carry an ExternalId.  Both
// kinds may carry a Secret.
type User struct {
	Id           string    `json:"id"`
	Username     *string   `json:"username,omitempty"`
	PasswordHash *string   `json:"-"`
	ExternalId   *string   `json:"external_id,omitempty"`
	Secret       *string   `json:"secret,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasLocalCredential returns true if the user registered with a password
func (u *User) HasLocalCredential() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

// HasSecret returns true if the user has ever submitted a secret
func (u *User) HasSecret() bool {
	return u.Secret != nil
}

// SetSecret replaces (never appends to) the user's secret
func (u *User) SetSecret(secret string) {
	u.Secret = &secret
}

// StringPtr is a small helper for populating the optional fields of a User
func StringPtr(s string) *string {
	return &s
}

// UserStore persists users.  Implementations enforce uniqueness of Username
// and ExternalId themselves; callers never lock.
//
// Every method may fail with an error wrapping ErrStoreFault.  Lookups that
// find nothing return ErrNotFound.
type UserStore interface {
	// GetUserById retrieves a user by their ID
	GetUserById(ctx context.Context, userId string) (*User, error)

	// GetUserByUsername retrieves a local user by username
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// GetUserByExternalId retrieves a federated user by the provider's id
	GetUserByExternalId(ctx context.Context, externalId string) (*User, error)

	// CreateUser inserts a new user, assigning its Id if empty.
	// Returns ErrDuplicateUsername if the username is taken.
	CreateUser(ctx context.Context, user *User) (*User, error)

	// FindOrCreateByExternalId returns the user with the given external id,
	// creating one (with only ExternalId set) if none exists.  Concurrent
	// calls for the same id must yield the same record.
	FindOrCreateByExternalId(ctx context.Context, externalId string) (user *User, created bool, err error)

	// SaveUser persists changes to an existing user
	SaveUser(ctx context.Context, user *User) error

	// ListUsersWithSecrets returns all users whose Secret is set
	ListUsersWithSecrets(ctx context.Context) ([]*User, error)

	// Close releases the store's connections
	Close(ctx context.Context) error
}
