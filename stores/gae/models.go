//go:build !wasm
// +build !wasm

package gae

import (
	"time"

	"cloud.google.com/go/datastore"
	"github.com/panyam/secrets"
)

// UserEntity is the Datastore entity for users.  Datastore has no nil
// strings, so each optional field carries a presence flag.
type UserEntity struct {
	Key           *datastore.Key `datastore:"__key__"`
	Username      string         `datastore:"username,noindex"`
	HasUsername   bool           `datastore:"has_username,noindex"`
	PasswordHash  string         `datastore:"password_hash,noindex"`
	HasPassword   bool           `datastore:"has_password,noindex"`
	ExternalId    string         `datastore:"external_id,noindex"`
	HasExternalId bool           `datastore:"has_external_id,noindex"`
	Secret        string         `datastore:"secret,noindex"`
	HasSecret     bool           `datastore:"has_secret"`
	CreatedAt     time.Time      `datastore:"created_at"`
	UpdatedAt     time.Time      `datastore:"updated_at"`
}

func optional(value string, present bool) *string {
	if !present {
		return nil
	}
	return &value
}

func deref(value *string) (string, bool) {
	if value == nil {
		return "", false
	}
	return *value, true
}

func (e *UserEntity) ToUser() *secrets.User {
	return &secrets.User{
		Id:           e.Key.Name,
		Username:     optional(e.Username, e.HasUsername),
		PasswordHash: optional(e.PasswordHash, e.HasPassword),
		ExternalId:   optional(e.ExternalId, e.HasExternalId),
		Secret:       optional(e.Secret, e.HasSecret),
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

func UserToEntity(u *secrets.User, key *datastore.Key) *UserEntity {
	e := &UserEntity{Key: key, CreatedAt: u.CreatedAt, UpdatedAt: u.UpdatedAt}
	e.Username, e.HasUsername = deref(u.Username)
	e.PasswordHash, e.HasPassword = deref(u.PasswordHash)
	e.ExternalId, e.HasExternalId = deref(u.ExternalId)
	e.Secret, e.HasSecret = deref(u.Secret)
	return e
}

// IndexEntity reserves a unique value (a username or external id) for a user.
// The value itself is the key name.
type IndexEntity struct {
	Key       *datastore.Key `datastore:"__key__"`
	UserID    string         `datastore:"user_id"`
	CreatedAt time.Time      `datastore:"created_at"`
}
