//go:build !wasm
// +build !wasm

package gorm

import (
	"time"

	"github.com/panyam/secrets"
)

// Must match the uniqueIndex tag on UserModel.Username
const usernameIndexName = "idx_users_username"

// UserModel is the GORM model for users.  NULL columns do not collide in the
// unique indexes, so any number of users may lack a username or external id.
type UserModel struct {
	ID           string    `gorm:"primaryKey;size:64"`
	Username     *string   `gorm:"size:255;uniqueIndex:idx_users_username"`
	PasswordHash *string   `gorm:"size:255"`
	ExternalId   *string   `gorm:"size:255;uniqueIndex:idx_users_external_id"`
	Secret       *string   `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

func (UserModel) TableName() string {
	return "users"
}

func (m *UserModel) ToUser() *secrets.User {
	return &secrets.User{
		Id:           m.ID,
		Username:     m.Username,
		PasswordHash: m.PasswordHash,
		ExternalId:   m.ExternalId,
		Secret:       m.Secret,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func UserToModel(u *secrets.User) *UserModel {
	return &UserModel{
		ID:           u.Id,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		ExternalId:   u.ExternalId,
		Secret:       u.Secret,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

// SessionModel is the GORM model for scs sessions
type SessionModel struct {
	Token  string    `gorm:"primaryKey;size:64"`
	Data   []byte    `gorm:"not null"`
	Expiry time.Time `gorm:"not null;index"`
}

func (SessionModel) TableName() string {
	return "sessions"
}
