package mongo

import (
	"time"

	"github.com/panyam/secrets"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// UserDocument is the stored form of a user.  Nil fields are left out of the
// document entirely so the partial unique indexes ignore them.
type UserDocument struct {
	ID           primitive.ObjectID `bson:"_id"`
	Username     *string            `bson:"username,omitempty"`
	PasswordHash *string            `bson:"password,omitempty"`
	ExternalId   *string            `bson:"googleId,omitempty"`
	Secret       *string            `bson:"secret,omitempty"`
	CreatedAt    time.Time          `bson:"created_at"`
	UpdatedAt    time.Time          `bson:"updated_at"`
}

func (d *UserDocument) ToUser() *secrets.User {
	return &secrets.User{
		Id:           d.ID.Hex(),
		Username:     d.Username,
		PasswordHash: d.PasswordHash,
		ExternalId:   d.ExternalId,
		Secret:       d.Secret,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

func UserToDocument(u *secrets.User, id primitive.ObjectID) *UserDocument {
	return &UserDocument{
		ID:           id,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		ExternalId:   u.ExternalId,
		Secret:       u.Secret,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

// SessionDocument is an scs session record
type SessionDocument struct {
	Token  string    `bson:"_id"`
	Data   []byte    `bson:"data"`
	Expiry time.Time `bson:"expiry"`
}
