//go:build !wasm
// +build !wasm

package gae

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/datastore"
	"google.golang.org/api/iterator"

	"github.com/panyam/secrets"
)

// Kind constants for Datastore entities
const (
	KindUser       = "User"
	KindUsername   = "Username"
	KindExternalId = "ExternalId"
)

var errExternalIdTaken = errors.New("external id already exists")

// Transactions on a shared index entity contend under concurrent sign-ups
const txAttempts = 10

// UserStore implements secrets.UserStore using Google Cloud Datastore
type UserStore struct {
	client    *datastore.Client
	namespace string
}

// NewUserStore creates a new Datastore-backed UserStore
func NewUserStore(client *datastore.Client, namespace string) *UserStore {
	return &UserStore{client: client, namespace: namespace}
}

// Open creates a client for projectID and a store on namespace
func Open(ctx context.Context, projectID, namespace string) (*UserStore, error) {
	client, err := datastore.NewClient(ctx, projectID)
	if err != nil {
		return nil, secrets.StoreFault(fmt.Errorf("creating datastore client: %w", err))
	}
	return NewUserStore(client, namespace), nil
}

func (s *UserStore) namespacedKey(kind, name string) *datastore.Key {
	key := datastore.NameKey(kind, name, nil)
	key.Namespace = s.namespace
	return key
}

func (s *UserStore) GetUserById(ctx context.Context, userId string) (*secrets.User, error) {
	if userId == "" {
		return nil, secrets.ErrNotFound
	}
	var entity UserEntity
	if err := s.client.Get(ctx, s.namespacedKey(KindUser, userId), &entity); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, secrets.ErrNotFound
		}
		return nil, secrets.StoreFault(err)
	}
	return entity.ToUser(), nil
}

func (s *UserStore) getByIndex(ctx context.Context, kind, value string) (*secrets.User, error) {
	if value == "" {
		return nil, secrets.ErrNotFound
	}
	var index IndexEntity
	if err := s.client.Get(ctx, s.namespacedKey(kind, value), &index); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, secrets.ErrNotFound
		}
		return nil, secrets.StoreFault(err)
	}
	return s.GetUserById(ctx, index.UserID)
}

func (s *UserStore) GetUserByUsername(ctx context.Context, username string) (*secrets.User, error) {
	return s.getByIndex(ctx, KindUsername, username)
}

func (s *UserStore) GetUserByExternalId(ctx context.Context, externalId string) (*secrets.User, error) {
	return s.getByIndex(ctx, KindExternalId, externalId)
}

// reserve puts an index entity for value inside tx.  Returns taken if some
// other user already holds it.
func (s *UserStore) reserve(tx *datastore.Transaction, kind, value, userId string, taken error) error {
	key := s.namespacedKey(kind, value)
	var existing IndexEntity
	err := tx.Get(key, &existing)
	if err == nil {
		if existing.UserID == userId {
			return nil
		}
		return taken
	}
	if !errors.Is(err, datastore.ErrNoSuchEntity) {
		return err
	}
	_, err = tx.Put(key, &IndexEntity{Key: key, UserID: userId, CreatedAt: time.Now()})
	return err
}

// insert writes a new user and its index entities inside tx
func (s *UserStore) insert(tx *datastore.Transaction, user *secrets.User) error {
	if user.Username != nil {
		if err := s.reserve(tx, KindUsername, *user.Username, user.Id, secrets.ErrDuplicateUsername); err != nil {
			return err
		}
	}
	if user.ExternalId != nil {
		if err := s.reserve(tx, KindExternalId, *user.ExternalId, user.Id, errExternalIdTaken); err != nil {
			return err
		}
	}
	key := s.namespacedKey(KindUser, user.Id)
	_, err := tx.Put(key, UserToEntity(user, key))
	return err
}

func (s *UserStore) CreateUser(ctx context.Context, user *secrets.User) (*secrets.User, error) {
	created := *user
	if created.Id == "" {
		created.Id = secrets.NewUserId()
	}
	created.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	created.UpdatedAt = created.CreatedAt

	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		return s.insert(tx, &created)
	}, datastore.MaxAttempts(txAttempts))
	if err != nil {
		if errors.Is(err, secrets.ErrDuplicateUsername) {
			return nil, secrets.ErrDuplicateUsername
		}
		if errors.Is(err, datastore.ErrConcurrentTransaction) && created.Username != nil {
			if _, lookupErr := s.GetUserByUsername(ctx, *created.Username); lookupErr == nil {
				return nil, secrets.ErrDuplicateUsername
			}
		}
		return nil, secrets.StoreFault(err)
	}
	return &created, nil
}

// FindOrCreateByExternalId reads the index and, if absent, creates the user
// and index in one transaction.  Concurrent creators conflict on the index
// entity and the losing transaction retries into the read path.
func (s *UserStore) FindOrCreateByExternalId(ctx context.Context, externalId string) (*secrets.User, bool, error) {
	var result *secrets.User
	var created bool
	indexKey := s.namespacedKey(KindExternalId, externalId)

	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		result, created = nil, false

		var index IndexEntity
		err := tx.Get(indexKey, &index)
		if err == nil {
			var entity UserEntity
			if err := tx.Get(s.namespacedKey(KindUser, index.UserID), &entity); err != nil {
				return err
			}
			result = entity.ToUser()
			return nil
		}
		if !errors.Is(err, datastore.ErrNoSuchEntity) {
			return err
		}

		now := time.Now().UTC().Truncate(time.Microsecond)
		user := &secrets.User{
			Id:         secrets.NewUserId(),
			ExternalId: secrets.StringPtr(externalId),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.insert(tx, user); err != nil {
			return err
		}
		result, created = user, true
		return nil
	}, datastore.MaxAttempts(txAttempts))
	if err != nil {
		// Retries exhausted under contention: the winner's record exists now
		if errors.Is(err, datastore.ErrConcurrentTransaction) {
			if user, lookupErr := s.GetUserByExternalId(ctx, externalId); lookupErr == nil {
				return user, false, nil
			}
		}
		return nil, false, secrets.StoreFault(err)
	}
	return result, created, nil
}

// SaveUser writes user and moves its index entities if the username or
// external id changed
func (s *UserStore) SaveUser(ctx context.Context, user *secrets.User) error {
	if user.Id == "" {
		return secrets.ErrNotFound
	}
	key := s.namespacedKey(KindUser, user.Id)
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var existing UserEntity
		if err := tx.Get(key, &existing); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return secrets.ErrNotFound
			}
			return err
		}
		if err := s.moveIndex(tx, KindUsername, existing.ToUser().Username, user.Username, user.Id, secrets.ErrDuplicateUsername); err != nil {
			return err
		}
		if err := s.moveIndex(tx, KindExternalId, existing.ToUser().ExternalId, user.ExternalId, user.Id, errExternalIdTaken); err != nil {
			return err
		}

		saved := *user
		saved.CreatedAt = existing.CreatedAt
		saved.UpdatedAt = now
		_, err := tx.Put(key, UserToEntity(&saved, key))
		return err
	})
	switch {
	case err == nil:
		user.UpdatedAt = now
		return nil
	case errors.Is(err, secrets.ErrNotFound), errors.Is(err, secrets.ErrDuplicateUsername):
		return err
	}
	return secrets.StoreFault(err)
}

func (s *UserStore) moveIndex(tx *datastore.Transaction, kind string, from, to *string, userId string, taken error) error {
	if from != nil && to != nil && *from == *to {
		return nil
	}
	if to != nil {
		if err := s.reserve(tx, kind, *to, userId, taken); err != nil {
			return err
		}
	}
	if from != nil {
		return tx.Delete(s.namespacedKey(kind, *from))
	}
	return nil
}

func (s *UserStore) ListUsersWithSecrets(ctx context.Context) ([]*secrets.User, error) {
	query := datastore.NewQuery(KindUser).Namespace(s.namespace).FilterField("has_secret", "=", true)
	it := s.client.Run(ctx, query)

	var users []*secrets.User
	for {
		var entity UserEntity
		_, err := it.Next(&entity)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return users, secrets.StoreFault(err)
		}
		users = append(users, entity.ToUser())
	}
	return users, nil
}

func (s *UserStore) Close(ctx context.Context) error {
	return s.client.Close()
}
