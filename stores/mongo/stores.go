package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/panyam/secrets"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	DefaultDatabaseName = "secrets"

	UsersCollectionName    = "users"
	SessionsCollectionName = "sessions"

	usernameIndexName   = "username_unique"
	externalIdIndexName = "googleId_unique"

	// Attempts at an upsert that lost a race to a concurrent insert
	maxUpsertAttempts = 3
)

// Store implements secrets.UserStore on a MongoDB database
type Store struct {
	client   *mongo.Client
	users    *mongo.Collection
	sessions *mongo.Collection

	// Whether Close disconnects the client
	ownsClient bool
}

// Open connects to uri and prepares the collections.  The database is taken
// from the URI path, DefaultDatabaseName if it has none.
func Open(ctx context.Context, uri string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, secrets.StoreFault(fmt.Errorf("connecting to mongo: %w", err))
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, secrets.StoreFault(fmt.Errorf("pinging mongo: %w", err))
	}
	store, err := NewStore(ctx, client, databaseFromURI(uri))
	if err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	store.ownsClient = true
	return store, nil
}

// NewStore uses an existing client.  Close will not disconnect it.
func NewStore(ctx context.Context, client *mongo.Client, dbName string) (*Store, error) {
	if dbName == "" {
		dbName = DefaultDatabaseName
	}
	db := client.Database(dbName)
	s := &Store{
		client:   client,
		users:    db.Collection(UsersCollectionName),
		sessions: db.Collection(SessionsCollectionName),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func databaseFromURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return DefaultDatabaseName
	}
	if name := strings.Trim(u.Path, "/"); name != "" {
		return name
	}
	return DefaultDatabaseName
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "username", Value: 1}},
			Options: options.Index().SetName(usernameIndexName).SetUnique(true).
				SetPartialFilterExpression(bson.M{"username": bson.M{"$type": "string"}}),
		},
		{
			Keys: bson.D{{Key: "googleId", Value: 1}},
			Options: options.Index().SetName(externalIdIndexName).SetUnique(true).
				SetPartialFilterExpression(bson.M{"googleId": bson.M{"$type": "string"}}),
		},
	})
	if err != nil {
		return secrets.StoreFault(fmt.Errorf("creating user indexes: %w", err))
	}
	_, err = s.sessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiry", Value: 1}},
		Options: options.Index().SetName("expiry_ttl").SetExpireAfterSeconds(0),
	})
	if err != nil {
		return secrets.StoreFault(fmt.Errorf("creating session index: %w", err))
	}
	return nil
}

// Mongo keeps millisecond precision, so times are truncated up front to make
// returned records match what a later read sees
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func (s *Store) findOne(ctx context.Context, filter bson.M) (*secrets.User, error) {
	var doc UserDocument
	if err := s.users.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, secrets.ErrNotFound
		}
		return nil, secrets.StoreFault(err)
	}
	return doc.ToUser(), nil
}

func (s *Store) GetUserById(ctx context.Context, userId string) (*secrets.User, error) {
	id, err := primitive.ObjectIDFromHex(userId)
	if err != nil {
		return nil, secrets.ErrNotFound
	}
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*secrets.User, error) {
	return s.findOne(ctx, bson.M{"username": username})
}

func (s *Store) GetUserByExternalId(ctx context.Context, externalId string) (*secrets.User, error) {
	return s.findOne(ctx, bson.M{"googleId": externalId})
}

func (s *Store) CreateUser(ctx context.Context, user *secrets.User) (*secrets.User, error) {
	id := primitive.NewObjectID()
	if user.Id != "" {
		parsed, err := primitive.ObjectIDFromHex(user.Id)
		if err != nil {
			return nil, secrets.StoreFault(fmt.Errorf("user id %q is not an ObjectID: %w", user.Id, err))
		}
		id = parsed
	}
	created := *user
	created.Id = id.Hex()
	created.CreatedAt = now()
	created.UpdatedAt = created.CreatedAt

	if _, err := s.users.InsertOne(ctx, UserToDocument(&created, id)); err != nil {
		if mongo.IsDuplicateKeyError(err) && strings.Contains(err.Error(), usernameIndexName) {
			return nil, secrets.ErrDuplicateUsername
		}
		return nil, secrets.StoreFault(err)
	}
	return &created, nil
}

// FindOrCreateByExternalId upserts on googleId.  Two concurrent upserts can
// both miss and race to insert; the loser sees a duplicate key error and
// retries, which then matches the winner's document.
func (s *Store) FindOrCreateByExternalId(ctx context.Context, externalId string) (*secrets.User, bool, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var lastErr error
	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		id := primitive.NewObjectID()
		ts := now()
		update := bson.M{"$setOnInsert": bson.M{"_id": id, "created_at": ts, "updated_at": ts}}

		var doc UserDocument
		err := s.users.FindOneAndUpdate(ctx, bson.M{"googleId": externalId}, update, opts).Decode(&doc)
		if err == nil {
			return doc.ToUser(), doc.ID == id, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return nil, false, secrets.StoreFault(err)
		}
		slog.Debug("retrying federated upsert", "attempt", attempt+1)
		lastErr = err
	}
	return nil, false, secrets.StoreFault(lastErr)
}

// SaveUser writes every field of user.  Nil fields are unset rather than
// stored as null so they stay outside the unique indexes.
func (s *Store) SaveUser(ctx context.Context, user *secrets.User) error {
	id, err := primitive.ObjectIDFromHex(user.Id)
	if err != nil {
		return secrets.ErrNotFound
	}
	ts := now()
	set := bson.M{"updated_at": ts}
	unset := bson.M{}
	for field, value := range map[string]*string{
		"username": user.Username,
		"password": user.PasswordHash,
		"googleId": user.ExternalId,
		"secret":   user.Secret,
	} {
		if value != nil {
			set[field] = *value
		} else {
			unset[field] = ""
		}
	}
	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	result, err := s.users.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) && strings.Contains(err.Error(), usernameIndexName) {
			return secrets.ErrDuplicateUsername
		}
		return secrets.StoreFault(err)
	}
	if result.MatchedCount == 0 {
		return secrets.ErrNotFound
	}
	user.UpdatedAt = ts
	return nil
}

func (s *Store) ListUsersWithSecrets(ctx context.Context) ([]*secrets.User, error) {
	cursor, err := s.users.Find(ctx, bson.M{"secret": bson.M{"$type": "string"}})
	if err != nil {
		return nil, secrets.StoreFault(err)
	}
	var docs []UserDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, secrets.StoreFault(err)
	}
	users := make([]*secrets.User, len(docs))
	for i := range docs {
		users[i] = docs[i].ToUser()
	}
	return users, nil
}

func (s *Store) Close(ctx context.Context) error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Disconnect(ctx)
}
