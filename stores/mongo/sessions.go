package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SessionStore keeps scs sessions in the sessions collection.  It implements
// scs.Store and scs.CtxStore.
type SessionStore struct {
	coll *mongo.Collection
}

// SessionStore returns the session store sharing this store's database
func (s *Store) SessionStore() *SessionStore {
	return &SessionStore{coll: s.sessions}
}

func (m *SessionStore) Find(token string) ([]byte, bool, error) {
	return m.FindCtx(context.Background(), token)
}

func (m *SessionStore) Commit(token string, b []byte, expiry time.Time) error {
	return m.CommitCtx(context.Background(), token, b, expiry)
}

func (m *SessionStore) Delete(token string) error {
	return m.DeleteCtx(context.Background(), token)
}

// FindCtx ignores records past their expiry, since the TTL monitor only
// removes them periodically
func (m *SessionStore) FindCtx(ctx context.Context, token string) ([]byte, bool, error) {
	var doc SessionDocument
	err := m.coll.FindOne(ctx, bson.M{"_id": token, "expiry": bson.M{"$gt": time.Now()}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return doc.Data, true, nil
}

func (m *SessionStore) CommitCtx(ctx context.Context, token string, b []byte, expiry time.Time) error {
	_, err := m.coll.ReplaceOne(ctx, bson.M{"_id": token},
		&SessionDocument{Token: token, Data: b, Expiry: expiry.UTC()},
		options.Replace().SetUpsert(true))
	return err
}

func (m *SessionStore) DeleteCtx(ctx context.Context, token string) error {
	_, err := m.coll.DeleteOne(ctx, bson.M{"_id": token})
	return err
}
