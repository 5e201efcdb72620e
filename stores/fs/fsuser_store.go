package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/panyam/secrets"
)

// fsIndexEntry maps a unique field value to the owning user
type fsIndexEntry struct {
	Value     string    `json:"value"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// fsUser is the on-disk form of a user.  Unlike secrets.User it keeps the
// password hash.
type fsUser struct {
	UserId       string    `json:"user_id"`
	Username     *string   `json:"username,omitempty"`
	PasswordHash *string   `json:"password_hash,omitempty"`
	ExternalId   *string   `json:"external_id,omitempty"`
	Secret       *string   `json:"secret,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toFSUser(u *secrets.User) *fsUser {
	return &fsUser{
		UserId:       u.Id,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		ExternalId:   u.ExternalId,
		Secret:       u.Secret,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func (f *fsUser) toUser() *secrets.User {
	return &secrets.User{
		Id:           f.UserId,
		Username:     f.Username,
		PasswordHash: f.PasswordHash,
		ExternalId:   f.ExternalId,
		Secret:       f.Secret,
		CreatedAt:    f.CreatedAt,
		UpdatedAt:    f.UpdatedAt,
	}
}

// FSUserStore implements secrets.UserStore using JSON files.
//
// # File Structure
//
//	{StoragePath}/
//	├── users/
//	│   └── {userId}.json
//	├── usernames/
//	│   └── {sha256(username)}.json     # {"value": "alice", "user_id": "..."}
//	└── externalids/
//	    └── {sha256(externalId)}.json
//
// # Concurrency Model
//
// Writes within a process are serialised by a mutex.  Index files are
// created with O_EXCL so that two processes sharing a directory can never
// both claim the same username or external id.  Suitable for development
// and tests, not for production traffic.
type FSUserStore struct {
	StoragePath string
	mu          sync.Mutex
}

func NewFSUserStore(storagePath string) *FSUserStore {
	return &FSUserStore{StoragePath: storagePath}
}

func (s *FSUserStore) getUserPath(userId string) string {
	// filepath.Base prevents path traversal through crafted ids
	return filepath.Join(s.StoragePath, "users", filepath.Base(userId)+".json")
}

func (s *FSUserStore) getIndexPath(kind, value string) string {
	sum := sha256.Sum256([]byte(value))
	return filepath.Join(s.StoragePath, kind, hex.EncodeToString(sum[:])+".json")
}

func (s *FSUserStore) readUser(userId string) (*secrets.User, error) {
	if userId == "" || strings.ContainsAny(userId, `/\`) {
		return nil, secrets.ErrNotFound
	}
	data, err := os.ReadFile(s.getUserPath(userId))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, secrets.ErrNotFound
		}
		return nil, secrets.StoreFault(err)
	}
	var user fsUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, secrets.StoreFault(err)
	}
	return user.toUser(), nil
}

func (s *FSUserStore) writeUser(user *secrets.User) error {
	path := s.getUserPath(user.Id)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return secrets.StoreFault(err)
	}
	data, err := json.MarshalIndent(toFSUser(user), "", "  ")
	if err != nil {
		return secrets.StoreFault(err)
	}
	return secrets.StoreFault(writeAtomicFile(path, data))
}

// lookupIndex returns the user id an index entry points at
func (s *FSUserStore) lookupIndex(kind, value string) (string, error) {
	data, err := os.ReadFile(s.getIndexPath(kind, value))
	if err != nil {
		if os.IsNotExist(err) {
			return "", secrets.ErrNotFound
		}
		return "", secrets.StoreFault(err)
	}
	var entry fsIndexEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return "", secrets.StoreFault(err)
	}
	return entry.UserID, nil
}

// reserveIndex claims value for userId.  Returns os.ErrExist if another user
// already holds it.  User records are written before their index entries,
// so an entry whose user is missing, or no longer carries the value, is left
// over from a failed write and is reclaimed.
func (s *FSUserStore) reserveIndex(kind, value, userId string) error {
	path := s.getIndexPath(kind, value)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	err := s.createIndexFile(path, value, userId)
	if !errors.Is(err, os.ErrExist) {
		return err
	}
	holder, lookupErr := s.lookupIndex(kind, value)
	if lookupErr != nil {
		return err
	}
	if holder == userId {
		return nil
	}
	holderUser, readErr := s.readUser(holder)
	if readErr == nil {
		if v := indexedField(kind, holderUser); v != nil && *v == value {
			return err
		}
	} else if !errors.Is(readErr, secrets.ErrNotFound) {
		return err
	}
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return rmErr
	}
	return s.createIndexFile(path, value, userId)
}

func (s *FSUserStore) createIndexFile(path, value, userId string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(file).Encode(&fsIndexEntry{Value: value, UserID: userId, CreatedAt: time.Now()}); err != nil {
		file.Close()
		os.Remove(path)
		return err
	}
	return file.Close()
}

func (s *FSUserStore) releaseIndex(kind, value string) {
	os.Remove(s.getIndexPath(kind, value))
}

// indexedField returns the user field an index kind is keyed on
func indexedField(kind string, user *secrets.User) *string {
	if kind == "usernames" {
		return user.Username
	}
	return user.ExternalId
}

// getByIndex resolves an index entry, ignoring entries whose user no longer
// carries the value
func (s *FSUserStore) getByIndex(kind, value string) (*secrets.User, error) {
	userId, err := s.lookupIndex(kind, value)
	if err != nil {
		return nil, err
	}
	user, err := s.readUser(userId)
	if err != nil {
		return nil, err
	}
	if v := indexedField(kind, user); v == nil || *v != value {
		return nil, secrets.ErrNotFound
	}
	return user, nil
}

func (s *FSUserStore) GetUserById(ctx context.Context, userId string) (*secrets.User, error) {
	return s.readUser(userId)
}

func (s *FSUserStore) GetUserByUsername(ctx context.Context, username string) (*secrets.User, error) {
	return s.getByIndex("usernames", username)
}

func (s *FSUserStore) GetUserByExternalId(ctx context.Context, externalId string) (*secrets.User, error) {
	return s.getByIndex("externalids", externalId)
}

func (s *FSUserStore) CreateUser(ctx context.Context, user *secrets.User) (*secrets.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createUser(user)
}

// createUser writes the record first and then claims its index entries.  If
// a claim fails, everything written so far is rolled back.
func (s *FSUserStore) createUser(user *secrets.User) (*secrets.User, error) {
	created := *user
	if created.Id == "" {
		created.Id = secrets.NewUserId()
	}
	now := time.Now()
	created.CreatedAt = now
	created.UpdatedAt = now

	if err := s.writeUser(&created); err != nil {
		return nil, err
	}
	rollback := func() {
		if created.Username != nil {
			s.releaseOwnedIndex("usernames", *created.Username, created.Id)
		}
		os.Remove(s.getUserPath(created.Id))
	}

	if created.Username != nil {
		if err := s.reserveIndex("usernames", *created.Username, created.Id); err != nil {
			os.Remove(s.getUserPath(created.Id))
			if errors.Is(err, os.ErrExist) {
				return nil, secrets.ErrDuplicateUsername
			}
			return nil, secrets.StoreFault(err)
		}
	}
	if created.ExternalId != nil {
		if err := s.reserveIndex("externalids", *created.ExternalId, created.Id); err != nil {
			rollback()
			if errors.Is(err, os.ErrExist) {
				return nil, secrets.StoreFault(fmt.Errorf("external id %s already exists", *created.ExternalId))
			}
			return nil, secrets.StoreFault(err)
		}
	}
	return &created, nil
}

// releaseOwnedIndex removes an index entry only if it still points at userId
func (s *FSUserStore) releaseOwnedIndex(kind, value, userId string) {
	if holder, err := s.lookupIndex(kind, value); err == nil && holder == userId {
		s.releaseIndex(kind, value)
	}
}

func (s *FSUserStore) FindOrCreateByExternalId(ctx context.Context, externalId string) (*secrets.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.GetUserByExternalId(ctx, externalId)
	if err == nil {
		return user, false, nil
	} else if !errors.Is(err, secrets.ErrNotFound) {
		return nil, false, err
	}

	user, err = s.createUser(&secrets.User{ExternalId: secrets.StringPtr(externalId)})
	if err != nil {
		// Another process may have won the O_EXCL race
		if existing, lookupErr := s.GetUserByExternalId(ctx, externalId); lookupErr == nil {
			return existing, false, nil
		}
		return nil, false, err
	}
	return user, true, nil
}

// SaveUser rewrites the record.  A changed username or external id claims
// the new index entry before the write and releases the old one after it.
func (s *FSUserStore) SaveUser(ctx context.Context, user *secrets.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.readUser(user.Id)
	if err != nil {
		return err
	}

	type move struct {
		kind     string
		from, to *string
		taken    error
	}
	moves := []move{
		{"usernames", existing.Username, user.Username, secrets.ErrDuplicateUsername},
		{"externalids", existing.ExternalId, user.ExternalId, nil},
	}
	var claimed []move
	undo := func() {
		for _, m := range claimed {
			s.releaseOwnedIndex(m.kind, *m.to, user.Id)
		}
	}
	for _, m := range moves {
		if m.to == nil || (m.from != nil && *m.from == *m.to) {
			continue
		}
		if err := s.reserveIndex(m.kind, *m.to, user.Id); err != nil {
			undo()
			if errors.Is(err, os.ErrExist) {
				if m.taken != nil {
					return m.taken
				}
				return secrets.StoreFault(fmt.Errorf("%s entry %s already exists", m.kind, *m.to))
			}
			return secrets.StoreFault(err)
		}
		claimed = append(claimed, m)
	}

	saved := *user
	saved.CreatedAt = existing.CreatedAt
	saved.UpdatedAt = time.Now()
	if err := s.writeUser(&saved); err != nil {
		undo()
		return err
	}
	for _, m := range moves {
		if m.from != nil && (m.to == nil || *m.from != *m.to) {
			s.releaseOwnedIndex(m.kind, *m.from, user.Id)
		}
	}
	user.UpdatedAt = saved.UpdatedAt
	return nil
}

func (s *FSUserStore) ListUsersWithSecrets(ctx context.Context) ([]*secrets.User, error) {
	entries, err := os.ReadDir(filepath.Join(s.StoragePath, "users"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, secrets.StoreFault(err)
	}

	var out []*secrets.User
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		user, err := s.readUser(strings.TrimSuffix(name, ".json"))
		if err != nil {
			// A user file replaced mid-listing is skipped, not fatal
			if errors.Is(err, secrets.ErrNotFound) {
				continue
			}
			return out, err
		}
		if user.HasSecret() {
			out = append(out, user)
		}
	}
	return out, nil
}

func (s *FSUserStore) Close(ctx context.Context) error {
	return nil
}
