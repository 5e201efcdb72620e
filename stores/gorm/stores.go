//go:build !wasm
// +build !wasm

package gorm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/panyam/secrets"
)

// Postgres error code for unique_violation
const uniqueViolation = "23505"

// Open connects to a PostgreSQL database and migrates the schema
func Open(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, secrets.StoreFault(fmt.Errorf("connecting to postgres: %w", err))
	}
	if err := AutoMigrate(db.WithContext(ctx)); err != nil {
		return nil, secrets.StoreFault(fmt.Errorf("migrating schema: %w", err))
	}
	return db, nil
}

// AutoMigrate runs database migrations for all tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&UserModel{},
		&SessionModel{},
	)
}

// uniqueConstraint returns the violated index name if err is a unique
// violation, or "" otherwise
func uniqueConstraint(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return pgErr.ConstraintName, true
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return "", true
	}
	return "", false
}

// =============================================================================
// UserStore
// =============================================================================

// UserStore implements secrets.UserStore using GORM
type UserStore struct {
	db *gorm.DB
}

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) first(ctx context.Context, query string, arg any) (*secrets.User, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Take(&model, query, arg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, secrets.ErrNotFound
		}
		return nil, secrets.StoreFault(err)
	}
	return model.ToUser(), nil
}

func (s *UserStore) GetUserById(ctx context.Context, userId string) (*secrets.User, error) {
	return s.first(ctx, "id = ?", userId)
}

func (s *UserStore) GetUserByUsername(ctx context.Context, username string) (*secrets.User, error) {
	return s.first(ctx, "username = ?", username)
}

func (s *UserStore) GetUserByExternalId(ctx context.Context, externalId string) (*secrets.User, error) {
	return s.first(ctx, "external_id = ?", externalId)
}

func (s *UserStore) CreateUser(ctx context.Context, user *secrets.User) (*secrets.User, error) {
	model := UserToModel(user)
	if model.ID == "" {
		model.ID = secrets.NewUserId()
	}
	model.CreatedAt = time.Time{}
	model.UpdatedAt = time.Time{}

	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		if constraint, ok := uniqueConstraint(err); ok && user.Username != nil {
			// A translated error carries no constraint name, so ask the table
			if constraint == usernameIndexName || (constraint == "" && s.usernameTaken(ctx, *user.Username)) {
				return nil, secrets.ErrDuplicateUsername
			}
		}
		return nil, secrets.StoreFault(err)
	}
	return model.ToUser(), nil
}

func (s *UserStore) usernameTaken(ctx context.Context, username string) bool {
	var count int64
	s.db.WithContext(ctx).Model(&UserModel{}).Where("username = ?", username).Count(&count)
	return count > 0
}

// FindOrCreateByExternalId inserts with ON CONFLICT DO NOTHING and then
// reads back whichever row holds the external id.  Concurrent callers all
// read the single row that won the insert.
func (s *UserStore) FindOrCreateByExternalId(ctx context.Context, externalId string) (*secrets.User, bool, error) {
	if user, err := s.GetUserByExternalId(ctx, externalId); err == nil {
		return user, false, nil
	} else if !errors.Is(err, secrets.ErrNotFound) {
		return nil, false, err
	}

	model := &UserModel{ID: secrets.NewUserId(), ExternalId: secrets.StringPtr(externalId)}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "external_id"}}, DoNothing: true}).
		Create(model)
	if result.Error != nil {
		return nil, false, secrets.StoreFault(result.Error)
	}
	created := result.RowsAffected == 1

	user, err := s.GetUserByExternalId(ctx, externalId)
	if err != nil {
		return nil, false, err
	}
	if !created {
		slog.Debug("federated insert lost race", "externalId", externalId)
	}
	return user, created, nil
}

func (s *UserStore) SaveUser(ctx context.Context, user *secrets.User) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", user.Id).Updates(map[string]any{
		"username":      user.Username,
		"password_hash": user.PasswordHash,
		"external_id":   user.ExternalId,
		"secret":        user.Secret,
		"updated_at":    now,
	})
	if result.Error != nil {
		if constraint, ok := uniqueConstraint(result.Error); ok && constraint == usernameIndexName {
			return secrets.ErrDuplicateUsername
		}
		return secrets.StoreFault(result.Error)
	}
	if result.RowsAffected == 0 {
		return secrets.ErrNotFound
	}
	user.UpdatedAt = now
	return nil
}

func (s *UserStore) ListUsersWithSecrets(ctx context.Context) ([]*secrets.User, error) {
	var models []UserModel
	if err := s.db.WithContext(ctx).Where("secret IS NOT NULL").Order("created_at").Find(&models).Error; err != nil {
		return nil, secrets.StoreFault(err)
	}
	users := make([]*secrets.User, len(models))
	for i := range models {
		users[i] = models[i].ToUser()
	}
	return users, nil
}

func (s *UserStore) Close(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// =============================================================================
// SessionStore
// =============================================================================

// SessionStore implements scs.Store and scs.CtxStore using GORM
type SessionStore struct {
	db *gorm.DB
}

func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) Find(token string) ([]byte, bool, error) {
	return s.FindCtx(context.Background(), token)
}

func (s *SessionStore) Commit(token string, b []byte, expiry time.Time) error {
	return s.CommitCtx(context.Background(), token, b, expiry)
}

func (s *SessionStore) Delete(token string) error {
	return s.DeleteCtx(context.Background(), token)
}

func (s *SessionStore) FindCtx(ctx context.Context, token string) ([]byte, bool, error) {
	var model SessionModel
	err := s.db.WithContext(ctx).Take(&model, "token = ? AND expiry > ?", token, time.Now()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return model.Data, true, nil
}

func (s *SessionStore) CommitCtx(ctx context.Context, token string, b []byte, expiry time.Time) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "expiry"}),
	}).Create(&SessionModel{Token: token, Data: b, Expiry: expiry}).Error
}

func (s *SessionStore) DeleteCtx(ctx context.Context, token string) error {
	return s.db.WithContext(ctx).Delete(&SessionModel{}, "token = ?", token).Error
}

// DeleteExpired removes sessions past their expiry
func (s *SessionStore) DeleteExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Delete(&SessionModel{}, "expiry <= ?", time.Now())
	return result.RowsAffected, result.Error
}

// StartCleanup deletes expired sessions every interval until ctx is done
func (s *SessionStore) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := s.DeleteExpired(ctx); err != nil {
					slog.Warn("session cleanup failed", "err", err)
				} else if n > 0 {
					slog.Debug("removed expired sessions", "count", n)
				}
			}
		}
	}()
}
