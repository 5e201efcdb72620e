// Package stores selects a User Store backend (and, where the backend has
// one, a session store) from a database URL.
package stores

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/panyam/secrets"
	"github.com/panyam/secrets/stores/fs"
	"github.com/panyam/secrets/stores/gae"
	gormstore "github.com/panyam/secrets/stores/gorm"
	mongostore "github.com/panyam/secrets/stores/mongo"
)

// Backend kinds
const (
	KindMongo     = "mongo"
	KindPostgres  = "postgres"
	KindDatastore = "datastore"
	KindFS        = "fs"
)

// Backend is an opened store.  Sessions is nil for backends without a
// session table; callers fall back to an in-memory session store.
type Backend struct {
	Kind     string
	Users    secrets.UserStore
	Sessions scs.Store

	sessionCleanup func(ctx context.Context, interval time.Duration)
}

// StartSessionCleanup periodically purges expired sessions for backends that
// do not expire them natively.  No-op otherwise.
func (b *Backend) StartSessionCleanup(ctx context.Context, interval time.Duration) {
	if b.sessionCleanup != nil {
		b.sessionCleanup(ctx, interval)
	}
}

// KindForURL maps a database URL to a backend kind:
//
//	mongodb://, mongodb+srv://    mongo
//	postgres://, postgresql://    postgres
//	datastore://project[/ns]      datastore
//	file://dir                    fs
func KindForURL(rawURL string) (string, error) {
	scheme, _, found := strings.Cut(rawURL, "://")
	if !found {
		return "", fmt.Errorf("database url %q has no scheme", redact(rawURL))
	}
	switch strings.ToLower(scheme) {
	case "mongodb", "mongodb+srv":
		return KindMongo, nil
	case "postgres", "postgresql":
		return KindPostgres, nil
	case "datastore":
		return KindDatastore, nil
	case "file":
		return KindFS, nil
	}
	return "", fmt.Errorf("unsupported database scheme %q", scheme)
}

// Open connects to the store named by rawURL
func Open(ctx context.Context, rawURL string) (*Backend, error) {
	kind, err := KindForURL(rawURL)
	if err != nil {
		return nil, err
	}
	slog.Info("opening store", "kind", kind, "url", redact(rawURL))

	switch kind {
	case KindMongo:
		store, err := mongostore.Open(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		return &Backend{Kind: kind, Users: store, Sessions: store.SessionStore()}, nil

	case KindPostgres:
		db, err := gormstore.Open(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		sessions := gormstore.NewSessionStore(db)
		return &Backend{
			Kind:           kind,
			Users:          gormstore.NewUserStore(db),
			Sessions:       sessions,
			sessionCleanup: sessions.StartCleanup,
		}, nil

	case KindDatastore:
		project, namespace, err := ParseDatastoreURL(rawURL)
		if err != nil {
			return nil, err
		}
		store, err := gae.Open(ctx, project, namespace)
		if err != nil {
			return nil, err
		}
		return &Backend{Kind: kind, Users: store}, nil

	default:
		dir, err := ParseFileURL(rawURL)
		if err != nil {
			return nil, err
		}
		return &Backend{Kind: kind, Users: fs.NewFSUserStore(dir)}, nil
	}
}

// ParseDatastoreURL splits datastore://project[/namespace]
func ParseDatastoreURL(rawURL string) (project, namespace string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid datastore url: %w", err)
	}
	project = u.Host
	namespace = strings.Trim(u.Path, "/")
	if project == "" {
		return "", "", fmt.Errorf("datastore url %q has no project", rawURL)
	}
	if strings.Contains(namespace, "/") {
		return "", "", fmt.Errorf("datastore namespace %q may not contain '/'", namespace)
	}
	return project, namespace, nil
}

// ParseFileURL returns the directory of file://dir.  Both file:///abs/dir
// and file://rel/dir are accepted.
func ParseFileURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid file url: %w", err)
	}
	dir := u.Host + u.Path
	if dir == "" {
		return "", fmt.Errorf("file url %q has no directory", rawURL)
	}
	return dir, nil
}

// redact hides the password of a URL for logging
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<unparseable>"
	}
	return u.Redacted()
}
