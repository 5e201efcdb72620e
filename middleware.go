package secrets

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexedwards/scs/v2"
)

type currentUserKey struct{}

// SessionManager maps the scs session carried by the request cookie to the
// logged in user.  The session only ever holds the user's id.
type SessionManager struct {
	Session *scs.SessionManager
	Users   UserStore

	// Session key under which the logged in user id is kept
	UserParamName string

	// Where EnsureUser sends unauthenticated requests
	LoginURL string
}

func NewSessionManager(session *scs.SessionManager, users UserStore) *SessionManager {
	out := &SessionManager{Session: session, Users: users}
	out.EnsureReasonableDefaults()
	return out
}

// NewScsSession creates the scs session manager used by the app.  A nil
// store keeps sessions in scs' in-memory store.
func NewScsSession(store scs.Store, cookieName string, lifetime time.Duration, secure bool) *scs.SessionManager {
	session := scs.New()
	if store != nil {
		session.Store = store
	}
	if lifetime > 0 {
		session.Lifetime = lifetime
	}
	if cookieName != "" {
		session.Cookie.Name = cookieName
	}
	session.Cookie.HttpOnly = true
	session.Cookie.SameSite = http.SameSiteLaxMode
	session.Cookie.Secure = secure
	session.Cookie.Path = "/"
	return session
}

/**
 * Ensures that config values have reasonable defaults.
 */
func (m *SessionManager) EnsureReasonableDefaults() {
	if m.UserParamName == "" {
		m.UserParamName = "loggedInUserId"
	}
	if m.LoginURL == "" {
		m.LoginURL = "/login"
	}
}

// LoadAndSave loads the scs session for the request, resolves the current
// user and commits the session once next has run.
func (m *SessionManager) LoadAndSave(next http.Handler) http.Handler {
	return m.Session.LoadAndSave(m.LoadUser(next))
}

/**
 * Resolves the logged in user from the session and makes it available to
 * downstream handlers via CurrentUser.
 *
 * Note this does not perform any redirects if a valid user does not exist.
 * Use EnsureUser for that.  A session pointing at a user that no longer
 * exists is treated as logged out.
 */
func (m *SessionManager) LoadUser(next http.Handler) http.Handler {
	m.EnsureReasonableDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userId := m.GetLoggedInUserId(ctx)
		if userId == "" {
			next.ServeHTTP(w, r)
			return
		}

		user, err := m.Users.GetUserById(ctx, userId)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				slog.Info("session refers to missing user, dropping it", "userId", userId)
				m.Session.Remove(ctx, m.UserParamName)
			} else {
				slog.Warn("error loading session user", "userId", userId, "err", err)
			}
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, currentUserKey{}, user)))
	})
}

// EnsureUser redirects to the login page unless the request is authenticated.
// Must run after LoadUser.
func (m *SessionManager) EnsureUser(next http.Handler) http.Handler {
	m.EnsureReasonableDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAuthenticated(r.Context()) {
			http.Redirect(w, r, m.LoginURL, http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetLoggedInUserId returns the user id stored in the session, if any
func (m *SessionManager) GetLoggedInUserId(ctx context.Context) string {
	return m.Session.GetString(ctx, m.UserParamName)
}

// Login establishes a fresh session for user.  The session token is renewed
// first so a token issued before login cannot be reused afterwards.
func (m *SessionManager) Login(ctx context.Context, user *User) error {
	if user == nil || user.Id == "" {
		return errors.New("cannot log in an unsaved user")
	}
	if err := m.Session.RenewToken(ctx); err != nil {
		return err
	}
	m.Session.Put(ctx, m.UserParamName, user.Id)
	return nil
}

// Logout destroys the current session.  Logging out twice is harmless.
func (m *SessionManager) Logout(ctx context.Context) error {
	return m.Session.Destroy(ctx)
}

// CurrentUser returns the user resolved by LoadUser, or nil
func CurrentUser(ctx context.Context) *User {
	user, _ := ctx.Value(currentUserKey{}).(*User)
	return user
}

// IsAuthenticated reports whether LoadUser resolved a user for this request
func IsAuthenticated(ctx context.Context) bool {
	return CurrentUser(ctx) != nil
}

// SecureHeaders sets conservative browser security headers on every response
func SecureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "same-origin")
		if h.Get("Content-Security-Policy") == "" {
			h.Set("Content-Security-Policy", "default-src 'self'; object-src 'none'; base-uri 'self'; form-action 'self'")
		}
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}
