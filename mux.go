package secrets

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alexedwards/scs/v2"
	"github.com/gorilla/mux"
)

// App wires the stores, authenticators and session manager to the routes of
// the secrets site.
type App struct {
	router *mux.Router

	// Optional name used in log lines
	AppName string

	// Must be passed in
	Users    UserStore
	Sessions *SessionManager

	// Local username/password auth.  Created from Users if nil.
	Local *LocalAuth

	// Google sign-in.  Both are optional; without them the /auth/google
	// routes bounce back to the login page.
	FederatedRedirect http.Handler
	Federated         Authenticator

	Views *Views

	// Directory served under /static/
	PublicDir string

	// Redirect targets
	LoginURL   string
	SignupURL  string
	SecretsURL string
	HomeURL    string
}

func New(users UserStore, session *scs.SessionManager) *App {
	return (&App{
		Users:    users,
		Sessions: NewSessionManager(session, users),
	}).EnsureDefaults()
}

func (a *App) EnsureDefaults() *App {
	if a.AppName == "" {
		a.AppName = "Secrets"
	}
	if a.LoginURL == "" {
		a.LoginURL = "/login"
	}
	if a.SignupURL == "" {
		a.SignupURL = "/register"
	}
	if a.SecretsURL == "" {
		a.SecretsURL = "/secrets"
	}
	if a.HomeURL == "" {
		a.HomeURL = "/"
	}
	if a.PublicDir == "" {
		a.PublicDir = "public"
	}
	if a.Sessions != nil {
		a.Sessions.LoginURL = a.LoginURL
		a.Sessions.EnsureReasonableDefaults()
	}
	if a.Local == nil {
		a.Local = &LocalAuth{
			Credentials: NewCredentialAuthenticator(a.Users),
			Sessions:    a.Sessions,
		}
	}
	if a.Local.SuccessURL == "" {
		a.Local.SuccessURL = a.SecretsURL
	}
	if a.Local.LoginURL == "" {
		a.Local.LoginURL = a.LoginURL
	}
	if a.Local.SignupURL == "" {
		a.Local.SignupURL = a.SignupURL
	}
	if a.Views == nil {
		views, err := LoadViews()
		if err != nil {
			// templates are embedded, so this only fails on a broken build
			panic(err)
		}
		a.Views = views
	}
	return a
}

// Handler returns the app's routes wrapped in the session and security
// header middleware
func (a *App) Handler() http.Handler {
	return SecureHeaders(a.Sessions.LoadAndSave(a.setupRoutes().router))
}

func (a *App) setupRoutes() *App {
	if a.router != nil {
		return a
	}
	a.EnsureDefaults()
	r := mux.NewRouter()
	r.HandleFunc("/", a.render(PageHome)).Methods(http.MethodGet)
	r.HandleFunc("/healthz", onHealthz).Methods(http.MethodGet)

	r.HandleFunc("/register", a.render(PageRegister)).Methods(http.MethodGet)
	r.HandleFunc("/register", a.Local.HandleSignup).Methods(http.MethodPost)
	r.HandleFunc("/login", a.render(PageLogin)).Methods(http.MethodGet)
	r.HandleFunc("/login", a.Local.HandleLogin).Methods(http.MethodPost)
	r.HandleFunc("/logout", a.onLogout).Methods(http.MethodGet)

	r.HandleFunc("/auth/google", a.onFederatedRedirect).Methods(http.MethodGet)
	r.HandleFunc("/auth/google/secrets", a.onFederatedCallback).Methods(http.MethodGet)

	r.HandleFunc("/secrets", a.onSecrets).Methods(http.MethodGet)
	r.Handle("/submit", a.Sessions.EnsureUser(a.render(PageSubmit))).Methods(http.MethodGet)
	r.Handle("/submit", a.Sessions.EnsureUser(http.HandlerFunc(a.onSubmit))).Methods(http.MethodPost)

	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.Dir(a.PublicDir))))
	a.router = r
	return a
}

func (a *App) render(page string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.Views.Render(w, page, PageData{Authenticated: IsAuthenticated(r.Context())})
	}
}

func onHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

// onSecrets lists every submitted secret.  Only the text is shown, never
// who wrote it.  A failing store degrades to an empty list.
func (a *App) onSecrets(w http.ResponseWriter, r *http.Request) {
	data := PageData{Authenticated: IsAuthenticated(r.Context())}
	users, err := a.Users.ListUsersWithSecrets(r.Context())
	if err != nil {
		slog.Error("error listing secrets", "err", err)
	}
	for _, user := range users {
		if user.HasSecret() {
			data.Secrets = append(data.Secrets, *user.Secret)
		}
	}
	a.Views.Render(w, PageSecrets, data)
}

// onSubmit replaces the logged in user's secret
func (a *App) onSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	current := CurrentUser(ctx)
	if err := r.ParseForm(); err != nil {
		slog.Info("error parsing submit form", "err", err)
		http.Redirect(w, r, a.SecretsURL, http.StatusFound)
		return
	}
	secret := r.PostFormValue("secret")
	if strings.TrimSpace(secret) == "" {
		http.Redirect(w, r, a.SecretsURL, http.StatusFound)
		return
	}

	// Reload so we never write back a stale copy of the record
	user, err := a.Users.GetUserById(ctx, current.Id)
	if err == nil {
		user.SetSecret(secret)
		err = a.Users.SaveUser(ctx, user)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			slog.Info("user vanished before secret was saved", "userId", current.Id)
		} else {
			slog.Error("error saving secret", "userId", current.Id, "err", err)
		}
	}
	http.Redirect(w, r, a.SecretsURL, http.StatusFound)
}

func (a *App) onLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.Sessions.Logout(r.Context()); err != nil {
		slog.Warn("error destroying session", "err", err)
	}
	http.Redirect(w, r, a.HomeURL, http.StatusFound)
}

func (a *App) onFederatedRedirect(w http.ResponseWriter, r *http.Request) {
	if a.FederatedRedirect == nil {
		slog.Warn("federated sign-in requested but no provider is configured")
		http.Redirect(w, r, a.LoginURL, http.StatusFound)
		return
	}
	a.FederatedRedirect.ServeHTTP(w, r)
}

/**
 * Called by the provider after the consent screen.  Here we:
 * 	1. Complete the handshake and get the provider's profile id
 *	2. Find or create the matching user
 *	3. Start a session for them
 *
 * The provider's state cookie is expired either way.
 */
func (a *App) onFederatedCallback(w http.ResponseWriter, r *http.Request) {
	if a.Federated == nil {
		http.Redirect(w, r, a.LoginURL, http.StatusFound)
		return
	}
	user, err := AuthenticateAndLogin(r.Context(), a.Federated, a.Sessions, r)
	if clearer, ok := a.Federated.(CallbackStateClearer); ok {
		clearer.ClearCallbackState(w)
	}
	if err != nil {
		slog.Info("federated sign-in failed", "code", ErrorCode(err), "err", err)
		http.Redirect(w, r, a.LoginURL, http.StatusFound)
		return
	}
	slog.Info("federated sign-in", "userId", user.Id)
	http.Redirect(w, r, a.SecretsURL, http.StatusFound)
}
