package secrets

import (
	"context"
	"net/http"
)

// Authenticator turns an incoming request into a user.  The app knows two
// variants: LocalCredential (form username/password) and Federated (a
// provider callback).
type Authenticator interface {
	Authenticate(r *http.Request) (*User, error)
}

// LocalCredential authenticates the username and password fields of a
// posted form
type LocalCredential struct {
	Credentials *CredentialAuthenticator

	// Form field names, default to "username" and "password"
	UsernameField string
	PasswordField string
}

func (l *LocalCredential) Authenticate(r *http.Request) (*User, error) {
	creds, err := parseCredentialsForm(r, l.usernameField(), l.passwordField())
	if err != nil {
		return nil, NewAuthError(ErrCodeMissingUsername, "Error parsing form", "")
	}
	return l.Credentials.Verify(r.Context(), creds.Username, creds.Password)
}

func (l *LocalCredential) usernameField() string {
	if l.UsernameField != "" {
		return l.UsernameField
	}
	return "username"
}

func (l *LocalCredential) passwordField() string {
	if l.PasswordField != "" {
		return l.PasswordField
	}
	return "password"
}

// ProfileResolver completes a provider handshake from its callback request
// and returns the provider's opaque id for the user.  oauth2.GoogleOAuth2
// is the implementation used by the app.
type ProfileResolver interface {
	ResolveProfileId(r *http.Request) (string, error)
}

// ProfileResolverFunc adapts a function to ProfileResolver
type ProfileResolverFunc func(r *http.Request) (string, error)

func (f ProfileResolverFunc) ResolveProfileId(r *http.Request) (string, error) {
	return f(r)
}

// CallbackStateClearer is implemented by providers that leave per-flow
// state on the browser, such as the OAuth2 state cookie
type CallbackStateClearer interface {
	ClearCallbackState(w http.ResponseWriter)
}

// Federated authenticates a provider callback and finds or creates the
// matching user
type Federated struct {
	Provider ProfileResolver
	Accounts *FederatedAuthenticator
}

func (f *Federated) Authenticate(r *http.Request) (*User, error) {
	externalId, err := f.Provider.ResolveProfileId(r)
	if err != nil {
		return nil, ProviderFault(err)
	}
	return f.Accounts.FindOrCreate(r.Context(), externalId)
}

// ClearCallbackState forwards to the provider if it keeps any
func (f *Federated) ClearCallbackState(w http.ResponseWriter) {
	if clearer, ok := f.Provider.(CallbackStateClearer); ok {
		clearer.ClearCallbackState(w)
	}
}

// AuthenticateAndLogin runs an authenticator and, on success, establishes a
// session for the resulting user
func AuthenticateAndLogin(ctx context.Context, auth Authenticator, sessions *SessionManager, r *http.Request) (*User, error) {
	user, err := auth.Authenticate(r)
	if err != nil {
		return nil, err
	}
	if err := sessions.Login(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}
