package secrets

import (
	"log/slog"
	"net/http"
)

// AuthErrorHandler is called when registration or login fails.  Returning
// true means the response has been written.
type AuthErrorHandler func(err error, w http.ResponseWriter, r *http.Request) bool

// Allows local username/password based registration and login
type LocalAuth struct {
	Credentials *CredentialAuthenticator
	Sessions    *SessionManager

	// Form field names
	UsernameField string
	PasswordField string

	// Where to go after a successful registration or login.  Defaults to "/secrets"
	SuccessURL string

	// Where failed registrations and logins are sent back to
	SignupURL string
	LoginURL  string

	// Optional hooks, called before the default redirect
	OnSignupError AuthErrorHandler
	OnLoginError  AuthErrorHandler
}

func (a *LocalAuth) localCredential() *LocalCredential {
	return &LocalCredential{
		Credentials:   a.Credentials,
		UsernameField: a.UsernameField,
		PasswordField: a.PasswordField,
	}
}

// HandleSignup registers a new local user and logs them in
func (a *LocalAuth) HandleSignup(w http.ResponseWriter, r *http.Request) {
	lc := a.localCredential()
	creds, err := parseCredentialsForm(r, lc.usernameField(), lc.passwordField())
	if err != nil {
		a.handleSignupError(NewAuthError(ErrCodeMissingUsername, "Error parsing form", ""), w, r)
		return
	}

	user, err := a.Credentials.Register(r.Context(), creds.Username, creds.Password)
	if err != nil {
		a.handleSignupError(err, w, r)
		return
	}

	if err := a.Sessions.Login(r.Context(), user); err != nil {
		slog.Error("error creating session after signup", "userId", user.Id, "err", err)
		a.handleSignupError(err, w, r)
		return
	}
	http.Redirect(w, r, a.successURL(), http.StatusFound)
}

// HandleLogin verifies posted credentials and logs the user in
func (a *LocalAuth) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if _, err := AuthenticateAndLogin(r.Context(), a.localCredential(), a.Sessions, r); err != nil {
		a.handleLoginError(err, w, r)
		return
	}
	http.Redirect(w, r, a.successURL(), http.StatusFound)
}

func (a *LocalAuth) successURL() string {
	if a.SuccessURL != "" {
		return a.SuccessURL
	}
	return "/secrets"
}

// handleLoginError logs the failure and sends the user back to the login page
func (a *LocalAuth) handleLoginError(err error, w http.ResponseWriter, r *http.Request) {
	slog.Info("login failed", "code", ErrorCode(err), "err", err)
	if a.OnLoginError != nil && a.OnLoginError(err, w, r) {
		return
	}
	loginURL := a.LoginURL
	if loginURL == "" {
		loginURL = "/login"
	}
	http.Redirect(w, r, loginURL, http.StatusFound)
}

// handleSignupError logs the failure and sends the user back to the register page
func (a *LocalAuth) handleSignupError(err error, w http.ResponseWriter, r *http.Request) {
	slog.Info("signup failed", "code", ErrorCode(err), "err", err)
	if a.OnSignupError != nil && a.OnSignupError(err, w, r) {
		return
	}
	signupURL := a.SignupURL
	if signupURL == "" {
		signupURL = "/register"
	}
	http.Redirect(w, r, signupURL, http.StatusFound)
}
