package secrets

import (
	"net/http"
	"strings"
)

// Credentials represents a username/password pair submitted for
// registration or login
type Credentials struct {
	Username string
	Password string
}

// CredentialsValidator validates credentials before they reach the store
type CredentialsValidator func(creds *Credentials) *AuthError

// DefaultCredentialsValidator only insists both fields are present.  The
// username is trimmed, the password is taken verbatim.
var DefaultCredentialsValidator CredentialsValidator = func(creds *Credentials) *AuthError {
	creds.Username = strings.TrimSpace(creds.Username)
	if creds.Username == "" {
		return NewAuthError(ErrCodeMissingUsername, "No username was given", "username")
	}
	if creds.Password == "" {
		return NewAuthError(ErrCodeMissingPassword, "No password was given", "password")
	}
	return nil
}

// parseCredentialsForm reads the username and password fields of a
// url-encoded or multipart form
func parseCredentialsForm(r *http.Request, usernameField, passwordField string) (*Credentials, error) {
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return &Credentials{
		Username: r.PostFormValue(usernameField),
		Password: r.PostFormValue(passwordField),
	}, nil
}
