package oauth2

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

const (
	// Cookie holding the nonce that the signed state must echo back
	StateCookieName = "oauthstate"

	// How long a user may take on the consent screen
	DefaultStateExpiry = 10 * time.Minute
)

// StateSigner issues and checks the OAuth2 "state" parameter.  The state is
// an HS256 JWT carrying a nonce that is also set as a cookie on the
// browser, so a callback is only accepted from the browser that started the
// flow and only within the expiry window.
type StateSigner struct {
	Key    []byte
	Issuer string
	Expiry time.Duration
}

// NewStateSigner creates a signer.  A nil or empty key is replaced with a
// random per-process key.
func NewStateSigner(key []byte) *StateSigner {
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic(fmt.Sprintf("failed to generate state key: %v", err))
		}
	}
	return &StateSigner{Key: key, Issuer: "secrets", Expiry: DefaultStateExpiry}
}

func (s *StateSigner) expiry() time.Duration {
	if s.Expiry > 0 {
		return s.Expiry
	}
	return DefaultStateExpiry
}

// Issue returns a signed state for the given nonce
func (s *StateSigner) Issue(nonce string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        nonce,
		Issuer:    s.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry())),
	})
	return token.SignedString(s.Key)
}

// Verify checks the signature, expiry and issuer of state and that it was
// issued for nonce
func (s *StateSigner) Verify(state, nonce string) error {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(state, claims, func(token *jwt.Token) (any, error) {
		return s.Key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(s.Issuer), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("invalid oauth state: %w", err)
	}
	if nonce == "" || claims.ID != nonce {
		return errors.New("oauth state does not match this browser")
	}
	return nil
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func generateStateOauthCookie(w http.ResponseWriter, signer *StateSigner) (string, error) {
	nonce, err := generateNonce()
	if err != nil {
		return "", err
	}
	state, err := signer.Issue(nonce)
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    nonce,
		Path:     "/",
		MaxAge:   int(signer.expiry().Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return state, nil
}

// clearStateOauthCookie expires the nonce cookie so a state can be used once
func clearStateOauthCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// OauthRedirector returns a handler that starts the consent flow: it sets
// the state cookie and redirects to the provider's auth URL.  If the state
// cannot be generated the browser is sent to failureURL.
func OauthRedirector(oauthConfig *oauth2.Config, signer *StateSigner, failureURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := generateStateOauthCookie(w, signer)
		if err != nil {
			slog.Error("error generating oauth state", "err", err)
			http.Redirect(w, r, failureURL, http.StatusFound)
			return
		}
		http.Redirect(w, r, oauthConfig.AuthCodeURL(state), http.StatusFound)
	}
}
