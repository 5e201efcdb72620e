package oauth2

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/oauth2"
)

type BaseOAuth2 struct {
	ClientId     string
	ClientSecret string
	CallbackURL  string

	// Where the consent redirect goes if it cannot be started
	FailureURL string

	// Signs and checks the state parameter
	State *StateSigner

	// Optional client for the token exchange and profile fetch
	HTTPClient *http.Client

	oauthConfig oauth2.Config
}

func NewBaseOAuth2(clientId string, clientSecret string, callbackUrl string, scopes []string, endpoint oauth2.Endpoint) *BaseOAuth2 {
	if clientId == "" {
		clientId = os.Getenv("OAUTH2_CLIENT_ID")
	}
	if clientSecret == "" {
		clientSecret = os.Getenv("OAUTH2_CLIENT_SECRET")
	}
	if callbackUrl == "" {
		callbackUrl = os.Getenv("OAUTH2_CALLBACK_URL")
	}
	return &BaseOAuth2{
		ClientId:     clientId,
		ClientSecret: clientSecret,
		CallbackURL:  callbackUrl,
		FailureURL:   "/login",
		State:        NewStateSigner(nil),
		oauthConfig: oauth2.Config{
			ClientID:     clientId,
			ClientSecret: clientSecret,
			RedirectURL:  callbackUrl,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
	}
}

// Config returns the underlying oauth2 configuration
func (b *BaseOAuth2) Config() *oauth2.Config {
	return &b.oauthConfig
}

// SetEndpoint points the flow at a different provider endpoint
func (b *BaseOAuth2) SetEndpoint(endpoint oauth2.Endpoint) {
	b.oauthConfig.Endpoint = endpoint
}

// ServeHTTP starts the consent flow
func (b *BaseOAuth2) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	OauthRedirector(&b.oauthConfig, b.State, b.FailureURL)(w, r)
}

func (b *BaseOAuth2) context(ctx context.Context) context.Context {
	if b.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, b.HTTPClient)
	}
	return ctx
}

// ClearCallbackState expires the state cookie set by ServeHTTP.  Call it on
// every callback, whether or not the exchange succeeded.
func (b *BaseOAuth2) ClearCallbackState(w http.ResponseWriter) {
	clearStateOauthCookie(w)
}

// Exchange validates a provider callback and trades its code for a token
func (b *BaseOAuth2) Exchange(r *http.Request) (*oauth2.Token, error) {
	if providerErr := r.FormValue("error"); providerErr != "" {
		return nil, fmt.Errorf("provider denied consent: %s", providerErr)
	}

	oauthState, _ := r.Cookie(StateCookieName)
	if oauthState == nil {
		return nil, errors.New("oauth state cookie missing")
	}
	if err := b.State.Verify(r.FormValue("state"), oauthState.Value); err != nil {
		return nil, err
	}

	code := r.FormValue("code")
	if code == "" {
		return nil, errors.New("no authorization code in callback")
	}
	token, err := b.oauthConfig.Exchange(b.context(r.Context()), code)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}
	return token, nil
}
