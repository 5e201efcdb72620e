package oauth2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const DefaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// GoogleOAuth2 signs users in with Google.  Only the "profile" scope is
// requested and only the profile id is used.
type GoogleOAuth2 struct {
	*BaseOAuth2

	// Profile endpoint, defaults to DefaultGoogleUserInfoURL
	UserInfoURL string
}

func NewGoogleOAuth2(clientId string, clientSecret string, callbackUrl string) *GoogleOAuth2 {
	if clientId == "" {
		clientId = os.Getenv("OAUTH2_GOOGLE_CLIENT_ID")
	}
	if clientSecret == "" {
		clientSecret = os.Getenv("OAUTH2_GOOGLE_CLIENT_SECRET")
	}
	if callbackUrl == "" {
		callbackUrl = os.Getenv("OAUTH2_GOOGLE_CALLBACK_URL")
	}
	return &GoogleOAuth2{
		BaseOAuth2:  NewBaseOAuth2(clientId, clientSecret, callbackUrl, []string{"profile"}, google.Endpoint),
		UserInfoURL: DefaultGoogleUserInfoURL,
	}
}

// ResolveProfileId completes the callback of the consent flow and returns
// the user's Google profile id
func (g *GoogleOAuth2) ResolveProfileId(r *http.Request) (string, error) {
	token, err := g.Exchange(r)
	if err != nil {
		return "", err
	}
	userInfo, err := g.FetchUserInfo(r.Context(), token)
	if err != nil {
		return "", err
	}
	return profileIdFromUserInfo(userInfo)
}

// FetchUserInfo loads the profile of the token's owner
func (g *GoogleOAuth2) FetchUserInfo(ctx context.Context, token *oauth2.Token) (map[string]any, error) {
	url := g.UserInfoURL
	if url == "" {
		url = DefaultGoogleUserInfoURL
	}
	client := g.oauthConfig.Client(g.context(ctx), token)
	response, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed getting user info: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info request failed with status %d", response.StatusCode)
	}

	var userInfo map[string]any
	decoder := json.NewDecoder(response.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&userInfo); err != nil {
		slog.Warn("error decoding google profile", "err", err)
		return nil, fmt.Errorf("invalid user info: %w", err)
	}
	return userInfo, nil
}

// profileIdFromUserInfo reads "id" (v2 userinfo) or "sub" (OpenID userinfo)
func profileIdFromUserInfo(userInfo map[string]any) (string, error) {
	for _, key := range []string{"id", "sub"} {
		switch v := userInfo[key].(type) {
		case string:
			if v != "" {
				return v, nil
			}
		case json.Number:
			return v.String(), nil
		}
	}
	return "", errors.New("profile has no id")
}
