package secrets_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panyam/secrets"
	"github.com/panyam/secrets/oauth2"
	"github.com/panyam/secrets/stores/fs"
	"golang.org/x/crypto/bcrypt"
	oauth2lib "golang.org/x/oauth2"
)

// =============================================================================
// User Journey Tests
// Each journey drives the site over HTTP with a browser-like client.
// =============================================================================

// testSite is a running instance of the app on an FS store
type testSite struct {
	t      *testing.T
	dir    string
	users  *fs.FSUserStore
	app    *secrets.App
	server *httptest.Server

	// Profile ids returned by the fake provider, keyed by callback code
	profiles map[string]string
}

func setupSite(t *testing.T) *testSite {
	return setupSiteWithStore(t, nil)
}

// setupSiteWithStore lets a test wrap the FS store, e.g. to inject faults
func setupSiteWithStore(t *testing.T, wrap func(secrets.UserStore) secrets.UserStore) *testSite {
	dir := t.TempDir()
	site := &testSite{t: t, dir: dir, users: fs.NewFSUserStore(dir), profiles: map[string]string{}}

	var store secrets.UserStore = site.users
	if wrap != nil {
		store = wrap(store)
	}
	session := secrets.NewScsSession(nil, "secrets_session", time.Hour, false)
	site.app = secrets.New(store, session)
	site.app.Local.Credentials.Cost = bcrypt.MinCost

	// A fake provider: the callback's code names the profile
	site.app.Federated = &secrets.Federated{
		Provider: secrets.ProfileResolverFunc(func(r *http.Request) (string, error) {
			profileId, ok := site.profiles[r.FormValue("code")]
			if !ok {
				return "", errors.New("unknown code")
			}
			return profileId, nil
		}),
		Accounts: secrets.NewFederatedAuthenticator(store),
	}

	site.server = httptest.NewServer(site.app.Handler())
	t.Cleanup(site.server.Close)
	return site
}

// browser is a client with its own cookie jar that does not follow redirects
type browser struct {
	site   *testSite
	client *http.Client
}

func (s *testSite) newBrowser() *browser {
	jar, err := cookiejar.New(nil)
	if err != nil {
		s.t.Fatalf("cookiejar: %v", err)
	}
	return &browser{site: s, client: &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

func (b *browser) do(req *http.Request) (*http.Response, string) {
	b.site.t.Helper()
	resp, err := b.client.Do(req)
	if err != nil {
		b.site.t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func (b *browser) get(path string) (*http.Response, string) {
	b.site.t.Helper()
	req, _ := http.NewRequest(http.MethodGet, b.site.server.URL+path, nil)
	return b.do(req)
}

func (b *browser) post(path string, form url.Values) (*http.Response, string) {
	b.site.t.Helper()
	req, _ := http.NewRequest(http.MethodPost, b.site.server.URL+path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return b.do(req)
}

func (b *browser) register(username, password string) *http.Response {
	b.site.t.Helper()
	resp, _ := b.post("/register", url.Values{"username": {username}, "password": {password}})
	return resp
}

func (b *browser) login(username, password string) *http.Response {
	b.site.t.Helper()
	resp, _ := b.post("/login", url.Values{"username": {username}, "password": {password}})
	return resp
}

func (b *browser) submit(secret string) *http.Response {
	b.site.t.Helper()
	resp, _ := b.post("/submit", url.Values{"secret": {secret}})
	return resp
}

// isLoggedIn uses the submit page, which only authenticated users may see
func (b *browser) isLoggedIn() bool {
	b.site.t.Helper()
	resp, _ := b.get("/submit")
	return resp.StatusCode == http.StatusOK
}

func expectRedirect(t *testing.T, resp *http.Response, location string) {
	t.Helper()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("Expected 302 to %s, got %d", location, resp.StatusCode)
	}
	if got := resp.Header.Get("Location"); got != location {
		t.Fatalf("Expected redirect to %s, got %s", location, got)
	}
}

// =============================================================================
// Journey 1: Register, submit a secret, see it listed
// =============================================================================

func TestJourney1_RegisterAndShareSecret(t *testing.T) {
	site := setupSite(t)
	alice := site.newBrowser()

	expectRedirect(t, alice.register("alice@example.com", "pw1"), "/secrets")
	if !alice.isLoggedIn() {
		t.Fatal("Registration should log the user in")
	}

	expectRedirect(t, alice.submit("I like pineapple on pizza"), "/secrets")

	resp, body := alice.get("/secrets")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "I like pineapple on pizza") {
		t.Error("Submitted secret should be listed")
	}
	if !strings.Contains(body, `href="/logout"`) {
		t.Error("Authenticated users should be offered a logout link")
	}

	user, err := site.users.GetUserByUsername(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("User should exist: %v", err)
	}
	if user.PasswordHash == nil || *user.PasswordHash == "pw1" {
		t.Error("Only a password hash should be stored")
	}
	if bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte("pw1")) != nil {
		t.Error("Stored hash should match the password")
	}
}

// =============================================================================
// Journey 2: Log out, log back in
// =============================================================================

func TestJourney2_LogoutAndLogin(t *testing.T) {
	site := setupSite(t)
	alice := site.newBrowser()
	alice.register("alice", "pw1")

	resp, _ := alice.get("/logout")
	expectRedirect(t, resp, "/")
	if alice.isLoggedIn() {
		t.Fatal("Logout should end the session")
	}

	// Logging out again is harmless
	resp, _ = alice.get("/logout")
	expectRedirect(t, resp, "/")

	expectRedirect(t, alice.login("alice", "pw1"), "/secrets")
	if !alice.isLoggedIn() {
		t.Fatal("Login should start a session")
	}
}

// =============================================================================
// Journey 3: Failed logins never start a session
// =============================================================================

func TestJourney3_FailedLogins(t *testing.T) {
	site := setupSite(t)
	site.newBrowser().register("alice", "pw1")

	cases := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "alice", "pw2"},
		{"unknown user", "mallory", "pw1"},
		{"missing password", "alice", ""},
		{"missing username", "", "pw1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := site.newBrowser()
			expectRedirect(t, b.login(tc.username, tc.password), "/login")
			if b.isLoggedIn() {
				t.Error("No session should be established")
			}
		})
	}
}

// =============================================================================
// Journey 4: A taken username cannot be registered again
// =============================================================================

func TestJourney4_DuplicateUsername(t *testing.T) {
	site := setupSite(t)
	site.newBrowser().register("bob", "pw1")

	mallory := site.newBrowser()
	expectRedirect(t, mallory.register("bob", "other"), "/register")
	if mallory.isLoggedIn() {
		t.Error("Failed registration must not log in")
	}

	// The original password still works, the second one does not
	expectRedirect(t, site.newBrowser().login("bob", "pw1"), "/secrets")
	expectRedirect(t, site.newBrowser().login("bob", "other"), "/login")

	entries, _ := os.ReadDir(filepath.Join(site.dir, "users"))
	if len(entries) != 1 {
		t.Errorf("Expected exactly one user record, got %d", len(entries))
	}
}

// =============================================================================
// Journey 5: Submitting again overwrites the secret
// =============================================================================

func TestJourney5_SecretOverwrite(t *testing.T) {
	site := setupSite(t)
	carol := site.newBrowser()
	carol.register("carol", "pw")

	carol.submit("hello")
	carol.submit("world")

	user, _ := site.users.GetUserByUsername(context.Background(), "carol")
	if user.Secret == nil || *user.Secret != "world" {
		t.Fatalf("Expected secret 'world', got %v", user.Secret)
	}
	_, body := carol.get("/secrets")
	if strings.Contains(body, "hello") {
		t.Error("Overwritten secret should no longer be listed")
	}

	// A blank submission changes nothing
	expectRedirect(t, carol.submit("   "), "/secrets")
	user, _ = site.users.GetUserByUsername(context.Background(), "carol")
	if *user.Secret != "world" {
		t.Errorf("Blank submission should be ignored, got %q", *user.Secret)
	}
}

// =============================================================================
// Journey 6: The secrets page is public and anonymous
// =============================================================================

func TestJourney6_SecretsAreAnonymous(t *testing.T) {
	site := setupSite(t)
	dave := site.newBrowser()
	dave.register("dave@example.com", "pw")
	dave.submit("<script>alert(1)</script>")
	site.newBrowser().register("erin", "pw") // never submits

	visitor := site.newBrowser()
	resp, body := visitor.get("/secrets")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Anonymous visitors should see secrets, got %d", resp.StatusCode)
	}
	if strings.Contains(body, "<script>alert(1)</script>") {
		t.Error("Secrets must be rendered as text")
	}
	if !strings.Contains(body, "&lt;script&gt;alert(1)&lt;/script&gt;") {
		t.Error("Escaped secret should be listed")
	}
	user, _ := site.users.GetUserByUsername(context.Background(), "dave@example.com")
	for _, leak := range []string{"dave@example.com", "erin", user.Id} {
		if strings.Contains(body, leak) {
			t.Errorf("Secrets page leaks %q", leak)
		}
	}
	if !strings.Contains(body, `href="/login"`) {
		t.Error("Anonymous visitors should be offered a login link")
	}
}

// =============================================================================
// Journey 7: Submitting requires a session
// =============================================================================

func TestJourney7_SubmitRequiresLogin(t *testing.T) {
	site := setupSite(t)
	visitor := site.newBrowser()

	resp, _ := visitor.get("/submit")
	expectRedirect(t, resp, "/login")
	expectRedirect(t, visitor.submit("sneaky"), "/login")

	users, _ := site.users.ListUsersWithSecrets(context.Background())
	if len(users) != 0 {
		t.Error("Anonymous submissions must not be stored")
	}
}

// =============================================================================
// Journey 8: Federated sign-in finds or creates one account per profile
// =============================================================================

func TestJourney8_FederatedSignIn(t *testing.T) {
	site := setupSite(t)
	site.profiles["code-1"] = "g-123"

	first := site.newBrowser()
	resp, _ := first.get("/auth/google/secrets?code=code-1")
	expectRedirect(t, resp, "/secrets")
	if !first.isLoggedIn() {
		t.Fatal("Federated sign-in should start a session")
	}
	first.submit("federated secret")

	user, err := site.users.GetUserByExternalId(context.Background(), "g-123")
	if err != nil {
		t.Fatalf("Federated user should exist: %v", err)
	}
	if user.Username != nil || user.PasswordHash != nil {
		t.Error("Federated users carry no local credential")
	}

	// Second sign-in, another device: same account
	second := site.newBrowser()
	resp, _ = second.get("/auth/google/secrets?code=code-1")
	expectRedirect(t, resp, "/secrets")
	again, _ := site.users.GetUserByExternalId(context.Background(), "g-123")
	if again.Id != user.Id {
		t.Errorf("Expected the same user, got %s and %s", user.Id, again.Id)
	}
	if again.Secret == nil || *again.Secret != "federated secret" {
		t.Error("Reused account should keep its secret")
	}

	entries, _ := os.ReadDir(filepath.Join(site.dir, "users"))
	if len(entries) != 1 {
		t.Errorf("Expected exactly one user record, got %d", len(entries))
	}
}

// =============================================================================
// Journey 9: Failed federated callbacks go back to the login page
// =============================================================================

func TestJourney9_FederatedFailures(t *testing.T) {
	site := setupSite(t)
	b := site.newBrowser()

	resp, _ := b.get("/auth/google/secrets?code=unknown")
	expectRedirect(t, resp, "/login")
	resp, _ = b.get("/auth/google/secrets?error=access_denied")
	expectRedirect(t, resp, "/login")
	if b.isLoggedIn() {
		t.Error("Failed callbacks must not start a session")
	}

	// Without a provider both routes bounce to the login page
	site.app.FederatedRedirect = nil
	site.app.Federated = nil
	resp, _ = b.get("/auth/google")
	expectRedirect(t, resp, "/login")
	resp, _ = b.get("/auth/google/secrets?code=x")
	expectRedirect(t, resp, "/login")
}

// =============================================================================
// Journey 10: Local and federated accounts are never linked
// =============================================================================

func TestJourney10_NoAccountLinking(t *testing.T) {
	site := setupSite(t)
	site.profiles["code-a"] = "alice"

	site.newBrowser().register("alice", "pw")
	resp, _ := site.newBrowser().get("/auth/google/secrets?code=code-a")
	expectRedirect(t, resp, "/secrets")

	local, _ := site.users.GetUserByUsername(context.Background(), "alice")
	federated, _ := site.users.GetUserByExternalId(context.Background(), "alice")
	if local.Id == federated.Id {
		t.Fatal("A profile id equal to a username must not reach the local account")
	}
	if local.ExternalId != nil {
		t.Error("Local account should not gain an external id")
	}
}

// =============================================================================
// Journey 11: A session whose user vanished counts as logged out
// =============================================================================

func TestJourney11_StaleSession(t *testing.T) {
	site := setupSite(t)
	frank := site.newBrowser()
	frank.register("frank", "pw")

	user, _ := site.users.GetUserByUsername(context.Background(), "frank")
	if err := os.Remove(filepath.Join(site.dir, "users", user.Id+".json")); err != nil {
		t.Fatalf("Removing user record: %v", err)
	}

	resp, _ := frank.get("/submit")
	expectRedirect(t, resp, "/login")
	resp, body := frank.get("/secrets")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Stale session should not be an error, got %d", resp.StatusCode)
	}
	if strings.Contains(body, `href="/logout"`) {
		t.Error("Stale session should render as logged out")
	}
}

// =============================================================================
// Journey 12: A failing store degrades the secrets page to an empty list
// =============================================================================

// faultyListStore fails every listing
type faultyListStore struct {
	secrets.UserStore
}

func (faultyListStore) ListUsersWithSecrets(ctx context.Context) ([]*secrets.User, error) {
	return nil, secrets.StoreFault(errors.New("connection refused"))
}

func TestJourney12_SecretsPageSurvivesStoreFault(t *testing.T) {
	site := setupSiteWithStore(t, func(s secrets.UserStore) secrets.UserStore {
		return faultyListStore{s}
	})
	b := site.newBrowser()
	b.register("gina", "pw")
	b.submit("hidden by the outage")

	resp, body := b.get("/secrets")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 on store fault, got %d", resp.StatusCode)
	}
	if strings.Contains(body, "hidden by the outage") || strings.Contains(body, "connection refused") {
		t.Error("Store faults should render an empty list without details")
	}
}

// =============================================================================
// Journey 12b: Submitting survives a vanished user or a failing save
// =============================================================================

// flakyUserStore fails chosen operations on demand.  The reload in the
// submit handler is told apart from the session lookup by the user already
// resolved onto the request context.
type flakyUserStore struct {
	secrets.UserStore
	vanishOnReload atomic.Bool
	failSaves      atomic.Bool
}

func (s *flakyUserStore) GetUserById(ctx context.Context, userId string) (*secrets.User, error) {
	if s.vanishOnReload.Load() && secrets.CurrentUser(ctx) != nil {
		return nil, secrets.ErrNotFound
	}
	return s.UserStore.GetUserById(ctx, userId)
}

func (s *flakyUserStore) SaveUser(ctx context.Context, user *secrets.User) error {
	if s.failSaves.Load() {
		return secrets.StoreFault(errors.New("disk full"))
	}
	return s.UserStore.SaveUser(ctx, user)
}

func TestJourney12b_SubmitFailuresStillRedirect(t *testing.T) {
	cases := []struct {
		name  string
		flaky func(*flakyUserStore)
	}{
		{"user vanished before save", func(s *flakyUserStore) { s.vanishOnReload.Store(true) }},
		{"store fault on save", func(s *flakyUserStore) { s.failSaves.Store(true) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			flaky := &flakyUserStore{}
			site := setupSiteWithStore(t, func(s secrets.UserStore) secrets.UserStore {
				flaky.UserStore = s
				return flaky
			})
			b := site.newBrowser()
			expectRedirect(t, b.register("ivan", "pw"), "/secrets")

			tc.flaky(flaky)
			expectRedirect(t, b.submit("never stored"), "/secrets")

			user, err := site.users.GetUserByUsername(context.Background(), "ivan")
			if err != nil {
				t.Fatalf("User should still exist: %v", err)
			}
			if user.Secret != nil {
				t.Errorf("No secret should be stored, got %q", *user.Secret)
			}
			_, body := b.get("/secrets")
			if strings.Contains(body, "never stored") {
				t.Error("Failed submission should not be listed")
			}
		})
	}
}

// =============================================================================
// Journey 13: Google sign-in end to end against a mock provider
// =============================================================================

func TestJourney13_GoogleSignIn(t *testing.T) {
	provider := http.NewServeMux()
	provider.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("code") != "good-code" {
			http.Error(w, "bad code", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "token_type": "Bearer", "expires_in": 3600})
	})
	provider.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": "g-42", "name": "Not Stored"})
	})
	providerServer := httptest.NewServer(provider)
	defer providerServer.Close()

	site := setupSite(t)
	google := oauth2.NewGoogleOAuth2("cid", "csecret", site.server.URL+"/auth/google/secrets")
	google.State = oauth2.NewStateSigner([]byte("test-key"))
	google.UserInfoURL = providerServer.URL + "/userinfo"
	google.HTTPClient = providerServer.Client()
	google.SetEndpoint(oauth2lib.Endpoint{AuthURL: providerServer.URL + "/auth", TokenURL: providerServer.URL + "/token"})
	site.app.FederatedRedirect = google
	site.app.Federated = &secrets.Federated{Provider: google, Accounts: secrets.NewFederatedAuthenticator(site.users)}

	b := site.newBrowser()
	startFlow := func() string {
		t.Helper()
		resp, _ := b.get("/auth/google")
		if resp.StatusCode != http.StatusFound {
			t.Fatalf("Expected redirect to provider, got %d", resp.StatusCode)
		}
		consent, _ := url.Parse(resp.Header.Get("Location"))
		if !strings.HasPrefix(consent.String(), providerServer.URL+"/auth") {
			t.Fatalf("Expected provider consent URL, got %s", consent)
		}
		if consent.Query().Get("scope") != "profile" {
			t.Errorf("Only the profile scope should be requested, got %q", consent.Query().Get("scope"))
		}
		return consent.Query().Get("state")
	}
	callback := func(client *browser, state string) *http.Response {
		t.Helper()
		resp, _ := client.get("/auth/google/secrets?code=good-code&state=" + url.QueryEscape(state))
		return resp
	}

	state := startFlow()

	// Another browser cannot replay this browser's state
	expectRedirect(t, callback(site.newBrowser(), state), "/login")

	// A forged state is rejected and burns the flow
	expectRedirect(t, callback(b, "forged"), "/login")
	expectRedirect(t, callback(b, state), "/login")
	if b.isLoggedIn() {
		t.Fatal("Failed callbacks must not start a session")
	}

	state = startFlow()
	resp := callback(b, state)
	expectRedirect(t, resp, "/secrets")
	if !stateCookieExpired(resp) {
		t.Error("Callback should expire the oauth state cookie")
	}
	if !b.isLoggedIn() {
		t.Fatal("Google sign-in should start a session")
	}

	// The state is single use
	expectRedirect(t, callback(b, state), "/login")

	user, err := site.users.GetUserByExternalId(context.Background(), "g-42")
	if err != nil {
		t.Fatalf("Google user should exist: %v", err)
	}
	if user.Username != nil {
		t.Error("Nothing but the profile id should be stored")
	}
}

func stateCookieExpired(resp *http.Response) bool {
	for _, c := range resp.Cookies() {
		if c.Name == oauth2.StateCookieName {
			return c.MaxAge < 0
		}
	}
	return false
}

// =============================================================================
// Edge cases
// =============================================================================

func TestEdgeCase_ConcurrentFederatedSignIns(t *testing.T) {
	site := setupSite(t)
	accounts := secrets.NewFederatedAuthenticator(site.users)

	const workers = 10
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user, err := accounts.FindOrCreate(context.Background(), "g-concurrent")
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			ids[i] = user.Id
		}(i)
	}
	wg.Wait()
	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("Concurrent sign-ins created different users: %s and %s", ids[0], ids[i])
		}
	}
}

func TestEdgeCase_PagesAndHeaders(t *testing.T) {
	site := setupSite(t)
	b := site.newBrowser()

	for _, path := range []string{"/", "/login", "/register", "/secrets", "/healthz"} {
		resp, _ := b.get(path)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, resp.StatusCode)
		}
		if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
			t.Errorf("GET %s: missing security headers", path)
		}
	}

	resp, body := b.get("/static/css/styles.css")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, ".secret-text") {
		t.Errorf("Static stylesheet should be served, got %d", resp.StatusCode)
	}

	resp, _ = b.post("/secrets", url.Values{})
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /secrets: expected 405, got %d", resp.StatusCode)
	}
}

func TestEdgeCase_SessionCookie(t *testing.T) {
	site := setupSite(t)
	b := site.newBrowser()
	resp := b.register("henry", "pw")

	var session *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "secrets_session" {
			session = c
		}
	}
	if session == nil {
		t.Fatal("Expected a secrets_session cookie")
	}
	if !session.HttpOnly {
		t.Error("Session cookie should be HttpOnly")
	}
	user, _ := site.users.GetUserByUsername(context.Background(), "henry")
	if strings.Contains(session.Value, user.Id) || strings.Contains(session.Value, "henry") {
		t.Error("Session cookie should be an opaque token")
	}
}
