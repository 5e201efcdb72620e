// Package secrets implements a small site where people share secrets
// anonymously.
//
// Visitors register with a username and password, or sign in with Google.
// Once logged in they may submit a single secret, which replaces any secret
// they submitted before.  The secrets page lists every submitted secret
// without saying who wrote it.
//
// # Architecture
//
// User: the one account record.  Local users carry a Username and a bcrypt
// PasswordHash, federated users carry the provider's ExternalId.  The two
// kinds are never linked, even when a username happens to equal a profile id.
//
// UserStore: persistence for users.  Stores enforce uniqueness of usernames
// and external ids themselves, so concurrent registrations or first-time
// sign-ins never produce duplicates.  Implementations live under stores/:
// fs (JSON files), gorm (PostgreSQL), mongo and gae (Cloud Datastore).
//
// SessionManager: maps the scs session cookie to the logged in user.  The
// session only ever holds the user's id.
//
// # Basic Usage
//
//	users := fs.NewFSUserStore("/path/to/storage")
//	session := secrets.NewScsSession(nil, "secrets_session", 24*time.Hour, false)
//	app := secrets.New(users, session)
//
//	google := oauth2.NewGoogleOAuth2(clientId, clientSecret, callbackURL)
//	app.FederatedRedirect = google
//	app.Federated = &secrets.Federated{
//	    Provider: google,
//	    Accounts: secrets.NewFederatedAuthenticator(users),
//	}
//
//	http.ListenAndServe(":3000", app.Handler())
//
// # Routes
//
//	GET  /                      home
//	GET  /register, /login      forms
//	POST /register, /login      local registration and login
//	GET  /auth/google           start Google sign-in
//	GET  /auth/google/secrets   Google callback
//	GET  /secrets               anonymous list of secrets
//	GET  /submit, POST /submit  submit a secret (login required)
//	GET  /logout                end the session
//	GET  /healthz               liveness
//	GET  /static/...            files under PublicDir
//
// # Security
//
// Passwords are hashed with bcrypt.  The OAuth2 state parameter is a signed,
// expiring token bound to a cookie on the browser that started the flow.
// Session tokens are renewed on login.
package secrets
