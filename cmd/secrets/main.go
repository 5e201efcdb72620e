package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/panyam/secrets"
	"github.com/panyam/secrets/internal/config"
	"github.com/panyam/secrets/internal/logging"
	"github.com/panyam/secrets/oauth2"
	"github.com/panyam/secrets/stores"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	lg, err := logging.Init(logging.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()
	sugar := lg.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	openCtx, cancelOpen := context.WithTimeout(ctx, 30*time.Second)
	backend, err := stores.Open(openCtx, cfg.DatabaseURL)
	cancelOpen()
	if err != nil {
		sugar.Fatalf("opening store: %v", err)
	}
	if backend.Sessions == nil {
		sugar.Infow("store has no session table, sessions are kept in memory", "kind", backend.Kind)
	}
	backend.StartSessionCleanup(ctx, 5*time.Minute)

	session := secrets.NewScsSession(backend.Sessions, "secrets_session", cfg.SessionLifetime, cfg.CookieSecure)
	app := secrets.New(backend.Users, session)
	app.PublicDir = cfg.PublicDir

	if cfg.GoogleEnabled() {
		google := oauth2.NewGoogleOAuth2(cfg.ClientID, cfg.ClientSecret, cfg.CallbackURL)
		google.State = oauth2.NewStateSigner([]byte(cfg.StateSecret))
		app.FederatedRedirect = google
		app.Federated = &secrets.Federated{
			Provider: google,
			Accounts: secrets.NewFederatedAuthenticator(backend.Users),
		}
		sugar.Infow("google sign-in enabled", "callback", cfg.CallbackURL)
	} else {
		sugar.Warn("CLIENT_ID is not set, google sign-in is disabled")
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           logging.AccessLog(sugar)(app.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sugar.Infow("Server started on port "+cfg.Port, "kind", backend.Kind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()

	<-ctx.Done()
	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}
	if err := backend.Users.Close(doneCtx); err != nil {
		sugar.Warnf("closing store failed: %v", err)
	}
	sugar.Info("goodbye")
}
