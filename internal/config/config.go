// Package config handles configuration for the secrets server: defaults,
// then a best-effort .env file and the process environment, then
// command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultPort is used when PORT is unset or empty
const DefaultPort = "3000"

// Config holds runtime settings for the secrets server.
//
// Fields:
//   - DatabaseURL: store URL; the scheme picks the backend.
//   - ClientID / ClientSecret / CallbackURL: Google OAuth2 client.  Google
//     sign-in is disabled if ClientID is empty.
//   - Port: HTTP listen port.
//   - SessionLifetime: absolute lifetime of a login session.
//   - CookieSecure: mark the session cookie Secure (serve over HTTPS).
//   - PublicDir: directory served under /static/.
//   - StateSecret: HMAC key for the OAuth state; random per process if empty.
type Config struct {
	DatabaseURL     string
	ClientID        string
	ClientSecret    string
	CallbackURL     string
	Port            string
	SessionLifetime time.Duration
	CookieSecure    bool
	PublicDir       string
	StateSecret     string
}

// LoadDefaults populates Config with development defaults
func (c *Config) LoadDefaults() {
	c.DatabaseURL = "file://data"
	c.CallbackURL = "http://localhost:3000/auth/google/secrets"
	c.Port = DefaultPort
	c.SessionLifetime = 24 * time.Hour
	c.CookieSecure = false
	c.PublicDir = "public"
}

// Load builds a Config from defaults, .env, the environment and args (which
// excludes the program name)
func Load(args []string) (*Config, error) {
	// A missing .env is normal outside development
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.LoadDefaults()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.parseFlags(args); err != nil {
		return nil, err
	}
	if cfg.Port == "" {
		cfg.Port = DefaultPort
	}
	return cfg, nil
}

// applyEnv overlays variables that are set and non-empty
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(names ...string) (string, bool) {
		for _, name := range names {
			if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v), true
			}
		}
		return "", false
	}

	if v, ok := get("DATABASE_URL", "MONGOOSE_URL"); ok {
		c.DatabaseURL = v
	}
	if v, ok := get("CLIENT_ID"); ok {
		c.ClientID = v
	}
	if v, ok := get("CLIENT_SECRET"); ok {
		c.ClientSecret = v
	}
	if v, ok := get("CALLBACK_URL"); ok {
		c.CallbackURL = v
	}
	if v, ok := get("PORT"); ok {
		c.Port = v
	}
	if v, ok := get("PUBLIC_DIR"); ok {
		c.PublicDir = v
	}
	if v, ok := get("STATE_SECRET"); ok {
		c.StateSecret = v
	}

	var errs []error
	if v, ok := get("SESSION_LIFETIME"); ok {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("SESSION_LIFETIME: invalid duration %q", v))
		} else {
			c.SessionLifetime = d
		}
	}
	if v, ok := get("COOKIE_SECURE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("COOKIE_SECURE: invalid bool %q", v))
		} else {
			c.CookieSecure = b
		}
	}
	return errors.Join(errs...)
}

// Addr is the listen address for the HTTP server
func (c *Config) Addr() string {
	return ":" + c.Port
}

// GoogleEnabled reports whether Google sign-in is configured
func (c *Config) GoogleEnabled() bool {
	return c.ClientID != ""
}
