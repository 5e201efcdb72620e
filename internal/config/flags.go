package config

import (
	"flag"
	"io"
)

// parseFlags overlays Config with command-line flags.
//
// Supported flags:
//
//	-port string              HTTP listen port
//	-db string                database URL
//	-public string            static files directory
//	-session-lifetime dur     login session lifetime (e.g. 12h)
//	-cookie-secure            mark the session cookie Secure
func (c *Config) parseFlags(args []string) error {
	fs := flag.NewFlagSet("secrets", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&c.Port, "port", c.Port, "HTTP listen port")
	fs.StringVar(&c.DatabaseURL, "db", c.DatabaseURL, "database URL")
	fs.StringVar(&c.PublicDir, "public", c.PublicDir, "static files directory")
	fs.DurationVar(&c.SessionLifetime, "session-lifetime", c.SessionLifetime, "login session lifetime")
	fs.BoolVar(&c.CookieSecure, "cookie-secure", c.CookieSecure, "mark the session cookie Secure")

	return fs.Parse(args)
}
