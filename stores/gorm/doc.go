//go:build !wasm
// +build !wasm

// Package gorm provides GORM-based implementations of secrets.UserStore and of
// the scs session store.  Open targets PostgreSQL; NewUserStore and
// NewSessionStore accept any *gorm.DB.
//
// # Database Schema
//
// The package auto-migrates the following tables:
//   - users: accounts, with unique indexes on username and external_id
//   - sessions: scs session records keyed by token
//
// # Usage
//
//	db, _ := gormstore.Open(ctx, "postgres://localhost/secrets")
//	userStore := gormstore.NewUserStore(db)
//	sessionStore := gormstore.NewSessionStore(db)
package gorm
