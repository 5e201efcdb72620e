//go:build !wasm
// +build !wasm

// Package gae provides a Google Cloud Datastore implementation of
// secrets.UserStore.  It supports multi-tenancy through Datastore namespaces.
//
// # Datastore Kinds
//
// The package uses the following Datastore kinds:
//   - User: accounts, keyed by user id
//   - Username: uniqueness index, keyed by username, pointing at a User
//   - ExternalId: uniqueness index, keyed by provider profile id
//
// Index entities are written in the same transaction as the User they point
// at, so a username or external id can never be claimed twice.
//
// # Namespacing
//
// Pass a namespace when creating the store to isolate data between tenants:
//
//	userStore := gae.NewUserStore(client, "tenant-123")
//
// # Usage
//
//	client, _ := datastore.NewClient(ctx, projectID)
//	userStore := gae.NewUserStore(client, "")  // default namespace
package gae
