package fs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/panyam/secrets"
	"github.com/panyam/secrets/stores/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSUserStore(t *testing.T) {
	storetest.RunUserStoreTests(t, func(t *testing.T) secrets.UserStore {
		return NewFSUserStore(t.TempDir())
	})
}

func TestFSUserStoreSharedDirectory(t *testing.T) {
	// Two stores on one directory stand in for two processes
	dir := t.TempDir()
	a := NewFSUserStore(dir)
	b := NewFSUserStore(dir)
	ctx := context.Background()

	_, err := a.CreateUser(ctx, &secrets.User{Username: secrets.StringPtr("alice"), PasswordHash: secrets.StringPtr("h")})
	require.NoError(t, err)
	_, err = b.CreateUser(ctx, &secrets.User{Username: secrets.StringPtr("alice"), PasswordHash: secrets.StringPtr("h")})
	assert.ErrorIs(t, err, secrets.ErrDuplicateUsername)

	first, created, err := a.FindOrCreateByExternalId(ctx, "g-1")
	require.NoError(t, err)
	assert.True(t, created)
	second, created, err := b.FindOrCreateByExternalId(ctx, "g-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Id, second.Id)
}

func TestFSUserStoreIndexFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewFSUserStore(dir)
	user, err := store.CreateUser(context.Background(), &secrets.User{
		Username:     secrets.StringPtr("alice"),
		PasswordHash: secrets.StringPtr("$2a$10$hash"),
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "users", user.Id+".json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "$2a$10$hash")

	// Index files are keyed by digest, not by the username itself
	entries, err := os.ReadDir(filepath.Join(dir, "usernames"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Name(), "alice")
}

func TestFSUserStoreRejectsPathIds(t *testing.T) {
	store := NewFSUserStore(t.TempDir())
	_, err := store.GetUserById(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, secrets.ErrNotFound)
}

func TestFSUserStoreFailedCreateLeavesNothingBehind(t *testing.T) {
	dir := t.TempDir()
	store := NewFSUserStore(dir)
	ctx := context.Background()

	// A plain file where the users directory belongs makes every record write fail
	usersPath := filepath.Join(dir, "users")
	require.NoError(t, os.WriteFile(usersPath, []byte("x"), 0644))

	_, err := store.CreateUser(ctx, &secrets.User{Username: secrets.StringPtr("alice"), PasswordHash: secrets.StringPtr("h")})
	require.ErrorIs(t, err, secrets.ErrStoreFault)
	_, _, err = store.FindOrCreateByExternalId(ctx, "g-1")
	require.ErrorIs(t, err, secrets.ErrStoreFault)

	require.NoError(t, os.Remove(usersPath))

	_, err = store.GetUserByUsername(ctx, "alice")
	assert.ErrorIs(t, err, secrets.ErrNotFound)
	user, err := store.CreateUser(ctx, &secrets.User{Username: secrets.StringPtr("alice"), PasswordHash: secrets.StringPtr("h")})
	require.NoError(t, err)
	byName, err := store.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, user.Id, byName.Id)

	federated, created, err := store.FindOrCreateByExternalId(ctx, "g-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "g-1", *federated.ExternalId)
}

func TestFSUserStoreReclaimsOrphanedIndexEntries(t *testing.T) {
	dir := t.TempDir()
	store := NewFSUserStore(dir)
	ctx := context.Background()

	local, err := store.CreateUser(ctx, &secrets.User{Username: secrets.StringPtr("bob"), PasswordHash: secrets.StringPtr("h")})
	require.NoError(t, err)
	federated, _, err := store.FindOrCreateByExternalId(ctx, "g-2")
	require.NoError(t, err)

	// Index entries survive while the records they point at are gone
	require.NoError(t, os.Remove(filepath.Join(dir, "users", local.Id+".json")))
	require.NoError(t, os.Remove(filepath.Join(dir, "users", federated.Id+".json")))

	_, err = store.GetUserByUsername(ctx, "bob")
	assert.ErrorIs(t, err, secrets.ErrNotFound)

	again, err := store.CreateUser(ctx, &secrets.User{Username: secrets.StringPtr("bob"), PasswordHash: secrets.StringPtr("h2")})
	require.NoError(t, err)
	assert.NotEqual(t, local.Id, again.Id)

	reborn, created, err := store.FindOrCreateByExternalId(ctx, "g-2")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, federated.Id, reborn.Id)

	// A live holder still blocks
	_, err = store.CreateUser(ctx, &secrets.User{Username: secrets.StringPtr("bob"), PasswordHash: secrets.StringPtr("h3")})
	assert.ErrorIs(t, err, secrets.ErrDuplicateUsername)
}

func TestFSUserStoreDuplicateCreateRemovesRecord(t *testing.T) {
	dir := t.TempDir()
	store := NewFSUserStore(dir)
	ctx := context.Background()

	_, err := store.CreateUser(ctx, &secrets.User{Username: secrets.StringPtr("carol"), PasswordHash: secrets.StringPtr("h")})
	require.NoError(t, err)
	_, err = store.CreateUser(ctx, &secrets.User{Username: secrets.StringPtr("carol"), PasswordHash: secrets.StringPtr("h")})
	require.ErrorIs(t, err, secrets.ErrDuplicateUsername)

	entries, err := os.ReadDir(filepath.Join(dir, "users"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
