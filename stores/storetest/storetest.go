// Package storetest holds the behaviour every secrets.UserStore backend must
// share.  Backend packages call RunUserStoreTests from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/panyam/secrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunUserStoreTests runs the shared suite.  newStore must return an empty
// store for every call.
func RunUserStoreTests(t *testing.T, newStore func(t *testing.T) secrets.UserStore) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		store := newStore(t)
		user, err := store.CreateUser(ctx, &secrets.User{
			Username:     secrets.StringPtr("alice"),
			PasswordHash: secrets.StringPtr("hash"),
		})
		require.NoError(t, err)
		require.NotEmpty(t, user.Id)
		assert.False(t, user.CreatedAt.IsZero())

		byId, err := store.GetUserById(ctx, user.Id)
		require.NoError(t, err)
		assert.Equal(t, "alice", *byId.Username)
		assert.Equal(t, "hash", *byId.PasswordHash)
		assert.Nil(t, byId.ExternalId)
		assert.Nil(t, byId.Secret)

		byName, err := store.GetUserByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, user.Id, byName.Id)
	})

	t.Run("NotFound", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetUserById(ctx, "missing")
		assert.ErrorIs(t, err, secrets.ErrNotFound)
		_, err = store.GetUserByUsername(ctx, "nobody")
		assert.ErrorIs(t, err, secrets.ErrNotFound)
		_, err = store.GetUserByExternalId(ctx, "g-none")
		assert.ErrorIs(t, err, secrets.ErrNotFound)
		err = store.SaveUser(ctx, &secrets.User{Id: "missing", Secret: secrets.StringPtr("x")})
		assert.ErrorIs(t, err, secrets.ErrNotFound)
	})

	t.Run("DuplicateUsername", func(t *testing.T) {
		store := newStore(t)
		_, err := store.CreateUser(ctx, &secrets.User{Username: secrets.StringPtr("bob"), PasswordHash: secrets.StringPtr("h1")})
		require.NoError(t, err)
		_, err = store.CreateUser(ctx, &secrets.User{Username: secrets.StringPtr("bob"), PasswordHash: secrets.StringPtr("h2")})
		assert.ErrorIs(t, err, secrets.ErrDuplicateUsername)

		user, err := store.GetUserByUsername(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, "h1", *user.PasswordHash)
	})

	t.Run("SecretOverwrite", func(t *testing.T) {
		store := newStore(t)
		user, err := store.CreateUser(ctx, &secrets.User{Username: secrets.StringPtr("carol"), PasswordHash: secrets.StringPtr("h")})
		require.NoError(t, err)

		user.SetSecret("hello")
		require.NoError(t, store.SaveUser(ctx, user))
		user.SetSecret("world")
		require.NoError(t, store.SaveUser(ctx, user))

		got, err := store.GetUserById(ctx, user.Id)
		require.NoError(t, err)
		require.NotNil(t, got.Secret)
		assert.Equal(t, "world", *got.Secret)
		assert.Equal(t, "h", *got.PasswordHash)
		assert.WithinDuration(t, user.CreatedAt, got.CreatedAt, time.Second)
	})

	t.Run("SaveUserMovesUsername", func(t *testing.T) {
		store := newStore(t)
		user, err := store.CreateUser(ctx, &secrets.User{Username: secrets.StringPtr("dora"), PasswordHash: secrets.StringPtr("h")})
		require.NoError(t, err)
		_, err = store.CreateUser(ctx, &secrets.User{Username: secrets.StringPtr("taken"), PasswordHash: secrets.StringPtr("h")})
		require.NoError(t, err)

		user.Username = secrets.StringPtr("dora2")
		require.NoError(t, store.SaveUser(ctx, user))

		moved, err := store.GetUserByUsername(ctx, "dora2")
		require.NoError(t, err)
		assert.Equal(t, user.Id, moved.Id)
		_, err = store.GetUserByUsername(ctx, "dora")
		assert.ErrorIs(t, err, secrets.ErrNotFound)

		// The freed name can be registered again
		_, err = store.CreateUser(ctx, &secrets.User{Username: secrets.StringPtr("dora"), PasswordHash: secrets.StringPtr("h")})
		require.NoError(t, err)

		user.Username = secrets.StringPtr("taken")
		assert.ErrorIs(t, store.SaveUser(ctx, user), secrets.ErrDuplicateUsername)
		still, err := store.GetUserByUsername(ctx, "dora2")
		require.NoError(t, err)
		assert.Equal(t, user.Id, still.Id)
	})

	t.Run("ListUsersWithSecrets", func(t *testing.T) {
		store := newStore(t)
		for _, name := range []string{"a", "b", "c"} {
			user, err := store.CreateUser(ctx, &secrets.User{Username: secrets.StringPtr(name), PasswordHash: secrets.StringPtr("h")})
			require.NoError(t, err)
			if name != "b" {
				user.SetSecret("secret-" + name)
				require.NoError(t, store.SaveUser(ctx, user))
			}
		}

		users, err := store.ListUsersWithSecrets(ctx)
		require.NoError(t, err)
		var got []string
		for _, u := range users {
			got = append(got, *u.Secret)
		}
		assert.ElementsMatch(t, []string{"secret-a", "secret-c"}, got)
	})

	t.Run("EmptySecretIsListed", func(t *testing.T) {
		store := newStore(t)
		user, err := store.CreateUser(ctx, &secrets.User{ExternalId: secrets.StringPtr("g-empty")})
		require.NoError(t, err)
		user.SetSecret("")
		require.NoError(t, store.SaveUser(ctx, user))

		users, err := store.ListUsersWithSecrets(ctx)
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, "", *users[0].Secret)
	})

	t.Run("FindOrCreateByExternalId", func(t *testing.T) {
		store := newStore(t)
		first, created, err := store.FindOrCreateByExternalId(ctx, "g-123")
		require.NoError(t, err)
		assert.True(t, created)
		require.NotNil(t, first.ExternalId)
		assert.Equal(t, "g-123", *first.ExternalId)
		assert.Nil(t, first.Username)
		assert.Nil(t, first.PasswordHash)

		second, created, err := store.FindOrCreateByExternalId(ctx, "g-123")
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.Id, second.Id)

		byExt, err := store.GetUserByExternalId(ctx, "g-123")
		require.NoError(t, err)
		assert.Equal(t, first.Id, byExt.Id)
	})

	t.Run("ConcurrentFindOrCreate", func(t *testing.T) {
		store := newStore(t)
		const workers = 8
		ids := make([]string, workers)
		errs := make([]error, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				user, _, err := store.FindOrCreateByExternalId(ctx, "g-race")
				if err == nil {
					ids[i] = user.Id
				}
				errs[i] = err
			}(i)
		}
		wg.Wait()

		for i := 0; i < workers; i++ {
			require.NoError(t, errs[i], "worker %d", i)
			assert.Equal(t, ids[0], ids[i], "worker %d got a different user", i)
		}
	})

	t.Run("ConcurrentRegistration", func(t *testing.T) {
		store := newStore(t)
		const workers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded, duplicates := 0, 0
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.CreateUser(ctx, &secrets.User{
					Username:     secrets.StringPtr("dave"),
					PasswordHash: secrets.StringPtr(fmt.Sprintf("h%d", i)),
				})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					succeeded++
				case errors.Is(err, secrets.ErrDuplicateUsername):
					duplicates++
				default:
					t.Errorf("worker %d: unexpected error %v", i, err)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, succeeded)
		assert.Equal(t, workers-1, duplicates)
	})
}
