// Package mongo provides MongoDB implementations of secrets.UserStore and of
// the scs session store.
//
// # Collections
//
//   - users: one document per account.  Field names (username, password,
//     googleId, secret) match documents written by earlier deployments of
//     the app so an existing database can be reused.
//   - sessions: scs session records, expired by a TTL index on "expiry".
//
// Username and googleId carry unique partial indexes, so uniqueness holds
// across any number of app processes.
//
// # Usage
//
//	store, err := mongo.Open(ctx, "mongodb://localhost:27017/secrets")
//	users := store                    // secrets.UserStore
//	sessions := store.SessionStore()  // scs.Store
package mongo
