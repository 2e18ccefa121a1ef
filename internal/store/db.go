// Package store provides persistent storage for the server.
package store

import (
	bolt "go.etcd.io/bbolt"
)

// OpenDB opens the shared bbolt database for all server stores.
// UserStore and FriendStore receive the shared *bolt.DB handle.
// The caller is responsible for closing the database.
func OpenDB(path string) (*bolt.DB, error) {
	return bolt.Open(path, 0600, nil)
}
