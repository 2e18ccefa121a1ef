package store

import (
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	usersBucket = []byte("users")

	ErrUserExists   = errors.New("user store: username already registered")
	ErrUserNotFound = errors.New("user store: user not found")
)

// User is the stored account record. PasswordHash is a bcrypt hash;
// PublicKey is the client-supplied key blob, stored verbatim and served
// back to peers for end-to-end encryption. The server never uses it.
type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	PublicKey    string    `json:"public_key"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserStore persists account records in bbolt, keyed by username.
type UserStore struct {
	db *bolt.DB
}

// NewUserStore creates a UserStore using a shared bbolt database handle.
// The "users" bucket is created if it does not exist. The caller is
// responsible for closing the database (UserStore does not own the handle).
func NewUserStore(db *bolt.DB) (*UserStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(usersBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &UserStore{db: db}, nil
}

// Create registers a new account. Returns ErrUserExists if the username
// is already taken; the check and the write share one transaction.
func (s *UserStore) Create(user User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(usersBucket)
		key := []byte(user.Username)
		if b.Get(key) != nil {
			return ErrUserExists
		}
		val, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return b.Put(key, val)
	})
}

// Get returns the account record for the given username.
func (s *UserStore) Get(username string) (User, error) {
	var user User
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(usersBucket).Get([]byte(username))
		if raw == nil {
			return ErrUserNotFound
		}
		return json.Unmarshal(raw, &user)
	})
	return user, err
}
