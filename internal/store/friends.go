package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	friendsBucket  = []byte("friends")
	requestsBucket = []byte("friend_requests")

	ErrRequestNotFound = errors.New("friend store: friend request not found")
	ErrNotRecipient    = errors.New("friend store: only the recipient can resolve a friend request")
	ErrRequestResolved = errors.New("friend store: friend request already resolved")
)

// FriendRequest is a pending or resolved request. Accepted is nil while
// the request is pending.
type FriendRequest struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Accepted  *bool     `json:"accepted"`
	CreatedAt time.Time `json:"created_at"`
}

// FriendStore persists friend requests and accepted friendship edges in
// bbolt. Edges live in the "friends" bucket with "a:b" composite keys
// written in both directions on acceptance, so friendship is symmetric
// by construction. Edge checks use read-only transactions.
type FriendStore struct {
	db *bolt.DB
}

// NewFriendStore creates a FriendStore using a shared bbolt database
// handle. Both buckets are created if they do not exist. The caller is
// responsible for closing the database (FriendStore does not own the
// handle).
func NewFriendStore(db *bolt.DB) (*FriendStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(friendsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(requestsBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &FriendStore{db: db}, nil
}

// CreateRequest records a pending friend request from sender to recipient
// and returns it with a freshly generated id.
func (s *FriendStore) CreateRequest(sender, recipient string) (FriendRequest, error) {
	req := FriendRequest{
		ID:        uuid.NewString(),
		Sender:    sender,
		Recipient: recipient,
		CreatedAt: time.Now().UTC(),
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		val, err := json.Marshal(req)
		if err != nil {
			return err
		}
		return tx.Bucket(requestsBucket).Put([]byte(req.ID), val)
	})
	if err != nil {
		return FriendRequest{}, err
	}
	return req, nil
}

// GetRequest returns the friend request with the given id.
func (s *FriendStore) GetRequest(id string) (FriendRequest, error) {
	var req FriendRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(requestsBucket).Get([]byte(id))
		if raw == nil {
			return ErrRequestNotFound
		}
		return json.Unmarshal(raw, &req)
	})
	return req, err
}

// Resolve marks a pending request accepted or denied. Only the request's
// recipient may resolve it, and a request can be resolved once. Acceptance
// writes the friendship edge in both directions within the same
// transaction.
func (s *FriendStore) Resolve(id, resolver string, accepted bool) (FriendRequest, error) {
	var req FriendRequest
	err := s.db.Update(func(tx *bolt.Tx) error {
		requests := tx.Bucket(requestsBucket)
		raw := requests.Get([]byte(id))
		if raw == nil {
			return ErrRequestNotFound
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return err
		}
		if req.Recipient != resolver {
			return ErrNotRecipient
		}
		if req.Accepted != nil {
			return ErrRequestResolved
		}

		req.Accepted = &accepted
		val, err := json.Marshal(req)
		if err != nil {
			return err
		}
		if err := requests.Put([]byte(id), val); err != nil {
			return err
		}
		if !accepted {
			return nil
		}

		edges := tx.Bucket(friendsBucket)
		if err := edges.Put(edgeKey(req.Sender, req.Recipient), []byte("1")); err != nil {
			return err
		}
		return edges.Put(edgeKey(req.Recipient, req.Sender), []byte("1"))
	})
	if err != nil {
		return FriendRequest{}, err
	}
	return req, nil
}

// HasFriend reports whether a friendship edge exists from a to b. Unknown
// usernames simply have no edge; there is no separate existence check.
func (s *FriendStore) HasFriend(a, b string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(friendsBucket).Get(edgeKey(a, b)) != nil
		return nil
	})
	return found, err
}

func edgeKey(a, b string) []byte {
	return []byte(a + ":" + b)
}
