// Package handoff carries a pending first message from the request that
// creates a thread to the one that opens it.
package handoff

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var ErrNotFound = errors.New("no pending message")

var bucket = []byte("pending")

// Pending is a first message waiting for its thread to be opened, with the
// credential the user supplied alongside it.
type Pending struct {
	Message    string    `json:"message"`
	Model      string    `json:"model,omitempty"`
	Credential string    `json:"credential,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a bbolt file holding at most one Pending per (user, thread).
type Store struct {
	db  *bolt.DB
	ttl time.Duration
}

// Open opens or creates the store at path. Entries older than ttl are
// treated as absent; ttl <= 0 keeps them forever.
func Open(path string, ttl time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open handoff store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, ttl: ttl}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func key(userID, threadID string) []byte {
	return []byte(userID + "\x00" + threadID)
}

// Stash records p for threadID, replacing any earlier entry.
func (s *Store) Stash(userID, threadID string, p Pending) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	enc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key(userID, threadID), enc)
	})
}

// Take returns the pending entry for threadID and deletes it in the same
// transaction, so a second Take returns ErrNotFound.
func (s *Store) Take(userID, threadID string) (Pending, error) {
	var (
		p      Pending
		found  bool
		decErr error
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		k := key(userID, threadID)
		v := b.Get(k)
		if v == nil {
			return nil
		}
		found = true
		// v is only valid inside the transaction.
		decErr = json.Unmarshal(v, &p)
		return b.Delete(k)
	})
	switch {
	case err != nil:
		return Pending{}, err
	case !found:
		return Pending{}, ErrNotFound
	case decErr != nil:
		return Pending{}, fmt.Errorf("corrupt pending entry: %w", decErr)
	case s.expired(p):
		return Pending{}, ErrNotFound
	}
	return p, nil
}

func (s *Store) expired(p Pending) bool {
	return s.ttl > 0 && time.Since(p.CreatedAt) > s.ttl
}

// Purge drops expired entries and returns how many were removed.
func (s *Store) Purge() (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var p Pending
			if json.Unmarshal(v, &p) != nil || s.expired(p) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}
