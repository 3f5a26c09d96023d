package policystore

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketPolicies = []byte("policies")

// Store is a BoltDB-backed policy store.
type Store struct {
	db *bolt.DB
}

// NewStore opens (or creates) the policy database under dataDir.
func NewStore(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "gateway.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketPolicies); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketPolicies, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put upserts a policy and stamps UpdatedAt.
func (s *Store) Put(entry *Entry) error {
	if entry.ID == "" {
		return fmt.Errorf("policy id is required")
	}
	entry.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPolicies)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(entry.ID), data)
	})
}

// Get retrieves a policy by id.
func (s *Store) Get(id string) (*Entry, error) {
	var entry Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPolicies)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("policy not found: %s", id)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// List returns all policies ordered by id.
func (s *Store) List() ([]*Entry, error) {
	var entries []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPolicies)
		return b.ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// ListEnabled returns enabled policies of one type, ordered by id.
func (s *Store) ListEnabled(t Type) ([]*Entry, error) {
	entries, err := s.List()
	if err != nil {
		return nil, err
	}
	var filtered []*Entry
	for _, e := range entries {
		if e.Enabled && e.Type == t {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

// Delete removes a policy. Deleting a missing policy is a no-op.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPolicies)
		return b.Delete([]byte(id))
	})
}
