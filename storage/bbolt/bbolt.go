// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/otamoon/portfolio/storage"
)

// Store implements storage.Repository backed by a BBolt database. Each
// storage bucket maps to a BBolt bucket keyed by record ID.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(bucket, recordID string, envelope *storage.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(recordID), data)
	})
}

func (s *Store) Get(bucket, recordID string) (*storage.Envelope, error) {
	var envelope storage.Envelope
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", bucket, recordID, storage.ErrNotFound)
		}
		data := b.Get([]byte(recordID))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", bucket, recordID, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &envelope)
	})
	if err != nil {
		return nil, err
	}
	return &envelope, nil
}

// List returns record IDs in key order.
func (s *Store) List(bucket string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (s *Store) Delete(bucket, recordID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil || b.Get([]byte(recordID)) == nil {
			return fmt.Errorf("%s/%s: %w", bucket, recordID, storage.ErrNotFound)
		}
		return b.Delete([]byte(recordID))
	})
}
