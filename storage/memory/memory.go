// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"sort"
	"sync"

	"github.com/otamoon/portfolio/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for tests and single-process use.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Envelope
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Envelope)}
}

func cloneEnvelope(env *storage.Envelope) *storage.Envelope {
	if env == nil {
		return nil
	}
	return &storage.Envelope{
		Ver:        env.Ver,
		Scheme:     env.Scheme,
		Nonce:      append([]byte(nil), env.Nonce...),
		Ciphertext: append([]byte(nil), env.Ciphertext...),
	}
}

func (r *Repository) Put(bucket, recordID string, envelope *storage.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[bucket]; !ok {
		r.data[bucket] = make(map[string]*storage.Envelope)
	}
	r.data[bucket][recordID] = cloneEnvelope(envelope)
	return nil
}

func (r *Repository) Get(bucket, recordID string) (*storage.Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	env, ok := r.data[bucket][recordID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneEnvelope(env), nil
}

// List returns record IDs in ascending order.
func (r *Repository) List(bucket string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.data[bucket]))
	for id := range r.data[bucket] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Repository) Delete(bucket, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[bucket][recordID]; !ok {
		return storage.ErrNotFound
	}
	delete(r.data[bucket], recordID)
	return nil
}

// Len returns the number of records across buckets.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, b := range r.data {
		n += len(b)
	}
	return n
}
