// Package storage provides the storage abstraction for sealed records, such
// as archived contact submissions.
package storage

import "errors"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Repository stores sealed envelopes grouped into buckets.
type Repository interface {
	Put(bucket string, recordID string, envelope *Envelope) error
	Get(bucket string, recordID string) (*Envelope, error)
	List(bucket string) ([]string, error)
	Delete(bucket string, recordID string) error
}
