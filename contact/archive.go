package contact

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/otamoon/portfolio/internal/util"
	"github.com/otamoon/portfolio/internal/uuid"
	"github.com/otamoon/portfolio/storage"
)

// ArchiveBucket is the storage bucket holding submissions.
const ArchiveBucket = "contact"

// Delivery status of an archived submission.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Record is an archived submission.
type Record struct {
	ID        string    `json:"id"`
	Form      Form      `json:"form"`
	Locale    string    `json:"locale"`
	RemoteIP  string    `json:"remote_ip,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Archive seals submissions into a storage.Repository.
type Archive struct {
	repo storage.Repository
	key  []byte
}

// NewArchive derives the archive key from secret.
func NewArchive(repo storage.Repository, secret []byte) (*Archive, error) {
	key, err := util.DeriveKey(secret, "contact-archive")
	if err != nil {
		return nil, err
	}
	return &Archive{repo: repo, key: key}, nil
}

// Save stores rec, assigning an ID when empty. IDs sort by creation time.
func (a *Archive) Save(rec *Record) error {
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("%d-%s", rec.CreatedAt.UTC().UnixNano(), uuid.New())
	}
	plain, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	env, err := storage.SealRecord(a.key, plain, a.aad(rec.ID))
	if err != nil {
		return fmt.Errorf("sealing record: %w", err)
	}
	return a.repo.Put(ArchiveBucket, rec.ID, env)
}

// Load opens the record with id.
func (a *Archive) Load(id string) (*Record, error) {
	env, err := a.repo.Get(ArchiveBucket, id)
	if err != nil {
		return nil, err
	}
	plain, err := storage.OpenRecord(a.key, env, a.aad(id))
	if err != nil {
		return nil, fmt.Errorf("opening record %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(plain, &rec); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", id, err)
	}
	return &rec, nil
}

// List returns archived record IDs, oldest first.
func (a *Archive) List() ([]string, error) {
	return a.repo.List(ArchiveBucket)
}

func (a *Archive) aad(id string) []byte {
	return []byte(ArchiveBucket + ":" + id)
}
