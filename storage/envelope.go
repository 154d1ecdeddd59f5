package storage

import (
	"fmt"

	"github.com/otamoon/portfolio/internal/util"
)

const (
	envelopeVersion = 1
	envelopeScheme  = "aes256gcm"
	nonceSize       = 12
)

// Envelope is a sealed record containing AES-256-GCM encrypted data.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealRecord encrypts plaintext into an Envelope using the given record key and AAD.
func SealRecord(recordKey, plaintext, aad []byte) (*Envelope, error) {
	sealed, err := util.Seal(plaintext, recordKey, aad)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Ver:        envelopeVersion,
		Scheme:     envelopeScheme,
		Nonce:      sealed[:nonceSize],
		Ciphertext: sealed[nonceSize:],
	}, nil
}

// OpenRecord decrypts an Envelope using the given record key and AAD.
func OpenRecord(recordKey []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != envelopeScheme {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}

	full := make([]byte, len(envelope.Nonce)+len(envelope.Ciphertext))
	copy(full, envelope.Nonce)
	copy(full[len(envelope.Nonce):], envelope.Ciphertext)

	return util.Open(full, recordKey, aad)
}
