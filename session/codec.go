package session

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"

	"github.com/otamoon/portfolio/internal/util"
)

var (
	// ErrEmptySecret is returned when a codec is built without a secret.
	ErrEmptySecret = errors.New("session secret is required")
	// ErrInvalidCookie covers undecodable, tampered and expired values.
	ErrInvalidCookie = errors.New("invalid session cookie")
)

// Codec seals cookie payloads with AES-256-GCM. Each cookie name gets its
// own key derived from the secret, and the name is bound as AAD so a value
// cannot be replayed under another cookie.
type Codec struct {
	secret *memguard.Enclave
	now    func() time.Time
}

type sealedPayload struct {
	Values    json.RawMessage `json:"v"`
	ExpiresAt int64           `json:"exp,omitempty"`
}

// NewCodec copies secret into a memory enclave.
func NewCodec(secret []byte) (*Codec, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	return &Codec{
		secret: memguard.NewEnclave(util.CopyBytes(secret)),
		now:    time.Now,
	}, nil
}

// Encode seals v for the cookie called name. A positive ttl embeds an
// expiry checked by Decode.
func (c *Codec) Encode(name string, v any, ttl time.Duration) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding %s: %w", name, err)
	}
	p := sealedPayload{Values: raw}
	if ttl > 0 {
		p.ExpiresAt = c.now().Add(ttl).Unix()
	}
	plain, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding %s: %w", name, err)
	}

	key, err := c.key(name)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(key)

	sealed, err := util.Seal(plain, key, []byte(name))
	if err != nil {
		return "", fmt.Errorf("sealing %s: %w", name, err)
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode opens a value produced by Encode for the same cookie name.
func (c *Codec) Decode(name, value string, dst any) error {
	sealed, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return ErrInvalidCookie
	}

	key, err := c.key(name)
	if err != nil {
		return err
	}
	defer util.WipeBytes(key)

	plain, err := util.Open(sealed, key, []byte(name))
	if err != nil {
		return ErrInvalidCookie
	}

	var p sealedPayload
	if err := json.Unmarshal(plain, &p); err != nil {
		return ErrInvalidCookie
	}
	if p.ExpiresAt != 0 && c.now().Unix() >= p.ExpiresAt {
		return ErrInvalidCookie
	}
	if err := json.Unmarshal(p.Values, dst); err != nil {
		return ErrInvalidCookie
	}
	return nil
}

func (c *Codec) key(name string) ([]byte, error) {
	buf, err := c.secret.Open()
	if err != nil {
		return nil, fmt.Errorf("opening session secret: %w", err)
	}
	defer buf.Destroy()

	return util.DeriveKey(buf.Bytes(), "cookie:"+name)
}
