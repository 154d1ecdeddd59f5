package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DerivedKeySize is the length of every key returned by DeriveKey.
const DerivedKeySize = AESKeySize

// keySalt binds derived keys to this application.
var keySalt = []byte("portfolio/keys/v1")

// DeriveKey expands secret into an AES key dedicated to purpose, e.g.
// "cookie:u_sess_a8". The same secret and purpose always yield the same key.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("deriving %s key: empty secret", purpose)
	}
	r := hkdf.New(sha256.New, secret, keySalt, []byte(purpose))
	k := make([]byte, DerivedKeySize)
	if _, err := io.ReadFull(r, k); err != nil {
		return nil, fmt.Errorf("deriving %s key: %w", purpose, err)
	}
	return k, nil
}
