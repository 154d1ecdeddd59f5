package util

import (
	"bytes"
	"testing"
)

func TestSealOpen(t *testing.T) {
	key, err := RandomBytes(AESKeySize)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	plainText := []byte("hello world")
	aad := []byte("u_sess_a8")

	t.Run("RoundTrip", func(t *testing.T) {
		cipherText, err := Seal(plainText, key, aad)
		if err != nil {
			t.Fatalf("Seal failed: %v", err)
		}

		decrypted, err := Open(cipherText, key, aad)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}

		if !bytes.Equal(plainText, decrypted) {
			t.Errorf("expected %s, got %s", plainText, decrypted)
		}
	})

	t.Run("TamperAAD", func(t *testing.T) {
		cipherText, _ := Seal(plainText, key, aad)
		_, err := Open(cipherText, key, []byte("xid_01"))
		if err == nil {
			t.Error("expected error with wrong AAD, got nil")
		}
	})

	t.Run("TamperCipherText", func(t *testing.T) {
		cipherText, _ := Seal(plainText, key, aad)
		cipherText[len(cipherText)-1] ^= 0xFF
		_, err := Open(cipherText, key, aad)
		if err == nil {
			t.Error("expected error with tampered ciphertext, got nil")
		}
	})

	t.Run("ShortCipherText", func(t *testing.T) {
		_, err := Open([]byte("short"), key, aad)
		if err == nil {
			t.Error("expected error with truncated ciphertext, got nil")
		}
	})

	t.Run("RejectBadKeySize", func(t *testing.T) {
		_, err := Seal(plainText, []byte("too short"), aad)
		if err == nil {
			t.Error("expected error with wrong key size, got nil")
		}
	})
}

func TestDeriveKey(t *testing.T) {
	secret := []byte("super-secret")

	a, err := DeriveKey(secret, "cookie:u_sess_a8")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	b, err := DeriveKey(secret, "cookie:xid_01")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	again, _ := DeriveKey(secret, "cookie:u_sess_a8")

	if len(a) != DerivedKeySize {
		t.Fatalf("expected %d-byte key, got %d", DerivedKeySize, len(a))
	}
	if bytes.Equal(a, b) {
		t.Error("different purposes must derive different keys")
	}
	if !bytes.Equal(a, again) {
		t.Error("derivation must be deterministic")
	}
	if _, err := DeriveKey(nil, "cookie:u_sess_a8"); err == nil {
		t.Error("expected an error for an empty secret")
	}
}

func TestRandomToken(t *testing.T) {
	a, err := RandomToken(16)
	if err != nil {
		t.Fatalf("RandomToken failed: %v", err)
	}
	b, _ := RandomToken(16)
	if a == "" || a == b {
		t.Errorf("expected unique non-empty tokens, got %q and %q", a, b)
	}
}

func TestWipeBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	c := CopyBytes(b)
	WipeBytes(b)
	if !bytes.Equal(b, []byte{0, 0, 0}) {
		t.Errorf("expected wiped bytes, got %v", b)
	}
	if !bytes.Equal(c, []byte{1, 2, 3}) {
		t.Errorf("copy must be independent, got %v", c)
	}
}
