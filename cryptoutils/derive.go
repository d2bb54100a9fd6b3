package cryptoutils

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey fills out with HKDF-SHA256(secret, salt, info).
func DeriveKey(secret, salt []byte, info string, out []byte) error {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("hkdf: %w", err)
	}
	return nil
}

// Derive32 derives a 32-byte key.
func Derive32(secret, salt []byte, info string) ([32]byte, error) {
	var out [32]byte
	err := DeriveKey(secret, salt, info, out[:])
	return out, err
}
