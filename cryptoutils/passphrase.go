package cryptoutils

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// PassphraseSaltSize is the salt length used with DerivePassphraseKey.
const PassphraseSaltSize = 16

// Argon2id parameters: time=1, memory=64MiB, threads=4.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// NewSalt returns PassphraseSaltSize random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, PassphraseSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DerivePassphraseKey stretches a passphrase into a 32-byte key with
// Argon2id. Callers wipe the result.
func DerivePassphraseKey(passphrase, salt []byte) [32]byte {
	var key [32]byte
	derived := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, 32)
	copy(key[:], derived)
	Wipe(derived)
	return key
}
