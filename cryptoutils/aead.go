package cryptoutils

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the size of every symmetric key in the vault.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the XChaCha20-Poly1305 nonce size. 24 random bytes make
	// nonce reuse under one key negligible.
	NonceSize = chacha20poly1305.NonceSizeX
)

// ErrDecrypt is returned whenever the AEAD tag does not verify.
var ErrDecrypt = errors.New("message authentication failed")

// Seal encrypts plaintext under key with a fresh random nonce and binds ad.
func Seal(key, plaintext, ad []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return nonce, aead.Seal(nil, nonce, plaintext, ad), nil
}

// Open authenticates and decrypts ciphertext. Any tampering with nonce,
// ciphertext or ad, as well as a wrong key, yields ErrDecrypt.
func Open(key, nonce, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(nonce) != NonceSize {
		return nil, ErrDecrypt
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// SealBox is Seal with the nonce prepended: [nonce (24 bytes)][ciphertext].
func SealBox(key, plaintext, ad []byte) ([]byte, error) {
	nonce, ct, err := Seal(key, plaintext, ad)
	if err != nil {
		return nil, err
	}
	return append(nonce, ct...), nil
}

// OpenBox reverses SealBox.
func OpenBox(key, box, ad []byte) ([]byte, error) {
	if len(box) < NonceSize {
		return nil, ErrDecrypt
	}
	return Open(key, box[:NonceSize], box[NonceSize:], ad)
}
