package kms

import (
	"errors"
	"fmt"

	"github.com/argus-run/argus-vault/interfaces"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
)

var signScheme = mldsa65.Scheme()

// ErrInvalidSignature is returned by VerifySignature for a signature that
// does not verify under the given public key.
var ErrInvalidSignature = errors.New("invalid signature")

func signingPublicKey(seed [32]byte) []byte {
	pk, _ := signScheme.DeriveKey(seed[:])
	b, err := pk.MarshalBinary()
	if err != nil {
		// ML-DSA public keys always marshal.
		panic(err)
	}
	return b
}

// Sign produces an ML-DSA-65 signature over payload with the vault's
// signing key. The key is rederived from its seed on every call.
func (s *Session) Sign(payload []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, interfaces.ErrSessionClosed
	}
	_, sk := signScheme.DeriveKey(s.signSeed[:])
	return signScheme.Sign(sk, payload, nil), nil
}

// PublicKey returns the signing public key.
func (s *Session) PublicKey() []byte {
	return append([]byte(nil), s.state.SigningPublicKey...)
}

// VerifySignature checks sig over payload. It needs no keychain access.
func VerifySignature(publicKey, payload, sig []byte) error {
	pk, err := signScheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return fmt.Errorf("invalid signing public key: %w", err)
	}
	if !signScheme.Verify(pk, payload, sig, nil) {
		return ErrInvalidSignature
	}
	return nil
}

// Identity is the public part of the key state.
type Identity struct {
	VaultID          string
	SigningPublicKey []byte
	Generation       uint64
}

// LoadPublicIdentity reads the public identity from the key state in dir,
// for offline verification without the keychain.
func LoadPublicIdentity(dir string) (Identity, error) {
	st, err := loadKeyState(dir)
	if err != nil {
		return Identity{}, &interfaces.KeyError{Op: "load identity", Err: err}
	}
	return Identity{
		VaultID:          st.VaultID,
		SigningPublicKey: st.SigningPublicKey,
		Generation:       st.Current.Generation,
	}, nil
}
