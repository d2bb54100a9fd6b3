package kms

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/argus-run/argus-vault/fsutil"
	"github.com/argus-run/argus-vault/interfaces"
)

const (
	keyStateFile    = "keys.json"
	keyStateVersion = 1

	kemSchemeName       = "ML-KEM-768"
	signatureSchemeName = "ML-DSA-65"
)

// generationParams are the non-secret inputs that, together with the
// keychain secret and the decapsulation key, reproduce one master key.
type generationParams struct {
	Generation    uint64    `json:"generation"`
	Salt          []byte    `json:"salt"`
	KEMCiphertext []byte    `json:"kem_ciphertext"`
	KeyCheck      []byte    `json:"key_check"`
	CreatedAt     time.Time `json:"created_at"`
}

// keyState is persisted as keys.json next to the vault. It holds no secret:
// the decapsulation seed is sealed under a key derived from the keychain
// secret.
type keyState struct {
	Version          int               `json:"version"`
	VaultID          string            `json:"vault_id"`
	KEMScheme        string            `json:"kem_scheme"`
	SignatureScheme  string            `json:"signature_scheme"`
	WrappedKEMSeed   []byte            `json:"wrapped_kem_seed"`
	EncapsulationKey []byte            `json:"encapsulation_key"`
	SigningPublicKey []byte            `json:"signing_public_key"`
	Current          generationParams  `json:"current"`
	Pending          *generationParams `json:"pending,omitempty"`
}

func keyStatePath(dir string) string {
	return filepath.Join(dir, keyStateFile)
}

func (s *keyState) keychainID() string {
	return "argus/" + s.VaultID + "/root"
}

func (s *keyState) seedAD() []byte {
	return []byte("argus/kem-seed/v1|" + s.VaultID)
}

func loadKeyState(dir string) (*keyState, error) {
	data, err := os.ReadFile(keyStatePath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key state: %w", err)
	}

	var st keyState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: key state is not valid JSON: %v", interfaces.ErrCorruptKeyMaterial, err)
	}
	if st.Version != keyStateVersion {
		return nil, fmt.Errorf("%w: unsupported key state version %d", interfaces.ErrCorruptKeyMaterial, st.Version)
	}
	if st.KEMScheme != kemSchemeName || st.SignatureScheme != signatureSchemeName {
		return nil, fmt.Errorf("%w: unsupported schemes %s/%s", interfaces.ErrCorruptKeyMaterial, st.KEMScheme, st.SignatureScheme)
	}
	return &st, nil
}

func (s *keyState) save(dir string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(keyStatePath(dir), data, fsutil.FilePermissions); err != nil && !fsutil.IsCommitted(err) {
		return fmt.Errorf("failed to write key state: %w", err)
	}
	return nil
}

// clone returns a deep enough copy to mutate generations without touching s.
func (s *keyState) clone() *keyState {
	c := *s
	if s.Pending != nil {
		p := *s.Pending
		c.Pending = &p
	}
	return &c
}
