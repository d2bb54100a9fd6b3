package kms

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/argus-run/argus-vault/cryptoutils"
	"github.com/argus-run/argus-vault/interfaces"
	"github.com/hashicorp/vault/shamir"
)

const sharePrefix = "argus-share-v1"

// ErrInvalidShare is returned for a malformed share or one issued for a
// different vault.
var ErrInvalidShare = errors.New("invalid recovery share")

// ExportRecoveryShares splits the keychain secret into parts shares, any
// threshold of which restore it with RecoverFromShares. Shares are text:
// "argus-share-v1:<vault-id>:<hex>".
func (s *Session) ExportRecoveryShares(parts, threshold int) ([]string, error) {
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if parts < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}
	if parts > 255 {
		return nil, errors.New("at most 255 shares are supported")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, interfaces.ErrSessionClosed
	}

	raw, err := shamir.Split(s.root, parts, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split root secret: %w", err)
	}
	shares := make([]string, len(raw))
	for i, share := range raw {
		shares[i] = fmt.Sprintf("%s:%s:%s", sharePrefix, s.state.VaultID, hex.EncodeToString(share))
		cryptoutils.Wipe(share)
	}
	return shares, nil
}

func parseShare(vaultID, share string) ([]byte, error) {
	parts := strings.Split(strings.TrimSpace(share), ":")
	if len(parts) != 3 || parts[0] != sharePrefix {
		return nil, ErrInvalidShare
	}
	if parts[1] != vaultID {
		return nil, fmt.Errorf("%w: share belongs to vault %s", ErrInvalidShare, parts[1])
	}
	b, err := hex.DecodeString(parts[2])
	if err != nil || len(b) != rootSecretSize+1 {
		return nil, ErrInvalidShare
	}
	return b, nil
}

// RecoverFromShares reconstructs the keychain secret from shares, checks it
// against the key state, stores it back in the keychain and opens a session.
func RecoverFromShares(ctx context.Context, cfg Config, shares []string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, err := loadKeyState(cfg.Dir)
	if err != nil {
		return nil, &interfaces.KeyError{Op: "recover", Err: err}
	}

	// Keyed by x-coordinate so a share supplied twice counts once.
	received := make(map[byte][]byte, len(shares))
	defer func() {
		for _, share := range received {
			cryptoutils.Wipe(share)
		}
	}()
	for _, share := range shares {
		b, err := parseShare(st.VaultID, share)
		if err != nil {
			return nil, &interfaces.KeyError{Op: "recover", Err: err}
		}
		received[b[len(b)-1]] = b
	}
	if len(received) < 2 {
		return nil, &interfaces.KeyError{Op: "recover", Err: fmt.Errorf("%w: at least 2 distinct shares are required", ErrInvalidShare)}
	}

	collected := make([][]byte, 0, len(received))
	for _, share := range received {
		collected = append(collected, share)
	}
	root, err := shamir.Combine(collected)
	if err != nil {
		return nil, &interfaces.KeyError{Op: "recover", Err: fmt.Errorf("failed to reconstruct root secret: %w", err)}
	}

	// Below threshold Combine yields a wrong secret instead of an error; the
	// wrapped decapsulation seed only opens under the right one.
	wrapKey, err := cryptoutils.Derive32(root, []byte(st.VaultID), "argus/wrap/v1")
	if err != nil {
		cryptoutils.Wipe(root)
		return nil, &interfaces.KeyError{Op: "recover", Err: err}
	}
	seed, err := cryptoutils.OpenBox(wrapKey[:], st.WrappedKEMSeed, st.seedAD())
	cryptoutils.Wipe32(&wrapKey)
	if err != nil {
		cryptoutils.Wipe(root)
		return nil, &interfaces.KeyError{Op: "recover", Err: fmt.Errorf("%w: shares do not reconstruct this vault's secret", ErrInvalidShare)}
	}
	cryptoutils.Wipe(seed)

	if err := cfg.Keychain.Store(st.keychainID(), root); err != nil {
		cryptoutils.Wipe(root)
		return nil, &interfaces.KeyError{Op: "recover", Err: err}
	}
	cfg.logger().Info("Restored keychain secret from recovery shares", "vault_id", st.VaultID, "shares", len(received))

	s, err := openWithRoot(cfg, st, root)
	if err != nil {
		return nil, &interfaces.KeyError{Op: "recover", Err: err}
	}
	return s, nil
}
