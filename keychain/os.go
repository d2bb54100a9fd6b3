package keychain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/argus-run/argus-vault/interfaces"
	"github.com/zalando/go-keyring"
)

// OSKeychain stores items in the host's native secret service: macOS
// Keychain, Windows Credential Manager, or the Secret Service API on Linux.
// Values are hex encoded because the native stores hold strings.
type OSKeychain struct {
	service string
	log     *slog.Logger
}

func NewOSKeychain(service string, log *slog.Logger) *OSKeychain {
	return &OSKeychain{service: service, log: log}
}

func (k *OSKeychain) Store(id string, secret []byte) error {
	if err := keyring.Set(k.service, id, hex.EncodeToString(secret)); err != nil {
		k.log.Error("Failed to store keychain item", slog.String("id", id), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrKeychainUnavailable, err)
	}
	return nil
}

func (k *OSKeychain) Retrieve(id string) ([]byte, error) {
	encoded, err := keyring.Get(k.service, id)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, interfaces.ErrKeychainItemNotFound
	}
	if err != nil {
		k.log.Error("Failed to read keychain item", slog.String("id", id), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrKeychainUnavailable, err)
	}

	secret, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: keychain item %s is not hex", interfaces.ErrCorruptKeyMaterial, id)
	}
	return secret, nil
}

func (k *OSKeychain) Delete(id string) error {
	err := keyring.Delete(k.service, id)
	if errors.Is(err, keyring.ErrNotFound) {
		return interfaces.ErrKeychainItemNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrKeychainUnavailable, err)
	}
	return nil
}
