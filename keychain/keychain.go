package keychain

import (
	"fmt"
	"log/slog"

	"github.com/argus-run/argus-vault/interfaces"
)

const (
	KindOS     = "os"
	KindFile   = "file"
	KindMemory = "memory"

	// DefaultService is the service name under which OS keychain items are stored.
	DefaultService = "argus-vault"
)

// Config selects and parameterises a keychain variant.
type Config struct {
	Kind    string
	Service string
	// Dir and Passphrase are used by the file variant. An empty passphrase
	// leaves items protected by file permissions only.
	Dir        string
	Passphrase []byte
	Log        *slog.Logger
}

// New returns the keychain variant named by cfg.Kind. The variant is chosen
// once at startup.
func New(cfg Config) (interfaces.Keychain, error) {
	service := cfg.Service
	if service == "" {
		service = DefaultService
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	switch cfg.Kind {
	case KindOS, "":
		return NewOSKeychain(service, log), nil
	case KindFile:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("file keychain requires a directory")
		}
		if len(cfg.Passphrase) > 0 {
			return NewSealedFileKeychain(cfg.Dir, cfg.Passphrase)
		}
		log.Warn("Using file keychain: secrets are protected only by file permissions", slog.String("dir", cfg.Dir))
		return NewFileKeychain(cfg.Dir)
	case KindMemory:
		return NewMemoryKeychain(), nil
	default:
		return nil, fmt.Errorf("unknown keychain kind %q", cfg.Kind)
	}
}
