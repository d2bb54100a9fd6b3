package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/argus-run/argus-vault/access"
	"github.com/argus-run/argus-vault/attestation"
	"github.com/argus-run/argus-vault/cmd/flags"
	"github.com/argus-run/argus-vault/interfaces"
	"github.com/argus-run/argus-vault/keychain"
	"github.com/argus-run/argus-vault/kms"
	"github.com/argus-run/argus-vault/storage"
	"github.com/argus-run/argus-vault/vault"
	"github.com/urfave/cli/v2"
)

// vaultEnv is everything an operation needs: an open key session, the vault
// file, the attestation log and the controller over them.
type vaultEnv struct {
	home    string
	subject string
	log     *slog.Logger
	session *kms.Session
	store   *vault.Store
	alog    *attestation.Log
	ctrl    *access.Controller
}

func (e *vaultEnv) Close() {
	if e.alog != nil {
		if err := e.alog.Close(); err != nil {
			e.log.Warn("Failed to close attestation log", "err", err)
		}
	}
	if e.store != nil {
		e.store.Close()
	}
	if e.session != nil {
		e.session.Close()
	}
}

func keyConfig(cCtx *cli.Context, home string, log *slog.Logger) (kms.Config, error) {
	kc, err := keychain.New(flags.KeychainConfig(cCtx, home, log))
	if err != nil {
		return kms.Config{}, err
	}
	return kms.Config{Dir: home, Keychain: kc, Log: log}, nil
}

// openVault opens an initialized vault.
func openVault(cCtx *cli.Context, log *slog.Logger) (*vaultEnv, error) {
	home, err := flags.Home(cCtx)
	if err != nil {
		return nil, err
	}
	cfg, err := keyConfig(cCtx, home, log)
	if err != nil {
		return nil, err
	}
	session, err := kms.Open(cCtx.Context, cfg)
	if errors.Is(err, interfaces.ErrNotInitialized) {
		return nil, fmt.Errorf("%w: run `argus-vault init` first", err)
	}
	if err != nil {
		return nil, err
	}
	return assemble(cCtx, home, session, attestation.Open, log)
}

// logOpener is attestation.Create for a new vault and attestation.Open
// otherwise.
type logOpener func(ctx context.Context, path string, signer attestation.Signer, log *slog.Logger) (*attestation.Log, error)

// assemble takes ownership of session and builds the rest of the
// environment around it.
func assemble(cCtx *cli.Context, home string, session *kms.Session, openLog logOpener, log *slog.Logger) (*vaultEnv, error) {
	ctx := cCtx.Context
	env := &vaultEnv{
		home:    home,
		subject: cCtx.String(flags.SubjectFlag.Name),
		log:     log,
		session: session,
	}

	var err error
	env.store, err = vault.Open(ctx, filepath.Join(home, vault.DefaultFileName), session, log)
	if errors.Is(err, interfaces.ErrAuthenticationFailed) {
		err = errors.Join(err, attestTamper(ctx, home, session, env.subject, log))
	}
	if err != nil {
		env.Close()
		return nil, err
	}
	env.alog, err = openLog(ctx, filepath.Join(home, attestation.DefaultFileName), session, log)
	if err != nil {
		env.Close()
		return nil, err
	}
	policy, err := access.LoadPolicy(flags.PolicyPath(cCtx, home))
	if err != nil {
		env.Close()
		return nil, err
	}
	env.ctrl = access.NewController(env.store, env.alog, policy.Lookup, log)
	return env, nil
}

// attestTamper records a vault file that fails authentication on open,
// before a controller exists to attest the request.
func attestTamper(ctx context.Context, home string, session *kms.Session, subject string, log *slog.Logger) error {
	alog, err := attestation.Open(ctx, filepath.Join(home, attestation.DefaultFileName), session, log)
	if err != nil {
		return err
	}
	defer alog.Close()

	rec, err := alog.Append(ctx, attestation.Event{
		Operation: interfaces.OpVaultRead,
		Subject:   subject,
		Resource:  interfaces.VaultResource,
		Scope:     interfaces.ScopeRead,
		Outcome:   interfaces.OutcomeTamper,
	})
	if err != nil {
		return err
	}
	log.Error("Vault file failed authentication, possible tampering",
		slog.String("subject", subject), slog.Uint64("seq", rec.Sequence))
	return nil
}

func withVault(cCtx *cli.Context, fn func(env *vaultEnv) error) error {
	env, err := openVault(cCtx, flags.SetupLogger(cCtx))
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(env)
}

func storageBackend(log *slog.Logger, uris []string, copies int) (interfaces.StorageBackend, error) {
	if len(uris) == 0 {
		return nil, errors.New("at least one --to location is required")
	}
	locations, err := storage.ParseLocations(uris)
	if err != nil {
		return nil, err
	}
	return storage.NewStorageBackendFactory(log).CreateMultiBackend(locations, copies)
}

