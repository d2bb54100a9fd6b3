package access

import (
	"context"

	"github.com/argus-run/argus-vault/interfaces"
	"github.com/argus-run/argus-vault/kms"
)

func (c *Controller) Read(ctx context.Context, subject, name string) ([]byte, error) {
	res, err := c.Request(ctx, Request{Subject: subject, Resource: name, Scope: interfaces.ScopeRead})
	return res.Value, err
}

func (c *Controller) Write(ctx context.Context, subject, name string, value []byte) error {
	_, err := c.Request(ctx, Request{Subject: subject, Resource: name, Scope: interfaces.ScopeWrite, Value: value})
	return err
}

func (c *Controller) Delete(ctx context.Context, subject, name string) error {
	_, err := c.Request(ctx, Request{Subject: subject, Resource: name, Scope: interfaces.ScopeDelete})
	return err
}

// RotateKey rotates the master key and returns the new generation.
func (c *Controller) RotateKey(ctx context.Context, subject string) (uint64, error) {
	res, err := c.Request(ctx, Request{Subject: subject, Resource: interfaces.VaultResource, Scope: interfaces.ScopeRotate})
	return res.Generation, err
}

// List returns the entry names subject may read.
func (c *Controller) List(ctx context.Context, subject string) ([]string, error) {
	res, err := c.Request(ctx, Request{Subject: subject, Resource: interfaces.VaultResource, Scope: interfaces.ScopeRead})
	return res.Names, err
}

// ArchiveLog moves the current attestation segment to backend. The
// LogArchived record is the first record of the new segment.
func (c *Controller) ArchiveLog(ctx context.Context, subject string, backend interfaces.StorageBackend) (interfaces.ContentID, error) {
	res, err := c.run(ctx, action{
		subject:  subject,
		resource: interfaces.VaultResource,
		scope:    interfaces.ScopeRotate,
		op:       interfaces.OpLogArchived,
		mutating: true,
		exec: func(ctx context.Context, res *Result) error {
			id, err := c.log.Archive(ctx, backend)
			res.ContentID = id
			return err
		},
	})
	return res.ContentID, err
}

// Backup stores the encrypted vault file in backend. The snapshot stays
// sealed under the master key.
func (c *Controller) Backup(ctx context.Context, subject string, backend interfaces.StorageBackend) (interfaces.ContentID, error) {
	res, err := c.run(ctx, action{
		subject:  subject,
		resource: interfaces.VaultResource,
		scope:    interfaces.ScopeRead,
		op:       interfaces.OpVaultBackup,
		exec: func(ctx context.Context, res *Result) error {
			id, err := backend.Store(ctx, c.store.Snapshot(), interfaces.VaultSnapshotType)
			res.ContentID = id
			return err
		},
	})
	return res.ContentID, err
}

// ExportRecovery splits the keychain secret into recovery shares.
func (c *Controller) ExportRecovery(ctx context.Context, subject string, session *kms.Session, parts, threshold int) ([]string, error) {
	res, err := c.run(ctx, action{
		subject:  subject,
		resource: interfaces.VaultResource,
		scope:    interfaces.ScopeRotate,
		op:       interfaces.OpRecoveryExported,
		exec: func(_ context.Context, res *Result) error {
			shares, err := session.ExportRecoveryShares(parts, threshold)
			res.Shares = shares
			return err
		},
	})
	return res.Shares, err
}

// RecordRecovery attests a completed keychain recovery. Possession of the
// shares is the authorization, so no grant is evaluated.
func (c *Controller) RecordRecovery(ctx context.Context, subject string) (interfaces.AttestationRecord, error) {
	return c.attest(ctx, action{subject: subject, resource: interfaces.VaultResource}, interfaces.OpKeyRecovered, interfaces.OutcomeSuccess)
}

// RecordGenesis writes the VaultInitialized record of a fresh vault.
func (c *Controller) RecordGenesis(ctx context.Context, subject string) (interfaces.AttestationRecord, error) {
	return c.attest(ctx, action{subject: subject, resource: interfaces.VaultResource}, interfaces.OpVaultInitialized, interfaces.OutcomeSuccess)
}

// VerifyLog replays the attestation chain. A broken chain halts the
// controller.
func (c *Controller) VerifyLog() error {
	if err := c.log.Verify(); err != nil {
		c.halt(err)
		return err
	}
	return nil
}
