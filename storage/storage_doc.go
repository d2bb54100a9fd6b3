// Package storage provides content-addressed archive storage for attestation
// log segments and encrypted vault snapshots.
//
// Every backend stores content under its SHA-256 identifier, with one
// namespace per interfaces.ContentType ("attestation" and "vault"). Fetch
// re-hashes what a backend returns and rejects content that does not match
// the identifier with ErrContentMismatch.
//
// # Location URIs
//
// Backends are selected by URI through StorageBackendFactory:
//
//   - file:///var/lib/argus/archive
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=eu-west-1&endpoint=minio:9000
//   - ipfs://localhost:5001/argus?timeout=30s
//   - vault://[TOKEN@]vault.example.com:8200/secret/argus?tls=false
//
// S3 falls back to the AWS default credential chain and Vault to VAULT_ADDR
// and VAULT_TOKEN when the URI carries no credentials.
//
// # Multi-Backend Storage
//
// CreateMultiBackend replicates across several locations. Store writes every
// backend concurrently and fails with ErrTooFewCopies unless minCopies of them
// (all, when zero) stored the blob. Fetch returns the first verified copy.
//
//	locations, err := storage.ParseLocations([]string{
//	    "file:///var/lib/argus/archive",
//	    "s3://argus-archive/prod?region=eu-west-1",
//	})
//	backend, err := storage.NewStorageBackendFactory(logger).CreateMultiBackend(locations, 0)
//	id, err := backend.Store(ctx, segment, interfaces.AttestationSegmentType)
package storage
