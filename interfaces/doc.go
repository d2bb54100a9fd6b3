// Package interfaces defines the types, errors and collaborator interfaces
// shared by the vault components, separating interface definitions from
// implementations.
//
// # Data model
//
//   - Scope: the capability a caller asks for (read, write, rotate, delete)
//   - CapabilityGrant: subject/resource/scope triple with an optional expiry
//   - Operation and Outcome: what an attestation record attests to
//   - AttestationRecord: one signed, hash-chained entry of the attestation log
//
// # Collaborator interfaces
//
// Keychain: opaque OS secret storage, implemented per host in package keychain.
//
// StorageBackend: content-addressed storage used for archived attestation
// segments (file, S3, IPFS, Vault).
//
// # Errors
//
// Sentinel errors (ErrEntryNotFound, ErrAuthenticationFailed, ErrChainBroken,
// ErrAccessDenied, ...) are wrapped by the structured KeyError, VaultError,
// ChainBrokenError and AccessError types, which carry the resource identifier
// a caller needs to act on the failure. None of them ever carries secret
// plaintext or key bytes.
package interfaces
