// Package kms manages the key material of one vault.
//
// The vault master key is never stored. It is derived with HKDF-SHA256 from
// two factors:
//   - a 32-byte root secret held in the OS keychain
//   - a shared secret obtained by ML-KEM-768 decapsulation of a ciphertext
//     kept in keys.json
//
// The ML-KEM decapsulation seed is itself sealed in keys.json under a key
// derived from the root secret, so keys.json alone reveals nothing. Each
// generation carries its own salt, KEM ciphertext and a key check value that
// detects a wrong or corrupted factor before any vault data is touched.
//
// The attestation signing key (ML-DSA-65) is derived from the root secret and
// does not change on rotation, so old log records keep verifying.
//
// A Session holds only seeds. Private key objects are derived per use and
// every secret byte is zeroed on Close.
//
// # Rotation
//
// Rotation is two-phase. BeginRotation persists the next generation as
// pending; the caller re-encrypts and durably replaces its data; Commit then
// makes the pending generation current. After a crash, Reconcile promotes or
// discards the pending generation depending on which one the vault file was
// written under.
//
// # Recovery
//
// ExportRecoveryShares splits the root secret with Shamir's secret sharing.
// RecoverFromShares recombines the shares, verifies the result against
// keys.json and stores it back in the keychain.
//
// # Usage Example
//
//	err := kms.WithSession(ctx, kms.Config{Dir: home, Keychain: kc}, func(s *kms.Session) error {
//		gen, nonce, ct, err := s.Seal([]byte("sk-test"), ad)
//		...
//	})
package kms
