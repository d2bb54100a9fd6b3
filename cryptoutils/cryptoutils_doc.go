// Package cryptoutils provides the symmetric primitives used by the vault.
//
// Authenticated encryption is XChaCha20-Poly1305 with 24-byte random nonces.
// Key derivation is HKDF-SHA256 with a distinct info label per purpose:
//
//	argus/wrap/v1          key that seals the ML-KEM decapsulation seed
//	argus/sign/v1          ML-DSA signing seed
//	argus/master-key/v1/N  master key of generation N
//	argus/key-check/v1/N   public check value for generation N
//
// DerivePassphraseKey stretches an operator passphrase with Argon2id for the
// sealed file keychain.
//
// # Box format
//
// SealBox output is [nonce (24 bytes)][ciphertext || tag (16 bytes)].
//
// Wipe and Wipe32 zero key material in place. Callers own the lifetime of
// every buffer they pass in.
package cryptoutils
