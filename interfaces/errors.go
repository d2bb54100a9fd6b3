package interfaces

import (
	"errors"
	"fmt"
)

// Key management errors. Fatal to the session, never replaced by an
// unprotected fallback key.
var (
	ErrKeychainUnavailable  = errors.New("keychain unavailable")
	ErrKeychainItemNotFound = errors.New("keychain item not found")
	ErrCorruptKeyMaterial   = errors.New("corrupt key material")
	ErrKeyMissing           = errors.New("keychain secret missing")
	ErrSessionClosed        = errors.New("key session closed")
	ErrNotInitialized       = errors.New("vault not initialized")
	ErrAlreadyInitialized   = errors.New("vault already initialized")
)

// Vault errors.
var (
	ErrEntryNotFound        = errors.New("entry not found")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrStorageIO            = errors.New("storage i/o failure")
	ErrInvalidName          = errors.New("invalid secret name")
)

// Attestation and access errors.
var (
	ErrChainBroken    = errors.New("attestation chain broken")
	ErrAccessDenied   = errors.New("access denied")
	ErrInvalidSubject = errors.New("invalid subject")
	ErrInvalidScope   = errors.New("invalid scope")
	ErrVaultHalted  = errors.New("vault halted: writes refused until the attestation log is investigated")
)

// KeyError is returned by the key manager.
type KeyError struct {
	Op  string
	Err error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("kms: %s: %v", e.Op, e.Err)
}

func (e *KeyError) Unwrap() error {
	return e.Err
}

// VaultError is returned by the vault store. Name is the logical entry name,
// empty for whole-vault operations.
type VaultError struct {
	Op   string
	Name string
	Err  error
}

func (e *VaultError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("vault: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("vault: %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *VaultError) Unwrap() error {
	return e.Err
}

// ChainBrokenError identifies the first inconsistent record of the log.
type ChainBrokenError struct {
	Sequence uint64
	Reason   string
}

func (e *ChainBrokenError) Error() string {
	return fmt.Sprintf("%v at sequence %d: %s", ErrChainBroken, e.Sequence, e.Reason)
}

func (e *ChainBrokenError) Is(target error) bool {
	return target == ErrChainBroken
}

// AccessError is returned by the access controller.
type AccessError struct {
	Subject  string
	Resource string
	Scope    Scope
	Err      error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("access: subject %q resource %q scope %s: %v", e.Subject, e.Resource, e.Scope, e.Err)
}

func (e *AccessError) Unwrap() error {
	return e.Err
}
