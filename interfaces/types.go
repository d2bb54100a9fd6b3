package interfaces

import (
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// VaultResource names the vault as a whole. It is used for key rotation,
// enumeration, log archival and recovery export.
const VaultResource = "*"

// InvalidResource replaces a malformed resource in attestation records.
const InvalidResource = "<invalid>"

// SchemaVersion is bound into the associated data of every vault entry.
const SchemaVersion = 1

var secretNameRe = regexp.MustCompile(`^[A-Za-z0-9._/-]{1,256}$`)

// ValidateSecretName checks a logical secret name.
func ValidateSecretName(name string) error {
	if !secretNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// ValidateSubject checks a requesting subject: non-empty, valid UTF-8 and
// free of control characters.
func ValidateSubject(subject string) error {
	if subject == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidSubject)
	}
	if !utf8.ValidString(subject) {
		return fmt.Errorf("%w: %q is not valid UTF-8", ErrInvalidSubject, subject)
	}
	if strings.IndexFunc(subject, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: %q contains control characters", ErrInvalidSubject, subject)
	}
	return nil
}

// Scope is the capability requested over a resource.
type Scope string

const (
	ScopeRead   Scope = "read"
	ScopeWrite  Scope = "write"
	ScopeRotate Scope = "rotate"
	ScopeDelete Scope = "delete"
)

func ParseScope(s string) (Scope, error) {
	switch sc := Scope(strings.ToLower(strings.TrimSpace(s))); sc {
	case ScopeRead, ScopeWrite, ScopeRotate, ScopeDelete:
		return sc, nil
	default:
		return "", fmt.Errorf("%w: unknown scope %q", ErrInvalidScope, s)
	}
}

// Operation identifies what an attestation record attests to.
type Operation string

const (
	OpVaultRead        Operation = "VaultRead"
	OpVaultWrite       Operation = "VaultWrite"
	OpVaultDelete      Operation = "VaultDelete"
	OpGrantApproved    Operation = "GrantApproved"
	OpGrantDenied      Operation = "GrantDenied"
	OpKeyRotated       Operation = "KeyRotated"
	OpVaultInitialized Operation = "VaultInitialized"
	OpLogArchived      Operation = "LogArchived"
	OpRecoveryExported Operation = "RecoveryExported"
	OpKeyRecovered     Operation = "KeyRecovered"
	OpVaultBackup      Operation = "VaultBackup"
)

func (op Operation) Valid() bool {
	switch op {
	case OpVaultRead, OpVaultWrite, OpVaultDelete, OpGrantApproved, OpGrantDenied,
		OpKeyRotated, OpVaultInitialized, OpLogArchived, OpRecoveryExported, OpKeyRecovered, OpVaultBackup:
		return true
	}
	return false
}

// Outcome records how an attested attempt ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeFailed  Outcome = "failed"
	// OutcomeTamper marks an AEAD authentication failure. It is the
	// high-severity outcome.
	OutcomeTamper Outcome = "tamper"
)

// CapabilityGrant allows Subject to exercise Scope over Resource until Expiry.
// Subject and Resource are path.Match patterns.
type CapabilityGrant struct {
	Subject  string
	Resource string
	Scope    Scope
	Expiry   *time.Time
}

func (g CapabilityGrant) Expired(now time.Time) bool {
	return g.Expiry != nil && !now.Before(*g.Expiry)
}

// MatchAll is a pattern that matches every subject or resource, including
// names containing '/'.
const MatchAll = "**"

// Matches reports whether the grant's patterns cover subject and resource.
// Malformed patterns never match. VaultResource is only covered by a grant
// on exactly VaultResource or MatchAll, never by an entry glob such as "?".
func (g CapabilityGrant) Matches(subject, resource string) bool {
	if !matchPattern(g.Subject, subject) {
		return false
	}
	if resource == VaultResource {
		return g.Resource == VaultResource || g.Resource == MatchAll
	}
	return matchPattern(g.Resource, resource)
}

func matchPattern(pattern, name string) bool {
	if pattern == MatchAll {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

func (g CapabilityGrant) String() string {
	s := fmt.Sprintf("%s:%s:%s", g.Subject, g.Resource, g.Scope)
	if g.Expiry != nil {
		s += "@" + g.Expiry.UTC().Format(time.RFC3339)
	}
	return s
}

// Digest is a SHA-256 value. It marshals as lowercase hex and refuses any
// other spelling, so that a record re-encodes byte-identically.
type Digest [32]byte

func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) String() string {
	return d.Hex()
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.Hex()), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	if len(text) != 64 {
		return errors.New("digest must be 64 hex characters")
	}
	if strings.ToLower(string(text)) != string(text) {
		return errors.New("digest must be lowercase hex")
	}
	_, err := hex.Decode(d[:], text)
	return err
}

// AttestationRecord is one entry of the attestation log. Timestamp is in Unix
// nanoseconds.
type AttestationRecord struct {
	Sequence   uint64    `json:"seq"`
	Timestamp  int64     `json:"ts"`
	Operation  Operation `json:"op"`
	Subject    string    `json:"subject"`
	Resource   string    `json:"resource"`
	Scope      Scope     `json:"scope,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	PrevHash   Digest    `json:"prev_hash"`
	RecordHash Digest    `json:"hash"`
	Signature  []byte    `json:"sig"`
}

func (r AttestationRecord) Time() time.Time {
	return time.Unix(0, r.Timestamp).UTC()
}
