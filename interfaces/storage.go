package interfaces

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ContentID is the SHA-256 of an archived blob. Archive backends are
// content-addressed, so the ID is also the integrity check on fetch.
type ContentID [32]byte

// ParseContentID accepts exactly the lowercase hex form String produces.
func ParseContentID(s string) (ContentID, error) {
	var id ContentID
	if len(s) != hex.EncodedLen(len(id)) {
		return id, fmt.Errorf("content id must be %d hex characters, got %d", hex.EncodedLen(len(id)), len(s))
	}
	if strings.ToLower(s) != s {
		return id, errors.New("content id must be lowercase hex")
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("invalid content id: %w", err)
	}
	return id, nil
}

func ComputeID(data []byte) ContentID {
	return ContentID(sha256.Sum256(data))
}

func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ContentID) Equal(other ContentID) bool {
	return id == other
}

// ContentType namespaces blobs inside one backend.
type ContentType int

const (
	// AttestationSegmentType is a closed attestation log segment.
	AttestationSegmentType ContentType = iota
	// VaultSnapshotType is a copy of the encrypted vault file.
	VaultSnapshotType
)

func (ct ContentType) String() string {
	switch ct {
	case AttestationSegmentType:
		return "attestation"
	case VaultSnapshotType:
		return "vault"
	default:
		return "unknown"
	}
}

// ArchiveSchemes lists the URI schemes ParseArchiveLocation accepts.
var ArchiveSchemes = []string{"file", "s3", "ipfs", "vault"}

// ArchiveLocation is a parsed archive backend URI such as
// s3://bucket/prefix?region=eu-west-1 or vault://TOKEN@host:8200/secret/argus.
type ArchiveLocation struct {
	URI         string
	Scheme      string
	Host        string
	Path        string
	Params      url.Values
	Credentials string // userinfo, possibly "user:secret"
}

func ParseArchiveLocation(uri string) (ArchiveLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return ArchiveLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	supported := false
	for _, s := range ArchiveSchemes {
		supported = supported || s == scheme
	}
	if !supported {
		return ArchiveLocation{}, fmt.Errorf("%w: unsupported scheme %q (want one of %s)",
			ErrInvalidLocationURI, parsed.Scheme, strings.Join(ArchiveSchemes, ", "))
	}

	loc := ArchiveLocation{
		URI:    uri,
		Scheme: scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Params: parsed.Query(),
	}
	if parsed.User != nil {
		loc.Credentials = parsed.User.String()
	}
	return loc, nil
}

// String returns the URI with any credentials masked, safe for logs.
func (loc ArchiveLocation) String() string {
	if loc.Credentials == "" {
		return loc.URI
	}
	u, err := url.Parse(loc.URI)
	if err != nil {
		return loc.Scheme + "://***"
	}
	u.User = url.User("***")
	return u.String()
}

func (loc ArchiveLocation) Param(name string) string {
	return loc.Params.Get(name)
}

// BoolParam returns def when the parameter is absent.
func (loc ArchiveLocation) BoolParam(name string, def bool) bool {
	if !loc.Params.Has(name) {
		return def
	}
	switch strings.ToLower(loc.Params.Get(name)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

var (
	ErrContentNotFound    = errors.New("content not found")
	ErrBackendUnavailable = errors.New("storage backend unavailable")
	ErrInvalidLocationURI = errors.New("invalid archive location")
)

// StorageBackend stores archived log segments and vault snapshots.
type StorageBackend interface {
	// Fetch returns the blob and verifies it hashes to id.
	Fetch(ctx context.Context, id ContentID, contentType ContentType) ([]byte, error)
	Store(ctx context.Context, data []byte, contentType ContentType) (ContentID, error)
	Available(ctx context.Context) bool
	// Name is used in log lines.
	Name() string
	// LocationURI identifies the backend without leaking credentials.
	LocationURI() string
}
