package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/argus-run/argus-vault/interfaces"
)

// StorageBackendFactory creates storage backends from location URIs and
// manages multi-backend configurations for redundant archives.
type StorageBackendFactory struct {
	log *slog.Logger
}

func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{log: logger}
}

// ParseLocations parses a list of location URIs.
func ParseLocations(uris []string) ([]interfaces.ArchiveLocation, error) {
	locations := make([]interfaces.ArchiveLocation, 0, len(uris))
	for _, uri := range uris {
		loc, err := interfaces.ParseArchiveLocation(uri)
		if err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	return locations, nil
}

// StorageBackendFor creates a storage backend from a location URI.
//
// Supported schemes:
//   - file:///absolute/path or file://./relative/path
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2&endpoint=host
//   - ipfs://host:port/mfs-root?timeout=30s
//   - vault://[TOKEN@]host:port/mount/path?tls=false
func (sf *StorageBackendFactory) StorageBackendFor(loc interfaces.ArchiveLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating storage backend", slog.String("scheme", loc.Scheme))

	switch loc.Scheme {
	case "file":
		return sf.createFileBackend(loc)
	case "s3":
		return sf.createS3Backend(loc)
	case "ipfs":
		return sf.createIPFSBackend(loc)
	case "vault":
		return sf.createVaultBackend(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme: %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiBackend builds the backend for a set of archive locations. A
// single location yields that backend directly; several are replicated with
// NewMultiStorageBackend and minCopies. Any invalid location fails the whole
// set, so an archive never silently lands in fewer places than asked for.
func (sf *StorageBackendFactory) CreateMultiBackend(locations []interfaces.ArchiveLocation, minCopies int) (interfaces.StorageBackend, error) {
	if len(locations) == 0 {
		return nil, fmt.Errorf("%w: no archive locations given", interfaces.ErrInvalidLocationURI)
	}

	backends := make([]interfaces.StorageBackend, 0, len(locations))
	for _, loc := range locations {
		backend, err := sf.StorageBackendFor(loc)
		if err != nil {
			return nil, fmt.Errorf("archive location %s: %w", loc, err)
		}
		backends = append(backends, backend)
	}

	if len(backends) == 1 {
		return backends[0], nil
	}
	return NewMultiStorageBackend(backends, minCopies, sf.log), nil
}

func (sf *StorageBackendFactory) createFileBackend(loc interfaces.ArchiveLocation) (interfaces.StorageBackend, error) {
	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI", interfaces.ErrInvalidLocationURI)
	}
	return NewFileBackend(path, sf.log)
}

func (sf *StorageBackendFactory) createS3Backend(loc interfaces.ArchiveLocation) (interfaces.StorageBackend, error) {
	region := loc.Param("region")
	if region == "" {
		region = "us-east-1"
	}

	accessKey, secretKey := splitAuth(loc.Credentials)
	if accessKey == "" {
		sf.log.Debug("No embedded S3 credentials, using the default credential chain")
	}

	return NewS3Backend(loc.Host, strings.TrimPrefix(loc.Path, "/"), region, loc.Param("endpoint"), accessKey, secretKey, sf.log)
}

func (sf *StorageBackendFactory) createIPFSBackend(loc interfaces.ArchiveLocation) (interfaces.StorageBackend, error) {
	u := url.URL{Host: loc.Host}
	host, port := u.Hostname(), u.Port()
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = "5001"
	}

	timeout := 30 * time.Second
	if raw := loc.Param("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timeout %q", interfaces.ErrInvalidLocationURI, raw)
		}
		timeout = d
	}

	return NewIPFSBackend(host, port, loc.Path, timeout, sf.log)
}

func (sf *StorageBackendFactory) createVaultBackend(loc interfaces.ArchiveLocation) (interfaces.StorageBackend, error) {
	var address string
	if loc.Host != "" {
		scheme := "https"
		if !loc.BoolParam("tls", true) {
			scheme = "http"
		}
		address = scheme + "://" + loc.Host
	}

	mount, dataPath, _ := strings.Cut(strings.Trim(loc.Path, "/"), "/")
	token, _ := splitAuth(loc.Credentials)

	return NewVaultBackend(address, token, mount, dataPath, sf.log)
}

func splitAuth(auth string) (string, string) {
	if auth == "" {
		return "", ""
	}
	user, pass, _ := strings.Cut(auth, ":")
	if u, err := url.PathUnescape(user); err == nil {
		user = u
	}
	if p, err := url.PathUnescape(pass); err == nil {
		pass = p
	}
	return user, pass
}
