package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/argus-run/argus-vault/interfaces"
)

// ErrTooFewCopies is returned by Store when fewer backends than required
// accepted the blob. The caller must treat the blob as not archived.
var ErrTooFewCopies = errors.New("too few archive copies stored")

// MultiStorageBackend replicates archives across several backends. Store
// writes to all of them concurrently and requires minCopies successes;
// Fetch returns the first copy that hashes to the requested ID.
type MultiStorageBackend struct {
	backends  []interfaces.StorageBackend
	minCopies int
	log       *slog.Logger
}

// NewMultiStorageBackend requires minCopies stored copies per blob. Zero or
// a value above len(backends) means every backend.
func NewMultiStorageBackend(backends []interfaces.StorageBackend, minCopies int, logger *slog.Logger) *MultiStorageBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if minCopies <= 0 || minCopies > len(backends) {
		minCopies = len(backends)
	}
	return &MultiStorageBackend{
		backends:  backends,
		minCopies: minCopies,
		log:       logger,
	}
}

func (m *MultiStorageBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	var errs []error
	for _, backend := range m.backends {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !backend.Available(ctx) {
			m.log.Debug("Skipping unavailable archive backend", slog.String("backend", backend.Name()))
			continue
		}

		data, err := backend.Fetch(ctx, id, contentType)
		if err == nil {
			err = checkContentID(id, data)
		}
		if err == nil {
			return data, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Archive copy not usable", slog.String("backend", backend.Name()), "err", err)
	}

	if len(errs) == 0 {
		return nil, interfaces.ErrBackendUnavailable
	}
	return nil, fmt.Errorf("no backend returned %s: %w", id, errors.Join(errs...))
}

func (m *MultiStorageBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	want := interfaces.ComputeID(data)
	start := time.Now()

	errs := make([]error, len(m.backends))
	var wg sync.WaitGroup
	for i, backend := range m.backends {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.storeOne(ctx, backend, want, data, contentType)
		}()
	}
	wg.Wait()

	copies := 0
	for i, err := range errs {
		if err == nil {
			copies++
			continue
		}
		m.log.Warn("Archive copy failed", slog.String("backend", m.backends[i].Name()), "err", err)
	}

	m.log.Info("Archived content",
		slog.String("content_id", want.String()),
		slog.Int("copies", copies),
		slog.Int("required", m.minCopies),
		slog.Duration("duration", time.Since(start)))

	if copies < m.minCopies {
		return interfaces.ContentID{}, fmt.Errorf("%w: %d of %d required: %w",
			ErrTooFewCopies, copies, m.minCopies, errors.Join(errs...))
	}
	return want, nil
}

func (m *MultiStorageBackend) storeOne(ctx context.Context, backend interfaces.StorageBackend, want interfaces.ContentID, data []byte, contentType interfaces.ContentType) error {
	if !backend.Available(ctx) {
		return fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable)
	}
	id, err := backend.Store(ctx, data, contentType)
	if err != nil {
		return fmt.Errorf("%s: %w", backend.Name(), err)
	}
	if !id.Equal(want) {
		return fmt.Errorf("%s: %w: stored as %s, want %s", backend.Name(), ErrContentMismatch, id, want)
	}
	return nil
}

// Available reports whether enough backends are reachable to satisfy Store.
func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	up := 0
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			up++
		}
	}
	return up > 0 && up >= m.minCopies
}

func (m *MultiStorageBackend) Name() string {
	return fmt.Sprintf("multi(%d/%d)", m.minCopies, len(m.backends))
}

func (m *MultiStorageBackend) LocationURI() string {
	locations := make([]string, 0, len(m.backends))
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
