package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/argus-run/argus-vault/cryptoutils"
	"github.com/argus-run/argus-vault/fsutil"
	"github.com/argus-run/argus-vault/interfaces"
	"github.com/argus-run/argus-vault/kms"
	"github.com/cenkalti/backoff/v4"
)

// DefaultFileName is the vault file inside the data directory.
const DefaultFileName = "vault.bin"

const writeAttempts = 3

// KeySession is the part of a key session the store needs. *kms.Session
// implements it.
type KeySession interface {
	Seal(plaintext, ad []byte) (generation uint64, nonce, ciphertext []byte, err error)
	Open(generation uint64, nonce, ciphertext, ad []byte) ([]byte, error)
	Generation() uint64
	Reconcile(vaultGeneration uint64) error
	Rotate(ctx context.Context, reencrypt func(ctx context.Context, next *kms.GenerationKey) error) (uint64, error)
}

// EntryInfo is entry metadata. It never carries the value.
type EntryInfo struct {
	Name      string
	CreatedAt time.Time
	RotatedAt time.Time
}

// Store is the encrypted secret store backed by a single file.
//
// Lock order: rotMu, then the per-name lock, then mu. Get, Put and Delete
// hold rotMu shared; Rotate holds it exclusively so no entry is observed
// half-migrated between generations.
type Store struct {
	path string
	keys KeySession
	log  *slog.Logger

	rotMu sync.RWMutex
	names *KeyedMutex

	// mu guards entries and generation and serializes file writes.
	mu         sync.Mutex
	entries    map[string]*entry
	generation uint64

	writeFile  func(path string, data []byte, perm os.FileMode) error
	newBackOff func() backoff.BackOff
	now        func() time.Time
}

// Open loads the vault file at path, creating an empty one if missing. A
// rotation interrupted by a crash is resolved against the key session.
func Open(ctx context.Context, path string, keys KeySession, log *slog.Logger) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Store{
		path:       path,
		keys:       keys,
		log:        log,
		names:      NewKeyedMutex(),
		entries:    make(map[string]*entry),
		writeFile:  fsutil.WriteFileAtomic,
		newBackOff: defaultBackOff,
		now:        time.Now,
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.generation = keys.Generation()
		if err := s.flush("create", "", s.entries, s.generation); err != nil {
			return nil, err
		}
		log.Info("Created vault file", slog.String("path", path), slog.Uint64("generation", s.generation))
		return s, nil
	}
	if err != nil {
		return nil, &interfaces.VaultError{Op: "open", Err: fmt.Errorf("%w: %v", interfaces.ErrStorageIO, err)}
	}

	generation, entries, err := decodeVault(data)
	if err != nil {
		return nil, &interfaces.VaultError{Op: "open", Err: err}
	}
	if err := keys.Reconcile(generation); err != nil {
		return nil, &interfaces.VaultError{Op: "open", Err: err}
	}
	s.generation = generation
	s.entries = entries

	log.Debug("Opened vault", slog.Int("entries", len(entries)), slog.Uint64("generation", generation))
	return s, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	return backoff.WithMaxRetries(b, writeAttempts-1)
}

// flush atomically replaces the vault file. The rename is the commit point:
// a failure after it is logged and treated as success.
func (s *Store) flush(op, name string, entries map[string]*entry, generation uint64) error {
	data := encodeVault(generation, entries)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := s.writeFile(s.path, data, fsutil.FilePermissions)
		if err != nil && fsutil.IsCommitted(err) {
			s.log.Warn("Vault write committed but directory sync failed", "err", err)
			return nil
		}
		if err != nil {
			s.log.Warn("Vault write failed", slog.String("op", op), slog.Int("attempt", attempt), "err", err)
		}
		return err
	}, s.newBackOff())
	if err != nil {
		return &interfaces.VaultError{Op: op, Name: name, Err: fmt.Errorf("%w: %v", interfaces.ErrStorageIO, err)}
	}
	return nil
}

// Put encrypts value under name, creating or replacing the entry.
func (s *Store) Put(ctx context.Context, name string, value []byte) error {
	if err := interfaces.ValidateSecretName(name); err != nil {
		return &interfaces.VaultError{Op: "put", Name: name, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.rotMu.RLock()
	defer s.rotMu.RUnlock()
	unlock := s.names.Lock(name)
	defer unlock()

	ad := AssociatedData(name)
	generation, nonce, ct, err := s.keys.Seal(value, ad)
	if err != nil {
		return &interfaces.VaultError{Op: "put", Name: name, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation {
		return &interfaces.VaultError{Op: "put", Name: name, Err: fmt.Errorf("%w: sealed under generation %d, vault is at %d",
			interfaces.ErrCorruptKeyMaterial, generation, s.generation)}
	}

	now := s.now().UnixNano()
	e := &entry{name: name, created: now, rotated: now, nonce: nonce, ad: ad, ct: ct}
	old, replaced := s.entries[name]
	if replaced {
		e.created = old.created
	}

	next := make(map[string]*entry, len(s.entries)+1)
	for k, v := range s.entries {
		next[k] = v
	}
	next[name] = e
	if err := s.flush("put", name, next, s.generation); err != nil {
		return err
	}
	s.entries = next
	if replaced {
		old.wipe()
	}

	s.log.Debug("Stored entry", slog.String("name", name), slog.Bool("replaced", replaced))
	return nil
}

// Get decrypts the entry stored under name. Tampering with the entry, its
// associated data or its nonce yields ErrAuthenticationFailed.
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	if err := interfaces.ValidateSecretName(name); err != nil {
		return nil, &interfaces.VaultError{Op: "get", Name: name, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.rotMu.RLock()
	defer s.rotMu.RUnlock()

	s.mu.Lock()
	e, ok := s.entries[name]
	if ok {
		e = e.clone()
	}
	generation := s.generation
	s.mu.Unlock()
	if !ok {
		return nil, &interfaces.VaultError{Op: "get", Name: name, Err: interfaces.ErrEntryNotFound}
	}
	defer e.wipe()

	if !bytes.Equal(e.ad, AssociatedData(name)) {
		return nil, &interfaces.VaultError{Op: "get", Name: name, Err: fmt.Errorf("%w: associated data mismatch", interfaces.ErrAuthenticationFailed)}
	}
	value, err := s.keys.Open(generation, e.nonce, e.ct, e.ad)
	if errors.Is(err, cryptoutils.ErrDecrypt) {
		return nil, &interfaces.VaultError{Op: "get", Name: name, Err: interfaces.ErrAuthenticationFailed}
	}
	if err != nil {
		return nil, &interfaces.VaultError{Op: "get", Name: name, Err: err}
	}
	return value, nil
}

// Delete removes the entry and zeroes its in-memory ciphertext, nonce and
// associated data.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := interfaces.ValidateSecretName(name); err != nil {
		return &interfaces.VaultError{Op: "delete", Name: name, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.rotMu.RLock()
	defer s.rotMu.RUnlock()
	unlock := s.names.Lock(name)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return &interfaces.VaultError{Op: "delete", Name: name, Err: interfaces.ErrEntryNotFound}
	}

	next := make(map[string]*entry, len(s.entries))
	for k, v := range s.entries {
		if k != name {
			next[k] = v
		}
	}
	if err := s.flush("delete", name, next, s.generation); err != nil {
		return err
	}
	e.wipe()
	s.entries = next

	s.log.Debug("Deleted entry", slog.String("name", name))
	return nil
}

// List returns a sorted snapshot of entry names.
func (s *Store) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Stat returns metadata for name.
func (s *Store) Stat(name string) (EntryInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return EntryInfo{}, &interfaces.VaultError{Op: "stat", Name: name, Err: interfaces.ErrEntryNotFound}
	}
	return EntryInfo{
		Name:      e.name,
		CreatedAt: time.Unix(0, e.created).UTC(),
		RotatedAt: time.Unix(0, e.rotated).UTC(),
	}, nil
}

func (s *Store) Exists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[name]
	return ok
}

// Generation is the master key generation the vault file is sealed under.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Rotate re-encrypts every entry under a new master key generation and
// replaces the vault file in one atomic write. On failure the vault and the
// key session stay on the old generation.
func (s *Store) Rotate(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.rotMu.Lock()
	defer s.rotMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	var rotated map[string]*entry
	generation, err := s.keys.Rotate(ctx, func(_ context.Context, next *kms.GenerationKey) error {
		now := s.now().UnixNano()
		rotated = make(map[string]*entry, len(s.entries))
		for name, e := range s.entries {
			pt, err := s.keys.Open(s.generation, e.nonce, e.ct, e.ad)
			if err != nil {
				wipeAll(rotated)
				if errors.Is(err, cryptoutils.ErrDecrypt) {
					err = interfaces.ErrAuthenticationFailed
				}
				return &interfaces.VaultError{Op: "rotate", Name: name, Err: err}
			}
			nonce, ct, err := next.Seal(pt, e.ad)
			cryptoutils.Wipe(pt)
			if err != nil {
				wipeAll(rotated)
				return &interfaces.VaultError{Op: "rotate", Name: name, Err: err}
			}
			rotated[name] = &entry{
				name:    name,
				created: e.created,
				rotated: now,
				nonce:   nonce,
				ad:      append([]byte(nil), e.ad...),
				ct:      ct,
			}
		}
		if err := s.flush("rotate", "", rotated, next.Generation()); err != nil {
			wipeAll(rotated)
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wipeAll(s.entries)
	s.entries = rotated
	s.generation = generation

	s.log.Info("Rotated vault", slog.Uint64("generation", generation), slog.Int("entries", len(rotated)))
	return generation, nil
}

// Snapshot returns the encrypted vault file contents as last written.
func (s *Store) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return encodeVault(s.generation, s.entries)
}

// Close zeroes all ciphertext held in memory.
func (s *Store) Close() {
	s.rotMu.Lock()
	defer s.rotMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	wipeAll(s.entries)
	s.entries = make(map[string]*entry)
}

func wipeAll(entries map[string]*entry) {
	for _, e := range entries {
		e.wipe()
	}
}
