package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DirPermissions is used for every directory holding vault state.
	DirPermissions = 0o700
	// FilePermissions is used for every vault state file.
	FilePermissions = 0o600
)

// EnsureDir creates path with DirPermissions if it does not exist.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, DirPermissions); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

// Exists reports whether path exists.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// WriteFileAtomic writes data to a temp file in the target directory, fsyncs
// it, renames it over path and fsyncs the directory. Readers observe either
// the old content or the new content, never a partial write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}

	// The rename is the commit point. A failed directory sync is reported
	// but the new content is already in place.
	if syncErr := SyncDir(dir); syncErr != nil {
		return &CommittedError{Err: syncErr}
	}
	return nil
}

// CommittedError reports a failure that happened after the atomic rename.
type CommittedError struct {
	Err error
}

func (e *CommittedError) Error() string {
	return fmt.Sprintf("write committed but not confirmed durable: %v", e.Err)
}

func (e *CommittedError) Unwrap() error {
	return e.Err
}

// IsCommitted reports whether err happened after the rename commit point.
func IsCommitted(err error) bool {
	var ce *CommittedError
	return errors.As(err, &ce)
}

// SyncDir fsyncs a directory so that renames and creations in it are durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
