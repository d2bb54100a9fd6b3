package keychain

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/argus-run/argus-vault/cryptoutils"
	"github.com/argus-run/argus-vault/fsutil"
	"github.com/argus-run/argus-vault/interfaces"
)

// sealedMagic prefixes items written by a passphrase-protected keychain.
var sealedMagic = []byte("argus-kc1")

// FileKeychain keeps one 0600 file per item. It is meant for headless hosts
// and CI where no OS secret service exists. With a passphrase each item is
// sealed under an Argon2id-derived key; without one the items are protected
// only by file permissions.
type FileKeychain struct {
	dir        string
	passphrase []byte
}

func NewFileKeychain(dir string) (*FileKeychain, error) {
	if err := fsutil.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrKeychainUnavailable, err)
	}
	return &FileKeychain{dir: dir}, nil
}

// NewSealedFileKeychain returns a file keychain that seals every item under
// passphrase.
func NewSealedFileKeychain(dir string, passphrase []byte) (*FileKeychain, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: empty keychain passphrase", interfaces.ErrKeychainUnavailable)
	}
	k, err := NewFileKeychain(dir)
	if err != nil {
		return nil, err
	}
	k.passphrase = append([]byte(nil), passphrase...)
	return k, nil
}

func (k *FileKeychain) path(id string) string {
	return filepath.Join(k.dir, hex.EncodeToString([]byte(id)))
}

func (k *FileKeychain) Store(id string, secret []byte) error {
	data := secret
	if k.passphrase != nil {
		sealed, err := k.seal(id, secret)
		if err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrKeychainUnavailable, err)
		}
		data = sealed
	}
	if err := fsutil.WriteFileAtomic(k.path(id), data, fsutil.FilePermissions); err != nil && !fsutil.IsCommitted(err) {
		return fmt.Errorf("%w: %v", interfaces.ErrKeychainUnavailable, err)
	}
	return nil
}

func (k *FileKeychain) Retrieve(id string) ([]byte, error) {
	data, err := os.ReadFile(k.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrKeychainItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrKeychainUnavailable, err)
	}
	if k.passphrase == nil {
		if bytes.HasPrefix(data, sealedMagic) {
			return nil, fmt.Errorf("%w: item is passphrase protected", interfaces.ErrKeychainUnavailable)
		}
		return data, nil
	}
	return k.open(id, data)
}

func (k *FileKeychain) Delete(id string) error {
	err := os.Remove(k.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return interfaces.ErrKeychainItemNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrKeychainUnavailable, err)
	}
	return nil
}

// seal produces magic || salt || box. The item id is bound as associated
// data so items cannot be swapped between ids.
func (k *FileKeychain) seal(id string, secret []byte) ([]byte, error) {
	salt, err := cryptoutils.NewSalt()
	if err != nil {
		return nil, err
	}
	key := cryptoutils.DerivePassphraseKey(k.passphrase, salt)
	defer cryptoutils.Wipe32(&key)

	box, err := cryptoutils.SealBox(key[:], secret, []byte(id))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(sealedMagic)+len(salt)+len(box))
	out = append(out, sealedMagic...)
	out = append(out, salt...)
	return append(out, box...), nil
}

func (k *FileKeychain) open(id string, data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, sealedMagic) || len(data) < len(sealedMagic)+cryptoutils.PassphraseSaltSize {
		return nil, fmt.Errorf("%w: item is not passphrase protected", interfaces.ErrKeychainUnavailable)
	}
	data = data[len(sealedMagic):]
	key := cryptoutils.DerivePassphraseKey(k.passphrase, data[:cryptoutils.PassphraseSaltSize])
	defer cryptoutils.Wipe32(&key)

	secret, err := cryptoutils.OpenBox(key[:], data[cryptoutils.PassphraseSaltSize:], []byte(id))
	if err != nil {
		return nil, fmt.Errorf("%w: wrong keychain passphrase", interfaces.ErrKeychainUnavailable)
	}
	return secret, nil
}
