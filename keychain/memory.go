package keychain

import (
	"sync"

	"github.com/argus-run/argus-vault/cryptoutils"
	"github.com/argus-run/argus-vault/interfaces"
)

// MemoryKeychain is an in-process keychain for tests. Unavailable can be set
// to simulate an unreachable secret service.
type MemoryKeychain struct {
	mu          sync.Mutex
	items       map[string][]byte
	Unavailable bool
}

func NewMemoryKeychain() *MemoryKeychain {
	return &MemoryKeychain{items: make(map[string][]byte)}
}

func (k *MemoryKeychain) Store(id string, secret []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.Unavailable {
		return interfaces.ErrKeychainUnavailable
	}
	k.items[id] = append([]byte(nil), secret...)
	return nil
}

func (k *MemoryKeychain) Retrieve(id string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.Unavailable {
		return nil, interfaces.ErrKeychainUnavailable
	}
	secret, ok := k.items[id]
	if !ok {
		return nil, interfaces.ErrKeychainItemNotFound
	}
	return append([]byte(nil), secret...), nil
}

func (k *MemoryKeychain) Delete(id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.Unavailable {
		return interfaces.ErrKeychainUnavailable
	}
	secret, ok := k.items[id]
	if !ok {
		return interfaces.ErrKeychainItemNotFound
	}
	cryptoutils.Wipe(secret)
	delete(k.items, id)
	return nil
}
