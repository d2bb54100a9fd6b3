package interfaces

// Keychain is the OS secret-storage boundary. Implementations return
// ErrKeychainItemNotFound for a missing id and wrap ErrKeychainUnavailable
// when the service cannot be reached.
type Keychain interface {
	Store(id string, secret []byte) error
	Retrieve(id string) ([]byte, error)
	Delete(id string) error
}
