package kms

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/argus-run/argus-vault/cryptoutils"
	"github.com/argus-run/argus-vault/fsutil"
	"github.com/argus-run/argus-vault/interfaces"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/google/uuid"
)

const (
	rootSecretSize = 32
	saltSize       = 32
)

var kemScheme = mlkem768.Scheme()

// Config locates the key state and the keychain holding its root secret.
type Config struct {
	Dir      string
	Keychain interfaces.Keychain
	Log      *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Log == nil {
		return slog.Default()
	}
	return c.Log
}

// GenerationKey is one generation of the vault master key. The key bytes
// never leave this package; callers only get Seal and Open.
type GenerationKey struct {
	generation uint64
	key        [32]byte
}

func (k *GenerationKey) Generation() uint64 {
	return k.generation
}

func (k *GenerationKey) Seal(plaintext, ad []byte) (nonce, ciphertext []byte, err error) {
	return cryptoutils.Seal(k.key[:], plaintext, ad)
}

func (k *GenerationKey) Open(nonce, ciphertext, ad []byte) ([]byte, error) {
	return cryptoutils.Open(k.key[:], nonce, ciphertext, ad)
}

func (k *GenerationKey) wipe() {
	if k != nil {
		cryptoutils.Wipe32(&k.key)
	}
}

// Session owns the key material of one vault session. It must be released
// with Close, after which every key byte it held has been zeroed.
type Session struct {
	mu    sync.RWMutex
	rotMu sync.Mutex

	dir string
	kc  interfaces.Keychain
	log *slog.Logger

	state    *keyState
	root     []byte
	kemSeed  []byte
	signSeed [32]byte
	master   *GenerationKey
	closed   bool
}

// Initialize opens the vault's key session, creating fresh key material on
// first run.
func Initialize(ctx context.Context, cfg Config) (*Session, error) {
	exists, err := fsutil.Exists(keyStatePath(cfg.Dir))
	if err != nil {
		return nil, &interfaces.KeyError{Op: "initialize", Err: err}
	}
	if exists {
		return Open(ctx, cfg)
	}
	return Create(ctx, cfg)
}

// Create generates key material for a new vault. It fails with
// ErrAlreadyInitialized if key state already exists in cfg.Dir.
func Create(ctx context.Context, cfg Config) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := cfg.logger()

	if exists, err := fsutil.Exists(keyStatePath(cfg.Dir)); err != nil {
		return nil, &interfaces.KeyError{Op: "create", Err: err}
	} else if exists {
		return nil, &interfaces.KeyError{Op: "create", Err: interfaces.ErrAlreadyInitialized}
	}
	if err := fsutil.EnsureDir(cfg.Dir); err != nil {
		return nil, &interfaces.KeyError{Op: "create", Err: err}
	}

	s := &Session{dir: cfg.Dir, kc: cfg.Keychain, log: log}
	st := &keyState{
		Version:         keyStateVersion,
		VaultID:         uuid.NewString(),
		KEMScheme:       kemSchemeName,
		SignatureScheme: signatureSchemeName,
	}
	s.state = st

	s.root = make([]byte, rootSecretSize)
	if _, err := io.ReadFull(rand.Reader, s.root); err != nil {
		return nil, &interfaces.KeyError{Op: "create", Err: err}
	}
	s.kemSeed = make([]byte, kemScheme.SeedSize())
	if _, err := io.ReadFull(rand.Reader, s.kemSeed); err != nil {
		s.Close()
		return nil, &interfaces.KeyError{Op: "create", Err: err}
	}

	if err := s.deriveStatic(); err != nil {
		s.Close()
		return nil, &interfaces.KeyError{Op: "create", Err: err}
	}

	wrapKey, err := cryptoutils.Derive32(s.root, []byte(st.VaultID), "argus/wrap/v1")
	if err != nil {
		s.Close()
		return nil, &interfaces.KeyError{Op: "create", Err: err}
	}
	st.WrappedKEMSeed, err = cryptoutils.SealBox(wrapKey[:], s.kemSeed, st.seedAD())
	cryptoutils.Wipe32(&wrapKey)
	if err != nil {
		s.Close()
		return nil, &interfaces.KeyError{Op: "create", Err: err}
	}

	pk, _ := kemScheme.DeriveKeyPair(s.kemSeed)
	st.EncapsulationKey, err = pk.MarshalBinary()
	if err != nil {
		s.Close()
		return nil, &interfaces.KeyError{Op: "create", Err: err}
	}
	st.SigningPublicKey = signingPublicKey(s.signSeed)

	params, master, err := s.newGeneration(1)
	if err != nil {
		s.Close()
		return nil, &interfaces.KeyError{Op: "create", Err: err}
	}
	st.Current = params
	s.master = master

	if err := cfg.Keychain.Store(st.keychainID(), s.root); err != nil {
		s.Close()
		return nil, &interfaces.KeyError{Op: "create", Err: err}
	}
	if err := st.save(cfg.Dir); err != nil {
		if delErr := cfg.Keychain.Delete(st.keychainID()); delErr != nil {
			log.Warn("Failed to remove keychain item after failed create", "err", delErr)
		}
		s.Close()
		return nil, &interfaces.KeyError{Op: "create", Err: err}
	}

	log.Info("Created vault key material",
		slog.String("vault_id", st.VaultID),
		slog.Uint64("generation", params.Generation))
	return s, nil
}

// Open re-derives the master key of an existing vault from the keychain
// secret and the persisted key state.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, err := loadKeyState(cfg.Dir)
	if err != nil {
		return nil, &interfaces.KeyError{Op: "open", Err: err}
	}

	root, err := cfg.Keychain.Retrieve(st.keychainID())
	if errors.Is(err, interfaces.ErrKeychainItemNotFound) {
		return nil, &interfaces.KeyError{Op: "open", Err: interfaces.ErrKeyMissing}
	}
	if err != nil {
		return nil, &interfaces.KeyError{Op: "open", Err: err}
	}

	s, err := openWithRoot(cfg, st, root)
	if err != nil {
		return nil, &interfaces.KeyError{Op: "open", Err: err}
	}
	return s, nil
}

// openWithRoot takes ownership of root.
func openWithRoot(cfg Config, st *keyState, root []byte) (*Session, error) {
	s := &Session{dir: cfg.Dir, kc: cfg.Keychain, log: cfg.logger(), state: st, root: root}

	if len(root) != rootSecretSize {
		s.Close()
		return nil, fmt.Errorf("%w: keychain secret has wrong length", interfaces.ErrCorruptKeyMaterial)
	}

	wrapKey, err := cryptoutils.Derive32(root, []byte(st.VaultID), "argus/wrap/v1")
	if err != nil {
		s.Close()
		return nil, err
	}
	s.kemSeed, err = cryptoutils.OpenBox(wrapKey[:], st.WrappedKEMSeed, st.seedAD())
	cryptoutils.Wipe32(&wrapKey)
	if err != nil || len(s.kemSeed) != kemScheme.SeedSize() {
		s.Close()
		return nil, fmt.Errorf("%w: decapsulation key does not authenticate", interfaces.ErrCorruptKeyMaterial)
	}

	if err := s.deriveStatic(); err != nil {
		s.Close()
		return nil, err
	}
	if subtle.ConstantTimeCompare(signingPublicKey(s.signSeed), st.SigningPublicKey) != 1 {
		s.Close()
		return nil, fmt.Errorf("%w: signing key does not match key state", interfaces.ErrCorruptKeyMaterial)
	}

	s.master, err = s.deriveGeneration(st.Current)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.log.Debug("Opened vault key session",
		slog.String("vault_id", st.VaultID),
		slog.Uint64("generation", st.Current.Generation))
	return s, nil
}

// WithSession opens a session, runs fn and releases the session on every
// exit path.
func WithSession(ctx context.Context, cfg Config, fn func(*Session) error) error {
	s, err := Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func (s *Session) deriveStatic() error {
	var err error
	s.signSeed, err = cryptoutils.Derive32(s.root, []byte(s.state.VaultID), "argus/sign/v1")
	return err
}

// newGeneration encapsulates a fresh shared secret against the vault's
// encapsulation key and derives the master key of generation gen from it.
func (s *Session) newGeneration(gen uint64) (generationParams, *GenerationKey, error) {
	pk, err := kemScheme.UnmarshalBinaryPublicKey(s.state.EncapsulationKey)
	if err != nil {
		return generationParams{}, nil, fmt.Errorf("%w: encapsulation key: %v", interfaces.ErrCorruptKeyMaterial, err)
	}
	ct, ss, err := kemScheme.Encapsulate(pk)
	if err != nil {
		return generationParams{}, nil, fmt.Errorf("encapsulation failed: %w", err)
	}
	defer cryptoutils.Wipe(ss)

	params := generationParams{
		Generation:    gen,
		Salt:          make([]byte, saltSize),
		KEMCiphertext: ct,
		CreatedAt:     time.Now().UTC(),
	}
	if _, err := io.ReadFull(rand.Reader, params.Salt); err != nil {
		return generationParams{}, nil, err
	}

	key, check, err := s.deriveFromShared(ss, params)
	if err != nil {
		return generationParams{}, nil, err
	}
	params.KeyCheck = check
	return params, key, nil
}

// deriveGeneration decapsulates params' ciphertext and re-derives its key,
// failing with ErrCorruptKeyMaterial when the key check does not match.
func (s *Session) deriveGeneration(params generationParams) (*GenerationKey, error) {
	_, sk := kemScheme.DeriveKeyPair(s.kemSeed)
	ss, err := kemScheme.Decapsulate(sk, params.KEMCiphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decapsulation failed: %v", interfaces.ErrCorruptKeyMaterial, err)
	}
	defer cryptoutils.Wipe(ss)

	key, check, err := s.deriveFromShared(ss, params)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(check, params.KeyCheck) != 1 {
		key.wipe()
		return nil, fmt.Errorf("%w: key check failed for generation %d", interfaces.ErrCorruptKeyMaterial, params.Generation)
	}
	return key, nil
}

// deriveFromShared binds both factors: the keychain secret and the KEM
// shared secret.
func (s *Session) deriveFromShared(ss []byte, params generationParams) (*GenerationKey, []byte, error) {
	ikm := make([]byte, 0, len(s.root)+len(ss))
	ikm = append(ikm, s.root...)
	ikm = append(ikm, ss...)
	defer cryptoutils.Wipe(ikm)

	key := &GenerationKey{generation: params.Generation}
	var err error
	key.key, err = cryptoutils.Derive32(ikm, params.Salt, fmt.Sprintf("argus/master-key/v1/%d", params.Generation))
	if err != nil {
		return nil, nil, err
	}
	check, err := cryptoutils.Derive32(ikm, params.Salt, fmt.Sprintf("argus/key-check/v1/%d", params.Generation))
	if err != nil {
		key.wipe()
		return nil, nil, err
	}
	return key, check[:], nil
}

// Seal encrypts under the current master key generation.
func (s *Session) Seal(plaintext, ad []byte) (gen uint64, nonce, ciphertext []byte, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, nil, nil, interfaces.ErrSessionClosed
	}
	nonce, ciphertext, err = s.master.Seal(plaintext, ad)
	return s.master.generation, nonce, ciphertext, err
}

// Open decrypts data sealed under generation gen, which must be the current
// generation.
func (s *Session) Open(gen uint64, nonce, ciphertext, ad []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, interfaces.ErrSessionClosed
	}
	if gen != s.master.generation {
		return nil, fmt.Errorf("%w: data sealed under generation %d, current is %d",
			cryptoutils.ErrDecrypt, gen, s.master.generation)
	}
	return s.master.Open(nonce, ciphertext, ad)
}

// Generation returns the current master key generation.
func (s *Session) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.master == nil {
		return 0
	}
	return s.master.generation
}

func (s *Session) VaultID() string {
	return s.state.VaultID
}

// Close zeroes all key material. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	cryptoutils.Wipe(s.root)
	cryptoutils.Wipe(s.kemSeed)
	cryptoutils.Wipe32(&s.signSeed)
	s.master.wipe()
	s.root, s.kemSeed = nil, nil
}
