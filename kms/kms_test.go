package kms

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/argus-run/argus-vault/common"
	"github.com/argus-run/argus-vault/cryptoutils"
	"github.com/argus-run/argus-vault/interfaces"
	"github.com/argus-run/argus-vault/keychain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) (Config, *keychain.MemoryKeychain) {
	t.Helper()
	kc := keychain.NewMemoryKeychain()
	return Config{Dir: t.TempDir(), Keychain: kc, Log: common.DiscardLogger()}, kc
}

func TestInitialize_CreateThenOpen(t *testing.T) {
	ctx := context.Background()
	cfg, _ := testConfig(t)

	s, err := Initialize(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Generation())

	gen, nonce, ct, err := s.Seal([]byte("sk-test-123"), []byte("OPENROUTER_KEY"))
	require.NoError(t, err)
	pub := s.PublicKey()
	s.Close()

	s2, err := Initialize(ctx, cfg)
	require.NoError(t, err)
	defer s2.Close()

	pt, err := s2.Open(gen, nonce, ct, []byte("OPENROUTER_KEY"))
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-test-123"), pt)
	assert.Equal(t, pub, s2.PublicKey())

	info, err := os.Stat(keyStatePath(cfg.Dir))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestCreate_AlreadyInitialized(t *testing.T) {
	ctx := context.Background()
	cfg, _ := testConfig(t)

	s, err := Create(ctx, cfg)
	require.NoError(t, err)
	s.Close()

	_, err = Create(ctx, cfg)
	assert.ErrorIs(t, err, interfaces.ErrAlreadyInitialized)
}

func TestOpen_NotInitialized(t *testing.T) {
	cfg, _ := testConfig(t)
	_, err := Open(context.Background(), cfg)
	assert.ErrorIs(t, err, interfaces.ErrNotInitialized)
}

func TestOpen_KeychainUnavailable(t *testing.T) {
	ctx := context.Background()
	cfg, kc := testConfig(t)

	s, err := Create(ctx, cfg)
	require.NoError(t, err)
	s.Close()

	kc.Unavailable = true
	_, err = Open(ctx, cfg)
	assert.ErrorIs(t, err, interfaces.ErrKeychainUnavailable)

	var keyErr *interfaces.KeyError
	assert.True(t, errors.As(err, &keyErr))
}

func TestCreate_KeychainUnavailable(t *testing.T) {
	cfg, kc := testConfig(t)
	kc.Unavailable = true

	_, err := Create(context.Background(), cfg)
	assert.ErrorIs(t, err, interfaces.ErrKeychainUnavailable)

	exists, _ := os.Stat(keyStatePath(cfg.Dir))
	assert.Nil(t, exists, "no key state is written without a keychain secret")
}

func TestOpen_KeyMissing(t *testing.T) {
	ctx := context.Background()
	cfg, kc := testConfig(t)

	s, err := Create(ctx, cfg)
	require.NoError(t, err)
	id := s.state.keychainID()
	s.Close()

	require.NoError(t, kc.Delete(id))
	_, err = Open(ctx, cfg)
	assert.ErrorIs(t, err, interfaces.ErrKeyMissing)
}

func TestOpen_WrongKeychainSecret(t *testing.T) {
	ctx := context.Background()
	cfg, kc := testConfig(t)

	s, err := Create(ctx, cfg)
	require.NoError(t, err)
	id := s.state.keychainID()
	s.Close()

	require.NoError(t, kc.Store(id, make([]byte, 32)))
	_, err = Open(ctx, cfg)
	assert.ErrorIs(t, err, interfaces.ErrCorruptKeyMaterial)
}

func TestOpen_CorruptKeyState(t *testing.T) {
	ctx := context.Background()

	mutate := map[string]func(st *keyState){
		"kem ciphertext": func(st *keyState) { st.Current.KEMCiphertext[10] ^= 0x01 },
		"salt":           func(st *keyState) { st.Current.Salt[0] ^= 0x01 },
		"key check":      func(st *keyState) { st.Current.KeyCheck[31] ^= 0x80 },
		"wrapped seed":   func(st *keyState) { st.WrappedKEMSeed[40] ^= 0x01 },
		"signing key":    func(st *keyState) { st.SigningPublicKey[5] ^= 0x01 },
		"vault id":       func(st *keyState) { st.VaultID += "x" },
	}

	for name, fn := range mutate {
		t.Run(name, func(t *testing.T) {
			cfg, kc := testConfig(t)
			s, err := Create(ctx, cfg)
			require.NoError(t, err)
			st := s.state.clone()
			root, err := kc.Retrieve(st.keychainID())
			require.NoError(t, err)
			s.Close()

			fn(st)
			if name == "vault id" {
				// Keep the keychain reachable under the mutated id.
				require.NoError(t, kc.Store(st.keychainID(), root))
			}
			require.NoError(t, st.save(cfg.Dir))

			_, err = Open(ctx, cfg)
			assert.ErrorIs(t, err, interfaces.ErrCorruptKeyMaterial)
		})
	}
}

func TestOpen_GarbageKeyState(t *testing.T) {
	cfg, _ := testConfig(t)
	require.NoError(t, os.WriteFile(keyStatePath(cfg.Dir), []byte("{not json"), 0o600))
	_, err := Open(context.Background(), cfg)
	assert.ErrorIs(t, err, interfaces.ErrCorruptKeyMaterial)
}

func TestKeyStateHoldsNoSecrets(t *testing.T) {
	cfg, kc := testConfig(t)
	s, err := Create(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	data, err := os.ReadFile(keyStatePath(cfg.Dir))
	require.NoError(t, err)
	root, err := kc.Retrieve(s.state.keychainID())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, string(data), string(root))
	assert.NotContains(t, string(data), string(s.master.key[:]))
}

func TestSession_Close(t *testing.T) {
	cfg, _ := testConfig(t)
	s, err := Create(context.Background(), cfg)
	require.NoError(t, err)

	master := s.master
	root := s.root
	seed := s.kemSeed
	s.Close()
	s.Close()

	assert.Equal(t, [32]byte{}, master.key)
	assert.Equal(t, [32]byte{}, s.signSeed)
	assert.Equal(t, make([]byte, len(root)), root)
	assert.Equal(t, make([]byte, len(seed)), seed)

	_, _, _, err = s.Seal([]byte("x"), nil)
	assert.ErrorIs(t, err, interfaces.ErrSessionClosed)
	_, err = s.Sign([]byte("x"))
	assert.ErrorIs(t, err, interfaces.ErrSessionClosed)
}

func TestWithSession(t *testing.T) {
	ctx := context.Background()
	cfg, _ := testConfig(t)
	s, err := Create(ctx, cfg)
	require.NoError(t, err)
	s.Close()

	var inner *Session
	sentinel := errors.New("boom")
	err = WithSession(ctx, cfg, func(s *Session) error {
		inner = s
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.True(t, inner.closed)
}

func TestSession_OpenWrongAD(t *testing.T) {
	cfg, _ := testConfig(t)
	s, err := Create(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	gen, nonce, ct, err := s.Seal([]byte("secret"), []byte("a"))
	require.NoError(t, err)
	_, err = s.Open(gen, nonce, ct, []byte("b"))
	assert.ErrorIs(t, err, cryptoutils.ErrDecrypt)
}

func TestCanceledContext(t *testing.T) {
	cfg, _ := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Initialize(ctx, cfg)
	assert.ErrorIs(t, err, context.Canceled)
}
