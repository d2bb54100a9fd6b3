package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/argus-run/argus-vault/common"
	"github.com/argus-run/argus-vault/interfaces"
	"github.com/argus-run/argus-vault/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Rotate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, env.store.Put(ctx, fmt.Sprintf("k%d", i), []byte(fmt.Sprintf("v%d", i))))
	}
	before, err := env.store.Stat("k0")
	require.NoError(t, err)

	generation, err := env.store.Rotate(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), generation)
	assert.Equal(t, uint64(2), env.store.Generation())

	for i := 0; i < 5; i++ {
		value, err := env.store.Get(ctx, fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("v%d", i)), value)
	}
	after, err := env.store.Stat("k0")
	require.NoError(t, err)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)

	env.reopen(t)
	assert.Equal(t, uint64(2), env.store.Generation())
	value, err := env.store.Get(ctx, "k3")
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), value)
}

func TestStore_RotateWriteFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.store.Put(ctx, "k", []byte("v")))

	env.store.writeFile = func(string, []byte, os.FileMode) error { return errors.New("no space") }
	_, err := env.store.Rotate(ctx)
	assert.ErrorIs(t, err, interfaces.ErrStorageIO)
	assert.Equal(t, uint64(1), env.store.Generation())
	assert.Equal(t, uint64(1), env.session.Generation())

	value, err := env.store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	env.reopen(t)
	value, err = env.store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
}

// Simulates a crash between the vault file commit and the key state commit:
// the pending generation is on disk, the vault names it, and the next open
// promotes it.
func TestStore_RotateCrashAfterVaultCommit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.store.Put(ctx, "k", []byte("v")))

	r, err := env.session.BeginRotation()
	require.NoError(t, err)
	value, err := env.store.Get(ctx, "k")
	require.NoError(t, err)

	nonce, ct, err := r.Key().Seal(value, AssociatedData("k"))
	require.NoError(t, err)
	entries := map[string]*entry{"k": {name: "k", nonce: nonce, ad: AssociatedData("k"), ct: ct}}
	require.NoError(t, os.WriteFile(env.vaultPath(), encodeVault(r.Key().Generation(), entries), 0o600))

	env.reopen(t)
	assert.Equal(t, uint64(2), env.store.Generation())
	assert.Equal(t, uint64(2), env.session.Generation())
	got, err := env.store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

// A crash before the vault file is replaced leaves the old generation
// authoritative.
func TestStore_RotateCrashBeforeVaultCommit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.store.Put(ctx, "k", []byte("v")))

	_, err := env.session.BeginRotation()
	require.NoError(t, err)

	env.reopen(t)
	assert.Equal(t, uint64(1), env.store.Generation())
	got, err := env.store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	generation, err := env.store.Rotate(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), generation)
}

func TestStore_UnknownGenerationRefused(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(env.vaultPath(), encodeVault(9, map[string]*entry{}), 0o600))

	_, err := Open(ctx, env.vaultPath(), env.session, common.DiscardLogger())
	assert.ErrorIs(t, err, interfaces.ErrCorruptKeyMaterial)
}

// Concurrent readers never observe an entry half-migrated across
// generations.
func TestStore_RotateConcurrentWithReads(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	for i := 0; i < 8; i++ {
		require.NoError(t, env.store.Put(ctx, fmt.Sprintf("k%d", i), []byte("v")))
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				value, err := env.store.Get(ctx, fmt.Sprintf("k%d", i))
				assert.NoError(t, err)
				assert.Equal(t, []byte("v"), value)
			}
		}(i)
	}
	for i := 0; i < 3; i++ {
		_, err := env.store.Rotate(ctx)
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, uint64(4), env.store.Generation())
}

var _ KeySession = (*kms.Session)(nil)
