package kms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	cfg, _ := testConfig(t)
	s, err := Create(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	payload := []byte("record hash")
	sig, err := s.Sign(payload)
	require.NoError(t, err)

	require.NoError(t, VerifySignature(s.PublicKey(), payload, sig))

	assert.ErrorIs(t, VerifySignature(s.PublicKey(), []byte("other"), sig), ErrInvalidSignature)

	sig[0] ^= 0x01
	assert.ErrorIs(t, VerifySignature(s.PublicKey(), payload, sig), ErrInvalidSignature)

	assert.Error(t, VerifySignature([]byte("short"), payload, sig))
}

func TestSigningKeyStableAcrossRotation(t *testing.T) {
	ctx := context.Background()
	cfg, _ := testConfig(t)
	s, err := Create(ctx, cfg)
	require.NoError(t, err)
	defer s.Close()

	before := s.PublicKey()
	sig, err := s.Sign([]byte("old"))
	require.NoError(t, err)

	_, err = s.Rotate(ctx, func(context.Context, *GenerationKey) error { return nil })
	require.NoError(t, err)

	assert.Equal(t, before, s.PublicKey())
	assert.NoError(t, VerifySignature(s.PublicKey(), []byte("old"), sig))
}

func TestLoadPublicIdentity(t *testing.T) {
	cfg, _ := testConfig(t)
	s, err := Create(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	id, err := LoadPublicIdentity(cfg.Dir)
	require.NoError(t, err)
	assert.Equal(t, s.VaultID(), id.VaultID)
	assert.Equal(t, s.PublicKey(), id.SigningPublicKey)
	assert.Equal(t, uint64(1), id.Generation)
}
