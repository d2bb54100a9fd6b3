package interfaces

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSecretName(t *testing.T) {
	for _, name := range []string{"OPENROUTER_KEY", "providers/openai.key", "a-b_c.d"} {
		assert.NoError(t, ValidateSecretName(name), name)
	}
	for _, name := range []string{"", "*", "has space", "semi;colon"} {
		err := ValidateSecretName(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestCapabilityGrant_Matches(t *testing.T) {
	g := CapabilityGrant{Subject: "tool:*", Resource: "providers/*", Scope: ScopeRead}
	assert.True(t, g.Matches("tool:weather", "providers/openai"))
	assert.False(t, g.Matches("operator", "providers/openai"))
	assert.False(t, g.Matches("tool:weather", "OPENROUTER_KEY"))

	all := CapabilityGrant{Subject: "operator", Resource: "*", Scope: ScopeRotate}
	assert.True(t, all.Matches("operator", VaultResource))
	assert.True(t, all.Matches("operator", "OPENROUTER_KEY"))
	assert.False(t, all.Matches("operator", "providers/openai"))

	everything := CapabilityGrant{Subject: MatchAll, Resource: MatchAll, Scope: ScopeRead}
	assert.True(t, everything.Matches("tool:weather", "providers/openai"))
	assert.True(t, everything.Matches("operator", VaultResource))

	bad := CapabilityGrant{Subject: "[", Resource: "*"}
	assert.False(t, bad.Matches("[", "x"))

	// Entry globs that path.Match would let through never cover the vault.
	for _, pattern := range []string{"?", "*KEY*", "[*]", "*?"} {
		glob := CapabilityGrant{Subject: "tool:*", Resource: pattern, Scope: ScopeRotate}
		assert.False(t, glob.Matches("tool:agent", VaultResource), pattern)
	}
}

func TestValidateSubject(t *testing.T) {
	for _, ok := range []string{"operator", "tool:weather", "tööl", "agent 7"} {
		assert.NoError(t, ValidateSubject(ok), ok)
	}
	for _, bad := range []string{"", "tool:\xff", "a\x00b", "x\ny", "\x7f", "\u0085"} {
		assert.ErrorIs(t, ValidateSubject(bad), ErrInvalidSubject, "%q", bad)
	}
}

func TestCapabilityGrant_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	assert.False(t, CapabilityGrant{}.Expired(now))
	assert.True(t, CapabilityGrant{Expiry: &past}.Expired(now))
	assert.True(t, CapabilityGrant{Expiry: &now}.Expired(now))
	assert.False(t, CapabilityGrant{Expiry: &future}.Expired(now))
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope(" Rotate ")
	require.NoError(t, err)
	assert.Equal(t, ScopeRotate, s)

	_, err = ParseScope("admin")
	assert.Error(t, err)
}

func TestDigest_StrictHex(t *testing.T) {
	var d Digest
	d[0] = 0xab
	b, err := json.Marshal(d)
	require.NoError(t, err)

	var back Digest
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, d, back)

	upper := []byte(`"AB00000000000000000000000000000000000000000000000000000000000000"`)
	assert.Error(t, json.Unmarshal(upper, &back))
}

func TestErrorWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", &ChainBrokenError{Sequence: 7, Reason: "hash mismatch"})
	assert.True(t, errors.Is(err, ErrChainBroken))

	var cbe *ChainBrokenError
	require.True(t, errors.As(err, &cbe))
	assert.Equal(t, uint64(7), cbe.Sequence)

	verr := &VaultError{Op: "get", Name: "X", Err: ErrAuthenticationFailed}
	assert.ErrorIs(t, verr, ErrAuthenticationFailed)
	assert.Contains(t, verr.Error(), `"X"`)

	aerr := &AccessError{Subject: "s", Resource: "r", Scope: ScopeRead, Err: ErrAccessDenied}
	assert.ErrorIs(t, aerr, ErrAccessDenied)
}
