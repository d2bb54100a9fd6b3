package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/argus-run/argus-vault/attestation"
	"github.com/argus-run/argus-vault/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCLI runs the app in-process against home with the file keychain and
// returns stdout and the exit code main would use.
func runCLI(t *testing.T, home, stdin string, args ...string) (string, int) {
	t.Helper()
	app := newApp()
	var out bytes.Buffer
	app.Reader = strings.NewReader(stdin)
	app.Writer = &out
	app.ErrWriter = io.Discard

	argv := append([]string{"argus-vault", "--home", home, "--keychain", "file"}, args...)
	err := app.RunContext(context.Background(), argv)
	return out.String(), exitCode(err)
}

func TestCLI_SetGetVerify(t *testing.T) {
	home := t.TempDir()

	out, code := runCLI(t, home, "", "init")
	require.Equal(t, exitOK, code, out)
	assert.Contains(t, out, "initialized vault")

	_, code = runCLI(t, home, "sk-test-123\n", "vault", "set", "OPENROUTER_KEY")
	require.Equal(t, exitOK, code)

	out, code = runCLI(t, home, "", "vault", "get", "OPENROUTER_KEY")
	require.Equal(t, exitOK, code)
	assert.Equal(t, "sk-test-123\n", out)

	out, code = runCLI(t, home, "", "vault", "list")
	require.Equal(t, exitOK, code)
	assert.Equal(t, "OPENROUTER_KEY\n", out)

	out, code = runCLI(t, home, "", "log", "verify")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "ok: 4 records")

	out, code = runCLI(t, home, "", "log", "show")
	require.Equal(t, exitOK, code)
	for _, op := range []string{"VaultInitialized", "VaultWrite", "VaultRead", "GrantApproved"} {
		assert.Contains(t, out, op)
	}
	assert.NotContains(t, out, "sk-test-123")

	// The vault file never holds the plaintext.
	raw, err := os.ReadFile(filepath.Join(home, "vault.bin"))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, []byte("sk-test-123")))
}

func TestCLI_ReadOnlySubjectCannotRotate(t *testing.T) {
	home := t.TempDir()
	_, code := runCLI(t, home, "", "init")
	require.Equal(t, exitOK, code)

	policy := `
grants:
  - subject: operator
    resource: "**"
    scopes: [read, write, rotate, delete]
  - subject: "tool:weather"
    resource: "**"
    scopes: [read]
`
	require.NoError(t, os.WriteFile(filepath.Join(home, "policy.yaml"), []byte(policy), 0o600))

	_, code = runCLI(t, home, "", "--subject", "tool:weather", "vault", "rotate")
	assert.Equal(t, exitAccessDenied, code)

	_, code = runCLI(t, home, "v\n", "--subject", "tool:weather", "vault", "set", "X")
	assert.Equal(t, exitAccessDenied, code)

	out, code := runCLI(t, home, "", "log", "show", "--json")
	require.Equal(t, exitOK, code)
	assert.Equal(t, 2, strings.Count(out, `"op":"GrantDenied"`))

	_, code = runCLI(t, home, "", "log", "verify")
	assert.Equal(t, exitOK, code)
}

func TestCLI_TamperedLogExitsChainBroken(t *testing.T) {
	home := t.TempDir()
	_, code := runCLI(t, home, "", "init")
	require.Equal(t, exitOK, code)
	_, code = runCLI(t, home, "v1", "vault", "set", "A")
	require.Equal(t, exitOK, code)
	_, code = runCLI(t, home, "v2", "vault", "set", "B")
	require.Equal(t, exitOK, code)

	path := filepath.Join(home, attestation.DefaultFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte(`"resource":"A"`), []byte(`"resource":"C"`), 1)
	require.NotEqual(t, data, tampered)
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	_, code = runCLI(t, home, "", "log", "verify")
	assert.Equal(t, exitChainBroken, code)

	// Writes are refused while the chain is broken; reads still work.
	_, code = runCLI(t, home, "v3", "vault", "set", "B")
	assert.Equal(t, exitChainBroken, code)
	out, code := runCLI(t, home, "", "vault", "get", "B")
	require.Equal(t, exitOK, code)
	assert.Equal(t, "v2\n", out)
}

func TestCLI_RotateAndArchive(t *testing.T) {
	home := t.TempDir()
	archive := t.TempDir()
	_, code := runCLI(t, home, "", "init")
	require.Equal(t, exitOK, code)
	_, code = runCLI(t, home, "value", "vault", "set", "K")
	require.Equal(t, exitOK, code)

	out, code := runCLI(t, home, "", "vault", "rotate")
	require.Equal(t, exitOK, code)
	assert.Equal(t, "master key generation 2\n", out)

	out, code = runCLI(t, home, "", "vault", "get", "K")
	require.Equal(t, exitOK, code)
	assert.Equal(t, "value\n", out)

	out, code = runCLI(t, home, "", "log", "archive", "--to", "file://"+archive)
	require.Equal(t, exitOK, code)
	id, err := interfaces.ParseContentID(strings.TrimSpace(out))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(archive, "attestation", id.String()))
	assert.NoError(t, err)

	out, code = runCLI(t, home, "", "log", "verify")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "ok: 1 records")

	_, code = runCLI(t, home, "", "vault", "backup", "--to", "file://"+archive)
	assert.Equal(t, exitOK, code)
}

func TestCLI_RecoveryShares(t *testing.T) {
	home := t.TempDir()
	_, code := runCLI(t, home, "", "init")
	require.Equal(t, exitOK, code)
	_, code = runCLI(t, home, "value", "vault", "set", "K")
	require.Equal(t, exitOK, code)

	out, code := runCLI(t, home, "", "keys", "export-recovery", "--parts", "3", "--threshold", "2")
	require.Equal(t, exitOK, code)
	shares := strings.Fields(out)
	require.Len(t, shares, 3)

	// Lose the keychain.
	require.NoError(t, os.RemoveAll(filepath.Join(home, "keychain")))
	_, code = runCLI(t, home, "", "vault", "get", "K")
	assert.Equal(t, exitFailure, code)

	_, code = runCLI(t, home, "", "keys", "recover", "--share", shares[0], "--share", shares[2])
	require.Equal(t, exitOK, code)

	out, code = runCLI(t, home, "", "vault", "get", "K")
	require.Equal(t, exitOK, code)
	assert.Equal(t, "value\n", out)
}

func TestCLI_NotInitialized(t *testing.T) {
	_, code := runCLI(t, t.TempDir(), "", "vault", "list")
	assert.Equal(t, exitFailure, code)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitFailure, exitCode(errors.New("boom")))
	assert.Equal(t, exitAccessDenied, exitCode(&interfaces.AccessError{Err: interfaces.ErrAccessDenied}))
	assert.Equal(t, exitChainBroken, exitCode(fmt.Errorf("verify: %w", &interfaces.ChainBrokenError{Sequence: 2})))
	assert.Equal(t, exitChainBroken, exitCode(interfaces.ErrVaultHalted))
}

func TestReadValue(t *testing.T) {
	v, err := readValue(strings.NewReader("secret\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), v)

	v, err = readValue(strings.NewReader("multi\nline\n\n"))
	require.NoError(t, err)
	assert.Equal(t, []byte("multi\nline\n"), v)
}

func TestCLI_MissingLogExitsChainBroken(t *testing.T) {
	home := t.TempDir()
	_, code := runCLI(t, home, "", "init")
	require.Equal(t, exitOK, code)
	_, code = runCLI(t, home, "v1", "vault", "set", "A")
	require.Equal(t, exitOK, code)

	path := filepath.Join(home, attestation.DefaultFileName)
	require.NoError(t, os.Remove(path))

	_, code = runCLI(t, home, "", "vault", "get", "A")
	assert.Equal(t, exitChainBroken, code)
	out, code := runCLI(t, home, "", "log", "verify")
	assert.Equal(t, exitChainBroken, code)
	assert.NotContains(t, out, "ok:")

	// Nothing recreated the log behind the operator's back.
	_, err := os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCLI_TruncatedLogExitsChainBroken(t *testing.T) {
	home := t.TempDir()
	_, code := runCLI(t, home, "", "init")
	require.Equal(t, exitOK, code)
	_, code = runCLI(t, home, "v1", "vault", "set", "A")
	require.Equal(t, exitOK, code)
	_, code = runCLI(t, home, "v2", "vault", "set", "B")
	require.Equal(t, exitOK, code)

	path := filepath.Join(home, attestation.DefaultFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.SplitAfter(data, []byte{'\n'})
	require.NoError(t, os.WriteFile(path, bytes.Join(lines[:len(lines)-2], nil), 0o600))

	_, code = runCLI(t, home, "", "log", "verify")
	assert.Equal(t, exitChainBroken, code)
	_, code = runCLI(t, home, "v3", "vault", "set", "C")
	assert.Equal(t, exitChainBroken, code)
}

func TestCLI_TamperedVaultIsAttested(t *testing.T) {
	home := t.TempDir()
	_, code := runCLI(t, home, "", "init")
	require.Equal(t, exitOK, code)
	_, code = runCLI(t, home, "sk-test-123", "vault", "set", "A")
	require.Equal(t, exitOK, code)

	path := filepath.Join(home, "vault.bin")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-40] ^= 0x01
	require.NoError(t, os.WriteFile(path, data, 0o600))

	out, code := runCLI(t, home, "", "--subject", "tool:weather", "vault", "get", "A")
	assert.NotEqual(t, exitOK, code)
	assert.Empty(t, out)

	out, code = runCLI(t, home, "", "log", "show", "--json")
	require.Equal(t, exitOK, code)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := lines[len(lines)-1]
	assert.Contains(t, last, `"outcome":"tamper"`)
	assert.Contains(t, last, `"resource":"*"`)
	assert.Contains(t, last, `"subject":"tool:weather"`)

	_, code = runCLI(t, home, "", "log", "verify")
	assert.Equal(t, exitOK, code)
}
