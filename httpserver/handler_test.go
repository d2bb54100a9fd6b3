package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/argus-run/argus-vault/access"
	"github.com/argus-run/argus-vault/attestation"
	"github.com/argus-run/argus-vault/common"
	"github.com/argus-run/argus-vault/interfaces"
	"github.com/argus-run/argus-vault/keychain"
	"github.com/argus-run/argus-vault/kms"
	"github.com/argus-run/argus-vault/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPolicy = `
grants:
  - subject: operator
    resource: "**"
    scopes: [read, write, rotate, delete]
  - subject: "tool:*"
    resource: OPENROUTER_KEY
    scopes: [read]
`

func newTestServer(t *testing.T) (*Server, *attestation.Log) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	logger := common.DiscardLogger()

	session, err := kms.Create(ctx, kms.Config{Dir: dir, Keychain: keychain.NewMemoryKeychain(), Log: logger})
	require.NoError(t, err)
	t.Cleanup(session.Close)

	store, err := vault.Open(ctx, filepath.Join(dir, vault.DefaultFileName), session, logger)
	require.NoError(t, err)
	alog, err := attestation.Create(ctx, filepath.Join(dir, attestation.DefaultFileName), session, logger)
	require.NoError(t, err)
	t.Cleanup(func() { alog.Close() })

	policy, err := access.ParsePolicy([]byte(testPolicy))
	require.NoError(t, err)
	ctrl := access.NewController(store, alog, policy.Lookup, logger)

	srv, err := New(&HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      logger,
		GracefulShutdownDuration: time.Second,
	}, NewHandler(ctrl, logger))
	require.NoError(t, err)
	return srv, alog
}

func doRequest(t *testing.T, h http.Handler, method, path, subject, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if subject != "" {
		req.Header.Set(SubjectHeader, subject)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandler_SecretLifecycle(t *testing.T) {
	srv, alog := newTestServer(t)
	router := srv.getRouter()

	rr := doRequest(t, router, http.MethodPut, "/api/v1/secrets/OPENROUTER_KEY", "operator", "sk-test-123")
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = doRequest(t, router, http.MethodGet, "/api/v1/secrets/OPENROUTER_KEY", "tool:weather", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "sk-test-123", rr.Body.String())
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))

	rr = doRequest(t, router, http.MethodPut, "/api/v1/secrets/providers/openai", "operator", "sk-openai")
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = doRequest(t, router, http.MethodGet, "/api/v1/secrets", "operator", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Names []string `json:"names"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Equal(t, []string{"OPENROUTER_KEY", "providers/openai"}, list.Names)

	rr = doRequest(t, router, http.MethodDelete, "/api/v1/secrets/providers/openai", "operator", "")
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = doRequest(t, router, http.MethodGet, "/api/v1/secrets/providers/openai", "operator", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doRequest(t, router, http.MethodGet, "/api/v1/attestation/verify", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	assert.Len(t, alog.Records(), 6)
}

func TestHandler_Denied(t *testing.T) {
	srv, alog := newTestServer(t)
	router := srv.getRouter()

	rr := doRequest(t, router, http.MethodPost, "/api/v1/vault/rotate", "tool:weather", "")
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.NotContains(t, rr.Body.String(), "tool:weather")

	rr = doRequest(t, router, http.MethodGet, "/api/v1/secrets/OPENROUTER_KEY", "", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	records := alog.Records()
	require.Len(t, records, 1, "missing subject never reaches the controller")
	assert.Equal(t, interfaces.OpGrantDenied, records[0].Operation)
}

func TestHandler_InvalidSubject(t *testing.T) {
	srv, alog := newTestServer(t)
	router := srv.getRouter()

	rr := doRequest(t, router, http.MethodPut, "/api/v1/secrets/OPENROUTER_KEY", "operator", "sk-test-123")
	require.Equal(t, http.StatusNoContent, rr.Code)

	for _, subject := range []string{"tool:\xff", "tool:\x01weather"} {
		rr = doRequest(t, router, http.MethodGet, "/api/v1/secrets/OPENROUTER_KEY", subject, "")
		assert.Equal(t, http.StatusBadRequest, rr.Code, "subject %q", subject)
		assert.NotContains(t, rr.Body.String(), "sk-test-123")
	}

	assert.Len(t, alog.Records(), 1)
	rr = doRequest(t, router, http.MethodGet, "/api/v1/attestation/verify", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestHandler_Rotate(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.getRouter()

	rr := doRequest(t, router, http.MethodPut, "/api/v1/secrets/k", "operator", "v")
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = doRequest(t, router, http.MethodPost, "/api/v1/vault/rotate", "operator", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"generation":2}`, rr.Body.String())

	rr = doRequest(t, router, http.MethodGet, "/api/v1/secrets/k", "operator", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "v", rr.Body.String())
}

func TestServer_DrainUndrain(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.getRouter()

	rr := doRequest(t, router, http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, router, http.MethodGet, "/drain", "", "")
	assert.JSONEq(t, `{"status":"draining"}`, rr.Body.String())

	rr = doRequest(t, router, http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = doRequest(t, router, http.MethodGet, "/api/v1/secrets", "operator", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = doRequest(t, router, http.MethodGet, "/drain", "", "")
	assert.JSONEq(t, `{"status":"already draining"}`, rr.Body.String())

	rr = doRequest(t, router, http.MethodGet, "/undrain", "", "")
	assert.JSONEq(t, `{"status":"ready"}`, rr.Body.String())

	rr = doRequest(t, router, http.MethodGet, "/livez", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&interfaces.AccessError{Err: interfaces.ErrAccessDenied}, http.StatusForbidden},
		{&interfaces.VaultError{Op: "get", Err: interfaces.ErrEntryNotFound}, http.StatusNotFound},
		{&interfaces.VaultError{Op: "get", Err: interfaces.ErrAuthenticationFailed}, http.StatusConflict},
		{interfaces.ErrVaultHalted, http.StatusServiceUnavailable},
		{&interfaces.ChainBrokenError{Sequence: 3}, http.StatusServiceUnavailable},
		{interfaces.ValidateSubject("a\xff"), http.StatusBadRequest},
		{fmt.Errorf("plan: %w", interfaces.ErrInvalidScope), http.StatusBadRequest},
		{&interfaces.VaultError{Op: "put", Err: interfaces.ErrStorageIO}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestNew_LoopbackOnly(t *testing.T) {
	for _, addr := range []string{"127.0.0.1:7787", "[::1]:7787", "localhost:7787"} {
		assert.NoError(t, checkLoopback(addr), addr)
	}
	for _, addr := range []string{"0.0.0.0:7787", ":7787", "192.168.1.10:7787"} {
		assert.ErrorIs(t, checkLoopback(addr), ErrNotLoopback, addr)
	}
	assert.Error(t, checkLoopback("127.0.0.1"))

	_, err := New(&HTTPServerConfig{ListenAddr: "0.0.0.0:7787", Log: common.DiscardLogger()}, nil)
	assert.ErrorIs(t, err, ErrNotLoopback)
}

func TestServer_ServeStopsOnCancel(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.False(t, srv.isReady.Load())
}
