package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/argus-run/argus-vault/access"
	"github.com/argus-run/argus-vault/interfaces"
	"github.com/go-chi/chi/v5"
)

const (
	// SubjectHeader carries the caller identity. The sandbox runtime sets
	// it; the broker only listens on loopback.
	SubjectHeader = "X-Argus-Subject"

	// maxBodySize is the maximum allowed secret value size (1MB).
	maxBodySize = 1024 * 1024
)

// Handler exposes the access controller over HTTP.
type Handler struct {
	ctrl *access.Controller
	log  *slog.Logger
}

func NewHandler(ctrl *access.Controller, log *slog.Logger) *Handler {
	return &Handler{
		ctrl: ctrl,
		log:  log,
	}
}

// statusFor maps controller errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, interfaces.ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrAuthenticationFailed):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrVaultHalted), errors.Is(err, interfaces.ErrChainBroken):
		return http.StatusServiceUnavailable
	case errors.Is(err, interfaces.ErrInvalidName), errors.Is(err, interfaces.ErrInvalidScope),
		errors.Is(err, interfaces.ErrInvalidSubject):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed", "err", err, slog.String("path", r.URL.Path))
	} else {
		h.log.Debug("Request refused", "err", err, slog.Int("status", status))
	}
	// Error details stay in the log; a denied caller learns nothing else.
	http.Error(w, http.StatusText(status), status)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func subject(w http.ResponseWriter, r *http.Request) (string, bool) {
	s := r.Header.Get(SubjectHeader)
	if s == "" {
		http.Error(w, "Missing "+SubjectHeader+" header", http.StatusBadRequest)
		return "", false
	}
	if interfaces.ValidateSubject(s) != nil {
		http.Error(w, "Invalid "+SubjectHeader+" header", http.StatusBadRequest)
		return "", false
	}
	return s, true
}

// HandleList returns the entry names the caller may read.
//
// URL format: GET /api/v1/secrets
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	s, ok := subject(w, r)
	if !ok {
		return
	}
	names, err := h.ctrl.List(r.Context(), s)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	h.writeJSON(w, map[string]any{"names": names})
}

// HandleGet returns the raw secret value.
//
// URL format: GET /api/v1/secrets/{name}
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	s, ok := subject(w, r)
	if !ok {
		return
	}
	value, err := h.ctrl.Read(r.Context(), s, chi.URLParam(r, "*"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(value)
}

// HandlePut stores the request body as the secret value.
//
// URL format: PUT /api/v1/secrets/{name}
func (h *Handler) HandlePut(w http.ResponseWriter, r *http.Request) {
	s, ok := subject(w, r)
	if !ok {
		return
	}
	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusRequestEntityTooLarge)
		return
	}
	if err := h.ctrl.Write(r.Context(), s, chi.URLParam(r, "*"), value); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDelete removes a secret.
//
// URL format: DELETE /api/v1/secrets/{name}
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	s, ok := subject(w, r)
	if !ok {
		return
	}
	if err := h.ctrl.Delete(r.Context(), s, chi.URLParam(r, "*")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRotate rotates the master key.
//
// URL format: POST /api/v1/vault/rotate
func (h *Handler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	s, ok := subject(w, r)
	if !ok {
		return
	}
	generation, err := h.ctrl.RotateKey(r.Context(), s)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, map[string]any{"generation": generation})
}

// HandleVerify replays the attestation chain.
//
// URL format: GET /api/v1/attestation/verify
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.VerifyLog(); err != nil {
		var cbe *interfaces.ChainBrokenError
		if errors.As(err, &cbe) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			h.writeJSON(w, map[string]any{"status": "broken", "sequence": cbe.Sequence, "reason": cbe.Reason})
			return
		}
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, map[string]any{"status": "ok"})
}
