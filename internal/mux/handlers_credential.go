package mux

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/aperture-ai/aperture-gateway/internal/vault"
	"github.com/aperture-ai/aperture-gateway/pkg/types"
)

var knownProviders = map[types.ProviderKey]bool{
	types.ProviderAnthropic:  true,
	types.ProviderOpenAI:     true,
	types.ProviderGoogle:     true,
	types.ProviderGroq:       true,
	types.ProviderOpenRouter: true,
}

type createCredentialRequest struct {
	Provider types.ProviderKey `json:"provider"`
	Label    string            `json:"label"`
	APIKey   string            `json:"apiKey"`
}

func (s *Server) vaultReady(w http.ResponseWriter) bool {
	if s.vault == nil || !s.vault.Enabled() {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "credential vault is not configured (no master key)")
		return false
	}
	return true
}

func (s *Server) createCredential(w http.ResponseWriter, r *http.Request) {
	if !s.vaultReady(w) {
		return
	}

	var req createCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if !knownProviders[req.Provider] {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "unknown provider")
		return
	}
	if req.APIKey == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "apiKey is required")
		return
	}

	id := ulid.Make().String()
	now := time.Now().UnixMilli()
	if err := s.vault.Put(id, req.Provider, req.Label, req.APIKey, now); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "storing credential failed")
		return
	}

	writeJSON(w, http.StatusCreated, types.Credential{
		ID:        id,
		Provider:  req.Provider,
		Label:     req.Label,
		CreatedAt: now,
	})
}

func (s *Server) listCredentials(w http.ResponseWriter, r *http.Request) {
	if !s.vaultReady(w) {
		return
	}
	creds := s.vault.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"credentials": creds,
		"total":       len(creds),
	})
}

func (s *Server) deleteCredential(w http.ResponseWriter, r *http.Request) {
	if !s.vaultReady(w) {
		return
	}
	id := chi.URLParam(r, "credentialID")
	if err := s.vault.Delete(id); err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "credential not found")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "deleting credential failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
