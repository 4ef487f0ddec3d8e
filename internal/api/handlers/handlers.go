// Package handlers implements the HTTP handlers for the fleet admin
// surface: credential submission and inspection, fleet status, pool
// status, audit, and the runtime model override.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/botfleet/botfleet/internal/store"
	"github.com/botfleet/botfleet/pkg/models"
)

// PoolStatus reports credential availability.
type PoolStatus interface {
	Available() int
}

// FleetStatus reports process supervision state.
type FleetStatus interface {
	Snapshot() []models.ProcessInfo
	AnyDead() bool
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Store store.Store
	Pool  PoolStatus
	Fleet FleetStatus
}

// New creates a Handlers instance.
func New(s store.Store, pool PoolStatus, fleet FleetStatus) *Handlers {
	return &Handlers{Store: s, Pool: pool, Fleet: fleet}
}

// ── Credential Handlers ──────────────────────────────────────

type addCredentialsRequest struct {
	// Values may be given as a list or as a single comma-separated
	// string in Keys; both forms are accepted.
	Values []string `json:"values"`
	Keys   string   `json:"keys"`
	Actor  string   `json:"actor"`
}

// AddCredentials ingests operator-submitted credentials. The raw values
// never appear in the response or the logs.
func (h *Handlers) AddCredentials(w http.ResponseWriter, r *http.Request) {
	var req addCredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	values := req.Values
	for _, part := range strings.Split(req.Keys, ",") {
		if v := strings.TrimSpace(part); v != "" {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		respondError(w, http.StatusBadRequest, "no credential values provided")
		return
	}

	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = "operator"
	}

	added, err := h.Store.AddCredentials(r.Context(), values, actor, "api")
	if err != nil {
		if errors.Is(err, store.ErrStoreUnavailable) {
			w.Header().Set("Retry-After", "5")
			respondError(w, http.StatusServiceUnavailable, "store unavailable, retry later")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().
		Str("actor", actor).
		Int("added", added).
		Int("skipped", len(values)-added).
		Msg("credentials submitted via API")

	respondJSON(w, http.StatusCreated, map[string]any{
		"added":   added,
		"skipped": len(values) - added,
		"actor":   actor,
	})
}

// ListCredentials returns credential metadata. Values are excluded by
// the model's JSON tags; only fingerprints identify entries.
func (h *Handlers) ListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := h.Store.ListCredentials(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if creds == nil {
		creds = []models.Credential{}
	}
	respondJSON(w, http.StatusOK, creds)
}

// ── Pool / Fleet Handlers ────────────────────────────────────

func (h *Handlers) GetPool(w http.ResponseWriter, r *http.Request) {
	creds, err := h.Store.ListCredentials(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}

	byStatus := map[models.CredentialStatus]int{}
	for _, c := range creds {
		byStatus[c.Status]++
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"available": h.Pool.Available(),
		"total":     len(creds),
		"by_status": byStatus,
	})
}

func (h *Handlers) GetFleet(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"identities": h.Fleet.Snapshot(),
		"any_dead":   h.Fleet.AnyDead(),
	})
}

// ── Audit Handlers ───────────────────────────────────────────

func (h *Handlers) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := h.Store.ListAudit(r.Context(), limit)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// ── Model Override Handlers ──────────────────────────────────

type modelOverrideRequest struct {
	Model string `json:"model"`
	Actor string `json:"actor"`
}

func (h *Handlers) GetModelOverride(w http.ResponseWriter, r *http.Request) {
	override, err := h.Store.ModelOverride(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"model": override})
}

func (h *Handlers) SetModelOverride(w http.ResponseWriter, r *http.Request) {
	var req modelOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		respondError(w, http.StatusBadRequest, "model cannot be empty")
		return
	}

	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = "operator"
	}
	if err := h.Store.SetModelOverride(r.Context(), model, actor); err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("model", model).Str("actor", actor).Msg("runtime model override set")
	respondJSON(w, http.StatusOK, map[string]string{"model": model})
}

func (h *Handlers) ClearModelOverride(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.ClearModelOverride(r.Context(), "operator"); err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Msg("runtime model override cleared")
	w.WriteHeader(http.StatusNoContent)
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrStoreUnavailable) {
		w.Header().Set("Retry-After", "5")
		respondError(w, http.StatusServiceUnavailable, "store unavailable, retry later")
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
