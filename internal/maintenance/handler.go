package maintenance

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/LABPAAD/site-paad-backend/internal/observability"
)

// Sweeper drops expired auth state (attempt counters, reset tokens,
// revoked sessions) and reports how many entries went away.
type Sweeper interface {
	Sweep() int
}

type CleanupResult struct {
	RemovedEntries int  `json:"removed_entries"`
	Skipped        bool `json:"skipped,omitempty"`
}

// CleanupHandler lets an external scheduler trigger the sweep. Stores that
// expire keys on their own (Redis) are reported as skipped.
type CleanupHandler struct {
	sweeper    Sweeper
	logger     *observability.Logger
	cronSecret string
}

func NewCleanupHandler(sweeper Sweeper, logger *observability.Logger, cronSecret string) *CleanupHandler {
	return &CleanupHandler{
		sweeper:    sweeper,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
	}
}

// Run performs one sweep. It is also what the in-process scheduler calls.
func (h *CleanupHandler) Run() CleanupResult {
	if h.sweeper == nil {
		return CleanupResult{Skipped: true}
	}

	removed := h.sweeper.Sweep()
	h.logger.Info("auth_state_sweep_completed", map[string]any{"removed_entries": removed})
	return CleanupResult{RemovedEntries: removed}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": h.Run(),
	})
}

func (h *CleanupHandler) authorized(r *http.Request) bool {
	scheme, secret, found := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(secret)), []byte(h.cronSecret)) == 1
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
