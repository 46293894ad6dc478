package status

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/jzubielik/omron-bridge/internal/audit"
	"github.com/jzubielik/omron-bridge/internal/ledger"
)

// Server holds the dependencies needed by the status handlers.
type Server struct {
	ledger    *ledger.Ledger
	auditPath string
	startTime time.Time
}

// NewServer creates a Server backed by led. auditPath may be empty, in
// which case /api/v1/audit always returns an empty list.
func NewServer(led *ledger.Ledger, auditPath string) *Server {
	return &Server{ledger: led, auditPath: auditPath, startTime: time.Now()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealthz responds to GET /healthz. No authentication required.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime_s": time.Since(s.startTime).Seconds(),
		"pending":  s.ledger.PendingCount(),
	})
}

func parseUserSlot(r *http.Request) (int, error) {
	slotStr := r.URL.Query().Get("user_slot")
	if slotStr == "" {
		return 0, nil
	}
	return strconv.Atoi(slotStr)
}

// handleHistory responds to GET /api/v1/history.
//
// Query parameters: user_slot (0 = all users), since, until (RFC3339,
// default to the last 30 days).
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	slot, err := parseUserSlot(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'user_slot' must be an integer")
		return
	}

	until := time.Now()
	since := until.AddDate(0, 0, -30)
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'since' must be RFC3339")
			return
		}
		since = parsed
	}
	if u := r.URL.Query().Get("until"); u != "" {
		parsed, err := time.Parse(time.RFC3339, u)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'until' must be RFC3339")
			return
		}
		until = parsed
	}

	records, err := s.ledger.History(r.Context(), slot, since, until)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query history")
		return
	}
	if records == nil {
		records = []ledger.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleStatistics responds to GET /api/v1/statistics.
//
// Query parameters: user_slot (required).
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	slot, err := parseUserSlot(r)
	if err != nil || slot == 0 {
		writeError(w, http.StatusBadRequest, "'user_slot' is required and must be an integer")
		return
	}

	stats, err := s.ledger.Statistics(r.Context(), slot)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute statistics")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleAudit responds to GET /api/v1/audit, returning the verified,
// tamper-evident audit chain in full. Returns HTTP 409 if the chain fails
// verification.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditPath == "" {
		writeJSON(w, http.StatusOK, []audit.Entry{})
		return
	}

	entries, err := audit.Verify(s.auditPath)
	if err != nil {
		writeError(w, http.StatusConflict, "audit chain verification failed: "+err.Error())
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
