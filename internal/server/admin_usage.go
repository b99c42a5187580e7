package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mikage/codex-pool/internal/store"
	"github.com/mikage/codex-pool/internal/usage"
)

// usageRowView flattens a history row for the dashboard. Unlabeled legacy
// rows read as primary.
type usageRowView struct {
	AccountID     string  `json:"account_id"`
	Window        string  `json:"window"`
	UsedPercent   float64 `json:"used_percent"`
	ResetAt       *int64  `json:"reset_at,omitempty"`
	WindowMinutes *int64  `json:"window_minutes,omitempty"`
	InputTokens   *int64  `json:"input_tokens,omitempty"`
	OutputTokens  *int64  `json:"output_tokens,omitempty"`
	RecordedAt    int64   `json:"recorded_at"`
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	hours, ok := parseHours(w, r)
	if !ok {
		return
	}
	summary, err := usage.Summarize(r.Context(), s.store, hours)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleUsageHistory(w http.ResponseWriter, r *http.Request) {
	hours, ok := parseHours(w, r)
	if !ok {
		return
	}
	window := r.URL.Query().Get("window")
	if window != "" && window != store.WindowPrimary && window != store.WindowSecondary {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "window must be primary or secondary")
		return
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	rows, err := s.store.UsageHistorySince(r.Context(), since, window)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	entries := make([]usageRowView, 0, len(rows))
	for _, row := range rows {
		win := row.Window
		if win == "" {
			win = store.WindowPrimary
		}
		entries = append(entries, usageRowView{
			AccountID:     row.AccountID,
			Window:        win,
			UsedPercent:   row.UsedPercent,
			ResetAt:       row.ResetAt,
			WindowMinutes: row.WindowMinutes,
			InputTokens:   row.InputTokens,
			OutputTokens:  row.OutputTokens,
			RecordedAt:    row.RecordedAt.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hours":   hours,
		"entries": entries,
	})
}

func (s *Server) handleUsageWindow(w http.ResponseWriter, r *http.Request) {
	window := r.URL.Query().Get("window")
	if window == "" {
		window = store.WindowPrimary
	}
	if window != store.WindowPrimary && window != store.WindowSecondary {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "window must be primary or secondary")
		return
	}
	snap, err := usage.Window(r.Context(), s.store, window)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"window":   window,
		"snapshot": snap,
	})
}

// parseHours reads the trailing-window query param, defaulting to one day
// and clamping to a week. A response is already written when ok is false.
func parseHours(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("hours")
	if raw == "" {
		return 24, true
	}
	hours, err := strconv.Atoi(raw)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "hours must be an integer")
		return 0, false
	}
	if hours < 1 {
		hours = 1
	}
	if hours > 168 {
		hours = 168
	}
	return hours, true
}
