package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mikage/codex-pool/internal/balancer"
	"github.com/mikage/codex-pool/internal/events"
	"github.com/mikage/codex-pool/internal/store"
)

// accountView is the admin-facing projection of one account: the stored row
// merged with the balancer's runtime state. Tokens never leave the store.
type accountView struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	PlanType           string     `json:"plan_type"`
	Status             string     `json:"status"`
	UsedPercent        float64    `json:"used_percent"`
	ResetAt            *int64     `json:"reset_at,omitempty"`
	CooldownUntil      *time.Time `json:"cooldown_until,omitempty"`
	ErrorCount         int        `json:"error_count"`
	LastErrorAt        *time.Time `json:"last_error_at,omitempty"`
	DeactivationReason string     `json:"deactivation_reason,omitempty"`
	WorkspaceID        string     `json:"workspace_id,omitempty"`
	HasProxy           bool       `json:"has_proxy"`
	LastRefreshAt      *time.Time `json:"last_refresh_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

func viewOf(a *store.Account, snap balancer.Snapshot, tracked bool) accountView {
	v := accountView{
		ID:                 a.ID,
		Email:              a.Email,
		PlanType:           a.PlanType,
		Status:             a.Status,
		DeactivationReason: a.DeactivationReason,
		WorkspaceID:        a.WorkspaceID,
		HasProxy:           a.ProxyURL != "",
		LastRefreshAt:      a.LastRefreshAt,
		CreatedAt:          a.CreatedAt,
	}
	if tracked {
		v.Status = snap.Status
		v.UsedPercent = snap.UsedPercent
		v.ResetAt = snap.ResetAt
		v.CooldownUntil = snap.CooldownUntil
		v.ErrorCount = snap.ErrorCount
		v.LastErrorAt = snap.LastErrorAt
		if snap.DeactivationReason != "" {
			v.DeactivationReason = snap.DeactivationReason
		}
	}
	return v
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	states := s.balancer.States()
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		snap, ok := states[a.ID]
		views = append(views, viewOf(a, snap, ok))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct := s.loadAccount(w, r)
	if acct == nil {
		return
	}
	snap, ok := s.balancer.State(acct.ID)
	writeJSON(w, http.StatusOK, viewOf(acct, snap, ok))
}

func (s *Server) handlePauseAccount(w http.ResponseWriter, r *http.Request) {
	s.setAccountStatus(w, r, store.StatusPaused, events.EventPause, "paused by operator")
}

func (s *Server) handleResumeAccount(w http.ResponseWriter, r *http.Request) {
	s.setAccountStatus(w, r, store.StatusActive, events.EventResume, "resumed by operator")
}

func (s *Server) setAccountStatus(w http.ResponseWriter, r *http.Request, status string, event events.EventType, message string) {
	id := r.PathValue("id")
	found, err := s.store.UpdateStatus(r.Context(), id, status, "")
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if !found {
		writeAdminError(w, http.StatusNotFound, "not_found", "account not found")
		return
	}
	if err := s.balancer.Sync(r.Context()); err != nil {
		slog.Error("balancer sync after status change", "accountId", id, "error", err)
	}

	s.bus.Emit(event, id, message)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": status})
}

func (s *Server) handleRefreshAccount(w http.ResponseWriter, r *http.Request) {
	acct := s.loadAccount(w, r)
	if acct == nil {
		return
	}

	refreshed, err := s.accounts.Refresh(r.Context(), acct)
	if err != nil {
		writeAdminError(w, http.StatusBadGateway, "refresh_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":              refreshed.ID,
		"plan_type":       refreshed.PlanType,
		"last_refresh_at": refreshed.LastRefreshAt,
	})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	acct := s.loadAccount(w, r)
	if acct == nil {
		return
	}

	if err := s.store.DeleteAccount(r.Context(), acct.ID); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.balancer.Drop(acct.ID)
	s.transport.Drop(acct.ID)

	slog.Info("account deleted", "accountId", acct.ID, "email", acct.Email)
	s.bus.Emit(events.EventDelete, acct.ID, "account deleted: "+acct.Email)
	writeJSON(w, http.StatusOK, map[string]string{"id": acct.ID, "status": "deleted"})
}

// handleSetAccountProxy assigns or clears the account's egress proxy. The
// pooled transport is dropped so the next request dials through the new one.
func (s *Server) handleSetAccountProxy(w http.ResponseWriter, r *http.Request) {
	acct := s.loadAccount(w, r)
	if acct == nil {
		return
	}

	var req struct {
		ProxyURL string `json:"proxy_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.ProxyURL != "" {
		if _, err := url.Parse(req.ProxyURL); err != nil {
			writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid proxy url")
			return
		}
	}

	if _, err := s.store.UpdateProxyURL(r.Context(), acct.ID, req.ProxyURL); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.transport.Drop(acct.ID)

	writeJSON(w, http.StatusOK, map[string]any{"id": acct.ID, "has_proxy": req.ProxyURL != ""})
}

// loadAccount resolves the {id} path value, writing the error response
// itself; a nil return means the response is already sent.
func (s *Server) loadAccount(w http.ResponseWriter, r *http.Request) *store.Account {
	acct, err := s.store.GetAccount(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return nil
	}
	if acct == nil {
		writeAdminError(w, http.StatusNotFound, "not_found", "account not found")
		return nil
	}
	return acct
}
