package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mikage/codex-pool/internal/account"
	"github.com/mikage/codex-pool/internal/store"
)

const oauthSessionTTL = 10 * time.Minute

// handleOAuthURL opens a browser enrollment: it mints a PKCE pair, parks it
// under the state value, and hands the authorization URL to the dashboard.
func (s *Server) handleOAuthURL(w http.ResponseWriter, r *http.Request) {
	verifier, challenge, err := account.GeneratePKCE()
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	state := account.GenerateState()

	sess := store.OAuthSession{
		State:       state,
		Verifier:    verifier,
		RedirectURI: s.cfg.OAuthRedirectURI,
	}
	if err := s.store.SetOAuthSession(r.Context(), state, sess, oauthSessionTTL); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to store oauth session")
		return
	}

	slog.Info("oauth enrollment started", "state", state)
	writeJSON(w, http.StatusOK, map[string]any{
		"state":      state,
		"auth_url":   s.oauth.AuthorizationURL(state, challenge),
		"expires_in": int(oauthSessionTTL.Seconds()),
	})
}

// handleOAuthExchange finishes a browser enrollment. The code may be pasted
// as the bare authorization code or as the whole callback URL.
func (s *Server) handleOAuthExchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	req.Code = account.ExtractCode(req.Code)
	if req.State == "" || req.Code == "" {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "state and code are required")
		return
	}

	sess, err := s.store.TakeOAuthSession(r.Context(), req.State)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid or expired state")
		return
	}

	tokens, err := s.oauth.ExchangeCode(r.Context(), req.Code, sess.Verifier, sess.RedirectURI)
	if err != nil {
		slog.Error("code exchange failed", "error", err)
		writeOAuthError(w, err)
		return
	}

	s.finishEnrollment(w, r, tokens)
}

// handleDeviceStart requests a device code and parks the session under the
// device auth id for the poll endpoint.
func (s *Server) handleDeviceStart(w http.ResponseWriter, r *http.Request) {
	dc, err := s.oauth.RequestDeviceCode(r.Context())
	if err != nil {
		slog.Error("device code request failed", "error", err)
		writeOAuthError(w, err)
		return
	}

	sess := store.DeviceSession{
		DeviceAuthID:    dc.DeviceAuthID,
		UserCode:        dc.UserCode,
		VerificationURL: dc.VerificationURL,
		IntervalSeconds: dc.IntervalSeconds,
	}
	ttl := time.Duration(dc.ExpiresIn) * time.Second
	if err := s.store.SetDeviceSession(r.Context(), dc.DeviceAuthID, sess, ttl); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to store device session")
		return
	}

	slog.Info("device enrollment started", "deviceAuthId", dc.DeviceAuthID)
	writeJSON(w, http.StatusOK, map[string]any{
		"device_auth_id":   dc.DeviceAuthID,
		"user_code":        dc.UserCode,
		"verification_url": dc.VerificationURL,
		"interval_seconds": dc.IntervalSeconds,
		"expires_in":       dc.ExpiresIn,
	})
}

// handleDevicePoll runs one poll step. Pending polls re-arm the session so a
// slow human approval does not expire it locally; the upstream remains the
// authority on the device code's lifetime.
func (s *Server) handleDevicePoll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceAuthID string `json:"device_auth_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	sess, err := s.store.GetDeviceSession(r.Context(), req.DeviceAuthID)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid or expired device session")
		return
	}

	tokens, err := s.oauth.ExchangeDeviceToken(r.Context(), sess.DeviceAuthID, sess.UserCode)
	if err != nil {
		_ = s.store.DeleteDeviceSession(r.Context(), req.DeviceAuthID)
		slog.Error("device token exchange failed", "deviceAuthId", req.DeviceAuthID, "error", err)
		writeOAuthError(w, err)
		return
	}
	if tokens == nil {
		_ = s.store.BumpDeviceInterval(r.Context(), req.DeviceAuthID, sess.IntervalSeconds)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":           "pending",
			"interval_seconds": sess.IntervalSeconds,
		})
		return
	}

	_ = s.store.DeleteDeviceSession(r.Context(), req.DeviceAuthID)
	s.finishEnrollment(w, r, tokens)
}

func (s *Server) handleEnrollSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListEnrollSessions(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// finishEnrollment folds exchanged tokens into the pool and reports the
// resulting account.
func (s *Server) finishEnrollment(w http.ResponseWriter, r *http.Request, tokens *account.Tokens) {
	acct, created, err := s.accounts.Enroll(r.Context(), tokens)
	if err != nil {
		slog.Error("enrollment failed", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to store account")
		return
	}
	if err := s.balancer.Sync(r.Context()); err != nil {
		slog.Error("balancer sync after enrollment", "accountId", acct.ID, "error", err)
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"status":    "complete",
		"id":        acct.ID,
		"email":     acct.Email,
		"plan_type": acct.PlanType,
		"created":   created,
	})
}

// writeOAuthError maps an identity-service failure onto the admin error
// shape, keeping the structured code when there is one.
func writeOAuthError(w http.ResponseWriter, err error) {
	var oerr *account.OAuthError
	if errors.As(err, &oerr) {
		writeAdminError(w, http.StatusBadGateway, oerr.Code, oerr.Message)
		return
	}
	writeAdminError(w, http.StatusBadGateway, "oauth_error", err.Error())
}
