package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/mikage/codex-pool/internal/balancer"
	"github.com/mikage/codex-pool/internal/config"
	"github.com/mikage/codex-pool/internal/events"
	"github.com/mikage/codex-pool/internal/plans"
	"github.com/mikage/codex-pool/internal/store"
)

// Manager keeps access tokens fresh. Refresh failures that can never succeed
// again (revoked grants, expired refresh tokens) deactivate the account on
// the spot; transient failures bubble up unchanged.
type Manager struct {
	store  store.Store
	crypto *Crypto
	oauth  *OAuthClient
	bus    *events.Bus
	ttl    time.Duration

	group singleflight.Group
}

func NewManager(s store.Store, crypto *Crypto, oauth *OAuthClient, bus *events.Bus, cfg *config.Config) *Manager {
	return &Manager{
		store:  s,
		crypto: crypto,
		oauth:  oauth,
		bus:    bus,
		ttl:    cfg.TokenRefreshTTL,
	}
}

// ShouldRefresh reports whether a token last refreshed at the given instant
// is due. A nil instant means the account never refreshed.
func (m *Manager) ShouldRefresh(lastRefresh *time.Time) bool {
	if lastRefresh == nil {
		return true
	}
	return time.Since(*lastRefresh) > m.ttl
}

// EnsureFresh returns the account with a usable access token, refreshing
// first when the last refresh is stale or force is set.
func (m *Manager) EnsureFresh(ctx context.Context, acct *store.Account, force bool) (*store.Account, error) {
	if !force && !m.ShouldRefresh(acct.LastRefreshAt) {
		return acct, nil
	}
	return m.Refresh(ctx, acct)
}

// Refresh rotates the account's token triple. Concurrent callers share one
// in-flight refresh per account id.
func (m *Manager) Refresh(ctx context.Context, acct *store.Account) (*store.Account, error) {
	v, err, _ := m.group.Do(acct.ID, func() (any, error) {
		return m.refresh(ctx, acct)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.Account), nil
}

func (m *Manager) refresh(ctx context.Context, acct *store.Account) (*store.Account, error) {
	refreshToken, err := m.crypto.Decrypt(acct.RefreshTokenEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}

	result, err := m.oauth.Refresh(ctx, refreshToken)
	if err != nil {
		m.deactivateOnPermanent(ctx, acct, err)
		return nil, err
	}

	accessEnc, err := m.crypto.Encrypt(result.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	refreshEnc, err := m.crypto.Encrypt(result.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}
	idEnc, err := m.crypto.Encrypt(result.IDToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt id token: %w", err)
	}

	now := time.Now().UTC()
	acct.AccessTokenEnc = accessEnc
	acct.RefreshTokenEnc = refreshEnc
	acct.IDTokenEnc = idEnc
	acct.LastRefreshAt = &now

	if result.PlanType != "" {
		fallback := acct.PlanType
		if fallback == "" {
			fallback = plans.Default
		}
		acct.PlanType = plans.CoerceAccount(result.PlanType, fallback)
	} else if acct.PlanType == "" {
		acct.PlanType = plans.Default
	}
	if result.Email != "" {
		acct.Email = result.Email
	}

	if _, err := m.store.UpdateTokens(ctx, acct.ID, accessEnc, refreshEnc, idEnc, now, acct.PlanType, acct.Email); err != nil {
		return nil, fmt.Errorf("persist tokens: %w", err)
	}

	slog.Info("token refreshed", "accountId", acct.ID, "plan", acct.PlanType)
	m.bus.Emit(events.EventRefresh, acct.ID, "tokens refreshed")
	return acct, nil
}

// Enroll turns a freshly exchanged token triple into a pooled account.
// Identity claims from the id token fill in email, plan, and workspace. When
// the pool already holds an account for the same workspace (or email, if the
// token carries no workspace), its tokens are rotated and the account is
// reactivated instead of inserting a duplicate. The second return value
// reports whether a new account was created.
func (m *Manager) Enroll(ctx context.Context, tokens *Tokens) (*store.Account, bool, error) {
	accessEnc, err := m.crypto.Encrypt(tokens.AccessToken)
	if err != nil {
		return nil, false, fmt.Errorf("encrypt access token: %w", err)
	}
	refreshEnc, err := m.crypto.Encrypt(tokens.RefreshToken)
	if err != nil {
		return nil, false, fmt.Errorf("encrypt refresh token: %w", err)
	}
	idEnc, err := m.crypto.Encrypt(tokens.IDToken)
	if err != nil {
		return nil, false, fmt.Errorf("encrypt id token: %w", err)
	}

	var email, rawPlan, workspace string
	if info := ParseIDToken(tokens.IDToken); info != nil {
		email = info.Email
		rawPlan = info.PlanType
		workspace = info.WorkspaceID
	}
	if email == "" {
		email = "account-" + time.Now().UTC().Format("0102-1504")
	}

	now := time.Now().UTC()
	existing, err := m.findEnrolled(ctx, workspace, email)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		plan := plans.CoerceAccount(rawPlan, nonEmpty(existing.PlanType, plans.Default))
		if _, err := m.store.UpdateTokens(ctx, existing.ID, accessEnc, refreshEnc, idEnc, now, plan, email); err != nil {
			return nil, false, fmt.Errorf("persist tokens: %w", err)
		}
		if existing.Status != store.StatusActive {
			if _, err := m.store.UpdateStatus(ctx, existing.ID, store.StatusActive, ""); err != nil {
				return nil, false, fmt.Errorf("reactivate account: %w", err)
			}
			existing.Status = store.StatusActive
			existing.DeactivationReason = ""
		}
		existing.AccessTokenEnc = accessEnc
		existing.RefreshTokenEnc = refreshEnc
		existing.IDTokenEnc = idEnc
		existing.LastRefreshAt = &now
		existing.PlanType = plan
		existing.Email = email

		slog.Info("account re-enrolled", "accountId", existing.ID, "email", email)
		m.bus.Emit(events.EventEnroll, existing.ID, "account re-enrolled: "+email)
		return existing, false, nil
	}

	acct := &store.Account{
		ID:              uuid.New().String(),
		Email:           email,
		PlanType:        plans.CoerceAccount(rawPlan, plans.Default),
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		IDTokenEnc:      idEnc,
		WorkspaceID:     workspace,
		Status:          store.StatusActive,
		LastRefreshAt:   &now,
	}
	if err := m.store.CreateAccount(ctx, acct); err != nil {
		return nil, false, fmt.Errorf("create account: %w", err)
	}

	slog.Info("account enrolled", "accountId", acct.ID, "email", email, "plan", acct.PlanType)
	m.bus.Emit(events.EventEnroll, acct.ID, "account enrolled: "+email)
	return acct, true, nil
}

// findEnrolled scans for an account covering the same identity: workspace id
// when the token carries one, email otherwise.
func (m *Manager) findEnrolled(ctx context.Context, workspace, email string) (*store.Account, error) {
	accounts, err := m.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if workspace != "" {
			if a.WorkspaceID == workspace {
				return a, nil
			}
			continue
		}
		if a.Email == email {
			return a, nil
		}
	}
	return nil, nil
}

func nonEmpty(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

// deactivateOnPermanent persists a deactivation when the refresh failure is
// one the identity service will never accept again.
func (m *Manager) deactivateOnPermanent(ctx context.Context, acct *store.Account, err error) {
	var oerr *OAuthError
	if !errors.As(err, &oerr) {
		return
	}
	reason, permanent := balancer.PermanentFailureReasons[oerr.Code]
	if !permanent {
		return
	}
	if reason == "" {
		reason = oerr.Message
	}

	if _, uerr := m.store.UpdateStatus(ctx, acct.ID, store.StatusDeactivated, reason); uerr != nil {
		slog.Error("persist deactivation", "accountId", acct.ID, "error", uerr)
	}
	acct.Status = store.StatusDeactivated
	acct.DeactivationReason = reason

	slog.Warn("account deactivated on refresh failure",
		"accountId", acct.ID, "code", oerr.Code, "reason", reason)
	m.bus.Emit(events.EventDeactivate, acct.ID, reason)
}
