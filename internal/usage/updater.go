package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/mikage/codex-pool/internal/account"
	"github.com/mikage/codex-pool/internal/balancer"
	"github.com/mikage/codex-pool/internal/config"
	"github.com/mikage/codex-pool/internal/events"
	"github.com/mikage/codex-pool/internal/store"
)

// Updater samples usage for every account on an interval. Each sample
// writes history rows and feeds the balancer, so window saturation parks an
// account before the upstream has to reject anything.
type Updater struct {
	store    store.Store
	fetcher  *Fetcher
	accounts *account.Manager
	crypto   *account.Crypto
	balancer *balancer.Balancer
	bus      *events.Bus
	enabled  bool
	interval time.Duration
}

func NewUpdater(s store.Store, fetcher *Fetcher, accounts *account.Manager, crypto *account.Crypto, bal *balancer.Balancer, bus *events.Bus, cfg *config.Config) *Updater {
	return &Updater{
		store:    s,
		fetcher:  fetcher,
		accounts: accounts,
		crypto:   crypto,
		balancer: bal,
		bus:      bus,
		enabled:  cfg.UsageRefreshEnabled,
		interval: cfg.UsageRefreshInterval,
	}
}

// Run samples on the configured interval until ctx is canceled. The first
// pass runs immediately so a fresh deployment has data without waiting a
// full interval.
func (u *Updater) Run(ctx context.Context) {
	if !u.enabled {
		slog.Info("usage sampling disabled")
		return
	}

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	u.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.sample(ctx)
		}
	}
}

func (u *Updater) sample(ctx context.Context) {
	accounts, err := u.store.ListAccounts(ctx)
	if err != nil {
		slog.Error("list accounts for usage sampling", "error", err)
		return
	}
	latest, err := u.store.LatestUsage(ctx, store.WindowPrimary)
	if err != nil {
		slog.Error("load latest usage rows", "error", err)
		return
	}
	u.RefreshAccounts(ctx, accounts, latest)
}

// RefreshAccounts samples every account that is due. Deactivated accounts
// and accounts with a sample younger than the interval are skipped; one
// account's failure never aborts the rest.
func (u *Updater) RefreshAccounts(ctx context.Context, accounts []*store.Account, latest map[string]*store.UsageRow) {
	if !u.enabled {
		return
	}

	now := time.Now()
	for _, acct := range accounts {
		if acct.Status == store.StatusDeactivated {
			continue
		}
		if row := latest[acct.ID]; row != nil && now.Sub(row.RecordedAt) < u.interval {
			continue
		}
		if err := u.refreshAccount(ctx, acct); err != nil {
			slog.Warn("usage refresh failed", "accountId", acct.ID, "error", err)
		}
	}
}

func (u *Updater) refreshAccount(ctx context.Context, acct *store.Account) error {
	accessToken, err := u.crypto.Decrypt(acct.AccessTokenEnc)
	if err != nil {
		return fmt.Errorf("decrypt access token: %w", err)
	}

	payload, err := u.fetcher.Fetch(ctx, acct, accessToken)
	if err != nil {
		// A stale access token earns one forced refresh and one retry.
		var ferr *FetchError
		if !errors.As(err, &ferr) || ferr.Status != http.StatusUnauthorized {
			return err
		}
		acct, err = u.accounts.EnsureFresh(ctx, acct, true)
		if err != nil {
			return fmt.Errorf("refresh after 401: %w", err)
		}
		accessToken, err = u.crypto.Decrypt(acct.AccessTokenEnc)
		if err != nil {
			return fmt.Errorf("decrypt access token: %w", err)
		}
		payload, err = u.fetcher.Fetch(ctx, acct, accessToken)
		if err != nil {
			return err
		}
	}

	return u.record(ctx, acct, payload)
}

func (u *Updater) record(ctx context.Context, acct *store.Account, payload *Payload) error {
	now := time.Now().UTC()
	var sample balancer.UsageSample

	if w := payload.Primary; w != nil && w.UsedPercent != nil {
		row := &store.UsageRow{
			AccountID:     acct.ID,
			Window:        store.WindowPrimary,
			UsedPercent:   *w.UsedPercent,
			ResetAt:       w.ResetAt,
			WindowMinutes: windowMinutes(w.LimitWindowSeconds),
			RecordedAt:    now,
		}
		if c := payload.Credits; c != nil {
			row.CreditsHas = c.Has
			row.CreditsUnlimited = c.Unlimited
			row.CreditsBalance = c.Balance
		}
		if err := u.store.AddUsage(ctx, row); err != nil {
			return fmt.Errorf("record primary usage: %w", err)
		}
		sample.PrimaryUsed = w.UsedPercent
		sample.PrimaryReset = w.ResetAt
		sample.PrimaryWindowMinutes = row.WindowMinutes
	}

	if w := payload.Secondary; w != nil && w.UsedPercent != nil {
		row := &store.UsageRow{
			AccountID:     acct.ID,
			Window:        store.WindowSecondary,
			UsedPercent:   *w.UsedPercent,
			ResetAt:       w.ResetAt,
			WindowMinutes: windowMinutes(w.LimitWindowSeconds),
			RecordedAt:    now,
		}
		if err := u.store.AddUsage(ctx, row); err != nil {
			return fmt.Errorf("record secondary usage: %w", err)
		}
		sample.SecondaryUsed = w.UsedPercent
		sample.SecondaryReset = w.ResetAt
	}

	if sample.PrimaryUsed == nil && sample.SecondaryUsed == nil {
		return nil
	}
	u.balancer.ApplyUsage(acct.ID, sample)
	u.bus.Emit(events.EventUsage, acct.ID, usageMessage(sample))
	return nil
}

func usageMessage(sample balancer.UsageSample) string {
	switch {
	case sample.PrimaryUsed != nil && sample.SecondaryUsed != nil:
		return fmt.Sprintf("usage sampled: primary %.1f%%, secondary %.1f%%", *sample.PrimaryUsed, *sample.SecondaryUsed)
	case sample.PrimaryUsed != nil:
		return fmt.Sprintf("usage sampled: primary %.1f%%", *sample.PrimaryUsed)
	default:
		return fmt.Sprintf("usage sampled: secondary %.1f%%", *sample.SecondaryUsed)
	}
}

// windowMinutes converts a window length to whole minutes, clamped to a
// minimum of one.
func windowMinutes(limitSeconds *int64) *int64 {
	if limitSeconds == nil || *limitSeconds <= 0 {
		return nil
	}
	minutes := int64(math.Ceil(float64(*limitSeconds) / 60))
	if minutes < 1 {
		minutes = 1
	}
	return &minutes
}
