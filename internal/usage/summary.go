package usage

import (
	"context"
	"strconv"
	"time"

	"github.com/mikage/codex-pool/internal/plans"
	"github.com/mikage/codex-pool/internal/store"
)

// planPriority orders plan types from most to least capable; the pool
// reports the strongest plan among its active accounts.
var planPriority = [...]string{
	"enterprise",
	"business",
	"team",
	"pro",
	"plus",
	"education",
	"edu",
	"free_workspace",
	"free",
	"go",
	"guest",
	"quorum",
	"k12",
}

// Summary is the dashboard snapshot over a trailing period.
type Summary struct {
	Hours        int                     `json:"hours"`
	PlanType     string                  `json:"plan_type"`
	LimitReached bool                    `json:"limit_reached"`
	Accounts     []*store.UsageAggregate `json:"accounts"`
	Primary      *WindowSnapshot         `json:"primary_window,omitempty"`
	Secondary    *WindowSnapshot         `json:"secondary_window,omitempty"`
	Credits      *CreditsSummary         `json:"credits,omitempty"`
}

// WindowSnapshot is the pool-wide view of one rate-limit window.
type WindowSnapshot struct {
	UsedPercent        int   `json:"used_percent"`
	LimitWindowSeconds int64 `json:"limit_window_seconds"`
	ResetAfterSeconds  int64 `json:"reset_after_seconds"`
	ResetAt            int64 `json:"reset_at"`
}

// CreditsSummary aggregates credit standing across the pool.
type CreditsSummary struct {
	HasCredits bool   `json:"has_credits"`
	Unlimited  bool   `json:"unlimited"`
	Balance    string `json:"balance"`
}

// Summarize builds the dashboard summary for the trailing hours. Per-account
// aggregates cover the primary window; the snapshots fold the latest sample
// of every active account into a pool-wide view.
func Summarize(ctx context.Context, s store.Store, hours int) (*Summary, error) {
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	aggregates, err := s.AggregateUsageSince(ctx, since, store.WindowPrimary)
	if err != nil {
		return nil, err
	}
	accounts, err := s.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	latestPrimary, err := s.LatestUsage(ctx, store.WindowPrimary)
	if err != nil {
		return nil, err
	}
	latestSecondary, err := s.LatestUsage(ctx, store.WindowSecondary)
	if err != nil {
		return nil, err
	}

	active := activeAccounts(accounts)
	primaryRows := rowsFor(active, latestPrimary)
	secondaryRows := rowsFor(active, latestSecondary)
	now := time.Now().Unix()

	summary := &Summary{
		Hours:     hours,
		PlanType:  PoolPlan(active),
		Accounts:  aggregates,
		Primary:   snapshotWindow(primaryRows, store.WindowPrimary, now),
		Secondary: snapshotWindow(secondaryRows, store.WindowSecondary, now),
		Credits:   creditsSummary(primaryRows),
	}
	for _, snap := range []*WindowSnapshot{summary.Primary, summary.Secondary} {
		if snap != nil && snap.UsedPercent >= 100 {
			summary.LimitReached = true
		}
	}
	return summary, nil
}

// Window builds the pool-wide snapshot of a single rate-limit window from
// every active account's latest sample. Returns nil when no account has
// usable reset information for that window.
func Window(ctx context.Context, s store.Store, window string) (*WindowSnapshot, error) {
	accounts, err := s.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	latest, err := s.LatestUsage(ctx, window)
	if err != nil {
		return nil, err
	}
	rows := rowsFor(activeAccounts(accounts), latest)
	return snapshotWindow(rows, window, time.Now().Unix()), nil
}

func activeAccounts(accounts []*store.Account) []*store.Account {
	kept := make([]*store.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.Status == store.StatusDeactivated || a.Status == store.StatusPaused {
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

func rowsFor(accounts []*store.Account, latest map[string]*store.UsageRow) []*store.UsageRow {
	rows := make([]*store.UsageRow, 0, len(accounts))
	for _, a := range accounts {
		if row := latest[a.ID]; row != nil {
			rows = append(rows, row)
		}
	}
	return rows
}

// snapshotWindow folds the latest per-account rows into one pool view:
// average used percent, the longest known window, and the latest reset.
// Windows with no reset information yield no snapshot.
func snapshotWindow(rows []*store.UsageRow, window string, nowEpoch int64) *WindowSnapshot {
	if len(rows) == 0 {
		return nil
	}

	var usedSum float64
	var resetAt, minutes int64
	for _, row := range rows {
		usedSum += row.UsedPercent
		if row.ResetAt != nil && *row.ResetAt > resetAt {
			resetAt = *row.ResetAt
		}
		if row.WindowMinutes != nil && *row.WindowMinutes > minutes {
			minutes = *row.WindowMinutes
		}
	}
	if resetAt == 0 {
		return nil
	}
	if minutes == 0 {
		minutes = DefaultWindowMinutes(window)
	}

	used := usedSum / float64(len(rows))
	if used < 0 {
		used = 0
	}
	if used > 100 {
		used = 100
	}
	resetAfter := resetAt - nowEpoch
	if resetAfter < 0 {
		resetAfter = 0
	}
	return &WindowSnapshot{
		UsedPercent:        int(used),
		LimitWindowSeconds: minutes * 60,
		ResetAfterSeconds:  resetAfter,
		ResetAt:            resetAt,
	}
}

// DefaultWindowMinutes is the window length assumed when samples never
// carried one: five hours for the primary window, seven days for the
// secondary.
func DefaultWindowMinutes(window string) int64 {
	if window == store.WindowSecondary {
		return 10080
	}
	return 300
}

// AggregateCredits folds credit fields across usage rows. Unlimited rows
// contribute no balance. ok is false when no row carried credit data.
func AggregateCredits(rows []*store.UsageRow) (hasCredits, unlimited bool, balance float64, ok bool) {
	for _, row := range rows {
		if row.CreditsHas == nil && row.CreditsUnlimited == nil && row.CreditsBalance == nil {
			continue
		}
		ok = true
		if row.CreditsHas != nil && *row.CreditsHas {
			hasCredits = true
		}
		rowUnlimited := row.CreditsUnlimited != nil && *row.CreditsUnlimited
		if rowUnlimited {
			unlimited = true
		}
		if row.CreditsBalance != nil && !rowUnlimited {
			balance += *row.CreditsBalance
		}
	}
	if unlimited {
		hasCredits = true
	}
	return hasCredits, unlimited, balance, ok
}

func creditsSummary(rows []*store.UsageRow) *CreditsSummary {
	hasCredits, unlimited, balance, ok := AggregateCredits(rows)
	if !ok {
		return nil
	}
	return &CreditsSummary{
		HasCredits: hasCredits,
		Unlimited:  unlimited,
		Balance:    strconv.FormatFloat(balance, 'f', 2, 64),
	}
}

// PoolPlan picks the plan type the pool presents downstream: the single
// shared plan when all active accounts agree, otherwise the strongest plan
// present, and "guest" when nothing usable remains.
func PoolPlan(accounts []*store.Account) string {
	seen := make(map[string]struct{})
	var first string
	for _, a := range accounts {
		plan := plans.NormalizeRateLimit(a.PlanType)
		if plan == "" {
			continue
		}
		if first == "" {
			first = plan
		}
		seen[plan] = struct{}{}
	}
	if len(seen) == 0 {
		return "guest"
	}
	if len(seen) == 1 {
		return first
	}
	for _, plan := range planPriority {
		if _, ok := seen[plan]; ok {
			return plan
		}
	}
	return "guest"
}
