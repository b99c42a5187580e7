package balancer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mikage/codex-pool/internal/config"
	"github.com/mikage/codex-pool/internal/events"
	"github.com/mikage/codex-pool/internal/store"
)

// PermanentFailureReasons maps OAuth error codes that never succeed on retry
// to the reason recorded when the account is deactivated.
var PermanentFailureReasons = map[string]string{
	"refresh_token_expired": "Refresh token expired. Re-authenticate the account.",
	"refresh_token_invalid": "Refresh token rejected by the identity service.",
	"invalid_grant":         "OAuth grant is no longer valid.",
	"invalid_client":        "OAuth client rejected by the identity service.",
	"unauthorized_client":   "OAuth client is not authorized for this grant.",
	"access_denied":         "Access denied by the identity service.",
}

// AccountState is the balancer's runtime view of one account. All mutation
// happens under mu; readers outside the package get copies via Snapshot.
type AccountState struct {
	mu sync.Mutex

	ID          string
	Status      string
	UsedPercent float64

	// ResetAt is the upstream-declared end of the current rate window,
	// epoch seconds. CooldownUntil is a locally decided back-off deadline.
	ResetAt       *int64
	CooldownUntil *time.Time

	ErrorCount         int
	LastErrorAt        *time.Time
	DeactivationReason string
}

// Snapshot is a copy of one account's runtime state, safe to serialize.
type Snapshot struct {
	AccountID          string     `json:"account_id"`
	Status             string     `json:"status"`
	UsedPercent        float64    `json:"used_percent"`
	ResetAt            *int64     `json:"reset_at,omitempty"`
	CooldownUntil      *time.Time `json:"cooldown_until,omitempty"`
	ErrorCount         int        `json:"error_count"`
	LastErrorAt        *time.Time `json:"last_error_at,omitempty"`
	DeactivationReason string     `json:"deactivation_reason,omitempty"`
}

func (st *AccountState) snapshotLocked() Snapshot {
	return Snapshot{
		AccountID:          st.ID,
		Status:             st.Status,
		UsedPercent:        st.UsedPercent,
		ResetAt:            st.ResetAt,
		CooldownUntil:      st.CooldownUntil,
		ErrorCount:         st.ErrorCount,
		LastErrorAt:        st.LastErrorAt,
		DeactivationReason: st.DeactivationReason,
	}
}

// Hint carries the upstream error fields a transition acts on.
type Hint struct {
	Message  string
	ResetsAt *int64
}

// UsageSample is the slice of a usage payload the balancer folds into state.
type UsageSample struct {
	PrimaryUsed          *float64
	PrimaryReset         *int64
	PrimaryWindowMinutes *int64
	SecondaryUsed        *float64
	SecondaryReset       *int64
	RuntimeReset         *int64
}

// Selection is the outcome of one selection pass: either Account is set, or
// ErrorMessage tells the caller when to try again.
type Selection struct {
	Account      *Snapshot
	ErrorMessage string
}

// SelectOptions narrows a selection pass.
type SelectOptions struct {
	Now        time.Time // zero means time.Now()
	ExcludeIDs []string  // accounts already tried on this request
}

// Balancer owns per-account runtime state and picks an account per request.
type Balancer struct {
	mu     sync.RWMutex
	states map[string]*AccountState

	store store.Store
	bus   *events.Bus

	backoffBase time.Duration
	backoffCap  time.Duration
}

func New(s store.Store, bus *events.Bus, cfg *config.Config) *Balancer {
	return &Balancer{
		states:      make(map[string]*AccountState),
		store:       s,
		bus:         bus,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
	}
}

// Sync reconciles the runtime map with the accounts table: new accounts are
// seeded from their stored status and latest primary usage sample, deleted
// ones are dropped, and operator actions (pause, resume, reactivation) in the
// store override runtime status. Runs at startup and after admin mutations.
func (b *Balancer) Sync(ctx context.Context) error {
	accounts, err := b.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	latest, err := b.store.LatestUsage(ctx, store.WindowPrimary)
	if err != nil {
		return fmt.Errorf("latest usage: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]bool, len(accounts))
	for _, acct := range accounts {
		seen[acct.ID] = true

		st, ok := b.states[acct.ID]
		if !ok {
			st = &AccountState{
				ID:                 acct.ID,
				Status:             acct.Status,
				DeactivationReason: acct.DeactivationReason,
			}
			if row := latest[acct.ID]; row != nil {
				st.UsedPercent = row.UsedPercent
				st.ResetAt = row.ResetAt
			}
			b.states[acct.ID] = st
			continue
		}

		st.mu.Lock()
		switch acct.Status {
		case store.StatusPaused:
			st.Status = store.StatusPaused
		case store.StatusDeactivated:
			st.Status = store.StatusDeactivated
			st.DeactivationReason = acct.DeactivationReason
		default:
			// Stored ACTIVE while runtime says paused/deactivated means an
			// operator put the account back; clear the error streak with it.
			if st.Status == store.StatusPaused || st.Status == store.StatusDeactivated {
				st.Status = acct.Status
				st.DeactivationReason = ""
				st.CooldownUntil = nil
				st.LastErrorAt = nil
				st.ErrorCount = 0
			}
		}
		st.mu.Unlock()
	}

	for id := range b.states {
		if !seen[id] {
			delete(b.states, id)
		}
	}
	return nil
}

// Drop removes an account's runtime state after deletion.
func (b *Balancer) Drop(accountID string) {
	b.mu.Lock()
	delete(b.states, accountID)
	b.mu.Unlock()
}

// Select picks the least-used eligible account. Expired cooldowns and rate
// windows are cleared in passing.
func (b *Balancer) Select(opts SelectOptions) Selection {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	b.mu.RLock()
	states := make([]*AccountState, 0, len(b.states))
	for id, st := range b.states {
		if slices.Contains(opts.ExcludeIDs, id) {
			continue
		}
		states = append(states, st)
	}
	b.mu.RUnlock()

	sel, recovered := selectFrom(states, now)
	for _, id := range recovered {
		b.bus.Emit(events.EventRecover, id, "rate window elapsed, back in rotation")
	}
	if sel.Account != nil {
		slog.Debug("account selected",
			"accountId", sel.Account.AccountID,
			"usedPercent", sel.Account.UsedPercent,
			"errorCount", sel.Account.ErrorCount)
	}
	return sel
}

// selectFrom evaluates candidates at the given instant. It returns the
// selection plus the ids of accounts whose rate window elapsed during the
// pass.
func selectFrom(states []*AccountState, now time.Time) (Selection, []string) {
	type candidate struct {
		st   *AccountState
		snap Snapshot
	}

	var eligible []candidate
	var waits []time.Duration
	var recovered []string

	for _, st := range states {
		st.mu.Lock()

		if st.Status == store.StatusPaused || st.Status == store.StatusDeactivated {
			st.mu.Unlock()
			continue
		}

		// An expired cooldown ends the error streak.
		if st.CooldownUntil != nil && !st.CooldownUntil.After(now) {
			st.CooldownUntil = nil
			st.LastErrorAt = nil
			st.ErrorCount = 0
		}
		// An elapsed upstream window puts the account back in rotation; the
		// next usage sample refreshes used percent.
		if st.Status == store.StatusRateLimited && st.ResetAt != nil && *st.ResetAt <= now.Unix() {
			st.Status = store.StatusActive
			st.ResetAt = nil
			st.UsedPercent = 0
			recovered = append(recovered, st.ID)
		}

		var blocked time.Duration
		if st.CooldownUntil != nil {
			blocked = st.CooldownUntil.Sub(now)
		}
		if st.ResetAt != nil {
			if d := time.Unix(*st.ResetAt, 0).Sub(now); d > blocked {
				blocked = d
			}
		}

		if st.Status == store.StatusActive && blocked <= 0 {
			eligible = append(eligible, candidate{st: st, snap: st.snapshotLocked()})
		} else if blocked > 0 {
			waits = append(waits, blocked)
		}
		st.mu.Unlock()
	}

	if len(eligible) == 0 {
		return Selection{ErrorMessage: waitMessage(waits)}, recovered
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i].snap, eligible[j].snap
		if a.UsedPercent != b.UsedPercent {
			return a.UsedPercent < b.UsedPercent
		}
		if a.ErrorCount != b.ErrorCount {
			return a.ErrorCount < b.ErrorCount
		}
		return a.AccountID < b.AccountID
	})

	winner := eligible[0].snap
	return Selection{Account: &winner}, recovered
}

func waitMessage(waits []time.Duration) string {
	if len(waits) == 0 {
		return "No available accounts"
	}
	min := waits[0]
	for _, w := range waits[1:] {
		if w < min {
			min = w
		}
	}
	return fmt.Sprintf("No available accounts. Try again in %s", formatWait(min))
}

func formatWait(d time.Duration) string {
	secs := d.Seconds()
	if secs < 60 {
		return fmt.Sprintf("%.1fs", secs)
	}
	return fmt.Sprintf("%.0fs", secs)
}

// HandleRateLimit reacts to an upstream rate-limit response. The account is
// not demoted; it sits out a cooldown window instead. The wait comes from the
// retry-after hint in the error message when one is present, otherwise from
// the exponential backoff schedule.
func (b *Balancer) HandleRateLimit(accountID string, hint Hint) {
	st := b.lookup(accountID)
	if st == nil {
		return
	}
	wait := b.applyRateLimit(st, hint, time.Now())
	slog.Warn("account rate limited", "accountId", accountID, "cooldown", wait)
	b.bus.Emit(events.EventRateLimit, accountID,
		fmt.Sprintf("rate limited, cooling down for %s", formatWait(wait)))
}

func (b *Balancer) applyRateLimit(st *AccountState, hint Hint, now time.Time) time.Duration {
	st.mu.Lock()
	defer st.mu.Unlock()

	wait, ok := parseRetryAfter(hint.Message)
	if !ok {
		wait = backoffDelay(b.backoffBase, b.backoffCap, st.ErrorCount)
	}
	until := now.Add(wait)
	st.CooldownUntil = &until
	st.ErrorCount++
	st.LastErrorAt = &now
	return wait
}

// HandleQuotaExceeded parks the account until its quota window resets.
func (b *Balancer) HandleQuotaExceeded(accountID string, hint Hint) {
	st := b.lookup(accountID)
	if st == nil {
		return
	}

	st.mu.Lock()
	st.Status = store.StatusQuotaExceeded
	st.UsedPercent = 100
	if hint.ResetsAt != nil {
		st.ResetAt = hint.ResetsAt
	}
	st.mu.Unlock()

	slog.Warn("account quota exceeded", "accountId", accountID)
	b.bus.Emit(events.EventQuota, accountID, "quota exceeded")
}

// HandlePermanentFailure deactivates the account and persists the reason.
// Only an operator can bring a deactivated account back.
func (b *Balancer) HandlePermanentFailure(ctx context.Context, accountID, code string) {
	st := b.lookup(accountID)
	if st == nil {
		return
	}

	reason := PermanentFailureReasons[code]
	if reason == "" {
		reason = code
	}

	st.mu.Lock()
	st.Status = store.StatusDeactivated
	st.DeactivationReason = reason
	st.mu.Unlock()

	if _, err := b.store.UpdateStatus(ctx, accountID, store.StatusDeactivated, reason); err != nil {
		slog.Error("persist deactivation", "accountId", accountID, "error", err)
	}
	slog.Warn("account deactivated", "accountId", accountID, "code", code, "reason", reason)
	b.bus.Emit(events.EventDeactivate, accountID, reason)
}

// MarkTransientError records a retriable upstream failure (timeout, 5xx).
func (b *Balancer) MarkTransientError(accountID string) {
	st := b.lookup(accountID)
	if st == nil {
		return
	}
	now := time.Now()
	st.mu.Lock()
	st.ErrorCount++
	st.LastErrorAt = &now
	st.mu.Unlock()
}

// MarkSuccess clears the error streak after a completed proxied response.
func (b *Balancer) MarkSuccess(accountID string) {
	st := b.lookup(accountID)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.ErrorCount = 0
	st.LastErrorAt = nil
	st.mu.Unlock()
}

// ApplyUsage folds a fresh usage sample into the account state, so window
// saturation parks the account before the upstream ever has to reject it.
func (b *Balancer) ApplyUsage(accountID string, sample UsageSample) {
	st := b.lookup(accountID)
	if st == nil {
		return
	}

	st.mu.Lock()
	prev := st.Status
	if prev == store.StatusPaused || prev == store.StatusDeactivated {
		st.mu.Unlock()
		return
	}
	if sample.RuntimeReset == nil {
		sample.RuntimeReset = st.ResetAt
	}
	status, used, reset := ApplyUsageQuota(prev, sample, time.Now())
	st.Status = status
	st.UsedPercent = used
	st.ResetAt = reset
	st.mu.Unlock()

	switch {
	case status == store.StatusRateLimited && prev != store.StatusRateLimited:
		b.bus.Emit(events.EventRateLimit, accountID, "usage window saturated")
	case status == store.StatusActive && prev != store.StatusActive:
		b.bus.Emit(events.EventRecover, accountID, "usage back under limit")
	}
}

// ApplyUsageQuota folds one usage sample into an account status. Saturation
// of either window rate-limits the account until the best-known reset
// instant; a non-saturated sample puts it back in rotation. Paused and
// deactivated accounts pass through untouched.
func ApplyUsageQuota(status string, s UsageSample, now time.Time) (string, float64, *int64) {
	primary := 0.0
	if s.PrimaryUsed != nil {
		primary = *s.PrimaryUsed
	}
	secondary := 0.0
	if s.SecondaryUsed != nil {
		secondary = *s.SecondaryUsed
	}

	if status == store.StatusPaused || status == store.StatusDeactivated {
		return status, primary, nil
	}

	if primary >= 100 || secondary >= 100 {
		var reset *int64
		switch {
		case primary >= 100 && s.PrimaryReset != nil:
			reset = s.PrimaryReset
		case secondary >= 100 && s.SecondaryReset != nil:
			reset = s.SecondaryReset
		case s.RuntimeReset != nil:
			reset = s.RuntimeReset
		default:
			minutes := int64(300)
			if s.PrimaryWindowMinutes != nil && *s.PrimaryWindowMinutes > 0 {
				minutes = *s.PrimaryWindowMinutes
			}
			at := now.Unix() + minutes*60
			reset = &at
		}
		return store.StatusRateLimited, math.Min(100, math.Max(primary, secondary)), reset
	}
	return store.StatusActive, primary, nil
}

// State returns a copy of one account's runtime state.
func (b *Balancer) State(accountID string) (Snapshot, bool) {
	st := b.lookup(accountID)
	if st == nil {
		return Snapshot{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshotLocked(), true
}

// States returns a copy of the whole runtime map, keyed by account id.
func (b *Balancer) States() map[string]Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]Snapshot, len(b.states))
	for id, st := range b.states {
		st.mu.Lock()
		out[id] = st.snapshotLocked()
		st.mu.Unlock()
	}
	return out
}

func (b *Balancer) lookup(accountID string) *AccountState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.states[accountID]
}

var retryAfterRe = regexp.MustCompile(`(?i)try again in (\d+(?:\.\d+)?)\s*(s|m|h)?`)

// parseRetryAfter extracts a wait from messages like "Try again in 1.5s".
// A bare number means seconds.
func parseRetryAfter(message string) (time.Duration, bool) {
	m := retryAfterRe.FindStringSubmatch(message)
	if m == nil {
		return 0, false
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	switch strings.ToLower(m[2]) {
	case "m":
		value *= 60
	case "h":
		value *= 3600
	}
	return time.Duration(value * float64(time.Second)), true
}

func backoffDelay(base, ceiling time.Duration, errorCount int) time.Duration {
	secs := base.Seconds() * math.Pow(2, float64(errorCount))
	if secs >= ceiling.Seconds() {
		return ceiling
	}
	return time.Duration(secs * float64(time.Second))
}
