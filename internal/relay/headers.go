package relay

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/mikage/codex-pool/internal/store"
	"github.com/mikage/codex-pool/internal/usage"
)

// attachUsageHeaders adds the informational x-codex-* headers from the
// serving account's latest usage rows. A window contributes its triplet only
// when both the used percent and the window length are known; credits
// headers come from the latest primary row.
func attachUsageHeaders(ctx context.Context, h http.Header, s store.Store, accountID string) {
	primary, err := s.LatestUsageForAccount(ctx, accountID, store.WindowPrimary)
	if err != nil {
		return
	}
	secondary, _ := s.LatestUsageForAccount(ctx, accountID, store.WindowSecondary)
	setWindowHeaders(h, "primary", primary)
	setWindowHeaders(h, "secondary", secondary)

	if primary == nil {
		return
	}
	hasCredits, unlimited, balance, ok := usage.AggregateCredits([]*store.UsageRow{primary})
	if !ok {
		return
	}
	h.Set("x-codex-credits-has-credits", strconv.FormatBool(hasCredits))
	h.Set("x-codex-credits-unlimited", strconv.FormatBool(unlimited))
	h.Set("x-codex-credits-balance", strconv.FormatFloat(balance, 'f', 2, 64))
}

func setWindowHeaders(h http.Header, label string, row *store.UsageRow) {
	if row == nil || row.WindowMinutes == nil {
		return
	}
	h.Set("x-codex-"+label+"-used-percent", formatPercent(row.UsedPercent))
	h.Set("x-codex-"+label+"-window-minutes", strconv.FormatInt(*row.WindowMinutes, 10))
	if row.ResetAt != nil {
		h.Set("x-codex-"+label+"-reset-at", strconv.FormatInt(*row.ResetAt, 10))
	}
}

// formatPercent keeps an explicit decimal part ("80.0", "62.5") so header
// consumers always see a float.
func formatPercent(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
