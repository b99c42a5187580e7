package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mikage/codex-pool/internal/store"
)

func f64(v float64) *float64 { return &v }
func i64p(v int64) *int64    { return &v }
func boolp(v bool) *bool     { return &v }

func TestPoolPlan(t *testing.T) {
	mk := func(plans ...string) []*store.Account {
		accounts := make([]*store.Account, len(plans))
		for i, p := range plans {
			accounts[i] = &store.Account{ID: string(rune('a' + i)), PlanType: p}
		}
		return accounts
	}

	cases := []struct {
		name  string
		plans []string
		want  string
	}{
		{"empty pool", nil, "guest"},
		{"single plan", []string{"plus"}, "plus"},
		{"uppercase normalized", []string{"PRO"}, "pro"},
		{"mixed picks strongest", []string{"plus", "pro"}, "pro"},
		{"enterprise beats all", []string{"free", "enterprise", "plus"}, "enterprise"},
		{"education over free", []string{"education", "free"}, "education"},
		{"unknown plans fall out", []string{"mystery"}, "guest"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := PoolPlan(mk(tc.plans...)); got != tc.want {
				t.Fatalf("PoolPlan(%v) = %q, want %q", tc.plans, got, tc.want)
			}
		})
	}
}

func TestAggregateCredits(t *testing.T) {
	t.Run("no credit data", func(t *testing.T) {
		rows := []*store.UsageRow{{AccountID: "a"}, {AccountID: "b"}}
		if _, _, _, ok := AggregateCredits(rows); ok {
			t.Fatalf("rows without credit fields must not report credits")
		}
	})

	t.Run("sums non-unlimited balances", func(t *testing.T) {
		rows := []*store.UsageRow{
			{AccountID: "a", CreditsHas: boolp(true), CreditsBalance: f64(10.5)},
			{AccountID: "b", CreditsHas: boolp(false), CreditsBalance: f64(2.25)},
			{AccountID: "c", CreditsUnlimited: boolp(true), CreditsBalance: f64(99)},
		}
		has, unlimited, balance, ok := AggregateCredits(rows)
		if !ok || !has || !unlimited {
			t.Fatalf("unexpected aggregate: has=%v unlimited=%v ok=%v", has, unlimited, ok)
		}
		if balance != 12.75 {
			t.Fatalf("unlimited balances must not count, got %v", balance)
		}
	})

	t.Run("unlimited implies has", func(t *testing.T) {
		rows := []*store.UsageRow{{AccountID: "a", CreditsUnlimited: boolp(true)}}
		has, unlimited, _, ok := AggregateCredits(rows)
		if !ok || !has || !unlimited {
			t.Fatalf("unlimited row must imply credits, got has=%v unlimited=%v", has, unlimited)
		}
	})
}

func TestDefaultWindowMinutes(t *testing.T) {
	if got := DefaultWindowMinutes(store.WindowPrimary); got != 300 {
		t.Fatalf("primary default = %d, want 300", got)
	}
	if got := DefaultWindowMinutes(store.WindowSecondary); got != 10080 {
		t.Fatalf("secondary default = %d, want 10080", got)
	}
}

func TestSummarize(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "pool.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	for _, a := range []*store.Account{
		{ID: "a", PlanType: "plus", Status: store.StatusActive},
		{ID: "b", PlanType: "pro", Status: store.StatusActive},
		{ID: "c", PlanType: "enterprise", Status: store.StatusPaused},
	} {
		if err := s.CreateAccount(ctx, a); err != nil {
			t.Fatalf("create account: %v", err)
		}
	}

	now := time.Now().UTC()
	reset := now.Add(10 * time.Minute).Unix()
	rows := []*store.UsageRow{
		{AccountID: "a", Window: store.WindowPrimary, UsedPercent: 80, ResetAt: &reset,
			WindowMinutes: i64p(300), CreditsHas: boolp(true), CreditsBalance: f64(10.5), RecordedAt: now},
		{AccountID: "b", Window: store.WindowPrimary, UsedPercent: 40, RecordedAt: now},
		{AccountID: "a", Window: store.WindowSecondary, UsedPercent: 20, ResetAt: &reset, RecordedAt: now},
		// Paused account rows stay out of the pool snapshot.
		{AccountID: "c", Window: store.WindowPrimary, UsedPercent: 100, ResetAt: &reset,
			CreditsHas: boolp(true), CreditsBalance: f64(500), RecordedAt: now},
	}
	for _, row := range rows {
		if err := s.AddUsage(ctx, row); err != nil {
			t.Fatalf("add usage: %v", err)
		}
	}

	summary, err := Summarize(ctx, s, 24)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}

	if summary.PlanType != "pro" {
		t.Fatalf("expected strongest active plan, got %q", summary.PlanType)
	}
	if len(summary.Accounts) != 3 {
		t.Fatalf("expected aggregates for all sampled accounts, got %d", len(summary.Accounts))
	}

	if summary.Primary == nil {
		t.Fatalf("expected primary snapshot")
	}
	if summary.Primary.UsedPercent != 60 {
		t.Fatalf("expected averaged primary percent 60, got %d", summary.Primary.UsedPercent)
	}
	if summary.Primary.LimitWindowSeconds != 18000 {
		t.Fatalf("expected 300-minute primary window, got %d", summary.Primary.LimitWindowSeconds)
	}
	if summary.Primary.ResetAt != reset {
		t.Fatalf("expected latest reset %d, got %d", reset, summary.Primary.ResetAt)
	}

	if summary.Secondary == nil {
		t.Fatalf("expected secondary snapshot")
	}
	if summary.Secondary.LimitWindowSeconds != 10080*60 {
		t.Fatalf("expected secondary default window, got %d", summary.Secondary.LimitWindowSeconds)
	}

	if summary.Credits == nil || summary.Credits.Balance != "10.50" {
		t.Fatalf("expected active-pool credits 10.50, got %+v", summary.Credits)
	}
	if summary.LimitReached {
		t.Fatalf("pool is not saturated")
	}
}
