package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.db")
	s, err := New(path, true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestAccountLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	acct := &Account{
		ID:              "a",
		Email:           "a@example.com",
		PlanType:        "plus",
		AccessTokenEnc:  "enc-at",
		RefreshTokenEnc: "enc-rt",
		IDTokenEnc:      "enc-idt",
		WorkspaceID:     "ws-a",
	}
	if err := s.CreateAccount(ctx, acct); err != nil {
		t.Fatalf("create: %v", err)
	}
	if acct.Status != StatusActive {
		t.Fatalf("expected default status ACTIVE, got %q", acct.Status)
	}
	if acct.CreatedAt.IsZero() {
		t.Fatalf("expected created_at defaulted")
	}

	got, err := s.GetAccount(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatalf("expected account back")
	}
	if got.Email != "a@example.com" || got.WorkspaceID != "ws-a" || got.AccessTokenEnc != "enc-at" {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if got.LastRefreshAt != nil {
		t.Fatalf("expected no refresh timestamp yet")
	}

	missing, err := s.GetAccount(ctx, "nope")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("missing account must be nil, got %+v", missing)
	}

	if err := s.DeleteAccount(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := s.GetAccount(ctx, "a"); got != nil {
		t.Fatalf("expected account gone after delete")
	}
}

func TestListAccountsOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for _, row := range []struct {
		id     string
		offset time.Duration
	}{
		{"c", 2 * time.Second},
		{"a", 0},
		{"b", time.Second},
	} {
		err := s.CreateAccount(ctx, &Account{
			ID: row.id, Email: row.id + "@example.com",
			AccessTokenEnc: "x", RefreshTokenEnc: "x",
			CreatedAt: base.Add(row.offset),
		})
		if err != nil {
			t.Fatalf("create %s: %v", row.id, err)
		}
	}

	list, err := s.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 accounts, got %d", len(list))
	}
	for i, want := range []string{"a", "b", "c"} {
		if list[i].ID != want {
			t.Fatalf("expected enrollment order a,b,c, got %s at %d", list[i].ID, i)
		}
	}
}

func TestUpdateStatus(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateAccount(ctx, &Account{ID: "a", AccessTokenEnc: "x", RefreshTokenEnc: "x"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	found, err := s.UpdateStatus(ctx, "a", StatusDeactivated, "invalid_grant")
	if err != nil || !found {
		t.Fatalf("update status: found=%v err=%v", found, err)
	}
	got, _ := s.GetAccount(ctx, "a")
	if got.Status != StatusDeactivated || got.DeactivationReason != "invalid_grant" {
		t.Fatalf("unexpected state: %s %q", got.Status, got.DeactivationReason)
	}

	// Reactivation clears the reason.
	if _, err := s.UpdateStatus(ctx, "a", StatusActive, ""); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	got, _ = s.GetAccount(ctx, "a")
	if got.Status != StatusActive || got.DeactivationReason != "" {
		t.Fatalf("expected clean ACTIVE, got %s %q", got.Status, got.DeactivationReason)
	}

	found, err = s.UpdateStatus(ctx, "missing", StatusPaused, "")
	if err != nil {
		t.Fatalf("update missing: %v", err)
	}
	if found {
		t.Fatalf("expected not found for unknown id")
	}
}

func TestUpdateTokensPartialProfile(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	err := s.CreateAccount(ctx, &Account{
		ID: "a", Email: "old@example.com", PlanType: "plus",
		AccessTokenEnc: "at-0", RefreshTokenEnc: "rt-0", IDTokenEnc: "idt-0",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	found, err := s.UpdateTokens(ctx, "a", "at-1", "rt-1", "idt-1", now, "pro", "new@example.com")
	if err != nil || !found {
		t.Fatalf("update tokens: found=%v err=%v", found, err)
	}
	got, _ := s.GetAccount(ctx, "a")
	if got.AccessTokenEnc != "at-1" || got.PlanType != "pro" || got.Email != "new@example.com" {
		t.Fatalf("full update mismatch: %+v", got)
	}
	if got.LastRefreshAt == nil || !got.LastRefreshAt.Equal(now) {
		t.Fatalf("expected refresh timestamp %v, got %v", now, got.LastRefreshAt)
	}

	// Empty plan and email leave the stored profile untouched.
	if _, err := s.UpdateTokens(ctx, "a", "at-2", "rt-2", "idt-2", now.Add(time.Minute), "", ""); err != nil {
		t.Fatalf("partial update: %v", err)
	}
	got, _ = s.GetAccount(ctx, "a")
	if got.AccessTokenEnc != "at-2" {
		t.Fatalf("expected rotated token, got %q", got.AccessTokenEnc)
	}
	if got.PlanType != "pro" || got.Email != "new@example.com" {
		t.Fatalf("profile must survive empty updates: %+v", got)
	}

	found, err = s.UpdateTokens(ctx, "missing", "x", "x", "x", now, "", "")
	if err != nil || found {
		t.Fatalf("expected not found for unknown id, got found=%v err=%v", found, err)
	}
}

func TestUpdateProxyURL(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateAccount(ctx, &Account{ID: "a", AccessTokenEnc: "x", RefreshTokenEnc: "x"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	found, err := s.UpdateProxyURL(ctx, "a", "socks5://127.0.0.1:1080")
	if err != nil || !found {
		t.Fatalf("set proxy: found=%v err=%v", found, err)
	}
	got, _ := s.GetAccount(ctx, "a")
	if got.ProxyURL != "socks5://127.0.0.1:1080" {
		t.Fatalf("expected proxy stored, got %q", got.ProxyURL)
	}

	if _, err := s.UpdateProxyURL(ctx, "a", ""); err != nil {
		t.Fatalf("clear proxy: %v", err)
	}
	got, _ = s.GetAccount(ctx, "a")
	if got.ProxyURL != "" {
		t.Fatalf("expected proxy cleared, got %q", got.ProxyURL)
	}

	found, err = s.UpdateProxyURL(ctx, "missing", "http://p")
	if err != nil || found {
		t.Fatalf("expected not found, got found=%v err=%v", found, err)
	}
}

func TestOAuthSessionSingleUse(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sess := OAuthSession{State: "st-1", Verifier: "ver", RedirectURI: "http://localhost:1455/auth/callback"}
	if err := s.SetOAuthSession(ctx, "st-1", sess, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := s.TakeOAuthSession(ctx, "st-1")
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if got.Verifier != "ver" {
		t.Fatalf("unexpected session: %+v", got)
	}

	if _, err := s.TakeOAuthSession(ctx, "st-1"); err == nil {
		t.Fatalf("second take must fail")
	}

	// Expired sessions are invisible immediately.
	if err := s.SetOAuthSession(ctx, "st-2", sess, -time.Second); err != nil {
		t.Fatalf("set expired: %v", err)
	}
	if _, err := s.TakeOAuthSession(ctx, "st-2"); err == nil {
		t.Fatalf("expired session must not be takeable")
	}
}

func TestDeviceSessionInterval(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sess := DeviceSession{DeviceAuthID: "dev-1", UserCode: "ABCD-1234", IntervalSeconds: 5}
	if err := s.SetDeviceSession(ctx, "dev-1", sess, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	// The interval only ever rises.
	if err := s.BumpDeviceInterval(ctx, "dev-1", 3); err != nil {
		t.Fatalf("bump down: %v", err)
	}
	got, err := s.GetDeviceSession(ctx, "dev-1")
	if err != nil || got.IntervalSeconds != 5 {
		t.Fatalf("interval must not lower: %+v err=%v", got, err)
	}
	if err := s.BumpDeviceInterval(ctx, "dev-1", 10); err != nil {
		t.Fatalf("bump up: %v", err)
	}
	got, _ = s.GetDeviceSession(ctx, "dev-1")
	if got.IntervalSeconds != 10 {
		t.Fatalf("expected raised interval, got %d", got.IntervalSeconds)
	}

	if err := s.BumpDeviceInterval(ctx, "missing", 5); err == nil {
		t.Fatalf("bump on unknown session must fail")
	}

	if err := s.DeleteDeviceSession(ctx, "dev-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetDeviceSession(ctx, "dev-1"); err == nil {
		t.Fatalf("deleted session must be gone")
	}
}

func TestListEnrollSessions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.SetOAuthSession(ctx, "st-1", OAuthSession{State: "st-1"}, time.Minute)
	s.SetDeviceSession(ctx, "dev-1", DeviceSession{DeviceAuthID: "dev-1"}, time.Minute)
	s.SetDeviceSession(ctx, "dev-old", DeviceSession{DeviceAuthID: "dev-old"}, -time.Second)

	sessions, err := s.ListEnrollSessions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	kinds := make(map[string]string, len(sessions))
	for _, info := range sessions {
		kinds[info.Key] = info.Kind
		if !info.ExpiresAt.After(time.Now()) {
			t.Fatalf("listed session already expired: %+v", info)
		}
	}
	if len(sessions) != 2 || kinds["st-1"] != "oauth" || kinds["dev-1"] != "device" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestReopenNormalizesPlanTypes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.db")
	s, err := New(path, true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()

	rows := []struct{ id, plan, want string }{
		{"a", "PRO", "pro"},
		{"b", "", "plus"},
		{"c", "sdgoldenticket", "sdgoldenticket"},
	}
	for _, row := range rows {
		err := s.CreateAccount(ctx, &Account{
			ID: row.id, PlanType: row.plan,
			AccessTokenEnc: "x", RefreshTokenEnc: "x",
		})
		if err != nil {
			t.Fatalf("create %s: %v", row.id, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = New(path, true)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	for _, row := range rows {
		got, err := s.GetAccount(ctx, row.id)
		if err != nil || got == nil {
			t.Fatalf("get %s: %v", row.id, err)
		}
		if got.PlanType != row.want {
			t.Fatalf("plan %s: expected %q, got %q", row.id, row.want, got.PlanType)
		}
	}
}
