package store

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Account operations
// ---------------------------------------------------------------------------

const accountCols = `id, email, plan_type, access_token_enc, refresh_token_enc, id_token_enc,
	workspace_id, proxy_url, status, deactivation_reason, last_refresh_at, created_at`

func scanAccount(scanner interface{ Scan(...any) error }) (*Account, error) {
	var (
		a           Account
		lastRefresh sql.NullInt64
		createdAt   int64
	)
	err := scanner.Scan(
		&a.ID, &a.Email, &a.PlanType, &a.AccessTokenEnc, &a.RefreshTokenEnc, &a.IDTokenEnc,
		&a.WorkspaceID, &a.ProxyURL, &a.Status, &a.DeactivationReason, &lastRefresh, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	if lastRefresh.Valid && lastRefresh.Int64 > 0 {
		t := time.Unix(lastRefresh.Int64, 0).UTC()
		a.LastRefreshAt = &t
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &a, nil
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, a *Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	var lastRefresh any
	if a.LastRefreshAt != nil {
		lastRefresh = a.LastRefreshAt.UTC().Unix()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO accounts
		(id, email, plan_type, access_token_enc, refresh_token_enc, id_token_enc,
		 workspace_id, proxy_url, status, deactivation_reason, last_refresh_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Email, a.PlanType, a.AccessTokenEnc, a.RefreshTokenEnc, a.IDTokenEnc,
		a.WorkspaceID, a.ProxyURL, a.Status, a.DeactivationReason, lastRefresh, a.CreatedAt.Unix(),
	)
	return err
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+accountCols+" FROM accounts WHERE id = ?", id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+accountCols+" FROM accounts ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]*Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	return err
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id, status, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET status = ?, deactivation_reason = ? WHERE id = ?",
		status, reason, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateProxyURL sets or clears the account's egress proxy.
func (s *SQLiteStore) UpdateProxyURL(ctx context.Context, id, proxyURL string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET proxy_url = ? WHERE id = ?", proxyURL, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateTokens stores a freshly refreshed token triple. planType and email
// are optional; empty values leave the stored column untouched.
func (s *SQLiteStore) UpdateTokens(ctx context.Context, id, accessEnc, refreshEnc, idTokenEnc string, lastRefresh time.Time, planType, email string) (bool, error) {
	sets := []string{"access_token_enc = ?", "refresh_token_enc = ?", "id_token_enc = ?", "last_refresh_at = ?"}
	vals := []any{accessEnc, refreshEnc, idTokenEnc, lastRefresh.UTC().Unix()}
	if planType != "" {
		sets = append(sets, "plan_type = ?")
		vals = append(vals, planType)
	}
	if email != "" {
		sets = append(sets, "email = ?")
		vals = append(vals, email)
	}
	vals = append(vals, id)

	res, err := s.db.ExecContext(ctx, "UPDATE accounts SET "+strings.Join(sets, ", ")+" WHERE id = ?", vals...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
