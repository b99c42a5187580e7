package store

import (
	"context"
	"database/sql"
	"time"
)

// ---------------------------------------------------------------------------
// Usage history operations
// ---------------------------------------------------------------------------

const usageCols = `id, account_id, window_label, used_percent, reset_at, window_minutes,
	input_tokens, output_tokens, credits_has, credits_unlimited, credits_balance, recorded_at`

// windowClause builds the window filter. Primary selection includes legacy
// rows with a NULL label.
func windowClause(window string) (string, []any) {
	if window == "" || window == WindowPrimary {
		return "(window_label = ? OR window_label IS NULL)", []any{WindowPrimary}
	}
	return "window_label = ?", []any{window}
}

func scanUsage(scanner interface{ Scan(...any) error }) (*UsageRow, error) {
	var (
		r          UsageRow
		label      sql.NullString
		resetAt    sql.NullInt64
		winMin     sql.NullInt64
		inTok      sql.NullInt64
		outTok     sql.NullInt64
		credHas    sql.NullInt64
		credUnlim  sql.NullInt64
		credBal    sql.NullFloat64
		recordedAt int64
	)
	err := scanner.Scan(
		&r.ID, &r.AccountID, &label, &r.UsedPercent, &resetAt, &winMin,
		&inTok, &outTok, &credHas, &credUnlim, &credBal, &recordedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Window = label.String
	if resetAt.Valid {
		v := resetAt.Int64
		r.ResetAt = &v
	}
	if winMin.Valid {
		v := winMin.Int64
		r.WindowMinutes = &v
	}
	if inTok.Valid {
		v := inTok.Int64
		r.InputTokens = &v
	}
	if outTok.Valid {
		v := outTok.Int64
		r.OutputTokens = &v
	}
	if credHas.Valid {
		v := credHas.Int64 != 0
		r.CreditsHas = &v
	}
	if credUnlim.Valid {
		v := credUnlim.Int64 != 0
		r.CreditsUnlimited = &v
	}
	if credBal.Valid {
		v := credBal.Float64
		r.CreditsBalance = &v
	}
	r.RecordedAt = time.Unix(recordedAt, 0).UTC()
	return &r, nil
}

func nullBoolInt(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func (s *SQLiteStore) AddUsage(ctx context.Context, row *UsageRow) error {
	if row.RecordedAt.IsZero() {
		row.RecordedAt = time.Now().UTC()
	}
	var label any
	if row.Window != "" {
		label = row.Window
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO usage_history
		(account_id, window_label, used_percent, reset_at, window_minutes,
		 input_tokens, output_tokens, credits_has, credits_unlimited, credits_balance, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.AccountID, label, row.UsedPercent, nullInt64(row.ResetAt), nullInt64(row.WindowMinutes),
		nullInt64(row.InputTokens), nullInt64(row.OutputTokens),
		nullBoolInt(row.CreditsHas), nullBoolInt(row.CreditsUnlimited), nullFloat(row.CreditsBalance),
		row.RecordedAt.Unix(),
	)
	return err
}

// LatestUsage returns the newest row per account for a window.
func (s *SQLiteStore) LatestUsage(ctx context.Context, window string) (map[string]*UsageRow, error) {
	cond, args := windowClause(window)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+usageCols+" FROM usage_history WHERE "+cond+" ORDER BY account_id, recorded_at DESC, id DESC",
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	latest := make(map[string]*UsageRow)
	for rows.Next() {
		r, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		if _, seen := latest[r.AccountID]; !seen {
			latest[r.AccountID] = r
		}
	}
	return latest, rows.Err()
}

func (s *SQLiteStore) LatestUsageForAccount(ctx context.Context, accountID, window string) (*UsageRow, error) {
	cond, args := windowClause(window)
	args = append(args, accountID)
	row := s.db.QueryRowContext(ctx,
		"SELECT "+usageCols+" FROM usage_history WHERE "+cond+" AND account_id = ? ORDER BY recorded_at DESC, id DESC LIMIT 1",
		args...)
	r, err := scanUsage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// AggregateUsageSince groups rows recorded at or after since by account.
// An empty window aggregates across all windows.
func (s *SQLiteStore) AggregateUsageSince(ctx context.Context, since time.Time, window string) ([]*UsageAggregate, error) {
	query := `SELECT account_id, AVG(used_percent), SUM(input_tokens), SUM(output_tokens),
		COUNT(id), MAX(recorded_at), MAX(reset_at), MAX(window_minutes)
		FROM usage_history WHERE recorded_at >= ?`
	args := []any{since.Unix()}
	if window != "" {
		cond, condArgs := windowClause(window)
		query += " AND " + cond
		args = append(args, condArgs...)
	}
	query += " GROUP BY account_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]*UsageAggregate, 0)
	for rows.Next() {
		var (
			agg      UsageAggregate
			avgUsed  sql.NullFloat64
			inSum    sql.NullInt64
			outSum   sql.NullInt64
			lastRec  sql.NullInt64
			maxReset sql.NullInt64
			maxWin   sql.NullInt64
		)
		if err := rows.Scan(&agg.AccountID, &avgUsed, &inSum, &outSum, &agg.Samples, &lastRec, &maxReset, &maxWin); err != nil {
			return nil, err
		}
		agg.AvgUsedPercent = avgUsed.Float64
		agg.InputTokens = inSum.Int64
		agg.OutputTokens = outSum.Int64
		agg.LastRecordedAt = lastRec.Int64
		if maxReset.Valid {
			v := maxReset.Int64
			agg.MaxResetAt = &v
		}
		if maxWin.Valid {
			v := maxWin.Int64
			agg.MaxWindowMinutes = &v
		}
		result = append(result, &agg)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) LatestWindowMinutes(ctx context.Context, window string) (int64, bool, error) {
	cond, args := windowClause(window)
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(window_minutes) FROM usage_history WHERE "+cond, args...).Scan(&v)
	if err != nil {
		return 0, false, err
	}
	return v.Int64, v.Valid, nil
}

// UsageHistorySince returns raw rows for the dashboard, newest first.
// An empty window returns every window.
func (s *SQLiteStore) UsageHistorySince(ctx context.Context, since time.Time, window string) ([]*UsageRow, error) {
	query := "SELECT " + usageCols + " FROM usage_history WHERE recorded_at >= ?"
	args := []any{since.Unix()}
	if window != "" {
		cond, condArgs := windowClause(window)
		query += " AND " + cond
		args = append(args, condArgs...)
	}
	query += " ORDER BY recorded_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]*UsageRow, 0)
	for rows.Next() {
		r, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
