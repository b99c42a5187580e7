package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mikage/codex-pool/internal/plans"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore implements Store using SQLite for persistence and in-memory
// TTL maps for pending enrollment sessions.
type SQLiteStore struct {
	db             *sql.DB
	oauthSessions  *TTLMap[OAuthSession]
	deviceSessions *TTLMap[DeviceSession]
	cleanupCancel  context.CancelFunc
}

// New opens the database, initializes the schema, runs migrations, and
// starts the session cleanup sweep. When failFast is false a migration
// failure is returned wrapped so the caller may choose to continue.
func New(dbPath string, failFast bool) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SQLiteStore{
		db:             db,
		oauthSessions:  NewTTLMap[OAuthSession](),
		deviceSessions: NewTTLMap[DeviceSession](),
		cleanupCancel:  cancel,
	}

	if err := s.migrate(context.Background()); err != nil {
		if failFast {
			db.Close()
			cancel()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return s, &MigrationError{Err: err}
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.oauthSessions.Cleanup()
				s.deviceSessions.Cleanup()
			}
		}
	}()

	return s, nil
}

// MigrationError signals a non-fatal migration failure when fail-fast is off.
type MigrationError struct{ Err error }

func (e *MigrationError) Error() string { return "migrate: " + e.Err.Error() }
func (e *MigrationError) Unwrap() error { return e.Err }

// migrate adds columns that may not exist in older databases, then
// canonicalizes stored plan types.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []struct {
		table, column, ddl string
	}{
		{"accounts", "workspace_id", "ALTER TABLE accounts ADD COLUMN workspace_id TEXT NOT NULL DEFAULT ''"},
		{"accounts", "proxy_url", "ALTER TABLE accounts ADD COLUMN proxy_url TEXT NOT NULL DEFAULT ''"},
		{"accounts", "deactivation_reason", "ALTER TABLE accounts ADD COLUMN deactivation_reason TEXT NOT NULL DEFAULT ''"},
		{"usage_history", "credits_has", "ALTER TABLE usage_history ADD COLUMN credits_has INTEGER"},
		{"usage_history", "credits_unlimited", "ALTER TABLE usage_history ADD COLUMN credits_unlimited INTEGER"},
		{"usage_history", "credits_balance", "ALTER TABLE usage_history ADD COLUMN credits_balance REAL"},
	}
	for _, m := range migrations {
		if !s.columnExists(ctx, m.table, m.column) {
			if _, err := s.db.ExecContext(ctx, m.ddl); err != nil {
				return fmt.Errorf("add %s.%s: %w", m.table, m.column, err)
			}
		}
	}
	return s.normalizePlanTypes(ctx)
}

// normalizePlanTypes rewrites stored plan types through the canonicalizer.
// Canonical plans are lowercased, unknown non-empty plans are preserved,
// empty plans become the default.
func (s *SQLiteStore) normalizePlanTypes(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "SELECT id, plan_type FROM accounts")
	if err != nil {
		return fmt.Errorf("select plans: %w", err)
	}
	type change struct{ id, plan string }
	var changes []change
	for rows.Next() {
		var id, plan string
		if err := rows.Scan(&id, &plan); err != nil {
			rows.Close()
			return err
		}
		coerced := plans.CoerceAccount(plan, plans.Default)
		if coerced != plan {
			changes = append(changes, change{id: id, plan: coerced})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, c := range changes {
		if _, err := s.db.ExecContext(ctx, "UPDATE accounts SET plan_type = ? WHERE id = ?", c.plan, c.id); err != nil {
			return fmt.Errorf("normalize plan %s: %w", c.id, err)
		}
	}
	return nil
}

func (s *SQLiteStore) columnExists(ctx context.Context, table, column string) bool {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, typeName string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &typeName, &notNull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                   { s.cleanupCancel(); return s.db.Close() }

// ---------------------------------------------------------------------------
// Enrollment sessions (in-memory with TTL)
// ---------------------------------------------------------------------------

func (s *SQLiteStore) SetOAuthSession(_ context.Context, state string, sess OAuthSession, ttl time.Duration) error {
	s.oauthSessions.Set(state, sess, ttl)
	return nil
}

func (s *SQLiteStore) TakeOAuthSession(_ context.Context, state string) (OAuthSession, error) {
	sess, ok := s.oauthSessions.GetAndDelete(state)
	if !ok {
		return OAuthSession{}, fmt.Errorf("invalid or expired oauth session")
	}
	return sess, nil
}

func (s *SQLiteStore) SetDeviceSession(_ context.Context, id string, sess DeviceSession, ttl time.Duration) error {
	s.deviceSessions.Set(id, sess, ttl)
	return nil
}

func (s *SQLiteStore) GetDeviceSession(_ context.Context, id string) (DeviceSession, error) {
	sess, ok := s.deviceSessions.Get(id)
	if !ok {
		return DeviceSession{}, fmt.Errorf("invalid or expired device session")
	}
	return sess, nil
}

// BumpDeviceInterval re-arms a device session while the dashboard is
// actively polling it and never lowers the stored interval. The upstream
// stays the authority on expiry; a poll against an expired code fails there.
func (s *SQLiteStore) BumpDeviceInterval(_ context.Context, id string, intervalSeconds int) error {
	ok := s.deviceSessions.Update(id, func(sess *DeviceSession) {
		if intervalSeconds > sess.IntervalSeconds {
			sess.IntervalSeconds = intervalSeconds
		}
	}, 15*time.Minute)
	if !ok {
		return fmt.Errorf("invalid or expired device session")
	}
	return nil
}

func (s *SQLiteStore) DeleteDeviceSession(_ context.Context, id string) error {
	s.deviceSessions.Delete(id)
	return nil
}

func (s *SQLiteStore) ListEnrollSessions(_ context.Context) ([]EnrollSessionInfo, error) {
	result := make([]EnrollSessionInfo, 0)
	for _, e := range s.oauthSessions.Entries() {
		result = append(result, EnrollSessionInfo{Kind: "oauth", Key: e.Key, ExpiresAt: e.ExpiresAt})
	}
	for _, e := range s.deviceSessions.Entries() {
		result = append(result, EnrollSessionInfo{Kind: "device", Key: e.Key, ExpiresAt: e.ExpiresAt})
	}
	return result, nil
}
