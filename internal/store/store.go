package store

import (
	"context"
	"time"
)

// Account status values persisted in the accounts table.
const (
	StatusActive        = "ACTIVE"
	StatusRateLimited   = "RATE_LIMITED"
	StatusQuotaExceeded = "QUOTA_EXCEEDED"
	StatusPaused        = "PAUSED"
	StatusDeactivated   = "DEACTIVATED"
)

// Usage window labels. A NULL label in old rows is treated as primary.
const (
	WindowPrimary   = "primary"
	WindowSecondary = "secondary"
)

// Store is the persistence interface for codex-pool.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Account operations. Token columns hold encrypted blobs; the store
	// never sees plaintext tokens.
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	DeleteAccount(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id, status, reason string) (bool, error)
	UpdateProxyURL(ctx context.Context, id, proxyURL string) (bool, error)
	UpdateTokens(ctx context.Context, id, accessEnc, refreshEnc, idTokenEnc string, lastRefresh time.Time, planType, email string) (bool, error)

	// Usage history.
	AddUsage(ctx context.Context, row *UsageRow) error
	LatestUsage(ctx context.Context, window string) (map[string]*UsageRow, error)
	LatestUsageForAccount(ctx context.Context, accountID, window string) (*UsageRow, error)
	AggregateUsageSince(ctx context.Context, since time.Time, window string) ([]*UsageAggregate, error)
	LatestWindowMinutes(ctx context.Context, window string) (int64, bool, error)
	UsageHistorySince(ctx context.Context, since time.Time, window string) ([]*UsageRow, error)

	// OAuth browser enrollment session (in-memory with TTL, keyed by state).
	SetOAuthSession(ctx context.Context, state string, sess OAuthSession, ttl time.Duration) error
	TakeOAuthSession(ctx context.Context, state string) (OAuthSession, error)

	// Device-code enrollment session (in-memory with TTL, keyed by device auth id).
	SetDeviceSession(ctx context.Context, id string, sess DeviceSession, ttl time.Duration) error
	GetDeviceSession(ctx context.Context, id string) (DeviceSession, error)
	BumpDeviceInterval(ctx context.Context, id string, intervalSeconds int) error
	DeleteDeviceSession(ctx context.Context, id string) error

	ListEnrollSessions(ctx context.Context) ([]EnrollSessionInfo, error)
}

// Account is the persistent record for one pooled OAuth account.
type Account struct {
	ID                 string
	Email              string
	PlanType           string
	AccessTokenEnc     string
	RefreshTokenEnc    string
	IDTokenEnc         string
	WorkspaceID        string
	ProxyURL           string
	Status             string
	DeactivationReason string
	LastRefreshAt      *time.Time
	CreatedAt          time.Time
}

// UsageRow is one sampled usage window for an account.
type UsageRow struct {
	ID               int64
	AccountID        string
	Window           string // "" means unlabeled legacy row, read as primary
	UsedPercent      float64
	ResetAt          *int64
	WindowMinutes    *int64
	InputTokens      *int64
	OutputTokens     *int64
	CreditsHas       *bool
	CreditsUnlimited *bool
	CreditsBalance   *float64
	RecordedAt       time.Time
}

// UsageAggregate is one account's aggregated usage over a period.
type UsageAggregate struct {
	AccountID        string  `json:"account_id"`
	AvgUsedPercent   float64 `json:"avg_used_percent"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	Samples          int64   `json:"samples"`
	LastRecordedAt   int64   `json:"last_recorded_at"`
	MaxResetAt       *int64  `json:"max_reset_at,omitempty"`
	MaxWindowMinutes *int64  `json:"max_window_minutes,omitempty"`
}

// OAuthSession holds the PKCE material for a pending browser enrollment.
type OAuthSession struct {
	State       string
	Verifier    string
	RedirectURI string
}

// DeviceSession holds a pending device-code enrollment.
type DeviceSession struct {
	DeviceAuthID    string
	UserCode        string
	VerificationURL string
	IntervalSeconds int
}

// EnrollSessionInfo describes a pending enrollment of either kind.
type EnrollSessionInfo struct {
	Kind      string    `json:"kind"` // "oauth" or "device"
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}
