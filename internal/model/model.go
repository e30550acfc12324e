// Package model holds the gateway's core data types, shared by the
// account store, key manager, dispatcher, and persistence backends.
package model

import "time"

// RefreshStatus is the outcome of the most recent token-refresh attempt
// for an Account.
type RefreshStatus string

const (
	RefreshNever              RefreshStatus = "never"
	RefreshSuccess            RefreshStatus = "success"
	RefreshFailed             RefreshStatus = "failed"
	RefreshTimeout            RefreshStatus = "timeout"
	RefreshUnauthorized       RefreshStatus = "unauthorized"
	RefreshSuspended          RefreshStatus = "suspended"
	RefreshQuotaExhausted     RefreshStatus = "quota_exhausted"
	RefreshMissingCredentials RefreshStatus = "missing_credentials"
	RefreshNetworkError       RefreshStatus = "network_error"
)

// Provider distinguishes the upstream OAuth/OIDC family an Account
// authenticates against.
type Provider string

const (
	ProviderKiro    Provider = "kiro"
	ProviderAmazonQ Provider = "amazonq"
)

// Account is one pooled upstream credential set.
type Account struct {
	ID     string
	Label  string

	ClientID     string
	ClientSecret string
	RefreshToken string
	AccessToken  string

	// ExpiresAt is nil when unknown.
	ExpiresAt *time.Time

	// Other carries provider, authMethod, region, source provenance,
	// and the dedup email extracted from the access token's JWT claims.
	Other map[string]any

	LastRefreshTime   *time.Time
	LastRefreshStatus RefreshStatus

	CreatedAt time.Time
	UpdatedAt time.Time

	Enabled        bool
	ErrorCount     int
	SuccessCount   int
	QuotaExhausted bool
}

// Provider reads the "provider" entry out of Other, defaulting to Kiro.
func (a *Account) Provider() Provider {
	if a == nil || a.Other == nil {
		return ProviderKiro
	}
	if v, ok := a.Other["provider"].(string); ok && v != "" {
		return Provider(v)
	}
	return ProviderKiro
}

// Region reads the "region" entry out of Other.
func (a *Account) Region(fallback string) string {
	if a == nil || a.Other == nil {
		return fallback
	}
	if v, ok := a.Other["region"].(string); ok && v != "" {
		return v
	}
	return fallback
}

// Email reads the dedup email out of Other.
func (a *Account) Email() string {
	if a == nil || a.Other == nil {
		return ""
	}
	v, _ := a.Other["email"].(string)
	return v
}

// ErrorRate is successCount-weighted for the weighted least-use
// tie-break: errorCount / (errorCount + successCount), zero when the
// account has never been used.
func (a *Account) ErrorRate() float64 {
	total := a.ErrorCount + a.SuccessCount
	if total == 0 {
		return 0
	}
	return float64(a.ErrorCount) / float64(total)
}

// TokenExpired reports whether the access token is absent or past
// ExpiresAt as of now.
func (a *Account) TokenExpired(now time.Time) bool {
	if a.AccessToken == "" {
		return true
	}
	if a.ExpiresAt == nil {
		return false
	}
	return !now.Before(*a.ExpiresAt)
}

// KeyStatus is the lifecycle state of a SecureKey.
type KeyStatus string

const (
	KeyActive      KeyStatus = "active"
	KeyInactive    KeyStatus = "inactive"
	KeyCompromised KeyStatus = "compromised"
	KeyExpired     KeyStatus = "expired"
)

// SecureKey is an issued API key's at-rest record. Plaintext is never
// stored; KeyHash/LookupHash/EncryptedKey are all derived from it.
type SecureKey struct {
	KeyID        string
	KeyHash      string
	LookupHash   string
	EncryptedKey string
	Salt         string

	CreatedAt  time.Time
	ExpiresAt  *time.Time
	LastUsed   *time.Time
	UsageCount int
	MaxUses    int

	AllowedIPs        []string
	AllowedUserAgents []string

	AllowedAccountIDs []string
	DefaultAccountID  string

	RateLimitPerMinute int
	Status             KeyStatus
	Metadata           map[string]any
}

// AuthSessionType is the OAuth device-code flow family an AuthSession
// was opened for.
type AuthSessionType string

const (
	AuthSessionAmazonQBuilderID AuthSessionType = "amazonq_builder_id"
	AuthSessionKiroBuilderID    AuthSessionType = "kiro_builder_id"
)

// AuthSessionStatus is the lifecycle state of a device-code poll.
type AuthSessionStatus string

const (
	AuthSessionPending   AuthSessionStatus = "pending"
	AuthSessionCompleted AuthSessionStatus = "completed"
	AuthSessionTimeout   AuthSessionStatus = "timeout"
	AuthSessionError     AuthSessionStatus = "error"
)

// AuthSession tracks one in-flight OAuth device-code authorization.
type AuthSession struct {
	AuthID string
	Type   AuthSessionType

	ClientID     string
	ClientSecret string

	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	Interval                int
	ExpiresIn               int
	StartTime               time.Time

	Status    AuthSessionStatus
	Error     string
	AccountID string
}

// QuotaStatusLevel is the derived severity of an account's monthly
// throttle ratio.
type QuotaStatusLevel string

const (
	QuotaNormal    QuotaStatusLevel = "normal"
	QuotaWarning   QuotaStatusLevel = "warning"
	QuotaCritical  QuotaStatusLevel = "critical"
	QuotaExhausted QuotaStatusLevel = "exhausted"
)

// QuotaStats is one account's usage counters for one calendar month
// (MonthKey is "YYYY-MM" UTC).
type QuotaStats struct {
	AccountID        string
	MonthKey         string
	RequestCount     int
	ThrottleCount    int
	LastThrottleTime *time.Time
	QuotaStatus      QuotaStatusLevel
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DeriveStatus computes QuotaStatus from the current counters per the
// throttle-ratio thresholds: any throttling at all already means
// exhausted for this gateway's purposes, otherwise the ratio against
// request volume determines warning/critical.
func (q *QuotaStats) DeriveStatus() QuotaStatusLevel {
	if q.ThrottleCount > 0 {
		return QuotaExhausted
	}
	if q.RequestCount == 0 {
		return QuotaNormal
	}
	ratio := float64(q.ThrottleCount) / float64(q.RequestCount)
	switch {
	case ratio >= 0.95:
		return QuotaCritical
	case ratio >= 0.8:
		return QuotaWarning
	default:
		return QuotaNormal
	}
}

// SessionBinding pins a conversational session to one account so that
// upstream caches and conversationId continuity survive across turns.
type SessionBinding struct {
	SessionKey string
	AccountID  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Expired reports whether the binding is no longer valid as of now.
func (s *SessionBinding) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
