package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kiroq-gateway/gateway/internal/model"
)

// genericSQL implements Store over database/sql using "?" placeholders,
// shared by the SQLite and MySQL backends (their SQL surface is
// otherwise identical for this schema).
type genericSQL struct {
	db      *sql.DB
	timeout time.Duration
}

func (g *genericSQL) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.timeout)
}

func timePtrToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func strToTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func (g *genericSQL) scanAccount(row interface {
	Scan(dest ...any) error
}) (*model.Account, error) {
	var a model.Account
	var expiresAt, lastRefreshTime sql.NullString
	var other string
	var enabled, quotaExhausted int
	err := row.Scan(
		&a.ID, &a.Label, &a.ClientID, &a.ClientSecret, &a.RefreshToken, &a.AccessToken,
		&expiresAt, &other, &lastRefreshTime, &a.LastRefreshStatus,
		&a.CreatedAt, &a.UpdatedAt, &enabled, &a.ErrorCount, &a.SuccessCount, &quotaExhausted,
	)
	if err != nil {
		return nil, err
	}
	a.ExpiresAt = strToTimePtr(expiresAt)
	a.LastRefreshTime = strToTimePtr(lastRefreshTime)
	a.Enabled = enabled != 0
	a.QuotaExhausted = quotaExhausted != 0
	_ = json.Unmarshal([]byte(other), &a.Other)
	if a.Other == nil {
		a.Other = map[string]any{}
	}
	return &a, nil
}

const accountColumns = `id, label, client_id, client_secret, refresh_token, access_token,
		expires_at, other, last_refresh_time, last_refresh_status,
		created_at, updated_at, enabled, error_count, success_count, quota_exhausted`

func (g *genericSQL) ListAccounts(ctx context.Context, enabled *bool) ([]*model.Account, error) {
	ctx, cancel := g.ctx(ctx)
	defer cancel()

	query := `SELECT ` + accountColumns + ` FROM accounts`
	var args []any
	if enabled != nil {
		query += ` WHERE enabled = ?`
		args = append(args, boolToInt(*enabled))
	}
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Account
	for rows.Next() {
		a, err := g.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (g *genericSQL) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	ctx, cancel := g.ctx(ctx)
	defer cancel()

	row := g.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := g.scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (g *genericSQL) FindAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	ctx, cancel := g.ctx(ctx)
	defer cancel()

	// "other" stores the email inline as JSON; a LIKE scan is acceptable
	// here since account counts are in the thousands, not millions.
	row := g.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE other LIKE ?`,
		"%\"email\":\""+email+"\"%")
	a, err := g.scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (g *genericSQL) FindAccountByRefreshTokenHash(ctx context.Context, hash string) (*model.Account, error) {
	ctx, cancel := g.ctx(ctx)
	defer cancel()

	row := g.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE other LIKE ?`,
		"%\"refreshTokenHash\":\""+hash+"\"%")
	a, err := g.scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (g *genericSQL) UpsertAccount(ctx context.Context, a *model.Account) error {
	ctx, cancel := g.ctx(ctx)
	defer cancel()

	_, err := g.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			label=excluded.label, client_id=excluded.client_id, client_secret=excluded.client_secret,
			refresh_token=excluded.refresh_token, access_token=excluded.access_token,
			expires_at=excluded.expires_at, other=excluded.other,
			last_refresh_time=excluded.last_refresh_time, last_refresh_status=excluded.last_refresh_status,
			updated_at=excluded.updated_at, enabled=excluded.enabled,
			error_count=excluded.error_count, success_count=excluded.success_count,
			quota_exhausted=excluded.quota_exhausted`,
		a.ID, a.Label, a.ClientID, a.ClientSecret, a.RefreshToken, a.AccessToken,
		timePtrToStr(a.ExpiresAt), marshalJSON(a.Other), timePtrToStr(a.LastRefreshTime), a.LastRefreshStatus,
		a.CreatedAt.UTC().Format(time.RFC3339Nano), a.UpdatedAt.UTC().Format(time.RFC3339Nano),
		boolToInt(a.Enabled), a.ErrorCount, a.SuccessCount, boolToInt(a.QuotaExhausted),
	)
	return err
}

func (g *genericSQL) DeleteAccount(ctx context.Context, id string) error {
	ctx, cancel := g.ctx(ctx)
	defer cancel()
	_, err := g.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	return err
}

// DisableAccountsBatch issues one UPDATE per id in chunks of at most 20,
// never a string-concatenated IN clause, matching the account store's
// batch-disable invariant.
func (g *genericSQL) DisableAccountsBatch(ctx context.Context, ids []string, status model.RefreshStatus) error {
	const chunkSize = 20
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		for _, id := range ids[start:end] {
			qctx, cancel := g.ctx(ctx)
			_, err := g.db.ExecContext(qctx, `UPDATE accounts SET enabled = 0, last_refresh_status = ?, updated_at = ? WHERE id = ?`,
				status, now, id)
			cancel()
			if err != nil {
				return fmt.Errorf("store: disable account %s: %w", id, err)
			}
		}
	}
	return nil
}

const keyColumns = `key_id, key_hash, salt, encrypted_key, lookup_hash, created_at, expires_at,
		last_used, usage_count, max_uses, allowed_ips, allowed_user_agents,
		allowed_accounts, default_account_id, rate_limit_per_minute, status, metadata`

func (g *genericSQL) scanKey(row interface{ Scan(dest ...any) error }) (*model.SecureKey, error) {
	var k model.SecureKey
	var expiresAt, lastUsed sql.NullString
	var allowedIPs, allowedUAs, allowedAccounts, metadata string
	err := row.Scan(
		&k.KeyID, &k.KeyHash, &k.Salt, &k.EncryptedKey, &k.LookupHash, &k.CreatedAt, &expiresAt,
		&lastUsed, &k.UsageCount, &k.MaxUses, &allowedIPs, &allowedUAs,
		&allowedAccounts, &k.DefaultAccountID, &k.RateLimitPerMinute, &k.Status, &metadata,
	)
	if err != nil {
		return nil, err
	}
	k.ExpiresAt = strToTimePtr(expiresAt)
	k.LastUsed = strToTimePtr(lastUsed)
	_ = json.Unmarshal([]byte(allowedIPs), &k.AllowedIPs)
	_ = json.Unmarshal([]byte(allowedUAs), &k.AllowedUserAgents)
	_ = json.Unmarshal([]byte(allowedAccounts), &k.AllowedAccountIDs)
	_ = json.Unmarshal([]byte(metadata), &k.Metadata)
	return &k, nil
}

func (g *genericSQL) PutKey(ctx context.Context, k *model.SecureKey) error {
	ctx, cancel := g.ctx(ctx)
	defer cancel()
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO secure_keys (`+keyColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(key_id) DO UPDATE SET
			key_hash=excluded.key_hash, salt=excluded.salt, encrypted_key=excluded.encrypted_key,
			lookup_hash=excluded.lookup_hash, expires_at=excluded.expires_at, last_used=excluded.last_used,
			usage_count=excluded.usage_count, max_uses=excluded.max_uses, allowed_ips=excluded.allowed_ips,
			allowed_user_agents=excluded.allowed_user_agents, allowed_accounts=excluded.allowed_accounts,
			default_account_id=excluded.default_account_id, rate_limit_per_minute=excluded.rate_limit_per_minute,
			status=excluded.status, metadata=excluded.metadata`,
		k.KeyID, k.KeyHash, k.Salt, k.EncryptedKey, k.LookupHash, k.CreatedAt.UTC().Format(time.RFC3339Nano),
		timePtrToStr(k.ExpiresAt), timePtrToStr(k.LastUsed), k.UsageCount, k.MaxUses,
		marshalJSON(k.AllowedIPs), marshalJSON(k.AllowedUserAgents), marshalJSON(k.AllowedAccountIDs),
		k.DefaultAccountID, k.RateLimitPerMinute, k.Status, marshalJSON(k.Metadata),
	)
	return err
}

func (g *genericSQL) GetKeyByLookupHash(ctx context.Context, lookupHash string) (*model.SecureKey, error) {
	ctx, cancel := g.ctx(ctx)
	defer cancel()
	row := g.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM secure_keys WHERE lookup_hash = ?`, lookupHash)
	k, err := g.scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return k, err
}

func (g *genericSQL) GetKey(ctx context.Context, keyID string) (*model.SecureKey, error) {
	ctx, cancel := g.ctx(ctx)
	defer cancel()
	row := g.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM secure_keys WHERE key_id = ?`, keyID)
	k, err := g.scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return k, err
}

func (g *genericSQL) ListKeys(ctx context.Context) ([]*model.SecureKey, error) {
	ctx, cancel := g.ctx(ctx)
	defer cancel()
	rows, err := g.db.QueryContext(ctx, `SELECT `+keyColumns+` FROM secure_keys`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.SecureKey
	for rows.Next() {
		k, err := g.scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (g *genericSQL) IncrementKeyUsage(ctx context.Context, keyID string, usedAt time.Time) error {
	ctx, cancel := g.ctx(ctx)
	defer cancel()
	_, err := g.db.ExecContext(ctx, `UPDATE secure_keys SET usage_count = usage_count + 1, last_used = ? WHERE key_id = ?`,
		usedAt.UTC().Format(time.RFC3339Nano), keyID)
	return err
}

func (g *genericSQL) SetKeyStatus(ctx context.Context, keyID string, status model.KeyStatus) error {
	ctx, cancel := g.ctx(ctx)
	defer cancel()
	_, err := g.db.ExecContext(ctx, `UPDATE secure_keys SET status = ? WHERE key_id = ?`, status, keyID)
	return err
}

func (g *genericSQL) PutAuthSession(ctx context.Context, s *model.AuthSession) error {
	ctx, cancel := g.ctx(ctx)
	defer cancel()
	payload := marshalJSON(s)
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO auth_sessions (auth_id, payload, created_at) VALUES (?,?,?)
		ON CONFLICT(auth_id) DO UPDATE SET payload=excluded.payload`,
		s.AuthID, payload, s.StartTime.UTC().Format(time.RFC3339Nano))
	return err
}

func (g *genericSQL) GetAuthSession(ctx context.Context, authID string) (*model.AuthSession, error) {
	ctx, cancel := g.ctx(ctx)
	defer cancel()
	var payload string
	err := g.db.QueryRowContext(ctx, `SELECT payload FROM auth_sessions WHERE auth_id = ?`, authID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s model.AuthSession
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (g *genericSQL) DeleteAuthSession(ctx context.Context, authID string) error {
	ctx, cancel := g.ctx(ctx)
	defer cancel()
	_, err := g.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE auth_id = ?`, authID)
	return err
}

func (g *genericSQL) UpsertQuotaStats(ctx context.Context, q *model.QuotaStats) error {
	ctx, cancel := g.ctx(ctx)
	defer cancel()
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO quota_stats (account_id, month_key, request_count, throttle_count, last_throttle_time,
			quota_status, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(account_id, month_key) DO UPDATE SET
			request_count=excluded.request_count, throttle_count=excluded.throttle_count,
			last_throttle_time=excluded.last_throttle_time, quota_status=excluded.quota_status,
			updated_at=excluded.updated_at`,
		q.AccountID, q.MonthKey, q.RequestCount, q.ThrottleCount, timePtrToStr(q.LastThrottleTime),
		q.QuotaStatus, q.CreatedAt.UTC().Format(time.RFC3339Nano), q.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (g *genericSQL) GetQuotaStats(ctx context.Context, accountID, monthKey string) (*model.QuotaStats, error) {
	ctx, cancel := g.ctx(ctx)
	defer cancel()
	var q model.QuotaStats
	var lastThrottle sql.NullString
	err := g.db.QueryRowContext(ctx, `SELECT account_id, month_key, request_count, throttle_count,
		last_throttle_time, quota_status, created_at, updated_at FROM quota_stats
		WHERE account_id = ? AND month_key = ?`, accountID, monthKey).Scan(
		&q.AccountID, &q.MonthKey, &q.RequestCount, &q.ThrottleCount, &lastThrottle,
		&q.QuotaStatus, &q.CreatedAt, &q.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	q.LastThrottleTime = strToTimePtr(lastThrottle)
	return &q, nil
}

func (g *genericSQL) ListQuotaStats(ctx context.Context, monthKey string) ([]*model.QuotaStats, error) {
	ctx, cancel := g.ctx(ctx)
	defer cancel()
	rows, err := g.db.QueryContext(ctx, `SELECT account_id, month_key, request_count, throttle_count,
		last_throttle_time, quota_status, created_at, updated_at FROM quota_stats WHERE month_key = ?`, monthKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.QuotaStats
	for rows.Next() {
		var q model.QuotaStats
		var lastThrottle sql.NullString
		if err := rows.Scan(&q.AccountID, &q.MonthKey, &q.RequestCount, &q.ThrottleCount, &lastThrottle,
			&q.QuotaStatus, &q.CreatedAt, &q.UpdatedAt); err != nil {
			return nil, err
		}
		q.LastThrottleTime = strToTimePtr(lastThrottle)
		out = append(out, &q)
	}
	return out, rows.Err()
}

func (g *genericSQL) PutSessionBinding(ctx context.Context, b *model.SessionBinding) error {
	ctx, cancel := g.ctx(ctx)
	defer cancel()
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO session_accounts (session_key, account_id, expires_at, created_at)
		VALUES (?,?,?,?)
		ON CONFLICT(session_key) DO UPDATE SET account_id=excluded.account_id, expires_at=excluded.expires_at`,
		b.SessionKey, b.AccountID, b.ExpiresAt.UTC().Format(time.RFC3339Nano), b.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (g *genericSQL) GetSessionBinding(ctx context.Context, sessionKey string) (*model.SessionBinding, error) {
	ctx, cancel := g.ctx(ctx)
	defer cancel()
	var b model.SessionBinding
	var expiresAt, createdAt string
	err := g.db.QueryRowContext(ctx, `SELECT session_key, account_id, expires_at, created_at
		FROM session_accounts WHERE session_key = ?`, sessionKey).Scan(
		&b.SessionKey, &b.AccountID, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &b, nil
}

func (g *genericSQL) Close() error {
	return g.db.Close()
}

func runSchema(db *sql.DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			trimmed := strings.TrimSpace(stmt)
			return fmt.Errorf("store: schema statement failed (%s...): %w", trimmed[:min(40, len(trimmed))], err)
		}
	}
	return nil
}
