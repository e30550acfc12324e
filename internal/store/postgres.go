package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiroq-gateway/gateway/internal/model"
)

// pgStore implements Store over a pgxpool.Pool with $N placeholders.
// It shares the scan/marshal helpers with genericSQL conceptually but
// keeps its own copy since pgx's Row interface isn't database/sql's.
type pgStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func openPostgres(ctx context.Context, dsn string, opts Options) (Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse postgres dsn: %w", err)
	}

	minConns := int32(opts.PoolMinConns)
	maxConns := int32(opts.PoolMaxConns)
	if maxConns <= 0 {
		maxConns = 20
	}
	if minConns <= 0 {
		minConns = 1
	}
	idle := opts.PoolMaxIdleTime
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	cfg.MinConns = minConns
	cfg.MaxConns = maxConns
	cfg.MaxConnIdleTime = idle

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("store: postgres schema: %w", err)
		}
	}

	return &pgStore{pool: pool, timeout: opts.QueryTimeout}, nil
}

func (p *pgStore) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}

func (p *pgStore) scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var expiresAt, lastRefreshTime *time.Time
	var other string
	err := row.Scan(
		&a.ID, &a.Label, &a.ClientID, &a.ClientSecret, &a.RefreshToken, &a.AccessToken,
		&expiresAt, &other, &lastRefreshTime, &a.LastRefreshStatus,
		&a.CreatedAt, &a.UpdatedAt, &a.Enabled, &a.ErrorCount, &a.SuccessCount, &a.QuotaExhausted,
	)
	if err != nil {
		return nil, err
	}
	a.ExpiresAt = expiresAt
	a.LastRefreshTime = lastRefreshTime
	_ = json.Unmarshal([]byte(other), &a.Other)
	if a.Other == nil {
		a.Other = map[string]any{}
	}
	return &a, nil
}

func (p *pgStore) ListAccounts(ctx context.Context, enabled *bool) ([]*model.Account, error) {
	ctx, cancel := p.ctx(ctx)
	defer cancel()

	query := `SELECT ` + accountColumns + ` FROM accounts`
	var args []any
	if enabled != nil {
		query += ` WHERE enabled = $1`
		args = append(args, *enabled)
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Account
	for rows.Next() {
		a, err := p.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *pgStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	ctx, cancel := p.ctx(ctx)
	defer cancel()
	a, err := p.scanAccount(p.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (p *pgStore) FindAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	ctx, cancel := p.ctx(ctx)
	defer cancel()
	a, err := p.scanAccount(p.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE other LIKE $1`,
		"%\"email\":\""+email+"\"%"))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (p *pgStore) FindAccountByRefreshTokenHash(ctx context.Context, hash string) (*model.Account, error) {
	ctx, cancel := p.ctx(ctx)
	defer cancel()
	a, err := p.scanAccount(p.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE other LIKE $1`,
		"%\"refreshTokenHash\":\""+hash+"\"%"))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (p *pgStore) UpsertAccount(ctx context.Context, a *model.Account) error {
	ctx, cancel := p.ctx(ctx)
	defer cancel()
	_, err := p.pool.Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT(id) DO UPDATE SET
			label=excluded.label, client_id=excluded.client_id, client_secret=excluded.client_secret,
			refresh_token=excluded.refresh_token, access_token=excluded.access_token,
			expires_at=excluded.expires_at, other=excluded.other,
			last_refresh_time=excluded.last_refresh_time, last_refresh_status=excluded.last_refresh_status,
			updated_at=excluded.updated_at, enabled=excluded.enabled,
			error_count=excluded.error_count, success_count=excluded.success_count,
			quota_exhausted=excluded.quota_exhausted`,
		a.ID, a.Label, a.ClientID, a.ClientSecret, a.RefreshToken, a.AccessToken,
		a.ExpiresAt, marshalJSON(a.Other), a.LastRefreshTime, a.LastRefreshStatus,
		a.CreatedAt, a.UpdatedAt, a.Enabled, a.ErrorCount, a.SuccessCount, a.QuotaExhausted,
	)
	return err
}

func (p *pgStore) DeleteAccount(ctx context.Context, id string) error {
	ctx, cancel := p.ctx(ctx)
	defer cancel()
	_, err := p.pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	return err
}

func (p *pgStore) DisableAccountsBatch(ctx context.Context, ids []string, status model.RefreshStatus) error {
	const chunkSize = 20
	now := time.Now().UTC()
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		for _, id := range ids[start:end] {
			qctx, cancel := p.ctx(ctx)
			_, err := p.pool.Exec(qctx, `UPDATE accounts SET enabled = false, last_refresh_status = $1, updated_at = $2 WHERE id = $3`,
				status, now, id)
			cancel()
			if err != nil {
				return fmt.Errorf("store: disable account %s: %w", id, err)
			}
		}
	}
	return nil
}

func (p *pgStore) scanKey(row pgx.Row) (*model.SecureKey, error) {
	var k model.SecureKey
	var expiresAt, lastUsed *time.Time
	var allowedIPs, allowedUAs, allowedAccounts, metadata string
	err := row.Scan(
		&k.KeyID, &k.KeyHash, &k.Salt, &k.EncryptedKey, &k.LookupHash, &k.CreatedAt, &expiresAt,
		&lastUsed, &k.UsageCount, &k.MaxUses, &allowedIPs, &allowedUAs,
		&allowedAccounts, &k.DefaultAccountID, &k.RateLimitPerMinute, &k.Status, &metadata,
	)
	if err != nil {
		return nil, err
	}
	k.ExpiresAt = expiresAt
	k.LastUsed = lastUsed
	_ = json.Unmarshal([]byte(allowedIPs), &k.AllowedIPs)
	_ = json.Unmarshal([]byte(allowedUAs), &k.AllowedUserAgents)
	_ = json.Unmarshal([]byte(allowedAccounts), &k.AllowedAccountIDs)
	_ = json.Unmarshal([]byte(metadata), &k.Metadata)
	return &k, nil
}

func (p *pgStore) PutKey(ctx context.Context, k *model.SecureKey) error {
	ctx, cancel := p.ctx(ctx)
	defer cancel()
	_, err := p.pool.Exec(ctx, `
		INSERT INTO secure_keys (`+keyColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT(key_id) DO UPDATE SET
			key_hash=excluded.key_hash, salt=excluded.salt, encrypted_key=excluded.encrypted_key,
			lookup_hash=excluded.lookup_hash, expires_at=excluded.expires_at, last_used=excluded.last_used,
			usage_count=excluded.usage_count, max_uses=excluded.max_uses, allowed_ips=excluded.allowed_ips,
			allowed_user_agents=excluded.allowed_user_agents, allowed_accounts=excluded.allowed_accounts,
			default_account_id=excluded.default_account_id, rate_limit_per_minute=excluded.rate_limit_per_minute,
			status=excluded.status, metadata=excluded.metadata`,
		k.KeyID, k.KeyHash, k.Salt, k.EncryptedKey, k.LookupHash, k.CreatedAt, k.ExpiresAt, k.LastUsed,
		k.UsageCount, k.MaxUses, marshalJSON(k.AllowedIPs), marshalJSON(k.AllowedUserAgents),
		marshalJSON(k.AllowedAccountIDs), k.DefaultAccountID, k.RateLimitPerMinute, k.Status, marshalJSON(k.Metadata),
	)
	return err
}

func (p *pgStore) GetKeyByLookupHash(ctx context.Context, lookupHash string) (*model.SecureKey, error) {
	ctx, cancel := p.ctx(ctx)
	defer cancel()
	k, err := p.scanKey(p.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM secure_keys WHERE lookup_hash = $1`, lookupHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return k, err
}

func (p *pgStore) GetKey(ctx context.Context, keyID string) (*model.SecureKey, error) {
	ctx, cancel := p.ctx(ctx)
	defer cancel()
	k, err := p.scanKey(p.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM secure_keys WHERE key_id = $1`, keyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return k, err
}

func (p *pgStore) ListKeys(ctx context.Context) ([]*model.SecureKey, error) {
	ctx, cancel := p.ctx(ctx)
	defer cancel()
	rows, err := p.pool.Query(ctx, `SELECT `+keyColumns+` FROM secure_keys`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.SecureKey
	for rows.Next() {
		k, err := p.scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (p *pgStore) IncrementKeyUsage(ctx context.Context, keyID string, usedAt time.Time) error {
	ctx, cancel := p.ctx(ctx)
	defer cancel()
	_, err := p.pool.Exec(ctx, `UPDATE secure_keys SET usage_count = usage_count + 1, last_used = $1 WHERE key_id = $2`,
		usedAt, keyID)
	return err
}

func (p *pgStore) SetKeyStatus(ctx context.Context, keyID string, status model.KeyStatus) error {
	ctx, cancel := p.ctx(ctx)
	defer cancel()
	_, err := p.pool.Exec(ctx, `UPDATE secure_keys SET status = $1 WHERE key_id = $2`, status, keyID)
	return err
}

func (p *pgStore) PutAuthSession(ctx context.Context, s *model.AuthSession) error {
	ctx, cancel := p.ctx(ctx)
	defer cancel()
	_, err := p.pool.Exec(ctx, `
		INSERT INTO auth_sessions (auth_id, payload, created_at) VALUES ($1,$2,$3)
		ON CONFLICT(auth_id) DO UPDATE SET payload=excluded.payload`,
		s.AuthID, marshalJSON(s), s.StartTime)
	return err
}

func (p *pgStore) GetAuthSession(ctx context.Context, authID string) (*model.AuthSession, error) {
	ctx, cancel := p.ctx(ctx)
	defer cancel()
	var payload string
	err := p.pool.QueryRow(ctx, `SELECT payload FROM auth_sessions WHERE auth_id = $1`, authID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (p *pgStore) DeleteAuthSession(ctx context.Context, authID string) error {
	ctx, cancel := p.ctx(ctx)
	defer cancel()
	_, err := p.pool.Exec(ctx, `DELETE FROM auth_sessions WHERE auth_id = $1`, authID)
	return err
}

func (p *pgStore) UpsertQuotaStats(ctx context.Context, q *model.QuotaStats) error {
	ctx, cancel := p.ctx(ctx)
	defer cancel()
	_, err := p.pool.Exec(ctx, `
		INSERT INTO quota_stats (account_id, month_key, request_count, throttle_count, last_throttle_time,
			quota_status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT(account_id, month_key) DO UPDATE SET
			request_count=excluded.request_count, throttle_count=excluded.throttle_count,
			last_throttle_time=excluded.last_throttle_time, quota_status=excluded.quota_status,
			updated_at=excluded.updated_at`,
		q.AccountID, q.MonthKey, q.RequestCount, q.ThrottleCount, q.LastThrottleTime,
		q.QuotaStatus, q.CreatedAt, q.UpdatedAt)
	return err
}

func (p *pgStore) GetQuotaStats(ctx context.Context, accountID, monthKey string) (*model.QuotaStats, error) {
	ctx, cancel := p.ctx(ctx)
	defer cancel()
	var q model.QuotaStats
	err := p.pool.QueryRow(ctx, `SELECT account_id, month_key, request_count, throttle_count,
		last_throttle_time, quota_status, created_at, updated_at FROM quota_stats
		WHERE account_id = $1 AND month_key = $2`, accountID, monthKey).Scan(
		&q.AccountID, &q.MonthKey, &q.RequestCount, &q.ThrottleCount, &q.LastThrottleTime,
		&q.QuotaStatus, &q.CreatedAt, &q.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (p *pgStore) ListQuotaStats(ctx context.Context, monthKey string) ([]*model.QuotaStats, error) {
	ctx, cancel := p.ctx(ctx)
	defer cancel()
	rows, err := p.pool.Query(ctx, `SELECT account_id, month_key, request_count, throttle_count,
		last_throttle_time, quota_status, created_at, updated_at FROM quota_stats WHERE month_key = $1`, monthKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.QuotaStats
	for rows.Next() {
		var q model.QuotaStats
		if err := rows.Scan(&q.AccountID, &q.MonthKey, &q.RequestCount, &q.ThrottleCount, &q.LastThrottleTime,
			&q.QuotaStatus, &q.CreatedAt, &q.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &q)
	}
	return out, rows.Err()
}

func (p *pgStore) PutSessionBinding(ctx context.Context, b *model.SessionBinding) error {
	ctx, cancel := p.ctx(ctx)
	defer cancel()
	_, err := p.pool.Exec(ctx, `
		INSERT INTO session_accounts (session_key, account_id, expires_at, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT(session_key) DO UPDATE SET account_id=excluded.account_id, expires_at=excluded.expires_at`,
		b.SessionKey, b.AccountID, b.ExpiresAt, b.CreatedAt)
	return err
}

func (p *pgStore) GetSessionBinding(ctx context.Context, sessionKey string) (*model.SessionBinding, error) {
	ctx, cancel := p.ctx(ctx)
	defer cancel()
	var b model.SessionBinding
	err := p.pool.QueryRow(ctx, `SELECT session_key, account_id, expires_at, created_at
		FROM session_accounts WHERE session_key = $1`, sessionKey).Scan(
		&b.SessionKey, &b.AccountID, &b.ExpiresAt, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (p *pgStore) Close() error {
	p.pool.Close()
	return nil
}
