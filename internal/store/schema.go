package store

// sqlSchema is the additive DDL run against SQLite/MySQL backends.
// Every statement is idempotent (IF NOT EXISTS); column additions for
// future migrations are guarded by table-info probes in migrate.go
// rather than listed here, so that old rows never require a backfill.
var sqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL DEFAULT '',
		client_id TEXT NOT NULL DEFAULT '',
		client_secret TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		access_token TEXT NOT NULL DEFAULT '',
		expires_at TEXT,
		other TEXT NOT NULL DEFAULT '{}',
		last_refresh_time TEXT,
		last_refresh_status TEXT NOT NULL DEFAULT 'never',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		error_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		quota_exhausted INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_enabled ON accounts(enabled)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_quota_exhausted ON accounts(quota_exhausted)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_enabled_quota ON accounts(enabled, quota_exhausted)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_error_count ON accounts(error_count)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_created_at ON accounts(created_at)`,

	`CREATE TABLE IF NOT EXISTS secure_keys (
		key_id TEXT PRIMARY KEY,
		key_hash TEXT NOT NULL,
		salt TEXT NOT NULL,
		encrypted_key TEXT NOT NULL,
		lookup_hash TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT,
		last_used TEXT,
		usage_count INTEGER NOT NULL DEFAULT 0,
		max_uses INTEGER NOT NULL DEFAULT 0,
		allowed_ips TEXT NOT NULL DEFAULT '[]',
		allowed_user_agents TEXT NOT NULL DEFAULT '[]',
		allowed_accounts TEXT NOT NULL DEFAULT '[]',
		default_account_id TEXT NOT NULL DEFAULT '',
		rate_limit_per_minute INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		metadata TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_secure_keys_status ON secure_keys(status)`,
	`CREATE INDEX IF NOT EXISTS idx_secure_keys_expires_at ON secure_keys(expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_secure_keys_lookup_hash ON secure_keys(lookup_hash)`,

	`CREATE TABLE IF NOT EXISTS auth_sessions (
		auth_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_auth_sessions_created_at ON auth_sessions(created_at)`,

	`CREATE TABLE IF NOT EXISTS audit_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		event_type TEXT NOT NULL,
		client_ip TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_event_type ON audit_logs(event_type)`,

	`CREATE TABLE IF NOT EXISTS quota_stats (
		account_id TEXT NOT NULL,
		month_key TEXT NOT NULL,
		request_count INTEGER NOT NULL DEFAULT 0,
		throttle_count INTEGER NOT NULL DEFAULT 0,
		last_throttle_time TEXT,
		quota_status TEXT NOT NULL DEFAULT 'normal',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (account_id, month_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_quota_stats_month_key ON quota_stats(month_key)`,
	`CREATE INDEX IF NOT EXISTS idx_quota_stats_status ON quota_stats(quota_status)`,

	`CREATE TABLE IF NOT EXISTS session_accounts (
		session_key TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_session_accounts_expires_at ON session_accounts(expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_session_accounts_account_id ON session_accounts(account_id)`,
}

// postgresSchema mirrors sqlSchema with Postgres-native autoincrement
// syntax for audit_logs.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL DEFAULT '',
		client_id TEXT NOT NULL DEFAULT '',
		client_secret TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		access_token TEXT NOT NULL DEFAULT '',
		expires_at TEXT,
		other TEXT NOT NULL DEFAULT '{}',
		last_refresh_time TEXT,
		last_refresh_status TEXT NOT NULL DEFAULT 'never',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		error_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		quota_exhausted BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_enabled ON accounts(enabled)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_quota_exhausted ON accounts(quota_exhausted)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_enabled_quota ON accounts(enabled, quota_exhausted)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_error_count ON accounts(error_count)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_created_at ON accounts(created_at)`,

	`CREATE TABLE IF NOT EXISTS secure_keys (
		key_id TEXT PRIMARY KEY,
		key_hash TEXT NOT NULL,
		salt TEXT NOT NULL,
		encrypted_key TEXT NOT NULL,
		lookup_hash TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT,
		last_used TEXT,
		usage_count INTEGER NOT NULL DEFAULT 0,
		max_uses INTEGER NOT NULL DEFAULT 0,
		allowed_ips TEXT NOT NULL DEFAULT '[]',
		allowed_user_agents TEXT NOT NULL DEFAULT '[]',
		allowed_accounts TEXT NOT NULL DEFAULT '[]',
		default_account_id TEXT NOT NULL DEFAULT '',
		rate_limit_per_minute INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		metadata TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_secure_keys_status ON secure_keys(status)`,
	`CREATE INDEX IF NOT EXISTS idx_secure_keys_expires_at ON secure_keys(expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_secure_keys_lookup_hash ON secure_keys(lookup_hash)`,

	`CREATE TABLE IF NOT EXISTS auth_sessions (
		auth_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_auth_sessions_created_at ON auth_sessions(created_at)`,

	`CREATE TABLE IF NOT EXISTS audit_logs (
		id BIGSERIAL PRIMARY KEY,
		timestamp TEXT NOT NULL,
		event_type TEXT NOT NULL,
		client_ip TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_event_type ON audit_logs(event_type)`,

	`CREATE TABLE IF NOT EXISTS quota_stats (
		account_id TEXT NOT NULL,
		month_key TEXT NOT NULL,
		request_count INTEGER NOT NULL DEFAULT 0,
		throttle_count INTEGER NOT NULL DEFAULT 0,
		last_throttle_time TEXT,
		quota_status TEXT NOT NULL DEFAULT 'normal',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (account_id, month_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_quota_stats_month_key ON quota_stats(month_key)`,
	`CREATE INDEX IF NOT EXISTS idx_quota_stats_status ON quota_stats(quota_status)`,

	`CREATE TABLE IF NOT EXISTS session_accounts (
		session_key TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_session_accounts_expires_at ON session_accounts(expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_session_accounts_account_id ON session_accounts(account_id)`,
}
