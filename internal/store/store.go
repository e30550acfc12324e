// Package store abstracts the gateway's relational persistence behind
// one Store interface with three interchangeable backends selected by
// the DATABASE_URL scheme: embedded SQLite (default), PostgreSQL, and
// MySQL.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kiroq-gateway/gateway/internal/model"
)

// Store is the persistence surface the account store, key manager,
// quota tracker, and auth-session map are built on.
type Store interface {
	// Accounts
	ListAccounts(ctx context.Context, enabled *bool) ([]*model.Account, error)
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	FindAccountByEmail(ctx context.Context, email string) (*model.Account, error)
	FindAccountByRefreshTokenHash(ctx context.Context, hash string) (*model.Account, error)
	UpsertAccount(ctx context.Context, a *model.Account) error
	DeleteAccount(ctx context.Context, id string) error
	DisableAccountsBatch(ctx context.Context, ids []string, status model.RefreshStatus) error

	// Secure keys
	PutKey(ctx context.Context, k *model.SecureKey) error
	GetKeyByLookupHash(ctx context.Context, lookupHash string) (*model.SecureKey, error)
	GetKey(ctx context.Context, keyID string) (*model.SecureKey, error)
	ListKeys(ctx context.Context) ([]*model.SecureKey, error)
	IncrementKeyUsage(ctx context.Context, keyID string, usedAt time.Time) error
	SetKeyStatus(ctx context.Context, keyID string, status model.KeyStatus) error

	// Auth sessions (multi-worker mirror of the in-memory LRU)
	PutAuthSession(ctx context.Context, s *model.AuthSession) error
	GetAuthSession(ctx context.Context, authID string) (*model.AuthSession, error)
	DeleteAuthSession(ctx context.Context, authID string) error

	// Quota
	UpsertQuotaStats(ctx context.Context, q *model.QuotaStats) error
	GetQuotaStats(ctx context.Context, accountID, monthKey string) (*model.QuotaStats, error)
	ListQuotaStats(ctx context.Context, monthKey string) ([]*model.QuotaStats, error)

	// Session bindings
	PutSessionBinding(ctx context.Context, b *model.SessionBinding) error
	GetSessionBinding(ctx context.Context, sessionKey string) (*model.SessionBinding, error)

	Close() error
}

// Open selects and constructs a backend from a DATABASE_URL-shaped
// string: "postgres[ql]://..." -> PostgreSQL, "mysql://..." -> MySQL,
// empty -> embedded SQLite at sqlitePath.
func Open(ctx context.Context, databaseURL, sqlitePath string, opts Options) (Store, error) {
	switch {
	case databaseURL == "":
		return openSQLite(ctx, sqlitePath, opts)
	case strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://"):
		return openPostgres(ctx, databaseURL, opts)
	case strings.HasPrefix(databaseURL, "mysql://"):
		return openMySQL(ctx, databaseURL, opts)
	default:
		return nil, fmt.Errorf("store: unrecognized DATABASE_URL scheme in %q", databaseURL)
	}
}

// Options carries the pool-sizing and timeout knobs from the gateway's
// environment-variable configuration.
type Options struct {
	QueryTimeout        time.Duration
	SQLiteMaxConnections int
	PoolMinConns        int
	PoolMaxConns        int
	PoolMaxIdleTime     time.Duration
}
