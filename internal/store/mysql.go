package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// openMySQL opens the MySQL backend. Per the gateway's scope, the
// concrete database driver is an external collaborator: the operator's
// main package is responsible for blank-importing a driver that
// registers under the name "mysql" (e.g. go-sql-driver/mysql) before
// the gateway calls Open with a mysql:// DATABASE_URL.
func openMySQL(ctx context.Context, dsn string, opts Options) (Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open mysql: %w", err)
	}

	maxConns := opts.PoolMaxConns
	if maxConns <= 0 {
		maxConns = 20
	}
	minConns := opts.PoolMinConns
	if minConns <= 0 {
		minConns = 1
	}
	idle := opts.PoolMaxIdleTime
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)
	db.SetConnMaxIdleTime(idle)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping mysql: %w", err)
	}

	if err := runSchema(db, sqlSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrateAdditiveColumns(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &genericSQL{db: db, timeout: opts.QueryTimeout}, nil
}
