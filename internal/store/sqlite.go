package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// openSQLite opens the embedded, pure-Go (no cgo) SQLite backend at
// path, applying the gateway's WAL/cache/mmap pragmas and a connection
// semaphore sized by Options.SQLiteMaxConnections.
func openSQLite(ctx context.Context, path string, opts Options) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create sqlite data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	maxConns := opts.SQLiteMaxConnections
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=FULL`,
		`PRAGMA cache_size=-65536`,  // 64 MiB page cache
		`PRAGMA mmap_size=268435456`, // 256 MiB
		`PRAGMA foreign_keys=ON`,
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: apply pragma %q: %w", p, err)
		}
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
