package store

import "database/sql"

// columnExists probes sqlite's table_info pragma for column presence.
// MySQL's information_schema.columns serves the same purpose; both are
// queried the same way here since the driver speaks database/sql.
func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(`PRAGMA table_info(` + table + `)`)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var cid int
			var name, ctype string
			var notNull, pk int
			var dflt sql.NullString
			if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
				return false, err
			}
			if name == column {
				return true, nil
			}
		}
		return false, rows.Err()
	}

	// Not SQLite (PRAGMA unsupported) — fall back to information_schema,
	// which MySQL supports directly.
	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM information_schema.columns
		WHERE table_name = ? AND column_name = ?`, table, column).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// migrateAdditiveColumns applies any ALTER TABLE ... ADD COLUMN
// migrations guarded by a column-existence probe, so that upgrading a
// database already on an older schema version never requires a
// destructive rebuild or a backfill pass.
func migrateAdditiveColumns(db *sql.DB) error {
	type addition struct {
		table, column, ddl string
	}
	additions := []addition{
		// Placeholder for future columns: each entry is only applied
		// when missing, so repeated startups are idempotent no-ops.
	}

	for _, a := range additions {
		exists, err := columnExists(db, a.table, a.column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := db.Exec(`ALTER TABLE ` + a.table + ` ADD COLUMN ` + a.ddl); err != nil {
			return err
		}
	}
	return nil
}
