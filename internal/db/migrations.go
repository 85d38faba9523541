package db

import (
	"database/sql"
	"fmt"
	"strconv"
)

// SchemaVersion is the schema version this build writes.
const SchemaVersion = 2

// migration upgrades the schema from version-1 to version.
type migration struct {
	version     int
	description string
	apply       func(tx *sql.Tx) error
}

var migrations = []migration{
	{
		version:     1,
		description: "initial replica schema",
		apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(schema)
			return err
		},
	},
	{
		version:     2,
		description: "record attempt counters on pending ops",
		apply: func(tx *sql.Tx) error {
			ok, err := columnExistsTx(tx, "pending_ops", "attempts")
			if err != nil || ok {
				return err
			}
			_, err = tx.Exec(`ALTER TABLE pending_ops ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0`)
			return err
		},
	},
}

// GetSchemaVersion returns the current schema version from the database
func (db *DB) GetSchemaVersion() (int, error) {
	var version string
	err := db.conn.QueryRow("SELECT value FROM schema_info WHERE key = 'version'").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		// Table might not exist yet
		return 0, nil
	}
	v, err := strconv.Atoi(version)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", version, err)
	}
	return v, nil
}

// RunMigrations applies pending migrations in order and returns how many ran.
func (db *DB) RunMigrations() (int, error) {
	current, err := db.GetSchemaVersion()
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := db.withWriteLock(func() error {
			tx, err := db.conn.Begin()
			if err != nil {
				return err
			}
			defer tx.Rollback()
			if err := m.apply(tx); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
			}
			if _, err := tx.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`, strconv.Itoa(m.version)); err != nil {
				return err
			}
			return tx.Commit()
		})
		if err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

func columnExistsTx(tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s);", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
