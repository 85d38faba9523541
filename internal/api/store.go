package api

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	tdsync "github.com/prabhask5/stellar-sub000/internal/sync"
	_ "modernc.org/sqlite"
)

// OpenStore opens the server change log at path with standard pragmas,
// creating the directory and schema if needed.
func OpenStore(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open server db: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	db.Exec("PRAGMA synchronous=NORMAL")

	if err := tdsync.InitServerChangeLog(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init change log: %w", err)
	}

	return db, nil
}

// CloseStore checkpoints the WAL and closes db.
func CloseStore(db *sql.DB) error {
	db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return db.Close()
}
