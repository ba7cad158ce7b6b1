package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Get returns the document stored under key.
func (db *DB) Get(key string) (string, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

// Set stores value under key. It fails with ErrQuotaExceeded, leaving the
// previous value in place, when the write would push the total stored size
// over the quota.
func (db *DB) Set(key, value string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if db.quota > 0 {
		var others int64
		err := tx.QueryRow(`SELECT COALESCE(SUM(length(key) + length(value)), 0) FROM kv WHERE key != ?`, key).Scan(&others)
		if err != nil {
			return fmt.Errorf("measure kv: %w", err)
		}
		if need := others + int64(len(key)+len(value)); need > db.quota {
			return fmt.Errorf("%w: set %s needs %d of %d bytes", ErrQuotaExceeded, key, need, db.quota)
		}
	}

	_, err = tx.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set %s: %w", key, mapFull(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", key, mapFull(err))
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (db *DB) Delete(key string) error {
	if _, err := db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
