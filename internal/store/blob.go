package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PutBlob stores data under key, replacing any previous payload.
func (db *DB) PutBlob(key string, data []byte) error {
	_, err := db.Exec(`
		INSERT INTO blobs (key, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		key, data, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put blob %s: %w", key, mapFull(err))
	}
	return nil
}

// GetBlob returns the payload stored under key.
func (db *DB) GetBlob(key string) ([]byte, error) {
	var data []byte
	err := db.QueryRow(`SELECT data FROM blobs WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", key, err)
	}
	return data, nil
}

// DeleteBlob removes key. Deleting a missing key is not an error.
func (db *DB) DeleteBlob(key string) error {
	if _, err := db.Exec(`DELETE FROM blobs WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

// BlobKeys lists stored blob keys starting with prefix, in key order.
func (db *DB) BlobKeys(prefix string) ([]string, error) {
	rows, err := db.Query(`SELECT key FROM blobs WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, rows.Err()
}
