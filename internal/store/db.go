// Package store is the durable local storage of the sync core: a
// quota-bounded key/value table for versioned documents and a blob table
// for attachment payloads that do not fit inline.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrQuotaExceeded is returned when a key/value write would exceed the
// configured storage quota or the database reports it is full.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// ErrNotFound is returned by Get and GetBlob for a missing key.
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite connection for weft.db.
type DB struct {
	*sql.DB
	quota int64
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// quotaBytes bounds the total size of key/value documents; zero disables
// the bound.
func Open(path string, quotaBytes int64) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, quota: quotaBytes}, nil
}

// mapFull turns SQLITE_FULL into ErrQuotaExceeded.
func mapFull(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrFull {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}
