package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultCaptureLimit caps the captured-request log; appends beyond it evict
// the oldest records.
const DefaultCaptureLimit = 200

const captureEnabledKey = "captureEnabled"

type Database struct {
	db *sql.DB

	// mu serializes mutations so read-modify-write operations on the
	// captured-request log cannot interleave and drop data.
	mu sync.Mutex

	captureLimit int
}

func NewDatabase(dbPath string) (*Database, error) {
	if len(dbPath) == 0 {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	// Expand tilde in path
	if dbPath[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dbPath = filepath.Join(homeDir, dbPath[1:])
	}

	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL mode and busy timeout for concurrent readers alongside the writer
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	database := &Database{db: db, captureLimit: DefaultCaptureLimit}
	if err := database.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return database, nil
}

// SetCaptureLimit overrides the captured-request cap. Values below 1 are
// ignored.
func (d *Database) SetCaptureLimit(limit int) {
	if limit < 1 {
		return
	}
	d.mu.Lock()
	d.captureLimit = limit
	d.mu.Unlock()
}

func (d *Database) createTables() error {
	capturedRequestsTable := `
	CREATE TABLE IF NOT EXISTS captured_requests (
		position INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		url TEXT NOT NULL,
		method TEXT NOT NULL,
		headers TEXT,
		body_kind TEXT NOT NULL DEFAULT '',
		body TEXT,
		resource_type TEXT,
		timestamp INTEGER NOT NULL
	);`

	settingsTable := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`

	collectionsTable := `
	CREATE TABLE IF NOT EXISTS collections (
		collection TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (collection, key)
	);`

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_captured_id ON captured_requests(id);",
		"CREATE INDEX IF NOT EXISTS idx_captured_timestamp ON captured_requests(timestamp);",
	}

	if _, err := d.db.Exec(capturedRequestsTable); err != nil {
		return fmt.Errorf("failed to create captured_requests table: %w", err)
	}

	if _, err := d.db.Exec(settingsTable); err != nil {
		return fmt.Errorf("failed to create settings table: %w", err)
	}

	if _, err := d.db.Exec(collectionsTable); err != nil {
		return fmt.Errorf("failed to create collections table: %w", err)
	}

	for _, index := range indexes {
		if _, err := d.db.Exec(index); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// CaptureEnabled reads the persisted capture flag. A missing row means the
// flag was never toggled and reports false. Callers must not cache the
// result; the flag can change between any two interceptions.
func (d *Database) CaptureEnabled() (bool, error) {
	row := d.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, captureEnabledKey)

	var value string
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to read capture flag: %w", err)
	}

	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("failed to parse capture flag %q: %w", value, err)
	}
	return enabled, nil
}

// SetCaptureEnabled persists the capture flag. The write completes before
// returning so a following CaptureEnabled always reflects it.
func (d *Database) SetCaptureEnabled(enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		captureEnabledKey, strconv.FormatBool(enabled),
	)
	if err != nil {
		return fmt.Errorf("failed to persist capture flag: %w", err)
	}
	return nil
}
