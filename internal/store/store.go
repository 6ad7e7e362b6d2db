// Package store persists the per-recipient device registry, pinned
// identity keys, and encrypted session records in a single SQLite
// database. It is the only mutable shared state in the dispatch core;
// every write goes through the narrow methods defined here.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database holding device, identity, and session
// state for all known recipients.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS account (
	key TEXT PRIMARY KEY,
	value BLOB
);
CREATE TABLE IF NOT EXISTS identity (
	recipient TEXT PRIMARY KEY,
	public_key BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS recipient_device (
	recipient TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	identity_key BLOB NOT NULL,
	registration_id INTEGER NOT NULL,
	relay TEXT NOT NULL DEFAULT '',
	last_seen INTEGER NOT NULL,
	PRIMARY KEY (recipient, device_id)
);
CREATE TABLE IF NOT EXISTS session (
	recipient TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	record BLOB NOT NULL,
	identity_key BLOB NOT NULL,
	PRIMARY KEY (recipient, device_id)
);
`

// DefaultDataDir returns the default data directory for textsecure-go
// databases. Uses $XDG_DATA_HOME/textsecure-go, falling back to
// ~/.local/share/textsecure-go.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "textsecure-go")
}

// Open opens or creates a SQLite store at the given path.
// If dbPath is empty, it defaults to $XDG_DATA_HOME/textsecure-go/default.db.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "default.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
