// Package storage persists the small amount of client-local state that
// survives restarts: the last-selected market and candle duration. Simple
// key/value rows in SQLite, nothing more.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Keys for the settings table.
const (
	keyLastMarketHost = "last_market_host"
	keyLastMarketName = "last_market_name"
	keyLastDuration   = "last_candle_dur_ms"
)

// Store is a SQLite-backed key/value settings store.
type Store struct {
	db *sql.DB
}

// Open creates or opens the settings database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create settings table: %w", err)
	}

	return &Store{db: db}, nil
}

// SaveLastMarket records the active market selection.
func (s *Store) SaveLastMarket(host, name string) error {
	if err := s.set(keyLastMarketHost, host); err != nil {
		return err
	}
	return s.set(keyLastMarketName, name)
}

// LastMarket returns the persisted market selection. Empty strings mean no
// selection has been saved yet.
func (s *Store) LastMarket() (host, name string, err error) {
	host, err = s.get(keyLastMarketHost)
	if err != nil {
		return "", "", err
	}
	name, err = s.get(keyLastMarketName)
	if err != nil {
		return "", "", err
	}
	return host, name, nil
}

// SaveLastDuration records the charted candle duration.
func (s *Store) SaveLastDuration(durMs uint64) error {
	return s.set(keyLastDuration, strconv.FormatUint(durMs, 10))
}

// LastDuration returns the persisted candle duration, 0 when unset.
func (s *Store) LastDuration() (uint64, error) {
	v, err := s.get(keyLastDuration)
	if err != nil || v == "" {
		return 0, err
	}
	durMs, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt duration setting %q: %w", v, err)
	}
	return durMs, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) set(key, value string) error {
	_, err := s.db.ExecContext(context.Background(),
		"INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at",
		key, value, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}

func (s *Store) get(key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(context.Background(),
		"SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}
