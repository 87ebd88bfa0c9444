package medium

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Preferences is a key/value defaults store backed by SQLite. Several
// suites can share one database file; keys are scoped to their suite.
type Preferences struct {
	db    *sql.DB
	suite string
	owned bool
}

// OpenPreferences opens (or creates) the SQLite file at path and returns a
// medium scoped to suite. Close releases the database.
func OpenPreferences(ctx context.Context, path, suite string) (*Preferences, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening preferences db: %w", err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under concurrent upserts.
	db.SetMaxOpenConns(1)
	p, err := NewPreferences(ctx, db, suite)
	if err != nil {
		db.Close()
		return nil, err
	}
	p.owned = true
	return p, nil
}

// NewPreferences wraps an existing database handle.
func NewPreferences(ctx context.Context, db *sql.DB, suite string) (*Preferences, error) {
	if suite == "" {
		return nil, errors.New("preferences: suite is required")
	}
	p := &Preferences{db: db, suite: suite}
	if err := p.migrate(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Preferences) migrate(ctx context.Context) error {
	const query = `
	CREATE TABLE IF NOT EXISTS preferences (
		suite TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (suite, key)
	);`
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrating preferences: %w", err)
	}
	return nil
}

func (p *Preferences) Read(ctx context.Context, key string) ([]byte, error) {
	const query = `SELECT value FROM preferences WHERE suite = ? AND key = ?`
	var data []byte
	err := p.db.QueryRowContext(ctx, query, p.suite, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading preference %s: %w", key, err)
	}
	return data, nil
}

func (p *Preferences) Write(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return ErrInvalidKey
	}
	if data == nil {
		data = []byte{}
	}
	const query = `
	INSERT INTO preferences (suite, key, value, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT (suite, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := p.db.ExecContext(ctx, query, p.suite, key, data, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("writing preference %s: %w", key, err)
	}
	return nil
}

func (p *Preferences) Delete(ctx context.Context, key string) error {
	const query = `DELETE FROM preferences WHERE suite = ? AND key = ?`
	if _, err := p.db.ExecContext(ctx, query, p.suite, key); err != nil {
		return fmt.Errorf("deleting preference %s: %w", key, err)
	}
	return nil
}

func (p *Preferences) Keys(ctx context.Context) ([]string, error) {
	const query = `SELECT key FROM preferences WHERE suite = ? ORDER BY key`
	rows, err := p.db.QueryContext(ctx, query, p.suite)
	if err != nil {
		return nil, fmt.Errorf("listing preferences: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close closes the database if this medium opened it.
func (p *Preferences) Close() error {
	if !p.owned {
		return nil
	}
	return p.db.Close()
}
