package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite allows a single writer. The broker writes rarely (palette
	// imports and snapshot refreshes), so a small pool is plenty.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS experience_colors (
			experience_id TEXT PRIMARY KEY,
			primary_color TEXT NOT NULL,
			secondary_light TEXT NOT NULL,
			secondary_dark TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS controller_snapshots (
			endpoint TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			fetched_at DATETIME NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) ImportColorsFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read colors file: %w", err)
	}

	var palettes map[string]Colors
	if err := json.Unmarshal(raw, &palettes); err != nil {
		return fmt.Errorf("parse colors file: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("import colors: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for id, c := range palettes {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO experience_colors (experience_id, primary_color, secondary_light, secondary_dark)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(experience_id) DO UPDATE SET
				primary_color = excluded.primary_color,
				secondary_light = excluded.secondary_light,
				secondary_dark = excluded.secondary_dark`,
			id, c.Primary, c.SecondaryLight, c.SecondaryDark)
		if err != nil {
			return fmt.Errorf("import colors for %q: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Colors(ctx context.Context, experienceID string) (Colors, error) {
	var c Colors
	err := s.db.QueryRowContext(ctx,
		`SELECT primary_color, secondary_light, secondary_dark
		 FROM experience_colors WHERE experience_id = ?`, experienceID).
		Scan(&c.Primary, &c.SecondaryLight, &c.SecondaryDark)
	if errors.Is(err, sql.ErrNoRows) {
		return Colors{}, ErrNotFound
	}
	if err != nil {
		return Colors{}, fmt.Errorf("query colors: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) AllColors(ctx context.Context) (map[string]Colors, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT experience_id, primary_color, secondary_light, secondary_dark
		 FROM experience_colors`)
	if err != nil {
		return nil, fmt.Errorf("query colors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Colors)
	for rows.Next() {
		var id string
		var c Colors
		if err := rows.Scan(&id, &c.Primary, &c.SecondaryLight, &c.SecondaryDark); err != nil {
			return nil, fmt.Errorf("scan colors: %w", err)
		}
		out[id] = c
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutSnapshot(ctx context.Context, endpoint string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO controller_snapshots (endpoint, payload, fetched_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(endpoint) DO UPDATE SET
			payload = excluded.payload,
			fetched_at = excluded.fetched_at`,
		endpoint, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Snapshot(ctx context.Context, endpoint string) ([]byte, time.Time, error) {
	var payload string
	var fetchedAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, fetched_at FROM controller_snapshots WHERE endpoint = ?`, endpoint).
		Scan(&payload, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("query snapshot: %w", err)
	}
	return []byte(payload), fetchedAt, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
