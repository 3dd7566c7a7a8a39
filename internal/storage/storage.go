package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"sgfq/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS history (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	item_key     TEXT NOT NULL UNIQUE,
	track_id     TEXT NOT NULL,
	uri          TEXT NOT NULL,
	name         TEXT NOT NULL,
	artist       TEXT NOT NULL,
	duration_ms  INTEGER NOT NULL,
	status       TEXT NOT NULL,
	added_at     INTEGER NOT NULL,
	started_at   INTEGER NOT NULL,
	completed_at INTEGER NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	path         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS history_track_id ON history(track_id);
`

// Storage records every finished queue item in a SQLite database.
type Storage struct {
	db *sql.DB
}

func New(dataDir string) (*Storage, error) {
	if err := os.MkdirAll(dataDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return Open(filepath.Join(dataDir, "history.db"))
}

// Open opens (or creates) the database at path; ":memory:" works for tests.
func Open(path string) (*Storage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	slog.Debug("History database ready", "path", path)
	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) Record(ctx context.Context, item models.QueueItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history (item_key, track_id, uri, name, artist, duration_ms, status, added_at, started_at, completed_at, error, path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_key) DO NOTHING`,
		item.Key, item.Id, item.Uri, item.Name, item.Artist, item.DurationMs,
		string(item.Status), item.AddedAt, item.StartedAt, item.CompletedAt, item.Error, item.Path,
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", item.Id, err)
	}
	return nil
}

// Recent returns up to limit recorded items, newest first.
func (s *Storage) Recent(ctx context.Context, limit int) ([]models.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_key, track_id, uri, name, artist, duration_ms, status, added_at, started_at, completed_at, error, path
		FROM history ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	items := []models.QueueItem{}
	for rows.Next() {
		var item models.QueueItem
		var status string
		if err := rows.Scan(&item.Key, &item.Id, &item.Uri, &item.Name, &item.Artist, &item.DurationMs,
			&status, &item.AddedAt, &item.StartedAt, &item.CompletedAt, &item.Error, &item.Path); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		item.Status = models.Status(status)
		items = append(items, item)
	}
	return items, rows.Err()
}
