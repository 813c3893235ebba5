package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteFile is the database file name under the cache directory.
const SQLiteFile = "results.db"

// SQLiteStore keeps entries in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}
	// One writer; the reporter is the only user.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache schema: %w", err)
	}

	logger.Info("SQLite cache initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS cached_results (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			enqueued_at INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			payload     BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_cached_results_enqueued
			ON cached_results(enqueued_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO cached_results (id, enqueued_at, attempts, payload)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		payload, err := json.Marshal(e.Result)
		if err != nil {
			return fmt.Errorf("encoding result %s: %w", e.ID(), err)
		}
		if _, err := stmt.ExecContext(ctx, e.ID().String(), e.EnqueuedAt.UnixNano(), e.Attempts, payload); err != nil {
			return fmt.Errorf("inserting result %s: %w", e.ID(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing cache insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Oldest(ctx context.Context, n int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, enqueued_at, attempts, payload
		FROM cached_results
		ORDER BY seq ASC
		LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("querying cache: %w", err)
	}
	defer rows.Close()

	var (
		entries []Entry
		corrupt []string
	)
	for rows.Next() {
		var (
			id       string
			enqueued int64
			attempts int
			payload  []byte
		)
		if err := rows.Scan(&id, &enqueued, &attempts, &payload); err != nil {
			return nil, fmt.Errorf("scanning cache row: %w", err)
		}

		e := Entry{EnqueuedAt: time.Unix(0, enqueued).UTC(), Attempts: attempts}
		if err := json.Unmarshal(payload, &e.Result); err != nil {
			s.logger.Warn("dropping undecodable cached result", "id", id, "error", err)
			corrupt = append(corrupt, id)
			continue
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading cache: %w", err)
	}
	rows.Close()

	// A row that cannot be decoded will never be delivered.
	for _, id := range corrupt {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM cached_results WHERE id = ?`, id); err != nil {
			s.logger.Warn("failed to delete undecodable row", "id", id, "error", err)
		}
	}
	return entries, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	query, args := inClause(`DELETE FROM cached_results WHERE id IN`, ids)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting cached results: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cached_results`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting cached results: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cached_results WHERE enqueued_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("evicting expired results: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) TrimToNewest(ctx context.Context, max int) (int, error) {
	if max < 0 {
		max = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cached_results
		WHERE seq NOT IN (
			SELECT seq FROM cached_results ORDER BY seq DESC LIMIT ?
		)
	`, max)
	if err != nil {
		return 0, fmt.Errorf("trimming cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) MarkAttempt(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	query, args := inClause(`UPDATE cached_results SET attempts = attempts + 1 WHERE id IN`, ids)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("marking delivery attempt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// inClause appends "(?, ?, ...)" for ids to prefix.
func inClause(prefix string, ids []uuid.UUID) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id.String()
	}
	return prefix + " (" + strings.Join(placeholders, ", ") + ")", args
}
