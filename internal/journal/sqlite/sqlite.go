package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/ledgergate/ledgergate/internal/journal"
)

// Store implements journal.Store backed by SQLite. Cost values persist as
// exact decimal strings.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite journal at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS usage_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	username TEXT,
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_entries_user_created ON usage_entries(user_id, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts a new usage entry.
func (s *Store) Record(ctx context.Context, entry journal.Entry) error {
	if entry.UserID == "" {
		return errors.New("journal record requires user id")
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_entries(user_id, username, model, input_tokens, output_tokens, cost, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		entry.UserID,
		entry.Username,
		entry.Model,
		entry.InputTokens,
		entry.OutputTokens,
		entry.Cost.String(),
		created,
	)
	return err
}

// Summary returns aggregated usage for the given account. Cost is summed
// in decimal arithmetic, not in SQL, to avoid float coercion.
func (s *Store) Summary(ctx context.Context, userID string) (journal.Summary, error) {
	if userID == "" {
		return journal.Summary{}, errors.New("user id required")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT input_tokens, output_tokens, cost FROM usage_entries WHERE user_id = ?`, userID)
	if err != nil {
		return journal.Summary{}, err
	}
	defer rows.Close()

	summary := journal.Summary{Cost: decimal.Zero}
	for rows.Next() {
		var in, out int64
		var costStr string
		if err := rows.Scan(&in, &out, &costStr); err != nil {
			return journal.Summary{}, err
		}
		cost, err := decimal.NewFromString(costStr)
		if err != nil {
			return journal.Summary{}, fmt.Errorf("stored cost %q: %w", costStr, err)
		}
		summary.Requests++
		summary.InputTokens += in
		summary.OutputTokens += out
		summary.Cost = summary.Cost.Add(cost)
	}
	return summary, rows.Err()
}

// ListRecent returns the latest entries for an account.
func (s *Store) ListRecent(ctx context.Context, userID string, limit int) ([]journal.Entry, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, username, model, input_tokens, output_tokens, cost, created_at
FROM usage_entries
WHERE user_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []journal.Entry
	for rows.Next() {
		var e journal.Entry
		var costStr string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Username, &e.Model, &e.InputTokens, &e.OutputTokens, &costStr, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Cost, err = decimal.NewFromString(costStr)
		if err != nil {
			return nil, fmt.Errorf("stored cost %q: %w", costStr, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
