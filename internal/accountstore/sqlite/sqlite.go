package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ledgergate/ledgergate/internal/account"
)

// Store implements account.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite account store at the supplied path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create account store directory: %w", err)
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
CREATE TABLE IF NOT EXISTS accounts (
	alias TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	username TEXT NOT NULL,
	access_token TEXT,
	api_key TEXT,
	doc TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_accounts_username ON accounts(username);
CREATE INDEX IF NOT EXISTS idx_accounts_api_key ON accounts(api_key);
CREATE INDEX IF NOT EXISTS idx_accounts_access_token ON accounts(access_token);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) getOne(ctx context.Context, query string, arg string) (*account.Account, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return account.UnmarshalDocument(doc)
}

// GetByUsername returns the account owning username, preferring the
// token-addressed record over stale key rows.
func (s *Store) GetByUsername(ctx context.Context, username string) (*account.Account, error) {
	return s.getOne(ctx, `
SELECT doc FROM accounts
WHERE username = ?
ORDER BY CASE WHEN alias = access_token THEN 0 ELSE 1 END, updated_at DESC
LIMIT 1`, username)
}

// GetByAPIKey returns the record carrying the given embedded API key.
func (s *Store) GetByAPIKey(ctx context.Context, key string) (*account.Account, error) {
	return s.getOne(ctx, `
SELECT doc FROM accounts
WHERE api_key = ?
ORDER BY CASE WHEN alias = api_key THEN 0 ELSE 1 END, updated_at DESC
LIMIT 1`, key)
}

// GetByAccessToken returns the record carrying the given access token,
// preferring the row addressed by it.
func (s *Store) GetByAccessToken(ctx context.Context, token string) (*account.Account, error) {
	return s.getOne(ctx, `
SELECT doc FROM accounts
WHERE access_token = ?
ORDER BY CASE WHEN alias = access_token THEN 0 ELSE 1 END, updated_at DESC
LIMIT 1`, token)
}

// Upsert inserts or replaces the record addressed by alias.
func (s *Store) Upsert(ctx context.Context, alias string, acct *account.Account) error {
	if alias == "" {
		return errors.New("alias required")
	}
	doc, err := account.MarshalDocument(acct)
	if err != nil {
		return err
	}
	var apiKey sql.NullString
	if acct.APIKey != nil && acct.APIKey.Key != "" {
		apiKey = sql.NullString{String: acct.APIKey.Key, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO accounts(alias, user_id, username, access_token, api_key, doc, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(alias) DO UPDATE SET
	user_id = excluded.user_id,
	username = excluded.username,
	access_token = excluded.access_token,
	api_key = excluded.api_key,
	doc = excluded.doc,
	updated_at = excluded.updated_at`,
		alias, acct.UserID, acct.Username, acct.AccessToken, apiKey, string(doc), time.Now().UTC(),
	)
	return err
}

// LoadAll returns every stored record keyed by its addressing alias.
func (s *Store) LoadAll(ctx context.Context) (map[string]*account.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT alias, doc FROM accounts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make(map[string]*account.Account)
	for rows.Next() {
		var alias string
		var doc []byte
		if err := rows.Scan(&alias, &doc); err != nil {
			return nil, err
		}
		acct, err := account.UnmarshalDocument(doc)
		if err != nil {
			return nil, fmt.Errorf("record %q: %w", alias, err)
		}
		records[alias] = acct
	}
	return records, rows.Err()
}

// SaveAll upserts the full alias-keyed set in one transaction.
func (s *Store) SaveAll(ctx context.Context, accounts map[string]*account.Account) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	for alias, acct := range accounts {
		var doc []byte
		doc, err = account.MarshalDocument(acct)
		if err != nil {
			return fmt.Errorf("record %q: %w", alias, err)
		}
		var apiKey sql.NullString
		if acct.APIKey != nil && acct.APIKey.Key != "" {
			apiKey = sql.NullString{String: acct.APIKey.Key, Valid: true}
		}
		if _, err = tx.ExecContext(ctx, `
INSERT INTO accounts(alias, user_id, username, access_token, api_key, doc, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(alias) DO UPDATE SET
	user_id = excluded.user_id,
	username = excluded.username,
	access_token = excluded.access_token,
	api_key = excluded.api_key,
	doc = excluded.doc,
	updated_at = excluded.updated_at`,
			alias, acct.UserID, acct.Username, acct.AccessToken, apiKey, string(doc), now,
		); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
