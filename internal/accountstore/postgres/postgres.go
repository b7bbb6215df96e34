package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ledgergate/ledgergate/internal/account"
)

// Store implements account.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a Postgres-backed account store using the provided DSN and
// connection pool settings.
func New(dsn string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
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
	doc JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
WHERE username = $1
ORDER BY CASE WHEN alias = access_token THEN 0 ELSE 1 END, updated_at DESC
LIMIT 1`, username)
}

// GetByAPIKey returns the record carrying the given embedded API key.
func (s *Store) GetByAPIKey(ctx context.Context, key string) (*account.Account, error) {
	return s.getOne(ctx, `
SELECT doc FROM accounts
WHERE api_key = $1
ORDER BY CASE WHEN alias = api_key THEN 0 ELSE 1 END, updated_at DESC
LIMIT 1`, key)
}

// GetByAccessToken returns the record carrying the given access token.
func (s *Store) GetByAccessToken(ctx context.Context, token string) (*account.Account, error) {
	return s.getOne(ctx, `
SELECT doc FROM accounts
WHERE access_token = $1
ORDER BY CASE WHEN alias = access_token THEN 0 ELSE 1 END, updated_at DESC
LIMIT 1`, token)
}

const upsertQuery = `
INSERT INTO accounts(alias, user_id, username, access_token, api_key, doc, updated_at)
VALUES($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT(alias) DO UPDATE SET
	user_id = EXCLUDED.user_id,
	username = EXCLUDED.username,
	access_token = EXCLUDED.access_token,
	api_key = EXCLUDED.api_key,
	doc = EXCLUDED.doc,
	updated_at = EXCLUDED.updated_at`

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
	_, err = s.db.ExecContext(ctx, upsertQuery,
		alias, acct.UserID, acct.Username, acct.AccessToken, apiKey, string(doc), time.Now().UTC())
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
		if _, err = tx.ExecContext(ctx, upsertQuery,
			alias, acct.UserID, acct.Username, acct.AccessToken, apiKey, string(doc), now); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
