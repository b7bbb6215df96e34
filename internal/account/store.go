package account

import "context"

// Store persists account records across SQLite/Postgres backends.
//
// Records are addressed by alias: the same logical account may be stored
// under its access token and under its API key, the way the engine's
// write-through leaves them. Lookups return (nil, nil) when no record
// matches. Implementations must round-trip decimal cost fields without
// precision loss; a value that cannot be represented exactly fails the
// write with ErrSerialization.
type Store interface {
	GetByUsername(ctx context.Context, username string) (*Account, error)
	GetByAPIKey(ctx context.Context, key string) (*Account, error)
	GetByAccessToken(ctx context.Context, token string) (*Account, error)

	// Upsert inserts or replaces the record addressed by alias.
	Upsert(ctx context.Context, alias string, acct *Account) error

	// LoadAll returns every stored record keyed by the alias it is
	// addressed under.
	LoadAll(ctx context.Context) (map[string]*Account, error)

	// SaveAll writes the full alias-keyed set back, replacing matching
	// records and inserting new ones. Existing records absent from the
	// set are left untouched.
	SaveAll(ctx context.Context, accounts map[string]*Account) error

	Close() error
}
