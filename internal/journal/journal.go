package journal

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Entry is one immutable usage record: a single metered request's tokens
// and cost, attributed to an account and model. Entries survive the
// replace-style account writes and double as a recovery source when the
// durable account store lags.
type Entry struct {
	ID           int64           `json:"id"`
	UserID       string          `json:"user_id"`
	Username     string          `json:"username"`
	Model        string          `json:"model"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	Cost         decimal.Decimal `json:"cost"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Summary aggregates journaled usage for one account.
type Summary struct {
	Requests     int64           `json:"requests"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	Cost         decimal.Decimal `json:"cost"`
}

// Store defines persistence behaviour for the usage journal.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Summary(ctx context.Context, userID string) (Summary, error)
	ListRecent(ctx context.Context, userID string, limit int) ([]Entry, error)
	Close() error
}
