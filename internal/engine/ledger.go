package engine

import (
	"context"
	"time"

	"github.com/ledgergate/ledgergate/internal/account"
	"github.com/ledgergate/ledgergate/internal/journal"
)

// RecordUsage applies one request's token consumption to the account
// addressed by credential. Cost is computed from the price table in exact
// decimal arithmetic, all counters and the per-model breakdown move
// together, and the updated record is written through cache and store.
// The delta is all-or-nothing: a context cancelled before publication
// leaves the account untouched.
func (e *Engine) RecordUsage(ctx context.Context, credential, model string, inputTokens, outputTokens int64) (*account.Account, error) {
	acct, err := e.locate(ctx, credential)
	if err != nil {
		return nil, err
	}
	if acct.MatchesKey(credential) && !acct.APIKey.Active {
		return nil, account.NewAuthorizationError("inactive key")
	}

	lock := e.lockFor(acct.UserID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock so concurrent deltas are never lost.
	if cached, ok := e.cache.Get(acct.AccessToken); ok {
		acct = cached
	}

	cost := e.prices.Cost(model, inputTokens, outputTokens)
	acct.AddUsage(model, inputTokens, outputTokens, cost)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.writeThrough(ctx, acct)
	e.appendJournal(journal.Entry{
		UserID:       acct.UserID,
		Username:     acct.Username,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         cost,
		CreatedAt:    time.Now().UTC(),
	})
	return acct.Clone(), nil
}

// appendJournal records a usage entry when a journal is configured.
// Journal failures never fail the metered request.
func (e *Engine) appendJournal(entry journal.Entry) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Record(context.Background(), entry); err != nil {
		e.logger.Printf("WARNING journal append for %s: %v", entry.Username, err)
	}
}

// UsageSummary returns the journal roll-up for one account, when a
// journal is configured.
func (e *Engine) UsageSummary(ctx context.Context, userID string) (journal.Summary, error) {
	if e.journal == nil {
		return journal.Summary{}, nil
	}
	return e.journal.Summary(ctx, userID)
}

// RecentUsage returns the most recent journal entries for one account.
func (e *Engine) RecentUsage(ctx context.Context, userID string, limit int) ([]journal.Entry, error) {
	if e.journal == nil {
		return nil, nil
	}
	return e.journal.ListRecent(ctx, userID, limit)
}
