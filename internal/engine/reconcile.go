package engine

import (
	"context"
	"fmt"

	"github.com/ledgergate/ledgergate/internal/account"
)

// LoadAll merges the durable store into the identity cache at startup.
// Every record is indexed under each alias it carries. When the cache is
// already warm, conflicts are resolved per record by update time: the
// newer side wins, and aliases the store never saw stay in the cache.
// Before the merge a repair pass finishes any key rotation a crash left
// half-applied.
func (e *Engine) LoadAll(ctx context.Context) (int, error) {
	records, err := e.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load accounts: %w", err)
	}

	e.repairRotations(ctx, records)

	kept := 0
	for alias, cached := range e.cache.Export() {
		stored, ok := records[alias]
		if !ok || stored.UpdatedAt.Before(cached.UpdatedAt) {
			records[alias] = cached
			kept++
		}
	}
	if kept > 0 {
		e.logger.Printf("kept %d cached records newer than or absent from the durable store", kept)
	}
	e.cache.ReplaceAll(records)
	e.logger.Printf("loaded %d account records", len(records))
	return len(records), nil
}

// repairRotations reconciles the three-record rotation sequence. A live
// account whose key has no key-addressed row gets one written; a
// key-addressed row whose key the live account no longer carries gets its
// key flagged inactive. Both fixes are plain upserts, safe to repeat.
func (e *Engine) repairRotations(ctx context.Context, records map[string]*account.Account) {
	liveByUser := make(map[string]*account.Account, len(records))
	for alias, acct := range records {
		if acct.AccessToken == alias {
			liveByUser[acct.UserID] = acct
		}
	}

	for userID, live := range liveByUser {
		if live.APIKey == nil || live.APIKey.Key == "" {
			continue
		}
		if _, ok := records[live.APIKey.Key]; ok {
			continue
		}
		// Rotation stopped between publishing the token record and the
		// key record.
		records[live.APIKey.Key] = live
		sctx, cancel := e.storeCtx(ctx)
		err := e.store.Upsert(sctx, live.APIKey.Key, live)
		cancel()
		if err != nil {
			e.degraded("repair key record for user "+userID, err)
		} else {
			e.logger.Printf("repaired missing key record for user %s", userID)
		}
	}

	for alias, acct := range records {
		if acct.AccessToken == alias || !acct.MatchesKey(alias) || !acct.APIKey.Active {
			continue
		}
		live, ok := liveByUser[acct.UserID]
		if !ok || (live.APIKey != nil && live.APIKey.Key == alias) {
			continue
		}
		// Rotation stopped before the superseded key was flagged off.
		retired := acct.Clone()
		retired.APIKey.Active = false
		records[alias] = retired
		sctx, cancel := e.storeCtx(ctx)
		err := e.store.Upsert(sctx, alias, retired)
		cancel()
		if err != nil {
			e.degraded("repair stale key "+alias, err)
		} else {
			e.logger.Printf("retired stale key record for user %s", acct.UserID)
		}
	}
}

// FlushAll writes the in-memory record set back to the durable store at
// shutdown. Rows the store already holds in a newer revision are left
// alone; rows only the store knows survive because the flush upserts and
// never deletes.
func (e *Engine) FlushAll(ctx context.Context) (int, error) {
	export := e.cache.Export()
	if len(export) == 0 {
		return 0, nil
	}

	stored, err := e.store.LoadAll(ctx)
	if err != nil {
		e.degraded("read durable records before flush", err)
	} else {
		skipped := 0
		for alias, acct := range export {
			if prev, ok := stored[alias]; ok && prev.UpdatedAt.After(acct.UpdatedAt) {
				delete(export, alias)
				skipped++
			}
		}
		if skipped > 0 {
			e.logger.Printf("flush leaving %d records the durable store holds in a newer revision", skipped)
		}
	}
	if len(export) == 0 {
		return 0, nil
	}

	if err := e.store.SaveAll(ctx, export); err != nil {
		return 0, fmt.Errorf("flush accounts: %w", err)
	}
	e.logger.Printf("flushed %d account records", len(export))
	return len(export), nil
}
