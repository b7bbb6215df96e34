package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ledgergate/ledgergate/internal/account"
	"github.com/ledgergate/ledgergate/internal/auth"
)

// RotateKey issues a fresh API key for the account addressed by
// credential and retires the previous key. Three records move: the
// token-addressed account gains the new key substructure, a record
// addressable by the new key appears in cache and store, and the record
// under the old key keeps the key with active=false for audit. The steps
// run inside the account's critical section and each is an idempotent
// upsert, so a retry after a partial failure converges; LoadAll finishes
// any rotation interrupted by a crash.
func (e *Engine) RotateKey(ctx context.Context, credential, name string) (string, error) {
	acct, err := e.locate(ctx, credential)
	if err != nil {
		return "", err
	}
	if !acct.Active {
		return "", account.NewAuthorizationError("inactive account")
	}

	newKey, err := auth.GenerateCredential(auth.APIKeyPrefix)
	if err != nil {
		return "", fmt.Errorf("issue api key: %w", err)
	}
	if name == "" {
		name = "default"
	}

	lock := e.lockFor(acct.UserID)
	lock.Lock()
	defer lock.Unlock()

	if cached, ok := e.cache.Get(acct.AccessToken); ok {
		acct = cached
	}
	oldKey := acct.APIKey

	acct.APIKey = &account.APIKey{
		Key:       newKey,
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}

	// Steps (a) and (b): publish the new substructure under the access
	// token and the new key alias. PutLive indexes both at once.
	e.writeThrough(ctx, acct)

	// Step (c): retire the old key without deleting its identity.
	if oldKey != nil && oldKey.Key != "" {
		e.retireKey(ctx, acct, oldKey)
	}

	e.logger.Printf("rotated api key for %s", acct.Username)
	return newKey, nil
}

// retireKey stores a standalone disabled-key record under the old alias.
func (e *Engine) retireKey(ctx context.Context, acct *account.Account, old *account.APIKey) {
	retired := acct.Clone()
	key := *old
	key.Active = false
	retired.APIKey = &key
	retired.UpdatedAt = time.Now().UTC()

	e.cache.PutRetired(key.Key, retired)
	sctx, cancel := e.storeCtx(ctx)
	err := e.store.Upsert(sctx, key.Key, retired)
	cancel()
	if err != nil {
		e.degraded("retire key for "+acct.Username, err)
	}
}

// SetKeyActive flips the activation flag on the account's current API key
// at both the token-addressed and the key-addressed record.
func (e *Engine) SetKeyActive(ctx context.Context, credential string, active bool) (*account.Account, error) {
	acct, err := e.locate(ctx, credential)
	if err != nil {
		return nil, err
	}

	lock := e.lockFor(acct.UserID)
	lock.Lock()
	defer lock.Unlock()

	if cached, ok := e.cache.Get(acct.AccessToken); ok {
		acct = cached
	}
	if acct.APIKey == nil {
		return nil, account.NewAuthorizationError("no api key issued")
	}

	acct.APIKey.Active = active
	e.writeThrough(ctx, acct)
	return acct.Clone(), nil
}
