package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgergate/ledgergate/internal/account"
	"github.com/ledgergate/ledgergate/internal/auth"
)

// Register creates a new account addressed by a freshly generated access
// token. The credential hash is stored opaquely; hashing happens at the
// transport layer. Username collisions fail with a UniquenessError no
// matter which layer already holds the name.
func (e *Engine) Register(ctx context.Context, username, credentialHash, email, fullName string) (*account.Account, error) {
	e.regMu.Lock()
	defer e.regMu.Unlock()

	if existing, err := e.findByUsername(ctx, username); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, &account.UniquenessError{Field: "username", Value: username}
	}

	token, err := auth.GenerateCredential(auth.AccessTokenPrefix)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}

	quota := account.DefaultQuota
	acct := &account.Account{
		UserID:         auth.NewUserID(),
		Username:       username,
		Email:          email,
		FullName:       fullName,
		CredentialHash: credentialHash,
		AccessToken:    token,
		Active:         true,
		QuotaLeft:      &quota,
		TotalCost:      decimal.Zero,
		ModelUsage:     make(map[string]account.ModelStats),
		CreatedAt:      time.Now().UTC(),
	}

	e.writeThrough(ctx, acct)
	e.logger.Printf("registered account %s (%s)", username, acct.UserID)
	return acct.Clone(), nil
}

// Login verifies a username/password pair and stamps the login bookkeeping
// fields. Unknown usernames and bad passwords are indistinguishable to the
// caller.
func (e *Engine) Login(ctx context.Context, username, password string) (*account.Account, error) {
	acct, err := e.findByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if acct == nil || !e.verify(acct.CredentialHash, password) {
		return nil, account.ErrAuthentication
	}
	if !acct.Active {
		return nil, account.NewAuthorizationError("inactive account")
	}

	lock := e.lockFor(acct.UserID)
	lock.Lock()
	defer lock.Unlock()

	if cached, ok := e.cache.Get(acct.AccessToken); ok {
		acct = cached
	}
	now := time.Now().UTC()
	acct.LastLogin = &now
	acct.LoginCount++

	e.writeThrough(ctx, acct)
	return acct.Clone(), nil
}

// findByUsername checks the durable store first, then the cache. Both
// empty means the name is unclaimed.
func (e *Engine) findByUsername(ctx context.Context, username string) (*account.Account, error) {
	sctx, cancel := e.storeCtx(ctx)
	acct, err := e.store.GetByUsername(sctx, username)
	cancel()
	if err != nil {
		e.degraded("lookup username "+username, err)
	} else if acct != nil {
		if cached, ok := e.cache.Get(acct.AccessToken); ok {
			return cached, nil
		}
		return acct, nil
	}
	if cached, ok := e.cache.ScanByUsername(username); ok {
		return cached, nil
	}
	return nil, nil
}
