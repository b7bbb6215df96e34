// Package engine is the credential resolution and usage ledger core. It
// fronts the identity cache and the durable account store, enforcing the
// activation and quota gates on every resolved credential and keeping both
// layers consistent through write-through updates.
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ledgergate/ledgergate/internal/account"
	"github.com/ledgergate/ledgergate/internal/auth"
	"github.com/ledgergate/ledgergate/internal/cache"
	"github.com/ledgergate/ledgergate/internal/journal"
	"github.com/ledgergate/ledgergate/internal/pricing"
)

const defaultStoreTimeout = 5 * time.Second

// Config wires an Engine's collaborators. Store is required; everything
// else has a usable default.
type Config struct {
	Store        account.Store
	Journal      journal.Store
	Prices       *pricing.Table
	Logger       *log.Logger
	StoreTimeout time.Duration
	Verify       func(stored, password string) bool
}

// Engine resolves bearer credentials to accounts and applies usage deltas.
// All account mutations are serialized per user identity through a keyed
// lock so concurrent requests on the same credential never lose updates.
type Engine struct {
	store        account.Store
	journal      journal.Store
	cache        *cache.Cache
	prices       *pricing.Table
	logger       *log.Logger
	storeTimeout time.Duration
	verify       func(stored, password string) bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// regMu serializes registrations so two concurrent attempts on the
	// same username cannot both pass the uniqueness check.
	regMu sync.Mutex
}

// New builds an Engine around the given collaborators.
func New(cfg Config) *Engine {
	if cfg.Prices == nil {
		cfg.Prices = pricing.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[engine] ", log.LstdFlags|log.Lmicroseconds)
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.Verify == nil {
		cfg.Verify = auth.VerifyPassword
	}
	return &Engine{
		store:        cfg.Store,
		journal:      cfg.Journal,
		cache:        cache.New(),
		prices:       cfg.Prices,
		logger:       cfg.Logger,
		storeTimeout: cfg.StoreTimeout,
		verify:       cfg.Verify,
		locks:        make(map[string]*sync.Mutex),
	}
}

// Prices exposes the engine's price table for callers that need model
// alias mapping.
func (e *Engine) Prices() *pricing.Table {
	return e.prices
}

// lockFor returns the mutex serializing mutations of one user identity.
func (e *Engine) lockFor(userID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[userID] = l
	}
	return l
}

// storeCtx bounds a durable-store call so an unreachable store degrades
// instead of hanging the request.
func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.storeTimeout)
}

// degraded logs a store failure absorbed by the cache-only path.
func (e *Engine) degraded(op string, err error) {
	e.logger.Printf("WARNING %s: %v: %v", op, account.ErrPersistenceDegraded, err)
}

// locate finds the account addressed by credential. Lookup order: durable
// store by API key, durable store by access token, cache by alias, cache
// linear scan over embedded keys. A store hit defers to the cached record
// for the same user when one exists, since the cache carries writes the
// store may not have absorbed yet.
func (e *Engine) locate(ctx context.Context, credential string) (*account.Account, error) {
	fromStore := func(get func(context.Context, string) (*account.Account, error), op string) *account.Account {
		sctx, cancel := e.storeCtx(ctx)
		defer cancel()
		acct, err := get(sctx, credential)
		if err != nil {
			e.degraded(op, err)
			return nil
		}
		return acct
	}

	acct := fromStore(e.store.GetByAPIKey, "locate by api key")
	if acct == nil {
		acct = fromStore(e.store.GetByAccessToken, "locate by access token")
	}
	if acct != nil {
		if cached, ok := e.cache.Get(credential); ok && cached.UserID == acct.UserID {
			return cached, nil
		}
		return acct, nil
	}

	if cached, ok := e.cache.Get(credential); ok {
		return cached, nil
	}
	if cached, ok := e.cache.ScanByKey(credential); ok {
		return cached, nil
	}
	return nil, account.ErrAuthentication
}

// writeThrough publishes acct to the cache and upserts it in the durable
// store under every alias it carries. Store failures are absorbed; the
// cache copy is flushed again on shutdown.
func (e *Engine) writeThrough(ctx context.Context, acct *account.Account) {
	acct.UpdatedAt = time.Now().UTC()
	e.cache.PutLive(acct)
	for _, alias := range acct.Aliases() {
		sctx, cancel := e.storeCtx(ctx)
		err := e.store.Upsert(sctx, alias, acct)
		cancel()
		if err != nil {
			e.degraded("write-through "+acct.Username, err)
			return
		}
	}
}

// Resolve authenticates a bearer credential and enforces the activation
// and quota gates. On success the key's last_used timestamp is bumped and
// written through, so every authenticated call performs a durable write.
func (e *Engine) Resolve(ctx context.Context, credential string) (*account.Account, error) {
	acct, err := e.locate(ctx, credential)
	if err != nil {
		return nil, err
	}

	lock := e.lockFor(acct.UserID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; a concurrent mutation may have landed.
	if cached, ok := e.cache.Get(credential); ok && cached.UserID == acct.UserID {
		acct = cached
	}

	if acct.MatchesKey(credential) {
		if !acct.APIKey.Active {
			return nil, account.NewAuthorizationError("inactive key")
		}
		now := time.Now().UTC()
		acct.APIKey.LastUsed = &now
	}
	if !acct.Active {
		return nil, account.NewAuthorizationError("inactive account")
	}
	if acct.QuotaLeft != nil && *acct.QuotaLeft <= 0 {
		return nil, account.ErrQuotaExceeded
	}

	e.writeThrough(ctx, acct)
	return acct.Clone(), nil
}

// Snapshot returns every account currently known to the engine.
func (e *Engine) Snapshot() []*account.Account {
	return e.cache.Snapshot()
}
