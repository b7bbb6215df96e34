package cache

import (
	"sync"

	"github.com/ledgergate/ledgergate/internal/account"
)

// entry wraps one addressable record. Live aliases of the same account
// share a single entry; a retired API key owns a standalone entry whose
// record keeps the key marked inactive for audit.
type entry struct {
	acct *account.Account
}

// Cache is the in-process identity view: alias (access token or API key)
// to account record. It is the write-through target for every mutation and
// the source of truth between durable-store round trips. The raw maps
// never escape; every accessor copies.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	byUser  map[string]*entry
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		byUser:  make(map[string]*entry),
	}
}

// Get returns a copy of the record addressed by alias.
func (c *Cache) Get(alias string) (*account.Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[alias]
	if !ok {
		return nil, false
	}
	return e.acct.Clone(), true
}

// PutLive stores acct as the live record for its user, indexed under every
// alias it currently carries. Aliases the account no longer carries stop
// resolving to it (rotation retires them separately via PutRetired).
func (c *Cache) PutLive(acct *account.Account) {
	cp := acct.Clone()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byUser[cp.UserID]
	if !ok {
		e = &entry{}
		c.byUser[cp.UserID] = e
	} else {
		current := make(map[string]struct{}, 2)
		for _, alias := range cp.Aliases() {
			current[alias] = struct{}{}
		}
		for alias, existing := range c.entries {
			if existing == e {
				if _, keep := current[alias]; !keep {
					delete(c.entries, alias)
				}
			}
		}
	}
	e.acct = cp
	for _, alias := range cp.Aliases() {
		c.entries[alias] = e
	}
}

// PutRetired stores a standalone record under alias, detached from the live
// account. Used for rotated-out API keys kept resolvable as disabled.
func (c *Cache) PutRetired(alias string, acct *account.Account) {
	cp := acct.Clone()
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[alias]; ok && existing == c.byUser[cp.UserID] {
		// Alias currently points at the live entry; detach it first.
		delete(c.entries, alias)
	}
	c.entries[alias] = &entry{acct: cp}
}

// ScanByKey walks every cached record looking for an embedded API key
// matching key. Linear in cache size; kept as the documented last lookup
// step of credential resolution.
func (c *Cache) ScanByKey(key string) (*account.Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if e.acct.MatchesKey(key) {
			return e.acct.Clone(), true
		}
	}
	return nil, false
}

// ScanByUsername returns the live record owning username, if cached.
func (c *Cache) ScanByUsername(username string) (*account.Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.byUser {
		if e.acct.Username == username {
			return e.acct.Clone(), true
		}
	}
	return nil, false
}

// Len counts addressable aliases, matching the durable store's record count.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns a copy of every live account, one per user.
func (c *Cache) Snapshot() []*account.Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*account.Account, 0, len(c.byUser))
	for _, e := range c.byUser {
		out = append(out, e.acct.Clone())
	}
	return out
}

// Export returns the full alias-keyed view for flushing to the durable store.
func (c *Cache) Export() map[string]*account.Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*account.Account, len(c.entries))
	for alias, e := range c.entries {
		out[alias] = e.acct.Clone()
	}
	return out
}

// ReplaceAll rebuilds the cache from an alias-keyed record set. Records
// addressed by their access token win over stale alias rows, and rows whose
// embedded key is inactive become retired entries.
func (c *Cache) ReplaceAll(records map[string]*account.Account) {
	c.mu.Lock()
	c.entries = make(map[string]*entry, len(records))
	c.byUser = make(map[string]*entry, len(records))
	c.mu.Unlock()

	// Token-addressed rows first: they carry the freshest live state.
	for alias, acct := range records {
		if acct.AccessToken == alias {
			c.PutLive(acct)
		}
	}
	for alias, acct := range records {
		if acct.AccessToken == alias {
			continue
		}
		if acct.MatchesKey(alias) && !acct.APIKey.Active {
			c.PutRetired(alias, acct)
			continue
		}
		c.mu.Lock()
		if live, ok := c.byUser[acct.UserID]; ok {
			// Key row for an account we already loaded; index the alias
			// against the live entry instead of the stale row.
			c.entries[alias] = live
			c.mu.Unlock()
			continue
		}
		c.mu.Unlock()
		c.PutLive(acct)
	}
}
