package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/ledgergate/ledgergate/internal/account"
)

// memStore is an in-memory account.Store with a failure toggle, used to
// exercise the degraded cache-only path.
type memStore struct {
	mu      sync.Mutex
	records map[string]*account.Account
	failing bool
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*account.Account)}
}

var errStoreDown = errors.New("store down")

func (m *memStore) fail(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = on
}

func (m *memStore) get(match func(*account.Account, string) bool) (*account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, errStoreDown
	}
	for alias, acct := range m.records {
		if match(acct, alias) {
			return acct.Clone(), nil
		}
	}
	return nil, nil
}

func (m *memStore) GetByUsername(ctx context.Context, username string) (*account.Account, error) {
	return m.get(func(a *account.Account, alias string) bool {
		return a.Username == username && a.AccessToken == alias
	})
}

func (m *memStore) GetByAPIKey(ctx context.Context, key string) (*account.Account, error) {
	return m.get(func(a *account.Account, alias string) bool {
		return alias == key && a.MatchesKey(key)
	})
}

func (m *memStore) GetByAccessToken(ctx context.Context, token string) (*account.Account, error) {
	return m.get(func(a *account.Account, alias string) bool {
		return alias == token && a.AccessToken == token
	})
}

func (m *memStore) Upsert(ctx context.Context, alias string, acct *account.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errStoreDown
	}
	m.records[alias] = acct.Clone()
	return nil
}

func (m *memStore) LoadAll(ctx context.Context) (map[string]*account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, errStoreDown
	}
	out := make(map[string]*account.Account, len(m.records))
	for alias, acct := range m.records {
		out[alias] = acct.Clone()
	}
	return out, nil
}

func (m *memStore) SaveAll(ctx context.Context, accounts map[string]*account.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errStoreDown
	}
	for alias, acct := range accounts {
		m.records[alias] = acct.Clone()
	}
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) record(alias string) *account.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[alias].Clone()
}

func quiet() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestEngine(t *testing.T) (*Engine, *memStore) {
	t.Helper()
	store := newMemStore()
	eng := New(Config{
		Store:  store,
		Logger: quiet(),
		Verify: func(stored, password string) bool { return stored == "hash:"+password },
	})
	return eng, store
}

func register(t *testing.T, eng *Engine, username string) *account.Account {
	t.Helper()
	acct, err := eng.Register(context.Background(), username, "hash:secret", username+"@example.com", "")
	if err != nil {
		t.Fatalf("Register(%s): %v", username, err)
	}
	return acct
}

func TestResolveUnknownCredential(t *testing.T) {
	eng, _ := newTestEngine(t)
	if _, err := eng.Resolve(context.Background(), "user_key_nosuchcredential00"); !errors.Is(err, account.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestResolveByAccessToken(t *testing.T) {
	eng, store := newTestEngine(t)
	alice := register(t, eng, "alice")

	got, err := eng.Resolve(context.Background(), alice.AccessToken)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Username != "alice" {
		t.Fatalf("resolved wrong account: %s", got.Username)
	}
	if store.record(alice.AccessToken) == nil {
		t.Fatalf("write-through missed the durable store")
	}
}

func TestResolveByKeyBumpsLastUsed(t *testing.T) {
	eng, store := newTestEngine(t)
	alice := register(t, eng, "alice")
	key, err := eng.RotateKey(context.Background(), alice.AccessToken, "ci")
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}

	got, err := eng.Resolve(context.Background(), key)
	if err != nil {
		t.Fatalf("Resolve by key: %v", err)
	}
	if got.APIKey == nil || got.APIKey.LastUsed == nil {
		t.Fatalf("last_used not stamped")
	}
	if durable := store.record(key); durable.APIKey.LastUsed == nil {
		t.Fatalf("last_used bump not written through")
	}
}

func TestResolveInactiveAccount(t *testing.T) {
	eng, _ := newTestEngine(t)
	alice := register(t, eng, "alice")

	// Deactivate through the cache the way an admin toggle would.
	acct, _ := eng.Resolve(context.Background(), alice.AccessToken)
	acct.Active = false
	eng.cache.PutLive(acct)

	_, err := eng.Resolve(context.Background(), alice.AccessToken)
	if !account.IsAuthorization(err) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
}

func TestResolveQuotaExhausted(t *testing.T) {
	eng, _ := newTestEngine(t)
	alice := register(t, eng, "alice")

	acct, _ := eng.Resolve(context.Background(), alice.AccessToken)
	zero := int64(0)
	acct.QuotaLeft = &zero
	eng.cache.PutLive(acct)

	_, err := eng.Resolve(context.Background(), alice.AccessToken)
	if !errors.Is(err, account.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestResolveCacheOnlyWhenStoreDown(t *testing.T) {
	eng, store := newTestEngine(t)
	alice := register(t, eng, "alice")

	store.fail(true)
	got, err := eng.Resolve(context.Background(), alice.AccessToken)
	if err != nil {
		t.Fatalf("expected cache-only resolve to succeed, got %v", err)
	}
	if got.Username != "alice" {
		t.Fatalf("resolved wrong account: %s", got.Username)
	}
}

func TestRecordUsageExactCost(t *testing.T) {
	eng, _ := newTestEngine(t)
	alice := register(t, eng, "alice")

	got, err := eng.RecordUsage(context.Background(), alice.AccessToken, "gpt-4o-mini", 100, 50)
	if err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	want := decimal.RequireFromString("0.0000450000")
	if !got.TotalCost.Equal(want) {
		t.Fatalf("total cost %s, want %s exactly", got.TotalCost, want)
	}
	if got.QuotaLeft == nil || *got.QuotaLeft != account.DefaultQuota-150 {
		t.Fatalf("quota not reduced by 150: %v", got.QuotaLeft)
	}
	stats, ok := got.ModelUsage["gpt-4o-mini"]
	if !ok || stats.RequestCount != 1 {
		t.Fatalf("per-model breakdown missing: %+v", got.ModelUsage)
	}
	if !stats.Cost.Equal(want) {
		t.Fatalf("model cost %s, want %s", stats.Cost, want)
	}
}

func TestRecordUsageUnknownModelZeroCost(t *testing.T) {
	eng, _ := newTestEngine(t)
	alice := register(t, eng, "alice")

	got, err := eng.RecordUsage(context.Background(), alice.AccessToken, "frontier-model-x", 10, 10)
	if err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if !got.TotalCost.IsZero() {
		t.Fatalf("unknown model should cost zero, got %s", got.TotalCost)
	}
	if got.TotalInputTokens != 10 || got.TotalOutputTokens != 10 {
		t.Fatalf("tokens still metered for unknown models: %+v", got)
	}
}

func TestRecordUsageQuotaClampsAtZero(t *testing.T) {
	eng, _ := newTestEngine(t)
	alice := register(t, eng, "alice")

	acct, _ := eng.Resolve(context.Background(), alice.AccessToken)
	small := int64(100)
	acct.QuotaLeft = &small
	eng.cache.PutLive(acct)

	got, err := eng.RecordUsage(context.Background(), alice.AccessToken, "gpt-4o-mini", 300, 300)
	if err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if got.QuotaLeft == nil || *got.QuotaLeft != 0 {
		t.Fatalf("quota must clamp at zero, got %v", got.QuotaLeft)
	}
}

func TestRecordUsageCancelledContextLeavesNoDelta(t *testing.T) {
	eng, _ := newTestEngine(t)
	alice := register(t, eng, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := eng.RecordUsage(ctx, alice.AccessToken, "gpt-4o-mini", 100, 50); err == nil {
		t.Fatalf("expected cancellation error")
	}

	got, err := eng.Resolve(context.Background(), alice.AccessToken)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.RequestCount != 0 || !got.TotalCost.IsZero() {
		t.Fatalf("cancelled call left a partial delta: %+v", got)
	}
}

func TestTotalCostEqualsModelSum(t *testing.T) {
	eng, _ := newTestEngine(t)
	alice := register(t, eng, "alice")

	models := []string{"gpt-4o-mini", "gpt-4o", "gpt-4.1-nano", "frontier-model-x"}
	var last *account.Account
	for i := 0; i < 200; i++ {
		got, err := eng.RecordUsage(context.Background(), alice.AccessToken, models[i%len(models)], int64(i%37), int64(i%11))
		if err != nil {
			t.Fatalf("RecordUsage #%d: %v", i, err)
		}
		last = got
	}

	sum := decimal.Zero
	for _, stats := range last.ModelUsage {
		sum = sum.Add(stats.Cost)
	}
	if !last.TotalCost.Equal(sum) {
		t.Fatalf("total cost %s diverged from model sum %s", last.TotalCost, sum)
	}
}

func TestConcurrentUsageNoLostUpdates(t *testing.T) {
	eng, _ := newTestEngine(t)
	alice := register(t, eng, "alice")

	const workers = 8
	const perWorker = 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := eng.RecordUsage(context.Background(), alice.AccessToken, "gpt-4o-mini", 10, 5); err != nil {
					t.Errorf("RecordUsage: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, err := eng.Resolve(context.Background(), alice.AccessToken)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.RequestCount != workers*perWorker {
		t.Fatalf("lost updates: request count %d, want %d", got.RequestCount, workers*perWorker)
	}
	if got.TotalInputTokens != workers*perWorker*10 {
		t.Fatalf("lost input tokens: %d", got.TotalInputTokens)
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	eng, _ := newTestEngine(t)
	register(t, eng, "alice")

	_, err := eng.Register(context.Background(), "alice", "hash:other", "", "")
	if !account.IsUniqueness(err) {
		t.Fatalf("expected UniquenessError, got %v", err)
	}
}

func TestRegisterDuplicateUsernameStoreDown(t *testing.T) {
	eng, store := newTestEngine(t)
	register(t, eng, "alice")

	// Cache still knows alice even when the durable lookup degrades.
	store.fail(true)
	_, err := eng.Register(context.Background(), "alice", "hash:other", "", "")
	if !account.IsUniqueness(err) {
		t.Fatalf("expected UniquenessError via cache, got %v", err)
	}
}

func TestLogin(t *testing.T) {
	eng, _ := newTestEngine(t)
	register(t, eng, "alice")

	got, err := eng.Login(context.Background(), "alice", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got.LoginCount != 1 || got.LastLogin == nil {
		t.Fatalf("login bookkeeping not stamped: %+v", got)
	}

	if _, err := eng.Login(context.Background(), "alice", "wrong"); !errors.Is(err, account.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication for bad password, got %v", err)
	}
	if _, err := eng.Login(context.Background(), "nobody", "secret"); !errors.Is(err, account.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication for unknown user, got %v", err)
	}
}
