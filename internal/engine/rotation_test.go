package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/ledgergate/ledgergate/internal/account"
	"github.com/ledgergate/ledgergate/internal/auth"
)

func TestRotateKeyIssuesWorkingKey(t *testing.T) {
	eng, store := newTestEngine(t)
	alice := register(t, eng, "alice")

	key, err := eng.RotateKey(context.Background(), alice.AccessToken, "laptop")
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if !strings.HasPrefix(key, auth.APIKeyPrefix+"_") {
		t.Fatalf("unexpected key format %q", key)
	}

	got, err := eng.Resolve(context.Background(), key)
	if err != nil {
		t.Fatalf("Resolve by new key: %v", err)
	}
	if got.APIKey.Name != "laptop" {
		t.Fatalf("key name %q, want laptop", got.APIKey.Name)
	}
	if store.record(key) == nil {
		t.Fatalf("new key record missing from durable store")
	}
}

func TestRotateRetiresOldKey(t *testing.T) {
	eng, store := newTestEngine(t)
	alice := register(t, eng, "alice")

	oldKey, err := eng.RotateKey(context.Background(), alice.AccessToken, "first")
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	newKey, err := eng.RotateKey(context.Background(), alice.AccessToken, "second")
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}

	if _, err := eng.Resolve(context.Background(), oldKey); !account.IsAuthorization(err) {
		t.Fatalf("old key must fail with AuthorizationError, got %v", err)
	}
	got, err := eng.Resolve(context.Background(), alice.AccessToken)
	if err != nil {
		t.Fatalf("Resolve by token after rotation: %v", err)
	}
	if got.APIKey.Key != newKey || got.APIKey.Name != "second" {
		t.Fatalf("token view does not reflect new key: %+v", got.APIKey)
	}

	// The retired record survives in the store for audit, key flagged off.
	retired := store.record(oldKey)
	if retired == nil || retired.APIKey == nil || retired.APIKey.Active {
		t.Fatalf("old key record not preserved as inactive: %+v", retired)
	}
}

func TestDoubleRotationSingleActiveKey(t *testing.T) {
	eng, _ := newTestEngine(t)
	alice := register(t, eng, "alice")

	first, _ := eng.RotateKey(context.Background(), alice.AccessToken, "a")
	second, _ := eng.RotateKey(context.Background(), alice.AccessToken, "b")
	third, _ := eng.RotateKey(context.Background(), alice.AccessToken, "c")

	active := 0
	for _, key := range []string{first, second, third} {
		cached, ok := eng.cache.Get(key)
		if !ok {
			t.Fatalf("key %s no longer resolvable, audit trail lost", key)
		}
		if cached.APIKey.Active {
			active++
			if key != third {
				t.Fatalf("superseded key %s still active", key)
			}
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active key, found %d", active)
	}
}

func TestSetKeyActiveDualLocation(t *testing.T) {
	eng, store := newTestEngine(t)
	alice := register(t, eng, "alice")
	key, _ := eng.RotateKey(context.Background(), alice.AccessToken, "ci")

	if _, err := eng.SetKeyActive(context.Background(), alice.AccessToken, false); err != nil {
		t.Fatalf("SetKeyActive(false): %v", err)
	}
	if _, err := eng.Resolve(context.Background(), key); !account.IsAuthorization(err) {
		t.Fatalf("disabled key must fail authorization, got %v", err)
	}

	// Both the token-addressed and the key-addressed durable record flip.
	if acct := store.record(alice.AccessToken); acct.APIKey.Active {
		t.Fatalf("token record still shows active key")
	}
	if acct := store.record(key); acct.APIKey.Active {
		t.Fatalf("key record still shows active key")
	}

	if _, err := eng.SetKeyActive(context.Background(), alice.AccessToken, true); err != nil {
		t.Fatalf("SetKeyActive(true): %v", err)
	}
	if _, err := eng.Resolve(context.Background(), key); err != nil {
		t.Fatalf("re-enabled key must resolve, got %v", err)
	}
}

func TestRotateWithoutExistingKey(t *testing.T) {
	eng, _ := newTestEngine(t)
	alice := register(t, eng, "alice")

	key, err := eng.RotateKey(context.Background(), alice.AccessToken, "")
	if err != nil {
		t.Fatalf("RotateKey on keyless account: %v", err)
	}
	got, err := eng.Resolve(context.Background(), key)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.APIKey.Name != "default" {
		t.Fatalf("empty name should default, got %q", got.APIKey.Name)
	}
}

func TestRotateKeyStoreDownConvergesOnFlush(t *testing.T) {
	eng, store := newTestEngine(t)
	alice := register(t, eng, "alice")

	store.fail(true)
	key, err := eng.RotateKey(context.Background(), alice.AccessToken, "offline")
	if err != nil {
		t.Fatalf("RotateKey while store down: %v", err)
	}
	if _, err := eng.Resolve(context.Background(), key); err != nil {
		t.Fatalf("new key must work cache-only: %v", err)
	}

	store.fail(false)
	if _, err := eng.FlushAll(context.Background()); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if store.record(key) == nil {
		t.Fatalf("flush did not persist the cache-only key record")
	}
}
