package cache

import (
	"testing"
	"time"

	"github.com/ledgergate/ledgergate/internal/account"
)

func newAccount(userID, username, token, key string) *account.Account {
	acct := &account.Account{
		UserID:      userID,
		Username:    username,
		AccessToken: token,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if key != "" {
		acct.APIKey = &account.APIKey{Key: key, Name: "default", Active: true, CreatedAt: time.Now().UTC()}
	}
	return acct
}

func TestAliasesShareOneRecord(t *testing.T) {
	c := New()
	c.PutLive(newAccount("u1", "alice", "tok1", "key1"))

	byToken, ok := c.Get("tok1")
	if !ok {
		t.Fatalf("token alias missing")
	}
	byKey, ok := c.Get("key1")
	if !ok {
		t.Fatalf("key alias missing")
	}
	if byToken.UserID != byKey.UserID {
		t.Fatalf("aliases resolved to different accounts")
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 aliases, got %d", c.Len())
	}
	if got := c.Snapshot(); len(got) != 1 {
		t.Fatalf("expected 1 account in snapshot, got %d", len(got))
	}
}

func TestGetReturnsCopy(t *testing.T) {
	c := New()
	c.PutLive(newAccount("u1", "alice", "tok1", "key1"))

	got, _ := c.Get("tok1")
	got.Username = "mallory"
	got.APIKey.Active = false

	again, _ := c.Get("tok1")
	if again.Username != "alice" || !again.APIKey.Active {
		t.Fatalf("cache leaked mutable state: %+v", again)
	}
}

func TestPutLiveDropsStaleAliases(t *testing.T) {
	c := New()
	acct := newAccount("u1", "alice", "tok1", "key1")
	c.PutLive(acct)

	rotated := acct.Clone()
	rotated.APIKey = &account.APIKey{Key: "key2", Name: "rotated", Active: true}
	c.PutLive(rotated)

	if _, ok := c.Get("key1"); ok {
		t.Fatalf("old key alias still resolves to live record")
	}
	if got, ok := c.Get("key2"); !ok || got.UserID != "u1" {
		t.Fatalf("new key alias missing")
	}
}

func TestPutRetiredKeepsOldKeyResolvable(t *testing.T) {
	c := New()
	acct := newAccount("u1", "alice", "tok1", "key1")
	c.PutLive(acct)

	retired := acct.Clone()
	retired.APIKey.Active = false
	c.PutRetired("key1", retired)

	rotated := acct.Clone()
	rotated.APIKey = &account.APIKey{Key: "key2", Name: "rotated", Active: true}
	c.PutLive(rotated)

	old, ok := c.Get("key1")
	if !ok {
		t.Fatalf("retired key no longer resolvable")
	}
	if old.APIKey.Active {
		t.Fatalf("retired key still active")
	}
	live, _ := c.Get("tok1")
	if live.APIKey.Key != "key2" {
		t.Fatalf("live record not updated")
	}
}

func TestScanByKeyFallback(t *testing.T) {
	c := New()
	c.PutLive(newAccount("u1", "alice", "tok1", "key1"))
	c.PutLive(newAccount("u2", "bob", "tok2", "key2"))

	got, ok := c.ScanByKey("key2")
	if !ok || got.Username != "bob" {
		t.Fatalf("scan missed embedded key")
	}
	if _, ok := c.ScanByKey("missing"); ok {
		t.Fatalf("scan matched nonexistent key")
	}
}

func TestReplaceAllPrefersTokenAddressedRows(t *testing.T) {
	stale := newAccount("u1", "alice", "tok1", "key1")
	fresh := stale.Clone()
	fresh.RequestCount = 7

	retiredOwner := newAccount("u2", "bob", "tok2", "oldkey")
	retired := retiredOwner.Clone()
	retired.APIKey.Active = false

	c := New()
	c.ReplaceAll(map[string]*account.Account{
		"key1":   stale, // stale key row
		"tok1":   fresh, // token row wins
		"tok2":   retiredOwner,
		"oldkey": retired,
	})

	got, _ := c.Get("key1")
	if got.RequestCount != 7 {
		t.Fatalf("key alias served stale row, count=%d", got.RequestCount)
	}
	old, ok := c.Get("oldkey")
	if !ok || old.APIKey.Active {
		t.Fatalf("retired row not preserved as disabled")
	}
	if live, _ := c.Get("tok2"); live.UserID != "u2" {
		t.Fatalf("live record for u2 missing")
	}
}
