package auth

import (
	"strings"
	"testing"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !VerifyPassword(hash, "s3cret") {
		t.Fatalf("correct password rejected")
	}
	if VerifyPassword(hash, "wrong") {
		t.Fatalf("wrong password accepted")
	}
	if VerifyPassword("not-base64!!", "s3cret") {
		t.Fatalf("garbage hash accepted")
	}

	again, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if again == hash {
		t.Fatalf("expected per-hash salt, got identical hashes")
	}
}

func TestGenerateCredentialFormat(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 20; i++ {
		key, err := GenerateCredential(APIKeyPrefix)
		if err != nil {
			t.Fatalf("GenerateCredential: %v", err)
		}
		if !strings.HasPrefix(key, "user_key_") {
			t.Fatalf("unexpected prefix: %s", key)
		}
		if len(key) != len("user_key_")+24 {
			t.Fatalf("unexpected length: %s", key)
		}
		if _, dup := seen[key]; dup {
			t.Fatalf("duplicate credential generated")
		}
		seen[key] = struct{}{}
	}
}

func TestNewUserIDUnique(t *testing.T) {
	if NewUserID() == NewUserID() {
		t.Fatalf("user ids collided")
	}
}
