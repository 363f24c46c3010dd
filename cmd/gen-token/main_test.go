package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"task-sync/api"
)

func TestSignedTokenIsAccepted(t *testing.T) {
	tok, err := signToken("local-secret", "task-sync", "user-7", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	auth, err := api.NewAuth(nil, api.AuthConfig{Audience: "task-sync", SharedSecret: "local-secret"})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	user, err := auth.UserIDFromToken(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if user != "user-7" {
		t.Fatalf("unexpected user %q", user)
	}
}

func TestSignTokenRequiresSecret(t *testing.T) {
	if _, err := signToken("", "", "u", time.Hour, time.Now()); err == nil {
		t.Fatalf("expected error without secret")
	}
}

func TestUserIDs(t *testing.T) {
	if got := userIDs(1, "p", 1, []string{"alice"}); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("explicit id: %v", got)
	}
	if got := userIDs(1, "p", 1, nil); got[0] != "p" {
		t.Fatalf("single id: %v", got)
	}
	got := userIDs(3, "p", 5, nil)
	if len(got) != 3 || got[0] != "p-5" || got[2] != "p-7" {
		t.Fatalf("generated ids: %v", got)
	}
}

func TestWriteTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tokens.json")
	if err := writeTokens(path, []string{"a", "b"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var tokens []string
	if err := sonic.Unmarshal(data, &tokens); err != nil || len(tokens) != 2 {
		t.Fatalf("unexpected content %q: %v", data, err)
	}
}
