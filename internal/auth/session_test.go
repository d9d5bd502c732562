package auth

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestSessionLifecycle(t *testing.T) {
	manager := NewSessionManager(time.Minute)
	token, expiresAt, err := manager.Create("user-123", []byte(`{"searches":{}}`))
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	if expiresAt.Before(time.Now()) {
		t.Fatal("expected expiry in the future")
	}

	record, ok, err := manager.Validate(token)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected token to validate")
	}
	if record.UserID != "user-123" {
		t.Fatalf("expected user id user-123, got %s", record.UserID)
	}
	if string(record.State) != `{"searches":{}}` {
		t.Fatalf("unexpected state %s", record.State)
	}

	if err := manager.Revoke(token); err != nil {
		t.Fatalf("Revoke returned error: %v", err)
	}
	if _, ok, err := manager.Validate(token); err != nil || ok {
		if err != nil {
			t.Fatalf("Validate returned error for revoked token: %v", err)
		}
		t.Fatal("expected revoked token to be invalid")
	}
}

func TestAnonymousSession(t *testing.T) {
	manager := NewSessionManager(time.Minute)
	token, _, err := manager.Create("", []byte(`{"flashes":[]}`))
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	record, ok, err := manager.Validate(token)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected anonymous session to validate")
	}
	if record.UserID != "" {
		t.Fatalf("expected empty user id, got %s", record.UserID)
	}
}

func TestSessionExpiration(t *testing.T) {
	store := NewMemorySessionStore()
	manager := NewSessionManager(10*time.Millisecond, WithStore(store))
	token, _, err := manager.Create("user-123", nil)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if err := manager.PurgeExpired(); err != nil {
		t.Fatalf("PurgeExpired returned error: %v", err)
	}
	if _, ok, err := store.Get(HashSessionToken(token)); err != nil {
		t.Fatalf("Get returned error: %v", err)
	} else if ok {
		t.Fatal("expected expired session to be purged")
	}
	if _, ok, err := manager.Validate(token); err != nil || ok {
		if err != nil {
			t.Fatalf("Validate returned error for expired token: %v", err)
		}
		t.Fatal("expected expired token to be invalid")
	}
}

func TestUpdateState(t *testing.T) {
	manager := NewSessionManager(time.Minute)
	token, _, err := manager.Create("user-123", nil)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := manager.UpdateState(token, []byte(`{"searches":{"perfdata":{"q":"star"}}}`)); err != nil {
		t.Fatalf("UpdateState returned error: %v", err)
	}
	record, ok, err := manager.Validate(token)
	if err != nil || !ok {
		t.Fatalf("Validate failed: ok=%v err=%v", ok, err)
	}
	if string(record.State) != `{"searches":{"perfdata":{"q":"star"}}}` {
		t.Fatalf("unexpected state %s", record.State)
	}

	if err := manager.UpdateState("", nil); err == nil {
		t.Fatal("expected error for empty token")
	}
	if err := manager.UpdateState("missing", nil); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestIdleTimeoutRefreshesExpiry(t *testing.T) {
	store := NewMemorySessionStore()
	manager := NewSessionManager(time.Hour, WithStore(store), WithIdleTimeout(time.Minute))
	token, expiresAt, err := manager.Create("user-123", nil)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if expiresAt.After(time.Now().Add(2 * time.Minute)) {
		t.Fatal("expected idle expiry shorter than absolute TTL")
	}

	time.Sleep(5 * time.Millisecond)
	record, ok, err := manager.Validate(token)
	if err != nil || !ok {
		t.Fatalf("Validate failed: ok=%v err=%v", ok, err)
	}
	if !record.ExpiresAt.After(expiresAt.UTC()) && !record.ExpiresAt.Equal(expiresAt.UTC()) {
		t.Fatalf("expected refreshed expiry, got %v before %v", record.ExpiresAt, expiresAt)
	}
	if record.ExpiresAt.After(record.AbsoluteExpiresAt) {
		t.Fatal("idle expiry must not pass the absolute expiry")
	}
}

func TestSessionPersistsAcrossManagers(t *testing.T) {
	store := NewMemorySessionStore()
	first := NewSessionManager(time.Minute, WithStore(store))
	token, _, err := first.Create("user-123", nil)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	second := NewSessionManager(time.Minute, WithStore(store))
	record, ok, err := second.Validate(token)
	if err != nil || !ok {
		t.Fatalf("expected session to survive manager restart: ok=%v err=%v", ok, err)
	}
	if record.UserID != "user-123" {
		t.Fatalf("unexpected user id %s", record.UserID)
	}
}

func TestConcurrentSessionCreation(t *testing.T) {
	manager := NewSessionManager(time.Minute)
	var wg sync.WaitGroup
	tokens := make(chan string, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, _, err := manager.Create(fmt.Sprintf("user-%d", i), nil)
			if err != nil {
				t.Errorf("Create returned error: %v", err)
				return
			}
			tokens <- token
		}(i)
	}
	wg.Wait()
	close(tokens)

	seen := make(map[string]bool)
	for token := range tokens {
		if seen[token] {
			t.Fatal("duplicate session token issued")
		}
		seen[token] = true
	}
}

func TestHashSessionTokenStable(t *testing.T) {
	if HashSessionToken("abc") != HashSessionToken("abc") {
		t.Fatal("expected stable hash")
	}
	if HashSessionToken("abc") == HashSessionToken("abd") {
		t.Fatal("expected distinct hashes for distinct tokens")
	}
}
