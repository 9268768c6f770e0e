package authgate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stratos-labs/ai-gateway/internal/store"
)

func testStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s *store.SQLStore, key store.APIKey, userActive bool) {
	t.Helper()
	err := s.CreateUser(context.Background(), &store.User{
		ID: key.UserID, IdentitySubject: "sub", Email: "u@example.com",
		SubscriptionStatus: store.SubscriptionActive, IsActive: userActive,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := s.CreateAPIKey(context.Background(), &key); err != nil {
		t.Fatalf("create key: %v", err)
	}
}

func baseKey() store.APIKey {
	return store.APIKey{
		ID: "k1", UserID: "u1", Secret: "live_secret", Name: "default", IsActive: true,
	}
}

func TestAuthenticateHappyPath(t *testing.T) {
	s := testStore(t)
	seed(t, s, baseKey(), true)
	g := New(s, nil)

	p, err := g.Authenticate(context.Background(), "live_secret", RequestMeta{ClientIP: "1.2.3.4"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.User.ID != "u1" || p.Key.ID != "k1" {
		t.Fatalf("unexpected principal: %+v", p)
	}

	// Best-effort usage bump happened.
	k, _ := s.GetKeyBySecret(context.Background(), "live_secret")
	if k.RequestsUsed != 1 || k.LastUsedAt == nil {
		t.Fatalf("key usage not touched: %+v", k)
	}
}

func TestAuthenticateUnknownSecret(t *testing.T) {
	g := New(testStore(t), nil)
	_, err := g.Authenticate(context.Background(), "nope", RequestMeta{})
	if !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
}

func TestAuthenticateDisabledUser(t *testing.T) {
	s := testStore(t)
	seed(t, s, baseKey(), false)
	_, err := New(s, nil).Authenticate(context.Background(), "live_secret", RequestMeta{})
	if !errors.Is(err, ErrUserDisabled) {
		t.Fatalf("expected ErrUserDisabled, got %v", err)
	}
}

func TestAuthenticateInactiveKey(t *testing.T) {
	s := testStore(t)
	k := baseKey()
	k.IsActive = false
	seed(t, s, k, true)
	_, err := New(s, nil).Authenticate(context.Background(), "live_secret", RequestMeta{})
	if !errors.Is(err, ErrKeyInactive) {
		t.Fatalf("expected ErrKeyInactive, got %v", err)
	}
}

func TestAuthenticateExpiredKey(t *testing.T) {
	s := testStore(t)
	k := baseKey()
	past := time.Now().Add(-time.Second)
	k.ExpiresAt = &past
	seed(t, s, k, true)
	_, err := New(s, nil).Authenticate(context.Background(), "live_secret", RequestMeta{})
	if !errors.Is(err, ErrKeyExpired) {
		t.Fatalf("expected ErrKeyExpired, got %v", err)
	}
}

func TestAuthenticateKeyRequestCap(t *testing.T) {
	s := testStore(t)
	k := baseKey()
	maxReq := int64(1)
	k.MaxRequests = &maxReq
	k.RequestsUsed = 1
	seed(t, s, k, true)
	_, err := New(s, nil).Authenticate(context.Background(), "live_secret", RequestMeta{})
	if !errors.Is(err, ErrKeyLimitReached) {
		t.Fatalf("expected ErrKeyLimitReached, got %v", err)
	}
}

func TestIPAllowlist(t *testing.T) {
	s := testStore(t)
	k := baseKey()
	k.IPAllowlist = []string{"10.0.0.1"}
	seed(t, s, k, true)
	g := New(s, nil)

	if _, err := g.Authenticate(context.Background(), "live_secret", RequestMeta{ClientIP: "10.0.0.2"}); !errors.Is(err, ErrIPNotAllowed) {
		t.Fatalf("expected ErrIPNotAllowed, got %v", err)
	}
	if _, err := g.Authenticate(context.Background(), "live_secret", RequestMeta{ClientIP: "10.0.0.1"}); err != nil {
		t.Fatalf("allowed ip rejected: %v", err)
	}
}

func TestEmptyIPAllowlistAcceptsAll(t *testing.T) {
	s := testStore(t)
	seed(t, s, baseKey(), true)
	if _, err := New(s, nil).Authenticate(context.Background(), "live_secret", RequestMeta{ClientIP: "203.0.113.50"}); err != nil {
		t.Fatalf("empty allowlist must accept any ip: %v", err)
	}
}

func TestRefererAllowlist(t *testing.T) {
	s := testStore(t)
	k := baseKey()
	k.RefererAllowlist = []string{"example.com"}
	seed(t, s, k, true)
	g := New(s, nil)

	if _, err := g.Authenticate(context.Background(), "live_secret", RequestMeta{Referer: "https://evil.test/page"}); !errors.Is(err, ErrRefererNotAllowed) {
		t.Fatalf("expected ErrRefererNotAllowed, got %v", err)
	}
	// Substring match per the allowlist contract.
	if _, err := g.Authenticate(context.Background(), "live_secret", RequestMeta{Referer: "https://app.example.com/chat"}); err != nil {
		t.Fatalf("allowed referer rejected: %v", err)
	}
}

func TestAuthorize(t *testing.T) {
	cases := []struct {
		name     string
		scopes   store.ScopeMap
		action   string
		resource string
		want     bool
	}{
		{"empty map default-allows", nil, "chat", "gpt-4o", true},
		{"action wildcard resource", store.ScopeMap{"chat": {"*"}}, "chat", "gpt-4o", true},
		{"exact resource", store.ScopeMap{"chat": {"gpt-4o"}}, "chat", "gpt-4o", true},
		{"wrong resource", store.ScopeMap{"chat": {"gpt-4o"}}, "chat", "claude-3", false},
		{"missing action", store.ScopeMap{"images": {"*"}}, "chat", "gpt-4o", false},
		{"star action", store.ScopeMap{"*": {"*"}}, "anything", "anywhere", true},
	}
	for _, tc := range cases {
		if got := Authorize(tc.scopes, tc.action, tc.resource); got != tc.want {
			t.Errorf("%s: Authorize = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestAdminSecretMatches(t *testing.T) {
	if !AdminSecretMatches("s3cret", "s3cret") {
		t.Fatal("matching secrets must pass")
	}
	if AdminSecretMatches("wrong", "s3cret") {
		t.Fatal("mismatched secrets must fail")
	}
	if AdminSecretMatches("", "") {
		t.Fatal("empty configured secret must never match")
	}
}
