package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/stratos-labs/ai-gateway/internal/store"
)

func storeBackend(t *testing.T) Backend {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewStoreBackend(s)
}

// smallConfig keeps burst out of the way so window limits are what trips.
func smallConfig(perMinute int64) Config {
	return Config{
		RequestsPerMinute: perMinute, RequestsPerHour: 1_000, RequestsPerDay: 10_000,
		TokensPerMinute: 10_000, TokensPerHour: 100_000, TokensPerDay: 1_000_000,
		BurstLimit: 100, ConcurrencyLimit: 5,
	}
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	l := New(storeBackend(t))
	res := l.Check(context.Background(), "k1", smallConfig(3), 0)
	if !res.Allowed {
		t.Fatalf("expected allow: %+v", res)
	}
	if res.RemainingRequests != 2 {
		t.Fatalf("expected 2 remaining, got %d", res.RemainingRequests)
	}
}

func TestCheckDeniesOverMinuteLimit(t *testing.T) {
	l := New(storeBackend(t))
	cfg := smallConfig(3)

	for i := 0; i < 3; i++ {
		if res := l.Check(context.Background(), "k1", cfg, 0); !res.Allowed {
			t.Fatalf("request %d must be allowed: %+v", i+1, res)
		}
	}
	res := l.Check(context.Background(), "k1", cfg, 0)
	if res.Allowed {
		t.Fatal("fourth request in the same minute must be denied")
	}
	if res.Reason != "minute request limit exceeded" {
		t.Fatalf("unexpected reason: %q", res.Reason)
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Minute {
		t.Fatalf("retry-after must be within the minute window, got %v", res.RetryAfter)
	}

	// A different key is unaffected.
	if res := l.Check(context.Background(), "k2", cfg, 0); !res.Allowed {
		t.Fatalf("other key must be allowed: %+v", res)
	}
}

func TestTokenLimitDenies(t *testing.T) {
	l := New(storeBackend(t))
	cfg := smallConfig(100)
	cfg.TokensPerMinute = 500

	if res := l.Check(context.Background(), "k1", cfg, 0); !res.Allowed {
		t.Fatalf("precheck must pass: %+v", res)
	}
	if err := l.Commit(context.Background(), "k1", 500); err != nil {
		t.Fatalf("commit: %v", err)
	}
	res := l.Check(context.Background(), "k1", cfg, 1)
	if res.Allowed {
		t.Fatal("token budget exhausted; must deny")
	}
	if res.Reason != "minute token limit exceeded" {
		t.Fatalf("unexpected reason: %q", res.Reason)
	}
}

func TestCommitAccumulatesTokens(t *testing.T) {
	l := New(storeBackend(t))
	_ = l.Check(context.Background(), "k1", smallConfig(100), 0)
	if err := l.Commit(context.Background(), "k1", 123); err != nil {
		t.Fatalf("commit: %v", err)
	}
	windows, err := l.Status(context.Background(), "k1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if windows[store.WindowMinute].Tokens != 123 {
		t.Fatalf("tokens lost: %+v", windows[store.WindowMinute])
	}
	if windows[store.WindowDay].Requests != 1 {
		t.Fatalf("day window must count the request: %+v", windows[store.WindowDay])
	}
}

func TestBurstLimit(t *testing.T) {
	l := New(storeBackend(t))
	cfg := smallConfig(1_000)
	cfg.BurstLimit = 2

	allowed := 0
	for i := 0; i < 4; i++ {
		if res := l.Check(context.Background(), "k1", cfg, 0); res.Allowed {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("burst of 2 must admit exactly 2 instant requests, got %d", allowed)
	}
}

func TestConcurrency(t *testing.T) {
	l := New(storeBackend(t))
	if !l.AcquireConcurrency("k1", 2) || !l.AcquireConcurrency("k1", 2) {
		t.Fatal("first two slots must acquire")
	}
	if l.AcquireConcurrency("k1", 2) {
		t.Fatal("third slot must be rejected, not queued")
	}
	l.ReleaseConcurrency("k1")
	if !l.AcquireConcurrency("k1", 2) {
		t.Fatal("released slot must be reusable")
	}
}

type failingBackend struct{}

func (failingBackend) Windows(context.Context, string, time.Time) (map[store.WindowKind]store.RateWindow, error) {
	return nil, errors.New("backend down")
}
func (failingBackend) Add(context.Context, string, time.Time, int64, int64) error {
	return errors.New("backend down")
}

func TestFailsOpenOnBackendError(t *testing.T) {
	l := New(failingBackend{})
	res := l.Check(context.Background(), "k1", DefaultConfig, 0)
	if !res.Allowed {
		t.Fatal("limiter must fail open when the backend errors")
	}
	if !res.FailedOpen || res.Err == nil {
		t.Fatalf("fail-open must be reported for auditing: %+v", res)
	}
}

func TestRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	backend := NewRedisBackendFromClient(client)
	l := New(backend)
	cfg := smallConfig(2)

	if res := l.Check(context.Background(), "k1", cfg, 0); !res.Allowed {
		t.Fatalf("first request must pass: %+v", res)
	}
	if res := l.Check(context.Background(), "k1", cfg, 0); !res.Allowed {
		t.Fatalf("second request must pass: %+v", res)
	}
	if res := l.Check(context.Background(), "k1", cfg, 0); res.Allowed {
		t.Fatal("third request must be denied")
	}

	if err := l.Commit(context.Background(), "k1", 77); err != nil {
		t.Fatalf("commit: %v", err)
	}
	windows, err := backend.Windows(context.Background(), "k1", time.Now())
	if err != nil {
		t.Fatalf("windows: %v", err)
	}
	if windows[store.WindowMinute].Tokens != 77 {
		t.Fatalf("redis tokens lost: %+v", windows[store.WindowMinute])
	}
}

func TestConfigForPlan(t *testing.T) {
	if ConfigForPlan(store.PlanDev).RequestsPerMinute != 300 {
		t.Fatal("dev plan table wrong")
	}
	if ConfigForPlan(store.PlanTeam).RequestsPerMinute != 1_000 {
		t.Fatal("team plan table wrong")
	}
	if ConfigForPlan("unknown").RequestsPerMinute != 60 {
		t.Fatal("unknown plans fall back to defaults")
	}
}
