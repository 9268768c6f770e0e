// Package ratelimit enforces per-key quotas with sliding-window counters
// (minute/hour/day, requests and tokens), a burst bucket, and a concurrency
// cap. Window counters live in a pluggable backend (SQL store or Redis);
// burst and concurrency are process-local.
//
// The limiter fails open: when the backend errors, the request is admitted
// and the failure is surfaced so the caller can audit it.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stratos-labs/ai-gateway/internal/metrics"
	"github.com/stratos-labs/ai-gateway/internal/store"
)

// Config is the per-key limit set, derived from the key's plan.
type Config struct {
	RequestsPerMinute int64
	RequestsPerHour   int64
	RequestsPerDay    int64
	TokensPerMinute   int64
	TokensPerHour     int64
	TokensPerDay      int64
	BurstLimit        int64
	ConcurrencyLimit  int64
}

// Per-plan default limit tables.
var (
	DefaultConfig = Config{
		RequestsPerMinute: 60, RequestsPerHour: 1_000, RequestsPerDay: 10_000,
		TokensPerMinute: 10_000, TokensPerHour: 100_000, TokensPerDay: 1_000_000,
		BurstLimit: 10, ConcurrencyLimit: 5,
	}
	DevConfig = Config{
		RequestsPerMinute: 300, RequestsPerHour: 5_000, RequestsPerDay: 50_000,
		TokensPerMinute: 50_000, TokensPerHour: 500_000, TokensPerDay: 5_000_000,
		BurstLimit: 50, ConcurrencyLimit: 20,
	}
	TeamConfig = Config{
		RequestsPerMinute: 1_000, RequestsPerHour: 20_000, RequestsPerDay: 200_000,
		TokensPerMinute: 200_000, TokensPerHour: 2_000_000, TokensPerDay: 20_000_000,
		BurstLimit: 100, ConcurrencyLimit: 50,
	}
)

// ConfigForPlan maps a plan type to its limit table.
func ConfigForPlan(planType string) Config {
	switch planType {
	case store.PlanDev:
		return DevConfig
	case store.PlanTeam, store.PlanCustomize:
		return TeamConfig
	default:
		return DefaultConfig
	}
}

// Result is the outcome of a limit check.
type Result struct {
	Allowed           bool
	Reason            string
	RetryAfter        time.Duration
	RemainingRequests int64
	RemainingTokens   int64
	// FailedOpen is set when the backend erred and the request was admitted
	// anyway; callers should audit it.
	FailedOpen bool
	Err        error
}

// Limiter composes the window backend with local burst and concurrency
// tracking.
type Limiter struct {
	backend Backend

	mu          sync.Mutex
	burst       map[string]*bucket
	inFlight    map[string]int64
	now         func() time.Time
}

// New creates a Limiter over the given window backend.
func New(backend Backend) *Limiter {
	return &Limiter{
		backend:  backend,
		burst:    make(map[string]*bucket),
		inFlight: make(map[string]int64),
		now:      time.Now,
	}
}

// bucket is a token bucket used for burst control: BurstLimit requests may
// land instantly, refilled at one token per second.
type bucket struct {
	tokens     float64
	capacity   float64
	lastRefill time.Time
}

func (b *bucket) take(now time.Time) bool {
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// AcquireConcurrency reserves an in-flight slot for the key. Requests over
// the cap are rejected immediately, not queued.
func (l *Limiter) AcquireConcurrency(keyID string, limit int64) bool {
	if limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight[keyID] >= limit {
		metrics.RateLimitRejections.WithLabelValues("concurrency").Inc()
		return false
	}
	l.inFlight[keyID]++
	return true
}

// ReleaseConcurrency frees a slot reserved by AcquireConcurrency.
func (l *Limiter) ReleaseConcurrency(keyID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight[keyID] > 0 {
		l.inFlight[keyID]--
	}
}

// allowBurst consumes a burst token for the key.
func (l *Limiter) allowBurst(keyID string, limit int64, now time.Time) bool {
	if limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.burst[keyID]
	if !ok {
		b = &bucket{tokens: float64(limit), capacity: float64(limit), lastRefill: now}
		l.burst[keyID] = b
	}
	return b.take(now)
}

type windowLimit struct {
	kind     store.WindowKind
	requests int64
	tokens   int64
}

func (c Config) windowLimits() []windowLimit {
	return []windowLimit{
		{store.WindowMinute, c.RequestsPerMinute, c.TokensPerMinute},
		{store.WindowHour, c.RequestsPerHour, c.TokensPerHour},
		{store.WindowDay, c.RequestsPerDay, c.TokensPerDay},
	}
}

// Check admits or rejects a request. The pre-admission call uses
// tokensUsed=0 and counts one request; the prospective counter of every
// window must stay at or under its limit. Admitted requests are written
// through to the backend immediately.
func (l *Limiter) Check(ctx context.Context, keyID string, cfg Config, tokensUsed int64) Result {
	now := l.now()

	if !l.allowBurst(keyID, cfg.BurstLimit, now) {
		metrics.RateLimitRejections.WithLabelValues("burst").Inc()
		return Result{
			Allowed:    false,
			Reason:     "burst limit exceeded",
			RetryAfter: time.Second,
		}
	}

	windows, err := l.backend.Windows(ctx, keyID, now)
	if err != nil {
		// Fail open: quota accounting must not take the gateway down.
		return Result{Allowed: true, FailedOpen: true, Err: err,
			RemainingRequests: cfg.RequestsPerMinute, RemainingTokens: cfg.TokensPerMinute}
	}

	remainingReq := cfg.RequestsPerMinute
	remainingTok := cfg.TokensPerMinute
	for _, wl := range cfg.windowLimits() {
		w := windows[wl.kind]
		prospectiveReqs := w.Requests + 1
		prospectiveToks := w.Tokens + tokensUsed
		if prospectiveReqs > wl.requests || prospectiveToks > wl.tokens {
			metrics.RateLimitRejections.WithLabelValues(string(wl.kind)).Inc()
			reason := fmt.Sprintf("%s request limit exceeded", wl.kind)
			if prospectiveToks > wl.tokens {
				reason = fmt.Sprintf("%s token limit exceeded", wl.kind)
			}
			return Result{
				Allowed:           false,
				Reason:            reason,
				RetryAfter:        retryAfter(wl.kind, now),
				RemainingRequests: max64(wl.requests-w.Requests, 0),
				RemainingTokens:   max64(wl.tokens-w.Tokens, 0),
			}
		}
		if rem := wl.requests - prospectiveReqs; wl.kind == store.WindowMinute {
			remainingReq = max64(rem, 0)
			remainingTok = max64(wl.tokens-prospectiveToks, 0)
		}
	}

	if err := l.backend.Add(ctx, keyID, now, 1, tokensUsed); err != nil {
		return Result{Allowed: true, FailedOpen: true, Err: err,
			RemainingRequests: remainingReq, RemainingTokens: remainingTok}
	}
	return Result{Allowed: true, RemainingRequests: remainingReq, RemainingTokens: remainingTok}
}

// Commit adds the measured token count to the key's windows after the
// provider responded. The request itself was already counted by Check.
func (l *Limiter) Commit(ctx context.Context, keyID string, tokens int64) error {
	if tokens <= 0 {
		return nil
	}
	return l.backend.Add(ctx, keyID, l.now(), 0, tokens)
}

// Status returns the key's current window counters (for /v1/usage).
func (l *Limiter) Status(ctx context.Context, keyID string) (map[store.WindowKind]store.RateWindow, error) {
	return l.backend.Windows(ctx, keyID, l.now())
}

// retryAfter is the time until the violated window rolls over.
func retryAfter(kind store.WindowKind, now time.Time) time.Duration {
	start := kind.Truncate(now)
	return start.Add(kind.Duration()).Sub(now)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
