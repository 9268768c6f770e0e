package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedUser(t *testing.T, s *SQLStore, id string, creditsMicro int64) *User {
	t.Helper()
	u := &User{
		ID:                 id,
		IdentitySubject:    "sub-" + id,
		Email:              id + "@example.com",
		CreditsMicro:       creditsMicro,
		SubscriptionStatus: SubscriptionActive,
		IsActive:           true,
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func TestGetUserNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetUser(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeductCredits(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u1", 5_000_000)

	balance, err := s.DeductCredits(context.Background(), "u1", 2_000_000)
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if balance != 3_000_000 {
		t.Fatalf("expected balance 3000000, got %d", balance)
	}
}

func TestDeductCreditsInsufficient(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u1", 100)

	balance, err := s.DeductCredits(context.Background(), "u1", 200)
	if err != ErrInsufficientCredits {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if balance != 100 {
		t.Fatalf("balance must be untouched, got %d", balance)
	}
}

func TestDeductCreditsConcurrent(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u1", 10_000)

	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.DeductCredits(context.Background(), "u1", 1_000)
		}()
	}
	wg.Wait()

	u, err := s.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.CreditsMicro != 0 {
		t.Fatalf("expected final balance 0, got %d", u.CreditsMicro)
	}
}

func TestDeductCreditsFloor(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u1", 150)

	deducted, err := s.DeductCreditsFloor(context.Background(), "u1", 400)
	if err != nil {
		t.Fatalf("floor deduct: %v", err)
	}
	if deducted != 150 {
		t.Fatalf("expected 150 deducted, got %d", deducted)
	}
	u, _ := s.GetUser(context.Background(), "u1")
	if u.CreditsMicro != 0 {
		t.Fatalf("expected balance floored at 0, got %d", u.CreditsMicro)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u1", 0)

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	maxReq := int64(100)
	key := &APIKey{
		ID:               "k1",
		UserID:           "u1",
		Secret:           "live_abc123",
		Name:             "primary",
		IsActive:         true,
		IsPrimary:        true,
		Scopes:           ScopeMap{"chat": {"*"}},
		ExpiresAt:        &expires,
		MaxRequests:      &maxReq,
		IPAllowlist:      []string{"10.0.0.1"},
		RefererAllowlist: []string{"example.com"},
	}
	if err := s.CreateAPIKey(context.Background(), key); err != nil {
		t.Fatalf("create key: %v", err)
	}

	got, err := s.GetKeyBySecret(context.Background(), "live_abc123")
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if got.UserID != "u1" || got.Name != "primary" || !got.IsPrimary {
		t.Fatalf("unexpected key row: %+v", got)
	}
	if got.EnvironmentTag != EnvLive {
		t.Fatalf("expected live environment tag, got %s", got.EnvironmentTag)
	}
	if len(got.Scopes["chat"]) != 1 || got.Scopes["chat"][0] != "*" {
		t.Fatalf("scopes lost in round trip: %+v", got.Scopes)
	}
	if got.MaxRequests == nil || *got.MaxRequests != 100 {
		t.Fatalf("max_requests lost: %+v", got.MaxRequests)
	}
	if len(got.IPAllowlist) != 1 || got.IPAllowlist[0] != "10.0.0.1" {
		t.Fatalf("ip allowlist lost: %+v", got.IPAllowlist)
	}
}

func TestKeyNameUniquePerUser(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u1", 0)
	seedUser(t, s, "u2", 0)

	mk := func(id, user, secret, name string) error {
		return s.CreateAPIKey(context.Background(), &APIKey{
			ID: id, UserID: user, Secret: secret, Name: name, IsActive: true,
		})
	}
	if err := mk("k1", "u1", "live_a", "default"); err != nil {
		t.Fatalf("first key: %v", err)
	}
	if err := mk("k2", "u1", "live_b", "default"); err != ErrConstraint {
		t.Fatalf("expected ErrConstraint for duplicate name, got %v", err)
	}
	// Same name under a different user is fine.
	if err := mk("k3", "u2", "live_c", "default"); err != nil {
		t.Fatalf("other user same name: %v", err)
	}

	ok, err := s.CheckKeyNameUnique(context.Background(), "u1", "default", "")
	if err != nil {
		t.Fatalf("check unique: %v", err)
	}
	if ok {
		t.Fatal("expected name to be taken")
	}
	ok, _ = s.CheckKeyNameUnique(context.Background(), "u1", "default", "k1")
	if !ok {
		t.Fatal("excluding the owning key should report unique")
	}
}

func TestTouchKeyUsage(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u1", 0)
	_ = s.CreateAPIKey(context.Background(), &APIKey{ID: "k1", UserID: "u1", Secret: "live_a", Name: "n", IsActive: true})

	now := time.Now()
	if err := s.TouchKeyUsage(context.Background(), "k1", now); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, _ := s.GetKeyBySecret(context.Background(), "live_a")
	if got.RequestsUsed != 1 {
		t.Fatalf("expected requests_used=1, got %d", got.RequestsUsed)
	}
	if got.LastUsedAt == nil {
		t.Fatal("expected last_used_at set")
	}
}

func TestRecordUsageDuplicateRequestID(t *testing.T) {
	s := newTestStore(t)
	rec := &UsageRecord{
		ID: "r1", UserID: "u1", KeyID: "k1", Model: "gpt-4o-mini", Provider: "openrouter",
		TokensPrompt: 10, TokensCompletion: 20, CostMicro: 600, LatencyMS: 120,
		RequestID: "req-1", Timestamp: time.Now(),
	}
	if err := s.RecordUsage(context.Background(), rec); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	dup := *rec
	dup.ID = "r2"
	if err := s.RecordUsage(context.Background(), &dup); err != ErrConflict {
		t.Fatalf("expected ErrConflict for duplicate request_id, got %v", err)
	}
}

func TestSumUsage(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	for i, tokens := range []int64{100, 200} {
		_ = s.RecordUsage(context.Background(), &UsageRecord{
			ID: string(rune('a' + i)), UserID: "u1", KeyID: "k1", Model: "m", Provider: "p",
			TokensPrompt: tokens, TokensCompletion: tokens, RequestID: time.Now().String() + string(rune(i)),
			Timestamp: now,
		})
	}
	totals, err := s.SumUsage(context.Background(), "u1", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("sum usage: %v", err)
	}
	if totals.Requests != 2 || totals.Tokens != 600 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
}

func TestRateWindowUpsertMonotonic(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	start := WindowMinute.Truncate(now)

	w, err := s.UpsertRateWindow(context.Background(), "k1", WindowMinute, start, 1, 0)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if w.Requests != 1 || w.Tokens != 0 {
		t.Fatalf("unexpected counters after first upsert: %+v", w)
	}

	w, err = s.UpsertRateWindow(context.Background(), "k1", WindowMinute, start, 0, 500)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if w.Requests != 1 || w.Tokens != 500 {
		t.Fatalf("counters must accumulate: %+v", w)
	}

	windows, err := s.GetRateWindows(context.Background(), "k1", now)
	if err != nil {
		t.Fatalf("get windows: %v", err)
	}
	if windows[WindowMinute].Requests != 1 {
		t.Fatalf("minute window lost: %+v", windows[WindowMinute])
	}
	// Hour/day windows were never written; they come back zeroed.
	if windows[WindowHour].Requests != 0 || windows[WindowDay].Requests != 0 {
		t.Fatalf("expected empty hour/day windows: %+v", windows)
	}
}

func TestUserPlanAssignment(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "u1", 0)
	plan := &Plan{
		ID: "p1", Name: "Dev", Type: PlanDev,
		DailyRequestLimit: 50_000, MonthlyRequestLimit: 1_000_000,
		DailyTokenLimit: 5_000_000, MonthlyTokenLimit: 100_000_000,
		MaxConcurrentRequests: 20, Features: []string{"streaming"}, IsActive: true,
	}
	if err := s.CreatePlan(context.Background(), plan); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if err := s.AssignUserPlan(context.Background(), &UserPlan{ID: "up1", UserID: "u1", PlanID: "p1"}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	up, p, err := s.GetActiveUserPlan(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get active plan: %v", err)
	}
	if up.PlanID != "p1" || p.Type != PlanDev {
		t.Fatalf("unexpected plan: %+v %+v", up, p)
	}

	// Assigning a second plan deactivates the first.
	plan2 := *plan
	plan2.ID, plan2.Type = "p2", PlanTeam
	_ = s.CreatePlan(context.Background(), &plan2)
	if err := s.AssignUserPlan(context.Background(), &UserPlan{ID: "up2", UserID: "u1", PlanID: "p2"}); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	up, _, _ = s.GetActiveUserPlan(context.Background(), "u1")
	if up.ID != "up2" {
		t.Fatalf("expected up2 active, got %s", up.ID)
	}
}

func TestInsertAudit(t *testing.T) {
	s := newTestStore(t)
	details, _ := json.Marshal(map[string]string{"reason": "ip_rejected"})
	err := s.InsertAudit(context.Background(), &AuditEntry{
		UserID: "u1", KeyID: "k1", Action: "security_violation", Details: details, IP: "10.0.0.9",
	})
	if err != nil {
		t.Fatalf("insert audit: %v", err)
	}
}
