package gateway

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stratos-labs/ai-gateway/internal/authgate"
	"github.com/stratos-labs/ai-gateway/internal/store"
	"github.com/stratos-labs/ai-gateway/providers"
)

// fakeProvider is a scriptable adapter used across orchestrator tests.
type fakeProvider struct {
	name     string
	models   []providers.RawModel
	response *providers.Response
	err      error
	chunks   []providers.StreamChunk
	calls    int
	lastReq  providers.Request
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) ListModels(context.Context) ([]providers.RawModel, error) {
	return f.models, nil
}

func (f *fakeProvider) Complete(_ context.Context, req providers.Request) (*providers.Response, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func (f *fakeProvider) CompleteStream(ctx context.Context, req providers.Request) (<-chan providers.StreamChunk, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan providers.StreamChunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func okResponse(prompt, completion int) *providers.Response {
	return &providers.Response{
		ID:    "cmpl-1",
		Model: "native-model",
		Choices: []providers.Choice{{
			Message:      providers.Message{Role: providers.RoleAssistant, Content: "hello"},
			FinishReason: "stop",
		}},
		Usage: providers.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}
}

func testConfig() *Config {
	return &Config{
		ListenAddr:               "8080",
		StoreURL:                 ":memory:",
		CircuitFailureThreshold:  5,
		CircuitTimeoutSeconds:    300,
		RequestTimeoutSeconds:    120,
		StreamIdleTimeoutSeconds: 60,
		StreamMaxDurationSeconds: 600,
	}
}

// testGateway wires a gateway over in-memory SQLite with the given fake
// providers registered and the registry refreshed from their catalogs.
func testGateway(t *testing.T, provs ...*fakeProvider) (*Gateway, *store.SQLStore) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	gw, err := New(testConfig(), st)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	t.Cleanup(gw.Close)

	for _, p := range provs {
		gw.RegisterProvider(p)
	}
	if err := gw.RefreshRegistry(context.Background()); err != nil {
		t.Fatalf("refresh registry: %v", err)
	}
	return gw, st
}

func seedPrincipal(t *testing.T, st *store.SQLStore, creditsMicro int64, mutate func(*store.User, *store.APIKey)) *authgate.Principal {
	t.Helper()
	user := &store.User{
		ID: "u1", IdentitySubject: "sub-u1", Email: "u1@example.com",
		CreditsMicro: creditsMicro, SubscriptionStatus: store.SubscriptionActive, IsActive: true,
	}
	key := &store.APIKey{
		ID: "k1", UserID: "u1", Secret: "live_test_key_secret", Name: "default", IsActive: true,
	}
	if mutate != nil {
		mutate(user, key)
	}
	if err := st.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := st.CreateAPIKey(context.Background(), key); err != nil {
		t.Fatalf("create key: %v", err)
	}
	return &authgate.Principal{User: user, Key: key, Scopes: key.Scopes}
}

func chatReq(model string) *ChatRequest {
	return &ChatRequest{
		Model:    model,
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	}
}

func TestChatHappyPath(t *testing.T) {
	p := &fakeProvider{
		name:     "openrouter",
		models:   []providers.RawModel{{ID: "openai/gpt-4o-mini"}},
		response: okResponse(3, 2),
	}
	gw, st := testGateway(t, p)
	principal := seedPrincipal(t, st, 5*store.MicroCreditsPerCredit, nil)

	resp, err := gw.Chat(context.Background(), principal, chatReq("gpt-4o-mini"))
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Choices[0].Message.Content == "" {
		t.Fatal("choices[0].message.content must be non-empty")
	}
	if resp.Model != "gpt-4o-mini" {
		t.Fatalf("clients see the canonical id, got %q", resp.Model)
	}
	if resp.GatewayUsage.TokensCharged != 5 {
		t.Fatalf("expected 5 tokens charged, got %d", resp.GatewayUsage.TokensCharged)
	}

	// Balance decreased by tokens × fallback rate (5 × 20 µcr).
	u, _ := st.GetUser(context.Background(), "u1")
	if u.CreditsMicro != 5*store.MicroCreditsPerCredit-100 {
		t.Fatalf("unexpected balance: %d", u.CreditsMicro)
	}
	if resp.GatewayUsage.UserBalanceAfter == nil {
		t.Fatal("gateway_usage must carry the post-deduction balance")
	}

	// Exactly one usage record.
	totals, _ := st.SumUsage(context.Background(), "u1", time.Now().Add(-time.Minute))
	if totals.Requests != 1 || totals.Tokens != 5 {
		t.Fatalf("unexpected usage totals: %+v", totals)
	}
}

func TestChatUnknownModel(t *testing.T) {
	gw, st := testGateway(t, &fakeProvider{name: "openrouter", models: []providers.RawModel{{ID: "m1"}}, response: okResponse(1, 1)})
	principal := seedPrincipal(t, st, store.MicroCreditsPerCredit, nil)

	_, err := gw.Chat(context.Background(), principal, chatReq("not-a-model"))
	re := AsRequestError(err)
	if re.Status != http.StatusNotFound || re.Code != CodeModelUnknown {
		t.Fatalf("expected 404 model_unknown, got %+v", re)
	}
	// Rejected requests produce no usage records.
	totals, _ := st.SumUsage(context.Background(), "u1", time.Now().Add(-time.Minute))
	if totals.Requests != 0 {
		t.Fatalf("rejection must not record usage: %+v", totals)
	}
}

func TestChatMaxTokensValidation(t *testing.T) {
	p := &fakeProvider{name: "openrouter", models: []providers.RawModel{{ID: "m1"}}, response: okResponse(1, 1)}
	gw, st := testGateway(t, p)
	principal := seedPrincipal(t, st, store.MicroCreditsPerCredit, nil)

	// Zero is fatal.
	req := chatReq("m1")
	zero := 0
	req.MaxTokens = &zero
	_, err := gw.Chat(context.Background(), principal, req)
	if re := AsRequestError(err); re.Status != http.StatusBadRequest {
		t.Fatalf("max_tokens=0 must 400, got %+v", re)
	}

	// Oversized clamps to the cap and the request succeeds.
	req = chatReq("m1")
	big := 5000
	req.MaxTokens = &big
	if _, err := gw.Chat(context.Background(), principal, req); err != nil {
		t.Fatalf("clamped request must succeed: %v", err)
	}
	if p.lastReq.MaxTokens == nil || *p.lastReq.MaxTokens != 1000 {
		t.Fatalf("provider must receive the capped value, got %+v", p.lastReq.MaxTokens)
	}

	// Absent defaults to 950.
	req = chatReq("m1")
	if _, err := gw.Chat(context.Background(), principal, req); err != nil {
		t.Fatalf("default request must succeed: %v", err)
	}
	if *p.lastReq.MaxTokens != 950 {
		t.Fatalf("default max_tokens must be 950, got %d", *p.lastReq.MaxTokens)
	}
}

func TestChatParameterClamping(t *testing.T) {
	p := &fakeProvider{name: "openrouter", models: []providers.RawModel{{ID: "m1"}}, response: okResponse(1, 1)}
	gw, st := testGateway(t, p)
	principal := seedPrincipal(t, st, store.MicroCreditsPerCredit, nil)

	req := chatReq("m1")
	temp, topP, fp := 9.0, -3.0, 7.5
	req.Temperature, req.TopP, req.FrequencyPenalty = &temp, &topP, &fp
	if _, err := gw.Chat(context.Background(), principal, req); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if *p.lastReq.Temperature != 2 || *p.lastReq.TopP != 0 || *p.lastReq.FrequencyPenalty != 2 {
		t.Fatalf("parameters must clamp into range: %+v %+v %+v",
			*p.lastReq.Temperature, *p.lastReq.TopP, *p.lastReq.FrequencyPenalty)
	}
}

func TestChatInsufficientCredits(t *testing.T) {
	gw, st := testGateway(t, &fakeProvider{name: "openrouter", models: []providers.RawModel{{ID: "m1"}}, response: okResponse(1, 1)})
	principal := seedPrincipal(t, st, 0, nil)

	_, err := gw.Chat(context.Background(), principal, chatReq("m1"))
	if re := AsRequestError(err); re.Status != http.StatusPaymentRequired {
		t.Fatalf("zero balance must 402, got %+v", re)
	}
}

func TestChatRateLimited(t *testing.T) {
	gw, st := testGateway(t, &fakeProvider{name: "openrouter", models: []providers.RawModel{{ID: "m1"}}, response: okResponse(1, 1)})
	principal := seedPrincipal(t, st, store.MicroCreditsPerCredit, nil)

	// Saturate the minute window for this key.
	now := time.Now()
	_, _ = st.UpsertRateWindow(context.Background(), "k1", store.WindowMinute, store.WindowMinute.Truncate(now), 60, 0)

	_, err := gw.Chat(context.Background(), principal, chatReq("m1"))
	re := AsRequestError(err)
	if re.Status != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %+v", re)
	}
	if re.Headers["Retry-After"] == "" {
		t.Fatal("429 must carry Retry-After")
	}
	totals, _ := st.SumUsage(context.Background(), "u1", now.Add(-time.Minute))
	if totals.Requests != 0 {
		t.Fatal("rate-limited request must not record usage")
	}
}

func TestChatScopeDenied(t *testing.T) {
	gw, st := testGateway(t, &fakeProvider{name: "openrouter", models: []providers.RawModel{{ID: "m1"}}, response: okResponse(1, 1)})
	principal := seedPrincipal(t, st, store.MicroCreditsPerCredit, func(_ *store.User, k *store.APIKey) {
		k.Scopes = store.ScopeMap{"images": {"*"}}
	})

	_, err := gw.Chat(context.Background(), principal, chatReq("m1"))
	if re := AsRequestError(err); re.Status != http.StatusForbidden || re.Code != CodeInsufficientScope {
		t.Fatalf("expected 403 insufficient_scope, got %+v", re)
	}
}

func TestChatTrialFlow(t *testing.T) {
	gw, st := testGateway(t, &fakeProvider{name: "openrouter", models: []providers.RawModel{{ID: "m1"}}, response: okResponse(4, 6)})
	end := time.Now().Add(24 * time.Hour)
	principal := seedPrincipal(t, st, 0, func(u *store.User, _ *store.APIKey) {
		u.SubscriptionStatus = store.SubscriptionTrial
		u.TrialEndAt = &end
	})

	resp, err := gw.Chat(context.Background(), principal, chatReq("m1"))
	if err != nil {
		t.Fatalf("trial chat: %v", err)
	}
	if resp.GatewayUsage.TrialCreditsRemaining == nil {
		t.Fatal("trial responses must report remaining trial credits")
	}

	// Trial counters were incremented; the balance was untouched.
	u, _ := st.GetUser(context.Background(), "u1")
	if u.TrialTokensUsed != 10 || u.TrialRequestsUsed != 1 {
		t.Fatalf("trial usage not tracked: %+v", u)
	}
	if u.CreditsMicro != 0 {
		t.Fatalf("trial requests must not deduct credits: %d", u.CreditsMicro)
	}
}

func TestChatTrialExpired(t *testing.T) {
	gw, st := testGateway(t, &fakeProvider{name: "openrouter", models: []providers.RawModel{{ID: "m1"}}, response: okResponse(1, 1)})
	end := time.Now().Add(-time.Hour).UTC()
	principal := seedPrincipal(t, st, 0, func(u *store.User, _ *store.APIKey) {
		u.SubscriptionStatus = store.SubscriptionTrial
		u.TrialEndAt = &end
	})

	_, err := gw.Chat(context.Background(), principal, chatReq("m1"))
	re := AsRequestError(err)
	if re.Status != http.StatusForbidden || re.Code != CodeTrialExpired {
		t.Fatalf("expected 403 trial_expired, got %+v", re)
	}
	if re.Headers["X-Trial-Expired"] != "true" {
		t.Fatal("expected X-Trial-Expired header")
	}
	if re.Headers["X-Trial-End-Date"] == "" {
		t.Fatal("expected X-Trial-End-Date header")
	}
}

func TestChatPlanExpired(t *testing.T) {
	gw, st := testGateway(t, &fakeProvider{name: "openrouter", models: []providers.RawModel{{ID: "m1"}}, response: okResponse(1, 1)})
	principal := seedPrincipal(t, st, store.MicroCreditsPerCredit, func(u *store.User, _ *store.APIKey) {
		u.SubscriptionStatus = store.SubscriptionActive
	})

	// A lapsed plan assignment triggers the expiry transition on resolve.
	_ = st.CreatePlan(context.Background(), &store.Plan{
		ID: "p1", Name: "Dev", Type: store.PlanDev,
		DailyRequestLimit: 10, MonthlyRequestLimit: 10, DailyTokenLimit: 10, MonthlyTokenLimit: 10,
		MaxConcurrentRequests: 1, IsActive: true,
	})
	past := time.Now().Add(-time.Hour)
	_ = st.AssignUserPlan(context.Background(), &store.UserPlan{ID: "up1", UserID: "u1", PlanID: "p1", ExpiresAt: &past})

	_, err := gw.Chat(context.Background(), principal, chatReq("m1"))
	if re := AsRequestError(err); re.Status != http.StatusForbidden || re.Code != CodePlanExpired {
		t.Fatalf("expected 403 plan_expired, got %+v", re)
	}
}

func TestChatCreditOverspendFloorsAtZero(t *testing.T) {
	// 100 tokens cost 2000 µcr; the user only has 500.
	gw, st := testGateway(t, &fakeProvider{name: "openrouter", models: []providers.RawModel{{ID: "m1"}}, response: okResponse(60, 40)})
	principal := seedPrincipal(t, st, 500, nil)

	resp, err := gw.Chat(context.Background(), principal, chatReq("m1"))
	if err != nil {
		t.Fatalf("overspend must still return the response: %v", err)
	}
	if resp.GatewayUsage.UserBalanceAfter == nil || *resp.GatewayUsage.UserBalanceAfter != 0 {
		t.Fatalf("balance must floor at zero: %+v", resp.GatewayUsage.UserBalanceAfter)
	}
	u, _ := st.GetUser(context.Background(), "u1")
	if u.CreditsMicro != 0 {
		t.Fatalf("stored balance must be zero, got %d", u.CreditsMicro)
	}
}

func TestChatFailover(t *testing.T) {
	primary := &fakeProvider{
		name:   "openrouter",
		models: []providers.RawModel{{ID: "shared-model"}},
		err:    providers.NewError("openrouter", providers.KindTimeout, 0, "deadline", nil),
	}
	secondary := &fakeProvider{
		name:     "together",
		models:   []providers.RawModel{{ID: "shared-model"}},
		response: okResponse(2, 3),
	}
	gw, st := testGateway(t, primary, secondary)
	principal := seedPrincipal(t, st, store.MicroCreditsPerCredit, nil)

	resp, err := gw.Chat(context.Background(), principal, chatReq("shared-model"))
	if err != nil {
		t.Fatalf("failover chat: %v", err)
	}
	if resp.GatewayUsage.Provider != "together" {
		t.Fatalf("expected together to serve, got %s", resp.GatewayUsage.Provider)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Fatalf("expected one call each, got %d/%d", primary.calls, secondary.calls)
	}
}

func TestChatAllProvidersFailSurfacesStatus(t *testing.T) {
	p := &fakeProvider{
		name:   "openrouter",
		models: []providers.RawModel{{ID: "m1"}},
		err:    providers.NewError("openrouter", providers.KindUnavailable, 503, "overloaded", nil),
	}
	gw, st := testGateway(t, p)
	principal := seedPrincipal(t, st, store.MicroCreditsPerCredit, nil)

	_, err := gw.Chat(context.Background(), principal, chatReq("m1"))
	re := AsRequestError(err)
	if re.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %+v", re)
	}
	// Failed requests never deduct or record.
	u, _ := st.GetUser(context.Background(), "u1")
	if u.CreditsMicro != store.MicroCreditsPerCredit {
		t.Fatalf("failed request must not deduct: %d", u.CreditsMicro)
	}
	totals, _ := st.SumUsage(context.Background(), "u1", time.Now().Add(-time.Minute))
	if totals.Requests != 0 {
		t.Fatal("failed request must not record usage")
	}
}

func TestChatUpstreamAuthMapsToInternal(t *testing.T) {
	p := &fakeProvider{
		name:   "openrouter",
		models: []providers.RawModel{{ID: "m1"}},
		err:    providers.NewError("openrouter", providers.KindAuth, 401, "bad key", nil),
	}
	gw, st := testGateway(t, p)
	principal := seedPrincipal(t, st, store.MicroCreditsPerCredit, nil)

	_, err := gw.Chat(context.Background(), principal, chatReq("m1"))
	if re := AsRequestError(err); re.Status != http.StatusInternalServerError {
		t.Fatalf("upstream auth failures are internal errors, got %+v", re)
	}
}

func TestChatStreamSettlesAfterStream(t *testing.T) {
	p := &fakeProvider{
		name:   "openrouter",
		models: []providers.RawModel{{ID: "m1"}},
		chunks: []providers.StreamChunk{
			{
				ID:      "s1",
				Choices: []providers.StreamChoice{{Delta: providers.MessageDelta{Role: "assistant", Content: "hel"}}},
			},
			{
				ID:      "s1",
				Choices: []providers.StreamChoice{{Delta: providers.MessageDelta{Content: "lo"}, FinishReason: "stop"}},
				Usage:   &providers.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
			},
		},
	}
	gw, st := testGateway(t, p)
	principal := seedPrincipal(t, st, store.MicroCreditsPerCredit, nil)

	req := chatReq("m1")
	req.Stream = true
	ch, err := gw.ChatStream(context.Background(), principal, req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var chunks []providers.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Model != "m1" {
		t.Fatalf("chunks carry the canonical id, got %q", chunks[0].Model)
	}

	// Settlement runs just after the channel closes.
	deadline := time.Now().Add(2 * time.Second)
	for {
		totals, _ := st.SumUsage(context.Background(), "u1", time.Now().Add(-time.Minute))
		if totals.Requests == 1 {
			if totals.Tokens != 5 {
				t.Fatalf("stream settlement must use terminal usage: %+v", totals)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stream settlement did not happen")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChatStreamInterruptedWritesPartialRecord(t *testing.T) {
	p := &fakeProvider{
		name:   "openrouter",
		models: []providers.RawModel{{ID: "m1"}},
		chunks: []providers.StreamChunk{
			{Choices: []providers.StreamChoice{{Delta: providers.MessageDelta{Content: "partial answer"}}}},
			{Error: errors.New("upstream reset")},
		},
	}
	gw, st := testGateway(t, p)
	principal := seedPrincipal(t, st, store.MicroCreditsPerCredit, nil)

	req := chatReq("m1")
	req.Stream = true
	ch, err := gw.ChatStream(context.Background(), principal, req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	sawError := false
	for c := range ch {
		if c.Error != nil {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("error chunk must be forwarded")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		totals, _ := st.SumUsage(context.Background(), "u1", time.Now().Add(-time.Minute))
		if totals.Requests == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("partial usage record was not written")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
