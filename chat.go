package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/stratos-labs/ai-gateway/internal/audit"
	"github.com/stratos-labs/ai-gateway/internal/authgate"
	"github.com/stratos-labs/ai-gateway/internal/entitlement"
	"github.com/stratos-labs/ai-gateway/internal/logging"
	"github.com/stratos-labs/ai-gateway/internal/metrics"
	"github.com/stratos-labs/ai-gateway/internal/pricing"
	"github.com/stratos-labs/ai-gateway/internal/ratelimit"
	"github.com/stratos-labs/ai-gateway/internal/registry"
	"github.com/stratos-labs/ai-gateway/internal/selector"
	"github.com/stratos-labs/ai-gateway/internal/store"
	"github.com/stratos-labs/ai-gateway/internal/tokencount"
	"github.com/stratos-labs/ai-gateway/providers"
)

// Parameter clamps applied before any provider call.
const (
	defaultMaxTokens = 950
	hardMaxTokens    = 1000
)

// ChatRequest is the closed request schema for /v1/chat/completions.
// Unknown fields are rejected at decode time.
type ChatRequest struct {
	Model            string              `json:"model"`
	Messages         []providers.Message `json:"messages"`
	MaxTokens        *int                `json:"max_tokens,omitempty"`
	Temperature      *float64            `json:"temperature,omitempty"`
	TopP             *float64            `json:"top_p,omitempty"`
	FrequencyPenalty *float64            `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64            `json:"presence_penalty,omitempty"`
	Tools            []providers.Tool    `json:"tools,omitempty"`
	Stream           bool                `json:"stream,omitempty"`
	Provider         string              `json:"provider,omitempty"`
}

// GatewayUsage is the billing annotation attached to successful responses.
type GatewayUsage struct {
	TokensCharged         int64    `json:"tokens_charged"`
	RequestMS             int64    `json:"request_ms"`
	CreditsDeducted       float64  `json:"credits_deducted"`
	UserBalanceAfter      *float64 `json:"user_balance_after,omitempty"`
	TrialCreditsRemaining *float64 `json:"trial_credits_remaining,omitempty"`
	UserAPIKey            string   `json:"user_api_key"`
	Provider              string   `json:"provider"`
}

// ChatResponse is the OpenAI-shape completion plus the gateway_usage block.
type ChatResponse struct {
	providers.Response
	GatewayUsage GatewayUsage `json:"gateway_usage"`
}

// admission carries the state assembled during pre-admission checks.
type admission struct {
	principal   *authgate.Principal
	entitlement *entitlement.Entitlement
	limits      ratelimit.Config
	model       *registry.CanonicalModel
	estimated   int64
}

// trialHeaders exposes remaining trial budget to clients.
func trialHeaders(t entitlement.Trial) map[string]string {
	h := map[string]string{
		"X-Trial-Remaining-Tokens":   strconv.FormatInt(t.RemainingTokens, 10),
		"X-Trial-Remaining-Requests": strconv.FormatInt(t.RemainingRequests, 10),
		"X-Trial-Remaining-Credits":  strconv.FormatFloat(pricing.Display(t.RemainingCreditsMicro), 'f', -1, 64),
	}
	if t.TrialEndAt != nil {
		h["X-Trial-End-Date"] = t.TrialEndAt.UTC().Format(time.RFC3339)
	}
	return h
}

// clampParams applies the orchestrator's parameter policy in place.
// max_tokens ≤ 0 is fatal; everything else clamps into range with a log
// line.
func (g *Gateway) clampParams(ctx context.Context, req *ChatRequest) *RequestError {
	log := logging.FromContext(ctx)

	if req.MaxTokens == nil {
		v := defaultMaxTokens
		req.MaxTokens = &v
	} else if *req.MaxTokens <= 0 {
		return newRequestError(CodeParameterInvalid, http.StatusBadRequest,
			"max_tokens must not be zero or negative")
	} else if *req.MaxTokens > hardMaxTokens {
		log.Warn("max_tokens capped", "requested", *req.MaxTokens, "cap", hardMaxTokens)
		v := hardMaxTokens
		req.MaxTokens = &v
	}

	clampFloat := func(name string, v *float64, lo, hi float64) {
		if v == nil {
			return
		}
		if *v < lo {
			log.Warn("parameter clamped", "param", name, "value", *v, "min", lo)
			*v = lo
		} else if *v > hi {
			log.Warn("parameter clamped", "param", name, "value", *v, "max", hi)
			*v = hi
		}
	}
	clampFloat("temperature", req.Temperature, 0, 2)
	clampFloat("top_p", req.TopP, 0, 1)
	clampFloat("frequency_penalty", req.FrequencyPenalty, -2, 2)
	clampFloat("presence_penalty", req.PresencePenalty, -2, 2)
	return nil
}

// admit runs the pre-provider pipeline: entitlement, scope, rate limits,
// parameter clamps, credit precheck, and registry lookup. The concurrency
// slot is held on success; callers must release it.
func (g *Gateway) admit(ctx context.Context, principal *authgate.Principal, req *ChatRequest) (*admission, *RequestError) {
	user, key := principal.User, principal.Key

	// Entitlement resolution: plan/trial expiry rejects before anything
	// else runs.
	ent, err := g.entitlements.Resolve(ctx, user.ID)
	if err != nil {
		return nil, AsRequestError(err)
	}
	if ent.Trial.IsTrial && ent.Trial.IsExpired {
		re := newRequestError(CodeTrialExpired, http.StatusForbidden, "trial period has ended").
			WithHeader("X-Trial-Expired", "true")
		if ent.Trial.TrialEndAt != nil {
			re.WithHeader("X-Trial-End-Date", ent.Trial.TrialEndAt.UTC().Format(time.RFC3339))
		}
		return nil, re
	}
	if !ent.HasPlan && !ent.Trial.IsTrial &&
		(ent.Trial.IsExpired || user.SubscriptionStatus == store.SubscriptionExpired) {
		return nil, newRequestError(CodePlanExpired, http.StatusForbidden, "plan has expired")
	}

	if !authgate.Authorize(principal.Scopes, "chat", req.Model) {
		return nil, newRequestError(CodeInsufficientScope, http.StatusForbidden,
			"key scopes do not permit chat with this model")
	}

	// Registry lookup before quota spend so unknown models cost nothing.
	model, ok := g.registry.Get(req.Model)
	if !ok {
		return nil, newRequestError(CodeModelUnknown, http.StatusNotFound,
			fmt.Sprintf("unknown model: %s", req.Model))
	}

	if re := g.clampParams(ctx, req); re != nil {
		return nil, re
	}

	estimated := int64(tokencount.EstimateMessages(req.Messages))

	// Plan/trial budget enforcement with the estimate; the post-response
	// check uses measured tokens.
	decision, err := g.entitlements.Enforce(ctx, user.ID, estimated, key.EnvironmentTag)
	if err != nil {
		return nil, AsRequestError(err)
	}
	if !decision.Allowed {
		metrics.RateLimitRejections.WithLabelValues("plan").Inc()
		re := newRequestError(CodeRateLimited, http.StatusTooManyRequests, decision.Reason).
			WithHeader("Retry-After", "60")
		if ent.Trial.IsTrial {
			for k, v := range trialHeaders(ent.Trial) {
				re.WithHeader(k, v)
			}
		}
		return nil, re
	}

	limits := ratelimit.ConfigForPlan(ent.PlanType)
	if ent.MaxConcurrentRequests > 0 {
		limits.ConcurrencyLimit = int64(ent.MaxConcurrentRequests)
	}

	if !g.limiter.AcquireConcurrency(key.ID, limits.ConcurrencyLimit) {
		return nil, newRequestError(CodeRateLimited, http.StatusTooManyRequests,
			"too many concurrent requests").WithHeader("Retry-After", "1")
	}
	release := func() { g.limiter.ReleaseConcurrency(key.ID) }

	// Pre-admission window check with tokens_used=0.
	res := g.limiter.Check(ctx, key.ID, limits, 0)
	if res.FailedOpen {
		g.auditJSON(ctx, user.ID, key.ID, audit.ActionLimiterFailOpen, map[string]string{
			"error": res.Err.Error(),
		}, "")
	}
	if !res.Allowed {
		release()
		g.auditJSON(ctx, user.ID, key.ID, audit.ActionRateLimitExceeded, map[string]string{
			"reason": res.Reason,
		}, "")
		return nil, newRequestError(CodeRateLimited, http.StatusTooManyRequests, res.Reason).
			WithHeader("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
	}

	// Minimum credit precheck for non-trial users.
	if !ent.Trial.IsTrial && user.CreditsMicro <= 0 {
		release()
		return nil, newRequestError(CodeInsufficientCredits, http.StatusPaymentRequired,
			"insufficient credits")
	}

	return &admission{
		principal:   principal,
		entitlement: ent,
		limits:      limits,
		model:       model,
		estimated:   estimated,
	}, nil
}

// Chat serves a unary chat completion for an authenticated principal.
func (g *Gateway) Chat(ctx context.Context, principal *authgate.Principal, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	log := logging.FromContext(ctx)

	adm, reqErr := g.admit(ctx, principal, req)
	if reqErr != nil {
		metrics.RequestsTotal.WithLabelValues("", req.Model, "rejected").Inc()
		return nil, reqErr
	}
	defer g.limiter.ReleaseConcurrency(principal.Key.ID)

	var resp *providers.Response
	outcome, err := g.selector.ExecuteWithFailover(ctx, adm.model.ID, g.selectorOptions(req),
		func(ctx context.Context, providerName, nativeID string) error {
			p, ok := g.providers[providerName]
			if !ok {
				return providers.NewError(providerName, providers.KindUnavailable, 0,
					"provider not configured", nil)
			}
			callCtx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout())
			defer cancel()

			r, callErr := p.Complete(callCtx, providers.Request{
				Model:            nativeID,
				Messages:         req.Messages,
				MaxTokens:        req.MaxTokens,
				Temperature:      req.Temperature,
				TopP:             req.TopP,
				FrequencyPenalty: req.FrequencyPenalty,
				PresencePenalty:  req.PresencePenalty,
				Tools:            req.Tools,
			})
			if callErr != nil {
				metrics.ProviderErrors.WithLabelValues(providerName, string(providers.KindOf(callErr))).Inc()
				return callErr
			}
			resp = r
			return nil
		})
	if err != nil {
		// Provider-path failure: no deduction, no usage record.
		metrics.RequestsTotal.WithLabelValues("", adm.model.ID, "error").Inc()
		log.Error("chat request failed",
			"model", adm.model.ID,
			"attempts", len(outcome.Attempts),
			"error", err.Error(),
		)
		return nil, AsRequestError(outcome.Err)
	}

	latency := time.Since(start)
	usage := g.settle(ctx, adm, outcome, resp.Usage, latency, "")

	// Normalise the OpenAI envelope: clients see the canonical model id.
	resp.Model = adm.model.ID
	resp.Provider = outcome.Provider
	if resp.Object == "" {
		resp.Object = "chat.completion"
	}
	if resp.Created == 0 {
		resp.Created = time.Now().Unix()
	}

	metrics.RequestsTotal.WithLabelValues(outcome.Provider, adm.model.ID, "success").Inc()
	metrics.RequestDuration.WithLabelValues(outcome.Provider, adm.model.ID).Observe(latency.Seconds())
	metrics.TokensInput.WithLabelValues(outcome.Provider, adm.model.ID).Add(float64(resp.Usage.PromptTokens))
	metrics.TokensOutput.WithLabelValues(outcome.Provider, adm.model.ID).Add(float64(resp.Usage.CompletionTokens))

	log.Info("chat request completed",
		"model", adm.model.ID,
		"provider", outcome.Provider,
		"latency_ms", latency.Milliseconds(),
		"tokens_in", resp.Usage.PromptTokens,
		"tokens_out", resp.Usage.CompletionTokens,
		"tokens_charged", usage.TokensCharged,
	)

	return &ChatResponse{Response: *resp, GatewayUsage: *usage}, nil
}

func (g *Gateway) selectorOptions(req *ChatRequest) selector.Options {
	return selector.Options{
		PreferredProvider: req.Provider,
		MaxRetries:        selector.DefaultMaxRetries,
	}
}

// settle performs post-response accounting: window commit, credit deduction
// (or trial counters), and the usage record. No plan-budget check runs here
// on the measured tokens; the usage record is what the next admission's
// Enforce counts. Accounting is best-effort once the user has received
// value — a failed write logs and never fails the response.
func (g *Gateway) settle(ctx context.Context, adm *admission, outcome *selector.Outcome,
	usage providers.Usage, latency time.Duration, finishReason string) *GatewayUsage {

	log := logging.FromContext(ctx)
	user, key := adm.principal.User, adm.principal.Key
	totalTokens := int64(usage.TotalTokensOrSum())

	if err := g.limiter.Commit(ctx, key.ID, totalTokens); err != nil {
		log.Warn("rate window commit failed", "key_id", key.ID, "error", err.Error())
	}

	gu := &GatewayUsage{
		TokensCharged: totalTokens,
		RequestMS:     latency.Milliseconds(),
		UserAPIKey:    key.SecretPrefix(),
		Provider:      outcome.Provider,
	}

	cfg, _ := adm.model.ProviderByName(outcome.Provider)
	costMicro := pricing.Calculate(cfg, usage)

	if adm.entitlement.Trial.IsTrial {
		if err := g.entitlements.RecordTrialUsage(ctx, user.ID, totalTokens, costMicro); err != nil {
			log.Warn("trial usage tracking failed", "user_id", user.ID, "error", err.Error())
		}
		remaining := pricing.Display(maxI64(adm.entitlement.Trial.RemainingCreditsMicro-costMicro, 0))
		gu.TrialCreditsRemaining = &remaining
	} else {
		gu.CreditsDeducted = pricing.Display(costMicro)
		balance, err := g.store.DeductCredits(ctx, user.ID, costMicro)
		switch {
		case errors.Is(err, store.ErrInsufficientCredits):
			// The user already received the response; floor the balance at
			// zero and flag the overspend for reconciliation.
			deducted, ferr := g.store.DeductCreditsFloor(ctx, user.ID, costMicro)
			if ferr != nil {
				log.Error("credit floor deduction failed", "user_id", user.ID, "error", ferr.Error())
			}
			g.auditJSON(ctx, user.ID, key.ID, audit.ActionCreditOverspend, map[string]interface{}{
				"cost_micro":     costMicro,
				"deducted_micro": deducted,
				"model":          adm.model.ID,
			}, "")
			zero := 0.0
			gu.UserBalanceAfter = &zero
		case err != nil:
			// Revenue leak: log loudly, return the response anyway.
			log.Error("credit deduction failed",
				"user_id", user.ID,
				"cost_micro", costMicro,
				"error", err.Error(),
			)
		default:
			after := pricing.Display(balance)
			gu.UserBalanceAfter = &after
			metrics.CreditsDeducted.WithLabelValues(adm.model.ID).Add(float64(costMicro))
		}
	}

	rec := &store.UsageRecord{
		ID:               uuid.NewString(),
		UserID:           user.ID,
		KeyID:            key.ID,
		Model:            adm.model.ID,
		Provider:         outcome.Provider,
		TokensPrompt:     int64(usage.PromptTokens),
		TokensCompletion: int64(usage.CompletionTokens),
		CostMicro:        costMicro,
		LatencyMS:        latency.Milliseconds(),
		RequestID:        requestID(ctx),
		FinishReason:     finishReason,
		Timestamp:        time.Now(),
	}
	if err := g.store.RecordUsage(ctx, rec); err != nil {
		log.Error("usage recording failed", "request_id", rec.RequestID, "error", err.Error())
	}

	return gu
}

func requestID(ctx context.Context) string {
	if id := logging.RequestIDFromContext(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}

func (g *Gateway) auditJSON(ctx context.Context, userID, keyID, action string, details interface{}, ip string) {
	payload, err := json.Marshal(details)
	if err != nil {
		payload = []byte("{}")
	}
	g.audit.Record(ctx, &store.AuditEntry{
		UserID:  userID,
		KeyID:   keyID,
		Action:  action,
		Details: payload,
		IP:      ip,
	})
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
