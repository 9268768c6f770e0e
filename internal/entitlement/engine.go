// Package entitlement resolves what a user is allowed to spend right now:
// their active plan's request/token budgets, or their trial budget when no
// plan is active. It also enforces those budgets against recorded usage,
// applying the environment multiplier for non-live keys.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stratos-labs/ai-gateway/internal/logging"
	"github.com/stratos-labs/ai-gateway/internal/store"
)

// Trial budget defaults granted to new users for three days.
const (
	TrialCreditsMicro = 10 * store.MicroCreditsPerCredit
	TrialTokenBudget  = 500_000
	TrialRequestLimit = 1_000
)

// Trial defaults exposed to users with neither plan nor active trial.
const (
	defaultDailyRequestLimit   = 1_000
	defaultMonthlyRequestLimit = 10_000
	defaultDailyTokenLimit     = 100_000
	defaultMonthlyTokenLimit   = 1_000_000
	defaultMaxConcurrent       = 5
)

// environmentMultiplier scales plan limits by key environment: non-live
// keys get half the budget.
func environmentMultiplier(environmentTag string) float64 {
	switch environmentTag {
	case store.EnvTest, store.EnvStaging, store.EnvDevelopment:
		return 0.5
	default:
		return 1.0
	}
}

// Trial describes the user's trial state.
type Trial struct {
	IsTrial               bool       `json:"is_trial"`
	IsExpired             bool       `json:"is_expired"`
	RemainingTokens       int64      `json:"remaining_tokens"`
	RemainingRequests     int64      `json:"remaining_requests"`
	RemainingCreditsMicro int64      `json:"remaining_credits_micro"`
	TrialEndAt            *time.Time `json:"trial_end_at,omitempty"`
}

// Entitlement is the budget a user derives from their active plan or trial
// at the moment of request admission.
type Entitlement struct {
	HasPlan               bool     `json:"has_plan"`
	PlanName              string   `json:"plan_name,omitempty"`
	PlanType              string   `json:"plan_type,omitempty"`
	DailyRequestLimit     int64    `json:"daily_request_limit"`
	MonthlyRequestLimit   int64    `json:"monthly_request_limit"`
	DailyTokenLimit       int64    `json:"daily_token_limit"`
	MonthlyTokenLimit     int64    `json:"monthly_token_limit"`
	MaxConcurrentRequests int      `json:"max_concurrent_requests"`
	Features              []string `json:"features,omitempty"`
	Trial                 Trial    `json:"trial"`
}

// Decision is the result of Enforce.
type Decision struct {
	Allowed bool
	Reason  string
}

// Engine resolves and enforces entitlements.
type Engine struct {
	store store.Store
	now   func() time.Time
}

// New creates an entitlement engine.
func New(s store.Store) *Engine {
	return &Engine{store: s, now: time.Now}
}

// Resolve returns the user's current entitlement. Resolution order: active
// plan, then lapsed-plan transition, then trial, then trial defaults.
func (e *Engine) Resolve(ctx context.Context, userID string) (*Entitlement, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve entitlement: %w", err)
	}
	now := e.now()

	up, plan, err := e.store.GetActiveUserPlan(ctx, userID)
	switch {
	case err == nil && (up.ExpiresAt == nil || up.ExpiresAt.After(now)):
		return &Entitlement{
			HasPlan:               true,
			PlanName:              plan.Name,
			PlanType:              plan.Type,
			DailyRequestLimit:     plan.DailyRequestLimit,
			MonthlyRequestLimit:   plan.MonthlyRequestLimit,
			DailyTokenLimit:       plan.DailyTokenLimit,
			MonthlyTokenLimit:     plan.MonthlyTokenLimit,
			MaxConcurrentRequests: plan.MaxConcurrentRequests,
			Features:              plan.Features,
			Trial:                 e.trialState(user, now),
		}, nil

	case err == nil:
		// Plan lapsed: deactivate it and mark the user expired. Both writes
		// are best-effort; the request is still answered with expired
		// defaults.
		log := logging.FromContext(ctx)
		if derr := e.store.DeactivateUserPlan(ctx, up.ID); derr != nil {
			log.Warn("failed to deactivate lapsed plan", "user_plan_id", up.ID, "error", derr.Error())
		}
		if serr := e.store.SetSubscriptionStatus(ctx, userID, store.SubscriptionExpired); serr != nil {
			log.Warn("failed to mark user expired", "user_id", userID, "error", serr.Error())
		}
		ent := e.defaults(e.trialState(user, now))
		ent.Trial.IsExpired = true
		return ent, nil

	case errors.Is(err, store.ErrNotFound):
		trial := e.trialState(user, now)
		if trial.IsTrial && !trial.IsExpired {
			return &Entitlement{
				HasPlan:               false,
				DailyRequestLimit:     TrialRequestLimit,
				MonthlyRequestLimit:   TrialRequestLimit,
				DailyTokenLimit:       TrialTokenBudget,
				MonthlyTokenLimit:     TrialTokenBudget,
				MaxConcurrentRequests: defaultMaxConcurrent,
				Trial:                 trial,
			}, nil
		}
		return e.defaults(trial), nil

	default:
		return nil, fmt.Errorf("resolve entitlement: %w", err)
	}
}

func (e *Engine) defaults(trial Trial) *Entitlement {
	return &Entitlement{
		HasPlan:               false,
		DailyRequestLimit:     defaultDailyRequestLimit,
		MonthlyRequestLimit:   defaultMonthlyRequestLimit,
		DailyTokenLimit:       defaultDailyTokenLimit,
		MonthlyTokenLimit:     defaultMonthlyTokenLimit,
		MaxConcurrentRequests: defaultMaxConcurrent,
		Trial:                 trial,
	}
}

// trialState derives the trial view from the user row. Trial budgets are
// tracked on the user, separate from plan windows.
func (e *Engine) trialState(user *store.User, now time.Time) Trial {
	t := Trial{TrialEndAt: user.TrialEndAt}
	if !user.IsTrial() {
		return t
	}
	t.IsTrial = true
	if user.TrialEndAt != nil && !user.TrialEndAt.After(now) {
		t.IsExpired = true
		return t
	}
	t.RemainingTokens = maxI64(TrialTokenBudget-user.TrialTokensUsed, 0)
	t.RemainingRequests = maxI64(TrialRequestLimit-user.TrialRequestsUsed, 0)
	t.RemainingCreditsMicro = maxI64(TrialCreditsMicro-user.TrialCreditsMicro, 0)
	return t
}

// Enforce checks tokensRequested against the user's daily and monthly
// budgets, scaled by the key environment multiplier. Trial budgets are
// checked directly against the trial counters.
func (e *Engine) Enforce(ctx context.Context, userID string, tokensRequested int64, environmentTag string) (Decision, error) {
	ent, err := e.Resolve(ctx, userID)
	if err != nil {
		return Decision{}, err
	}

	if ent.Trial.IsTrial {
		if ent.Trial.IsExpired {
			return Decision{Allowed: false, Reason: "trial expired"}, nil
		}
		if ent.Trial.RemainingRequests < 1 {
			return Decision{Allowed: false, Reason: "trial request budget exhausted"}, nil
		}
		if tokensRequested > ent.Trial.RemainingTokens {
			return Decision{Allowed: false, Reason: "trial token budget exhausted"}, nil
		}
		if ent.Trial.RemainingCreditsMicro <= 0 {
			return Decision{Allowed: false, Reason: "trial credits exhausted"}, nil
		}
		return Decision{Allowed: true}, nil
	}

	mult := environmentMultiplier(environmentTag)
	now := e.now()

	dayStart := now.UTC().Truncate(24 * time.Hour)
	daily, err := e.store.SumUsage(ctx, userID, dayStart)
	if err != nil {
		return Decision{}, fmt.Errorf("enforce entitlement: %w", err)
	}
	if daily.Requests+1 > scale(ent.DailyRequestLimit, mult) {
		return Decision{Allowed: false, Reason: "daily request limit reached"}, nil
	}
	if daily.Tokens+tokensRequested > scale(ent.DailyTokenLimit, mult) {
		return Decision{Allowed: false, Reason: "daily token limit reached"}, nil
	}

	monthStart := time.Date(now.UTC().Year(), now.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	monthly, err := e.store.SumUsage(ctx, userID, monthStart)
	if err != nil {
		return Decision{}, fmt.Errorf("enforce entitlement: %w", err)
	}
	if monthly.Requests+1 > scale(ent.MonthlyRequestLimit, mult) {
		return Decision{Allowed: false, Reason: "monthly request limit reached"}, nil
	}
	if monthly.Tokens+tokensRequested > scale(ent.MonthlyTokenLimit, mult) {
		return Decision{Allowed: false, Reason: "monthly token limit reached"}, nil
	}

	return Decision{Allowed: true}, nil
}

// RecordTrialUsage accumulates trial counters after a successful request.
func (e *Engine) RecordTrialUsage(ctx context.Context, userID string, tokens int64, creditsMicro int64) error {
	return e.store.AddTrialUsage(ctx, userID, tokens, 1, creditsMicro)
}

func scale(limit int64, mult float64) int64 {
	return int64(float64(limit) * mult)
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
