package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Creation helpers used by the identity/provisioning flow (and tests). Key
// and user lifecycle UIs live outside the gateway, but they write through
// the same adapter.

// CreateUser inserts a user row.
func (s *SQLStore) CreateUser(ctx context.Context, u *User) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	q := s.bind(`
INSERT INTO users(id, identity_subject, email, credits_micro, subscription_status, trial_end_at,
                  trial_tokens_used, trial_requests_used, trial_credits_micro, is_active, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q, u.ID, u.IdentitySubject, u.Email, u.CreditsMicro,
		u.SubscriptionStatus, nullTime(u.TrialEndAt), u.TrialTokensUsed, u.TrialRequestsUsed,
		u.TrialCreditsMicro, u.IsActive, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return s.wrap("create user", err)
	}
	return nil
}

// CreateAPIKey inserts a key row. (user_id, name) uniqueness is enforced by
// the schema; violations surface as ErrConstraint.
func (s *SQLStore) CreateAPIKey(ctx context.Context, k *APIKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	if k.EnvironmentTag == "" {
		k.EnvironmentTag = EnvironmentFromSecret(k.Secret)
	}
	scopes, err := json.Marshal(orEmptyScopes(k.Scopes))
	if err != nil {
		return fmt.Errorf("encode scopes: %w", err)
	}
	ips, err := json.Marshal(orEmptyList(k.IPAllowlist))
	if err != nil {
		return fmt.Errorf("encode ip allowlist: %w", err)
	}
	refs, err := json.Marshal(orEmptyList(k.RefererAllowlist))
	if err != nil {
		return fmt.Errorf("encode referer allowlist: %w", err)
	}

	q := s.bind(`
INSERT INTO api_keys(id, user_id, secret, name, is_active, is_primary, environment_tag, scopes,
                     expires_at, max_requests, requests_used, ip_allowlist, referer_allowlist, last_used_at, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`)
	var maxReq interface{}
	if k.MaxRequests != nil {
		maxReq = *k.MaxRequests
	}
	_, err = s.db.ExecContext(ctx, q, k.ID, k.UserID, k.Secret, k.Name, k.IsActive, k.IsPrimary,
		k.EnvironmentTag, string(scopes), nullTime(k.ExpiresAt), maxReq, k.RequestsUsed,
		string(ips), string(refs), k.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConstraint
		}
		return s.wrap("create api key", err)
	}
	return nil
}

// CreatePlan inserts a plan row.
func (s *SQLStore) CreatePlan(ctx context.Context, p *Plan) error {
	features, err := json.Marshal(orEmptyList(p.Features))
	if err != nil {
		return fmt.Errorf("encode plan features: %w", err)
	}
	q := s.bind(`
INSERT INTO plans(id, name, type, daily_request_limit, monthly_request_limit, daily_token_limit,
                  monthly_token_limit, max_concurrent_requests, features, price_micro, is_active)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, p.ID, p.Name, p.Type, p.DailyRequestLimit,
		p.MonthlyRequestLimit, p.DailyTokenLimit, p.MonthlyTokenLimit,
		p.MaxConcurrentRequests, string(features), p.PriceMicro, p.IsActive); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return s.wrap("create plan", err)
	}
	return nil
}

// AssignUserPlan deactivates the user's current assignment and inserts the
// new one inside a transaction, preserving the at-most-one-active invariant.
func (s *SQLStore) AssignUserPlan(ctx context.Context, up *UserPlan) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap("assign user plan", err)
	}
	defer func() { _ = tx.Rollback() }()

	deact := s.bind(`UPDATE user_plans SET is_active = ? WHERE user_id = ? AND is_active`)
	if _, err := tx.ExecContext(ctx, deact, false, up.UserID); err != nil {
		return s.wrap("deactivate previous plan", err)
	}

	if up.StartedAt.IsZero() {
		up.StartedAt = time.Now().UTC()
	}
	ins := s.bind(`
INSERT INTO user_plans(id, user_id, plan_id, started_at, expires_at, is_active)
VALUES(?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, ins, up.ID, up.UserID, up.PlanID, up.StartedAt,
		nullTime(up.ExpiresAt), true); err != nil {
		return s.wrap("insert user plan", err)
	}
	return tx.Commit()
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func orEmptyScopes(m ScopeMap) ScopeMap {
	if m == nil {
		return ScopeMap{}
	}
	return m
}

func orEmptyList(l []string) []string {
	if l == nil {
		return []string{}
	}
	return l
}
