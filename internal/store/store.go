// Package store provides typed accessors over the gateway's persistent
// state: users, API keys, plans, usage records, rate-limit windows, and the
// audit log. It is the single point of data access for every other
// component; nothing else in the gateway issues SQL.
//
// Two backends are supported: Postgres (production) and SQLite (local
// development and tests). Both share one implementation with a small
// placeholder-rewriting shim.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations. Callers match with
// errors.Is.
var (
	// ErrNotFound — the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrUnavailable — the backing store could not be reached.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrConflict — a write lost a uniqueness race (e.g. duplicate request_id).
	ErrConflict = errors.New("store: conflict on write")
	// ErrConstraint — a write violated a data constraint.
	ErrConstraint = errors.New("store: constraint violation")
	// ErrInsufficientCredits — a deduction would drive the balance negative.
	ErrInsufficientCredits = errors.New("store: insufficient credits")
)

// UsageTotals aggregates request and token counts over a time range.
type UsageTotals struct {
	Requests int64
	Tokens   int64
}

// Store is the persistence contract used by the gateway.
//
// DeductCredits must be atomic against concurrent callers: two concurrent
// deductions against the same user produce a final balance equal to the
// initial balance minus their sum, and neither observes a negative
// intermediate balance.
type Store interface {
	// Users and keys.
	GetUser(ctx context.Context, userID string) (*User, error)
	GetKeyBySecret(ctx context.Context, secret string) (*APIKey, error)
	TouchKeyUsage(ctx context.Context, keyID string, at time.Time) error
	CheckKeyNameUnique(ctx context.Context, userID, name, excludingKeyID string) (bool, error)

	// Credits. Amounts are micro-credits (1 credit = 1_000_000 µcr).
	DeductCredits(ctx context.Context, userID string, amountMicro int64) (newBalanceMicro int64, err error)
	// DeductCreditsFloor deducts up to amountMicro, flooring the balance at
	// zero, and reports how much was actually taken.
	DeductCreditsFloor(ctx context.Context, userID string, amountMicro int64) (deductedMicro int64, err error)

	// Plans and entitlements.
	GetActiveUserPlan(ctx context.Context, userID string) (*UserPlan, *Plan, error)
	DeactivateUserPlan(ctx context.Context, userPlanID string) error
	SetSubscriptionStatus(ctx context.Context, userID, status string) error
	ListPlans(ctx context.Context) ([]Plan, error)
	AddTrialUsage(ctx context.Context, userID string, tokens, requests, creditsMicro int64) error

	// Usage accounting.
	RecordUsage(ctx context.Context, rec *UsageRecord) error
	SumUsage(ctx context.Context, userID string, since time.Time) (UsageTotals, error)

	// Rate-limit windows. Upserts are additive: counters within a window
	// only ever grow.
	UpsertRateWindow(ctx context.Context, keyID string, kind WindowKind, start time.Time, requests, tokens int64) (*RateWindow, error)
	GetRateWindows(ctx context.Context, keyID string, now time.Time) (map[WindowKind]RateWindow, error)

	// Audit.
	InsertAudit(ctx context.Context, entry *AuditEntry) error

	Ping(ctx context.Context) error
	Close() error
}
