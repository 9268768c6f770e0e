package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"
)

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

// SQLStore implements Store over Postgres or SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
}

// Open creates a SQLStore from a DSN. DSNs starting with postgres:// or
// postgresql:// use the Postgres driver; anything else is treated as a
// SQLite path/DSN (":memory:" works for tests).
func Open(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("store dsn is required")
	}

	var (
		db      *sql.DB
		dialect sqlDialect
		err     error
	)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = sql.Open("postgres", dsn)
		dialect = dialectPostgres
	} else {
		db, err = sql.Open("sqlite", dsn)
		dialect = dialectSQLite
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", dialect, err)
	}
	if dialect == dialectSQLite {
		// A single connection keeps :memory: databases coherent and avoids
		// SQLITE_BUSY under concurrent writers.
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s store: %w", s.dialect, err)
	}

	ts := "DATETIME"
	if s.dialect == dialectPostgres {
		ts = "TIMESTAMPTZ"
	}

	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	identity_subject TEXT NOT NULL,
	email TEXT NOT NULL,
	credits_micro BIGINT NOT NULL DEFAULT 0,
	subscription_status TEXT NOT NULL,
	trial_end_at %[1]s NULL,
	trial_tokens_used BIGINT NOT NULL DEFAULT 0,
	trial_requests_used BIGINT NOT NULL DEFAULT 0,
	trial_credits_micro BIGINT NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at %[1]s NOT NULL,
	updated_at %[1]s NOT NULL
);
CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	secret TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	is_primary BOOLEAN NOT NULL DEFAULT FALSE,
	environment_tag TEXT NOT NULL,
	scopes TEXT NOT NULL,
	expires_at %[1]s NULL,
	max_requests BIGINT NULL,
	requests_used BIGINT NOT NULL DEFAULT 0,
	ip_allowlist TEXT NOT NULL,
	referer_allowlist TEXT NOT NULL,
	last_used_at %[1]s NULL,
	created_at %[1]s NOT NULL,
	UNIQUE(user_id, name)
);
CREATE INDEX IF NOT EXISTS idx_api_keys_secret ON api_keys(secret);
CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	daily_request_limit BIGINT NOT NULL,
	monthly_request_limit BIGINT NOT NULL,
	daily_token_limit BIGINT NOT NULL,
	monthly_token_limit BIGINT NOT NULL,
	max_concurrent_requests INTEGER NOT NULL,
	features TEXT NOT NULL,
	price_micro BIGINT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE TABLE IF NOT EXISTS user_plans (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	plan_id TEXT NOT NULL,
	started_at %[1]s NOT NULL,
	expires_at %[1]s NULL,
	is_active BOOLEAN NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_user_plans_user ON user_plans(user_id, is_active);
CREATE TABLE IF NOT EXISTS usage_records (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	key_id TEXT NOT NULL,
	model TEXT NOT NULL,
	provider TEXT NOT NULL,
	tokens_prompt BIGINT NOT NULL,
	tokens_completion BIGINT NOT NULL,
	cost_micro BIGINT NOT NULL,
	latency_ms BIGINT NOT NULL,
	request_id TEXT UNIQUE NOT NULL,
	finish_reason TEXT NOT NULL DEFAULT '',
	timestamp %[1]s NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_records_user_ts ON usage_records(user_id, timestamp);
CREATE TABLE IF NOT EXISTS rate_limit_windows (
	key_id TEXT NOT NULL,
	window_kind TEXT NOT NULL,
	window_start %[1]s NOT NULL,
	requests_count BIGINT NOT NULL DEFAULT 0,
	tokens_count BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY(key_id, window_kind, window_start)
);
CREATE TABLE IF NOT EXISTS audit_log (
	id %[2]s,
	user_id TEXT NULL,
	key_id TEXT NULL,
	action TEXT NOT NULL,
	details TEXT NOT NULL,
	ip TEXT NULL,
	at %[1]s NOT NULL
);`, ts, s.autoIncPK())

	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize %s store schema: %w", s.dialect, err)
	}
	return nil
}

func (s *SQLStore) autoIncPK() string {
	if s.dialect == dialectPostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// Ping reports store reachability (used by /health).
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error { return s.db.Close() }

// ── Users and keys ───────────────────────────────────────────────────────────

// GetUser loads a user row by id.
func (s *SQLStore) GetUser(ctx context.Context, userID string) (*User, error) {
	q := s.bind(`
SELECT id, identity_subject, email, credits_micro, subscription_status, trial_end_at,
       trial_tokens_used, trial_requests_used, trial_credits_micro, is_active, created_at, updated_at
FROM users WHERE id = ?`)
	row := s.db.QueryRowContext(ctx, q, userID)

	var (
		u        User
		trialEnd sql.NullTime
	)
	err := row.Scan(&u.ID, &u.IdentitySubject, &u.Email, &u.CreditsMicro, &u.SubscriptionStatus,
		&trialEnd, &u.TrialTokensUsed, &u.TrialRequestsUsed, &u.TrialCreditsMicro,
		&u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("get user", err)
	}
	if trialEnd.Valid {
		t := trialEnd.Time
		u.TrialEndAt = &t
	}
	return &u, nil
}

// GetKeyBySecret loads an API key by its full secret value (exact match).
func (s *SQLStore) GetKeyBySecret(ctx context.Context, secret string) (*APIKey, error) {
	q := s.bind(`
SELECT id, user_id, secret, name, is_active, is_primary, environment_tag, scopes,
       expires_at, max_requests, requests_used, ip_allowlist, referer_allowlist, last_used_at, created_at
FROM api_keys WHERE secret = ?`)
	return s.scanKey(s.db.QueryRowContext(ctx, q, secret))
}

func (s *SQLStore) scanKey(row *sql.Row) (*APIKey, error) {
	var (
		k                         APIKey
		scopesRaw, ipsRaw, refRaw string
		expires, lastUsed         sql.NullTime
		maxReq                    sql.NullInt64
	)
	err := row.Scan(&k.ID, &k.UserID, &k.Secret, &k.Name, &k.IsActive, &k.IsPrimary,
		&k.EnvironmentTag, &scopesRaw, &expires, &maxReq, &k.RequestsUsed,
		&ipsRaw, &refRaw, &lastUsed, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("scan api key", err)
	}
	if err := json.Unmarshal([]byte(scopesRaw), &k.Scopes); err != nil {
		return nil, fmt.Errorf("decode scopes: %w", err)
	}
	if err := json.Unmarshal([]byte(ipsRaw), &k.IPAllowlist); err != nil {
		return nil, fmt.Errorf("decode ip allowlist: %w", err)
	}
	if err := json.Unmarshal([]byte(refRaw), &k.RefererAllowlist); err != nil {
		return nil, fmt.Errorf("decode referer allowlist: %w", err)
	}
	if expires.Valid {
		t := expires.Time
		k.ExpiresAt = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		k.LastUsedAt = &t
	}
	if maxReq.Valid {
		v := maxReq.Int64
		k.MaxRequests = &v
	}
	return &k, nil
}

// TouchKeyUsage bumps requests_used and last_used_at for a key.
func (s *SQLStore) TouchKeyUsage(ctx context.Context, keyID string, at time.Time) error {
	q := s.bind(`UPDATE api_keys SET requests_used = requests_used + 1, last_used_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, at.UTC(), keyID)
	if err != nil {
		return s.wrap("touch key usage", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CheckKeyNameUnique reports whether name is unused by the user's other keys.
func (s *SQLStore) CheckKeyNameUnique(ctx context.Context, userID, name, excludingKeyID string) (bool, error) {
	q := s.bind(`SELECT COUNT(1) FROM api_keys WHERE user_id = ? AND name = ? AND id <> ?`)
	var n int64
	if err := s.db.QueryRowContext(ctx, q, userID, name, excludingKeyID).Scan(&n); err != nil {
		return false, s.wrap("check key name", err)
	}
	return n == 0, nil
}

// ── Credits ──────────────────────────────────────────────────────────────────

// DeductCredits atomically subtracts amountMicro from the user's balance.
// The conditional UPDATE guarantees no negative intermediate balance under
// concurrent deductions.
func (s *SQLStore) DeductCredits(ctx context.Context, userID string, amountMicro int64) (int64, error) {
	if amountMicro < 0 {
		return 0, fmt.Errorf("%w: negative deduction", ErrConstraint)
	}
	q := s.bind(`
UPDATE users SET credits_micro = credits_micro - ?, updated_at = ?
WHERE id = ? AND credits_micro >= ?`)
	res, err := s.db.ExecContext(ctx, q, amountMicro, time.Now().UTC(), userID, amountMicro)
	if err != nil {
		return 0, s.wrap("deduct credits", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the user does not exist or the balance is too low.
		u, gerr := s.GetUser(ctx, userID)
		if gerr != nil {
			return 0, gerr
		}
		return u.CreditsMicro, ErrInsufficientCredits
	}
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.CreditsMicro, nil
}

// DeductCreditsFloor deducts up to amountMicro, flooring at zero, and
// returns how much was actually deducted.
func (s *SQLStore) DeductCreditsFloor(ctx context.Context, userID string, amountMicro int64) (int64, error) {
	balance, err := s.DeductCredits(ctx, userID, amountMicro)
	if err == nil {
		return amountMicro, nil
	}
	if err != ErrInsufficientCredits {
		return 0, err
	}
	// Take whatever is left. The conditional UPDATE still protects against
	// a concurrent deduction landing in between.
	q := s.bind(`
UPDATE users SET credits_micro = 0, updated_at = ?
WHERE id = ? AND credits_micro = ?`)
	res, uerr := s.db.ExecContext(ctx, q, time.Now().UTC(), userID, balance)
	if uerr != nil {
		return 0, s.wrap("floor deduct credits", uerr)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Balance moved under us; retry from the top.
		return s.DeductCreditsFloor(ctx, userID, amountMicro)
	}
	return balance, nil
}

// ── Plans ────────────────────────────────────────────────────────────────────

// GetActiveUserPlan returns the user's active plan assignment and the plan
// itself, or ErrNotFound when the user has no active plan.
func (s *SQLStore) GetActiveUserPlan(ctx context.Context, userID string) (*UserPlan, *Plan, error) {
	q := s.bind(`
SELECT up.id, up.user_id, up.plan_id, up.started_at, up.expires_at, up.is_active,
       p.id, p.name, p.type, p.daily_request_limit, p.monthly_request_limit,
       p.daily_token_limit, p.monthly_token_limit, p.max_concurrent_requests,
       p.features, p.price_micro, p.is_active
FROM user_plans up JOIN plans p ON p.id = up.plan_id
WHERE up.user_id = ? AND up.is_active
ORDER BY up.started_at DESC`)
	row := s.db.QueryRowContext(ctx, q, userID)

	var (
		up          UserPlan
		p           Plan
		expires     sql.NullTime
		featuresRaw string
	)
	err := row.Scan(&up.ID, &up.UserID, &up.PlanID, &up.StartedAt, &expires, &up.IsActive,
		&p.ID, &p.Name, &p.Type, &p.DailyRequestLimit, &p.MonthlyRequestLimit,
		&p.DailyTokenLimit, &p.MonthlyTokenLimit, &p.MaxConcurrentRequests,
		&featuresRaw, &p.PriceMicro, &p.IsActive)
	if err == sql.ErrNoRows {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, s.wrap("get active user plan", err)
	}
	if expires.Valid {
		t := expires.Time
		up.ExpiresAt = &t
	}
	if err := json.Unmarshal([]byte(featuresRaw), &p.Features); err != nil {
		return nil, nil, fmt.Errorf("decode plan features: %w", err)
	}
	return &up, &p, nil
}

// DeactivateUserPlan marks a plan assignment inactive.
func (s *SQLStore) DeactivateUserPlan(ctx context.Context, userPlanID string) error {
	q := s.bind(`UPDATE user_plans SET is_active = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, false, userPlanID)
	if err != nil {
		return s.wrap("deactivate user plan", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSubscriptionStatus updates a user's subscription status.
func (s *SQLStore) SetSubscriptionStatus(ctx context.Context, userID, status string) error {
	q := s.bind(`UPDATE users SET subscription_status = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, status, time.Now().UTC(), userID)
	if err != nil {
		return s.wrap("set subscription status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPlans returns all active plans.
func (s *SQLStore) ListPlans(ctx context.Context) ([]Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, type, daily_request_limit, monthly_request_limit, daily_token_limit,
       monthly_token_limit, max_concurrent_requests, features, price_micro, is_active
FROM plans WHERE is_active`)
	if err != nil {
		return nil, s.wrap("list plans", err)
	}
	defer func() { _ = rows.Close() }()

	var plans []Plan
	for rows.Next() {
		var (
			p           Plan
			featuresRaw string
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Type, &p.DailyRequestLimit, &p.MonthlyRequestLimit,
			&p.DailyTokenLimit, &p.MonthlyTokenLimit, &p.MaxConcurrentRequests,
			&featuresRaw, &p.PriceMicro, &p.IsActive); err != nil {
			return nil, s.wrap("scan plan", err)
		}
		if err := json.Unmarshal([]byte(featuresRaw), &p.Features); err != nil {
			return nil, fmt.Errorf("decode plan features: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// AddTrialUsage accumulates trial counters on the user row.
func (s *SQLStore) AddTrialUsage(ctx context.Context, userID string, tokens, requests, creditsMicro int64) error {
	q := s.bind(`
UPDATE users SET trial_tokens_used = trial_tokens_used + ?,
       trial_requests_used = trial_requests_used + ?,
       trial_credits_micro = trial_credits_micro + ?,
       updated_at = ?
WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, tokens, requests, creditsMicro, time.Now().UTC(), userID)
	if err != nil {
		return s.wrap("add trial usage", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ── Usage accounting ─────────────────────────────────────────────────────────

// RecordUsage inserts a usage ledger row. Duplicate request ids return
// ErrConflict.
func (s *SQLStore) RecordUsage(ctx context.Context, rec *UsageRecord) error {
	q := s.bind(`
INSERT INTO usage_records(id, user_id, key_id, model, provider, tokens_prompt, tokens_completion,
                          cost_micro, latency_ms, request_id, finish_reason, timestamp)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q, rec.ID, rec.UserID, rec.KeyID, rec.Model, rec.Provider,
		rec.TokensPrompt, rec.TokensCompletion, rec.CostMicro, rec.LatencyMS,
		rec.RequestID, rec.FinishReason, rec.Timestamp.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return s.wrap("record usage", err)
	}
	return nil
}

// SumUsage aggregates requests and tokens for a user since the given time.
func (s *SQLStore) SumUsage(ctx context.Context, userID string, since time.Time) (UsageTotals, error) {
	q := s.bind(`
SELECT COUNT(1), COALESCE(SUM(tokens_prompt + tokens_completion), 0)
FROM usage_records WHERE user_id = ? AND timestamp >= ?`)
	var t UsageTotals
	if err := s.db.QueryRowContext(ctx, q, userID, since.UTC()).Scan(&t.Requests, &t.Tokens); err != nil {
		return UsageTotals{}, s.wrap("sum usage", err)
	}
	return t, nil
}

// ── Rate-limit windows ───────────────────────────────────────────────────────

// UpsertRateWindow adds requests/tokens to the (key, kind, start) counter,
// creating the row on first write. The upsert linearizes concurrent writers
// at the store.
func (s *SQLStore) UpsertRateWindow(ctx context.Context, keyID string, kind WindowKind, start time.Time, requests, tokens int64) (*RateWindow, error) {
	q := s.bind(`
INSERT INTO rate_limit_windows(key_id, window_kind, window_start, requests_count, tokens_count)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(key_id, window_kind, window_start) DO UPDATE SET
	requests_count = rate_limit_windows.requests_count + excluded.requests_count,
	tokens_count = rate_limit_windows.tokens_count + excluded.tokens_count`)
	start = start.UTC()
	if _, err := s.db.ExecContext(ctx, q, keyID, string(kind), start, requests, tokens); err != nil {
		return nil, s.wrap("upsert rate window", err)
	}

	sel := s.bind(`
SELECT requests_count, tokens_count FROM rate_limit_windows
WHERE key_id = ? AND window_kind = ? AND window_start = ?`)
	w := RateWindow{KeyID: keyID, Kind: kind, Start: start}
	if err := s.db.QueryRowContext(ctx, sel, keyID, string(kind), start).Scan(&w.Requests, &w.Tokens); err != nil {
		return nil, s.wrap("read rate window", err)
	}
	return &w, nil
}

// GetRateWindows returns the current minute/hour/day windows for a key.
// Windows that have not been written yet come back zeroed.
func (s *SQLStore) GetRateWindows(ctx context.Context, keyID string, now time.Time) (map[WindowKind]RateWindow, error) {
	out := make(map[WindowKind]RateWindow, 3)
	q := s.bind(`
SELECT requests_count, tokens_count FROM rate_limit_windows
WHERE key_id = ? AND window_kind = ? AND window_start = ?`)
	for _, kind := range []WindowKind{WindowMinute, WindowHour, WindowDay} {
		start := kind.Truncate(now)
		w := RateWindow{KeyID: keyID, Kind: kind, Start: start}
		err := s.db.QueryRowContext(ctx, q, keyID, string(kind), start).Scan(&w.Requests, &w.Tokens)
		if err != nil && err != sql.ErrNoRows {
			return nil, s.wrap("get rate window", err)
		}
		out[kind] = w
	}
	return out, nil
}

// ── Audit ────────────────────────────────────────────────────────────────────

// InsertAudit appends one audit row.
func (s *SQLStore) InsertAudit(ctx context.Context, entry *AuditEntry) error {
	details := entry.Details
	if len(details) == 0 {
		details = json.RawMessage("{}")
	}
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	q := s.bind(`INSERT INTO audit_log(user_id, key_id, action, details, ip, at) VALUES(?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, nullStr(entry.UserID), nullStr(entry.KeyID),
		entry.Action, string(details), nullStr(entry.IP), at.UTC()); err != nil {
		return s.wrap("insert audit", err)
	}
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLStore) wrap(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case isUniqueViolation(err):
		return fmt.Errorf("%s: %w", op, ErrConflict)
	case strings.Contains(msg, "constraint"):
		return fmt.Errorf("%s: %w", op, ErrConstraint)
	case strings.Contains(msg, "connection") || strings.Contains(msg, "refused") ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "closed"):
		return fmt.Errorf("%s: %w", op, ErrUnavailable)
	default:
		return fmt.Errorf("%s: %v: %w", op, err, ErrUnavailable)
	}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

// bind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var (
		b      strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", argNum)
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
