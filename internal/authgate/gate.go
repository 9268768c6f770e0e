// Package authgate resolves bearer credentials to principals and enforces
// per-key access controls: active/expiry/request-cap checks, IP and referer
// allowlists, and the scope map attached to each request.
package authgate

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stratos-labs/ai-gateway/internal/audit"
	"github.com/stratos-labs/ai-gateway/internal/logging"
	"github.com/stratos-labs/ai-gateway/internal/store"
)

// Authentication failures, ordered by the check that produced them.
var (
	ErrInvalidCredential = errors.New("authgate: invalid credential")
	ErrUserDisabled      = errors.New("authgate: user disabled")
	ErrKeyInactive       = errors.New("authgate: key inactive")
	ErrKeyExpired        = errors.New("authgate: key expired")
	ErrKeyLimitReached   = errors.New("authgate: key request limit reached")
	ErrIPNotAllowed      = errors.New("authgate: ip not allowed")
	ErrRefererNotAllowed = errors.New("authgate: referer not allowed")
)

// RequestMeta carries the client-side request attributes the gate checks.
type RequestMeta struct {
	ClientIP  string
	Referer   string
	UserAgent string
}

// Principal is the authenticated caller: the user, the key that
// authenticated them, and the key's scope map.
type Principal struct {
	User   *store.User
	Key    *store.APIKey
	Scopes store.ScopeMap
}

// Gate authenticates bearer credentials against the store.
type Gate struct {
	store store.Store
	audit *audit.Sink
	now   func() time.Time
}

// New creates a Gate. The audit sink may be nil (violations are then only
// logged).
func New(s store.Store, sink *audit.Sink) *Gate {
	return &Gate{store: s, audit: sink, now: time.Now}
}

// Authenticate resolves a bearer secret to a principal, enforcing each
// access control in order and failing with the specific reason on the first
// violation. Secrets are opaque; lookup is by exact match.
func (g *Gate) Authenticate(ctx context.Context, secret string, meta RequestMeta) (*Principal, error) {
	if secret == "" {
		return nil, ErrInvalidCredential
	}

	key, err := g.store.GetKeyBySecret(ctx, secret)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	user, err := g.store.GetUser(ctx, key.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	if !user.IsActive {
		return nil, ErrUserDisabled
	}

	now := g.now()
	if !key.IsActive {
		return nil, ErrKeyInactive
	}
	if key.ExpiresAt != nil && !key.ExpiresAt.After(now) {
		return nil, ErrKeyExpired
	}
	if key.MaxRequests != nil && key.RequestsUsed >= *key.MaxRequests {
		return nil, ErrKeyLimitReached
	}
	if len(key.IPAllowlist) > 0 && !ipAllowed(meta.ClientIP, key.IPAllowlist) {
		g.recordViolation(ctx, user.ID, key.ID, "ip_rejected", meta)
		return nil, ErrIPNotAllowed
	}
	if len(key.RefererAllowlist) > 0 && !refererAllowed(meta.Referer, key.RefererAllowlist) {
		g.recordViolation(ctx, user.ID, key.ID, "referer_rejected", meta)
		return nil, ErrRefererNotAllowed
	}

	// last_used_at / requests_used are best-effort; a write failure must
	// not fail the request.
	if err := g.store.TouchKeyUsage(ctx, key.ID, now); err != nil {
		logging.FromContext(ctx).Warn("failed to touch key usage", "key_id", key.ID, "error", err.Error())
	}

	return &Principal{User: user, Key: key, Scopes: key.Scopes}, nil
}

// ipAllowed matches the client IP against the allowlist. Entries are exact
// IPs; CIDR matching is an extension point.
func ipAllowed(clientIP string, allowlist []string) bool {
	for _, allowed := range allowlist {
		if clientIP == allowed {
			return true
		}
	}
	return false
}

// refererAllowed accepts the request when any allowlist entry is a
// substring of the Referer header.
func refererAllowed(referer string, allowlist []string) bool {
	if referer == "" {
		return false
	}
	for _, allowed := range allowlist {
		if allowed != "" && strings.Contains(referer, allowed) {
			return true
		}
	}
	return false
}

func (g *Gate) recordViolation(ctx context.Context, userID, keyID, kind string, meta RequestMeta) {
	if g.audit == nil {
		return
	}
	details, _ := json.Marshal(map[string]string{
		"violation":  kind,
		"referer":    meta.Referer,
		"user_agent": meta.UserAgent,
	})
	g.audit.Record(ctx, &store.AuditEntry{
		UserID:  userID,
		KeyID:   keyID,
		Action:  audit.ActionSecurityViolation,
		Details: details,
		IP:      meta.ClientIP,
	})
}

// Authorize checks the scope map for (action, resource). An empty map
// default-allows for backwards compatibility; "*" wildcards both resources
// and whole actions.
func Authorize(scopes store.ScopeMap, action, resource string) bool {
	if len(scopes) == 0 {
		return true
	}
	for _, candidate := range []string{action, "*"} {
		resources, ok := scopes[candidate]
		if !ok {
			continue
		}
		for _, r := range resources {
			if r == "*" || r == resource {
				return true
			}
		}
	}
	return false
}

// AdminSecretMatches compares a presented admin credential against the
// configured secret in constant time.
func AdminSecretMatches(presented, configured string) bool {
	if configured == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}
