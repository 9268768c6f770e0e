package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/stratos-labs/ai-gateway/internal/authgate"
	"github.com/stratos-labs/ai-gateway/internal/selector"
	"github.com/stratos-labs/ai-gateway/providers"
)

// Machine-readable error codes surfaced to clients.
const (
	CodeInvalidCredential   = "invalid_credential"
	CodeKeyInactive         = "key_inactive"
	CodeKeyExpired          = "key_expired"
	CodeKeyLimitReached     = "key_limit_reached"
	CodeIPNotAllowed        = "ip_not_allowed"
	CodeRefererNotAllowed   = "referer_not_allowed"
	CodeInsufficientScope   = "insufficient_scope"
	CodePlanExpired         = "plan_expired"
	CodeTrialExpired        = "trial_expired"
	CodeRateLimited         = "rate_limited"
	CodeInsufficientCredits = "insufficient_credits"
	CodeModelUnknown        = "model_unknown"
	CodeParameterInvalid    = "parameter_invalid"
	CodeUpstreamError       = "upstream_error"
	CodeInternal            = "internal_error"
)

// RequestError is the user-visible failure type: a short machine-readable
// code, an HTTP status, and a human-readable detail. Optional headers carry
// budget hints (Retry-After, trial remainders).
type RequestError struct {
	Code    string            `json:"code"`
	Status  int               `json:"-"`
	Detail  string            `json:"detail"`
	Headers map[string]string `json:"-"`
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Detail)
}

// WithHeader attaches a response header to the error.
func (e *RequestError) WithHeader(key, value string) *RequestError {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
	return e
}

func newRequestError(code string, status int, detail string) *RequestError {
	return &RequestError{Code: code, Status: status, Detail: detail}
}

// AsRequestError converts any orchestration error into the RequestError the
// HTTP layer writes out. Unknown errors become 500s.
func AsRequestError(err error) *RequestError {
	var re *RequestError
	if errors.As(err, &re) {
		return re
	}

	switch {
	case errors.Is(err, authgate.ErrInvalidCredential):
		return newRequestError(CodeInvalidCredential, http.StatusUnauthorized, "invalid API key")
	case errors.Is(err, authgate.ErrUserDisabled):
		return newRequestError(CodeInvalidCredential, http.StatusUnauthorized, "account disabled")
	case errors.Is(err, authgate.ErrKeyInactive):
		return newRequestError(CodeKeyInactive, http.StatusUnauthorized, "API key is inactive")
	case errors.Is(err, authgate.ErrKeyExpired):
		return newRequestError(CodeKeyExpired, http.StatusUnauthorized, "API key has expired")
	case errors.Is(err, authgate.ErrKeyLimitReached):
		return newRequestError(CodeKeyLimitReached, http.StatusTooManyRequests, "API key request cap reached")
	case errors.Is(err, authgate.ErrIPNotAllowed):
		return newRequestError(CodeIPNotAllowed, http.StatusForbidden, "client IP not in allowlist")
	case errors.Is(err, authgate.ErrRefererNotAllowed):
		return newRequestError(CodeRefererNotAllowed, http.StatusForbidden, "referer not in allowlist")
	case errors.Is(err, selector.ErrModelUnknown):
		return newRequestError(CodeModelUnknown, http.StatusNotFound, "unknown model")
	case errors.Is(err, selector.ErrNoProvider):
		return newRequestError(CodeUpstreamError, http.StatusServiceUnavailable, "no provider currently available for this model")
	default:
		return mapProviderError(err)
	}
}

// mapProviderError maps exhausted-failover provider errors onto surface
// statuses: 503 for unavailable/timeout, 429 for upstream rate limits, and
// 500 for upstream auth problems (an internal misconfiguration, not the
// caller's fault). Other upstream statuses pass through.
func mapProviderError(err error) *RequestError {
	kind := providers.KindOf(err)
	status := providers.StatusOf(err)

	switch {
	case kind == providers.KindTimeout, kind == providers.KindUnavailable:
		return newRequestError(CodeUpstreamError, http.StatusServiceUnavailable, err.Error())
	case status == http.StatusTooManyRequests:
		return newRequestError(CodeRateLimited, http.StatusTooManyRequests, "upstream rate limit").
			WithHeader("Retry-After", "1")
	case kind == providers.KindAuth:
		return newRequestError(CodeInternal, http.StatusInternalServerError, "upstream authentication failed")
	case status > 0:
		return newRequestError(CodeUpstreamError, status, err.Error())
	default:
		return newRequestError(CodeInternal, http.StatusInternalServerError, err.Error())
	}
}
