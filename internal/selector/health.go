// Package selector chooses a provider for a canonical model and retries
// with the next eligible provider on failure. Provider health is tracked
// per (model, provider) with a circuit breaker: repeated failures remove a
// provider from selection until a cooldown elapses.
package selector

import (
	"sync"
	"time"

	"github.com/stratos-labs/ai-gateway/internal/metrics"
)

// Circuit defaults, overridable via Config.
const (
	DefaultFailureThreshold = 5
	DefaultCircuitTimeout   = 300 * time.Second
)

type circuitState struct {
	consecutiveFailures int
	disabledUntil       time.Time
}

// HealthTracker tracks provider health per (canonical model, provider) and
// implements the circuit-breaker state machine. State is process-local and
// resets on restart.
type HealthTracker struct {
	mu               sync.Mutex
	failureThreshold int
	timeout          time.Duration
	states           map[string]*circuitState
	now              func() time.Time
}

// NewHealthTracker builds a tracker. Zero/negative arguments fall back to
// the defaults.
func NewHealthTracker(failureThreshold int, timeout time.Duration) *HealthTracker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if timeout <= 0 {
		timeout = DefaultCircuitTimeout
	}
	return &HealthTracker{
		failureThreshold: failureThreshold,
		timeout:          timeout,
		states:           make(map[string]*circuitState),
		now:              time.Now,
	}
}

func stateKey(modelID, provider string) string {
	return modelID + "|" + provider
}

// RecordSuccess resets the failure count and closes the circuit.
func (h *HealthTracker) RecordSuccess(modelID, provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.states[stateKey(modelID, provider)]; ok {
		st.consecutiveFailures = 0
		st.disabledUntil = time.Time{}
	}
	metrics.CircuitBreakerOpen.WithLabelValues(modelID, provider).Set(0)
}

// RecordFailure bumps the consecutive-failure count and reports whether the
// circuit just opened. failures and disabledUntil move together under one
// lock.
func (h *HealthTracker) RecordFailure(modelID, provider string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := stateKey(modelID, provider)
	st, ok := h.states[key]
	if !ok {
		st = &circuitState{}
		h.states[key] = st
	}
	st.consecutiveFailures++
	if st.consecutiveFailures >= h.failureThreshold {
		st.disabledUntil = h.now().Add(h.timeout)
		metrics.CircuitBreakerOpen.WithLabelValues(modelID, provider).Set(1)
		return true
	}
	return false
}

// Available reports whether the provider may be tried. An elapsed cooldown
// re-admits the provider and resets its failure count, so a single success
// re-closes the circuit (half-open-on-next-try).
func (h *HealthTracker) Available(modelID, provider string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.states[stateKey(modelID, provider)]
	if !ok || st.disabledUntil.IsZero() {
		return true
	}
	if h.now().Before(st.disabledUntil) {
		return false
	}
	st.disabledUntil = time.Time{}
	st.consecutiveFailures = 0
	metrics.CircuitBreakerOpen.WithLabelValues(modelID, provider).Set(0)
	return true
}

// Failures returns the current consecutive-failure count (for health
// endpoints and tests).
func (h *HealthTracker) Failures(modelID, provider string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.states[stateKey(modelID, provider)]; ok {
		return st.consecutiveFailures
	}
	return 0
}
