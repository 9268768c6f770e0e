package selector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stratos-labs/ai-gateway/internal/logging"
	"github.com/stratos-labs/ai-gateway/internal/metrics"
	"github.com/stratos-labs/ai-gateway/internal/registry"
)

// Sentinel selection errors.
var (
	// ErrModelUnknown — the canonical model is not in the registry.
	ErrModelUnknown = errors.New("selector: model unknown")
	// ErrNoProvider — no eligible provider remains after filtering
	// (features, cost, circuit breakers).
	ErrNoProvider = errors.New("selector: no eligible provider")
)

// DefaultMaxRetries bounds how many providers one request may try.
const DefaultMaxRetries = 3

// Options tune a single selection.
type Options struct {
	PreferredProvider string
	RequiredFeatures  []string
	MaxCostPer1K      *float64
	MaxRetries        int
}

// Attempt records one provider try.
type Attempt struct {
	Provider      string `json:"provider"`
	NativeModelID string `json:"native_model_id"`
	AttemptNumber int    `json:"attempt_number"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
}

// Outcome is the result of ExecuteWithFailover.
type Outcome struct {
	Success       bool
	Provider      string
	NativeModelID string
	Attempts      []Attempt
	Err           error
}

// DoFunc performs the actual provider call for one candidate. A nil return
// is success; any error moves the selector to the next candidate.
type DoFunc func(ctx context.Context, providerName, nativeModelID string) error

// Selector picks providers for canonical models with circuit-breaker
// failover.
type Selector struct {
	registry *registry.Registry
	health   *HealthTracker
}

// New builds a Selector over the registry with the given circuit tunables.
func New(reg *registry.Registry, failureThreshold int, circuitTimeout time.Duration) *Selector {
	return &Selector{
		registry: reg,
		health:   NewHealthTracker(failureThreshold, circuitTimeout),
	}
}

// Health exposes the tracker (for /health and tests).
func (s *Selector) Health() *HealthTracker { return s.health }

// Candidates returns the providers that would be tried for the model, in
// order, after feature/cost/preference/circuit filtering and the retry trim.
func (s *Selector) Candidates(modelID string, opts Options) ([]registry.ProviderConfig, error) {
	model, ok := s.registry.Get(modelID)
	if !ok {
		return nil, ErrModelUnknown
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	var candidates []registry.ProviderConfig
	for _, cfg := range model.EnabledProviders() {
		if !cfg.HasFeatures(opts.RequiredFeatures) {
			continue
		}
		if opts.MaxCostPer1K != nil && cfg.CostPer1KInput != nil && *cfg.CostPer1KInput > *opts.MaxCostPer1K {
			continue
		}
		candidates = append(candidates, cfg)
	}

	// Preferred provider jumps the priority queue when it survived the
	// filters above.
	if opts.PreferredProvider != "" {
		for i, cfg := range candidates {
			if cfg.Name == opts.PreferredProvider && i > 0 {
				candidates = append([]registry.ProviderConfig{cfg},
					append(append([]registry.ProviderConfig(nil), candidates[:i]...), candidates[i+1:]...)...)
				break
			}
		}
	}

	// Skip providers whose circuit is open.
	open := candidates[:0]
	for _, cfg := range candidates {
		if s.health.Available(model.ID, cfg.Name) {
			open = append(open, cfg)
		}
	}
	candidates = open

	if len(candidates) == 0 {
		return nil, ErrNoProvider
	}
	if len(candidates) > maxRetries {
		candidates = candidates[:maxRetries]
	}
	return candidates, nil
}

// ExecuteWithFailover tries each eligible provider in priority order until
// do succeeds. Successes close the provider's circuit; failures count
// toward opening it. The outcome always carries the full attempt trail.
func (s *Selector) ExecuteWithFailover(ctx context.Context, modelID string, opts Options, do DoFunc) (*Outcome, error) {
	log := logging.FromContext(ctx)

	model, ok := s.registry.Get(modelID)
	if !ok {
		return &Outcome{Err: ErrModelUnknown}, ErrModelUnknown
	}

	candidates, err := s.Candidates(modelID, opts)
	if err != nil {
		return &Outcome{Err: err}, err
	}

	outcome := &Outcome{}
	var lastErr error
	for i, cfg := range candidates {
		if err := ctx.Err(); err != nil {
			outcome.Err = err
			return outcome, err
		}

		attempt := Attempt{
			Provider:      cfg.Name,
			NativeModelID: cfg.NativeModelID,
			AttemptNumber: i + 1,
		}

		callErr := do(ctx, cfg.Name, cfg.NativeModelID)
		if callErr == nil {
			attempt.Success = true
			outcome.Attempts = append(outcome.Attempts, attempt)
			outcome.Success = true
			outcome.Provider = cfg.Name
			outcome.NativeModelID = cfg.NativeModelID
			s.health.RecordSuccess(model.ID, cfg.Name)
			metrics.FailoverAttempts.WithLabelValues(model.ID, cfg.Name, "success").Inc()
			return outcome, nil
		}

		lastErr = callErr
		attempt.Error = callErr.Error()
		outcome.Attempts = append(outcome.Attempts, attempt)
		metrics.FailoverAttempts.WithLabelValues(model.ID, cfg.Name, "error").Inc()

		if opened := s.health.RecordFailure(model.ID, cfg.Name); opened {
			log.Warn("circuit opened",
				"model", model.ID,
				"provider", cfg.Name,
				"failures", s.health.Failures(model.ID, cfg.Name),
			)
		}
		log.Warn("provider attempt failed",
			"model", model.ID,
			"provider", cfg.Name,
			"attempt", i+1,
			"error", callErr.Error(),
		)
	}

	outcome.Err = lastErr
	return outcome, fmt.Errorf("all %d provider(s) failed for %s: %w", len(outcome.Attempts), model.ID, lastErr)
}
