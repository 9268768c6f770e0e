// Package pricing converts token usage into micro-credit costs. Costs are
// fixed-point int64 micro-credits end to end; floating point appears only
// at the display layer.
package pricing

import (
	"math"

	"github.com/stratos-labs/ai-gateway/internal/registry"
	"github.com/stratos-labs/ai-gateway/internal/store"
	"github.com/stratos-labs/ai-gateway/providers"
)

// FallbackMicroPerToken is the legacy flat conversion (0.00002 credits per
// token) applied when the selected provider config carries no pricing.
// Provider-declared per-1k pricing is preferred.
const FallbackMicroPerToken = 20

// Calculate returns the micro-credit cost of a completed request under the
// given provider config.
func Calculate(cfg registry.ProviderConfig, usage providers.Usage) int64 {
	if cfg.CostPer1KInput == nil && cfg.CostPer1KOutput == nil {
		return int64(usage.TotalTokensOrSum()) * FallbackMicroPerToken
	}

	var credits float64
	if cfg.CostPer1KInput != nil {
		credits += *cfg.CostPer1KInput * float64(usage.PromptTokens) / 1000
	}
	if cfg.CostPer1KOutput != nil {
		credits += *cfg.CostPer1KOutput * float64(usage.CompletionTokens) / 1000
	}
	return int64(math.Round(credits * store.MicroCreditsPerCredit))
}

// Display converts micro-credits to a float credit value for response
// shaping.
func Display(micro int64) float64 {
	return float64(micro) / store.MicroCreditsPerCredit
}
