package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/stratos-labs/ai-gateway/internal/audit"
	"github.com/stratos-labs/ai-gateway/internal/authgate"
	"github.com/stratos-labs/ai-gateway/internal/logging"
	"github.com/stratos-labs/ai-gateway/internal/metrics"
	"github.com/stratos-labs/ai-gateway/internal/pricing"
	"github.com/stratos-labs/ai-gateway/internal/ratelimit"
	"github.com/stratos-labs/ai-gateway/internal/store"
	"github.com/stratos-labs/ai-gateway/providers"
)

// imageTokensPerImage is the flat token equivalent billed per generated
// image.
const imageTokensPerImage = 100

const defaultImageModel = "dall-e-3"

// ImageRequest is the /v1/images/generations request. Provider-specific
// fields pass through untouched inside the adapter request.
type ImageRequest struct {
	Prompt         string `json:"prompt"`
	Model          string `json:"model,omitempty"`
	Size           string `json:"size,omitempty"`
	N              *int   `json:"n,omitempty"`
	Quality        string `json:"quality,omitempty"`
	Style          string `json:"style,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
	Provider       string `json:"provider,omitempty"`
	// Extra carries provider-specific fields forwarded verbatim to the
	// adapter.
	Extra map[string]json.RawMessage `json:"-"`
}

// ImageResponse is the normalised image result plus the gateway_usage
// block.
type ImageResponse struct {
	providers.ImageResponse
	GatewayUsage GatewayUsage `json:"gateway_usage"`
}

// imageProvider picks the adapter for an image request: the explicit
// provider override when given, otherwise the lowest-priority-number
// configured adapter that supports image generation.
func (g *Gateway) imageProvider(name string) (providers.ImageProvider, *RequestError) {
	if name != "" {
		p, ok := g.providers[name]
		if !ok {
			return nil, newRequestError(CodeModelUnknown, http.StatusNotFound,
				fmt.Sprintf("unknown provider: %s", name))
		}
		ip, ok := p.(providers.ImageProvider)
		if !ok {
			return nil, newRequestError(CodeParameterInvalid, http.StatusBadRequest,
				fmt.Sprintf("provider %s does not support image generation", name))
		}
		return ip, nil
	}

	names := g.ProviderNames()
	sort.Strings(names)
	var best providers.ImageProvider
	bestPriority := int(^uint(0) >> 1)
	for _, n := range names {
		if ip, ok := g.providers[n].(providers.ImageProvider); ok {
			if pr := providerPriority(n); pr < bestPriority {
				best = ip
				bestPriority = pr
			}
		}
	}
	if best == nil {
		return nil, newRequestError(CodeUpstreamError, http.StatusServiceUnavailable,
			"no image-capable provider configured")
	}
	return best, nil
}

// providerPriority mirrors the registry's reliability table for the image
// path, which has no canonical model to consult.
func providerPriority(name string) int {
	order := map[string]int{"openrouter": 1, "together": 3, "fireworks": 4, "deepinfra": 5, "portkey": 6}
	if p, ok := order[name]; ok {
		return p
	}
	return 10
}

// GenerateImage serves an image generation request for an authenticated
// principal. Images bill a flat token equivalent per generated image.
func (g *Gateway) GenerateImage(ctx context.Context, principal *authgate.Principal, req *ImageRequest) (*ImageResponse, error) {
	start := time.Now()
	log := logging.FromContext(ctx)
	user, key := principal.User, principal.Key

	if req.Prompt == "" {
		return nil, newRequestError(CodeParameterInvalid, http.StatusBadRequest, "prompt is required")
	}
	if req.Model == "" {
		req.Model = defaultImageModel
	}

	ent, err := g.entitlements.Resolve(ctx, user.ID)
	if err != nil {
		return nil, AsRequestError(err)
	}
	if ent.Trial.IsTrial && ent.Trial.IsExpired {
		return nil, newRequestError(CodeTrialExpired, http.StatusForbidden, "trial period has ended").
			WithHeader("X-Trial-Expired", "true")
	}
	if !authgate.Authorize(principal.Scopes, "images", req.Model) {
		return nil, newRequestError(CodeInsufficientScope, http.StatusForbidden,
			"key scopes do not permit image generation")
	}

	limits := ratelimit.ConfigForPlan(ent.PlanType)
	res := g.limiter.Check(ctx, key.ID, limits, 0)
	if !res.Allowed {
		g.auditJSON(ctx, user.ID, key.ID, audit.ActionRateLimitExceeded, map[string]string{
			"reason": res.Reason, "endpoint": "images",
		}, "")
		return nil, newRequestError(CodeRateLimited, http.StatusTooManyRequests, res.Reason).
			WithHeader("Retry-After", fmt.Sprintf("%d", int(res.RetryAfter.Seconds())+1))
	}

	n := 1
	if req.N != nil && *req.N > 0 {
		n = *req.N
	}
	estimatedCost := int64(n) * imageTokensPerImage * pricing.FallbackMicroPerToken
	if !ent.Trial.IsTrial && user.CreditsMicro < estimatedCost {
		return nil, newRequestError(CodeInsufficientCredits, http.StatusPaymentRequired,
			fmt.Sprintf("image generation requires %.4f credits", pricing.Display(estimatedCost)))
	}

	ip, reqErr := g.imageProvider(req.Provider)
	if reqErr != nil {
		return nil, reqErr
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout())
	defer cancel()
	resp, err := ip.GenerateImage(callCtx, providers.ImageRequest{
		Model:          req.Model,
		Prompt:         req.Prompt,
		N:              req.N,
		Size:           req.Size,
		Quality:        req.Quality,
		Style:          req.Style,
		ResponseFormat: req.ResponseFormat,
		Extra:          req.Extra,
	})
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(ip.Name(), req.Model, "error").Inc()
		return nil, AsRequestError(err)
	}

	latency := time.Since(start)
	tokensCharged := int64(len(resp.Data)) * imageTokensPerImage
	costMicro := tokensCharged * pricing.FallbackMicroPerToken

	gu := GatewayUsage{
		TokensCharged:   tokensCharged,
		RequestMS:       latency.Milliseconds(),
		CreditsDeducted: pricing.Display(costMicro),
		UserAPIKey:      key.SecretPrefix(),
		Provider:        ip.Name(),
	}

	if ent.Trial.IsTrial {
		if terr := g.entitlements.RecordTrialUsage(ctx, user.ID, tokensCharged, costMicro); terr != nil {
			log.Warn("trial usage tracking failed", "user_id", user.ID, "error", terr.Error())
		}
	} else if costMicro > 0 {
		balance, derr := g.store.DeductCredits(ctx, user.ID, costMicro)
		if derr != nil {
			log.Error("image credit deduction failed", "user_id", user.ID, "error", derr.Error())
		} else {
			after := pricing.Display(balance)
			gu.UserBalanceAfter = &after
			metrics.CreditsDeducted.WithLabelValues(req.Model).Add(float64(costMicro))
		}
	}

	if err := g.limiter.Commit(ctx, key.ID, tokensCharged); err != nil {
		log.Warn("rate window commit failed", "key_id", key.ID, "error", err.Error())
	}
	if err := g.store.RecordUsage(ctx, &store.UsageRecord{
		ID:           uuid.NewString(),
		UserID:       user.ID,
		KeyID:        key.ID,
		Model:        req.Model,
		Provider:     ip.Name(),
		TokensPrompt: tokensCharged,
		CostMicro:    costMicro,
		LatencyMS:    latency.Milliseconds(),
		RequestID:    requestID(ctx),
		Timestamp:    time.Now(),
	}); err != nil {
		log.Error("usage recording failed", "error", err.Error())
	}

	metrics.RequestsTotal.WithLabelValues(ip.Name(), req.Model, "success").Inc()
	resp.Provider = ip.Name()
	resp.Model = req.Model

	return &ImageResponse{ImageResponse: *resp, GatewayUsage: gu}, nil
}
