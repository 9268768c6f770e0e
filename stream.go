package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/stratos-labs/ai-gateway/internal/authgate"
	"github.com/stratos-labs/ai-gateway/internal/logging"
	"github.com/stratos-labs/ai-gateway/internal/metrics"
	"github.com/stratos-labs/ai-gateway/internal/selector"
	"github.com/stratos-labs/ai-gateway/internal/tokencount"
	"github.com/stratos-labs/ai-gateway/providers"
)

// ChatStream serves a streaming chat completion. Chunks are forwarded from
// the adapter with the model set to the canonical id and an empty object
// set to "chat.completion.chunk"; accounting happens after the stream
// terminates. A client cancellation tears down the upstream call and skips
// accounting entirely; an upstream abort mid-stream writes a partial usage
// record with finish_reason "interrupted" covering the tokens actually
// delivered.
func (g *Gateway) ChatStream(ctx context.Context, principal *authgate.Principal, req *ChatRequest) (<-chan providers.StreamChunk, error) {
	start := time.Now()

	adm, reqErr := g.admit(ctx, principal, req)
	if reqErr != nil {
		metrics.RequestsTotal.WithLabelValues("", req.Model, "rejected").Inc()
		return nil, reqErr
	}

	// The stream outlives this call; its context carries the total
	// duration ceiling and is cancelled by the pipe goroutine.
	streamCtx, cancel := context.WithTimeout(ctx, g.cfg.StreamMaxDuration())

	var upstream <-chan providers.StreamChunk
	outcome, err := g.selector.ExecuteWithFailover(ctx, adm.model.ID, g.selectorOptions(req),
		func(_ context.Context, providerName, nativeID string) error {
			p, ok := g.providers[providerName]
			if !ok {
				return providers.NewError(providerName, providers.KindUnavailable, 0,
					"provider not configured", nil)
			}
			sp, ok := p.(providers.StreamProvider)
			if !ok {
				return providers.NewError(providerName, providers.KindInvalidRequest, 0,
					"provider does not support streaming", nil)
			}
			ch, callErr := sp.CompleteStream(streamCtx, providers.Request{
				Model:            nativeID,
				Messages:         req.Messages,
				MaxTokens:        req.MaxTokens,
				Temperature:      req.Temperature,
				TopP:             req.TopP,
				FrequencyPenalty: req.FrequencyPenalty,
				PresencePenalty:  req.PresencePenalty,
				Tools:            req.Tools,
				Stream:           true,
			})
			if callErr != nil {
				metrics.ProviderErrors.WithLabelValues(providerName, string(providers.KindOf(callErr))).Inc()
				return callErr
			}
			upstream = ch
			return nil
		})
	if err != nil {
		cancel()
		g.limiter.ReleaseConcurrency(principal.Key.ID)
		metrics.RequestsTotal.WithLabelValues("", adm.model.ID, "error").Inc()
		return nil, AsRequestError(outcome.Err)
	}

	out := make(chan providers.StreamChunk)
	go g.pipeStream(ctx, streamCtx, cancel, adm, outcome, upstream, out, start)
	return out, nil
}

// pipeStream forwards upstream chunks, enforces the per-chunk idle timeout,
// and settles accounting when the stream ends.
func (g *Gateway) pipeStream(ctx, streamCtx context.Context, cancel context.CancelFunc,
	adm *admission, outcome *selector.Outcome, upstream <-chan providers.StreamChunk,
	out chan<- providers.StreamChunk, start time.Time) {

	log := logging.FromContext(ctx)
	defer close(out)
	defer cancel()
	defer g.limiter.ReleaseConcurrency(adm.principal.Key.ID)

	var (
		content     strings.Builder
		usage       *providers.Usage
		finished    bool
		interrupted bool
	)
	idle := time.NewTimer(g.cfg.StreamIdleTimeout())
	defer idle.Stop()

loop:
	for {
		select {
		case chunk, ok := <-upstream:
			if !ok {
				break loop
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(g.cfg.StreamIdleTimeout())

			if chunk.Error != nil {
				interrupted = true
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
				break loop
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			for _, c := range chunk.Choices {
				content.WriteString(c.Delta.Content)
				if c.FinishReason != "" {
					finished = true
				}
			}
			// Clients see the canonical model id on every chunk.
			chunk.Model = adm.model.ID
			if chunk.Object == "" {
				chunk.Object = "chat.completion.chunk"
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				// Client went away: abandon the stream without accounting.
				return
			}

		case <-ctx.Done():
			return

		case <-streamCtx.Done():
			if ctx.Err() != nil {
				// Parent cancellation, not the ceiling: no accounting.
				return
			}
			// Total duration ceiling reached.
			interrupted = true
			break loop

		case <-idle.C:
			interrupted = true
			log.Warn("stream idle timeout", "model", adm.model.ID, "provider", outcome.Provider)
			break loop
		}
	}

	// Settle with reported usage when the provider sent it; otherwise
	// estimate from what was actually delivered.
	finalUsage := providers.Usage{}
	if usage != nil {
		finalUsage = *usage
	} else {
		finalUsage.PromptTokens = int(adm.estimated)
		finalUsage.CompletionTokens = tokencount.EstimateText(content.String())
		finalUsage.TotalTokens = finalUsage.PromptTokens + finalUsage.CompletionTokens
	}

	finishReason := ""
	status := "success"
	if interrupted || !finished {
		finishReason = "interrupted"
		status = "interrupted"
	}

	latency := time.Since(start)
	// Accounting must survive the request context ending with the stream.
	g.settle(context.WithoutCancel(ctx), adm, outcome, finalUsage, latency, finishReason)
	metrics.RequestsTotal.WithLabelValues(outcome.Provider, adm.model.ID, status).Inc()
	metrics.RequestDuration.WithLabelValues(outcome.Provider, adm.model.ID).Observe(latency.Seconds())

	log.Info("stream completed",
		"model", adm.model.ID,
		"provider", outcome.Provider,
		"latency_ms", latency.Milliseconds(),
		"tokens_charged", finalUsage.TotalTokensOrSum(),
		"interrupted", interrupted || !finished,
	)
}
