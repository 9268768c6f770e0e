// Package gateway implements the request-admission and provider-routing
// pipeline of the inference gateway: authentication with access controls,
// entitlement and rate-limit enforcement, canonical model resolution,
// priority-ordered provider selection with circuit-breaker failover, and
// the credit-metering/usage-recording path.
//
// The Gateway type is the main entry point: create one with New, then serve
// requests through Chat, ChatStream, and GenerateImage. HTTP wiring lives
// in cmd/stratosgw.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/stratos-labs/ai-gateway/internal/audit"
	"github.com/stratos-labs/ai-gateway/internal/authgate"
	"github.com/stratos-labs/ai-gateway/internal/entitlement"
	"github.com/stratos-labs/ai-gateway/internal/logging"
	"github.com/stratos-labs/ai-gateway/internal/ratelimit"
	"github.com/stratos-labs/ai-gateway/internal/registry"
	"github.com/stratos-labs/ai-gateway/internal/selector"
	"github.com/stratos-labs/ai-gateway/internal/store"
	"github.com/stratos-labs/ai-gateway/providers"
)

// Gateway glues the admission pipeline together. All fields are initialised
// by New and never mutated afterwards; the registry snapshot and circuit
// state handle their own synchronisation.
type Gateway struct {
	cfg          *Config
	store        store.Store
	registry     *registry.Registry
	selector     *selector.Selector
	limiter      *ratelimit.Limiter
	entitlements *entitlement.Engine
	gate         *authgate.Gate
	audit        *audit.Sink
	providers    map[string]providers.Provider
}

// New wires a Gateway from config and an opened store. Providers are
// constructed for every configured upstream; the registry starts from the
// overlay and is filled by the first Refresh.
func New(cfg *Config, st store.Store) (*Gateway, error) {
	provs, err := buildProviders(cfg)
	if err != nil {
		return nil, err
	}

	overlay := registry.DefaultOverlay()
	if cfg.ModelOverlayFile != "" {
		overlay, err = registry.LoadOverlay(cfg.ModelOverlayFile)
		if err != nil {
			return nil, fmt.Errorf("load model overlay: %w", err)
		}
	}
	reg := registry.New(overlay)

	var backend ratelimit.Backend
	if cfg.RedisURL != "" {
		backend, err = ratelimit.NewRedisBackend(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("rate-limit redis backend: %w", err)
		}
	} else {
		backend = ratelimit.NewStoreBackend(st)
	}

	sink := audit.NewSink(st)

	return &Gateway{
		cfg:          cfg,
		store:        st,
		registry:     reg,
		selector:     selector.New(reg, cfg.CircuitFailureThreshold, cfg.CircuitTimeout()),
		limiter:      ratelimit.New(backend),
		entitlements: entitlement.New(st),
		gate:         authgate.New(st, sink),
		audit:        sink,
		providers:    provs,
	}, nil
}

// buildProviders constructs an adapter for every configured upstream.
func buildProviders(cfg *Config) (map[string]providers.Provider, error) {
	out := make(map[string]providers.Provider)

	if cfg.OpenRouterAPIKey != "" {
		p, err := providers.NewOpenRouter(cfg.OpenRouterAPIKey, cfg.OpenRouterSiteURL, cfg.OpenRouterSiteName)
		if err != nil {
			return nil, fmt.Errorf("openrouter provider: %w", err)
		}
		out[p.Name()] = p
	}
	if cfg.FireworksAPIKey != "" {
		p, err := providers.NewFireworks(cfg.FireworksAPIKey)
		if err != nil {
			return nil, fmt.Errorf("fireworks provider: %w", err)
		}
		out[p.Name()] = p
	}
	if cfg.TogetherAPIKey != "" {
		p, err := providers.NewTogether(cfg.TogetherAPIKey)
		if err != nil {
			return nil, fmt.Errorf("together provider: %w", err)
		}
		out[p.Name()] = p
	}
	if cfg.DeepInfraAPIKey != "" {
		p, err := providers.NewDeepInfra(cfg.DeepInfraAPIKey)
		if err != nil {
			return nil, fmt.Errorf("deepinfra provider: %w", err)
		}
		out[p.Name()] = p
	}
	if cfg.PortkeyAPIKey != "" {
		p, err := providers.NewPortkey(cfg.PortkeyAPIKey)
		if err != nil {
			return nil, fmt.Errorf("portkey provider: %w", err)
		}
		out[p.Name()] = p
	}
	if cfg.GoogleProjectID != "" {
		p, err := providers.NewVertex(providers.VertexOptions{
			ProjectID:       cfg.GoogleProjectID,
			Location:        cfg.GoogleVertexLocation,
			CredentialsJSON: cfg.VertexCredentials(),
			EndpointID:      cfg.GoogleVertexEndpointID,
		})
		if err != nil {
			return nil, fmt.Errorf("vertex provider: %w", err)
		}
		out[p.Name()] = p
	}
	if cfg.BedrockEnabled {
		p, err := providers.NewBedrock(cfg.BedrockRegion)
		if err != nil {
			return nil, fmt.Errorf("bedrock provider: %w", err)
		}
		out[p.Name()] = p
	}
	return out, nil
}

// RegisterProvider adds an adapter at wiring time (before the gateway
// starts serving). Later registrations with the same name replace the
// earlier adapter.
func (g *Gateway) RegisterProvider(p providers.Provider) {
	g.providers[p.Name()] = p
}

// Authenticate resolves the bearer secret for a request.
func (g *Gateway) Authenticate(ctx context.Context, secret string, meta authgate.RequestMeta) (*authgate.Principal, error) {
	return g.gate.Authenticate(ctx, secret, meta)
}

// Registry exposes the canonical catalog (models endpoints).
func (g *Gateway) Registry() *registry.Registry { return g.registry }

// Limiter exposes window status (usage endpoint).
func (g *Gateway) Limiter() *ratelimit.Limiter { return g.limiter }

// Entitlements exposes entitlement resolution (usage endpoint).
func (g *Gateway) Entitlements() *entitlement.Engine { return g.entitlements }

// Store exposes the persistence adapter (health endpoint).
func (g *Gateway) Store() store.Store { return g.store }

// Config returns the active configuration.
func (g *Gateway) Config() *Config { return g.cfg }

// Provider returns a registered adapter by name.
func (g *Gateway) Provider(name string) (providers.Provider, bool) {
	p, ok := g.providers[name]
	return p, ok
}

// ProviderNames lists the configured upstream adapters.
func (g *Gateway) ProviderNames() []string {
	names := make([]string, 0, len(g.providers))
	for name := range g.providers {
		names = append(names, name)
	}
	return names
}

// RefreshRegistry re-ingests every provider catalog and swaps in the new
// snapshot.
func (g *Gateway) RefreshRegistry(ctx context.Context) error {
	sources := make([]registry.CatalogSource, 0, len(g.providers))
	for _, p := range g.providers {
		sources = append(sources, p)
	}
	return g.registry.Refresh(ctx, sources)
}

// StartRegistryRefresh refreshes the catalog once now and then on the given
// interval until ctx is cancelled.
func (g *Gateway) StartRegistryRefresh(ctx context.Context, interval time.Duration) {
	log := logging.FromContext(ctx)
	if err := g.RefreshRegistry(ctx); err != nil {
		log.Error("initial registry refresh failed", "error", err.Error())
	}
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := g.RefreshRegistry(ctx); err != nil {
					log.Error("registry refresh failed", "error", err.Error())
				}
			}
		}
	}()
}

// Close flushes the audit sink. The store is owned by the caller.
func (g *Gateway) Close() {
	g.audit.Close()
}
