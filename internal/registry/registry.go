// Package registry maintains the canonical model catalog: every logical
// model the gateway exposes, each bound to an ordered list of provider
// configs. The catalog is built by ingesting provider catalogs in parallel
// and merging a static overlay for first-party multi-provider models.
//
// Readers always see a consistent immutable snapshot; refresh builds a new
// snapshot and swaps it in atomically.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/stratos-labs/ai-gateway/internal/logging"
	"github.com/stratos-labs/ai-gateway/providers"
)

// ProviderConfig is the per-(model, provider) tuple carrying priority,
// pricing, features, and the native id. Lower priority numbers are tried
// first.
type ProviderConfig struct {
	Name                string   `json:"name" yaml:"name"`
	NativeModelID       string   `json:"native_model_id" yaml:"native_model_id"`
	Priority            int      `json:"priority" yaml:"priority"`
	Enabled             bool     `json:"enabled" yaml:"enabled"`
	CostPer1KInput      *float64 `json:"cost_per_1k_input,omitempty" yaml:"cost_per_1k_input,omitempty"`
	CostPer1KOutput     *float64 `json:"cost_per_1k_output,omitempty" yaml:"cost_per_1k_output,omitempty"`
	MaxTokens           int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Features            []string `json:"features,omitempty" yaml:"features,omitempty"`
	RequiresCredentials bool     `json:"requires_credentials" yaml:"requires_credentials"`
}

// HasFeatures reports whether the config supplies every required feature.
func (c ProviderConfig) HasFeatures(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range c.Features {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CanonicalModel is a logical model exposed to clients, mapped to one or
// more provider-specific native ids. Providers are sorted by priority
// ascending.
type CanonicalModel struct {
	ID            string           `json:"id"`
	DisplayName   string           `json:"display_name"`
	Description   string           `json:"description,omitempty"`
	ContextLength int              `json:"context_length,omitempty"`
	Modalities    []string         `json:"modalities,omitempty"`
	Providers     []ProviderConfig `json:"providers"`
}

// EnabledProviders returns enabled provider configs in priority order.
func (m *CanonicalModel) EnabledProviders() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(m.Providers))
	for _, p := range m.Providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// ProviderByName returns the config for a named provider.
func (m *CanonicalModel) ProviderByName(name string) (ProviderConfig, bool) {
	for _, p := range m.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// providerPriorities is the fixed provider-reliability table used when a
// catalog entry carries no explicit priority. The primary router gets the
// lowest number and is tried first.
var providerPriorities = map[string]int{
	"openrouter": 1,
	"vertex":     2,
	"together":   3,
	"fireworks":  4,
	"deepinfra":  5,
	"portkey":    6,
	"bedrock":    7,
}

const defaultPriority = 10

func priorityFor(provider string) int {
	if p, ok := providerPriorities[provider]; ok {
		return p
	}
	return defaultPriority
}

// CatalogSource is the slice of the provider contract the registry needs.
type CatalogSource interface {
	Name() string
	ListModels(ctx context.Context) ([]providers.RawModel, error)
}

// snapshot is one immutable registry state.
type snapshot struct {
	models map[string]*CanonicalModel
	bridge map[string]string // provider-native id -> canonical id
	sorted []*CanonicalModel // by canonical id
}

// Registry exposes the canonical catalog. The zero value is not usable;
// call New.
type Registry struct {
	overlay *Overlay
	current atomic.Pointer[snapshot]
}

// New builds a registry seeded from the overlay only. Call Refresh to ingest
// live provider catalogs.
func New(overlay *Overlay) *Registry {
	r := &Registry{overlay: overlay}
	r.current.Store(buildSnapshot(nil, overlay))
	return r
}

// Refresh fetches every source's catalog in parallel, merges the results
// with the static overlay, and atomically swaps in the new snapshot.
// A failing source logs and contributes nothing; the refresh only errors
// when every source fails.
func (r *Registry) Refresh(ctx context.Context, sources []CatalogSource) error {
	log := logging.FromContext(ctx)

	type result struct {
		source string
		models []providers.RawModel
	}
	var (
		mu      sync.Mutex
		results []result
		failed  int
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		g.Go(func() error {
			models, err := src.ListModels(gctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				log.Warn("catalog ingestion failed", "provider", src.Name(), "error", err.Error())
				return nil // a single dead source must not abort the refresh
			}
			results = append(results, result{source: src.Name(), models: models})
			return nil
		})
	}
	_ = g.Wait()

	if len(sources) > 0 && failed == len(sources) {
		return fmt.Errorf("registry refresh: all %d provider catalogs failed", failed)
	}

	ingested := make(map[string][]providers.RawModel, len(results))
	for _, res := range results {
		ingested[res.source] = res.models
	}
	snap := buildSnapshot(ingested, r.overlay)
	r.current.Store(snap)

	log.Info("registry refreshed",
		"canonical_models", len(snap.models),
		"bridge_entries", len(snap.bridge),
		"sources", len(results),
	)
	return nil
}

// buildSnapshot merges raw provider catalogs and the overlay into one
// immutable snapshot.
func buildSnapshot(ingested map[string][]providers.RawModel, overlay *Overlay) *snapshot {
	models := make(map[string]*CanonicalModel)
	bridge := make(map[string]string)

	add := func(canonicalID string, meta providers.RawModel, cfg ProviderConfig) {
		m, ok := models[canonicalID]
		if !ok {
			m = &CanonicalModel{
				ID:            canonicalID,
				DisplayName:   meta.Name,
				Description:   meta.Description,
				ContextLength: meta.ContextLength,
				Modalities:    meta.Modalities,
			}
			if m.DisplayName == "" {
				m.DisplayName = canonicalID
			}
			models[canonicalID] = m
		}
		// Catalog ingestion order is not deterministic, so metadata merging
		// is gap-filling: any source may contribute a missing field.
		if m.ContextLength == 0 {
			m.ContextLength = meta.ContextLength
		}
		if m.Description == "" {
			m.Description = meta.Description
		}
		if (m.DisplayName == "" || m.DisplayName == m.ID) && meta.Name != "" && meta.Name != meta.ID {
			m.DisplayName = meta.Name
		}
		if len(m.Modalities) == 0 {
			m.Modalities = meta.Modalities
		}
		// Replace an existing config from the same provider rather than
		// duplicating it.
		for i, existing := range m.Providers {
			if existing.Name == cfg.Name {
				m.Providers[i] = cfg
				bridge[cfg.NativeModelID] = canonicalID
				return
			}
		}
		m.Providers = append(m.Providers, cfg)
		bridge[cfg.NativeModelID] = canonicalID
	}

	for source, rawModels := range ingested {
		for _, raw := range rawModels {
			canonicalID := Normalize(raw.ID)
			if canonicalID == "" {
				continue
			}
			add(canonicalID, raw, ProviderConfig{
				Name:                source,
				NativeModelID:       raw.ID,
				Priority:            priorityFor(source),
				Enabled:             true,
				CostPer1KInput:      raw.CostPer1KInput,
				CostPer1KOutput:     raw.CostPer1KOutput,
				MaxTokens:           raw.ContextLength,
				Features:            raw.Features,
				RequiresCredentials: source != "openrouter",
			})
		}
	}

	// Static overlay: first-party multi-provider models override whatever
	// ingestion produced for the same canonical id.
	if overlay != nil {
		for _, om := range overlay.Models {
			m := &CanonicalModel{
				ID:            om.ID,
				DisplayName:   om.DisplayName,
				Description:   om.Description,
				ContextLength: om.ContextLength,
				Modalities:    om.Modalities,
				Providers:     append([]ProviderConfig(nil), om.Providers...),
			}
			if m.DisplayName == "" {
				m.DisplayName = m.ID
			}
			models[om.ID] = m
			for _, cfg := range m.Providers {
				bridge[cfg.NativeModelID] = om.ID
			}
		}
	}

	sorted := make([]*CanonicalModel, 0, len(models))
	for _, m := range models {
		sort.SliceStable(m.Providers, func(i, j int) bool {
			return m.Providers[i].Priority < m.Providers[j].Priority
		})
		sorted = append(sorted, m)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	return &snapshot{models: models, bridge: bridge, sorted: sorted}
}

// Get returns the canonical model for id. It tries the id as a canonical
// id, then as a provider-native id via the bridge map, and finally in
// normalised form, so provider-prefixed ids resolve too.
func (r *Registry) Get(id string) (*CanonicalModel, bool) {
	snap := r.current.Load()
	if m, ok := snap.models[id]; ok {
		return m, true
	}
	// Accept provider-native ids via the bridge map.
	if canonical, ok := snap.bridge[id]; ok {
		return snap.models[canonical], true
	}
	if m, ok := snap.models[Normalize(id)]; ok {
		return m, true
	}
	return nil, false
}

// Resolve maps a provider-native id to its canonical id.
func (r *Registry) Resolve(providerID string) (string, bool) {
	snap := r.current.Load()
	if canonical, ok := snap.bridge[providerID]; ok {
		return canonical, true
	}
	canonical := Normalize(providerID)
	_, ok := snap.models[canonical]
	return canonical, ok
}

// List returns all canonical models sorted by id. The returned slice must
// not be mutated.
func (r *Registry) List() []*CanonicalModel {
	return r.current.Load().sorted
}

// Search returns up to limit canonical models whose id, display name, or
// description contains query (case-insensitive).
func (r *Registry) Search(query string, limit int) []*CanonicalModel {
	if limit <= 0 {
		limit = 50
	}
	query = strings.ToLower(query)
	var out []*CanonicalModel
	for _, m := range r.current.Load().sorted {
		if strings.Contains(strings.ToLower(m.ID), query) ||
			strings.Contains(strings.ToLower(m.DisplayName), query) ||
			strings.Contains(strings.ToLower(m.Description), query) {
			out = append(out, m)
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}
