package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stratos-labs/ai-gateway/providers"
)

type fakeSource struct {
	name   string
	models []providers.RawModel
	err    error
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) ListModels(context.Context) ([]providers.RawModel, error) {
	return f.models, f.err
}

func price(v float64) *float64 { return &v }

func refreshed(t *testing.T, overlay *Overlay, sources ...CatalogSource) *Registry {
	t.Helper()
	r := New(overlay)
	if err := r.Refresh(context.Background(), sources); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return r
}

func TestRefreshMergesProviders(t *testing.T) {
	r := refreshed(t, nil,
		&fakeSource{name: "openrouter", models: []providers.RawModel{
			{ID: "meta-llama/llama-3.1-70b-instruct", Name: "Llama 3.1 70B", ContextLength: 131072, CostPer1KInput: price(0.0005)},
		}},
		&fakeSource{name: "fireworks", models: []providers.RawModel{
			{ID: "accounts/fireworks/models/llama-v3p1-70b-instruct"},
		}},
	)

	m, ok := r.Get("llama-3.1-70b-instruct")
	if !ok {
		t.Fatal("expected merged canonical model")
	}
	if len(m.Providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(m.Providers))
	}
	// Priority order: openrouter (1) before fireworks (4).
	if m.Providers[0].Name != "openrouter" || m.Providers[1].Name != "fireworks" {
		t.Fatalf("providers out of priority order: %+v", m.Providers)
	}
	if m.DisplayName != "Llama 3.1 70B" {
		t.Fatalf("metadata lost: %q", m.DisplayName)
	}
}

func TestBridgeRoundTrip(t *testing.T) {
	rawIDs := []string{
		"meta-llama/llama-3.1-70b-instruct",
		"accounts/fireworks/models/llama-v3p1-70b-instruct",
		"openai/gpt-4o-mini",
	}
	r := refreshed(t, nil,
		&fakeSource{name: "openrouter", models: []providers.RawModel{
			{ID: rawIDs[0]}, {ID: rawIDs[2]},
		}},
		&fakeSource{name: "fireworks", models: []providers.RawModel{{ID: rawIDs[1]}}},
	)

	// Every ingested raw id must resolve to a canonical model that carries
	// a provider entry with that exact native id.
	for _, raw := range rawIDs {
		canonical, ok := r.Resolve(raw)
		if !ok {
			t.Fatalf("raw id %q did not resolve", raw)
		}
		m, ok := r.Get(canonical)
		if !ok {
			t.Fatalf("canonical %q missing", canonical)
		}
		found := false
		for _, p := range m.Providers {
			if p.NativeModelID == raw {
				found = true
			}
		}
		if !found {
			t.Errorf("canonical %q has no provider with native id %q", canonical, raw)
		}
	}
}

func TestOverlayPinsGoogleFamily(t *testing.T) {
	// Ingestion would put openrouter first (priority 1); the overlay pins
	// vertex as primary for the Google family.
	r := refreshed(t, DefaultOverlay(),
		&fakeSource{name: "openrouter", models: []providers.RawModel{
			{ID: "google/gemini-2.0-flash", Name: "Gemini 2.0 Flash"},
		}},
	)

	m, ok := r.Get("gemini-2.0-flash")
	if !ok {
		t.Fatal("expected gemini-2.0-flash")
	}
	if m.Providers[0].Name != "vertex" {
		t.Fatalf("overlay must pin vertex primary, got %s", m.Providers[0].Name)
	}
	if m.Providers[1].Name != "openrouter" || m.Providers[1].NativeModelID != "google/gemini-2.0-flash" {
		t.Fatalf("openrouter fallback missing: %+v", m.Providers)
	}

	// The bridge resolves both native ids back to the canonical model.
	if canonical, ok := r.Resolve("google/gemini-2.0-flash"); !ok || canonical != "gemini-2.0-flash" {
		t.Fatalf("bridge lookup failed: %q %v", canonical, ok)
	}
}

func TestGetAcceptsProviderPrefixedID(t *testing.T) {
	r := refreshed(t, nil, &fakeSource{name: "openrouter", models: []providers.RawModel{
		{ID: "openai/gpt-4o-mini"},
	}})

	for _, id := range []string{"gpt-4o-mini", "openai/gpt-4o-mini", "GPT-4o-Mini"} {
		if _, ok := r.Get(id); !ok {
			t.Errorf("Get(%q) should resolve", id)
		}
	}
	if _, ok := r.Get("definitely-not-a-model"); ok {
		t.Error("unknown model must not resolve")
	}
}

func TestRefreshToleratesPartialFailure(t *testing.T) {
	r := refreshed(t, nil,
		&fakeSource{name: "openrouter", err: errors.New("down")},
		&fakeSource{name: "together", models: []providers.RawModel{{ID: "qwen-2.5-72b-instruct"}}},
	)
	if _, ok := r.Get("qwen-2.5-72b-instruct"); !ok {
		t.Fatal("surviving source must still contribute")
	}
}

func TestRefreshAllSourcesFail(t *testing.T) {
	r := New(nil)
	err := r.Refresh(context.Background(), []CatalogSource{
		&fakeSource{name: "a", err: errors.New("down")},
		&fakeSource{name: "b", err: errors.New("down")},
	})
	if err == nil {
		t.Fatal("expected error when every source fails")
	}
}

func TestSearch(t *testing.T) {
	r := refreshed(t, nil, &fakeSource{name: "openrouter", models: []providers.RawModel{
		{ID: "openai/gpt-4o-mini", Name: "GPT-4o Mini"},
		{ID: "openai/gpt-4o", Name: "GPT-4o"},
		{ID: "meta-llama/llama-3.1-8b-instruct", Name: "Llama 3.1 8B"},
	}})

	if got := len(r.Search("gpt", 10)); got != 2 {
		t.Fatalf("expected 2 gpt matches, got %d", got)
	}
	if got := len(r.Search("gpt", 1)); got != 1 {
		t.Fatalf("limit not honoured, got %d", got)
	}
	if got := len(r.Search("LLAMA", 10)); got != 1 {
		t.Fatalf("search must be case-insensitive, got %d", got)
	}
}

func TestListSorted(t *testing.T) {
	r := refreshed(t, nil, &fakeSource{name: "openrouter", models: []providers.RawModel{
		{ID: "zeta-model"}, {ID: "alpha-model"},
	}})
	list := r.List()
	if len(list) != 2 || list[0].ID != "alpha-model" {
		t.Fatalf("list must be sorted by id: %+v", list)
	}
}

func TestParseOverlay(t *testing.T) {
	doc := []byte(`
models:
  - id: gemini-2.0-flash
    display_name: Gemini 2.0 Flash
    providers:
      - name: vertex
        native_model_id: gemini-2.0-flash
        priority: 1
        requires_credentials: true
      - name: openrouter
        native_model_id: google/gemini-2.0-flash
        priority: 2
        enabled: false
`)
	o, err := ParseOverlay(doc)
	if err != nil {
		t.Fatalf("parse overlay: %v", err)
	}
	p := o.Models[0].Providers
	if !p[0].Enabled {
		t.Fatal("absent enabled must default to true")
	}
	if p[1].Enabled {
		t.Fatal("explicit enabled: false must be honoured")
	}
}

func TestParseOverlayRejectsInvalid(t *testing.T) {
	// Missing native_model_id.
	doc := []byte(`
models:
  - id: broken
    providers:
      - name: vertex
        priority: 1
`)
	if _, err := ParseOverlay(doc); err == nil {
		t.Fatal("schema violation must be rejected")
	}
}
