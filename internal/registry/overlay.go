package registry

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Overlay is the static catalog merged on top of ingested provider
// catalogs. It pins first-party multi-provider models whose provider order
// must not depend on whatever a router happens to list.
type Overlay struct {
	Models []OverlayModel
}

// OverlayModel is one pinned canonical model.
type OverlayModel struct {
	ID            string
	DisplayName   string
	Description   string
	ContextLength int
	Modalities    []string
	Providers     []ProviderConfig
}

// YAML wire types. Enabled is a pointer so absence can default to true.
type overlayDoc struct {
	Models []struct {
		ID            string   `yaml:"id"`
		DisplayName   string   `yaml:"display_name"`
		Description   string   `yaml:"description"`
		ContextLength int      `yaml:"context_length"`
		Modalities    []string `yaml:"modalities"`
		Providers     []struct {
			Name                string   `yaml:"name"`
			NativeModelID       string   `yaml:"native_model_id"`
			Priority            int      `yaml:"priority"`
			Enabled             *bool    `yaml:"enabled"`
			CostPer1KInput      *float64 `yaml:"cost_per_1k_input"`
			CostPer1KOutput     *float64 `yaml:"cost_per_1k_output"`
			MaxTokens           int      `yaml:"max_tokens"`
			Features            []string `yaml:"features"`
			RequiresCredentials bool     `yaml:"requires_credentials"`
		} `yaml:"providers"`
	} `yaml:"models"`
}

// overlaySchema validates overlay documents before they reach the registry;
// a malformed overlay fails startup instead of silently dropping models.
const overlaySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["models"],
  "properties": {
    "models": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "providers"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "display_name": {"type": "string"},
          "description": {"type": "string"},
          "context_length": {"type": "integer", "minimum": 0},
          "modalities": {"type": "array", "items": {"type": "string"}},
          "providers": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["name", "native_model_id", "priority"],
              "properties": {
                "name": {"type": "string", "minLength": 1},
                "native_model_id": {"type": "string", "minLength": 1},
                "priority": {"type": "integer", "minimum": 1},
                "enabled": {"type": "boolean"},
                "cost_per_1k_input": {"type": "number", "minimum": 0},
                "cost_per_1k_output": {"type": "number", "minimum": 0},
                "max_tokens": {"type": "integer", "minimum": 0},
                "features": {"type": "array", "items": {"type": "string"}},
                "requires_credentials": {"type": "boolean"}
              }
            }
          }
        }
      }
    }
  }
}`

var compiledOverlaySchema = jsonschema.MustCompileString("overlay.schema.json", overlaySchema)

// ValidateOverlayDocument checks a YAML overlay document against the schema.
func ValidateOverlayDocument(data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse overlay YAML: %w", err)
	}
	// Route through JSON so the validator sees canonical number types.
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalize overlay document: %w", err)
	}
	var v interface{}
	if err := json.Unmarshal(jsonBytes, &v); err != nil {
		return fmt.Errorf("normalize overlay document: %w", err)
	}
	if err := compiledOverlaySchema.Validate(v); err != nil {
		return fmt.Errorf("overlay schema: %w", err)
	}
	return nil
}

// LoadOverlay reads, validates, and parses a YAML overlay file.
func LoadOverlay(path string) (*Overlay, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("read overlay file: %w", err)
	}
	return ParseOverlay(data)
}

// ParseOverlay validates and parses YAML overlay bytes. Providers default
// to enabled unless the document says otherwise.
func ParseOverlay(data []byte) (*Overlay, error) {
	if err := ValidateOverlayDocument(data); err != nil {
		return nil, err
	}
	var doc overlayDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse overlay YAML: %w", err)
	}

	out := &Overlay{}
	for _, m := range doc.Models {
		om := OverlayModel{
			ID:            m.ID,
			DisplayName:   m.DisplayName,
			Description:   m.Description,
			ContextLength: m.ContextLength,
			Modalities:    m.Modalities,
		}
		for _, p := range m.Providers {
			enabled := true
			if p.Enabled != nil {
				enabled = *p.Enabled
			}
			om.Providers = append(om.Providers, ProviderConfig{
				Name:                p.Name,
				NativeModelID:       p.NativeModelID,
				Priority:            p.Priority,
				Enabled:             enabled,
				CostPer1KInput:      p.CostPer1KInput,
				CostPer1KOutput:     p.CostPer1KOutput,
				MaxTokens:           p.MaxTokens,
				Features:            p.Features,
				RequiresCredentials: p.RequiresCredentials,
			})
		}
		out.Models = append(out.Models, om)
	}
	return out, nil
}

// DefaultOverlay pins the Google model family: Vertex is primary with
// OpenRouter as fallback, regardless of ingestion order.
func DefaultOverlay() *Overlay {
	return &Overlay{
		Models: []OverlayModel{
			googleOverlayModel("gemini-2.0-flash", "Gemini 2.0 Flash", 1_048_576),
			googleOverlayModel("gemini-2.0-flash-lite", "Gemini 2.0 Flash Lite", 1_048_576),
			googleOverlayModel("gemini-1.5-pro", "Gemini 1.5 Pro", 2_097_152),
			googleOverlayModel("gemini-1.5-flash", "Gemini 1.5 Flash", 1_048_576),
		},
	}
}

func googleOverlayModel(id, name string, contextLength int) OverlayModel {
	return OverlayModel{
		ID:            id,
		DisplayName:   name,
		ContextLength: contextLength,
		Modalities:    []string{"text", "image"},
		Providers: []ProviderConfig{
			{
				Name:                "vertex",
				NativeModelID:       id,
				Priority:            1,
				Enabled:             true,
				RequiresCredentials: true,
			},
			{
				Name:          "openrouter",
				NativeModelID: "google/" + id,
				Priority:      2,
				Enabled:       true,
			},
		},
	}
}
