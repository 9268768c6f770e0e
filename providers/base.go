package providers

import (
	"net/http"
	"time"
)

// Base provides common fields shared by REST-based adapter implementations.
// Embed this struct to avoid repeating name, apiKey, and baseURL handling
// across providers.
type Base struct {
	name    string
	apiKey  string
	baseURL string
}

// Name returns the provider name.
func (b *Base) Name() string { return b.name }

// BaseURL returns the provider base URL.
func (b *Base) BaseURL() string { return b.baseURL }

// newHTTPClient builds the http.Client shared by raw-HTTP adapters. The
// client timeout is a transport backstop; per-request deadlines come from
// the caller's context.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &http.Client{Timeout: timeout}
}

// RawModelsFromIDs builds a minimal RawModel slice from bare model ids.
// Adapters without a live catalog endpoint use this for their static lists.
func RawModelsFromIDs(ids []string) []RawModel {
	models := make([]RawModel, len(ids))
	for i, id := range ids {
		models[i] = RawModel{ID: id, Name: id, Modalities: []string{"text"}}
	}
	return models
}
