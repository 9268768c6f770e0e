package gateway

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every environment-driven setting. It is parsed and validated
// once at startup; nothing reads the environment afterwards.
type Config struct {
	ListenAddr string `env:"PORT" envDefault:"8080"`

	// Store.
	StoreURL string `env:"STORE_URL"`
	StoreKey string `env:"STORE_KEY"`

	// Optional shared rate-limit counters.
	RedisURL string `env:"REDIS_URL"`

	// Provider credentials.
	OpenRouterAPIKey   string `env:"OPENROUTER_API_KEY"`
	OpenRouterSiteURL  string `env:"OPENROUTER_SITE_URL"`
	OpenRouterSiteName string `env:"OPENROUTER_SITE_NAME"`
	FireworksAPIKey    string `env:"FIREWORKS_API_KEY"`
	TogetherAPIKey     string `env:"TOGETHER_API_KEY"`
	DeepInfraAPIKey    string `env:"DEEPINFRA_API_KEY"`
	PortkeyAPIKey      string `env:"PORTKEY_API_KEY"`

	// Google Vertex AI.
	GoogleProjectID              string `env:"GOOGLE_PROJECT_ID"`
	GoogleVertexLocation         string `env:"GOOGLE_VERTEX_LOCATION" envDefault:"us-central1"`
	GoogleVertexCredentialsJSON  string `env:"GOOGLE_VERTEX_CREDENTIALS_JSON"`
	GoogleApplicationCredentials string `env:"GOOGLE_APPLICATION_CREDENTIALS"`
	GoogleVertexEndpointID       string `env:"GOOGLE_VERTEX_ENDPOINT_ID"`

	// AWS Bedrock (credentials come from the ambient AWS chain).
	BedrockRegion  string `env:"BEDROCK_REGION"`
	BedrockEnabled bool   `env:"BEDROCK_ENABLED"`

	// Admin.
	AdminAPIKey string `env:"ADMIN_API_KEY"`

	// Registry overlay file (YAML). Empty means the built-in overlay.
	ModelOverlayFile string `env:"MODEL_OVERLAY_FILE"`

	// Tunables.
	CircuitFailureThreshold  int `env:"CIRCUIT_FAILURE_THRESHOLD" envDefault:"5"`
	CircuitTimeoutSeconds    int `env:"CIRCUIT_TIMEOUT_SECONDS" envDefault:"300"`
	RequestTimeoutSeconds    int `env:"REQUEST_TIMEOUT_SECONDS" envDefault:"120"`
	StreamIdleTimeoutSeconds int `env:"STREAM_IDLE_TIMEOUT_SECONDS" envDefault:"60"`
	StreamMaxDurationSeconds int `env:"STREAM_MAX_DURATION_SECONDS" envDefault:"600"`
}

// LoadConfig parses the environment into a Config and validates it.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration once at startup.
func (c *Config) Validate() error {
	if c.StoreURL == "" {
		return fmt.Errorf("STORE_URL is required")
	}
	if c.CircuitFailureThreshold <= 0 {
		return fmt.Errorf("CIRCUIT_FAILURE_THRESHOLD must be positive")
	}
	if c.CircuitTimeoutSeconds <= 0 {
		return fmt.Errorf("CIRCUIT_TIMEOUT_SECONDS must be positive")
	}
	if c.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT_SECONDS must be positive")
	}
	if !c.HasAnyProvider() {
		return fmt.Errorf("no provider configured: set at least one of OPENROUTER_API_KEY, FIREWORKS_API_KEY, TOGETHER_API_KEY, DEEPINFRA_API_KEY, PORTKEY_API_KEY, GOOGLE_PROJECT_ID, or BEDROCK_ENABLED")
	}
	if c.GoogleProjectID != "" && c.VertexCredentials() == "" {
		return fmt.Errorf("GOOGLE_PROJECT_ID is set but neither GOOGLE_VERTEX_CREDENTIALS_JSON nor GOOGLE_APPLICATION_CREDENTIALS is")
	}
	return nil
}

// HasAnyProvider reports whether at least one upstream is configured.
func (c *Config) HasAnyProvider() bool {
	return c.OpenRouterAPIKey != "" || c.FireworksAPIKey != "" || c.TogetherAPIKey != "" ||
		c.DeepInfraAPIKey != "" || c.PortkeyAPIKey != "" || c.GoogleProjectID != "" || c.BedrockEnabled
}

// VertexCredentials returns the service-account document: the inline env
// value when present, otherwise the contents of the credentials file.
func (c *Config) VertexCredentials() string {
	if c.GoogleVertexCredentialsJSON != "" {
		return c.GoogleVertexCredentialsJSON
	}
	if c.GoogleApplicationCredentials != "" {
		data, err := os.ReadFile(c.GoogleApplicationCredentials) //nolint:gosec
		if err != nil {
			return ""
		}
		return string(data)
	}
	return ""
}

// Durations derived from tunables.

// CircuitTimeout is how long an opened circuit stays open.
func (c *Config) CircuitTimeout() time.Duration {
	return time.Duration(c.CircuitTimeoutSeconds) * time.Second
}

// RequestTimeout bounds unary adapter calls.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// StreamIdleTimeout bounds the gap between streamed chunks.
func (c *Config) StreamIdleTimeout() time.Duration {
	return time.Duration(c.StreamIdleTimeoutSeconds) * time.Second
}

// StreamMaxDuration bounds total streaming time.
func (c *Config) StreamMaxDuration() time.Duration {
	return time.Duration(c.StreamMaxDurationSeconds) * time.Second
}
