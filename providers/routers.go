package providers

// Constructors for the OpenAI-compatible upstream family. Each wraps
// OpenAICompat with the provider's base URL and any protocol extras.

// NewOpenRouter creates the OpenRouter adapter. siteURL and siteName are
// OpenRouter's attribution headers; both are optional.
func NewOpenRouter(apiKey, siteURL, siteName string) (*OpenAICompat, error) {
	headers := map[string]string{}
	if siteURL != "" {
		headers["HTTP-Referer"] = siteURL
	}
	if siteName != "" {
		headers["X-Title"] = siteName
	}
	return NewOpenAICompat("openrouter", apiKey, "https://openrouter.ai/api/v1", headers)
}

// NewFireworks creates the Fireworks AI adapter.
func NewFireworks(apiKey string) (*OpenAICompat, error) {
	return NewOpenAICompat("fireworks", apiKey, "https://api.fireworks.ai/inference/v1", nil)
}

// NewTogether creates the Together AI adapter.
func NewTogether(apiKey string) (*OpenAICompat, error) {
	return NewOpenAICompat("together", apiKey, "https://api.together.xyz/v1", nil)
}

// NewDeepInfra creates the DeepInfra adapter.
func NewDeepInfra(apiKey string) (*OpenAICompat, error) {
	return NewOpenAICompat("deepinfra", apiKey, "https://api.deepinfra.com/v1/openai", nil)
}

// NewPortkey creates the Portkey adapter. The key is sent in Portkey's own
// x-portkey-api-key header as well as the Authorization header.
func NewPortkey(apiKey string) (*OpenAICompat, error) {
	return NewOpenAICompat("portkey", apiKey, "https://api.portkey.ai/v1", map[string]string{
		"x-portkey-api-key": apiKey,
	})
}
