package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAICompat implements the adapter contract for any upstream exposing the
// OpenAI chat-completions wire protocol (OpenRouter, Fireworks, Together,
// DeepInfra, Portkey, …). Requests pass through largely untouched; the model
// id is lower-cased before hitting the wire.
type OpenAICompat struct {
	Base
	client     openai.Client
	httpClient *http.Client
	headers    map[string]string
}

// NewOpenAICompat creates an OpenAI-compatible provider. extraHeaders are
// attached to every request (e.g. OpenRouter's HTTP-Referer / X-Title).
func NewOpenAICompat(name, apiKey, baseURL string, extraHeaders map[string]string) (*OpenAICompat, error) {
	if name == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required for provider %s", name)
	}
	baseURL = strings.TrimRight(baseURL, "/")

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
	}
	for k, v := range extraHeaders {
		opts = append(opts, option.WithHeader(k, v))
	}

	return &OpenAICompat{
		Base:       Base{name: name, apiKey: apiKey, baseURL: baseURL},
		client:     openai.NewClient(opts...),
		httpClient: newHTTPClient(0),
		headers:    extraHeaders,
	}, nil
}

// openAICatalog is the superset catalog schema shared by OpenAI-compatible
// gateways. Routers such as OpenRouter fill the extended fields; plain
// providers only return ids.
type openAICatalog struct {
	Data []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		Description   string `json:"description"`
		ContextLength int    `json:"context_length"`
		Pricing       struct {
			Prompt     string `json:"prompt"`
			Completion string `json:"completion"`
		} `json:"pricing"`
		Architecture struct {
			InputModalities  []string `json:"input_modalities"`
			OutputModalities []string `json:"output_modalities"`
		} `json:"architecture"`
	} `json:"data"`
}

// ListModels fetches the provider's live catalog from GET {base}/models.
func (p *OpenAICompat) ListModels(ctx context.Context) ([]RawModel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create catalog request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, WrapTransport(p.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapTransport(p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, WrapHTTPStatus(p.name, resp.StatusCode, string(body))
	}

	var catalog openAICatalog
	if err := json.Unmarshal(body, &catalog); err != nil {
		return nil, fmt.Errorf("parse %s catalog: %w", p.name, err)
	}

	models := make([]RawModel, 0, len(catalog.Data))
	for _, m := range catalog.Data {
		raw := RawModel{
			ID:            m.ID,
			Name:          m.Name,
			Description:   m.Description,
			ContextLength: m.ContextLength,
			Modalities:    m.Architecture.InputModalities,
		}
		if raw.Name == "" {
			raw.Name = m.ID
		}
		if v := parsePrice(m.Pricing.Prompt); v != nil {
			// Router pricing is per-token; normalise to per-1k.
			per1k := *v * 1000
			raw.CostPer1KInput = &per1k
		}
		if v := parsePrice(m.Pricing.Completion); v != nil {
			per1k := *v * 1000
			raw.CostPer1KOutput = &per1k
		}
		if m.ContextLength > 128_000 {
			raw.Features = append(raw.Features, "long_context")
		}
		models = append(models, raw)
	}
	return models, nil
}

func parsePrice(s string) *float64 {
	if s == "" {
		return nil
	}
	var v float64
	if _, err := fmt.Sscanf(s, "%f", &v); err != nil {
		return nil
	}
	return &v
}

// Complete sends a unary chat completion request.
func (p *OpenAICompat) Complete(ctx context.Context, req Request) (*Response, error) {
	params := p.buildParams(req)

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.wrapSDKError(err)
	}

	resp := &Response{
		ID:       completion.ID,
		Created:  completion.Created,
		Model:    completion.Model,
		Provider: p.name,
		Usage: Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
	}
	for i, choice := range completion.Choices {
		msg := Message{
			Role:    string(choice.Message.Role),
			Content: choice.Message.Content,
		}
		for _, tc := range choice.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:   tc.ID,
				Type: string(tc.Type),
				Function: FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		resp.Choices = append(resp.Choices, Choice{
			Index:        i,
			Message:      msg,
			FinishReason: string(choice.FinishReason),
		})
	}
	return resp, nil
}

// CompleteStream sends a streaming chat completion request. The returned
// channel closes after the terminal chunk; a chunk with a non-nil Error
// signals a mid-stream failure.
func (p *OpenAICompat) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	params := p.buildParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		for stream.Next() {
			chunk := stream.Current()
			sc := StreamChunk{
				ID:      chunk.ID,
				Created: chunk.Created,
				Model:   chunk.Model,
			}
			if chunk.Usage.TotalTokens > 0 {
				sc.Usage = &Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:      int(chunk.Usage.TotalTokens),
				}
			}
			for _, c := range chunk.Choices {
				sc.Choices = append(sc.Choices, StreamChoice{
					Index: int(c.Index),
					Delta: MessageDelta{
						Role:    c.Delta.Role,
						Content: c.Delta.Content,
					},
					FinishReason: c.FinishReason,
				})
			}
			select {
			case ch <- sc:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			ch <- StreamChunk{Error: p.wrapSDKError(err)}
		}
	}()

	return ch, nil
}

// GenerateImage sends an image generation request to the upstream
// /images/generations endpoint.
func (p *OpenAICompat) GenerateImage(ctx context.Context, req ImageRequest) (*ImageResponse, error) {
	params := openai.ImageGenerateParams{
		Prompt: req.Prompt,
		Model:  openai.ImageModel(strings.ToLower(req.Model)),
	}
	if req.N != nil {
		params.N = openai.Int(int64(*req.N))
	}
	if req.Size != "" {
		params.Size = openai.ImageGenerateParamsSize(req.Size)
	}
	if req.Quality != "" {
		params.Quality = openai.ImageGenerateParamsQuality(req.Quality)
	}
	if req.Style != "" {
		params.Style = openai.ImageGenerateParamsStyle(req.Style)
	}
	if req.ResponseFormat == "b64_json" {
		params.ResponseFormat = openai.ImageGenerateParamsResponseFormatB64JSON
	} else {
		params.ResponseFormat = openai.ImageGenerateParamsResponseFormatURL
	}
	if req.User != "" {
		params.User = openai.String(req.User)
	}

	result, err := p.client.Images.Generate(ctx, params)
	if err != nil {
		return nil, p.wrapSDKError(err)
	}

	images := make([]GeneratedImage, len(result.Data))
	for i, d := range result.Data {
		images[i] = GeneratedImage{
			URL:           d.URL,
			B64JSON:       d.B64JSON,
			RevisedPrompt: d.RevisedPrompt,
		}
	}
	return &ImageResponse{
		Created:  result.Created,
		Data:     images,
		Provider: p.name,
		Model:    req.Model,
	}, nil
}

// buildParams converts a gateway Request to SDK params. The model id is
// lower-cased before the wire.
func (p *OpenAICompat) buildParams(req Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages: buildSDKMessages(req.Messages),
		Model:    strings.ToLower(req.Model),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}
	if req.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*req.MaxTokens))
	}
	if req.PresencePenalty != nil {
		params.PresencePenalty = openai.Float(*req.PresencePenalty)
	}
	if req.FrequencyPenalty != nil {
		params.FrequencyPenalty = openai.Float(*req.FrequencyPenalty)
	}
	if req.User != "" {
		params.User = openai.String(req.User)
	}
	if len(req.Stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{
			OfStringArray: req.Stop,
		}
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			var paramSchema openai.FunctionParameters
			if len(t.Function.Parameters) > 0 {
				json.Unmarshal(t.Function.Parameters, &paramSchema) //nolint:errcheck,gosec
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        t.Function.Name,
					Description: openai.String(t.Function.Description),
					Parameters:  paramSchema,
				},
			})
		}
		params.Tools = tools
	}
	return params
}

// buildSDKMessages converts gateway Messages to the openai-go union type.
func buildSDKMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

// wrapSDKError maps openai-go SDK errors into the adapter error taxonomy.
func (p *OpenAICompat) wrapSDKError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return WrapHTTPStatus(p.name, apierr.StatusCode, apierr.Message)
	}
	return WrapTransport(p.name, err)
}
