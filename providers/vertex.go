package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// VertexProvider implements the adapter contract for Google Vertex AI
// generative models. Authentication uses the service-account JWT bearer
// flow (see vertex_auth.go); the backend is non-streaming, so streaming is
// synthesised as a short chunk sequence.
type VertexProvider struct {
	Base
	project    string
	location   string
	endpointID string
	tokens     oauth2.TokenSource
	httpClient *http.Client
}

// VertexOptions configures NewVertex.
type VertexOptions struct {
	ProjectID       string
	Location        string
	CredentialsJSON string // raw or base64-encoded service account document
	EndpointID      string // optional dedicated endpoint
	BaseURL         string // override for tests
}

// NewVertex creates a Vertex AI provider.
func NewVertex(opts VertexOptions) (*VertexProvider, error) {
	if opts.ProjectID == "" {
		return nil, fmt.Errorf("vertex project id is required")
	}
	location := opts.Location
	if location == "" {
		location = "us-central1"
	}
	tokens, err := newVertexTokenSource(opts.CredentialsJSON)
	if err != nil {
		return nil, err
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s-aiplatform.googleapis.com", location)
	}
	baseURL = strings.TrimRight(baseURL, "/")

	return &VertexProvider{
		Base:       Base{name: "vertex", baseURL: baseURL},
		project:    opts.ProjectID,
		location:   location,
		endpointID: opts.EndpointID,
		tokens:     tokens,
		httpClient: newHTTPClient(0),
	}, nil
}

// ListModels returns the Vertex generative model catalog. Vertex has no
// public listing endpoint for publisher models, so a curated list is used.
func (p *VertexProvider) ListModels(_ context.Context) ([]RawModel, error) {
	return []RawModel{
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextLength: 1_048_576, Modalities: []string{"text", "image"}},
		{ID: "gemini-2.0-flash-lite", Name: "Gemini 2.0 Flash Lite", ContextLength: 1_048_576, Modalities: []string{"text", "image"}},
		{ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro", ContextLength: 2_097_152, Modalities: []string{"text", "image"}},
		{ID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash", ContextLength: 1_048_576, Modalities: []string{"text", "image"}},
	}, nil
}

// ── wire types ───────────────────────────────────────────────────────────────

type vertexPart struct {
	Text     string          `json:"text,omitempty"`
	FileData *vertexFileData `json:"fileData,omitempty"`
}

type vertexFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type vertexContent struct {
	Role  string       `json:"role"`
	Parts []vertexPart `json:"parts"`
}

type vertexGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type vertexRequest struct {
	Contents         []vertexContent         `json:"contents"`
	GenerationConfig *vertexGenerationConfig `json:"generationConfig,omitempty"`
}

type vertexResponse struct {
	Candidates []struct {
		Content struct {
			Parts []vertexPart `json:"parts"`
			Role  string       `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

type vertexErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// convertMessagesToVertex maps OpenAI-shape messages to Vertex contents.
// The user role stays "user"; every other role becomes "model". Multimodal
// parts are preserved.
func convertMessagesToVertex(messages []Message) []vertexContent {
	contents := make([]vertexContent, 0, len(messages))
	for _, msg := range messages {
		role := "model"
		if msg.Role == RoleUser {
			role = "user"
		}

		var parts []vertexPart
		if len(msg.ContentParts) > 0 {
			for _, cp := range msg.ContentParts {
				switch cp.Type {
				case ContentTypeText:
					parts = append(parts, vertexPart{Text: cp.Text})
				case "image_url":
					if cp.ImageURL != nil {
						parts = append(parts, vertexPart{FileData: &vertexFileData{FileURI: cp.ImageURL.URL}})
					}
				}
			}
		} else {
			parts = []vertexPart{{Text: msg.Content}}
		}
		contents = append(contents, vertexContent{Role: role, Parts: parts})
	}
	return contents
}

// mapVertexFinishReason maps Vertex finish reasons to OpenAI-style reasons.
func mapVertexFinishReason(reason string) string {
	switch reason {
	case "STOP", "":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY":
		return "content_filter"
	default:
		return "unknown"
	}
}

func (p *VertexProvider) modelURL(model string) string {
	if p.endpointID != "" {
		return fmt.Sprintf("%s/v1/projects/%s/locations/%s/endpoints/%s:generateContent",
			p.baseURL, p.project, p.location, p.endpointID)
	}
	return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:generateContent",
		p.baseURL, p.project, p.location, model)
}

// Complete sends a generateContent request and normalises the response.
func (p *VertexProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	vReq := vertexRequest{
		Contents: convertMessagesToVertex(req.Messages),
	}
	if req.Temperature != nil || req.MaxTokens != nil || req.TopP != nil || len(req.Stop) > 0 {
		vReq.GenerationConfig = &vertexGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}

	body, err := json.Marshal(vReq)
	if err != nil {
		return nil, fmt.Errorf("marshal vertex request: %w", err)
	}

	token, err := p.tokens.Token()
	if err != nil {
		return nil, NewError(p.name, KindAuth, 0, err.Error(), err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.modelURL(req.Model), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create vertex request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", token.TokenType+" "+token.AccessToken)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, WrapTransport(p.name, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, WrapTransport(p.name, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		var errResp vertexErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			return nil, WrapHTTPStatus(p.name, httpResp.StatusCode, errResp.Error.Message)
		}
		return nil, WrapHTTPStatus(p.name, httpResp.StatusCode, truncate(string(respBody), 500))
	}

	var vResp vertexResponse
	if err := json.Unmarshal(respBody, &vResp); err != nil {
		return nil, fmt.Errorf("unmarshal vertex response: %w", err)
	}

	var choices []Choice
	for i, candidate := range vResp.Candidates {
		var text strings.Builder
		for _, part := range candidate.Content.Parts {
			text.WriteString(part.Text)
		}
		choices = append(choices, Choice{
			Index: i,
			Message: Message{
				Role:    RoleAssistant,
				Content: text.String(),
			},
			FinishReason: mapVertexFinishReason(candidate.FinishReason),
		})
	}

	return &Response{
		ID:       req.Model + "-" + fmt.Sprint(time.Now().UnixNano()),
		Created:  time.Now().Unix(),
		Model:    req.Model,
		Provider: p.name,
		Choices:  choices,
		Usage: Usage{
			PromptTokens:     vResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: vResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      vResp.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

// CompleteStream synthesises a two-chunk SSE stream over the non-streaming
// backend: one delta chunk with the full text, then a terminal chunk with
// the finish reason and usage.
func (p *VertexProvider) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk, 2)
	go func() {
		defer close(ch)

		var content, finish string
		if len(resp.Choices) > 0 {
			content = resp.Choices[0].Message.Content
			finish = resp.Choices[0].FinishReason
		}
		if finish == "" {
			finish = "stop"
		}

		delta := StreamChunk{
			ID:      resp.ID,
			Created: resp.Created,
			Model:   resp.Model,
			Choices: []StreamChoice{{
				Index: 0,
				Delta: MessageDelta{Role: RoleAssistant, Content: content},
			}},
		}
		usage := resp.Usage
		terminal := StreamChunk{
			ID:      resp.ID,
			Created: resp.Created,
			Model:   resp.Model,
			Usage:   &usage,
			Choices: []StreamChoice{{
				Index:        0,
				FinishReason: finish,
			}},
		}
		for _, chunk := range []StreamChunk{delta, terminal} {
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
