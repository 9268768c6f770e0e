package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// BedrockProvider implements the adapter contract for AWS Bedrock.
// Credentials come from the ambient AWS chain (env, shared config, IAM
// role), not from gateway config. Anthropic and Meta model dialects are
// supported over the InvokeModel API.
type BedrockProvider struct {
	Base
	client *bedrockruntime.Client
	region string
}

// NewBedrock creates an AWS Bedrock provider. region defaults to us-east-1.
func NewBedrock(region string) (*BedrockProvider, error) {
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &BedrockProvider{
		Base:   Base{name: "bedrock"},
		client: bedrockruntime.NewFromConfig(cfg),
		region: region,
	}, nil
}

// ListModels returns the curated Bedrock model catalog.
func (p *BedrockProvider) ListModels(_ context.Context) ([]RawModel, error) {
	return RawModelsFromIDs([]string{
		"anthropic.claude-3-5-sonnet-20241022-v2:0",
		"anthropic.claude-3-5-haiku-20241022-v1:0",
		"anthropic.claude-3-haiku-20240307-v1:0",
		"meta.llama3-1-70b-instruct-v1:0",
		"meta.llama3-1-8b-instruct-v1:0",
	}), nil
}

// invokeJSON marshals body, invokes the model, and unmarshals into out.
func (p *BedrockProvider) invokeJSON(ctx context.Context, modelID string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal bedrock request: %w", err)
	}
	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return WrapTransport(p.name, err)
	}
	if err := json.Unmarshal(output.Body, out); err != nil {
		return fmt.Errorf("unmarshal bedrock response: %w", err)
	}
	return nil
}

type bedrockClaudeBody struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Messages         []Message `json:"messages"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	StopSequences    []string  `json:"stop_sequences,omitempty"`
	System           string    `json:"system,omitempty"`
}

func buildClaudeBody(req Request) bedrockClaudeBody {
	maxTokens := 1024
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	var system string
	var messages []Message
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			system = msg.Content
			continue
		}
		messages = append(messages, msg)
	}
	return bedrockClaudeBody{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages:         messages,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		StopSequences:    req.Stop,
		System:           system,
	}
}

// Complete routes to the model-family dialect based on the id prefix.
func (p *BedrockProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	switch {
	case strings.HasPrefix(req.Model, "anthropic."):
		return p.completeClaude(ctx, req)
	case strings.HasPrefix(req.Model, "meta.llama"):
		return p.completeLlama(ctx, req)
	default:
		return nil, NewError(p.name, KindInvalidRequest, 0,
			fmt.Sprintf("unsupported Bedrock model family: %s", req.Model), nil)
	}
}

func (p *BedrockProvider) completeClaude(ctx context.Context, req Request) (*Response, error) {
	var out struct {
		ID      string `json:"id"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := p.invokeJSON(ctx, req.Model, buildClaudeBody(req), &out); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, c := range out.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	return &Response{
		ID:       out.ID,
		Model:    req.Model,
		Provider: p.name,
		Choices: []Choice{{
			Message:      Message{Role: RoleAssistant, Content: text.String()},
			FinishReason: mapClaudeStopReason(out.StopReason),
		}},
		Usage: Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		},
	}, nil
}

func mapClaudeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

func (p *BedrockProvider) completeLlama(ctx context.Context, req Request) (*Response, error) {
	var prompt strings.Builder
	prompt.WriteString("<|begin_of_text|>")
	for _, msg := range req.Messages {
		fmt.Fprintf(&prompt, "<|start_header_id|>%s<|end_header_id|>\n\n%s<|eot_id|>\n", msg.Role, msg.Content)
	}
	prompt.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")

	body := map[string]interface{}{
		"prompt": prompt.String(),
	}
	if req.MaxTokens != nil {
		body["max_gen_len"] = *req.MaxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}

	var out struct {
		Generation           string `json:"generation"`
		PromptTokenCount     int    `json:"prompt_token_count"`
		GenerationTokenCount int    `json:"generation_token_count"`
		StopReason           string `json:"stop_reason"`
	}
	if err := p.invokeJSON(ctx, req.Model, body, &out); err != nil {
		return nil, err
	}

	return &Response{
		Model:    req.Model,
		Provider: p.name,
		Choices: []Choice{{
			Message:      Message{Role: RoleAssistant, Content: out.Generation},
			FinishReason: out.StopReason,
		}},
		Usage: Usage{
			PromptTokens:     out.PromptTokenCount,
			CompletionTokens: out.GenerationTokenCount,
			TotalTokens:      out.PromptTokenCount + out.GenerationTokenCount,
		},
	}, nil
}

// CompleteStream streams Anthropic models via InvokeModelWithResponseStream.
func (p *BedrockProvider) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	if !strings.HasPrefix(req.Model, "anthropic.") {
		return nil, NewError(p.name, KindInvalidRequest, 0,
			"streaming on Bedrock is only supported for anthropic.* models", nil)
	}

	payload, err := json.Marshal(buildClaudeBody(req))
	if err != nil {
		return nil, fmt.Errorf("marshal bedrock request: %w", err)
	}
	output, err := p.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return nil, WrapTransport(p.name, err)
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		stream := output.GetStream()
		defer func() { _ = stream.Close() }()

		for event := range stream.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			var delta struct {
				Type  string `json:"type"`
				Index int    `json:"index"`
				Delta struct {
					Type       string `json:"type"`
					Text       string `json:"text"`
					StopReason string `json:"stop_reason"`
				} `json:"delta"`
			}
			if err := json.Unmarshal(chunk.Value.Bytes, &delta); err != nil {
				continue
			}
			switch delta.Type {
			case "content_block_delta":
				if delta.Delta.Type != "text_delta" {
					continue
				}
				ch <- StreamChunk{
					Model: req.Model,
					Choices: []StreamChoice{{
						Index: delta.Index,
						Delta: MessageDelta{Content: delta.Delta.Text},
					}},
				}
			case "message_delta":
				ch <- StreamChunk{
					Model: req.Model,
					Choices: []StreamChoice{{
						FinishReason: mapClaudeStopReason(delta.Delta.StopReason),
					}},
				}
			}
		}
		if err := stream.Err(); err != nil {
			ch <- StreamChunk{Error: WrapTransport(p.name, err)}
		}
	}()
	return ch, nil
}
