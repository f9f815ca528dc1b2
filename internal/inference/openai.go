package inference

import (
	"context"
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/symbiont/pkg/symbiont"
)

// ChatClient captures the subset of the go-openai client used by this
// adapter, satisfied by *openai.Client in production and a fake in tests.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIConfig configures the OpenAI adapter's fallback values for requests
// that leave Options fields zero.
type OpenAIConfig struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
}

// OpenAIProvider implements Provider over the non-streaming Chat Completions
// API, also used by OpenAI-compatible gateways.
type OpenAIProvider struct {
	client ChatClient
	config OpenAIConfig
}

// NewOpenAIProvider builds an adapter from an API key.
func NewOpenAIProvider(apiKey string, config OpenAIConfig) *OpenAIProvider {
	return NewOpenAIProviderWithClient(openai.NewClient(apiKey), config)
}

// NewOpenAIProviderWithClient builds an adapter over an explicit client, for
// tests or OpenAI-compatible endpoints configured via openai.ClientConfig.
func NewOpenAIProviderWithClient(client ChatClient, config OpenAIConfig) *OpenAIProvider {
	return &OpenAIProvider{client: client, config: config}
}

func (p *OpenAIProvider) Complete(ctx context.Context, conversation symbiont.Conversation, opts Options) (Response, error) {
	req, err := p.buildRequest(conversation, opts)
	if err != nil {
		return Response{}, err
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Response{}, NewProviderError("openai", req.Model, err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, invalidRequestError("openai", req.Model, "no choices returned")
	}
	return translateOpenAIResponse(resp), nil
}

func (p *OpenAIProvider) buildRequest(conversation symbiont.Conversation, opts Options) (openai.ChatCompletionRequest, error) {
	model := opts.Model
	if model == "" {
		model = p.config.DefaultModel
	}
	if model == "" {
		return openai.ChatCompletionRequest{}, invalidRequestError("openai", "", "model identifier is required")
	}

	if len(conversation.Messages) == 0 {
		return openai.ChatCompletionRequest{}, invalidRequestError("openai", model, "at least one message is required")
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.config.MaxTokens
	}

	temp := opts.Temperature
	if temp == 0 {
		temp = p.config.Temperature
	}

	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    encodeOpenAIMessages(conversation),
		MaxTokens:   maxTokens,
		Temperature: float32(temp),
		Tools:       encodeOpenAITools(opts.Tools),
	}

	switch opts.ResponseFormat.Kind {
	case FormatJSONObject:
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	case FormatJSONSchema:
		name := opts.ResponseFormat.SchemaName
		if name == "" {
			name = "response"
		}
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   name,
				Schema: json.RawMessage(opts.ResponseFormat.Schema),
				Strict: true,
			},
		}
	}

	return req, nil
}

func encodeOpenAIMessages(conversation symbiont.Conversation) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(conversation.Messages))
	for _, m := range conversation.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		if len(m.ToolCalls) > 0 {
			msg.ToolCalls = make([]openai.ToolCall, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				msg.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				}
			}
		}
		out = append(out, msg)
	}
	return out
}

func encodeOpenAITools(defs []symbiont.ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return tools
}

func translateOpenAIResponse(resp openai.ChatCompletionResponse) Response {
	choice := resp.Choices[0]

	out := Response{
		Content: choice.Message.Content,
		Model:   resp.Model,
		Usage: symbiont.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
		FinishReason: mapFinishReason(string(choice.FinishReason)),
	}

	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, symbiont.ToolCallRequest{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	if len(out.ToolCalls) > 0 && out.FinishReason == FinishStop {
		out.FinishReason = FinishToolCalls
	}
	return out
}
