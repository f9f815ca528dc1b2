package inference

import (
	"context"
	"encoding/json"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/symbiont/pkg/symbiont"
)

// AnthropicMessages captures the subset of the Anthropic SDK used by this
// adapter, satisfied by *sdk.MessageService in production and a fake in tests.
type AnthropicMessages interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicConfig configures the Anthropic adapter's fallback values for
// requests that leave Options fields zero.
type AnthropicConfig struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
}

// AnthropicProvider implements Provider over the non-streaming Anthropic
// Messages API.
type AnthropicProvider struct {
	client AnthropicMessages
	config AnthropicConfig
}

// NewAnthropicProvider builds an adapter from an API key.
func NewAnthropicProvider(apiKey string, config AnthropicConfig) *AnthropicProvider {
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicProviderWithClient(&c.Messages, config)
}

// NewAnthropicProviderWithClient builds an adapter over an explicit client,
// for tests.
func NewAnthropicProviderWithClient(client AnthropicMessages, config AnthropicConfig) *AnthropicProvider {
	return &AnthropicProvider{client: client, config: config}
}

func (p *AnthropicProvider) Complete(ctx context.Context, conversation symbiont.Conversation, opts Options) (Response, error) {
	params, err := p.buildParams(conversation, opts)
	if err != nil {
		return Response{}, err
	}

	msg, err := p.client.New(ctx, params)
	if err != nil {
		return Response{}, NewProviderError("anthropic", string(params.Model), err)
	}
	return translateAnthropicResponse(msg), nil
}

func (p *AnthropicProvider) buildParams(conversation symbiont.Conversation, opts Options) (sdk.MessageNewParams, error) {
	model := opts.Model
	if model == "" {
		model = p.config.DefaultModel
	}
	if model == "" {
		return sdk.MessageNewParams{}, invalidRequestError("anthropic", "", "model identifier is required")
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.config.MaxTokens
	}
	if maxTokens <= 0 {
		return sdk.MessageNewParams{}, invalidRequestError("anthropic", model, "max_tokens must be positive")
	}

	msgs, system, err := encodeAnthropicMessages(conversation)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = system
	}

	temp := opts.Temperature
	if temp == 0 {
		temp = p.config.Temperature
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}

	if tools := encodeAnthropicTools(opts.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	if opts.ResponseFormat.Kind == FormatJSONSchema || opts.ResponseFormat.Kind == FormatJSONObject {
		if note := jsonResponseNudge(opts.ResponseFormat); note != "" {
			params.System = append(params.System, sdk.TextBlockParam{Text: note})
		}
	}

	return params, nil
}

// jsonResponseNudge builds a system-message addendum asking the model to
// respond with bare JSON. Anthropic's Messages API has no structured
// response_format parameter like OpenAI's, so structured output is enforced
// entirely by the schema-validation pipeline downstream; this nudge only
// improves the odds of a clean first attempt.
func jsonResponseNudge(format ResponseFormat) string {
	switch format.Kind {
	case FormatJSONObject:
		return "Respond with a single JSON object and no other text."
	case FormatJSONSchema:
		name := format.SchemaName
		if name == "" {
			name = "the requested schema"
		}
		return fmt.Sprintf("Respond with a single JSON object conforming to %s and no other text.", name)
	default:
		return ""
	}
}

func encodeAnthropicMessages(conversation symbiont.Conversation) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	var system []sdk.TextBlockParam
	var msgs []sdk.MessageParam

	for _, m := range conversation.Messages {
		switch m.Role {
		case symbiont.RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case symbiont.RoleUser:
			if m.Content == "" {
				continue
			}
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case symbiont.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &input); err != nil {
						return nil, nil, invalidRequestError("anthropic", "", "tool call arguments are not valid JSON: "+err.Error())
					}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			msgs = append(msgs, sdk.NewAssistantMessage(blocks...))
		case symbiont.RoleTool:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		}
	}

	if len(msgs) == 0 {
		return nil, nil, invalidRequestError("anthropic", "", "at least one user/assistant message is required")
	}
	return msgs, system, nil
}

func encodeAnthropicTools(defs []symbiont.ToolDefinition) []sdk.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var fields map[string]any
		if len(def.Parameters) > 0 {
			_ = json.Unmarshal(def.Parameters, &fields)
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: fields}, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out
}

func translateAnthropicResponse(msg *sdk.Message) Response {
	resp := Response{Model: string(msg.Model)}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, symbiont.ToolCallRequest{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: json.RawMessage(block.Input),
			})
		}
	}

	resp.Usage = symbiont.TokenUsage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	resp.FinishReason = mapFinishReason(string(msg.StopReason))
	if len(resp.ToolCalls) > 0 && resp.FinishReason == FinishStop {
		resp.FinishReason = FinishToolCalls
	}
	return resp
}
