// Package inference provides a provider-neutral, single-shot completion
// abstraction over the OpenAI and Anthropic chat APIs. Unlike the streaming
// token-by-token design many agent frameworks use, this package exposes
// exactly one operation per provider: Complete. Callers get back a whole
// response — text, tool calls, finish reason, usage — in one round trip.
package inference

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/symbiont/pkg/symbiont"
)

// ResponseFormatKind selects how a provider should shape its output.
type ResponseFormatKind string

const (
	FormatText       ResponseFormatKind = "text"
	FormatJSONObject ResponseFormatKind = "json_object"
	FormatJSONSchema ResponseFormatKind = "json_schema"
)

// ResponseFormat constrains the shape of a completion's text content. Schema
// and SchemaName are only read when Kind is FormatJSONSchema.
type ResponseFormat struct {
	Kind       ResponseFormatKind
	Schema     json.RawMessage
	SchemaName string
}

// Options configures a single completion request. Model, MaxTokens and
// Temperature are request-level; a provider falls back to its own configured
// defaults for any field left zero.
type Options struct {
	Model          string
	MaxTokens      int
	Temperature    float64
	ResponseFormat ResponseFormat
	Tools          []symbiont.ToolDefinition
}

// FinishReason names why a provider stopped generating.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishMaxTokens     FinishReason = "max_tokens"
	FinishContentFilter FinishReason = "content_filter"
)

// Response is a provider's answer to one Complete call.
type Response struct {
	Content      string
	ToolCalls    []symbiont.ToolCallRequest
	FinishReason FinishReason
	Usage        symbiont.TokenUsage
	Model        string
}

// Provider is the single operation every concrete adapter implements.
// Conversation is the full message history; Complete does not stream partial
// output and does not mutate conversation.
type Provider interface {
	Complete(ctx context.Context, conversation symbiont.Conversation, opts Options) (Response, error)
}

// invalidRequestError builds a ProviderError for a request rejected before
// it ever reaches the wire (missing model, empty conversation, and so on).
func invalidRequestError(provider, model, message string) *ProviderError {
	return &ProviderError{
		Reason:   FailoverInvalidRequest,
		Provider: provider,
		Model:    model,
		Message:  message,
	}
}

// mapFinishReason normalizes a provider-specific stop-reason string into the
// common FinishReason enum. Unrecognized values default to FinishStop, since
// both wire formats treat an unlabeled stop as ordinary completion.
func mapFinishReason(raw string) FinishReason {
	switch raw {
	case "tool_calls", "tool_use":
		return FinishToolCalls
	case "length", "max_tokens":
		return FinishMaxTokens
	case "content_filter":
		return FinishContentFilter
	default:
		return FinishStop
	}
}
