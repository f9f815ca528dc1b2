package inference

import (
	"context"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/symbiont/pkg/symbiont"
)

type fakeChatClient struct {
	resp openai.ChatCompletionResponse
	err  error
	got  openai.ChatCompletionRequest
}

func (f *fakeChatClient) CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.got = request
	return f.resp, f.err
}

func TestOpenAICompleteTranslatesTextResponse(t *testing.T) {
	fake := &fakeChatClient{resp: openai.ChatCompletionResponse{
		Model: "gpt-4o",
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: "assistant", Content: "hello"}, FinishReason: "stop"},
		},
		Usage: openai.Usage{PromptTokens: 8, CompletionTokens: 3},
	}}
	p := NewOpenAIProviderWithClient(fake, OpenAIConfig{DefaultModel: "gpt-4o", MaxTokens: 512})

	conv := symbiont.Conversation{Messages: []symbiont.Message{{Role: symbiont.RoleUser, Content: "hi"}}}
	resp, err := p.Complete(context.Background(), conv, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello" {
		t.Fatalf("want content %q, got %q", "hello", resp.Content)
	}
	if resp.FinishReason != FinishStop {
		t.Fatalf("want FinishStop, got %s", resp.FinishReason)
	}
	if resp.Usage.PromptTokens != 8 || resp.Usage.CompletionTokens != 3 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
}

func TestOpenAICompleteTranslatesToolCalls(t *testing.T) {
	fake := &fakeChatClient{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{
				Message: openai.ChatCompletionMessage{
					Role: "assistant",
					ToolCalls: []openai.ToolCall{
						{ID: "call_1", Type: openai.ToolTypeFunction, Function: openai.FunctionCall{Name: "search", Arguments: `{"q":"x"}`}},
					},
				},
				FinishReason: "tool_calls",
			},
		},
	}}
	p := NewOpenAIProviderWithClient(fake, OpenAIConfig{DefaultModel: "gpt-4o", MaxTokens: 512})

	conv := symbiont.Conversation{Messages: []symbiont.Message{{Role: symbiont.RoleUser, Content: "search for x"}}}
	resp, err := p.Complete(context.Background(), conv, Options{Tools: []symbiont.ToolDefinition{
		{Name: "search", Description: "search the web", Parameters: []byte(`{"type":"object"}`)},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.FinishReason != FinishToolCalls {
		t.Fatalf("want FinishToolCalls, got %s", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "search" {
		t.Fatalf("unexpected tool calls: %+v", resp.ToolCalls)
	}
	if len(fake.got.Tools) != 1 {
		t.Fatalf("expected tool to be encoded on the request")
	}
}

func TestOpenAICompleteRequiresModel(t *testing.T) {
	fake := &fakeChatClient{}
	p := NewOpenAIProviderWithClient(fake, OpenAIConfig{MaxTokens: 512})

	conv := symbiont.Conversation{Messages: []symbiont.Message{{Role: symbiont.RoleUser, Content: "hi"}}}
	_, err := p.Complete(context.Background(), conv, Options{})
	if err == nil {
		t.Fatal("expected error for missing model")
	}
}

func TestOpenAICompleteSetsJSONSchemaResponseFormat(t *testing.T) {
	fake := &fakeChatClient{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "{}"}, FinishReason: "stop"}},
	}}
	p := NewOpenAIProviderWithClient(fake, OpenAIConfig{DefaultModel: "gpt-4o", MaxTokens: 512})

	conv := symbiont.Conversation{Messages: []symbiont.Message{{Role: symbiont.RoleUser, Content: "give me json"}}}
	_, err := p.Complete(context.Background(), conv, Options{
		ResponseFormat: ResponseFormat{Kind: FormatJSONSchema, SchemaName: "answer", Schema: []byte(`{"type":"object"}`)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.got.ResponseFormat == nil || fake.got.ResponseFormat.Type != openai.ChatCompletionResponseFormatTypeJSONSchema {
		t.Fatalf("expected json_schema response format to be set")
	}
	if fake.got.ResponseFormat.JSONSchema.Name != "answer" {
		t.Fatalf("unexpected schema name: %s", fake.got.ResponseFormat.JSONSchema.Name)
	}
}
