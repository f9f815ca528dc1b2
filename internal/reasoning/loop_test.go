package reasoning

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/symbiont/internal/breaker"
	"github.com/haasonsaas/symbiont/internal/executor"
	"github.com/haasonsaas/symbiont/internal/inference"
	"github.com/haasonsaas/symbiont/internal/journal"
	"github.com/haasonsaas/symbiont/internal/policyengine"
	"github.com/haasonsaas/symbiont/internal/policygate"
	"github.com/haasonsaas/symbiont/pkg/symbiont"
)

// fakeProvider replays a fixed sequence of responses, one per Complete call.
type fakeProvider struct {
	responses []inference.Response
	calls     int
}

func (f *fakeProvider) Complete(ctx context.Context, conv symbiont.Conversation, opts inference.Options) (inference.Response, error) {
	if f.calls >= len(f.responses) {
		return inference.Response{Content: "done", FinishReason: inference.FinishStop}, nil
	}
	r := f.responses[f.calls]
	f.calls++
	return r, nil
}

func allowAllGate(t *testing.T) *policygate.Gate {
	t.Helper()
	engine := policyengine.New(policyengine.Config{DefaultDeny: false}, nil, nil)
	return policygate.New(engine)
}

func newTestExecutor(tools map[string]executor.ToolFunc) *executor.Executor {
	reg := breaker.NewRegistry(breaker.DefaultConfig())
	return executor.New(executor.DefaultConfig(), tools, reg)
}

func TestLoopRespondsWithoutToolCalls(t *testing.T) {
	provider := &fakeProvider{responses: []inference.Response{
		{Content: "hello there", FinishReason: inference.FinishStop},
	}}
	conv := symbiont.Conversation{Messages: []symbiont.Message{{Role: symbiont.RoleUser, Content: "hi"}}}
	loop := New("agent-1", conv, symbiont.LoopConfig{MaxIterations: 5}, provider, allowAllGate(t), newTestExecutor(nil), journal.New(16))

	result := loop.Run(context.Background())
	if result.Reason != symbiont.TerminationCompleted {
		t.Fatalf("want Completed, got %s (err=%v)", result.Reason, result.Err)
	}
	if result.Output != "hello there" {
		t.Fatalf("unexpected output: %q", result.Output)
	}
	if result.Iterations != 1 {
		t.Fatalf("want 1 iteration, got %d", result.Iterations)
	}
}

func TestLoopDispatchesToolCallThenResponds(t *testing.T) {
	provider := &fakeProvider{responses: []inference.Response{
		{
			FinishReason: inference.FinishToolCalls,
			ToolCalls:    []symbiont.ToolCallRequest{{ID: "c1", Name: "search", Arguments: []byte(`{"q":"x"}`)}},
		},
		{Content: "final answer", FinishReason: inference.FinishStop},
	}}
	tools := map[string]executor.ToolFunc{
		"search": func(ctx context.Context, args []byte) (string, error) { return "search result", nil },
	}
	conv := symbiont.Conversation{Messages: []symbiont.Message{{Role: symbiont.RoleUser, Content: "search for x"}}}
	loop := New("agent-1", conv, symbiont.LoopConfig{MaxIterations: 5}, provider, allowAllGate(t), newTestExecutor(tools), journal.New(16))

	result := loop.Run(context.Background())
	if result.Reason != symbiont.TerminationCompleted {
		t.Fatalf("want Completed, got %s (err=%v)", result.Reason, result.Err)
	}
	if result.Output != "final answer" {
		t.Fatalf("unexpected output: %q", result.Output)
	}

	foundToolResult := false
	for _, m := range result.Conversation.Messages {
		if m.Role == symbiont.RoleTool && m.Content == "search result" {
			foundToolResult = true
		}
	}
	if !foundToolResult {
		t.Fatalf("expected a tool-result message in the conversation, got %+v", result.Conversation.Messages)
	}
}

func TestLoopTerminatesAtMaxIterations(t *testing.T) {
	provider := &fakeProvider{responses: []inference.Response{
		{FinishReason: inference.FinishToolCalls, ToolCalls: []symbiont.ToolCallRequest{{ID: "c1", Name: "loopy", Arguments: []byte(`{}`)}}},
	}}
	tools := map[string]executor.ToolFunc{
		"loopy": func(ctx context.Context, args []byte) (string, error) { return "again", nil },
	}
	conv := symbiont.Conversation{Messages: []symbiont.Message{{Role: symbiont.RoleUser, Content: "go"}}}
	loop := New("agent-1", conv, symbiont.LoopConfig{MaxIterations: 2}, provider, allowAllGate(t), newTestExecutor(tools), journal.New(16))

	result := loop.Run(context.Background())
	if result.Reason != symbiont.TerminationMaxIterations {
		t.Fatalf("want MaxIterations, got %s", result.Reason)
	}
	if result.Iterations != 2 {
		t.Fatalf("want 2 iterations recorded, got %d", result.Iterations)
	}
}

func TestLoopSurfacesPolicyDenialAsFeedback(t *testing.T) {
	provider := &fakeProvider{responses: []inference.Response{
		{FinishReason: inference.FinishToolCalls, ToolCalls: []symbiont.ToolCallRequest{{ID: "c1", Name: "danger", Arguments: []byte(`{}`)}}},
		{Content: "acknowledged", FinishReason: inference.FinishStop},
	}}
	engine := policyengine.New(policyengine.Config{DefaultDeny: false}, nil, nil)
	if err := engine.LoadPolicies([]policyengine.Rule{
		{ID: "deny-danger", ResourceType: policyengine.ResourceCommand, AccessType: policyengine.AccessExecute, ResourcePattern: "danger", Priority: 10, Effect: symbiont.AccessDeny},
	}); err != nil {
		t.Fatalf("failed to load policies: %v", err)
	}
	gate := policygate.New(engine)
	conv := symbiont.Conversation{Messages: []symbiont.Message{{Role: symbiont.RoleUser, Content: "do something risky"}}}
	loop := New("agent-1", conv, symbiont.LoopConfig{MaxIterations: 5}, provider, gate, newTestExecutor(nil), journal.New(16))

	result := loop.Run(context.Background())
	if result.Reason != symbiont.TerminationCompleted {
		t.Fatalf("want Completed, got %s (err=%v)", result.Reason, result.Err)
	}

	foundFeedback := false
	for _, m := range result.Conversation.Messages {
		if m.Role == symbiont.RoleUser && len(m.Content) > 0 && m.Content[0] == '[' {
			foundFeedback = true
		}
	}
	if !foundFeedback {
		t.Fatalf("expected a [Policy Feedback] message, got %+v", result.Conversation.Messages)
	}
}

func TestLoopSurfacesProviderErrorAsErrorTermination(t *testing.T) {
	conv := symbiont.Conversation{Messages: []symbiont.Message{{Role: symbiont.RoleUser, Content: "hi"}}}
	loop := New("agent-1", conv, symbiont.LoopConfig{MaxIterations: 5}, failingProvider{}, allowAllGate(t), newTestExecutor(nil), journal.New(16))

	result := loop.Run(context.Background())
	if result.Reason != symbiont.TerminationError {
		t.Fatalf("want Error, got %s", result.Reason)
	}
	if result.Err == nil {
		t.Fatal("expected a non-nil error")
	}
}

type failingProvider struct{}

func (failingProvider) Complete(ctx context.Context, conv symbiont.Conversation, opts inference.Options) (inference.Response, error) {
	return inference.Response{}, errFakeProviderFailure
}

var errFakeProviderFailure = &fakeProviderError{"provider unavailable"}

type fakeProviderError struct{ msg string }

func (e *fakeProviderError) Error() string { return e.msg }

func TestLoopTimesOutAtWallClock(t *testing.T) {
	provider := &slowProvider{delay: 50 * time.Millisecond}
	conv := symbiont.Conversation{Messages: []symbiont.Message{{Role: symbiont.RoleUser, Content: "hi"}}}
	loop := New("agent-1", conv, symbiont.LoopConfig{MaxIterations: 100, WallClockTimeout: 5 * time.Millisecond}, provider, allowAllGate(t), newTestExecutor(nil), journal.New(16))

	result := loop.Run(context.Background())
	if result.Reason != symbiont.TerminationTimeout {
		t.Fatalf("want Timeout, got %s", result.Reason)
	}
}

type slowProvider struct{ delay time.Duration }

func (p *slowProvider) Complete(ctx context.Context, conv symbiont.Conversation, opts inference.Options) (inference.Response, error) {
	select {
	case <-time.After(p.delay):
		return inference.Response{Content: "late", FinishReason: inference.FinishStop}, nil
	case <-ctx.Done():
		return inference.Response{}, ctx.Err()
	}
}
