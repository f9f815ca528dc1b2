package knowledge

import (
	"context"
	"testing"

	"github.com/haasonsaas/symbiont/pkg/symbiont"
)

func TestStoreThenRecallFact(t *testing.T) {
	store := NewInMemoryStore()
	bridge := New(store)
	ctx := context.Background()

	storeAction := symbiont.ProposedAction{
		Kind:      symbiont.ActionToolCall,
		ToolName:  toolStoreKnowledge,
		Arguments: []byte(`{"subject":"alice","predicate":"likes","object":"go","confidence":0.9}`),
	}
	obs, ok := bridge.HandleIntrinsic(ctx, "agent-1", storeAction)
	if !ok || obs.IsError {
		t.Fatalf("unexpected store result: %+v (ok=%v)", obs, ok)
	}

	recallAction := symbiont.ProposedAction{
		Kind:      symbiont.ActionToolCall,
		ToolName:  toolRecallKnowledge,
		Arguments: []byte(`{"query":"alice"}`),
	}
	obs, ok = bridge.HandleIntrinsic(ctx, "agent-1", recallAction)
	if !ok || obs.IsError {
		t.Fatalf("unexpected recall result: %+v (ok=%v)", obs, ok)
	}
	if obs.Content == "no matching facts found" {
		t.Fatalf("expected to recall the stored fact, got %q", obs.Content)
	}
}

func TestRecallNoMatchesIsNotAnError(t *testing.T) {
	store := NewInMemoryStore()
	bridge := New(store)

	action := symbiont.ProposedAction{
		Kind:      symbiont.ActionToolCall,
		ToolName:  toolRecallKnowledge,
		Arguments: []byte(`{"query":"nothing"}`),
	}
	obs, ok := bridge.HandleIntrinsic(context.Background(), "agent-1", action)
	if !ok {
		t.Fatal("expected recall_knowledge to be handled")
	}
	if obs.IsError {
		t.Fatalf("empty recall should not be an error, got %+v", obs)
	}
}

func TestHandleIntrinsicIgnoresOtherTools(t *testing.T) {
	bridge := New(NewInMemoryStore())
	action := symbiont.ProposedAction{Kind: symbiont.ActionToolCall, ToolName: "search"}
	_, ok := bridge.HandleIntrinsic(context.Background(), "agent-1", action)
	if ok {
		t.Fatal("expected non-intrinsic tool to be unhandled")
	}
}

func TestInjectContextReflectsLastSummary(t *testing.T) {
	store := NewInMemoryStore()
	bridge := New(store)
	ctx := context.Background()

	if _, ok := bridge.InjectContext(ctx, "agent-1"); ok {
		t.Fatal("expected no context before any summary is stored")
	}

	if err := store.StoreSummary(ctx, "agent-1", "previously discussed onboarding steps"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	content, ok := bridge.InjectContext(ctx, "agent-1")
	if !ok || content != "previously discussed onboarding steps" {
		t.Fatalf("unexpected injected context: %q (ok=%v)", content, ok)
	}
}

func TestPersistSummaryRequiresAutoPersist(t *testing.T) {
	store := NewInMemoryStore()
	bridge := New(store)
	conv := symbiont.Conversation{Messages: []symbiont.Message{{Role: symbiont.RoleAssistant, Content: "final answer"}}}

	if err := bridge.PersistSummary(context.Background(), "agent-1", conv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok, _ := store.WorkingMemory(context.Background(), "agent-1"); ok {
		t.Fatal("expected no summary to be persisted without AutoPersist")
	}

	bridge.AutoPersist = true
	if err := bridge.PersistSummary(context.Background(), "agent-1", conv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	content, ok, _ := store.WorkingMemory(context.Background(), "agent-1")
	if !ok || content != "final answer" {
		t.Fatalf("unexpected summary: %q (ok=%v)", content, ok)
	}
}
