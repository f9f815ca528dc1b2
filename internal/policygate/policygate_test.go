package policygate

import (
	"context"
	"testing"

	"github.com/haasonsaas/symbiont/internal/policyengine"
	"github.com/haasonsaas/symbiont/pkg/symbiont"
)

func TestAllowPassesThrough(t *testing.T) {
	engine := policyengine.New(policyengine.DefaultConfig(), nil, nil)
	engine.LoadPolicies([]policyengine.Rule{
		{ID: "allow-tools", ResourceType: policyengine.ResourceCommand, AccessType: policyengine.AccessExecute, ResourcePattern: "*", Priority: 1, Effect: symbiont.AccessAllow},
	})
	g := New(engine)

	result := g.Evaluate(context.Background(), "agent-1", symbiont.ProposedAction{
		Kind: symbiont.ActionToolCall, ToolName: "search",
	}, symbiont.LoopState{})

	if result.Verdict != VerdictAllow {
		t.Fatalf("want allow, got %s: %s", result.Verdict, result.Reason)
	}
}

func TestDenyBlocksAction(t *testing.T) {
	engine := policyengine.New(policyengine.DefaultConfig(), nil, nil)
	engine.LoadPolicies([]policyengine.Rule{
		{ID: "deny-shell", ResourceType: policyengine.ResourceCommand, AccessType: policyengine.AccessExecute, ResourcePattern: "shell", Priority: 10, Effect: symbiont.AccessDeny},
	})
	g := New(engine)

	result := g.Evaluate(context.Background(), "agent-1", symbiont.ProposedAction{
		Kind: symbiont.ActionToolCall, ToolName: "shell",
	}, symbiont.LoopState{})

	if result.Verdict != VerdictDeny {
		t.Fatalf("want deny, got %s", result.Verdict)
	}
}

func TestRespondAndTerminatePassThroughGate(t *testing.T) {
	engine := policyengine.New(policyengine.DefaultConfig(), nil, nil)
	engine.LoadPolicies([]policyengine.Rule{
		{ID: "deny-respond", ResourceType: policyengine.ResourceCustom, AccessType: policyengine.AccessExecute, ResourcePattern: "respond", Priority: 1, Effect: symbiont.AccessDeny},
	})
	g := New(engine)

	result := g.Evaluate(context.Background(), "agent-1", symbiont.ProposedAction{
		Kind: symbiont.ActionRespond, FinalText: "done",
	}, symbiont.LoopState{})

	if result.Verdict != VerdictDeny {
		t.Fatalf("expected final output to be content-filterable, got %s", result.Verdict)
	}
}

func TestConditionalWithoutModifierDenies(t *testing.T) {
	engine := policyengine.New(policyengine.DefaultConfig(), nil, nil)
	engine.LoadPolicies([]policyengine.Rule{
		{ID: "conditional", ResourceType: policyengine.ResourceCommand, AccessType: policyengine.AccessExecute, ResourcePattern: "*", Priority: 1, Effect: symbiont.AccessConditional},
	})
	g := New(engine)

	result := g.Evaluate(context.Background(), "agent-1", symbiont.ProposedAction{
		Kind: symbiont.ActionToolCall, ToolName: "search",
	}, symbiont.LoopState{})

	if result.Verdict != VerdictDeny {
		t.Fatalf("want deny with no registered modifier, got %s", result.Verdict)
	}
}

func TestConditionalWithModifierProducesSubsetAction(t *testing.T) {
	engine := policyengine.New(policyengine.DefaultConfig(), nil, nil)
	engine.LoadPolicies([]policyengine.Rule{
		{ID: "conditional", ResourceType: policyengine.ResourceCommand, AccessType: policyengine.AccessExecute, ResourcePattern: "*", Priority: 1, Effect: symbiont.AccessConditional},
	})
	g := New(engine)
	g.RegisterModifier(symbiont.ActionToolCall, func(a symbiont.ProposedAction, d symbiont.PolicyDecision) symbiont.ProposedAction {
		a.Arguments = nil // strip arguments, a strict subset of the original side effects
		return a
	})

	result := g.Evaluate(context.Background(), "agent-1", symbiont.ProposedAction{
		Kind: symbiont.ActionToolCall, ToolName: "search", Arguments: []byte(`{"q":"x"}`),
	}, symbiont.LoopState{})

	if result.Verdict != VerdictModify {
		t.Fatalf("want modify, got %s", result.Verdict)
	}
	if result.Replacement.Kind != symbiont.ActionToolCall {
		t.Fatalf("modified action must keep the same kind")
	}
	if result.Replacement.Arguments != nil {
		t.Fatalf("expected arguments stripped")
	}
}
