// Package policygate adapts the reasoning loop's proposed actions to the
// policy engine's resource-access requests. It is a thin translation layer:
// all actual rule evaluation lives in internal/policyengine.
package policygate

import (
	"context"
	"fmt"

	"github.com/haasonsaas/symbiont/internal/policyengine"
	"github.com/haasonsaas/symbiont/pkg/symbiont"
)

// Verdict is the gate's outcome for one proposed action.
type Verdict string

const (
	VerdictAllow  Verdict = "allow"
	VerdictDeny   Verdict = "deny"
	VerdictModify Verdict = "modify"
)

// Result carries the gate's decision. Replacement is populated only when
// Verdict is Modify, and is guaranteed to share Action's Kind.
type Result struct {
	Verdict     Verdict
	Reason      string
	Replacement symbiont.ProposedAction
}

// Gate evaluates proposed actions against the policy engine.
type Gate struct {
	engine *policyengine.Engine
	// Modifiers, keyed by ActionKind, may downgrade an action into a
	// strictly-subset variant (e.g. stripping arguments) rather than
	// denying it outright. Optional; nil means the gate never modifies.
	modifiers map[symbiont.ActionKind]func(symbiont.ProposedAction, symbiont.PolicyDecision) symbiont.ProposedAction
}

// New builds a Gate over the given policy engine.
func New(engine *policyengine.Engine) *Gate {
	return &Gate{engine: engine}
}

// RegisterModifier installs a modification function for a given action kind,
// invoked when the policy engine returns a Conditional decision.
func (g *Gate) RegisterModifier(kind symbiont.ActionKind, fn func(symbiont.ProposedAction, symbiont.PolicyDecision) symbiont.ProposedAction) {
	if g.modifiers == nil {
		g.modifiers = make(map[symbiont.ActionKind]func(symbiont.ProposedAction, symbiont.PolicyDecision) symbiont.ProposedAction)
	}
	g.modifiers[kind] = fn
}

// Evaluate gates a single proposed action. Respond and Terminate actions
// pass through the gate like any other, since some deployments filter final
// output.
func (g *Gate) Evaluate(ctx context.Context, agentID string, action symbiont.ProposedAction, state symbiont.LoopState) Result {
	req := g.requestFor(agentID, action, state)
	decision := g.engine.EvaluateAccess(ctx, req)

	switch decision.Decision {
	case symbiont.AccessAllow:
		return Result{Verdict: VerdictAllow, Reason: decision.Reason}

	case symbiont.AccessDeny:
		return Result{Verdict: VerdictDeny, Reason: decision.Reason}

	case symbiont.AccessConditional:
		if fn, ok := g.modifiers[action.Kind]; ok {
			modified := fn(action, decision)
			if modified.Kind != action.Kind {
				return Result{Verdict: VerdictDeny, Reason: "modifier produced a different action kind, refusing"}
			}
			return Result{Verdict: VerdictModify, Reason: decision.Reason, Replacement: modified}
		}
		return Result{Verdict: VerdictDeny, Reason: "conditional decision with no registered modifier: " + decision.Reason}

	case symbiont.AccessEscalate:
		return Result{Verdict: VerdictDeny, Reason: "escalation required: " + decision.Reason}

	default:
		return Result{Verdict: VerdictDeny, Reason: fmt.Sprintf("unrecognized policy decision %q", decision.Decision)}
	}
}

// requestFor shapes a proposed action into a resource-access request. Each
// action kind maps to a distinct synthetic resource so policy authors can
// write rules per action type.
func (g *Gate) requestFor(agentID string, action symbiont.ProposedAction, state symbiont.LoopState) policyengine.AccessRequest {
	req := policyengine.AccessRequest{
		AgentID: agentID,
		Context: policyengine.AccessContext{
			AgentMetadata: map[string]string{"iteration": fmt.Sprint(state.Iteration)},
		},
	}

	switch action.Kind {
	case symbiont.ActionToolCall:
		req.ResourceType = policyengine.ResourceCommand
		req.ResourceID = action.ToolName
		req.AccessType = policyengine.AccessExecute
	case symbiont.ActionDelegate:
		req.ResourceType = policyengine.ResourceCustom
		req.ResourceID = "delegate:" + action.TargetAgent
		req.AccessType = policyengine.AccessExecute
	case symbiont.ActionRespond:
		req.ResourceType = policyengine.ResourceCustom
		req.ResourceID = "respond"
		req.AccessType = policyengine.AccessExecute
	case symbiont.ActionTerminate:
		req.ResourceType = policyengine.ResourceCustom
		req.ResourceID = "terminate"
		req.AccessType = policyengine.AccessExecute
	}
	return req
}
