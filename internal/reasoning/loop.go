// Package reasoning implements the typestate-phased reasoning loop: the
// observe → reason → gate → act cycle that drives one agent run. Phase
// transitions are zero-sized marker types carried by AgentLoop[Phase]; each
// phase's produce function consumes the AgentLoop value for that phase and
// returns the next phase's AgentLoop, so the sequence Reasoning →
// PolicyCheck → ToolDispatching → Observing cannot be skipped or reordered
// without failing to compile.
package reasoning

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/symbiont/internal/executor"
	"github.com/haasonsaas/symbiont/internal/inference"
	"github.com/haasonsaas/symbiont/internal/journal"
	"github.com/haasonsaas/symbiont/internal/policygate"
	"github.com/haasonsaas/symbiont/pkg/symbiont"
)

// KnowledgeBridge is the optional C10 collaborator. A nil bridge disables
// knowledge injection, intrinsic tool handling, and summary persistence
// entirely; the loop runs identically to a bridge that always misses.
type KnowledgeBridge interface {
	// InjectContext returns a system-role message to prepend to the
	// conversation before the first Reasoning phase, and whether anything
	// was found worth injecting.
	InjectContext(ctx context.Context, agentID string) (content string, ok bool)

	// IntrinsicTools lists the tool definitions (recall_knowledge,
	// store_knowledge) the bridge handles itself.
	IntrinsicTools() []symbiont.ToolDefinition

	// HandleIntrinsic runs action directly when it names one of
	// IntrinsicTools, short-circuiting the executor. ok is false when the
	// action isn't one of this bridge's tools.
	HandleIntrinsic(ctx context.Context, agentID string, action symbiont.ProposedAction) (obs symbiont.Observation, ok bool)

	// PersistSummary is called once on loop completion.
	PersistSummary(ctx context.Context, agentID string, conv symbiont.Conversation) error
}

// ── Phase markers ────────────────────────────────────────────────────
//
// Each marker type also carries the handoff payload produced by its own
// phase, so AgentLoop[PolicyCheck] can only exist holding the actions a
// Reasoning phase actually proposed, never a hand-built stand-in.

// Reasoning is the entry phase: the LLM produces proposed actions.
type Reasoning struct{}

// PolicyCheck is Phase 2: every action Reasoning proposed is evaluated by
// the policy gate.
type PolicyCheck struct {
	actions []symbiont.ProposedAction
}

// ToolDispatching is Phase 3: actions PolicyCheck approved are dispatched
// through the executor (or short-circuited to a terminal action).
type ToolDispatching struct {
	approved       []symbiont.ProposedAction
	terminalAction *symbiont.ProposedAction
}

// Observing is Phase 4: results from ToolDispatching are folded back into
// the conversation, or the run ends here on a terminal action.
type Observing struct {
	observations    []symbiont.Observation
	shouldTerminate bool
	terminalAction  *symbiont.ProposedAction
}

// Phase closes the set of valid AgentLoop type arguments to exactly the
// four reasoning-loop phases.
type Phase interface {
	Reasoning | PolicyCheck | ToolDispatching | Observing
}

// AgentLoop pins an agent run to phase P. The only way to obtain an
// AgentLoop[PolicyCheck] is from produceReasoning, the only way to obtain an
// AgentLoop[ToolDispatching] is from producePolicyCheck, and so on — calling
// a later phase's produce function on an earlier phase's AgentLoop, or on a
// hand-built value of the wrong phase, is a compile error, not a runtime
// check.
type AgentLoop[P Phase] struct {
	core  *Loop
	phase P
}

// Loop drives one agent run through the four reasoning phases until a
// terminal action, an unrecoverable error, or a configured cap ends it. Loop
// itself holds the state and collaborators shared across every phase;
// AgentLoop[P] values borrow it for the duration of one phase transition.
type Loop struct {
	AgentID   string
	Provider  inference.Provider
	Options   inference.Options // base model/response-format options; Tools is overwritten per call
	Gate      *policygate.Gate
	Executor  *executor.Executor
	Journal   *journal.Journal
	Knowledge KnowledgeBridge

	config symbiont.LoopConfig
	state  symbiont.LoopState
}

// New constructs a Loop ready to Run. conversation seeds the initial
// messages (typically a system prompt plus the triggering user message).
func New(agentID string, conversation symbiont.Conversation, config symbiont.LoopConfig, provider inference.Provider, gate *policygate.Gate, exec *executor.Executor, jrnl *journal.Journal) *Loop {
	return &Loop{
		AgentID:  agentID,
		Provider: provider,
		Gate:     gate,
		Executor: exec,
		Journal:  jrnl,
		config:   config,
		state: symbiont.LoopState{
			AgentID:      agentID,
			Conversation: conversation,
			Metadata:     make(map[string]any),
		},
	}
}

// Run drives the loop to completion, returning the terminal LoopResult.
// It never panics: every failure path is converted into an Error-reason
// result instead.
func (l *Loop) Run(ctx context.Context) symbiont.LoopResult {
	l.state.StartedAt = time.Now()

	runCtx := ctx
	if l.config.WallClockTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, l.config.WallClockTimeout)
		defer cancel()
	}

	if l.Knowledge != nil {
		if content, ok := l.Knowledge.InjectContext(runCtx, l.AgentID); ok {
			l.state.Conversation.Append(symbiont.Message{
				Role:    symbiont.RoleSystem,
				Content: "[KNOWLEDGE_CONTEXT] " + content,
			})
		}
	}

	l.journalEvent(journal.Entry{Kind: journal.EventStarted})

	current := AgentLoop[Reasoning]{core: l}

	for {
		select {
		case <-runCtx.Done():
			return l.terminate(symbiont.TerminationTimeout, "", runCtx.Err())
		default:
		}

		afterReasoning, result, err := produceReasoning(runCtx, current)
		if err != nil {
			return l.terminate(l.failureReason(runCtx), "", err)
		}
		if result != nil {
			return *result
		}

		afterPolicy, err := producePolicyCheck(runCtx, afterReasoning)
		if err != nil {
			return l.terminate(l.failureReason(runCtx), "", err)
		}

		afterDispatch, err := produceToolDispatching(runCtx, afterPolicy)
		if err != nil {
			return l.terminate(l.failureReason(runCtx), "", err)
		}

		next, result, err := produceObserving(runCtx, afterDispatch)
		if err != nil {
			return l.terminate(l.failureReason(runCtx), "", err)
		}
		if result != nil {
			return *result
		}

		current = next
	}
}

// produceReasoning implements Phase 1 — Reasoning. It consumes an
// AgentLoop[Reasoning] and, on success, produces an AgentLoop[PolicyCheck]
// carrying the actions the model proposed. A non-nil LoopResult means the
// run ended before reaching the model (a cap was already hit); the returned
// AgentLoop is then the zero value and must not be used.
func produceReasoning(ctx context.Context, in AgentLoop[Reasoning]) (AgentLoop[PolicyCheck], *symbiont.LoopResult, error) {
	l := in.core

	if l.config.MaxIterations > 0 && l.state.Iteration >= l.config.MaxIterations {
		r := l.terminate(symbiont.TerminationMaxIterations, "", nil)
		return AgentLoop[PolicyCheck]{}, &r, nil
	}
	if l.config.MaxTotalTokens > 0 && l.state.Usage.Total() >= l.config.MaxTotalTokens {
		r := l.terminate(symbiont.TerminationMaxTokens, "", nil)
		return AgentLoop[PolicyCheck]{}, &r, nil
	}

	l.drainPendingObservations()
	l.applyContextBudget()

	opts := l.Options
	opts.Tools = l.config.Tools
	if l.Knowledge != nil {
		opts.Tools = append(append([]symbiont.ToolDefinition{}, opts.Tools...), l.Knowledge.IntrinsicTools()...)
	}

	resp, err := l.Provider.Complete(ctx, l.state.Conversation, opts)
	if err != nil {
		return AgentLoop[PolicyCheck]{}, nil, fmt.Errorf("inference: %w", err)
	}

	l.state.Usage = l.state.Usage.Add(resp.Usage)

	assistantMsg := symbiont.Message{Role: symbiont.RoleAssistant, Content: resp.Content}
	if len(resp.ToolCalls) > 0 {
		assistantMsg.ToolCalls = resp.ToolCalls
	}
	l.state.Conversation.Append(assistantMsg)

	var actions []symbiont.ProposedAction
	if len(resp.ToolCalls) > 0 {
		for _, tc := range resp.ToolCalls {
			actions = append(actions, symbiont.ProposedAction{
				Kind:      symbiont.ActionToolCall,
				CallID:    tc.ID,
				ToolName:  tc.Name,
				Arguments: tc.Arguments,
			})
		}
	} else {
		actions = []symbiont.ProposedAction{{Kind: symbiont.ActionRespond, FinalText: resp.Content}}
	}

	l.state.Iteration++

	l.journalEvent(journal.Entry{
		Kind:             journal.EventReasoningComplete,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	})

	return AgentLoop[PolicyCheck]{core: l, phase: PolicyCheck{actions: actions}}, nil, nil
}

// producePolicyCheck implements Phase 2 — PolicyCheck. It consumes an
// AgentLoop[PolicyCheck] and produces an AgentLoop[ToolDispatching] carrying
// the approved actions, or a single terminal action that short-circuits
// dispatch.
func producePolicyCheck(ctx context.Context, in AgentLoop[PolicyCheck]) (AgentLoop[ToolDispatching], error) {
	l := in.core
	out := ToolDispatching{}
	denied := 0

	for _, action := range in.phase.actions {
		verdict := l.Gate.Evaluate(ctx, l.AgentID, action, l.state)

		switch verdict.Verdict {
		case policygate.VerdictAllow:
			out.approved = append(out.approved, action)
		case policygate.VerdictModify:
			out.approved = append(out.approved, verdict.Replacement)
		case policygate.VerdictDeny:
			denied++
			l.state.PendingObservations = append(l.state.PendingObservations, symbiont.Observation{
				Source:  "policy_gate",
				Content: verdict.Reason,
				IsError: true,
			})
		}
	}

	for i := range out.approved {
		if out.approved[i].IsTerminal() {
			out.terminalAction = &out.approved[i]
			break
		}
	}

	l.journalEvent(journal.Entry{
		Kind:         journal.EventPolicyEvaluated,
		AllowedCount: len(out.approved),
		DeniedCount:  denied,
	})

	return AgentLoop[ToolDispatching]{core: l, phase: out}, nil
}

// produceToolDispatching implements Phase 3 — ToolDispatching. It consumes
// an AgentLoop[ToolDispatching] and produces an AgentLoop[Observing]
// carrying the resulting observations.
func produceToolDispatching(ctx context.Context, in AgentLoop[ToolDispatching]) (AgentLoop[Observing], error) {
	l := in.core

	if in.phase.terminalAction != nil {
		return AgentLoop[Observing]{core: l, phase: Observing{shouldTerminate: true, terminalAction: in.phase.terminalAction}}, nil
	}

	started := time.Now()

	toolCalls := make([]symbiont.ProposedAction, 0, len(in.phase.approved))
	for _, a := range in.phase.approved {
		if a.Kind == symbiont.ActionToolCall {
			toolCalls = append(toolCalls, a)
		}
	}

	observations := make([]symbiont.Observation, len(toolCalls))
	dispatch := make([]symbiont.ProposedAction, 0, len(toolCalls))
	dispatchIdx := make([]int, 0, len(toolCalls))

	for i, a := range toolCalls {
		if l.Knowledge != nil {
			if obs, ok := l.Knowledge.HandleIntrinsic(ctx, l.AgentID, a); ok {
				observations[i] = obs
				continue
			}
		}
		dispatch = append(dispatch, a)
		dispatchIdx = append(dispatchIdx, i)
	}

	if len(dispatch) > 0 {
		results := l.Executor.Dispatch(ctx, l.state, dispatch)
		for j, obs := range results {
			observations[dispatchIdx[j]] = obs
		}
	}

	for i, a := range toolCalls {
		obs := observations[i]
		content := obs.Content
		if obs.IsError {
			content = "[Error] " + content
		}
		l.state.Conversation.Append(symbiont.Message{
			Role:       symbiont.RoleTool,
			Content:    content,
			ToolCallID: a.CallID,
		})
	}

	l.journalEvent(journal.Entry{
		Kind:      journal.EventToolsDispatched,
		ToolCount: len(toolCalls),
		Duration:  time.Since(started),
	})

	return AgentLoop[Observing]{core: l, phase: Observing{observations: observations}}, nil
}

// produceObserving implements Phase 4 — Observing. It consumes an
// AgentLoop[Observing] and either produces the AgentLoop[Reasoning] for the
// next iteration, or a non-nil LoopResult ending the run.
func produceObserving(ctx context.Context, in AgentLoop[Observing]) (AgentLoop[Reasoning], *symbiont.LoopResult, error) {
	l := in.core

	if in.phase.shouldTerminate {
		reason := symbiont.TerminationCompleted
		output := ""
		if in.phase.terminalAction != nil {
			output = in.phase.terminalAction.FinalText
			if in.phase.terminalAction.Kind == symbiont.ActionTerminate {
				output = in.phase.terminalAction.Reason
			}
		}
		if l.Knowledge != nil {
			_ = l.Knowledge.PersistSummary(ctx, l.AgentID, l.state.Conversation)
		}
		r := l.terminate(reason, output, nil)
		return AgentLoop[Reasoning]{}, &r, nil
	}

	for _, obs := range in.phase.observations {
		obs.Metadata = mergeMetadata(obs.Metadata, "already_in_conversation", true)
		l.state.PendingObservations = append(l.state.PendingObservations, obs)
	}

	l.journalEvent(journal.Entry{
		Kind:             journal.EventObservationsCollected,
		ObservationCount: len(in.phase.observations),
	})

	return AgentLoop[Reasoning]{core: l}, nil, nil
}

// drainPendingObservations folds observations accumulated since the last
// Reasoning phase into the conversation. Tool-result observations are
// already reflected in the conversation (appended in Phase 3) and are
// skipped here; policy-denial observations are not, and become user-role
// "[Policy Feedback]" messages so the model sees and can react to them.
func (l *Loop) drainPendingObservations() {
	for _, obs := range l.state.PendingObservations {
		if already, _ := obs.Metadata["already_in_conversation"].(bool); already {
			continue
		}
		l.state.Conversation.Append(symbiont.Message{
			Role:    symbiont.RoleUser,
			Content: "[Policy Feedback] " + obs.Content,
		})
	}
	l.state.PendingObservations = nil
}

// applyContextBudget truncates the conversation when it exceeds
// ContextTokenBudget, preserving the system message, every tool-call /
// tool-result pair, and the most recent turns. A turn is one user or
// assistant message plus any tool messages immediately following it.
func (l *Loop) applyContextBudget() {
	if l.config.ContextTokenBudget <= 0 {
		return
	}
	l.state.Conversation.Messages = truncateToBudget(l.state.Conversation.Messages, l.config.ContextTokenBudget)
}

// failureReason distinguishes a deadline/cancellation from any other
// failure within a phase, so the former surfaces as Timeout per spec
// rather than a generic Error.
func (l *Loop) failureReason(ctx context.Context) symbiont.TerminationReason {
	if ctx.Err() != nil {
		return symbiont.TerminationTimeout
	}
	return symbiont.TerminationError
}

func (l *Loop) terminate(reason symbiont.TerminationReason, output string, err error) symbiont.LoopResult {
	l.journalEvent(journal.Entry{Kind: journal.EventTerminated, Reason: string(reason), TotalUsage: l.state.Usage.Total()})
	return symbiont.LoopResult{
		AgentID:      l.AgentID,
		Output:       output,
		Reason:       reason,
		Usage:        l.state.Usage,
		Iterations:   l.state.Iteration,
		Duration:     time.Since(l.state.StartedAt),
		Conversation: l.state.Conversation,
		Err:          err,
	}
}

func (l *Loop) journalEvent(e journal.Entry) {
	if l.Journal == nil {
		return
	}
	e.AgentID = l.AgentID
	e.Iteration = l.state.Iteration
	l.Journal.Append(e)
}

func mergeMetadata(m map[string]any, key string, value any) map[string]any {
	if m == nil {
		m = make(map[string]any, 1)
	}
	m[key] = value
	return m
}
