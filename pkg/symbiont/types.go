// Package symbiont defines the core data model shared by every subsystem of the
// runtime: agent definitions, scheduled tasks, conversations, proposed actions,
// observations, and policy/verification outcomes. It is the public surface an
// HTTP API, MCP transport, or other external collaborator would import; the
// runtime's internal packages operate exclusively on these types.
package symbiont

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, opaque identifier.
func NewID() string {
	return uuid.NewString()
}

// SecurityTier is one of four required security tiers for an agent definition.
type SecurityTier int

const (
	SecurityTier1 SecurityTier = iota + 1
	SecurityTier2
	SecurityTier3
	SecurityTier4
)

// ExecutionMode describes how long an agent's process persists.
type ExecutionMode string

const (
	ExecutionEphemeral  ExecutionMode = "ephemeral"
	ExecutionPersistent ExecutionMode = "persistent"
	ExecutionLongLived  ExecutionMode = "long_lived"
)

// Capability is a declared ability an agent definition requires.
type Capability string

const (
	CapabilityFileSystem Capability = "file_system"
	CapabilityNetwork    Capability = "network"
	CapabilityComputation Capability = "computation"
)

// ResourceLimits bounds an agent's resource consumption.
type ResourceLimits struct {
	MemoryCeilingMB int64
	CPUCores        float64
	WallClockCap    time.Duration
}

// AgentDefinition is the immutable value produced by the (external) DSL parser.
type AgentDefinition struct {
	Name             string
	DSLSource        string
	ExecutionMode    ExecutionMode
	RequiredTier     SecurityTier
	Limits           ResourceLimits
	Capabilities     []Capability
	Priority         Priority
	PolicyIDs        []string
	ToolIDs          []string
}

// Priority orders scheduled tasks; higher values run first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// ScheduledTask is an agent definition plus scheduling metadata. It implements
// the ordering spec requires: higher priority first, FIFO within a priority.
type ScheduledTask struct {
	ID           string
	Agent        AgentDefinition
	Priority     Priority
	ScheduledAt  time.Time
	Deadline     *time.Time
	RetryCount   int
	Requirements ResourceRequirements
}

// ResourceRequirements describes what a scheduled task needs to run.
type ResourceRequirements struct {
	MinMemoryMB    int64
	MaxMemoryMB    int64
	MinCPUCores    float64
	MaxCPUCores    float64
	DiskSpaceMB    int64
	NetworkMbps    int64
}

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCallRequest is a single tool invocation an assistant message proposes.
type ToolCallRequest struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Message is one entry in a conversation. Conversations serialize losslessly to
// both the OpenAI and Anthropic wire formats (see internal/inference).
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCallRequest
	ToolCallID string // set when Role == RoleTool
}

// Conversation is an ordered, append-only (during a loop run) sequence of messages.
type Conversation struct {
	Messages []Message
}

// Append adds a message and returns the updated conversation value.
func (c *Conversation) Append(m Message) {
	c.Messages = append(c.Messages, m)
}

// ActionKind discriminates the ProposedAction tagged union.
type ActionKind string

const (
	ActionToolCall  ActionKind = "tool_call"
	ActionDelegate  ActionKind = "delegate"
	ActionRespond   ActionKind = "respond"
	ActionTerminate ActionKind = "terminate"
)

// ProposedAction is the reasoning loop's unit of intent. Exactly the fields
// relevant to Kind are populated; this mirrors a tagged union without requiring
// generics or an interface per variant, matching the rest of the runtime's
// plain-struct style.
type ProposedAction struct {
	Kind ActionKind

	// ToolCall
	CallID    string
	ToolName  string
	Arguments json.RawMessage

	// Delegate
	TargetAgent string
	DelegateMsg string

	// Respond / Terminate
	FinalText string
	Reason    string
}

// IsTerminal reports whether this action ends the reasoning loop.
func (a ProposedAction) IsTerminal() bool {
	return a.Kind == ActionRespond || a.Kind == ActionTerminate
}

// Observation feeds back into the next reasoning step.
type Observation struct {
	Source   string // tool name, "policy_gate", or an environment label
	Content  string
	IsError  bool
	Metadata map[string]any
}

// TokenUsage accumulates prompt/completion token counts across a loop run.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// Add returns the element-wise sum of two usages.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
	}
}

// Total returns the sum of prompt and completion tokens.
func (u TokenUsage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// ToolDefinition describes a callable tool's shape to the inference provider.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON-schema shaped
}

// RecoveryStrategyKind names a declarative recovery strategy for a tool.
type RecoveryStrategyKind string

const (
	RecoveryRetry        RecoveryStrategyKind = "retry"
	RecoveryFallback     RecoveryStrategyKind = "fallback"
	RecoveryCachedResult RecoveryStrategyKind = "cached_result"
	RecoveryLLM          RecoveryStrategyKind = "llm_recovery"
	RecoveryEscalate     RecoveryStrategyKind = "escalate"
	RecoveryDeadLetter   RecoveryStrategyKind = "dead_letter"
)

// RecoveryStrategy configures how the executor reacts to a tool failure.
type RecoveryStrategy struct {
	Kind RecoveryStrategyKind

	// Retry
	MaxAttempts int
	BaseDelay   time.Duration

	// Fallback
	FallbackTools []string

	// CachedResult
	MaxStaleness time.Duration

	// Escalate
	EscalationQueue string
	SnapshotContext bool
}

// LoopConfig configures a single reasoning-loop run.
type LoopConfig struct {
	MaxIterations       int
	MaxTotalTokens       int
	WallClockTimeout    time.Duration
	ToolCallTimeout     time.Duration
	MaxConcurrentTools  int
	ContextTokenBudget  int
	DefaultRecovery     RecoveryStrategy
	PerToolRecovery     map[string]RecoveryStrategy
	Tools               []ToolDefinition
}

// LoopState is carried across phase transitions.
type LoopState struct {
	AgentID             string
	Iteration           int
	Usage               TokenUsage
	Conversation        Conversation
	PendingObservations []Observation
	StartedAt           time.Time
	Metadata            map[string]any
}

// TerminationReason names why a reasoning loop stopped.
type TerminationReason string

const (
	TerminationCompleted     TerminationReason = "completed"
	TerminationMaxIterations TerminationReason = "max_iterations"
	TerminationMaxTokens     TerminationReason = "max_tokens"
	TerminationTimeout       TerminationReason = "timeout"
	TerminationPolicyDenial  TerminationReason = "policy_denial"
	TerminationError         TerminationReason = "error"
)

// LoopResult is the terminal value of a reasoning-loop run.
type LoopResult struct {
	AgentID      string
	Output       string
	Reason       TerminationReason
	Usage        TokenUsage
	Iterations   int
	Duration     time.Duration
	Conversation Conversation
	Err          error
}

// AccessResult is a policy decision for a resource-access or tool-invocation check.
type AccessResult string

const (
	AccessAllow      AccessResult = "allow"
	AccessDeny       AccessResult = "deny"
	AccessConditional AccessResult = "conditional"
	AccessEscalate   AccessResult = "escalate"
)

// PolicyDecision is the result of evaluating a resource access or allocation request.
type PolicyDecision struct {
	Decision    AccessResult
	Reason      string
	Conditions  []string
	RuleID      string
	ExpiresAt   *time.Time
	Metadata    map[string]any
}

// VerificationStatus is a tool schema's verification state.
type VerificationStatus string

const (
	StatusPending  VerificationStatus = "pending"
	StatusVerified VerificationStatus = "verified"
	StatusFailed   VerificationStatus = "failed"
	StatusSkipped  VerificationStatus = "skipped"
)

// VerificationResult carries the outcome of schema verification.
type VerificationResult struct {
	Status        VerificationStatus
	Hash          []byte
	KeyURL        string
	Signature     []byte
	KeyFingerprint string
	VerifiedAt    time.Time
	Reason        string // set when Status is Failed or Skipped
}

// CircuitState names a circuit breaker's state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)
