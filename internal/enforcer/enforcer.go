// Package enforcer implements the tool invocation enforcer: given a tool's
// schema verification status and an invocation context, it decides whether
// the call may proceed, tracking per-tool warning counts and escalating when
// a configured threshold is crossed.
package enforcer

import (
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/symbiont/pkg/symbiont"
)

// Policy names one of the four enforcement policies governing how
// verification status maps to an outcome.
type Policy string

const (
	PolicyStrict      Policy = "strict"
	PolicyPermissive  Policy = "permissive"
	PolicyDevelopment Policy = "development"
	PolicyDisabled    Policy = "disabled"
)

// Outcome is the enforcer's decision for one invocation.
type Outcome string

const (
	OutcomeAllow   Outcome = "allow"
	OutcomeBlock   Outcome = "block"
	OutcomeWarn    Outcome = "allow_with_warnings"
)

// Config tunes the permissive/development policies' ambiguous cases and the
// warning-escalation threshold.
type Config struct {
	Policy                   Policy
	BlockFailed              bool          // Permissive & Development: block instead of warn on Failed
	BlockPending             bool          // Permissive: block instead of allow on Pending
	AllowSkippedInDev        bool          // Development: allow instead of block on Skipped
	MaxWarningsBeforeEscalation int        // default 10
	VerificationTimeout      time.Duration // default 5s
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		Policy:                      PolicyStrict,
		MaxWarningsBeforeEscalation: 10,
		VerificationTimeout:         5 * time.Second,
	}
}

// InvocationContext identifies one tool call being considered.
type InvocationContext struct {
	AgentID   string
	ToolName  string
	Arguments []byte
	Timestamp time.Time
}

// Decision is the enforcer's result for one invocation.
type Decision struct {
	Outcome   Outcome
	Reason    string
	Escalated bool
}

// Enforcer tracks per-tool warning counts and applies the configured policy.
type Enforcer struct {
	mu       sync.Mutex
	config   Config
	warnings map[string]int
}

// New builds an Enforcer. A non-positive MaxWarningsBeforeEscalation or
// VerificationTimeout in config is replaced with the spec default.
func New(config Config) *Enforcer {
	if config.MaxWarningsBeforeEscalation <= 0 {
		config.MaxWarningsBeforeEscalation = DefaultConfig().MaxWarningsBeforeEscalation
	}
	if config.VerificationTimeout <= 0 {
		config.VerificationTimeout = DefaultConfig().VerificationTimeout
	}
	return &Enforcer{config: config, warnings: make(map[string]int)}
}

// Decide evaluates an invocation against the tool's verification status.
func (e *Enforcer) Decide(status symbiont.VerificationStatus, ctx InvocationContext) Decision {
	outcome, reason := e.outcomeFor(status, ctx.ToolName)

	decision := Decision{Outcome: outcome, Reason: reason}
	if outcome == OutcomeWarn {
		decision.Escalated = e.recordWarning(ctx.ToolName)
	}
	return decision
}

func (e *Enforcer) outcomeFor(status symbiont.VerificationStatus, toolName string) (Outcome, string) {
	switch e.config.Policy {
	case PolicyDisabled:
		return OutcomeAllow, "verification enforcement disabled"

	case PolicyStrict:
		if status == symbiont.StatusVerified {
			return OutcomeAllow, "schema verified"
		}
		return OutcomeBlock, fmt.Sprintf("strict policy blocks tool %q with status %q", toolName, status)

	case PolicyPermissive:
		switch status {
		case symbiont.StatusVerified:
			return OutcomeAllow, "schema verified"
		case symbiont.StatusFailed:
			if e.config.BlockFailed {
				return OutcomeBlock, fmt.Sprintf("permissive policy blocks failed verification for %q", toolName)
			}
			return OutcomeWarn, fmt.Sprintf("permissive policy warns on failed verification for %q", toolName)
		case symbiont.StatusPending:
			if e.config.BlockPending {
				return OutcomeBlock, fmt.Sprintf("permissive policy blocks pending verification for %q", toolName)
			}
			return OutcomeAllow, "pending verification allowed under permissive policy"
		case symbiont.StatusSkipped:
			return OutcomeWarn, fmt.Sprintf("permissive policy warns on skipped verification for %q", toolName)
		}

	case PolicyDevelopment:
		switch status {
		case symbiont.StatusVerified:
			return OutcomeAllow, "schema verified"
		case symbiont.StatusFailed:
			if e.config.BlockFailed {
				return OutcomeBlock, fmt.Sprintf("development policy blocks failed verification for %q", toolName)
			}
			return OutcomeWarn, fmt.Sprintf("development policy warns on failed verification for %q", toolName)
		case symbiont.StatusPending:
			return OutcomeWarn, fmt.Sprintf("development policy warns on pending verification for %q", toolName)
		case symbiont.StatusSkipped:
			if e.config.AllowSkippedInDev {
				return OutcomeWarn, fmt.Sprintf("development policy allows skipped verification for %q (with warning)", toolName)
			}
			return OutcomeBlock, fmt.Sprintf("development policy blocks skipped verification for %q", toolName)
		}
	}

	return OutcomeBlock, fmt.Sprintf("unhandled policy/status combination: %s/%s", e.config.Policy, status)
}

// recordWarning increments the tool's warning counter and reports whether
// this invocation crosses the escalation threshold, resetting the counter
// when it does.
func (e *Enforcer) recordWarning(toolName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.warnings[toolName]++
	if e.warnings[toolName] >= e.config.MaxWarningsBeforeEscalation {
		e.warnings[toolName] = 0
		return true
	}
	return false
}

// WarningCount reports the current (unescalated) warning count for a tool.
func (e *Enforcer) WarningCount(toolName string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.warnings[toolName]
}

// VerificationTimeout reports the bound a single schema verification
// attempt must complete within before it is treated as Failed.
func (e *Enforcer) VerificationTimeout() time.Duration {
	return e.config.VerificationTimeout
}
