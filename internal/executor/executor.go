// Package executor dispatches proposed tool calls concurrently, respecting
// per-tool circuit breakers and a bounded worker pool, and turns failures
// into one of six declarative recovery strategies instead of a bare error.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/haasonsaas/symbiont/internal/breaker"
	"github.com/haasonsaas/symbiont/internal/retry"
	"github.com/haasonsaas/symbiont/pkg/symbiont"
)

// ToolFunc is a concrete tool implementation registered by the embedder. The
// core runtime is provider-neutral and schema-described; it does not ship
// any concrete tools itself.
type ToolFunc func(ctx context.Context, args []byte) (string, error)

// LLMRecoveryFunc asks the model for an alternative approach after a tool
// failure. It returns replacement arguments to retry the same tool with.
type LLMRecoveryFunc func(ctx context.Context, toolName string, args []byte, failure error) ([]byte, error)

// EscalationSink receives escalated failures for out-of-band handling
// (paging, a human review queue, and so on).
type EscalationSink interface {
	Escalate(queue string, toolName string, args []byte, failure error, snapshot *symbiont.LoopState)
}

// Config tunes the executor's concurrency and per-call timeout.
type Config struct {
	MaxConcurrentTools     int
	ToolTimeout            time.Duration
	LLMRecoveryMinInterval time.Duration // default 30s; §9 OQ3
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTools:     5,
		ToolTimeout:            30 * time.Second,
		LLMRecoveryMinInterval: 30 * time.Second,
	}
}

type cachedResult struct {
	content string
	at      time.Time
}

// Executor dispatches symbiont.ProposedAction values of kind ActionToolCall,
// applying circuit breakers and recovery strategies, and produces
// symbiont.Observation values to feed back into the reasoning loop.
type Executor struct {
	config Config

	tools      map[string]ToolFunc
	breakers   *breaker.Registry
	sem        *semaphore.Weighted
	escalator  EscalationSink
	llmRecover LLMRecoveryFunc

	mu              sync.Mutex
	defaultRecovery symbiont.RecoveryStrategy
	perTool         map[string]symbiont.RecoveryStrategy
	cache           map[string]cachedResult
	llmRecoveryLast map[string]time.Time
}

// New builds an Executor over a fixed set of tool implementations and a
// shared circuit breaker registry.
func New(config Config, tools map[string]ToolFunc, breakers *breaker.Registry) *Executor {
	if config.MaxConcurrentTools <= 0 {
		config.MaxConcurrentTools = DefaultConfig().MaxConcurrentTools
	}
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = DefaultConfig().ToolTimeout
	}
	if config.LLMRecoveryMinInterval <= 0 {
		config.LLMRecoveryMinInterval = DefaultConfig().LLMRecoveryMinInterval
	}
	return &Executor{
		config:          config,
		tools:           tools,
		breakers:        breakers,
		sem:             semaphore.NewWeighted(int64(config.MaxConcurrentTools)),
		perTool:         make(map[string]symbiont.RecoveryStrategy),
		cache:           make(map[string]cachedResult),
		llmRecoveryLast: make(map[string]time.Time),
		defaultRecovery: symbiont.RecoveryStrategy{Kind: symbiont.RecoveryRetry, MaxAttempts: 2, BaseDelay: 200 * time.Millisecond},
	}
}

// SetDefaultRecovery overrides the strategy used for tools with no specific
// override.
func (e *Executor) SetDefaultRecovery(s symbiont.RecoveryStrategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaultRecovery = s
}

// SetToolRecovery registers a per-tool recovery strategy.
func (e *Executor) SetToolRecovery(toolName string, s symbiont.RecoveryStrategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.perTool[toolName] = s
}

// SetEscalationSink installs the handler for Escalate-strategy failures.
func (e *Executor) SetEscalationSink(sink EscalationSink) {
	e.escalator = sink
}

// SetLLMRecoveryHandler installs the handler for LlmRecovery-strategy
// failures. Until set, LlmRecovery behaves as DeadLetter.
func (e *Executor) SetLLMRecoveryHandler(fn LLMRecoveryFunc) {
	e.llmRecover = fn
}

func (e *Executor) recoveryFor(toolName string) symbiont.RecoveryStrategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.perTool[toolName]; ok {
		return s
	}
	return e.defaultRecovery
}

// Dispatch runs every ActionToolCall in actions concurrently (bounded by
// MaxConcurrentTools) and returns one Observation per action, in the same
// order. Non-ToolCall actions are skipped; the reasoning loop handles those
// directly and never hands them to the executor.
func (e *Executor) Dispatch(ctx context.Context, state symbiont.LoopState, actions []symbiont.ProposedAction) []symbiont.Observation {
	observations := make([]symbiont.Observation, len(actions))
	var wg sync.WaitGroup

	for i, action := range actions {
		if action.Kind != symbiont.ActionToolCall {
			continue
		}
		wg.Add(1)
		go func(idx int, a symbiont.ProposedAction) {
			defer wg.Done()
			if err := e.sem.Acquire(ctx, 1); err != nil {
				observations[idx] = errorObservation(a.ToolName, fmt.Errorf("dispatch not admitted: %w", err))
				return
			}
			defer e.sem.Release(1)
			observations[idx] = e.dispatchOne(ctx, state, a)
		}(i, action)
	}

	wg.Wait()
	return observations
}

func (e *Executor) dispatchOne(ctx context.Context, state symbiont.LoopState, action symbiont.ProposedAction) symbiont.Observation {
	if err := e.breakers.Check(action.ToolName); err != nil {
		e.breakers.RecordFailure(action.ToolName)
		return errorObservation(action.ToolName, fmt.Errorf("circuit breaker open for %q: %w", action.ToolName, err))
	}

	result, err := e.invoke(ctx, action.ToolName, action.Arguments)
	if err == nil {
		e.breakers.RecordSuccess(action.ToolName)
		e.cacheSuccess(action.ToolName, result)
		return symbiont.Observation{Source: action.ToolName, Content: result}
	}

	e.breakers.RecordFailure(action.ToolName)
	return e.recover(ctx, state, action, err)
}

func (e *Executor) invoke(ctx context.Context, toolName string, args []byte) (string, error) {
	fn, ok := e.tools[toolName]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", toolName)
	}
	callCtx, cancel := context.WithTimeout(ctx, e.config.ToolTimeout)
	defer cancel()
	return fn(callCtx, args)
}

// recover applies the tool's configured recovery strategy to a failed
// invocation. Kind dictates entirely different control flow per spec §4.7.
func (e *Executor) recover(ctx context.Context, state symbiont.LoopState, action symbiont.ProposedAction, failure error) symbiont.Observation {
	strategy := e.recoveryFor(action.ToolName)

	switch strategy.Kind {
	case symbiont.RecoveryRetry:
		return e.recoverRetry(ctx, action, strategy, failure)

	case symbiont.RecoveryFallback:
		return e.recoverFallback(ctx, action, strategy, failure)

	case symbiont.RecoveryCachedResult:
		if cached, ok := e.cachedFor(action.ToolName, strategy.MaxStaleness); ok {
			return symbiont.Observation{
				Source:   action.ToolName,
				Content:  cached,
				Metadata: map[string]any{"stale": true},
			}
		}
		return errorObservation(action.ToolName, fmt.Errorf("no cached result within staleness bound: %w", failure))

	case symbiont.RecoveryLLM:
		return e.recoverLLM(ctx, action, failure)

	case symbiont.RecoveryEscalate:
		if e.escalator != nil {
			var snapshot *symbiont.LoopState
			if strategy.SnapshotContext {
				snapshot = &state
			}
			e.escalator.Escalate(strategy.EscalationQueue, action.ToolName, action.Arguments, failure, snapshot)
		}
		return symbiont.Observation{
			Source:  action.ToolName,
			Content: fmt.Sprintf("tool %q failed and was escalated to %q: %v", action.ToolName, strategy.EscalationQueue, failure),
			IsError: true,
		}

	case symbiont.RecoveryDeadLetter:
		fallthrough
	default:
		return errorObservation(action.ToolName, failure)
	}
}

func (e *Executor) recoverRetry(ctx context.Context, action symbiont.ProposedAction, strategy symbiont.RecoveryStrategy, failure error) symbiont.Observation {
	maxAttempts := strategy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	delay := strategy.BaseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	cfg := retry.Exponential(maxAttempts, delay, delay*time.Duration(uint(1)<<uint(maxAttempts)))
	cfg.Jitter = false

	result, res := retry.DoWithValue(ctx, cfg, func() (string, error) {
		out, err := e.invoke(ctx, action.ToolName, action.Arguments)
		if err != nil {
			e.breakers.RecordFailure(action.ToolName)
			return "", err
		}
		e.breakers.RecordSuccess(action.ToolName)
		e.cacheSuccess(action.ToolName, out)
		return out, nil
	})
	if res.Err != nil {
		lastErr := res.Err
		if lastErr == nil {
			lastErr = failure
		}
		return errorObservation(action.ToolName, fmt.Errorf("exhausted %d retries: %w", maxAttempts, lastErr))
	}
	return symbiont.Observation{Source: action.ToolName, Content: result, Metadata: map[string]any{"retries": res.Attempts}}
}

func (e *Executor) recoverFallback(ctx context.Context, action symbiont.ProposedAction, strategy symbiont.RecoveryStrategy, failure error) symbiont.Observation {
	lastErr := failure
	for _, fallback := range strategy.FallbackTools {
		if err := e.breakers.Check(fallback); err != nil {
			lastErr = err
			continue
		}
		result, err := e.invoke(ctx, fallback, action.Arguments)
		if err == nil {
			e.breakers.RecordSuccess(fallback)
			e.cacheSuccess(fallback, result)
			return symbiont.Observation{
				Source:   fallback,
				Content:  result,
				Metadata: map[string]any{"fallback_for": action.ToolName},
			}
		}
		e.breakers.RecordFailure(fallback)
		lastErr = err
	}
	return errorObservation(action.ToolName, fmt.Errorf("all fallbacks exhausted: %w", lastErr))
}

func (e *Executor) recoverLLM(ctx context.Context, action symbiont.ProposedAction, failure error) symbiont.Observation {
	if e.llmRecover == nil {
		return errorObservation(action.ToolName, fmt.Errorf("llm recovery not configured: %w", failure))
	}
	if !e.allowLLMRecovery(action.ToolName) {
		return errorObservation(action.ToolName, fmt.Errorf("llm recovery rate-limited: %w", failure))
	}

	newArgs, err := e.llmRecover(ctx, action.ToolName, action.Arguments, failure)
	if err != nil {
		return errorObservation(action.ToolName, fmt.Errorf("llm recovery proposal failed: %w", err))
	}

	result, err := e.invoke(ctx, action.ToolName, newArgs)
	if err != nil {
		e.breakers.RecordFailure(action.ToolName)
		return errorObservation(action.ToolName, fmt.Errorf("llm-recovered attempt failed: %w", err))
	}
	e.breakers.RecordSuccess(action.ToolName)
	e.cacheSuccess(action.ToolName, result)
	return symbiont.Observation{Source: action.ToolName, Content: result, Metadata: map[string]any{"llm_recovered": true}}
}

// allowLLMRecovery is a one-token-per-interval limiter: at most one
// LlmRecovery attempt per tool per LLMRecoveryMinInterval.
func (e *Executor) allowLLMRecovery(toolName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.llmRecoveryLast[toolName]
	if ok && time.Since(last) < e.config.LLMRecoveryMinInterval {
		return false
	}
	e.llmRecoveryLast[toolName] = time.Now()
	return true
}

func (e *Executor) cacheSuccess(toolName, result string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache[toolName] = cachedResult{content: result, at: time.Now()}
}

func (e *Executor) cachedFor(toolName string, maxStaleness time.Duration) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cache[toolName]
	if !ok {
		return "", false
	}
	if maxStaleness > 0 && time.Since(c.at) > maxStaleness {
		return "", false
	}
	return c.content, true
}

func errorObservation(toolName string, err error) symbiont.Observation {
	return symbiont.Observation{
		Source:  toolName,
		Content: err.Error(),
		IsError: true,
	}
}
