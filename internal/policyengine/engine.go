// Package policyengine implements the runtime's policy decision point: rule
// evaluation for resource access and resource allocation requests, with
// optional caching, audit logging, and hot reload.
package policyengine

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/symbiont/internal/audit"
	"github.com/haasonsaas/symbiont/internal/secrets"
	"github.com/haasonsaas/symbiont/pkg/symbiont"
)

// ResourceType names the kind of resource a rule or request concerns.
type ResourceType string

const (
	ResourceFile     ResourceType = "file"
	ResourceNetwork  ResourceType = "network"
	ResourceDatabase ResourceType = "database"
	ResourceCommand  ResourceType = "command"
	ResourceCustom   ResourceType = "custom"
)

// AccessType names the operation a resource-access request performs.
type AccessType string

const (
	AccessRead    AccessType = "read"
	AccessWrite   AccessType = "write"
	AccessExecute AccessType = "execute"
	AccessConnect AccessType = "connect"
)

// AccessContext carries the requesting agent's metadata and environment.
type AccessContext struct {
	AgentMetadata        map[string]string
	SecurityTier         symbiont.SecurityTier
	RecentAccessHistory  []string
	CurrentResourceUsage map[string]float64
	Environment          map[string]string
	Source               string
}

// AccessRequest is a resource-access decision request.
type AccessRequest struct {
	AgentID      string
	ResourceType ResourceType
	ResourceID   string
	AccessType   AccessType
	Context      AccessContext
}

// AllocationRequest is a resource-allocation decision request.
type AllocationRequest struct {
	AgentID       string
	Requirements  symbiont.ResourceRequirements
	Priority      symbiont.Priority
	Justification string
	MaxDuration   time.Duration
}

// Rule is one entry in the policy engine's rule set. Rules are grouped by
// (ResourceType, AccessType); within a group, higher Priority wins, and
// among equal priorities the first matching rule (in load order) wins.
// ResourceID is matched against ResourcePattern as a filepath.Match-style
// glob ("*" and "?" wildcards); an empty pattern matches any resource id.
type Rule struct {
	ID              string
	ResourceType    ResourceType
	AccessType      AccessType
	ResourcePattern string
	Priority        int
	Effect          symbiont.AccessResult
	Conditions      []string
	// SecretParams names rule parameters whose values are references
	// (vault://, file://) resolved through the secret store at evaluation
	// time. Never cached as part of the rule or the decision.
	SecretParams map[string]string
}

// InvalidRuleError is returned by LoadPolicies/ReloadPolicies when a rule
// fails validation; reported at load time, per spec.
type InvalidRuleError struct {
	RuleID string
	Reason string
}

func (e *InvalidRuleError) Error() string {
	return fmt.Sprintf("policyengine: invalid rule %q: %s", e.RuleID, e.Reason)
}

// AuditFailureMode controls behavior when audit logging fails.
type AuditFailureMode string

const (
	AuditStrict     AuditFailureMode = "strict"
	AuditPermissive AuditFailureMode = "permissive"
)

// Config configures an Engine.
type Config struct {
	DefaultDeny      bool
	EnableCaching    bool
	CacheTTL         time.Duration
	EnableAudit      bool
	AuditFailureMode AuditFailureMode
}

// DefaultConfig returns the engine's default-deny, cached, audited configuration.
func DefaultConfig() Config {
	return Config{
		DefaultDeny:      true,
		EnableCaching:    true,
		CacheTTL:         30 * time.Second,
		EnableAudit:      true,
		AuditFailureMode: AuditPermissive,
	}
}

// cachedDecision is the subset of symbiont.PolicyDecision safe to cache:
// resolved secret values are never part of it.
type cachedDecision struct {
	Decision symbiont.AccessResult
	Reason   string
	RuleID   string
}

// Engine evaluates access and allocation requests against a loaded rule set.
type Engine struct {
	mu    sync.RWMutex
	rules []Rule

	cache    *decisionCache
	config   Config
	secrets  *secrets.Resolver
	auditLog *audit.Logger
}

// New constructs an Engine. secretResolver and auditLog may be nil.
func New(config Config, secretResolver *secrets.Resolver, auditLog *audit.Logger) *Engine {
	e := &Engine{
		config:   config,
		secrets:  secretResolver,
		auditLog: auditLog,
	}
	if config.EnableCaching {
		e.cache = newDecisionCache(config.CacheTTL)
	}
	return e
}

// LoadPolicies validates and installs a rule set, replacing any existing
// rules. Safe to call concurrently with in-flight evaluations: readers see
// either the old or new rule set in full, never a partial swap.
func (e *Engine) LoadPolicies(rules []Rule) error {
	validated := make([]Rule, len(rules))
	for i, r := range rules {
		if err := validateRule(r); err != nil {
			return err
		}
		validated[i] = r
	}
	sort.SliceStable(validated, func(i, j int) bool {
		return validated[i].Priority > validated[j].Priority
	})

	e.mu.Lock()
	e.rules = validated
	e.mu.Unlock()

	if e.cache != nil {
		e.cache.invalidateAll()
	}
	return nil
}

// ReloadPolicies is an alias for LoadPolicies: both are idempotent
// replace-the-rule-set operations.
func (e *Engine) ReloadPolicies(rules []Rule) error {
	return e.LoadPolicies(rules)
}

func validateRule(r Rule) error {
	if r.ID == "" {
		return &InvalidRuleError{RuleID: r.ID, Reason: "rule id must not be empty"}
	}
	switch r.Effect {
	case symbiont.AccessAllow, symbiont.AccessDeny, symbiont.AccessConditional, symbiont.AccessEscalate:
	default:
		return &InvalidRuleError{RuleID: r.ID, Reason: fmt.Sprintf("unknown effect %q", r.Effect)}
	}
	if r.ResourcePattern != "" {
		if _, err := filepath.Match(r.ResourcePattern, "probe"); err != nil {
			return &InvalidRuleError{RuleID: r.ID, Reason: fmt.Sprintf("invalid resource pattern: %v", err)}
		}
	}
	return nil
}

// EvaluateAccess decides a resource-access request.
func (e *Engine) EvaluateAccess(ctx context.Context, req AccessRequest) symbiont.PolicyDecision {
	fp := accessFingerprint(req)

	if e.cache != nil {
		if cd, ok := e.cache.get(fp); ok {
			return e.finalize(ctx, req.AgentID, symbiont.PolicyDecision{
				Decision: cd.Decision, Reason: cd.Reason, RuleID: cd.RuleID,
			}, nil)
		}
	}

	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	decision, matchErr := e.evaluateAgainst(rules, req)

	if e.cache != nil && matchErr == nil {
		e.cache.set(fp, cachedDecision{Decision: decision.Decision, Reason: decision.Reason, RuleID: decision.RuleID})
	}
	return e.finalize(ctx, req.AgentID, decision, matchErr)
}

func (e *Engine) evaluateAgainst(rules []Rule, req AccessRequest) (symbiont.PolicyDecision, error) {
	for _, r := range rules {
		if r.ResourceType != req.ResourceType || r.AccessType != req.AccessType {
			continue
		}
		if !matchResource(r.ResourcePattern, req.ResourceID) {
			continue
		}

		if len(r.SecretParams) > 0 {
			if _, err := e.resolveSecretParams(r); err != nil {
				return symbiont.PolicyDecision{
					Decision: symbiont.AccessDeny,
					Reason:   fmt.Sprintf("secret resolution failed for rule %s: %v", r.ID, err),
					RuleID:   r.ID,
				}, err
			}
		}

		return symbiont.PolicyDecision{
			Decision:   r.Effect,
			Reason:     fmt.Sprintf("matched rule %s", r.ID),
			RuleID:     r.ID,
			Conditions: append([]string(nil), r.Conditions...),
		}, nil
	}

	if e.config.DefaultDeny {
		return symbiont.PolicyDecision{Decision: symbiont.AccessDeny, Reason: "default deny: no matching rule"}, nil
	}
	return symbiont.PolicyDecision{Decision: symbiont.AccessAllow, Reason: "default allow: no matching rule"}, nil
}

func (e *Engine) resolveSecretParams(r Rule) (map[string]string, error) {
	if e.secrets == nil {
		return nil, fmt.Errorf("no secret resolver configured")
	}
	resolved := make(map[string]string, len(r.SecretParams))
	for name, ref := range r.SecretParams {
		val, err := e.secrets.Resolve(ref)
		if err != nil {
			return nil, err
		}
		resolved[name] = val
	}
	return resolved, nil
}

// EvaluateAllocation decides a resource-allocation request. Allocation rules
// reuse the same rule set under ResourceType "custom" with AccessType
// "execute", keyed by a synthetic resource id so deployments can express
// allocation limits the same way as access rules.
func (e *Engine) EvaluateAllocation(ctx context.Context, req AllocationRequest) symbiont.PolicyDecision {
	accessReq := AccessRequest{
		AgentID:      req.AgentID,
		ResourceType: ResourceCustom,
		ResourceID:   "allocation",
		AccessType:   AccessExecute,
		Context: AccessContext{
			CurrentResourceUsage: map[string]float64{
				"memory_mb": float64(req.Requirements.MaxMemoryMB),
				"cpu_cores": req.Requirements.MaxCPUCores,
			},
		},
	}
	return e.EvaluateAccess(ctx, accessReq)
}

func (e *Engine) finalize(ctx context.Context, agentID string, decision symbiont.PolicyDecision, evalErr error) symbiont.PolicyDecision {
	if evalErr != nil && decision.Decision == "" {
		decision = symbiont.PolicyDecision{Decision: symbiont.AccessDeny, Reason: evalErr.Error()}
	}

	if e.config.EnableAudit && e.auditLog != nil {
		granted := decision.Decision == symbiont.AccessAllow
		e.auditLog.LogPermissionDecision(ctx, granted, "resource_access", decision.RuleID, string(decision.Decision), decision.Reason, "")
	}
	return decision
}

func matchResource(pattern, resourceID string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := filepath.Match(pattern, resourceID)
	if err != nil {
		return false
	}
	if ok {
		return true
	}
	// Allow prefix-style globs for hierarchical resources ("/etc/*" matching
	// "/etc/passwd" as well as deeper paths filepath.Match alone would miss).
	if strings.HasSuffix(pattern, "/*") {
		return strings.HasPrefix(resourceID, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

func accessFingerprint(req AccessRequest) string {
	var b strings.Builder
	b.WriteString(req.AgentID)
	b.WriteByte('|')
	b.WriteString(string(req.ResourceType))
	b.WriteByte('|')
	b.WriteString(req.ResourceID)
	b.WriteByte('|')
	b.WriteString(string(req.AccessType))
	b.WriteByte('|')
	b.WriteString(fmt.Sprintf("tier=%d", req.Context.SecurityTier))
	return b.String()
}

// CacheStats reports hit/miss/size counters, or zero values if caching is disabled.
func (e *Engine) CacheStats() (hits, misses uint64, size int) {
	if e.cache == nil {
		return 0, 0, 0
	}
	return e.cache.stats()
}
