// Package runtime wires C1-C14 into one running system (C15): it builds the
// inference providers, policy stack, tool dispatch path, and knowledge
// bridge from a loaded config.Config, constructs the reasoning-loop
// factories the scheduler and cron engine use to drive agent runs, and
// exposes Start/Shutdown lifecycle methods. There are no package-level
// singletons here; every collaborator is constructed in New and held on the
// Runtime value returned to the caller.
package runtime

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"database/sql"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/symbiont/internal/audit"
	"github.com/haasonsaas/symbiont/internal/breaker"
	"github.com/haasonsaas/symbiont/internal/config"
	"github.com/haasonsaas/symbiont/internal/cron"
	"github.com/haasonsaas/symbiont/internal/enforcer"
	"github.com/haasonsaas/symbiont/internal/executor"
	"github.com/haasonsaas/symbiont/internal/inference"
	"github.com/haasonsaas/symbiont/internal/journal"
	"github.com/haasonsaas/symbiont/internal/knowledge"
	"github.com/haasonsaas/symbiont/internal/observability"
	"github.com/haasonsaas/symbiont/internal/policyengine"
	"github.com/haasonsaas/symbiont/internal/policygate"
	"github.com/haasonsaas/symbiont/internal/reasoning"
	"github.com/haasonsaas/symbiont/internal/scheduler"
	"github.com/haasonsaas/symbiont/internal/schemaverify"
	"github.com/haasonsaas/symbiont/internal/secrets"
	"github.com/haasonsaas/symbiont/internal/store"
	"github.com/haasonsaas/symbiont/pkg/symbiont"
)

// ToolSpec is one concrete tool an embedder registers with the runtime. The
// core is provider-neutral and ships no tools of its own; Schema/Signature/
// KeyURL are only required when the deployment wants this tool's schema
// verified (an empty Schema leaves the tool's VerificationStatus at Skipped).
type ToolSpec struct {
	Definition symbiont.ToolDefinition
	Func       executor.ToolFunc
	Provider   string
	Schema     json.RawMessage
	Signature  []byte
	KeyURL     string
}

// Options carries the embedder-supplied collaborators New cannot derive from
// config alone: concrete tool implementations, agent definitions addressable
// by name (the DSL parser's output), and a key fetcher for schema
// verification's trust-on-first-use flow.
type Options struct {
	Tools       []ToolSpec
	Agents      map[string]symbiont.AgentDefinition
	KeyFetcher  schemaverify.KeyFetcher
	SecretStore secrets.Store // registered under the "env" scheme if non-nil
}

// Runtime holds every C1-C14 collaborator constructed from a config.Config,
// plus the two top-level drivers (the scheduler and the cron engine) built
// over them.
type Runtime struct {
	Config *config.Config

	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	tracerEnd func(context.Context) error

	AuditLog     *audit.Logger
	Secrets      *secrets.Resolver
	PolicyEngine *policyengine.Engine
	Enforcer     *enforcer.Enforcer
	Verifier     *schemaverify.Verifier
	Breakers     *breaker.Registry
	Gate         *policygate.Gate
	Executor     *executor.Executor
	Knowledge    *knowledge.Bridge
	Journal      *journal.Journal

	DB             *sql.DB
	ExecutionStore *store.ExecutionStore
	KeyStore       *store.KeyStore

	providers map[string]inference.Provider
	agents    map[string]symbiont.AgentDefinition

	Scheduler     *scheduler.Scheduler
	CronScheduler *cron.Scheduler
}

// New constructs every collaborator named in config.Config and wires them
// together. It opens the sqlite database referenced by cfg.Database but does
// not start the scheduler or cron tick loops; call Start for that.
func New(cfg *config.Config, opts Options) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("runtime: config is required")
	}

	rt := &Runtime{
		Config: cfg,
		agents: opts.Agents,
	}
	if rt.agents == nil {
		rt.agents = map[string]symbiont.AgentDefinition{}
	}

	rt.Logger = observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	rt.Metrics = observability.NewMetrics()

	tracingEndpoint := cfg.Observability.Tracing.Endpoint
	if !cfg.Observability.Tracing.Enabled {
		tracingEndpoint = ""
	}
	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
		Endpoint:       tracingEndpoint,
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: cfg.Observability.Tracing.ServiceVersion,
		Environment:    cfg.Observability.Tracing.Environment,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})
	rt.Tracer = tracer
	rt.tracerEnd = shutdown

	auditLog, err := audit.NewLogger(audit.Config{
		Enabled: cfg.Policy.EnableAudit,
		Level:   audit.LevelInfo,
		Format:  audit.FormatJSON,
		Output:  "stdout",
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: audit logger: %w", err)
	}
	rt.AuditLog = auditLog

	rt.Secrets = secrets.NewResolver()
	rt.Secrets.Register("vault", &secrets.EnvVaultStore{})
	if opts.SecretStore != nil {
		rt.Secrets.Register("file", opts.SecretStore)
	}

	rt.PolicyEngine = policyengine.New(policyengine.Config{
		DefaultDeny:      cfg.Policy.DefaultDeny,
		EnableCaching:    cfg.Policy.EnableCaching,
		CacheTTL:         time.Duration(cfg.Policy.CacheTTLSecs) * time.Second,
		EnableAudit:      cfg.Policy.EnableAudit,
		AuditFailureMode: policyengine.AuditFailureMode(cfg.Policy.AuditMode),
	}, rt.Secrets, rt.AuditLog)

	rt.Enforcer = enforcer.New(enforcer.Config{
		Policy:                      enforcer.Policy(cfg.Verification.EnforcementPolicy),
		BlockFailed:                 cfg.Verification.BlockFailed,
		BlockPending:                cfg.Verification.BlockPending,
		MaxWarningsBeforeEscalation: cfg.Verification.MaxWarningsBeforeEscalation,
		VerificationTimeout:         time.Duration(cfg.Verification.VerificationTimeoutSeconds) * time.Second,
	})

	db, err := store.Open(cfg.Database.CronDBPath)
	if err != nil {
		return nil, fmt.Errorf("runtime: open cron database: %w", err)
	}
	rt.DB = db

	execStore, err := store.NewExecutionStore(db)
	if err != nil {
		return nil, fmt.Errorf("runtime: execution store: %w", err)
	}
	rt.ExecutionStore = execStore

	keyDB := db
	if cfg.Database.KeyStorePath != "" && cfg.Database.KeyStorePath != cfg.Database.CronDBPath {
		keyDB, err = store.Open(cfg.Database.KeyStorePath)
		if err != nil {
			return nil, fmt.Errorf("runtime: open key store database: %w", err)
		}
	}
	keyStore, err := store.NewKeyStore(keyDB)
	if err != nil {
		return nil, fmt.Errorf("runtime: key store: %w", err)
	}
	rt.KeyStore = keyStore

	fetcher := opts.KeyFetcher
	if fetcher == nil {
		fetcher = noopKeyFetcher{}
	}
	rt.Verifier = schemaverify.NewVerifier(keyStore, fetcher)

	rt.Breakers = breaker.NewRegistry(breaker.DefaultConfig())

	rt.providers, err = buildProviders(cfg.LLM)
	if err != nil {
		return nil, err
	}

	tools, err := rt.buildTools(opts.Tools)
	if err != nil {
		return nil, err
	}

	rt.Executor = executor.New(executor.DefaultConfig(), tools, rt.Breakers)
	rt.Gate = policygate.New(rt.PolicyEngine)
	rt.Knowledge = knowledge.New(knowledge.NewInMemoryStore())
	rt.Journal = journal.New(4096)

	rt.Scheduler = scheduler.New(scheduler.Config{
		MaxConcurrentAgents: cfg.Scheduler.MaxConcurrentAgents,
		DispatchInterval:    cfg.Scheduler.DispatchInterval,
		HealthCheckInterval: cfg.Scheduler.HealthCheckInterval,
	}, scheduler.NewLoadBalancer(symbiont.ResourceRequirements{
		MaxMemoryMB: int64(cfg.Scheduler.Capacity.MaxMemoryMB),
		MaxCPUCores: float64(cfg.Scheduler.Capacity.MaxCPUCores),
		DiskSpaceMB: int64(cfg.Scheduler.Capacity.DiskSpaceMB),
		NetworkMbps: int64(cfg.Scheduler.Capacity.NetworkMbps),
	}, rt.PolicyEngine), rt.schedulerLoopFactory, rt.Journal)

	cronScheduler, err := rt.buildCronScheduler()
	if err != nil {
		return nil, err
	}
	rt.CronScheduler = cronScheduler

	return rt, nil
}

type noopKeyFetcher struct{}

func (noopKeyFetcher) FetchPublicKey(provider, keyURL string) ([]byte, error) {
	return nil, fmt.Errorf("runtime: no key fetcher configured, cannot fetch key for %q from %q", provider, keyURL)
}

func buildProviders(cfg config.LLMConfig) (map[string]inference.Provider, error) {
	providers := make(map[string]inference.Provider, len(cfg.Providers))
	for name, p := range cfg.Providers {
		switch strings.ToLower(name) {
		case "anthropic":
			providers[name] = inference.NewAnthropicProvider(p.APIKey, inference.AnthropicConfig{
				DefaultModel: p.DefaultModel,
				MaxTokens:    p.MaxTokens,
				Temperature:  float64(p.Temperature),
			})
		case "openai":
			providers[name] = inference.NewOpenAIProvider(p.APIKey, inference.OpenAIConfig{
				DefaultModel: p.DefaultModel,
				MaxTokens:    p.MaxTokens,
				Temperature:  float64(p.Temperature),
			})
		default:
			return nil, fmt.Errorf("runtime: unknown llm provider %q", name)
		}
	}
	if _, ok := providers[cfg.DefaultProvider]; cfg.DefaultProvider != "" && !ok {
		return nil, fmt.Errorf("runtime: default provider %q has no provider entry", cfg.DefaultProvider)
	}
	return providers, nil
}

// buildTools verifies each tool's schema (when one is supplied) and wraps
// its implementation so every call is gated by the enforcer's decision for
// the tool's current verification status.
func (rt *Runtime) buildTools(specs []ToolSpec) (map[string]executor.ToolFunc, error) {
	tools := make(map[string]executor.ToolFunc, len(specs))
	for _, spec := range specs {
		status := rt.verifyTool(spec)
		tools[spec.Definition.Name] = rt.enforceTool(spec, status)
	}
	return tools, nil
}

func (rt *Runtime) verifyTool(spec ToolSpec) symbiont.VerificationStatus {
	if len(spec.Schema) == 0 {
		return symbiont.StatusSkipped
	}

	ctx, cancel := context.WithTimeout(context.Background(), rt.Enforcer.VerificationTimeout())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- rt.Verifier.Verify(spec.Provider, spec.Definition.Name, spec.Schema, spec.Signature, spec.KeyURL)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			rt.Logger.Warn(context.Background(), "schema verification failed",
				"tool", spec.Definition.Name, "provider", spec.Provider, "error", err.Error())
			return symbiont.StatusFailed
		}
		return symbiont.StatusVerified
	case <-ctx.Done():
		rt.Logger.Warn(context.Background(), "schema verification timed out",
			"tool", spec.Definition.Name, "provider", spec.Provider, "timeout", rt.Enforcer.VerificationTimeout().String())
		return symbiont.StatusFailed
	}
}

func (rt *Runtime) enforceTool(spec ToolSpec, status symbiont.VerificationStatus) executor.ToolFunc {
	fn := spec.Func
	name := spec.Definition.Name
	return func(ctx context.Context, args []byte) (string, error) {
		decision := rt.Enforcer.Decide(status, enforcer.InvocationContext{
			ToolName:  name,
			Arguments: args,
			Timestamp: time.Now(),
		})
		switch decision.Outcome {
		case enforcer.OutcomeBlock:
			return "", fmt.Errorf("tool %q blocked: %s", name, decision.Reason)
		case enforcer.OutcomeWarn:
			rt.Logger.Warn(ctx, "tool invocation allowed with warnings", "tool", name, "reason", decision.Reason)
		}
		return fn(ctx, args)
	}
}

// schedulerLoopFactory builds the reasoning loop for one scheduler-admitted
// agent run.
func (rt *Runtime) schedulerLoopFactory(ctx context.Context, task symbiont.ScheduledTask) (*reasoning.Loop, error) {
	return rt.buildLoop(task.ID, task.Agent, symbiont.Conversation{
		Messages: []symbiont.Message{{Role: symbiont.RoleSystem, Content: task.Agent.DSLSource}},
	})
}

// buildLoop is the shared wiring between the scheduler and cron loop
// factories: resolve the agent's provider, carry over its declared resource
// limits as loop caps, and assemble the Loop over this Runtime's shared
// collaborators.
func (rt *Runtime) buildLoop(agentID string, agent symbiont.AgentDefinition, conversation symbiont.Conversation) (*reasoning.Loop, error) {
	provider, ok := rt.providers[rt.Config.LLM.DefaultProvider]
	if !ok {
		return nil, fmt.Errorf("runtime: no provider configured for %q", rt.Config.LLM.DefaultProvider)
	}

	loopConfig := symbiont.LoopConfig{
		MaxIterations:      20,
		WallClockTimeout:   agent.Limits.WallClockCap,
		MaxConcurrentTools: 5,
	}

	loop := reasoning.New(agentID, conversation, loopConfig, provider, rt.Gate, rt.Executor, rt.Journal)
	loop.Knowledge = rt.Knowledge
	return loop, nil
}

// buildCronScheduler constructs C12's tick loop from cfg.Cron.Jobs,
// resolving each job's agent definition through opts.Agents and translating
// its YAML delivery configuration into internal/cron's runtime shape.
func (rt *Runtime) buildCronScheduler() (*cron.Scheduler, error) {
	specs := make([]cron.JobSpec, 0, len(rt.Config.Cron.Jobs))
	for _, job := range rt.Config.Cron.Jobs {
		agent, ok := rt.agents[job.AgentName]
		if !ok {
			rt.Logger.Warn(context.Background(), "cron job references unknown agent, skipping", "job", job.Name, "agent", job.AgentName)
			continue
		}
		specs = append(specs, cron.JobSpec{
			ID:   job.ID,
			Name: job.Name,
			Schedule: config.CronScheduleConfig{
				Cron:     job.Schedule.Cron,
				Every:    job.Schedule.Every,
				At:       job.Schedule.At,
				Timezone: job.Schedule.Timezone,
			},
			Agent:     agent,
			PolicyIDs: job.PolicyIDs,
			OneShot:   job.OneShot,
			Delivery:  translateDelivery(job.Delivery),
		})
	}

	router := cron.NewRouter()
	return cron.NewScheduler(specs,
		cron.WithLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "cron")),
		cron.WithLoopFactory(rt.cronLoopFactory),
		cron.WithRouter(router),
		cron.WithExecutionStore(rt.ExecutionStore),
		cron.WithTickInterval(rt.Config.Cron.TickInterval),
	)
}

// cronLoopFactory builds the reasoning loop for one cron-triggered run.
func (rt *Runtime) cronLoopFactory(ctx context.Context, job *cron.Job) (*reasoning.Loop, error) {
	return rt.buildLoop(job.ID, job.Agent, symbiont.Conversation{
		Messages: []symbiont.Message{{Role: symbiont.RoleSystem, Content: job.Agent.DSLSource}},
	})
}

func translateDelivery(cfg config.CronDeliveryConfig) cron.DeliveryConfig {
	out := cron.DeliveryConfig{FailFast: cfg.FailFast}
	for _, ch := range cfg.Channels {
		out.Channels = append(out.Channels, cron.Channel{
			Kind:            cron.ChannelKind(ch.Kind),
			Path:            ch.Path,
			URL:             ch.URL,
			Method:          ch.Method,
			Headers:         ch.Headers,
			RetryCount:      ch.RetryCount,
			Timeout:         ch.Timeout,
			SlackWebhookURL: ch.URL,
			SlackChannel:    ch.Channel,
			SMTPHost:        ch.SMTPHost,
			SMTPPort:        ch.SMTPPort,
			To:              splitCSV(ch.To),
			From:            ch.From,
			SubjectTemplate: ch.Subject,
			AdapterName:     ch.AdapterName,
			ChannelID:       ch.ChannelID,
			ThreadID:        ch.ThreadID,
			HandlerName:     ch.HandlerName,
			Config:          ch.HandlerArgs,
		})
	}
	return out
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Start begins the scheduler's dispatch/health loops and the cron engine's
// tick loop. It returns once either stops (normally only on ctx
// cancellation or a fatal error).
func (rt *Runtime) Start(ctx context.Context) error {
	if rt.Config.Cron.Enabled {
		if err := rt.CronScheduler.Start(ctx); err != nil {
			return fmt.Errorf("runtime: start cron scheduler: %w", err)
		}
	}
	return rt.Scheduler.Run(ctx)
}

// Shutdown releases every collaborator holding a resource: the cron tick
// loop, the tracer's exporter connection, the audit logger's buffered
// writer, and the sqlite connections. Safe to call once after Start returns.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	var errs []error
	if rt.Config.Cron.Enabled {
		if err := rt.CronScheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop cron scheduler: %w", err))
		}
	}
	if rt.tracerEnd != nil {
		if err := rt.tracerEnd(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	if rt.AuditLog != nil {
		if err := rt.AuditLog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit log: %w", err))
		}
	}
	if rt.DB != nil {
		if err := rt.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("runtime: shutdown errors: %s", strings.Join(msgs, "; "))
}

// GenerateSigningKey creates a fresh ECDSA P-256 key pair, PEM-encoding both
// halves, for use with the "schema sign" CLI command.
func GenerateSigningKey() (privPEM, pubPEM []byte, err error) {
	priv, err := ecdsaGenerateKey()
	if err != nil {
		return nil, nil, err
	}
	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	privPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes})
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	return privPEM, pubPEM, nil
}

func ecdsaGenerateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}
