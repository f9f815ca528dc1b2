package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/symbiont/internal/breaker"
	"github.com/haasonsaas/symbiont/internal/executor"
	"github.com/haasonsaas/symbiont/internal/inference"
	"github.com/haasonsaas/symbiont/internal/journal"
	"github.com/haasonsaas/symbiont/internal/policyengine"
	"github.com/haasonsaas/symbiont/internal/policygate"
	"github.com/haasonsaas/symbiont/internal/reasoning"
	"github.com/haasonsaas/symbiont/pkg/symbiont"
)

// instantProvider always responds with a plain-text answer, so a loop built
// on it terminates after exactly one iteration.
type instantProvider struct{ calls atomic.Int64 }

func (p *instantProvider) Complete(ctx context.Context, conv symbiont.Conversation, opts inference.Options) (inference.Response, error) {
	p.calls.Add(1)
	return inference.Response{Content: "done", FinishReason: inference.FinishStop}, nil
}

func allowAllFactory() LoopFactory {
	engine := policyengine.New(policyengine.Config{DefaultDeny: false}, nil, nil)
	gate := policygate.New(engine)
	reg := breaker.NewRegistry(breaker.DefaultConfig())
	exec := executor.New(executor.DefaultConfig(), nil, reg)
	provider := &instantProvider{}
	return func(ctx context.Context, task symbiont.ScheduledTask) (*reasoning.Loop, error) {
		conv := symbiont.Conversation{Messages: []symbiont.Message{{Role: symbiont.RoleUser, Content: "go"}}}
		return reasoning.New(task.ID, conv, symbiont.LoopConfig{MaxIterations: 5}, provider, gate, exec, journal.New(16)), nil
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestScheduleAgentAssignsIDAndQueues(t *testing.T) {
	s := New(Config{}, nil, allowAllFactory(), nil)
	id := s.ScheduleAgent(symbiont.AgentDefinition{}, symbiont.ResourceRequirements{})
	if id == "" {
		t.Fatal("expected a non-empty agent id")
	}
	if s.QueueLen() != 1 {
		t.Fatalf("want 1 queued task, got %d", s.QueueLen())
	}
}

func TestDispatchLoopAdmitsAndRunsTask(t *testing.T) {
	s := New(Config{DispatchInterval: 5 * time.Millisecond, HealthCheckInterval: time.Hour, MaxConcurrentAgents: 2}, nil, allowAllFactory(), journal.New(64))
	s.ScheduleAgent(symbiont.AgentDefinition{Name: "agent-a"}, symbiont.ResourceRequirements{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitUntil(t, time.Second, func() bool {
		return s.QueueLen() == 0 && s.RunningCount() == 0
	})
}

func TestTerminateAgentRemovesQueuedTask(t *testing.T) {
	s := New(Config{}, nil, allowAllFactory(), nil)
	id := s.ScheduleAgent(symbiont.AgentDefinition{Name: "agent-b"}, symbiont.ResourceRequirements{})
	if !s.TerminateAgent(id) {
		t.Fatal("expected termination of a queued task to succeed")
	}
	if s.QueueLen() != 0 {
		t.Fatalf("want empty queue after termination, got %d", s.QueueLen())
	}
	if s.TerminateAgent(id) {
		t.Fatal("expected second termination to report not-found")
	}
}

func TestRescheduleAgentUpdatesQueuedPriority(t *testing.T) {
	s := New(Config{}, nil, allowAllFactory(), nil)
	id := s.ScheduleAgent(symbiont.AgentDefinition{Name: "agent-c", Priority: symbiont.PriorityLow}, symbiont.ResourceRequirements{})
	if !s.RescheduleAgent(id, symbiont.PriorityCritical) {
		t.Fatal("expected reschedule of a queued task to succeed")
	}

	task, ok := s.queue.Pop()
	if !ok {
		t.Fatal("expected a task to be queued")
	}
	if task.Priority != symbiont.PriorityCritical {
		t.Fatalf("want updated priority, got %v", task.Priority)
	}
}

func TestDispatchRespectsMaxConcurrentAgents(t *testing.T) {
	s := New(Config{DispatchInterval: time.Millisecond, HealthCheckInterval: time.Hour, MaxConcurrentAgents: 0}, nil, allowAllFactory(), nil)
	s.config.MaxConcurrentAgents = 1 // force a tight cap after construction coerces zero to the default

	s.ScheduleAgent(symbiont.AgentDefinition{Name: "agent-d"}, symbiont.ResourceRequirements{})
	s.ScheduleAgent(symbiont.AgentDefinition{Name: "agent-e"}, symbiont.ResourceRequirements{})

	s.dispatchOnce(context.Background())
	if s.RunningCount() != 1 {
		t.Fatalf("want exactly 1 running agent, got %d", s.RunningCount())
	}
	s.dispatchOnce(context.Background())
	if s.RunningCount() != 1 {
		t.Fatalf("want cap to hold at 1 running agent, got %d", s.RunningCount())
	}
	if s.QueueLen() != 1 {
		t.Fatalf("want the second task to remain queued, got %d", s.QueueLen())
	}
}

func TestLoadBalancerDeniesOverCapacity(t *testing.T) {
	lb := NewLoadBalancer(symbiont.ResourceRequirements{MaxMemoryMB: 100}, nil)
	task := symbiont.ScheduledTask{Requirements: symbiont.ResourceRequirements{MaxMemoryMB: 60}}

	if !lb.TryAllocate(context.Background(), task) {
		t.Fatal("expected first allocation to succeed")
	}
	if lb.TryAllocate(context.Background(), task) {
		t.Fatal("expected second allocation to exceed capacity and fail")
	}
	lb.Release(task)
	if !lb.TryAllocate(context.Background(), task) {
		t.Fatal("expected allocation to succeed again after release")
	}
}

type alwaysUnhealthy struct{}

func (alwaysUnhealthy) Healthy(agentID string) bool { return false }

func TestHealthLoopTerminatesUnhealthyAgent(t *testing.T) {
	blocking := func(ctx context.Context, task symbiont.ScheduledTask) (*reasoning.Loop, error) {
		engine := policyengine.New(policyengine.Config{DefaultDeny: false}, nil, nil)
		gate := policygate.New(engine)
		reg := breaker.NewRegistry(breaker.DefaultConfig())
		exec := executor.New(executor.DefaultConfig(), nil, reg)
		conv := symbiont.Conversation{Messages: []symbiont.Message{{Role: symbiont.RoleUser, Content: "go"}}}
		return reasoning.New(task.ID, conv, symbiont.LoopConfig{MaxIterations: 1000, WallClockTimeout: time.Hour}, &blockingProvider{}, gate, exec, journal.New(16)), nil
	}

	s := New(Config{DispatchInterval: 2 * time.Millisecond, HealthCheckInterval: 5 * time.Millisecond, MaxConcurrentAgents: 5}, nil, blocking, nil)
	s.SetHealthChecker(alwaysUnhealthy{})
	s.ScheduleAgent(symbiont.AgentDefinition{Name: "agent-f"}, symbiont.ResourceRequirements{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitUntil(t, time.Second, func() bool {
		return s.RunningCount() == 0
	})
}

type blockingProvider struct{}

func (blockingProvider) Complete(ctx context.Context, conv symbiont.Conversation, opts inference.Options) (inference.Response, error) {
	<-ctx.Done()
	return inference.Response{}, ctx.Err()
}
