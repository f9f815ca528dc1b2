// Package scheduler implements the runtime's top-level orchestrator (C11):
// admission of new agent tasks, a fixed-cadence dispatch loop that pops the
// highest-priority task from the queue and admits it once a load balancer
// clears its declared resource requirements, and a health loop that
// terminates agents reporting unhealthy.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/symbiont/internal/journal"
	"github.com/haasonsaas/symbiont/internal/queue"
	"github.com/haasonsaas/symbiont/internal/reasoning"
	"github.com/haasonsaas/symbiont/pkg/symbiont"
)

// Config controls the scheduler's capacity and cadences.
type Config struct {
	// MaxConcurrentAgents caps the running set's size.
	MaxConcurrentAgents int
	// DispatchInterval is how often the dispatch loop pops from the queue.
	DispatchInterval time.Duration
	// HealthCheckInterval is how often the health loop polls running agents.
	HealthCheckInterval time.Duration
}

// DefaultConfig returns sane defaults: 10 concurrent agents, a 100ms dispatch
// cadence, and a 5s health-check cadence.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentAgents: 10,
		DispatchInterval:    100 * time.Millisecond,
		HealthCheckInterval: 5 * time.Second,
	}
}

// LoopFactory builds the reasoning loop that will execute a scheduled task.
// Scheduler owns admission and lifecycle; the factory owns wiring a task's
// provider, tools, policy gate, and knowledge bridge.
type LoopFactory func(ctx context.Context, task symbiont.ScheduledTask) (*reasoning.Loop, error)

// HealthChecker reports whether a running agent is still healthy. Scheduler
// treats a nil checker as "never unhealthy" — the health loop then only
// reaps agents that have already finished on their own.
type HealthChecker interface {
	Healthy(agentID string) bool
}

type runningAgent struct {
	task   symbiont.ScheduledTask
	cancel context.CancelFunc
	done   chan struct{}
	result symbiont.LoopResult
}

// Scheduler holds the priority queue of pending tasks, the set of currently
// running agents, and a load balancer gating admission by declared resource
// requirements.
type Scheduler struct {
	config   Config
	queue    *queue.Queue
	balancer *LoadBalancer
	factory  LoopFactory
	journal  *journal.Journal
	health   HealthChecker

	mu          sync.Mutex
	running     map[string]*runningAgent
	queuedTasks map[string]symbiont.ScheduledTask
}

// New constructs a Scheduler. balancer may be nil, in which case every task
// is admitted as soon as the running-set has capacity. jrnl may be nil.
func New(config Config, balancer *LoadBalancer, factory LoopFactory, jrnl *journal.Journal) *Scheduler {
	def := DefaultConfig()
	if config.MaxConcurrentAgents <= 0 {
		config.MaxConcurrentAgents = def.MaxConcurrentAgents
	}
	if config.DispatchInterval <= 0 {
		config.DispatchInterval = def.DispatchInterval
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = def.HealthCheckInterval
	}
	return &Scheduler{
		config:      config,
		queue:       queue.New(),
		balancer:    balancer,
		factory:     factory,
		journal:     jrnl,
		running:     make(map[string]*runningAgent),
		queuedTasks: make(map[string]symbiont.ScheduledTask),
	}
}

// SetHealthChecker installs the collaborator the health loop polls.
func (s *Scheduler) SetHealthChecker(h HealthChecker) {
	s.health = h
}

// ScheduleAgent admits a new agent definition: assigns it an id if it
// doesn't already have one, builds a scheduled task, and pushes it onto the
// priority queue. Returns the agent id.
func (s *Scheduler) ScheduleAgent(agent symbiont.AgentDefinition, requirements symbiont.ResourceRequirements) string {
	if agent.Name == "" {
		agent.Name = symbiont.NewID()
	}
	task := symbiont.ScheduledTask{
		ID:           agent.Name,
		Agent:        agent,
		Priority:     agent.Priority,
		ScheduledAt:  time.Now(),
		Requirements: requirements,
	}

	s.mu.Lock()
	s.queuedTasks[task.ID] = task
	s.mu.Unlock()
	s.queue.Push(task)

	s.journalEvent(journal.Entry{AgentID: task.ID, Kind: journal.EventStarted, Action: "scheduled"})
	return task.ID
}

// RescheduleAgent adjusts an agent's priority in place, whether it's still
// queued or already running. Returns false if no task with that id is known.
func (s *Scheduler) RescheduleAgent(id string, priority symbiont.Priority) bool {
	s.mu.Lock()
	if ra, ok := s.running[id]; ok {
		ra.task.Priority = priority
		s.mu.Unlock()
		return true
	}
	task, queued := s.queuedTasks[id]
	s.mu.Unlock()
	if !queued {
		return false
	}

	if !s.queue.RemoveByAgentID(id) {
		return false
	}
	task.Priority = priority
	s.mu.Lock()
	s.queuedTasks[id] = task
	s.mu.Unlock()
	s.queue.Push(task)
	return true
}

// TerminateAgent removes the task from whichever set holds it. A queued task
// is simply dropped; a running task's context is cancelled and its resources
// are released back to the load balancer.
func (s *Scheduler) TerminateAgent(id string) bool {
	if s.queue.RemoveByAgentID(id) {
		s.mu.Lock()
		delete(s.queuedTasks, id)
		s.mu.Unlock()
		return true
	}

	s.mu.Lock()
	ra, ok := s.running[id]
	if ok {
		delete(s.running, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	ra.cancel()
	if s.balancer != nil {
		s.balancer.Release(ra.task)
	}
	return true
}

// RunningCount returns the number of agents currently in the running set.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// QueueLen returns the number of tasks waiting for admission.
func (s *Scheduler) QueueLen() int {
	return s.queue.Len()
}

// Run drives the dispatch loop and health loop concurrently until ctx is
// cancelled, at which point it returns ctx's error.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.dispatchLoop(ctx) })
	g.Go(func() error { return s.healthLoop(ctx) })
	return g.Wait()
}

func (s *Scheduler) dispatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.config.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.dispatchOnce(ctx)
		}
	}
}

// dispatchOnce implements one tick of the dispatch loop described in
// SPEC_FULL.md §4.11: if the running set has room, pop the highest-priority
// task, try to allocate its declared resources, and either admit it or push
// it back for the next tick.
func (s *Scheduler) dispatchOnce(ctx context.Context) {
	if s.RunningCount() >= s.config.MaxConcurrentAgents {
		return
	}

	task, ok := s.queue.Pop()
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.queuedTasks, task.ID)
	s.mu.Unlock()

	if s.balancer != nil && !s.balancer.TryAllocate(ctx, task) {
		s.mu.Lock()
		s.queuedTasks[task.ID] = task
		s.mu.Unlock()
		s.queue.Push(task)
		return
	}

	s.startTask(ctx, task)
}

func (s *Scheduler) startTask(parent context.Context, task symbiont.ScheduledTask) {
	taskCtx, cancel := context.WithCancel(parent)
	ra := &runningAgent{task: task, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.running[task.ID] = ra
	s.mu.Unlock()

	go func() {
		defer close(ra.done)
		defer cancel()

		if s.factory == nil {
			ra.result = symbiont.LoopResult{AgentID: task.ID, Reason: symbiont.TerminationError}
		} else if loop, err := s.factory(taskCtx, task); err != nil {
			ra.result = symbiont.LoopResult{AgentID: task.ID, Reason: symbiont.TerminationError, Err: err}
		} else {
			ra.result = loop.Run(taskCtx)
		}

		s.journalEvent(journal.Entry{
			AgentID:    task.ID,
			Kind:       journal.EventTerminated,
			Reason:     string(ra.result.Reason),
			TotalUsage: ra.result.Usage.Total(),
		})

		s.mu.Lock()
		delete(s.running, task.ID)
		s.mu.Unlock()
		if s.balancer != nil {
			s.balancer.Release(task)
		}
	}()
}

func (s *Scheduler) healthLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.checkHealth()
		}
	}
}

func (s *Scheduler) checkHealth() {
	if s.health == nil {
		return
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id, ra := range s.running {
		select {
		case <-ra.done:
			continue // already finishing on its own; startTask's goroutine will reap it
		default:
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		if s.health.Healthy(id) {
			continue
		}
		s.TerminateAgent(id)
	}
}

func (s *Scheduler) journalEvent(entry journal.Entry) {
	if s.journal == nil {
		return
	}
	s.journal.Append(entry)
}
