package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/symbiont/internal/config"
	"github.com/haasonsaas/symbiont/internal/reasoning"
	"github.com/haasonsaas/symbiont/pkg/symbiont"
)

// LoopFactory builds the reasoning loop that drives one cron-triggered agent
// run. The scheduler owns job bookkeeping, delivery, and rescheduling; the
// factory owns wiring the job's agent definition to a provider, tools, and
// policy gate.
type LoopFactory func(ctx context.Context, job *Job) (*reasoning.Loop, error)

// Scheduler runs cron jobs: a tick loop finds jobs whose NextRun has
// arrived, drives each through a reasoning loop, records a run record, and
// routes the run's output through a delivery Router.
type Scheduler struct {
	jobs           []*Job
	logger         *slog.Logger
	loopFactory    LoopFactory
	router         *Router
	executionStore ExecutionStore
	now            func() time.Time
	tickInterval   time.Duration

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithLogger configures the scheduler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLoopFactory configures how cron-triggered agent runs are built.
func WithLoopFactory(factory LoopFactory) Option {
	return func(s *Scheduler) {
		if factory != nil {
			s.loopFactory = factory
		}
	}
}

// WithRouter configures the delivery router used after each run.
func WithRouter(router *Router) Option {
	return func(s *Scheduler) {
		if router != nil {
			s.router = router
		}
	}
}

// WithExecutionStore configures the run-record history store.
func WithExecutionStore(store ExecutionStore) Option {
	return func(s *Scheduler) {
		if store != nil {
			s.executionStore = store
		}
	}
}

// WithNow overrides the scheduler's clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the scheduler's tick cadence.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// NewScheduler builds a Scheduler and its initial job set from specs. A spec
// that fails to build (bad schedule, missing id) is logged and skipped
// rather than failing the whole scheduler.
func NewScheduler(specs []JobSpec, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		logger:         slog.Default().With("component", "cron"),
		router:         NewRouter(),
		executionStore: NewMemoryExecutionStore(),
		now:            time.Now,
		tickInterval:   time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	now := s.now()
	for _, spec := range specs {
		job, err := s.buildJob(spec, now)
		if err != nil {
			s.logger.Warn("cron job skipped", "id", spec.ID, "error", err)
			continue
		}
		s.jobs = append(s.jobs, job)
	}
	return s, nil
}

func (s *Scheduler) buildJob(spec JobSpec, now time.Time) (*Job, error) {
	if strings.TrimSpace(spec.ID) == "" {
		return nil, fmt.Errorf("job id required")
	}
	schedule, err := NewSchedule(spec.Schedule)
	if err != nil {
		return nil, err
	}
	next, ok, err := schedule.Next(now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no next run scheduled")
	}
	return &Job{
		ID:        spec.ID,
		Name:      spec.Name,
		Schedule:  schedule,
		Timezone:  strings.TrimSpace(spec.Schedule.Timezone),
		Agent:     spec.Agent,
		PolicyIDs: spec.PolicyIDs,
		Status:    StatusActive,
		Enabled:   true,
		OneShot:   spec.OneShot,
		Delivery:  spec.Delivery,
		NextRun:   next,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Start begins the tick loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the tick loop to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs every due job immediately, returning how many ran. Primarily
// for tests and manual administration.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	return s.runDue(ctx)
}

// Jobs returns a deep-copied snapshot of configured jobs.
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if job == nil {
			continue
		}
		copyJob := *job
		if job.PolicyIDs != nil {
			copyJob.PolicyIDs = append([]string(nil), job.PolicyIDs...)
		}
		if job.Delivery.Channels != nil {
			copyJob.Delivery.Channels = append([]Channel(nil), job.Delivery.Channels...)
		}
		out = append(out, &copyJob)
	}
	return out
}

// RegisterJob adds or replaces a job at runtime.
func (s *Scheduler) RegisterJob(spec JobSpec) (*Job, error) {
	job, err := s.buildJob(spec, s.now())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.jobs {
		if existing != nil && existing.ID == job.ID {
			s.jobs[i] = job
			return job, nil
		}
	}
	s.jobs = append(s.jobs, job)
	return job, nil
}

// UnregisterJob removes a job by id.
func (s *Scheduler) UnregisterJob(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, job := range s.jobs {
		if job != nil && job.ID == id {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return true
		}
	}
	return false
}

// Executions returns run-record history for a job.
func (s *Scheduler) Executions(ctx context.Context, jobID string, limit, offset int) ([]*JobExecution, error) {
	if s.executionStore == nil {
		return nil, nil
	}
	return s.executionStore.List(ctx, jobID, limit, offset)
}

// PruneExecutions discards run records older than olderThan.
func (s *Scheduler) PruneExecutions(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s.executionStore == nil {
		return 0, nil
	}
	return s.executionStore.Prune(ctx, olderThan)
}

// TriggerNow force-runs a job immediately, outside the tick loop. Per the
// runtime's force-trigger semantics, a forced run does not advance the
// job's regularly scheduled NextRun.
func (s *Scheduler) TriggerNow(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("job id required")
	}
	var target *Job
	s.mu.Lock()
	for _, job := range s.jobs {
		if job != nil && job.ID == id {
			target = job
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return fmt.Errorf("job not found")
	}
	return s.executeAndRecord(ctx, target, s.now(), false)
}

func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()
	count := 0
	s.mu.Lock()
	jobs := make([]*Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	for _, job := range jobs {
		if job == nil {
			continue
		}
		s.mu.Lock()
		due := job.Status == StatusActive && job.Enabled && !job.NextRun.IsZero() && !now.Before(job.NextRun)
		s.mu.Unlock()
		if !due {
			continue
		}

		if err := s.executeAndRecord(ctx, job, now, true); err != nil {
			s.logger.Warn("cron job failed", "id", job.ID, "error", err)
		}
		count++
	}
	return count
}

// executeAndRecord drives one run of job: starts a run record, executes the
// job's agent, finishes the run record, routes the output through delivery,
// and (if advanceNextRun) recomputes NextRun and disables one-shot jobs
// that succeeded. next_run recomputation happens after the run is recorded,
// so a crash between the two may re-run a job on restart.
func (s *Scheduler) executeAndRecord(ctx context.Context, job *Job, now time.Time, advanceNextRun bool) error {
	s.mu.Lock()
	job.LastRun = now
	schedule := job.Schedule
	s.mu.Unlock()

	exec := s.startExecution(ctx, job, now)
	output, runErr := s.executeAgentJob(ctx, job)
	s.finishExecution(ctx, exec, output, runErr, now)

	if s.router != nil {
		payload := jsonPayload(map[string]any{
			"job_id":  job.ID,
			"job":     job.Name,
			"output":  output,
			"error":   errString(runErr),
			"success": runErr == nil,
		})
		s.router.Deliver(ctx, payload, job.Delivery)
	}

	s.mu.Lock()
	if runErr != nil {
		job.FailureCount++
		job.LastError = runErr.Error()
	} else {
		job.RunCount++
		job.LastError = ""
	}
	if advanceNextRun {
		next, ok, nextErr := schedule.Next(now)
		switch {
		case nextErr != nil:
			job.Status = StatusError
			job.LastError = nextErr.Error()
			job.NextRun = time.Time{}
		case ok:
			job.NextRun = next
		default:
			job.NextRun = time.Time{}
		}
		if job.OneShot && runErr == nil {
			job.Status = StatusDisabled
			job.NextRun = time.Time{}
		}
	}
	job.UpdatedAt = now
	s.mu.Unlock()

	return runErr
}

func (s *Scheduler) executeAgentJob(ctx context.Context, job *Job) (string, error) {
	if s.loopFactory == nil {
		return "", errors.New("loop factory not configured")
	}
	loop, err := s.loopFactory(ctx, job)
	if err != nil {
		return "", err
	}
	result := loop.Run(ctx)
	if result.Err != nil {
		return result.Output, result.Err
	}
	if result.Reason != symbiont.TerminationCompleted {
		return result.Output, fmt.Errorf("agent run ended with reason %s", result.Reason)
	}
	return result.Output, nil
}

func (s *Scheduler) startExecution(ctx context.Context, job *Job, startedAt time.Time) *JobExecution {
	if s.executionStore == nil {
		return nil
	}
	exec := &JobExecution{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		Status:    ExecutionRunning,
		StartedAt: startedAt,
	}
	if err := s.executionStore.Create(ctx, exec); err != nil {
		s.logger.Warn("cron execution create failed", "job_id", job.ID, "error", err)
	}
	return exec
}

func (s *Scheduler) finishExecution(ctx context.Context, exec *JobExecution, output string, err error, finishedAt time.Time) {
	if exec == nil || s.executionStore == nil {
		return
	}
	exec.CompletedAt = finishedAt
	exec.Duration = finishedAt.Sub(exec.StartedAt)
	exec.Output = output
	if err != nil {
		exec.Status = ExecutionFailed
		exec.Error = err.Error()
	} else {
		exec.Status = ExecutionSucceeded
		exec.Error = ""
	}
	if updateErr := s.executionStore.Update(ctx, exec); updateErr != nil {
		s.logger.Warn("cron execution update failed", "job_id", exec.JobID, "error", updateErr)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// buildScheduleConfig adapts the reusable config.CronScheduleConfig parser
// to a caller that only has raw cron fields, e.g. a CLI flag set.
func buildScheduleConfig(cronExpr, every, at, timezone string) (config.CronScheduleConfig, error) {
	cfg := config.CronScheduleConfig{Cron: cronExpr, At: at, Timezone: timezone}
	if every != "" {
		d, err := time.ParseDuration(every)
		if err != nil {
			return config.CronScheduleConfig{}, fmt.Errorf("invalid every duration: %w", err)
		}
		cfg.Every = d
	}
	return cfg, nil
}
