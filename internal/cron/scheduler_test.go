package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/symbiont/internal/breaker"
	"github.com/haasonsaas/symbiont/internal/config"
	"github.com/haasonsaas/symbiont/internal/executor"
	"github.com/haasonsaas/symbiont/internal/inference"
	"github.com/haasonsaas/symbiont/internal/journal"
	"github.com/haasonsaas/symbiont/internal/policyengine"
	"github.com/haasonsaas/symbiont/internal/policygate"
	"github.com/haasonsaas/symbiont/internal/reasoning"
	"github.com/haasonsaas/symbiont/pkg/symbiont"
)

// scriptedProvider always answers with a fixed string and terminates the
// loop after one iteration, so a cron-driven agent run completes
// deterministically in a single tick.
type scriptedProvider struct{ answer string }

func (p scriptedProvider) Complete(ctx context.Context, conv symbiont.Conversation, opts inference.Options) (inference.Response, error) {
	return inference.Response{Content: p.answer, FinishReason: inference.FinishStop}, nil
}

func factoryWithAnswer(answer string) LoopFactory {
	engine := policyengine.New(policyengine.Config{DefaultDeny: false}, nil, nil)
	gate := policygate.New(engine)
	reg := breaker.NewRegistry(breaker.DefaultConfig())
	exec := executor.New(executor.DefaultConfig(), nil, reg)
	provider := scriptedProvider{answer: answer}
	return func(ctx context.Context, job *Job) (*reasoning.Loop, error) {
		conv := symbiont.Conversation{Messages: []symbiont.Message{{Role: symbiont.RoleUser, Content: "run " + job.Name}}}
		return reasoning.New(job.ID, conv, symbiont.LoopConfig{MaxIterations: 5}, provider, gate, exec, journal.New(16)), nil
	}
}

func failingFactory(err error) LoopFactory {
	return func(ctx context.Context, job *Job) (*reasoning.Loop, error) {
		return nil, err
	}
}

func everySpec(id string, every time.Duration) JobSpec {
	return JobSpec{ID: id, Name: id, Schedule: config.CronScheduleConfig{Every: every}}
}

func TestBuildJobComputesInitialNextRun(t *testing.T) {
	s, err := NewScheduler([]JobSpec{everySpec("job-a", time.Minute)}, WithNow(func() time.Time {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	}))
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	jobs := s.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("want 1 job, got %d", len(jobs))
	}
	if jobs[0].Status != StatusActive || !jobs[0].Enabled {
		t.Fatalf("want a fresh job active and enabled, got status=%v enabled=%v", jobs[0].Status, jobs[0].Enabled)
	}
	want := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	if !jobs[0].NextRun.Equal(want) {
		t.Fatalf("want next run %v, got %v", want, jobs[0].NextRun)
	}
}

func TestNewSchedulerSkipsInvalidSpec(t *testing.T) {
	s, err := NewScheduler([]JobSpec{{ID: "", Name: "missing-id"}})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	if len(s.Jobs()) != 0 {
		t.Fatalf("want invalid spec skipped, got %d jobs", len(s.Jobs()))
	}
}

func TestRunOnceExecutesDueJobAndAdvancesNextRun(t *testing.T) {
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := NewScheduler([]JobSpec{everySpec("job-b", time.Minute)},
		WithLoopFactory(factoryWithAnswer("ok")),
		WithNow(func() time.Time { return fixedNow }),
	)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	ran := s.RunOnce(context.Background())
	if ran != 1 {
		t.Fatalf("want 1 job run, got %d", ran)
	}

	jobs := s.Jobs()
	if jobs[0].RunCount != 1 {
		t.Fatalf("want run count 1, got %d", jobs[0].RunCount)
	}
	want := fixedNow.Add(time.Minute)
	if !jobs[0].NextRun.Equal(want) {
		t.Fatalf("want next run advanced to %v, got %v", want, jobs[0].NextRun)
	}

	execs, err := s.Executions(context.Background(), "job-b", 10, 0)
	if err != nil {
		t.Fatalf("Executions() error = %v", err)
	}
	if len(execs) != 1 || execs[0].Status != ExecutionSucceeded || execs[0].Output != "ok" {
		t.Fatalf("want 1 succeeded execution with output %q, got %+v", "ok", execs)
	}
}

func TestRunOnceRecordsFailureAndIncrementsFailureCount(t *testing.T) {
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := NewScheduler([]JobSpec{everySpec("job-c", time.Minute)},
		WithLoopFactory(failingFactory(errors.New("provider unavailable"))),
		WithNow(func() time.Time { return fixedNow }),
	)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	s.RunOnce(context.Background())
	jobs := s.Jobs()
	if jobs[0].FailureCount != 1 {
		t.Fatalf("want failure count 1, got %d", jobs[0].FailureCount)
	}
	if jobs[0].LastError == "" {
		t.Fatal("want a recorded last error")
	}

	execs, _ := s.Executions(context.Background(), "job-c", 10, 0)
	if len(execs) != 1 || execs[0].Status != ExecutionFailed {
		t.Fatalf("want 1 failed execution, got %+v", execs)
	}
}

func TestOneShotJobDisablesAfterSuccess(t *testing.T) {
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	spec := everySpec("job-d", time.Minute)
	spec.OneShot = true
	s, err := NewScheduler([]JobSpec{spec},
		WithLoopFactory(factoryWithAnswer("done")),
		WithNow(func() time.Time { return fixedNow }),
	)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	s.RunOnce(context.Background())
	jobs := s.Jobs()
	if jobs[0].Status != StatusDisabled {
		t.Fatalf("want one-shot job disabled after success, got %v", jobs[0].Status)
	}
	if !jobs[0].NextRun.IsZero() {
		t.Fatal("want next run cleared for a disabled one-shot job")
	}

	// A second RunOnce must not re-run the now-disabled job.
	ran := s.RunOnce(context.Background())
	if ran != 0 {
		t.Fatalf("want 0 jobs run once disabled, got %d", ran)
	}
}

func TestTriggerNowDoesNotAdvanceNextRun(t *testing.T) {
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := NewScheduler([]JobSpec{everySpec("job-e", time.Hour)},
		WithLoopFactory(factoryWithAnswer("ok")),
		WithNow(func() time.Time { return fixedNow }),
	)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	originalNextRun := s.Jobs()[0].NextRun

	if err := s.TriggerNow(context.Background(), "job-e"); err != nil {
		t.Fatalf("TriggerNow() error = %v", err)
	}

	jobs := s.Jobs()
	if jobs[0].RunCount != 1 {
		t.Fatalf("want run count 1 after trigger, got %d", jobs[0].RunCount)
	}
	if !jobs[0].NextRun.Equal(originalNextRun) {
		t.Fatalf("want next run unchanged by a forced trigger, got %v want %v", jobs[0].NextRun, originalNextRun)
	}
}

func TestTriggerNowUnknownJob(t *testing.T) {
	s, err := NewScheduler(nil)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	if err := s.TriggerNow(context.Background(), "missing"); err == nil {
		t.Fatal("expected an error for an unknown job id")
	}
}

func TestRegisterAndUnregisterJob(t *testing.T) {
	s, err := NewScheduler(nil)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	if _, err := s.RegisterJob(everySpec("job-f", time.Minute)); err != nil {
		t.Fatalf("RegisterJob() error = %v", err)
	}
	if len(s.Jobs()) != 1 {
		t.Fatal("want 1 registered job")
	}
	if !s.UnregisterJob("job-f") {
		t.Fatal("want unregister to succeed")
	}
	if len(s.Jobs()) != 0 {
		t.Fatal("want 0 jobs after unregister")
	}
}
