package queue

import (
	"testing"
	"time"

	"github.com/haasonsaas/symbiont/pkg/symbiont"
)

func taskFor(name string, prio symbiont.Priority, at time.Time) symbiont.ScheduledTask {
	return symbiont.ScheduledTask{
		ID:          symbiont.NewID(),
		Agent:       symbiont.AgentDefinition{Name: name},
		Priority:    prio,
		ScheduledAt: at,
	}
}

func TestPopOrdersByPriorityThenFIFO(t *testing.T) {
	q := New()
	base := time.Now()
	q.Push(taskFor("low", symbiont.PriorityLow, base))
	q.Push(taskFor("high-1", symbiont.PriorityHigh, base))
	q.Push(taskFor("high-2", symbiont.PriorityHigh, base.Add(time.Millisecond)))
	q.Push(taskFor("critical", symbiont.PriorityCritical, base.Add(time.Hour)))

	want := []string{"critical", "high-1", "high-2", "low"}
	for _, name := range want {
		got, ok := q.Pop()
		if !ok {
			t.Fatalf("expected a task, queue empty")
		}
		if got.Agent.Name != name {
			t.Fatalf("want %s, got %s", name, got.Agent.Name)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestRemoveByAgentID(t *testing.T) {
	q := New()
	now := time.Now()
	q.Push(taskFor("a", symbiont.PriorityNormal, now))
	q.Push(taskFor("b", symbiont.PriorityNormal, now))
	q.Push(taskFor("c", symbiont.PriorityNormal, now))

	if !q.RemoveByAgentID("b") {
		t.Fatalf("expected removal of b to succeed")
	}
	if q.RemoveByAgentID("b") {
		t.Fatalf("expected second removal to fail")
	}
	if q.Len() != 2 {
		t.Fatalf("want len 2, got %d", q.Len())
	}
	for i := 0; i < 2; i++ {
		got, ok := q.Pop()
		if !ok || got.Agent.Name == "b" {
			t.Fatalf("b should have been removed, got %+v", got)
		}
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := New()
	q.Push(taskFor("only", symbiont.PriorityNormal, time.Now()))
	if _, ok := q.Peek(); !ok {
		t.Fatalf("expected a task")
	}
	if q.Len() != 1 {
		t.Fatalf("peek must not remove, want len 1 got %d", q.Len())
	}
}

func TestQueueAtCapacityLeavesLowestPriorityQueued(t *testing.T) {
	// Models the dispatch loop's behavior: when admission can't keep up,
	// the lowest-priority newly-pushed task stays in the queue.
	q := New()
	now := time.Now()
	q.Push(taskFor("keep-high", symbiont.PriorityHigh, now))
	q.Push(taskFor("keep-low", symbiont.PriorityLow, now))

	top, _ := q.Peek()
	if top.Agent.Name != "keep-high" {
		t.Fatalf("want keep-high at head, got %s", top.Agent.Name)
	}
}
