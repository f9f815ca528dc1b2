// Package journal implements the runtime's bounded, append-only event log:
// a ring buffer with monotonic sequence numbers, intended for observability
// rather than durable audit (durable audit lives in internal/audit).
package journal

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventKind discriminates a journal entry's payload.
type EventKind string

const (
	EventStarted               EventKind = "started"
	EventReasoningComplete     EventKind = "reasoning_complete"
	EventPolicyEvaluated       EventKind = "policy_evaluated"
	EventToolsDispatched       EventKind = "tools_dispatched"
	EventObservationsCollected EventKind = "observations_collected"
	EventRecoveryTriggered     EventKind = "recovery_triggered"
	EventTerminated            EventKind = "terminated"
)

// Entry is one journal record. Only the fields relevant to Kind are populated.
type Entry struct {
	Sequence  uint64
	Time      time.Time
	AgentID   string
	Iteration int
	Kind      EventKind

	// ReasoningComplete
	PromptTokens     int
	CompletionTokens int

	// PolicyEvaluated
	Action       string
	DeniedCount  int
	AllowedCount int

	// ToolsDispatched
	ToolCount int
	Duration  time.Duration

	// ObservationsCollected
	ObservationCount int

	// RecoveryTriggered
	Strategy string
	ToolName string

	// Terminated
	Reason     string
	TotalUsage int
}

// Journal is a concurrency-safe bounded ring buffer of Entry values, keyed
// by a strictly increasing, process-lifetime sequence number.
type Journal struct {
	mu       sync.Mutex
	capacity int
	buf      []Entry
	start    int // index of oldest entry in buf
	count    int
	seq      uint64 // atomic: next sequence number to assign
}

// New returns a journal bounded to the given capacity. Capacity must be
// positive; a non-positive value is coerced to 1.
func New(capacity int) *Journal {
	if capacity <= 0 {
		capacity = 1
	}
	return &Journal{
		capacity: capacity,
		buf:      make([]Entry, capacity),
	}
}

// Append assigns the next sequence number to entry and inserts it, evicting
// the oldest entry if the journal is at capacity. O(1).
func (j *Journal) Append(entry Entry) Entry {
	entry.Sequence = atomic.AddUint64(&j.seq, 1)
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.count < j.capacity {
		j.buf[(j.start+j.count)%j.capacity] = entry
		j.count++
	} else {
		j.buf[j.start] = entry
		j.start = (j.start + 1) % j.capacity
	}
	return entry
}

// Entries returns a snapshot copy of the current contents, oldest first.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]Entry, j.count)
	for i := 0; i < j.count; i++ {
		out[i] = j.buf[(j.start+i)%j.capacity]
	}
	return out
}

// Drain returns a snapshot copy (oldest first) and empties the journal. The
// sequence counter is unaffected, so entries appended afterward continue the
// same monotonic sequence.
func (j *Journal) Drain() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]Entry, j.count)
	for i := 0; i < j.count; i++ {
		out[i] = j.buf[(j.start+i)%j.capacity]
	}
	j.start = 0
	j.count = 0
	return out
}

// Len returns the number of entries currently held.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}
