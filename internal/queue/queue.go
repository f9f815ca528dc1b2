// Package queue implements the scheduler's ordered task store: a max-heap
// keyed by (priority descending, scheduled-at ascending) with O(log n) push
// and peek, and a secondary index supporting remove-by-agent-id.
package queue

import (
	"container/heap"
	"sync"

	"github.com/haasonsaas/symbiont/pkg/symbiont"
)

type item struct {
	task  symbiont.ScheduledTask
	index int
}

type heapStorage []*item

func (h heapStorage) Len() int { return len(h) }

func (h heapStorage) Less(i, j int) bool {
	a, b := h[i].task, h[j].task
	if a.Priority != b.Priority {
		return a.Priority > b.Priority // higher priority first
	}
	return a.ScheduledAt.Before(b.ScheduledAt) // earlier scheduled-at first
}

func (h heapStorage) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *heapStorage) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *heapStorage) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a concurrency-safe max-heap of scheduled tasks with an agent-id
// index for removal. Pushes and removes are exclusive; pop runs under the
// same exclusive lock because removal may require rebuilding the index.
type Queue struct {
	mu      sync.Mutex
	storage heapStorage
	byAgent map[string]*item
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{byAgent: make(map[string]*item)}
}

// Push inserts a scheduled task. O(log n).
func (q *Queue) Push(task symbiont.ScheduledTask) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it := &item{task: task}
	heap.Push(&q.storage, it)
	q.byAgent[task.Agent.Name] = it
}

// Pop removes and returns the highest-priority task. The second return value
// is false if the queue is empty.
func (q *Queue) Pop() (symbiont.ScheduledTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.storage) == 0 {
		return symbiont.ScheduledTask{}, false
	}
	it := heap.Pop(&q.storage).(*item)
	delete(q.byAgent, it.task.Agent.Name)
	return it.task, true
}

// Peek returns the highest-priority task without removing it. O(log n) is
// not required for peek (it's O(1)) but the lock makes it safe under
// concurrent push/pop.
func (q *Queue) Peek() (symbiont.ScheduledTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.storage) == 0 {
		return symbiont.ScheduledTask{}, false
	}
	return q.storage[0].task, true
}

// RemoveByAgentID removes the task belonging to the named agent, if present.
// Implemented as heap.Remove on the indexed slot followed by re-establishing
// the heap invariant; bounded by queue depth, not linear search.
func (q *Queue) RemoveByAgentID(agentName string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byAgent[agentName]
	if !ok {
		return false
	}
	heap.Remove(&q.storage, it.index)
	delete(q.byAgent, agentName)
	return true
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.storage)
}
