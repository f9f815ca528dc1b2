// Package knowledge implements the C10 knowledge bridge: cross-run agent
// memory exposed to the reasoning loop as two intrinsic tools
// (recall_knowledge, store_knowledge) plus a context-injection and
// summary-persistence hook the loop calls directly.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/symbiont/pkg/symbiont"
)

// Fact is one subject-predicate-object assertion an agent has stored.
type Fact struct {
	Subject    string
	Predicate  string
	Object     string
	Confidence float64
	StoredAt   time.Time
}

func (f Fact) String() string {
	return fmt.Sprintf("%s %s %s (confidence %.2f)", f.Subject, f.Predicate, f.Object, f.Confidence)
}

// Store persists facts and working-memory summaries, scoped per agent.
type Store interface {
	Recall(ctx context.Context, agentID, query string) ([]Fact, error)
	StoreFact(ctx context.Context, agentID string, f Fact) error
	StoreSummary(ctx context.Context, agentID, summary string) error
	WorkingMemory(ctx context.Context, agentID string) (string, bool, error)
}

// InMemoryStore is a process-local Store, suitable for a single-instance
// deployment or tests. Recall does a case-insensitive substring match over
// subject/predicate/object; a real deployment would back this with a
// searchable index, but the bridge's contract to the reasoning loop doesn't
// depend on how recall is implemented.
type InMemoryStore struct {
	mu        sync.RWMutex
	facts     map[string][]Fact
	summaries map[string][]string
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		facts:     make(map[string][]Fact),
		summaries: make(map[string][]string),
	}
}

func (s *InMemoryStore) Recall(ctx context.Context, agentID, query string) ([]Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := strings.ToLower(strings.TrimSpace(query))
	var matches []Fact
	for _, f := range s.facts[agentID] {
		if q == "" || strings.Contains(strings.ToLower(f.Subject), q) ||
			strings.Contains(strings.ToLower(f.Predicate), q) ||
			strings.Contains(strings.ToLower(f.Object), q) {
			matches = append(matches, f)
		}
	}
	return matches, nil
}

func (s *InMemoryStore) StoreFact(ctx context.Context, agentID string, f Fact) error {
	if f.StoredAt.IsZero() {
		f.StoredAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts[agentID] = append(s.facts[agentID], f)
	return nil
}

func (s *InMemoryStore) StoreSummary(ctx context.Context, agentID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[agentID] = append(s.summaries[agentID], summary)
	return nil
}

func (s *InMemoryStore) WorkingMemory(ctx context.Context, agentID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summaries := s.summaries[agentID]
	if len(summaries) == 0 {
		return "", false, nil
	}
	return summaries[len(summaries)-1], true, nil
}

const (
	toolRecallKnowledge = "recall_knowledge"
	toolStoreKnowledge  = "store_knowledge"
)

// Bridge adapts a Store to the reasoning loop's KnowledgeBridge contract.
type Bridge struct {
	Store Store

	// AutoPersist, when true, stores a working-memory entry summarizing the
	// run on loop completion.
	AutoPersist bool
}

// New builds a Bridge over store.
func New(store Store) *Bridge {
	return &Bridge{Store: store}
}

// InjectContext returns the agent's most recent working-memory entry, if any.
func (b *Bridge) InjectContext(ctx context.Context, agentID string) (string, bool) {
	if b.Store == nil {
		return "", false
	}
	memory, ok, err := b.Store.WorkingMemory(ctx, agentID)
	if err != nil || !ok || memory == "" {
		return "", false
	}
	return memory, true
}

// IntrinsicTools describes the two tools this bridge handles directly.
func (b *Bridge) IntrinsicTools() []symbiont.ToolDefinition {
	return []symbiont.ToolDefinition{
		{
			Name:        toolRecallKnowledge,
			Description: "Recall previously stored facts relevant to a query.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"required": ["query"],
				"properties": {"query": {"type": "string"}}
			}`),
		},
		{
			Name:        toolStoreKnowledge,
			Description: "Store a fact as subject, predicate, object with a confidence score.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"required": ["subject", "predicate", "object"],
				"properties": {
					"subject": {"type": "string"},
					"predicate": {"type": "string"},
					"object": {"type": "string"},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1}
				}
			}`),
		},
	}
}

type recallArgs struct {
	Query string `json:"query"`
}

type storeArgs struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
}

// HandleIntrinsic runs recall_knowledge/store_knowledge directly, bypassing
// the executor entirely. ok is false for any other tool name.
func (b *Bridge) HandleIntrinsic(ctx context.Context, agentID string, action symbiont.ProposedAction) (symbiont.Observation, bool) {
	if action.Kind != symbiont.ActionToolCall {
		return symbiont.Observation{}, false
	}

	switch action.ToolName {
	case toolRecallKnowledge:
		var args recallArgs
		if err := json.Unmarshal(action.Arguments, &args); err != nil {
			return errObservation(action.ToolName, fmt.Errorf("invalid recall_knowledge arguments: %w", err)), true
		}
		facts, err := b.Store.Recall(ctx, agentID, args.Query)
		if err != nil {
			return errObservation(action.ToolName, err), true
		}
		if len(facts) == 0 {
			return symbiont.Observation{Source: action.ToolName, Content: "no matching facts found"}, true
		}
		lines := make([]string, len(facts))
		for i, f := range facts {
			lines[i] = f.String()
		}
		return symbiont.Observation{Source: action.ToolName, Content: strings.Join(lines, "\n")}, true

	case toolStoreKnowledge:
		var args storeArgs
		if err := json.Unmarshal(action.Arguments, &args); err != nil {
			return errObservation(action.ToolName, fmt.Errorf("invalid store_knowledge arguments: %w", err)), true
		}
		fact := Fact{Subject: args.Subject, Predicate: args.Predicate, Object: args.Object, Confidence: args.Confidence}
		if err := b.Store.StoreFact(ctx, agentID, fact); err != nil {
			return errObservation(action.ToolName, err), true
		}
		return symbiont.Observation{Source: action.ToolName, Content: "stored: " + fact.String()}, true

	default:
		return symbiont.Observation{}, false
	}
}

// PersistSummary stores a short extractive summary of the run's final
// assistant output as working memory, when AutoPersist is set.
func (b *Bridge) PersistSummary(ctx context.Context, agentID string, conv symbiont.Conversation) error {
	if !b.AutoPersist || b.Store == nil {
		return nil
	}
	summary := lastAssistantContent(conv)
	if summary == "" {
		return nil
	}
	return b.Store.StoreSummary(ctx, agentID, summary)
}

func lastAssistantContent(conv symbiont.Conversation) string {
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		m := conv.Messages[i]
		if m.Role == symbiont.RoleAssistant && m.Content != "" {
			return m.Content
		}
	}
	return ""
}

func errObservation(toolName string, err error) symbiont.Observation {
	return symbiont.Observation{Source: toolName, Content: err.Error(), IsError: true}
}
