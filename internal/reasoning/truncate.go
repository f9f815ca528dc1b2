package reasoning

import "github.com/haasonsaas/symbiont/pkg/symbiont"

// approxTokens is a conservative token estimator (roughly 4 bytes/token)
// used only to decide when truncation is needed, not for billing accuracy.
func approxTokens(messages []symbiont.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)/4 + 1
		for _, tc := range m.ToolCalls {
			total += len(tc.Arguments)/4 + 1
		}
	}
	return total
}

// truncateToBudget drops older non-system messages once the conversation
// exceeds budget tokens, preserving: the leading system message (if any),
// every tool-call/tool-result pair as a unit, and the most recent turns.
// A turn is one user or assistant message together with any tool messages
// that immediately follow it.
func truncateToBudget(messages []symbiont.Message, budget int) []symbiont.Message {
	if approxTokens(messages) <= budget {
		return messages
	}

	var system []symbiont.Message
	rest := messages
	if len(messages) > 0 && messages[0].Role == symbiont.RoleSystem {
		system = messages[:1]
		rest = messages[1:]
	}

	turns := groupIntoTurns(rest)

	kept := make([]symbiont.Message, 0, len(messages))
	kept = append(kept, system...)

	// Walk turns from the most recent backward, keeping whole turns until
	// the budget (minus the system message already kept) is exhausted.
	budgetRemaining := budget - approxTokens(system)
	keepFrom := len(turns)
	runningSize := 0
	for i := len(turns) - 1; i >= 0; i-- {
		size := approxTokens(turns[i])
		if runningSize+size > budgetRemaining && keepFrom != len(turns) {
			break
		}
		runningSize += size
		keepFrom = i
	}
	for _, t := range turns[keepFrom:] {
		kept = append(kept, t...)
	}

	return kept
}

// groupIntoTurns splits messages (with any leading system message already
// removed) into turns: each user/assistant message starts a new turn, and
// any immediately following tool messages belong to it, keeping each
// tool-call/tool-result pair intact.
func groupIntoTurns(messages []symbiont.Message) [][]symbiont.Message {
	var turns [][]symbiont.Message
	for _, m := range messages {
		if m.Role == symbiont.RoleTool && len(turns) > 0 {
			turns[len(turns)-1] = append(turns[len(turns)-1], m)
			continue
		}
		turns = append(turns, []symbiont.Message{m})
	}
	return turns
}
