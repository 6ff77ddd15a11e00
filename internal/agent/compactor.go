package agent

import (
	"fmt"

	"github.com/basket/steward/internal/llm"
)

// compactionPolicy bounds transcript growth. Compaction fires only when both
// thresholds are crossed: the transcript exceeds MaxEntries and more than
// MinSteps tool calls have run.
type compactionPolicy struct {
	MaxEntries int
	MinSteps   int
	KeepRecent int
}

// compact collapses a long transcript to the opening briefing plus the most
// recent entries. The window start is advanced past any leading tool-result
// messages so an assistant message and its tool responses are never split;
// providers reject a transcript where a tool message answers a call that was
// dropped.
func (p compactionPolicy) compact(messages []llm.Message, steps int) []llm.Message {
	if len(messages) <= p.MaxEntries || steps <= p.MinSteps {
		return messages
	}
	keep := p.KeepRecent
	if keep >= len(messages) {
		return messages
	}

	start := len(messages) - keep
	for start < len(messages) && messages[start].Role == llm.RoleTool {
		start++
	}
	if start <= 1 {
		return messages
	}
	elided := start - 1

	out := make([]llm.Message, 0, 2+len(messages)-start)
	out = append(out, messages[0])
	out = append(out, llm.Message{
		Role:    llm.RoleUser,
		Content: fmt.Sprintf("(%d earlier transcript entries were compacted; the briefing above and the recent activity below are intact)", elided),
	})
	out = append(out, messages[start:]...)
	return out
}
