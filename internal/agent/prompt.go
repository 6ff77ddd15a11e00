package agent

import (
	"fmt"

	"github.com/basket/steward/internal/assembler"
)

// systemPrompt is the fixed instruction for every run. It survives transcript
// compaction verbatim.
const systemPrompt = `You are a background task agent working on one task for your owner.

Work the task forward using the tools. Rules:
- Log meaningful progress with log_progress so the owner can follow the thread.
- When the work is done, call mark_task_complete with a summary. This ends the run.
- If you cannot proceed without the owner, call request_human_input with one clear question. This ends the run.
- If the work needs to continue later, call schedule_follow_up before ending.
- Never invent task state; use search_context when you need background.
- Every run must end with mark_task_complete or request_human_input unless a follow-up is scheduled.`

// buildBriefing renders the opening user message for a run. Deterministic for
// a given context, so compaction and retries see identical openings.
func buildBriefing(tc *assembler.TaskContext) string {
	return fmt.Sprintf("Here is the task and its current state.\n\n%s", tc.Digest())
}
