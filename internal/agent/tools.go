package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/steward/internal/llm"
	"github.com/basket/steward/internal/notify"
	"github.com/basket/steward/internal/schedule"
	"github.com/basket/steward/internal/search"
	"github.com/basket/steward/internal/store"
)

// Terminal marks a tool result that ends the run.
type Terminal string

const (
	TerminalNone       Terminal = ""
	TerminalCompleted  Terminal = "completed"
	TerminalNeedsInput Terminal = "needs_input"
)

// Result is what a tool reports back into the transcript. Success false is a
// structured failure the model sees and can correct; it never aborts the run.
type Result struct {
	Success  bool     `json:"success"`
	Message  string   `json:"message"`
	Terminal Terminal `json:"-"`
}

// Env carries the collaborators tool handlers act on.
type Env struct {
	Store    *store.Store
	Searcher search.Searcher
	Notifier notify.Sink
	OwnerID  string
	AgentID  string

	// DefaultTimezone is applied to follow-up schedules that omit one.
	DefaultTimezone string

	Now    func() time.Time
	Logger *slog.Logger
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Env) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

type handlerFunc func(ctx context.Context, env *Env, taskID string, args json.RawMessage) (Result, error)

type tool struct {
	spec    llm.ToolSpec
	schema  *jsonschema.Schema
	handler handlerFunc
}

// Registry is the tool catalog the runner dispatches against. Arguments are
// validated against each tool's compiled schema before the handler runs.
type Registry struct {
	tools map[string]*tool
	order []string
}

// NewRegistry compiles the tool catalog.
func NewRegistry() (*Registry, error) {
	r := &Registry{tools: make(map[string]*tool)}
	for _, def := range toolDefs {
		compiled, err := compileSchema(def.parameters)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", def.name, err)
		}
		r.tools[def.name] = &tool{
			spec: llm.ToolSpec{
				Name:        def.name,
				Description: def.description,
				Parameters:  json.RawMessage(def.parameters),
			},
			schema:  compiled,
			handler: def.handler,
		}
		r.order = append(r.order, def.name)
	}
	return r, nil
}

func compileSchema(schemaJSON string) (*jsonschema.Schema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("schema.json")
}

// Specs returns the catalog in registration order for the model request.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].spec)
	}
	return specs
}

// Dispatch validates and executes one tool call. A returned error means the
// run cannot continue (a persistence failure); everything the model can
// recover from comes back as a Result with Success false.
func (r *Registry) Dispatch(ctx context.Context, env *Env, taskID string, call llm.ToolCall) (Result, error) {
	t, ok := r.tools[call.Name]
	if !ok {
		return Result{Success: false, Message: fmt.Sprintf("unknown tool %q", call.Name)}, nil
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(args)))
	if err != nil {
		return Result{Success: false, Message: fmt.Sprintf("arguments are not valid JSON: %v", err)}, nil
	}
	if err := t.schema.Validate(parsed); err != nil {
		return Result{Success: false, Message: fmt.Sprintf("invalid arguments: %v", err)}, nil
	}
	return t.handler(ctx, env, taskID, args)
}

var toolDefs = []struct {
	name        string
	description string
	parameters  string
	handler     handlerFunc
}{
	{
		name:        "log_progress",
		description: "Append a progress note to the task thread so the owner can follow along.",
		parameters: `{
			"type": "object",
			"properties": {
				"message": {"type": "string", "minLength": 1, "description": "What was done or learned."},
				"comment_type": {"type": "string", "enum": ["progress", "note", "question"]}
			},
			"required": ["message"],
			"additionalProperties": false
		}`,
		handler: handleLogProgress,
	},
	{
		name:        "mark_task_complete",
		description: "Finish the task. Call this exactly once, when the work is done. Ends the run.",
		parameters: `{
			"type": "object",
			"properties": {
				"summary": {"type": "string", "minLength": 1, "description": "What was accomplished."}
			},
			"required": ["summary"],
			"additionalProperties": false
		}`,
		handler: handleMarkTaskComplete,
	},
	{
		name:        "request_human_input",
		description: "Ask the owner a question the task cannot proceed without. Ends the run; the task waits for a reply.",
		parameters: `{
			"type": "object",
			"properties": {
				"question": {"type": "string", "minLength": 1, "description": "The question for the owner."},
				"context": {"type": "string", "description": "Background that helps the owner answer."}
			},
			"required": ["question"],
			"additionalProperties": false
		}`,
		handler: handleRequestHumanInput,
	},
	{
		name:        "schedule_follow_up",
		description: "Schedule a future check on this task, either once at a timestamp or on a cron cadence.",
		parameters: `{
			"type": "object",
			"properties": {
				"run_at": {"type": "string", "description": "RFC 3339 timestamp for a one-shot follow-up."},
				"cron": {"type": "string", "description": "5-field cron expression for a recurring follow-up."},
				"timezone": {"type": "string", "description": "IANA timezone for cron evaluation."},
				"note": {"type": "string", "description": "What the follow-up should do."}
			},
			"additionalProperties": false
		}`,
		handler: handleScheduleFollowUp,
	},
	{
		name:        "create_subtask",
		description: "Create a new task under the same project, blocked by this one. Set blocks_parent when this task also cannot finish before the new one.",
		parameters: `{
			"type": "object",
			"properties": {
				"title": {"type": "string", "minLength": 1},
				"description": {"type": "string"},
				"priority": {"type": "string", "enum": ["high", "medium", "low"]},
				"assign_to_agent": {"type": "boolean", "description": "Assign the subtask to the agent (default) or back to the owner."},
				"blocks_parent": {"type": "boolean"}
			},
			"required": ["title"],
			"additionalProperties": false
		}`,
		handler: handleCreateSubtask,
	},
	{
		name:        "update_status",
		description: "Move the task between todo, in_progress, and waiting_on. Completion goes through mark_task_complete instead.",
		parameters: `{
			"type": "object",
			"properties": {
				"status": {"type": "string", "enum": ["todo", "in_progress", "waiting_on"]},
				"reason": {"type": "string"}
			},
			"required": ["status"],
			"additionalProperties": false
		}`,
		handler: handleUpdateStatus,
	},
	{
		name:        "search_context",
		description: "Search the owner's tasks, notes, and project history for related context.",
		parameters: `{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"limit": {"type": "integer", "minimum": 1, "maximum": 20}
			},
			"required": ["query"],
			"additionalProperties": false
		}`,
		handler: handleSearchContext,
	},
}

func handleLogProgress(ctx context.Context, env *Env, taskID string, args json.RawMessage) (Result, error) {
	var p struct {
		Message     string `json:"message"`
		CommentType string `json:"comment_type"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return Result{}, fmt.Errorf("decode log_progress args: %w", err)
	}
	commentType := store.CommentProgress
	switch p.CommentType {
	case "note":
		commentType = store.CommentNote
	case "question":
		commentType = store.CommentQuestion
	}
	if _, err := env.Store.AddComment(ctx, store.Comment{
		TaskID:     taskID,
		AuthorType: store.ActorAgent,
		AuthorID:   env.AgentID,
		Type:       commentType,
		Content:    p.Message,
	}); err != nil {
		return Result{}, err
	}
	return Result{Success: true, Message: "progress logged"}, nil
}

func handleMarkTaskComplete(ctx context.Context, env *Env, taskID string, args json.RawMessage) (Result, error) {
	var p struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return Result{}, fmt.Errorf("decode mark_task_complete args: %w", err)
	}

	changed, err := env.Store.CompleteTask(ctx, taskID, env.now())
	if err != nil {
		return Result{}, err
	}
	if !changed {
		// Already done; the run still ends.
		return Result{Success: true, Message: "task was already done", Terminal: TerminalCompleted}, nil
	}
	if _, err := env.Store.AddComment(ctx, store.Comment{
		TaskID:     taskID,
		AuthorType: store.ActorAgent,
		AuthorID:   env.AgentID,
		Type:       store.CommentResolution,
		Content:    p.Summary,
	}); err != nil {
		return Result{}, err
	}
	env.bestEffortNotify(ctx, notify.Notification{
		OwnerID: env.OwnerID,
		Kind:    notify.KindCompleted,
		Title:   "Task completed",
		Body:    p.Summary,
		TaskID:  taskID,
	})
	return Result{Success: true, Message: "task completed", Terminal: TerminalCompleted}, nil
}

func handleRequestHumanInput(ctx context.Context, env *Env, taskID string, args json.RawMessage) (Result, error) {
	var p struct {
		Question string `json:"question"`
		Context  string `json:"context"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return Result{}, fmt.Errorf("decode request_human_input args: %w", err)
	}

	changed, err := env.Store.MarkNeedsInput(ctx, taskID, env.now())
	if err != nil {
		return Result{}, err
	}
	if !changed {
		return Result{Success: true, Message: "task is already closed", Terminal: TerminalCompleted}, nil
	}
	content := p.Question
	if p.Context != "" {
		content += "\n\nContext: " + p.Context
	}
	if _, err := env.Store.AddComment(ctx, store.Comment{
		TaskID:     taskID,
		AuthorType: store.ActorAgent,
		AuthorID:   env.AgentID,
		Type:       store.CommentQuestion,
		Content:    content,
	}); err != nil {
		return Result{}, err
	}
	env.bestEffortNotify(ctx, notify.Notification{
		OwnerID: env.OwnerID,
		Kind:    notify.KindNeedsInput,
		Title:   "Task needs your input",
		Body:    p.Question,
		TaskID:  taskID,
	})
	return Result{Success: true, Message: "owner asked for input", Terminal: TerminalNeedsInput}, nil
}

func handleScheduleFollowUp(ctx context.Context, env *Env, taskID string, args json.RawMessage) (Result, error) {
	var p struct {
		RunAt    string `json:"run_at"`
		Cron     string `json:"cron"`
		Timezone string `json:"timezone"`
		Note     string `json:"note"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return Result{}, fmt.Errorf("decode schedule_follow_up args: %w", err)
	}
	if (p.RunAt == "") == (p.Cron == "") {
		return Result{Success: false, Message: "provide exactly one of run_at or cron"}, nil
	}
	tz := p.Timezone
	if tz == "" {
		tz = env.DefaultTimezone
	}
	if tz == "" {
		tz = "UTC"
	}
	now := env.now()

	task, err := env.Store.GetTask(ctx, taskID)
	if err != nil {
		return Result{}, err
	}

	job := &store.Job{
		OwnerID:       task.OwnerID,
		JobType:       store.JobFollowUp,
		ActionType:    store.ActionAgentTask,
		ActionPayload: p.Note,
		TaskID:        taskID,
		ProjectID:     task.ProjectID,
		Timezone:      tz,
	}

	if p.RunAt != "" {
		runAt, err := time.Parse(time.RFC3339, p.RunAt)
		if err != nil {
			return Result{Success: false, Message: fmt.Sprintf("run_at is not RFC 3339: %v", err)}, nil
		}
		if err := schedule.ValidateOnce(runAt, now); err != nil {
			return Result{Success: false, Message: err.Error()}, nil
		}
		job.ScheduleType = store.ScheduleOnce
		job.RunAt = &runAt
		job.NextRunAt = &runAt
	} else {
		next, err := schedule.NextRun(p.Cron, tz, now)
		if err != nil {
			var invalid *schedule.InvalidScheduleError
			if errors.As(err, &invalid) {
				return Result{Success: false, Message: invalid.Error()}, nil
			}
			return Result{}, err
		}
		job.ScheduleType = store.ScheduleCron
		job.JobType = store.JobRecurring
		job.CronExpression = p.Cron
		job.NextRunAt = &next
	}

	jobID, err := env.Store.CreateJob(ctx, job)
	if err != nil {
		return Result{}, err
	}
	note := p.Note
	if note == "" {
		note = "check back on this task"
	}
	if _, err := env.Store.AddComment(ctx, store.Comment{
		TaskID:     taskID,
		AuthorType: store.ActorAgent,
		AuthorID:   env.AgentID,
		Type:       store.CommentNote,
		Content:    fmt.Sprintf("follow-up scheduled for %s: %s", job.NextRunAt.UTC().Format(time.RFC3339), note),
	}); err != nil {
		return Result{}, err
	}
	env.log().Info("follow-up scheduled", "task_id", taskID, "job_id", jobID, "next_run_at", job.NextRunAt.UTC())
	return Result{Success: true, Message: fmt.Sprintf("follow-up %s scheduled for %s", jobID, job.NextRunAt.UTC().Format(time.RFC3339))}, nil
}

func handleCreateSubtask(ctx context.Context, env *Env, taskID string, args json.RawMessage) (Result, error) {
	p := struct {
		Title         string `json:"title"`
		Description   string `json:"description"`
		Priority      string `json:"priority"`
		AssignToAgent *bool  `json:"assign_to_agent"`
		BlocksParent  bool   `json:"blocks_parent"`
	}{}
	if err := json.Unmarshal(args, &p); err != nil {
		return Result{}, fmt.Errorf("decode create_subtask args: %w", err)
	}

	parent, err := env.Store.GetTask(ctx, taskID)
	if err != nil {
		return Result{}, err
	}
	assigneeType, assigneeID := store.ActorAgent, env.AgentID
	if p.AssignToAgent != nil && !*p.AssignToAgent {
		assigneeType, assigneeID = store.ActorUser, parent.OwnerID
	}
	// The subtask waits on its parent; blocks_parent adds the reverse edge too.
	subtaskID, err := env.Store.CreateTask(ctx, store.TaskParams{
		OwnerID:      parent.OwnerID,
		ProjectID:    parent.ProjectID,
		Title:        p.Title,
		Description:  p.Description,
		Priority:     store.Priority(p.Priority),
		AssigneeType: assigneeType,
		AssigneeID:   assigneeID,
		BlockedBy:    []string{taskID},
	})
	if err != nil {
		return Result{}, err
	}
	if p.BlocksParent {
		if err := env.Store.AddTaskBlocker(ctx, taskID, subtaskID, env.now()); err != nil {
			return Result{}, err
		}
	}
	if _, err := env.Store.AddComment(ctx, store.Comment{
		TaskID:     taskID,
		AuthorType: store.ActorAgent,
		AuthorID:   env.AgentID,
		Type:       store.CommentProgress,
		Content:    fmt.Sprintf("created subtask %s: %s", subtaskID, p.Title),
	}); err != nil {
		return Result{}, err
	}
	return Result{Success: true, Message: fmt.Sprintf("subtask %s created", subtaskID)}, nil
}

func handleUpdateStatus(ctx context.Context, env *Env, taskID string, args json.RawMessage) (Result, error) {
	var p struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return Result{}, fmt.Errorf("decode update_status args: %w", err)
	}

	changed, err := env.Store.UpdateTaskStatus(ctx, taskID, store.TaskStatus(p.Status), env.now())
	if err != nil {
		return Result{}, err
	}
	if !changed {
		return Result{Success: true, Message: fmt.Sprintf("task already in status %s", p.Status)}, nil
	}
	if p.Reason != "" {
		if _, err := env.Store.AddComment(ctx, store.Comment{
			TaskID:     taskID,
			AuthorType: store.ActorAgent,
			AuthorID:   env.AgentID,
			Type:       store.CommentStatusChange,
			Content:    fmt.Sprintf("status -> %s: %s", p.Status, p.Reason),
		}); err != nil {
			return Result{}, err
		}
	}
	return Result{Success: true, Message: fmt.Sprintf("status set to %s", p.Status)}, nil
}

func handleSearchContext(ctx context.Context, env *Env, taskID string, args json.RawMessage) (Result, error) {
	var p struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return Result{}, fmt.Errorf("decode search_context args: %w", err)
	}
	if env.Searcher == nil {
		return Result{Success: false, Message: "semantic search is not configured"}, nil
	}
	if p.Limit <= 0 {
		p.Limit = 5
	}
	hits, err := env.Searcher.Search(ctx, p.Query, p.Limit)
	if err != nil {
		return Result{Success: false, Message: fmt.Sprintf("search failed: %v", err)}, nil
	}
	if len(hits) == 0 {
		return Result{Success: true, Message: "no related context found"}, nil
	}
	var b strings.Builder
	for _, h := range hits {
		if h.ID == taskID {
			continue
		}
		fmt.Fprintf(&b, "- (%s) %s: %s\n", h.Kind, h.Title, h.Snippet)
	}
	return Result{Success: true, Message: b.String()}, nil
}

func (e *Env) bestEffortNotify(ctx context.Context, n notify.Notification) {
	if e.Notifier == nil {
		return
	}
	if err := e.Notifier.Notify(ctx, n); err != nil {
		e.log().Warn("notification delivery failed", "kind", string(n.Kind), "task_id", n.TaskID, "error", err)
	}
}
