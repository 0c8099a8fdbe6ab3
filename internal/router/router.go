// Package router is the single mutation point for task state. Every status
// change goes through a store-level compare-and-swap; the router adds
// validation, events, metrics and best-effort notices around it.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-swarm/internal/bus"
	"github.com/basket/go-swarm/internal/messaging"
	gsotel "github.com/basket/go-swarm/internal/otel"
	"github.com/basket/go-swarm/internal/persistence"
	"github.com/basket/go-swarm/internal/shared"
)

type Config struct {
	Store     persistence.Store
	Schemas   *Schemas
	Messages  *messaging.Log
	Bus       *bus.Bus
	Telemetry gsotel.Telemetry
	Logger    *slog.Logger
}

type Router struct {
	store    persistence.Store
	schemas  *Schemas
	messages *messaging.Log
	bus      *bus.Bus
	tel      gsotel.Telemetry
	logger   *slog.Logger
}

func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:    cfg.Store,
		schemas:  cfg.Schemas,
		messages: cfg.Messages,
		bus:      cfg.Bus,
		tel:      cfg.Telemetry.OrNoop(),
		logger:   logger,
	}
}

// Store exposes the underlying store for read-only reporting.
func (r *Router) Store() persistence.Store { return r.store }

// Create validates t and stores it as pending. assigned_to may be an agent id
// or a role name; role spellings are normalized so routing matches.
func (r *Router) Create(ctx context.Context, t persistence.Task) (persistence.Task, error) {
	if err := r.prepare(ctx, &t); err != nil {
		return persistence.Task{}, err
	}
	created, err := r.store.CreateTask(ctx, t)
	if err != nil {
		return persistence.Task{}, fmt.Errorf("create task: %w", err)
	}
	r.tel.Metrics.TasksCreated.Add(ctx, 1, metric.WithAttributes(gsotel.AttrRole.String(created.AssignedTo)))
	r.logger.InfoContext(ctx, "task created",
		"task_id", created.ID, "type", created.Type, "assigned_to", created.AssignedTo,
		"priority", created.Priority, "depends_on", created.DependsOn)
	r.publish(bus.TopicTaskCreated, created, created.CreatedBy, "", "created")
	return created, nil
}

// CreateWorkflow stores wf and its tasks atomically.
func (r *Router) CreateWorkflow(ctx context.Context, wf persistence.Workflow, tasks []persistence.Task) (persistence.Workflow, []persistence.Task, error) {
	for i := range tasks {
		if err := r.prepare(ctx, &tasks[i]); err != nil {
			return persistence.Workflow{}, nil, err
		}
	}
	if wf.CreatedBy == "" {
		wf.CreatedBy = createdBy(ctx)
	}
	stored, created, err := r.store.CreateWorkflow(ctx, wf, tasks)
	if err != nil {
		return persistence.Workflow{}, nil, fmt.Errorf("create workflow: %w", err)
	}
	ids := make([]string, 0, len(created))
	for _, t := range created {
		ids = append(ids, t.ID)
		r.tel.Metrics.TasksCreated.Add(ctx, 1, metric.WithAttributes(gsotel.AttrRole.String(t.AssignedTo)))
		r.publish(bus.TopicTaskCreated, t, t.CreatedBy, "", "created")
	}
	r.logger.InfoContext(ctx, "workflow created", "workflow_id", stored.ID, "tasks", len(created))
	r.bus.Publish(bus.TopicWorkflowCreated, bus.WorkflowEvent{WorkflowID: stored.ID, TaskIDs: ids})
	return stored, created, nil
}

func (r *Router) prepare(ctx context.Context, t *persistence.Task) error {
	t.AssignedTo = strings.TrimSpace(t.AssignedTo)
	if t.AssignedTo == "" {
		return fmt.Errorf("task assigned_to must be non-empty")
	}
	if role, err := persistence.ParseRole(t.AssignedTo); err == nil {
		t.AssignedTo = string(role)
	}
	if t.CreatedBy == "" {
		t.CreatedBy = createdBy(ctx)
	}
	return r.schemas.Validate(t.Type, t.Data)
}

func createdBy(ctx context.Context) string {
	if id := shared.AgentID(ctx); id != "" {
		return id
	}
	return shared.CLIAgentID
}

// Claim transitions a pending task to in_progress owned by agentID. Losing a
// race returns persistence.ErrClaimConflict, which callers treat as a signal
// to try the next candidate.
func (r *Router) Claim(ctx context.Context, taskID, agentID string) (task persistence.Task, err error) {
	ctx, span := gsotel.StartSpan(ctx, r.tel.Tracer, "router.claim",
		gsotel.AttrTaskID.String(taskID), gsotel.AttrAgentID.String(agentID))
	defer func() {
		outcome := "claimed"
		if err != nil {
			outcome = persistence.ErrorClass(err)
		}
		span.SetAttributes(gsotel.AttrOutcome.String(outcome))
		// A lost race is expected and is not a span error.
		if errors.Is(err, persistence.ErrClaimConflict) {
			gsotel.EndSpan(span, nil)
			return
		}
		gsotel.EndSpan(span, err)
	}()

	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return persistence.Task{}, fmt.Errorf("claim %s: %w", taskID, err)
	}
	if agent.Status != persistence.AgentActive {
		return persistence.Task{}, fmt.Errorf("%w: agent %s is inactive", persistence.ErrNotClaimable, agentID)
	}

	attrs := metric.WithAttributes(gsotel.AttrRole.String(string(agent.Role)))
	r.tel.Metrics.ClaimAttempts.Add(ctx, 1, attrs)
	task, err = r.store.ClaimTask(ctx, taskID, agentID)
	if err != nil {
		if errors.Is(err, persistence.ErrClaimConflict) {
			r.tel.Metrics.ClaimConflicts.Add(ctx, 1, attrs)
			r.logger.DebugContext(ctx, "claim lost", "task_id", taskID, "agent_id", agentID)
		}
		return persistence.Task{}, fmt.Errorf("claim %s: %w", taskID, err)
	}
	r.logger.InfoContext(ctx, "task claimed", "task_id", task.ID, "agent_id", agentID, "claim_version", task.ClaimVersion)
	r.publish(bus.TopicTaskClaimed, task, agentID, persistence.TaskPending, "claimed")
	return task, nil
}

// Complete finishes an in_progress task owned by agentID as completed.
func (r *Router) Complete(ctx context.Context, taskID, agentID string, result map[string]any) (persistence.Task, error) {
	return r.UpdateTerminal(ctx, taskID, agentID, persistence.TaskCompleted, result)
}

// Fail finishes an in_progress task owned by agentID as failed. Failed tasks
// are not retried; re-delegation creates a new task.
func (r *Router) Fail(ctx context.Context, taskID, agentID string, result map[string]any) (persistence.Task, error) {
	return r.UpdateTerminal(ctx, taskID, agentID, persistence.TaskFailed, result)
}

// UpdateTerminal moves a task owned by agentID to completed or failed.
func (r *Router) UpdateTerminal(ctx context.Context, taskID, agentID string, status persistence.TaskStatus, result map[string]any) (persistence.Task, error) {
	if !status.Terminal() {
		return persistence.Task{}, fmt.Errorf("%w: %s is not a terminal status", persistence.ErrInvalidTransition, status)
	}
	task, err := r.store.FinishTask(ctx, taskID, agentID, status, result)
	if err != nil {
		return persistence.Task{}, fmt.Errorf("finish %s: %w", taskID, err)
	}

	attrs := metric.WithAttributes(gsotel.AttrRole.String(task.AssignedTo))
	topic, msgType := bus.TopicTaskCompleted, messaging.TypeTaskCompleted
	if status == persistence.TaskCompleted {
		r.tel.Metrics.TasksCompleted.Add(ctx, 1, attrs)
	} else {
		r.tel.Metrics.TasksFailed.Add(ctx, 1, attrs)
		topic, msgType = bus.TopicTaskFailed, messaging.TypeTaskFailed
	}
	r.logger.InfoContext(ctx, "task finished", "task_id", task.ID, "agent_id", agentID, "status", status)
	r.publish(topic, task, agentID, persistence.TaskInProgress, string(status))
	if task.CreatedBy != "" && task.CreatedBy != agentID {
		r.messages.Notify(ctx, agentID, task.CreatedBy, msgType, fmt.Sprintf("task %s %s: %s", task.ID, status, task.Description))
	}
	return task, nil
}

// Requeue reverts an in_progress task to pending if its claim_version still
// equals expectedVersion. It is the recovery path for stale claims.
func (r *Router) Requeue(ctx context.Context, taskID string, expectedVersion int64, reason string) (persistence.Task, error) {
	before, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return persistence.Task{}, fmt.Errorf("requeue %s: %w", taskID, err)
	}
	task, err := r.store.RequeueTask(ctx, taskID, expectedVersion, reason)
	if err != nil {
		return persistence.Task{}, fmt.Errorf("requeue %s: %w", taskID, err)
	}
	r.tel.Metrics.TasksRequeued.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	r.logger.WarnContext(ctx, "task requeued", "task_id", task.ID, "previous_owner", before.ClaimedBy, "reason", reason)
	r.publish(bus.TopicTaskRequeued, task, before.ClaimedBy, persistence.TaskInProgress, reason)
	if task.CreatedBy != "" {
		r.messages.Notify(ctx, shared.CLIAgentID, task.CreatedBy, messaging.TypeTaskRequeued,
			fmt.Sprintf("task %s requeued: %s", task.ID, reason))
	}
	return task, nil
}

// QueryPending returns claimable tasks routed to agentID or role.
func (r *Router) QueryPending(ctx context.Context, agentID string, role persistence.Role) ([]persistence.Task, error) {
	tasks, err := r.store.QueryPending(ctx, agentID, role)
	if err != nil {
		return nil, fmt.Errorf("query pending for %s: %w", agentID, err)
	}
	return tasks, nil
}

// PendingFor resolves agentID's role from the registry. Inactive agents are
// offered nothing.
func (r *Router) PendingFor(ctx context.Context, agentID string) ([]persistence.Task, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("query pending for %s: %w", agentID, err)
	}
	if agent.Status != persistence.AgentActive {
		return nil, nil
	}
	return r.QueryPending(ctx, agent.ID, agent.Role)
}

// OwnedBy returns the in_progress tasks claimed by agentID.
func (r *Router) OwnedBy(ctx context.Context, agentID string) ([]persistence.Task, error) {
	return r.store.ListTasks(ctx, persistence.TaskFilter{Status: persistence.TaskInProgress, ClaimedBy: agentID})
}

func (r *Router) Get(ctx context.Context, taskID string) (persistence.Task, error) {
	return r.store.GetTask(ctx, taskID)
}

func (r *Router) List(ctx context.Context, f persistence.TaskFilter) ([]persistence.Task, error) {
	return r.store.ListTasks(ctx, f)
}

func (r *Router) History(ctx context.Context, taskID string) ([]persistence.TaskEvent, error) {
	return r.store.TaskHistory(ctx, taskID)
}

func (r *Router) publish(topic string, t persistence.Task, agentID string, from persistence.TaskStatus, reason string) {
	r.bus.Publish(topic, bus.TaskEvent{
		TaskID:       t.ID,
		WorkflowID:   t.WorkflowID,
		AgentID:      agentID,
		AssignedTo:   t.AssignedTo,
		OldStatus:    string(from),
		NewStatus:    string(t.Status),
		ClaimVersion: t.ClaimVersion,
		Reason:       reason,
	})
}
