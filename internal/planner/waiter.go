package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/go-swarm/internal/bus"
	"github.com/basket/go-swarm/internal/persistence"
)

// Waiter blocks until tasks or workflows finish. Bus events wake it early
// when the work runs in the same process; the store is polled otherwise.
type Waiter struct {
	bus          *bus.Bus
	store        persistence.Store
	pollInterval time.Duration
}

// NewWaiter creates a waiter. b may be nil for polling-only mode.
func NewWaiter(b *bus.Bus, store persistence.Store, pollInterval time.Duration) *Waiter {
	if pollInterval <= 0 {
		pollInterval = time.Second
		if b == nil {
			pollInterval = 100 * time.Millisecond
		}
	}
	return &Waiter{bus: b, store: store, pollInterval: pollInterval}
}

// WorkflowReport is a workflow with its tasks and derived status.
type WorkflowReport struct {
	Workflow persistence.Workflow
	Tasks    []persistence.Task
	Status   persistence.WorkflowStatus
}

// WorkflowStatus loads id and derives its status from its step tasks.
func WorkflowStatus(ctx context.Context, store persistence.Store, id string) (WorkflowReport, error) {
	wf, err := store.GetWorkflow(ctx, id)
	if err != nil {
		return WorkflowReport{}, err
	}
	tasks := make([]persistence.Task, 0, len(wf.Steps))
	for _, taskID := range wf.TaskIDs() {
		t, err := store.GetTask(ctx, taskID)
		if err != nil {
			return WorkflowReport{}, fmt.Errorf("workflow %s: %w", id, err)
		}
		tasks = append(tasks, t)
	}
	return WorkflowReport{Workflow: wf, Tasks: tasks, Status: persistence.DeriveWorkflowStatus(tasks)}, nil
}

// WaitForWorkflow blocks until workflow id is completed or failed.
func (w *Waiter) WaitForWorkflow(ctx context.Context, id string, timeout time.Duration) (WorkflowReport, error) {
	return waitUntil(ctx, w, timeout, "workflow "+id,
		func(ev bus.Event) bool {
			te, ok := ev.Payload.(bus.TaskEvent)
			return ok && te.WorkflowID == id
		},
		func(ctx context.Context) (WorkflowReport, bool, error) {
			r, err := WorkflowStatus(ctx, w.store, id)
			if err != nil {
				return WorkflowReport{}, false, err
			}
			return r, r.Status != persistence.WorkflowInProgress, nil
		})
}

// WaitForTask blocks until task id is completed or failed.
func (w *Waiter) WaitForTask(ctx context.Context, id string, timeout time.Duration) (persistence.Task, error) {
	return waitUntil(ctx, w, timeout, "task "+id,
		func(ev bus.Event) bool {
			te, ok := ev.Payload.(bus.TaskEvent)
			return ok && te.TaskID == id
		},
		func(ctx context.Context) (persistence.Task, bool, error) {
			t, err := w.store.GetTask(ctx, id)
			if err != nil {
				return persistence.Task{}, false, err
			}
			return t, t.Status.Terminal(), nil
		})
}

func waitUntil[T any](ctx context.Context, w *Waiter, timeout time.Duration, what string, relevant func(bus.Event) bool, check func(context.Context) (T, bool, error)) (T, error) {
	var zero T
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Subscribe before the first check so no transition is missed.
	var events <-chan bus.Event
	if w.bus != nil {
		sub := w.bus.Subscribe("task.")
		defer w.bus.Unsubscribe(sub)
		events = sub.Ch()
	}

	if v, done, err := check(ctx); err != nil || done {
		return v, err
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("timeout waiting for %s: %w", what, ctx.Err())
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !relevant(ev) {
				continue
			}
		}
		if v, done, err := check(ctx); err != nil || done {
			return v, err
		}
	}
}
