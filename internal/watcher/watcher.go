// Package watcher runs the per-agent loop: poll for routed work, claim it,
// hand it to a TaskHandler and record the terminal outcome.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	gsotel "github.com/basket/go-swarm/internal/otel"
	"github.com/basket/go-swarm/internal/persistence"
	"github.com/basket/go-swarm/internal/registry"
	"github.com/basket/go-swarm/internal/router"
	"github.com/basket/go-swarm/internal/shared"
)

const (
	DefaultPollInterval      = 2 * time.Second
	DefaultTaskTimeout       = 5 * time.Minute
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultDrainTimeout      = 10 * time.Second
)

type Config struct {
	AgentID  string
	Router   *router.Router
	Registry *registry.Registry
	Handler  TaskHandler

	PollInterval      time.Duration
	TaskTimeout       time.Duration
	HeartbeatInterval time.Duration
	// DrainTimeout bounds how long Run waits for the in-flight handler after
	// cancellation. When it elapses the task is requeued.
	DrainTimeout time.Duration

	Telemetry gsotel.Telemetry
	Logger    *slog.Logger
}

type Watcher struct {
	cfg     Config
	tel     gsotel.Telemetry
	logger  *slog.Logger
	handled atomic.Int64
	lastErr atomic.Pointer[string]
}

func New(cfg Config) (*Watcher, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("watcher agent id must be non-empty")
	}
	if cfg.Router == nil || cfg.Registry == nil || cfg.Handler == nil {
		return nil, fmt.Errorf("watcher requires router, registry and handler")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cfg:    cfg,
		tel:    cfg.Telemetry.OrNoop(),
		logger: logger.With("agent_id", cfg.AgentID),
	}, nil
}

// Handled returns how many tasks reached a terminal status through w.
func (w *Watcher) Handled() int64 { return w.handled.Load() }

// LastError returns the most recent poll or store error, if any.
func (w *Watcher) LastError() string {
	if p := w.lastErr.Load(); p != nil {
		return *p
	}
	return ""
}

func (w *Watcher) setLastError(err error) {
	msg := err.Error()
	w.lastErr.Store(&msg)
}

// Run polls until ctx is cancelled. After cancellation no new task is claimed;
// Run returns once the in-flight handler finishes or DrainTimeout elapses, in
// which case the task is requeued for another agent.
func (w *Watcher) Run(ctx context.Context) error {
	ctx = shared.WithAgentID(ctx, w.cfg.AgentID)
	if err := w.cfg.Registry.Heartbeat(ctx, w.cfg.AgentID); err != nil {
		return fmt.Errorf("watcher start: %w", err)
	}

	handlerCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()

	go w.heartbeatLoop(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.loop(ctx, handlerCtx)
	}()

	w.logger.InfoContext(ctx, "watcher started", "poll_interval", w.cfg.PollInterval)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	timer := time.NewTimer(w.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		w.logger.InfoContext(ctx, "watcher drained cleanly")
	case <-timer.C:
		w.logger.WarnContext(ctx, "watcher drain timeout; abandoning in-flight task", "timeout", w.cfg.DrainTimeout)
		abort()
		<-done
	}
	return nil
}

func (w *Watcher) loop(ctx, handlerCtx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		handled, err := w.poll(ctx, handlerCtx)
		if err != nil {
			w.setLastError(err)
			w.logger.ErrorContext(ctx, "poll failed", "error", err)
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Watcher) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.cfg.Registry.Heartbeat(ctx, w.cfg.AgentID); err != nil && ctx.Err() == nil {
				w.setLastError(err)
				w.logger.WarnContext(ctx, "heartbeat failed", "error", err)
			}
		}
	}
}

// PollOnce runs a single poll cycle: it claims the first claimable candidate
// and runs it to completion. handled reports whether a task was claimed.
func (w *Watcher) PollOnce(ctx context.Context) (handled bool, err error) {
	return w.poll(ctx, ctx)
}

func (w *Watcher) poll(ctx, handlerCtx context.Context) (bool, error) {
	candidates, err := w.cfg.Router.PendingFor(ctx, w.cfg.AgentID)
	if err != nil {
		return false, err
	}
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return false, nil
		}
		task, err := w.cfg.Router.Claim(ctx, candidate.ID, w.cfg.AgentID)
		switch {
		case err == nil:
			w.handle(handlerCtx, task)
			return true, nil
		case errors.Is(err, persistence.ErrClaimConflict), errors.Is(err, persistence.ErrNotClaimable):
			continue
		default:
			return false, err
		}
	}
	return false, nil
}

type execOutcome struct {
	res TaskResult
	err error
}

// handle runs the handler for a claimed task and records the outcome. It
// never returns with the task still claimed by w unless the store refused the
// final write.
func (w *Watcher) handle(handlerCtx context.Context, task persistence.Task) {
	ctx := shared.WithTraceID(handlerCtx, shared.NewTraceID())
	ctx = shared.WithTaskID(ctx, task.ID)
	ctx = shared.WithWorkflowID(ctx, task.WorkflowID)
	// Terminal writes must survive the abort of handlerCtx.
	storeCtx := context.WithoutCancel(ctx)

	ctx, span := gsotel.StartSpan(ctx, w.tel.Tracer, "watcher.handle",
		gsotel.AttrTaskID.String(task.ID),
		gsotel.AttrAgentID.String(w.cfg.AgentID),
		gsotel.AttrWorkflowID.String(task.WorkflowID))
	w.logger.InfoContext(ctx, "task processing", "task_id", task.ID, "type", task.Type, "attempt", task.Attempts)

	taskCtx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeout)
	defer cancel()

	started := time.Now()
	outcomeCh := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outcomeCh <- execOutcome{err: fmt.Errorf("%w: handler panic: %v", persistence.ErrHandlerExecution, r)}
			}
		}()
		res, err := w.cfg.Handler.Execute(taskCtx, task)
		outcomeCh <- execOutcome{res: res, err: err}
	}()

	var out execOutcome
	reported, deadlineHit := true, false
	select {
	case out = <-outcomeCh:
	case <-taskCtx.Done():
		deadlineHit = errors.Is(taskCtx.Err(), context.DeadlineExceeded)
		// Give a cooperative handler a moment to report its own error.
		select {
		case out = <-outcomeCh:
		case <-time.After(100 * time.Millisecond):
			reported = false
			out = execOutcome{err: taskCtx.Err()}
		}
	}
	succeeded := reported && out.err == nil && out.res.Success

	outcome := "completed"
	var spanErr error
	switch {
	case succeeded:
		w.finish(storeCtx, task, persistence.TaskCompleted, out.res.Map())
	case handlerCtx.Err() != nil:
		outcome = "requeued"
		if _, err := w.cfg.Router.Requeue(storeCtx, task.ID, task.ClaimVersion, "watcher shutdown"); err != nil {
			spanErr = err
			w.setLastError(err)
			w.logger.ErrorContext(storeCtx, "requeue on shutdown failed", "task_id", task.ID, "error", err)
		}
	case deadlineHit:
		outcome = "failed"
		spanErr = fmt.Errorf("%w: exceeded %s", persistence.ErrHandlerTimeout, w.cfg.TaskTimeout)
		w.finish(storeCtx, task, persistence.TaskFailed, failureResult(out.res, spanErr))
	case out.err != nil:
		outcome = "failed"
		spanErr = out.err
		if !errors.Is(spanErr, persistence.ErrHandlerExecution) && !errors.Is(spanErr, persistence.ErrHandlerTimeout) {
			spanErr = fmt.Errorf("%w: %v", persistence.ErrHandlerExecution, out.err)
		}
		w.finish(storeCtx, task, persistence.TaskFailed, failureResult(out.res, spanErr))
	case !out.res.Success:
		outcome = "failed"
		msg := out.res.Message
		if msg == "" {
			msg = "handler reported failure"
		}
		spanErr = fmt.Errorf("%w: %s", persistence.ErrHandlerExecution, msg)
		w.finish(storeCtx, task, persistence.TaskFailed, failureResult(out.res, spanErr))
	}

	w.tel.Metrics.HandlerDuration.Record(storeCtx, time.Since(started).Seconds(),
		metric.WithAttributes(gsotel.AttrOutcome.String(outcome)))
	span.SetAttributes(gsotel.AttrOutcome.String(outcome))
	gsotel.EndSpan(span, spanErr)
}

func (w *Watcher) finish(ctx context.Context, task persistence.Task, status persistence.TaskStatus, result map[string]any) {
	if _, err := w.cfg.Router.UpdateTerminal(ctx, task.ID, w.cfg.AgentID, status, result); err != nil {
		w.setLastError(err)
		w.logger.ErrorContext(ctx, "record task outcome failed", "task_id", task.ID, "status", status, "error", err)
		return
	}
	w.handled.Add(1)
}

func failureResult(res TaskResult, err error) map[string]any {
	res.Success = false
	m := res.Map()
	m["error_class"] = persistence.ErrorClass(err)
	m["error"] = err.Error()
	return m
}
