package watcher_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/go-swarm/internal/persistence"
	"github.com/basket/go-swarm/internal/registry"
	"github.com/basket/go-swarm/internal/router"
	"github.com/basket/go-swarm/internal/watcher"
)

type env struct {
	store  persistence.Store
	reg    *registry.Registry
	router *router.Router
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := persistence.NewMemory(persistence.Options{})
	t.Cleanup(func() { _ = store.Close() })
	return &env{
		store:  store,
		reg:    registry.New(registry.Config{Store: store}),
		router: router.New(router.Config{Store: store}),
	}
}

func (e *env) watcher(t *testing.T, id, role string, h watcher.TaskHandler, mutate func(*watcher.Config)) *watcher.Watcher {
	t.Helper()
	if _, err := e.reg.Register(context.Background(), id, role, 0); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	cfg := watcher.Config{
		AgentID:           id,
		Router:            e.router,
		Registry:          e.reg,
		Handler:           h,
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		TaskTimeout:       time.Second,
		DrainTimeout:      time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	w, err := watcher.New(cfg)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	return w
}

func (e *env) create(t *testing.T, task persistence.Task) persistence.Task {
	t.Helper()
	created, err := e.router.Create(context.Background(), task)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return created
}

func (e *env) get(t *testing.T, id string) persistence.Task {
	t.Helper()
	task, err := e.router.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return task
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func succeed(_ context.Context, task persistence.Task) (watcher.TaskResult, error) {
	return watcher.TaskResult{Success: true, Message: "done " + task.ID, FilesCreated: []string{"main.go"}}, nil
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := watcher.New(watcher.Config{AgentID: "a"}); err == nil {
		t.Fatalf("expected error without router/registry/handler")
	}
	if _, err := watcher.New(watcher.Config{}); err == nil {
		t.Fatalf("expected error without agent id")
	}
}

func TestPollOnceCompletesTask(t *testing.T) {
	e := newEnv(t)
	w := e.watcher(t, "coder-1", "coder", watcher.HandlerFunc(succeed), nil)
	task := e.create(t, persistence.Task{Type: "code_generation", AssignedTo: "coder"})

	handled, err := w.PollOnce(context.Background())
	if err != nil || !handled {
		t.Fatalf("poll: handled=%v err=%v", handled, err)
	}
	got := e.get(t, task.ID)
	if got.Status != persistence.TaskCompleted || got.ClaimedBy != "coder-1" {
		t.Fatalf("unexpected task: %+v", got)
	}
	if got.Result["success"] != true || got.Result["message"] != "done "+task.ID {
		t.Fatalf("unexpected result: %+v", got.Result)
	}
	if w.Handled() != 1 {
		t.Fatalf("handled = %d", w.Handled())
	}

	handled, err = w.PollOnce(context.Background())
	if err != nil || handled {
		t.Fatalf("second poll: handled=%v err=%v", handled, err)
	}
}

func TestHandlerFailuresAreRecorded(t *testing.T) {
	cases := []struct {
		name    string
		handler watcher.HandlerFunc
		class   string
	}{
		{"error", func(context.Context, persistence.Task) (watcher.TaskResult, error) {
			return watcher.TaskResult{}, errors.New("compiler exploded")
		}, "HandlerExecutionError"},
		{"reported failure", func(context.Context, persistence.Task) (watcher.TaskResult, error) {
			return watcher.TaskResult{Success: false, Message: "tests red"}, nil
		}, "HandlerExecutionError"},
		{"timeout", func(ctx context.Context, _ persistence.Task) (watcher.TaskResult, error) {
			<-ctx.Done()
			return watcher.TaskResult{}, ctx.Err()
		}, "HandlerTimeoutError"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			w := e.watcher(t, "tester-1", "tester", tc.handler, func(c *watcher.Config) {
				c.TaskTimeout = 50 * time.Millisecond
			})
			task := e.create(t, persistence.Task{Type: "testing", AssignedTo: "tester"})

			if handled, err := w.PollOnce(context.Background()); err != nil || !handled {
				t.Fatalf("poll: handled=%v err=%v", handled, err)
			}
			got := e.get(t, task.ID)
			if got.Status != persistence.TaskFailed {
				t.Fatalf("status = %s", got.Status)
			}
			if got.Result["error_class"] != tc.class || got.Result["success"] != false {
				t.Fatalf("unexpected result: %+v", got.Result)
			}
		})
	}
}

func TestHandlerPanicFailsOnlyThatTask(t *testing.T) {
	e := newEnv(t)
	calls := 0
	w := e.watcher(t, "coder-1", "coder", watcher.HandlerFunc(func(ctx context.Context, task persistence.Task) (watcher.TaskResult, error) {
		calls++
		if calls == 1 {
			panic("first one blows up")
		}
		return succeed(ctx, task)
	}), nil)
	first := e.create(t, persistence.Task{AssignedTo: "coder", Priority: 1})
	second := e.create(t, persistence.Task{AssignedTo: "coder", Priority: 2})

	for i := 0; i < 2; i++ {
		if _, err := w.PollOnce(context.Background()); err != nil {
			t.Fatalf("poll: %v", err)
		}
	}
	if e.get(t, first.ID).Status != persistence.TaskFailed || e.get(t, second.ID).Status != persistence.TaskCompleted {
		t.Fatalf("expected first failed and second completed")
	}
}

func TestDependenciesGateExecutionOrder(t *testing.T) {
	e := newEnv(t)
	var order []string
	w := e.watcher(t, "coder-1", "coder", watcher.HandlerFunc(func(ctx context.Context, task persistence.Task) (watcher.TaskResult, error) {
		order = append(order, task.ID)
		return succeed(ctx, task)
	}), nil)
	first := e.create(t, persistence.Task{ID: "first", AssignedTo: "coder", Priority: 5})
	e.create(t, persistence.Task{ID: "second", AssignedTo: "coder", Priority: 1, DependsOn: []string{first.ID}})

	for i := 0; i < 3; i++ {
		if _, err := w.PollOnce(context.Background()); err != nil {
			t.Fatalf("poll: %v", err)
		}
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("execution order = %v", order)
	}
}

func TestCompetingWatchersRunEachTaskOnce(t *testing.T) {
	e := newEnv(t)
	var mu sync.Mutex
	runs := map[string]int{}
	h := watcher.HandlerFunc(func(ctx context.Context, task persistence.Task) (watcher.TaskResult, error) {
		mu.Lock()
		runs[task.ID]++
		mu.Unlock()
		return succeed(ctx, task)
	})
	workers := []*watcher.Watcher{
		e.watcher(t, "coder-1", "coder", h, nil),
		e.watcher(t, "coder-2", "coder", h, nil),
		e.watcher(t, "coder-3", "coder", h, nil),
	}
	const n = 12
	for i := 0; i < n; i++ {
		e.create(t, persistence.Task{AssignedTo: "coder"})
	}

	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			for {
				handled, err := w.PollOnce(context.Background())
				if err != nil {
					return err
				}
				if !handled {
					return nil
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(runs) != n {
		t.Fatalf("ran %d distinct tasks, want %d", len(runs), n)
	}
	for id, c := range runs {
		if c != 1 {
			t.Fatalf("task %s ran %d times", id, c)
		}
	}
}

func TestRunDrainsInFlightTask(t *testing.T) {
	e := newEnv(t)
	started := make(chan struct{})
	release := make(chan struct{})
	w := e.watcher(t, "coder-1", "coder", watcher.HandlerFunc(func(ctx context.Context, task persistence.Task) (watcher.TaskResult, error) {
		close(started)
		<-release
		return succeed(ctx, task)
	}), nil)
	task := e.create(t, persistence.Task{AssignedTo: "coder"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	<-started
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return")
	}
	if got := e.get(t, task.ID); got.Status != persistence.TaskCompleted {
		t.Fatalf("expected drained task completed, got %s", got.Status)
	}
}

func TestRunRequeuesWhenDrainExpires(t *testing.T) {
	e := newEnv(t)
	started := make(chan struct{})
	w := e.watcher(t, "coder-1", "coder", watcher.HandlerFunc(func(ctx context.Context, _ persistence.Task) (watcher.TaskResult, error) {
		close(started)
		<-ctx.Done()
		return watcher.TaskResult{}, ctx.Err()
	}), func(c *watcher.Config) {
		c.DrainTimeout = 50 * time.Millisecond
		c.TaskTimeout = time.Minute
	})
	task := e.create(t, persistence.Task{AssignedTo: "coder"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	<-started
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after drain timeout")
	}
	got := e.get(t, task.ID)
	if got.Status != persistence.TaskPending || got.ClaimedBy != "" {
		t.Fatalf("expected task requeued, got %+v", got)
	}
	history, err := e.router.History(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	last := history[len(history)-1]
	if last.Reason != "watcher shutdown" || last.AgentID != "coder-1" {
		t.Fatalf("unexpected last event: %+v", last)
	}
}

func TestRunHeartbeats(t *testing.T) {
	e := newEnv(t)
	w := e.watcher(t, "coder-1", "coder", watcher.HandlerFunc(succeed), nil)
	before, err := e.reg.Get(context.Background(), "coder-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	waitFor(t, time.Second, func() bool {
		rec, err := e.reg.Get(context.Background(), "coder-1")
		return err == nil && rec.LastSeen.After(before.LastSeen)
	})
}

func TestRunPicksUpTasksCreatedLater(t *testing.T) {
	e := newEnv(t)
	w := e.watcher(t, "coder-1", "coder", watcher.HandlerFunc(succeed), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	task := e.create(t, persistence.Task{AssignedTo: "coder-1"})
	waitFor(t, 2*time.Second, func() bool {
		return e.get(t, task.ID).Status == persistence.TaskCompleted
	})
}

func TestRunUnknownAgentFails(t *testing.T) {
	e := newEnv(t)
	w, err := watcher.New(watcher.Config{AgentID: "ghost", Router: e.router, Registry: e.reg, Handler: watcher.HandlerFunc(succeed)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := w.Run(context.Background()); !errors.Is(err, persistence.ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestSuccessReportedAsPollIsCancelledCompletes(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := e.watcher(t, "coder-1", "coder", watcher.HandlerFunc(func(_ context.Context, task persistence.Task) (watcher.TaskResult, error) {
		cancel()
		return succeed(context.Background(), task)
	}), nil)
	task := e.create(t, persistence.Task{Type: "code_generation", AssignedTo: "coder"})

	if _, err := w.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	got := e.get(t, task.ID)
	if got.Status != persistence.TaskCompleted {
		t.Fatalf("finished work must not be requeued, got %s (attempts %d)", got.Status, got.Attempts)
	}
}

func TestSuccessReportedAtDeadlineCompletes(t *testing.T) {
	e := newEnv(t)
	w := e.watcher(t, "coder-1", "coder", watcher.HandlerFunc(func(ctx context.Context, task persistence.Task) (watcher.TaskResult, error) {
		<-ctx.Done()
		return succeed(context.Background(), task)
	}), func(c *watcher.Config) { c.TaskTimeout = 20 * time.Millisecond })
	task := e.create(t, persistence.Task{Type: "code_generation", AssignedTo: "coder"})

	if _, err := w.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	got := e.get(t, task.ID)
	if got.Status != persistence.TaskCompleted {
		t.Fatalf("expected completed, got %s with result %+v", got.Status, got.Result)
	}
}
