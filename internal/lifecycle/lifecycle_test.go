package lifecycle_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/go-swarm/internal/audit"
	"github.com/basket/go-swarm/internal/lifecycle"
	"github.com/basket/go-swarm/internal/messaging"
	"github.com/basket/go-swarm/internal/persistence"
	"github.com/basket/go-swarm/internal/registry"
	"github.com/basket/go-swarm/internal/router"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeProcess hands out pids and tracks which ones are running.
type fakeProcess struct {
	mu         sync.Mutex
	nextPID    int
	running    map[int]bool
	starts     [][]string
	startErr   error
	termErr    error
	terminated []int
	onProbe    func()
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{nextPID: 4000, running: map[int]bool{}}
}

func (p *fakeProcess) Start(agentID string, argv []string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return 0, p.startErr
	}
	p.nextPID++
	p.running[p.nextPID] = true
	p.starts = append(p.starts, argv)
	return p.nextPID, nil
}

func (p *fakeProcess) Terminate(pid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.termErr != nil {
		return p.termErr
	}
	p.terminated = append(p.terminated, pid)
	delete(p.running, pid)
	return nil
}

func (p *fakeProcess) Probe(pid int) registry.ProcessState {
	p.mu.Lock()
	hook := p.onProbe
	p.onProbe = nil
	state := registry.ProcessDead
	if p.running[pid] {
		state = registry.ProcessRunning
	}
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return state
}

// setRunning marks pid as a live process.
func (p *fakeProcess) setRunning(pid int) {
	p.mu.Lock()
	p.running[pid] = true
	p.mu.Unlock()
}

// runOnNextProbe arranges for fn to run inside the next Probe call.
func (p *fakeProcess) runOnNextProbe(fn func()) {
	p.mu.Lock()
	p.onProbe = fn
	p.mu.Unlock()
}

type env struct {
	clock  *fakeClock
	proc   *fakeProcess
	reg    *registry.Registry
	router *router.Router
	msgs   *messaging.Log
	mgr    *lifecycle.Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
	store := persistence.NewMemory(persistence.Options{Now: clock.Now})
	t.Cleanup(func() { _ = store.Close() })
	proc := newFakeProcess()
	msgs := messaging.New(store, nil)
	reg := registry.New(registry.Config{Store: store, Prober: proc, LivenessWindow: 30 * time.Second, Now: clock.Now})
	rt := router.New(router.Config{Store: store, Messages: msgs})
	mgr, err := lifecycle.New(lifecycle.Config{
		Registry:          reg,
		Router:            rt,
		Messages:          msgs,
		Process:           proc,
		Command:           func(id, role string) []string { return []string{"agent", id, role} },
		InactiveRetention: time.Hour,
		Now:               clock.Now,
	})
	require.NoError(t, err)
	return &env{clock: clock, proc: proc, reg: reg, router: rt, msgs: msgs, mgr: mgr}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := lifecycle.New(lifecycle.Config{})
	require.Error(t, err)
}

func TestSpawn(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.mgr.Spawn(ctx, "coder", "")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("coder_%d", e.clock.Now().Unix()), res.AgentID)
	assert.Equal(t, persistence.RoleCoder, res.Role)
	assert.Equal(t, []string{"agent", res.AgentID, "coder"}, e.proc.starts[0])

	rec, err := e.reg.Get(ctx, res.AgentID)
	require.NoError(t, err)
	assert.Equal(t, res.PID, rec.PID)
	assert.Equal(t, persistence.AgentActive, rec.Status)

	named, err := e.mgr.Spawn(ctx, "code_reviewer", "rev-1")
	require.NoError(t, err)
	assert.Equal(t, "rev-1", named.AgentID)
	assert.Equal(t, persistence.RoleReviewer, named.Role)
}

func TestSpawnRejectsInvalidRole(t *testing.T) {
	e := newEnv(t)
	_, err := e.mgr.Spawn(context.Background(), "general", "x")
	require.ErrorIs(t, err, persistence.ErrInvalidRole)
	assert.Empty(t, e.proc.starts, "no process may start for an invalid role")
}

func TestSpawnStartFailureDoesNotRegister(t *testing.T) {
	e := newEnv(t)
	e.proc.startErr = errors.New("exec: not found")
	_, err := e.mgr.Spawn(context.Background(), "tester", "t-1")
	require.Error(t, err)
	_, err = e.reg.Get(context.Background(), "t-1")
	require.ErrorIs(t, err, persistence.ErrUnknownAgent)
}

func TestKill(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	spawned, err := e.mgr.Spawn(ctx, "coder", "c-1")
	require.NoError(t, err)

	res, err := e.mgr.Kill(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, res.Signalled)
	assert.Equal(t, []int{spawned.PID}, e.proc.terminated)

	rec, err := e.reg.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, persistence.AgentInactive, rec.Status)
}

func TestKillUnsignalledStillDeregisters(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.mgr.Spawn(ctx, "coder", "c-1")
	require.NoError(t, err)
	e.proc.termErr = errors.New("operation not permitted")

	res, err := e.mgr.Kill(ctx, "c-1")
	require.NoError(t, err)
	assert.False(t, res.Signalled)
	assert.Contains(t, res.Message, "marked inactive")

	rec, err := e.reg.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, persistence.AgentInactive, rec.Status)
}

func TestKillWithoutProcessHandle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.reg.Register(ctx, "manual", "helper", 0)
	require.NoError(t, err)

	res, err := e.mgr.Kill(ctx, "manual")
	require.NoError(t, err)
	assert.False(t, res.Signalled)
	assert.Empty(t, e.proc.terminated)
}

func TestKillUnknownAgent(t *testing.T) {
	e := newEnv(t)
	_, err := e.mgr.Kill(context.Background(), "ghost")
	require.ErrorIs(t, err, persistence.ErrUnknownAgent)
}

func TestRestartReusesRole(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	first, err := e.mgr.Spawn(ctx, "researcher", "r-1")
	require.NoError(t, err)

	res, err := e.mgr.Restart(ctx, "r-1")
	require.NoError(t, err)
	assert.True(t, res.Kill.Signalled)
	assert.Equal(t, first.PID, res.Kill.PID)
	assert.Equal(t, persistence.RoleResearcher, res.Spawn.Role)
	assert.NotEqual(t, first.PID, res.Spawn.PID)

	rec, err := e.reg.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, persistence.AgentActive, rec.Status)
	assert.Equal(t, res.Spawn.PID, rec.PID)
}

func TestRestartUnknownAgent(t *testing.T) {
	e := newEnv(t)
	_, err := e.mgr.Restart(context.Background(), "ghost")
	require.ErrorIs(t, err, persistence.ErrUnknownAgent)
	assert.Empty(t, e.proc.starts, "restart of an unknown id must not spawn with a guessed role")
}

func TestRestartHonorsContextDuringDelay(t *testing.T) {
	e := newEnv(t)
	mgr, err := lifecycle.New(lifecycle.Config{
		Registry:     e.reg,
		Router:       e.router,
		Process:      e.proc,
		Command:      func(id, role string) []string { return []string{id} },
		RestartDelay: time.Hour,
		Now:          e.clock.Now,
	})
	require.NoError(t, err)
	_, err = mgr.Spawn(context.Background(), "coder", "c-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = mgr.Restart(ctx, "c-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, e.proc.starts, 1)
}

func TestHealthSweepRecoversStaleClaim(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.reg.Register(ctx, "agentA", "coder", 0)
	require.NoError(t, err)
	_, err = e.reg.Register(ctx, "agentC", "coder", 0)
	require.NoError(t, err)

	t1, err := e.router.Create(ctx, persistence.Task{Type: "gen", Description: "build UI", AssignedTo: "coder"})
	require.NoError(t, err)
	claimed, err := e.router.Claim(ctx, t1.ID, "agentA")
	require.NoError(t, err)

	// agentA goes silent; agentC keeps heartbeating.
	e.clock.Advance(45 * time.Second)
	require.NoError(t, e.reg.Heartbeat(ctx, "agentC"))

	report, err := e.mgr.HealthSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Live)
	require.Len(t, report.Dead, 1)
	assert.Equal(t, "agentA", report.Dead[0].AgentID)
	assert.Equal(t, []lifecycle.RequeuedTask{{TaskID: t1.ID, AgentID: "agentA"}}, report.Requeued)

	got, err := e.router.Get(ctx, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskPending, got.Status)
	assert.Greater(t, got.ClaimVersion, claimed.ClaimVersion)

	reclaimed, err := e.router.Claim(ctx, t1.ID, "agentC")
	require.NoError(t, err)
	done, err := e.router.Complete(ctx, reclaimed.ID, "agentC", map[string]any{"success": true})
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskCompleted, done.Status)

	history, err := e.router.History(ctx, t1.ID)
	require.NoError(t, err)
	var states []persistence.TaskStatus
	for _, ev := range history {
		states = append(states, ev.To)
	}
	assert.Equal(t, []persistence.TaskStatus{
		persistence.TaskPending, persistence.TaskInProgress, persistence.TaskPending,
		persistence.TaskInProgress, persistence.TaskCompleted,
	}, states)

	inbox, err := e.msgs.Inbox(ctx, "agentC", time.Time{}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, inbox)
	assert.Equal(t, messaging.TypeAgentDown, inbox[0].Type)
}

func TestHealthSweepDeadProcessWithFreshHeartbeat(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	spawned, err := e.mgr.Spawn(ctx, "tester", "t-1")
	require.NoError(t, err)

	e.proc.mu.Lock()
	delete(e.proc.running, spawned.PID)
	e.proc.mu.Unlock()

	report, err := e.mgr.HealthSweep(ctx)
	require.NoError(t, err)
	require.Len(t, report.Dead, 1)
	assert.Contains(t, report.Dead[0].Reason, "process dead")
}

func TestHealthSweepReclaimsTasksOfKilledAgent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.mgr.Spawn(ctx, "coder", "c-1")
	require.NoError(t, err)
	task, err := e.router.Create(ctx, persistence.Task{AssignedTo: "c-1", Description: "x"})
	require.NoError(t, err)
	_, err = e.router.Claim(ctx, task.ID, "c-1")
	require.NoError(t, err)
	_, err = e.mgr.Kill(ctx, "c-1")
	require.NoError(t, err)

	report, err := e.mgr.HealthSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Checked)
	require.Len(t, report.Requeued, 1)
	assert.Equal(t, task.ID, report.Requeued[0].TaskID)
}

func TestHealthSweepLeavesLiveAgentsAlone(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := e.mgr.Spawn(ctx, "helper", fmt.Sprintf("h-%02d", i))
		require.NoError(t, err)
	}
	task, err := e.router.Create(ctx, persistence.Task{AssignedTo: "helper"})
	require.NoError(t, err)
	_, err = e.router.Claim(ctx, task.ID, "h-03")
	require.NoError(t, err)

	report, err := e.mgr.HealthSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, report.Checked)
	assert.Equal(t, 20, report.Live)
	assert.Empty(t, report.Dead)
	assert.Empty(t, report.Requeued)
}

func TestCleanupInactive(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, id := range []string{"old", "recent", "live"} {
		_, err := e.reg.Register(ctx, id, "coder", 0)
		require.NoError(t, err)
	}
	require.NoError(t, e.reg.Deregister(ctx, "old", "test"))
	e.clock.Advance(50 * time.Minute)
	require.NoError(t, e.reg.Deregister(ctx, "recent", "test"))
	e.clock.Advance(15 * time.Minute)

	removed, err := e.mgr.CleanupInactive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, removed)

	_, err = e.reg.Get(ctx, "old")
	require.ErrorIs(t, err, persistence.ErrUnknownAgent)
	_, err = e.reg.Get(ctx, "recent")
	require.NoError(t, err)
	_, err = e.reg.Get(ctx, "live")
	require.NoError(t, err)
}

func TestStatus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.mgr.Spawn(ctx, "coder", "b-running")
	require.NoError(t, err)
	_, err = e.reg.Register(ctx, "a-manual", "helper", 0)
	require.NoError(t, err)
	_, err = e.mgr.Spawn(ctx, "tester", "c-killed")
	require.NoError(t, err)
	_, err = e.mgr.Kill(ctx, "c-killed")
	require.NoError(t, err)

	report, err := e.mgr.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Active)
	assert.Equal(t, 1, report.Inactive)

	byID := map[string]lifecycle.AgentStatus{}
	for _, a := range report.Agents {
		byID[a.ID] = a
	}
	assert.Equal(t, "a-manual", report.Agents[0].ID)
	assert.Equal(t, registry.ProcessUnknown, byID["a-manual"].Process)
	assert.Equal(t, registry.ProcessRunning, byID["b-running"].Process)
	assert.Equal(t, registry.ProcessDead, byID["c-killed"].Process)
	assert.True(t, byID["b-running"].Alive)
	assert.False(t, byID["c-killed"].Alive)
}

func TestLifecycleDecisionsAreAudited(t *testing.T) {
	require.NoError(t, audit.Init(t.TempDir()))
	t.Cleanup(func() { _ = audit.Close() })

	e := newEnv(t)
	ctx := context.Background()
	before := audit.Written()
	_, err := e.mgr.Spawn(ctx, "coder", "c-1")
	require.NoError(t, err)
	_, err = e.mgr.Kill(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, before+2, audit.Written())
}

func TestHealthSweepKeepsClaimOfAgentRegisteredMidSweep(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.proc.setRunning(5001)
	_, err := e.reg.Register(ctx, "veteran", "coder", 5001)
	require.NoError(t, err)
	task, err := e.router.Create(ctx, persistence.Task{Type: "gen", Description: "build UI", AssignedTo: "coder"})
	require.NoError(t, err)

	// While the roster is being probed, a new agent joins and takes the task.
	var claimErr error
	e.proc.runOnNextProbe(func() {
		if _, err := e.reg.Register(ctx, "fresh", "coder", 0); err != nil {
			claimErr = err
			return
		}
		_, claimErr = e.router.Claim(ctx, task.ID, "fresh")
	})

	report, err := e.mgr.HealthSweep(ctx)
	require.NoError(t, err)
	require.NoError(t, claimErr)
	assert.Equal(t, 1, report.Checked)
	assert.Empty(t, report.Dead)
	assert.Empty(t, report.Requeued)

	got, err := e.router.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskInProgress, got.Status)
	assert.Equal(t, "fresh", got.ClaimedBy)
}

func TestHealthSweepRequeuesClaimOfAgentGoneBeforeSweep(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.reg.Register(ctx, "quitter", "coder", 0)
	require.NoError(t, err)
	task, err := e.router.Create(ctx, persistence.Task{Type: "gen", Description: "build UI", AssignedTo: "coder"})
	require.NoError(t, err)
	_, err = e.router.Claim(ctx, task.ID, "quitter")
	require.NoError(t, err)
	require.NoError(t, e.reg.Deregister(ctx, "quitter", "shutdown"))

	report, err := e.mgr.HealthSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []lifecycle.RequeuedTask{{TaskID: task.ID, AgentID: "quitter"}}, report.Requeued)
}
