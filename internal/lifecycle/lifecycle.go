// Package lifecycle manages agent processes: spawning, termination,
// restarts, the periodic health sweep and registry cleanup.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-swarm/internal/audit"
	"github.com/basket/go-swarm/internal/messaging"
	gsotel "github.com/basket/go-swarm/internal/otel"
	"github.com/basket/go-swarm/internal/persistence"
	"github.com/basket/go-swarm/internal/registry"
	"github.com/basket/go-swarm/internal/router"
)

// Sender is the id lifecycle notices are sent from.
const Sender = "lifecycle"

const (
	DefaultRestartDelay      = time.Second
	DefaultInactiveRetention = time.Hour
	DefaultSweepConcurrency  = 8
)

type Config struct {
	Registry *registry.Registry
	Router   *router.Router
	Messages *messaging.Log
	Process  ProcessControl
	// Command builds the argv for an agent process.
	Command func(id, role string) []string

	RestartDelay      time.Duration
	InactiveRetention time.Duration
	SweepConcurrency  int

	Telemetry gsotel.Telemetry
	Logger    *slog.Logger
	Now       func() time.Time
}

type Manager struct {
	cfg    Config
	tel    gsotel.Telemetry
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config) (*Manager, error) {
	if cfg.Registry == nil || cfg.Router == nil {
		return nil, fmt.Errorf("lifecycle requires registry and router")
	}
	if cfg.Process == nil {
		cfg.Process = ExecProcess{}
	}
	if cfg.RestartDelay < 0 {
		cfg.RestartDelay = 0
	}
	if cfg.InactiveRetention <= 0 {
		cfg.InactiveRetention = DefaultInactiveRetention
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = DefaultSweepConcurrency
	}
	m := &Manager{cfg: cfg, tel: cfg.Telemetry.OrNoop(), logger: cfg.Logger, now: cfg.Now}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

type SpawnResult struct {
	AgentID string           `json:"agent_id"`
	Role    persistence.Role `json:"role"`
	PID     int              `json:"pid"`
}

// Spawn starts an agent process for role and registers it. An empty id
// defaults to <role>_<unix seconds>.
func (m *Manager) Spawn(ctx context.Context, role, id string) (SpawnResult, error) {
	parsed, err := persistence.ParseRole(role)
	if err != nil {
		return SpawnResult{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		id = fmt.Sprintf("%s_%d", parsed, m.now().Unix())
	}
	if m.cfg.Command == nil {
		return SpawnResult{}, fmt.Errorf("spawn %s: no agent command configured", id)
	}

	pid, err := m.cfg.Process.Start(id, m.cfg.Command(id, string(parsed)))
	if err != nil {
		audit.Record(ctx, audit.ActionSpawn, id, "", "failed", err.Error())
		return SpawnResult{}, fmt.Errorf("spawn %s: %w", id, err)
	}
	if _, err := m.cfg.Registry.Register(ctx, id, string(parsed), pid); err != nil {
		_ = m.cfg.Process.Terminate(pid)
		audit.Record(ctx, audit.ActionSpawn, id, "", "failed", err.Error())
		return SpawnResult{}, err
	}
	m.logger.InfoContext(ctx, "agent spawned", "agent_id", id, "role", parsed, "pid", pid)
	audit.Record(ctx, audit.ActionSpawn, id, "", "ok", fmt.Sprintf("role=%s pid=%d", parsed, pid))
	return SpawnResult{AgentID: id, Role: parsed, PID: pid}, nil
}

type KillResult struct {
	AgentID string `json:"agent_id"`
	PID     int    `json:"pid"`
	// Signalled is false when the process could not be signalled. The agent
	// is deregistered regardless.
	Signalled bool   `json:"signalled"`
	Message   string `json:"message"`
}

// Kill terminates the agent's process and deregisters it.
func (m *Manager) Kill(ctx context.Context, id string) (KillResult, error) {
	rec, err := m.cfg.Registry.Get(ctx, id)
	if err != nil {
		return KillResult{}, fmt.Errorf("kill %s: %w", id, err)
	}
	res := KillResult{AgentID: id, PID: rec.PID}
	if rec.PID > 0 {
		if err := m.cfg.Process.Terminate(rec.PID); err != nil {
			res.Message = fmt.Sprintf("could not signal pid %d: %v; marked inactive", rec.PID, err)
		} else {
			res.Signalled = true
			res.Message = fmt.Sprintf("sent SIGTERM to pid %d", rec.PID)
		}
	} else {
		res.Message = "no process handle; marked inactive"
	}

	if err := m.cfg.Registry.Deregister(ctx, id, "killed"); err != nil {
		return res, err
	}
	outcome := "ok"
	if !res.Signalled {
		outcome = "partial"
		m.logger.WarnContext(ctx, "agent not signalled", "agent_id", id, "pid", rec.PID, "detail", res.Message)
	}
	audit.Record(ctx, audit.ActionKill, id, "", outcome, res.Message)
	return res, nil
}

type RestartResult struct {
	Kill  KillResult  `json:"kill"`
	Spawn SpawnResult `json:"spawn"`
}

// Restart kills id, waits the restart delay and spawns it again with its
// registered role.
func (m *Manager) Restart(ctx context.Context, id string) (RestartResult, error) {
	rec, err := m.cfg.Registry.Get(ctx, id)
	if err != nil {
		return RestartResult{}, fmt.Errorf("restart %s: %w", id, err)
	}
	var res RestartResult
	res.Kill, err = m.Kill(ctx, id)
	if err != nil {
		return res, err
	}
	if m.cfg.RestartDelay > 0 {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(m.cfg.RestartDelay):
		}
	}
	res.Spawn, err = m.Spawn(ctx, string(rec.Role), id)
	if err != nil {
		audit.Record(ctx, audit.ActionRestart, id, "", "failed", err.Error())
		return res, err
	}
	audit.Record(ctx, audit.ActionRestart, id, "", "ok", fmt.Sprintf("pid %d -> %d", res.Kill.PID, res.Spawn.PID))
	return res, nil
}

func isRace(err error) bool {
	return errors.Is(err, persistence.ErrClaimConflict) || errors.Is(err, persistence.ErrInvalidTransition)
}
