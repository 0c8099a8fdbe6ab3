package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-swarm/internal/bus"
	"github.com/basket/go-swarm/internal/persistence"
)

const DefaultLivenessWindow = 30 * time.Second

type Config struct {
	Store          persistence.Store
	Prober         ProcessProber
	LivenessWindow time.Duration
	Bus            *bus.Bus
	Logger         *slog.Logger
	Now            func() time.Time
}

// Registry tracks agent identity and liveness in the shared store.
type Registry struct {
	store  persistence.Store
	prober ProcessProber
	window time.Duration
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config) *Registry {
	r := &Registry{
		store:  cfg.Store,
		prober: cfg.Prober,
		window: cfg.LivenessWindow,
		bus:    cfg.Bus,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
	if r.prober == nil {
		r.prober = SignalProber{}
	}
	if r.window <= 0 {
		r.window = DefaultLivenessWindow
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// LivenessWindow is the maximum heartbeat age of a live agent.
func (r *Registry) LivenessWindow() time.Duration { return r.window }

// Register validates role and stores an active record for id. An existing
// record with the same id is overwritten with a warning; restarted processes
// commonly reuse their id.
func (r *Registry) Register(ctx context.Context, id, role string, pid int) (persistence.AgentRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return persistence.AgentRecord{}, fmt.Errorf("agent id must be non-empty")
	}
	parsed, err := persistence.ParseRole(role)
	if err != nil {
		return persistence.AgentRecord{}, err
	}
	now := r.now().UTC()
	rec := persistence.AgentRecord{
		ID:           id,
		Role:         parsed,
		Status:       persistence.AgentActive,
		PID:          pid,
		LastSeen:     now,
		RegisteredAt: now,
	}
	replaced, err := r.store.PutAgent(ctx, rec)
	if err != nil {
		return persistence.AgentRecord{}, fmt.Errorf("register agent %s: %w", id, err)
	}
	if replaced {
		r.logger.WarnContext(ctx, "agent id already registered; overwriting", "agent_id", id, "role", parsed, "pid", pid)
	} else {
		r.logger.InfoContext(ctx, "agent registered", "agent_id", id, "role", parsed, "pid", pid)
	}
	r.bus.Publish(bus.TopicAgentRegistered, bus.AgentEvent{AgentID: id, Role: string(parsed), PID: pid})
	return rec, nil
}

// Heartbeat refreshes last_seen. It does not reactivate an inactive agent.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	if err := r.store.TouchAgent(ctx, id, r.now().UTC()); err != nil {
		return fmt.Errorf("heartbeat %s: %w", id, err)
	}
	return nil
}

// Deregister marks id inactive. Repeated calls are no-ops.
func (r *Registry) Deregister(ctx context.Context, id, reason string) error {
	changed, err := r.store.DeactivateAgent(ctx, id, r.now().UTC())
	if err != nil {
		return fmt.Errorf("deregister %s: %w", id, err)
	}
	if changed {
		r.logger.InfoContext(ctx, "agent deregistered", "agent_id", id, "reason", reason)
		r.bus.Publish(bus.TopicAgentDeregistered, bus.AgentEvent{AgentID: id, Reason: reason})
	}
	return nil
}

// Remove deletes the record of id outright.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.store.RemoveAgent(ctx, id); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	r.bus.Publish(bus.TopicAgentRemoved, bus.AgentEvent{AgentID: id})
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (persistence.AgentRecord, error) {
	return r.store.GetAgent(ctx, id)
}

// List returns every record, active or not, ordered by id.
func (r *Registry) List(ctx context.Context) ([]persistence.AgentRecord, error) {
	return r.store.ListAgents(ctx)
}

// ListActive returns records whose status is active.
func (r *Registry) ListActive(ctx context.Context) ([]persistence.AgentRecord, error) {
	all, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]persistence.AgentRecord, 0, len(all))
	for _, rec := range all {
		if rec.Status == persistence.AgentActive {
			active = append(active, rec)
		}
	}
	return active, nil
}

// Liveness is the outcome of probing one agent.
type Liveness struct {
	Alive        bool
	HeartbeatAge time.Duration
	Process      ProcessState
	Reason       string
}

// ProbeLiveness reports whether id is alive: active status, a heartbeat within
// the liveness window, and a running process. Agents registered without a
// process handle (pid 0) are judged on the heartbeat alone.
func (r *Registry) ProbeLiveness(ctx context.Context, id string) (bool, error) {
	rec, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return false, err
	}
	return r.Assess(rec).Alive, nil
}

// Assess probes an already-loaded record.
func (r *Registry) Assess(rec persistence.AgentRecord) Liveness {
	l := Liveness{HeartbeatAge: r.now().Sub(rec.LastSeen), Process: ProcessUnknown}
	if rec.PID > 0 {
		l.Process = r.prober.Probe(rec.PID)
	}
	switch {
	case rec.Status != persistence.AgentActive:
		l.Reason = "inactive"
	case l.HeartbeatAge > r.window:
		l.Reason = fmt.Sprintf("heartbeat stale by %s", (l.HeartbeatAge - r.window).Round(time.Millisecond))
	case rec.PID > 0 && !l.Process.Alive():
		l.Reason = "process " + string(l.Process)
	default:
		l.Alive = true
	}
	return l
}

// Role returns the registered role of id.
func (r *Registry) Role(ctx context.Context, id string) (persistence.Role, error) {
	rec, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.Role, nil
}

// IsUnknown reports whether err means the agent id is not registered.
func IsUnknown(err error) bool {
	return errors.Is(err, persistence.ErrUnknownAgent)
}
