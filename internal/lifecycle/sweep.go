package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/basket/go-swarm/internal/audit"
	"github.com/basket/go-swarm/internal/messaging"
	gsotel "github.com/basket/go-swarm/internal/otel"
	"github.com/basket/go-swarm/internal/persistence"
	"github.com/basket/go-swarm/internal/registry"
)

type DeadAgent struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

type RequeuedTask struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

// SweepReport summarizes one health sweep.
type SweepReport struct {
	Checked  int            `json:"checked"`
	Live     int            `json:"live"`
	Dead     []DeadAgent    `json:"dead"`
	Requeued []RequeuedTask `json:"requeued"`
	// Errors counts per-agent or per-task failures that were logged and
	// skipped.
	Errors int `json:"errors"`
}

// HealthSweep probes every active agent, deregisters the ones that are not
// live and returns their in_progress tasks to pending. Tasks held by an agent
// that is already inactive or gone are reclaimed the same way. A failure on
// one agent or task is logged and the sweep continues.
func (m *Manager) HealthSweep(ctx context.Context) (report SweepReport, err error) {
	start := time.Now()
	ctx, span := gsotel.StartSpan(ctx, m.tel.Tracer, "lifecycle.health_sweep")
	defer func() {
		span.SetAttributes(
			attribute.Int("goswarm.sweep.dead", len(report.Dead)),
			attribute.Int("goswarm.sweep.requeued", len(report.Requeued)),
		)
		gsotel.EndSpan(span, err)
		m.tel.Metrics.SweepDuration.Record(ctx, time.Since(start).Seconds())
	}()

	active, err := m.cfg.Registry.ListActive(ctx)
	if err != nil {
		return report, fmt.Errorf("health sweep: %w", err)
	}
	report.Checked = len(active)

	var mu sync.Mutex
	assessed := make(map[string]registry.Liveness, len(active))
	var g errgroup.Group
	g.SetLimit(m.cfg.SweepConcurrency)
	for _, rec := range active {
		g.Go(func() error {
			l := m.cfg.Registry.Assess(rec)
			mu.Lock()
			assessed[rec.ID] = l
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	live := make(map[string]bool, len(active))
	for _, rec := range active {
		l := assessed[rec.ID]
		if l.Alive {
			live[rec.ID] = true
			report.Live++
			continue
		}
		m.logger.WarnContext(ctx, "agent failed liveness probe", "agent_id", rec.ID, "reason", l.Reason,
			"heartbeat_age", l.HeartbeatAge.Round(time.Millisecond).String(), "process", l.Process)
		if err := m.cfg.Registry.Deregister(ctx, rec.ID, l.Reason); err != nil {
			m.logger.ErrorContext(ctx, "deregister dead agent failed", "agent_id", rec.ID, "error", err)
			report.Errors++
			continue
		}
		report.Dead = append(report.Dead, DeadAgent{AgentID: rec.ID, Reason: l.Reason})
		audit.Record(ctx, audit.ActionDeregister, rec.ID, "", "ok", l.Reason)
		m.cfg.Messages.Notify(ctx, Sender, persistence.BroadcastRecipient, messaging.TypeAgentDown,
			fmt.Sprintf("agent %s is down: %s", rec.ID, l.Reason))
	}
	m.tel.Metrics.ActiveAgents.Record(ctx, int64(report.Live))

	owned, err := m.cfg.Router.List(ctx, persistence.TaskFilter{Status: persistence.TaskInProgress})
	if err != nil {
		return report, fmt.Errorf("health sweep: list in_progress: %w", err)
	}
	rechecked := make(map[string]bool)
	for _, t := range owned {
		if !live[t.ClaimedBy] && !rechecked[t.ClaimedBy] {
			// The claimant may have registered or restarted after the
			// roster was read, so judge it on its current record.
			rechecked[t.ClaimedBy] = true
			live[t.ClaimedBy] = m.claimantAlive(ctx, t.ClaimedBy)
		}
		if live[t.ClaimedBy] {
			continue
		}
		reason := fmt.Sprintf("claimant %s not live", t.ClaimedBy)
		if _, err := m.cfg.Router.Requeue(ctx, t.ID, t.ClaimVersion, reason); err != nil {
			if isRace(err) {
				// The task moved on since it was listed.
				continue
			}
			m.logger.ErrorContext(ctx, "requeue stale task failed", "task_id", t.ID, "agent_id", t.ClaimedBy, "error", err)
			report.Errors++
			continue
		}
		report.Requeued = append(report.Requeued, RequeuedTask{TaskID: t.ID, AgentID: t.ClaimedBy})
		audit.Record(ctx, audit.ActionRequeue, t.ClaimedBy, t.ID, "ok", reason)
	}

	if len(report.Dead) > 0 || len(report.Requeued) > 0 {
		m.logger.InfoContext(ctx, "health sweep reclaimed work",
			"checked", report.Checked, "dead", len(report.Dead), "requeued", len(report.Requeued))
	}
	return report, nil
}

// claimantAlive re-reads id from the registry. A missing, inactive or
// unresponsive agent is not alive.
func (m *Manager) claimantAlive(ctx context.Context, id string) bool {
	rec, err := m.cfg.Registry.Get(ctx, id)
	if err != nil {
		return false
	}
	return m.cfg.Registry.Assess(rec).Alive
}

// CleanupInactive removes agents that have been inactive longer than the
// retention window. It returns the removed ids.
func (m *Manager) CleanupInactive(ctx context.Context) ([]string, error) {
	all, err := m.cfg.Registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("cleanup: %w", err)
	}
	now := m.now()
	var removed []string
	for _, rec := range all {
		if rec.Status != persistence.AgentInactive {
			continue
		}
		since := rec.LastSeen
		if rec.DeactivatedAt != nil {
			since = *rec.DeactivatedAt
		}
		if now.Sub(since) < m.cfg.InactiveRetention {
			continue
		}
		if err := m.cfg.Registry.Remove(ctx, rec.ID); err != nil {
			m.logger.ErrorContext(ctx, "remove inactive agent failed", "agent_id", rec.ID, "error", err)
			continue
		}
		removed = append(removed, rec.ID)
		audit.Record(ctx, audit.ActionCleanup, rec.ID, "", "ok", "inactive since "+since.UTC().Format(time.RFC3339))
	}
	if len(removed) > 0 {
		m.logger.InfoContext(ctx, "removed inactive agents", "count", len(removed))
	}
	return removed, nil
}

type AgentStatus struct {
	persistence.AgentRecord
	Process      registry.ProcessState `json:"process_status"`
	Alive        bool                  `json:"alive"`
	HeartbeatAge time.Duration         `json:"heartbeat_age"`
	Reason       string                `json:"reason,omitempty"`
}

type StatusReport struct {
	Total    int           `json:"total_agents"`
	Active   int           `json:"active_agents"`
	Inactive int           `json:"inactive_agents"`
	Agents   []AgentStatus `json:"agents"`
}

// Status reports every registered agent with its process state.
func (m *Manager) Status(ctx context.Context) (StatusReport, error) {
	all, err := m.cfg.Registry.List(ctx)
	if err != nil {
		return StatusReport{}, fmt.Errorf("status: %w", err)
	}
	report := StatusReport{Total: len(all), Agents: make([]AgentStatus, 0, len(all))}
	for _, rec := range all {
		if rec.Status == persistence.AgentActive {
			report.Active++
		} else {
			report.Inactive++
		}
		l := m.cfg.Registry.Assess(rec)
		report.Agents = append(report.Agents, AgentStatus{
			AgentRecord:  rec,
			Process:      l.Process,
			Alive:        l.Alive,
			HeartbeatAge: l.HeartbeatAge,
			Reason:       l.Reason,
		})
	}
	sort.Slice(report.Agents, func(i, j int) bool { return report.Agents[i].ID < report.Agents[j].ID })
	return report, nil
}
