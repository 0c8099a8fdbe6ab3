package tui

import (
	"context"
	"sort"
	"time"

	"github.com/basket/go-swarm/internal/persistence"
	"github.com/basket/go-swarm/internal/registry"
)

type AgentRow struct {
	ID           string
	Role         persistence.Role
	Status       persistence.AgentStatus
	Process      registry.ProcessState
	Alive        bool
	HeartbeatAge time.Duration
	Working      string
}

type WorkflowRow struct {
	ID          string
	Description string
	Status      persistence.WorkflowStatus
	Done        int
	Total       int
}

type TaskCounts struct {
	Pending    int
	InProgress int
	Completed  int
	Failed     int
}

// Snapshot is one refresh of the dashboard.
type Snapshot struct {
	StoreOK   bool
	Backend   string
	Agents    []AgentRow
	Tasks     TaskCounts
	Workflows []WorkflowRow
	Recent    []persistence.Task
	LastError string
	Uptime    time.Duration
}

type StatusProvider func() Snapshot

const recentTasks = 10

// Collect reads a snapshot from store. Registry supplies liveness
// assessment; a read error is reported in LastError rather than returned.
func Collect(ctx context.Context, store persistence.Store, reg *registry.Registry) Snapshot {
	var snap Snapshot
	agents, err := reg.List(ctx)
	if err != nil {
		snap.LastError = humanError(err)
		return snap
	}
	tasks, err := store.ListTasks(ctx, persistence.TaskFilter{})
	if err != nil {
		snap.LastError = humanError(err)
		return snap
	}
	workflows, err := store.ListWorkflows(ctx)
	if err != nil {
		snap.LastError = humanError(err)
		return snap
	}
	snap.StoreOK = true

	working := map[string]string{}
	byID := make(map[string]persistence.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		switch t.Status {
		case persistence.TaskPending:
			snap.Tasks.Pending++
		case persistence.TaskInProgress:
			snap.Tasks.InProgress++
			working[t.ClaimedBy] = t.ID
		case persistence.TaskCompleted:
			snap.Tasks.Completed++
		case persistence.TaskFailed:
			snap.Tasks.Failed++
		}
	}

	for _, rec := range agents {
		l := reg.Assess(rec)
		snap.Agents = append(snap.Agents, AgentRow{
			ID:           rec.ID,
			Role:         rec.Role,
			Status:       rec.Status,
			Process:      l.Process,
			Alive:        l.Alive,
			HeartbeatAge: l.HeartbeatAge,
			Working:      working[rec.ID],
		})
	}

	for _, wf := range workflows {
		row := WorkflowRow{ID: wf.ID, Description: wf.Description, Total: len(wf.Steps)}
		members := make([]persistence.Task, 0, len(wf.Steps))
		for _, id := range wf.TaskIDs() {
			if t, ok := byID[id]; ok {
				members = append(members, t)
				if t.Status.Terminal() {
					row.Done++
				}
			}
		}
		row.Status = persistence.DeriveWorkflowStatus(members)
		snap.Workflows = append(snap.Workflows, row)
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt) })
	if len(tasks) > recentTasks {
		tasks = tasks[:recentTasks]
	}
	snap.Recent = tasks
	return snap
}
