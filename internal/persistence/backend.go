package persistence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Store is the shared durable state of the swarm. Every mutation that can race
// with another process is a compare-and-swap on the task's claim_version, so
// implementations never rely on in-process locks for cross-agent correctness.
type Store interface {
	// PutAgent inserts or overwrites an agent record. replaced reports whether
	// a record with the same id already existed.
	PutAgent(ctx context.Context, rec AgentRecord) (replaced bool, err error)
	GetAgent(ctx context.Context, id string) (AgentRecord, error)
	ListAgents(ctx context.Context) ([]AgentRecord, error)
	// TouchAgent records a heartbeat.
	TouchAgent(ctx context.Context, id string, at time.Time) error
	// DeactivateAgent marks an agent inactive. changed is false when the agent
	// was already inactive.
	DeactivateAgent(ctx context.Context, id string, at time.Time) (changed bool, err error)
	RemoveAgent(ctx context.Context, id string) error

	CreateTask(ctx context.Context, t Task) (Task, error)
	GetTask(ctx context.Context, id string) (Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)
	// QueryPending returns pending tasks assigned to agentID or role whose
	// dependencies are all completed, by priority then creation order.
	QueryPending(ctx context.Context, agentID string, role Role) ([]Task, error)
	ClaimTask(ctx context.Context, taskID, agentID string) (Task, error)
	FinishTask(ctx context.Context, taskID, agentID string, status TaskStatus, result map[string]any) (Task, error)
	// RequeueTask reverts an in_progress task to pending, conditioned on
	// expectedVersion still being current.
	RequeueTask(ctx context.Context, taskID string, expectedVersion int64, reason string) (Task, error)
	TaskHistory(ctx context.Context, taskID string) ([]TaskEvent, error)

	AppendMessage(ctx context.Context, m Message) (Message, error)
	ListMessages(ctx context.Context, f MessageFilter) ([]Message, error)

	// CreateWorkflow writes the workflow and its first batch of tasks in one
	// atomic step. Task dependencies may reference earlier tasks in the batch.
	CreateWorkflow(ctx context.Context, wf Workflow, tasks []Task) (Workflow, []Task, error)
	GetWorkflow(ctx context.Context, id string) (Workflow, error)
	ListWorkflows(ctx context.Context) ([]Workflow, error)

	Close() error
}

const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendMemory = "memory"
)

// Options tunes a backend. Zero values select defaults.
type Options struct {
	// Driver selects the database/sql driver for the SQLite backend:
	// "sqlite3" (mattn, cgo) or "sqlite" (modernc, pure Go).
	Driver string
	// Now stamps task, message and workflow timestamps.
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

// DefaultPath returns the default location of a backend under homeDir.
func DefaultPath(homeDir, backend string) string {
	switch backend {
	case BackendFile:
		return filepath.Join(homeDir, "state")
	default:
		return filepath.Join(homeDir, "swarm.db")
	}
}

// Open constructs the named backend. An empty path selects DefaultPath under
// the user's ~/.goswarm directory.
func Open(backend, path string, opts Options) (Store, error) {
	if path == "" && backend != BackendMemory {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			home = "."
		}
		path = DefaultPath(filepath.Join(home, ".goswarm"), backend)
	}
	switch backend {
	case BackendSQLite, "":
		return OpenSQLite(path, opts)
	case BackendFile:
		return OpenFile(path, opts)
	case BackendMemory:
		return NewMemory(opts), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q (supported: sqlite, file, memory)", backend)
	}
}
