package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-swarm/internal/shared"
)

// Lifecycle actions recorded in the audit trail.
const (
	ActionSpawn      = "spawn"
	ActionKill       = "kill"
	ActionRestart    = "restart"
	ActionDeregister = "deregister"
	ActionRequeue    = "requeue"
	ActionCleanup    = "cleanup"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	Action    string `json:"action"`
	AgentID   string `json:"agent_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
}

var (
	mu      sync.Mutex
	file    *os.File
	written atomic.Int64
)

// Init opens <homeDir>/logs/audit.jsonl for appending. Records made before
// Init (or after Close) are dropped.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Written returns the number of entries appended since startup.
func Written() int64 {
	return written.Load()
}

// Record appends one lifecycle decision. taskID may be empty.
func Record(ctx context.Context, action, agentID, taskID, outcome, reason string) {
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:   shared.TraceID(ctx),
		Action:    action,
		AgentID:   agentID,
		TaskID:    taskID,
		Outcome:   outcome,
		Reason:    shared.Redact(reason),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	if _, err := file.Write(append(b, '\n')); err == nil {
		written.Add(1)
	}
}
