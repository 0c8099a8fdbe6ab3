package persistence

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the closed set of agent specializations.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleCoder       Role = "coder"
	RoleReviewer    Role = "reviewer"
	RoleRewriter    Role = "rewriter"
	RoleFileManager Role = "file_manager"
	RoleGitManager  Role = "git_manager"
	RoleResearcher  Role = "researcher"
	RoleTester      Role = "tester"
	RoleHelper      Role = "helper"
)

// Roles lists every valid role.
var Roles = []Role{
	RoleCoordinator,
	RoleCoder,
	RoleReviewer,
	RoleRewriter,
	RoleFileManager,
	RoleGitManager,
	RoleResearcher,
	RoleTester,
	RoleHelper,
}

// legacyRoleNames maps spellings used by older agent scripts.
var legacyRoleNames = map[string]Role{
	"code_reviewer": RoleReviewer,
	"code_rewriter": RoleRewriter,
}

// Valid reports whether r is one of Roles.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// ParseRole validates a role name. There is no fallback role: unknown input
// fails with ErrInvalidRole.
func ParseRole(raw string) (Role, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if r, ok := legacyRoleNames[name]; ok {
		return r, nil
	}
	r := Role(name)
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
	return r, nil
}

type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentInactive AgentStatus = "inactive"
)

// AgentRecord is one row of the agent registry.
type AgentRecord struct {
	ID            string      `json:"id"`
	Role          Role        `json:"role"`
	Status        AgentStatus `json:"status"`
	PID           int         `json:"pid"`
	LastSeen      time.Time   `json:"last_seen"`
	RegisteredAt  time.Time   `json:"registered_at"`
	DeactivatedAt *time.Time  `json:"deactivated_at,omitempty"`
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskPending: {
		TaskInProgress: {},
	},
	TaskInProgress: {
		TaskCompleted: {},
		TaskFailed:    {},
		TaskPending:   {}, // Stale-claim requeue.
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Task is a unit of work routed to an agent id or a role name.
type Task struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Description  string         `json:"description"`
	AssignedTo   string         `json:"assigned_to"`
	CreatedBy    string         `json:"created_by"`
	Status       TaskStatus     `json:"status"`
	Priority     int            `json:"priority"`
	Data         map[string]any `json:"data"`
	DependsOn    []string       `json:"depends_on"`
	WorkflowID   string         `json:"workflow_id,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	ClaimedBy    string         `json:"claimed_by,omitempty"`
	ClaimVersion int64          `json:"claim_version"`
	Attempts     int            `json:"attempts"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// TaskEvent records one status transition.
type TaskEvent struct {
	TaskID       string     `json:"task_id"`
	From         TaskStatus `json:"from,omitempty"`
	To           TaskStatus `json:"to"`
	ClaimVersion int64      `json:"claim_version"`
	AgentID      string     `json:"agent_id,omitempty"`
	Reason       string     `json:"reason"`
	At           time.Time  `json:"at"`
}

// BroadcastRecipient addresses a message to every agent.
const BroadcastRecipient = "all"

// Message is an append-only inter-agent notification.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type WorkflowStep struct {
	TaskID   string `json:"task_id"`
	Role     Role   `json:"role"`
	Sequence int    `json:"sequence"`
}

// Workflow groups the tasks decomposed from one goal. Its status is never
// stored; see DeriveWorkflowStatus.
type Workflow struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	CreatedBy   string         `json:"created_by"`
	Steps       []WorkflowStep `json:"steps"`
	CreatedAt   time.Time      `json:"created_at"`
}

// TaskIDs returns the step task ids in sequence order.
func (w Workflow) TaskIDs() []string {
	ids := make([]string, 0, len(w.Steps))
	for _, s := range w.Steps {
		ids = append(ids, s.TaskID)
	}
	return ids
}

type WorkflowStatus string

const (
	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowFailed     WorkflowStatus = "failed"
)

// DeriveWorkflowStatus aggregates step statuses: failed if any step failed,
// completed if every step completed, in_progress otherwise.
func DeriveWorkflowStatus(tasks []Task) WorkflowStatus {
	if len(tasks) == 0 {
		return WorkflowInProgress
	}
	completed := 0
	for _, t := range tasks {
		switch t.Status {
		case TaskFailed:
			return WorkflowFailed
		case TaskCompleted:
			completed++
		}
	}
	if completed == len(tasks) {
		return WorkflowCompleted
	}
	return WorkflowInProgress
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Status     TaskStatus
	AssignedTo string
	ClaimedBy  string
	WorkflowID string
	Limit      int
}

func (f TaskFilter) match(t Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo {
		return false
	}
	if f.ClaimedBy != "" && t.ClaimedBy != f.ClaimedBy {
		return false
	}
	if f.WorkflowID != "" && t.WorkflowID != f.WorkflowID {
		return false
	}
	return true
}

// MessageFilter narrows ListMessages. To also matches broadcast messages.
type MessageFilter struct {
	To    string
	Since time.Time
	Limit int
}

func (f MessageFilter) match(m Message) bool {
	if f.To != "" && m.To != f.To && m.To != BroadcastRecipient {
		return false
	}
	if !f.Since.IsZero() && !m.Timestamp.After(f.Since) {
		return false
	}
	return true
}

// NewID returns a short random identifier for tasks, messages and workflows.
func NewID() string {
	return uuid.NewString()[:8]
}
