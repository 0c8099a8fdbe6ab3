package persistence

import (
	"fmt"
	"slices"
	"sort"
	"time"
)

// collection bits track which parts of a state changed during an operation so
// the file backend rewrites only those files.
type collection uint8

const (
	colAgents collection = 1 << iota
	colTasks
	colMessages
	colWorkflows
)

type taskRow struct {
	Task
	Seq int64 `json:"seq"`
}

// state is the complete swarm state held by the memory and file backends.
// Its methods are not safe for concurrent use; callers serialize access.
type state struct {
	agents    map[string]AgentRecord
	tasks     map[string]taskRow
	events    []TaskEvent
	messages  []Message
	workflows map[string]Workflow
	seq       int64

	dirty collection
}

func newState() *state {
	return &state{
		agents:    map[string]AgentRecord{},
		tasks:     map[string]taskRow{},
		workflows: map[string]Workflow{},
	}
}

func (s *state) putAgent(rec AgentRecord) (bool, error) {
	if rec.ID == "" {
		return false, fmt.Errorf("agent id must be non-empty")
	}
	if !rec.Role.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidRole, rec.Role)
	}
	_, replaced := s.agents[rec.ID]
	s.agents[rec.ID] = rec
	s.dirty |= colAgents
	return replaced, nil
}

func (s *state) getAgent(id string) (AgentRecord, error) {
	rec, ok := s.agents[id]
	if !ok {
		return AgentRecord{}, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return rec, nil
}

func (s *state) listAgents() []AgentRecord {
	out := make([]AgentRecord, 0, len(s.agents))
	for _, rec := range s.agents {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *state) touchAgent(id string, at time.Time) error {
	rec, err := s.getAgent(id)
	if err != nil {
		return err
	}
	rec.LastSeen = at
	s.agents[id] = rec
	s.dirty |= colAgents
	return nil
}

func (s *state) deactivateAgent(id string, at time.Time) (bool, error) {
	rec, err := s.getAgent(id)
	if err != nil {
		return false, err
	}
	if rec.Status == AgentInactive {
		return false, nil
	}
	rec.Status = AgentInactive
	rec.DeactivatedAt = &at
	s.agents[id] = rec
	s.dirty |= colAgents
	return true, nil
}

func (s *state) removeAgent(id string) error {
	if _, ok := s.agents[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	delete(s.agents, id)
	s.dirty |= colAgents
	return nil
}

// insertTask validates and stores a new pending task. batch holds ids reserved
// by the workflow being inserted so generated ids never collide with them.
func (s *state) insertTask(t Task, now time.Time, batch map[string]bool) (Task, error) {
	if t.AssignedTo == "" {
		return Task{}, fmt.Errorf("task assigned_to must be non-empty")
	}
	if t.ID == "" {
		t.ID = NewID()
		for s.taskExists(t.ID) || batch[t.ID] {
			t.ID = NewID()
		}
	} else if s.taskExists(t.ID) {
		return Task{}, fmt.Errorf("task %s already exists", t.ID)
	}
	for _, dep := range t.DependsOn {
		if !s.taskExists(dep) {
			return Task{}, fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, t.ID, dep)
		}
	}
	t.Status = TaskPending
	t.ClaimedBy = ""
	t.ClaimVersion = 0
	t.Attempts = 0
	t.Result = nil
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Data == nil {
		t.Data = map[string]any{}
	}
	if t.DependsOn == nil {
		t.DependsOn = []string{}
	}
	s.seq++
	s.tasks[t.ID] = taskRow{Task: t, Seq: s.seq}
	s.appendEvent(t, "", "created", now)
	s.dirty |= colTasks
	return t.clone(), nil
}

func (s *state) taskExists(id string) bool {
	_, ok := s.tasks[id]
	return ok
}

func (s *state) getTask(id string) (Task, error) {
	row, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return row.Task.clone(), nil
}

func (s *state) sortedRows(keep func(Task) bool) []taskRow {
	rows := make([]taskRow, 0, len(s.tasks))
	for _, row := range s.tasks {
		if keep(row.Task) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
	return rows
}

func rowsToTasks(rows []taskRow, limit int) []Task {
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]Task, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Task.clone())
	}
	return out
}

func (s *state) listTasks(f TaskFilter) []Task {
	return rowsToTasks(s.sortedRows(f.match), f.Limit)
}

func (s *state) dependenciesMet(t Task) bool {
	for _, dep := range t.DependsOn {
		row, ok := s.tasks[dep]
		if !ok || row.Status != TaskCompleted {
			return false
		}
	}
	return true
}

func (s *state) queryPending(agentID string, role Role) []Task {
	return rowsToTasks(s.sortedRows(func(t Task) bool {
		if t.Status != TaskPending {
			return false
		}
		if t.AssignedTo != agentID && (role == "" || t.AssignedTo != string(role)) {
			return false
		}
		return s.dependenciesMet(t)
	}), 0)
}

// casTask applies mutate to the task only if its claim_version still equals
// expected, then bumps the version and records the transition.
func (s *state) casTask(id string, expected int64, to TaskStatus, agentID, reason string, now time.Time, mutate func(*Task)) (Task, error) {
	row, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if row.ClaimVersion != expected {
		return Task{}, fmt.Errorf("%w: task %s version %d, expected %d", ErrClaimConflict, id, row.ClaimVersion, expected)
	}
	from := row.Status
	if !canTransition(from, to) {
		return Task{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	mutate(&row.Task)
	row.Status = to
	row.ClaimVersion++
	row.UpdatedAt = now
	s.tasks[id] = row
	s.appendEvent(row.Task, from, reason, now)
	if agentID != "" {
		s.events[len(s.events)-1].AgentID = agentID
	}
	s.dirty |= colTasks
	return row.Task.clone(), nil
}

func (s *state) appendEvent(t Task, from TaskStatus, reason string, at time.Time) {
	s.events = append(s.events, TaskEvent{
		TaskID:       t.ID,
		From:         from,
		To:           t.Status,
		ClaimVersion: t.ClaimVersion,
		Reason:       reason,
		At:           at,
	})
}

func (s *state) claimTask(taskID, agentID string, now time.Time) (Task, error) {
	t, err := s.getTask(taskID)
	if err != nil {
		return Task{}, err
	}
	if err := checkClaimable(t, s.dependenciesMet(t)); err != nil {
		return Task{}, err
	}
	return s.casTask(taskID, t.ClaimVersion, TaskInProgress, agentID, "claimed", now, func(t *Task) {
		t.ClaimedBy = agentID
		t.Attempts++
	})
}

// checkClaimable classifies why t cannot be claimed. A task already held by
// another claim is a lost race (ErrClaimConflict); terminal tasks and tasks
// with unmet dependencies are ErrNotClaimable.
func checkClaimable(t Task, depsMet bool) error {
	switch t.Status {
	case TaskPending:
	case TaskInProgress:
		return fmt.Errorf("%w: task %s already claimed by %s", ErrClaimConflict, t.ID, t.ClaimedBy)
	default:
		return fmt.Errorf("%w: task %s is %s", ErrNotClaimable, t.ID, t.Status)
	}
	if !depsMet {
		return fmt.Errorf("%w: task %s has unmet dependencies", ErrNotClaimable, t.ID)
	}
	return nil
}

func (s *state) finishTask(taskID, agentID string, status TaskStatus, result map[string]any, now time.Time) (Task, error) {
	t, err := s.getTask(taskID)
	if err != nil {
		return Task{}, err
	}
	if err := checkFinishable(t, agentID, status); err != nil {
		return Task{}, err
	}
	if result == nil {
		result = map[string]any{}
	}
	return s.casTask(taskID, t.ClaimVersion, status, agentID, string(status), now, func(t *Task) {
		t.Result = result
	})
}

func checkFinishable(t Task, agentID string, status TaskStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not a terminal status", ErrInvalidTransition, status)
	}
	if t.Status != TaskInProgress {
		return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, t.ID, t.Status)
	}
	if t.ClaimedBy != agentID {
		return fmt.Errorf("%w: task %s is claimed by %s, not %s", ErrInvalidTransition, t.ID, t.ClaimedBy, agentID)
	}
	return nil
}

func (s *state) requeueTask(taskID string, expected int64, reason string, now time.Time) (Task, error) {
	t, err := s.getTask(taskID)
	if err != nil {
		return Task{}, err
	}
	if t.Status != TaskInProgress {
		return Task{}, fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, taskID, t.Status)
	}
	prevOwner := t.ClaimedBy
	return s.casTask(taskID, expected, TaskPending, prevOwner, reason, now, func(t *Task) {
		t.ClaimedBy = ""
	})
}

func (s *state) taskHistory(taskID string) ([]TaskEvent, error) {
	if !s.taskExists(taskID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	var out []TaskEvent
	for _, ev := range s.events {
		if ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *state) appendMessage(m Message, now time.Time) Message {
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.Type == "" {
		m.Type = "info"
	}
	m.Timestamp = now
	s.messages = append(s.messages, m)
	s.dirty |= colMessages
	return m
}

func (s *state) listMessages(f MessageFilter) []Message {
	var out []Message
	for _, m := range s.messages {
		if f.match(m) {
			out = append(out, m)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (s *state) createWorkflow(wf Workflow, tasks []Task, now time.Time) (Workflow, []Task, error) {
	if wf.ID == "" {
		wf.ID = NewID()
		for s.workflowExists(wf.ID) {
			wf.ID = NewID()
		}
	} else if s.workflowExists(wf.ID) {
		return Workflow{}, nil, fmt.Errorf("workflow %s already exists", wf.ID)
	}
	if err := validateWorkflowBatch(wf, tasks, s.taskExists); err != nil {
		return Workflow{}, nil, err
	}

	// Insert into a scratch copy so a failure midway leaves s untouched.
	scratch := s.clone()
	batch := map[string]bool{}
	for _, t := range tasks {
		batch[t.ID] = true
	}
	created := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		t.WorkflowID = wf.ID
		out, err := scratch.insertTask(t, now, batch)
		if err != nil {
			return Workflow{}, nil, err
		}
		created = append(created, out)
	}
	wf.CreatedAt = now
	scratch.workflows[wf.ID] = wf
	scratch.dirty |= colWorkflows | colTasks
	*s = *scratch
	return wf, created, nil
}

// validateWorkflowBatch checks that every step references a task in the
// batch and every dependency points at an existing task or an earlier task of
// the batch.
func validateWorkflowBatch(wf Workflow, tasks []Task, exists func(string) bool) error {
	seen := map[string]bool{}
	for _, t := range tasks {
		if t.ID == "" {
			return fmt.Errorf("workflow tasks must carry pre-assigned ids")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate task id %s in workflow", t.ID)
		}
		for _, dep := range t.DependsOn {
			if !seen[dep] && !exists(dep) {
				return fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, t.ID, dep)
			}
		}
		seen[t.ID] = true
	}
	for _, step := range wf.Steps {
		if !seen[step.TaskID] {
			return fmt.Errorf("workflow step %d references task %s outside the batch", step.Sequence, step.TaskID)
		}
		if !step.Role.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidRole, step.Role)
		}
	}
	return nil
}

func (s *state) workflowExists(id string) bool {
	_, ok := s.workflows[id]
	return ok
}

func (s *state) getWorkflow(id string) (Workflow, error) {
	wf, ok := s.workflows[id]
	if !ok {
		return Workflow{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, id)
	}
	return wf, nil
}

func (s *state) listWorkflows() []Workflow {
	out := make([]Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// clone copies the reference fields of t so callers cannot mutate stored state.
func (t Task) clone() Task {
	t.Data = cloneMap(t.Data)
	t.Result = cloneMap(t.Result)
	t.DependsOn = slices.Clone(t.DependsOn)
	return t
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *state) clone() *state {
	c := &state{
		agents:    make(map[string]AgentRecord, len(s.agents)),
		tasks:     make(map[string]taskRow, len(s.tasks)),
		events:    slices.Clone(s.events),
		messages:  slices.Clone(s.messages),
		workflows: make(map[string]Workflow, len(s.workflows)),
		seq:       s.seq,
		dirty:     s.dirty,
	}
	for k, v := range s.agents {
		c.agents[k] = v
	}
	for k, v := range s.tasks {
		c.tasks[k] = v
	}
	for k, v := range s.workflows {
		c.workflows[k] = v
	}
	return c
}
