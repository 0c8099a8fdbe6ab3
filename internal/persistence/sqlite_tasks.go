package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-swarm/internal/shared"
)

const taskColumns = `id, type, description, assigned_to, created_by, status, priority, data,
	COALESCE(workflow_id, ''), COALESCE(result, ''), claimed_by, claim_version, attempts, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, t *Task) error {
	var (
		status, data, result string
		createdAt, updatedAt string
	)
	if err := scanFn(
		&t.ID, &t.Type, &t.Description, &t.AssignedTo, &t.CreatedBy, &status, &t.Priority, &data,
		&t.WorkflowID, &result, &t.ClaimedBy, &t.ClaimVersion, &t.Attempts, &createdAt, &updatedAt,
	); err != nil {
		return err
	}
	t.Status = TaskStatus(status)
	t.Data = map[string]any{}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &t.Data); err != nil {
			return fmt.Errorf("%w: task %s data: %v", ErrStorageCorruption, t.ID, err)
		}
	}
	t.Result = nil
	if result != "" {
		if err := json.Unmarshal([]byte(result), &t.Result); err != nil {
			return fmt.Errorf("%w: task %s result: %v", ErrStorageCorruption, t.ID, err)
		}
	}
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return err
	}
	return nil
}

func encodeJSON(v map[string]any) (string, error) {
	if v == nil {
		v = map[string]any{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(b), nil
}

func getTaskQ(ctx context.Context, q querier, id string) (Task, error) {
	var t Task
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	if err := scanTask(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	deps, err := loadDeps(ctx, q, []string{id})
	if err != nil {
		return Task{}, err
	}
	t.DependsOn = deps[id]
	if t.DependsOn == nil {
		t.DependsOn = []string{}
	}
	return t, nil
}

// queryTasks runs a task SELECT and attaches dependency lists.
func queryTasks(ctx context.Context, q querier, query string, args ...any) ([]Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(out) == 0 {
		return []Task{}, nil
	}
	ids := make([]string, len(out))
	for i, t := range out {
		ids[i] = t.ID
	}
	deps, err := loadDeps(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].DependsOn = deps[out[i].ID]
		if out[i].DependsOn == nil {
			out[i].DependsOn = []string{}
		}
	}
	return out, nil
}

func loadDeps(ctx context.Context, q querier, ids []string) (map[string][]string, error) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx,
		`SELECT task_id, depends_on FROM task_deps WHERE task_id IN (`+placeholders(len(ids))+`) ORDER BY task_id, position;`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("load dependencies: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string][]string, len(ids))
	for rows.Next() {
		var taskID, dep string
		if err := rows.Scan(&taskID, &dep); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		out[taskID] = append(out[taskID], dep)
	}
	return out, rows.Err()
}

func taskExistsQ(ctx context.Context, q querier, id string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id = ?;`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("check task: %w", err)
	}
	return n > 0, nil
}

func dependenciesMetQ(ctx context.Context, q querier, id string) (bool, error) {
	var unmet int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM task_deps d
		LEFT JOIN tasks dt ON dt.id = d.depends_on
		WHERE d.task_id = ? AND (dt.status IS NULL OR dt.status != 'completed');
	`, id).Scan(&unmet)
	if err != nil {
		return false, fmt.Errorf("check dependencies: %w", err)
	}
	return unmet == 0, nil
}

func appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, version int64, agentID, reason string, at time.Time) error {
	var fromVal any
	if from != "" {
		fromVal = string(from)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, state_from, state_to, claim_version, agent_id, reason, trace_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, taskID, fromVal, string(to), version, agentID, reason, shared.TraceID(ctx), formatTime(at))
	if err != nil {
		return fmt.Errorf("append task event: %w", err)
	}
	return nil
}

// insertTaskTx stores t as a fresh pending task. reserved holds ids that a
// caller batch is about to insert.
func (s *SQLiteStore) insertTaskTx(ctx context.Context, tx *sql.Tx, t Task, now time.Time, reserved map[string]bool) (Task, error) {
	if t.AssignedTo == "" {
		return Task{}, fmt.Errorf("task assigned_to must be non-empty")
	}
	if t.ID == "" {
		for {
			t.ID = NewID()
			if reserved[t.ID] {
				continue
			}
			exists, err := taskExistsQ(ctx, tx, t.ID)
			if err != nil {
				return Task{}, err
			}
			if !exists {
				break
			}
		}
	} else {
		exists, err := taskExistsQ(ctx, tx, t.ID)
		if err != nil {
			return Task{}, err
		}
		if exists {
			return Task{}, fmt.Errorf("task %s already exists", t.ID)
		}
	}
	for _, dep := range t.DependsOn {
		exists, err := taskExistsQ(ctx, tx, dep)
		if err != nil {
			return Task{}, err
		}
		if !exists {
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
	data, err := encodeJSON(t.Data)
	if err != nil {
		return Task{}, err
	}
	var workflowID any
	if t.WorkflowID != "" {
		workflowID = t.WorkflowID
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, type, description, assigned_to, created_by, status, priority, data, workflow_id, claimed_by, claim_version, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0, 0, ?, ?);
	`, t.ID, t.Type, t.Description, t.AssignedTo, t.CreatedBy, string(t.Status), t.Priority, data, workflowID, formatTime(now), formatTime(now)); err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	for i, dep := range t.DependsOn {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps (task_id, depends_on, position) VALUES (?, ?, ?);`, t.ID, dep, i); err != nil {
			return Task{}, fmt.Errorf("insert dependency: %w", err)
		}
	}
	if err := appendTaskEventTx(ctx, tx, t.ID, "", TaskPending, 0, "", "created", now); err != nil {
		return Task{}, err
	}
	return t, nil
}

func (s *SQLiteStore) CreateTask(ctx context.Context, t Task) (Task, error) {
	var out Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = s.insertTaskTx(ctx, tx, t, s.opts.now(), nil)
		return err
	})
	return out, err
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (Task, error) {
	return getTaskQ(ctx, s.db, id)
}

func (s *SQLiteStore) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.AssignedTo != "" {
		conds = append(conds, "assigned_to = ?")
		args = append(args, f.AssignedTo)
	}
	if f.ClaimedBy != "" {
		conds = append(conds, "claimed_by = ?")
		args = append(args, f.ClaimedBy)
	}
	if f.WorkflowID != "" {
		conds = append(conds, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY priority ASC, created_at ASC, rowid ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return queryTasks(ctx, s.db, query+";", args...)
}

// QueryPending returns pending tasks addressed to agentID or to role whose
// dependencies have all completed, highest priority (lowest number) first.
func (s *SQLiteStore) QueryPending(ctx context.Context, agentID string, role Role) ([]Task, error) {
	return queryTasks(ctx, s.db, `
		SELECT `+taskColumns+` FROM tasks t
		WHERE t.status = 'pending'
		  AND (t.assigned_to = ? OR (? != '' AND t.assigned_to = ?))
		  AND NOT EXISTS (
			SELECT 1 FROM task_deps d
			LEFT JOIN tasks dt ON dt.id = d.depends_on
			WHERE d.task_id = t.id AND (dt.status IS NULL OR dt.status != 'completed')
		  )
		ORDER BY t.priority ASC, t.created_at ASC, t.rowid ASC;
	`, agentID, string(role), string(role))
}

// casTaskTx moves t to status `to` only if its row still carries the status
// and claim_version that were read. A lost race surfaces as ErrClaimConflict.
func casTaskTx(ctx context.Context, tx *sql.Tx, t Task, to TaskStatus, claimedBy string, result map[string]any, attemptsDelta int, agentID, reason string, now time.Time) (Task, error) {
	if !canTransition(t.Status, to) {
		return Task{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	var resultVal any
	if result != nil {
		enc, err := encodeJSON(result)
		if err != nil {
			return Task{}, err
		}
		resultVal = enc
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?,
			claimed_by = ?,
			result = CASE WHEN ? IS NULL THEN result ELSE ? END,
			attempts = attempts + ?,
			claim_version = claim_version + 1,
			updated_at = ?
		WHERE id = ? AND status = ? AND claim_version = ?;
	`, string(to), claimedBy, resultVal, resultVal, attemptsDelta, formatTime(now), t.ID, string(t.Status), t.ClaimVersion)
	if err != nil {
		return Task{}, fmt.Errorf("update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Task{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected != 1 {
		return Task{}, fmt.Errorf("%w: task %s changed since version %d", ErrClaimConflict, t.ID, t.ClaimVersion)
	}
	from := t.Status
	t.Status = to
	t.ClaimedBy = claimedBy
	if result != nil {
		t.Result = result
	}
	t.Attempts += attemptsDelta
	t.ClaimVersion++
	t.UpdatedAt = now
	if err := appendTaskEventTx(ctx, tx, t.ID, from, to, t.ClaimVersion, agentID, reason, now); err != nil {
		return Task{}, err
	}
	return t, nil
}

func (s *SQLiteStore) ClaimTask(ctx context.Context, taskID, agentID string) (Task, error) {
	var out Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTaskQ(ctx, tx, taskID)
		if err != nil {
			return err
		}
		met, err := dependenciesMetQ(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := checkClaimable(t, met); err != nil {
			return err
		}
		out, err = casTaskTx(ctx, tx, t, TaskInProgress, agentID, nil, 1, agentID, "claimed", s.opts.now())
		return err
	})
	return out, err
}

func (s *SQLiteStore) FinishTask(ctx context.Context, taskID, agentID string, status TaskStatus, result map[string]any) (Task, error) {
	var out Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTaskQ(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := checkFinishable(t, agentID, status); err != nil {
			return err
		}
		if result == nil {
			result = map[string]any{}
		}
		out, err = casTaskTx(ctx, tx, t, status, t.ClaimedBy, result, 0, agentID, string(status), s.opts.now())
		return err
	})
	return out, err
}

func (s *SQLiteStore) RequeueTask(ctx context.Context, taskID string, expectedVersion int64, reason string) (Task, error) {
	var out Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTaskQ(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != TaskInProgress {
			return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, taskID, t.Status)
		}
		if t.ClaimVersion != expectedVersion {
			return fmt.Errorf("%w: task %s version %d, expected %d", ErrClaimConflict, taskID, t.ClaimVersion, expectedVersion)
		}
		out, err = casTaskTx(ctx, tx, t, TaskPending, "", nil, 0, t.ClaimedBy, reason, s.opts.now())
		return err
	})
	return out, err
}

func (s *SQLiteStore) TaskHistory(ctx context.Context, taskID string) ([]TaskEvent, error) {
	exists, err := taskExistsQ(ctx, s.db, taskID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, COALESCE(state_from, ''), state_to, claim_version, agent_id, reason, created_at
		FROM task_events WHERE task_id = ? ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []TaskEvent
	for rows.Next() {
		var (
			ev       TaskEvent
			from, to string
			at       string
		)
		if err := rows.Scan(&ev.TaskID, &from, &to, &ev.ClaimVersion, &ev.AgentID, &ev.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.From = TaskStatus(from)
		ev.To = TaskStatus(to)
		if ev.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
