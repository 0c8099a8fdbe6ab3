package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func scanAgent(scanFn func(dest ...any) error) (AgentRecord, error) {
	var (
		rec                    AgentRecord
		role, status           string
		lastSeen, registeredAt string
		deactivatedAt          sql.NullString
	)
	if err := scanFn(&rec.ID, &role, &status, &rec.PID, &lastSeen, &registeredAt, &deactivatedAt); err != nil {
		return AgentRecord{}, err
	}
	rec.Role = Role(role)
	rec.Status = AgentStatus(status)
	var err error
	if rec.LastSeen, err = parseTime(lastSeen); err != nil {
		return AgentRecord{}, err
	}
	if rec.RegisteredAt, err = parseTime(registeredAt); err != nil {
		return AgentRecord{}, err
	}
	if deactivatedAt.Valid {
		at, err := parseTime(deactivatedAt.String)
		if err != nil {
			return AgentRecord{}, err
		}
		rec.DeactivatedAt = &at
	}
	return rec, nil
}

const agentColumns = `id, role, status, pid, last_seen, registered_at, deactivated_at`

func (s *SQLiteStore) PutAgent(ctx context.Context, rec AgentRecord) (bool, error) {
	if rec.ID == "" {
		return false, fmt.Errorf("agent id must be non-empty")
	}
	if !rec.Role.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidRole, rec.Role)
	}
	var deactivatedAt any
	if rec.DeactivatedAt != nil {
		deactivatedAt = formatTime(*rec.DeactivatedAt)
	}
	var replaced bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM agents WHERE id = ?;`, rec.ID).Scan(&n); err != nil {
			return fmt.Errorf("check agent: %w", err)
		}
		replaced = n > 0
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agents (`+agentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				role = excluded.role,
				status = excluded.status,
				pid = excluded.pid,
				last_seen = excluded.last_seen,
				registered_at = excluded.registered_at,
				deactivated_at = excluded.deactivated_at;
		`, rec.ID, string(rec.Role), string(rec.Status), rec.PID, formatTime(rec.LastSeen), formatTime(rec.RegisteredAt), deactivatedAt)
		if err != nil {
			return fmt.Errorf("upsert agent: %w", err)
		}
		return nil
	})
	return replaced, err
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?;`, id)
	rec, err := scanAgent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AgentRecord{}, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
		}
		return AgentRecord{}, fmt.Errorf("get agent: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := []AgentRecord{}
	for rows.Next() {
		rec, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// execAgent runs a single-row agent update and maps zero affected rows to
// ErrUnknownAgent.
func (s *SQLiteStore) execAgent(ctx context.Context, id, query string, args ...any) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update agent: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
		}
		return nil
	})
}

func (s *SQLiteStore) TouchAgent(ctx context.Context, id string, at time.Time) error {
	return s.execAgent(ctx, id, `UPDATE agents SET last_seen = ? WHERE id = ?;`, formatTime(at), id)
}

func (s *SQLiteStore) DeactivateAgent(ctx context.Context, id string, at time.Time) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM agents WHERE id = ?;`, id).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
			}
			return fmt.Errorf("get agent status: %w", err)
		}
		if AgentStatus(status) == AgentInactive {
			changed = false
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET status = 'inactive', deactivated_at = ? WHERE id = ?;`, formatTime(at), id); err != nil {
			return fmt.Errorf("deactivate agent: %w", err)
		}
		changed = true
		return nil
	})
	return changed, err
}

func (s *SQLiteStore) RemoveAgent(ctx context.Context, id string) error {
	return s.execAgent(ctx, id, `DELETE FROM agents WHERE id = ?;`, id)
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.Type == "" {
		m.Type = "info"
	}
	m.Timestamp = s.opts.now()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, from_agent, to_agent, type, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, m.ID, m.From, m.To, m.Type, m.Content, formatTime(m.Timestamp))
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, f MessageFilter) ([]Message, error) {
	query := `SELECT id, from_agent, to_agent, type, content, created_at FROM messages WHERE 1 = 1`
	var args []any
	if f.To != "" {
		query += ` AND (to_agent = ? OR to_agent = ?)`
		args = append(args, f.To, BroadcastRecipient)
	}
	if !f.Since.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, formatTime(f.Since))
	}
	query += ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Message
	for rows.Next() {
		var (
			m  Message
			at string
		)
		if err := rows.Scan(&m.ID, &m.From, &m.To, &m.Type, &m.Content, &at); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.Timestamp, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateWorkflow inserts the workflow, its tasks and its steps in one
// transaction.
func (s *SQLiteStore) CreateWorkflow(ctx context.Context, wf Workflow, tasks []Task) (Workflow, []Task, error) {
	var created []Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		created = created[:0]
		if wf.ID == "" {
			for {
				wf.ID = NewID()
				var n int
				if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM workflows WHERE id = ?;`, wf.ID).Scan(&n); err != nil {
					return fmt.Errorf("check workflow: %w", err)
				}
				if n == 0 {
					break
				}
			}
		}
		exists := func(id string) bool {
			ok, err := taskExistsQ(ctx, tx, id)
			return err == nil && ok
		}
		if err := validateWorkflowBatch(wf, tasks, exists); err != nil {
			return err
		}
		now := s.opts.now()
		if _, err := tx.ExecContext(ctx, `INSERT INTO workflows (id, description, created_by, created_at) VALUES (?, ?, ?, ?);`,
			wf.ID, wf.Description, wf.CreatedBy, formatTime(now)); err != nil {
			return fmt.Errorf("insert workflow: %w", err)
		}
		reserved := map[string]bool{}
		for _, t := range tasks {
			reserved[t.ID] = true
		}
		for _, t := range tasks {
			t.WorkflowID = wf.ID
			out, err := s.insertTaskTx(ctx, tx, t, now, reserved)
			if err != nil {
				return err
			}
			created = append(created, out)
		}
		for _, step := range wf.Steps {
			if _, err := tx.ExecContext(ctx, `INSERT INTO workflow_steps (workflow_id, sequence, task_id, role) VALUES (?, ?, ?, ?);`,
				wf.ID, step.Sequence, step.TaskID, string(step.Role)); err != nil {
				return fmt.Errorf("insert workflow step: %w", err)
			}
		}
		wf.CreatedAt = now
		return nil
	})
	if err != nil {
		return Workflow{}, nil, err
	}
	return wf, created, nil
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	var (
		wf Workflow
		at string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, description, created_by, created_at FROM workflows WHERE id = ?;`, id).
		Scan(&wf.ID, &wf.Description, &wf.CreatedBy, &at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Workflow{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, id)
		}
		return Workflow{}, fmt.Errorf("get workflow: %w", err)
	}
	if wf.CreatedAt, err = parseTime(at); err != nil {
		return Workflow{}, err
	}
	if wf.Steps, err = s.workflowSteps(ctx, id); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

func (s *SQLiteStore) workflowSteps(ctx context.Context, id string) ([]WorkflowStep, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, role, sequence FROM workflow_steps WHERE workflow_id = ? ORDER BY sequence ASC;`, id)
	if err != nil {
		return nil, fmt.Errorf("list workflow steps: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var steps []WorkflowStep
	for rows.Next() {
		var (
			st   WorkflowStep
			role string
		)
		if err := rows.Scan(&st.TaskID, &role, &st.Sequence); err != nil {
			return nil, fmt.Errorf("scan workflow step: %w", err)
		}
		st.Role = Role(role)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM workflows ORDER BY created_at ASC, id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	out := make([]Workflow, 0, len(ids))
	for _, id := range ids {
		wf, err := s.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}
