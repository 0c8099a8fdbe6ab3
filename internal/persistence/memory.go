package persistence

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Store. Its mutex stands in for the atomic
// compare-and-swap a shared backend provides, so it is only suitable when all
// agents live in one process (tests, single-binary demos).
type Memory struct {
	mu   sync.Mutex
	st   *state
	opts Options
}

var _ Store = (*Memory)(nil)

func NewMemory(opts Options) *Memory {
	return &Memory{st: newState(), opts: opts}
}

func (m *Memory) PutAgent(_ context.Context, rec AgentRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.putAgent(rec)
}

func (m *Memory) GetAgent(_ context.Context, id string) (AgentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.getAgent(id)
}

func (m *Memory) ListAgents(_ context.Context) ([]AgentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.listAgents(), nil
}

func (m *Memory) TouchAgent(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.touchAgent(id, at)
}

func (m *Memory) DeactivateAgent(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.deactivateAgent(id, at)
}

func (m *Memory) RemoveAgent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.removeAgent(id)
}

func (m *Memory) CreateTask(_ context.Context, t Task) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.insertTask(t, m.opts.now(), nil)
}

func (m *Memory) GetTask(_ context.Context, id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.getTask(id)
}

func (m *Memory) ListTasks(_ context.Context, f TaskFilter) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.listTasks(f), nil
}

func (m *Memory) QueryPending(_ context.Context, agentID string, role Role) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.queryPending(agentID, role), nil
}

func (m *Memory) ClaimTask(_ context.Context, taskID, agentID string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.claimTask(taskID, agentID, m.opts.now())
}

func (m *Memory) FinishTask(_ context.Context, taskID, agentID string, status TaskStatus, result map[string]any) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.finishTask(taskID, agentID, status, result, m.opts.now())
}

func (m *Memory) RequeueTask(_ context.Context, taskID string, expectedVersion int64, reason string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.requeueTask(taskID, expectedVersion, reason, m.opts.now())
}

func (m *Memory) TaskHistory(_ context.Context, taskID string) ([]TaskEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.taskHistory(taskID)
}

func (m *Memory) AppendMessage(_ context.Context, msg Message) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.appendMessage(msg, m.opts.now()), nil
}

func (m *Memory) ListMessages(_ context.Context, f MessageFilter) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.listMessages(f), nil
}

func (m *Memory) CreateWorkflow(_ context.Context, wf Workflow, tasks []Task) (Workflow, []Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.createWorkflow(wf, tasks, m.opts.now())
}

func (m *Memory) GetWorkflow(_ context.Context, id string) (Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.getWorkflow(id)
}

func (m *Memory) ListWorkflows(_ context.Context) ([]Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.listWorkflows(), nil
}

func (m *Memory) Close() error { return nil }
