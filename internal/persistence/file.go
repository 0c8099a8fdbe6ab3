package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

const fileFormatVersion = 1

const (
	agentsFile    = "agents.json"
	tasksFile     = "tasks.json"
	messagesFile  = "messages.json"
	lockFile      = "swarm.lock"
)

type agentsDoc struct {
	Version int           `json:"version"`
	Agents  []AgentRecord `json:"agents"`
}

// tasksDoc also carries the workflows, so a workflow and its tasks are
// replaced by one rename.
type tasksDoc struct {
	Version   int         `json:"version"`
	Seq       int64       `json:"seq"`
	Tasks     []taskRow   `json:"tasks"`
	Events    []TaskEvent `json:"events"`
	Workflows []Workflow  `json:"workflows"`
}

type messagesDoc struct {
	Version  int       `json:"version"`
	Messages []Message `json:"messages"`
}

// FileStore keeps the swarm state as JSON documents in one directory. Every
// mutation runs under an exclusive flock and replaces the changed documents
// with an atomic rename, so concurrent agent processes see either the old or
// the new state and never a torn write.
type FileStore struct {
	dir  string
	lock fileLock
	opts Options
}

var _ Store = (*FileStore)(nil)

// OpenFile opens (creating if needed) a state directory. Existing documents
// are decoded once so corruption is reported at open time.
func OpenFile(dir string, opts Options) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	fs := &FileStore{dir: dir, lock: fileLock{path: filepath.Join(dir, lockFile)}, opts: opts}
	if err := fs.view(context.Background(), func(*state) error { return nil }); err != nil {
		return nil, err
	}
	return fs, nil
}

// Dir returns the state directory.
func (fs *FileStore) Dir() string { return fs.dir }

func (fs *FileStore) view(ctx context.Context, fn func(*state) error) error {
	release, err := fs.lock.acquire(ctx, false)
	if err != nil {
		return err
	}
	defer release()
	st, err := fs.load()
	if err != nil {
		return err
	}
	return fn(st)
}

func (fs *FileStore) update(ctx context.Context, fn func(*state) error) error {
	release, err := fs.lock.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer release()
	st, err := fs.load()
	if err != nil {
		return err
	}
	st.dirty = 0
	if err := fn(st); err != nil {
		return err
	}
	return fs.save(st)
}

func (fs *FileStore) load() (*state, error) {
	st := newState()

	var agents agentsDoc
	if err := fs.readDoc(agentsFile, &agents); err != nil {
		return nil, err
	}
	for _, rec := range agents.Agents {
		st.agents[rec.ID] = rec
	}

	var tasks tasksDoc
	if err := fs.readDoc(tasksFile, &tasks); err != nil {
		return nil, err
	}
	st.seq = tasks.Seq
	for _, row := range tasks.Tasks {
		st.tasks[row.ID] = row
	}
	st.events = tasks.Events
	for _, wf := range tasks.Workflows {
		st.workflows[wf.ID] = wf
	}

	var messages messagesDoc
	if err := fs.readDoc(messagesFile, &messages); err != nil {
		return nil, err
	}
	st.messages = messages.Messages
	return st, nil
}

// readDoc decodes one document. A missing file is an empty collection; an
// empty or undecodable file is ErrStorageCorruption.
func (fs *FileStore) readDoc(name string, into any) error {
	path := filepath.Join(fs.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: %s is empty", ErrStorageCorruption, path)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStorageCorruption, path, err)
	}
	return nil
}

func (fs *FileStore) save(st *state) error {
	if st.dirty&colAgents != 0 {
		if err := fs.writeDoc(agentsFile, agentsDoc{Version: fileFormatVersion, Agents: st.listAgents()}); err != nil {
			return err
		}
	}
	if st.dirty&(colTasks|colWorkflows) != 0 {
		doc := tasksDoc{
			Version:   fileFormatVersion,
			Seq:       st.seq,
			Tasks:     st.sortedRows(func(Task) bool { return true }),
			Events:    st.events,
			Workflows: st.listWorkflows(),
		}
		if err := fs.writeDoc(tasksFile, doc); err != nil {
			return err
		}
	}
	if st.dirty&colMessages != 0 {
		if err := fs.writeDoc(messagesFile, messagesDoc{Version: fileFormatVersion, Messages: st.messages}); err != nil {
			return err
		}
	}
	return nil
}

// writeDoc replaces name atomically: temp file, fsync, re-read validation,
// backup of the previous version, rename.
func (fs *FileStore) writeDoc(name string, doc any) error {
	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	path := filepath.Join(fs.dir, name)
	tmp, err := os.CreateTemp(fs.dir, ".goswarm-tmp-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	written, err := os.ReadFile(tmpName)
	if err != nil {
		return fmt.Errorf("read temp file for validation: %w", err)
	}
	if !json.Valid(written) {
		return fmt.Errorf("validate %s: temp file is not valid json", name)
	}
	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func (fs *FileStore) PutAgent(ctx context.Context, rec AgentRecord) (replaced bool, err error) {
	err = fs.update(ctx, func(st *state) error {
		replaced, err = st.putAgent(rec)
		return err
	})
	return replaced, err
}

func (fs *FileStore) GetAgent(ctx context.Context, id string) (rec AgentRecord, err error) {
	err = fs.view(ctx, func(st *state) error {
		rec, err = st.getAgent(id)
		return err
	})
	return rec, err
}

func (fs *FileStore) ListAgents(ctx context.Context) (out []AgentRecord, err error) {
	err = fs.view(ctx, func(st *state) error {
		out = st.listAgents()
		return nil
	})
	return out, err
}

func (fs *FileStore) TouchAgent(ctx context.Context, id string, at time.Time) error {
	return fs.update(ctx, func(st *state) error {
		return st.touchAgent(id, at)
	})
}

func (fs *FileStore) DeactivateAgent(ctx context.Context, id string, at time.Time) (changed bool, err error) {
	err = fs.update(ctx, func(st *state) error {
		changed, err = st.deactivateAgent(id, at)
		return err
	})
	return changed, err
}

func (fs *FileStore) RemoveAgent(ctx context.Context, id string) error {
	return fs.update(ctx, func(st *state) error {
		return st.removeAgent(id)
	})
}

func (fs *FileStore) CreateTask(ctx context.Context, t Task) (out Task, err error) {
	err = fs.update(ctx, func(st *state) error {
		out, err = st.insertTask(t, fs.opts.now(), nil)
		return err
	})
	return out, err
}

func (fs *FileStore) GetTask(ctx context.Context, id string) (out Task, err error) {
	err = fs.view(ctx, func(st *state) error {
		out, err = st.getTask(id)
		return err
	})
	return out, err
}

func (fs *FileStore) ListTasks(ctx context.Context, f TaskFilter) (out []Task, err error) {
	err = fs.view(ctx, func(st *state) error {
		out = st.listTasks(f)
		return nil
	})
	return out, err
}

func (fs *FileStore) QueryPending(ctx context.Context, agentID string, role Role) (out []Task, err error) {
	err = fs.view(ctx, func(st *state) error {
		out = st.queryPending(agentID, role)
		return nil
	})
	return out, err
}

func (fs *FileStore) ClaimTask(ctx context.Context, taskID, agentID string) (out Task, err error) {
	err = fs.update(ctx, func(st *state) error {
		out, err = st.claimTask(taskID, agentID, fs.opts.now())
		return err
	})
	return out, err
}

func (fs *FileStore) FinishTask(ctx context.Context, taskID, agentID string, status TaskStatus, result map[string]any) (out Task, err error) {
	err = fs.update(ctx, func(st *state) error {
		out, err = st.finishTask(taskID, agentID, status, result, fs.opts.now())
		return err
	})
	return out, err
}

func (fs *FileStore) RequeueTask(ctx context.Context, taskID string, expectedVersion int64, reason string) (out Task, err error) {
	err = fs.update(ctx, func(st *state) error {
		out, err = st.requeueTask(taskID, expectedVersion, reason, fs.opts.now())
		return err
	})
	return out, err
}

func (fs *FileStore) TaskHistory(ctx context.Context, taskID string) (out []TaskEvent, err error) {
	err = fs.view(ctx, func(st *state) error {
		out, err = st.taskHistory(taskID)
		return err
	})
	return out, err
}

func (fs *FileStore) AppendMessage(ctx context.Context, m Message) (out Message, err error) {
	err = fs.update(ctx, func(st *state) error {
		out = st.appendMessage(m, fs.opts.now())
		return nil
	})
	return out, err
}

func (fs *FileStore) ListMessages(ctx context.Context, f MessageFilter) (out []Message, err error) {
	err = fs.view(ctx, func(st *state) error {
		out = st.listMessages(f)
		return nil
	})
	return out, err
}

func (fs *FileStore) CreateWorkflow(ctx context.Context, wf Workflow, tasks []Task) (outWf Workflow, outTasks []Task, err error) {
	err = fs.update(ctx, func(st *state) error {
		outWf, outTasks, err = st.createWorkflow(wf, tasks, fs.opts.now())
		return err
	})
	return outWf, outTasks, err
}

func (fs *FileStore) GetWorkflow(ctx context.Context, id string) (out Workflow, err error) {
	err = fs.view(ctx, func(st *state) error {
		out, err = st.getWorkflow(id)
		return err
	})
	return out, err
}

func (fs *FileStore) ListWorkflows(ctx context.Context) (out []Workflow, err error) {
	err = fs.view(ctx, func(st *state) error {
		out = st.listWorkflows()
		return nil
	})
	return out, err
}

func (fs *FileStore) Close() error { return nil }
