package watcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/basket/go-swarm/internal/persistence"
)

// TaskResult is what a handler reports for one task. The swarm stores it but
// never interprets OutputContent or Metadata.
type TaskResult struct {
	Success       bool           `json:"success"`
	Message       string         `json:"message"`
	FilesCreated  []string       `json:"files_created"`
	FilesModified []string       `json:"files_modified"`
	OutputContent string         `json:"output_content"`
	Metadata      map[string]any `json:"metadata"`
}

// Map encodes r as the task's stored result object.
func (r TaskResult) Map() map[string]any {
	if r.FilesCreated == nil {
		r.FilesCreated = []string{}
	}
	if r.FilesModified == nil {
		r.FilesModified = []string{}
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return map[string]any{"success": r.Success, "message": r.Message}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"success": r.Success, "message": r.Message}
	}
	return out
}

// TaskHandler performs the work of a claimed task.
type TaskHandler interface {
	Execute(ctx context.Context, task persistence.Task) (TaskResult, error)
}

// HandlerFunc adapts a function to TaskHandler.
type HandlerFunc func(ctx context.Context, task persistence.Task) (TaskResult, error)

func (f HandlerFunc) Execute(ctx context.Context, task persistence.Task) (TaskResult, error) {
	return f(ctx, task)
}

// EchoHandler succeeds immediately and reports the task description as its
// output. Agents use it when no handler command is configured.
type EchoHandler struct{}

func (EchoHandler) Execute(ctx context.Context, task persistence.Task) (TaskResult, error) {
	if err := ctx.Err(); err != nil {
		return TaskResult{}, err
	}
	return TaskResult{
		Success:       true,
		Message:       fmt.Sprintf("%s task acknowledged", task.Type),
		OutputContent: task.Description,
		Metadata:      map[string]any{"handler": "echo"},
	}, nil
}

const maxStderrTail = 4 * 1024

// CommandHandler runs an external program per task. The task is written to
// stdin as JSON; stdout must be a TaskResult JSON object. Plain text on stdout
// is accepted as the output of a successful run.
type CommandHandler struct {
	Argv    []string
	Dir     string
	AgentID string
}

func (h CommandHandler) Execute(ctx context.Context, task persistence.Task) (TaskResult, error) {
	if len(h.Argv) == 0 || strings.TrimSpace(h.Argv[0]) == "" {
		return TaskResult{}, fmt.Errorf("%w: handler command is empty", persistence.ErrHandlerExecution)
	}
	input, err := json.Marshal(task)
	if err != nil {
		return TaskResult{}, fmt.Errorf("%w: encode task: %v", persistence.ErrHandlerExecution, err)
	}

	cmd := exec.CommandContext(ctx, h.Argv[0], h.Argv[1:]...)
	cmd.Dir = h.Dir
	cmd.Env = append(os.Environ(),
		"GOSWARM_TASK_ID="+task.ID,
		"GOSWARM_TASK_TYPE="+task.Type,
		"GOSWARM_AGENT_ID="+h.AgentID,
	)
	cmd.Stdin = bytes.NewReader(input)
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return TaskResult{}, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return TaskResult{}, fmt.Errorf("%w: exit code %d: %s", persistence.ErrHandlerExecution, exitErr.ExitCode(), tail(stderr.String()))
		}
		return TaskResult{}, fmt.Errorf("%w: %v", persistence.ErrHandlerExecution, err)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) > 0 && out[0] == '{' {
		var res TaskResult
		if err := json.Unmarshal(out, &res); err != nil {
			return TaskResult{}, fmt.Errorf("%w: decode handler output: %v", persistence.ErrHandlerExecution, err)
		}
		return res, nil
	}
	return TaskResult{Success: true, Message: "handler exited 0", OutputContent: string(out)}, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderrTail {
		s = s[len(s)-maxStderrTail:]
	}
	return s
}
