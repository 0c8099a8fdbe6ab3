package lifecycle

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// ProcessControl starts and signals agent processes.
type ProcessControl interface {
	Start(agentID string, argv []string) (int, error)
	Terminate(pid int) error
}

// ExecProcess runs agents as detached child processes. Output goes to
// <LogDir>/<agent id>.log when LogDir is set.
type ExecProcess struct {
	Dir    string
	LogDir string
	Env    []string
}

func (p ExecProcess) Start(agentID string, argv []string) (int, error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("agent command is empty")
	}
	name := argv[0]
	if name == "goswarm" {
		if self, err := os.Executable(); err == nil {
			name = self
		}
	}
	cmd := exec.Command(name, argv[1:]...)
	cmd.Dir = p.Dir
	cmd.Env = append(os.Environ(), p.Env...)
	// A new process group keeps the agent alive when the spawning CLI exits.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var logFile *os.File
	if p.LogDir != "" {
		if err := os.MkdirAll(p.LogDir, 0o755); err != nil {
			return 0, fmt.Errorf("create agent log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(p.LogDir, agentID+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return 0, fmt.Errorf("open agent log: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return 0, fmt.Errorf("start %s: %w", name, err)
	}
	go func() {
		_ = cmd.Wait()
		if logFile != nil {
			_ = logFile.Close()
		}
	}()
	return cmd.Process.Pid, nil
}

// Terminate sends SIGTERM to pid.
func (ExecProcess) Terminate(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("no process handle")
	}
	return unix.Kill(pid, unix.SIGTERM)
}
