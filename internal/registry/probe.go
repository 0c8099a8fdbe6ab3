package registry

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ProcessState is the observed state of an agent's OS process.
type ProcessState string

const (
	ProcessRunning  ProcessState = "running"
	ProcessDead     ProcessState = "dead"
	ProcessNoAccess ProcessState = "no_access"
	ProcessUnknown  ProcessState = "unknown"
)

// Alive reports whether the state proves the process exists. A process we may
// not signal still exists.
func (s ProcessState) Alive() bool {
	return s == ProcessRunning || s == ProcessNoAccess
}

// ProcessProber inspects a process handle without affecting it.
type ProcessProber interface {
	Probe(pid int) ProcessState
}

// SignalProber probes with signal 0.
type SignalProber struct{}

func (SignalProber) Probe(pid int) ProcessState {
	if pid <= 0 {
		return ProcessUnknown
	}
	err := unix.Kill(pid, 0)
	switch {
	case err == nil:
		return ProcessRunning
	case errors.Is(err, unix.ESRCH):
		return ProcessDead
	case errors.Is(err, unix.EPERM):
		return ProcessNoAccess
	default:
		return ProcessUnknown
	}
}
