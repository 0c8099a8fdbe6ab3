package persistence

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseRole(t *testing.T) {
	cases := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"coder", RoleCoder, false},
		{" Reviewer ", RoleReviewer, false},
		{"code_reviewer", RoleReviewer, false},
		{"code_rewriter", RoleRewriter, false},
		{"file_manager", RoleFileManager, false},
		{"helper", RoleHelper, false},
		{"wizard", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := ParseRole(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidRole) {
				t.Errorf("ParseRole(%q): expected ErrInvalidRole, got %v", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseRole(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	valid := [][2]TaskStatus{
		{TaskPending, TaskInProgress},
		{TaskInProgress, TaskCompleted},
		{TaskInProgress, TaskFailed},
		{TaskInProgress, TaskPending},
	}
	for _, v := range valid {
		if !canTransition(v[0], v[1]) {
			t.Errorf("expected %s -> %s to be allowed", v[0], v[1])
		}
	}
	invalid := [][2]TaskStatus{
		{TaskPending, TaskCompleted},
		{TaskPending, TaskFailed},
		{TaskCompleted, TaskPending},
		{TaskFailed, TaskInProgress},
		{TaskCompleted, TaskFailed},
	}
	for _, v := range invalid {
		if canTransition(v[0], v[1]) {
			t.Errorf("expected %s -> %s to be rejected", v[0], v[1])
		}
	}
}

func TestDeriveWorkflowStatus(t *testing.T) {
	mk := func(statuses ...TaskStatus) []Task {
		out := make([]Task, len(statuses))
		for i, s := range statuses {
			out[i] = Task{Status: s}
		}
		return out
	}
	cases := []struct {
		name  string
		tasks []Task
		want  WorkflowStatus
	}{
		{"empty", nil, WorkflowInProgress},
		{"all completed", mk(TaskCompleted, TaskCompleted), WorkflowCompleted},
		{"one failed", mk(TaskCompleted, TaskFailed, TaskPending), WorkflowFailed},
		{"mixed", mk(TaskCompleted, TaskInProgress, TaskPending), WorkflowInProgress},
	}
	for _, tc := range cases {
		if got := DeriveWorkflowStatus(tc.tasks); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestErrorClass(t *testing.T) {
	if got := ErrorClass(nil); got != "" {
		t.Fatalf("expected empty class for nil, got %q", got)
	}
	if got := ErrorClass(fmt.Errorf("claim: %w", ErrClaimConflict)); got != "ClaimConflictError" {
		t.Fatalf("expected ClaimConflictError, got %q", got)
	}
	if got := ErrorClass(fmt.Errorf("decode: %w", ErrStorageCorruption)); got != "StorageCorruptionError" {
		t.Fatalf("expected StorageCorruptionError, got %q", got)
	}
	if got := ErrorClass(errors.New("boom")); got != "InternalError" {
		t.Fatalf("expected InternalError, got %q", got)
	}
}

func TestNewID_ShortAndUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		id := NewID()
		if len(id) != 8 {
			t.Fatalf("expected 8-char id, got %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
