package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/basket/go-swarm/internal/persistence"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	failColor = color.New(color.FgRed)
	busyColor = color.New(color.FgCyan)
)

func taskStatusText(s persistence.TaskStatus) string {
	switch s {
	case persistence.TaskPending:
		return warnColor.Sprint(s)
	case persistence.TaskInProgress:
		return busyColor.Sprint(s)
	case persistence.TaskCompleted:
		return okColor.Sprint(s)
	case persistence.TaskFailed:
		return failColor.Sprint(s)
	default:
		return string(s)
	}
}

func workflowStatusText(s persistence.WorkflowStatus) string {
	switch s {
	case persistence.WorkflowCompleted:
		return okColor.Sprint(s)
	case persistence.WorkflowFailed:
		return failColor.Sprint(s)
	default:
		return busyColor.Sprint(s)
	}
}

func agentStatusText(s persistence.AgentStatus) string {
	if s == persistence.AgentActive {
		return okColor.Sprint(s)
	}
	return warnColor.Sprint(s)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func shorten(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func ago(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Truncate(time.Second).String() + " ago"
}
