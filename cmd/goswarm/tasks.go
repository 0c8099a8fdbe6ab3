package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-swarm/internal/persistence"
	"github.com/basket/go-swarm/internal/shared"
)

func runCreateTaskCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("create-task")
	taskType := fs.String("type", "", "task type")
	desc := fs.String("desc", "", "task description")
	assign := fs.String("assign", "", "agent id or role the task is routed to")
	priority := fs.Int("priority", 0, "higher runs first")
	data := fs.String("data", "", "task data as a JSON object")
	dependsOn := fs.String("depends-on", "", "comma-separated task ids that must complete first")
	createdBy := fs.String("created-by", shared.CLIAgentID, "creator id; receives completion notices")
	asJSON := fs.Bool("json", false, "print the stored task as JSON")
	if _, err := parseFlags(fs, args); err != nil {
		return flagExit(err)
	}
	if strings.TrimSpace(*assign) == "" {
		return exitCode(usageError("usage: goswarm create-task -type T -desc D -assign ROLE|ID"))
	}
	var payload map[string]any
	if *data != "" {
		if err := json.Unmarshal([]byte(*data), &payload); err != nil {
			return exitCode(fmt.Errorf("%w: -data: %v", persistence.ErrInvalidPayload, err))
		}
	}

	return withSwarm(ctx, func(ctx context.Context, s *swarm) error {
		t, err := s.router.Create(ctx, persistence.Task{
			Type:        *taskType,
			Description: *desc,
			AssignedTo:  *assign,
			CreatedBy:   *createdBy,
			Priority:    *priority,
			Data:        payload,
			DependsOn:   splitList(*dependsOn),
		})
		if err != nil {
			return err
		}
		if *asJSON {
			return printJSON(stdout, t)
		}
		fmt.Fprintln(stdout, t.ID)
		return nil
	})
}

func runListTasksCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("list-tasks")
	status := fs.String("status", "", "pending, in_progress, completed or failed")
	assigned := fs.String("assigned", "", "filter by assigned_to")
	claimedBy := fs.String("claimed-by", "", "filter by claimant")
	workflowID := fs.String("workflow", "", "filter by workflow id")
	limit := fs.Int("limit", 0, "maximum number of tasks")
	asJSON := fs.Bool("json", false, "print JSON")
	if _, err := parseFlags(fs, args); err != nil {
		return flagExit(err)
	}
	filter := persistence.TaskFilter{
		Status:     persistence.TaskStatus(strings.ToLower(strings.TrimSpace(*status))),
		AssignedTo: *assigned,
		ClaimedBy:  *claimedBy,
		WorkflowID: *workflowID,
		Limit:      *limit,
	}
	switch filter.Status {
	case "", persistence.TaskPending, persistence.TaskInProgress, persistence.TaskCompleted, persistence.TaskFailed:
	default:
		return exitCode(usageError("unknown status %q", *status))
	}

	return withSwarm(ctx, func(ctx context.Context, s *swarm) error {
		tasks, err := s.router.List(ctx, filter)
		if err != nil {
			return err
		}
		if *asJSON {
			if tasks == nil {
				tasks = []persistence.Task{}
			}
			return printJSON(stdout, tasks)
		}
		if len(tasks) == 0 {
			fmt.Fprintln(stdout, "no tasks")
			return nil
		}
		tw := newTable(stdout)
		fmt.Fprintln(tw, "ID\tSTATUS\tTYPE\tASSIGNED\tCLAIMED BY\tPRIORITY\tDESCRIPTION")
		for _, t := range tasks {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				t.ID, taskStatusText(t.Status), orDash(t.Type), t.AssignedTo, orDash(t.ClaimedBy), t.Priority, shorten(t.Description, 60))
		}
		return tw.Flush()
	})
}

type taskDetail struct {
	Task    persistence.Task        `json:"task"`
	History []persistence.TaskEvent `json:"history"`
}

func runShowTaskCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("show-task")
	asJSON := fs.Bool("json", false, "print JSON")
	rest, err := parseFlags(fs, args)
	if err != nil {
		return flagExit(err)
	}
	if len(rest) != 1 {
		return exitCode(usageError("usage: goswarm show-task <task-id> [-json]"))
	}

	return withSwarm(ctx, func(ctx context.Context, s *swarm) error {
		t, err := s.router.Get(ctx, rest[0])
		if err != nil {
			return err
		}
		history, err := s.router.History(ctx, t.ID)
		if err != nil {
			return err
		}
		if *asJSON {
			return printJSON(stdout, taskDetail{Task: t, History: history})
		}
		fmt.Fprintf(stdout, "Task %s (%s)\n", t.ID, taskStatusText(t.Status))
		fmt.Fprintf(stdout, "  type:          %s\n", orDash(t.Type))
		fmt.Fprintf(stdout, "  description:   %s\n", t.Description)
		fmt.Fprintf(stdout, "  assigned to:   %s\n", t.AssignedTo)
		fmt.Fprintf(stdout, "  created by:    %s\n", orDash(t.CreatedBy))
		fmt.Fprintf(stdout, "  claimed by:    %s\n", orDash(t.ClaimedBy))
		fmt.Fprintf(stdout, "  priority:      %d\n", t.Priority)
		fmt.Fprintf(stdout, "  attempts:      %d (claim version %d)\n", t.Attempts, t.ClaimVersion)
		if len(t.DependsOn) > 0 {
			fmt.Fprintf(stdout, "  depends on:    %s\n", strings.Join(t.DependsOn, ", "))
		}
		if t.WorkflowID != "" {
			fmt.Fprintf(stdout, "  workflow:      %s\n", t.WorkflowID)
		}
		fmt.Fprintf(stdout, "  created:       %s\n", t.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(stdout, "  updated:       %s\n", t.UpdatedAt.Format(time.RFC3339))
		if len(t.Result) > 0 {
			raw, _ := json.Marshal(t.Result)
			fmt.Fprintf(stdout, "  result:        %s\n", raw)
		}
		fmt.Fprintln(stdout, "History:")
		for _, ev := range history {
			from := string(ev.From)
			if from == "" {
				from = "(new)"
			}
			fmt.Fprintf(stdout, "  v%-3d %s  %s -> %s  %s %s\n",
				ev.ClaimVersion, ev.At.Format(time.RFC3339), from, ev.To, orDash(ev.AgentID), ev.Reason)
		}
		return nil
	})
}

func runSendCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("send")
	from := fs.String("from", shared.CLIAgentID, "sender id")
	to := fs.String("to", "", "recipient agent id or \"all\"")
	msgType := fs.String("type", "", "message type (default info)")
	rest, err := parseFlags(fs, args)
	if err != nil {
		return flagExit(err)
	}
	content := strings.TrimSpace(strings.Join(rest, " "))
	if *to == "" || content == "" {
		return exitCode(usageError("usage: goswarm send -to ID|all [-from A] [-type T] <content>"))
	}

	return withSwarm(ctx, func(ctx context.Context, s *swarm) error {
		m, err := s.messages.Send(ctx, *from, *to, *msgType, content)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, m.ID)
		return nil
	})
}

func runInboxCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("inbox")
	since := fs.String("since", "", "only messages after this RFC3339 time")
	limit := fs.Int("limit", 0, "maximum number of messages")
	asJSON := fs.Bool("json", false, "print JSON")
	rest, err := parseFlags(fs, args)
	if err != nil {
		return flagExit(err)
	}
	if len(rest) != 1 {
		return exitCode(usageError("usage: goswarm inbox <agent-id> [-since RFC3339] [-limit N] [-json]"))
	}
	var sinceAt time.Time
	if *since != "" {
		sinceAt, err = time.Parse(time.RFC3339, *since)
		if err != nil {
			return exitCode(usageError("invalid -since %q: %v", *since, err))
		}
	}

	return withSwarm(ctx, func(ctx context.Context, s *swarm) error {
		msgs, err := s.messages.Inbox(ctx, rest[0], sinceAt, *limit)
		if err != nil {
			return err
		}
		if *asJSON {
			if msgs == nil {
				msgs = []persistence.Message{}
			}
			return printJSON(stdout, msgs)
		}
		if len(msgs) == 0 {
			fmt.Fprintln(stdout, "no messages")
			return nil
		}
		for _, m := range msgs {
			fmt.Fprintf(stdout, "%s  %-8s %s -> %s [%s] %s\n",
				m.Timestamp.Format(time.RFC3339), m.ID, m.From, m.To, m.Type, m.Content)
		}
		return nil
	})
}
