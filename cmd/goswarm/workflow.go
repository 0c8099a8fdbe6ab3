package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-swarm/internal/persistence"
	"github.com/basket/go-swarm/internal/planner"
)

// waitPollInterval is how often a CLI wait re-reads the store; the agents
// doing the work run in other processes, so there are no bus events to use.
const waitPollInterval = 250 * time.Millisecond

func runPlanCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("plan")
	wait := fs.Bool("wait", false, "block until the planned work is terminal")
	timeout := fs.Duration("timeout", 0, "wait timeout (0 waits forever)")
	dryRun := fs.Bool("dry-run", false, "print the decomposition without storing tasks")
	asJSON := fs.Bool("json", false, "print JSON")
	rest, err := parseFlags(fs, args)
	if err != nil {
		return flagExit(err)
	}
	goal := strings.TrimSpace(strings.Join(rest, " "))
	if goal == "" {
		return exitCode(usageError("usage: goswarm plan [-wait] [-timeout D] [-dry-run] <goal>"))
	}

	if *dryRun {
		d := planner.Decompose(goal)
		if *asJSON {
			return exitCode(printJSON(stdout, d))
		}
		printDecomposition(d)
		return 0
	}

	return withSwarm(ctx, func(ctx context.Context, s *swarm) error {
		res, err := s.planner().Plan(ctx, goal)
		if err != nil {
			return err
		}
		if *asJSON && !*wait {
			return printJSON(stdout, res)
		}
		if !*asJSON {
			printDecomposition(res.Decomposition)
			printPlanResult(res)
		}
		if !*wait {
			return nil
		}
		return waitForResult(ctx, s, res, *timeout, *asJSON)
	})
}

func runWorkflowCommand(ctx context.Context, args []string) int {
	if len(args) == 0 || isHelpArg(args[0]) {
		return exitCode(usageError("usage: goswarm workflow <list|run|show> ..."))
	}
	sub, rest := strings.ToLower(strings.TrimSpace(args[0])), args[1:]
	switch sub {
	case "list":
		return runWorkflowListCommand(ctx, rest)
	case "run":
		return runWorkflowRunCommand(ctx, rest)
	case "show":
		return runWorkflowShowCommand(ctx, rest)
	default:
		return exitCode(usageError("unknown workflow subcommand %q (list, run, show)", sub))
	}
}

func runWorkflowListCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("workflow list")
	runs := fs.Bool("runs", false, "list stored workflows instead of templates")
	asJSON := fs.Bool("json", false, "print JSON")
	if _, err := parseFlags(fs, args); err != nil {
		return flagExit(err)
	}

	return withSwarm(ctx, func(ctx context.Context, s *swarm) error {
		if *runs {
			return listWorkflowRuns(ctx, s, *asJSON)
		}
		templates, err := planner.TemplatesFromConfig(s.cfg.AllWorkflows())
		if err != nil {
			return err
		}
		names := planner.TemplateNames(templates)
		if *asJSON {
			out := make([]planner.Template, 0, len(names))
			for _, n := range names {
				out = append(out, templates[n])
			}
			return printJSON(stdout, out)
		}
		tw := newTable(stdout)
		fmt.Fprintln(tw, "NAME\tSTEPS\tDESCRIPTION")
		for _, n := range names {
			t := templates[n]
			fmt.Fprintf(tw, "%s\t%d\t%s\n", t.Name, len(t.Steps), shorten(t.Description, 60))
		}
		return tw.Flush()
	})
}

func listWorkflowRuns(ctx context.Context, s *swarm, asJSON bool) error {
	workflows, err := s.store.ListWorkflows(ctx)
	if err != nil {
		return err
	}
	reports := make([]planner.WorkflowReport, 0, len(workflows))
	for _, wf := range workflows {
		r, err := planner.WorkflowStatus(ctx, s.store, wf.ID)
		if err != nil {
			return err
		}
		reports = append(reports, r)
	}
	if asJSON {
		return printJSON(stdout, reports)
	}
	if len(reports) == 0 {
		fmt.Fprintln(stdout, "no workflows")
		return nil
	}
	tw := newTable(stdout)
	fmt.Fprintln(tw, "ID\tSTATUS\tSTEPS\tCREATED\tDESCRIPTION")
	for _, r := range reports {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			r.Workflow.ID, workflowStatusText(r.Status), len(r.Workflow.Steps),
			r.Workflow.CreatedAt.Format(time.RFC3339), shorten(r.Workflow.Description, 50))
	}
	return tw.Flush()
}

func runWorkflowRunCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("workflow run")
	wait := fs.Bool("wait", false, "block until the workflow is terminal")
	timeout := fs.Duration("timeout", 0, "wait timeout (0 waits forever)")
	asJSON := fs.Bool("json", false, "print JSON")
	rest, err := parseFlags(fs, args)
	if err != nil {
		return flagExit(err)
	}
	if len(rest) == 0 {
		return exitCode(usageError("usage: goswarm workflow run <name> [-wait] [-timeout D] [goal]"))
	}
	name, goal := rest[0], strings.TrimSpace(strings.Join(rest[1:], " "))

	return withSwarm(ctx, func(ctx context.Context, s *swarm) error {
		templates, err := planner.TemplatesFromConfig(s.cfg.AllWorkflows())
		if err != nil {
			return err
		}
		tmpl, ok := templates[name]
		if !ok {
			return fmt.Errorf("%w: no workflow template %q (have %s)",
				persistence.ErrUnknownWorkflow, name, strings.Join(planner.TemplateNames(templates), ", "))
		}
		res, err := s.planner().RunTemplate(ctx, tmpl, goal)
		if err != nil {
			return err
		}
		if *asJSON && !*wait {
			return printJSON(stdout, res)
		}
		if !*asJSON {
			printPlanResult(res)
		}
		if !*wait {
			return nil
		}
		return waitForResult(ctx, s, res, *timeout, *asJSON)
	})
}

func runWorkflowShowCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("workflow show")
	asJSON := fs.Bool("json", false, "print JSON")
	rest, err := parseFlags(fs, args)
	if err != nil {
		return flagExit(err)
	}
	if len(rest) != 1 {
		return exitCode(usageError("usage: goswarm workflow show <workflow-id> [-json]"))
	}

	return withSwarm(ctx, func(ctx context.Context, s *swarm) error {
		r, err := planner.WorkflowStatus(ctx, s.store, rest[0])
		if err != nil {
			return err
		}
		if *asJSON {
			return printJSON(stdout, r)
		}
		printWorkflowReport(r)
		return nil
	})
}

func runWaitCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("wait")
	timeout := fs.Duration("timeout", 0, "give up after this long (0 waits forever)")
	asJSON := fs.Bool("json", false, "print JSON")
	rest, err := parseFlags(fs, args)
	if err != nil {
		return flagExit(err)
	}
	if len(rest) != 1 {
		return exitCode(usageError("usage: goswarm wait <workflow-id> [-timeout D]"))
	}

	return withSwarm(ctx, func(ctx context.Context, s *swarm) error {
		waiter := planner.NewWaiter(nil, s.store, waitPollInterval)
		r, err := waiter.WaitForWorkflow(ctx, rest[0], *timeout)
		if err != nil {
			return err
		}
		return reportWorkflow(r, *asJSON)
	})
}

// waitForResult waits on the workflow, or the single task, that res stored.
func waitForResult(ctx context.Context, s *swarm, res planner.Result, timeout time.Duration, asJSON bool) error {
	waiter := planner.NewWaiter(nil, s.store, waitPollInterval)
	if res.Workflow != nil {
		r, err := waiter.WaitForWorkflow(ctx, res.Workflow.ID, timeout)
		if err != nil {
			return err
		}
		return reportWorkflow(r, asJSON)
	}
	if len(res.Tasks) == 0 {
		return nil
	}
	t, err := waiter.WaitForTask(ctx, res.Tasks[0].ID, timeout)
	if err != nil {
		return err
	}
	if asJSON {
		if err := printJSON(stdout, t); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(stdout, "task %s %s\n", t.ID, taskStatusText(t.Status))
	}
	if t.Status == persistence.TaskFailed {
		return fmt.Errorf("%w: task %s failed", persistence.ErrHandlerExecution, t.ID)
	}
	return nil
}

// reportWorkflow prints r and turns a failed workflow into an error so the
// command exits non-zero.
func reportWorkflow(r planner.WorkflowReport, asJSON bool) error {
	if asJSON {
		if err := printJSON(stdout, r); err != nil {
			return err
		}
	} else {
		printWorkflowReport(r)
	}
	if r.Status == persistence.WorkflowFailed {
		return fmt.Errorf("%w: workflow %s failed", persistence.ErrHandlerExecution, r.Workflow.ID)
	}
	return nil
}

func printDecomposition(d planner.Decomposition) {
	a := d.Analysis
	roles := make([]string, 0, len(a.Roles))
	for _, r := range a.Roles {
		roles = append(roles, string(r))
	}
	fmt.Fprintf(stdout, "Goal: %s\n", d.Goal)
	fmt.Fprintf(stdout, "Complexity: %s (score %d), roles: %s, estimated agents: %d\n",
		a.Level, a.Score, orDash(strings.Join(roles, ", ")), a.EstimatedAgents)
	if d.Fallback {
		fmt.Fprintln(stdout, "No capability matched; delegating to the fallback role.")
	}
	for i, step := range d.Steps {
		fmt.Fprintf(stdout, "  %d. [%s] %s\n", i+1, step.Role, step.Description)
	}
}

func printPlanResult(res planner.Result) {
	if res.Workflow != nil {
		fmt.Fprintf(stdout, "workflow %s created with %d tasks\n", res.Workflow.ID, len(res.Tasks))
	}
	for _, t := range res.Tasks {
		deps := ""
		if len(t.DependsOn) > 0 {
			deps = " after " + strings.Join(t.DependsOn, ",")
		}
		fmt.Fprintf(stdout, "  task %s -> %s%s\n", t.ID, t.AssignedTo, deps)
	}
}

func printWorkflowReport(r planner.WorkflowReport) {
	fmt.Fprintf(stdout, "Workflow %s (%s)\n", r.Workflow.ID, workflowStatusText(r.Status))
	fmt.Fprintf(stdout, "  %s\n", r.Workflow.Description)
	byID := make(map[string]persistence.Task, len(r.Tasks))
	for _, t := range r.Tasks {
		byID[t.ID] = t
	}
	tw := newTable(stdout)
	fmt.Fprintln(tw, "  SEQ\tTASK\tROLE\tSTATUS\tCLAIMED BY\tDESCRIPTION")
	for _, step := range r.Workflow.Steps {
		t := byID[step.TaskID]
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\t%s\n",
			step.Sequence, step.TaskID, step.Role, taskStatusText(t.Status), orDash(t.ClaimedBy), shorten(t.Description, 50))
	}
	_ = tw.Flush()
}
