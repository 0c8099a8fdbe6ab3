package main

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/go-swarm/internal/persistence"
)

func runListAgentsCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("list-agents")
	activeOnly := fs.Bool("active", false, "only active agents")
	asJSON := fs.Bool("json", false, "print JSON")
	if _, err := parseFlags(fs, args); err != nil {
		return flagExit(err)
	}

	return withSwarm(ctx, func(ctx context.Context, s *swarm) error {
		var (
			agents []persistence.AgentRecord
			err    error
		)
		if *activeOnly {
			agents, err = s.registry.ListActive(ctx)
		} else {
			agents, err = s.registry.List(ctx)
		}
		if err != nil {
			return err
		}
		if *asJSON {
			if agents == nil {
				agents = []persistence.AgentRecord{}
			}
			return printJSON(stdout, agents)
		}
		if len(agents) == 0 {
			fmt.Fprintln(stdout, "no agents registered")
			return nil
		}
		now := time.Now()
		tw := newTable(stdout)
		fmt.Fprintln(tw, "ID\tROLE\tSTATUS\tPID\tLAST SEEN")
		for _, a := range agents {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", a.ID, a.Role, agentStatusText(a.Status), a.PID, ago(a.LastSeen, now))
		}
		return tw.Flush()
	})
}

func runRegisterCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("register")
	id := fs.String("id", "", "agent id")
	role := fs.String("role", "", "agent role")
	pid := fs.Int("pid", 0, "process id; 0 means liveness by heartbeat only")
	if _, err := parseFlags(fs, args); err != nil {
		return flagExit(err)
	}
	if *id == "" || *role == "" {
		return exitCode(usageError("usage: goswarm register -id ID -role ROLE [-pid N]"))
	}

	return withSwarm(ctx, func(ctx context.Context, s *swarm) error {
		rec, err := s.registry.Register(ctx, *id, *role, *pid)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "registered %s as %s\n", rec.ID, rec.Role)
		return nil
	})
}

func runHeartbeatCommand(ctx context.Context, args []string) int {
	if len(args) != 1 || isHelpArg(args[0]) {
		return exitCode(usageError("usage: goswarm heartbeat <agent-id>"))
	}
	return withSwarm(ctx, func(ctx context.Context, s *swarm) error {
		return s.registry.Heartbeat(ctx, args[0])
	})
}

func runDeregisterCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("deregister")
	reason := fs.String("reason", "operator", "reason recorded in the log")
	remove := fs.Bool("remove", false, "delete the record instead of marking it inactive")
	rest, err := parseFlags(fs, args)
	if err != nil {
		return flagExit(err)
	}
	if len(rest) != 1 {
		return exitCode(usageError("usage: goswarm deregister <agent-id> [-remove] [-reason R]"))
	}

	return withSwarm(ctx, func(ctx context.Context, s *swarm) error {
		if *remove {
			if err := s.registry.Remove(ctx, rest[0]); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "removed %s\n", rest[0])
			return nil
		}
		if err := s.registry.Deregister(ctx, rest[0], *reason); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "deregistered %s\n", rest[0])
		return nil
	})
}

func runSpawnAgentCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("spawn-agent")
	role := fs.String("role", "", "agent role")
	id := fs.String("id", "", "agent id (default <role>_<unix seconds>)")
	asJSON := fs.Bool("json", false, "print JSON")
	if _, err := parseFlags(fs, args); err != nil {
		return flagExit(err)
	}
	if *role == "" {
		return exitCode(usageError("usage: goswarm spawn-agent -role ROLE [-id ID]"))
	}

	return withSwarm(ctx, func(ctx context.Context, s *swarm) error {
		m, err := s.lifecycle()
		if err != nil {
			return err
		}
		res, err := m.Spawn(ctx, *role, *id)
		if err != nil {
			return err
		}
		if *asJSON {
			return printJSON(stdout, res)
		}
		fmt.Fprintf(stdout, "spawned %s (%s) pid %d\n", res.AgentID, res.Role, res.PID)
		return nil
	})
}

func runKillAgentCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("kill-agent")
	asJSON := fs.Bool("json", false, "print JSON")
	rest, err := parseFlags(fs, args)
	if err != nil {
		return flagExit(err)
	}
	if len(rest) != 1 {
		return exitCode(usageError("usage: goswarm kill-agent <agent-id>"))
	}

	return withSwarm(ctx, func(ctx context.Context, s *swarm) error {
		m, err := s.lifecycle()
		if err != nil {
			return err
		}
		res, err := m.Kill(ctx, rest[0])
		if err != nil {
			return err
		}
		if *asJSON {
			return printJSON(stdout, res)
		}
		if res.Signalled {
			fmt.Fprintf(stdout, "killed %s: %s\n", res.AgentID, res.Message)
		} else {
			fmt.Fprintf(stdout, "%s %s: %s\n", warnColor.Sprint("partial"), res.AgentID, res.Message)
		}
		return nil
	})
}

func runRestartAgentCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("restart-agent")
	asJSON := fs.Bool("json", false, "print JSON")
	rest, err := parseFlags(fs, args)
	if err != nil {
		return flagExit(err)
	}
	if len(rest) != 1 {
		return exitCode(usageError("usage: goswarm restart-agent <agent-id>"))
	}

	return withSwarm(ctx, func(ctx context.Context, s *swarm) error {
		m, err := s.lifecycle()
		if err != nil {
			return err
		}
		res, err := m.Restart(ctx, rest[0])
		if err != nil {
			return err
		}
		if *asJSON {
			return printJSON(stdout, res)
		}
		fmt.Fprintf(stdout, "restarted %s: pid %d -> %d\n", res.Spawn.AgentID, res.Kill.PID, res.Spawn.PID)
		return nil
	})
}

func runHealthCheckCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("health-check")
	asJSON := fs.Bool("json", false, "print JSON")
	if _, err := parseFlags(fs, args); err != nil {
		return flagExit(err)
	}

	return withSwarm(ctx, func(ctx context.Context, s *swarm) error {
		m, err := s.lifecycle()
		if err != nil {
			return err
		}
		report, err := m.HealthSweep(ctx)
		if err != nil {
			return err
		}
		if *asJSON {
			return printJSON(stdout, report)
		}
		fmt.Fprintf(stdout, "checked %d agents: %d live, %d dead, %d tasks requeued\n",
			report.Checked, report.Live, len(report.Dead), len(report.Requeued))
		for _, d := range report.Dead {
			fmt.Fprintf(stdout, "  %s %s: %s\n", failColor.Sprint("dead"), d.AgentID, d.Reason)
		}
		for _, r := range report.Requeued {
			fmt.Fprintf(stdout, "  %s task %s (was %s)\n", warnColor.Sprint("requeued"), r.TaskID, r.AgentID)
		}
		if report.Errors > 0 {
			fmt.Fprintf(stdout, "  %d errors, see logs/system.jsonl\n", report.Errors)
		}
		return nil
	})
}

func runCleanupCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("cleanup")
	asJSON := fs.Bool("json", false, "print JSON")
	if _, err := parseFlags(fs, args); err != nil {
		return flagExit(err)
	}

	return withSwarm(ctx, func(ctx context.Context, s *swarm) error {
		m, err := s.lifecycle()
		if err != nil {
			return err
		}
		removed, err := m.CleanupInactive(ctx)
		if err != nil {
			return err
		}
		if *asJSON {
			if removed == nil {
				removed = []string{}
			}
			return printJSON(stdout, map[string]any{"removed": removed})
		}
		fmt.Fprintf(stdout, "removed %d inactive agents\n", len(removed))
		for _, id := range removed {
			fmt.Fprintf(stdout, "  %s\n", id)
		}
		return nil
	})
}

func runStatusCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("status")
	asJSON := fs.Bool("json", false, "print JSON")
	if _, err := parseFlags(fs, args); err != nil {
		return flagExit(err)
	}

	return withSwarm(ctx, func(ctx context.Context, s *swarm) error {
		m, err := s.lifecycle()
		if err != nil {
			return err
		}
		report, err := m.Status(ctx)
		if err != nil {
			return err
		}
		if *asJSON {
			return printJSON(stdout, report)
		}
		fmt.Fprintf(stdout, "agents: %d total, %d active, %d inactive\n", report.Total, report.Active, report.Inactive)
		if len(report.Agents) == 0 {
			return nil
		}
		tw := newTable(stdout)
		fmt.Fprintln(tw, "ID\tROLE\tSTATUS\tPID\tPROCESS\tHEARTBEAT\tLIVE")
		for _, a := range report.Agents {
			live := okColor.Sprint("yes")
			if !a.Alive {
				live = failColor.Sprint("no")
				if a.Reason != "" {
					live += " (" + a.Reason + ")"
				}
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				a.ID, a.Role, agentStatusText(a.Status), a.PID, a.Process, a.HeartbeatAge.Truncate(time.Second), live)
		}
		return tw.Flush()
	})
}
