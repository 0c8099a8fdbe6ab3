package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/basket/go-swarm/internal/persistence"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

// Output streams; tests swap them for buffers.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// errUsage marks a command-line mistake; commands map it to exit code 2.
var errUsage = errors.New("usage")

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: goswarm <command> [flags]

TASKS:
  create-task -type T -desc D -assign ROLE|ID [-priority N] [-data JSON] [-depends-on a,b]
  list-tasks [-status S] [-assigned X] [-claimed-by A] [-workflow W] [-limit N] [-json]
  show-task <task-id> [-json]          Task record plus its transition history
  send -from A -to B|all [-type T] <content>
  inbox <agent-id> [-since RFC3339] [-limit N] [-json]

AGENTS:
  list-agents [-active] [-json]
  register -id ID -role ROLE [-pid N]
  heartbeat <agent-id>
  deregister <agent-id> [-remove]
  spawn-agent -role ROLE [-id ID]
  kill-agent <agent-id>
  restart-agent <agent-id>
  health-check [-json]                 Sweep agents and requeue stale claims
  cleanup [-json]                      Remove agents inactive past retention
  status [-json]                       Per-agent process status

WORKFLOWS:
  plan [-wait] [-timeout D] [-dry-run] <goal>
                                       Decompose a goal into tasks
  workflow list [-runs]                Templates, or stored workflows with -runs
  workflow run <name> [-wait] [-timeout D] [goal]
  workflow show <workflow-id> [-json]
  wait <workflow-id> [-timeout D]

RUNTIME:
  agent -id ID -role ROLE [-home DIR]  Run the watcher loop for one agent
  daemon [--help]                      Periodic health sweep, cleanup, config reload
  doctor [-json] [--init]              Run diagnostic checks
  top [-interval D] [-once]            Live dashboard

ENVIRONMENT VARIABLES:
  GOSWARM_HOME             Data directory (default: ~/.goswarm)
  GOSWARM_LOG_LEVEL        debug, info, warn or error
  GOSWARM_STORE_BACKEND    sqlite, file or memory
  GOSWARM_STORE_PATH       Store location override
`)
}

func main() {
	color.NoColor = color.NoColor || !isatty.IsTerminal(os.Stderr.Fd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}
	rest := args[1:]
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	case "version", "-version", "--version":
		fmt.Fprintln(stdout, Version)
		return 0
	case "create-task":
		return runCreateTaskCommand(ctx, rest)
	case "list-tasks":
		return runListTasksCommand(ctx, rest)
	case "show-task":
		return runShowTaskCommand(ctx, rest)
	case "send":
		return runSendCommand(ctx, rest)
	case "inbox":
		return runInboxCommand(ctx, rest)
	case "list-agents":
		return runListAgentsCommand(ctx, rest)
	case "register":
		return runRegisterCommand(ctx, rest)
	case "heartbeat":
		return runHeartbeatCommand(ctx, rest)
	case "deregister":
		return runDeregisterCommand(ctx, rest)
	case "spawn-agent":
		return runSpawnAgentCommand(ctx, rest)
	case "kill-agent":
		return runKillAgentCommand(ctx, rest)
	case "restart-agent":
		return runRestartAgentCommand(ctx, rest)
	case "health-check":
		return runHealthCheckCommand(ctx, rest)
	case "cleanup":
		return runCleanupCommand(ctx, rest)
	case "status":
		return runStatusCommand(ctx, rest)
	case "plan":
		return runPlanCommand(ctx, rest)
	case "workflow":
		return runWorkflowCommand(ctx, rest)
	case "wait":
		return runWaitCommand(ctx, rest)
	case "agent":
		return runAgentCommand(ctx, rest)
	case "daemon":
		return runDaemonCommand(ctx, rest)
	case "doctor":
		return runDoctorCommand(ctx, rest)
	case "top":
		return runTopCommand(ctx, rest)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		printUsage(stderr)
		return 2
	}
}

var errorClassColor = color.New(color.FgRed, color.Bold)

// exitCode prints err as "<ErrorClass>: <message>" and returns the matching
// exit code.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, errFlagsReported) {
		return 2
	}
	if errors.Is(err, errUsage) {
		fmt.Fprintln(stderr, strings.TrimPrefix(err.Error(), errUsage.Error()+": "))
		return 2
	}
	fmt.Fprintf(stderr, "%s: %v\n", errorClassColor.Sprint(persistence.ErrorClass(err)), err)
	return 1
}

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}
