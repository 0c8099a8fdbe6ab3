package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/basket/go-swarm/internal/persistence"
	"github.com/basket/go-swarm/internal/shared"
	"github.com/basket/go-swarm/internal/watcher"
)

// runAgentCommand runs the watcher loop for one agent until SIGINT/SIGTERM.
// spawn-agent starts this command as a child process.
func runAgentCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("agent")
	id := fs.String("id", "", "agent id")
	role := fs.String("role", "", "agent role")
	home := fs.String("home", "", "goswarm home directory (default $GOSWARM_HOME)")
	if _, err := parseFlags(fs, args); err != nil {
		return flagExit(err)
	}
	if *id == "" || *role == "" {
		return exitCode(usageError("usage: goswarm agent -id ID -role ROLE [-home DIR]"))
	}
	parsed, err := persistence.ParseRole(*role)
	if err != nil {
		return exitCode(err)
	}

	s, err := openSwarm(ctx, runtimeOptions{component: "agent", homeDir: *home})
	if err != nil {
		return exitCode(err)
	}
	defer s.Close()
	logger := s.logger.With("agent_id", *id, "role", parsed)
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithAgentID(ctx, *id)

	if err := ensureRegistered(ctx, s, *id, parsed, os.Getpid()); err != nil {
		return exitCode(err)
	}

	var handler watcher.TaskHandler = watcher.EchoHandler{}
	if len(s.cfg.HandlerCommand) > 0 {
		handler = watcher.CommandHandler{Argv: s.cfg.HandlerCommand, Dir: s.cfg.HomeDir, AgentID: *id}
	}

	w, err := watcher.New(watcher.Config{
		AgentID:           *id,
		Router:            s.router,
		Registry:          s.registry,
		Handler:           handler,
		PollInterval:      s.cfg.PollInterval(),
		TaskTimeout:       s.cfg.TaskTimeout(),
		HeartbeatInterval: s.cfg.HeartbeatInterval(),
		DrainTimeout:      s.cfg.DrainTimeout(),
		Telemetry:         s.tel,
		Logger:            logger,
	})
	if err != nil {
		return exitCode(err)
	}

	logger.Info("agent starting", "pid", os.Getpid(), "handler", fmt.Sprintf("%T", handler))
	runErr := w.Run(ctx)

	// Run returned because ctx was cancelled; deregister on a fresh context.
	stopCtx := context.WithoutCancel(ctx)
	if err := s.registry.Deregister(stopCtx, *id, "shutdown"); err != nil {
		logger.Warn("deregister on shutdown failed", "error", err)
	}
	logger.Info("agent stopped", "handled", w.Handled())
	return exitCode(runErr)
}

// ensureRegistered registers id unless the spawner already recorded it as
// active with this process's pid.
func ensureRegistered(ctx context.Context, s *swarm, id string, role persistence.Role, pid int) error {
	rec, err := s.registry.Get(ctx, id)
	switch {
	case err == nil && rec.Status == persistence.AgentActive && rec.PID == pid && rec.Role == role:
		return s.registry.Heartbeat(ctx, id)
	case err == nil, errors.Is(err, persistence.ErrUnknownAgent):
		_, err = s.registry.Register(ctx, id, string(role), pid)
		return err
	default:
		return err
	}
}
