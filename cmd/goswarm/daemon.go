package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/basket/go-swarm/internal/bus"
	"github.com/basket/go-swarm/internal/config"
	"github.com/basket/go-swarm/internal/cron"
	"github.com/basket/go-swarm/internal/lifecycle"
)

const (
	jobHealthSweep = "health_sweep"
	jobCleanup     = "cleanup_inactive"
)

type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	if len(args) == 0 {
		return daemonSubcommandRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return daemonSubcommandHelp, nil
	}
	return daemonSubcommandRun, fmt.Errorf("usage: goswarm daemon [--help]")
}

func printDaemonSubcommandUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: goswarm daemon [--help]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the maintenance loop: health sweep on sweep_schedule, inactive")
	fmt.Fprintln(w, "agent cleanup on cleanup_schedule, and config.yaml hot reload.")
}

func runDaemonCommand(ctx context.Context, args []string) int {
	mode, err := parseDaemonSubcommandArgs(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if mode == daemonSubcommandHelp {
		printDaemonSubcommandUsage(stdout)
		return 0
	}

	s, err := openSwarm(ctx, runtimeOptions{component: "daemon"})
	if err != nil {
		return exitCode(err)
	}
	defer s.Close()

	d, err := newDaemon(s, cron.Config{Logger: s.logger, RunOnStart: true})
	if err != nil {
		return exitCode(err)
	}

	confWatcher := config.NewWatcher(s.cfg.WatchedFiles(), s.logger)
	if err := confWatcher.Start(ctx); err != nil {
		s.logger.Warn("config hot reload disabled", "error", err)
	} else {
		go func() {
			for ev := range confWatcher.Events() {
				s.logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
				if err := d.reload(); err != nil {
					s.logger.Error("config reload failed; keeping previous config", "error", err)
				}
			}
		}()
	}

	d.sched.Start(ctx)
	s.logger.Info("daemon started",
		"backend", s.cfg.Store.Backend,
		"sweep_schedule", s.cfg.SweepSchedule,
		"cleanup_schedule", s.cfg.CleanupSchedule,
		"config", s.cfg.Fingerprint())
	<-ctx.Done()
	d.sched.Stop()
	s.logger.Info("daemon stopped", "sweeps", d.sched.Runs(jobHealthSweep), "cleanups", d.sched.Runs(jobCleanup))
	return 0
}

// daemon owns the maintenance schedule and applies config reloads to it.
type daemon struct {
	s           *swarm
	manager     *lifecycle.Manager
	sched       *cron.Scheduler
	fingerprint string
}

func newDaemon(s *swarm, schedCfg cron.Config) (*daemon, error) {
	m, err := s.lifecycle()
	if err != nil {
		return nil, err
	}
	d := &daemon{s: s, manager: m, sched: cron.NewScheduler(schedCfg), fingerprint: s.cfg.Fingerprint()}
	if err := d.sched.Add(jobHealthSweep, s.cfg.SweepSchedule, d.sweep); err != nil {
		return nil, err
	}
	if err := d.sched.Add(jobCleanup, s.cfg.CleanupSchedule, d.cleanup); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *daemon) sweep(ctx context.Context) error {
	report, err := d.manager.HealthSweep(ctx)
	if err != nil {
		return err
	}
	if len(report.Dead) > 0 || len(report.Requeued) > 0 {
		d.s.logger.Info("health sweep recovered work",
			"checked", report.Checked, "dead", len(report.Dead), "requeued", len(report.Requeued))
	}
	return nil
}

func (d *daemon) cleanup(ctx context.Context) error {
	removed, err := d.manager.CleanupInactive(ctx)
	if err != nil {
		return err
	}
	if len(removed) > 0 {
		d.s.logger.Info("inactive agents removed", "count", len(removed))
	}
	return nil
}

// reload re-reads config.yaml and applies what can change at runtime: the
// log level and the sweep and cleanup schedules. Store settings need a
// restart.
func (d *daemon) reload() error {
	next, err := config.LoadFrom(d.s.cfg.HomeDir)
	if err != nil {
		return err
	}
	fp := next.Fingerprint()
	if fp == d.fingerprint {
		return nil
	}
	for _, spec := range []string{next.SweepSchedule, next.CleanupSchedule} {
		if _, err := cron.NextRunTime(spec, time.Now()); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", spec, err)
		}
	}
	if err := d.sched.Reschedule(jobHealthSweep, next.SweepSchedule); err != nil {
		return err
	}
	if err := d.sched.Reschedule(jobCleanup, next.CleanupSchedule); err != nil {
		return err
	}
	d.s.logging.SetLevel(next.LogLevel)
	if next.Store != d.s.cfg.Store {
		d.s.logger.Warn("store settings changed; restart the daemon to apply", "backend", next.Store.Backend, "path", next.Store.Path)
	}

	prev := d.fingerprint
	d.fingerprint = fp
	d.s.cfg.LogLevel = next.LogLevel
	d.s.cfg.SweepSchedule = next.SweepSchedule
	d.s.cfg.CleanupSchedule = next.CleanupSchedule
	d.s.bus.Publish(bus.TopicConfigReloaded, map[string]string{"from": prev, "to": fp})
	d.s.logger.Info("config reloaded", "fingerprint", fp, "log_level", next.LogLevel)
	return nil
}
