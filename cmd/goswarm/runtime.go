package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/go-swarm/internal/audit"
	"github.com/basket/go-swarm/internal/bus"
	"github.com/basket/go-swarm/internal/config"
	"github.com/basket/go-swarm/internal/lifecycle"
	"github.com/basket/go-swarm/internal/messaging"
	gsotel "github.com/basket/go-swarm/internal/otel"
	"github.com/basket/go-swarm/internal/persistence"
	"github.com/basket/go-swarm/internal/planner"
	"github.com/basket/go-swarm/internal/registry"
	"github.com/basket/go-swarm/internal/router"
	"github.com/basket/go-swarm/internal/shared"
	"github.com/basket/go-swarm/internal/telemetry"
)

type runtimeOptions struct {
	component string
	// quiet keeps logs in logs/system.jsonl only; one-shot commands keep
	// stderr for their own output.
	quiet bool
	// homeDir overrides GOSWARM_HOME.
	homeDir string
}

// swarm is the wired component graph one command runs against.
type swarm struct {
	cfg      config.Config
	logging  *telemetry.Logging
	logger   *slog.Logger
	provider *gsotel.Provider
	tel      gsotel.Telemetry
	store    persistence.Store
	bus      *bus.Bus
	messages *messaging.Log
	registry *registry.Registry
	router   *router.Router
}

// openSwarm loads config and opens the store. Startup order: audit, logger,
// telemetry, store.
func openSwarm(ctx context.Context, opts runtimeOptions) (*swarm, error) {
	home := opts.homeDir
	if home == "" {
		home = config.HomeDir()
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, fmt.Errorf("audit init: %w", err)
	}
	s := &swarm{cfg: cfg}

	logging, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.component, opts.quiet)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("logger init: %w", err)
	}
	s.logging = logging
	s.logger = logging.Logger
	slog.SetDefault(s.logger)

	otelCfg := cfg.OTel
	otelCfg.ServiceVersion = Version
	provider, err := gsotel.Init(ctx, otelCfg)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("otel init: %w", err)
	}
	s.provider = provider
	tel, err := provider.Telemetry()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("otel instruments: %w", err)
	}
	s.tel = tel

	store, err := persistence.Open(cfg.Store.Backend, cfg.Store.Path, persistence.Options{Driver: cfg.Store.Driver})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	s.store = store

	schemas, err := router.LoadSchemas(cfg.PayloadSchemas)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("payload schemas: %w", err)
	}

	s.bus = bus.New()
	s.messages = messaging.New(store, s.logger)
	s.registry = registry.New(registry.Config{
		Store:          store,
		LivenessWindow: cfg.LivenessWindow(),
		Bus:            s.bus,
		Logger:         s.logger,
	})
	s.router = router.New(router.Config{
		Store:     store,
		Schemas:   schemas,
		Messages:  s.messages,
		Bus:       s.bus,
		Telemetry: s.tel,
		Logger:    s.logger,
	})
	s.logger.Debug("startup phase", "phase", "store_opened", "backend", cfg.Store.Backend, "path", cfg.Store.Path)
	return s, nil
}

// Close releases everything openSwarm acquired, in reverse order.
func (s *swarm) Close() {
	if s.store != nil {
		if err := s.store.Close(); err != nil && s.logger != nil {
			s.logger.Warn("store close failed", "error", err)
		}
	}
	if s.provider != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.provider.Shutdown(shutdownCtx)
		cancel()
	}
	if s.logging != nil {
		_ = s.logging.Close()
	}
	_ = audit.Close()
}

func (s *swarm) lifecycle() (*lifecycle.Manager, error) {
	return lifecycle.New(lifecycle.Config{
		Registry: s.registry,
		Router:   s.router,
		Messages: s.messages,
		Process: lifecycle.ExecProcess{
			Dir:    s.cfg.HomeDir,
			LogDir: filepath.Join(s.cfg.HomeDir, "logs", "agents"),
			Env:    []string{"GOSWARM_HOME=" + s.cfg.HomeDir},
		},
		Command:           s.cfg.ExpandAgentCommand,
		RestartDelay:      s.cfg.RestartDelay(),
		InactiveRetention: s.cfg.InactiveRetention(),
		SweepConcurrency:  s.cfg.SweepConcurrency,
		Telemetry:         s.tel,
		Logger:            s.logger,
	})
}

func (s *swarm) planner() *planner.Planner {
	return planner.New(planner.Config{Router: s.router, Telemetry: s.tel, Logger: s.logger})
}

// withSwarm opens the swarm for a one-shot operator command, runs fn with an
// operator context and maps the result to an exit code.
func withSwarm(ctx context.Context, fn func(context.Context, *swarm) error) int {
	s, err := openSwarm(ctx, runtimeOptions{component: "cli", quiet: true})
	if err != nil {
		return exitCode(err)
	}
	defer s.Close()
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithAgentID(ctx, shared.CLIAgentID)
	return exitCode(fn(ctx, s))
}

// errFlagsReported means the flag package already printed the problem.
var errFlagsReported = fmt.Errorf("%w: reported by flag parser", errUsage)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("goswarm "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// parseFlags parses args and returns the positional arguments. Flags may
// follow positionals, so "show-task abc -json" works.
func parseFlags(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return nil, err
			}
			return nil, errFlagsReported
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		if args[0] == "--" {
			return append(positional, args[1:]...), nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

// flagExit converts a parseFlags error into an exit code.
func flagExit(err error) int {
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	return 2
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
