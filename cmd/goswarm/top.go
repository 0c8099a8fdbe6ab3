package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-swarm/internal/tui"
)

func runTopCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("top")
	interval := fs.Duration("interval", time.Second, "refresh interval")
	once := fs.Bool("once", false, "print one frame and exit")
	if _, err := parseFlags(fs, args); err != nil {
		return flagExit(err)
	}

	return withSwarm(ctx, func(ctx context.Context, s *swarm) error {
		provider := func() tui.Snapshot {
			snap := tui.Collect(ctx, s.store, s.registry)
			snap.Backend = s.cfg.Store.Backend
			return snap
		}
		if *once || !isatty.IsTerminal(os.Stdout.Fd()) {
			fmt.Fprint(stdout, tui.Render(provider()))
			return nil
		}
		if err := tui.Run(ctx, provider, *interval); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
}
