package main

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/go-swarm/internal/config"
	"github.com/basket/go-swarm/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	initConfig := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		case "-init", "--init":
			initConfig = true
		default:
			fmt.Fprintln(stderr, "usage: goswarm doctor [-json] [--init]")
			return 2
		}
	}

	home := config.HomeDir()
	if initConfig {
		written, err := config.WriteDefault(home)
		if err != nil {
			return exitCode(err)
		}
		if written && !jsonOutput {
			fmt.Fprintf(stdout, "wrote %s\n", config.ConfigPath(home))
		}
	}

	cfg, err := config.LoadFrom(home)
	if err != nil {
		// Diagnose anyway; the config check reports what is wrong.
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if jsonOutput {
		if err := printJSON(stdout, diag); err != nil {
			return exitCode(err)
		}
		if diag.Failed() {
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "goswarm doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(stdout, "System: %s/%s (%s) goswarm %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(stdout, "---")

	for _, res := range diag.Results {
		var icon string
		switch res.Status {
		case doctor.StatusFail:
			icon = failColor.Sprint("FAIL")
		case doctor.StatusWarn:
			icon = warnColor.Sprint("WARN")
		case doctor.StatusSkip:
			icon = "SKIP"
		default:
			icon = okColor.Sprint("PASS")
		}
		fmt.Fprintf(stdout, "%s %-15s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(stdout, "     %s\n", res.Detail)
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}
