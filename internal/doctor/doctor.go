package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/go-swarm/internal/config"
	"github.com/basket/go-swarm/internal/cron"
	"github.com/basket/go-swarm/internal/persistence"
	"github.com/basket/go-swarm/internal/planner"
	"github.com/basket/go-swarm/internal/registry"
	"github.com/basket/go-swarm/internal/router"
	"github.com/basket/go-swarm/internal/shared"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks. Nothing is repaired.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkStore,
		checkStaleAgents,
		checkSchemas,
		checkWorkflows,
		checkSchedules,
		checkCommands,
		checkEnvironment,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing; using defaults",
			Detail: "write one with: goswarm doctor --init"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func openStore(cfg *config.Config) (persistence.Store, error) {
	return persistence.Open(cfg.Store.Backend, cfg.Store.Path, persistence.Options{Driver: cfg.Store.Driver})
}

func checkStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Store", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Store.Backend == persistence.BackendMemory {
		return CheckResult{Name: "Store", Status: StatusWarn, Message: "memory backend: state is not shared between processes"}
	}
	store, err := openStore(cfg)
	if err != nil {
		return storeFailure(err, cfg)
	}
	defer store.Close()

	agents, err := store.ListAgents(ctx)
	if err != nil {
		return storeFailure(err, cfg)
	}
	tasks, err := store.ListTasks(ctx, persistence.TaskFilter{})
	if err != nil {
		return storeFailure(err, cfg)
	}
	detail := fmt.Sprintf("backend=%s path=%s agents=%d tasks=%d", cfg.Store.Backend, cfg.Store.Path, len(agents), len(tasks))
	if s, ok := store.(*persistence.SQLiteStore); ok {
		v, err := s.SchemaVersion(ctx)
		if err != nil {
			return storeFailure(err, cfg)
		}
		detail += fmt.Sprintf(" schema=v%d driver=%s", v, cfg.Store.Driver)
	}
	return CheckResult{Name: "Store", Status: StatusPass, Message: "Store opened and readable", Detail: detail}
}

func storeFailure(err error, cfg *config.Config) CheckResult {
	msg := fmt.Sprintf("%s: %v", persistence.ErrorClass(err), err)
	detail := fmt.Sprintf("backend=%s path=%s", cfg.Store.Backend, cfg.Store.Path)
	if errors.Is(err, persistence.ErrStorageCorruption) {
		detail += "; the store is left untouched, inspect or restore it manually"
	}
	return CheckResult{Name: "Store", Status: StatusFail, Message: msg, Detail: detail}
}

// checkStaleAgents reports active agents that would fail the next health
// sweep and tasks held by agents that are no longer live.
func checkStaleAgents(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Store.Backend == persistence.BackendMemory {
		return CheckResult{Name: "Agents", Status: StatusSkip, Message: "No shared store"}
	}
	store, err := openStore(cfg)
	if err != nil {
		return CheckResult{Name: "Agents", Status: StatusSkip, Message: "Store unavailable"}
	}
	defer store.Close()

	reg := registry.New(registry.Config{Store: store, LivenessWindow: cfg.LivenessWindow()})
	active, err := reg.ListActive(ctx)
	if err != nil {
		return CheckResult{Name: "Agents", Status: StatusFail, Message: err.Error()}
	}
	live := map[string]bool{}
	var stale []string
	for _, rec := range active {
		if l := reg.Assess(rec); l.Alive {
			live[rec.ID] = true
		} else {
			stale = append(stale, fmt.Sprintf("%s (%s)", rec.ID, l.Reason))
		}
	}
	owned, err := store.ListTasks(ctx, persistence.TaskFilter{Status: persistence.TaskInProgress})
	if err != nil {
		return CheckResult{Name: "Agents", Status: StatusFail, Message: err.Error()}
	}
	var orphaned []string
	for _, t := range owned {
		if !live[t.ClaimedBy] {
			orphaned = append(orphaned, t.ID)
		}
	}
	if len(stale) == 0 && len(orphaned) == 0 {
		return CheckResult{Name: "Agents", Status: StatusPass, Message: fmt.Sprintf("%d active agents live", len(live))}
	}
	return CheckResult{
		Name:    "Agents",
		Status:  StatusWarn,
		Message: fmt.Sprintf("%d stale agents, %d orphaned tasks", len(stale), len(orphaned)),
		Detail:  fmt.Sprintf("stale=[%s] orphaned=[%s]; run: goswarm health-check", strings.Join(stale, ", "), strings.Join(orphaned, ", ")),
	}
}

func checkSchemas(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || len(cfg.PayloadSchemas) == 0 {
		return CheckResult{Name: "Payload Schemas", Status: StatusSkip, Message: "None configured"}
	}
	schemas, err := router.LoadSchemas(cfg.PayloadSchemas)
	if err != nil {
		return CheckResult{Name: "Payload Schemas", Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{Name: "Payload Schemas", Status: StatusPass,
		Message: fmt.Sprintf("%d schemas compiled", len(schemas.Types())), Detail: strings.Join(schemas.Types(), ", ")}
}

func checkWorkflows(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Workflows", Status: StatusSkip, Message: "Config missing"}
	}
	templates, err := planner.TemplatesFromConfig(cfg.AllWorkflows())
	if err != nil {
		return CheckResult{Name: "Workflows", Status: StatusFail, Message: err.Error()}
	}
	names := planner.TemplateNames(templates)
	return CheckResult{Name: "Workflows", Status: StatusPass,
		Message: fmt.Sprintf("%d templates valid", len(names)), Detail: strings.Join(names, ", ")}
}

func checkSchedules(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedules", Status: StatusSkip, Message: "Config missing"}
	}
	now := time.Now()
	var details []string
	for _, s := range []struct{ name, spec string }{
		{"sweep", cfg.SweepSchedule},
		{"cleanup", cfg.CleanupSchedule},
	} {
		next, err := cron.NextRunTime(s.spec, now)
		if err != nil {
			return CheckResult{Name: "Schedules", Status: StatusFail, Message: fmt.Sprintf("%s_schedule %q: %v", s.name, s.spec, err)}
		}
		details = append(details, fmt.Sprintf("%s in %s", s.name, next.Sub(now).Round(time.Second)))
	}
	return CheckResult{Name: "Schedules", Status: StatusPass, Message: "Maintenance schedules valid", Detail: strings.Join(details, ", ")}
}

func checkCommands(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Commands", Status: StatusSkip, Message: "Config missing"}
	}
	status := StatusPass
	var details []string
	check := func(label string, argv []string) {
		switch {
		case len(argv) == 0:
			details = append(details, label+": built-in")
		case argv[0] == "goswarm":
			details = append(details, label+": this binary")
		default:
			if _, err := exec.LookPath(argv[0]); err != nil {
				details = append(details, fmt.Sprintf("%s: %s not found", label, argv[0]))
				status = StatusFail
				return
			}
			details = append(details, fmt.Sprintf("%s: %s ok", label, argv[0]))
		}
	}
	check("agent_command", cfg.AgentCommand)
	check("handler_command", cfg.HandlerCommand)
	return CheckResult{Name: "Commands", Status: status, Message: fmt.Sprintf("Checked %d commands", len(details)), Detail: strings.Join(details, "; ")}
}

// checkEnvironment lists the GOSWARM_* overrides in effect, with secret-looking
// values masked.
func checkEnvironment(_ context.Context, _ *config.Config) CheckResult {
	var overrides []string
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "GOSWARM_") || value == "" {
			continue
		}
		overrides = append(overrides, key+"="+shared.RedactEnvValue(key, value))
	}
	if len(overrides) == 0 {
		return CheckResult{Name: "Environment", Status: StatusPass, Message: "No GOSWARM_* overrides"}
	}
	sort.Strings(overrides)
	return CheckResult{
		Name:    "Environment",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d GOSWARM_* overrides", len(overrides)),
		Detail:  strings.Join(overrides, " "),
	}
}
