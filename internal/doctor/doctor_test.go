package doctor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-swarm/internal/config"
	"github.com/basket/go-swarm/internal/persistence"
)

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	home := t.TempDir()
	if body != "" {
		if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func result(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %s check in %+v", name, d.Results)
	return CheckResult{}
}

func TestRun_HealthyFileStore(t *testing.T) {
	cfg := loadConfig(t, "store:\n  backend: file\n")
	d := Run(context.Background(), cfg, "test")
	if d.Failed() {
		t.Fatalf("unexpected failure: %+v", d.Results)
	}
	if got := result(t, d, "Config").Status; got != StatusPass {
		t.Fatalf("config check: %s", got)
	}
	if got := result(t, d, "Workflows"); got.Status != StatusPass || !strings.Contains(got.Detail, "feature") {
		t.Fatalf("workflows check: %+v", got)
	}
	if d.System.Version != "test" {
		t.Fatalf("unexpected version %q", d.System.Version)
	}
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if got := result(t, d, "Config").Status; got != StatusFail {
		t.Fatalf("expected FAIL for nil config, got %s", got)
	}
	for _, r := range d.Results[1:] {
		if r.Status != StatusSkip {
			t.Fatalf("expected SKIP for %s, got %s", r.Name, r.Status)
		}
	}
}

func TestCheckConfig_MissingFileWarns(t *testing.T) {
	cfg := loadConfig(t, "")
	if got := checkConfig(context.Background(), cfg); got.Status != StatusWarn {
		t.Fatalf("expected WARN, got %+v", got)
	}
}

func TestCheckStore_ReportsCorruption(t *testing.T) {
	cfg := loadConfig(t, "store:\n  backend: file\n")
	if err := os.MkdirAll(cfg.Store.Path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Store.Path, "tasks.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write state: %v", err)
	}
	got := checkStore(context.Background(), cfg)
	if got.Status != StatusFail || !strings.HasPrefix(got.Message, "StorageCorruptionError") {
		t.Fatalf("expected corruption failure, got %+v", got)
	}
	data, err := os.ReadFile(filepath.Join(cfg.Store.Path, "tasks.json"))
	if err != nil || string(data) != "{not json" {
		t.Fatalf("doctor must not rewrite a corrupt store: %q %v", data, err)
	}
}

func TestCheckStore_SQLiteSchemaVersion(t *testing.T) {
	cfg := loadConfig(t, "store:\n  backend: sqlite\n  driver: sqlite\n")
	got := checkStore(context.Background(), cfg)
	if got.Status != StatusPass || !strings.Contains(got.Detail, "schema=v1") {
		t.Fatalf("unexpected store check: %+v", got)
	}
}

func TestCheckStaleAgents(t *testing.T) {
	cfg := loadConfig(t, "store:\n  backend: file\n")
	old := time.Now().Add(-time.Hour)
	store, err := persistence.Open(cfg.Store.Backend, cfg.Store.Path, persistence.Options{Now: func() time.Time { return old }})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	if _, err := store.PutAgent(ctx, persistence.AgentRecord{ID: "ghost", Role: persistence.RoleCoder, Status: persistence.AgentActive, LastSeen: old, RegisteredAt: old}); err != nil {
		t.Fatalf("put agent: %v", err)
	}
	_ = store.Close()

	got := checkStaleAgents(ctx, cfg)
	if got.Status != StatusWarn || !strings.Contains(got.Detail, "ghost") {
		t.Fatalf("expected stale warning, got %+v", got)
	}
}

func TestCheckSchemas(t *testing.T) {
	cfg := loadConfig(t, "")
	if got := checkSchemas(context.Background(), cfg); got.Status != StatusSkip {
		t.Fatalf("expected SKIP without schemas, got %s", got.Status)
	}
	good := filepath.Join(cfg.HomeDir, "build.json")
	if err := os.WriteFile(good, []byte(`{"type":"object","required":["target"]}`), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	cfg.PayloadSchemas = map[string]string{"build": good}
	if got := checkSchemas(context.Background(), cfg); got.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", got)
	}
	cfg.PayloadSchemas["broken"] = filepath.Join(cfg.HomeDir, "missing.json")
	if got := checkSchemas(context.Background(), cfg); got.Status != StatusFail {
		t.Fatalf("expected FAIL for missing schema file, got %+v", got)
	}
}

func TestCheckWorkflows_InvalidTemplate(t *testing.T) {
	cfg := loadConfig(t, "workflows:\n  - name: loop\n    steps:\n      - {id: a, role: coder, depends_on: [b]}\n      - {id: b, role: tester, depends_on: [a]}\n")
	if got := checkWorkflows(context.Background(), cfg); got.Status != StatusFail || !strings.Contains(got.Message, "cycle") {
		t.Fatalf("expected cycle failure, got %+v", got)
	}
}

func TestCheckSchedules_Invalid(t *testing.T) {
	cfg := loadConfig(t, "sweep_schedule: \"every so often\"\n")
	if got := checkSchedules(context.Background(), cfg); got.Status != StatusFail {
		t.Fatalf("expected FAIL, got %+v", got)
	}
}

func TestCheckCommands(t *testing.T) {
	cfg := loadConfig(t, "handler_command: [\"/definitely/not/here\"]\n")
	got := checkCommands(context.Background(), cfg)
	if got.Status != StatusFail || !strings.Contains(got.Detail, "not found") {
		t.Fatalf("expected missing handler failure, got %+v", got)
	}
	cfg.HandlerCommand = []string{"sh", "-c", "cat"}
	if got := checkCommands(context.Background(), cfg); got.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", got)
	}
}

func TestCheckEnvironment_MasksSecrets(t *testing.T) {
	t.Setenv("GOSWARM_LOG_LEVEL", "debug")
	t.Setenv("GOSWARM_OTEL_TOKEN", "abc123")
	got := checkEnvironment(context.Background(), nil)
	if got.Status != StatusPass {
		t.Fatalf("environment check: %+v", got)
	}
	if !strings.Contains(got.Detail, "GOSWARM_LOG_LEVEL=debug") {
		t.Fatalf("override missing: %q", got.Detail)
	}
	if strings.Contains(got.Detail, "abc123") || !strings.Contains(got.Detail, "GOSWARM_OTEL_TOKEN=[REDACTED]") {
		t.Fatalf("secret not masked: %q", got.Detail)
	}
}
