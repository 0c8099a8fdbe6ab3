package config_test

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-swarm/internal/config"
	"github.com/basket/go-swarm/internal/persistence"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	home := t.TempDir()
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return home
}

func TestLoad_FromGoswarmHome(t *testing.T) {
	home := writeConfig(t, "poll_interval_ms: 250\ntask_timeout_seconds: 120\nstore:\n  backend: file\n")
	t.Setenv("GOSWARM_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected home %s, got %s", home, cfg.HomeDir)
	}
	if cfg.PollInterval() != 250*time.Millisecond {
		t.Fatalf("expected poll 250ms, got %v", cfg.PollInterval())
	}
	if cfg.TaskTimeout() != 2*time.Minute {
		t.Fatalf("expected timeout 2m, got %v", cfg.TaskTimeout())
	}
	if cfg.Store.Backend != persistence.BackendFile {
		t.Fatalf("expected file backend, got %q", cfg.Store.Backend)
	}
	if cfg.Store.Path != persistence.DefaultPath(home, persistence.BackendFile) {
		t.Fatalf("unexpected default path %q", cfg.Store.Path)
	}
	if cfg.NeedsInit {
		t.Fatalf("NeedsInit should be false when config.yaml exists")
	}
}

func TestHomeDir_DefaultsUnderUserHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("GOSWARM_HOME", "")
	t.Setenv("HOME", home)
	if got := config.HomeDir(); got != filepath.Join(home, ".goswarm") {
		t.Fatalf("unexpected home dir %q", got)
	}
}

func TestLoad_Defaults(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fresh")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsInit {
		t.Fatalf("expected NeedsInit without config.yaml")
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("home dir should be created: %v", err)
	}
	if cfg.Store.Backend != persistence.BackendSQLite || cfg.Store.Driver != persistence.DriverMattn {
		t.Fatalf("unexpected store defaults %+v", cfg.Store)
	}
	if cfg.LivenessWindow() != 30*time.Second || cfg.HeartbeatInterval() != 10*time.Second {
		t.Fatalf("unexpected liveness defaults %v/%v", cfg.LivenessWindow(), cfg.HeartbeatInterval())
	}
	if cfg.SweepSchedule != "@every 30s" || cfg.CleanupSchedule != "@every 10m" {
		t.Fatalf("unexpected schedules %q %q", cfg.SweepSchedule, cfg.CleanupSchedule)
	}
	if !reflect.DeepEqual(cfg.AgentCommand, config.DefaultAgentCommand) {
		t.Fatalf("unexpected agent command %v", cfg.AgentCommand)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := writeConfig(t, "log_level: info\npoll_interval_ms: 1000\n")
	t.Setenv("GOSWARM_LOG_LEVEL", "debug")
	t.Setenv("GOSWARM_STORE_BACKEND", "memory")
	t.Setenv("GOSWARM_POLL_INTERVAL_MS", "50")
	t.Setenv("GOSWARM_TASK_TIMEOUT_SECONDS", "7")
	t.Setenv("GOSWARM_LIVENESS_WINDOW_SECONDS", "90")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected debug log level, got %q", cfg.LogLevel)
	}
	if cfg.Store.Backend != persistence.BackendMemory || cfg.Store.Path != "" {
		t.Fatalf("unexpected store %+v", cfg.Store)
	}
	if cfg.PollIntervalMs != 50 || cfg.TaskTimeoutSeconds != 7 || cfg.LivenessWindowSeconds != 90 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoad_InvalidValuesFallBackToDefaults(t *testing.T) {
	home := writeConfig(t, "poll_interval_ms: -5\ntask_timeout_seconds: 0\nrestart_delay_ms: -1\nagent_command: []\n")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.PollIntervalMs != 2000 || cfg.TaskTimeoutSeconds != 300 {
		t.Fatalf("expected defaults, got poll=%d timeout=%d", cfg.PollIntervalMs, cfg.TaskTimeoutSeconds)
	}
	if cfg.RestartDelayMs != 0 {
		t.Fatalf("negative restart delay should clamp to 0, got %d", cfg.RestartDelayMs)
	}
	if len(cfg.AgentCommand) == 0 {
		t.Fatalf("empty agent_command should fall back to default")
	}
}

func TestLoad_RejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"backend":   "store:\n  backend: postgres\n",
		"driver":    "store:\n  driver: pgx\n",
		"liveness":  "heartbeat_interval_seconds: 30\nliveness_window_seconds: 30\n",
		"dup":       "workflows:\n  - name: a\n    steps: [{id: x, role: coder}]\n  - name: a\n    steps: [{id: y, role: coder}]\n",
		"malformed": "store: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := config.LoadFrom(writeConfig(t, body)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestLoad_ResolvesRelativePaths(t *testing.T) {
	home := writeConfig(t, "store:\n  path: data/swarm.db\npayload_schemas:\n  build: schemas/build.json\n")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Store.Path != filepath.Join(home, "data", "swarm.db") {
		t.Fatalf("store path not resolved: %q", cfg.Store.Path)
	}
	if cfg.PayloadSchemas["build"] != filepath.Join(home, "schemas", "build.json") {
		t.Fatalf("schema path not resolved: %q", cfg.PayloadSchemas["build"])
	}
	files := cfg.WatchedFiles()
	if len(files) != 2 || files[0] != config.ConfigPath(home) {
		t.Fatalf("unexpected watched files %v", files)
	}
}

func TestLoad_Workflows(t *testing.T) {
	home := writeConfig(t, `
workflows:
  - name: release
    description: cut a release
    steps:
      - id: test
        role: tester
      - id: tag
        role: git_manager
        depends_on: [test]
        data:
          remote: origin
  - name: feature
    steps:
      - id: only
        role: coder
`)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.Workflows) != 2 {
		t.Fatalf("expected 2 workflows, got %d", len(cfg.Workflows))
	}
	tag := cfg.Workflows[0].Steps[1]
	if tag.Role != "git_manager" || tag.DependsOn[0] != "test" || tag.Data["remote"] != "origin" {
		t.Fatalf("unexpected step %+v", tag)
	}

	all := cfg.AllWorkflows()
	byName := map[string]config.WorkflowConfig{}
	for _, wf := range all {
		byName[wf.Name] = wf
	}
	if len(byName) != len(all) {
		t.Fatalf("AllWorkflows returned duplicate names")
	}
	if len(byName["feature"].Steps) != 1 {
		t.Fatalf("configured feature workflow should replace the starter")
	}
	if _, ok := byName["bugfix"]; !ok {
		t.Fatalf("starter bugfix workflow missing")
	}
	if _, ok := byName["release"]; !ok {
		t.Fatalf("configured release workflow missing")
	}
}

func TestExpandAgentCommand(t *testing.T) {
	cfg, err := config.LoadFrom(writeConfig(t, "agent_command: [\"/bin/agent\", \"--name={id}\", \"{role}\", \"{home}/x\"]\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	got := cfg.ExpandAgentCommand("coder_1", "coder")
	want := []string{"/bin/agent", "--name=coder_1", "coder", cfg.HomeDir + "/x"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	if cfg.AgentCommand[1] != "--name={id}" {
		t.Fatalf("ExpandAgentCommand must not modify the template")
	}
}

func TestFingerprint_ChangesWithSettings(t *testing.T) {
	a, err := config.LoadFrom(writeConfig(t, "poll_interval_ms: 100\n"))
	if err != nil {
		t.Fatalf("load a: %v", err)
	}
	b, err := config.LoadFrom(writeConfig(t, "poll_interval_ms: 200\n"))
	if err != nil {
		t.Fatalf("load b: %v", err)
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("unexpected fingerprint format %q", a.Fingerprint())
	}
	b.Store.Path = a.Store.Path
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("fingerprint should differ when poll interval differs")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Fatalf("fingerprint must be stable")
	}
}

func TestWriteDefault(t *testing.T) {
	home := filepath.Join(t.TempDir(), "h")
	wrote, err := config.WriteDefault(home)
	if err != nil || !wrote {
		t.Fatalf("WriteDefault: wrote=%v err=%v", wrote, err)
	}
	wrote, err = config.WriteDefault(home)
	if err != nil || wrote {
		t.Fatalf("second WriteDefault should be a no-op: wrote=%v err=%v", wrote, err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.NeedsInit || cfg.PollIntervalMs != 2000 {
		t.Fatalf("unexpected config from default file: %+v", cfg)
	}
}
