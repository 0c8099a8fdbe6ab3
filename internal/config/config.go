package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-swarm/internal/otel"
	"github.com/basket/go-swarm/internal/persistence"
)

type StoreConfig struct {
	// Backend is "sqlite", "file" or "memory".
	Backend string `yaml:"backend"`
	// Path is resolved against the home dir when relative. Empty selects the
	// backend default.
	Path string `yaml:"path"`
	// Driver selects the SQLite driver: "sqlite3" (cgo) or "sqlite" (pure Go).
	Driver string `yaml:"driver"`
}

// WorkflowConfig defines a named workflow template in config.yaml.
type WorkflowConfig struct {
	Name        string               `yaml:"name"`
	Description string               `yaml:"description"`
	Steps       []WorkflowStepConfig `yaml:"steps"`
}

// WorkflowStepConfig defines a step within a workflow template.
type WorkflowStepConfig struct {
	ID          string         `yaml:"id"`
	Role        string         `yaml:"role"`
	Type        string         `yaml:"type"`
	Description string         `yaml:"description"`
	DependsOn   []string       `yaml:"depends_on"`
	Data        map[string]any `yaml:"data"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string      `yaml:"log_level"`
	Store    StoreConfig `yaml:"store"`

	PollIntervalMs           int `yaml:"poll_interval_ms"`
	TaskTimeoutSeconds       int `yaml:"task_timeout_seconds"`
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	LivenessWindowSeconds    int `yaml:"liveness_window_seconds"`
	// DrainTimeoutSeconds bounds how long an agent waits for its in-flight
	// task on shutdown before requeueing it.
	DrainTimeoutSeconds      int `yaml:"drain_timeout_seconds"`
	InactiveRetentionSeconds int `yaml:"inactive_retention_seconds"`
	RestartDelayMs           int `yaml:"restart_delay_ms"`
	SweepConcurrency         int `yaml:"sweep_concurrency"`

	// Cron specs for the daemon's maintenance jobs.
	SweepSchedule   string `yaml:"sweep_schedule"`
	CleanupSchedule string `yaml:"cleanup_schedule"`

	// AgentCommand is the argv used to spawn an agent process. {id}, {role}
	// and {home} are substituted.
	AgentCommand []string `yaml:"agent_command"`
	// HandlerCommand is the argv an agent runs per claimed task. Empty uses
	// the built-in echo handler.
	HandlerCommand []string `yaml:"handler_command"`

	// PayloadSchemas maps a task type to a JSON Schema file.
	PayloadSchemas map[string]string `yaml:"payload_schemas"`
	Workflows      []WorkflowConfig  `yaml:"workflows"`

	OTel otel.Config `yaml:"otel"`

	// NeedsInit is set when no config.yaml exists yet.
	NeedsInit bool `yaml:"-"`
}

const (
	defaultPollIntervalMs           = 2000
	defaultTaskTimeoutSeconds       = 300
	defaultHeartbeatIntervalSeconds = 10
	defaultLivenessWindowSeconds    = 30
	defaultDrainTimeoutSeconds      = 10
	defaultInactiveRetentionSeconds = 3600
	defaultRestartDelayMs           = 1000
	defaultSweepConcurrency         = 8
	defaultSweepSchedule            = "@every 30s"
	defaultCleanupSchedule          = "@every 10m"
)

// DefaultAgentCommand re-executes this binary as a watcher for one agent.
var DefaultAgentCommand = []string{"goswarm", "agent", "--id", "{id}", "--role", "{role}", "--home", "{home}"}

func defaultConfig() Config {
	return Config{
		LogLevel:                 "info",
		Store:                    StoreConfig{Backend: persistence.BackendSQLite, Driver: persistence.DriverMattn},
		PollIntervalMs:           defaultPollIntervalMs,
		TaskTimeoutSeconds:       defaultTaskTimeoutSeconds,
		HeartbeatIntervalSeconds: defaultHeartbeatIntervalSeconds,
		LivenessWindowSeconds:    defaultLivenessWindowSeconds,
		DrainTimeoutSeconds:      defaultDrainTimeoutSeconds,
		InactiveRetentionSeconds: defaultInactiveRetentionSeconds,
		RestartDelayMs:           defaultRestartDelayMs,
		SweepConcurrency:         defaultSweepConcurrency,
		SweepSchedule:            defaultSweepSchedule,
		CleanupSchedule:          defaultCleanupSchedule,
		AgentCommand:             append([]string(nil), DefaultAgentCommand...),
		OTel:                     otel.Config{Exporter: "none", ServiceName: "goswarm", SampleRate: 1},
	}
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func HomeDir() string {
	if override := os.Getenv("GOSWARM_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".goswarm")
}

// Load reads config from HomeDir.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads homeDir/config.yaml over the defaults, then applies
// GOSWARM_* environment overrides.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create goswarm home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = persistence.BackendSQLite
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = persistence.DriverMattn
	}
	if cfg.Store.Backend != persistence.BackendMemory {
		if cfg.Store.Path == "" {
			cfg.Store.Path = persistence.DefaultPath(cfg.HomeDir, cfg.Store.Backend)
		} else {
			cfg.Store.Path = resolve(cfg.HomeDir, cfg.Store.Path)
		}
	}
	positive := []struct {
		v   *int
		def int
	}{
		{&cfg.PollIntervalMs, defaultPollIntervalMs},
		{&cfg.TaskTimeoutSeconds, defaultTaskTimeoutSeconds},
		{&cfg.HeartbeatIntervalSeconds, defaultHeartbeatIntervalSeconds},
		{&cfg.LivenessWindowSeconds, defaultLivenessWindowSeconds},
		{&cfg.DrainTimeoutSeconds, defaultDrainTimeoutSeconds},
		{&cfg.InactiveRetentionSeconds, defaultInactiveRetentionSeconds},
		{&cfg.SweepConcurrency, defaultSweepConcurrency},
	}
	for _, p := range positive {
		if *p.v <= 0 {
			*p.v = p.def
		}
	}
	if cfg.RestartDelayMs < 0 {
		cfg.RestartDelayMs = 0
	}
	if strings.TrimSpace(cfg.SweepSchedule) == "" {
		cfg.SweepSchedule = defaultSweepSchedule
	}
	if strings.TrimSpace(cfg.CleanupSchedule) == "" {
		cfg.CleanupSchedule = defaultCleanupSchedule
	}
	if len(cfg.AgentCommand) == 0 {
		cfg.AgentCommand = append([]string(nil), DefaultAgentCommand...)
	}
	for taskType, path := range cfg.PayloadSchemas {
		cfg.PayloadSchemas[taskType] = resolve(cfg.HomeDir, path)
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "goswarm"
	}
}

func resolve(homeDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return filepath.Join(homeDir, path)
}

func validate(cfg *Config) error {
	switch cfg.Store.Backend {
	case persistence.BackendSQLite, persistence.BackendFile, persistence.BackendMemory:
	default:
		return fmt.Errorf("store.backend %q must be one of sqlite, file, memory", cfg.Store.Backend)
	}
	switch cfg.Store.Driver {
	case persistence.DriverMattn, persistence.DriverModernc:
	default:
		return fmt.Errorf("store.driver %q must be %q or %q", cfg.Store.Driver, persistence.DriverMattn, persistence.DriverModernc)
	}
	if cfg.HeartbeatIntervalSeconds >= cfg.LivenessWindowSeconds {
		return fmt.Errorf("heartbeat_interval_seconds (%d) must be shorter than liveness_window_seconds (%d)",
			cfg.HeartbeatIntervalSeconds, cfg.LivenessWindowSeconds)
	}
	seen := map[string]bool{}
	for _, wf := range cfg.Workflows {
		if wf.Name == "" {
			return fmt.Errorf("workflow has empty name")
		}
		if seen[wf.Name] {
			return fmt.Errorf("duplicate workflow name: %s", wf.Name)
		}
		seen[wf.Name] = true
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GOSWARM_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOSWARM_STORE_BACKEND"); raw != "" {
		cfg.Store.Backend = raw
	}
	if raw := os.Getenv("GOSWARM_STORE_PATH"); raw != "" {
		cfg.Store.Path = raw
	}
	if raw := os.Getenv("GOSWARM_STORE_DRIVER"); raw != "" {
		cfg.Store.Driver = raw
	}
	ints := []struct {
		env string
		dst *int
	}{
		{"GOSWARM_POLL_INTERVAL_MS", &cfg.PollIntervalMs},
		{"GOSWARM_TASK_TIMEOUT_SECONDS", &cfg.TaskTimeoutSeconds},
		{"GOSWARM_LIVENESS_WINDOW_SECONDS", &cfg.LivenessWindowSeconds},
		{"GOSWARM_HEARTBEAT_INTERVAL_SECONDS", &cfg.HeartbeatIntervalSeconds},
		{"GOSWARM_DRAIN_TIMEOUT_SECONDS", &cfg.DrainTimeoutSeconds},
	}
	for _, o := range ints {
		if raw := os.Getenv(o.env); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				*o.dst = v
			}
		}
	}
	if raw := os.Getenv("GOSWARM_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Enabled = true
		cfg.OTel.Exporter = "otlp-http"
		cfg.OTel.Endpoint = raw
	}
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c Config) LivenessWindow() time.Duration {
	return time.Duration(c.LivenessWindowSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func (c Config) InactiveRetention() time.Duration {
	return time.Duration(c.InactiveRetentionSeconds) * time.Second
}

func (c Config) RestartDelay() time.Duration {
	return time.Duration(c.RestartDelayMs) * time.Millisecond
}

// ExpandAgentCommand substitutes the placeholders of AgentCommand.
func (c Config) ExpandAgentCommand(id, role string) []string {
	r := strings.NewReplacer("{id}", id, "{role}", role, "{home}", c.HomeDir)
	out := make([]string, len(c.AgentCommand))
	for i, arg := range c.AgentCommand {
		out[i] = r.Replace(arg)
	}
	return out
}

// AllWorkflows returns the starter templates overlaid by configured ones of
// the same name.
func (c Config) AllWorkflows() []WorkflowConfig {
	byName := map[string]int{}
	var out []WorkflowConfig
	for _, wf := range append(StarterWorkflows(), c.Workflows...) {
		if i, ok := byName[wf.Name]; ok {
			out[i] = wf
			continue
		}
		byName[wf.Name] = len(out)
		out = append(out, wf)
	}
	return out
}

// WatchedFiles lists the files whose change should trigger a reload.
func (c Config) WatchedFiles() []string {
	files := []string{ConfigPath(c.HomeDir)}
	for _, path := range c.PayloadSchemas {
		files = append(files, path)
	}
	return files
}

// Fingerprint returns a stable hash of the settings that affect running agents.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "store=%s:%s:%s|poll=%d|timeout=%d|hb=%d|live=%d|log=%s|workflows=%d|schemas=%d",
		c.Store.Backend, c.Store.Driver, c.Store.Path, c.PollIntervalMs, c.TaskTimeoutSeconds,
		c.HeartbeatIntervalSeconds, c.LivenessWindowSeconds, c.LogLevel, len(c.Workflows), len(c.PayloadSchemas))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// WriteDefault writes a config.yaml with the defaults if none exists.
func WriteDefault(homeDir string) (bool, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return false, fmt.Errorf("create goswarm home: %w", err)
	}
	cfg := defaultConfig()
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return false, fmt.Errorf("write config.yaml: %w", err)
	}
	return true, nil
}
