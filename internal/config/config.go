// Package config provides configuration types and defaults for herald.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/herald/internal/flags"
	"github.com/zjrosen/herald/internal/log"
	"github.com/zjrosen/herald/internal/supervisor"
	"github.com/zjrosen/herald/internal/tracing"
)

// Supervisor backends.
const (
	BackendLocal  = "local"
	BackendMemory = "memory"
	BackendDocker = "docker"
)

// Config holds all configuration options for herald.
type Config struct {
	Supervisor  SupervisorConfig         `mapstructure:"supervisor" yaml:"supervisor"`
	Coordinator CoordinatorConfig        `mapstructure:"coordinator" yaml:"coordinator"`
	Workers     []supervisor.ProcessSpec `mapstructure:"workers" yaml:"workers"`
	Journal     JournalConfig            `mapstructure:"journal" yaml:"journal"`
	Tracing     tracing.Config           `mapstructure:"tracing" yaml:"tracing"`
	Flags       map[string]bool          `mapstructure:"flags" yaml:"flags"`
}

// SupervisorConfig selects and tunes the process supervisor.
type SupervisorConfig struct {
	// Backend is "local" (OS processes), "memory" (in-process demo workers)
	// or "docker" (containers).
	Backend string `mapstructure:"backend" yaml:"backend"`

	// StopTimeout is how long a stopped worker gets to exit before it is
	// killed.
	StopTimeout time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`

	// DockerImage is used for workers that set no image.
	DockerImage string `mapstructure:"docker_image" yaml:"docker_image"`
}

// CoordinatorConfig tunes message routing.
type CoordinatorConfig struct {
	// ResolveCacheTTL is how long a name to id lookup is reused. 0 disables
	// caching.
	ResolveCacheTTL time.Duration `mapstructure:"resolve_cache_ttl" yaml:"resolve_cache_ttl"`

	// StopNotice is the event sent to a worker before it is stopped. Empty
	// means no notice.
	StopNotice string `mapstructure:"stop_notice" yaml:"stop_notice"`
}

// JournalConfig locates the lifecycle journal.
type JournalConfig struct {
	// Path of the SQLite file. Empty disables the journal.
	Path string `mapstructure:"path" yaml:"path"`
}

// DefaultConfigDir returns ~/.config/herald, or "" if the home directory is
// unavailable.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "herald")
}

// DefaultJournalPath returns ~/.config/herald/journal.db.
func DefaultJournalPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "journal.db")
}

// DefaultTracesFilePath returns ~/.config/herald/traces/traces.jsonl.
func DefaultTracesFilePath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "traces", "traces.jsonl")
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Supervisor: SupervisorConfig{
			Backend:     BackendLocal,
			StopTimeout: 5 * time.Second,
			DockerImage: "alpine:3",
		},
		Coordinator: CoordinatorConfig{
			ResolveCacheTTL: 5 * time.Second,
		},
		Journal: JournalConfig{
			Path: DefaultJournalPath(),
		},
		Tracing: tracing.DefaultConfig(),
		Flags:   flags.Defaults(),
	}
}

// Validate checks the whole configuration.
func Validate(cfg Config) error {
	if err := ValidateSupervisor(cfg.Supervisor); err != nil {
		return err
	}
	if err := ValidateCoordinator(cfg.Coordinator); err != nil {
		return err
	}
	if err := ValidateWorkers(cfg.Workers); err != nil {
		return err
	}
	return ValidateTracing(cfg.Tracing)
}

// ValidateSupervisor checks supervisor configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateSupervisor(s SupervisorConfig) error {
	switch s.Backend {
	case "", BackendLocal, BackendMemory, BackendDocker:
	default:
		return fmt.Errorf("supervisor.backend must be \"local\", \"memory\", or \"docker\", got %q", s.Backend)
	}
	if s.StopTimeout < 0 {
		return fmt.Errorf("supervisor.stop_timeout must not be negative, got %v", s.StopTimeout)
	}
	return nil
}

// ValidateCoordinator checks coordinator configuration for errors.
func ValidateCoordinator(c CoordinatorConfig) error {
	if c.ResolveCacheTTL < 0 {
		return fmt.Errorf("coordinator.resolve_cache_ttl must not be negative, got %v", c.ResolveCacheTTL)
	}
	return nil
}

// ValidateWorkers checks that every worker has a unique name and a script.
func ValidateWorkers(workers []supervisor.ProcessSpec) error {
	seen := make(map[string]int, len(workers))
	for i, w := range workers {
		if w.Name == "" {
			return fmt.Errorf("worker %d: name is required", i)
		}
		if w.Script == "" {
			return fmt.Errorf("worker %d (%s): script is required", i, w.Name)
		}
		if j, dup := seen[w.Name]; dup {
			return fmt.Errorf("worker %d: name %q already used by worker %d", i, w.Name, j)
		}
		seen[w.Name] = i
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(t tracing.Config) error {
	if t.SampleRate < 0.0 || t.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", t.SampleRate)
	}

	if t.Exporter != "" {
		switch t.Exporter {
		case tracing.ExporterNone, tracing.ExporterFile, tracing.ExporterStdout, tracing.ExporterOTLP:
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", t.Exporter)
		}
	}

	// Path requirements only matter when tracing is on.
	if t.Enabled {
		if t.Exporter == tracing.ExporterFile && t.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if t.Exporter == tracing.ExporterOTLP && t.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}
	return nil
}

// Worker returns the declared worker named name.
func (c Config) Worker(name string) (supervisor.ProcessSpec, bool) {
	for _, w := range c.Workers {
		if w.Name == name {
			return w, true
		}
	}
	return supervisor.ProcessSpec{}, false
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# herald configuration

supervisor:
  backend: local        # "local" (OS processes), "memory" (built-in demo workers) or "docker"
  stop_timeout: 5s      # grace period between SIGINT and kill
  docker_image: alpine:3

coordinator:
  resolve_cache_ttl: 5s # how long a name -> pm_id lookup is reused; 0 disables
  # stop_notice: shutdown  # event sent to a worker before it is stopped

# Workers started by "herald run". With the memory backend, workers whose
# script is a built-in program ("ping" or "load"), or "herald worker <program>",
# run in-process.
workers:
  - name: ping
    script: herald
    args: [worker, ping]
  # - name: load
  #   script: herald
  #   args: [worker, load]
  #   log_file: /tmp/herald-load.log

# journal:
#   path: ~/.config/herald/journal.db   # empty disables the journal

tracing:
  enabled: false
  exporter: file        # "none", "file", "stdout" or "otlp"
  # file_path: ~/.config/herald/traces/traces.jsonl
  # otlp_endpoint: localhost:4317
  sample_rate: 1.0

flags:
  lifecycle-journal: true
  parallel-terminate: false
  exit-events: false
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
