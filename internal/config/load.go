package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/herald/internal/supervisor"
)

// SetDefaults registers Defaults() on v.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("supervisor.backend", d.Supervisor.Backend)
	v.SetDefault("supervisor.stop_timeout", d.Supervisor.StopTimeout)
	v.SetDefault("supervisor.docker_image", d.Supervisor.DockerImage)
	v.SetDefault("coordinator.resolve_cache_ttl", d.Coordinator.ResolveCacheTTL)
	v.SetDefault("coordinator.stop_notice", d.Coordinator.StopNotice)
	v.SetDefault("journal.path", d.Journal.Path)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	for name, on := range d.Flags {
		v.SetDefault("flags."+name, on)
	}
}

// Decode unmarshals v into a Config.
func Decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// Load reads path on top of the defaults and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg, err := Decode(v)
	if err != nil {
		return Config{}, err
	}
	if cfg.Workers, err = ReadWorkers(path); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ReadWorkers decodes the workers section of the file at path directly with
// yaml, keeping the case of env keys that viper would lowercase.
func ReadWorkers(path string) ([]supervisor.ProcessSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var doc struct {
		Workers []supervisor.ProcessSpec `yaml:"workers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing workers: %w", err)
	}
	return doc.Workers, nil
}
