package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const SupportedSchema = "v1"

type Connector struct {
	Alias  string `yaml:"alias"`
	Kind   string `yaml:"kind"`
	Config string `yaml:"config"` // path, relative to the pipeline file
}

type Batch struct {
	Count     int `yaml:"count"`      // 0 = batching disabled
	TimeoutMS int `yaml:"timeout_ms"` // flush a partial batch after this long
}

type Contraflow struct {
	AckMode    string `yaml:"ack_mode"`    // each|max
	MailboxLen int    `yaml:"mailbox_len"` // per-source signal buffer
}

type Shutdown struct {
	GracefulTimeoutMS int `yaml:"graceful_timeout_ms"`
}

// File is the on-disk pipeline description.
type File struct {
	SchemaVersion string `yaml:"schema_version"`

	Sources []Connector `yaml:"sources"`
	Sinks   []Connector `yaml:"sinks"`

	Batch      Batch      `yaml:"batch"`
	Contraflow Contraflow `yaml:"contraflow"`
	Shutdown   Shutdown   `yaml:"shutdown"`
	QueueLen   int        `yaml:"queue_len"` // forward buffer per sink
}

func (f File) GracefulTimeout() time.Duration {
	return time.Duration(f.Shutdown.GracefulTimeoutMS) * time.Millisecond
}

func (f File) BatchTimeout() time.Duration {
	return time.Duration(f.Batch.TimeoutMS) * time.Millisecond
}

// LoadPipeline parses a pipeline YAML, validates it and resolves connector
// config paths against the pipeline file's directory.
func LoadPipeline(path string) (File, error) {
	var cfg File
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SupportedSchema
	}
	if cfg.SchemaVersion != SupportedSchema {
		return cfg, fmt.Errorf("pipeline schema_version %q not supported (want %q)", cfg.SchemaVersion, SupportedSchema)
	}
	applyDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return cfg, err
	}

	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return cfg, err
	}
	for i := range cfg.Sources {
		cfg.Sources[i].Config = resolve(base, cfg.Sources[i].Config)
	}
	for i := range cfg.Sinks {
		cfg.Sinks[i].Config = resolve(base, cfg.Sinks[i].Config)
	}
	return cfg, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func applyDefaults(c *File) {
	if c.Contraflow.AckMode == "" {
		c.Contraflow.AckMode = "each"
	}
	if c.Contraflow.MailboxLen == 0 {
		c.Contraflow.MailboxLen = 1024
	}
	if c.Shutdown.GracefulTimeoutMS == 0 {
		c.Shutdown.GracefulTimeoutMS = 5_000
	}
	if c.QueueLen == 0 {
		c.QueueLen = 256
	}
	for i := range c.Sources {
		if c.Sources[i].Alias == "" {
			c.Sources[i].Alias = fmt.Sprintf("%s-%d", c.Sources[i].Kind, i)
		}
	}
	for i := range c.Sinks {
		if c.Sinks[i].Alias == "" {
			c.Sinks[i].Alias = fmt.Sprintf("%s-%d", c.Sinks[i].Kind, i)
		}
	}
}

func (c File) validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("pipeline: at least one source is required")
	}
	if len(c.Sinks) == 0 {
		return fmt.Errorf("pipeline: at least one sink is required")
	}
	seen := map[string]bool{}
	for _, conn := range append(append([]Connector{}, c.Sources...), c.Sinks...) {
		if conn.Kind == "" {
			return fmt.Errorf("pipeline: connector %q has no kind", conn.Alias)
		}
		if seen[conn.Alias] {
			return fmt.Errorf("pipeline: duplicate alias %q", conn.Alias)
		}
		seen[conn.Alias] = true
	}
	switch c.Contraflow.AckMode {
	case "each", "max":
	default:
		return fmt.Errorf("pipeline: contraflow.ack_mode %q not supported (want each|max)", c.Contraflow.AckMode)
	}
	if c.Batch.Count < 0 || c.Batch.TimeoutMS < 0 {
		return fmt.Errorf("pipeline: batch settings must not be negative")
	}
	return nil
}
