package kafka

import (
	"fmt"
	"time"

	"tidewater/internal/config"
	"tidewater/source"
)

type CommitMode string

const (
	CommitAuto CommitMode = "auto" // mark offsets as soon as a record is pulled
	CommitE2E  CommitMode = "e2e"  // mark offsets once the record is acked
)

type BackPressureCfg struct {
	Capacity int64         `koanf:"capacity"`       // max unresolved records
	CheckInt time.Duration `koanf:"check_interval"` // refill tick
}

type CheckpointCfg struct {
	CommitInt time.Duration `koanf:"commit_interval"` // flush cadence
}

type Config struct {
	Brokers   []string `koanf:"brokers"`
	Topics    []string `koanf:"topics"`
	GroupID   string   `koanf:"group_id"`
	StartFrom string   `koanf:"start_from"` // oldest|newest (default newest)
	Version   string   `koanf:"version"`
	TLSEn     bool     `koanf:"tls_enabled"`
	SASLUser  string   `koanf:"sasl_user"`
	SASLPass  string   `koanf:"sasl_pass"`

	CommitMode  CommitMode    `koanf:"commit_mode"`  // auto|e2e
	RetryFailed bool          `koanf:"retry_failed"` // redeliver failed records instead of skipping them
	Poll        time.Duration `koanf:"poll"`         // idle wait between empty pulls

	BackPressure BackPressureCfg `koanf:"backpressure"`
	Checkpoint   CheckpointCfg   `koanf:"checkpoint"`
}

// LoadConfig merges YAML (if present) with env-vars (prefix TIDEWATER_KAFKA__,
// nesting `__`).
func LoadConfig(alias, path string) (Config, error) {
	var cfg Config
	if _, err := config.LoadConnector(Kind, path, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", source.ErrConfig, alias, err)
	}
	applyDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", source.ErrConfig, alias, err)
	}
	return cfg, nil
}

func applyDefaults(c *Config) {
	if c.BackPressure.Capacity == 0 {
		c.BackPressure.Capacity = 30_000
	}
	if c.BackPressure.CheckInt == 0 {
		c.BackPressure.CheckInt = 100 * time.Millisecond
	}
	if c.Checkpoint.CommitInt == 0 {
		c.Checkpoint.CommitInt = 5 * time.Second
	}
	if c.CommitMode != CommitAuto && c.CommitMode != CommitE2E {
		c.CommitMode = CommitE2E
	}
	if c.StartFrom == "" {
		c.StartFrom = "newest"
	}
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.Poll == 0 {
		c.Poll = 50 * time.Millisecond
	}
}

func (c Config) validate() error {
	switch {
	case len(c.Brokers) == 0:
		return fmt.Errorf("missing brokers")
	case len(c.Topics) == 0:
		return fmt.Errorf("missing topics")
	case c.GroupID == "":
		return fmt.Errorf("missing group_id")
	}
	return nil
}
