// Package config loads the engine and infrastructure configuration from YAML,
// applying production defaults for anything unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/autobotq/autobot/internal/bandit"
)

// Duration wraps time.Duration so YAML values like "30s" or "168h" parse.
type Duration time.Duration

// UnmarshalYAML parses Go duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Engine holds every tunable of the template engine. Nothing is hidden: each
// knob maps onto a selection or evolution rule.
type Engine struct {
	TargetPopulation int `yaml:"target_population"`
	TopParents       int `yaml:"top_parents"`
	MutantsPerParent int `yaml:"mutants_per_parent"`
	// MinObservations gates freeze/cleanup eligibility so brand-new templates
	// are not frozen before they have a record.
	MinObservations int `yaml:"min_observations"`

	UCBC          float64  `yaml:"ucb_c"`
	RiskPenalty   float64  `yaml:"risk_penalty"`
	LCBZ          float64  `yaml:"lcb_z"`
	FreezeMinN    int      `yaml:"freeze_min_n"`
	MeanThreshold float64  `yaml:"mean_threshold"`
	StaleAfter    Duration `yaml:"stale_after"` // zero disables the staleness gate

	BaselineLong      int64    `yaml:"baseline_long"`
	BaselineShort     int64    `yaml:"baseline_short"`
	DefaultTemplateID int64    `yaml:"default_template_id"`
	CacheTTL          Duration `yaml:"cache_ttl"`
}

// BanditParams converts the engine tunables into scorer parameters.
func (e Engine) BanditParams() bandit.Params {
	return bandit.Params{
		UCBC:          e.UCBC,
		RiskPenalty:   e.RiskPenalty,
		LCBZ:          e.LCBZ,
		FreezeMinN:    e.FreezeMinN,
		MeanThreshold: e.MeanThreshold,
		StaleAfter:    e.StaleAfter.Std(),
	}
}

// Database holds postgres connection settings.
type Database struct {
	DSN      string   `yaml:"dsn"`
	MaxConns int      `yaml:"max_conns"`
	Timeout  Duration `yaml:"timeout"`
}

// Redis holds optional snapshot-cache settings.
type Redis struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// HTTP holds the ops API server settings.
type HTTP struct {
	Addr         string  `yaml:"addr"`
	TriggerRPS   float64 `yaml:"trigger_rps"`
	TriggerBurst int     `yaml:"trigger_burst"`
}

// Config is the root configuration document.
type Config struct {
	LogLevel string   `yaml:"log_level"`
	Engine   Engine   `yaml:"engine"`
	Database Database `yaml:"database"`
	Redis    Redis    `yaml:"redis"`
	HTTP     HTTP     `yaml:"http"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		LogLevel: "info",
		Engine: Engine{
			TargetPopulation:  24,
			TopParents:        6,
			MutantsPerParent:  2,
			MinObservations:   10,
			UCBC:              2.0,
			RiskPenalty:       0.05,
			LCBZ:              1.0,
			FreezeMinN:        20,
			MeanThreshold:     0.0,
			BaselineLong:      1,
			BaselineShort:     2,
			DefaultTemplateID: 1,
			CacheTTL:          Duration(30 * time.Second),
		},
		Database: Database{
			MaxConns: 10,
			Timeout:  Duration(5 * time.Second),
		},
		HTTP: HTTP{
			Addr:         ":8099",
			TriggerRPS:   0.2,
			TriggerBurst: 1,
		},
	}
}

// Load reads a YAML config file over the defaults. Environment variables
// AUTOBOT_DB_DSN, AUTOBOT_REDIS_ADDR and AUTOBOT_REDIS_PASSWORD override the
// file so secrets can stay out of it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if dsn := os.Getenv("AUTOBOT_DB_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if addr := os.Getenv("AUTOBOT_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if pw := os.Getenv("AUTOBOT_REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Engine.TargetPopulation <= 0 {
		return fmt.Errorf("engine.target_population must be positive")
	}
	if c.Engine.TopParents <= 0 {
		return fmt.Errorf("engine.top_parents must be positive")
	}
	if c.Engine.MutantsPerParent <= 0 {
		return fmt.Errorf("engine.mutants_per_parent must be positive")
	}
	return nil
}
