// Package config provides configuration loading, validation and persistence
// for batchscan. Files are YAML; the CLI layers environment variables and
// flags on top through viper.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/batchscan/internal/db"
	"github.com/anstrom/batchscan/internal/errors"
	"github.com/anstrom/batchscan/internal/logging"
)

const (
	configDirPerm  = 0750
	configFilePerm = 0600
)

// Config represents the complete batchscan configuration.
type Config struct {
	Scanning  ScanningConfig  `yaml:"scanning" json:"scanning" mapstructure:"scanning"`
	Adaptive  AdaptiveConfig  `yaml:"adaptive" json:"adaptive" mapstructure:"adaptive"`
	Optimizer OptimizerConfig `yaml:"optimizer" json:"optimizer" mapstructure:"optimizer"`
	Analysis  AnalysisConfig  `yaml:"analysis" json:"analysis" mapstructure:"analysis"`
	Output    OutputConfig    `yaml:"output" json:"output" mapstructure:"output"`
	Logging   logging.Config  `yaml:"logging" json:"logging" mapstructure:"logging"`
	History   HistoryConfig   `yaml:"history" json:"history" mapstructure:"history"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics" mapstructure:"metrics"`
}

// ScanningConfig holds the defaults applied to every batch.
type ScanningConfig struct {
	// Port specification passed to the engine, e.g. "22,80,1000-2000".
	Ports string `yaml:"ports" json:"ports" mapstructure:"ports" validate:"required"`

	// Timing template 0 (paranoid) through 5 (insane).
	Timing int `yaml:"timing" json:"timing" mapstructure:"timing" validate:"min=0,max=5"`

	// Maximum duration of one scan attempt against one target.
	Timeout time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout" validate:"gt=0"`

	// Number of targets scanned at the same time.
	Concurrency int `yaml:"concurrency" json:"concurrency" mapstructure:"concurrency" validate:"min=1"`

	// Upper bound the requested concurrency is clamped to.
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency" mapstructure:"max_concurrency" validate:"min=1"`

	ServiceDetection bool `yaml:"service_detection" json:"service_detection" mapstructure:"service_detection"`
	OSDetection      bool `yaml:"os_detection" json:"os_detection" mapstructure:"os_detection"`

	Retry RetryConfig `yaml:"retry" json:"retry" mapstructure:"retry"`

	// Targets admitted per second, 0 disables the limit.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit" mapstructure:"rate_limit" validate:"min=0"`

	// Path to the nmap binary, empty means look it up in PATH.
	NmapPath string `yaml:"nmap_path" json:"nmap_path" mapstructure:"nmap_path"`

	// Cap on concurrently running nmap processes, 0 means no cap.
	MaxProcesses int `yaml:"max_processes" json:"max_processes" mapstructure:"max_processes" validate:"min=0"`
}

// RetryConfig holds retry settings for failed scans.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries" json:"max_retries" mapstructure:"max_retries" validate:"min=0,max=10"`
	RetryDelay        time.Duration `yaml:"retry_delay" json:"retry_delay" mapstructure:"retry_delay" validate:"min=0"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier" mapstructure:"backoff_multiplier" validate:"gte=1"`
}

// AdaptiveConfig controls the multi-phase scanning mode.
type AdaptiveConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Phases  []PhaseConfig `yaml:"phases" json:"phases" mapstructure:"phases" validate:"required_if=Enabled true,dive"`

	// Stop once this many distinct open ports were found.
	StopAfterPorts int `yaml:"stop_after_ports" json:"stop_after_ports" mapstructure:"stop_after_ports" validate:"min=0"`

	// A phase that finds nothing new stops the scan once more than this many
	// phases have run.
	MinPhasesBeforeIdleStop int `yaml:"min_phases_before_idle_stop" json:"min_phases_before_idle_stop" mapstructure:"min_phases_before_idle_stop" validate:"min=0"`
}

// PhaseConfig describes one adaptive scanning phase.
type PhaseConfig struct {
	Name   string `yaml:"name" json:"name" mapstructure:"name" validate:"required"`
	Ports  string `yaml:"ports" json:"ports" mapstructure:"ports" validate:"required"`
	Timing int    `yaml:"timing" json:"timing" mapstructure:"timing" validate:"min=0,max=5"`
}

// OptimizerConfig holds the thresholds used to tune options per batch.
type OptimizerConfig struct {
	Enabled             bool `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	AggressiveAbove     int  `yaml:"aggressive_above" json:"aggressive_above" mapstructure:"aggressive_above" validate:"min=0"`
	NormalAbove         int  `yaml:"normal_above" json:"normal_above" mapstructure:"normal_above" validate:"min=0"`
	OSDetectionUpTo     int  `yaml:"os_detection_up_to" json:"os_detection_up_to" mapstructure:"os_detection_up_to" validate:"min=0"`
	DatabasePortsAppend bool `yaml:"database_ports_append" json:"database_ports_append" mapstructure:"database_ports_append"`
}

// AnalysisConfig controls the risk analyzer.
type AnalysisConfig struct {
	Enabled             bool `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	MediumPortThreshold int  `yaml:"medium_port_threshold" json:"medium_port_threshold" mapstructure:"medium_port_threshold" validate:"min=0"`
	ManyPortsThreshold  int  `yaml:"many_ports_threshold" json:"many_ports_threshold" mapstructure:"many_ports_threshold" validate:"min=0"`
}

// OutputConfig controls where results and reports are written.
type OutputConfig struct {
	Directory string   `yaml:"directory" json:"directory" mapstructure:"directory" validate:"required"`
	Formats   []string `yaml:"formats" json:"formats" mapstructure:"formats" validate:"dive,oneof=json csv html xml table"`
	SaveRaw   bool     `yaml:"save_raw" json:"save_raw" mapstructure:"save_raw"`
}

// HistoryConfig configures the optional PostgreSQL batch index.
type HistoryConfig struct {
	Enabled  bool      `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Database db.Config `yaml:"database" json:"database" mapstructure:"database"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listen_addr" mapstructure:"listen_addr" validate:"required_if=Enabled true"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Scanning: ScanningConfig{
			Ports:            "1-1000",
			Timing:           3,
			Timeout:          5 * time.Minute,
			Concurrency:      5,
			MaxConcurrency:   100,
			ServiceDetection: true,
			OSDetection:      false,
			Retry: RetryConfig{
				MaxRetries:        1,
				RetryDelay:        2 * time.Second,
				BackoffMultiplier: 2.0,
			},
			RateLimit: 0,
		},
		Adaptive: AdaptiveConfig{
			Enabled: false,
			Phases: []PhaseConfig{
				{Name: "quick", Ports: "21,22,23,25,53,80,110,135,139,143,443,445,993,995,3306,3389,5432,8080", Timing: 4},
				{Name: "common", Ports: "1-1000", Timing: 3},
				{Name: "extended", Ports: "1001-10000", Timing: 3},
				{Name: "full", Ports: "10001-65535", Timing: 4},
			},
			StopAfterPorts:          20,
			MinPhasesBeforeIdleStop: 2,
		},
		Optimizer: OptimizerConfig{
			Enabled:             true,
			AggressiveAbove:     100,
			NormalAbove:         10,
			OSDetectionUpTo:     50,
			DatabasePortsAppend: true,
		},
		Analysis: AnalysisConfig{
			Enabled:             true,
			MediumPortThreshold: 2,
			ManyPortsThreshold:  10,
		},
		Output: OutputConfig{
			Directory: "batchscan-results",
			Formats:   []string{"json"},
			SaveRaw:   false,
		},
		Logging: logging.DefaultConfig(),
		History: HistoryConfig{
			Enabled:  false,
			Database: db.DefaultConfig(),
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},
	}
}

// Load loads configuration from a file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file", err)
	}

	// JSON is a subset of YAML, so one decoder serves both extensions.
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("failed to parse config file %s", filepath.Base(path)), err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Save saves configuration to a file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var validate = newValidator()

// Validate validates the configuration. The first failing field is reported
// as a ConfigError carrying the field path and value.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if stderrors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			cfgErr := errors.ErrConfigInvalid(fieldPath(fe.Namespace()), fe.Value())
			cfgErr.Message = fmt.Sprintf("invalid configuration value: failed %q check", fe.Tag())
			cfgErr.Cause = err
			return cfgErr
		}
		return errors.WrapConfigError(errors.CodeValidation, "invalid configuration", err)
	}

	if c.History.Enabled {
		if c.History.Database.Database == "" {
			return errors.NewConfigFieldError(errors.CodeValidation,
				"database name is required when history is enabled", "history.database.database", "")
		}
		if c.History.Database.Username == "" {
			return errors.NewConfigFieldError(errors.CodeValidation,
				"database username is required when history is enabled", "history.database.username", "")
		}
	}

	return nil
}

// fieldPath drops the root struct name from a validator namespace such as
// "Config.scanning.timing".
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}
