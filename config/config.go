// Package config loads the YAML configuration of a gojodoc datafile and the
// ambient services around it.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sushant-115/gojodoc/pkg/logger"
	"github.com/sushant-115/gojodoc/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// EngineConfig configures one open datafile.
type EngineConfig struct {
	Filename    string        `yaml:"filename"`
	Password    string        `yaml:"password"`
	ReadOnly    bool          `yaml:"read_only"`
	InitialSize int64         `yaml:"initial_size"`
	LimitSize   int64         `yaml:"limit_size"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxReaders  int           `yaml:"max_readers"`

	// CacheSegmentSizes is the page count of each successive cache segment, the last
	// one repeats.
	CacheSegmentSizes []int `yaml:"cache_segment_sizes"`
	// CacheMaxPages caps the cache; 0 lets it grow.
	CacheMaxPages int `yaml:"cache_max_pages"`

	// CheckpointSize is the log length in pages that triggers a checkpoint at commit.
	CheckpointSize int `yaml:"checkpoint_size"`
	// CheckpointBytesPerSec throttles checkpoint copies; 0 is unthrottled.
	CheckpointBytesPerSec int64 `yaml:"checkpoint_bytes_per_sec"`
	SyncCommit            bool  `yaml:"sync_commit"`
}

// Config is the root of the configuration file.
type Config struct {
	Engine    EngineConfig     `yaml:"engine"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration used for every key the file leaves out.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			Filename:          "gojodoc.db",
			Timeout:           time.Minute,
			MaxReaders:        8,
			CacheSegmentSizes: []int{12, 50, 100, 500, 1000},
			CheckpointSize:    1000,
		},
		Logger: logger.Config{
			Level:      "info",
			Format:     "json",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			ServiceName:      "gojodoc",
			PrometheusPort:   9464,
			TraceSampleRatio: 1,
		},
	}
}

// Load reads path over the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	e := c.Engine
	if e.Filename == "" {
		errs = append(errs, errors.New("engine.filename is required"))
	}
	if e.InitialSize < 0 || e.LimitSize < 0 {
		errs = append(errs, errors.New("engine sizes must not be negative"))
	}
	if e.LimitSize > 0 && e.InitialSize > e.LimitSize {
		errs = append(errs, fmt.Errorf("engine.initial_size %d exceeds engine.limit_size %d", e.InitialSize, e.LimitSize))
	}
	for _, n := range e.CacheSegmentSizes {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("engine.cache_segment_sizes must be positive, got %d", n))
			break
		}
	}
	if e.CacheMaxPages < 0 || e.CheckpointSize < 0 || e.CheckpointBytesPerSec < 0 || e.MaxReaders < 0 {
		errs = append(errs, errors.New("engine limits must not be negative"))
	}
	if c.Telemetry.Enabled && (c.Telemetry.PrometheusPort <= 0 || c.Telemetry.PrometheusPort > 65535) {
		errs = append(errs, fmt.Errorf("telemetry.prometheus_port %d is out of range", c.Telemetry.PrometheusPort))
	}
	return errors.Join(errs...)
}
