package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/openmined/syftkeep/internal/repo/s3repo"
	"github.com/openmined/syftkeep/internal/stream"
	"github.com/openmined/syftkeep/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultDataDir    = filepath.Join(home, ".syftkeep")
	DefaultConfigPath = filepath.Join(DefaultDataDir, "config.json")
	DefaultLogLevel   = "info"
)

type Config struct {
	DataDir  string `json:"data_dir" mapstructure:"data_dir"`
	LogLevel string `json:"log_level" mapstructure:"log_level"`
	// IOWorkers bounds concurrent file transfers. Zero uses one per CPU.
	IOWorkers int `json:"io_workers" mapstructure:"io_workers"`
	// KeepAlive is how long an unobserved repository stream stays open.
	KeepAlive time.Duration `json:"keep_alive" mapstructure:"keep_alive"`
	S3Region  string        `json:"s3_region" mapstructure:"s3_region"`
	Path      string        `json:"-" mapstructure:"-"`
}

func Default() *Config {
	return &Config{
		DataDir:   DefaultDataDir,
		LogLevel:  DefaultLogLevel,
		KeepAlive: stream.DefaultKeepAlive,
		S3Region:  s3repo.DefaultRegion,
		Path:      DefaultConfigPath,
	}
}

// Validate resolves paths and checks every value.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data dir is required"))
	} else if dir, err := utils.ResolvePath(c.DataDir); err != nil {
		errs = append(errs, fmt.Errorf("data dir: %w", err))
	} else {
		c.DataDir = dir
	}

	if c.Path != "" {
		path, err := utils.ResolvePath(c.Path)
		if err != nil {
			errs = append(errs, fmt.Errorf("config path: %w", err))
		} else {
			c.Path = path
		}
	}

	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	if c.IOWorkers < 0 {
		errs = append(errs, fmt.Errorf("io workers must not be negative: %d", c.IOWorkers))
	}
	if c.KeepAlive < 0 {
		errs = append(errs, fmt.Errorf("keep alive must not be negative: %s", c.KeepAlive))
	}
	if c.S3Region == "" {
		c.S3Region = s3repo.DefaultRegion
	}

	return errors.Join(errs...)
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

// Load reads the config at path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Path = path

	return cfg, cfg.Validate()
}
