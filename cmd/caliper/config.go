package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the caliper configuration file (~/.config/caliper/config.yaml).
// Numeric fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	// Calibration defaults
	NumBlocks *int64 `yaml:"num_blocks"`
	ActOrder  *bool  `yaml:"act_order"`
	Bits      *int64 `yaml:"bits"`
	Seed      *int64 `yaml:"seed"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "caliper", "config.yaml")
}

// applyLogConfig applies config file log settings when the corresponding
// CLI flag was not explicitly set.
func applyLogConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyCalibrateConfig applies config file defaults to calibrate command
// variables when the corresponding CLI flag was not explicitly set.
func applyCalibrateConfig(c *cli.Command, cfg Config,
	numBlocks *int64, actOrder *bool, bits *int64, seed *int64,
) {
	if cfg.NumBlocks != nil && !c.IsSet("blocks") {
		*numBlocks = *cfg.NumBlocks
	}
	if cfg.ActOrder != nil && !c.IsSet("act-order") {
		*actOrder = *cfg.ActOrder
	}
	if cfg.Bits != nil && !c.IsSet("bits") {
		*bits = *cfg.Bits
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
