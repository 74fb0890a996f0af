// Package config holds the minutesctl configuration, read from
// ~/.minutes/config.yaml and overridden by MINUTES_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type OutputFormat string

const (
	OutputText OutputFormat = "text"
	OutputJSON OutputFormat = "json"
	OutputYAML OutputFormat = "yaml"
)

const (
	DefaultServer  = "http://localhost:8080"
	DefaultGRPC    = "localhost:9090"
	DefaultTimeout = 5 * time.Minute

	dirName  = ".minutes"
	fileName = "config.yaml"
)

type Config struct {
	// Server is the base URL of the web gateway.
	Server string `yaml:"server"`
	// GRPC is the host:port of the status service used by watch.
	GRPC    string        `yaml:"grpc"`
	Output  OutputFormat  `yaml:"output"`
	Timeout time.Duration `yaml:"timeout"`
}

func Default() *Config {
	return &Config{
		Server:  DefaultServer,
		GRPC:    DefaultGRPC,
		Output:  OutputText,
		Timeout: DefaultTimeout,
	}
}

// Dir is MINUTES_CONFIG_DIR or ~/.minutes.
func Dir() (string, error) {
	if dir := os.Getenv("MINUTES_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, dirName), nil
}

func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}

// Load reads the config file if present and applies environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	path, err := Path()
	if err != nil {
		return nil, err
	}
	if err := loadFile(cfg, path); err != nil {
		return nil, err
	}
	loadEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if fileCfg.Server != "" {
		cfg.Server = fileCfg.Server
	}
	if fileCfg.GRPC != "" {
		cfg.GRPC = fileCfg.GRPC
	}
	if fileCfg.Output != "" {
		cfg.Output = fileCfg.Output
	}
	if fileCfg.Timeout > 0 {
		cfg.Timeout = fileCfg.Timeout
	}
	return nil
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("MINUTES_SERVER"); v != "" {
		cfg.Server = v
	}
	if v := os.Getenv("MINUTES_GRPC"); v != "" {
		cfg.GRPC = v
	}
	if v := os.Getenv("MINUTES_OUTPUT"); v != "" {
		cfg.Output = OutputFormat(v)
	}
	if v := os.Getenv("MINUTES_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeout = d
		}
	}
}

func (c *Config) Validate() error {
	if c.Server == "" {
		return errors.New("server address is required")
	}
	if !c.Output.Valid() {
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", c.Output)
	}
	return nil
}

func (f OutputFormat) Valid() bool {
	switch f {
	case OutputText, OutputJSON, OutputYAML:
		return true
	}
	return false
}

// Save writes cfg to the config file, creating the directory if needed.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
