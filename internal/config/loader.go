package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// validLogLevels lists the accepted log_level values.
var validLogLevels = []string{"", "debug", "info", "warn", "error"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.SocketPath == "" {
		errs = append(errs, errors.New("server.socket_path is required"))
	}
	if !slices.Contains(validLogLevels, cfg.Server.LogLevel) {
		errs = append(errs, fmt.Errorf("server.log_level %q is not one of debug/info/warn/error", cfg.Server.LogLevel))
	}
	if cfg.Inference.Workers < 0 {
		errs = append(errs, fmt.Errorf("inference.workers must not be negative, got %d", cfg.Inference.Workers))
	}
	if cfg.Inference.Workers > 0 && cfg.Inference.ModelPath == "" {
		errs = append(errs, errors.New("inference.model_path is required when workers > 0"))
	}
	if cfg.Voice.PiperBinary != "" && cfg.Voice.PiperVoicesDir == "" {
		errs = append(errs, errors.New("voice.piper_voices_dir is required when piper is enabled"))
	}

	return errors.Join(errs...)
}

func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Voice.Language == "" {
		cfg.Voice.Language = "en"
	}
}
