package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the expected file name inside the config directory.
const ConfigFileName = "crewforge.yaml"

// Initialize loads, defaults, and validates the configuration file at path.
// A missing file is not an error: the built-in defaults apply in full, which
// keeps `crewforge serve` usable out of the box.
func Initialize(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, &LoadError{File: path, Err: err}
	}

	if err := applyDefaults(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	slog.Info("Configuration initialized",
		"path", path,
		"providers", len(cfg.Providers),
		"access_roles", len(cfg.Access),
		"scaling_phases", len(cfg.Scaling))
	return cfg, nil
}

func load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("Configuration file not found, using built-in defaults", "path", path)
			return &cfg, nil
		}
		return nil, err
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &cfg, nil
}
