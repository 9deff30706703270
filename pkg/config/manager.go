package config

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/opcua-amqp-bridge/pkg/logger"
)

const (
	// DefaultConfigPath is the default path to the config file
	DefaultConfigPath = "/data/config.yaml"
)

// ConfigManager is the interface for config management
type ConfigManager interface {
	// GetConfig returns the current config
	GetConfig(ctx context.Context) (FullConfig, error)
}

// FileConfigManager implements the ConfigManager interface by reading from a file
type FileConfigManager struct {
	// configPath is the path to the config file
	configPath string

	// optional allows a missing file, in which case the defaults are returned
	optional bool

	logger *zap.SugaredLogger
}

// NewFileConfigManager creates a new FileConfigManager. An empty path means
// DefaultConfigPath, and a missing default file is not an error.
func NewFileConfigManager(path string) *FileConfigManager {
	optional := false
	if path == "" {
		path = DefaultConfigPath
		optional = true
	}
	return &FileConfigManager{
		configPath: path,
		optional:   optional,
		logger:     logger.For(logger.ComponentConfigManager),
	}
}

// GetConfig reads the file and merges it over DefaultConfig. The result is validated.
func (m *FileConfigManager) GetConfig(ctx context.Context) (FullConfig, error) {
	if err := ctx.Err(); err != nil {
		return FullConfig{}, err
	}

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		if os.IsNotExist(err) && m.optional {
			m.logger.Infof("No config file at %s, using defaults", m.configPath)
			cfg := DefaultConfig()
			return cfg, cfg.Validate()
		}
		return FullConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return FullConfig{}, err
	}
	m.logger.Debugf("Loaded config from %s", m.configPath)
	return cfg, nil
}

// Parse decodes YAML on top of DefaultConfig and validates the result.
func Parse(data []byte) (FullConfig, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FullConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return FullConfig{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
