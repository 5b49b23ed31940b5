package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ConfigFileName  = "config.yaml"
	ConfigDirName   = ".blurberry"
	GlobalConfigDir = ".config/blurberry"
)

// Loader handles configuration loading and discovery
type Loader struct {
	startDir string
}

// NewLoader creates a new config loader starting from the given directory
func NewLoader(startDir string) *Loader {
	if startDir == "" {
		var err error
		startDir, err = os.Getwd()
		if err != nil {
			startDir = "."
		}
	}
	return &Loader{startDir: startDir}
}

// Load loads the configuration with environment variable overrides. If no
// config file exists anywhere, defaults are returned.
func (l *Loader) Load() (*Config, error) {
	config := Default()

	configPath, err := l.FindConfigFile()
	if err == nil {
		loaded, err := l.loadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
		mergeLoaded(config, loaded)
	}

	l.applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// FindConfigFile searches upward from the start directory for a config
// file, then falls back to the global config location.
func (l *Loader) FindConfigFile() (string, error) {
	dir := l.startDir

	for {
		configPath := filepath.Join(dir, ConfigDirName, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		globalConfig := filepath.Join(homeDir, GlobalConfigDir, ConfigFileName)
		if _, err := os.Stat(globalConfig); err == nil {
			return globalConfig, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched upward from %s)", l.startDir)
}

func (l *Loader) loadFromFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &config, nil
}

// mergeLoaded overlays non-zero fields of a loaded config onto defaults.
func mergeLoaded(base, loaded *Config) {
	if loaded.AI.Provider != "" {
		base.AI.Provider = loaded.AI.Provider
	}
	if loaded.AI.APIKey != "" {
		base.AI.APIKey = loaded.AI.APIKey
	}
	if loaded.AI.Model != "" {
		base.AI.Model = loaded.AI.Model
	}
	if loaded.AI.EmbeddingModel != "" {
		base.AI.EmbeddingModel = loaded.AI.EmbeddingModel
	}
	if loaded.AI.Endpoint != "" {
		base.AI.Endpoint = loaded.AI.Endpoint
	}
	if loaded.AI.Dimensions > 0 {
		base.AI.Dimensions = loaded.AI.Dimensions
	}
	if loaded.Server.Listen != "" {
		base.Server.Listen = loaded.Server.Listen
	}
	if len(loaded.Capture.ExcludedDomains) > 0 {
		base.Capture.ExcludedDomains = loaded.Capture.ExcludedDomains
	}

	overlay := func(dst *int, src int) {
		if src > 0 {
			*dst = src
		}
	}
	overlay(&base.Capture.ScreenshotDelayMS, loaded.Capture.ScreenshotDelayMS)
	overlay(&base.Capture.SnapshotDelayMS, loaded.Capture.SnapshotDelayMS)
	overlay(&base.Capture.EmbeddingDelayMS, loaded.Capture.EmbeddingDelayMS)
	overlay(&base.Capture.ScreenshotThrottleMS, loaded.Capture.ScreenshotThrottleMS)
	overlay(&base.Capture.SnapshotThrottleMS, loaded.Capture.SnapshotThrottleMS)
	overlay(&base.Capture.ScrollThrottleMS, loaded.Capture.ScrollThrottleMS)
	overlay(&base.Capture.FlushIntervalMS, loaded.Capture.FlushIntervalMS)
	overlay(&base.Capture.BatchThreshold, loaded.Capture.BatchThreshold)
	overlay(&base.Capture.SnapshotMaxBytes, loaded.Capture.SnapshotMaxBytes)
	overlay(&base.Capture.PageTextMaxChars, loaded.Capture.PageTextMaxChars)
	overlay(&base.Capture.RetentionDays, loaded.Capture.RetentionDays)

	base.Meta = loaded.Meta
}

// applyEnvOverrides applies environment variable overrides to the config.
// BLURBERRY_AI_API_KEY wins over the file; OPENAI_API_KEY is honored as a
// convenience when the provider is openai and no key is set.
func (l *Loader) applyEnvOverrides(config *Config) {
	if apiKey := os.Getenv("BLURBERRY_AI_API_KEY"); apiKey != "" {
		config.AI.APIKey = apiKey
	} else if config.AI.Provider == "openai" && config.AI.APIKey == "" {
		if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
			config.AI.APIKey = apiKey
		}
	}
	if provider := os.Getenv("BLURBERRY_AI_PROVIDER"); provider != "" {
		config.AI.Provider = provider
	}
	if model := os.Getenv("BLURBERRY_AI_MODEL"); model != "" {
		config.AI.Model = model
	}
	if endpoint := os.Getenv("BLURBERRY_AI_ENDPOINT"); endpoint != "" {
		config.AI.Endpoint = endpoint
	}
	if listen := os.Getenv("BLURBERRY_LISTEN"); listen != "" {
		config.Server.Listen = listen
	}
}

// Save saves the configuration to the specified path.
func (l *Loader) Save(config *Config, configPath string) error {
	config.Meta.UpdatedAt = time.Now()

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetConfigPath returns the path where a config file should be created.
func (l *Loader) GetConfigPath() string {
	return filepath.Join(l.startDir, ConfigDirName, ConfigFileName)
}

// DataDir returns the application-private data directory.
func (l *Loader) DataDir() string {
	return filepath.Join(l.startDir, ConfigDirName)
}
