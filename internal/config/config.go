package config

import (
	"fmt"
	"time"
)

// Config represents the complete Blurberry configuration
type Config struct {
	AI      AIConfig      `yaml:"ai"`
	Capture CaptureConfig `yaml:"capture"`
	Server  ServerConfig  `yaml:"server"`
	Meta    MetaConfig    `yaml:"meta"`
}

// AIConfig holds generation/embedding provider configuration
type AIConfig struct {
	Provider       string `yaml:"provider"` // openai, mock
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	EmbeddingModel string `yaml:"embedding_model"`
	Endpoint       string `yaml:"endpoint,omitempty"` // for OpenAI-compatible servers
	Dimensions     int    `yaml:"dimensions"`         // embedding vector size
}

// CaptureConfig holds the capture pipeline tuning knobs. All durations are
// in milliseconds so the YAML stays plain numbers.
type CaptureConfig struct {
	ExcludedDomains []string `yaml:"excluded_domains"`

	ScreenshotDelayMS int `yaml:"screenshot_delay_ms"`
	SnapshotDelayMS   int `yaml:"snapshot_delay_ms"`
	EmbeddingDelayMS  int `yaml:"embedding_delay_ms"`

	ScreenshotThrottleMS int `yaml:"screenshot_throttle_ms"`
	SnapshotThrottleMS   int `yaml:"snapshot_throttle_ms"`
	ScrollThrottleMS     int `yaml:"scroll_throttle_ms"`

	FlushIntervalMS int `yaml:"flush_interval_ms"`
	BatchThreshold  int `yaml:"batch_threshold"`

	SnapshotMaxBytes int `yaml:"snapshot_max_bytes"`
	PageTextMaxChars int `yaml:"page_text_max_chars"`

	RetentionDays int `yaml:"retention_days"`
}

// ServerConfig holds the query API listener configuration
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// MetaConfig holds bookkeeping about the config file itself
type MetaConfig struct {
	Version   string    `yaml:"version"`
	CreatedAt time.Time `yaml:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// Default returns a Config with production defaults applied.
func Default() *Config {
	return &Config{
		AI: AIConfig{
			Provider:       "openai",
			Model:          "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
			Dimensions:     1536,
		},
		Capture: CaptureConfig{
			ScreenshotDelayMS:    1000,
			SnapshotDelayMS:      1500,
			EmbeddingDelayMS:     2000,
			ScreenshotThrottleMS: 5000,
			SnapshotThrottleMS:   5000,
			ScrollThrottleMS:     500,
			FlushIntervalMS:      2000,
			BatchThreshold:       100,
			SnapshotMaxBytes:     500 * 1024,
			PageTextMaxChars:     8000,
			RetentionDays:        90,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8923",
		},
	}
}

// Validate checks the configuration for values that would break the engine.
func (c *Config) Validate() error {
	switch c.AI.Provider {
	case "", "openai", "mock":
	default:
		return fmt.Errorf("unsupported AI provider: %s", c.AI.Provider)
	}
	if c.AI.Dimensions <= 0 {
		return fmt.Errorf("ai.dimensions must be positive, got %d", c.AI.Dimensions)
	}
	if c.Capture.BatchThreshold <= 0 {
		return fmt.Errorf("capture.batch_threshold must be positive, got %d", c.Capture.BatchThreshold)
	}
	if c.Capture.FlushIntervalMS <= 0 {
		return fmt.Errorf("capture.flush_interval_ms must be positive, got %d", c.Capture.FlushIntervalMS)
	}
	if c.Capture.PageTextMaxChars <= 0 {
		return fmt.Errorf("capture.page_text_max_chars must be positive, got %d", c.Capture.PageTextMaxChars)
	}
	return nil
}

// ScreenshotDelay returns the staggered screenshot capture delay.
func (c *CaptureConfig) ScreenshotDelay() time.Duration {
	return time.Duration(c.ScreenshotDelayMS) * time.Millisecond
}

// SnapshotDelay returns the staggered DOM snapshot capture delay.
func (c *CaptureConfig) SnapshotDelay() time.Duration {
	return time.Duration(c.SnapshotDelayMS) * time.Millisecond
}

// EmbeddingDelay returns the staggered embedding generation delay.
func (c *CaptureConfig) EmbeddingDelay() time.Duration {
	return time.Duration(c.EmbeddingDelayMS) * time.Millisecond
}

// FlushInterval returns the interaction batch flush interval.
func (c *CaptureConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMS) * time.Millisecond
}

// ScreenshotThrottle returns the minimum gap between screenshots of a visit.
func (c *CaptureConfig) ScreenshotThrottle() time.Duration {
	return time.Duration(c.ScreenshotThrottleMS) * time.Millisecond
}

// SnapshotThrottle returns the minimum gap between snapshots of a visit.
func (c *CaptureConfig) SnapshotThrottle() time.Duration {
	return time.Duration(c.SnapshotThrottleMS) * time.Millisecond
}

// ScrollThrottle returns the minimum gap between stored scroll samples.
func (c *CaptureConfig) ScrollThrottle() time.Duration {
	return time.Duration(c.ScrollThrottleMS) * time.Millisecond
}
