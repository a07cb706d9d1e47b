package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log        LogConfig        `yaml:"log"`
	Limits     LimitsConfig     `yaml:"limits"`
	Request    RequestConfig    `yaml:"request"`
	Analysis   AnalysisConfig   `yaml:"analysis"`
	OCR        OCRConfig        `yaml:"ocr"`
	Fetch      FetchConfig      `yaml:"fetch"`
	Image      ImageConfig      `yaml:"image"`
	Slider     SliderConfig     `yaml:"slider"`
	Rotate     RotateConfig     `yaml:"rotate"`
	Gesture    GestureConfig    `yaml:"gesture"`
	Trajectory TrajectoryConfig `yaml:"trajectory"`
	Providers  []ProviderConfig `yaml:"providers"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// BufferSize is the number of recent events the bus keeps for Snapshot.
	BufferSize int `yaml:"bufferSize"`
}

// MonitoringConfig enables the /metrics, /health and /events listener.
type MonitoringConfig struct {
	Addr         string   `yaml:"addr"`
	AllowOrigins []string `yaml:"allowOrigins"`
}

type LimitsConfig struct {
	// MaxConcurrent bounds how many async solves run at the same time.
	MaxConcurrent int `yaml:"maxConcurrent"`
}

type RequestConfig struct {
	DefaultTimeoutMs int `yaml:"defaultTimeoutMs"`
}

func (c RequestConfig) DefaultTimeout() time.Duration {
	if c.DefaultTimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.DefaultTimeoutMs) * time.Millisecond
}

type RetryConfig struct {
	Count     int `yaml:"count"`
	WaitMs    int `yaml:"waitMs"`
	MaxWaitMs int `yaml:"maxWaitMs"`
}

func (c RetryConfig) Wait() time.Duration {
	if c.WaitMs <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(c.WaitMs) * time.Millisecond
}

func (c RetryConfig) MaxWait() time.Duration {
	if c.MaxWaitMs <= 0 {
		return 1200 * time.Millisecond
	}
	return time.Duration(c.MaxWaitMs) * time.Millisecond
}

// AnalysisConfig points at one or more image-analysis (OpenCV style) services.
type AnalysisConfig struct {
	URLs        []string    `yaml:"urls"`
	TimeoutMs   int         `yaml:"timeoutMs"`
	HealthTTLMs int         `yaml:"healthTTLMs"`
	Retry       RetryConfig `yaml:"retry"`
}

func (c AnalysisConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c AnalysisConfig) HealthTTL() time.Duration {
	if c.HealthTTLMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.HealthTTLMs) * time.Millisecond
}

type OCRConfig struct {
	Enabled     *bool    `yaml:"enabled"`
	URLs        []string `yaml:"urls"`
	TimeoutMs   int      `yaml:"timeoutMs"`
	HealthTTLMs int      `yaml:"healthTTLMs"`
}

func (c OCRConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c OCRConfig) HealthTTL() time.Duration {
	if c.HealthTTLMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.HealthTTLMs) * time.Millisecond
}

type FetchConfig struct {
	TimeoutMs int    `yaml:"timeoutMs"`
	UserAgent string `yaml:"userAgent"`
	Proxy     string `yaml:"proxy"`
}

func (c FetchConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// ImageConfig bounds accepted OCR text lengths.
type ImageConfig struct {
	MinLength int `yaml:"minLength"`
	MaxLength int `yaml:"maxLength"`
}

type SliderConfig struct {
	Enabled         *bool   `yaml:"enabled"`
	DefaultGapWidth int     `yaml:"defaultGapWidth"`
	TargetWidth     int     `yaml:"targetWidth"`
	MinConfidence   float64 `yaml:"minConfidence"`
	// Trajectory attaches a synthesized drag script to slider results.
	Trajectory *bool `yaml:"trajectory"`
}

func (c SliderConfig) TrajectoryOn() bool { return boolOr(c.Trajectory, true) }

type RotateConfig struct {
	Enabled *bool `yaml:"enabled"`
}

type GestureConfig struct {
	Enabled *bool `yaml:"enabled"`
}

func (c OCRConfig) On() bool     { return boolOr(c.Enabled, true) }
func (c SliderConfig) On() bool  { return boolOr(c.Enabled, true) }
func (c RotateConfig) On() bool  { return boolOr(c.Enabled, true) }
func (c GestureConfig) On() bool { return boolOr(c.Enabled, true) }

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

type TrajectoryConfig struct {
	// Overshoot in pixels; unset means 10, 0 disables it.
	Overshoot         *int    `yaml:"overshoot"`
	DecelerationRatio float64 `yaml:"decelerationRatio"`
	TimeStep          float64 `yaml:"timeStep"`
}

type ProviderConfig struct {
	Name           string      `yaml:"name"`
	APIKey         string      `yaml:"apiKey"`
	BaseURL        string      `yaml:"baseURL"`
	Enabled        bool        `yaml:"enabled"`
	Priority       int         `yaml:"priority"`
	Types          []string    `yaml:"types"`
	QPS            float64     `yaml:"qps"`
	Burst          int         `yaml:"burst"`
	TimeoutMs      int         `yaml:"timeoutMs"`
	PollIntervalMs int         `yaml:"pollIntervalMs"`
	Retry          RetryConfig `yaml:"retry"`
}

func (c TrajectoryConfig) OvershootPx() int {
	if c.Overshoot == nil || *c.Overshoot < 0 {
		return 10
	}
	return *c.Overshoot
}

func (c ProviderConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c ProviderConfig) PollInterval() time.Duration {
	if c.PollIntervalMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// collaborators configured.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.BufferSize <= 0 {
		c.Log.BufferSize = 200
	}
	if c.Limits.MaxConcurrent <= 0 {
		c.Limits.MaxConcurrent = 4
	}
	c.Analysis.URLs = trimURLs(c.Analysis.URLs)
	c.OCR.URLs = trimURLs(c.OCR.URLs)
	if c.Analysis.Retry.Count < 0 {
		c.Analysis.Retry.Count = 0
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	}
	if c.Image.MinLength <= 0 {
		c.Image.MinLength = 4
	}
	if c.Image.MaxLength <= 0 {
		c.Image.MaxLength = 6
	}
	if c.Slider.DefaultGapWidth <= 0 {
		c.Slider.DefaultGapWidth = 50
	}
	if c.Slider.TargetWidth <= 0 {
		c.Slider.TargetWidth = 340
	}
	if c.Trajectory.DecelerationRatio <= 0 || c.Trajectory.DecelerationRatio >= 1 {
		c.Trajectory.DecelerationRatio = 7.0 / 8.0
	}
	if c.Trajectory.TimeStep <= 0 {
		c.Trajectory.TimeStep = 0.2
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		p.Name = strings.ToLower(strings.TrimSpace(p.Name))
		if p.Priority <= 0 {
			p.Priority = 60
		}
		if p.Burst <= 0 {
			p.Burst = 1
		}
		if p.Retry.Count < 0 {
			p.Retry.Count = 0
		}
	}
}

func (c Config) validate() error {
	if c.Image.MinLength > c.Image.MaxLength {
		return errors.New("image.minLength must not exceed image.maxLength")
	}
	if c.Slider.MinConfidence < 0 || c.Slider.MinConfidence > 1 {
		return errors.New("slider.minConfidence must be within [0,1]")
	}
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d].name is required", i)
		}
		if p.Enabled && p.APIKey == "" {
			return fmt.Errorf("providers[%d].apiKey is required", i)
		}
		if p.QPS < 0 {
			return fmt.Errorf("providers[%d].qps must not be negative", i)
		}
	}
	return nil
}

func trimURLs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, u := range in {
		u = strings.TrimRight(strings.TrimSpace(u), "/")
		if u == "" {
			continue
		}
		out = append(out, u)
	}
	return out
}
