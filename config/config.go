// Package config loads driftguard settings from a YAML file and DRIFTGUARD_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"driftguard/cache"
	"driftguard/generator"
	"driftguard/imageprocessor"
	"driftguard/policy"
	"driftguard/retry"
	"driftguard/types"
	"driftguard/utils"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "DRIFTGUARD_"

// CacheConfig holds the result cache TTLs
type CacheConfig struct {
	PromptTTL     time.Duration `yaml:"prompt_ttl"`
	SimilarityTTL time.Duration `yaml:"similarity_ttl"`
}

// GeneratorConfig selects and tunes the generation backend
type GeneratorConfig struct {
	// Backend is webui or openai
	Backend           string  `yaml:"backend"`
	URL               string  `yaml:"url"`
	Model             string  `yaml:"model"`
	Size              string  `yaml:"size"`
	Sampler           string  `yaml:"sampler"`
	Username          string  `yaml:"username"`
	PasswordEnv       string  `yaml:"password_env"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	Steps             int     `yaml:"steps"`
	GuidanceScale     float64 `yaml:"guidance_scale"`
	Width             int     `yaml:"width"`
	Height            int     `yaml:"height"`
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	// ExpandPrompts rewrites prompts with ChatModel before the first attempt
	ExpandPrompts bool   `yaml:"expand_prompts"`
	ChatModel     string `yaml:"chat_model"`
}

// DriftConfig holds the edge drift check settings. It mirrors the drift
// checker's options so loading a config does not pull in OpenCV.
type DriftConfig struct {
	Threshold   float64 `yaml:"threshold"`
	TolerancePx int     `yaml:"tolerance_px"`
	CannyLow    float32 `yaml:"canny_low"`
	CannyHigh   float32 `yaml:"canny_high"`
	Debug       bool    `yaml:"debug"`
	OutputDir   string  `yaml:"output_dir"`
}

// Config is the full configuration
type Config struct {
	Mode              policy.Mode                   `yaml:"mode"`
	Thresholds        policy.Thresholds             `yaml:"thresholds"`
	MaxRetries        int                           `yaml:"max_retries"`
	NormalizationSize int                           `yaml:"normalization_size"`
	SSIMMaxSize       int                           `yaml:"ssim_max_size"`
	AttemptTimeout    time.Duration                 `yaml:"attempt_timeout"`
	Cache             CacheConfig                   `yaml:"cache"`
	Strength          map[string]retry.StrengthRule `yaml:"strength"`
	Generator         GeneratorConfig               `yaml:"generator"`
	Drift             DriftConfig                   `yaml:"drift"`
	ProxyPrefix       string                        `yaml:"proxy_prefix"`
	EXIFOrientation   bool                          `yaml:"exif_orientation"`
	Database          string                        `yaml:"database"`
	LogFile           string                        `yaml:"log_file"`
	Debug             bool                          `yaml:"debug"`
	MetricsAddr       string                        `yaml:"metrics_addr"`
}

// Default returns the stock configuration
func Default() Config {
	schedule := retry.DefaultSchedule()
	strength := make(map[string]retry.StrengthRule, len(schedule))
	for cat, rule := range schedule {
		strength[cat.String()] = rule
	}
	cacheOpts := cache.DefaultOptions()

	return Config{
		Mode:              policy.ModeMinimal,
		Thresholds:        policy.DefaultThresholds(),
		MaxRetries:        retry.DefaultMaxRetries,
		NormalizationSize: imageprocessor.DefaultHashSize,
		SSIMMaxSize:       imageprocessor.DefaultSSIMMaxSize,
		AttemptTimeout:    2 * time.Minute,
		Cache: CacheConfig{
			PromptTTL:     cacheOpts.PromptTTL,
			SimilarityTTL: cacheOpts.SimilarityTTL,
		},
		Strength: strength,
		Generator: GeneratorConfig{
			Backend:       generator.BackendWebUI,
			URL:           "http://127.0.0.1:7860",
			APIKeyEnv:     generator.DefaultAPIKeyEnv,
			Steps:         30,
			GuidanceScale: 7,
		},
		Drift: DriftConfig{
			Threshold:   0.65,
			TolerancePx: 3,
			CannyLow:    50,
			CannyHigh:   150,
		},
		EXIFOrientation: true,
		LogFile:         "driftguard.log",
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// WriteDefault writes the default configuration to path
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyEnv overrides fields from DRIFTGUARD_* variables found through lookup
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(EnvPrefix + name); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	threshold := func(name string, dst *float64) {
		if v, ok := lookup(EnvPrefix + name); ok {
			f, err := utils.ParseThreshold(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	if v, ok := lookup(EnvPrefix + "MODE"); ok {
		mode, err := policy.ParseMode(v)
		if err != nil {
			errs = append(errs, err)
		} else {
			c.Mode = mode
		}
	}
	if v, ok := lookup(EnvPrefix + "DEBUG"); ok {
		debug, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%sDEBUG: %w", EnvPrefix, err))
		} else {
			c.Debug = debug
		}
	}
	threshold("SSIM_THRESHOLD", &c.Thresholds.SSIM)
	threshold("SSIM_RETRY_THRESHOLD", &c.Thresholds.SSIMRetry)
	num("PHASH_THRESHOLD", &c.Thresholds.PHash)
	num("PHASH_RETRY_THRESHOLD", &c.Thresholds.PHashRetry)
	num("MAX_RETRIES", &c.MaxRetries)
	duration("ATTEMPT_TIMEOUT", &c.AttemptTimeout)
	str("GENERATOR_BACKEND", &c.Generator.Backend)
	str("GENERATOR_URL", &c.Generator.URL)
	str("GENERATOR_MODEL", &c.Generator.Model)
	float("REQUESTS_PER_MINUTE", &c.Generator.RequestsPerMinute)
	str("PROXY_PREFIX", &c.ProxyPrefix)
	str("DB", &c.Database)
	str("LOG_FILE", &c.LogFile)
	str("METRICS_ADDR", &c.MetricsAddr)
	return errors.Join(errs...)
}

// Validate checks ranges and that every strength category is known
func (c Config) Validate() error {
	invalid := func(field, reason string) error {
		return &types.ValidationError{Field: field, Reason: reason}
	}
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if c.MaxRetries < 1 {
		return invalid("max_retries", "must be at least 1")
	}
	if c.NormalizationSize < 8 {
		return invalid("normalization_size", "must be at least 8")
	}
	if c.SSIMMaxSize < 1 {
		return invalid("ssim_max_size", "must be positive")
	}
	if c.AttemptTimeout < 0 || c.Cache.PromptTTL < 0 || c.Cache.SimilarityTTL < 0 {
		return invalid("durations", "must not be negative")
	}
	if _, err := c.Schedule(); err != nil {
		return err
	}
	switch c.Generator.Backend {
	case generator.BackendWebUI, generator.BackendOpenAI:
	default:
		return invalid("generator.backend", fmt.Sprintf("unknown backend %q", c.Generator.Backend))
	}
	if c.Generator.RequestsPerMinute < 0 {
		return invalid("generator.requests_per_minute", "must not be negative")
	}
	if c.Drift.Threshold < 0 || c.Drift.Threshold > 1 {
		return invalid("drift.threshold", "outside [0, 1]")
	}
	return nil
}

// Schedule converts the strength section, filling missing categories from the defaults
func (c Config) Schedule() (retry.Schedule, error) {
	schedule := retry.DefaultSchedule()
	for name, rule := range c.Strength {
		cat, err := retry.ParseCategory(name)
		if err != nil {
			return nil, &types.ValidationError{Field: "strength", Reason: err.Error()}
		}
		schedule[cat] = rule
	}
	if err := schedule.Validate(); err != nil {
		return nil, &types.ValidationError{Field: "strength", Reason: err.Error()}
	}
	return schedule, nil
}

// Comparator builds the whole-image comparator described by the config
func (c Config) Comparator() *imageprocessor.Comparator {
	images := imageprocessor.NewComparator()
	images.Hasher = imageprocessor.NewHasher(c.NormalizationSize)
	images.Scorer = imageprocessor.GlobalSSIM{MaxSize: c.SSIMMaxSize}
	images.Thresholds = c.Thresholds
	return images
}

// ResultCache builds the result cache with the configured TTLs
func (c Config) ResultCache() *cache.ResultCache {
	return cache.New(cache.WithPromptTTL(c.Cache.PromptTTL), cache.WithSimilarityTTL(c.Cache.SimilarityTTL))
}

// RetryOptions builds the controller options
func (c Config) RetryOptions() (retry.Options, error) {
	schedule, err := c.Schedule()
	if err != nil {
		return retry.Options{}, err
	}
	return retry.Options{
		MaxRetries:        c.MaxRetries,
		AttemptTimeout:    c.AttemptTimeout,
		Schedule:          schedule,
		RequestsPerMinute: c.Generator.RequestsPerMinute,
		Backend:           c.Generator.Backend,
	}, nil
}
