package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	defaultExternalHTTPTimeout        = 90 * time.Second
	defaultExternalHTTPTimeoutSeconds = int(defaultExternalHTTPTimeout / time.Second)
	maxBatchConcurrency               = 64
)

type Config struct {
	LLMProvider     string  `yaml:"llm_provider"`
	LLMModel        string  `yaml:"llm_model"`
	AnthropicAPIKey string  `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string  `yaml:"openai_api_key"`
	OpenAIBaseURL   string  `yaml:"openai_base_url"`
	LLMMaxTokens    int     `yaml:"llm_max_tokens"`
	LLMTemperature  float64 `yaml:"llm_temperature"`
	LLMPromptPath   string  `yaml:"llm_prompt_path"`

	RequestTimeoutSeconds      int `yaml:"request_timeout_seconds"`
	ExternalHTTPTimeoutSeconds int `yaml:"external_http_timeout_seconds"`
	MaxRetries                 int `yaml:"max_retries"`
	RetryBaseDelayMs           int `yaml:"retry_base_delay_ms"`
	RetryMaxDelaySeconds       int `yaml:"retry_max_delay_seconds"`
	RetryJitterPercent         int `yaml:"retry_jitter_percent"`

	ApproveThreshold float64 `yaml:"approve_threshold"`
	ReviewThreshold  float64 `yaml:"review_threshold"`

	BatchConcurrency               int `yaml:"batch_concurrency"`
	BatchPoolAcquireTimeoutSeconds int `yaml:"batch_pool_acquire_timeout_seconds"`
	BatchHistorySize               int `yaml:"batch_history_size"`
	SubscriberBuffer               int `yaml:"subscriber_buffer"`

	ListenAddr         string   `yaml:"listen_addr"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	ClaimSourceDir     string   `yaml:"claim_source_dir"`

	SlackBotToken  string `yaml:"slack_bot_token"`
	SlackChannelID string `yaml:"slack_channel_id"`

	StatsResetSchedule string `yaml:"stats_reset_schedule"`
	HealthLogSchedule  string `yaml:"health_log_schedule"`
	Timezone           string `yaml:"timezone"`
	LogLevel           string `yaml:"log_level"`

	Location *time.Location `yaml:"-"` // computed from Timezone, not from YAML
}

// Defaults is applied before the YAML file, so a key present in the file
// wins even when it is a zero value.
func Defaults() Config {
	return Config{
		LLMProvider:                    "anthropic",
		OpenAIBaseURL:                  "https://api.openai.com/v1",
		LLMMaxTokens:                   500,
		LLMTemperature:                 0.1,
		RequestTimeoutSeconds:          60,
		ExternalHTTPTimeoutSeconds:     defaultExternalHTTPTimeoutSeconds,
		MaxRetries:                     5,
		RetryBaseDelayMs:               1000,
		RetryMaxDelaySeconds:           30,
		RetryJitterPercent:             10,
		ApproveThreshold:               0.70,
		ReviewThreshold:                0.50,
		BatchConcurrency:               5,
		BatchPoolAcquireTimeoutSeconds: 600,
		BatchHistorySize:               100,
		SubscriberBuffer:               64,
		ListenAddr:                     ":8000",
		CORSAllowedOrigins:             []string{"*"},
		ClaimSourceDir:                 "./justificativas",
		HealthLogSchedule:              "*/15 * * * *",
		Timezone:                       "Local",
		LogLevel:                       "info",
	}
}

// LoadConfig reads config.yaml (or CONFIG_PATH), applies environment
// overrides and validates the result.
func LoadConfig() (Config, error) {
	cfg := Defaults()

	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", configPath, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return Config{}, fmt.Errorf("read %s: %w", configPath, err)
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	envOverride(&cfg.LLMProvider, "LLM_PROVIDER")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverride(&cfg.OpenAIBaseURL, "OPENAI_BASE_URL")
	collect(envOverrideInt(&cfg.LLMMaxTokens, "LLM_MAX_TOKENS"))
	collect(envOverrideFloat(&cfg.LLMTemperature, "LLM_TEMPERATURE"))
	envOverrideAllowEmpty(&cfg.LLMPromptPath, "LLM_PROMPT_PATH")
	collect(envOverrideInt(&cfg.RequestTimeoutSeconds, "REQUEST_TIMEOUT_SECONDS"))
	collect(envOverrideInt(&cfg.ExternalHTTPTimeoutSeconds, "EXTERNAL_HTTP_TIMEOUT_SECONDS"))
	collect(envOverrideInt(&cfg.MaxRetries, "MAX_RETRIES"))
	collect(envOverrideInt(&cfg.RetryBaseDelayMs, "RETRY_BASE_DELAY_MS"))
	collect(envOverrideInt(&cfg.RetryMaxDelaySeconds, "RETRY_MAX_DELAY_SECONDS"))
	collect(envOverrideInt(&cfg.RetryJitterPercent, "RETRY_JITTER_PERCENT"))
	collect(envOverrideFloat(&cfg.ApproveThreshold, "APPROVE_THRESHOLD"))
	collect(envOverrideFloat(&cfg.ReviewThreshold, "REVIEW_THRESHOLD"))
	collect(envOverrideInt(&cfg.BatchConcurrency, "BATCH_CONCURRENCY"))
	collect(envOverrideInt(&cfg.BatchPoolAcquireTimeoutSeconds, "BATCH_POOL_ACQUIRE_TIMEOUT_SECONDS"))
	collect(envOverrideInt(&cfg.BatchHistorySize, "BATCH_HISTORY_SIZE"))
	collect(envOverrideInt(&cfg.SubscriberBuffer, "SUBSCRIBER_BUFFER"))
	envOverride(&cfg.ListenAddr, "LISTEN_ADDR")
	envOverrideList(&cfg.CORSAllowedOrigins, "CORS_ALLOWED_ORIGINS")
	envOverride(&cfg.ClaimSourceDir, "CLAIM_SOURCE_DIR")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackChannelID, "SLACK_CHANNEL_ID")
	envOverrideAllowEmpty(&cfg.StatsResetSchedule, "STATS_RESET_SCHEDULE")
	envOverrideAllowEmpty(&cfg.HealthLogSchedule, "HEALTH_LOG_SCHEDULE")
	envOverride(&cfg.Timezone, "TIMEZONE")
	envOverride(&cfg.LogLevel, "LOG_LEVEL")

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate normalizes c and reports every invalid setting at once. Callers
// that change a loaded Config must validate it again.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	c.LLMProvider = strings.ToLower(strings.TrimSpace(c.LLMProvider))
	switch c.LLMProvider {
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			fail("anthropic_api_key is required when llm_provider=anthropic")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			fail("openai_api_key is required when llm_provider=openai")
		}
	default:
		fail("llm_provider must be 'anthropic' or 'openai', got '%s'", c.LLMProvider)
	}

	if c.LLMMaxTokens < 1 {
		fail("invalid llm_max_tokens '%d': must be >= 1", c.LLMMaxTokens)
	}
	if math.IsNaN(c.LLMTemperature) || c.LLMTemperature < 0 || c.LLMTemperature > 2 {
		fail("invalid llm_temperature '%g': must be between 0 and 2", c.LLMTemperature)
	}
	if c.RequestTimeoutSeconds < 1 {
		fail("invalid request_timeout_seconds '%d': must be >= 1", c.RequestTimeoutSeconds)
	}
	if c.ExternalHTTPTimeoutSeconds < c.RequestTimeoutSeconds {
		fail("invalid external_http_timeout_seconds '%d': must be >= request_timeout_seconds", c.ExternalHTTPTimeoutSeconds)
	}
	if c.MaxRetries < 1 {
		fail("invalid max_retries '%d': must be >= 1", c.MaxRetries)
	}
	if c.RetryBaseDelayMs < 1 {
		fail("invalid retry_base_delay_ms '%d': must be >= 1", c.RetryBaseDelayMs)
	}
	if c.RetryMaxDelaySeconds < 1 {
		fail("invalid retry_max_delay_seconds '%d': must be >= 1", c.RetryMaxDelaySeconds)
	}
	if c.RetryJitterPercent < 0 || c.RetryJitterPercent > 100 {
		fail("invalid retry_jitter_percent '%d': must be between 0 and 100", c.RetryJitterPercent)
	}

	if math.IsNaN(c.ReviewThreshold) || math.IsNaN(c.ApproveThreshold) ||
		c.ReviewThreshold < 0 || c.ApproveThreshold > 1 || c.ReviewThreshold > c.ApproveThreshold {
		fail("invalid thresholds: need 0 <= review_threshold (%g) <= approve_threshold (%g) <= 1", c.ReviewThreshold, c.ApproveThreshold)
	}

	if c.BatchConcurrency < 1 || c.BatchConcurrency > maxBatchConcurrency {
		fail("invalid batch_concurrency '%d': must be between 1 and %d", c.BatchConcurrency, maxBatchConcurrency)
	}
	if c.BatchPoolAcquireTimeoutSeconds < 1 {
		fail("invalid batch_pool_acquire_timeout_seconds '%d': must be >= 1", c.BatchPoolAcquireTimeoutSeconds)
	}
	if c.BatchHistorySize < 1 {
		fail("invalid batch_history_size '%d': must be >= 1", c.BatchHistorySize)
	}
	if c.SubscriberBuffer < 1 {
		fail("invalid subscriber_buffer '%d': must be >= 1", c.SubscriberBuffer)
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		fail("listen_addr must not be empty")
	}

	if (c.SlackBotToken == "") != (c.SlackChannelID == "") {
		fail("slack_bot_token and slack_channel_id must be set together")
	}

	for name, spec := range map[string]string{
		"stats_reset_schedule": c.StatsResetSchedule,
		"health_log_schedule":  c.HealthLogSchedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			fail("invalid %s '%s': %v", name, spec, err)
		}
	}

	if strings.EqualFold(c.Timezone, "Local") || c.Timezone == "" {
		c.Location = time.Local
	} else {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			fail("invalid timezone '%s': %v", c.Timezone, err)
		}
		c.Location = loc
	}

	return errors.Join(errs...)
}

// SlackConfigured reports whether batch summaries should be posted to Slack.
func (c Config) SlackConfigured() bool {
	return c.SlackBotToken != "" && c.SlackChannelID != ""
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c Config) PoolAcquireTimeout() time.Duration {
	return time.Duration(c.BatchPoolAcquireTimeoutSeconds) * time.Second
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideAllowEmpty(field *string, envKey string) {
	if val, ok := os.LookupEnv(envKey); ok {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func envOverrideFloat(field *float64, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func envOverrideList(field *[]string, envKey string) {
	val := os.Getenv(envKey)
	if val == "" {
		return
	}
	*field = nil
	for _, item := range strings.Split(val, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			*field = append(*field, item)
		}
	}
}
