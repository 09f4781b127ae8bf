package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/developingchet/ai-lab-proxy/internal/clientip"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// Gemini
	GeminiAPIKey              string `koanf:"gemini_api_key"`
	GeminiBaseURL             string `koanf:"gemini_base_url"`
	GeminiCalorieModel        string `koanf:"gemini_calorie_model"`
	GeminiBeautyModel         string `koanf:"gemini_beauty_model"`
	GeminiVisionModel         string `koanf:"gemini_vision_model"`
	GeminiVisionFallbackModel string `koanf:"gemini_vision_fallback_model"`
	GeminiSafetyThreshold     string `koanf:"gemini_safety_threshold"`

	// OpenAI
	OpenAIAPIKey      string  `koanf:"openai_api_key"`
	OpenAIBaseURL     string  `koanf:"openai_base_url"`
	OpenAIModel       string  `koanf:"openai_model"`
	OpenAIMaxTokens   int     `koanf:"openai_max_tokens"`
	OpenAITemperature float64 `koanf:"openai_temperature"`

	// Outbound HTTP
	UpstreamHTTPTimeout time.Duration `koanf:"upstream_http_timeout"`
	UpstreamRPS         float64       `koanf:"upstream_rps"`
	UpstreamBurst       int           `koanf:"upstream_burst"`
	UpstreamDebug       bool          `koanf:"upstream_debug"`

	// Visitor logging relay
	VisitorLogURL string `koanf:"visitor_log_url"`
	GeoLookupURL  string `koanf:"geo_lookup_url"`
	VisitorAsync  bool   `koanf:"visitor_async"`

	// Rate limiting
	AppID             string        `koanf:"app_id"`
	RateLimitEnabled  bool          `koanf:"ratelimit_enabled"`
	RateLimitDaily    int           `koanf:"ratelimit_daily_limit"`
	RateLimitCooldown time.Duration `koanf:"ratelimit_cooldown"`
	RateLimitPolicies []string      `koanf:"ratelimit_policies"`
	RateLimitExempt   []string      `koanf:"ratelimit_exempt"`
	TrustProxyHeaders bool          `koanf:"trust_proxy_headers"`

	// Storage
	StoreBackend   string        `koanf:"store_backend"`
	DataDir        string        `koanf:"data_dir"`
	RedisURL       string        `koanf:"redis_url"`
	UsageRetention time.Duration `koanf:"usage_retention"`

	// Worker Pool
	PoolWorkers    int           `koanf:"pool_workers"`
	PoolQueueDepth int           `koanf:"pool_queue_depth"`
	PoolMaxRetries int           `koanf:"pool_max_retries"`
	PoolRetryBase  time.Duration `koanf:"pool_retry_base"`

	// Operational
	ListenAddr      string        `koanf:"listen_addr"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes"`
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	MetricsEnabled  bool          `koanf:"metrics_enabled"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	HealthAddr      string        `koanf:"health_addr"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
}

// RateLimitPolicy is a parsed per-category override in "category=limit/cooldown" format.
type RateLimitPolicy struct {
	Category   string
	DailyLimit int
	Cooldown   time.Duration
}

// ParseRateLimitPolicies parses RATELIMIT_POLICIES entries such as
// "gemini_vision=3/1m". Either side of the slash may be left empty to keep
// the global default for that field.
func (c *Config) ParseRateLimitPolicies() ([]RateLimitPolicy, error) {
	policies := make([]RateLimitPolicy, 0, len(c.RateLimitPolicies))
	for _, p := range c.RateLimitPolicies {
		name, rule, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid rate limit policy %q: expected format category=limit/cooldown", p)
		}
		limitStr, cooldownStr, ok := strings.Cut(rule, "/")
		if !ok {
			return nil, fmt.Errorf("invalid rate limit policy %q: expected format category=limit/cooldown", p)
		}
		policy := RateLimitPolicy{
			Category:   name,
			DailyLimit: c.RateLimitDaily,
			Cooldown:   c.RateLimitCooldown,
		}
		if s := strings.TrimSpace(limitStr); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				return nil, fmt.Errorf("invalid rate limit policy %q: limit: %w", p, err)
			}
			policy.DailyLimit = n
		}
		if s := strings.TrimSpace(cooldownStr); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("invalid rate limit policy %q: cooldown: %w", p, err)
			}
			if d < 0 {
				return nil, fmt.Errorf("invalid rate limit policy %q: cooldown must not be negative", p)
			}
			policy.Cooldown = d
		}
		policies = append(policies, policy)
	}
	return policies, nil
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields and string slice elements. This normalises values from Docker --env-file
// which does not strip shell quoting.
func (c *Config) sanitise() {
	for _, s := range []*string{
		&c.GeminiAPIKey,
		&c.GeminiBaseURL,
		&c.GeminiCalorieModel,
		&c.GeminiBeautyModel,
		&c.GeminiVisionModel,
		&c.GeminiVisionFallbackModel,
		&c.GeminiSafetyThreshold,
		&c.OpenAIAPIKey,
		&c.OpenAIBaseURL,
		&c.OpenAIModel,
		&c.VisitorLogURL,
		&c.GeoLookupURL,
		&c.AppID,
		&c.StoreBackend,
		&c.DataDir,
		&c.RedisURL,
		&c.ListenAddr,
		&c.LogLevel,
		&c.LogFormat,
		&c.MetricsAddr,
		&c.HealthAddr,
	} {
		*s = stripEnvQuotes(*s)
	}

	for i, s := range c.RateLimitPolicies {
		c.RateLimitPolicies[i] = stripEnvQuotes(s)
	}
	for i, s := range c.RateLimitExempt {
		c.RateLimitExempt[i] = stripEnvQuotes(s)
	}
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"gemini_base_url":              "https://generativelanguage.googleapis.com/v1beta",
		"gemini_calorie_model":         "gemini-2.5-flash-preview-09-2025",
		"gemini_beauty_model":          "gemini-2.0-pro-vision",
		"gemini_vision_model":          "gemini-2.5-flash-image-preview",
		"gemini_vision_fallback_model": "gemini-2.5-flash-preview-09-2025",
		"gemini_safety_threshold":      "BLOCK_ONLY_HIGH",
		"openai_base_url":              "https://api.openai.com/v1",
		"openai_model":                 "gpt-3.5-turbo",
		"openai_max_tokens":            100,
		"openai_temperature":           0.7,
		"upstream_http_timeout":        "60s",
		"upstream_rps":                 0,
		"upstream_burst":               5,
		"geo_lookup_url":               "https://ipapi.co",
		"visitor_async":                true,
		"app_id":                       "default-app-id",
		"ratelimit_enabled":            true,
		"ratelimit_daily_limit":        5,
		"ratelimit_cooldown":           "30s",
		"trust_proxy_headers":          false,
		"store_backend":                "bbolt",
		"data_dir":                     "/data",
		"redis_url":                    "redis://localhost:6379/0",
		"usage_retention":              "0s",
		"pool_workers":                 2,
		"pool_queue_depth":             1024,
		"pool_max_retries":             3,
		"pool_retry_base":              "1s",
		"listen_addr":                  ":8080",
		"max_body_bytes":               10 << 20,
		"log_level":                    "info",
		"log_format":                   "json",
		"metrics_enabled":              true,
		"metrics_addr":                 ":9090",
		"health_addr":                  ":8081",
		"janitor_interval":             "1h",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' → x, "x" → x.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// "." as delimiter keeps env vars with "_" in their names as flat keys:
	// GEMINI_API_KEY → "gemini_api_key".
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated list fields that koanf won't split automatically
	cfg.RateLimitPolicies = splitCSV(k.String("ratelimit_policies"))
	cfg.RateLimitExempt = splitCSV(k.String("ratelimit_exempt"))

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks semantic constraints. API keys are deliberately optional:
// a handler whose provider key is missing answers with a fixed 500.
func (c *Config) Validate() error {
	validBackends := map[string]bool{"bbolt": true, "redis": true, "memory": true}
	if !validBackends[c.StoreBackend] {
		return fmt.Errorf("STORE_BACKEND must be bbolt, redis, or memory; got %q", c.StoreBackend)
	}
	if c.StoreBackend == "bbolt" && c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required when STORE_BACKEND=bbolt")
	}
	if c.StoreBackend == "redis" && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when STORE_BACKEND=redis")
	}

	if c.AppID == "" {
		return fmt.Errorf("APP_ID must not be empty")
	}

	for _, pair := range []struct{ name, value string }{
		{"GEMINI_BASE_URL", c.GeminiBaseURL},
		{"OPENAI_BASE_URL", c.OpenAIBaseURL},
		{"GEO_LOOKUP_URL", c.GeoLookupURL},
		{"VISITOR_LOG_URL", c.VisitorLogURL},
	} {
		if pair.value == "" && pair.name == "VISITOR_LOG_URL" {
			continue
		}
		if err := validateHTTPURL(pair.value); err != nil {
			return fmt.Errorf("%s: %w", pair.name, err)
		}
	}

	if c.RateLimitDaily < 0 {
		return fmt.Errorf("RATELIMIT_DAILY_LIMIT must be >= 0; got %d", c.RateLimitDaily)
	}
	if c.RateLimitCooldown < 0 {
		return fmt.Errorf("RATELIMIT_COOLDOWN must be >= 0; got %s", c.RateLimitCooldown)
	}
	if _, err := c.ParseRateLimitPolicies(); err != nil {
		return fmt.Errorf("RATELIMIT_POLICIES: %w", err)
	}
	if _, err := clientip.ParseExemptions(c.RateLimitExempt); err != nil {
		return fmt.Errorf("RATELIMIT_EXEMPT: %w", err)
	}

	if c.PoolWorkers < 1 || c.PoolWorkers > 64 {
		return fmt.Errorf("POOL_WORKERS must be 1–64; got %d", c.PoolWorkers)
	}
	if c.PoolQueueDepth < 1 {
		return fmt.Errorf("POOL_QUEUE_DEPTH must be >= 1; got %d", c.PoolQueueDepth)
	}

	if c.UpstreamHTTPTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_HTTP_TIMEOUT must be > 0; got %s", c.UpstreamHTTPTimeout)
	}
	if c.UpstreamRPS < 0 {
		return fmt.Errorf("UPSTREAM_RPS must be >= 0; got %v", c.UpstreamRPS)
	}
	if c.UpstreamRPS > 0 && c.UpstreamBurst < 1 {
		return fmt.Errorf("UPSTREAM_BURST must be >= 1 when UPSTREAM_RPS is set; got %d", c.UpstreamBurst)
	}

	if c.MaxBodyBytes < 1 {
		return fmt.Errorf("MAX_BODY_BYTES must be >= 1; got %d", c.MaxBodyBytes)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	if c.UsageRetention < 0 {
		return fmt.Errorf("USAGE_RETENTION must be >= 0; got %s", c.UsageRetention)
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must start with http:// or https://; got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

// fileSecretKeys lists the keys that may be supplied via a <KEY>_FILE env var.
var fileSecretKeys = []string{
	"gemini_api_key",
	"openai_api_key",
	"redis_url",
	"visitor_log_url",
}

// injectFileSecrets reads _FILE env vars and injects their file contents.
func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			filePath = os.Getenv(strings.ToUpper(key) + "_FILE")
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
