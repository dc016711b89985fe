package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Backend names accepted in vision.primary and vision.fallbacks.
const (
	BackendAnthropic = "anthropic"
	BackendOpenAI    = "openai"
	BackendOCR       = "ocr"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	License   LicenseConfig   `yaml:"license" mapstructure:"license"`
	Recipient RecipientConfig `yaml:"recipient" mapstructure:"recipient"`
	Scoring   ScoringConfig   `yaml:"scoring" mapstructure:"scoring"`
	Vision    VisionConfig    `yaml:"vision" mapstructure:"vision"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai" mapstructure:"openai"`
	OCR       OCRConfig       `yaml:"ocr" mapstructure:"ocr"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the transaction store.
type StoreConfig struct {
	Driver         string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL    string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns       int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns       int32  `yaml:"min_conns" mapstructure:"min_conns"`
	ConnectRetries int    `yaml:"connect_retries" mapstructure:"connect_retries"`
}

// LicenseConfig configures token issuance. Secret has no default.
type LicenseConfig struct {
	Secret       string `yaml:"secret" mapstructure:"secret"`
	Prefix       string `yaml:"prefix" mapstructure:"prefix"`
	ValiditySecs int    `yaml:"validity_secs" mapstructure:"validity_secs"`
}

// RecipientConfig is the payee identity screenshots must show. Empty means
// any recipient is accepted.
type RecipientConfig struct {
	Name  string `yaml:"name" mapstructure:"name"`
	UPIID string `yaml:"upi_id" mapstructure:"upi_id"`
}

// ScoringConfig tunes the confidence gate.
type ScoringConfig struct {
	ReviewThreshold float64 `yaml:"review_threshold" mapstructure:"review_threshold"`
}

// VisionConfig selects and tunes extraction backends.
type VisionConfig struct {
	Primary            string        `yaml:"primary" mapstructure:"primary"`
	Fallbacks          []string      `yaml:"fallbacks" mapstructure:"fallbacks"`
	TimeoutSecs        int           `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	TransientBackoffMs int           `yaml:"transient_backoff_ms" mapstructure:"transient_backoff_ms"`
	Breaker            BreakerConfig `yaml:"breaker" mapstructure:"breaker"`
}

// BreakerConfig configures per-credential circuit breakers. A zero
// FailureThreshold disables them.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// AnthropicConfig holds Anthropic API settings. Each key is one credential.
type AnthropicConfig struct {
	Keys      []string `yaml:"keys" mapstructure:"keys"`
	Model     string   `yaml:"model" mapstructure:"model"`
	MaxTokens int      `yaml:"max_tokens" mapstructure:"max_tokens"`
	BaseURL   string   `yaml:"base_url" mapstructure:"base_url"`
}

// OpenAIConfig holds settings for any OpenAI-compatible endpoint.
type OpenAIConfig struct {
	Keys    []string `yaml:"keys" mapstructure:"keys"`
	Model   string   `yaml:"model" mapstructure:"model"`
	BaseURL string   `yaml:"base_url" mapstructure:"base_url"`
}

// OCRConfig configures the text-recognition backend.
type OCRConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"`
	TesseractPath string `yaml:"tesseract_path" mapstructure:"tesseract_path"`
	MistralKey    string `yaml:"mistral_key" mapstructure:"mistral_key"`
	MistralModel  string `yaml:"mistral_model" mapstructure:"mistral_model"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Port             int      `yaml:"port" mapstructure:"port"`
	MaxConcurrent    int64    `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	SenderRatePerMin int      `yaml:"sender_rate_per_min" mapstructure:"sender_rate_per_min"`
	MaxImageBytes    int64    `yaml:"max_image_bytes" mapstructure:"max_image_bytes"`
	AllowedOrigins   []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PAYLICENSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Every key is registered so AutomaticEnv can see it.
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "paylicense.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("store.connect_retries", 3)
	v.SetDefault("license.secret", "")
	v.SetDefault("license.prefix", "CP-")
	v.SetDefault("license.validity_secs", 300)
	v.SetDefault("recipient.name", "")
	v.SetDefault("recipient.upi_id", "")
	v.SetDefault("scoring.review_threshold", 0.7)
	v.SetDefault("vision.primary", BackendAnthropic)
	v.SetDefault("vision.fallbacks", []string{})
	v.SetDefault("vision.timeout_secs", 8)
	v.SetDefault("vision.transient_backoff_ms", 250)
	v.SetDefault("vision.breaker.failure_threshold", 0)
	v.SetDefault("vision.breaker.reset_timeout_secs", 60)
	v.SetDefault("anthropic.keys", []string{})
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 512)
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("openai.keys", []string{})
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("ocr.provider", "tesseract")
	v.SetDefault("ocr.tesseract_path", "tesseract")
	v.SetDefault("ocr.mistral_key", "")
	v.SetDefault("ocr.mistral_model", "mistral-ocr-latest")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_concurrent", 8)
	v.SetDefault("server.sender_rate_per_min", 6)
	v.SetDefault("server.max_image_bytes", 10<<20)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	cfg.Anthropic.Keys = compact(cfg.Anthropic.Keys)
	cfg.OpenAI.Keys = compact(cfg.OpenAI.Keys)
	cfg.Vision.Fallbacks = compact(cfg.Vision.Fallbacks)
	cfg.Server.AllowedOrigins = compact(cfg.Server.AllowedOrigins)

	return &cfg, nil
}

// compact trims entries and drops empty ones, so "k1, ,k2" yields [k1 k2].
func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks everything needed to verify payments.
func (c *Config) Validate() error {
	if err := c.ValidateLicense(); err != nil {
		return err
	}
	if err := c.ValidateStore(); err != nil {
		return err
	}
	return c.ValidateVision()
}

// ValidateLicense checks the token settings.
func (c *Config) ValidateLicense() error {
	if c.License.Secret == "" {
		return eris.New("config: license.secret is required (PAYLICENSE_LICENSE_SECRET)")
	}
	if c.License.ValiditySecs <= 0 {
		return eris.New("config: license.validity_secs must be positive")
	}
	return nil
}

// ValidateStore checks the storage settings.
func (c *Config) ValidateStore() error {
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		return eris.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required")
	}
	return nil
}

// ValidateVision checks backend selection, credentials and scoring.
func (c *Config) ValidateVision() error {
	if t := c.Scoring.ReviewThreshold; t <= 0 || t > 1 {
		return eris.Errorf("config: scoring.review_threshold %v not in (0,1]", t)
	}
	if n := c.Credentials(c.Vision.Primary); n == 0 {
		return eris.Errorf("config: primary backend %q has no credentials", c.Vision.Primary)
	}
	seen := map[string]bool{c.Vision.Primary: true}
	for _, fb := range c.Vision.Fallbacks {
		if seen[fb] {
			return eris.Errorf("config: backend %q listed twice", fb)
		}
		seen[fb] = true
		if c.Credentials(fb) == 0 {
			return eris.Errorf("config: fallback backend %q has no credentials", fb)
		}
	}
	return nil
}

// Credentials returns how many credentials are configured for backend, or 0
// for unknown backends.
func (c *Config) Credentials(backend string) int {
	switch backend {
	case BackendAnthropic:
		return len(c.Anthropic.Keys)
	case BackendOpenAI:
		return len(c.OpenAI.Keys)
	case BackendOCR:
		switch c.OCR.Provider {
		case "tesseract", "":
			return 1
		case "mistral":
			if c.OCR.MistralKey != "" {
				return 1
			}
		}
		return 0
	default:
		return 0
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
