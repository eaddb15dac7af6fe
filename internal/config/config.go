package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends accepted by STORAGE_BACKEND.
const (
	BackendCSV      = "csv"
	BackendPostgres = "postgres"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	GeminiAPIKey         string        `mapstructure:"GEMINI_API_KEY"`
	GeminiFillInModel    string        `mapstructure:"GEMINI_FILLIN_MODEL"`
	GeminiAnalyzeModel   string        `mapstructure:"GEMINI_ANALYZE_MODEL"`
	GeminiTemperature    float32       `mapstructure:"GEMINI_TEMPERATURE"`
	GeminiTimeout        time.Duration `mapstructure:"GEMINI_TIMEOUT"`
	GeminiMaxAttempts    int           `mapstructure:"GEMINI_MAX_ATTEMPTS"`
	GeminiRetryBaseDelay time.Duration `mapstructure:"GEMINI_RETRY_BASE_DELAY"`
	PromptDir            string        `mapstructure:"PROMPT_DIR"`

	StorageBackend string `mapstructure:"STORAGE_BACKEND"`
	DataDir        string `mapstructure:"DATA_DIR"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32  `mapstructure:"DB_MIN_CONNS"`

	MaxUploadSize  string        `mapstructure:"MAX_UPLOAD_SIZE"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "CORS_ORIGINS",
	"GEMINI_API_KEY", "GEMINI_FILLIN_MODEL", "GEMINI_ANALYZE_MODEL", "GEMINI_TEMPERATURE",
	"GEMINI_TIMEOUT", "GEMINI_MAX_ATTEMPTS", "GEMINI_RETRY_BASE_DELAY", "PROMPT_DIR",
	"STORAGE_BACKEND", "DATA_DIR", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"MAX_UPLOAD_SIZE", "REQUEST_TIMEOUT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("GEMINI_FILLIN_MODEL", "gemini-2.5-flash")
	v.SetDefault("GEMINI_ANALYZE_MODEL", "gemini-2.0-flash")
	v.SetDefault("GEMINI_TEMPERATURE", 0.2)
	v.SetDefault("GEMINI_TIMEOUT", "45s")
	v.SetDefault("GEMINI_MAX_ATTEMPTS", 3)
	v.SetDefault("GEMINI_RETRY_BASE_DELAY", "500ms")
	v.SetDefault("STORAGE_BACKEND", BackendCSV)
	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MAX_UPLOAD_SIZE", "10M")
	v.SetDefault("REQUEST_TIMEOUT", "90s")
	v.SetDefault("RATE_LIMIT_RPS", 10)
	v.SetDefault("RATE_LIMIT_BURST", 20)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))

	if cfg.IsDev() && len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "*" {
		log.Println("WARNING: CORS allows any origin (CORS_ORIGINS=*). Restrict it outside development.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// UsesPostgres reports whether the registry and case tables live in Postgres
// instead of flat CSV files under DataDir.
func (c *Config) UsesPostgres() bool {
	return c.StorageBackend == BackendPostgres
}

// Validate checks the settings the server needs before it accepts traffic.
// The model API key is only required by the serve command, so it is checked
// separately in RequireModelAccess.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case BackendCSV:
		if c.DataDir == "" {
			return fmt.Errorf("DATA_DIR is required when STORAGE_BACKEND is %q", BackendCSV)
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_BACKEND is %q", BackendPostgres)
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", BackendCSV, BackendPostgres, c.StorageBackend)
	}

	if c.GeminiTemperature < 0 || c.GeminiTemperature > 2 {
		return fmt.Errorf("GEMINI_TEMPERATURE must be within [0, 2], got %v", c.GeminiTemperature)
	}
	if c.GeminiMaxAttempts < 1 {
		return fmt.Errorf("GEMINI_MAX_ATTEMPTS must be at least 1, got %d", c.GeminiMaxAttempts)
	}
	if c.GeminiTimeout <= 0 {
		return fmt.Errorf("GEMINI_TIMEOUT must be positive, got %s", c.GeminiTimeout)
	}
	if c.GeminiRetryBaseDelay < 0 {
		return fmt.Errorf("GEMINI_RETRY_BASE_DELAY must not be negative, got %s", c.GeminiRetryBaseDelay)
	}
	if c.RequestTimeout > 0 && c.RequestTimeout < c.GeminiTimeout {
		return fmt.Errorf("REQUEST_TIMEOUT (%s) must not be shorter than GEMINI_TIMEOUT (%s)", c.RequestTimeout, c.GeminiTimeout)
	}
	return nil
}

// RequireModelAccess returns an error when no provider credentials are set.
func (c *Config) RequireModelAccess() error {
	if strings.TrimSpace(c.GeminiAPIKey) == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	return nil
}
