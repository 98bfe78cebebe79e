package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	LogLevel       string   `mapstructure:"LOG_LEVEL"`
	AuthMode       string   `mapstructure:"AUTH_MODE"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled     bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string   `mapstructure:"TLS_KEY_FILE"`

	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	// Reference data and safety checks.
	ReferenceSource      string        `mapstructure:"REFERENCE_SOURCE"`
	ReferenceDataPath    string        `mapstructure:"REFERENCE_DATA_PATH"`
	InteractionCacheTTL  time.Duration `mapstructure:"INTERACTION_CACHE_TTL"`
	InteractionCacheSize int           `mapstructure:"INTERACTION_CACHE_SIZE"`
	SafetyCheckTimeout   time.Duration `mapstructure:"SAFETY_CHECK_TIMEOUT"`
	DegradedSafetyPolicy string        `mapstructure:"DEGRADED_SAFETY_POLICY"`

	// Alerts and events.
	AlertSweepInterval time.Duration `mapstructure:"ALERT_SWEEP_INTERVAL"`
	KafkaBrokers       []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic         string        `mapstructure:"KAFKA_TOPIC"`
	RedactionSalt      string        `mapstructure:"REDACTION_SALT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"REQUEST_TIMEOUT", "REFERENCE_SOURCE", "REFERENCE_DATA_PATH", "INTERACTION_CACHE_TTL",
	"INTERACTION_CACHE_SIZE", "SAFETY_CHECK_TIMEOUT", "DEGRADED_SAFETY_POLICY",
	"ALERT_SWEEP_INTERVAL", "KAFKA_BROKERS", "KAFKA_TOPIC", "REDACTION_SALT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("REFERENCE_SOURCE", "postgres")
	v.SetDefault("INTERACTION_CACHE_TTL", "1h")
	v.SetDefault("INTERACTION_CACHE_SIZE", 10000)
	v.SetDefault("SAFETY_CHECK_TIMEOUT", "2s")
	v.SetDefault("DEGRADED_SAFETY_POLICY", "override")
	v.SetDefault("ALERT_SWEEP_INTERVAL", "1m")
	v.SetDefault("KAFKA_TOPIC", "medsafety.events")

	// Bind explicitly so Unmarshal sees env-only keys
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise development runs
// with dev auth and every other environment validates JWTs.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
		}
	case "jwt":
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_ISSUER or AUTH_JWKS_URL must be set when AUTH_MODE is \"jwt\" (current ENV=%q)", c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	switch c.ReferenceSource {
	case "postgres":
	case "file":
		if c.ReferenceDataPath == "" {
			return fmt.Errorf("REFERENCE_DATA_PATH is required when REFERENCE_SOURCE is \"file\"")
		}
	default:
		return fmt.Errorf("REFERENCE_SOURCE must be \"postgres\" or \"file\", got %q", c.ReferenceSource)
	}

	if p := c.DegradedSafetyPolicy; p != "override" && p != "block" {
		return fmt.Errorf("DEGRADED_SAFETY_POLICY must be \"override\" or \"block\", got %q", p)
	}
	if c.SafetyCheckTimeout <= 0 {
		return fmt.Errorf("SAFETY_CHECK_TIMEOUT must be positive")
	}
	if c.InteractionCacheSize <= 0 {
		return fmt.Errorf("INTERACTION_CACHE_SIZE must be positive")
	}
	if c.AlertSweepInterval <= 0 {
		return fmt.Errorf("ALERT_SWEEP_INTERVAL must be positive")
	}
	if c.IsProduction() && c.RedactionSalt == "" {
		return fmt.Errorf("REDACTION_SALT is required in production")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}
