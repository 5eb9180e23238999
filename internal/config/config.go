package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/screening/internal/domain/fraud"
	"github.com/ehr/screening/internal/domain/scoring"
)

// Session store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreSQLite   = "sqlite"
)

type Config struct {
	Port         string        `mapstructure:"PORT"`
	Env          string        `mapstructure:"ENV"`
	LogLevel     string        `mapstructure:"LOG_LEVEL"`
	SessionStore string        `mapstructure:"SESSION_STORE"`
	DatabaseURL  string        `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL     string        `mapstructure:"REDIS_URL"`
	SessionTTL   time.Duration `mapstructure:"SESSION_TTL"`
	SQLitePath   string        `mapstructure:"SQLITE_PATH"`
	CatalogPath  string        `mapstructure:"CATALOG_PATH"`
	ProtocolPath string        `mapstructure:"PROTOCOL_PATH"`

	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	AuditCCutoffDefault int `mapstructure:"AUDITC_CUTOFF_DEFAULT"`
	AuditCCutoffMale    int `mapstructure:"AUDITC_CUTOFF_MALE"`
	AuditCCutoffFemale  int `mapstructure:"AUDITC_CUTOFF_FEMALE"`
	AuditCHighRisk      int `mapstructure:"AUDITC_HIGH_RISK"`

	FraudMinLatencyMs    int64 `mapstructure:"FRAUD_MIN_LATENCY_MS"`
	FraudMsPerWord       int64 `mapstructure:"FRAUD_MS_PER_WORD"`
	FraudReviewThreshold int   `mapstructure:"FRAUD_REVIEW_THRESHOLD"`
	FraudFlagThreshold   int   `mapstructure:"FRAUD_FLAG_THRESHOLD"`
	FraudRejectThreshold int   `mapstructure:"FRAUD_REJECT_THRESHOLD"`

	ResultsWebhookURL     string        `mapstructure:"RESULTS_WEBHOOK_URL"`
	ResultsWebhookSecret  string        `mapstructure:"RESULTS_WEBHOOK_SECRET"`
	ResultsWebhookTimeout time.Duration `mapstructure:"RESULTS_WEBHOOK_TIMEOUT"`
}

var defaults = map[string]interface{}{
	"PORT":                    "8000",
	"ENV":                     "development",
	"LOG_LEVEL":               "info",
	"SESSION_STORE":           StoreMemory,
	"DB_MAX_CONNS":            20,
	"DB_MIN_CONNS":            2,
	"REDIS_URL":               "redis://localhost:6379/0",
	"SESSION_TTL":             "720h",
	"SQLITE_PATH":             "data/sessions.db",
	"CORS_ORIGINS":            "http://localhost:3000",
	"RATE_LIMIT_RPS":          20,
	"RATE_LIMIT_BURST":        40,
	"AUDITC_CUTOFF_DEFAULT":   4,
	"AUDITC_CUTOFF_MALE":      4,
	"AUDITC_CUTOFF_FEMALE":    4,
	"AUDITC_HIGH_RISK":        8,
	"FRAUD_MIN_LATENCY_MS":    1000,
	"FRAUD_MS_PER_WORD":       120,
	"FRAUD_REVIEW_THRESHOLD":  25,
	"FRAUD_FLAG_THRESHOLD":    50,
	"FRAUD_REJECT_THRESHOLD":  75,
	"RESULTS_WEBHOOK_TIMEOUT": "10s",
}

var envOnly = []string{
	"DATABASE_URL", "CATALOG_PATH", "PROTOCOL_PATH",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"RESULTS_WEBHOOK_URL", "RESULTS_WEBHOOK_SECRET",
}

// Load reads configuration from the environment, falling back to an
// optional .env file in the working directory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Bind env vars explicitly so Unmarshal picks them up
	for key, val := range defaults {
		v.SetDefault(key, val)
		v.BindEnv(key)
	}
	for _, key := range envOnly {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}
	cfg.SessionStore = strings.ToLower(cfg.SessionStore)

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Scoring returns the AUDIT-C cutoffs.
func (c *Config) Scoring() scoring.Config {
	return scoring.Config{
		AuditCCutoffDefault: c.AuditCCutoffDefault,
		AuditCCutoffMale:    c.AuditCCutoffMale,
		AuditCCutoffFemale:  c.AuditCCutoffFemale,
		AuditCHighRisk:      c.AuditCHighRisk,
	}
}

// Fraud returns the response-integrity heuristics settings.
func (c *Config) Fraud() fraud.Config {
	return fraud.Config{
		MinLatencyMs:    c.FraudMinLatencyMs,
		MsPerWord:       c.FraudMsPerWord,
		ReviewThreshold: c.FraudReviewThreshold,
		FlagThreshold:   c.FraudFlagThreshold,
		RejectThreshold: c.FraudRejectThreshold,
	}
}

// Validate rejects settings the server cannot safely run with.
func (c *Config) Validate() error {
	switch c.SessionStore {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when SESSION_STORE is %q", StorePostgres)
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when SESSION_STORE is %q", StoreRedis)
		}
		if c.SessionTTL < 0 {
			return fmt.Errorf("SESSION_TTL must not be negative")
		}
	default:
		return fmt.Errorf("SESSION_STORE must be one of memory, postgres, redis, sqlite; got %q", c.SessionStore)
	}

	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required outside development (ENV=%q)", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}

	if err := c.Scoring().Validate(); err != nil {
		return fmt.Errorf("AUDITC settings: %w", err)
	}
	if err := c.Fraud().Validate(); err != nil {
		return fmt.Errorf("FRAUD settings: %w", err)
	}

	if c.ResultsWebhookURL != "" && c.ResultsWebhookSecret == "" {
		return fmt.Errorf("RESULTS_WEBHOOK_SECRET is required when RESULTS_WEBHOOK_URL is set")
	}
	return nil
}
