package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	BaseURL     string   `mapstructure:"BASE_URL"`
	StoreDriver string   `mapstructure:"STORE_DRIVER"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	SQLitePath  string   `mapstructure:"SQLITE_PATH"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	AuditStream string   `mapstructure:"AUDIT_STREAM"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	MatchScoreFloor         int    `mapstructure:"MATCH_SCORE_FLOOR"`
	MatchMaxResults         int    `mapstructure:"MATCH_MAX_RESULTS"`
	MatchIncludePhotoWeight bool   `mapstructure:"MATCH_INCLUDE_PHOTO_WEIGHT"`
	MatchScoringScheme      string `mapstructure:"MATCH_SCORING_SCHEME"`
	ProfileURLBase          string `mapstructure:"PROFILE_URL_BASE"`
	ProfileURLL0            string `mapstructure:"PROFILE_URL_L0"`
	ProfileURLL1            string `mapstructure:"PROFILE_URL_L1"`
	StrictR4Parse           bool   `mapstructure:"STRICT_R4_PARSE"`
	MatchRatePerMinute      int    `mapstructure:"MATCH_RATE_PER_MINUTE"`
	MatchRateBurst          int    `mapstructure:"MATCH_RATE_BURST"`
}

var defaults = map[string]any{
	"PORT":                       "8000",
	"ENV":                        "development",
	"STORE_DRIVER":               DriverPostgres,
	"SQLITE_PATH":                "priorauth.db",
	"DB_MAX_CONNS":               20,
	"DB_MIN_CONNS":               2,
	"AUDIT_STREAM":               "priorauth:audit",
	"CORS_ORIGINS":               "http://localhost:3000",
	"REQUEST_TIMEOUT":            "30s",
	"BODY_LIMIT":                 "1M",
	"MATCH_SCORE_FLOOR":          0,
	"MATCH_MAX_RESULTS":          0,
	"MATCH_INCLUDE_PHOTO_WEIGHT": true,
	"MATCH_SCORING_SCHEME":       "standard",
	"PROFILE_URL_BASE":           "http://hl7.org/fhir/us/identity-matching/StructureDefinition/IDI-Patient",
	"PROFILE_URL_L0":             "http://hl7.org/fhir/us/identity-matching/StructureDefinition/IDI-Patient-L0",
	"PROFILE_URL_L1":             "http://hl7.org/fhir/us/identity-matching/StructureDefinition/IDI-Patient-L1",
	"STRICT_R4_PARSE":            false,
	"MATCH_RATE_PER_MINUTE":      120,
	"MATCH_RATE_BURST":           20,
}

var envKeys = []string{
	"PORT", "ENV", "BASE_URL", "STORE_DRIVER", "DATABASE_URL", "SQLITE_PATH",
	"DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL", "AUDIT_STREAM", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"REQUEST_TIMEOUT", "BODY_LIMIT",
	"MATCH_SCORE_FLOOR", "MATCH_MAX_RESULTS", "MATCH_INCLUDE_PHOTO_WEIGHT", "MATCH_SCORING_SCHEME",
	"PROFILE_URL_BASE", "PROFILE_URL_L0", "PROFILE_URL_L1", "STRICT_R4_PARSE",
	"MATCH_RATE_PER_MINUTE", "MATCH_RATE_BURST",
}

// Load reads the configuration from the environment and an optional .env
// file in the working directory. The result is not validated.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	// Unmarshal only sees environment values for bound keys.
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	// a missing .env is fine
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:" + cfg.Port + "/fhir"
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

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

// AuthEnabled reports whether bearer tokens are verified. Development
// servers without an issuer or signing key run with DevAuthMiddleware.
func (c *Config) AuthEnabled() bool {
	return !c.IsDev() || c.AuthIssuer != "" || c.AuthSigningKey != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", DriverSQLite)
		}
	case DriverMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE_DRIVER %q is not allowed in production", DriverMemory)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q, %q or %q, got %q", DriverPostgres, DriverSQLite, DriverMemory, c.StoreDriver)
	}

	switch c.MatchScoringScheme {
	case "standard", "extended":
	default:
		return fmt.Errorf("MATCH_SCORING_SCHEME must be \"standard\" or \"extended\", got %q", c.MatchScoringScheme)
	}
	if c.MatchMaxResults < 0 {
		return fmt.Errorf("MATCH_MAX_RESULTS must not be negative, got %d", c.MatchMaxResults)
	}
	if c.ProfileURLBase == "" || c.ProfileURLL0 == "" || c.ProfileURLL1 == "" {
		return fmt.Errorf("PROFILE_URL_BASE, PROFILE_URL_L0 and PROFILE_URL_L1 must all be set")
	}
	if c.MatchRatePerMinute > 0 && c.MatchRateBurst < 1 {
		return fmt.Errorf("MATCH_RATE_BURST must be positive when MATCH_RATE_PER_MINUTE is set, got %d", c.MatchRateBurst)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative, got %s", c.RequestTimeout)
	}

	if c.AuthEnabled() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf(
			"AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set outside development (current ENV=%q). "+
				"Refusing to start without authentication configuration", c.Env)
	}
	if c.IsProduction() && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_ISSUER is required in production")
	}
	return nil
}
