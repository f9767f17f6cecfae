// Package config loads service settings from the environment and an optional
// YAML file.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// AppName names the XDG directories and the default APM service.
const AppName = "icd-lookup"

var (
	// ErrInvalidPort is returned when PORT is outside 1-65535.
	ErrInvalidPort = errors.New("port must be between 1 and 65535")
	// ErrInvalidTimeout is returned when TIMEOUT is not positive.
	ErrInvalidTimeout = errors.New("timeout must be positive")
	// ErrInvalidTTL is returned when a cache TTL is not positive.
	ErrInvalidTTL = errors.New("cache ttl must be positive")
	// ErrInvalidHistoryLimit is returned when HISTORY_LIMIT is not positive.
	ErrInvalidHistoryLimit = errors.New("history limit must be positive")
	// ErrInvalidRate is returned when the upstream rate or burst is not positive.
	ErrInvalidRate = errors.New("upstream rate and burst must be positive")
)

// Config holds every setting of the service.
type Config struct {
	Port        int      `mapstructure:"PORT"`
	Timeout     int      `mapstructure:"TIMEOUT"`
	AppEnv      string   `mapstructure:"APP_ENV"`
	AppName     string   `mapstructure:"APP_NAME"`
	AppVersion  string   `mapstructure:"APP_VERSION"`
	APMActive   bool     `mapstructure:"ELASTIC_APM_ACTIVE"`
	CORSOrigins []string `mapstructure:"-"`

	OpenFDAAPIKey string `mapstructure:"OPENFDA_API_KEY"`
	UMLSAPIKey    string `mapstructure:"UMLS_API_KEY"`
	JWTSecret     string `mapstructure:"JWT_SECRET"`

	CacheTTL         int    `mapstructure:"CACHE_TTL"`
	CoverageCacheTTL int    `mapstructure:"COVERAGE_CACHE_TTL"`
	RedisURL         string `mapstructure:"REDIS_URL"`
	DBDir            string `mapstructure:"DB_DIR"`
	HistoryLimit     int    `mapstructure:"HISTORY_LIMIT"`
	TermsFile        string `mapstructure:"TERMS_FILE"`

	UpstreamRPS   float64 `mapstructure:"UPSTREAM_RPS"`
	UpstreamBurst int     `mapstructure:"UPSTREAM_BURST"`

	ICD10URL    string `mapstructure:"ICD10_URL"`
	OpenFDAURL  string `mapstructure:"OPENFDA_URL"`
	RxNavURL    string `mapstructure:"RXNAV_URL"`
	TrialsURL   string `mapstructure:"TRIALS_URL"`
	CoverageURL string `mapstructure:"COVERAGE_URL"`
	UMLSURL     string `mapstructure:"UMLS_URL"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

var keys = []string{
	"PORT", "TIMEOUT", "APP_ENV", "APP_NAME", "APP_VERSION", "ELASTIC_APM_ACTIVE",
	"CORS_ORIGINS", "OPENFDA_API_KEY", "UMLS_API_KEY", "JWT_SECRET",
	"CACHE_TTL", "COVERAGE_CACHE_TTL", "REDIS_URL", "DB_DIR", "HISTORY_LIMIT", "TERMS_FILE",
	"UPSTREAM_RPS", "UPSTREAM_BURST",
	"ICD10_URL", "OPENFDA_URL", "RXNAV_URL", "TRIALS_URL", "COVERAGE_URL", "UMLS_URL",
}

// DefaultFile returns the config file looked up when none is given.
func DefaultFile() string {
	return filepath.Join(xdg.ConfigHome, AppName, "config.yaml")
}

// DefaultDBDir returns the directory holding the SQLite database.
func DefaultDBDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8000)
	v.SetDefault("TIMEOUT", 30)
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", AppName)
	v.SetDefault("APP_VERSION", "dev")
	v.SetDefault("ELASTIC_APM_ACTIVE", false)
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("CACHE_TTL", 300)
	v.SetDefault("COVERAGE_CACHE_TTL", 21600)
	v.SetDefault("DB_DIR", DefaultDBDir())
	v.SetDefault("HISTORY_LIMIT", 20)
	v.SetDefault("UPSTREAM_RPS", 10)
	v.SetDefault("UPSTREAM_BURST", 20)
}

// Load reads the configuration. Environment variables override the file,
// which overrides the defaults. An explicit file must exist; the default
// file is optional.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	for _, key := range keys {
		// Bind env vars explicitly so Unmarshal picks them up
		_ = v.BindEnv(key)
	}

	explicit := file != ""
	if !explicit {
		file = DefaultFile()
	}
	v.SetConfigFile(file)
	v.SetConfigType("yaml")

	cfg := &Config{}
	if err := v.ReadInConfig(); err == nil {
		cfg.File = file
	} else if explicit {
		return nil, fmt.Errorf("error reading config file %s: %w", file, err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

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

// Validate checks numeric settings.
func (c *Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	case c.Timeout <= 0:
		return fmt.Errorf("%w: %d", ErrInvalidTimeout, c.Timeout)
	case c.CacheTTL <= 0 || c.CoverageCacheTTL <= 0:
		return ErrInvalidTTL
	case c.HistoryLimit <= 0:
		return fmt.Errorf("%w: %d", ErrInvalidHistoryLimit, c.HistoryLimit)
	case c.UpstreamRPS <= 0 || c.UpstreamBurst <= 0:
		return ErrInvalidRate
	}
	return nil
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "prod" || c.AppEnv == "production"
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// TimeoutDuration returns the upstream request timeout.
func (c *Config) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// CacheDuration returns the TTL of cached upstream answers.
func (c *Config) CacheDuration() time.Duration {
	return time.Duration(c.CacheTTL) * time.Second
}

// CoverageCacheDuration returns the TTL of the coverage report lists.
func (c *Config) CoverageCacheDuration() time.Duration {
	return time.Duration(c.CoverageCacheTTL) * time.Second
}
