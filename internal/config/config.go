package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServiceConfig describes how to reach one external service on behalf of a
// tenant. Token endpoint and client credentials are only needed for OAuth
// services whose access tokens must be refreshed.
type ServiceConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	TokenURL     string        `mapstructure:"token_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	APIKeyHeader string        `mapstructure:"api_key_header"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   uint64        `mapstructure:"max_retries"`
}

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	DB            struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Auth struct {
		OktaDomain   string `mapstructure:"okta_domain"`
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
		RedirectURL  string `mapstructure:"redirect_url"`
		// SwaggerClientID is the public PKCE client used by the docs page.
		SwaggerClientID string `mapstructure:"swagger_client_id"`
		// AutoProvision creates a tenant for unknown email domains.
		AutoProvision bool `mapstructure:"auto_provision"`
	} `mapstructure:"auth"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
	Log struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"log"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Encryption struct {
		// DefaultKeyRef encrypts rows that have no owning tenant.
		DefaultKeyRef string `mapstructure:"default_key_ref"`
	} `mapstructure:"encryption"`
	Scheduler struct {
		Interval  time.Duration `mapstructure:"interval"`
		Lease     time.Duration `mapstructure:"lease"`
		BatchSize int           `mapstructure:"batch_size"`
		Timezone  string        `mapstructure:"timezone"`
	} `mapstructure:"scheduler"`
	Notifier struct {
		Interval time.Duration `mapstructure:"interval"`
		Workers  int           `mapstructure:"workers"`
	} `mapstructure:"notifier"`
	Dispatch struct {
		Workers    int           `mapstructure:"workers"`
		SplitDelay time.Duration `mapstructure:"split_delay"`
	} `mapstructure:"dispatch"`
	LLM struct {
		Model       string `mapstructure:"model"`
		TokenBudget int    `mapstructure:"token_budget"`
	} `mapstructure:"llm"`
	Services map[string]ServiceConfig `mapstructure:"services"`
}

// LoadConfig loads the configuration from config.yaml and the environment.
// When envFile is set it is loaded into the process environment first.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	return decode(v)
}

// LoadFile loads configuration from an explicit path, used by tests and the
// --config flag.
func LoadFile(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "PROD")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("scheduler.interval", time.Minute)
	v.SetDefault("scheduler.lease", 5*time.Minute)
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("notifier.interval", time.Minute)
	v.SetDefault("notifier.workers", 4)
	v.SetDefault("dispatch.workers", 8)
	v.SetDefault("dispatch.split_delay", 2*time.Second)
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.token_budget", 12000)
}

// DSN returns the libpq connection string for the configured database.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

// Service returns the configuration for the named external service.
func (c *Config) Service(name string) (ServiceConfig, bool) {
	sc, ok := c.Services[name]
	return sc, ok
}

// Location returns the time zone schedules are evaluated in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// normalizeOktaIssuer ensures the provided Okta issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact.
func normalizeOktaIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
