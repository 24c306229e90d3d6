// Package config loads csrfd settings from a YAML file and CSRFD_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/JeanGrijp/csrfguard/csrf"
	"github.com/JeanGrijp/csrfguard/internal/logging"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "CSRFD"

// Store backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds all configuration for the csrfd demo server
type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr" validate:"required"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	} `mapstructure:"server"`

	Log logging.Config `mapstructure:"log"`

	CSRF struct {
		TokenBytes         int           `mapstructure:"token_bytes" validate:"gte=16,lte=1024"`
		TTL                time.Duration `mapstructure:"ttl" validate:"gte=0"`
		Mode               string        `mapstructure:"mode" validate:"required"`      // multi-use, one-time
		Transport          string        `mapstructure:"transport" validate:"required"` // field, header, double-submit
		PureDoubleSubmit   bool          `mapstructure:"pure_double_submit"`
		CookieName         string        `mapstructure:"cookie_name" validate:"required"`
		CookieSecure       bool          `mapstructure:"cookie_secure"`
		CookieSameSite     string        `mapstructure:"cookie_same_site"` // lax, strict, none
		HeaderName         string        `mapstructure:"header_name" validate:"required"`
		FormField          string        `mapstructure:"form_field" validate:"required"`
		EnforceOriginCheck bool          `mapstructure:"enforce_origin_check"`
		AllowedOrigin      string        `mapstructure:"allowed_origin"`
		ExemptPaths        []string      `mapstructure:"exempt_paths"`
	} `mapstructure:"csrf"`

	Store struct {
		Backend       string        `mapstructure:"backend" validate:"oneof=memory redis"`
		MaxEntries    int           `mapstructure:"max_entries" validate:"gte=0"`
		SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gte=0"`
		Redis         struct {
			Addr       string `mapstructure:"addr"`
			Password   string `mapstructure:"password"`
			DB         int    `mapstructure:"db" validate:"gte=0"`
			Prefix     string `mapstructure:"prefix"`
			MaxRetries int    `mapstructure:"max_retries" validate:"gte=0"`
		} `mapstructure:"redis"`
	} `mapstructure:"store"`

	Session struct {
		CookieName string        `mapstructure:"cookie_name" validate:"required"`
		TTL        time.Duration `mapstructure:"ttl" validate:"gt=0"`
	} `mapstructure:"session"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file.enabled", false)
	v.SetDefault("log.file.filename", "csrfd.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_backups", 3)
	v.SetDefault("log.file.max_age", 28)
	v.SetDefault("log.file.compress", true)

	v.SetDefault("csrf.token_bytes", 32)
	v.SetDefault("csrf.ttl", time.Hour)
	v.SetDefault("csrf.mode", csrf.ModeMultiUse.String())
	v.SetDefault("csrf.transport", csrf.TransportField.String())
	v.SetDefault("csrf.pure_double_submit", false)
	v.SetDefault("csrf.cookie_name", "csrf_token")
	v.SetDefault("csrf.cookie_secure", true)
	v.SetDefault("csrf.cookie_same_site", "lax")
	v.SetDefault("csrf.header_name", "X-CSRF-Token")
	v.SetDefault("csrf.form_field", "csrf_token")
	v.SetDefault("csrf.enforce_origin_check", false)
	v.SetDefault("csrf.allowed_origin", "")
	v.SetDefault("csrf.exempt_paths", []string{"/healthz", "/metrics"})

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.max_entries", 100000)
	v.SetDefault("store.sweep_interval", 5*time.Minute)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "csrf")
	v.SetDefault("store.redis.max_retries", 8)

	v.SetDefault("session.cookie_name", "session_id")
	v.SetDefault("session.ttl", 12*time.Hour)
}

// Load reads path (when non-empty) or ./csrfd.yaml if present, then applies
// CSRFD_* environment overrides, e.g. CSRFD_STORE_BACKEND=redis.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("csrfd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field ranges, then the cross-field rules and the csrf
// names that csrf.New would otherwise reject later.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Store.Backend == BackendRedis && c.Store.Redis.Addr == "" {
		return errors.New("store.redis.addr is required for the redis backend")
	}
	if c.Session.CookieName == c.CSRF.CookieName {
		return errors.New("session.cookie_name and csrf.cookie_name must differ")
	}
	_, err := c.ToCSRF()
	return err
}

// ToCSRF converts the csrf section into the middleware configuration.
func (c *Config) ToCSRF() (csrf.Config, error) {
	mode, err := ParseMode(c.CSRF.Mode)
	if err != nil {
		return csrf.Config{}, err
	}
	transport, err := ParseTransport(c.CSRF.Transport)
	if err != nil {
		return csrf.Config{}, err
	}
	sameSite, err := ParseSameSite(c.CSRF.CookieSameSite)
	if err != nil {
		return csrf.Config{}, err
	}
	return csrf.Config{
		TokenBytes:         c.CSRF.TokenBytes,
		TTL:                c.CSRF.TTL,
		Mode:               mode,
		Transport:          transport,
		PureDoubleSubmit:   c.CSRF.PureDoubleSubmit,
		CookieName:         c.CSRF.CookieName,
		CookieSecure:       c.CSRF.CookieSecure,
		CookieSameSite:     sameSite,
		HeaderName:         c.CSRF.HeaderName,
		FormField:          c.CSRF.FormField,
		EnforceOriginCheck: c.CSRF.EnforceOriginCheck,
		AllowedOrigin:      c.CSRF.AllowedOrigin,
		ExemptPaths:        c.CSRF.ExemptPaths,
	}, nil
}

func ParseMode(s string) (csrf.Mode, error) {
	for _, m := range []csrf.Mode{csrf.ModeMultiUse, csrf.ModeOneTime} {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown mode %q", csrf.ErrInvalidConfiguration, s)
}

func ParseTransport(s string) (csrf.Transport, error) {
	for _, t := range []csrf.Transport{csrf.TransportField, csrf.TransportHeader, csrf.TransportDoubleSubmit} {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown transport %q", csrf.ErrInvalidConfiguration, s)
}

func ParseSameSite(s string) (http.SameSite, error) {
	switch strings.ToLower(s) {
	case "", "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	default:
		return 0, fmt.Errorf("%w: unknown same-site mode %q", csrf.ErrInvalidConfiguration, s)
	}
}
