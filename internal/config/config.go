// Package config loads service settings from flags, SYNCORA_* environment
// variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"path"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every key when read from the environment.
const EnvPrefix = "SYNCORA"

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config is the full service configuration.
type Config struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	Store           string        `mapstructure:"store"`
	PgDSN           string        `mapstructure:"pg_dsn"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	JWTIssuer       string        `mapstructure:"jwt_issuer"`
	RateBurst       int           `mapstructure:"rate_burst"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	PushBuffer      int           `mapstructure:"push_buffer"`
	CommitSkew      time.Duration `mapstructure:"commit_skew"`
	LogLevel        string        `mapstructure:"log_level"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies"`
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("grpc_addr", ":9090")
	v.SetDefault("store", StorePostgres)
	v.SetDefault("pg_dsn", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("jwt_issuer", "syncora")
	v.SetDefault("rate_burst", 20)
	v.SetDefault("rate_per_second", 10.0)
	v.SetDefault("push_buffer", 64)
	v.SetDefault("commit_skew", "1s")
	v.SetDefault("log_level", "info")
	v.SetDefault("auto_migrate", false)
	v.SetDefault("max_body_bytes", 1<<20)
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("allowed_origins", []string{"localhost:*", "127.0.0.1:*"})
	v.SetDefault("trusted_proxies", []string{})
}

// New returns a viper instance reading SYNCORA_* variables on top of the defaults.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file, decodes and validates.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.PgDSN == "" {
			errs = append(errs, errors.New("pg_dsn is required when store is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store must be %q or %q, got %q", StoreMemory, StorePostgres, c.Store))
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = append(errs, errors.New("jwt_secret is required"))
	}
	if c.RateBurst <= 0 || c.RatePerSecond <= 0 {
		errs = append(errs, errors.New("rate_burst and rate_per_second must be positive"))
	}
	if c.PushBuffer <= 0 {
		errs = append(errs, errors.New("push_buffer must be positive"))
	}
	switch {
	case c.CommitSkew < 0:
		errs = append(errs, errors.New("commit_skew must not be negative"))
	case c.CommitSkew == 0 && c.Store == StorePostgres:
		// Rows are stamped before commit, so a snapshot can miss a write that
		// commits just after it with an older stamp.
		errs = append(errs, errors.New("commit_skew must be positive when store is postgres"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max_body_bytes must be positive"))
	}
	for _, o := range c.AllowedOrigins {
		if _, err := path.Match(o, ""); err != nil {
			errs = append(errs, fmt.Errorf("allowed_origins: bad pattern %q", o))
		}
	}
	for _, p := range c.TrustedProxies {
		if !validProxy(p) {
			errs = append(errs, fmt.Errorf("trusted_proxies: %q is not an address or CIDR", p))
		}
	}
	return errors.Join(errs...)
}

func validProxy(s string) bool {
	s = strings.TrimSpace(s)
	if _, err := netip.ParsePrefix(s); err == nil {
		return true
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}
