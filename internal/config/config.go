// Package config loads the process configuration once at startup; the
// resulting struct is passed explicitly into every component constructor.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	BindingAddress string `mapstructure:"binding_address"`
	Port           int    `mapstructure:"port"`
	Password       string `mapstructure:"password"`
	PublicDir      string `mapstructure:"public_dir"`
	LogLevel       string `mapstructure:"log_level"`

	TLS struct {
		CertFile string `mapstructure:"cert_file"`
		KeyFile  string `mapstructure:"key_file"`
	} `mapstructure:"tls"`

	Store struct {
		// Backend selects the durable medium: "sqlite" or "redis".
		Backend  string `mapstructure:"backend"`
		Path     string `mapstructure:"path"`
		RedisURL string `mapstructure:"redis_url"`
	} `mapstructure:"store"`

	Session struct {
		RestrictIP    bool          `mapstructure:"restrict_ip"`
		StaleAfter    time.Duration `mapstructure:"stale_after"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"session"`

	// StripClientHeaders are removed from pass-through requests before they
	// reach the rewrite engine. Registered routes are exempt.
	StripClientHeaders []string `mapstructure:"strip_client_headers"`

	// RewriteServerHeaders overrides response headers coming back from the
	// engine; an empty value deletes the header.
	RewriteServerHeaders map[string]string `mapstructure:"rewrite_server_headers"`

	Cluster struct {
		// Workers above zero enables multi-worker mode: the master runs
		// the affinity balancer on Port and workers listen on
		// WorkerBasePort+index.
		Workers        int `mapstructure:"workers"`
		WorkerBasePort int `mapstructure:"worker_base_port"`
	} `mapstructure:"cluster"`
}

// Load reads an optional .env file, then the yaml config at path (if any),
// then VEILPROXY_-prefixed environment overrides.
func Load(path string) (*Config, error) {
	// Same role dotenv plays in the original deployment scripts; a missing
	// file is fine.
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("binding_address", "127.0.0.1")
	v.SetDefault("port", 8080)
	v.SetDefault("password", "")
	v.SetDefault("public_dir", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.path", "sessions.db")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("session.restrict_ip", true)
	v.SetDefault("session.stale_after", 24*time.Hour)
	v.SetDefault("session.sweep_interval", time.Hour)
	v.SetDefault("strip_client_headers", []string{
		"cf-ipcountry",
		"cf-ray",
		"x-forwarded-proto",
		"cf-visitor",
		"cf-connecting-ip",
		"cdn-loop",
		"x-forwarded-for",
	})
	v.SetDefault("cluster.workers", 0)
	v.SetDefault("cluster.worker_base_port", 10500)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix("VEILPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if c.Store.Backend != "sqlite" && c.Store.Backend != "redis" {
		return nil, fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "redis" && c.Store.RedisURL == "" {
		return nil, fmt.Errorf("store.redis_url is required for the redis backend")
	}
	return &c, nil
}
