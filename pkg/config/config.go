// Package config loads server configuration from a file and environment
// variables, using spf13/viper the way evalgo-org-eve/cli/root.go's
// initConfig does: environment takes precedence, then the config file,
// then defaults. Command-line flags are not consulted.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of tunables read at process startup.
type Config struct {
	DataDir      string
	BindAddr     string
	HealthPort   int
	MetricsPort  int

	Raft struct {
		NodeID   string
		BindAddr string
	}

	Retention struct {
		Interval        time.Duration
		BackfillInterval time.Duration
		GracePeriod     time.Duration
	}

	Session struct {
		JWTSecret        string
		MaxQueueDepth    int
		IdleExpiration   time.Duration
		CongestedExpiration time.Duration
	}

	Env struct {
		SealPassphrase string
	}

	Runtime struct {
		SystemTimeout time.Duration
		UserTimeout   time.Duration
		MaxOCCRetries int
	}

	Tracing struct {
		Enabled bool
	}
}

// Load reads configuration from (in ascending precedence) defaults, the
// file at path (if non-empty), and environment variables prefixed PULSE_.
// It uses its own viper instance, so flags bound to the global viper via
// viper.BindPFlag are not seen.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("pulse")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	cfg.DataDir = v.GetString("data_dir")
	cfg.BindAddr = v.GetString("bind_addr")
	cfg.HealthPort = v.GetInt("health_port")
	cfg.MetricsPort = v.GetInt("metrics_port")
	cfg.Raft.NodeID = v.GetString("raft.node_id")
	cfg.Raft.BindAddr = v.GetString("raft.bind_addr")
	cfg.Retention.Interval = v.GetDuration("retention.interval")
	cfg.Retention.BackfillInterval = v.GetDuration("retention.backfill_interval")
	cfg.Retention.GracePeriod = v.GetDuration("retention.grace_period")
	cfg.Session.JWTSecret = v.GetString("session.jwt_secret")
	cfg.Session.MaxQueueDepth = v.GetInt("session.max_queue_depth")
	cfg.Session.IdleExpiration = v.GetDuration("session.idle_expiration")
	cfg.Session.CongestedExpiration = v.GetDuration("session.congested_expiration")
	cfg.Runtime.SystemTimeout = v.GetDuration("runtime.system_timeout")
	cfg.Runtime.UserTimeout = v.GetDuration("runtime.user_timeout")
	cfg.Runtime.MaxOCCRetries = v.GetInt("runtime.max_occ_retries")
	cfg.Tracing.Enabled = v.GetBool("tracing.enabled")
	cfg.Env.SealPassphrase = v.GetString("env.seal_passphrase")

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("bind_addr", ":8080")
	v.SetDefault("health_port", 8081)
	v.SetDefault("metrics_port", 9090)
	v.SetDefault("raft.node_id", "node-1")
	v.SetDefault("raft.bind_addr", "127.0.0.1:7000")
	v.SetDefault("retention.interval", 10*time.Second)
	v.SetDefault("retention.backfill_interval", 5*time.Second)
	v.SetDefault("retention.grace_period", time.Minute)
	v.SetDefault("session.max_queue_depth", 128)
	v.SetDefault("session.idle_expiration", 5*time.Second)
	v.SetDefault("session.congested_expiration", 100*time.Millisecond)
	v.SetDefault("runtime.system_timeout", 30*time.Second)
	v.SetDefault("runtime.user_timeout", 10*time.Second)
	v.SetDefault("runtime.max_occ_retries", 3)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("env.seal_passphrase", "")
}
