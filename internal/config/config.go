// Package config loads searchd's daemon configuration: listener
// endpoints, mirror groups, persistent pool sizing, and the ambient
// logging/timeouts knobs, following the teacher's flag-plus-environment
// convention but sourced through viper so a config file, environment
// variables, and defaults all layer predictably.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sphinx-search/searchd-core/internal/dashboard"
	"github.com/sphinx-search/searchd-core/internal/wire"
)

// MirrorSpec describes one mirror entry before it is resolved into a
// dashboard.Mirror (which requires a constructed Dashboard).
type MirrorSpec struct {
	Host       string   `mapstructure:"host"`
	Indexes    []string `mapstructure:"indexes"`
	Blackhole  bool     `mapstructure:"blackhole"`
	Persistent bool     `mapstructure:"persistent"`
}

// GroupSpec describes one mirror group before its Dashboards are built.
type GroupSpec struct {
	Name     string             `mapstructure:"name"`
	Mirrors  []MirrorSpec       `mapstructure:"mirrors"`
	Strategy dashboard.Strategy `mapstructure:"strategy"`
	Retries  int                `mapstructure:"retries"`
}

// Config is the fully parsed daemon configuration.
type Config struct {
	Listeners []wire.Endpoint
	Groups    []GroupSpec

	ConnectTimeout      time.Duration
	QueryTimeout        time.Duration
	DelayBetweenRetries time.Duration
	MaxPacketSize       uint32

	PersistentPoolSize int

	MaxConcurrency int64

	LogLevel  string
	LogJSON   bool
	MetricsOn bool
}

// Defaults returns the baseline configuration, mirroring the teacher's
// DefaultServerConfig: every field has a sane value before flags,
// environment, or a config file override it.
func Defaults() Config {
	return Config{
		Listeners:           []wire.Endpoint{{Kind: wire.EndpointPortOnly, Port: int(wire.DefaultPortLegacyBinary), Protocol: wire.ProtoLegacyBinary}},
		ConnectTimeout:      1 * time.Second,
		QueryTimeout:        30 * time.Second,
		DelayBetweenRetries: 250 * time.Millisecond,
		MaxPacketSize:       8 << 20,
		PersistentPoolSize:  4,
		MaxConcurrency:      64,
		LogLevel:            "info",
		LogJSON:             false,
		MetricsOn:           true,
	}
}

// Source loads raw configuration key/value pairs from one origin (a
// file, environment variables, flags). Load composes sources in
// priority order, lowest first, so later sources override earlier ones
// — the same override discipline the teacher's LoadConfigFromFlags
// applies by hand with getEnv after flag.Parse.
type Source interface {
	Apply(v *viper.Viper) error
}

// ViperSource wraps an already-configured *viper.Viper (bound flags,
// env prefix, config file path) as a Source.
type ViperSource struct{ V *viper.Viper }

func (s ViperSource) Apply(v *viper.Viper) error {
	if err := v.MergeConfigMap(s.V.AllSettings()); err != nil {
		return fmt.Errorf("config: merge viper source: %w", err)
	}
	return nil
}

// Load builds the effective Config by layering defaults, then every
// source in order.
func Load(sources ...Source) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetEnvPrefix("SEARCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("connect_timeout", cfg.ConnectTimeout)
	v.SetDefault("query_timeout", cfg.QueryTimeout)
	v.SetDefault("delay_between_retries", cfg.DelayBetweenRetries)
	v.SetDefault("max_packet_size", cfg.MaxPacketSize)
	v.SetDefault("persistent_pool_size", cfg.PersistentPoolSize)
	v.SetDefault("max_concurrency", cfg.MaxConcurrency)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_json", cfg.LogJSON)
	v.SetDefault("metrics_on", cfg.MetricsOn)

	for _, src := range sources {
		if err := src.Apply(v); err != nil {
			return Config{}, err
		}
	}

	cfg.ConnectTimeout = v.GetDuration("connect_timeout")
	cfg.QueryTimeout = v.GetDuration("query_timeout")
	cfg.DelayBetweenRetries = v.GetDuration("delay_between_retries")
	cfg.MaxPacketSize = uint32(v.GetUint32("max_packet_size"))
	cfg.PersistentPoolSize = v.GetInt("persistent_pool_size")
	cfg.MaxConcurrency = int64(v.GetInt("max_concurrency"))
	cfg.LogLevel = v.GetString("log_level")
	cfg.LogJSON = v.GetBool("log_json")
	cfg.MetricsOn = v.GetBool("metrics_on")

	if listen := v.GetStringSlice("listen"); len(listen) > 0 {
		endpoints := make([]wire.Endpoint, 0, len(listen))
		for _, spec := range listen {
			ep, err := wire.ParseListener(spec)
			if err != nil {
				return Config{}, fmt.Errorf("config: %w", err)
			}
			endpoints = append(endpoints, ep)
		}
		cfg.Listeners = endpoints
	}

	var groups []GroupSpec
	if err := v.UnmarshalKey("groups", &groups); err != nil {
		return Config{}, fmt.Errorf("config: decode groups: %w", err)
	}
	for i := range groups {
		if groups[i].Strategy == "" {
			groups[i].Strategy = dashboard.StrategyRandom
		}
		if groups[i].Retries <= 0 {
			groups[i].Retries = 2
		}
	}
	cfg.Groups = groups

	return cfg, nil
}
