// Package config holds the runtime configuration for the realtime server.
// Values come from defaults, an optional YAML file, and RIPPLE_* environment
// variables, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Heartbeat controls server pings and the liveness timeout.
type Heartbeat struct {
	PingInterval    time.Duration `yaml:"ping_interval"`
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`
}

// Presence controls online/away/offline transitions.
type Presence struct {
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	OfflineGrace      time.Duration `yaml:"offline_grace"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

// RateLimit holds per-window ceilings and escalation settings.
type RateLimit struct {
	UserPerMinute       int           `yaml:"user_per_minute"`
	UserPerHour         int           `yaml:"user_per_hour"`
	SocketPerMinute     int           `yaml:"socket_per_minute"`
	IPPerMinute         int           `yaml:"ip_per_minute"`
	ViolationThreshold  int           `yaml:"violation_threshold"`
	ViolationPeriod     time.Duration `yaml:"violation_period"`
	BaseBlockDuration   time.Duration `yaml:"base_block_duration"`
	MaxBlockDuration    time.Duration `yaml:"max_block_duration"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	WhitelistedUsers    []string      `yaml:"whitelisted_users"`
	WhitelistedIPs      []string      `yaml:"whitelisted_ips"`
	HandshakesPerSecond float64       `yaml:"handshakes_per_second"`
	HandshakeBurst      int           `yaml:"handshake_burst"`
}

// Recovery controls missed-event buffering and reconnection matching.
type Recovery struct {
	MaxMissedEvents int           `yaml:"max_missed_events"`
	Retention       time.Duration `yaml:"retention"`
	ReconnectGrace  time.Duration `yaml:"reconnect_grace"`
	MaxTrackedUsers int           `yaml:"max_tracked_users"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// Config is the complete server configuration.
//
//nolint:govet // Field order follows the YAML layout
type Config struct {
	ListenAddr    string        `yaml:"listen_addr"`
	PublicKeyFile string        `yaml:"public_key_file"`
	Secret        string        `yaml:"secret"`
	PublishSecret string        `yaml:"publish_secret"`
	DatabaseURL   string        `yaml:"database_url"`
	AllowAllRooms bool          `yaml:"allow_all_rooms"`
	MaxConnsPerIP int           `yaml:"max_conns_per_ip"`
	MaxConnsTotal int           `yaml:"max_conns_total"`
	IdentityTTL   time.Duration `yaml:"identity_ttl"`
	Heartbeat     Heartbeat     `yaml:"heartbeat"`
	Presence      Presence      `yaml:"presence"`
	RateLimit     RateLimit     `yaml:"rate_limit"`
	Recovery      Recovery      `yaml:"recovery"`
}

// Default returns the configuration used when nothing else is specified.
func Default() *Config {
	return &Config{
		ListenAddr:    ":8080",
		MaxConnsPerIP: 20,
		MaxConnsTotal: 10000,
		IdentityTTL:   time.Minute,
		Heartbeat: Heartbeat{
			PingInterval:    25 * time.Second,
			LivenessTimeout: 60 * time.Second,
		},
		Presence: Presence{
			InactivityTimeout: 5 * time.Minute,
			OfflineGrace:      30 * time.Second,
			SweepInterval:     60 * time.Second,
		},
		RateLimit: RateLimit{
			UserPerMinute:       60,
			UserPerHour:         1000,
			SocketPerMinute:     120,
			IPPerMinute:         300,
			ViolationThreshold:  5,
			ViolationPeriod:     time.Hour,
			BaseBlockDuration:   time.Minute,
			MaxBlockDuration:    24 * time.Hour,
			CleanupInterval:     5 * time.Minute,
			HandshakesPerSecond: 5,
			HandshakeBurst:      10,
		},
		Recovery: Recovery{
			MaxMissedEvents: 10,
			Retention:       time.Hour,
			ReconnectGrace:  2 * time.Minute,
			MaxTrackedUsers: 50000,
			SweepInterval:   time.Minute,
		},
	}
}

// Load builds a configuration from defaults, the YAML file at path (if
// non-empty), a .env file in the working directory (if present), and the
// process environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// A missing .env is normal in production.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// applyEnv overrides fields from RIPPLE_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("RIPPLE_LISTEN_ADDR", &c.ListenAddr)
	str("RIPPLE_PUBLIC_KEY_FILE", &c.PublicKeyFile)
	str("RIPPLE_SECRET", &c.Secret)
	str("RIPPLE_PUBLISH_SECRET", &c.PublishSecret)
	str("RIPPLE_DATABASE_URL", &c.DatabaseURL)

	ints := map[string]*int{
		"RIPPLE_USER_PER_MINUTE":     &c.RateLimit.UserPerMinute,
		"RIPPLE_USER_PER_HOUR":       &c.RateLimit.UserPerHour,
		"RIPPLE_SOCKET_PER_MINUTE":   &c.RateLimit.SocketPerMinute,
		"RIPPLE_IP_PER_MINUTE":       &c.RateLimit.IPPerMinute,
		"RIPPLE_MAX_MISSED_EVENTS":   &c.Recovery.MaxMissedEvents,
		"RIPPLE_MAX_CONNS_PER_IP":    &c.MaxConnsPerIP,
		"RIPPLE_MAX_CONNS_TOTAL":     &c.MaxConnsTotal,
		"RIPPLE_VIOLATION_THRESHOLD": &c.RateLimit.ViolationThreshold,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"RIPPLE_PING_INTERVAL":      &c.Heartbeat.PingInterval,
		"RIPPLE_LIVENESS_TIMEOUT":   &c.Heartbeat.LivenessTimeout,
		"RIPPLE_OFFLINE_GRACE":      &c.Presence.OfflineGrace,
		"RIPPLE_INACTIVITY_TIMEOUT": &c.Presence.InactivityTimeout,
		"RIPPLE_RECONNECT_GRACE":    &c.Recovery.ReconnectGrace,
		"RIPPLE_RETENTION":          &c.Recovery.Retention,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	if v, ok := lookup("RIPPLE_ALLOW_ALL_ROOMS"); ok {
		c.AllowAllRooms = v == "true" || v == "1"
	}
	if v, ok := lookup("RIPPLE_WHITELISTED_USERS"); ok && v != "" {
		c.RateLimit.WhitelistedUsers = splitList(v)
	}
	if v, ok := lookup("RIPPLE_WHITELISTED_IPS"); ok && v != "" {
		c.RateLimit.WhitelistedIPs = splitList(v)
	}
	return nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch {
	case c.Heartbeat.PingInterval <= 0:
		return errors.New("heartbeat.ping_interval must be positive")
	case c.Heartbeat.LivenessTimeout <= c.Heartbeat.PingInterval:
		return errors.New("heartbeat.liveness_timeout must exceed ping_interval")
	case c.Presence.OfflineGrace < 0 || c.Presence.InactivityTimeout <= 0:
		return errors.New("presence timeouts must be positive")
	case c.RateLimit.UserPerMinute <= 0 || c.RateLimit.UserPerHour <= 0 ||
		c.RateLimit.SocketPerMinute <= 0 || c.RateLimit.IPPerMinute <= 0:
		return errors.New("rate_limit ceilings must be positive")
	case c.RateLimit.ViolationThreshold < 0:
		return errors.New("rate_limit.violation_threshold must not be negative")
	case c.RateLimit.BaseBlockDuration <= 0 || c.RateLimit.MaxBlockDuration < c.RateLimit.BaseBlockDuration:
		return errors.New("rate_limit block durations are inconsistent")
	case c.Recovery.MaxMissedEvents <= 0:
		return errors.New("recovery.max_missed_events must be positive")
	case c.Recovery.Retention <= 0 || c.Recovery.ReconnectGrace <= 0:
		return errors.New("recovery windows must be positive")
	case c.Presence.SweepInterval <= 0 || c.RateLimit.CleanupInterval <= 0 || c.Recovery.SweepInterval <= 0:
		return errors.New("sweep and cleanup intervals must be positive")
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
