// Package config provides YAML configuration loading and validation for
// the ftrace session controller: the optional defaults file
// (TripwireFTRACE_CONFIG) layered under the environment variables of §6,
// which always win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the top-level session-defaults structure loaded from the
// optional YAML file.
type Config struct {
	// FilterSpec is the default filter/trigger spec string, overridden by
	// the filter-spec environment variable when set.
	FilterSpec string `yaml:"filter_spec"`

	// ArgSpec and RetSpec are the default argument/return-value capture
	// specs.
	ArgSpec string `yaml:"arg_spec"`
	RetSpec string `yaml:"ret_spec"`

	// Buffer holds the default ring and stack sizing.
	Buffer BufferConfig `yaml:"buffer"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// Control holds the optional trace control API / remote control plane
	// settings.
	Control ControlConfig `yaml:"control"`

	// Network holds the optional network sink settings.
	Network NetworkConfig `yaml:"network"`

	// PostgresDSN is an optional connection string for the trace database
	// sidecar. Empty disables the sidecar.
	PostgresDSN string `yaml:"postgres_dsn"`

	// DebugDomain is the debug-domain bitmask controlling which internal
	// subsystems emit debug-level trace of themselves (ptrace, patcher,
	// filter, ring). 0 disables all of them.
	DebugDomain uint32 `yaml:"debug_domain"`

	// DisableAtStart mirrors uftrace's disable-at-start flag: the session
	// is armed and traced, but recording stays off until an `enable`
	// trigger or the trace control API's POST /v1/enable flips it.
	DisableAtStart bool `yaml:"disable_at_start"`
}

// BufferConfig holds default sizing for per-thread rings and shadow
// stacks.
type BufferConfig struct {
	// RingSize is the per-thread ring buffer size in bytes; must be a
	// power of two. Defaults to 131072 (128 KiB) when omitted.
	RingSize int `yaml:"ring_size"`

	// StackCap is the maximum shadow-stack depth. Defaults to 1024 when
	// omitted.
	StackCap int `yaml:"stack_cap"`
}

// ControlConfig holds the trace control API and remote control plane
// settings.
type ControlConfig struct {
	// HTTPAddr is the listen address for the chi-routed control API.
	// Empty disables the control API.
	HTTPAddr string `yaml:"http_addr"`

	// JWTPublicKeyPath is the PEM path used to verify RS256 bearer tokens
	// on every /v1 control route. Required when HTTPAddr is set.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`

	// GRPCAddr is the listen address for the tracepb.TraceControl gRPC
	// service. Empty disables the remote control plane.
	GRPCAddr string `yaml:"grpc_addr"`
}

// NetworkConfig holds the network sink's settings.
type NetworkConfig struct {
	// Addr is the remote collector's TCP address. Empty disables the
	// network sink entirely (records stay local to *.dat files).
	Addr string `yaml:"addr"`

	// QueuePath is the path to the local durable-delivery SQLite database.
	// Defaults to "<output dir>/netqueue.db" when omitted but Addr is set.
	QueuePath string `yaml:"queue_path"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

const (
	defaultRingSize = 128 * 1024
	defaultStackCap = 1024
)

// LoadConfig reads the YAML file at path, unmarshals it into Config,
// applies defaults, and validates all fields. It returns a typed error
// describing every validation failure encountered, not just the first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// Default returns the zero-file defaults, for use when
// TripwireFTRACE_CONFIG is unset.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg
}

// applyEnvOverrides layers the §6 environment variables on top of the
// YAML-loaded (or zero-value default) config. It runs after applyDefaults
// so every env var, when set, always wins over both the YAML file and the
// built-in defaults, per SPEC_FULL's config-layering rule. Unset variables
// leave the existing value untouched.
func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("TripwireFTRACE_FILTER"); ok {
		cfg.FilterSpec = v
	}
	if v, ok := os.LookupEnv("TripwireFTRACE_TRIGGER"); ok && v != "" {
		if cfg.FilterSpec == "" {
			cfg.FilterSpec = v
		} else {
			cfg.FilterSpec = cfg.FilterSpec + ";" + v
		}
	}
	if v, ok := os.LookupEnv("TripwireFTRACE_ARGSPEC"); ok {
		cfg.ArgSpec = v
	}
	if v, ok := os.LookupEnv("TripwireFTRACE_RETSPEC"); ok {
		cfg.RetSpec = v
	}
	if v, ok := os.LookupEnv("TripwireFTRACE_BUFFER_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Buffer.RingSize = n
		}
	}
	if v, ok := os.LookupEnv("TripwireFTRACE_DEBUG_DOMAIN"); ok {
		if n, err := strconv.ParseUint(v, 0, 32); err == nil {
			cfg.DebugDomain = uint32(n)
		}
	}
	if v, ok := os.LookupEnv("TripwireFTRACE_DISABLE_AT_START"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DisableAtStart = b
		}
	}
	if v, ok := os.LookupEnv("TripwireFTRACE_CONTROL_ADDR"); ok {
		cfg.Control.HTTPAddr = v
	}
	if v, ok := os.LookupEnv("TripwireFTRACE_CONTROL_JWT_PUBKEY"); ok {
		cfg.Control.JWTPublicKeyPath = v
	}
	if v, ok := os.LookupEnv("TripwireFTRACE_NETWORK_ADDR"); ok {
		cfg.Network.Addr = v
	}
	if v, ok := os.LookupEnv("TripwireFTRACE_NETWORK_QUEUE"); ok {
		cfg.Network.QueuePath = v
	}
	if v, ok := os.LookupEnv("TripwireFTRACE_POSTGRES_DSN"); ok {
		cfg.PostgresDSN = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Buffer.RingSize == 0 {
		cfg.Buffer.RingSize = defaultRingSize
	}
	if cfg.Buffer.StackCap == 0 {
		cfg.Buffer.StackCap = defaultStackCap
	}
}

func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Buffer.RingSize <= 0 || cfg.Buffer.RingSize&(cfg.Buffer.RingSize-1) != 0 {
		errs = append(errs, fmt.Errorf("buffer.ring_size %d must be a positive power of two", cfg.Buffer.RingSize))
	}
	if cfg.Buffer.StackCap <= 0 {
		errs = append(errs, fmt.Errorf("buffer.stack_cap %d must be positive", cfg.Buffer.StackCap))
	}
	if cfg.Control.HTTPAddr != "" && cfg.Control.JWTPublicKeyPath == "" {
		errs = append(errs, errors.New("control.jwt_public_key_path is required when control.http_addr is set"))
	}

	return errors.Join(errs...)
}
