package config_test

import (
	"os"
	"strings"
	"testing"

	"github.com/tripwire/ftrace/internal/config"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
filter_spec: "main;foo@depth=3"
arg_spec: "foo@arg1/i32"
log_level: debug
buffer:
  ring_size: 262144
  stack_cap: 2048
control:
  http_addr: "127.0.0.1:9090"
  jwt_public_key_path: "/etc/ftrace/control.pub"
network:
  addr: "collector.example.com:9999"
`

func TestLoadConfigValid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.FilterSpec != "main;foo@depth=3" {
		t.Errorf("FilterSpec = %q", cfg.FilterSpec)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Buffer.RingSize != 262144 {
		t.Errorf("Buffer.RingSize = %d, want 262144", cfg.Buffer.RingSize)
	}
	if cfg.Buffer.StackCap != 2048 {
		t.Errorf("Buffer.StackCap = %d, want 2048", cfg.Buffer.StackCap)
	}
	if cfg.Control.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("Control.HTTPAddr = %q", cfg.Control.HTTPAddr)
	}
	if cfg.Network.Addr != "collector.example.com:9999" {
		t.Errorf("Network.Addr = %q", cfg.Network.Addr)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTemp(t, `filter_spec: "main"`)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Buffer.RingSize != 128*1024 {
		t.Errorf("default RingSize = %d, want %d", cfg.Buffer.RingSize, 128*1024)
	}
	if cfg.Buffer.StackCap != 1024 {
		t.Errorf("default StackCap = %d, want 1024", cfg.Buffer.StackCap)
	}
}

func TestLoadConfigInvalidLogLevel(t *testing.T) {
	path := writeTemp(t, `log_level: "verbose"`)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoadConfigNonPowerOfTwoRingSize(t *testing.T) {
	path := writeTemp(t, "buffer:\n  ring_size: 100000\n")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for non-power-of-two ring_size")
	}
	if !strings.Contains(err.Error(), "ring_size") {
		t.Errorf("error %q does not mention ring_size", err.Error())
	}
}

func TestLoadConfigControlRequiresJWTKey(t *testing.T) {
	path := writeTemp(t, "control:\n  http_addr: \"127.0.0.1:9090\"\n")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error when control.http_addr is set without jwt_public_key_path")
	}
	if !strings.Contains(err.Error(), "jwt_public_key_path") {
		t.Errorf("error %q does not mention jwt_public_key_path", err.Error())
	}
}

func TestLoadConfigFileNotFound(t *testing.T) {
	_, err := config.LoadConfig("/nonexistent/path.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	path := writeTemp(t, validYAML)

	t.Setenv("TripwireFTRACE_FILTER", "bar")
	t.Setenv("TripwireFTRACE_TRIGGER", "baz@depth=1")
	t.Setenv("TripwireFTRACE_ARGSPEC", "bar@arg1/s")
	t.Setenv("TripwireFTRACE_RETSPEC", "bar@retval/i64")
	t.Setenv("TripwireFTRACE_BUFFER_SIZE", "65536")
	t.Setenv("TripwireFTRACE_DEBUG_DOMAIN", "0x3")
	t.Setenv("TripwireFTRACE_DISABLE_AT_START", "true")
	t.Setenv("TripwireFTRACE_CONTROL_ADDR", "127.0.0.1:1111")
	t.Setenv("TripwireFTRACE_NETWORK_ADDR", "override.example.com:1")
	t.Setenv("TripwireFTRACE_POSTGRES_DSN", "postgres://override")

	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.FilterSpec != "bar;baz@depth=1" {
		t.Errorf("FilterSpec = %q, want env filter+trigger joined", cfg.FilterSpec)
	}
	if cfg.ArgSpec != "bar@arg1/s" {
		t.Errorf("ArgSpec = %q", cfg.ArgSpec)
	}
	if cfg.RetSpec != "bar@retval/i64" {
		t.Errorf("RetSpec = %q", cfg.RetSpec)
	}
	if cfg.Buffer.RingSize != 65536 {
		t.Errorf("Buffer.RingSize = %d, want 65536", cfg.Buffer.RingSize)
	}
	if cfg.DebugDomain != 0x3 {
		t.Errorf("DebugDomain = %#x, want 0x3", cfg.DebugDomain)
	}
	if !cfg.DisableAtStart {
		t.Error("DisableAtStart = false, want true")
	}
	if cfg.Control.HTTPAddr != "127.0.0.1:1111" {
		t.Errorf("Control.HTTPAddr = %q, want env override", cfg.Control.HTTPAddr)
	}
	if cfg.Network.Addr != "override.example.com:1" {
		t.Errorf("Network.Addr = %q, want env override", cfg.Network.Addr)
	}
	if cfg.PostgresDSN != "postgres://override" {
		t.Errorf("PostgresDSN = %q, want env override", cfg.PostgresDSN)
	}
}

func TestDefaultMatchesLoadConfigDefaults(t *testing.T) {
	d := config.Default()
	if d.LogLevel != "info" || d.Buffer.RingSize != 128*1024 || d.Buffer.StackCap != 1024 {
		t.Errorf("Default() = %+v", d)
	}
}
