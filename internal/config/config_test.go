package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CHORUS_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func TestLoadFromEnvDefaults(t *testing.T) {
	isolateEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Role != RolePrimary {
		t.Fatalf("Role = %q, want %q", cfg.Role, RolePrimary)
	}
	if cfg.Fabric != FabricIPC {
		t.Fatalf("Fabric = %q, want %q", cfg.Fabric, FabricIPC)
	}
	if cfg.BasePort != 3000 {
		t.Fatalf("BasePort = %d, want 3000", cfg.BasePort)
	}
	if cfg.ListenAddr != ":3000" {
		t.Fatalf("ListenAddr = %q, want %q", cfg.ListenAddr, ":3000")
	}
	if cfg.RecoveryWindow != 2*time.Minute {
		t.Fatalf("RecoveryWindow = %v, want 2m", cfg.RecoveryWindow)
	}
	if !cfg.Respawn {
		t.Fatal("expected respawn enabled by default")
	}
	if cfg.IPCAddr == "" {
		t.Fatal("expected default ipc addr")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestLoadFromEnvWorker(t *testing.T) {
	isolateEnv(t)
	t.Setenv("CHORUS_ROLE", "Worker")
	t.Setenv("CHORUS_HOST", "127.0.0.1")
	t.Setenv("CHORUS_BASE_PORT", "4000")
	t.Setenv("CHORUS_WORKER_INDEX", "3")
	t.Setenv("CHORUS_DB_URL", "postgres://user@localhost/db")
	t.Setenv("CHORUS_FABRIC", "postgres")
	t.Setenv("CHORUS_RECOVERY_WINDOW", "30s")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Role != RoleWorker {
		t.Fatalf("Role = %q", cfg.Role)
	}
	if cfg.ListenAddr != "127.0.0.1:4003" {
		t.Fatalf("ListenAddr = %q, want 127.0.0.1:4003", cfg.ListenAddr)
	}
	if cfg.RecoveryWindow != 30*time.Second {
		t.Fatalf("RecoveryWindow = %v", cfg.RecoveryWindow)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestLoadFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("CHORUS_WORKERS=4\nCHORUS_LOG_LEVEL=debug\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("CHORUS_ENV_FILE", path)
	t.Setenv("CHORUS_WORKERS", "")
	t.Setenv("CHORUS_LOG_LEVEL", "")
	os.Unsetenv("CHORUS_WORKERS")
	os.Unsetenv("CHORUS_LOG_LEVEL")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Workers != 4 {
		t.Fatalf("Workers = %d, want 4", cfg.Workers)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadFromEnvInvalidNumber(t *testing.T) {
	isolateEnv(t)
	t.Setenv("CHORUS_BASE_PORT", "not-a-port")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected parse error")
	}
}

func validConfig() Config {
	return Config{
		Role:         RoleWorker,
		BasePort:     3000,
		ListenAddr:   ":3000",
		DBURL:        "sqlite://chat.db",
		Fabric:       FabricIPC,
		IPCAddr:      "/tmp/chorus.sock",
		PGChannel:    "chorus_broadcast",
		MaxContent:   4096,
		MessageRate:  10,
		MessageBurst: 10,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown role", func(c *Config) { c.Role = "boss" }, "unknown role"},
		{"unknown fabric", func(c *Config) { c.Fabric = "carrier-pigeon" }, "unknown fabric"},
		{"missing db", func(c *Config) { c.DBURL = "" }, "db url is required"},
		{"bad port", func(c *Config) { c.BasePort = 70000 }, "base port"},
		{"negative workers", func(c *Config) { c.Workers = -1 }, "workers"},
		{"missing listen", func(c *Config) { c.ListenAddr = "" }, "listen addr"},
		{"primary without listen", func(c *Config) { c.Role = RolePrimary; c.ListenAddr = "" }, ""},
		{"missing ipc", func(c *Config) { c.IPCAddr = "" }, "ipc addr"},
		{"postgres fabric on sqlite", func(c *Config) { c.Fabric = FabricPostgres }, "postgres db url"},
		{"postgres fabric", func(c *Config) { c.Fabric = FabricPostgres; c.DBURL = "postgresql://db" }, ""},
		{"max content", func(c *Config) { c.MaxContent = 0 }, "max content"},
		{"negative stats interval", func(c *Config) { c.StatsInterval = -time.Second }, "stats interval"},
		{"tls half", func(c *Config) { c.TLSCertPath = "/tmp/cert.pem" }, "tls"},
		{"tls both", func(c *Config) { c.TLSCertPath = "/tmp/cert.pem"; c.TLSKeyPath = "/tmp/key.pem" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestWorkerAddr(t *testing.T) {
	cfg := Config{Host: "localhost", BasePort: 3000}
	if got := cfg.WorkerAddr(2); got != "localhost:3002" {
		t.Fatalf("WorkerAddr(2) = %q", got)
	}
}

func TestOriginIncludesWorkerIndex(t *testing.T) {
	cfg := Config{WorkerIndex: 7}
	if !strings.HasSuffix(cfg.Origin(), "/7") {
		t.Fatalf("Origin() = %q, want suffix /7", cfg.Origin())
	}
}
