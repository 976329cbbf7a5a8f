package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Role string

const (
	RolePrimary    Role = "primary"
	RoleWorker     Role = "worker"
	RoleStandalone Role = "standalone"
)

type FabricKind string

const (
	FabricIPC      FabricKind = "ipc"
	FabricPostgres FabricKind = "postgres"
	FabricNone     FabricKind = "none"
)

type Config struct {
	Role           Role          `env:"CHORUS_ROLE" envDefault:"primary"`
	Host           string        `env:"CHORUS_HOST"`
	BasePort       int           `env:"CHORUS_BASE_PORT" envDefault:"3000"`
	Workers        int           `env:"CHORUS_WORKERS" envDefault:"0"`
	WorkerIndex    int           `env:"CHORUS_WORKER_INDEX" envDefault:"0"`
	ListenAddr     string        `env:"CHORUS_LISTEN_ADDR"`
	DBURL          string        `env:"CHORUS_DB_URL" envDefault:"sqlite://chat.db"`
	Fabric         FabricKind    `env:"CHORUS_FABRIC" envDefault:"ipc"`
	IPCAddr        string        `env:"CHORUS_IPC_ADDR"`
	PGChannel      string        `env:"CHORUS_PG_CHANNEL" envDefault:"chorus_broadcast"`
	RecoveryWindow time.Duration `env:"CHORUS_RECOVERY_WINDOW" envDefault:"2m"`
	Respawn        bool          `env:"CHORUS_RESPAWN" envDefault:"true"`
	RespawnDelay   time.Duration `env:"CHORUS_RESPAWN_DELAY" envDefault:"1s"`
	StatsInterval  time.Duration `env:"CHORUS_STATS_INTERVAL" envDefault:"0s"`
	MessageRate    float64       `env:"CHORUS_MESSAGE_RATE" envDefault:"20"`
	MessageBurst   int           `env:"CHORUS_MESSAGE_BURST" envDefault:"40"`
	MaxContent     int           `env:"CHORUS_MAX_CONTENT" envDefault:"4096"`
	LogLevel       string        `env:"CHORUS_LOG_LEVEL" envDefault:"info"`
	LogFormat      string        `env:"CHORUS_LOG_FORMAT" envDefault:"json"`
	OTELEndpoint   string        `env:"CHORUS_OTEL_ENDPOINT"`
	TLSCertPath    string        `env:"CHORUS_TLS_CERT"`
	TLSKeyPath     string        `env:"CHORUS_TLS_KEY"`
}

// LoadFromEnv reads an optional dotenv file (CHORUS_ENV_FILE, default .env)
// and then parses the process environment.
func LoadFromEnv() (Config, error) {
	envFile := os.Getenv("CHORUS_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Role = Role(strings.ToLower(strings.TrimSpace(string(cfg.Role))))
	cfg.Fabric = FabricKind(strings.ToLower(strings.TrimSpace(string(cfg.Fabric))))

	if cfg.IPCAddr == "" {
		cfg.IPCAddr = DefaultIPCAddr()
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = cfg.WorkerAddr(cfg.WorkerIndex)
	}
	return cfg, nil
}

// WorkerAddr is the listen address of the worker with the given index.
func (c Config) WorkerAddr(index int) string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.BasePort+index))
}

// Origin identifies this process on the broadcast fabric.
func (c Config) Origin() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s/%d/%d", host, os.Getpid(), c.WorkerIndex)
}

func (c Config) Validate() error {
	switch c.Role {
	case RolePrimary, RoleWorker, RoleStandalone:
	default:
		return fmt.Errorf("unknown role %q", c.Role)
	}
	switch c.Fabric {
	case FabricIPC, FabricPostgres, FabricNone:
	default:
		return fmt.Errorf("unknown fabric %q", c.Fabric)
	}
	if c.DBURL == "" {
		return errors.New("db url is required")
	}
	if c.BasePort <= 0 || c.BasePort > 65535 {
		return errors.New("base port must be between 1 and 65535")
	}
	if c.Workers < 0 {
		return errors.New("workers must not be negative")
	}
	if c.WorkerIndex < 0 {
		return errors.New("worker index must not be negative")
	}
	if c.Role != RolePrimary && c.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if c.Fabric == FabricIPC && c.IPCAddr == "" {
		return errors.New("ipc addr is required for the ipc fabric")
	}
	if c.Fabric == FabricPostgres && !IsPostgresURL(c.DBURL) {
		return errors.New("postgres fabric requires a postgres db url")
	}
	if c.Fabric == FabricPostgres && c.PGChannel == "" {
		return errors.New("pg channel is required for the postgres fabric")
	}
	if c.RecoveryWindow < 0 {
		return errors.New("recovery window must not be negative")
	}
	if c.StatsInterval < 0 {
		return errors.New("stats interval must not be negative")
	}
	if c.MaxContent <= 0 {
		return errors.New("max content must be positive")
	}
	if c.MessageRate < 0 || c.MessageBurst < 0 {
		return errors.New("message rate and burst must not be negative")
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return errors.New("both tls cert and key are required when enabling tls")
	}
	return nil
}

func IsPostgresURL(u string) bool {
	return strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://")
}

func DefaultIPCAddr() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\chorus`
	}
	return filepath.Join(os.TempDir(), "chorus.sock")
}
