package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Avicted/chorus/internal/chat"
	"github.com/Avicted/chorus/internal/config"
	"github.com/Avicted/chorus/internal/coordinator"
	"github.com/Avicted/chorus/internal/fabric"
	"github.com/Avicted/chorus/internal/httpapi"
	"github.com/Avicted/chorus/internal/logging"
	"github.com/Avicted/chorus/internal/securelog"
	"github.com/Avicted/chorus/internal/storage"
	"github.com/Avicted/chorus/internal/telemetry"
	"github.com/Avicted/chorus/internal/ws"
)

func main() {
	if err := run(); err != nil {
		securelog.Error("server.run", err)
		log.Printf("fatal: %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}

	fields := map[string]any{"role": string(cfg.Role)}
	if cfg.Role == config.RoleWorker {
		fields["worker"] = cfg.WorkerIndex
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat, fields)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTELEndpoint, "chorus", cfg.Origin())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	if cfg.Role == config.RolePrimary {
		return runPrimary(ctx, cfg, logger)
	}

	storeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	store, err := storage.Open(storeCtx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	if cfg.Role == config.RoleStandalone {
		if err := migrate(ctx, store); err != nil {
			_ = store.Close(context.Background())
			return err
		}
	}

	transport, err := newTransport(ctx, cfg)
	if err != nil {
		_ = store.Close(context.Background())
		return fmt.Errorf("init fabric: %w", err)
	}
	return serve(ctx, cfg, store, transport, logger)
}

func migrate(ctx context.Context, store storage.Store) error {
	migrateCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := store.Migrate(migrateCtx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// runPrimary prepares the schema, hosts the ipc relay when that fabric is
// selected, and supervises the worker pool until ctx is done.
func runPrimary(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	storeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	store, err := storage.Open(storeCtx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	err = migrate(ctx, store)
	_ = store.Close(context.Background())
	if err != nil {
		return err
	}

	var relayErr chan error
	if cfg.Fabric == config.FabricIPC {
		relay := fabric.NewRelay(cfg.IPCAddr, logging.Component(logger, "relay"))
		if err := relay.Listen(); err != nil {
			return fmt.Errorf("start relay: %w", err)
		}
		defer relay.Close()
		relayErr = make(chan error, 1)
		go func() { relayErr <- relay.Serve(ctx) }()
	}

	coord, err := coordinator.New(coordinator.Config{
		Workers:       cfg.Workers,
		Addr:          cfg.WorkerAddr,
		Env:           []string{"CHORUS_IPC_ADDR=" + cfg.IPCAddr},
		Respawn:       cfg.Respawn,
		RespawnDelay:  cfg.RespawnDelay,
		StatsInterval: cfg.StatsInterval,
	}, logging.Component(logger, "coordinator"))
	if err != nil {
		return fmt.Errorf("init coordinator: %w", err)
	}

	logger.Info().
		Int("workers", len(coord.Specs())).
		Str("fabric", string(cfg.Fabric)).
		Msg("primary started")
	if err := coord.Run(ctx); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	if relayErr != nil {
		if err := <-relayErr; err != nil {
			return fmt.Errorf("relay: %w", err)
		}
	}
	return nil
}

func newTransport(ctx context.Context, cfg config.Config) (fabric.Transport, error) {
	switch {
	case cfg.Role == config.RoleStandalone && cfg.Fabric == config.FabricIPC:
		return fabric.NopTransport{}, nil
	case cfg.Fabric == config.FabricIPC:
		return fabric.NewIPCTransport(cfg.IPCAddr, strconv.Itoa(cfg.WorkerIndex)), nil
	case cfg.Fabric == config.FabricPostgres:
		return fabric.NewPostgresTransport(ctx, cfg.DBURL, cfg.PGChannel)
	default:
		return fabric.NopTransport{}, nil
	}
}

// serve runs one worker: the fabric, the hub and the HTTP listener. It owns
// store and transport and closes both on return.
func serve(ctx context.Context, cfg config.Config, store storage.Store, transport fabric.Transport, logger zerolog.Logger) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(closeCtx)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fab := fabric.New(cfg.Origin(), transport, logging.Component(logger, "fabric"))
	service := chat.NewService(store.Messages(), fab)
	hub := ws.NewHub(service, ws.Options{
		RecoveryWindow: cfg.RecoveryWindow,
		MessageRate:    cfg.MessageRate,
		MessageBurst:   cfg.MessageBurst,
		MaxContent:     cfg.MaxContent,
	}, logging.Component(logger, "ws"))
	detach := fab.Attach(hub)
	defer detach()

	fabricDone := make(chan struct{})
	hubDone := make(chan struct{})
	go func() {
		defer close(fabricDone)
		_ = fab.Run(ctx)
	}()
	go func() {
		defer close(hubDone)
		hub.Run(ctx)
	}()
	defer func() {
		cancel()
		<-hubDone
		<-fabricDone
	}()

	if tc, ok := transport.(connectivity); ok {
		if !waitConnected(ctx, tc, transportWait) {
			logger.Warn().Dur("waited", transportWait).Msg("fabric transport not connected, serving local only until it is")
		}
	}

	mux := http.NewServeMux()
	httpapi.NewHandler(service, workerStatus{hub: hub, fab: fab}, cfg.WorkerIndex, cfg.MaxContent).Register(mux)
	mux.HandleFunc("/ws", hub.HandleWS)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
			logger.Info().Str("addr", cfg.ListenAddr).Msg("listening with TLS")
			errCh <- srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}
		logger.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	var err error
	select {
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		_ = srv.Shutdown(shutdownCtx)
		err = <-errCh
	case err = <-errCh:
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

const transportWait = 5 * time.Second

type connectivity interface {
	Connected() bool
}

// waitConnected holds the listener back until the fabric transport is up so
// a worker does not accept sessions it cannot fan out for.
func waitConnected(ctx context.Context, tc connectivity, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for !tc.Connected() {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
	return true
}

type workerStatus struct {
	hub *ws.Hub
	fab *fabric.Fabric
}

func (s workerStatus) ClientCount() int64  { return s.hub.ClientCount() }
func (s workerStatus) Stats() fabric.Stats { return s.fab.Stats() }
