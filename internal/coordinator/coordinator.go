// Package coordinator runs the worker process pool: one child per CPU, each
// on its own port, restarted when it dies.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shirou/gopsutil/v3/cpu"
)

var ErrNoWorkers = errors.New("worker count must not be negative")

const defaultStopTimeout = 10 * time.Second

type Spec struct {
	Index int
	Addr  string
}

type Config struct {
	// Workers is the pool size; zero means one per logical CPU.
	Workers int
	// Addr maps a worker index to its listen address.
	Addr         func(index int) string
	Executable   string
	Args         []string
	Env          []string
	Respawn      bool
	RespawnDelay time.Duration
	StopTimeout  time.Duration
	// StatsInterval enables periodic CPU and memory logging per worker.
	StatsInterval time.Duration
}

type Coordinator struct {
	cfg    Config
	logger zerolog.Logger

	mu   sync.Mutex
	pids map[int]int

	starts atomic.Int64
	exits  atomic.Int64
}

func New(cfg Config, logger zerolog.Logger) (*Coordinator, error) {
	if cfg.Workers < 0 {
		return nil, ErrNoWorkers
	}
	if cfg.Addr == nil {
		return nil, errors.New("worker address func is required")
	}
	if cfg.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		cfg.Executable = exe
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	return &Coordinator{cfg: cfg, logger: logger, pids: make(map[int]int)}, nil
}

// WorkerCount resolves a configured pool size, falling back to the number of
// logical CPUs.
func WorkerCount(configured int) int {
	if configured > 0 {
		return configured
	}
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		n = runtime.NumCPU()
	}
	return max(n, 1)
}

func (c *Coordinator) Specs() []Spec {
	return lo.Map(lo.Range(WorkerCount(c.cfg.Workers)), func(i int, _ int) Spec {
		return Spec{Index: i, Addr: c.cfg.Addr(i)}
	})
}

// Run starts every worker, reports readiness to systemd once each has been
// launched, and blocks until ctx is done and all children have exited.
func (c *Coordinator) Run(ctx context.Context) error {
	specs := c.Specs()

	var launched sync.WaitGroup
	var wg sync.WaitGroup
	for _, spec := range specs {
		launched.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.supervise(ctx, spec, launched.Done)
		}()
	}
	launched.Wait()

	c.logger.Info().Int("workers", len(specs)).Msg("worker pool started")
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		c.logger.Warn().Err(err).Msg("sd_notify ready failed")
	}

	if c.cfg.StatsInterval > 0 {
		go c.logStats(ctx)
	}

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	c.logger.Info().Msg("stopping worker pool")
	wg.Wait()
	return nil
}

func (c *Coordinator) supervise(ctx context.Context, spec Spec, launched func()) {
	logger := c.logger.With().Int("worker", spec.Index).Str("addr", spec.Addr).Logger()
	once := sync.OnceFunc(launched)
	defer once()

	for {
		cmd := c.command(ctx, spec, logger)
		err := cmd.Start()
		once()
		if err != nil {
			logger.Error().Err(err).Msg("worker failed to start")
		} else {
			c.starts.Add(1)
			pid := cmd.Process.Pid
			c.track(spec.Index, pid)
			logger.Info().Int("pid", pid).Msg("worker started")

			err = cmd.Wait()
			c.untrack(spec.Index)
			c.exits.Add(1)

			evt := logger.Warn()
			if ctx.Err() != nil {
				evt = logger.Info()
			}
			evt.Int("pid", pid).Int("exit_code", cmd.ProcessState.ExitCode()).AnErr("wait", err).Msg("worker exited")
		}

		if ctx.Err() != nil || !c.cfg.Respawn {
			return
		}
		timer := time.NewTimer(c.cfg.RespawnDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		logger.Info().Msg("respawning worker")
	}
}

func (c *Coordinator) command(ctx context.Context, spec Spec, logger zerolog.Logger) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.cfg.Executable, c.cfg.Args...)
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"CHORUS_ROLE=worker",
		"CHORUS_WORKER_INDEX="+strconv.Itoa(spec.Index),
		"CHORUS_LISTEN_ADDR="+spec.Addr,
	)
	cmd.Stdout = newLogWriter(logger, "stdout")
	cmd.Stderr = newLogWriter(logger, "stderr")
	cmd.WaitDelay = c.cfg.StopTimeout
	configureProcess(cmd)
	return cmd
}

func (c *Coordinator) track(index, pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pids[index] = pid
}

func (c *Coordinator) untrack(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pids, index)
}

// Running returns worker index to pid for every live child.
func (c *Coordinator) Running() map[int]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Assign(c.pids)
}

func (c *Coordinator) Starts() int64 { return c.starts.Load() }

func (c *Coordinator) Exits() int64 { return c.exits.Load() }
