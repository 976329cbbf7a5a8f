package coordinator

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

func (c *Coordinator) logStats(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for index, pid := range c.Running() {
				c.logWorkerStats(index, pid)
			}
		}
	}
}

func (c *Coordinator) logWorkerStats(index, pid int) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		c.logger.Debug().Int("worker", index).Err(err).Msg("worker stats unavailable")
		return
	}
	evt := c.logger.Info().Int("worker", index).Int("pid", pid)
	if percent, err := proc.CPUPercent(); err == nil {
		evt = evt.Float64("cpu_percent", percent)
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		evt = evt.Uint64("rss_bytes", mem.RSS)
	}
	evt.Msg("worker stats")
}
