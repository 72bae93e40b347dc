package monitoring

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Stats accumulates traffic counters between collector ticks. Counters are
// atomic so the read/write pumps can bump them without coordination.
type Stats struct {
	MessagesSent     atomic.Int64
	MessagesReceived atomic.Int64
	BytesSent        atomic.Int64
	BytesReceived    atomic.Int64
}

// Snapshot is one collector observation, rates derived over the interval.
type Snapshot struct {
	Connections            int64
	MessagesSentPerSec     float64
	MessagesReceivedPerSec float64
	BytesSentPerSec        float64
	BytesReceivedPerSec    float64
	CPUPercent             float64
	MemoryBytes            uint64
	Taken                  time.Time
}

// ConnectionCounter reports the current live connection count.
type ConnectionCounter interface {
	ConnectionCount() int64
}

// Collector samples traffic rates and process resource usage on a fixed
// interval, logs them, and mirrors them into the Prometheus gauges.
type Collector struct {
	stats    *Stats
	conns    ConnectionCounter
	interval time.Duration
	logger   zerolog.Logger
	proc     *process.Process

	mu   sync.RWMutex
	last Snapshot
}

func NewCollector(stats *Stats, conns ConnectionCounter, interval time.Duration, logger zerolog.Logger) *Collector {
	c := &Collector{
		stats:    stats,
		conns:    conns,
		interval: interval,
		logger:   logger.With().Str("component", "collector").Logger(),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		c.proc = proc
	} else {
		c.logger.Warn().Err(err).Msg("Process stats unavailable")
	}
	return c
}

// Run samples until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Last returns the most recent snapshot.
func (c *Collector) Last() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func (c *Collector) collect() {
	secs := c.interval.Seconds()

	// Swap-and-reset so each tick reports rates for its own window only.
	snap := Snapshot{
		Connections:            c.conns.ConnectionCount(),
		MessagesSentPerSec:     float64(c.stats.MessagesSent.Swap(0)) / secs,
		MessagesReceivedPerSec: float64(c.stats.MessagesReceived.Swap(0)) / secs,
		BytesSentPerSec:        float64(c.stats.BytesSent.Swap(0)) / secs,
		BytesReceivedPerSec:    float64(c.stats.BytesReceived.Swap(0)) / secs,
		Taken:                  time.Now(),
	}

	if c.proc != nil {
		if cpu, err := c.proc.Percent(0); err == nil {
			snap.CPUPercent = cpu
			ProcessCPUPercent.Set(cpu)
		}
		if mem, err := c.proc.MemoryInfo(); err == nil {
			snap.MemoryBytes = mem.RSS
			ProcessMemoryBytes.Set(float64(mem.RSS))
		}
	}

	c.mu.Lock()
	c.last = snap
	c.mu.Unlock()

	c.logger.Info().
		Int64("connections", snap.Connections).
		Float64("msgs_sent_per_sec", snap.MessagesSentPerSec).
		Float64("msgs_recv_per_sec", snap.MessagesReceivedPerSec).
		Float64("bytes_sent_per_sec", snap.BytesSentPerSec).
		Float64("bytes_recv_per_sec", snap.BytesReceivedPerSec).
		Float64("cpu_percent", snap.CPUPercent).
		Uint64("memory_bytes", snap.MemoryBytes).
		Msg("Server stats")
}
