package limits

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// ResourceGuardConfig is the static admission policy: hard ceilings,
// never auto-tuned from what's measured.
type ResourceGuardConfig struct {
	MaxConnections     int
	MaxGoroutines      int
	CPURejectPercent   float64 // reject new connections above this host CPU usage
	MemoryRejectBytes  int64   // reject new connections above this much host memory in use
	SampleInterval     time.Duration
}

func (c *ResourceGuardConfig) applyDefaults() {
	if c.MaxConnections == 0 {
		c.MaxConnections = 10000
	}
	if c.MaxGoroutines == 0 {
		c.MaxGoroutines = 50000
	}
	if c.CPURejectPercent == 0 {
		c.CPURejectPercent = 90.0
	}
	if c.SampleInterval == 0 {
		c.SampleInterval = 15 * time.Second
	}
}

// goroutineLimiter is a counting semaphore bounding how many
// concurrent per-connection goroutines the server may run.
type goroutineLimiter struct {
	sem chan struct{}
}

func newGoroutineLimiter(max int) *goroutineLimiter {
	return &goroutineLimiter{sem: make(chan struct{}, max)}
}

func (g *goroutineLimiter) acquire() bool {
	select {
	case g.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (g *goroutineLimiter) release() { <-g.sem }
func (g *goroutineLimiter) current() int { return len(g.sem) }

// ResourceGuard gates connection admission on live CPU/memory
// headroom and a goroutine ceiling, sampled periodically rather than
// per-request.
type ResourceGuard struct {
	cfg    ResourceGuardConfig
	logger *zap.Logger

	goroutines   *goroutineLimiter
	currentConns *int64

	currentCPUPercent atomic.Value // float64
	currentMemoryRSS  atomic.Value // int64
}

func NewResourceGuard(cfg ResourceGuardConfig, logger *zap.Logger, currentConns *int64) *ResourceGuard {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &ResourceGuard{
		cfg:          cfg,
		logger:       logger,
		goroutines:   newGoroutineLimiter(cfg.MaxGoroutines),
		currentConns: currentConns,
	}
	g.currentCPUPercent.Store(0.0)
	g.currentMemoryRSS.Store(int64(0))
	return g
}

// ShouldAcceptConnection reports whether a new connection may be
// admitted right now, and a human-readable reason when it may not.
func (g *ResourceGuard) ShouldAcceptConnection() (bool, string) {
	conns := atomic.LoadInt64(g.currentConns)
	if conns >= int64(g.cfg.MaxConnections) {
		return false, fmt.Sprintf("at max connections (%d)", g.cfg.MaxConnections)
	}

	cpuPercent := g.currentCPUPercent.Load().(float64)
	if cpuPercent > g.cfg.CPURejectPercent {
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", cpuPercent, g.cfg.CPURejectPercent)
	}

	if g.cfg.MemoryRejectBytes > 0 {
		rss := g.currentMemoryRSS.Load().(int64)
		if rss > g.cfg.MemoryRejectBytes {
			return false, "memory limit exceeded"
		}
	}

	if goros := runtime.NumGoroutine(); goros > g.cfg.MaxGoroutines {
		return false, fmt.Sprintf("goroutine limit exceeded (%d > %d)", goros, g.cfg.MaxGoroutines)
	}

	return true, "OK"
}

// AcquireGoroutine reserves a slot for a new per-connection goroutine.
// Callers that get false must not start the goroutine. Every true
// result must be paired with ReleaseGoroutine.
func (g *ResourceGuard) AcquireGoroutine() bool {
	acquired := g.goroutines.acquire()
	if !acquired {
		g.logger.Warn("goroutine limit reached", zap.Int("current", g.goroutines.current()), zap.Int("max", g.cfg.MaxGoroutines))
	}
	return acquired
}

func (g *ResourceGuard) ReleaseGoroutine() { g.goroutines.release() }

// sample refreshes the guard's view of host CPU usage and host memory
// in use (mem.VirtualMemory's Used). gopsutil's cpu.Percent with a zero interval returns the
// usage since its last call, making repeated short-interval sampling
// cheap.
func (g *ResourceGuard) sample() {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		g.currentCPUPercent.Store(percents[0])
	} else if err != nil {
		g.logger.Debug("sample cpu percent", zap.Error(err))
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		g.currentMemoryRSS.Store(int64(vm.Used))
	} else {
		g.logger.Debug("sample virtual memory", zap.Error(err))
	}
}

// StartMonitoring samples resource usage every cfg.SampleInterval
// until ctx is cancelled.
func (g *ResourceGuard) StartMonitoring(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SampleInterval)
	go func() {
		defer ticker.Stop()
		g.sample()
		for {
			select {
			case <-ticker.C:
				g.sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (g *ResourceGuard) Stats() map[string]any {
	return map[string]any{
		"maxConnections":    g.cfg.MaxConnections,
		"currentConns":      atomic.LoadInt64(g.currentConns),
		"cpuPercent":        g.currentCPUPercent.Load().(float64),
		"cpuRejectPercent":  g.cfg.CPURejectPercent,
		"memoryRSSBytes":    g.currentMemoryRSS.Load().(int64),
		"goroutinesCurrent": runtime.NumGoroutine(),
		"goroutinesMax":     g.cfg.MaxGoroutines,
	}
}
