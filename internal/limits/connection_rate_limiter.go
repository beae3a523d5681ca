// Package limits enforces connection-admission policy: how fast new
// connections may arrive (ConnectionRateLimiter) and whether the
// process has the headroom to accept another one right now
// (ResourceGuard). Both are static, configured limits — neither
// auto-tunes from measurements.
package limits

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ConnectionRateLimiterConfig configures both the per-remote-address
// and global token buckets.
type ConnectionRateLimiterConfig struct {
	IPBurst int
	IPRate  float64
	IPTTL   time.Duration

	GlobalBurst int
	GlobalRate  float64
}

func (c *ConnectionRateLimiterConfig) applyDefaults() {
	if c.IPBurst == 0 {
		c.IPBurst = 10
	}
	if c.IPRate == 0 {
		c.IPRate = 1.0
	}
	if c.IPTTL == 0 {
		c.IPTTL = 5 * time.Minute
	}
	if c.GlobalBurst == 0 {
		c.GlobalBurst = 300
	}
	if c.GlobalRate == 0 {
		c.GlobalRate = 50.0
	}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiter admits or rejects a new connection attempt
// based on its remote address, protecting the accept loop from a
// single flooding client and the process as a whole from a
// distributed one.
type ConnectionRateLimiter struct {
	cfg ConnectionRateLimiterConfig

	ipMu       sync.RWMutex
	ipLimiters map[string]*ipLimiterEntry

	globalLimiter *rate.Limiter

	logger *zap.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

func NewConnectionRateLimiter(cfg ConnectionRateLimiterConfig, logger *zap.Logger) *ConnectionRateLimiter {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &ConnectionRateLimiter{
		cfg:           cfg,
		ipLimiters:    make(map[string]*ipLimiterEntry),
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:        logger,
		cleanupTicker: time.NewTicker(time.Minute),
		stopCleanup:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection attempt from remoteAddr may
// proceed. The global bucket is checked first so a single hot IP
// can't starve the map lookup path under load.
func (l *ConnectionRateLimiter) Allow(remoteAddr string) bool {
	if !l.globalLimiter.Allow() {
		l.logger.Debug("connection rejected: global rate limit exceeded", zap.String("remoteAddr", remoteAddr))
		return false
	}

	if !l.ipLimiterFor(remoteAddr).Allow() {
		l.logger.Debug("connection rejected: per-address rate limit exceeded", zap.String("remoteAddr", remoteAddr))
		return false
	}

	return true
}

func (l *ConnectionRateLimiter) ipLimiterFor(addr string) *rate.Limiter {
	l.ipMu.RLock()
	entry, ok := l.ipLimiters[addr]
	l.ipMu.RUnlock()
	if ok {
		l.ipMu.Lock()
		entry.lastAccess = time.Now()
		l.ipMu.Unlock()
		return entry.limiter
	}

	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	if entry, ok = l.ipLimiters[addr]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(l.cfg.IPRate), l.cfg.IPBurst)
	l.ipLimiters[addr] = &ipLimiterEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (l *ConnectionRateLimiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanup()
		case <-l.stopCleanup:
			l.cleanupTicker.Stop()
			return
		}
	}
}

func (l *ConnectionRateLimiter) cleanup() {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	now := time.Now()
	for addr, entry := range l.ipLimiters {
		if now.Sub(entry.lastAccess) > l.cfg.IPTTL {
			delete(l.ipLimiters, addr)
		}
	}
}

// Stop ends the background cleanup goroutine. Safe to call more than
// once.
func (l *ConnectionRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

func (l *ConnectionRateLimiter) TrackedAddresses() int {
	l.ipMu.RLock()
	defer l.ipMu.RUnlock()
	return len(l.ipLimiters)
}
