// Package health runs periodic dependency probes: the user database and
// the document root. Results feed the ops API and the probe gauge.
package health

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"time"

	"log/slog"

	"github.com/emberweb/emberweb/internal/config"
	"github.com/emberweb/emberweb/internal/metrics"
)

// Probe names.
const (
	ProbeDatabase = "database"
	ProbeDocRoot  = "docroot"
)

// Status represents the health status of a probe.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// ProbeHealth holds the latest result for one probe.
type ProbeHealth struct {
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Checker performs the periodic probes. A nil db disables the database
// probe (static-only deployments).
type Checker struct {
	mu     sync.RWMutex
	probes map[string]*ProbeHealth

	db      *sql.DB
	docRoot string
	metrics *metrics.Collector

	interval         time.Duration
	failureThreshold int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a checker over the given dependencies.
func NewChecker(db *sql.DB, docRoot string, cfg config.HealthConfig, m *metrics.Collector) *Checker {
	return &Checker{
		probes:           make(map[string]*ProbeHealth),
		db:               db,
		docRoot:          docRoot,
		metrics:          m,
		interval:         cfg.Interval,
		failureThreshold: cfg.FailureThreshold,
		stopCh:           make(chan struct{}),
	}
}

// Start begins periodic health checking.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "interval", c.interval, "threshold", c.failureThreshold)
}

// Stop stops the health checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	// Run immediately on start
	c.checkAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) checkAll() {
	c.updateStatus(ProbeDocRoot, c.checkDocRoot())
	if c.db != nil {
		c.updateStatus(ProbeDatabase, c.checkDatabase())
	}
}

func (c *Checker) checkDocRoot() error {
	info, err := os.Stat(c.docRoot)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return &os.PathError{Op: "stat", Path: c.docRoot, Err: os.ErrInvalid}
	}
	return nil
}

func (c *Checker) checkDatabase() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return c.db.PingContext(ctx)
}

func (c *Checker) updateStatus(probe string, err error) {
	c.mu.Lock()
	h, ok := c.probes[probe]
	if !ok {
		h = &ProbeHealth{}
		c.probes[probe] = h
	}
	h.LastCheck = time.Now()
	if err != nil {
		h.ConsecutiveFailures++
		h.LastError = err.Error()
		if h.ConsecutiveFailures >= c.failureThreshold {
			if h.Status != StatusUnhealthy {
				slog.Warn("probe unhealthy", "probe", probe, "failures", h.ConsecutiveFailures, "err", err)
			}
			h.Status = StatusUnhealthy
		}
	} else {
		if h.Status == StatusUnhealthy {
			slog.Info("probe recovered", "probe", probe)
		}
		h.ConsecutiveFailures = 0
		h.LastError = ""
		h.Status = StatusHealthy
	}
	status := h.Status
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetProbeHealth(probe, status == StatusHealthy)
	}
}

// GetStatus returns the latest result for one probe.
func (c *Checker) GetStatus(probe string) ProbeHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if h, ok := c.probes[probe]; ok {
		return *h
	}
	return ProbeHealth{Status: StatusUnknown}
}

// GetAllStatuses returns a copy of every probe result.
func (c *Checker) GetAllStatuses() map[string]ProbeHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]ProbeHealth, len(c.probes))
	for k, v := range c.probes {
		out[k] = *v
	}
	return out
}

// OverallHealthy reports whether no probe is currently unhealthy.
func (c *Checker) OverallHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, h := range c.probes {
		if h.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}
