// Package worker runs the fixed set of goroutines that consume ready
// connections off a bounded FIFO. Workers never touch readiness
// registration: the connection re-arms itself when it needs more I/O.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emberweb/emberweb/internal/metrics"
	"github.com/emberweb/emberweb/internal/store"
)

// Conn is the slice of connection behavior a worker needs: run the HTTP
// state machine over buffered input and report how the request ended.
type Conn interface {
	Process(reg store.Registrar) int // returns the HTTP status, 0 when no response was prepared
}

// Pool is the bounded work queue plus its consumers. The queue is a
// buffered channel, so its length and capacity are exactly the specified
// FIFO count and bound.
type Pool struct {
	queue   chan Conn
	workers int
	dbPool  *store.Pool // nil when no database is configured
	metrics *metrics.Collector

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a pool of workers draining a queue of the given depth.
func New(workers, queueDepth int, dbPool *store.Pool, m *metrics.Collector) *Pool {
	return &Pool{
		queue:   make(chan Conn, queueDepth),
		workers: workers,
		dbPool:  dbPool,
		metrics: m,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run()
		}()
	}
	slog.Info("worker pool started", "workers", p.workers, "queue_depth", cap(p.queue))
}

// TryPush enqueues a ready connection without blocking the caller. It
// returns false when the queue is full, leaving overload handling to the
// reactor.
func (p *Pool) TryPush(c Conn) bool {
	select {
	case p.queue <- c:
		return true
	default:
		return false
	}
}

// Depth returns the number of queued connections.
func (p *Pool) Depth() int {
	return len(p.queue)
}

// Stop wakes every worker and joins them. Connections still queued are
// abandoned; the reactor closes their sockets during teardown.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
	slog.Info("worker pool stopped")
}

func (p *Pool) run() {
	for {
		select {
		case <-p.stopCh:
			return
		case c := <-p.queue:
			p.serve(c)
		}
	}
}

// serve borrows a database handle for the duration of one parse-and-respond
// pass. The scoped release runs on every exit path, panics included.
func (p *Pool) serve(c Conn) {
	start := time.Now()
	var status int

	if p.dbPool == nil {
		status = c.Process(nil)
	} else {
		lease, err := p.dbPool.Acquire(context.Background())
		if err != nil {
			slog.Warn("database handle unavailable", "err", err)
			status = c.Process(nil)
		} else {
			func() {
				defer lease.Release()
				status = c.Process(lease)
			}()
		}
	}

	if status != 0 && p.metrics != nil {
		p.metrics.RequestCompleted(status, time.Since(start))
	}
}
