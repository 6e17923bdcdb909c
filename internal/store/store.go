// Package store holds the user table: a fixed-size pool of pre-established
// MySQL handles with blocking backpressure, the scoped lease that guarantees
// return-on-scope, and the in-memory credential cache warmed at startup.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/emberweb/emberweb/internal/config"
)

// ErrClosed is returned by Acquire after the pool has been shut down.
var ErrClosed = errors.New("store: pool closed")

// Registrar persists a newly registered user. The responder sees the
// borrowed handle only through this interface.
type Registrar interface {
	Register(ctx context.Context, name, password string) error
}

// Stats holds pool counters for the stats loop and the ops API.
type Stats struct {
	Free    int `json:"free"`
	InUse   int `json:"in_use"`
	Max     int `json:"max"`
	Waiting int `json:"waiting"`
}

// Pool is a fixed-size set of database handles opened at init and handed
// out with blocking backpressure. free + in-use always equals max.
type Pool struct {
	db *sql.DB

	mu      sync.Mutex
	cond    *sync.Cond
	free    []*sql.Conn
	inUse   int
	max     int
	waiting int
	closed  bool

	statsStopCh chan struct{}
	closeOnce   sync.Once
}

// Open connects to the configured server and pre-establishes cfg.PoolSize
// handles. Any dial failure during init is fatal to the caller.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	mc := mysql.NewConfig()
	mc.User = cfg.Username
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	mc.DBName = cfg.DBName
	mc.Timeout = cfg.DialTimeout

	db, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("opening mysql: %w", err)
	}
	db.SetMaxOpenConns(cfg.PoolSize)

	p, err := NewPool(db, cfg.PoolSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("database pool ready", "addr", mc.Addr, "dbname", cfg.DBName, "size", cfg.PoolSize)
	return p, nil
}

// NewPool builds a pool of max pre-established handles over an existing
// *sql.DB. Exposed so tests can inject a mocked database.
func NewPool(db *sql.DB, max int) (*Pool, error) {
	p := &Pool{
		db:          db,
		max:         max,
		free:        make([]*sql.Conn, 0, max),
		statsStopCh: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for i := 0; i < max; i++ {
		conn, err := db.Conn(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("establishing handle %d/%d: %w", i+1, max, err)
		}
		p.free = append(p.free, conn)
	}
	return p, nil
}

// DB returns the underlying handle set for startup loads and health probes.
func (p *Pool) DB() *sql.DB {
	return p.db
}

// Acquire blocks until a handle is free, then binds it to a Lease. The
// context bounds the wait.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	for len(p.free) == 0 && !p.closed {
		if ctx.Err() != nil {
			p.mu.Unlock()
			return nil, ctx.Err()
		}
		p.waiting++
		stop := context.AfterFunc(ctx, func() { p.cond.Broadcast() })
		p.cond.Wait() // releases mu, waits for signal, reacquires mu
		stop()
		p.waiting--
	}
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	h := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse++
	p.mu.Unlock()
	return &Lease{pool: p, conn: h}, nil
}

// With acquires a handle, runs fn with it, and releases on every exit path.
func (p *Pool) With(ctx context.Context, fn func(Registrar) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease)
}

func (p *Pool) put(h *sql.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inUse--
	if p.closed {
		h.Close()
		return
	}
	p.free = append(p.free, h)
	// Signal() wakes one waiter; Broadcast() is reserved for Close and
	// context wakeups.
	p.cond.Signal()
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Free:    len(p.free),
		InUse:   p.inUse,
		Max:     p.max,
		Waiting: p.waiting,
	}
}

// StatsCallback is invoked periodically with current pool counters.
type StatsCallback func(Stats)

// StartStatsLoop starts a goroutine that reports pool stats on an interval
// until the pool is closed.
func (p *Pool) StartStatsLoop(interval time.Duration, cb StatsCallback) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cb(p.Stats())
			case <-p.statsStopCh:
				return
			}
		}
	}()
}

// Close shuts down the pool, closing idle handles and waking any waiters.
// In-use handles are closed as their leases are released. Safe to call
// multiple times.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.statsStopCh)
	})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, h := range p.free {
		h.Close()
	}
	p.free = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	return p.db.Close()
}

// Lease binds one pooled handle to a request scope. Release is idempotent
// and must run on all exit paths; Pool.With and the worker body both defer it.
type Lease struct {
	pool *Pool
	conn *sql.Conn
	once sync.Once
}

// Register inserts a new user row with a parameterized query.
func (l *Lease) Register(ctx context.Context, name, password string) error {
	_, err := l.conn.ExecContext(ctx, "INSERT INTO user(name, password) VALUES (?, ?)", name, password)
	if err != nil {
		return fmt.Errorf("inserting user %q: %w", name, err)
	}
	return nil
}

// Release returns the handle to the pool. Calling it more than once is safe.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.put(l.conn)
	})
}

// LoadUsers reads the whole user table into a cache at startup.
func LoadUsers(ctx context.Context, db *sql.DB) (*Cache, error) {
	rows, err := db.QueryContext(ctx, "SELECT username, password FROM user")
	if err != nil {
		return nil, fmt.Errorf("loading user table: %w", err)
	}
	defer rows.Close()

	cache := NewCache()
	for rows.Next() {
		var name, pw string
		if err := rows.Scan(&name, &pw); err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		cache.Put(name, pw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading user table: %w", err)
	}
	slog.Info("user table loaded", "users", cache.Len())
	return cache, nil
}
