// Package server owns the reactor: the single goroutine that blocks on the
// readiness set, accepts connections, dispatches ready sockets to the
// worker pool, drives response writes, and advances the idle-eviction
// timer list. Per-connection slots and timers are touched only from this
// goroutine or from the single worker currently holding the connection, as
// guaranteed by the one-shot registration.
package server

import (
	"fmt"
	"log"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/emberweb/emberweb/internal/config"
	"github.com/emberweb/emberweb/internal/event"
	"github.com/emberweb/emberweb/internal/httpconn"
	"github.com/emberweb/emberweb/internal/metrics"
	"github.com/emberweb/emberweb/internal/store"
	"github.com/emberweb/emberweb/internal/timer"
	"github.com/emberweb/emberweb/internal/worker"
)

const (
	maxEvents   = 1024
	busyMessage = "Internal Server Busy"
)

// Stats is a snapshot of the serving core for the ops API.
type Stats struct {
	Port              int   `json:"port"`
	ActiveConnections int64 `json:"active_connections"`
	MaxConnections    int64 `json:"max_connections"`
	QueueDepth        int   `json:"queue_depth"`
}

// Server is the reactor plus the process-wide serving state.
type Server struct {
	port     int
	docRoot  string
	timeslot time.Duration

	poller   *event.Poller
	notifier *event.Notifier
	listenFD int

	users   *store.Cache
	workers *worker.Pool
	metrics *metrics.Collector

	// reactor-owned; maps are touched only on the loop goroutine
	conns  map[int]*httpconn.Conn
	timers map[int]*timer.Node
	wheel  timer.List
	alarm  *time.Timer

	userCount atomic.Int64
	maxUsers  atomic.Int64

	loopDone chan struct{}
	stopOnce sync.Once
}

// New wires a server from its collaborators. Start binds and launches it.
func New(cfg *config.Config, users *store.Cache, workers *worker.Pool, m *metrics.Collector) *Server {
	s := &Server{
		port:     cfg.Listen.Port,
		docRoot:  cfg.Server.DocRoot,
		timeslot: cfg.Server.Timeslot,
		users:    users,
		workers:  workers,
		metrics:  m,
		conns:    make(map[int]*httpconn.Conn),
		timers:   make(map[int]*timer.Node),
		loopDone: make(chan struct{}),
	}
	s.maxUsers.Store(int64(cfg.Server.MaxConnections))
	return s
}

// Start binds the listening socket, registers it with a fresh readiness
// set alongside the self-pipe, launches the workers, schedules the first
// alarm, and starts the reactor loop.
func (s *Server) Start() error {
	poller, err := event.NewPoller()
	if err != nil {
		return err
	}
	notifier, err := event.NewNotifier()
	if err != nil {
		poller.Close()
		return err
	}
	s.poller = poller
	s.notifier = notifier

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("creating listen socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("setting SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: s.port}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("binding port %d: %w", s.port, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listening on port %d: %w", s.port, err)
	}
	sn, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("resolving bound address: %w", err)
	}
	if sa, ok := sn.(*unix.SockaddrInet4); ok {
		s.port = sa.Port
	}
	s.listenFD = fd

	if err := s.poller.AddLevel(s.listenFD); err != nil {
		unix.Close(fd)
		return err
	}
	if err := s.poller.AddLevel(s.notifier.ReadFD()); err != nil {
		unix.Close(fd)
		return err
	}

	s.workers.Start()
	s.alarm = time.AfterFunc(s.timeslot, func() {
		s.notifier.Notify(event.CodeAlarm)
	})

	go s.loop()
	log.Printf("[web] serving %s on port %d (timeslot %s)", s.docRoot, s.port, s.timeslot)
	return nil
}

// Port returns the actual bound port, useful when configured as 0.
func (s *Server) Port() int {
	return s.port
}

// SetMaxConnections updates the connection cap; applied by the config
// watcher without a restart.
func (s *Server) SetMaxConnections(n int) {
	if n > 0 {
		s.maxUsers.Store(int64(n))
	}
}

// Stats returns a snapshot for the ops API.
func (s *Server) Stats() Stats {
	return Stats{
		Port:              s.port,
		ActiveConnections: s.userCount.Load(),
		MaxConnections:    s.maxUsers.Load(),
		QueueDepth:        s.workers.Depth(),
	}
}

// Stop delivers the terminate code through the self-pipe, exactly as the
// signal path does, and waits for the reactor to tear down.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.notifier.Notify(event.CodeTerminate)
	})
	<-s.loopDone
}

// Signal forwards a caught process signal into the readiness loop. The
// caller touches nothing else; all signal-driven logic runs on the reactor.
func (s *Server) Signal(code byte) {
	s.notifier.Notify(code)
}

func (s *Server) loop() {
	defer close(s.loopDone)

	events := make([]unix.EpollEvent, maxEvents)
	tickPending := false
	shuttingDown := false

	for {
		n, err := s.poller.Wait(events)
		if err != nil {
			log.Printf("[web] readiness wait failed: %v", err)
			break
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			ev := events[i].Events

			switch {
			case fd == s.listenFD:
				s.acceptPending()

			case fd == s.notifier.ReadFD():
				for _, code := range s.notifier.Drain() {
					switch code {
					case event.CodeAlarm:
						tickPending = true
					case event.CodeTerminate:
						shuttingDown = true
					}
				}

			case ev&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0:
				s.evict(fd)

			case ev&unix.EPOLLIN != 0:
				c, ok := s.conns[fd]
				if !ok {
					continue
				}
				if err := c.DrainRead(); err != nil {
					s.evict(fd)
					continue
				}
				s.extendTimer(fd)
				if !s.workers.TryPush(c) {
					s.metrics.Shed()
					s.evict(fd)
					continue
				}
				s.metrics.SetQueueDepth(s.workers.Depth())

			case ev&unix.EPOLLOUT != 0:
				c, ok := s.conns[fd]
				if !ok {
					continue
				}
				switch c.DriveWrite() {
				case httpconn.WriteAgain, httpconn.WriteKeepAlive:
					s.extendTimer(fd)
				default:
					s.evict(fd)
				}
			}
		}

		if shuttingDown {
			break
		}
		if tickPending {
			tickPending = false
			s.wheel.Tick(time.Now())
			s.alarm.Reset(s.timeslot)
		}
	}

	s.teardown()
}

// acceptPending accepts until the kernel reports would-block. Connections
// beyond the cap get a busy message and an immediate close.
func (s *Server) acceptPending() {
	for {
		nfd, sa, err := unix.Accept4(s.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			slog.Warn("accept failed", "err", err)
			return
		}

		if s.userCount.Load() >= s.maxUsers.Load() {
			unix.Write(nfd, []byte(busyMessage))
			unix.Close(nfd)
			s.metrics.BusyRejected()
			slog.Warn("connection cap reached, rejecting", "fd", nfd)
			continue
		}

		peer := peerString(sa)
		c := httpconn.New(nfd, peer, s.poller, s.docRoot, s.users)
		if err := s.poller.AddOneShot(nfd); err != nil {
			slog.Warn("registering connection failed", "fd", nfd, "err", err)
			unix.Close(nfd)
			continue
		}

		s.conns[nfd] = c
		active := s.userCount.Add(1)
		s.metrics.ConnAccepted(int(active))

		node := &timer.Node{
			Expiry:   time.Now().Add(3 * s.timeslot),
			FD:       nfd,
			Callback: s.evictIdle,
		}
		s.wheel.Add(node)
		s.timers[nfd] = node
		slog.Debug("accepted connection", "fd", nfd, "peer", peer)
	}
}

func (s *Server) extendTimer(fd int) {
	if n, ok := s.timers[fd]; ok {
		n.Expiry = time.Now().Add(3 * s.timeslot)
		s.wheel.Adjust(n)
	}
}

func (s *Server) evictIdle(fd int) {
	s.metrics.IdleEvicted()
	s.evict(fd)
}

// evict removes the connection from the readiness set, closes its socket,
// drops its timer, and decrements the user counter. Safe to call from a
// timer callback whose node Tick has already detached.
func (s *Server) evict(fd int) {
	c, ok := s.conns[fd]
	if !ok {
		return
	}
	_ = s.poller.Remove(fd)
	unix.Close(fd)
	c.Cleanup()
	delete(s.conns, fd)
	if n, ok := s.timers[fd]; ok {
		s.wheel.Remove(n)
		delete(s.timers, fd)
	}
	active := s.userCount.Add(-1)
	s.metrics.ConnClosed(int(active))
	slog.Debug("closed connection", "fd", fd, "peer", c.Peer())
}

// teardown runs the cooperative shutdown: stop accepting, join the
// workers, then close every remaining connection.
func (s *Server) teardown() {
	if s.alarm != nil {
		s.alarm.Stop()
	}
	_ = s.poller.Remove(s.listenFD)
	unix.Close(s.listenFD)

	s.workers.Stop()

	for fd := range s.conns {
		s.evict(fd)
	}

	s.notifier.Close()
	s.poller.Close()
	log.Printf("[web] server stopped")
}

func peerString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	}
	return "unknown"
}
