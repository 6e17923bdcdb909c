package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/emberweb/emberweb/internal/api"
	"github.com/emberweb/emberweb/internal/config"
	"github.com/emberweb/emberweb/internal/event"
	"github.com/emberweb/emberweb/internal/health"
	"github.com/emberweb/emberweb/internal/metrics"
	"github.com/emberweb/emberweb/internal/server"
	"github.com/emberweb/emberweb/internal/store"
	"github.com/emberweb/emberweb/internal/worker"
)

const defaultConfigPath = "configs/emberweb.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("emberweb starting...")

	// Load configuration; a missing default file just means defaults plus
	// the command-line port.
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && *configPath == defaultConfigPath {
			log.Printf("no config file at %s, using defaults", defaultConfigPath)
			cfg = config.Default()
		} else {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	// Single positional argument: the TCP port to bind.
	if flag.NArg() > 0 {
		port, err := strconv.Atoi(flag.Arg(0))
		if err != nil || port < 1 || port > 65535 {
			log.Fatalf("usage: %s [-config path] port_number", os.Args[0])
		}
		cfg.Listen.Port = port
	}
	if cfg.Listen.Port == 0 {
		log.Fatalf("usage: %s [-config path] port_number", os.Args[0])
	}

	signal.Ignore(syscall.SIGPIPE)

	// Initialize components
	m := metrics.New()

	var pool *store.Pool
	users := store.NewCache()
	if cfg.Database.Enabled() {
		pool, err = store.Open(cfg.Database)
		if err != nil {
			log.Fatalf("Failed to init database pool: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		users, err = store.LoadUsers(ctx, pool.DB())
		cancel()
		if err != nil {
			log.Fatalf("Failed to load user table: %v", err)
		}
		pool.StartStatsLoop(5*time.Second, func(st store.Stats) {
			m.UpdatePoolStats(st.Free, st.InUse, st.Waiting)
		})
	} else {
		log.Printf("no database configured; form endpoints answer with their error pages")
	}

	workers := worker.New(cfg.Server.Workers, cfg.Server.QueueDepth, pool, m)

	// Start the serving core
	srv := server.New(cfg, users, workers, m)
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Start health checker
	hc := health.NewChecker(poolDB(pool), cfg.Server.DocRoot, cfg.Health, m)
	hc.Start()

	// Start ops API
	apiServer := api.NewServer(srv, pool, hc, m, cfg.Listen.APIBind)
	if err := apiServer.Start(cfg.Listen.APIPort); err != nil {
		log.Fatalf("Failed to start API server: %v", err)
	}

	// Set up config hot-reload. The watcher diffs each reload against the
	// running config, logs structural fields it must ignore, and hands the
	// result here; only the connection cap is applied live.
	configWatcher, err := config.NewWatcher(*configPath, cfg, func(newCfg *config.Config) {
		srv.SetMaxConnections(newCfg.Server.MaxConnections)
	})
	if err != nil {
		log.Printf("Warning: config hot-reload not available: %v", err)
	}

	log.Printf("emberweb ready - web:%d api:%d", srv.Port(), cfg.Listen.APIPort)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %s, shutting down...", sig)

	// The handler only forwards one byte into the self-pipe; everything
	// else runs on the reactor.
	srv.Signal(event.CodeTerminate)

	// Graceful shutdown
	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	hc.Stop()
	srv.Stop()
	if pool != nil {
		pool.Close()
	}

	log.Printf("emberweb stopped")
}

func poolDB(p *store.Pool) *sql.DB {
	if p == nil {
		return nil
	}
	return p.DB()
}
