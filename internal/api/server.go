// Package api is the ops surface: status, stats, health, and Prometheus
// metrics on a separate listener, away from the serving port.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emberweb/emberweb/internal/health"
	"github.com/emberweb/emberweb/internal/metrics"
	"github.com/emberweb/emberweb/internal/server"
	"github.com/emberweb/emberweb/internal/store"
)

// Server is the REST API and metrics server.
type Server struct {
	web         *server.Server
	pool        *store.Pool // nil when no database is configured
	healthCheck *health.Checker
	metrics     *metrics.Collector
	httpServer  *http.Server
	startTime   time.Time
	bind        string
}

// NewServer creates a new API server. pool may be nil.
func NewServer(web *server.Server, pool *store.Pool, hc *health.Checker, m *metrics.Collector, bind string) *Server {
	return &Server{
		web:         web,
		pool:        pool,
		healthCheck: hc,
		metrics:     m,
		startTime:   time.Now(),
		bind:        bind,
	}
}

// Start starts the HTTP API server.
func (s *Server) Start(port int) error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/stats", s.statsHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", s.bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[api] ops API listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	stats := s.web.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds":     int(time.Since(s.startTime).Seconds()),
		"go_version":         runtime.Version(),
		"goroutines":         runtime.NumGoroutine(),
		"memory_mb":          float64(mem.Alloc) / 1024 / 1024,
		"port":               stats.Port,
		"active_connections": stats.ActiveConnections,
		"max_connections":    stats.MaxConnections,
	})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"server": s.web.Stats(),
	}
	if s.pool != nil {
		out["db_pool"] = s.pool.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	statuses := s.healthCheck.GetAllStatuses()
	allHealthy := s.healthCheck.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status": boolToStatus(allHealthy),
		"probes": statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	// Ready while the document root probe currently reports healthy.
	if s.healthCheck.GetStatus(health.ProbeDocRoot).Status == health.StatusHealthy {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
