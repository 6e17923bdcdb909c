package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for emberweb.
type Collector struct {
	Registry          *prometheus.Registry
	connectionsActive prometheus.Gauge
	queueDepth        prometheus.Gauge
	poolFree          prometheus.Gauge
	poolInUse         prometheus.Gauge
	poolWaiting       prometheus.Gauge

	acceptedTotal     prometheus.Counter
	busyRejectedTotal prometheus.Counter
	shedTotal         prometheus.Counter
	evictionsTotal    prometheus.Counter
	requestsTotal     *prometheus.CounterVec
	requestDuration   prometheus.Histogram

	probeHealth *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g., in tests) — each call creates an
// independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emberweb_connections_active",
			Help: "Number of currently open client connections",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emberweb_work_queue_depth",
			Help: "Number of ready connections waiting for a worker",
		}),
		poolFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emberweb_db_pool_free",
			Help: "Free database handles in the pool",
		}),
		poolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emberweb_db_pool_in_use",
			Help: "Database handles currently borrowed",
		}),
		poolWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emberweb_db_pool_waiting",
			Help: "Workers blocked waiting for a database handle",
		}),
		acceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emberweb_connections_accepted_total",
			Help: "Total accepted client connections",
		}),
		busyRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emberweb_connections_busy_rejected_total",
			Help: "Connections refused at the max-connections cap",
		}),
		shedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emberweb_connections_shed_total",
			Help: "Connections dropped because the work queue was full",
		}),
		evictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emberweb_idle_evictions_total",
			Help: "Connections closed by the idle-eviction timer",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emberweb_requests_total",
			Help: "Completed requests by HTTP status code",
		}, []string{"code"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "emberweb_request_duration_seconds",
			Help:    "Time from worker pickup to response armed for write",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		probeHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "emberweb_probe_health",
			Help: "Health of a dependency probe (1=healthy, 0=unhealthy)",
		}, []string{"probe"}),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.queueDepth,
		c.poolFree,
		c.poolInUse,
		c.poolWaiting,
		c.acceptedTotal,
		c.busyRejectedTotal,
		c.shedTotal,
		c.evictionsTotal,
		c.requestsTotal,
		c.requestDuration,
		c.probeHealth,
	)

	return c
}

// ConnAccepted records an accepted connection and the new active count.
func (c *Collector) ConnAccepted(active int) {
	c.acceptedTotal.Inc()
	c.connectionsActive.Set(float64(active))
}

// ConnClosed records the new active count after a close.
func (c *Collector) ConnClosed(active int) {
	c.connectionsActive.Set(float64(active))
}

// BusyRejected increments the max-connections rejection counter.
func (c *Collector) BusyRejected() {
	c.busyRejectedTotal.Inc()
}

// Shed increments the queue-overflow drop counter.
func (c *Collector) Shed() {
	c.shedTotal.Inc()
}

// IdleEvicted increments the idle eviction counter.
func (c *Collector) IdleEvicted() {
	c.evictionsTotal.Inc()
}

// SetQueueDepth updates the work queue gauge.
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// RequestCompleted records one finished request.
func (c *Collector) RequestCompleted(status int, d time.Duration) {
	c.requestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	c.requestDuration.Observe(d.Seconds())
}

// UpdatePoolStats updates the database pool gauges.
func (c *Collector) UpdatePoolStats(free, inUse, waiting int) {
	c.poolFree.Set(float64(free))
	c.poolInUse.Set(float64(inUse))
	c.poolWaiting.Set(float64(waiting))
}

// SetProbeHealth sets the health gauge for a named probe.
func (c *Collector) SetProbeHealth(probe string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.probeHealth.WithLabelValues(probe).Set(val)
}
