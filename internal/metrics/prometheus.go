package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "stakedash"

// Outcome label values shared by the recorders.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Collector owns a dedicated Prometheus registry so tests and embedders do
// not collide on the global one. All recorder methods are safe on a nil
// *Collector, which lets components run without metrics.
type Collector struct {
	registry *prometheus.Registry

	rpcReads        *prometheus.CounterVec
	rpcReadRetries  *prometheus.CounterVec
	rpcReadDuration *prometheus.HistogramVec
	txSubmitted     *prometheus.CounterVec
	snapshotRefresh *prometheus.CounterVec
	inventoryScans  *prometheus.CounterVec
	blacklistLookup *prometheus.CounterVec
	actions         *prometheus.CounterVec
	viewers         *prometheus.GaugeVec
	apiRequests     *prometheus.CounterVec

	startTime time.Time
}

// NewCollector creates and registers all dashboard metrics.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry:  reg,
		startTime: time.Now(),

		rpcReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rpc_reads_total",
			Help:      "View calls by contract method and outcome.",
		}, []string{"method", "outcome"}),

		rpcReadRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rpc_read_retries_total",
			Help:      "View call retries after transport errors.",
		}, []string{"method"}),

		rpcReadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "rpc_read_duration_seconds",
			Help:      "View call latency including retries.",
			Buckets:   []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method"}),

		txSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tx_submitted_total",
			Help:      "Transactions by contract method and outcome (sent, mined, reverted, rejected, error).",
		}, []string{"method", "outcome"}),

		snapshotRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "snapshot_refresh_total",
			Help:      "User state refreshes by outcome (applied, stale, error).",
		}, []string{"outcome"}),

		inventoryScans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "inventory_scans_total",
			Help:      "Inventory strategy attempts by strategy and outcome.",
		}, []string{"strategy", "outcome"}),

		blacklistLookup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "blacklist_lookups_total",
			Help:      "Blacklist lookups by result (hit, miss, error).",
		}, []string{"result"}),

		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "actions_total",
			Help:      "Action slot transitions by kind and state.",
		}, []string{"kind", "state"}),

		viewers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "dashboard_viewers",
			Help:      "Open dashboard views per tier.",
		}, []string{"tier"}),

		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "api_requests_total",
			Help:      "HTTP API requests by route and status code.",
		}, []string{"route", "code"}),
	}

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "uptime_seconds",
		Help:      "Time since the process started in seconds.",
	}, func() float64 { return time.Since(c.startTime).Seconds() })

	reg.MustRegister(
		c.rpcReads,
		c.rpcReadRetries,
		c.rpcReadDuration,
		c.txSubmitted,
		c.snapshotRefresh,
		c.inventoryScans,
		c.blacklistLookup,
		c.actions,
		c.viewers,
		c.apiRequests,
		uptime,
		collectors.NewGoCollector(),
	)
	return c
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Uptime returns the time since NewCollector.
func (c *Collector) Uptime() time.Duration {
	if c == nil {
		return 0
	}
	return time.Since(c.startTime)
}

func (c *Collector) RecordRead(method, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.rpcReads.WithLabelValues(method, outcome).Inc()
	c.rpcReadDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (c *Collector) RecordReadRetry(method string) {
	if c == nil {
		return
	}
	c.rpcReadRetries.WithLabelValues(method).Inc()
}

func (c *Collector) RecordTx(method, outcome string) {
	if c == nil {
		return
	}
	c.txSubmitted.WithLabelValues(method, outcome).Inc()
}

func (c *Collector) RecordSnapshot(outcome string) {
	if c == nil {
		return
	}
	c.snapshotRefresh.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordScan(strategy, outcome string) {
	if c == nil {
		return
	}
	c.inventoryScans.WithLabelValues(strategy, outcome).Inc()
}

func (c *Collector) RecordBlacklistLookup(result string) {
	if c == nil {
		return
	}
	c.blacklistLookup.WithLabelValues(result).Inc()
}

func (c *Collector) RecordAction(kind, state string) {
	if c == nil {
		return
	}
	c.actions.WithLabelValues(kind, state).Inc()
}

// AddViewers adjusts the open view count for a tier.
func (c *Collector) AddViewers(tier string, delta int) {
	if c == nil {
		return
	}
	c.viewers.WithLabelValues(tier).Add(float64(delta))
}

// RecordRequest counts one API request.
func (c *Collector) RecordRequest(route string, code int) {
	if c == nil {
		return
	}
	c.apiRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// Handler serves the registry in the Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
