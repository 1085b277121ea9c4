package stats

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatrelay"

const (
	NumActiveConnections = "NumActiveConnections"
	NumActiveRooms       = "NumActiveRooms"
	NumIntents           = "NumIntents"
	NumBroadcasts        = "NumBroadcasts"
	NumPersistFailures   = "NumPersistFailures"
	NumDroppedIntents    = "NumDroppedIntents"
)

// counters only ever increase and are exported with a _total suffix.
var counters = map[string]bool{
	NumIntents:         true,
	NumBroadcasts:      true,
	NumPersistFailures: true,
	NumDroppedIntents:  true,
}

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
}

type StatsUpdater struct {
	registry *prometheus.Registry
	mu       sync.RWMutex
	gauges   map[string]prometheus.Gauge
	counters map[string]prometheus.Counter
}

// NewStatsUpdater creates a stats updater backed by a private Prometheus
// registry and mounts its handler on GET /metrics.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		registry: prometheus.NewRegistry(),
		gauges:   make(map[string]prometheus.Gauge),
		counters: make(map[string]prometheus.Counter),
	}
	su.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	su.initializeMetrics()

	mux.Handle("GET /metrics", su.Handler())
	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_milliseconds",
		Help:      "Milliseconds since the relay started.",
	}, func() float64 {
		return float64(time.Since(startTime).Milliseconds())
	}))
}

func (su *StatsUpdater) Handler() http.Handler {
	return promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{})
}

func (su *StatsUpdater) Incr(name string) {
	su.mu.RLock()
	defer su.mu.RUnlock()

	if c, ok := su.counters[name]; ok {
		c.Inc()
	} else if g, ok := su.gauges[name]; ok {
		g.Inc()
	}
}

// Decr is ignored for counters.
func (su *StatsUpdater) Decr(name string) {
	su.mu.RLock()
	defer su.mu.RUnlock()

	if g, ok := su.gauges[name]; ok {
		g.Dec()
	}
}

// RegisterMetric registers a gauge, or a counter for the monotonic metrics,
// under a snake_cased version of name. Registering the same name twice is a
// no-op.
func (su *StatsUpdater) RegisterMetric(name string) {
	su.mu.Lock()
	defer su.mu.Unlock()

	if _, ok := su.gauges[name]; ok {
		return
	}
	if _, ok := su.counters[name]; ok {
		return
	}

	if counters[name] {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      metricName(name) + "_total",
			Help:      name,
		})
		su.registry.MustRegister(c)
		su.counters[name] = c
		return
	}

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      metricName(name),
		Help:      name,
	})
	su.registry.MustRegister(g)
	su.gauges[name] = g
}

// metricName turns NumActiveRooms into num_active_rooms.
func metricName(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
