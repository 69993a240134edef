package upa

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records repository operations and session pool state.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	pools      *poolCollector
}

// NewMetrics registers the upa collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upa_operations_total",
				Help: "Total number of repository operations by result.",
			},
			[]string{"backend", "entity", "operation", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "upa_operation_duration_seconds",
				Help:    "Latency of repository operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend", "entity", "operation"},
		),
		pools: newPoolCollector(),
	}

	for _, c := range []prometheus.Collector{m.operations, m.duration, m.pools} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// WatchPool exports the stats of sessions under its pool name.
func (m *Metrics) WatchPool(sessions *SessionManager) {
	if m == nil || sessions == nil {
		return
	}
	m.pools.add(sessions)
}

func (m *Metrics) observe(backend, entity, operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		if e, ok := AsError(err); ok {
			result = string(e.Type)
		}
	}
	m.operations.WithLabelValues(backend, entity, operation, result).Inc()
	m.duration.WithLabelValues(backend, entity, operation).Observe(time.Since(started).Seconds())
}

type poolCollector struct {
	mu    sync.RWMutex
	pools map[string]*SessionManager

	acquired *prometheus.Desc
	idle     *prometheus.Desc
	total    *prometheus.Desc
	max      *prometheus.Desc
	waits    *prometheus.Desc
}

func newPoolCollector() *poolCollector {
	labels := []string{"pool"}
	return &poolCollector{
		pools:    make(map[string]*SessionManager),
		acquired: prometheus.NewDesc("upa_pool_acquired_sessions", "Sessions currently borrowed.", labels, nil),
		idle:     prometheus.NewDesc("upa_pool_idle_sessions", "Sessions idle in the pool.", labels, nil),
		total:    prometheus.NewDesc("upa_pool_total_sessions", "Sessions open, idle or borrowed.", labels, nil),
		max:      prometheus.NewDesc("upa_pool_max_sessions", "Pool capacity.", labels, nil),
		waits:    prometheus.NewDesc("upa_pool_empty_acquire_total", "Acquires that had to wait for a session.", labels, nil),
	}
}

func (c *poolCollector) add(sessions *SessionManager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pools[sessions.Name()] = sessions
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquired
	ch <- c.idle
	ch <- c.total
	ch <- c.max
	ch <- c.waits
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, sessions := range c.pools {
		st := sessions.Stats()
		ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(st.Acquired), name)
		ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(st.Idle), name)
		ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(st.Total), name)
		ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(st.Max), name)
		ch <- prometheus.MustNewConstMetric(c.waits, prometheus.CounterValue, float64(st.EmptyAcquireCount), name)
	}
}
