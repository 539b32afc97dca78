package monitor

import (
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the execution core. Each
// instance has its own registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	SubmitOutcomes    *prometheus.CounterVec
	SubmitLatency     prometheus.Histogram
	ReconcileOutcomes *prometheus.CounterVec
	CancelOutcomes    *prometheus.CounterVec
	OrderEvents       *prometheus.CounterVec
	Alerts            prometheus.Counter

	PendingOrders  prometheus.Gauge
	TrackedOrders  prometheus.Gauge
	OpenOrders     prometheus.Gauge
	ClosedOrders   prometheus.Gauge
	Positions      prometheus.Gauge
	LoopTasks      prometheus.Gauge
	LoopPanics     prometheus.Gauge
	RouterMessages prometheus.Gauge
	HandlerErrors  prometheus.Gauge

	// Window keeps recent submit latencies for the status endpoint.
	Window *LatencyHistogram
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SubmitOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_submit_total",
			Help: "Order submissions by outcome",
		}, []string{"outcome"}),

		SubmitLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "exec_submit_duration_seconds",
			Help:    "Adapter submit round trip",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		ReconcileOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_reconcile_total",
			Help: "Resolutions of pending orders by outcome",
		}, []string{"outcome"}),

		CancelOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_cancel_total",
			Help: "Cancel requests by outcome",
		}, []string{"outcome"}),

		OrderEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_order_events_total",
			Help: "Order lifecycle events published on the router",
		}, []string{"kind"}),

		Alerts: f.NewCounter(prometheus.CounterOpts{
			Name: "exec_alerts_total",
			Help: "Alerts sent",
		}),

		PendingOrders: f.NewGauge(prometheus.GaugeOpts{
			Name: "exec_pending_orders",
			Help: "Orders whose submission outcome is unknown",
		}),
		TrackedOrders: f.NewGauge(prometheus.GaugeOpts{
			Name: "exec_tracked_orders",
			Help: "Orders confirmed by the exchange and still active",
		}),
		OpenOrders: f.NewGauge(prometheus.GaugeOpts{
			Name: "exec_store_open_orders",
			Help: "Open orders in the state store",
		}),
		ClosedOrders: f.NewGauge(prometheus.GaugeOpts{
			Name: "exec_store_closed_orders",
			Help: "Closed orders in the state store",
		}),
		Positions: f.NewGauge(prometheus.GaugeOpts{
			Name: "exec_positions",
			Help: "Non-flat positions",
		}),
		LoopTasks: f.NewGauge(prometheus.GaugeOpts{
			Name: "exec_loop_tasks_processed",
			Help: "Tasks run by the event loop",
		}),
		LoopPanics: f.NewGauge(prometheus.GaugeOpts{
			Name: "exec_loop_task_panics",
			Help: "Event loop tasks that panicked",
		}),
		RouterMessages: f.NewGauge(prometheus.GaugeOpts{
			Name: "exec_router_published",
			Help: "Messages published on the router",
		}),
		HandlerErrors: f.NewGauge(prometheus.GaugeOpts{
			Name: "exec_router_handler_errors",
			Help: "Subscriber handler failures",
		}),

		Window: NewLatencyHistogram(1000),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves this instance's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SubmitCompleted, ReconcileCompleted and CancelCompleted implement the
// executor's observer.
func (m *Metrics) SubmitCompleted(outcome string, latency time.Duration) {
	m.SubmitOutcomes.WithLabelValues(outcome).Inc()
	if latency > 0 {
		m.SubmitLatency.Observe(latency.Seconds())
		m.Window.RecordDuration(latency)
	}
}

func (m *Metrics) ReconcileCompleted(outcome string) {
	m.ReconcileOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CancelCompleted(outcome string) {
	m.CancelOutcomes.WithLabelValues(outcome).Inc()
}

// Gauges is a point-in-time sample of loop-owned counters.
type Gauges struct {
	Pending       int
	Tracked       int
	OpenOrders    int
	ClosedOrders  int
	Positions     int
	LoopTasks     uint64
	LoopPanics    uint64
	Published     uint64
	HandlerErrors uint64
}

func (m *Metrics) SetGauges(g Gauges) {
	m.PendingOrders.Set(float64(g.Pending))
	m.TrackedOrders.Set(float64(g.Tracked))
	m.OpenOrders.Set(float64(g.OpenOrders))
	m.ClosedOrders.Set(float64(g.ClosedOrders))
	m.Positions.Set(float64(g.Positions))
	m.LoopTasks.Set(float64(g.LoopTasks))
	m.LoopPanics.Set(float64(g.LoopPanics))
	m.RouterMessages.Set(float64(g.Published))
	m.HandlerErrors.Set(float64(g.HandlerErrors))
}

// LatencyHistogram keeps a sliding window of samples. Stats are recomputed
// lazily, only after new samples arrive.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats are in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

type Snapshot struct {
	SubmitLatency  LatencyStats `json:"submit_latency_ms"`
	GoroutineCount int          `json:"goroutine_count"`
	HeapAlloc      uint64       `json:"heap_alloc_bytes"`
	HeapSys        uint64       `json:"heap_sys_bytes"`
	Timestamp      time.Time    `json:"timestamp"`
}

// GetSnapshot returns process figures for the status endpoint.
func (m *Metrics) GetSnapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return Snapshot{
		SubmitLatency:  m.Window.Stats(),
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      mem.HeapAlloc,
		HeapSys:        mem.HeapSys,
		Timestamp:      time.Now(),
	}
}
