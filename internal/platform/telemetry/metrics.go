package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram is a thread-safe histogram with configurable bucket boundaries.
// Bucket counts are non-cumulative in storage; cumulative counts are computed
// at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64     // math.Float64bits for atomic add
	mu           sync.Mutex // protects bucketCounts
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			h.mu.Unlock()
			return
		}
	}
	// Beyond all boundaries: only the +Inf bucket, derived from count.
	h.mu.Unlock()
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	cum := make([]int64, len(raw))
	var running int64
	for i, c := range raw {
		running += c
		cum[i] = running
	}
	return cum
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		newVal := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(newVal)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Counter / gauge stores
// ---------------------------------------------------------------------------

type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterStore() *counterStore {
	return &counterStore{items: make(map[string]*int64)}
}

func (s *counterStore) inc(key string) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		atomic.AddInt64(p, 1)
		return
	}
	s.mu.Lock()
	p, ok = s.items[key]
	if !ok {
		v := int64(1)
		s.items[key] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.AddInt64(p, 1)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *counterStore) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

type gaugeStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newGaugeStore() *gaugeStore {
	return &gaugeStore{items: make(map[string]*int64)}
}

func (s *gaugeStore) set(name string, val int64) {
	s.mu.RLock()
	p, ok := s.items[name]
	s.mu.RUnlock()
	if ok {
		atomic.StoreInt64(p, val)
		return
	}
	s.mu.Lock()
	p, ok = s.items[name]
	if !ok {
		v := val
		s.items[name] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.StoreInt64(p, val)
}

func (s *gaugeStore) get(name string) int64 {
	s.mu.RLock()
	p, ok := s.items[name]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// defaultDurationBuckets are request duration boundaries in seconds.
var defaultDurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// Metrics holds the process-wide operational counters. One instance is
// created at boot and threaded through constructors.
type Metrics struct {
	counters *counterStore
	gauges   *gaugeStore

	httpDuration   *histogram
	httpByRouteMu  sync.RWMutex
	httpByRoute    map[string]*histogram
	routeBucketCap int
}

func NewMetrics() *Metrics {
	return &Metrics{
		counters:       newCounterStore(),
		gauges:         newGaugeStore(),
		httpDuration:   newHistogram(defaultDurationBuckets),
		httpByRoute:    make(map[string]*histogram),
		routeBucketCap: 200,
	}
}

// counter key layout: metric|label1|label2

// JobProcessed counts one finished sync job by type and terminal status.
func (m *Metrics) JobProcessed(jobType, status string) {
	m.counters.inc("jobs_processed|" + jobType + "|" + status)
}

// JobRetried counts one retry transition.
func (m *Metrics) JobRetried() {
	m.counters.inc("job_retries||")
}

// ErrorRecorded counts one routed operational error.
func (m *Metrics) ErrorRecorded(masterCode, severity string) {
	m.counters.inc("errors_recorded|" + masterCode + "|" + severity)
}

// DedupHit counts one fingerprint merge.
func (m *Metrics) DedupHit() {
	m.counters.inc("error_dedup_hits||")
}

// IncidentRaised counts one compliance incident.
func (m *Metrics) IncidentRaised(category string) {
	m.counters.inc("incidents_raised|" + category + "|")
}

// WebhookReceived counts one inbound webhook delivery by disposition.
func (m *Metrics) WebhookReceived(vendor, disposition string) {
	m.counters.inc("webhooks_received|" + vendor + "|" + disposition)
}

// VendorRequest counts one upstream EHR API call by vendor and outcome.
func (m *Metrics) VendorRequest(vendor, outcome string) {
	m.counters.inc("vendor_requests|" + vendor + "|" + outcome)
}

// TokenRefreshed counts one completed token refresh.
func (m *Metrics) TokenRefreshed(vendor string) {
	m.counters.inc("token_refreshes|" + vendor + "|")
}

// SetQueueDepth records the current number of queued jobs.
func (m *Metrics) SetQueueDepth(n int64) { m.gauges.set("queue_depth", n) }

// SetWorkersBusy records how many workers hold a job right now.
func (m *Metrics) SetWorkersBusy(n int64) { m.gauges.set("workers_busy", n) }

// SetDBPool records pool connection gauges.
func (m *Metrics) SetDBPool(active, idle int64) {
	m.gauges.set("db_pool_active", active)
	m.gauges.set("db_pool_idle", idle)
}

// Counter returns the current value of a counter; labels not used by the
// metric are passed as "".
func (m *Metrics) Counter(name, label1, label2 string) int64 {
	return m.counters.get(name + "|" + label1 + "|" + label2)
}

// Gauge returns the current value of a gauge.
func (m *Metrics) Gauge(name string) int64 { return m.gauges.get(name) }

func (m *Metrics) routeHistogram(key string) *histogram {
	m.httpByRouteMu.RLock()
	h, ok := m.httpByRoute[key]
	m.httpByRouteMu.RUnlock()
	if ok {
		return h
	}
	m.httpByRouteMu.Lock()
	defer m.httpByRouteMu.Unlock()
	h, ok = m.httpByRoute[key]
	if !ok {
		if len(m.httpByRoute) >= m.routeBucketCap {
			return nil
		}
		h = newHistogram(defaultDurationBuckets)
		m.httpByRoute[key] = h
	}
	return h
}

// Middleware records request durations per route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start).Seconds()

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			m.httpDuration.Observe(duration)
			key := c.Request().Method + "|" + route + "|" + fmt.Sprintf("%d", c.Response().Status)
			if h := m.routeHistogram(key); h != nil {
				h.Observe(duration)
			}
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// Text exposition
// ---------------------------------------------------------------------------

// counterMeta drives the exposition of labeled counters.
var counterMeta = []struct {
	key    string
	name   string
	help   string
	labels []string
}{
	{"jobs_processed", "ehrsync_jobs_processed_total", "Sync jobs finished by type and terminal status.", []string{"type", "status"}},
	{"job_retries", "ehrsync_job_retries_total", "Sync job retry transitions.", nil},
	{"errors_recorded", "ehrsync_errors_recorded_total", "Operational errors routed by master code and severity.", []string{"master_code", "severity"}},
	{"error_dedup_hits", "ehrsync_error_dedup_hits_total", "Operational errors merged into an existing fingerprint.", nil},
	{"incidents_raised", "ehrsync_incidents_raised_total", "Compliance incidents recorded by category.", []string{"category"}},
	{"webhooks_received", "ehrsync_webhooks_received_total", "Inbound webhook deliveries by vendor and disposition.", []string{"vendor", "disposition"}},
	{"vendor_requests", "ehrsync_vendor_requests_total", "Upstream EHR API requests by vendor and outcome.", []string{"vendor", "outcome"}},
	{"token_refreshes", "ehrsync_token_refreshes_total", "Completed OAuth token refreshes by vendor.", []string{"vendor"}},
}

var gaugeMeta = []struct {
	key  string
	name string
	help string
}{
	{"queue_depth", "ehrsync_queue_depth", "Jobs currently queued."},
	{"workers_busy", "ehrsync_workers_busy", "Workers currently processing a job."},
	{"db_pool_active", "ehrsync_db_pool_active_connections", "Active database pool connections."},
	{"db_pool_idle", "ehrsync_db_pool_idle_connections", "Idle database pool connections."},
}

// Handler serves the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder
		snap := m.counters.snapshot()

		for _, meta := range counterMeta {
			fmt.Fprintf(&b, "# HELP %s %s\n", meta.name, meta.help)
			fmt.Fprintf(&b, "# TYPE %s counter\n", meta.name)
			found := false
			for key, val := range snap {
				parts := strings.SplitN(key, "|", 3)
				if parts[0] != meta.key {
					continue
				}
				found = true
				if len(meta.labels) == 0 {
					fmt.Fprintf(&b, "%s %d\n", meta.name, val)
					continue
				}
				pairs := make([]string, 0, len(meta.labels))
				for i, label := range meta.labels {
					pairs = append(pairs, fmt.Sprintf("%s=%q", label, parts[i+1]))
				}
				fmt.Fprintf(&b, "%s{%s} %d\n", meta.name, strings.Join(pairs, ","), val)
			}
			if !found && len(meta.labels) == 0 {
				fmt.Fprintf(&b, "%s 0\n", meta.name)
			}
			b.WriteByte('\n')
		}

		for _, meta := range gaugeMeta {
			fmt.Fprintf(&b, "# HELP %s %s\n", meta.name, meta.help)
			fmt.Fprintf(&b, "# TYPE %s gauge\n", meta.name)
			fmt.Fprintf(&b, "%s %d\n", meta.name, m.gauges.get(meta.key))
			b.WriteByte('\n')
		}

		writeHistogram(&b, "http_server_request_duration_seconds",
			"Duration of HTTP requests in seconds.", "", m.httpDuration)

		m.httpByRouteMu.RLock()
		routes := make(map[string]*histogram, len(m.httpByRoute))
		for k, v := range m.httpByRoute {
			routes[k] = v
		}
		m.httpByRouteMu.RUnlock()

		b.WriteString("# HELP http_server_route_duration_seconds Duration of HTTP requests per route.\n")
		b.WriteString("# TYPE http_server_route_duration_seconds histogram\n")
		for key, h := range routes {
			parts := strings.SplitN(key, "|", 3)
			if len(parts) != 3 {
				continue
			}
			labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
			writeHistogramSeries(&b, "http_server_route_duration_seconds", labels, h)
		}
		b.WriteByte('\n')

		return c.String(http.StatusOK, b.String())
	}
}

func writeHistogram(b *strings.Builder, name, help, labels string, h *histogram) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s histogram\n", name)
	writeHistogramSeries(b, name, labels, h)
	b.WriteByte('\n')
}

func writeHistogramSeries(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()

	labelsPrefix := ""
	labelsSuffix := ""
	if labels != "" {
		labelsPrefix = labels + ","
		labelsSuffix = "{" + labels + "}"
	}

	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, labelsPrefix, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, labelsPrefix, total)
	fmt.Fprintf(b, "%s_sum%s %g\n", name, labelsSuffix, h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, labelsSuffix, total)
}
