package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.JobProcessed("FULL_SYNC", "COMPLETED")
	m.JobProcessed("FULL_SYNC", "COMPLETED")
	m.JobProcessed("INCREMENTAL_SYNC", "FAILED")
	m.JobRetried()
	m.ErrorRecorded(CodeNetwork, SeverityMedium)
	m.DedupHit()
	m.IncidentRaised(CategoryPHIDisclosure)
	m.WebhookReceived("epic", "PROCESSED")
	m.VendorRequest("cerner", "ok")
	m.TokenRefreshed("epic")

	if got := m.Counter("jobs_processed", "FULL_SYNC", "COMPLETED"); got != 2 {
		t.Errorf("jobs_processed = %d, want 2", got)
	}
	if got := m.Counter("jobs_processed", "INCREMENTAL_SYNC", "FAILED"); got != 1 {
		t.Errorf("jobs_processed failed = %d, want 1", got)
	}
	if got := m.Counter("job_retries", "", ""); got != 1 {
		t.Errorf("job_retries = %d, want 1", got)
	}
	if got := m.Counter("errors_recorded", CodeNetwork, SeverityMedium); got != 1 {
		t.Errorf("errors_recorded = %d, want 1", got)
	}
	if got := m.Counter("incidents_raised", CategoryPHIDisclosure, ""); got != 1 {
		t.Errorf("incidents_raised = %d, want 1", got)
	}
	if got := m.Counter("never_incremented", "", ""); got != 0 {
		t.Errorf("unknown counter = %d, want 0", got)
	}
}

func TestMetrics_Gauges(t *testing.T) {
	m := NewMetrics()
	m.SetQueueDepth(42)
	m.SetWorkersBusy(7)
	m.SetDBPool(9, 3)

	if got := m.Gauge("queue_depth"); got != 42 {
		t.Errorf("queue_depth = %d, want 42", got)
	}
	if got := m.Gauge("workers_busy"); got != 7 {
		t.Errorf("workers_busy = %d, want 7", got)
	}
	if got := m.Gauge("db_pool_active"); got != 9 {
		t.Errorf("db_pool_active = %d, want 9", got)
	}
	if got := m.Gauge("db_pool_idle"); got != 3 {
		t.Errorf("db_pool_idle = %d, want 3", got)
	}
}

func TestMetrics_ConcurrentIncrements(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.DedupHit()
			}
		}()
	}
	wg.Wait()

	if got := m.Counter("error_dedup_hits", "", ""); got != 5000 {
		t.Errorf("error_dedup_hits = %d, want 5000", got)
	}
}

func TestHistogram_Observe(t *testing.T) {
	h := newHistogram([]float64{0.1, 0.5, 1})

	h.Observe(0.05)
	h.Observe(0.3)
	h.Observe(0.7)
	h.Observe(2)

	if h.Count() != 4 {
		t.Errorf("Count = %d, want 4", h.Count())
	}
	sum := h.Sum()
	if sum < 3.04 || sum > 3.06 {
		t.Errorf("Sum = %f, want ~3.05", sum)
	}
	cum := h.cumulativeBuckets()
	want := []int64{1, 2, 3, 4}
	for i, w := range want {
		if cum[i] != w {
			t.Errorf("bucket[%d] = %d, want %d", i, cum[i], w)
		}
	}
}

func TestMetrics_MiddlewareRecordsRoute(t *testing.T) {
	m := NewMetrics()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/fhir/:type", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if m.httpDuration.Count() != 1 {
		t.Errorf("request histogram count = %d, want 1", m.httpDuration.Count())
	}

	h := m.routeHistogram("GET|/fhir/:type|200")
	if h == nil || h.Count() != 1 {
		t.Error("expected one observation for GET /fhir/:type 200")
	}
}

func TestMetrics_HandlerExposition(t *testing.T) {
	m := NewMetrics()
	m.JobProcessed("FULL_SYNC", "COMPLETED")
	m.ErrorRecorded(CodeDBConnection, SeverityHigh)
	m.IncidentRaised(CategoryUnauthorizedAccess)
	m.SetQueueDepth(5)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := m.Handler()(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	body := rec.Body.String()

	wantLines := []string{
		`ehrsync_jobs_processed_total{type="FULL_SYNC",status="COMPLETED"} 1`,
		`ehrsync_errors_recorded_total{master_code="DB_CONNECTION_ERROR",severity="HIGH"} 1`,
		`ehrsync_incidents_raised_total{category="UNAUTHORIZED_ACCESS"} 1`,
		`ehrsync_queue_depth 5`,
		"# TYPE ehrsync_jobs_processed_total counter",
		"# TYPE ehrsync_queue_depth gauge",
		"# TYPE http_server_request_duration_seconds histogram",
	}
	for _, want := range wantLines {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
