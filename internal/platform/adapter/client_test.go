package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
	"github.com/medbridge/ehrsync/internal/platform/smart"
	"github.com/medbridge/ehrsync/internal/platform/telemetry"
)

// -- Mock Token Source --

type mockTokenSource struct {
	mu        sync.Mutex
	current   string
	next      string
	refreshes int
}

func newMockTokenSource(token string) *mockTokenSource {
	return &mockTokenSource{current: token, next: token}
}

func (m *mockTokenSource) EnsureFresh(_ context.Context, _ uuid.UUID) (*smart.TokenSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &smart.TokenSet{AccessToken: m.current, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (m *mockTokenSource) ForceRefresh(_ context.Context, _ uuid.UUID) (*smart.TokenSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes++
	m.current = m.next
	return &smart.TokenSet{AccessToken: m.current, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func testProfile(vendor string) Profile {
	return Profile{
		Vendor:        vendor,
		ResourceTypes: withExtras("CarePlan", "Encounter", "DiagnosticReport"),
		MinInterval:   time.Millisecond,
		BulkExport:    true,
		MaxConcurrent: 4,
	}
}

func newTestAdapter(tokens TokenSource, httpClient *http.Client) *base {
	client := newRESTClient(testProfile("epic"), httpClient, tokens, telemetry.NewMetrics(), zerolog.Nop())
	return &base{restClient: client}
}

func testConn() Conn {
	return Conn{ID: uuid.New(), Vendor: "epic", FHIRBaseURL: "https://unused", ClientID: "client-1"}
}

// -- Authorization Retry --

func TestGet_RefreshesOnceOn401(t *testing.T) {
	var gotAuth []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = append(gotAuth, r.Header.Get("Authorization"))
		if r.Header.Get("Authorization") != "Bearer token-new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"resourceType":"Patient","id":"p1"}`))
	}))
	defer srv.Close()

	tokens := newMockTokenSource("token-old")
	tokens.next = "token-new"
	a := newTestAdapter(tokens, srv.Client())
	conn := testConn()
	conn.FHIRBaseURL = srv.URL

	doc, err := a.FetchPatient(context.Background(), conn, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.ID() != "p1" {
		t.Fatalf("patient id = %q", doc.ID())
	}
	if tokens.refreshes != 1 {
		t.Fatalf("force refreshes = %d, want 1", tokens.refreshes)
	}
	if len(gotAuth) != 2 || gotAuth[0] != "Bearer token-old" || gotAuth[1] != "Bearer token-new" {
		t.Fatalf("auth headers = %v", gotAuth)
	}
}

func TestGet_PersistentUnauthorized(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := newMockTokenSource("token")
	a := newTestAdapter(tokens, srv.Client())
	conn := testConn()
	conn.FHIRBaseURL = srv.URL

	_, err := a.FetchPatient(context.Background(), conn, "p1")
	if apperror.CodeOf(err) != apperror.CodeUnauthorized {
		t.Fatalf("code = %q, want %q", apperror.CodeOf(err), apperror.CodeUnauthorized)
	}
	if apperror.IsTransient(err) {
		t.Fatal("authorization failure must not be transient")
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("server saw %d calls, want 2 (one refresh, one retry)", n)
	}
	if tokens.refreshes != 1 {
		t.Fatalf("force refreshes = %d, want exactly 1", tokens.refreshes)
	}
}

// -- Status Translation --

func TestGet_TranslatesStatuses(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		wantCode  string
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, apperror.CodeNetwork, true},
		{"unavailable", http.StatusServiceUnavailable, apperror.CodeNetwork, true},
		{"not found", http.StatusNotFound, apperror.CodeAPIIntegration, false},
		{"unprocessable", http.StatusUnprocessableEntity, apperror.CodeAPIIntegration, false},
		{"server error", http.StatusInternalServerError, apperror.CodeEHRFHIR, true},
		{"bad gateway", http.StatusBadGateway, apperror.CodeEHRFHIR, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			a := newTestAdapter(newMockTokenSource("t"), srv.Client())
			conn := testConn()
			conn.FHIRBaseURL = srv.URL

			_, err := a.FetchPatient(context.Background(), conn, "p1")
			if apperror.CodeOf(err) != tc.wantCode {
				t.Fatalf("code = %q, want %q", apperror.CodeOf(err), tc.wantCode)
			}
			if apperror.IsTransient(err) != tc.transient {
				t.Fatalf("transient = %v, want %v", apperror.IsTransient(err), tc.transient)
			}
		})
	}
}

func TestGet_RetryAfterHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := newTestAdapter(newMockTokenSource("t"), srv.Client())
	conn := testConn()
	conn.FHIRBaseURL = srv.URL

	_, err := a.FetchPatient(context.Background(), conn, "p1")
	if err == nil {
		t.Fatal("expected error")
	}
	d, ok := RetryAfterHint(err)
	if !ok || d != 17*time.Second {
		t.Fatalf("retry-after = %v (present %v), want 17s", d, ok)
	}
}

func TestGet_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	a := newTestAdapter(newMockTokenSource("t"), nil)
	conn := testConn()
	conn.FHIRBaseURL = srv.URL

	_, err := a.FetchPatient(context.Background(), conn, "p1")
	if apperror.CodeOf(err) != apperror.CodeNetwork {
		t.Fatalf("code = %q, want %q", apperror.CodeOf(err), apperror.CodeNetwork)
	}
	if !apperror.IsTransient(err) {
		t.Fatal("network failure must be transient")
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d, ok := parseRetryAfter("30"); !ok || d != 30*time.Second {
		t.Fatalf("seconds form: %v %v", d, ok)
	}
	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	if d, ok := parseRetryAfter(future); !ok || d < 80*time.Second || d > 90*time.Second {
		t.Fatalf("date form: %v %v", d, ok)
	}
	if _, ok := parseRetryAfter("soon"); ok {
		t.Fatal("garbage accepted")
	}
	if _, ok := parseRetryAfter(""); ok {
		t.Fatal("empty accepted")
	}
}

// -- Pacing --

func TestGet_SpacesRequestsPerConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"resourceType":"Patient","id":"p1"}`))
	}))
	defer srv.Close()

	profile := testProfile("epic")
	profile.MinInterval = 40 * time.Millisecond
	client := newRESTClient(profile, srv.Client(), newMockTokenSource("t"), telemetry.NewMetrics(), zerolog.Nop())
	a := &base{restClient: client}
	conn := testConn()
	conn.FHIRBaseURL = srv.URL

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := a.FetchPatient(context.Background(), conn, "p1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	// Burst 1 plus two spaced requests.
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("three requests took %v, want >= 80ms of spacing", elapsed)
	}
}

func TestGet_VendorCeilingCapsConcurrency(t *testing.T) {
	var inFlight, peak int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		w.Write([]byte(`{"resourceType":"Patient","id":"p1"}`))
	}))
	defer srv.Close()

	profile := testProfile("epic")
	profile.MaxConcurrent = 2
	client := newRESTClient(profile, srv.Client(), newMockTokenSource("t"), telemetry.NewMetrics(), zerolog.Nop())
	a := &base{restClient: client}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := testConn()
			conn.FHIRBaseURL = srv.URL
			if _, err := a.FetchPatient(context.Background(), conn, "p1"); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", p)
	}
}

// -- Decoration --

func TestEpicAdapter_SendsClientIDHeader(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("Epic-Client-ID")
		w.Write([]byte(`{"resourceType":"Patient","id":"p1"}`))
	}))
	defer srv.Close()

	reg := NewRegistry(newMockTokenSource("t"), srv.Client(), Config{
		MinIntervals: map[string]time.Duration{"epic": time.Millisecond},
	}, telemetry.NewMetrics(), zerolog.Nop())
	a, err := reg.For("epic")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	conn := testConn()
	conn.FHIRBaseURL = srv.URL

	if _, err := a.FetchPatient(context.Background(), conn, "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotHeader != "client-1" {
		t.Fatalf("Epic-Client-ID = %q", gotHeader)
	}
}

func TestRegistry_UnknownVendor(t *testing.T) {
	reg := NewRegistry(newMockTokenSource("t"), nil, Config{}, telemetry.NewMetrics(), zerolog.Nop())
	if _, err := reg.For("pointclickcare"); apperror.CodeOf(err) != apperror.CodeValidation {
		t.Fatalf("code = %q, want %q", apperror.CodeOf(err), apperror.CodeValidation)
	}
	if len(reg.Vendors()) != 7 {
		t.Fatalf("vendor count = %d, want 7", len(reg.Vendors()))
	}
}
