package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

func scrape(t *testing.T, reg *Registry) string {
	t.Helper()
	rr := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected metrics handler to return 200, got %d", rr.Code)
	}
	return rr.Body.String()
}

func TestHTTPCollectorRecordsMetrics(t *testing.T) {
	reg, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}
	collector, err := NewHTTPCollector(reg)
	if err != nil {
		t.Fatalf("NewHTTPCollector returned error: %v", err)
	}

	handlerInvoked := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerInvoked = true
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	})

	rr := httptest.NewRecorder()
	collector.InstrumentHandler(handler).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/test", nil))

	if !handlerInvoked {
		t.Fatal("expected handler to be invoked")
	}
	if rr.Code != http.StatusAccepted {
		t.Fatalf("unexpected status code: %d", rr.Code)
	}

	body := scrape(t, reg)
	if !strings.Contains(body, `flashreport_http_requests_total{method="GET",path="/test",status="202"} 1`) {
		t.Fatalf("requests_total metric not recorded, body=%q", body)
	}
	if !strings.Contains(body, `flashreport_http_request_duration_seconds_count{method="GET",path="/test",status="202"} 1`) {
		t.Fatalf("request_duration_seconds_count metric not recorded, body=%q", body)
	}
}

func TestHTTPCollectorUsesRoutePattern(t *testing.T) {
	reg, _ := NewRegistry()
	collector, err := NewHTTPCollector(reg)
	if err != nil {
		t.Fatalf("NewHTTPCollector returned error: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/events/{id}", func(w http.ResponseWriter, r *http.Request) {})
	handler := collector.InstrumentHandler(mux)

	for _, id := range []string{"a", "b"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/events/"+id, nil))
	}

	body := scrape(t, reg)
	if !strings.Contains(body, `flashreport_http_requests_total{method="GET",path="GET /api/events/{id}",status="200"} 2`) {
		t.Fatalf("expected pattern label, body=%q", body)
	}
}

func TestPipelineCollector(t *testing.T) {
	reg, _ := NewRegistry()
	c, err := NewPipelineCollector(reg)
	if err != nil {
		t.Fatalf("NewPipelineCollector returned error: %v", err)
	}

	c.ObserveSignal("created")
	c.ObserveSignal("merged")
	c.ObserveSignal("merged")
	c.ObserveAnalysisBatch("ok")
	c.AddAnalysisWrites(3)
	c.ObserveRun(2*time.Second, true, time.Unix(1700000000, 0))

	body := scrape(t, reg)
	for _, want := range []string{
		`flashreport_clustering_signals_total{outcome="created"} 1`,
		`flashreport_clustering_signals_total{outcome="merged"} 2`,
		`flashreport_analysis_batches_total{result="ok"} 1`,
		`flashreport_analysis_writes_total 3`,
		`flashreport_pipeline_run_duration_seconds_count{success="true"} 1`,
		`flashreport_pipeline_last_success_timestamp_seconds 1.7e+09`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in metrics output", want)
		}
	}
}

func TestDuplicateRegistrationFails(t *testing.T) {
	reg, _ := NewRegistry()
	if _, err := NewPipelineCollector(reg); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if _, err := NewPipelineCollector(reg); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegisterDBExportsPoolStats(t *testing.T) {
	reg, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	// sql.Open does not dial, so no server is needed.
	db, err := sql.Open("postgres", "host=127.0.0.1 dbname=none sslmode=disable")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	if err := reg.RegisterDB(db, "flashreport"); err != nil {
		t.Fatalf("RegisterDB: %v", err)
	}
	body := scrape(t, reg)
	if !strings.Contains(body, `go_sql_open_connections{db_name="flashreport"}`) {
		t.Error("missing pool stats in metrics output")
	}
}
