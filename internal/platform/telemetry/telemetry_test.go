package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ---------------------------------------------------------------------------
// Config defaults
// ---------------------------------------------------------------------------

func TestTelemetryConfig_Defaults(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{})
	defer tp.Shutdown(context.Background())

	if tp.cfg.ServiceName != "mpps-scp" {
		t.Fatalf("expected default ServiceName='mpps-scp', got %q", tp.cfg.ServiceName)
	}
	if tp.cfg.ServiceVersion != "0.0.0" {
		t.Fatalf("expected default ServiceVersion='0.0.0', got %q", tp.cfg.ServiceVersion)
	}
	if tp.cfg.Environment != "development" {
		t.Fatalf("expected default Environment='development', got %q", tp.cfg.Environment)
	}
	if !tp.cfg.metricsOn() {
		t.Fatal("expected MetricsEnabled=true by default")
	}
}

func TestResource(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{ServiceName: "radiology", Environment: "production"})
	res := tp.Resource()
	if res["service.name"] != "radiology" {
		t.Errorf("expected service.name=radiology, got %q", res["service.name"])
	}
	if res["deployment.environment"] != "production" {
		t.Errorf("expected deployment.environment=production, got %q", res["deployment.environment"])
	}
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

func TestShutdown_Idempotent(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{})
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Recorders
// ---------------------------------------------------------------------------

func TestNilProvider_IsSafe(t *testing.T) {
	var tp *TelemetryProvider
	tp.AssociationResult("accepted")
	tp.AssociationOpened()
	tp.AssociationClosed()
	tp.DIMSERequest("N-CREATE", 0, time.Millisecond)
	tp.ProcedureStepOperation("create", "ok")
	tp.BridgeNotification("COMPLETED", "ok")
	tp.HealthMetrics().SetDBPoolActive(3)
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
}

func TestAssociationMetrics(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{})
	tp.AssociationResult("accepted")
	tp.AssociationResult("accepted")
	tp.AssociationResult("rejected")
	tp.AssociationOpened()
	tp.AssociationOpened()
	tp.AssociationClosed()

	if got := testutil.ToFloat64(tp.associations.WithLabelValues("accepted")); got != 2 {
		t.Errorf("expected 2 accepted, got %v", got)
	}
	if got := testutil.ToFloat64(tp.associations.WithLabelValues("rejected")); got != 1 {
		t.Errorf("expected 1 rejected, got %v", got)
	}
	if got := testutil.ToFloat64(tp.activeAssociations); got != 1 {
		t.Errorf("expected 1 active association, got %v", got)
	}
}

func TestDIMSERequest_StatusLabel(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{})
	tp.DIMSERequest("N-SET", 0x0110, 5*time.Millisecond)
	if got := testutil.ToFloat64(tp.dimseRequests.WithLabelValues("N-SET", "0x110")); got != 1 {
		t.Errorf("expected 1 N-SET 0x110, got %v", got)
	}
}

func TestMetricsDisabled(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{MetricsEnabled: BoolPtr(false)})
	tp.ProcedureStepOperation("create", "ok")
	if got := testutil.ToFloat64(tp.procedureSteps.WithLabelValues("create", "ok")); got != 0 {
		t.Errorf("expected no recording when disabled, got %v", got)
	}
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

func TestMetricsMiddleware_AndHandler(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{})
	tp.ProcedureStepOperation("update", "terminal")
	tp.BridgeNotification("COMPLETED", "ok")

	e := echo.New()
	e.Use(tp.MetricsMiddleware())
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })
	e.GET("/metrics", tp.PrometheusHandler())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`http_server_request_duration_seconds_count{environment="development",method="GET",route="/ping",service="mpps-scp",status_code="200",version="0.0.0"} 1`,
		`mpps_operations_total{environment="development",operation="update",outcome="terminal",service="mpps-scp",version="0.0.0"} 1`,
		`mpps_bridge_notifications_total{environment="development",outcome="ok",service="mpps-scp",status="COMPLETED",version="0.0.0"} 1`,
		"# TYPE dicom_active_associations gauge",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}
