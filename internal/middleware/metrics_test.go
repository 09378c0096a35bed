package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"forward-proxy/internal/metrics"
)

// adminLabels returns the label sets recorded for forward_proxy_admin_requests_total.
func adminLabels(t *testing.T, m *metrics.Metrics) []map[string]string {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	var out []map[string]string
	for _, f := range families {
		if f.GetName() != "forward_proxy_admin_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			out = append(out, labels)
		}
	}
	return out
}

func TestAdminMetrics_IncrementsCounter(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(AdminMetrics(m))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	got := adminLabels(t, m)
	if len(got) != 1 {
		t.Fatalf("got %d label sets, want 1: %v", len(got), got)
	}
	want := map[string]string{"method": "GET", "status_code": "200", "route": "/healthz"}
	for k, v := range want {
		if got[0][k] != v {
			t.Errorf("label %s = %q, want %q", k, got[0][k], v)
		}
	}
}

func TestAdminMetrics_HTTPErrorStatus(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(AdminMetrics(m))
	e.GET("/proxy/status", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "draining")
	})

	req := httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	got := adminLabels(t, m)
	if len(got) != 1 || got[0]["status_code"] != "503" {
		t.Errorf("labels = %v, want status_code 503", got)
	}
}

func TestAdminMetrics_UnknownMethodNormalized(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(AdminMetrics(m))
	e.Any("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest("XYZZY", "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	got := adminLabels(t, m)
	if len(got) != 1 || got[0]["method"] != "other" {
		t.Errorf("labels = %v, want method other", got)
	}
}

func TestAdminMetrics_RouterNotFound(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(AdminMetrics(m))

	req := httptest.NewRequest(http.MethodGet, "/nonexistent/123", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	got := adminLabels(t, m)
	if len(got) != 1 || got[0]["route"] != "other" || got[0]["status_code"] != "404" {
		t.Errorf("labels = %v, want route other with status_code 404", got)
	}
}
