package health

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLiveness_Handler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	Liveness()(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	ct := rr.Header().Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type=%q want text/plain", ct)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "ok" {
		t.Fatalf("body=%q want ok", got)
	}
}

func TestReadiness_Handler(t *testing.T) {
	cases := []struct {
		name   string
		rr     ReadinessReporter
		code   int
		status string
		parts  string
	}{
		{"nil reporter", nil, http.StatusOK, `"status":"ready"`, ""},
		{"not ready", ReporterFunc(func() (bool, []int32) { return false, []int32{1} }), http.StatusServiceUnavailable, `"status":"not_ready"`, ""},
		{"ready with partitions", ReporterFunc(func() (bool, []int32) { return true, []int32{0, 3} }), http.StatusOK, `"status":"ready"`, `"partitions":[0,3]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			Readiness(tc.rr)(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rr.Code != tc.code {
				t.Fatalf("status=%d want %d", rr.Code, tc.code)
			}
			body := rr.Body.String()
			if !strings.Contains(body, tc.status) {
				t.Fatalf("body=%s want %s", body, tc.status)
			}
			if tc.parts != "" && !strings.Contains(body, tc.parts) {
				t.Fatalf("body=%s want %s", body, tc.parts)
			}
			if tc.parts == "" && strings.Contains(body, "partitions") {
				t.Fatalf("unexpected partitions in %s", body)
			}
		})
	}
}
