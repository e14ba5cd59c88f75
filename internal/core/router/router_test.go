package router

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"

	"github.com/mohammed-shakir/backoffice-sync/internal/cache/query"
	"github.com/mohammed-shakir/backoffice-sync/internal/core/apierr"
	"github.com/mohammed-shakir/backoffice-sync/internal/core/executor"
	"github.com/mohammed-shakir/backoffice-sync/internal/resources"
	"github.com/mohammed-shakir/backoffice-sync/internal/timerange"
)

type harness struct {
	h         http.Handler
	cache     *query.Cache
	dashHits  atomic.Int32
	failRealt atomic.Bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	hs := &harness{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/analytics/dashboard":
			hs.dashHits.Add(1)
			_, _ = w.Write([]byte(`{"metrics":{"revenue":42}}`))
		case "/api/analytics/realtime":
			if hs.failRealt.Load() {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"message":"db down"}`))
				return
			}
			_, _ = w.Write([]byte(`{"activeUsers":3}`))
		case "/api/reports":
			_, _ = w.Write([]byte(`{"items":[{"id":"r1","title":"Q1"}],"total":1}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(upstream.Close)

	exec, err := executor.New(executor.Options{BaseURL: upstream.URL + "/api", Client: upstream.Client()})
	if err != nil {
		t.Fatalf("executor.New: %v", err)
	}
	clk := clockwork.NewFakeClockAt(time.Date(2026, time.May, 14, 10, 30, 0, 0, time.UTC))
	qc, err := query.New(query.Options{Clock: clk})
	if err != nil {
		t.Fatalf("query.New: %v", err)
	}
	t.Cleanup(qc.Close)
	rc, err := resources.New(resources.Options{Exec: exec, Cache: qc, Clock: clk})
	if err != nil {
		t.Fatalf("resources.New: %v", err)
	}

	api := &API{Resources: rc, Cache: qc, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	r := chi.NewRouter()
	api.Routes(r)
	hs.h, hs.cache = r, qc
	return hs
}

func (hs *harness) do(t *testing.T, method, target string) (int, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	hs.h.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, target, rr.Body.String(), err)
	}
	return rr.Code, body
}

func TestParseDashboardRequest(t *testing.T) {
	cases := []struct {
		target  string
		wantErr bool
		preset  timerange.Preset
	}{
		{"/v1/analytics/dashboard?preset=thisQuarter&region=emea", false, timerange.ThisQuarter},
		{"/v1/analytics/dashboard?preset=LASTMONTH", false, timerange.LastMonth},
		{"/v1/analytics/dashboard", true, ""},
		{"/v1/analytics/dashboard?preset=fortnight", true, ""},
		{"/v1/analytics/dashboard?preset=custom&from=2026-01-01T00:00:00Z", true, ""},
		{"/v1/analytics/dashboard?preset=custom&from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", false, timerange.Custom},
	}
	for _, tc := range cases {
		req, err := ParseDashboardRequest(httptest.NewRequest(http.MethodGet, tc.target, nil))
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.target)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.target, err)
		}
		if req.Preset != tc.preset {
			t.Fatalf("%s: preset=%s want %s", tc.target, req.Preset, tc.preset)
		}
		if _, ok := req.Filters["preset"]; ok {
			t.Fatalf("%s: preset leaked into filters", tc.target)
		}
	}
}

func TestDashboard_ServesFromCache(t *testing.T) {
	hs := newHarness(t)
	code, body := hs.do(t, http.MethodGet, "/v1/analytics/dashboard?preset=thisMonth")
	if code != http.StatusOK {
		t.Fatalf("status=%d body=%v", code, body)
	}
	rng := body["range"].(map[string]any)
	if rng["label"] != "thisMonth" || !strings.HasPrefix(rng["start"].(string), "2026-05-01") {
		t.Fatalf("range=%v", rng)
	}
	hs.do(t, http.MethodGet, "/v1/analytics/dashboard?preset=thisMonth")
	if n := hs.dashHits.Load(); n != 1 {
		t.Fatalf("upstream hits=%d want 1", n)
	}

	code, body = hs.do(t, http.MethodGet, "/v1/analytics/dashboard?preset=fortnight")
	if code != http.StatusBadRequest {
		t.Fatalf("unknown preset status=%d body=%v", code, body)
	}
	code, _ = hs.do(t, http.MethodGet, "/v1/analytics/dashboard?preset=custom&from=2026-03-01T00:00:00Z&to=2026-01-01T00:00:00Z")
	if code != http.StatusBadRequest {
		t.Fatalf("inverted custom range status=%d", code)
	}
}

func TestRealtime_UpstreamFailureMapsTo502(t *testing.T) {
	hs := newHarness(t)
	hs.failRealt.Store(true)
	code, body := hs.do(t, http.MethodGet, "/v1/analytics/realtime")
	if code != http.StatusBadGateway {
		t.Fatalf("status=%d", code)
	}
	if body["class"] != "http" || body["message"] != "db down" {
		t.Fatalf("body=%v", body)
	}
}

func TestInvalidate_MarksTaggedEntries(t *testing.T) {
	hs := newHarness(t)
	if code, _ := hs.do(t, http.MethodGet, "/v1/reports"); code != http.StatusOK {
		t.Fatalf("reports status=%d", code)
	}
	hs.do(t, http.MethodGet, "/v1/analytics/dashboard?preset=today")

	code, body := hs.do(t, http.MethodPost, "/v1/invalidate?tag=reports")
	if code != http.StatusOK || body["invalidated"].(float64) != 1 {
		t.Fatalf("status=%d body=%v", code, body)
	}

	_, snap := hs.do(t, http.MethodGet, "/v1/cache")
	if snap["count"].(float64) != 2 {
		t.Fatalf("snapshot=%v", snap)
	}
	stale := 0
	for _, e := range snap["entries"].([]any) {
		if e.(map[string]any)["stale"] == true {
			stale++
		}
	}
	if stale != 1 {
		t.Fatalf("stale entries=%d want 1", stale)
	}

	if code, _ := hs.do(t, http.MethodPost, "/v1/invalidate"); code != http.StatusBadRequest {
		t.Fatalf("empty invalidate status=%d", code)
	}
	if code, _ := hs.do(t, http.MethodPost, "/v1/invalidate?key=nohash"); code != http.StatusBadRequest {
		t.Fatalf("malformed key status=%d", code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&timerange.UnknownPresetError{Preset: "x"}, http.StatusBadRequest},
		{&apierr.ValidationError{HTTPError: apierr.HTTPError{Status: 422}}, http.StatusUnprocessableEntity},
		{&apierr.SessionExpiredError{}, http.StatusUnauthorized},
		{&apierr.TimeoutError{}, http.StatusGatewayTimeout},
		{&apierr.NetworkError{Err: errors.New("refused")}, http.StatusBadGateway},
		{&apierr.HTTPError{Status: 404}, http.StatusNotFound},
		{&apierr.HTTPError{Status: 503}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		if got := StatusFor(tc.err); got != tc.want {
			t.Fatalf("%T: got %d want %d", tc.err, got, tc.want)
		}
	}
}
