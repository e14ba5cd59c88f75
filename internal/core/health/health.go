// Package health serves the liveness and readiness endpoints.
package health

import (
	"encoding/json"
	"net/http"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	}
}

// ReadinessReporter is implemented by background consumers. Partitions are
// only meaningful for the kafka consumer.
type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

type ReporterFunc func() (bool, []int32)

func (f ReporterFunc) Readiness() (bool, []int32) { return f() }

// Always reports ready; used when no invalidation bus is configured.
var Always ReadinessReporter = ReporterFunc(func() (bool, []int32) { return true, nil })

func Readiness(rr ReadinessReporter) http.HandlerFunc {
	if rr == nil {
		rr = Always
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		type resp struct {
			Status     string  `json:"status"`
			Partitions []int32 `json:"partitions,omitempty"`
		}
		ready, parts := rr.Readiness()
		out := resp{Status: "not_ready"}
		if ready {
			out.Status = "ready"
			out.Partitions = parts
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
