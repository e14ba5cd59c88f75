// Package observability holds the prometheus collectors of the sync layer.
package observability

import (
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var enabled atomic.Bool

func init() {
	enabled.Store(true)
	for _, c := range all() {
		_ = prometheus.DefaultRegisterer.Register(c)
	}
}

// Init registers every collector with reg as well. With on=false all
// observations become no-ops.
func Init(reg prometheus.Registerer, on bool) {
	enabled.Store(on)
	if reg == nil || !on {
		return
	}
	for _, c := range all() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests served by the local surface.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Calls against the back-office API by outcome class.",
		},
		[]string{"method", "resource", "class"},
	)

	upstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"method", "resource"},
	)

	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "request_retries_total",
			Help: "Retries issued by the coordinator by reason.",
		},
		[]string{"reason"},
	)

	tokenRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_token_refresh_total",
			Help: "Token refresh attempts by result.",
		},
		[]string{"result"},
	)

	cacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_cache_results_total",
			Help: "Query cache lookups by outcome.",
		},
		[]string{"outcome"},
	)

	cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "query_cache_entries",
			Help: "Entries currently held by the query cache.",
		},
	)

	invalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_cache_invalidations_total",
			Help: "Invalidations applied by kind and origin.",
		},
		[]string{"kind", "origin"},
	)

	pollTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poller_ticks_total",
			Help: "Poll timer ticks by action taken.",
		},
		[]string{"action"},
	)

	pollActiveKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "poller_active_keys",
			Help: "Keys with at least one live subscriber.",
		},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "User facing error notifications by class.",
		},
		[]string{"class"},
	)
)

func all() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds,
		upstreamRequestsTotal, upstreamLatencySeconds,
		retriesTotal, tokenRefreshTotal,
		cacheResults, cacheEntries, invalidationsTotal,
		pollTicksTotal, pollActiveKeys,
		notificationsTotal,
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

// ObserveUpstream records one executor call. class is "ok" or an apierr class.
func ObserveUpstream(method, resource, class string, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	if class == "" {
		class = "ok"
	}
	upstreamRequestsTotal.WithLabelValues(method, resource, class).Inc()
	upstreamLatencySeconds.WithLabelValues(method, resource).Observe(durationSeconds)
}

func IncRetry(reason string) {
	if enabled.Load() {
		retriesTotal.WithLabelValues(reason).Inc()
	}
}

func IncTokenRefresh(result string) {
	if enabled.Load() {
		tokenRefreshTotal.WithLabelValues(result).Inc()
	}
}

// IncCacheResult counts hit, stale, miss and dedup lookups.
func IncCacheResult(outcome string) {
	if enabled.Load() {
		cacheResults.WithLabelValues(outcome).Inc()
	}
}

func SetCacheEntries(n int) {
	if enabled.Load() {
		cacheEntries.Set(float64(n))
	}
}

func ObserveInvalidation(kind, origin string, n int) {
	if enabled.Load() && n > 0 {
		invalidationsTotal.WithLabelValues(kind, origin).Add(float64(n))
	}
}

func IncPollTick(action string) {
	if enabled.Load() {
		pollTicksTotal.WithLabelValues(action).Inc()
	}
}

func SetPollActiveKeys(n int) {
	if enabled.Load() {
		pollActiveKeys.Set(float64(n))
	}
}

func IncNotification(class string) {
	if enabled.Load() {
		notificationsTotal.WithLabelValues(class).Inc()
	}
}
