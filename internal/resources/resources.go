// Package resources is the typed client for the back-office endpoints. Reads
// go through the query cache; mutations invalidate the tags they affect.
package resources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mohammed-shakir/backoffice-sync/internal/cache/keys"
	"github.com/mohammed-shakir/backoffice-sync/internal/cache/query"
	"github.com/mohammed-shakir/backoffice-sync/internal/core/executor"
	"github.com/mohammed-shakir/backoffice-sync/internal/timerange"
)

const (
	KindDashboard = "analytics/dashboard"
	KindRealtime  = "analytics/realtime"
	KindReports   = "reports"
	KindReport    = "reports/detail"
	KindScheduled = "reports/scheduled"

	TagAnalytics = "analytics"
	TagRealtime  = "realtime"
	TagReports   = "reports"
	TagScheduled = "scheduled"

	DefaultRealtimeInterval = 5 * time.Second
)

type Options struct {
	// Exec is normally the retry coordinator.
	Exec             executor.Interface
	Cache            *query.Cache
	Clock            clockwork.Clock
	RealtimeInterval time.Duration
	PollInterval     time.Duration
	Logger           *slog.Logger
}

type Client struct {
	exec     executor.Interface
	cache    *query.Cache
	clock    clockwork.Clock
	resolver timerange.Resolver
	realtime time.Duration
	poll     time.Duration
	logger   *slog.Logger
}

func New(opts Options) (*Client, error) {
	if opts.Exec == nil || opts.Cache == nil {
		return nil, errors.New("resources: executor and cache are required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.RealtimeInterval <= 0 {
		opts.RealtimeInterval = DefaultRealtimeInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	clk := opts.Clock
	return &Client{
		exec:  opts.Exec,
		cache: opts.Cache,
		clock: clk,
		// Open ended presets end at "now"; minute granularity keeps their
		// keys stable between polls.
		resolver: timerange.Resolver{Now: func() time.Time { return clk.Now().Truncate(time.Minute) }},
		realtime: opts.RealtimeInterval,
		poll:     opts.PollInterval,
		logger:   opts.Logger,
	}, nil
}

func (c *Client) Cache() *query.Cache { return c.cache }

// DashboardDescriptor resolves preset and describes the dashboard query.
func (c *Client) DashboardDescriptor(preset timerange.Preset, f Filters) (query.Descriptor, error) {
	r, err := c.resolver.Resolve(preset)
	if err != nil {
		return query.Descriptor{}, err
	}
	return c.DashboardRangeDescriptor(r, f), nil
}

func (c *Client) DashboardRangeDescriptor(r timerange.Range, f Filters) query.Descriptor {
	q := f.values()
	q.Set("timeRange", r.Label)
	q.Set("from", r.Start.UTC().Format(time.RFC3339))
	q.Set("to", r.End.UTC().Format(time.RFC3339))

	params := f.params()
	params["range"] = r
	return query.Descriptor{
		Key:          keys.Make(KindDashboard, params),
		Tags:         []string{TagAnalytics},
		PollInterval: c.poll,
		Fetch: func(ctx context.Context) (any, error) {
			var d Dashboard
			if err := c.call(ctx, executor.Request{Method: http.MethodGet, Path: "/analytics/dashboard", Query: q}, &d); err != nil {
				return nil, err
			}
			d.Range = r
			return &d, nil
		},
	}
}

func (c *Client) Dashboard(ctx context.Context, preset timerange.Preset, f Filters) (*Dashboard, error) {
	d, err := c.DashboardDescriptor(preset, f)
	if err != nil {
		return nil, err
	}
	return fetchAs[*Dashboard](ctx, c.cache, d)
}

// DashboardRange serves a custom range; start after end fails with
// *timerange.InvalidRangeError.
func (c *Client) DashboardRange(ctx context.Context, start, end time.Time, f Filters) (*Dashboard, error) {
	r, err := timerange.ResolveCustom(start, end)
	if err != nil {
		return nil, err
	}
	return fetchAs[*Dashboard](ctx, c.cache, c.DashboardRangeDescriptor(r, f))
}

// RealtimeDescriptor is always stale so every poll tick goes upstream.
func (c *Client) RealtimeDescriptor() query.Descriptor {
	return query.Descriptor{
		Key:          keys.Make(KindRealtime, nil),
		Tags:         []string{TagAnalytics, TagRealtime},
		StaleTime:    -1,
		PollInterval: c.realtime,
		Fetch: func(ctx context.Context) (any, error) {
			var rt Realtime
			if err := c.call(ctx, executor.Request{Method: http.MethodGet, Path: "/analytics/realtime"}, &rt); err != nil {
				return nil, err
			}
			return &rt, nil
		},
	}
}

func (c *Client) Realtime(ctx context.Context) (*Realtime, error) {
	return fetchAs[*Realtime](ctx, c.cache, c.RealtimeDescriptor())
}

func (c *Client) ReportsDescriptor(f Filters) query.Descriptor {
	q := f.values()
	return query.Descriptor{
		Key:          keys.Make(KindReports, f.params()),
		Tags:         []string{TagReports},
		PollInterval: c.poll,
		Fetch: func(ctx context.Context) (any, error) {
			var l ReportList
			if err := c.call(ctx, executor.Request{Method: http.MethodGet, Path: "/reports", Query: q}, &l); err != nil {
				return nil, err
			}
			return &l, nil
		},
	}
}

func (c *Client) ListReports(ctx context.Context, f Filters) (*ReportList, error) {
	return fetchAs[*ReportList](ctx, c.cache, c.ReportsDescriptor(f))
}

func reportKey(id string) keys.CacheKey {
	return keys.Make(KindReport, keys.Params{"id": id})
}

func (c *Client) ReportDescriptor(id string) query.Descriptor {
	return query.Descriptor{
		Key:  reportKey(id),
		Tags: []string{TagReports},
		Fetch: func(ctx context.Context) (any, error) {
			var r Report
			if err := c.call(ctx, executor.Request{Method: http.MethodGet, Path: "/reports/" + url.PathEscape(id)}, &r); err != nil {
				return nil, err
			}
			return &r, nil
		},
	}
}

func (c *Client) GetReport(ctx context.Context, id string) (*Report, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("report id is required")
	}
	return fetchAs[*Report](ctx, c.cache, c.ReportDescriptor(id))
}

// CreateReport never retries a validation failure; the caller's form shows
// the returned *apierr.ValidationError.
func (c *Client) CreateReport(ctx context.Context, in ReportInput) (*Report, error) {
	var r Report
	if err := c.call(ctx, executor.Request{Method: http.MethodPost, Path: "/reports", Body: in}, &r); err != nil {
		return nil, err
	}
	c.cache.InvalidateTag(TagReports)
	return &r, nil
}

func (c *Client) UpdateReport(ctx context.Context, id string, p ReportPatch) (*Report, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("report id is required")
	}
	var r Report
	if err := c.call(ctx, executor.Request{Method: http.MethodPatch, Path: "/reports/" + url.PathEscape(id), Body: p}, &r); err != nil {
		return nil, err
	}
	c.cache.InvalidateTag(TagReports)
	return &r, nil
}

func (c *Client) DeleteReport(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("report id is required")
	}
	if err := c.call(ctx, executor.Request{Method: http.MethodDelete, Path: "/reports/" + url.PathEscape(id)}, nil); err != nil {
		return err
	}
	c.cache.Evict(reportKey(id))
	c.cache.InvalidateTag(TagReports)
	return nil
}

func (c *Client) ScheduledDescriptor() query.Descriptor {
	return query.Descriptor{
		Key:          keys.Make(KindScheduled, nil),
		Tags:         []string{TagReports, TagScheduled},
		PollInterval: c.poll,
		Fetch: func(ctx context.Context) (any, error) {
			var out []ScheduledReport
			if err := c.call(ctx, executor.Request{Method: http.MethodGet, Path: "/reports/scheduled"}, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}
}

func (c *Client) ListScheduled(ctx context.Context) ([]ScheduledReport, error) {
	return fetchAs[[]ScheduledReport](ctx, c.cache, c.ScheduledDescriptor())
}

func (c *Client) CreateScheduled(ctx context.Context, in ScheduleInput) (*ScheduledReport, error) {
	var s ScheduledReport
	if err := c.call(ctx, executor.Request{Method: http.MethodPost, Path: "/reports/scheduled", Body: in}, &s); err != nil {
		return nil, err
	}
	c.cache.InvalidateTag(TagScheduled)
	return &s, nil
}

func (c *Client) call(ctx context.Context, req executor.Request, out any) error {
	resp, err := c.exec.Execute(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

func fetchAs[T any](ctx context.Context, qc *query.Cache, d query.Descriptor) (T, error) {
	var zero T
	v, err := qc.Fetch(ctx, d)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("resources: %s holds %T", d.Key.Kind, v)
	}
	return t, nil
}

func (f Filters) values() url.Values {
	q := url.Values{}
	for k, v := range f {
		if v != "" {
			q.Set(k, v)
		}
	}
	return q
}

func (f Filters) params() keys.Params {
	p := keys.Params{}
	for k, v := range f {
		if v != "" {
			p[k] = v
		}
	}
	return p
}
