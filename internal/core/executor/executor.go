// Package executor performs single authenticated calls against the back-office API.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mohammed-shakir/backoffice-sync/internal/auth"
	"github.com/mohammed-shakir/backoffice-sync/internal/core/apierr"
	"github.com/mohammed-shakir/backoffice-sync/internal/core/observability"
	"github.com/mohammed-shakir/backoffice-sync/internal/logger"
)

const (
	HeaderRequestID     = "X-Request-ID"
	DefaultTenantHeader = "X-Company-ID"
	DefaultTimeout      = 30 * time.Second

	maxErrorBody = 64 << 10
)

// Interface is what the retry layer and tests depend on.
type Interface interface {
	Execute(ctx context.Context, req Request) (*Response, error)
}

type Request struct {
	Method string
	// Path is relative to the base URL ("/reports/42").
	Path   string
	Query  url.Values
	Body   any
	Header http.Header
	// Resource labels metrics and logs; defaults to the first path segments.
	Resource string

	SkipAuth              bool
	SkipErrorNotification bool
	Timeout               time.Duration
}

type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	RequestID string
	Duration  time.Duration
}

func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Event is passed to observability hooks before and after a call.
type Event struct {
	RequestID string
	Method    string
	Path      string
	Resource  string
	Status    int
	Duration  time.Duration
	Err       error
}

// Hooks run synchronously on the calling goroutine and must be cheap. A
// panicking hook is recovered and logged; it never fails the call.
type Hooks struct {
	Before func(ctx context.Context, ev Event)
	After  func(ctx context.Context, ev Event)
}

type Options struct {
	BaseURL      string
	Client       *http.Client
	Auth         auth.Source
	TenantHeader string
	TenantID     string
	Timeout      time.Duration
	Hooks        Hooks
	Logger       *slog.Logger
}

type Executor struct {
	logger       *slog.Logger
	client       *http.Client
	base         *url.URL
	auth         auth.Source
	tenantHeader string
	timeout      time.Duration
	hooks        Hooks

	mu     sync.RWMutex
	tenant string

	startNow func() time.Time // for tests
}

var _ Interface = (*Executor)(nil)

func New(opts Options) (*Executor, error) {
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", opts.BaseURL)
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TenantHeader == "" {
		opts.TenantHeader = DefaultTenantHeader
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Executor{
		logger:       opts.Logger,
		client:       opts.Client,
		base:         u,
		auth:         opts.Auth,
		tenantHeader: opts.TenantHeader,
		timeout:      opts.Timeout,
		hooks:        opts.Hooks,
		tenant:       opts.TenantID,
		startNow:     time.Now,
	}, nil
}

// SetTenant switches the company scope of subsequent calls. Empty clears it.
func (e *Executor) SetTenant(id string) {
	e.mu.Lock()
	e.tenant = id
	e.mu.Unlock()
}

func (e *Executor) Tenant() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tenant
}

func (e *Executor) Execute(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Resource == "" {
		req.Resource = ResourceOf(req.Path)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}

	reqID := logger.RequestID(ctx)
	if reqID == "" {
		reqID = logger.NewID()
		ctx = logger.WithRequestID(ctx, reqID)
	}
	tenant := e.Tenant()
	ctx = logger.WithTenant(ctx, tenant)

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hr, err := e.build(callCtx, req, reqID, tenant)
	if err != nil {
		return nil, err
	}

	ev := Event{RequestID: reqID, Method: req.Method, Path: req.Path, Resource: req.Resource}
	e.fire(ctx, e.hooks.Before, ev)

	start := e.startNow()
	resp, err := e.client.Do(hr)
	if err != nil {
		err = e.classifyTransport(ctx, callCtx, req, timeout, err)
		e.finish(ctx, ev, 0, time.Since(start), err)
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var body []byte
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err = io.ReadAll(resp.Body)
	} else {
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	}
	dur := time.Since(start)
	if err != nil {
		err = e.classifyTransport(ctx, callCtx, req, timeout, fmt.Errorf("read body: %w", err))
		e.finish(ctx, ev, resp.StatusCode, dur, err)
		return nil, err
	}

	out := &Response{
		Status:    resp.StatusCode,
		Header:    resp.Header,
		Body:      body,
		RequestID: reqID,
		Duration:  dur,
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err = statusError(req, resp.StatusCode, body)
		e.finish(ctx, ev, resp.StatusCode, dur, err)
		return out, err
	}
	e.finish(ctx, ev, resp.StatusCode, dur, nil)
	return out, nil
}

func (e *Executor) build(ctx context.Context, req Request, reqID, tenant string) (*http.Request, error) {
	u := *e.base
	u.Path = e.base.Path + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	hr, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	hr.Header.Set("Accept", "application/json")
	if body != nil {
		hr.Header.Set("Content-Type", "application/json")
	}
	hr.Header.Set(HeaderRequestID, reqID)
	if tenant != "" {
		hr.Header.Set(e.tenantHeader, tenant)
	}
	if !req.SkipAuth && e.auth != nil {
		if s, ok := e.auth.Current(); ok && s.AccessToken != "" {
			hr.Header.Set("Authorization", "Bearer "+s.AccessToken)
		}
	}
	return hr, nil
}

func (e *Executor) classifyTransport(parent, callCtx context.Context, req Request, timeout time.Duration, err error) error {
	switch {
	case parent.Err() != nil && errors.Is(parent.Err(), context.Canceled):
		return fmt.Errorf("%s %s: %w", req.Method, req.Path, parent.Err())
	case errors.Is(callCtx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return &apierr.TimeoutError{Method: req.Method, Path: req.Path, Timeout: timeout}
	default:
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			return &apierr.TimeoutError{Method: req.Method, Path: req.Path, Timeout: timeout}
		}
		return &apierr.NetworkError{Method: req.Method, Path: req.Path, Err: err}
	}
}

func (e *Executor) finish(ctx context.Context, ev Event, status int, dur time.Duration, err error) {
	ev.Status, ev.Duration, ev.Err = status, dur, err
	observability.ObserveUpstream(ev.Method, ev.Resource, string(apierr.Classify(err)), dur.Seconds())
	if err != nil {
		e.logger.DebugContext(ctx, "upstream call failed",
			"method", ev.Method, "path", ev.Path, "status", status,
			"class", string(apierr.Classify(err)), "duration", dur.String(), "err", err)
	} else {
		e.logger.DebugContext(ctx, "upstream call done",
			"method", ev.Method, "path", ev.Path, "status", status, "duration", dur.String())
	}
	e.fire(ctx, e.hooks.After, ev)
}

func (e *Executor) fire(ctx context.Context, h func(context.Context, Event), ev Event) {
	if h == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.ErrorContext(ctx, "executor hook panicked", "err", rec)
		}
	}()
	h(ctx, ev)
}

type errorBody struct {
	Message string              `json:"message"`
	Error   string              `json:"error"`
	Detail  string              `json:"detail"`
	Errors  map[string][]string `json:"errors"`
}

func statusError(req Request, status int, body []byte) error {
	he := apierr.HTTPError{Method: req.Method, Path: req.Path, Status: status, Body: body}
	var eb errorBody
	if len(body) > 0 && json.Unmarshal(body, &eb) == nil {
		switch {
		case eb.Message != "":
			he.Message = eb.Message
		case eb.Error != "":
			he.Message = eb.Error
		case eb.Detail != "":
			he.Message = eb.Detail
		}
	}
	if status == http.StatusUnprocessableEntity {
		return &apierr.ValidationError{HTTPError: he, Fields: eb.Errors}
	}
	return &he
}

// ResourceOf derives a low-cardinality label from a path: numeric and
// uuid-like segments are dropped ("/reports/42" -> "reports").
func ResourceOf(path string) string {
	var parts []string
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg == "" || isIDSegment(seg) {
			continue
		}
		parts = append(parts, seg)
		if len(parts) == 2 {
			break
		}
	}
	if len(parts) == 0 {
		return "root"
	}
	return strings.Join(parts, "/")
}

func isIDSegment(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F') || r == '-':
		default:
			return false
		}
	}
	return digits == len(s) || (len(s) >= 16 && digits > 0)
}
