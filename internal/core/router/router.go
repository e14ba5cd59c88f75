// Package router holds the handlers of the local debug surface. They serve
// cached back-office data through the resources client.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/backoffice-sync/internal/cache/keys"
	"github.com/mohammed-shakir/backoffice-sync/internal/cache/query"
	"github.com/mohammed-shakir/backoffice-sync/internal/core/apierr"
	"github.com/mohammed-shakir/backoffice-sync/internal/resources"
	"github.com/mohammed-shakir/backoffice-sync/internal/timerange"
)

type API struct {
	Resources *resources.Client
	Cache     *query.Cache
	Logger    *slog.Logger
}

func (a *API) Routes(r chi.Router) {
	r.Get("/v1/analytics/dashboard", a.Dashboard)
	r.Get("/v1/analytics/realtime", a.Realtime)
	r.Get("/v1/reports", a.Reports)
	r.Post("/v1/invalidate", a.Invalidate)
	r.Get("/v1/cache", a.CacheSnapshot)
}

// DashboardRequest is a validated /v1/analytics/dashboard query.
type DashboardRequest struct {
	Preset   timerange.Preset
	From, To time.Time
	Filters  resources.Filters
}

var reserved = map[string]bool{"preset": true, "from": true, "to": true}

func ParseDashboardRequest(r *http.Request) (DashboardRequest, error) {
	q := r.URL.Query()
	raw := strings.TrimSpace(q.Get("preset"))
	if raw == "" {
		return DashboardRequest{}, errors.New("missing required parameter: preset")
	}
	p, err := timerange.ParsePreset(raw)
	if err != nil {
		return DashboardRequest{}, err
	}
	out := DashboardRequest{Preset: p, Filters: resources.Filters{}}
	if p == timerange.Custom {
		if out.From, err = parseTime(q.Get("from")); err != nil {
			return DashboardRequest{}, fmt.Errorf("invalid from: %w", err)
		}
		if out.To, err = parseTime(q.Get("to")); err != nil {
			return DashboardRequest{}, fmt.Errorf("invalid to: %w", err)
		}
	}
	for k, vs := range q {
		if reserved[k] || len(vs) == 0 {
			continue
		}
		out.Filters[k] = vs[0]
	}
	return out, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("required for custom preset")
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

func (a *API) Dashboard(w http.ResponseWriter, r *http.Request) {
	req, err := ParseDashboardRequest(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var d *resources.Dashboard
	if req.Preset == timerange.Custom {
		d, err = a.Resources.DashboardRange(r.Context(), req.From, req.To, req.Filters)
	} else {
		d, err = a.Resources.Dashboard(r.Context(), req.Preset, req.Filters)
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"range": map[string]any{
			"label": d.Range.Label,
			"start": d.Range.Start,
			"end":   d.Range.End,
		},
		"metrics": d.Metrics,
		"series":  d.Series,
	})
}

func (a *API) Realtime(w http.ResponseWriter, r *http.Request) {
	rt, err := a.Resources.Realtime(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (a *API) Reports(w http.ResponseWriter, r *http.Request) {
	f := resources.Filters{}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			f[k] = vs[0]
		}
	}
	l, err := a.Resources.ListReports(r.Context(), f)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// Invalidate accepts repeated tag, key and prefix parameters.
func (a *API) Invalidate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tags, rawKeys, prefixes := nonEmpty(q["tag"]), nonEmpty(q["key"]), nonEmpty(q["prefix"])
	if len(tags)+len(rawKeys)+len(prefixes) == 0 {
		a.writeError(w, r, errors.New("one of tag, key or prefix is required"))
		return
	}
	ks := make([]keys.CacheKey, 0, len(rawKeys))
	for _, s := range rawKeys {
		k, err := keys.Parse(s)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		ks = append(ks, k)
	}

	n := 0
	if len(tags) > 0 {
		n += a.Cache.InvalidateTag(tags...)
	}
	if len(ks) > 0 {
		n += a.Cache.InvalidateKey(ks...)
	}
	if len(prefixes) > 0 {
		n += a.Cache.InvalidatePrefix(prefixes...)
	}
	writeJSON(w, http.StatusOK, map[string]int{"invalidated": n})
}

func (a *API) CacheSnapshot(w http.ResponseWriter, _ *http.Request) {
	entries := a.Cache.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func nonEmpty(vs []string) []string {
	out := vs[:0:0]
	for _, v := range vs {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

type errorBody struct {
	Error   string              `json:"error"`
	Class   string              `json:"class,omitempty"`
	Message string              `json:"message,omitempty"`
	Fields  map[string][]string `json:"fields,omitempty"`
}

// StatusFor maps a failure onto the status this surface answers with.
func StatusFor(err error) int {
	if errors.Is(err, timerange.ErrUnknownPreset) || errors.Is(err, timerange.ErrInvalidRange) {
		return http.StatusBadRequest
	}
	switch apierr.Classify(err) {
	case apierr.ClassValidation:
		return http.StatusUnprocessableEntity
	case apierr.ClassSessionExpired:
		return http.StatusUnauthorized
	case apierr.ClassTimeout:
		return http.StatusGatewayTimeout
	case apierr.ClassNetwork:
		return http.StatusBadGateway
	case apierr.ClassHTTP:
		if s := apierr.StatusOf(err); s >= 400 && s < 500 {
			return s
		}
		return http.StatusBadGateway
	case apierr.ClassCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	body := errorBody{Error: err.Error()}
	if c := apierr.Classify(err); c != apierr.ClassUnknown {
		body.Class = string(c)
		body.Message = apierr.Message(err)
	}
	var ve *apierr.ValidationError
	if errors.As(err, &ve) {
		body.Fields = ve.Fields
	}
	if status >= 500 && a.Logger != nil {
		a.Logger.WarnContext(r.Context(), "request failed", "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
