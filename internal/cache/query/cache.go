// Package query is the in-memory query cache: keyed results with staleness,
// tag invalidation, in-flight de-duplication and subscriber-driven GC.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/backoffice-sync/internal/cache/keys"
	"github.com/mohammed-shakir/backoffice-sync/internal/core/observability"
	"github.com/mohammed-shakir/backoffice-sync/internal/invalidation"
)

const (
	DefaultStaleTime  = 30 * time.Second
	DefaultMaxEntries = 1024
	DefaultGCGrace    = 5 * time.Minute

	OriginLocal  = "local"
	OriginRemote = "remote"

	publishTimeout = 2 * time.Second
)

var ErrClosed = errors.New("query cache closed")

type Status string

const (
	StatusFresh    Status = "fresh"
	StatusStale    Status = "stale"
	StatusFetching Status = "fetching"
	StatusError    Status = "error"
)

type FetchFunc func(ctx context.Context) (any, error)

// Descriptor tells the cache how to produce and classify one query.
type Descriptor struct {
	Key  keys.CacheKey
	Tags []string
	// StaleTime of zero uses the cache default; negative means always stale.
	StaleTime    time.Duration
	PollInterval time.Duration
	Fetch        FetchFunc
}

func (d Descriptor) validate() error {
	if d.Key.IsZero() {
		return errors.New("descriptor key is required")
	}
	if d.Fetch == nil {
		return fmt.Errorf("descriptor %s: fetch is required", d.Key)
	}
	return nil
}

// Entry is a point-in-time copy of a cache entry.
type Entry struct {
	Key         string    `json:"key"`
	Kind        string    `json:"kind"`
	Data        any       `json:"data,omitempty"`
	Err         string    `json:"error,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Status      Status    `json:"status"`
	Stale       bool      `json:"stale"`
	HasData     bool      `json:"has_data"`
	FetchedAt   time.Time `json:"fetched_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Subscribers int       `json:"subscribers"`

	err error
}

// Error returns the last fetch error, if the last fetch failed.
func (e Entry) Error() error { return e.err }

type entry struct {
	key       keys.CacheKey
	data      any
	hasData   bool
	err       error
	tags      []string
	staleTime time.Duration

	fetchedAt time.Time
	updatedAt time.Time

	// logical issue stamps, compared in commit
	createdSeq     uint64
	fetchedSeq     uint64
	invalidatedSeq uint64
	invalidated    bool

	fetching int
	gcTimer  clockwork.Timer
	gcGen    uint64
}

type Options struct {
	StaleTime  time.Duration
	MaxEntries int
	GCGrace    time.Duration
	Clock      clockwork.Clock
	Logger     *slog.Logger
	// Publisher receives locally originated invalidations. Optional.
	Publisher invalidation.Publisher
	// Source identifies this instance on published events.
	Source string
}

type Cache struct {
	logger    *slog.Logger
	clock     clockwork.Clock
	staleTime time.Duration
	gcGrace   time.Duration
	publisher invalidation.Publisher
	source    string

	flights singleflight.Group

	mu        sync.Mutex
	entries   *simplelru.LRU[string, *entry]
	tags      map[string]map[string]struct{}
	// subscriber counts per key; kept apart from entries so they survive
	// Evict and LRU removal
	refs      map[string]int
	seq       uint64
	closed    bool
	onUpdate  []func(Entry)
	onInvalid []func([]keys.CacheKey)
}

var _ invalidation.Applier = (*Cache)(nil)

func New(opts Options) (*Cache, error) {
	if opts.StaleTime == 0 {
		opts.StaleTime = DefaultStaleTime
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.GCGrace <= 0 {
		opts.GCGrace = DefaultGCGrace
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Cache{
		logger:    opts.Logger,
		clock:     opts.Clock,
		staleTime: opts.StaleTime,
		gcGrace:   opts.GCGrace,
		publisher: opts.Publisher,
		source:    opts.Source,
		tags:      map[string]map[string]struct{}{},
		refs:      map[string]int{},
	}
	lru, err := simplelru.NewLRU[string, *entry](opts.MaxEntries, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("query cache lru: %w", err)
	}
	c.entries = lru
	return c, nil
}

// SetPublisher wires the cross-instance bus after construction.
func (c *Cache) SetPublisher(p invalidation.Publisher, source string) {
	c.mu.Lock()
	c.publisher, c.source = p, source
	c.mu.Unlock()
}

// OnUpdate registers f to run after every accepted write. f runs outside the
// cache lock on the writing goroutine.
func (c *Cache) OnUpdate(f func(Entry)) {
	c.mu.Lock()
	c.onUpdate = append(c.onUpdate, f)
	c.mu.Unlock()
}

// OnInvalidate registers f to run with the keys marked stale by an
// invalidation. Evicted keys are not reported.
func (c *Cache) OnInvalidate(f func([]keys.CacheKey)) {
	c.mu.Lock()
	c.onInvalid = append(c.onInvalid, f)
	c.mu.Unlock()
}

func (c *Cache) Get(key keys.CacheKey) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Get(key.String())
	if !ok || (!e.hasData && e.err == nil) {
		return Entry{}, false
	}
	return c.view(e), true
}

// Set writes data directly, e.g. from a mutation response. It counts as a
// fetch issued now.
func (c *Cache) Set(key keys.CacheKey, data any, tags []string, staleTime time.Duration) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.seq++
	e := c.ensure(key)
	now := c.clock.Now()
	e.data, e.hasData, e.err = data, true, nil
	e.fetchedSeq, e.fetchedAt, e.updatedAt = c.seq, now, now
	e.invalidated = false
	e.staleTime = c.resolveStale(staleTime)
	c.retag(key.String(), e, tags)
	c.scheduleGC(key.String(), e)
	view, hooks := c.view(e), slices.Clone(c.onUpdate)
	c.mu.Unlock()

	c.fireUpdate(hooks, view)
}

// Fetch returns fresh cached data or fetches it. Concurrent callers for the
// same key share one upstream call.
func (c *Cache) Fetch(ctx context.Context, d Descriptor) (any, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := c.entries.Get(d.Key.String())
	switch {
	case ok && e.hasData && !c.isStale(e, c.clock.Now()):
		data := e.data
		c.mu.Unlock()
		observability.IncCacheResult("hit")
		return data, nil
	case ok && e.hasData:
		observability.IncCacheResult("stale")
	default:
		observability.IncCacheResult("miss")
	}
	c.mu.Unlock()
	return c.do(ctx, d, true)
}

// FetchIfStale only fetches when the entry is missing or stale and reports
// whether a fetch happened.
func (c *Cache) FetchIfStale(ctx context.Context, d Descriptor) (bool, error) {
	if err := d.validate(); err != nil {
		return false, err
	}
	c.mu.Lock()
	e, ok := c.entries.Peek(d.Key.String())
	fresh := ok && e.hasData && !c.isStale(e, c.clock.Now())
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false, ErrClosed
	}
	if fresh {
		return false, nil
	}
	_, err := c.do(ctx, d, true)
	return true, err
}

// Refresh always goes upstream, joining an in-flight fetch for the key when
// there is one. The fetch itself is detached from ctx cancellation so other
// waiters are not failed by one caller leaving.
func (c *Cache) Refresh(ctx context.Context, d Descriptor) (any, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	return c.do(ctx, d, false)
}

// do joins or starts the flight for d. With ifStale the flight re-checks
// freshness first, so a caller that missed just before another flight
// committed does not fetch again.
func (c *Cache) do(ctx context.Context, d Descriptor, ifStale bool) (any, error) {
	k := d.Key.String()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := c.entries.Peek(k); ok && e.fetching > 0 {
		observability.IncCacheResult("dedup")
	}
	c.mu.Unlock()

	ch := c.flights.DoChan(k, func() (any, error) {
		if ifStale {
			if data, ok := c.freshData(k); ok {
				return data, nil
			}
		}
		return c.run(context.WithoutCancel(ctx), d)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.Val, r.Err
	}
}

func (c *Cache) freshData(k string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Peek(k)
	if !ok || !e.hasData || c.isStale(e, c.clock.Now()) {
		return nil, false
	}
	return e.data, true
}

func (c *Cache) run(ctx context.Context, d Descriptor) (any, error) {
	c.mu.Lock()
	c.seq++
	issue, issuedAt := c.seq, c.clock.Now()
	e := c.ensure(d.Key)
	e.fetching++
	c.mu.Unlock()

	data, err := d.Fetch(ctx)
	return c.commit(d, issue, issuedAt, data, err)
}

// commit applies a completed fetch. A result issued before the entry's
// current data, or before the entry was (re)created, is discarded and the
// caller receives the cached value instead.
func (c *Cache) commit(d Descriptor, issue uint64, issuedAt time.Time, data any, ferr error) (any, error) {
	k := d.Key.String()
	c.mu.Lock()
	e, ok := c.entries.Peek(k)
	if ok && issue >= e.createdSeq && e.fetching > 0 {
		e.fetching--
	}
	if !ok || c.closed || issue < e.createdSeq || issue < e.fetchedSeq {
		var cached any
		if ok && e.hasData {
			cached = e.data
		}
		if ok && !c.closed {
			c.scheduleGC(k, e)
		}
		c.mu.Unlock()
		observability.IncCacheResult("discarded")
		c.logger.Debug("discarding out of order result", "key", k, "issue", issue)
		if cached != nil {
			return cached, nil
		}
		return data, ferr
	}

	now := c.clock.Now()
	if ferr != nil {
		e.err = ferr
		e.updatedAt = now
		c.scheduleGC(k, e)
		view, hooks := c.view(e), slices.Clone(c.onUpdate)
		c.mu.Unlock()
		c.fireUpdate(hooks, view)
		return nil, ferr
	}

	e.data, e.hasData, e.err = data, true, nil
	e.fetchedSeq, e.fetchedAt, e.updatedAt = issue, issuedAt, now
	// data requested before the latest invalidation is kept but stays stale
	e.invalidated = issue < e.invalidatedSeq
	e.staleTime = c.resolveStale(d.StaleTime)
	c.retag(k, e, d.Tags)
	c.scheduleGC(k, e)
	view, hooks := c.view(e), slices.Clone(c.onUpdate)
	c.mu.Unlock()

	c.fireUpdate(hooks, view)
	return data, nil
}

func (c *Cache) InvalidateTag(tags ...string) int {
	return c.local(invalidation.Event{Op: invalidation.OpTag, Tags: tags})
}

func (c *Cache) InvalidateKey(ks ...keys.CacheKey) int {
	return c.local(invalidation.Event{Op: invalidation.OpKey, Keys: keyStrings(ks)})
}

// InvalidatePrefix marks every entry whose kind equals or nests under one of
// kinds ("reports" matches "reports/scheduled").
func (c *Cache) InvalidatePrefix(kinds ...string) int {
	return c.local(invalidation.Event{Op: invalidation.OpPrefix, Kinds: kinds})
}

// Evict removes entries outright, e.g. after the resource was deleted.
func (c *Cache) Evict(ks ...keys.CacheKey) int {
	return c.local(invalidation.Event{Op: invalidation.OpEvict, Keys: keyStrings(ks)})
}

func (c *Cache) local(ev invalidation.Event) int {
	ev.Version = invalidation.SchemaVersion
	ev.TS = c.clock.Now().UTC()
	n := c.Apply(ev, OriginLocal)

	c.mu.Lock()
	pub, src := c.publisher, c.source
	c.mu.Unlock()
	if pub != nil {
		ev.Source = src
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := pub.Publish(ctx, ev); err != nil {
			c.logger.Warn("publish invalidation failed", "op", string(ev.Op), "err", err)
		}
	}
	return n
}

// Apply runs an invalidation event against the cache. Invalidation is
// synchronous: the next Get observes it.
func (c *Cache) Apply(ev invalidation.Event, origin string) int {
	c.mu.Lock()
	c.seq++
	seq := c.seq

	hit := map[string]*entry{}
	switch ev.Op {
	case invalidation.OpTag:
		for _, tag := range ev.Tags {
			for k := range c.tags[tag] {
				if e, ok := c.entries.Peek(k); ok {
					hit[k] = e
				}
			}
		}
	case invalidation.OpKey, invalidation.OpEvict:
		for _, k := range ev.Keys {
			if e, ok := c.entries.Peek(k); ok {
				hit[k] = e
			}
		}
	case invalidation.OpPrefix:
		for _, k := range c.entries.Keys() {
			e, ok := c.entries.Peek(k)
			if !ok {
				continue
			}
			for _, kind := range ev.Kinds {
				if e.key.HasPrefix(kind) {
					hit[k] = e
					break
				}
			}
		}
	}

	var marked []keys.CacheKey
	for k, e := range hit {
		c.flights.Forget(k)
		if ev.Op == invalidation.OpEvict {
			c.entries.Remove(k)
			continue
		}
		e.invalidated = true
		e.invalidatedSeq = seq
		marked = append(marked, e.key)
	}
	hooks := slices.Clone(c.onInvalid)
	c.mu.Unlock()

	observability.ObserveInvalidation(string(ev.Op), origin, len(hit))
	if len(hit) > 0 {
		c.logger.Debug("invalidated entries", "op", string(ev.Op), "origin", origin, "entries", len(hit))
	}
	if len(marked) > 0 {
		sort.Slice(marked, func(i, j int) bool { return marked[i].String() < marked[j].String() })
		for _, f := range hooks {
			f(marked)
		}
	}
	return len(hit)
}

// Retain records a subscriber for key and cancels a pending GC.
func (c *Cache) Retain(key keys.CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.refs[key.String()]++
	c.stopGC(c.ensure(key))
}

// Release drops a subscriber; the last one schedules eviction after the grace
// period.
func (c *Cache) Release(key keys.CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key.String()
	switch n := c.refs[k]; {
	case n > 1:
		c.refs[k] = n - 1
	case n == 1:
		delete(c.refs, k)
	}
	if e, ok := c.entries.Peek(k); ok {
		c.scheduleGC(k, e)
	}
}

func (c *Cache) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, c.entries.Len())
	for _, k := range c.entries.Keys() {
		if e, ok := c.entries.Peek(k); ok {
			out = append(out, c.view(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Close stops GC timers and drops all entries. Later fetches fail with
// ErrClosed.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.entries.Purge()
	clear(c.refs)
	observability.SetCacheEntries(0)
}

func (c *Cache) ensure(key keys.CacheKey) *entry {
	k := key.String()
	if e, ok := c.entries.Peek(k); ok {
		return e
	}
	c.seq++
	e := &entry{key: key, createdSeq: c.seq, staleTime: c.staleTime}
	c.entries.Add(k, e)
	observability.SetCacheEntries(c.entries.Len())
	return e
}

// onEvict runs under c.mu for LRU evictions, Remove and Purge.
func (c *Cache) onEvict(k string, e *entry) {
	c.stopGC(e)
	c.untag(k, e.tags)
	observability.SetCacheEntries(c.entries.Len())
}

func (c *Cache) retag(k string, e *entry, tags []string) {
	c.untag(k, e.tags)
	e.tags = slices.Clone(tags)
	for _, t := range e.tags {
		set, ok := c.tags[t]
		if !ok {
			set = map[string]struct{}{}
			c.tags[t] = set
		}
		set[k] = struct{}{}
	}
}

func (c *Cache) untag(k string, tags []string) {
	for _, t := range tags {
		if set, ok := c.tags[t]; ok {
			delete(set, k)
			if len(set) == 0 {
				delete(c.tags, t)
			}
		}
	}
}

func (c *Cache) scheduleGC(k string, e *entry) {
	if c.refs[k] > 0 {
		return
	}
	c.stopGC(e)
	gen := e.gcGen
	e.gcTimer = c.clock.AfterFunc(c.gcGrace, func() { c.collect(k, gen) })
}

func (c *Cache) stopGC(e *entry) {
	e.gcGen++
	if e.gcTimer != nil {
		e.gcTimer.Stop()
		e.gcTimer = nil
	}
}

func (c *Cache) collect(k string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Peek(k)
	if !ok || e.gcGen != gen || c.refs[k] > 0 {
		return
	}
	if e.fetching > 0 {
		// check again once the flight had time to land
		c.scheduleGC(k, e)
		return
	}
	c.entries.Remove(k)
	c.logger.Debug("collected unused entry", "key", k)
}

func (c *Cache) resolveStale(d time.Duration) time.Duration {
	if d == 0 {
		return c.staleTime
	}
	return d
}

func (c *Cache) isStale(e *entry, now time.Time) bool {
	if e.invalidated || !e.hasData || e.staleTime < 0 {
		return true
	}
	return now.Sub(e.updatedAt) >= e.staleTime
}

func (c *Cache) view(e *entry) Entry {
	now := c.clock.Now()
	stale := c.isStale(e, now)
	st := StatusFresh
	switch {
	case e.fetching > 0:
		st = StatusFetching
	case e.err != nil:
		st = StatusError
	case stale:
		st = StatusStale
	}
	v := Entry{
		Key:         e.key.String(),
		Kind:        e.key.Kind,
		Data:        e.data,
		Tags:        slices.Clone(e.tags),
		Status:      st,
		Stale:       stale,
		HasData:     e.hasData,
		FetchedAt:   e.fetchedAt,
		UpdatedAt:   e.updatedAt,
		Subscribers: c.refs[e.key.String()],
		err:         e.err,
	}
	if e.err != nil {
		v.Err = e.err.Error()
	}
	return v
}

func (c *Cache) fireUpdate(hooks []func(Entry), v Entry) {
	for _, f := range hooks {
		f(v)
	}
}

func keyStrings(ks []keys.CacheKey) []string {
	out := make([]string, 0, len(ks))
	for _, k := range ks {
		out = append(out, k.String())
	}
	return out
}
