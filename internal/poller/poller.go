// Package poller keeps subscribed queries fresh by polling the query cache on
// shared per-key timers.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mohammed-shakir/backoffice-sync/internal/cache/keys"
	"github.com/mohammed-shakir/backoffice-sync/internal/cache/query"
	"github.com/mohammed-shakir/backoffice-sync/internal/core/observability"
	"github.com/mohammed-shakir/backoffice-sync/internal/logger"
)

type Update struct {
	Key       keys.CacheKey
	Data      any
	Err       error
	Status    query.Status
	Stale     bool
	UpdatedAt time.Time
}

type Options struct {
	Cache  *query.Cache
	Clock  clockwork.Clock
	Logger *slog.Logger
}

type Poller struct {
	cache  *query.Cache
	clock  clockwork.Clock
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	keys   map[string]*keyState
	paused bool
	closed bool
	nextID uint64
}

type keyState struct {
	key      keys.CacheKey
	desc     query.Descriptor
	subs     map[uint64]*subscriber
	interval time.Duration
	ticker   clockwork.Ticker
	stop     chan struct{}
}

type subscriber struct {
	interval time.Duration
	onData   func(Update)
	active   atomic.Bool
}

type Subscription struct {
	p    *Poller
	key  string
	id   uint64
	once sync.Once
}

func New(opts Options) (*Poller, error) {
	if opts.Cache == nil {
		return nil, errors.New("poller: cache is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(logger.WithComponent(context.Background(), "poller"))
	p := &Poller{
		cache:  opts.Cache,
		clock:  opts.Clock,
		logger: opts.Logger,
		ctx:    ctx,
		cancel: cancel,
		keys:   map[string]*keyState{},
	}
	opts.Cache.OnUpdate(p.deliver)
	opts.Cache.OnInvalidate(p.invalidated)
	return p, nil
}

// Subscribe registers onData for d. Cached data is delivered before Subscribe
// returns; a missing or stale entry triggers an immediate fetch. With
// d.PollInterval > 0 the key is polled on a timer shared by all its
// subscribers at the smallest requested interval.
func (p *Poller) Subscribe(d query.Descriptor, onData func(Update)) (*Subscription, error) {
	if d.Key.IsZero() || d.Fetch == nil {
		return nil, errors.New("poller: descriptor needs a key and a fetch function")
	}
	if onData == nil {
		onData = func(Update) {}
	}
	k := d.Key.String()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("poller closed")
	}
	ks, ok := p.keys[k]
	if !ok {
		ks = &keyState{key: d.Key, desc: d, subs: map[uint64]*subscriber{}}
		p.keys[k] = ks
		p.cache.Retain(d.Key)
		observability.SetPollActiveKeys(len(p.keys))
	}
	p.nextID++
	id := p.nextID
	sub := &subscriber{interval: d.PollInterval, onData: onData}
	sub.active.Store(true)
	ks.subs[id] = sub
	p.rearm(ks)
	paused := p.paused
	p.mu.Unlock()

	e, cached := p.cache.Get(d.Key)
	if cached && e.HasData {
		sub.onData(toUpdate(d.Key, e))
	}
	if (!cached || e.Stale) && !paused {
		p.goFetch(k)
	}
	return &Subscription{p: p, key: k, id: id}, nil
}

// Unsubscribe is idempotent. The last subscriber of a key stops its timer and
// releases the cache entry.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.p.unsubscribe(s.key, s.id) })
}

func (p *Poller) unsubscribe(k string, id uint64) {
	p.mu.Lock()
	ks, ok := p.keys[k]
	if !ok {
		p.mu.Unlock()
		return
	}
	if sub, ok := ks.subs[id]; ok {
		sub.active.Store(false)
		delete(ks.subs, id)
	}
	if len(ks.subs) > 0 {
		p.rearm(ks)
		p.mu.Unlock()
		return
	}
	p.disarm(ks)
	delete(p.keys, k)
	observability.SetPollActiveKeys(len(p.keys))
	p.mu.Unlock()

	p.cache.Release(ks.key)
}

// Pause stops every timer, e.g. while the view is hidden.
func (p *Poller) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused || p.closed {
		return
	}
	p.paused = true
	for _, ks := range p.keys {
		p.disarm(ks)
	}
	p.logger.Debug("polling paused", "keys", len(p.keys))
}

// Resume re-arms the timers and refreshes stale keys right away.
func (p *Poller) Resume() {
	p.mu.Lock()
	if !p.paused || p.closed {
		p.mu.Unlock()
		return
	}
	p.paused = false
	pending := make([]string, 0, len(p.keys))
	for k, ks := range p.keys {
		p.rearm(ks)
		pending = append(pending, k)
	}
	p.mu.Unlock()

	for _, k := range pending {
		p.goFetch(k)
	}
	p.logger.Debug("polling resumed", "keys", len(pending))
}

func (p *Poller) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// ActiveKeys returns the number of keys with at least one subscriber.
func (p *Poller) ActiveKeys() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Close stops all timers, releases every key and waits for running fetches
// to return.
func (p *Poller) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	released := make([]keys.CacheKey, 0, len(p.keys))
	for k, ks := range p.keys {
		p.disarm(ks)
		for _, sub := range ks.subs {
			sub.active.Store(false)
		}
		released = append(released, ks.key)
		delete(p.keys, k)
	}
	observability.SetPollActiveKeys(0)
	p.mu.Unlock()

	p.cancel()
	for _, k := range released {
		p.cache.Release(k)
	}
	p.wg.Wait()
}

// rearm runs under p.mu and restarts the key timer when the effective
// interval changed.
func (p *Poller) rearm(ks *keyState) {
	interval := time.Duration(0)
	for _, s := range ks.subs {
		if s.interval > 0 && (interval == 0 || s.interval < interval) {
			interval = s.interval
		}
	}
	if interval == ks.interval && (ks.ticker != nil || interval <= 0 || p.paused) {
		return
	}
	p.disarm(ks)
	ks.interval = interval
	if p.paused || p.closed || interval <= 0 {
		return
	}

	t := p.clock.NewTicker(interval)
	stop := make(chan struct{})
	ks.ticker, ks.stop = t, stop
	k := ks.key.String()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-stop:
				return
			case <-t.Chan():
				p.tick(k)
			}
		}
	}()
}

func (p *Poller) disarm(ks *keyState) {
	if ks.ticker == nil {
		return
	}
	ks.ticker.Stop()
	close(ks.stop)
	ks.ticker, ks.stop = nil, nil
}

func (p *Poller) tick(k string) {
	fetched, err := p.fetchIfStale(k)
	switch {
	case err != nil:
		observability.IncPollTick("error")
	case fetched:
		observability.IncPollTick("fetch")
	default:
		observability.IncPollTick("fresh")
	}
}

func (p *Poller) goFetch(k string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.wg.Done()
		_, _ = p.fetchIfStale(k)
	}()
}

func (p *Poller) fetchIfStale(k string) (bool, error) {
	p.mu.Lock()
	ks, ok := p.keys[k]
	if !ok || p.closed || p.paused {
		p.mu.Unlock()
		return false, nil
	}
	d := ks.desc
	p.mu.Unlock()

	ctx := logger.WithQueryKey(p.ctx, k)
	fetched, err := p.cache.FetchIfStale(ctx, d)
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.DebugContext(ctx, "poll fetch failed", "key", k, "err", err)
	}
	return fetched, err
}

// deliver receives every accepted cache write. Writes for keys nobody
// subscribes to are dropped here.
func (p *Poller) deliver(e query.Entry) {
	p.mu.Lock()
	ks, ok := p.keys[e.Key]
	if !ok {
		p.mu.Unlock()
		return
	}
	subs := make([]*subscriber, 0, len(ks.subs))
	for _, s := range ks.subs {
		subs = append(subs, s)
	}
	key := ks.key
	p.mu.Unlock()

	u := toUpdate(key, e)
	for _, s := range subs {
		if s.active.Load() {
			s.onData(u)
		}
	}
}

// invalidated refetches subscribed keys right away.
func (p *Poller) invalidated(ks []keys.CacheKey) {
	p.mu.Lock()
	if p.paused || p.closed {
		p.mu.Unlock()
		return
	}
	var active []string
	for _, k := range ks {
		if _, ok := p.keys[k.String()]; ok {
			active = append(active, k.String())
		}
	}
	p.mu.Unlock()
	for _, k := range active {
		p.goFetch(k)
	}
}

func toUpdate(k keys.CacheKey, e query.Entry) Update {
	return Update{
		Key:       k,
		Data:      e.Data,
		Err:       e.Error(),
		Status:    e.Status,
		Stale:     e.Stale,
		UpdatedAt: e.UpdatedAt,
	}
}
