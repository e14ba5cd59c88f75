package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-shakir/backoffice-sync/internal/cache/keys"
	"github.com/mohammed-shakir/backoffice-sync/internal/invalidation"
)

func newCache(t *testing.T, clk clockwork.Clock, opts Options) *Cache {
	t.Helper()
	opts.Clock = clk
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func key(kind string, params keys.Params) keys.CacheKey { return keys.Make(kind, params) }

func TestFetch_ConcurrentCallersShareOneFetch(t *testing.T) {
	c := newCache(t, clockwork.NewFakeClock(), Options{})
	k := key("analytics/dashboard", keys.Params{"timeRange": "last7Days"})

	var calls atomic.Int32
	release := make(chan struct{})
	d := Descriptor{Key: k, Tags: []string{"analytics"}, Fetch: func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "payload", nil
	}}

	const n = 10
	var wg sync.WaitGroup
	results := make([]any, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Fetch(context.Background(), d)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	e, ok := c.Get(k)
	assert.False(t, ok, "no data before the first fetch completes: %+v", e)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, "payload", v)
	}

	// fresh hit: no further upstream call
	v, err := c.Fetch(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "payload", v)
	assert.Equal(t, int32(1), calls.Load())
}

func TestInvalidateTag_OnlyTaggedEntries(t *testing.T) {
	c := newCache(t, clockwork.NewFakeClock(), Options{})
	reports := key("reports", keys.Params{"page": 1})
	dash := key("analytics/dashboard", keys.Params{"timeRange": "today"})
	c.Set(reports, []string{"r1"}, []string{"reports"}, 0)
	c.Set(dash, map[string]int{"revenue": 10}, []string{"analytics"}, 0)

	n := c.InvalidateTag("reports")
	assert.Equal(t, 1, n)

	e, ok := c.Get(reports)
	require.True(t, ok)
	assert.True(t, e.Stale)
	assert.Equal(t, StatusStale, e.Status)
	assert.Equal(t, []string{"r1"}, e.Data, "stale data stays servable")

	e, ok = c.Get(dash)
	require.True(t, ok)
	assert.False(t, e.Stale)
	assert.Equal(t, StatusFresh, e.Status)
}

func TestCommit_DiscardsOutOfOrderResult(t *testing.T) {
	c := newCache(t, clockwork.NewFakeClock(), Options{})
	k := key("analytics/dashboard", keys.Params{"timeRange": "today"})

	slowStarted := make(chan struct{})
	releaseSlow := make(chan struct{})
	slow := Descriptor{Key: k, Fetch: func(context.Context) (any, error) {
		close(slowStarted)
		<-releaseSlow
		return "old", nil
	}}
	fast := Descriptor{Key: k, Fetch: func(context.Context) (any, error) { return "new", nil }}

	slowDone := make(chan any, 1)
	go func() {
		v, _ := c.Refresh(context.Background(), slow)
		slowDone <- v
	}()
	<-slowStarted

	// invalidation detaches the in-flight fetch so a newer one can start
	c.InvalidateKey(k)
	v, err := c.Refresh(context.Background(), fast)
	require.NoError(t, err)
	assert.Equal(t, "new", v)

	close(releaseSlow)
	select {
	case got := <-slowDone:
		assert.Equal(t, "new", got, "late caller receives the newer cached value")
	case <-time.After(time.Second):
		t.Fatal("slow fetch did not return")
	}

	e, ok := c.Get(k)
	require.True(t, ok)
	assert.Equal(t, "new", e.Data)
	assert.False(t, e.Stale)
}

func TestSet_NewerThanInFlightFetch(t *testing.T) {
	c := newCache(t, clockwork.NewFakeClock(), Options{})
	k := key("reports/detail", keys.Params{"id": 42})

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = c.Refresh(context.Background(), Descriptor{Key: k, Fetch: func(context.Context) (any, error) {
			close(started)
			<-release
			return "from-fetch", nil
		}})
	}()
	<-started
	c.Set(k, "from-mutation", []string{"reports"}, 0)
	close(release)

	require.Eventually(t, func() bool {
		e, _ := c.Get(k)
		return e.Status != StatusFetching
	}, time.Second, time.Millisecond)
	e, _ := c.Get(k)
	assert.Equal(t, "from-mutation", e.Data)
}

func TestStaleness_ByTimeAndRefetch(t *testing.T) {
	clk := clockwork.NewFakeClock()
	c := newCache(t, clk, Options{})
	k := key("analytics/realtime", nil)

	var calls atomic.Int32
	d := Descriptor{Key: k, StaleTime: 5 * time.Second, Fetch: func(context.Context) (any, error) {
		return int(calls.Add(1)), nil
	}}

	v, err := c.Fetch(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	clk.Advance(4 * time.Second)
	fetched, err := c.FetchIfStale(context.Background(), d)
	require.NoError(t, err)
	assert.False(t, fetched)

	clk.Advance(2 * time.Second)
	e, ok := c.Get(k)
	require.True(t, ok)
	assert.Equal(t, StatusStale, e.Status)
	assert.Equal(t, 1, e.Data)

	v, err = c.Fetch(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestFetchError_KeepsPreviousData(t *testing.T) {
	c := newCache(t, clockwork.NewFakeClock(), Options{})
	k := key("reports", nil)
	c.Set(k, "cached", []string{"reports"}, -1)

	boom := errors.New("upstream down")
	_, err := c.Fetch(context.Background(), Descriptor{Key: k, Fetch: func(context.Context) (any, error) { return nil, boom }})
	require.ErrorIs(t, err, boom)

	e, ok := c.Get(k)
	require.True(t, ok)
	assert.Equal(t, StatusError, e.Status)
	assert.Equal(t, "cached", e.Data)
	assert.ErrorIs(t, e.Error(), boom)
}

func TestInvalidatePrefix_Hierarchical(t *testing.T) {
	c := newCache(t, clockwork.NewFakeClock(), Options{})
	list := key("reports", nil)
	sched := key("reports/scheduled", nil)
	dash := key("analytics/dashboard", nil)
	other := key("reportsarchive", nil)
	for _, k := range []keys.CacheKey{list, sched, dash, other} {
		c.Set(k, "x", nil, 0)
	}

	assert.Equal(t, 2, c.InvalidatePrefix("reports"))
	for k, stale := range map[keys.CacheKey]bool{list: true, sched: true, dash: false, other: false} {
		e, ok := c.Get(k)
		require.True(t, ok)
		assert.Equal(t, stale, e.Stale, k.String())
	}
}

func TestEvict_RemovesEntryAndTags(t *testing.T) {
	c := newCache(t, clockwork.NewFakeClock(), Options{})
	k := key("reports/detail", keys.Params{"id": 7})
	c.Set(k, "r7", []string{"reports"}, 0)

	assert.Equal(t, 1, c.Evict(k))
	_, ok := c.Get(k)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.InvalidateTag("reports"))
}

func TestCapacity_EvictionCleansTagIndex(t *testing.T) {
	c := newCache(t, clockwork.NewFakeClock(), Options{MaxEntries: 2})
	a := key("reports", keys.Params{"page": 1})
	b := key("reports", keys.Params{"page": 2})
	d := key("analytics/dashboard", nil)
	c.Set(a, 1, []string{"page-one"}, 0)
	c.Set(b, 2, []string{"reports"}, 0)
	c.Set(d, 3, []string{"analytics"}, 0)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(a)
	assert.False(t, ok, "oldest entry should be evicted")
	assert.Equal(t, 0, c.InvalidateTag("page-one"))

	c.mu.Lock()
	_, tagged := c.tags["page-one"]
	c.mu.Unlock()
	assert.False(t, tagged)
}

func TestGC_AfterLastRelease(t *testing.T) {
	clk := clockwork.NewFakeClock()
	c := newCache(t, clk, Options{GCGrace: time.Minute})
	k := key("analytics/realtime", nil)

	c.Retain(k)
	c.Set(k, "v", nil, 0)
	c.Release(k)
	assert.Equal(t, 1, c.Len())

	clk.Advance(59 * time.Second)
	assert.Equal(t, 1, c.Len())
	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, time.Millisecond)
}

func TestGC_RetainCancelsPendingEviction(t *testing.T) {
	clk := clockwork.NewFakeClock()
	c := newCache(t, clk, Options{GCGrace: time.Minute})
	k := key("analytics/realtime", nil)

	c.Retain(k)
	c.Set(k, "v", nil, 0)
	c.Release(k)
	c.Retain(k)
	clk.Advance(2 * time.Minute)
	time.Sleep(10 * time.Millisecond)

	e, ok := c.Get(k)
	require.True(t, ok)
	assert.Equal(t, 1, e.Subscribers)
}

func TestGC_SubscriberSurvivesEvictAndRefetch(t *testing.T) {
	clk := clockwork.NewFakeClock()
	c := newCache(t, clk, Options{GCGrace: time.Minute})
	k := key("reports/detail", keys.Params{"id": "r1"})
	d := Descriptor{Key: k, Fetch: func(context.Context) (any, error) { return "r1", nil }}

	c.Retain(k)
	_, err := c.Fetch(context.Background(), d)
	require.NoError(t, err)
	c.Evict(k)
	_, err = c.Fetch(context.Background(), d)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	time.Sleep(10 * time.Millisecond)
	e, ok := c.Get(k)
	require.True(t, ok, "entry with a live subscriber must not be collected")
	assert.Equal(t, 1, e.Subscribers)

	c.Release(k)
	clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, time.Millisecond)
}

func TestGC_FailedFetchWithoutSubscriberIsCollected(t *testing.T) {
	clk := clockwork.NewFakeClock()
	c := newCache(t, clk, Options{GCGrace: time.Minute})
	k := key("reports", keys.Params{"page": 1})
	boom := errors.New("boom")

	_, err := c.Fetch(context.Background(), Descriptor{Key: k, Fetch: func(context.Context) (any, error) { return nil, boom }})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, c.Len())

	clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, time.Millisecond)
}

func TestGC_InFlightFetchPostponesCollection(t *testing.T) {
	clk := clockwork.NewFakeClock()
	c := newCache(t, clk, Options{GCGrace: time.Minute})
	k := key("analytics/realtime", nil)
	c.Retain(k)
	c.Set(k, "v1", nil, 0)
	c.Release(k)

	started, release := make(chan struct{}), make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Refresh(context.Background(), Descriptor{Key: k, StaleTime: -1, Fetch: func(context.Context) (any, error) {
			close(started)
			<-release
			return "v2", nil
		}})
	}()
	<-started

	clk.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, c.Len(), "entry with a fetch in flight must not be collected")

	close(release)
	<-done
	clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, time.Millisecond)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []invalidation.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev invalidation.Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func TestPublisher_OnlyLocalInvalidations(t *testing.T) {
	pub := &recordingPublisher{}
	c := newCache(t, clockwork.NewFakeClock(), Options{Publisher: pub, Source: "node-a"})
	k := key("reports", nil)
	c.Set(k, "x", []string{"reports"}, 0)

	c.InvalidateTag("reports")
	n := c.Apply(invalidation.Event{Version: 1, Op: invalidation.OpTag, Tags: []string{"reports"}, TS: time.Now()}, OriginRemote)
	assert.Equal(t, 1, n)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, invalidation.OpTag, ev.Op)
	assert.Equal(t, "node-a", ev.Source)
	assert.NoError(t, ev.Validate())
}

func TestOnInvalidate_ReportsMarkedKeys(t *testing.T) {
	c := newCache(t, clockwork.NewFakeClock(), Options{})
	k := key("reports", nil)
	c.Set(k, "x", []string{"reports"}, 0)

	var got []keys.CacheKey
	c.OnInvalidate(func(ks []keys.CacheKey) { got = append(got, ks...) })
	c.InvalidateTag("reports")
	require.Len(t, got, 1)
	assert.Equal(t, k, got[0])

	got = nil
	c.Evict(k)
	assert.Empty(t, got)
}

func TestRefresh_CallerCancelDoesNotAbortSharedFetch(t *testing.T) {
	c := newCache(t, clockwork.NewFakeClock(), Options{})
	k := key("reports", nil)
	release := make(chan struct{})
	d := Descriptor{Key: k, Fetch: func(ctx context.Context) (any, error) {
		<-release
		return "done", ctx.Err()
	}}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Refresh(ctx, d)
		errc <- err
	}()
	require.Eventually(t, func() bool {
		snap := c.Snapshot()
		return len(snap) == 1 && snap[0].Status == StatusFetching
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	close(release)

	require.Eventually(t, func() bool {
		e, ok := c.Get(k)
		return ok && e.Data == "done" && e.Error() == nil
	}, time.Second, time.Millisecond)
}

func TestSnapshotAndClose(t *testing.T) {
	c := newCache(t, clockwork.NewFakeClock(), Options{})
	c.Set(key("b", nil), 2, nil, 0)
	c.Set(key("a", nil), 1, []string{"t"}, 0)

	snap := c.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Kind)

	c.Close()
	assert.Equal(t, 0, c.Len())
	_, err := c.Fetch(context.Background(), Descriptor{Key: key("a", nil), Fetch: func(context.Context) (any, error) { return nil, nil }})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFetch_RejectsIncompleteDescriptor(t *testing.T) {
	c := newCache(t, clockwork.NewFakeClock(), Options{})
	_, err := c.Fetch(context.Background(), Descriptor{Key: key("a", nil)})
	assert.Error(t, err)
	_, err = c.Fetch(context.Background(), Descriptor{Fetch: func(context.Context) (any, error) { return nil, nil }})
	assert.Error(t, err)
}
