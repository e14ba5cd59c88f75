package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-shakir/backoffice-sync/internal/cache/keys"
	"github.com/mohammed-shakir/backoffice-sync/internal/cache/query"
)

type fixture struct {
	clk   *clockwork.FakeClock
	cache *query.Cache
	p     *Poller
	calls atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clk: clockwork.NewFakeClock()}
	c, err := query.New(query.Options{Clock: f.clk, GCGrace: time.Minute})
	require.NoError(t, err)
	p, err := New(Options{Cache: c, Clock: f.clk})
	require.NoError(t, err)
	f.cache, f.p = c, p
	t.Cleanup(func() {
		p.Close()
		c.Close()
	})
	return f
}

// realtime returns an always-stale descriptor so every tick goes upstream.
func (f *fixture) realtime(interval time.Duration) query.Descriptor {
	return query.Descriptor{
		Key:          keys.Make("analytics/realtime", nil),
		Tags:         []string{"analytics", "realtime"},
		StaleTime:    -1,
		PollInterval: interval,
		Fetch: func(context.Context) (any, error) {
			return int(f.calls.Add(1)), nil
		},
	}
}

type recorder struct {
	mu  sync.Mutex
	got []Update
}

func (r *recorder) on(u Update) {
	r.mu.Lock()
	r.got = append(r.got, u)
	r.mu.Unlock()
}

func (r *recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func (r *recorder) Last() Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.got[len(r.got)-1]
}

func eventuallyCalls(t *testing.T, f *fixture, n int32) {
	t.Helper()
	require.Eventually(t, func() bool { return f.calls.Load() == n }, time.Second, time.Millisecond,
		"want %d fetches, have %d", n, f.calls.Load())
}

func TestSubscribe_ImmediateFetchThenPolls(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	sub, err := f.p.Subscribe(f.realtime(5*time.Second), rec.on)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	eventuallyCalls(t, f, 1)
	require.Eventually(t, func() bool { return rec.Len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, rec.Last().Data)

	f.clk.Advance(5 * time.Second)
	eventuallyCalls(t, f, 2)
	require.Eventually(t, func() bool { return rec.Len() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, rec.Last().Data)
}

func TestUnsubscribeLast_StopsPolling(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	sub, err := f.p.Subscribe(f.realtime(5*time.Second), rec.on)
	require.NoError(t, err)
	eventuallyCalls(t, f, 1)

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, f.p.ActiveKeys())

	f.clk.Advance(5 * time.Second)
	f.clk.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), f.calls.Load())

	// released entry is collected after the grace period
	f.clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return f.cache.Len() == 0 }, time.Second, time.Millisecond)
}

func TestSubscribers_ShareOneTimerAtSmallestInterval(t *testing.T) {
	f := newFixture(t)
	a, b := &recorder{}, &recorder{}
	subA, err := f.p.Subscribe(f.realtime(10*time.Second), a.on)
	require.NoError(t, err)
	eventuallyCalls(t, f, 1)
	subB, err := f.p.Subscribe(f.realtime(5*time.Second), b.on)
	require.NoError(t, err)
	defer subA.Unsubscribe()
	defer subB.Unsubscribe()

	// stale cached value is handed to the new subscriber and refetched
	eventuallyCalls(t, f, 2)

	f.clk.Advance(5 * time.Second)
	eventuallyCalls(t, f, 3)
	require.Eventually(t, func() bool {
		return a.Len() > 0 && b.Len() > 0 && a.Last().Data == 3 && b.Last().Data == 3
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, f.p.ActiveKeys())

	// dropping the fast subscriber widens the shared interval
	subB.Unsubscribe()
	f.clk.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), f.calls.Load())
	f.clk.Advance(5 * time.Second)
	eventuallyCalls(t, f, 4)
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	sub, err := f.p.Subscribe(f.realtime(5*time.Second), nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	eventuallyCalls(t, f, 1)

	f.p.Pause()
	assert.True(t, f.p.Paused())
	f.clk.Advance(30 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), f.calls.Load())

	f.p.Resume()
	eventuallyCalls(t, f, 2)
	f.clk.Advance(5 * time.Second)
	eventuallyCalls(t, f, 3)
}

func TestSubscribe_DeliversFreshCacheWithoutFetching(t *testing.T) {
	f := newFixture(t)
	d := f.realtime(0)
	d.StaleTime = time.Minute
	f.cache.Set(d.Key, "cached", d.Tags, time.Minute)

	rec := &recorder{}
	sub, err := f.p.Subscribe(d, rec.on)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Equal(t, 1, rec.Len())
	assert.Equal(t, "cached", rec.Last().Data)
	assert.False(t, rec.Last().Stale)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), f.calls.Load())
}

func TestResultAfterUnsubscribe_IsNotDelivered(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	started := make(chan struct{})
	d := query.Descriptor{
		Key:       keys.Make("reports", keys.Params{"page": 1}),
		StaleTime: -1,
		Fetch: func(context.Context) (any, error) {
			close(started)
			<-release
			return "late", nil
		},
	}
	rec := &recorder{}
	sub, err := f.p.Subscribe(d, rec.on)
	require.NoError(t, err)
	<-started
	sub.Unsubscribe()
	close(release)

	require.Eventually(t, func() bool {
		e, ok := f.cache.Get(d.Key)
		return ok && e.Data == "late"
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, rec.Len())
}

func TestInvalidation_RefetchesSubscribedKeys(t *testing.T) {
	f := newFixture(t)
	d := f.realtime(0)
	d.StaleTime = time.Hour
	rec := &recorder{}
	sub, err := f.p.Subscribe(d, rec.on)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	eventuallyCalls(t, f, 1)

	f.cache.InvalidateTag("realtime")
	eventuallyCalls(t, f, 2)
	require.Eventually(t, func() bool { return rec.Len() == 2 }, time.Second, time.Millisecond)
	assert.False(t, rec.Last().Stale)
}

func TestClose_StopsEverything(t *testing.T) {
	f := newFixture(t)
	_, err := f.p.Subscribe(f.realtime(5*time.Second), nil)
	require.NoError(t, err)
	eventuallyCalls(t, f, 1)

	f.p.Close()
	f.clk.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), f.calls.Load())
	_, err = f.p.Subscribe(f.realtime(5*time.Second), nil)
	assert.Error(t, err)
}
