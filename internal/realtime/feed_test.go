package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingFetcher returns the call number as its only element.
type countingFetcher struct {
	calls atomic.Int32
	mu    sync.Mutex
	err   error
}

func (c *countingFetcher) fetch(_ context.Context) ([]int, error) {
	n := c.calls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return []int{int(n)}, nil
}

func (c *countingFetcher) failWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func insert(sessionID string) Change {
	return Change{Table: "prompts", Type: EventInsert, Record: map[string]any{"session_id": sessionID}}
}

func startFeed(t *testing.T, bus Bus, f *countingFetcher, interval time.Duration, onChange func(Snapshot[int])) *Feed[int] {
	t.Helper()
	feed, err := Start(context.Background(), bus, Options[int]{
		Table:              "prompts",
		Event:              EventInsert,
		Filter:             "session_id=eq.s1",
		Fetch:              f.fetch,
		MinRefetchInterval: interval,
		OnChange:           onChange,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = feed.Close() })

	require.Eventually(t, func() bool { return !feed.Snapshot().Loading }, time.Second, 5*time.Millisecond)
	return feed
}

func TestFeed_InitialFetch(t *testing.T) {
	bus := NewMemoryBus()
	f := &countingFetcher{}
	feed := startFeed(t, bus, f, 100*time.Millisecond, nil)

	snap := feed.Snapshot()
	assert.Equal(t, []int{1}, snap.Data)
	assert.NoError(t, snap.Err)
	assert.Equal(t, "realtime_prompts_insert", feed.Channel())
}

func TestFeed_BurstCollapsesIntoOneDeferredFetch(t *testing.T) {
	bus := NewMemoryBus()
	f := &countingFetcher{}
	interval := 200 * time.Millisecond
	feed := startFeed(t, bus, f, interval, nil)

	for i := 0; i < 5; i++ {
		bus.Publish(insert("s1"))
	}

	// Nothing happens before the interval elapses.
	time.Sleep(interval / 4)
	assert.Equal(t, int32(1), f.calls.Load())

	require.Eventually(t, func() bool { return f.calls.Load() == 2 }, 2*interval, 5*time.Millisecond)

	// And no further fetch is scheduled.
	time.Sleep(2 * interval)
	assert.Equal(t, int32(2), f.calls.Load())
	assert.Equal(t, []int{2}, feed.Snapshot().Data)
}

func TestFeed_EventAfterIntervalFetchesImmediately(t *testing.T) {
	bus := NewMemoryBus()
	f := &countingFetcher{}
	interval := 50 * time.Millisecond
	startFeed(t, bus, f, interval, nil)

	time.Sleep(2 * interval)
	bus.Publish(insert("s1"))

	require.Eventually(t, func() bool { return f.calls.Load() == 2 }, interval/2, time.Millisecond)
}

func TestFeed_IgnoresNonMatchingChanges(t *testing.T) {
	bus := NewMemoryBus()
	f := &countingFetcher{}
	startFeed(t, bus, f, 10*time.Millisecond, nil)

	bus.Publish(insert("other-session"))
	bus.Publish(Change{Table: "prompts", Type: EventUpdate, Record: map[string]any{"session_id": "s1"}})
	bus.Publish(Change{Table: "images", Type: EventInsert, Record: map[string]any{"session_id": "s1"}})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestFeed_FailedFetchKeepsDataAndSetsError(t *testing.T) {
	bus := NewMemoryBus()
	f := &countingFetcher{}
	feed := startFeed(t, bus, f, 10*time.Millisecond, nil)

	cause := errors.New("db down")
	f.failWith(cause)

	err := feed.Refetch(context.Background())
	require.Error(t, err)

	snap := feed.Snapshot()
	assert.Equal(t, []int{1}, snap.Data)
	assert.False(t, snap.Loading)
	assert.ErrorIs(t, snap.Err, ErrRealtime)
	assert.ErrorIs(t, snap.Err, cause)

	// Recovery clears the error.
	f.failWith(nil)
	require.NoError(t, feed.Refetch(context.Background()))
	snap = feed.Snapshot()
	assert.NoError(t, snap.Err)
	assert.Equal(t, []int{3}, snap.Data)
}

func TestFeed_FailedFetchDoesNotAdvanceThrottle(t *testing.T) {
	bus := NewMemoryBus()
	f := &countingFetcher{}
	interval := 150 * time.Millisecond
	feed := startFeed(t, bus, f, interval, nil)

	time.Sleep(interval)
	f.failWith(errors.New("boom"))
	require.Error(t, feed.Refetch(context.Background()))
	f.failWith(nil)

	// The last successful fetch is older than the interval, so this is immediate.
	bus.Publish(insert("s1"))
	require.Eventually(t, func() bool { return f.calls.Load() == 3 }, interval/2, time.Millisecond)
}

func TestFeed_CloseCancelsDeferredFetch(t *testing.T) {
	bus := NewMemoryBus()
	f := &countingFetcher{}
	interval := 100 * time.Millisecond

	var afterClose atomic.Bool
	var lateCalls atomic.Int32
	feed := startFeed(t, bus, f, interval, func(Snapshot[int]) {
		if afterClose.Load() {
			lateCalls.Add(1)
		}
	})

	bus.Publish(insert("s1"))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, feed.Close())
	afterClose.Store(true)

	time.Sleep(2 * interval)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, int32(0), lateCalls.Load())

	assert.ErrorIs(t, feed.Refetch(context.Background()), ErrFeedClosed)

	// The channel name is free again.
	_, err := bus.Subscribe(context.Background(), Spec{Table: "prompts", Event: EventInsert})
	assert.NoError(t, err)
}

func TestFeed_OnChangeReceivesSnapshots(t *testing.T) {
	bus := NewMemoryBus()
	f := &countingFetcher{}

	var mu sync.Mutex
	var seen [][]int
	startFeed(t, bus, f, 10*time.Millisecond, func(s Snapshot[int]) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s.Data)
	})

	time.Sleep(20 * time.Millisecond)
	bus.Publish(insert("s1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [][]int{{1}, {2}}, seen)
}

func TestFeed_DuplicateChannelFails(t *testing.T) {
	bus := NewMemoryBus()
	f := &countingFetcher{}
	startFeed(t, bus, f, time.Second, nil)

	_, err := Start(context.Background(), bus, Options[int]{
		Table: "prompts",
		Event: EventInsert,
		Fetch: f.fetch,
	})
	assert.ErrorIs(t, err, ErrChannelInUse)
	assert.ErrorIs(t, err, ErrRealtime)
}

func TestFeed_BusClosedSurfacesError(t *testing.T) {
	bus := NewMemoryBus()
	f := &countingFetcher{}
	feed := startFeed(t, bus, f, time.Second, nil)

	bus.Close()
	require.Eventually(t, func() bool { return feed.Snapshot().Err != nil }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, feed.Snapshot().Err, ErrBusClosed)
	assert.Equal(t, []int{1}, feed.Snapshot().Data)
}

func TestStart_Validation(t *testing.T) {
	bus := NewMemoryBus()

	_, err := Start(context.Background(), bus, Options[int]{Fetch: (&countingFetcher{}).fetch})
	assert.ErrorIs(t, err, ErrRealtime)

	_, err = Start[int](context.Background(), bus, Options[int]{Table: "prompts"})
	assert.ErrorIs(t, err, ErrRealtime)

	_, err = Start(context.Background(), bus, Options[int]{
		Table:  "prompts",
		Filter: "session_id=neq.1",
		Fetch:  (&countingFetcher{}).fetch,
	})
	assert.ErrorIs(t, err, ErrRealtime)
}
