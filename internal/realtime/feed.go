package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kiranshivaraju/partypix/internal/metrics"
)

// DefaultMinRefetchInterval is used when Options.MinRefetchInterval is zero.
const DefaultMinRefetchInterval = time.Second

// Options configures a Feed.
type Options[T any] struct {
	Table string
	// Event defaults to EventAll.
	Event EventType
	// Filter is an equality expression such as "session_id=eq.<id>".
	Filter string
	// Channel defaults to ChannelName(Table, Event).
	Channel string
	Fetch   func(ctx context.Context) ([]T, error)
	// MinRefetchInterval is the minimum spacing between successful fetches
	// caused by change events.
	MinRefetchInterval time.Duration
	// OnChange runs on the feed's loop after every completed fetch. It must
	// not call Close.
	OnChange func(Snapshot[T])
}

// Snapshot is the observable state of a Feed.
type Snapshot[T any] struct {
	Data    []T
	Loading bool
	Err     error
}

// Feed keeps the result of Fetch current as qualifying changes arrive.
//
// Events, deferred refetches and manual refetches are all handled on a single
// goroutine, so fetches never overlap. A burst of events inside the minimum
// interval collapses into one deferred refetch at the end of the interval.
type Feed[T any] struct {
	opts     Options[T]
	spec     Spec
	sub      Subscription
	interval time.Duration

	mu        sync.RWMutex
	snap      Snapshot[T]
	lastFetch time.Time

	refetchCh chan chan error
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Start subscribes to bus and begins the initial fetch. The returned feed
// runs until ctx is cancelled or Close is called.
func Start[T any](ctx context.Context, bus Bus, opts Options[T]) (*Feed[T], error) {
	if opts.Table == "" {
		return nil, &Error{Op: "start", Err: fmt.Errorf("table is required")}
	}
	if opts.Fetch == nil {
		return nil, &Error{Op: "start", Table: opts.Table, Err: fmt.Errorf("fetch is required")}
	}
	if opts.Event == "" {
		opts.Event = EventAll
	}
	if opts.Channel == "" {
		opts.Channel = ChannelName(opts.Table, opts.Event)
	}
	interval := opts.MinRefetchInterval
	if interval <= 0 {
		interval = DefaultMinRefetchInterval
	}

	filter, err := ParseFilter(opts.Filter)
	if err != nil {
		return nil, &Error{Op: "start", Table: opts.Table, Err: err}
	}

	spec := Spec{Channel: opts.Channel, Table: opts.Table, Event: opts.Event, Filter: filter}
	sub, err := bus.Subscribe(ctx, spec)
	if err != nil {
		return nil, &Error{Op: "subscribe", Table: opts.Table, Err: err}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	f := &Feed[T]{
		opts:      opts,
		spec:      spec,
		sub:       sub,
		interval:  interval,
		snap:      Snapshot[T]{Loading: true},
		refetchCh: make(chan chan error),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go f.run(loopCtx)
	return f, nil
}

// Channel returns the subscription's channel name.
func (f *Feed[T]) Channel() string {
	return f.spec.Channel
}

// Snapshot returns the current state. Data must be treated as read-only.
func (f *Feed[T]) Snapshot() Snapshot[T] {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snap
}

// Refetch fetches immediately, bypassing the throttle, and returns the
// fetch error if any.
func (f *Feed[T]) Refetch(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case f.refetchCh <- done:
	case <-f.done:
		return ErrFeedClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-f.done:
		return ErrFeedClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the subscription and cancels any deferred refetch. No OnChange
// call happens after Close returns.
func (f *Feed[T]) Close() error {
	f.closeOnce.Do(func() {
		f.cancel()
		<-f.done
		f.closeErr = f.sub.Close()
	})
	return f.closeErr
}

// Done is closed when the feed's loop has exited.
func (f *Feed[T]) Done() <-chan struct{} {
	return f.done
}

func (f *Feed[T]) run(ctx context.Context) {
	defer close(f.done)
	defer f.sub.Close()

	var timer *time.Timer
	var timerC <-chan time.Time
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}
	defer stopTimer()

	f.fetch(ctx)

	events := f.sub.Events()
	for {
		select {
		case <-ctx.Done():
			return

		case c, ok := <-events:
			if !ok {
				events = nil
				f.setErr(&Error{Op: "subscribe", Table: f.opts.Table, Err: ErrBusClosed})
				continue
			}
			if !f.spec.Matches(c) {
				continue
			}
			stopTimer()
			if wait := f.untilNextFetch(); wait > 0 {
				timer = time.NewTimer(wait)
				timerC = timer.C
				continue
			}
			f.fetch(ctx)

		case <-timerC:
			timer, timerC = nil, nil
			f.fetch(ctx)

		case done := <-f.refetchCh:
			stopTimer()
			done <- f.fetch(ctx)
		}
	}
}

// untilNextFetch returns how long an event-driven fetch must wait.
func (f *Feed[T]) untilNextFetch() time.Duration {
	f.mu.RLock()
	last := f.lastFetch
	f.mu.RUnlock()
	if last.IsZero() {
		return 0
	}
	return f.interval - time.Since(last)
}

func (f *Feed[T]) fetch(ctx context.Context) error {
	f.mu.Lock()
	f.snap.Loading = true
	f.mu.Unlock()

	data, err := f.opts.Fetch(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	f.mu.Lock()
	f.snap.Loading = false
	if err != nil {
		err = &Error{Op: "fetch", Table: f.opts.Table, Err: err}
		f.snap.Err = err
	} else {
		f.snap.Data = data
		f.snap.Err = nil
		f.lastFetch = time.Now()
	}
	snap := f.snap
	f.mu.Unlock()

	metrics.FeedFetch(f.opts.Table, err == nil)
	if f.opts.OnChange != nil {
		f.opts.OnChange(snap)
	}
	return err
}

func (f *Feed[T]) setErr(err error) {
	f.mu.Lock()
	f.snap.Err = err
	snap := f.snap
	f.mu.Unlock()
	if f.opts.OnChange != nil {
		f.opts.OnChange(snap)
	}
}
