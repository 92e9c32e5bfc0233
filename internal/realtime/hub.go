package realtime

import (
	"fmt"
	"sync"

	"github.com/kiranshivaraju/partypix/internal/metrics"
)

const subscriptionBuffer = 64

// hub fans changes out to subscriptions. Sends never block: when a
// subscriber's buffer is full the change is dropped, since a buffered change
// already guarantees the subscriber will refresh.
type hub struct {
	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[string]*subscription)}
}

func (h *hub) subscribe(spec Spec) (*subscription, error) {
	if spec.Table == "" {
		return nil, fmt.Errorf("%w: table is required", ErrRealtime)
	}
	if spec.Channel == "" {
		spec.Channel = ChannelName(spec.Table, spec.Event)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrBusClosed
	}
	if _, ok := h.subs[spec.Channel]; ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelInUse, spec.Channel)
	}

	sub := &subscription{spec: spec, ch: make(chan Change, subscriptionBuffer), hub: h}
	h.subs[spec.Channel] = sub
	return sub, nil
}

func (h *hub) publish(c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		if !sub.spec.Matches(c) {
			continue
		}
		select {
		case sub.ch <- c:
		default:
			metrics.FeedEventDropped(sub.spec.Table)
		}
	}
}

func (h *hub) remove(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sub.spec.Channel] == sub {
		delete(h.subs, sub.spec.Channel)
		close(sub.ch)
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for name, sub := range h.subs {
		delete(h.subs, name)
		close(sub.ch)
	}
}

type subscription struct {
	spec Spec
	ch   chan Change
	hub  *hub
	once sync.Once
}

func (s *subscription) Events() <-chan Change { return s.ch }

func (s *subscription) Close() error {
	s.once.Do(func() { s.hub.remove(s) })
	return nil
}
