package realtime

import "context"

// MemoryBus is an in-process Bus. Writers call Publish after each change.
type MemoryBus struct {
	hub *hub
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{hub: newHub()}
}

func (b *MemoryBus) Subscribe(_ context.Context, spec Spec) (Subscription, error) {
	sub, err := b.hub.subscribe(spec)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Publish delivers c to every matching subscription.
func (b *MemoryBus) Publish(c Change) {
	b.hub.publish(c)
}

// Close ends every subscription. Later Subscribe calls fail with ErrBusClosed.
func (b *MemoryBus) Close() {
	b.hub.close()
}

var _ Bus = (*MemoryBus)(nil)
