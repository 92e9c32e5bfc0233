package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultNotifyChannel is the Postgres channel the change trigger notifies on.
const DefaultNotifyChannel = "party_changes"

const reconnectDelay = time.Second

// PGBus is a Bus fed by Postgres LISTEN/NOTIFY. Run must be called for
// subscriptions to receive anything.
type PGBus struct {
	pool    *pgxpool.Pool
	channel string
	hub     *hub
}

// NewPGBus creates a bus listening on the given notify channel.
func NewPGBus(pool *pgxpool.Pool, channel string) *PGBus {
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	return &PGBus{pool: pool, channel: channel, hub: newHub()}
}

func (b *PGBus) Subscribe(_ context.Context, spec Spec) (Subscription, error) {
	sub, err := b.hub.subscribe(spec)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Run listens until ctx is cancelled, reconnecting on connection loss. After
// each reconnect a resync change is published so subscribers refetch whatever
// they may have missed. All subscriptions are closed when Run returns.
func (b *PGBus) Run(ctx context.Context) error {
	defer b.hub.close()

	first := true
	for {
		err := b.listen(ctx, !first)
		if ctx.Err() != nil {
			return nil
		}
		first = false
		slog.Warn("change listener disconnected", "channel", b.channel, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (b *PGBus) listen(ctx context.Context, resync bool) error {
	pc, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	// The connection stays in LISTEN state, so it never goes back to the pool.
	conn := pc.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", b.channel, err)
	}
	slog.Info("listening for changes", "channel", b.channel)

	if resync {
		b.hub.publish(Change{Resync: true})
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		var c Change
		if err := json.Unmarshal([]byte(n.Payload), &c); err != nil {
			slog.Warn("discarding malformed change", "channel", b.channel, "error", err)
			continue
		}
		b.hub.publish(c)
	}
}

var _ Bus = (*PGBus)(nil)
