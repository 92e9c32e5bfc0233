// Package dispatch watches a session's pending prompts and hands each one to
// the image generator exactly once.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/partypix/internal/imagegen"
	"github.com/kiranshivaraju/partypix/internal/metrics"
	"github.com/kiranshivaraju/partypix/internal/realtime"
	"github.com/kiranshivaraju/partypix/pkg/models"
)

// PromptReader is the subset of store.Store the trigger reads from.
type PromptReader interface {
	ListSessionPrompts(ctx context.Context, sessionID uuid.UUID, status string) ([]*models.Prompt, error)
	GetPrompt(ctx context.Context, id uuid.UUID) (*models.Prompt, error)
}

// TriggerConfig wires a Trigger to one session.
type TriggerConfig struct {
	SessionID          uuid.UUID
	Store              PromptReader
	Bus                realtime.Bus
	Dispatcher         Dispatcher
	Guard              Guard
	MinRefetchInterval time.Duration
	// Timeout bounds a single dispatch call.
	Timeout time.Duration
}

// Trigger dispatches the pending prompts of one session as they appear.
type Trigger struct {
	cfg TriggerConfig

	// seen and lastIDs are only touched from the feed loop.
	seen    map[uuid.UUID]struct{}
	lastIDs map[uuid.UUID]struct{}

	ctx      context.Context
	inflight sync.WaitGroup
}

func NewTrigger(cfg TriggerConfig) (*Trigger, error) {
	switch {
	case cfg.SessionID == uuid.Nil:
		return nil, fmt.Errorf("trigger: session id is required")
	case cfg.Store == nil || cfg.Bus == nil || cfg.Dispatcher == nil:
		return nil, fmt.Errorf("trigger: store, bus and dispatcher are required")
	}
	if cfg.Guard == nil {
		cfg.Guard = NewLocalGuard(10 * time.Minute)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &Trigger{
		cfg:     cfg,
		seen:    make(map[uuid.UUID]struct{}),
		lastIDs: make(map[uuid.UUID]struct{}),
	}, nil
}

// ChannelFor is the feed channel name a trigger uses for a session.
func ChannelFor(sessionID uuid.UUID) string {
	return "prompts_session_" + sessionID.String()
}

// Run watches the session until ctx is cancelled, then waits for in-flight
// dispatches to return.
func (t *Trigger) Run(ctx context.Context) error {
	t.ctx = ctx
	feed, err := realtime.Start(ctx, t.cfg.Bus, realtime.Options[*models.Prompt]{
		Table:   "prompts",
		Event:   realtime.EventInsert,
		Filter:  "session_id=eq." + t.cfg.SessionID.String(),
		Channel: ChannelFor(t.cfg.SessionID),
		Fetch: func(ctx context.Context) ([]*models.Prompt, error) {
			return t.cfg.Store.ListSessionPrompts(ctx, t.cfg.SessionID, models.PromptStatusPending)
		},
		MinRefetchInterval: t.cfg.MinRefetchInterval,
		OnChange:           t.onSnapshot,
	})
	if err != nil {
		return err
	}

	slog.Info("dispatch trigger started", "session_id", t.cfg.SessionID, "channel", feed.Channel())
	<-ctx.Done()
	_ = feed.Close()
	t.inflight.Wait()
	slog.Info("dispatch trigger stopped", "session_id", t.cfg.SessionID)
	return nil
}

func (t *Trigger) onSnapshot(snap realtime.Snapshot[*models.Prompt]) {
	if snap.Err != nil {
		slog.Warn("pending prompt feed error", "session_id", t.cfg.SessionID, "error", snap.Err)
		return
	}
	if snap.Loading {
		return
	}

	ids := make(map[uuid.UUID]struct{}, len(snap.Data))
	for _, p := range snap.Data {
		ids[p.ID] = struct{}{}
	}
	if sameIDs(ids, t.lastIDs) {
		return
	}
	t.lastIDs = ids

	// A prompt never re-enters pending, so ids that left the set can be forgotten.
	for id := range t.seen {
		if _, ok := ids[id]; !ok {
			delete(t.seen, id)
		}
	}

	for _, p := range snap.Data {
		if _, ok := t.seen[p.ID]; ok {
			continue
		}
		t.seen[p.ID] = struct{}{}
		t.inflight.Add(1)
		go t.dispatch(p.ID)
	}
}

func (t *Trigger) dispatch(promptID uuid.UUID) {
	defer t.inflight.Done()
	log := slog.With("prompt_id", promptID, "session_id", t.cfg.SessionID)

	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.Timeout)
	defer cancel()

	ok, err := t.cfg.Guard.Claim(ctx, promptID)
	if err != nil {
		// The store claim in the generator still prevents a second run.
		log.Warn("dispatch guard unavailable, continuing", "error", err)
	} else if !ok {
		metrics.Dispatch("skipped_claimed")
		log.Debug("prompt already claimed by another dispatcher")
		return
	}

	p, err := t.cfg.Store.GetPrompt(ctx, promptID)
	if err != nil {
		metrics.Dispatch("error")
		log.Error("re-reading prompt before dispatch", "error", err)
		return
	}
	if p.Status != models.PromptStatusPending {
		metrics.Dispatch("skipped_not_pending")
		log.Debug("prompt no longer pending", "status", p.Status)
		return
	}

	start := time.Now()
	err = t.cfg.Dispatcher.Dispatch(ctx, promptID)
	switch {
	case err == nil:
		metrics.Dispatch("dispatched")
		log.Info("prompt dispatched", "duration_ms", time.Since(start).Milliseconds())
	case errors.Is(err, imagegen.ErrAlreadyDispatched):
		metrics.Dispatch("skipped_not_pending")
		log.Debug("prompt claimed concurrently", "error", err)
	default:
		metrics.Dispatch("failed")
		log.Error("prompt dispatch failed", "error", err)
	}
}

func sameIDs(a, b map[uuid.UUID]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}
