package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/partypix/internal/dispatch"
	"github.com/kiranshivaraju/partypix/internal/realtime"
	"github.com/kiranshivaraju/partypix/pkg/models"
)

// screenReader is what the party screen reads from the store.
type screenReader interface {
	dispatch.PromptReader
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	ListSessionImages(ctx context.Context, sessionID uuid.UUID) ([]*models.Image, error)
}

// view is what the screen currently shows for a session.
type view struct {
	Stats  models.SessionStats
	Latest string
}

// screen keeps live prompt and image feeds for one session.
type screen struct {
	sessionID uuid.UUID
	prompts   *realtime.Feed[*models.Prompt]
	images    *realtime.Feed[*models.Image]

	mu   sync.Mutex
	view view
}

func openScreen(ctx context.Context, bus realtime.Bus, reader screenReader, sessionID uuid.UUID, interval time.Duration) (*screen, error) {
	s := &screen{sessionID: sessionID}
	filter := "session_id=eq." + sessionID.String()

	prompts, err := realtime.Start(ctx, bus, realtime.Options[*models.Prompt]{
		Table:   "prompts",
		Event:   realtime.EventAll,
		Filter:  filter,
		Channel: "partyscreen_prompts_" + sessionID.String(),
		Fetch: func(ctx context.Context) ([]*models.Prompt, error) {
			return reader.ListSessionPrompts(ctx, sessionID, "")
		},
		MinRefetchInterval: interval,
		OnChange:           s.onPrompts,
	})
	if err != nil {
		return nil, fmt.Errorf("start prompt feed: %w", err)
	}

	images, err := realtime.Start(ctx, bus, realtime.Options[*models.Image]{
		Table:   "images",
		Event:   realtime.EventAll,
		Filter:  filter,
		Channel: "partyscreen_images_" + sessionID.String(),
		Fetch: func(ctx context.Context) ([]*models.Image, error) {
			return reader.ListSessionImages(ctx, sessionID)
		},
		MinRefetchInterval: interval,
		OnChange:           s.onImages,
	})
	if err != nil {
		_ = prompts.Close()
		return nil, fmt.Errorf("start image feed: %w", err)
	}

	s.prompts = prompts
	s.images = images
	return s, nil
}

func (s *screen) onPrompts(snap realtime.Snapshot[*models.Prompt]) {
	if snap.Err != nil {
		slog.Warn("prompt feed error", "session_id", s.sessionID, "error", snap.Err)
		return
	}

	stats := countPrompts(snap.Data)
	s.mu.Lock()
	stats.Images = s.view.Stats.Images
	s.view.Stats = stats
	if n := len(snap.Data); n > 0 {
		s.view.Latest = snap.Data[n-1].Text
	}
	v := s.view
	s.mu.Unlock()

	s.log(v)
}

func (s *screen) onImages(snap realtime.Snapshot[*models.Image]) {
	if snap.Err != nil {
		slog.Warn("image feed error", "session_id", s.sessionID, "error", snap.Err)
		return
	}

	s.mu.Lock()
	s.view.Stats.Images = len(snap.Data)
	v := s.view
	s.mu.Unlock()

	s.log(v)
}

func (s *screen) log(v view) {
	slog.Info("party screen updated",
		"session_id", s.sessionID,
		"pending", v.Stats.Pending,
		"processing", v.Stats.Processing,
		"completed", v.Stats.Completed,
		"failed", v.Stats.Failed,
		"images", v.Stats.Images,
		"latest_prompt", v.Latest,
	)
}

// View returns a copy of the current view.
func (s *screen) View() view {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

func (s *screen) Close() error {
	perr := s.prompts.Close()
	ierr := s.images.Close()
	if perr != nil {
		return perr
	}
	return ierr
}

func countPrompts(prompts []*models.Prompt) models.SessionStats {
	var stats models.SessionStats
	for _, p := range prompts {
		switch p.Status {
		case models.PromptStatusPending:
			stats.Pending++
		case models.PromptStatusProcessing:
			stats.Processing++
		case models.PromptStatusCompleted:
			stats.Completed++
		case models.PromptStatusFailed:
			stats.Failed++
		}
	}
	return stats
}
