// Package party implements the host and guest operations on a party session:
// session lifecycle, prompt submission and the session gallery.
package party

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/partypix/internal/metrics"
	"github.com/kiranshivaraju/partypix/internal/store"
	"github.com/kiranshivaraju/partypix/pkg/models"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrSessionInactive = errors.New("session is not accepting prompts")
	// ErrNotFound is also returned for sessions owned by another host.
	ErrNotFound = errors.New("not found")
)

// SessionChecker reports whether a session accepts prompts.
type SessionChecker interface {
	SessionActive(ctx context.Context, sessionID uuid.UUID) (bool, error)
}

// Gallery reads and removes stored images.
type Gallery interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Image, error)
	ListSession(ctx context.Context, sessionID uuid.UUID) ([]*models.Image, error)
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteSessionMedia(ctx context.Context, sessionID uuid.UUID) error
}

// Service implements session, prompt and gallery operations.
type Service struct {
	store         store.Store
	sessions      SessionChecker
	gallery       Gallery
	publicBaseURL string
	now           func() time.Time
}

func NewService(st store.Store, sessions SessionChecker, gallery Gallery, publicBaseURL string) *Service {
	return &Service{
		store:         st,
		sessions:      sessions,
		gallery:       gallery,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SubmitPrompt records a guest prompt as pending. The session is checked
// before anything is written, so a rejected submission leaves no row.
func (s *Service) SubmitPrompt(ctx context.Context, sessionID uuid.UUID, text string) (*models.Prompt, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: prompt text is required", ErrValidation)
	}
	if n := utf8.RuneCountInString(text); n > models.MaxPromptLength {
		return nil, fmt.Errorf("%w: prompt text is %d characters, maximum is %d", ErrValidation, n, models.MaxPromptLength)
	}

	active, err := s.sessions.SessionActive(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("checking session: %w", err)
	}
	if !active {
		return nil, ErrSessionInactive
	}

	now := s.now()
	p := &models.Prompt{
		ID:        uuid.New(),
		SessionID: sessionID,
		Text:      text,
		Status:    models.PromptStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreatePrompt(ctx, p); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionInactive
		}
		return nil, fmt.Errorf("creating prompt: %w", err)
	}

	metrics.PromptSubmitted()
	slog.Info("prompt submitted", "prompt_id", p.ID, "session_id", sessionID)
	return p, nil
}

// CreateSession starts a new active session owned by userID.
func (s *Service) CreateSession(ctx context.Context, userID uuid.UUID, name, description *string) (*models.Session, error) {
	ss := &models.Session{
		ID:          uuid.New(),
		UserID:      &userID,
		Name:        trimmed(name),
		Description: trimmed(description),
		IsActive:    true,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateSession(ctx, ss); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	slog.Info("session created", "session_id", ss.ID, "user_id", userID)
	return ss, nil
}

func (s *Service) ListSessions(ctx context.Context, userID uuid.UUID, activeOnly bool) ([]*models.Session, error) {
	return s.store.ListUserSessions(ctx, userID, activeOnly)
}

// GetSession returns a session owned by userID.
func (s *Service) GetSession(ctx context.Context, userID, sessionID uuid.UUID) (*models.Session, error) {
	ss, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	if ss.UserID == nil || *ss.UserID != userID {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	return ss, nil
}

// SessionStats returns prompt and image counts for an owned session.
func (s *Service) SessionStats(ctx context.Context, userID, sessionID uuid.UUID) (*models.SessionStats, error) {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.store.GetSessionStats(ctx, sessionID)
}

// UpdateSession renames, re-describes or (de)activates an owned session.
func (s *Service) UpdateSession(ctx context.Context, userID, sessionID uuid.UUID, upd store.SessionUpdate) (*models.Session, error) {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	upd.Name = trimmed(upd.Name)
	upd.Description = trimmed(upd.Description)
	if upd.Empty() {
		return nil, fmt.Errorf("%w: nothing to update", ErrValidation)
	}
	ss, err := s.store.UpdateSession(ctx, sessionID, upd)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	return ss, err
}

// EndSession stops an owned session from accepting prompts.
func (s *Service) EndSession(ctx context.Context, userID, sessionID uuid.UUID) (*models.Session, error) {
	inactive := false
	ss, err := s.UpdateSession(ctx, userID, sessionID, store.SessionUpdate{IsActive: &inactive})
	if err != nil {
		return nil, err
	}
	slog.Info("session ended", "session_id", sessionID)
	return ss, nil
}

// DeleteSession removes an owned session. Stored images are removed first;
// prompts and image rows cascade with the session row.
func (s *Service) DeleteSession(ctx context.Context, userID, sessionID uuid.UUID) error {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return err
	}
	if err := s.gallery.DeleteSessionMedia(ctx, sessionID); err != nil {
		return fmt.Errorf("removing session media: %w", err)
	}
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		return err
	}
	slog.Info("session deleted", "session_id", sessionID)
	return nil
}

// ShareURL is the guest submission link for a session.
func (s *Service) ShareURL(sessionID uuid.UUID) string {
	return s.publicBaseURL + "/submit/" + sessionID.String()
}

// ListPrompts returns an owned session's prompts oldest first, optionally
// filtered by status.
func (s *Service) ListPrompts(ctx context.Context, userID, sessionID uuid.UUID, status string) ([]*models.Prompt, error) {
	if status != "" && !models.ValidPromptStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListSessionPrompts(ctx, sessionID, status)
}

// ListImages returns an owned session's images newest first.
func (s *Service) ListImages(ctx context.Context, userID, sessionID uuid.UUID) ([]*models.Image, error) {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.gallery.ListSession(ctx, sessionID)
}

// DeleteImage removes an image from a session owned by userID.
func (s *Service) DeleteImage(ctx context.Context, userID, imageID uuid.UUID) error {
	img, err := s.gallery.Get(ctx, imageID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: image %s", ErrNotFound, imageID)
	}
	if err != nil {
		return err
	}
	if _, err := s.GetSession(ctx, userID, img.SessionID); err != nil {
		return fmt.Errorf("%w: image %s", ErrNotFound, imageID)
	}
	if err := s.gallery.Delete(ctx, imageID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: image %s", ErrNotFound, imageID)
		}
		return err
	}
	slog.Info("image deleted", "image_id", imageID, "session_id", img.SessionID)
	return nil
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
