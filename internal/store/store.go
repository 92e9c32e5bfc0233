package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/partypix/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInvalidTransition is returned when a status update would leave the
// pending -> processing -> completed|failed order.
var ErrInvalidTransition = errors.New("invalid prompt status transition")

// ErrNotPending is returned by ClaimPrompt when the prompt has already left pending.
var ErrNotPending = errors.New("prompt is not pending")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	ListUserSessions(ctx context.Context, userID uuid.UUID, activeOnly bool) ([]*models.Session, error)
	ListActiveSessions(ctx context.Context) ([]*models.Session, error)
	UpdateSession(ctx context.Context, id uuid.UUID, upd SessionUpdate) (*models.Session, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error
	GetSessionStats(ctx context.Context, id uuid.UUID) (*models.SessionStats, error)

	CreatePrompt(ctx context.Context, prompt *models.Prompt) error
	GetPrompt(ctx context.Context, id uuid.UUID) (*models.Prompt, error)
	ListSessionPrompts(ctx context.Context, sessionID uuid.UUID, status string) ([]*models.Prompt, error)
	ClaimPrompt(ctx context.Context, id uuid.UUID) (*models.Prompt, error)
	UpdatePromptStatus(ctx context.Context, id uuid.UUID, status string) error
	DeletePrompt(ctx context.Context, id uuid.UUID) error

	CreateImage(ctx context.Context, img *models.Image) error
	GetImage(ctx context.Context, id uuid.UUID) (*models.Image, error)
	ListSessionImages(ctx context.Context, sessionID uuid.UUID) ([]*models.Image, error)
	DeleteImage(ctx context.Context, id uuid.UUID) error

	UpsertAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKey(ctx context.Context, userID uuid.UUID, service string) (*models.APIKey, error)
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKeySummary, error)
	DeleteAPIKey(ctx context.Context, userID uuid.UUID, service string) error
}

// SessionUpdate holds the mutable session fields. Nil fields are left unchanged.
type SessionUpdate struct {
	Name        *string
	Description *string
	IsActive    *bool
}

// Empty reports whether the update changes nothing.
func (u SessionUpdate) Empty() bool {
	return u.Name == nil && u.Description == nil && u.IsActive == nil
}
