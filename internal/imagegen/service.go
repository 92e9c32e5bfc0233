// Package imagegen turns a pending prompt into a stored image.
package imagegen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/partypix/internal/images"
	"github.com/kiranshivaraju/partypix/internal/metrics"
	"github.com/kiranshivaraju/partypix/internal/store"
	"github.com/kiranshivaraju/partypix/pkg/models"
)

// CredentialSource looks up a host's provider key.
type CredentialSource interface {
	CredentialFor(ctx context.Context, userID uuid.UUID, service string) (string, bool, error)
}

// ImageSaver persists generated image bytes.
type ImageSaver interface {
	Save(ctx context.Context, data []byte, opts images.SaveOptions) (*models.Image, error)
}

// GenerateOptions selects the provider and output size. Zero values fall
// back to the service defaults.
type GenerateOptions struct {
	Provider string
	Width    int
	Height   int
}

// Config holds the generation defaults.
type Config struct {
	DefaultProvider string
	Width           int
	Height          int
	Timeout         time.Duration
}

// Service runs the prompt state machine: claim, generate, store, settle.
type Service struct {
	store     store.Store
	creds     CredentialSource
	images    ImageSaver
	providers *Registry
	download  *Downloader
	cfg       Config
}

// NewService creates a new Service.
func NewService(st store.Store, creds CredentialSource, imgs ImageSaver, providers *Registry, dl *Downloader, cfg Config) *Service {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = models.ServiceOpenAI
	}
	if cfg.Width <= 0 {
		cfg.Width = 1024
	}
	if cfg.Height <= 0 {
		cfg.Height = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if dl == nil {
		dl = NewDownloader(nil, 0)
	}
	return &Service{
		store:     st,
		creds:     creds,
		images:    imgs,
		providers: providers,
		download:  dl,
		cfg:       cfg,
	}
}

// CreateImage generates and stores the image for a pending prompt.
//
// The prompt is claimed (pending -> processing) before anything else. If
// another dispatch already claimed it, ErrAlreadyDispatched is returned and
// nothing changes. Once claimed, the prompt always ends completed or failed
// before CreateImage returns, including on panic.
func (s *Service) CreateImage(ctx context.Context, promptID uuid.UUID, opts GenerateOptions) (*models.Image, error) {
	if promptID == uuid.Nil {
		return nil, fmt.Errorf("%w: prompt_id is required", ErrValidation)
	}
	opts = s.withDefaults(opts)

	provider, err := s.providers.Get(opts.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	prompt, err := s.store.ClaimPrompt(ctx, promptID)
	switch {
	case errors.Is(err, store.ErrNotPending):
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDispatched, promptID)
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: prompt %s", ErrNotFound, promptID)
	case err != nil:
		return nil, fmt.Errorf("claiming prompt: %w", err)
	}
	metrics.PromptTransition(models.PromptStatusProcessing)

	start := time.Now()
	img, err := s.generate(ctx, prompt, provider, opts)
	metrics.ObserveGeneration(provider.Name(), outcomeOf(err), time.Since(start))

	// Settle even when the caller's context is gone.
	settleCtx := context.WithoutCancel(ctx)
	if err != nil {
		slog.Error("image generation failed",
			"prompt_id", prompt.ID, "session_id", prompt.SessionID,
			"provider", provider.Name(), "error", err)
		s.settle(settleCtx, prompt.ID, models.PromptStatusFailed)
		return nil, err
	}

	if err := s.settle(settleCtx, prompt.ID, models.PromptStatusCompleted); err != nil {
		return img, fmt.Errorf("marking prompt completed: %w", err)
	}

	slog.Info("image generated",
		"prompt_id", prompt.ID, "session_id", prompt.SessionID,
		"image_id", img.ID, "provider", provider.Name(),
		"duration_ms", time.Since(start).Milliseconds())
	return img, nil
}

// generate runs everything after the claim. A panic is returned as an error
// so the caller can still mark the prompt failed.
func (s *Service) generate(ctx context.Context, prompt *models.Prompt, provider models.ImageProvider, opts GenerateOptions) (img *models.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in image generation", "error", r, "prompt_id", prompt.ID)
			img, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	session, err := s.store.GetSession(ctx, prompt.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, prompt.SessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if session.UserID == nil {
		return nil, fmt.Errorf("%w: session %s has no owner", ErrNotFound, session.ID)
	}

	key, ok, err := s.creds.CredentialFor(ctx, *session.UserID, provider.Name())
	if err != nil {
		return nil, fmt.Errorf("resolving credential: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCredentialMissing, provider.Name())
	}

	genCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	result, err := provider.Generate(genCtx, models.ImageRequest{
		Prompt: prompt.Text,
		APIKey: key,
		Width:  opts.Width,
		Height: opts.Height,
	})
	if err != nil {
		return nil, classifyError(err)
	}

	data, contentType := result.Data, result.ContentType
	if len(data) == 0 {
		if result.URL == "" {
			return nil, fmt.Errorf("%w: %s returned no image", ErrProvider, provider.Name())
		}
		data, contentType, err = s.download.Fetch(genCtx, result.URL)
		if err != nil {
			return nil, classifyError(err)
		}
	}

	promptID := prompt.ID
	return s.images.Save(ctx, data, images.SaveOptions{
		UserID:      *session.UserID,
		SessionID:   session.ID,
		PromptID:    &promptID,
		ContentType: contentType,
	})
}

func (s *Service) settle(ctx context.Context, promptID uuid.UUID, status string) error {
	if err := s.store.UpdatePromptStatus(ctx, promptID, status); err != nil {
		slog.Error("failed to update prompt status", "prompt_id", promptID, "status", status, "error", err)
		return err
	}
	metrics.PromptTransition(status)
	return nil
}

func (s *Service) withDefaults(opts GenerateOptions) GenerateOptions {
	if opts.Provider == "" {
		opts.Provider = s.cfg.DefaultProvider
	}
	if opts.Width <= 0 {
		opts.Width = s.cfg.Width
	}
	if opts.Height <= 0 {
		opts.Height = s.cfg.Height
	}
	return opts
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrCredentialMissing):
		return "credential_missing"
	case errors.Is(err, ErrProviderTimeout):
		return "timeout"
	case errors.Is(err, ErrProvider):
		return "provider_error"
	case errors.Is(err, ErrStorage):
		return "storage_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
