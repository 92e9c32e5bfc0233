// Package images persists generated images and serves the session gallery.
package images

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/partypix/internal/blob"
	"github.com/kiranshivaraju/partypix/internal/store"
	"github.com/kiranshivaraju/partypix/pkg/models"
)

// ErrStorage is returned when a blob or its row cannot be written.
var ErrStorage = errors.New("image storage failed")

// MediaPrefix is the URL path the blob bucket is served under.
const MediaPrefix = "/media/"

// SaveOptions identifies where a generated image belongs.
type SaveOptions struct {
	UserID      uuid.UUID
	SessionID   uuid.UUID
	PromptID    *uuid.UUID
	ContentType string
}

// Service writes image blobs together with their rows, and removes them together.
type Service struct {
	store   store.Store
	blobs   blob.Store
	baseURL string
	now     func() time.Time
}

// NewService creates a Service. publicBaseURL and bucket determine the public
// URL of each stored image.
func NewService(s store.Store, b blob.Store, publicBaseURL, bucket string) *Service {
	return &Service{
		store:   s,
		blobs:   b,
		baseURL: strings.TrimRight(publicBaseURL, "/") + MediaPrefix + bucket + "/",
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Save uploads data and records it. If the row cannot be written the blob is
// removed again, so no orphaned file is left behind.
func (s *Service) Save(ctx context.Context, data []byte, opts SaveOptions) (*models.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrStorage)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	now := s.now()
	path := StoragePath(opts.UserID, opts.SessionID, opts.PromptID, now, extensionFor(contentType))

	if err := s.blobs.Put(ctx, path, data); err != nil {
		return nil, fmt.Errorf("%w: upload %s: %v", ErrStorage, path, err)
	}

	img := &models.Image{
		ID:          uuid.New(),
		SessionID:   opts.SessionID,
		PromptID:    opts.PromptID,
		StoragePath: path,
		CreatedAt:   now,
	}
	if err := s.store.CreateImage(ctx, img); err != nil {
		if rmErr := s.blobs.Remove(context.WithoutCancel(ctx), path); rmErr != nil {
			slog.Error("failed to remove orphaned blob", "path", path, "error", rmErr)
		}
		return nil, fmt.Errorf("%w: record %s: %v", ErrStorage, path, err)
	}

	img.PublicURL = s.PublicURL(path)
	return img, nil
}

// Delete removes the image's blob and then its row.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	img, err := s.store.GetImage(ctx, id)
	if err != nil {
		return err
	}
	if err := s.blobs.Remove(ctx, img.StoragePath); err != nil {
		return fmt.Errorf("%w: remove %s: %v", ErrStorage, img.StoragePath, err)
	}
	if err := s.store.DeleteImage(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete image row: %w", err)
	}
	return nil
}

// Get returns one image with its public URL.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Image, error) {
	img, err := s.store.GetImage(ctx, id)
	if err != nil {
		return nil, err
	}
	img.PublicURL = s.PublicURL(img.StoragePath)
	return img, nil
}

// ListSession returns a session's images newest first, with public URLs.
func (s *Service) ListSession(ctx context.Context, sessionID uuid.UUID) ([]*models.Image, error) {
	imgs, err := s.store.ListSessionImages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, img := range imgs {
		img.PublicURL = s.PublicURL(img.StoragePath)
	}
	return imgs, nil
}

// DeleteSessionMedia removes every blob belonging to the session. Rows are
// left for the session delete to cascade.
func (s *Service) DeleteSessionMedia(ctx context.Context, sessionID uuid.UUID) error {
	imgs, err := s.store.ListSessionImages(ctx, sessionID)
	if err != nil {
		return err
	}
	var errs []error
	for _, img := range imgs {
		if err := s.blobs.Remove(ctx, img.StoragePath); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrStorage, errors.Join(errs...))
	}
	return nil
}

// PublicURL derives the externally reachable URL for a storage path.
func (s *Service) PublicURL(path string) string {
	return s.baseURL + path
}

// StoragePath builds <user>/<session>/<prompt>_<unix millis>.<ext>. The
// prompt part is omitted when there is no prompt.
func StoragePath(userID, sessionID uuid.UUID, promptID *uuid.UUID, at time.Time, ext string) string {
	name := fmt.Sprintf("%d.%s", at.UnixMilli(), ext)
	if promptID != nil {
		name = promptID.String() + "_" + name
	}
	return userID.String() + "/" + sessionID.String() + "/" + name
}

func extensionFor(contentType string) string {
	switch strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]) {
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "png"
	}
}
