package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/partypix/internal/api/response"
	"github.com/kiranshivaraju/partypix/internal/imagegen"
	"github.com/kiranshivaraju/partypix/pkg/models"
)

// ImageGenerator runs generation for one pending prompt.
type ImageGenerator interface {
	CreateImage(ctx context.Context, promptID uuid.UUID, opts imagegen.GenerateOptions) (*models.Image, error)
}

type generateImageRequest struct {
	PromptID string `json:"prompt_id" validate:"required,uuid"`
	Provider string `json:"provider"  validate:"omitempty,max=50"`
}

type generateImageResult struct {
	Success bool      `json:"success"`
	ImageID uuid.UUID `json:"image_id"`
}

// NewGenerateImageHandler returns the handler for POST /api/v1/generate-image,
// the target of feed-driven dispatch.
func NewGenerateImageHandler(gen ImageGenerator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req generateImageRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		promptID, err := uuid.Parse(req.PromptID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "prompt_id must be a valid UUID", nil)
			return
		}

		// A dropped caller connection must not abort a claimed generation; the
		// service applies its own provider deadline.
		ctx := context.WithoutCancel(r.Context())
		img, err := gen.CreateImage(ctx, promptID, imagegen.GenerateOptions{Provider: req.Provider})
		if err != nil {
			slog.Info("generate image rejected", "prompt_id", promptID, "error", err)
			writeError(w, r, err)
			return
		}
		response.JSON(w, generateImageResult{Success: true, ImageID: img.ID})
	}
}
