package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/partypix/internal/api/response"
	"github.com/kiranshivaraju/partypix/pkg/models"
)

// PromptSubmitter accepts guest prompts.
type PromptSubmitter interface {
	SubmitPrompt(ctx context.Context, sessionID uuid.UUID, text string) (*models.Prompt, error)
}

type submitPromptRequest struct {
	SessionID string `json:"session_id" validate:"required,uuid"`
	Text      string `json:"text"       validate:"required,max=500"`
}

// NewSubmitPromptHandler returns the handler for POST /api/v1/prompts. The
// prompt is stored as pending; generation is picked up from the change feed.
func NewSubmitPromptHandler(svc PromptSubmitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitPromptRequest
		if !readJSON(w, r, &req) {
			return
		}
		req.Text = strings.TrimSpace(req.Text)
		if !validRequest(w, &req) {
			return
		}
		sessionID, err := uuid.Parse(req.SessionID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "session_id must be a valid UUID", nil)
			return
		}

		p, err := svc.SubmitPrompt(r.Context(), sessionID, req.Text)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, p)
	}
}
