package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/partypix/internal/api/middleware"
	"github.com/kiranshivaraju/partypix/internal/api/response"
	"github.com/kiranshivaraju/partypix/pkg/models"
)

// CredentialManager stores provider keys for a host. Values are write-only:
// nothing here ever returns a key.
type CredentialManager interface {
	SaveCredential(ctx context.Context, userID uuid.UUID, service, value string) (*models.APIKeySummary, error)
	ListCredentials(ctx context.Context, userID uuid.UUID) ([]*models.APIKeySummary, error)
	CredentialsFor(ctx context.Context, userID uuid.UUID, services []string) (map[string]bool, error)
	DeleteCredential(ctx context.Context, userID uuid.UUID, service string) error
}

type KeyHandler struct {
	creds CredentialManager
}

func NewKeyHandler(creds CredentialManager) *KeyHandler {
	return &KeyHandler{creds: creds}
}

type putKeyRequest struct {
	Key string `json:"key" validate:"required,max=512"`
}

type keyListing struct {
	Keys []*models.APIKeySummary `json:"keys"`
	// Configured maps every known service to whether a key is stored.
	Configured map[string]bool `json:"configured"`
}

// List handles GET /api/v1/api-keys.
func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing user", nil)
		return
	}
	keys, err := h.creds.ListCredentials(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	configured, err := h.creds.CredentialsFor(r.Context(), userID, models.ServiceNames)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*models.APIKeySummary{}
	}
	response.JSON(w, keyListing{Keys: keys, Configured: configured})
}

// Put handles PUT /api/v1/api-keys/{service}, creating or replacing the key.
func (h *KeyHandler) Put(w http.ResponseWriter, r *http.Request) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing user", nil)
		return
	}
	var req putKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	summary, err := h.creds.SaveCredential(r.Context(), userID, chi.URLParam(r, "service"), req.Key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, summary)
}

// Delete handles DELETE /api/v1/api-keys/{service}.
func (h *KeyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing user", nil)
		return
	}
	if err := h.creds.DeleteCredential(r.Context(), userID, chi.URLParam(r, "service")); err != nil {
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}
