package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/partypix/internal/api/middleware"
	"github.com/kiranshivaraju/partypix/internal/api/response"
	"github.com/kiranshivaraju/partypix/internal/store"
	"github.com/kiranshivaraju/partypix/pkg/models"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// SessionService is the host side of a party: sessions and their gallery.
type SessionService interface {
	CreateSession(ctx context.Context, userID uuid.UUID, name, description *string) (*models.Session, error)
	ListSessions(ctx context.Context, userID uuid.UUID, activeOnly bool) ([]*models.Session, error)
	GetSession(ctx context.Context, userID, sessionID uuid.UUID) (*models.Session, error)
	SessionStats(ctx context.Context, userID, sessionID uuid.UUID) (*models.SessionStats, error)
	UpdateSession(ctx context.Context, userID, sessionID uuid.UUID, upd store.SessionUpdate) (*models.Session, error)
	EndSession(ctx context.Context, userID, sessionID uuid.UUID) (*models.Session, error)
	DeleteSession(ctx context.Context, userID, sessionID uuid.UUID) error
	ShareURL(sessionID uuid.UUID) string
	ListPrompts(ctx context.Context, userID, sessionID uuid.UUID, status string) ([]*models.Prompt, error)
	ListImages(ctx context.Context, userID, sessionID uuid.UUID) ([]*models.Image, error)
	DeleteImage(ctx context.Context, userID, imageID uuid.UUID) error
}

// SessionHandler serves the host session routes. Every route runs behind
// middleware.RequireUser.
type SessionHandler struct {
	svc SessionService
}

func NewSessionHandler(svc SessionService) *SessionHandler {
	return &SessionHandler{svc: svc}
}

type createSessionRequest struct {
	Name        *string `json:"name"        validate:"omitempty,max=120"`
	Description *string `json:"description" validate:"omitempty,max=1000"`
}

type updateSessionRequest struct {
	Name        *string `json:"name"        validate:"omitempty,max=120"`
	Description *string `json:"description" validate:"omitempty,max=1000"`
	IsActive    *bool   `json:"is_active"`
}

type sessionDetail struct {
	*models.Session
	Stats    *models.SessionStats `json:"stats"`
	ShareURL string               `json:"share_url"`
}

type shareLink struct {
	SessionID uuid.UUID `json:"session_id"`
	SubmitURL string    `json:"submit_url"`
}

// Create handles POST /api/v1/sessions.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing user", nil)
		return
	}
	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ss, err := h.svc.CreateSession(r.Context(), userID, req.Name, req.Description)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Created(w, ss)
}

// List handles GET /api/v1/sessions?active=true.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing user", nil)
		return
	}
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	sessions, err := h.svc.ListSessions(r.Context(), userID, activeOnly)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	response.JSON(w, sessions)
}

// Get handles GET /api/v1/sessions/{sessionID}, including prompt and image counts.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := h.target(w, r)
	if !ok {
		return
	}
	ss, err := h.svc.GetSession(r.Context(), userID, sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	stats, err := h.svc.SessionStats(r.Context(), userID, sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, sessionDetail{Session: ss, Stats: stats, ShareURL: h.svc.ShareURL(sessionID)})
}

// Update handles PATCH /api/v1/sessions/{sessionID}.
func (h *SessionHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := h.target(w, r)
	if !ok {
		return
	}
	var req updateSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ss, err := h.svc.UpdateSession(r.Context(), userID, sessionID, store.SessionUpdate{
		Name:        req.Name,
		Description: req.Description,
		IsActive:    req.IsActive,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, ss)
}

// End handles POST /api/v1/sessions/{sessionID}/end.
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := h.target(w, r)
	if !ok {
		return
	}
	ss, err := h.svc.EndSession(r.Context(), userID, sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, ss)
}

// Delete handles DELETE /api/v1/sessions/{sessionID}.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteSession(r.Context(), userID, sessionID); err != nil {
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

// Share handles GET /api/v1/sessions/{sessionID}/share.
func (h *SessionHandler) Share(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := h.target(w, r)
	if !ok {
		return
	}
	if _, err := h.svc.GetSession(r.Context(), userID, sessionID); err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, shareLink{SessionID: sessionID, SubmitURL: h.svc.ShareURL(sessionID)})
}

// Prompts handles GET /api/v1/sessions/{sessionID}/prompts?status=&page=&limit=.
// Prompts are listed oldest first.
func (h *SessionHandler) Prompts(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := h.target(w, r)
	if !ok {
		return
	}
	page, limit, ok := pageParams(w, r)
	if !ok {
		return
	}
	prompts, err := h.svc.ListPrompts(r.Context(), userID, sessionID, r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	start, end, meta := response.Page(len(prompts), page, limit)
	response.Collection(w, append([]*models.Prompt{}, prompts[start:end]...), meta)
}

// Images handles GET /api/v1/sessions/{sessionID}/images, newest first.
func (h *SessionHandler) Images(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := h.target(w, r)
	if !ok {
		return
	}
	imgs, err := h.svc.ListImages(r.Context(), userID, sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if imgs == nil {
		imgs = []*models.Image{}
	}
	response.JSON(w, imgs)
}

// DeleteImage handles DELETE /api/v1/images/{imageID}.
func (h *SessionHandler) DeleteImage(w http.ResponseWriter, r *http.Request) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing user", nil)
		return
	}
	imageID, ok := uuidParam(w, r, "imageID")
	if !ok {
		return
	}
	if err := h.svc.DeleteImage(r.Context(), userID, imageID); err != nil {
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

func (h *SessionHandler) target(w http.ResponseWriter, r *http.Request) (userID, sessionID uuid.UUID, ok bool) {
	userID, ok = mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing user", nil)
		return uuid.Nil, uuid.Nil, false
	}
	sessionID, ok = uuidParam(w, r, "sessionID")
	return userID, sessionID, ok
}

func pageParams(w http.ResponseWriter, r *http.Request) (page, limit int, ok bool) {
	page, limit = 1, defaultPageLimit
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer", nil)
			return 0, 0, false
		}
		page = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
			return 0, 0, false
		}
		limit = min(n, maxPageLimit)
	}
	return page, limit, true
}
