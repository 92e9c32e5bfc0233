package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/partypix/internal/api/response"
	"github.com/kiranshivaraju/partypix/internal/credentials"
	"github.com/kiranshivaraju/partypix/internal/imagegen"
	"github.com/kiranshivaraju/partypix/internal/party"
	"github.com/kiranshivaraju/partypix/internal/store"
)

// writeError maps service errors onto status codes and error codes.
// Anything unrecognised is logged and reported as a 500 without its message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, party.ErrValidation), errors.Is(err, imagegen.ErrValidation):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, credentials.ErrUnknownService), errors.Is(err, credentials.ErrEmptyKey):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, party.ErrSessionInactive):
		response.Error(w, http.StatusForbidden, "SESSION_INACTIVE", err.Error(), nil)
	case errors.Is(err, party.ErrNotFound), errors.Is(err, imagegen.ErrNotFound), errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, imagegen.ErrAlreadyDispatched):
		response.Error(w, http.StatusConflict, "ALREADY_DISPATCHED", err.Error(), nil)
	case errors.Is(err, imagegen.ErrCredentialMissing):
		response.Error(w, http.StatusUnprocessableEntity, "CREDENTIAL_MISSING", err.Error(), nil)
	case errors.Is(err, imagegen.ErrProviderTimeout):
		response.Error(w, http.StatusBadGateway, "PROVIDER_TIMEOUT", err.Error(), nil)
	case errors.Is(err, imagegen.ErrProvider):
		response.Error(w, http.StatusBadGateway, "PROVIDER_ERROR", err.Error(), nil)
	case errors.Is(err, imagegen.ErrStorage):
		slog.Error("storage failure", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "STORAGE_ERROR", err.Error(), nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
