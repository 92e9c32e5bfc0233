package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/partypix/internal/api/response"
	"github.com/kiranshivaraju/partypix/internal/blob"
)

// BlobOpener reads stored image files.
type BlobOpener interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// NewMediaHandler serves stored images at /media/{bucket}/*. Storage paths
// embed a timestamp and are never rewritten, so responses are immutable.
func NewMediaHandler(blobs BlobOpener, bucket string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "bucket") != bucket {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Unknown bucket", nil)
			return
		}
		p := chi.URLParam(r, "*")
		rc, err := blobs.Open(r.Context(), p)
		if errors.Is(err, blob.ErrNotFound) || errors.Is(err, blob.ErrInvalidPath) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Image not found", nil)
			return
		}
		if err != nil {
			slog.Error("open media", "path", p, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		defer rc.Close()

		ct := mime.TypeByExtension(path.Ext(p))
		if ct == "" {
			ct = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ct)
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		if _, err := io.Copy(w, rc); err != nil {
			slog.Warn("write media", "path", p, "error", err)
		}
	}
}
