package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/partypix/internal/api/response"
)

// UserIDHeader carries the authenticated host id. It is set by the auth
// gateway in front of the API and is trusted as-is.
const UserIDHeader = "X-User-ID"

type contextKey string

const userIDKey contextKey = "user_id"

func SetUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

func GetUserID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(userIDKey).(uuid.UUID)
	return id, ok
}

// RequireUser rejects requests without a valid host id and stores the id in
// the request context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(UserIDHeader)
		if raw == "" {
			response.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing "+UserIDHeader+" header", nil)
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil || id == uuid.Nil {
			response.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid "+UserIDHeader+" header", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(SetUserID(r.Context(), id)))
	})
}
