package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/partypix/internal/api/middleware"
	"github.com/kiranshivaraju/partypix/internal/api/response"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	// GuestRateLimit limits prompt submissions per client address.
	GuestRateLimit *mw.RateLimit
	// TrustProxy takes the client address from X-Forwarded-For or X-Real-IP.
	TrustProxy bool

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler
	MediaHandler   http.HandlerFunc

	SubmitPrompt  http.HandlerFunc
	GenerateImage http.HandlerFunc

	CreateSession http.HandlerFunc
	ListSessions  http.HandlerFunc
	GetSession    http.HandlerFunc
	UpdateSession http.HandlerFunc
	DeleteSession http.HandlerFunc
	EndSession    http.HandlerFunc
	ShareSession  http.HandlerFunc
	ListPrompts   http.HandlerFunc
	ListImages    http.HandlerFunc
	DeleteImage   http.HandlerFunc

	ListKeys  http.HandlerFunc
	PutKey    http.HandlerFunc
	DeleteKey http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	if deps.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})

	metrics := deps.MetricsHandler
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metrics)
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	r.Get("/media/{bucket}/*", orNotImplemented(deps.MediaHandler))

	// Guest submission
	r.Group(func(r chi.Router) {
		if deps.GuestRateLimit != nil {
			r.Use(deps.GuestRateLimit.Limit)
		}
		r.Post("/api/v1/prompts", orNotImplemented(deps.SubmitPrompt))
	})

	// Generation trigger, called by the dispatchers
	r.Post("/api/v1/generate-image", orNotImplemented(deps.GenerateImage))

	// Host routes
	r.Group(func(r chi.Router) {
		r.Use(mw.RequireUser)

		r.Post("/api/v1/sessions", orNotImplemented(deps.CreateSession))
		r.Get("/api/v1/sessions", orNotImplemented(deps.ListSessions))
		r.Get("/api/v1/sessions/{sessionID}", orNotImplemented(deps.GetSession))
		r.Patch("/api/v1/sessions/{sessionID}", orNotImplemented(deps.UpdateSession))
		r.Delete("/api/v1/sessions/{sessionID}", orNotImplemented(deps.DeleteSession))
		r.Post("/api/v1/sessions/{sessionID}/end", orNotImplemented(deps.EndSession))
		r.Get("/api/v1/sessions/{sessionID}/share", orNotImplemented(deps.ShareSession))
		r.Get("/api/v1/sessions/{sessionID}/prompts", orNotImplemented(deps.ListPrompts))
		r.Get("/api/v1/sessions/{sessionID}/images", orNotImplemented(deps.ListImages))
		r.Delete("/api/v1/images/{imageID}", orNotImplemented(deps.DeleteImage))

		r.Get("/api/v1/api-keys", orNotImplemented(deps.ListKeys))
		r.Put("/api/v1/api-keys/{service}", orNotImplemented(deps.PutKey))
		r.Delete("/api/v1/api-keys/{service}", orNotImplemented(deps.DeleteKey))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
