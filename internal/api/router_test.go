package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/partypix/internal/api"
	mw "github.com/kiranshivaraju/partypix/internal/api/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCounter struct{ keys []string }

func (c *stubCounter) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.keys = append(c.keys, key)
	return 1, nil
}

func ok(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

func newTestRouter(c *stubCounter, trustProxy bool) http.Handler {
	return api.NewRouter(api.Dependencies{
		GuestRateLimit: mw.NewRateLimit(c, "prompts", 20),
		TrustProxy:     trustProxy,
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		},
		SubmitPrompt:  ok,
		GenerateImage: ok,
		ListSessions:  ok,
	})
}

func serve(h http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)["code"].(string)
}

func TestRouter_PublicEndpoints(t *testing.T) {
	router := newTestRouter(&stubCounter{}, false)

	for _, ep := range []struct{ method, path string }{
		{"GET", "/api/v1/health"},
		{"POST", "/api/v1/prompts"},
		{"POST", "/api/v1/generate-image"},
	} {
		w := serve(router, ep.method, ep.path, nil)
		assert.Equal(t, http.StatusOK, w.Code, ep.path)
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	router := newTestRouter(&stubCounter{}, false)
	serve(router, "GET", "/api/v1/health", nil)

	w := serve(router, "GET", "/metrics", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "partypix_http_requests_total")
}

func TestRouter_HostEndpoints_RequireUser(t *testing.T) {
	router := newTestRouter(&stubCounter{}, false)

	endpoints := []struct{ method, path string }{
		{"GET", "/api/v1/sessions"},
		{"POST", "/api/v1/sessions"},
		{"GET", "/api/v1/sessions/" + uuid.NewString()},
		{"POST", "/api/v1/sessions/" + uuid.NewString() + "/end"},
		{"DELETE", "/api/v1/images/" + uuid.NewString()},
		{"GET", "/api/v1/api-keys"},
		{"PUT", "/api/v1/api-keys/openai"},
	}
	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			w := serve(router, ep.method, ep.path, nil)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "UNAUTHORIZED", errCode(t, w))
		})
	}
}

func TestRouter_UnwiredHandlerIsNotImplemented(t *testing.T) {
	router := newTestRouter(&stubCounter{}, false)

	w := serve(router, "GET", "/api/v1/sessions", map[string]string{mw.UserIDHeader: uuid.NewString()})
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(router, "POST", "/api/v1/sessions", map[string]string{mw.UserIDHeader: uuid.NewString()})
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Equal(t, "NOT_IMPLEMENTED", errCode(t, w))
}

func TestRouter_RateLimitOnlyOnSubmission(t *testing.T) {
	c := &stubCounter{}
	router := newTestRouter(c, false)

	serve(router, "POST", "/api/v1/generate-image", nil)
	serve(router, "GET", "/api/v1/health", nil)
	assert.Empty(t, c.keys)

	w := serve(router, "POST", "/api/v1/prompts", nil)
	assert.Equal(t, "20", w.Header().Get("X-RateLimit-Limit"))
	require.Len(t, c.keys, 1)
	assert.True(t, strings.HasPrefix(c.keys[0], "ratelimit:prompts:"))
}

func TestRouter_TrustProxyUsesForwardedAddress(t *testing.T) {
	c := &stubCounter{}
	router := newTestRouter(c, true)

	serve(router, "POST", "/api/v1/prompts", map[string]string{"X-Forwarded-For": "198.51.100.23"})

	require.Len(t, c.keys, 1)
	assert.Equal(t, "ratelimit:prompts:198.51.100.23", c.keys[0])
}

func TestRouter_NotFound(t *testing.T) {
	router := newTestRouter(&stubCounter{}, false)

	w := serve(router, "GET", "/api/v1/nonexistent", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errCode(t, w))
}
