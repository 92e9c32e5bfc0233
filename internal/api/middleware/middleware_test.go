package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fake counter ---

type fakeCounter struct {
	counts map[string]int64
	keys   []string
	err    error
}

func (f *fakeCounter) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	if f.counts == nil {
		f.counts = map[string]int64{}
	}
	f.counts[key]++
	f.keys = append(f.keys, key)
	return f.counts[key], nil
}

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func requestFrom(addr string) *http.Request {
	req := httptest.NewRequest("POST", "/api/v1/prompts", nil)
	req.RemoteAddr = addr
	return req
}

// ========================================
// RequireUser
// ========================================

func TestRequireUser_MissingHeader(t *testing.T) {
	handler := RequireUser(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/sessions", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", errBody(t, w)["code"])
}

func TestRequireUser_InvalidHeader(t *testing.T) {
	for _, v := range []string{"host-1", uuid.Nil.String()} {
		req := httptest.NewRequest("GET", "/api/v1/sessions", nil)
		req.Header.Set(UserIDHeader, v)
		w := httptest.NewRecorder()
		RequireUser(okHandler()).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code, v)
	}
}

func TestRequireUser_SetsContext(t *testing.T) {
	userID := uuid.New()
	var got uuid.UUID
	handler := RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := GetUserID(r)
		require.True(t, ok)
		got = id
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/v1/sessions", nil)
	req.Header.Set(UserIDHeader, userID.String())
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, userID, got)
}

// ========================================
// RateLimit
// ========================================

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	fc := &fakeCounter{}
	handler := NewRateLimit(fc, "prompts", 20).Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("203.0.113.7:51234"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "20", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "19", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, []string{"ratelimit:prompts:203.0.113.7"}, fc.keys)
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	fc := &fakeCounter{}
	handler := NewRateLimit(fc, "prompts", 2).Limit(okHandler())

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("203.0.113.7:1000"))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("203.0.113.7:1001"))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])
}

func TestRateLimit_CountsPerClient(t *testing.T) {
	fc := &fakeCounter{}
	handler := NewRateLimit(fc, "prompts", 1).Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("198.51.100.1:1"))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("198.51.100.2:1"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_FailsOpenOnCounterError(t *testing.T) {
	handler := NewRateLimit(&fakeCounter{err: errors.New("redis down")}, "prompts", 1).Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("198.51.100.1:1"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimit_DefaultLimit(t *testing.T) {
	rl := NewRateLimit(&fakeCounter{}, "prompts", 0)
	assert.Equal(t, defaultRequestsPerMinute, rl.requestsPerMin)
}

func TestClientAddr_WithoutPort(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "198.51.100.9"
	assert.Equal(t, "198.51.100.9", clientAddr(req))
}

// ========================================
// Recovery
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	w := httptest.NewRecorder()
	Recovery(panicking).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_RepanicsAbortHandler(t *testing.T) {
	aborting := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic(http.ErrAbortHandler)
	})

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		Recovery(aborting).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/test", nil))
	})
}

// ========================================
// Logger
// ========================================

func TestLogger_RecordsStatusAndBytes(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	rec.WriteHeader(http.StatusCreated)
	rec.WriteHeader(http.StatusInternalServerError)
	rec.Write([]byte("hello"))

	assert.Equal(t, http.StatusCreated, rec.status)
	assert.Equal(t, 5, rec.bytes)
}

func TestLogger_PassesThrough(t *testing.T) {
	w := httptest.NewRecorder()
	Logger(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

// ========================================
// Metrics
// ========================================

func TestMetrics_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Metrics)
	r.Get("/api/v1/sessions/{sessionID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	counter := httpRequestsTotal.WithLabelValues("GET", "/api/v1/sessions/{sessionID}", "404")
	before := counterValue(t, counter)
	clientErrors := counterValue(t, httpErrorsTotal.WithLabelValues("client_error"))

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/sessions/"+uuid.NewString(), nil))
		require.Equal(t, http.StatusNotFound, w.Code)
	}

	assert.Equal(t, before+2, counterValue(t, counter))
	assert.Equal(t, clientErrors+2, counterValue(t, httpErrorsTotal.WithLabelValues("client_error")))
}

func TestMetrics_UnmatchedRoute(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Metrics)
	r.Get("/known", okHandler())

	counter := httpRequestsTotal.WithLabelValues("GET", "unmatched", "404")
	before := counterValue(t, counter)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/nope/"+uuid.NewString(), nil))

	assert.Equal(t, before+1, counterValue(t, counter))
}
