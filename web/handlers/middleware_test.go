package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/scrypster/conclave/internal/council"
	"github.com/scrypster/conclave/internal/engine"
	"github.com/scrypster/conclave/internal/factstore"
	"github.com/scrypster/conclave/pkg/types"
	"github.com/scrypster/conclave/web/handlers"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRequireAuth(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"no token configured", "", "", http.StatusOK},
		{"missing header", "secret", "", http.StatusUnauthorized},
		{"wrong token", "secret", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "secret", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/summary", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handlers.RequireAuth(ok, tt.token).ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, w.Body.String(), "unauthorized")
			}
		})
	}
}

func TestRateLimitPerClient(t *testing.T) {
	rl := handlers.NewRateLimiter(1, 2)
	h := handlers.RateLimitMiddleware(ok, rl)

	do := func(addr string) int {
		req := httptest.NewRequest("GET", "/api/summary", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:5000"))
	assert.Equal(t, http.StatusOK, do("10.0.0.1:5001"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:5002"), "burst exhausted for this host")
	assert.Equal(t, http.StatusOK, do("10.0.0.2:5000"), "other clients have their own bucket")
}

func TestRateLimitDisabled(t *testing.T) {
	rl := handlers.NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow("10.0.0.1"))
	}
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	w := httptest.NewRecorder()
	handlers.LoggingMiddleware(ok, zap.New(core)).ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	handlers.LoggingMiddleware(failing, zap.New(core)).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/facts", nil))

	entries := logs.AllUntimed()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, zap.DebugLevel, entries[0].Level)
		assert.Equal(t, zap.WarnLevel, entries[1].Level)
		assert.Equal(t, int64(500), entries[1].ContextMap()["status"])
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.Wrap(types.ErrValidation, "body is required"), http.StatusBadRequest},
		{errors.Wrap(types.ErrNotFound, "fact 9"), http.StatusNotFound},
		{errors.Wrap(council.ErrNoQuorum, "all 5 voices abstained"), http.StatusConflict},
		{factstore.ErrAppendTimeout, http.StatusServiceUnavailable},
		{engine.ErrPoolFull, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, handlers.StatusFor(tt.err), tt.err.Error())
	}
}
