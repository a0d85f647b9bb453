package app

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-inventory/internal/observability"
)

func newTestRouter(t *testing.T, ready func(*http.Request) error) http.Handler {
	t.Helper()
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	t.Cleanup(RefreshTestMode)
	return NewRouter(RouterParams{
		Config:  &Config{AppEnv: "development", InventoryRateLimit: 2},
		Metrics: observability.NewMetrics(),
		Ready:   ready,
	})
}

func TestRouterHealthAndSecurityHeaders(t *testing.T) {
	router := newTestRouter(t, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	require.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func TestRouterReadiness(t *testing.T) {
	router := newTestRouter(t, func(*http.Request) error { return errors.New("pg down") })
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouterRateLimit(t *testing.T) {
	router := newTestRouter(t, nil)
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = httptest.NewRecorder()
		router.ServeHTTP(last, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	}
	require.Equal(t, http.StatusTooManyRequests, last.Code)
}
