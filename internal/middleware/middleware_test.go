package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/generativebots/acp-backend/internal/tenants"
)

func demoManager(t *testing.T) (*tenants.Manager, string) {
	t.Helper()

	store := tenants.NewMemoryStore()
	_, err := tenants.SeedDemo(context.Background(), store, "tenant-demo")
	require.NoError(t, err)

	mgr := tenants.NewManager(store)
	_, fullKey, err := mgr.CreateAPIKey(context.Background(), "tenant-demo", "test", nil)
	require.NoError(t, err)
	return mgr, fullKey
}

func tenantEcho(t *testing.T, captured *string) http.HandlerFunc {
	t.Helper()

	return func(w http.ResponseWriter, r *http.Request) {
		id, err := tenants.GetTenantID(r.Context())
		require.NoError(t, err)
		*captured = id
		w.WriteHeader(http.StatusOK)
	}
}

func TestTenantMiddlewareAcceptsAPIKey(t *testing.T) {
	mgr, fullKey := demoManager(t)

	var captured string
	handler := TenantMiddleware(mgr, tenantEcho(t, &captured))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/outbox", nil)
	req.Header.Set("Authorization", "Bearer "+fullKey)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tenant-demo", captured)
}

func TestTenantMiddlewareFallsBackToTenantHeader(t *testing.T) {
	mgr, _ := demoManager(t)

	var captured string
	handler := TenantMiddleware(mgr, tenantEcho(t, &captured))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/outbox", nil)
	req.Header.Set("X-Tenant-ID", "tenant-demo")
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tenant-demo", captured)
}

func TestTenantMiddlewareRejectsUnauthenticatedRequests(t *testing.T) {
	mgr, _ := demoManager(t)

	handler := TenantMiddleware(mgr, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without tenant context")
	})

	cases := map[string]func(*http.Request){
		"no credentials":    func(r *http.Request) {},
		"bad api key":       func(r *http.Request) { r.Header.Set("Authorization", "Bearer acp_bogus.nope") },
		"unknown tenant id": func(r *http.Request) { r.Header.Set("X-Tenant-ID", "tenant-ghost") },
	}
	for name, decorate := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/outbox", nil)
		decorate(req)
		rec := httptest.NewRecorder()
		handler(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, name)
	}
}

func TestRateLimiterAllowStopsAtLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 2, BurstSize: 3})

	assert.True(t, rl.Allow("tenant-demo"))
	assert.True(t, rl.Allow("tenant-demo"))
	assert.False(t, rl.Allow("tenant-demo"))

	assert.True(t, rl.Allow("tenant-other"), "windows are scoped per key")
}

func TestRateLimiterMiddlewareReturns429(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 1, BurstSize: 2})

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	request := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/outbox", nil)
		req = req.WithContext(tenants.WithTenant(req.Context(), "tenant-demo"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, request().Code)

	rec := request()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")
}

func TestRateLimiterStats(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{})
	rl.Allow("tenant-demo")

	stats := rl.Stats()
	assert.Equal(t, 1, stats["active_windows"])
	assert.Equal(t, 120, stats["max_calls_per_min"])
}
