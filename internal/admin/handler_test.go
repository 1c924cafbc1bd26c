package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/apibuddy/api-buddy/internal/cache"
	"github.com/apibuddy/api-buddy/internal/config"
	"github.com/apibuddy/api-buddy/internal/database"
	"github.com/apibuddy/api-buddy/internal/monitor"
	"github.com/apibuddy/api-buddy/internal/security"
	"github.com/apibuddy/api-buddy/internal/throttle"
)

type adminEnv struct {
	handler http.Handler
	cfg     *config.Config
	store   *database.Store
	engine  *cache.Engine
}

func newAdminEnv(t *testing.T, cfg *config.Config, gatherer prometheus.Gatherer) *adminEnv {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}

	dbCfg := database.DefaultConfig()
	dbCfg.Path = filepath.Join(t.TempDir(), "cache.db")
	cfg.Cache.DatabasePath = dbCfg.Path

	store, err := database.Open(dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engine, err := cache.New(store, cache.Config{}, cfg.TTLForDomain, zap.NewNop())
	require.NoError(t, err)

	tm := throttle.New(throttle.Config{DefaultRequestsPerHour: cfg.Throttling.DefaultRequestsPerHour})
	gate, err := security.New(cfg.Security.RequireSecureKey, cfg.Security.SecureKey)
	require.NoError(t, err)

	facade := monitor.New(cfg, engine, store, tm, gate)
	return &adminEnv{
		handler: New(cfg, facade, gatherer, zap.NewNop()),
		cfg:     cfg,
		store:   store,
		engine:  engine,
	}
}

func (e *adminEnv) get(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *adminEnv) post(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAdmin_Health(t *testing.T) {
	env := newAdminEnv(t, nil, nil)

	rec := env.get("/admin/health")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestAdmin_Config(t *testing.T) {
	cfg := config.Default()
	cfg.Security.RequireSecureKey = true
	cfg.Security.SecureKey = "super-secret-value-super-secret-val"
	env := newAdminEnv(t, cfg, nil)

	rec := env.get("/admin/config")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Equal(t, "1.0.0", body["proxy_version"])
	assert.Equal(t, true, body["security_enabled"])

	conf := body["configuration"].(map[string]interface{})
	sec := conf["security"].(map[string]interface{})
	assert.Equal(t, "[REDACTED]", sec["secure_key"])

	fields := body["sanitized_fields"].([]interface{})
	assert.Contains(t, fields, "security.secure_key")
}

func TestAdmin_Status(t *testing.T) {
	env := newAdminEnv(t, nil, nil)

	require.NoError(t, env.store.InsertMetric(context.Background(), database.MetricRow{
		Domain: "jp", Method: "GET", CacheHit: true, StatusCode: 200,
	}))

	rec := env.get("/admin/status")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Equal(t, "healthy", body["status"])

	components := body["components"].(map[string]interface{})
	engine := components["cache_engine"].(map[string]interface{})
	assert.Equal(t, "sqlite", engine["backend"])
	assert.Contains(t, components, "database_manager")
	assert.Contains(t, components, "throttle_manager")
	assert.Contains(t, components, "security_manager")

	metrics := body["metrics"].(map[string]interface{})
	assert.Equal(t, float64(1), metrics["total_requests"])
	assert.Equal(t, float64(1), metrics["cache_hit_rate"])
}

func TestAdmin_CacheReport(t *testing.T) {
	env := newAdminEnv(t, nil, nil)

	ctx := context.Background()
	require.NoError(t, env.engine.Store(ctx, "k1",
		&cache.Response{Body: []byte("hello"), Status: 200}, ""))

	rec := env.get("/admin/cache")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Equal(t, "sqlite", body["cache_backend"])
	assert.Equal(t, float64(1), body["total_entries"])

	stats := body["statistics"].(map[string]interface{})
	assert.Equal(t, float64(1), stats["total_sets"])
	assert.Equal(t, float64(5), stats["average_entry_size_bytes"])

	dist := body["ttl_distribution"].(map[string]interface{})
	assert.Equal(t, float64(1), dist["default_ttl"])
	assert.NotNil(t, body["oldest_entry"])
}

func TestAdmin_DomainCache(t *testing.T) {
	cfg := config.Default()
	cfg.DomainMappings = map[string]config.DomainMapping{"jp": {Upstream: "https://example.com"}}
	env := newAdminEnv(t, cfg, nil)

	rec := env.get("/admin/cache/unknown")
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "DOMAIN_NOT_FOUND", body["error_code"])
	assert.Equal(t, "Domain not found: unknown", body["error"])

	rec = env.get("/admin/cache/jp")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeJSON(t, rec)
	assert.Equal(t, "jp", body["domain"])
	assert.NotNil(t, body["entries"])
}

func TestAdmin_Domains(t *testing.T) {
	cfg := config.Default()
	cfg.DomainMappings = map[string]config.DomainMapping{"jp": {Upstream: "https://example.com"}}
	env := newAdminEnv(t, cfg, nil)

	rec := env.get("/admin/domains")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	mappings := body["domain_mappings"].(map[string]interface{})
	jp := mappings["jp"].(map[string]interface{})
	assert.Equal(t, "https://example.com", jp["upstream"])
	assert.Equal(t, "healthy", jp["status"])
	assert.Equal(t, float64(86400), jp["ttl_seconds"])
}

func TestAdmin_ValidateConfig(t *testing.T) {
	env := newAdminEnv(t, nil, nil)

	t.Run("empty body", func(t *testing.T) {
		rec := env.post("/admin/validate-config", "")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		body := decodeJSON(t, rec)
		assert.Equal(t, "EMPTY_BODY", body["error_code"])
		assert.Equal(t, "Request body is required", body["error"])
	})

	t.Run("invalid json", func(t *testing.T) {
		rec := env.post("/admin/validate-config", "{not json")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		body := decodeJSON(t, rec)
		assert.Equal(t, "INVALID_JSON", body["error_code"])
	})

	t.Run("valid configuration", func(t *testing.T) {
		rec := env.post("/admin/validate-config",
			`{"configuration": {"server": {"port": 9090}}}`)
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeJSON(t, rec)
		assert.Equal(t, true, body["valid"])
		assert.Empty(t, body["errors"])
		assert.NotEmpty(t, body["warnings"], "defaulted fields produce warnings")

		merged := body["merged_config"].(map[string]interface{})
		server := merged["server"].(map[string]interface{})
		assert.Equal(t, float64(9090), server["port"])
		assert.Equal(t, "127.0.0.1", server["host"])
	})

	t.Run("invalid configuration", func(t *testing.T) {
		rec := env.post("/admin/validate-config",
			`{"configuration": {"server": {"port": 99999}}}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)

		body := decodeJSON(t, rec)
		assert.Equal(t, false, body["valid"])
		errs := body["errors"].([]interface{})
		assert.Contains(t, errs, "server.port must be between 1 and 65535")
	})

	t.Run("type errors", func(t *testing.T) {
		rec := env.post("/admin/validate-config",
			`{"configuration": {"server": {"host": 5}}}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)

		body := decodeJSON(t, rec)
		errs := body["errors"].([]interface{})
		assert.Contains(t, errs, "server.host must be a string")
	})
}

func TestAdmin_MethodNotAllowed(t *testing.T) {
	env := newAdminEnv(t, nil, nil)

	rec := env.post("/admin/health", "{}")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "METHOD_NOT_ALLOWED", body["error_code"])
	assert.Equal(t, "Method POST not allowed", body["error"])
}

func TestAdmin_UnknownEndpoint(t *testing.T) {
	env := newAdminEnv(t, nil, nil)

	rec := env.get("/admin/nope")
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "ENDPOINT_NOT_FOUND", body["error_code"])
	assert.Equal(t, "Admin endpoint not found: /admin/nope", body["error"])
}

func TestAdmin_RateLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Admin.RateLimitPerMinute = 2
	env := newAdminEnv(t, cfg, nil)

	require.Equal(t, http.StatusOK, env.get("/admin/health").Code)
	require.Equal(t, http.StatusOK, env.get("/admin/health").Code)

	rec := env.get("/admin/health")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["error_code"])
	assert.Equal(t, "Too many requests", body["error"])
}

func TestAdmin_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "apibuddy",
		Name:      "requests_total_test",
		Help:      "test counter",
	})
	counter.Inc()

	env := newAdminEnv(t, nil, registry)

	rec := env.get("/admin/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "apibuddy_requests_total_test 1")
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	l := newRateLimiter()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("1.2.3.4", 2))
	assert.True(t, l.allow("1.2.3.4", 2))
	assert.False(t, l.allow("1.2.3.4", 2))

	// A different client has its own window.
	assert.True(t, l.allow("5.6.7.8", 2))

	// Old hits age out after a minute.
	now = now.Add(61 * time.Second)
	assert.True(t, l.allow("1.2.3.4", 2))
}
