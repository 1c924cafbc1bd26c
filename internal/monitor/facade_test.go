package monitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/apibuddy/api-buddy/internal/cache"
	"github.com/apibuddy/api-buddy/internal/config"
	"github.com/apibuddy/api-buddy/internal/database"
	"github.com/apibuddy/api-buddy/internal/security"
	"github.com/apibuddy/api-buddy/internal/throttle"
)

type testDeps struct {
	facade   *Facade
	engine   *cache.Engine
	store    *database.Store
	throttle *throttle.Manager
}

func newTestFacade(t *testing.T, cfg *config.Config) *testDeps {
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

	tm := throttle.New(throttle.Config{DefaultRequestsPerHour: 2})
	gate, err := security.New(cfg.Security.RequireSecureKey, cfg.Security.SecureKey)
	require.NoError(t, err)

	return &testDeps{
		facade:   New(cfg, engine, store, tm, gate),
		engine:   engine,
		store:    store,
		throttle: tm,
	}
}

func TestFacade_StatusHealthy(t *testing.T) {
	d := newTestFacade(t, nil)

	report := d.facade.Status(context.Background())
	assert.Equal(t, "healthy", report.Status)
	assert.GreaterOrEqual(t, report.UptimeSeconds, 0)
	assert.Equal(t, "sqlite", report.Components.CacheEngine.Backend)
	assert.True(t, report.Components.DatabaseManager.ConnectionActive)
	assert.Equal(t, 0, report.Components.ThrottleManager.ActiveThrottles)
	assert.False(t, report.Components.SecurityManager.SecurityEnabled)
}

func TestFacade_StatusCountsActiveThrottles(t *testing.T) {
	d := newTestFacade(t, nil)

	// Push one domain into back-off.
	d.throttle.RecordRequest("jp")
	d.throttle.RecordRequest("jp")
	d.throttle.RecordRequest("jp")
	require.True(t, d.throttle.ShouldThrottle("jp"))
	d.throttle.RecordRequest("other")

	report := d.facade.Status(context.Background())
	assert.Equal(t, 1, report.Components.ThrottleManager.ActiveThrottles)
}

func TestFacade_StatusMetrics(t *testing.T) {
	d := newTestFacade(t, nil)
	ctx := context.Background()

	require.NoError(t, d.store.InsertMetric(ctx, database.MetricRow{
		Domain: "jp", Method: "GET", CacheHit: false, ResponseTimeMs: 100, StatusCode: 200,
	}))
	require.NoError(t, d.store.InsertMetric(ctx, database.MetricRow{
		Domain: "jp", Method: "GET", CacheHit: true, ResponseTimeMs: 0, StatusCode: 200,
	}))
	require.NoError(t, d.store.InsertMetric(ctx, database.MetricRow{
		Domain: "jp", Method: "GET", CacheHit: false, ResponseTimeMs: 50, StatusCode: 502,
	}))

	report := d.facade.Status(ctx)
	assert.Equal(t, 3, report.Metrics.TotalRequests)
	assert.InDelta(t, 1.0/3.0, report.Metrics.CacheHitRate, 1e-9)
	assert.Equal(t, 1, report.Metrics.ErrorsLastHour)
}

func TestFacade_CacheReport(t *testing.T) {
	cfg := config.Default()
	cfg.DomainMappings = map[string]config.DomainMapping{
		"slow": {Upstream: "https://example.com", TTLSeconds: 7200},
	}
	d := newTestFacade(t, cfg)
	ctx := context.Background()

	require.NoError(t, d.engine.Store(ctx, "k-default",
		&cache.Response{Body: []byte("a"), Status: 200}, "other"))
	require.NoError(t, d.engine.Store(ctx, "k-custom",
		&cache.Response{Body: []byte("b"), Status: 200}, "slow"))

	_, hit, err := d.engine.Lookup(ctx, "k-default")
	require.NoError(t, err)
	require.True(t, hit)
	_, hit, err = d.engine.Lookup(ctx, "missing")
	require.NoError(t, err)
	require.False(t, hit)

	report, err := d.facade.Cache(ctx)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", report.CacheBackend)
	assert.NotEqual(t, "in-memory", report.DatabasePath)
	assert.Equal(t, 2, report.TotalEntries)
	assert.Equal(t, 1, report.TTLDistribution.DefaultTTL)
	assert.Equal(t, 1, report.TTLDistribution.CustomTTL)
	assert.Equal(t, 2, report.Statistics.TotalSets)
	assert.Equal(t, 1, report.Statistics.TotalHits)
	assert.Equal(t, 1, report.Statistics.TotalMisses)
	assert.InDelta(t, 0.5, report.Statistics.HitRate, 1e-9)
	assert.InDelta(t, 1.0, report.Statistics.AverageEntrySizeBytes, 1e-9)
	require.NotNil(t, report.OldestEntry)
	require.NotNil(t, report.NewestEntry)
	assert.False(t, report.NewestEntry.Before(*report.OldestEntry))
}

func TestFacade_CacheReportInMemoryPath(t *testing.T) {
	d := newTestFacade(t, nil)
	d.facade.cfg.Cache.DatabasePath = ":memory:"

	report, err := d.facade.Cache(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "memory", report.CacheBackend)
	assert.Equal(t, "in-memory", report.DatabasePath)
}

func TestFacade_DomainCache(t *testing.T) {
	cfg := config.Default()
	cfg.DomainMappings = map[string]config.DomainMapping{
		"jp": {Upstream: "https://example.com"},
	}
	d := newTestFacade(t, cfg)
	ctx := context.Background()

	_, ok, err := d.facade.DomainCache(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.store.InsertMetric(ctx, database.MetricRow{
		Domain: "jp", Method: "GET", CacheHit: true, StatusCode: 200,
	}))
	require.NoError(t, d.store.InsertMetric(ctx, database.MetricRow{
		Domain: "jp", Method: "GET", CacheHit: false, StatusCode: 200,
	}))

	report, ok, err := d.facade.DomainCache(ctx, "jp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.5, report.HitRate, 1e-9)
	assert.NotNil(t, report.Entries)
}

func TestFacade_Domains(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.DefaultTTLSeconds = 86400
	cfg.DomainMappings = map[string]config.DomainMapping{
		"good":  {Upstream: "https://good.example.com"},
		"shaky": {Upstream: "https://shaky.example.com"},
		"bad":   {Upstream: "https://bad.example.com", TTLSeconds: 60},
		"quiet": {Upstream: "https://quiet.example.com"},
	}
	d := newTestFacade(t, cfg)
	ctx := context.Background()

	add := func(domain string, status, n int) {
		for i := 0; i < n; i++ {
			require.NoError(t, d.store.InsertMetric(ctx, database.MetricRow{
				Domain: domain, Method: "GET", StatusCode: status,
			}))
		}
	}
	add("good", 200, 10)
	add("shaky", 200, 8)
	add("shaky", 502, 2) // 20% errors
	add("bad", 502, 3)   // 100% errors

	domains, err := d.facade.Domains(ctx)
	require.NoError(t, err)
	require.Len(t, domains, 4)

	assert.Equal(t, "healthy", domains["good"].Status)
	assert.NotNil(t, domains["good"].LastSuccessfulRequest)
	assert.Equal(t, 10, domains["good"].TotalRequests)

	assert.Equal(t, "degraded", domains["shaky"].Status)
	assert.InDelta(t, 0.2, domains["shaky"].ErrorRate, 1e-9)

	assert.Equal(t, "error", domains["bad"].Status)
	assert.NotNil(t, domains["bad"].LastError)
	assert.Equal(t, 60, domains["bad"].TTLSeconds)

	assert.Equal(t, "healthy", domains["quiet"].Status)
	assert.Equal(t, 0, domains["quiet"].TotalRequests)
	assert.Equal(t, 86400, domains["quiet"].TTLSeconds)
}

func TestFacade_Uptime(t *testing.T) {
	d := newTestFacade(t, nil)
	d.facade.start = time.Now().Add(-90 * time.Second)
	assert.GreaterOrEqual(t, d.facade.UptimeSeconds(), 90)
}
