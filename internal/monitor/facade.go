// Package monitor aggregates the state of the proxy's components into
// read-only reports for the admin endpoints.
package monitor

import (
	"context"
	"time"

	"github.com/apibuddy/api-buddy/internal/cache"
	"github.com/apibuddy/api-buddy/internal/config"
	"github.com/apibuddy/api-buddy/internal/database"
	"github.com/apibuddy/api-buddy/internal/security"
	"github.com/apibuddy/api-buddy/internal/throttle"
)

// Facade reads from every component but mutates none of them.
type Facade struct {
	cfg      *config.Config
	engine   *cache.Engine
	store    *database.Store
	throttle *throttle.Manager
	gate     *security.Gate
	start    time.Time
}

// New creates a Facade; uptime counts from this moment.
func New(cfg *config.Config, engine *cache.Engine, store *database.Store, tm *throttle.Manager, gate *security.Gate) *Facade {
	return &Facade{
		cfg:      cfg,
		engine:   engine,
		store:    store,
		throttle: tm,
		gate:     gate,
		start:    time.Now(),
	}
}

// UptimeSeconds reports whole seconds since the facade was created.
func (f *Facade) UptimeSeconds() int {
	return int(time.Since(f.start).Seconds())
}

// Backend names the cache backend from the configured database path.
func (f *Facade) Backend() string {
	if f.cfg.Cache.DatabasePath == ":memory:" {
		return "memory"
	}
	return "sqlite"
}

// CacheEngineStatus describes the cache engine component.
type CacheEngineStatus struct {
	Status            string `json:"status"`
	Backend           string `json:"backend"`
	TotalEntries      int    `json:"total_entries"`
	DatabaseSizeBytes int64  `json:"database_size_bytes"`
}

// DatabaseStatus describes the persistence component.
type DatabaseStatus struct {
	Status           string     `json:"status"`
	ConnectionActive bool       `json:"connection_active"`
	LastBackup       *time.Time `json:"last_backup"`
}

// ThrottleStatus describes the rate limiter. A throttle is active once its
// back-off delay has grown past the initial value.
type ThrottleStatus struct {
	Status          string `json:"status"`
	ActiveThrottles int    `json:"active_throttles"`
}

// SecurityStatus describes the access control gate.
type SecurityStatus struct {
	Status          string `json:"status"`
	SecurityEnabled bool   `json:"security_enabled"`
}

// Components groups the per-component health blocks.
type Components struct {
	CacheEngine     CacheEngineStatus `json:"cache_engine"`
	DatabaseManager DatabaseStatus    `json:"database_manager"`
	ThrottleManager ThrottleStatus    `json:"throttle_manager"`
	SecurityManager SecurityStatus    `json:"security_manager"`
}

// SystemMetrics summarizes the persistent metrics log.
type SystemMetrics struct {
	TotalRequests         int     `json:"total_requests"`
	CacheHitRate          float64 `json:"cache_hit_rate"`
	AverageResponseTimeMs float64 `json:"average_response_time_ms"`
	ErrorsLastHour        int     `json:"errors_last_hour"`
}

// StatusReport is the body of the status endpoint.
type StatusReport struct {
	Status        string        `json:"status"`
	UptimeSeconds int           `json:"uptime_seconds"`
	Components    Components    `json:"components"`
	Metrics       SystemMetrics `json:"metrics"`
}

// Status assembles the full system report. Component failures degrade the
// report instead of failing it.
func (f *Facade) Status(ctx context.Context) StatusReport {
	report := StatusReport{
		Status:        "healthy",
		UptimeSeconds: f.UptimeSeconds(),
	}

	report.Components.CacheEngine = CacheEngineStatus{
		Status:            "healthy",
		Backend:           f.Backend(),
		DatabaseSizeBytes: f.store.FileSize(),
	}
	if count, err := f.engine.EntryCount(ctx); err == nil {
		report.Components.CacheEngine.TotalEntries = count
	} else {
		report.Components.CacheEngine.Status = "error"
	}

	report.Components.DatabaseManager = DatabaseStatus{Status: "healthy", ConnectionActive: true}
	if err := f.store.DB().PingContext(ctx); err != nil {
		report.Components.DatabaseManager = DatabaseStatus{Status: "error"}
	}

	active := 0
	for _, s := range f.throttle.States() {
		if s.DelaySeconds > 1 {
			active++
		}
	}
	report.Components.ThrottleManager = ThrottleStatus{Status: "healthy", ActiveThrottles: active}

	report.Components.SecurityManager = SecurityStatus{Status: "healthy", SecurityEnabled: f.gate.Enabled()}

	if sum, err := f.store.MetricsSummary(ctx); err == nil {
		report.Metrics = SystemMetrics{
			TotalRequests:         sum.TotalRequests,
			CacheHitRate:          sum.HitRate,
			AverageResponseTimeMs: sum.AvgResponseTimeMs,
			ErrorsLastHour:        sum.ErrorsLastHour,
		}
	}

	for _, status := range []string{
		report.Components.CacheEngine.Status,
		report.Components.DatabaseManager.Status,
		report.Components.ThrottleManager.Status,
		report.Components.SecurityManager.Status,
	} {
		if status == "error" {
			report.Status = "error"
			break
		}
		if status != "healthy" && report.Status == "healthy" {
			report.Status = "degraded"
		}
	}
	return report
}

// CacheStatistics is the counter block of the cache report.
type CacheStatistics struct {
	HitRate               float64 `json:"hit_rate"`
	TotalHits             int     `json:"total_hits"`
	TotalMisses           int     `json:"total_misses"`
	TotalSets             int     `json:"total_sets"`
	CompressedEntries     int     `json:"compressed_entries"`
	AverageEntrySizeBytes float64 `json:"average_entry_size_bytes"`
}

// TTLDistribution splits entries into default-lifetime and overridden ones.
type TTLDistribution struct {
	DefaultTTL int `json:"default_ttl"`
	CustomTTL  int `json:"custom_ttl"`
}

// CacheReport is the body of the cache endpoint.
type CacheReport struct {
	CacheBackend      string          `json:"cache_backend"`
	DatabasePath      string          `json:"database_path"`
	DatabaseSizeBytes int64           `json:"database_size_bytes"`
	TotalEntries      int             `json:"total_entries"`
	ExpiredEntries    int             `json:"expired_entries"`
	Statistics        CacheStatistics `json:"statistics"`
	TTLDistribution   TTLDistribution `json:"ttl_distribution"`
	OldestEntry       *time.Time      `json:"oldest_entry"`
	NewestEntry       *time.Time      `json:"newest_entry"`
}

// Cache assembles the cache report.
func (f *Facade) Cache(ctx context.Context) (CacheReport, error) {
	stats := f.engine.Stats()
	report := CacheReport{
		CacheBackend:      f.Backend(),
		DatabasePath:      f.cfg.Cache.DatabasePath,
		DatabaseSizeBytes: f.store.FileSize(),
		ExpiredEntries:    stats.Expired,
		Statistics: CacheStatistics{
			TotalHits:         stats.Hits,
			TotalMisses:       stats.Misses,
			TotalSets:         stats.Sets,
			CompressedEntries: stats.Compressed,
		},
	}
	if report.DatabasePath == ":memory:" {
		report.DatabasePath = "in-memory"
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		report.Statistics.HitRate = float64(stats.Hits) / float64(total)
	}

	overview, err := f.engine.Overview(ctx, f.cfg.Cache.DefaultTTLSeconds)
	if err != nil {
		return CacheReport{}, err
	}
	report.TotalEntries = overview.TotalEntries
	report.Statistics.AverageEntrySizeBytes = overview.AverageSize
	report.TTLDistribution = TTLDistribution{
		DefaultTTL: overview.DefaultTTLEntries,
		CustomTTL:  overview.CustomTTLEntries,
	}
	report.OldestEntry = overview.OldestEntry
	report.NewestEntry = overview.NewestEntry
	return report, nil
}

// DomainCacheReport is the body of the per-domain cache endpoint. Entries are
// content-addressed, so the report is derived from the metrics log rather
// than from the cache table itself.
type DomainCacheReport struct {
	CacheEntries   int      `json:"cache_entries"`
	TotalSizeBytes int64    `json:"total_size_bytes"`
	HitRate        float64  `json:"hit_rate"`
	Entries        []string `json:"entries"`
}

// DomainCache reports on one configured domain. The boolean is false when
// the domain is not configured.
func (f *Facade) DomainCache(ctx context.Context, domain string) (DomainCacheReport, bool, error) {
	if _, ok := f.cfg.DomainMappings[domain]; !ok {
		return DomainCacheReport{}, false, nil
	}
	report := DomainCacheReport{Entries: []string{}}
	byDomain, err := f.store.MetricsByDomain(ctx)
	if err != nil {
		return DomainCacheReport{}, false, err
	}
	if m, ok := byDomain[domain]; ok && m.TotalRequests > 0 {
		report.HitRate = float64(m.CacheHits) / float64(m.TotalRequests)
	}
	return report, true, nil
}

// DomainStatus is one row of the domains endpoint.
type DomainStatus struct {
	Upstream              string     `json:"upstream"`
	TTLSeconds            int        `json:"ttl_seconds"`
	Status                string     `json:"status"`
	LastSuccessfulRequest *time.Time `json:"last_successful_request"`
	TotalRequests         int        `json:"total_requests"`
	CacheEntries          int        `json:"cache_entries"`
	ErrorRate             float64    `json:"error_rate"`
	LastError             *time.Time `json:"last_error"`
}

// Domains reports on every configured domain mapping, folding in the
// per-domain aggregates from the metrics log.
func (f *Facade) Domains(ctx context.Context) (map[string]DomainStatus, error) {
	byDomain, err := f.store.MetricsByDomain(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]DomainStatus, len(f.cfg.DomainMappings))
	for name, mapping := range f.cfg.DomainMappings {
		status := DomainStatus{
			Upstream:   mapping.Upstream,
			TTLSeconds: f.cfg.TTLForDomain(name),
			Status:     "healthy",
		}
		if m, ok := byDomain[name]; ok {
			status.TotalRequests = m.TotalRequests
			status.LastSuccessfulRequest = m.LastSuccess
			status.LastError = m.LastError
			if m.TotalRequests > 0 {
				status.ErrorRate = float64(m.ErrorCount) / float64(m.TotalRequests)
			}
			switch {
			case status.ErrorRate > 0.5:
				status.Status = "error"
			case status.ErrorRate > 0.1:
				status.Status = "degraded"
			}
		}
		out[name] = status
	}
	return out, nil
}
