package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MetricRow is one request-level measurement appended to the metrics log.
type MetricRow struct {
	Domain            string
	Method            string
	CacheHit          bool
	ResponseTimeMs    int
	ResponseSizeBytes int
	StatusCode        int
	Timestamp         time.Time
}

// DomainMetrics aggregates the metrics log for one logical domain.
type DomainMetrics struct {
	Domain            string
	TotalRequests     int
	CacheHits         int
	ErrorCount        int
	AvgResponseTimeMs float64
	LastSuccess       *time.Time
	LastError         *time.Time
}

// Summary aggregates the whole metrics log.
type Summary struct {
	TotalRequests     int
	CacheHits         int
	HitRate           float64
	AvgResponseTimeMs float64
	ErrorsLastHour    int
}

// InsertMetric appends one row to the metrics log.
func (s *Store) InsertMetric(ctx context.Context, row MetricRow) error {
	ts := row.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.Update(ctx,
		`INSERT INTO metrics (domain, method, cache_hit, response_time_ms, response_size_bytes, status_code, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.Domain, row.Method, row.CacheHit, row.ResponseTimeMs, row.ResponseSizeBytes, row.StatusCode, ts)
	if err != nil {
		return fmt.Errorf("failed to insert metric: %w", err)
	}
	return nil
}

// MetricsByDomain returns per-domain aggregates over the metrics log.
// Error rows are those with a status code of 400 or above.
func (s *Store) MetricsByDomain(ctx context.Context) (map[string]DomainMetrics, error) {
	rows, err := s.Query(ctx,
		`SELECT domain,
		        COUNT(*),
		        SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END),
		        SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END),
		        COALESCE(AVG(response_time_ms), 0),
		        MAX(CASE WHEN status_code < 400 THEN timestamp END),
		        MAX(CASE WHEN status_code >= 400 THEN timestamp END)
		 FROM metrics
		 GROUP BY domain`)
	if err != nil {
		return nil, fmt.Errorf("failed to query domain metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]DomainMetrics)
	for rows.Next() {
		var m DomainMetrics
		// MAX over a CASE expression drops the declared column type, so
		// the driver hands back strings rather than time.Time.
		var lastSuccess, lastError sql.NullString
		if err := rows.Scan(&m.Domain, &m.TotalRequests, &m.CacheHits, &m.ErrorCount,
			&m.AvgResponseTimeMs, &lastSuccess, &lastError); err != nil {
			return nil, fmt.Errorf("failed to scan domain metrics: %w", err)
		}
		m.LastSuccess = ParseStoredTime(lastSuccess)
		m.LastError = ParseStoredTime(lastError)
		out[m.Domain] = m
	}
	return out, rows.Err()
}

// storedTimeLayouts covers the formats the sqlite3 driver writes for
// time.Time parameters.
var storedTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
}

// ParseStoredTime decodes a timestamp scanned from an expression column,
// where the driver hands back a string rather than a time.Time.
func ParseStoredTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	for _, layout := range storedTimeLayouts {
		if t, err := time.Parse(layout, v.String); err == nil {
			return &t
		}
	}
	return nil
}

// MetricsSummary returns aggregates over the whole metrics log.
func (s *Store) MetricsSummary(ctx context.Context) (Summary, error) {
	var sum Summary
	row := s.QueryRow(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END), 0),
		        COALESCE(AVG(response_time_ms), 0)
		 FROM metrics`)
	if err := row.Scan(&sum.TotalRequests, &sum.CacheHits, &sum.AvgResponseTimeMs); err != nil {
		return Summary{}, fmt.Errorf("failed to scan metrics summary: %w", err)
	}
	if sum.TotalRequests > 0 {
		sum.HitRate = float64(sum.CacheHits) / float64(sum.TotalRequests)
	}

	hourAgo := time.Now().UTC().Add(-time.Hour)
	row = s.QueryRow(ctx,
		`SELECT COUNT(*) FROM metrics WHERE status_code >= 400 AND timestamp >= ?`, hourAgo)
	if err := row.Scan(&sum.ErrorsLastHour); err != nil {
		return Summary{}, fmt.Errorf("failed to scan error count: %w", err)
	}
	return sum, nil
}
