// Package cache implements the content-addressed persistent response cache:
// key derivation, zlib compression, TTL expiry, and LRU eviction.
package cache

import (
	"bytes"
	"compress/zlib"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/apibuddy/api-buddy/internal/database"
)

// ErrTooLarge is returned by Store when the body exceeds the configured
// maximum cacheable size, measured before compression.
var ErrTooLarge = errors.New("response too large to cache")

// Response is the unit of caching. TTLSeconds of zero or below means the
// caller left the lifetime unset and Store resolves it from the domain.
type Response struct {
	Body         []byte
	Headers      http.Header
	Status       int
	CreatedAt    time.Time
	TTLSeconds   int
	AccessCount  int
	LastAccessed time.Time
}

// Stats are the engine's cumulative counters since process start.
type Stats struct {
	Hits         int `json:"hits"`
	Misses       int `json:"misses"`
	Sets         int `json:"sets"`
	Evictions    int `json:"evictions"`
	Expired      int `json:"expired"`
	Compressed   int `json:"compressed"`
	Decompressed int `json:"decompressed"`
}

// Config carries the engine's size limits.
type Config struct {
	MaxResponseSize      int
	CompressionThreshold int
	MaxEntries           int
}

// TTLResolver maps a logical domain name to a TTL in seconds. The empty
// domain resolves to the default TTL.
type TTLResolver func(domain string) int

// Engine is the cache engine. One mutex covers every publicly observable
// mutation: the store write, the lookup counter update, and eviction.
type Engine struct {
	store      *database.Store
	cfg        Config
	resolveTTL TTLResolver
	logger     *zap.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates the engine and sweeps entries that expired while the process
// was down.
func New(store *database.Store, cfg Config, resolveTTL TTLResolver, logger *zap.Logger) (*Engine, error) {
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = 10 * 1024 * 1024
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = 1024
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if resolveTTL == nil {
		resolveTTL = func(string) int { return 86400 }
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{store: store, cfg: cfg, resolveTTL: resolveTTL, logger: logger}
	if err := e.sweepExpired(context.Background()); err != nil {
		return nil, fmt.Errorf("startup expiry sweep failed: %w", err)
	}
	return e, nil
}

// Lookup retrieves an unexpired entry. A hit updates access_count and
// last_accessed; an expired entry is deleted and reported as a miss.
func (e *Engine) Lookup(ctx context.Context, key string) (*Response, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	row := e.store.QueryRow(ctx,
		`SELECT body, headers, status, created_at, ttl_seconds, access_count, last_accessed
		 FROM cache_entries WHERE key = ?`, key)

	var body []byte
	var headersJSON string
	var status, ttlSeconds, accessCount int
	var createdAt, lastAccessed time.Time
	err := row.Scan(&body, &headersJSON, &status, &createdAt, &ttlSeconds, &accessCount, &lastAccessed)
	if errors.Is(err, sql.ErrNoRows) {
		e.stats.Misses++
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache lookup failed: %w", err)
	}

	if time.Now().After(createdAt.Add(time.Duration(ttlSeconds) * time.Second)) {
		if _, err := e.store.Update(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
			e.logger.Warn("failed to delete expired cache entry", zap.String("key", key), zap.Error(err))
		}
		e.stats.Expired++
		e.stats.Misses++
		return nil, false, nil
	}

	if isZlib(body) {
		if inflated, err := inflate(body); err == nil {
			body = inflated
			e.stats.Decompressed++
		}
	}

	headers := http.Header{}
	if err := json.Unmarshal([]byte(headersJSON), &headers); err != nil {
		e.logger.Warn("corrupt cached headers", zap.String("key", key), zap.Error(err))
		headers = http.Header{}
	}

	now := time.Now().UTC()
	if _, err := e.store.Update(ctx,
		`UPDATE cache_entries SET access_count = access_count + 1, last_accessed = ? WHERE key = ?`,
		now, key); err != nil {
		e.logger.Warn("failed to update cache access counters", zap.String("key", key), zap.Error(err))
	}

	e.stats.Hits++
	return &Response{
		Body:         body,
		Headers:      headers,
		Status:       status,
		CreatedAt:    createdAt,
		TTLSeconds:   ttlSeconds,
		AccessCount:  accessCount + 1,
		LastAccessed: now,
	}, true, nil
}

// Store writes an entry, resolving the TTL when the caller left it unset,
// compressing large bodies, and evicting down to the entry limit. Bodies
// over the size limit are rejected before compression.
func (e *Engine) Store(ctx context.Context, key string, resp *Response, domain string) error {
	if len(resp.Body) > e.cfg.MaxResponseSize {
		return ErrTooLarge
	}

	ttl := resp.TTLSeconds
	if ttl <= 0 {
		ttl = e.resolveTTL(domain)
	}

	body := resp.Body
	compressed := false
	if len(body) > e.cfg.CompressionThreshold {
		if deflated, err := deflate(body); err == nil {
			body = deflated
			compressed = true
		}
	}

	headersJSON, err := json.Marshal(resp.Headers)
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	if _, err := e.store.Update(ctx,
		`REPLACE INTO cache_entries (key, body, headers, status, created_at, ttl_seconds, access_count, last_accessed)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		key, body, string(headersJSON), resp.Status, now, ttl, now); err != nil {
		return fmt.Errorf("cache store failed: %w", err)
	}

	if err := e.evictLocked(ctx); err != nil {
		e.logger.Warn("cache eviction failed", zap.Error(err))
	}

	e.stats.Sets++
	if compressed {
		e.stats.Compressed++
	}
	return nil
}

// Delete removes one entry and returns how many rows were deleted.
func (e *Engine) Delete(ctx context.Context, key string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Update(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
}

// Clear deletes entries whose key matches the pattern, or every entry when
// the pattern is empty.
func (e *Engine) Clear(ctx context.Context, pattern string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pattern == "" {
		return e.store.Update(ctx, `DELETE FROM cache_entries`)
	}
	return e.store.Update(ctx, `DELETE FROM cache_entries WHERE key LIKE ?`, "%"+pattern+"%")
}

// Stats returns a copy of the counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// EntryCount returns the number of live rows, expired or not.
func (e *Engine) EntryCount(ctx context.Context) (int, error) {
	var count int
	row := e.store.QueryRow(ctx, `SELECT COUNT(*) FROM cache_entries`)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return count, nil
}

// TotalSize returns the summed at-rest body size in bytes.
func (e *Engine) TotalSize(ctx context.Context) (int64, error) {
	var size int64
	row := e.store.QueryRow(ctx, `SELECT COALESCE(SUM(LENGTH(body)), 0) FROM cache_entries`)
	if err := row.Scan(&size); err != nil {
		return 0, fmt.Errorf("failed to sum cache entry sizes: %w", err)
	}
	return size, nil
}

// Overview aggregates the stored rows for the admin reporting surface.
type Overview struct {
	TotalEntries      int
	AverageSize       float64
	DefaultTTLEntries int
	CustomTTLEntries  int
	OldestEntry       *time.Time
	NewestEntry       *time.Time
}

// Overview reports row-level aggregates. defaultTTL tells apart entries on
// the default lifetime from per-domain overrides.
func (e *Engine) Overview(ctx context.Context, defaultTTL int) (Overview, error) {
	var o Overview
	var oldest, newest sql.NullString
	row := e.store.QueryRow(ctx,
		`SELECT COUNT(*),
		        COALESCE(AVG(LENGTH(body)), 0),
		        COALESCE(SUM(CASE WHEN ttl_seconds = ? THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN ttl_seconds != ? THEN 1 ELSE 0 END), 0),
		        MIN(created_at),
		        MAX(created_at)
		 FROM cache_entries`, defaultTTL, defaultTTL)
	if err := row.Scan(&o.TotalEntries, &o.AverageSize, &o.DefaultTTLEntries,
		&o.CustomTTLEntries, &oldest, &newest); err != nil {
		return Overview{}, fmt.Errorf("failed to aggregate cache entries: %w", err)
	}
	o.OldestEntry = database.ParseStoredTime(oldest)
	o.NewestEntry = database.ParseStoredTime(newest)
	return o, nil
}

// evictLocked deletes oldest-last_accessed entries until the count is within
// the limit. Caller holds the mutex.
func (e *Engine) evictLocked(ctx context.Context) error {
	for {
		var count int
		row := e.store.QueryRow(ctx, `SELECT COUNT(*) FROM cache_entries`)
		if err := row.Scan(&count); err != nil {
			return err
		}
		if count <= e.cfg.MaxEntries {
			return nil
		}

		rows, err := e.store.Query(ctx,
			`SELECT key FROM cache_entries ORDER BY last_accessed ASC LIMIT ?`, count-e.cfg.MaxEntries)
		if err != nil {
			return err
		}
		keys := []string{}
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				_ = rows.Close()
				return err
			}
			keys = append(keys, k)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		for _, k := range keys {
			if _, err := e.store.Update(ctx, `DELETE FROM cache_entries WHERE key = ?`, k); err != nil {
				return err
			}
			e.stats.Evictions++
		}
	}
}

// sweepExpired deletes every entry whose TTL has elapsed.
func (e *Engine) sweepExpired(ctx context.Context) error {
	rows, err := e.store.Query(ctx, `SELECT key, created_at, ttl_seconds FROM cache_entries`)
	if err != nil {
		return err
	}
	type candidate struct {
		key       string
		createdAt time.Time
		ttl       int
	}
	var expired []string
	now := time.Now()
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.key, &c.createdAt, &c.ttl); err != nil {
			_ = rows.Close()
			return err
		}
		if now.After(c.createdAt.Add(time.Duration(c.ttl) * time.Second)) {
			expired = append(expired, c.key)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, key := range expired {
		if _, err := e.store.Update(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
			return err
		}
	}

	if len(expired) > 0 {
		e.mu.Lock()
		e.stats.Expired += len(expired)
		e.mu.Unlock()
		e.logger.Info("swept expired cache entries", zap.Int("count", len(expired)))
	}
	return nil
}

// isZlib sniffs the zlib magic written by the default compression level.
func isZlib(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x78 && data[1] == 0x9c
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}
