// Package proxy implements the request pipeline: access control, routing,
// cache lookup, throttling, upstream forwarding, and cache store.
package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/apibuddy/api-buddy/internal/cache"
	"github.com/apibuddy/api-buddy/internal/config"
	"github.com/apibuddy/api-buddy/internal/database"
	"github.com/apibuddy/api-buddy/internal/logging"
)

// Options wires the pipeline's collaborators.
type Options struct {
	Config   *config.Config
	Cache    ResponseCache
	Throttle Throttler
	Gate     KeyGate
	Metrics  MetricsLog
	Prom     *Metrics
	Admin    http.Handler
	Logger   *zap.Logger
	Client   *http.Client
}

// Pipeline is the http.Handler for everything except the admin endpoints,
// which it delegates to the Admin handler when one is configured.
type Pipeline struct {
	cfg      *config.Config
	cache    ResponseCache
	throttle Throttler
	gate     KeyGate
	metrics  MetricsLog
	prom     *Metrics
	admin    http.Handler
	logger   *zap.Logger
	client   *http.Client
}

// New assembles the pipeline. The upstream client timeout comes from
// server.request_timeout unless a client is supplied.
func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := opts.Client
	if client == nil {
		timeout := 60 * time.Second
		if opts.Config != nil && opts.Config.Server.RequestTimeout > 0 {
			timeout = time.Duration(opts.Config.Server.RequestTimeout) * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Pipeline{
		cfg:      opts.Config,
		cache:    opts.Cache,
		throttle: opts.Throttle,
		gate:     opts.Gate,
		metrics:  opts.Metrics,
		prom:     opts.Prom,
		admin:    opts.Admin,
		logger:   logger,
		client:   client,
	}
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger, requestID := logging.ForRequest(p.logger)
	w.Header().Set("X-Request-ID", requestID)
	ctx := r.Context()

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			logger.Error("failed to read request body", zap.Error(err))
			plainText(w, http.StatusInternalServerError, "Internal proxy error\n")
			return
		}
	}

	secret, path := p.gate.Extract(r.URL.Path, r.Header.Get, r.URL.Query())
	if !p.gate.Validate(secret) {
		if p.cfg.Security.LogSecurityEvents {
			logger.Warn("rejected request with invalid or missing secure key",
				zap.String("path", r.URL.Path), zap.String("remote_addr", r.RemoteAddr))
		}
		plainText(w, http.StatusUnauthorized, "Unauthorized: Invalid or missing secure key\n")
		return
	}

	if path == "/admin" || strings.HasPrefix(path, "/admin/") {
		p.serveAdmin(w, r, path)
		return
	}

	domain := p.identifyDomain(r.URL.Host, path)
	cacheable := r.Method == http.MethodGet || r.Method == http.MethodPost

	var key string
	if cacheable && p.cache != nil {
		keyURL := path
		if r.URL.RawQuery != "" {
			keyURL += "?" + r.URL.RawQuery
		}
		key = cache.DeriveKey(r.Method, keyURL, body, r.Header.Get("Content-Type"))

		cached, hit, err := p.cache.Lookup(ctx, key)
		if err != nil {
			logger.Warn("cache lookup failed, treating as miss", zap.Error(err))
		}
		if hit {
			logger.Debug("cache hit",
				zap.String("domain", domain), zap.String("key", key))
			p.prom.observeHit(domain)
			p.prom.observeRequest(domain, r.Method, cached.Status)
			p.recordMetric(ctx, database.MetricRow{
				Domain:            domain,
				Method:            r.Method,
				CacheHit:          true,
				ResponseTimeMs:    0,
				ResponseSizeBytes: len(cached.Body),
				StatusCode:        cached.Status,
			})
			writeResponse(w, cached.Status, cached.Headers, cached.Body)
			return
		}
		p.prom.observeMiss(domain)
	}

	if domain != "" && p.throttle != nil {
		p.throttle.RecordRequest(domain)
		if p.throttle.ShouldThrottle(domain) {
			info := p.throttle.Info(domain)
			logger.Info("throttled request",
				zap.String("domain", domain), zap.Int("retry_after", p.throttle.Delay(domain)))
			p.prom.observeThrottle(domain)
			p.prom.observeRequest(domain, r.Method, http.StatusTooManyRequests)
			w.Header().Set("Retry-After", strconv.Itoa(p.throttle.Delay(domain)))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(info.Reset))
			plainText(w, http.StatusTooManyRequests, "Too Many Requests\n")
			return
		}
	}

	res := p.forward(ctx, r.Method, path, r.URL.RawQuery, body, r.Header, logger)
	p.prom.observeRequest(res.domain, r.Method, res.status)

	if res.upstreamOK && cacheable && p.cache != nil {
		err := p.cache.Store(ctx, key, &cache.Response{
			Body:    res.body,
			Headers: res.header,
			Status:  res.status,
		}, res.domain)
		switch {
		case errors.Is(err, cache.ErrTooLarge):
			logger.Debug("response too large to cache",
				zap.String("domain", res.domain), zap.Int("size", len(res.body)))
		case err != nil:
			logger.Warn("cache store failed", zap.Error(err))
		}
	}

	writeResponse(w, res.status, res.header, res.body)
}

// identifyDomain matches a request to a configured logical domain: an
// absolute-form request whose host is a domain name, or a path whose first
// segment is one. Unmatched requests return the empty string.
func (p *Pipeline) identifyDomain(host, path string) string {
	if host != "" {
		if _, ok := p.cfg.DomainMappings[host]; ok {
			return host
		}
	}
	for name := range p.cfg.DomainMappings {
		if strings.HasPrefix(path, "/"+name+"/") || path == "/"+name {
			return name
		}
	}
	return ""
}

// serveAdmin delegates to the admin handler with the sanitized path. A
// disabled admin surface is indistinguishable from an unknown route.
func (p *Pipeline) serveAdmin(w http.ResponseWriter, r *http.Request, path string) {
	if p.admin == nil {
		plainText(w, http.StatusNotFound, "Not Found\n")
		return
	}
	r2 := r.Clone(r.Context())
	r2.URL.Path = path
	p.admin.ServeHTTP(w, r2)
}

// recordMetric appends a row to the persistent metrics log. Failures are
// logged and swallowed so the request still completes.
func (p *Pipeline) recordMetric(ctx context.Context, row database.MetricRow) {
	if p.metrics == nil {
		return
	}
	if err := p.metrics.InsertMetric(ctx, row); err != nil {
		p.logger.Warn("failed to record metric", zap.Error(err))
	}
}

func writeResponse(w http.ResponseWriter, status int, header http.Header, body []byte) {
	for k, vs := range header {
		w.Header()[k] = vs
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func plainText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
