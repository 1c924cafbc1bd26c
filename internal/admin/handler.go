// Package admin serves the /admin endpoints: health, status, configuration,
// cache and domain reports, configuration validation, and Prometheus metrics.
package admin

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/apibuddy/api-buddy/internal/config"
	"github.com/apibuddy/api-buddy/internal/monitor"
)

const proxyVersion = "1.0.0"

type handler struct {
	cfg     *config.Config
	facade  *monitor.Facade
	logger  *zap.Logger
	limiter *rateLimiter
}

// New builds the admin handler. The pipeline mounts it under /admin after
// access control has already run.
func New(cfg *config.Config, facade *monitor.Facade, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{
		cfg:     cfg,
		facade:  facade,
		logger:  logger,
		limiter: newRateLimiter(),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(h.rateLimit)
	engine.Use(h.logAccess)

	engine.HandleMethodNotAllowed = true
	engine.NoMethod(func(c *gin.Context) {
		h.sendError(c, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			fmt.Sprintf("Method %s not allowed", c.Request.Method))
	})
	engine.NoRoute(func(c *gin.Context) {
		h.sendError(c, http.StatusNotFound, "ENDPOINT_NOT_FOUND",
			"Admin endpoint not found: "+c.Request.URL.Path)
	})

	group := engine.Group("/admin")
	group.GET("/health", h.health)
	group.GET("/config", h.configReport)
	group.GET("/status", h.status)
	group.GET("/cache", h.cacheReport)
	group.GET("/cache/:domain", h.domainCache)
	group.GET("/domains", h.domains)
	group.POST("/validate-config", h.validateConfig)
	if gatherer != nil {
		group.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return engine
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (h *handler) sendError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"timestamp":  timestamp(),
		"success":    false,
		"error":      msg,
		"error_code": code,
	})
}

func (h *handler) rateLimit(c *gin.Context) {
	if !h.limiter.allow(c.ClientIP(), h.cfg.Admin.RateLimitPerMinute) {
		h.sendError(c, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Too many requests")
		return
	}
	c.Next()
}

func (h *handler) logAccess(c *gin.Context) {
	if h.cfg.Admin.LogAccess {
		h.logger.Info("admin access",
			zap.String("client_ip", c.ClientIP()),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path))
	}
	c.Next()
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"timestamp": timestamp(),
		"status":    "healthy",
	})
}

func (h *handler) configReport(c *gin.Context) {
	sanitized, fields := h.cfg.Sanitize()
	c.JSON(http.StatusOK, gin.H{
		"timestamp":        timestamp(),
		"proxy_version":    proxyVersion,
		"security_enabled": h.cfg.Security.RequireSecureKey,
		"configuration":    sanitized,
		"sanitized_fields": fields,
	})
}

func (h *handler) status(c *gin.Context) {
	report := h.facade.Status(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"timestamp":      timestamp(),
		"status":         report.Status,
		"uptime_seconds": report.UptimeSeconds,
		"components":     report.Components,
		"metrics":        report.Metrics,
	})
}

func (h *handler) cacheReport(c *gin.Context) {
	report, err := h.facade.Cache(c.Request.Context())
	if err != nil {
		h.logger.Error("cache report failed", zap.Error(err))
		h.sendError(c, http.StatusInternalServerError, "CACHE_ERROR", "Failed to retrieve cache statistics")
		return
	}
	c.JSON(http.StatusOK, struct {
		Timestamp string `json:"timestamp"`
		monitor.CacheReport
	}{timestamp(), report})
}

func (h *handler) domainCache(c *gin.Context) {
	domain := c.Param("domain")
	report, ok, err := h.facade.DomainCache(c.Request.Context(), domain)
	if err != nil {
		h.logger.Error("domain cache report failed", zap.String("domain", domain), zap.Error(err))
		h.sendError(c, http.StatusInternalServerError, "CACHE_ERROR",
			"Failed to retrieve cache data for domain: "+domain)
		return
	}
	if !ok {
		h.sendError(c, http.StatusNotFound, "DOMAIN_NOT_FOUND", "Domain not found: "+domain)
		return
	}
	c.JSON(http.StatusOK, struct {
		Timestamp string `json:"timestamp"`
		Domain    string `json:"domain"`
		monitor.DomainCacheReport
	}{timestamp(), domain, report})
}

func (h *handler) domains(c *gin.Context) {
	report, err := h.facade.Domains(c.Request.Context())
	if err != nil {
		h.logger.Error("domains report failed", zap.Error(err))
		h.sendError(c, http.StatusInternalServerError, "DOMAINS_ERROR", "Failed to retrieve domain statistics")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"timestamp":       timestamp(),
		"domain_mappings": report,
	})
}

// validateConfig merges the submitted configuration over the defaults,
// validates the result, and reports errors and defaulted fields without
// applying anything.
func (h *handler) validateConfig(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || len(body) == 0 {
		h.sendError(c, http.StatusBadRequest, "EMPTY_BODY", "Request body is required")
		return
	}

	var req struct {
		Configuration map[string]interface{} `json:"configuration"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		h.sendError(c, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON in request body")
		return
	}
	if req.Configuration == nil {
		req.Configuration = map[string]interface{}{}
	}

	merged := config.MergeWithDefaults(req.Configuration)
	valid, errs := config.ValidateMap(merged)
	if errs == nil {
		errs = []string{}
	}
	warnings := config.Warnings(req.Configuration, merged)
	if warnings == nil {
		warnings = []string{}
	}

	status := http.StatusOK
	if !valid {
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{
		"timestamp":     timestamp(),
		"valid":         valid,
		"errors":        errs,
		"warnings":      warnings,
		"merged_config": merged,
	})
}
