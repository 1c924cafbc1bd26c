// Package config handles application configuration loading, merging, and
// validation, providing a type-safe configuration structure.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration tree for the proxy.
type Config struct {
	Server         ServerConfig             `json:"server" yaml:"server"`
	Security       SecurityConfig           `json:"security" yaml:"security"`
	Cache          CacheConfig              `json:"cache" yaml:"cache"`
	Throttling     ThrottlingConfig         `json:"throttling" yaml:"throttling"`
	DomainMappings map[string]DomainMapping `json:"domain_mappings" yaml:"domain_mappings"`
	Admin          AdminConfig              `json:"admin" yaml:"admin"`
	Logging        LoggingConfig            `json:"logging" yaml:"logging"`
}

// ServerConfig controls the listen address and upstream timeout.
type ServerConfig struct {
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port" yaml:"port"`
	RequestTimeout int    `json:"request_timeout" yaml:"request_timeout"` // seconds
}

// SecurityConfig controls shared-secret access control.
type SecurityConfig struct {
	RequireSecureKey  bool   `json:"require_secure_key" yaml:"require_secure_key"`
	SecureKey         string `json:"secure_key" yaml:"secure_key"`
	LogSecurityEvents bool   `json:"log_security_events" yaml:"log_security_events"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	DatabasePath         string `json:"database_path" yaml:"database_path"`
	DefaultTTLSeconds    int    `json:"default_ttl_seconds" yaml:"default_ttl_seconds"`
	MaxCacheResponseSize int    `json:"max_cache_response_size" yaml:"max_cache_response_size"`
	MaxCacheEntries      int    `json:"max_cache_entries" yaml:"max_cache_entries"`
	CompressionThreshold int    `json:"compression_threshold" yaml:"compression_threshold"`
}

// ThrottlingConfig controls per-domain rate limiting.
type ThrottlingConfig struct {
	DefaultRequestsPerHour int            `json:"default_requests_per_hour" yaml:"default_requests_per_hour"`
	ProgressiveMaxDelay    int            `json:"progressive_max_delay" yaml:"progressive_max_delay"` // seconds
	DomainLimits           map[string]int `json:"domain_limits" yaml:"domain_limits"`
}

// DomainMapping binds a logical domain name to an upstream URL prefix.
// TTLSeconds of zero means "use the cache default".
type DomainMapping struct {
	Upstream   string `json:"upstream" yaml:"upstream"`
	TTLSeconds int    `json:"ttl_seconds,omitempty" yaml:"ttl_seconds,omitempty"`
}

// AdminConfig gates the /admin endpoints.
type AdminConfig struct {
	Enabled            bool `json:"enabled" yaml:"enabled"`
	RateLimitPerMinute int  `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	LogAccess          bool `json:"log_access" yaml:"log_access"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	File   string `json:"file,omitempty" yaml:"file,omitempty"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			RequestTimeout: 60,
		},
		Security: SecurityConfig{
			RequireSecureKey:  false,
			SecureKey:         "",
			LogSecurityEvents: true,
		},
		Cache: CacheConfig{
			DatabasePath:         ":memory:",
			DefaultTTLSeconds:    86400,
			MaxCacheResponseSize: 10 * 1024 * 1024,
			MaxCacheEntries:      1000,
			CompressionThreshold: 1024,
		},
		Throttling: ThrottlingConfig{
			DefaultRequestsPerHour: 1000,
			ProgressiveMaxDelay:    300,
			DomainLimits:           map[string]int{},
		},
		DomainMappings: map[string]DomainMapping{},
		Admin: AdminConfig{
			Enabled:            true,
			RateLimitPerMinute: 60,
			LogAccess:          true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a JSON or YAML configuration file, deep-merges it over the
// defaults, and decodes the result. The file format is chosen by extension;
// anything that is not .yaml/.yml is treated as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var user map[string]interface{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &user); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &user); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return FromMap(user)
}

// FromMap deep-merges a user-supplied configuration map over the defaults
// and decodes it into a Config.
func FromMap(user map[string]interface{}) (*Config, error) {
	merged := MergeWithDefaults(user)

	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged config: %w", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto the configuration. Only a
// small operational subset is exposed this way; structured options belong in
// the config file.
func (c *Config) ApplyEnv() {
	c.Server.Host = EnvOrDefault("API_BUDDY_HOST", c.Server.Host)
	c.Server.Port = EnvIntOrDefault("API_BUDDY_PORT", c.Server.Port)
	c.Cache.DatabasePath = EnvOrDefault("API_BUDDY_DATABASE_PATH", c.Cache.DatabasePath)
	c.Security.SecureKey = EnvOrDefault("API_BUDDY_SECURE_KEY", c.Security.SecureKey)
	c.Security.RequireSecureKey = EnvBoolOrDefault("API_BUDDY_REQUIRE_SECURE_KEY", c.Security.RequireSecureKey)
	c.Logging.Level = EnvOrDefault("API_BUDDY_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = EnvOrDefault("API_BUDDY_LOG_FORMAT", c.Logging.Format)
	c.Logging.File = EnvOrDefault("API_BUDDY_LOG_FILE", c.Logging.File)
}

// Validate checks value ranges and domain mappings. It returns one message
// per problem; an empty slice means the configuration is usable.
func (c *Config) Validate() []string {
	var errs []string

	if c.Server.Host == "" {
		errs = append(errs, "server.host must not be empty")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, "server.request_timeout must be positive")
	}
	if c.Cache.DatabasePath == "" {
		errs = append(errs, "cache.database_path must not be empty")
	}
	if c.Cache.DefaultTTLSeconds < 0 {
		errs = append(errs, "cache.default_ttl_seconds must not be negative")
	}
	if c.Cache.MaxCacheResponseSize <= 0 {
		errs = append(errs, "cache.max_cache_response_size must be positive")
	}
	if c.Cache.MaxCacheEntries <= 0 {
		errs = append(errs, "cache.max_cache_entries must be positive")
	}
	if c.Cache.CompressionThreshold < 0 {
		errs = append(errs, "cache.compression_threshold must not be negative")
	}
	if c.Throttling.DefaultRequestsPerHour <= 0 {
		errs = append(errs, "throttling.default_requests_per_hour must be positive")
	}
	if c.Throttling.ProgressiveMaxDelay <= 0 {
		errs = append(errs, "throttling.progressive_max_delay must be positive")
	}
	for name, limit := range c.Throttling.DomainLimits {
		if limit <= 0 {
			errs = append(errs, fmt.Sprintf("throttling.domain_limits.%s must be positive", name))
		}
	}
	for name, m := range c.DomainMappings {
		if name == "" {
			errs = append(errs, "domain_mappings must not contain an empty domain name")
			continue
		}
		if name == "admin" {
			errs = append(errs, "domain_mappings.admin conflicts with the admin endpoint prefix")
		}
		if m.Upstream == "" {
			errs = append(errs, fmt.Sprintf("domain_mappings.%s.upstream must not be empty", name))
			continue
		}
		u, err := url.Parse(m.Upstream)
		if err != nil || !u.IsAbs() || u.Host == "" {
			errs = append(errs, fmt.Sprintf("domain_mappings.%s.upstream must be an absolute URL", name))
		}
		if m.TTLSeconds < 0 {
			errs = append(errs, fmt.Sprintf("domain_mappings.%s.ttl_seconds must not be negative", name))
		}
	}
	if c.Admin.Enabled && c.Admin.RateLimitPerMinute <= 0 {
		errs = append(errs, "admin.rate_limit_per_minute must be positive")
	}

	return errs
}

// TTLForDomain resolves the cache TTL for a logical domain: the per-domain
// override when configured, otherwise the cache default.
func (c *Config) TTLForDomain(name string) int {
	if m, ok := c.DomainMappings[name]; ok && m.TTLSeconds > 0 {
		return m.TTLSeconds
	}
	return c.Cache.DefaultTTLSeconds
}

// LimitForDomain resolves the hourly request limit for a logical domain.
func (c *Config) LimitForDomain(name string) int {
	if limit, ok := c.Throttling.DomainLimits[name]; ok && limit > 0 {
		return limit
	}
	return c.Throttling.DefaultRequestsPerHour
}

// ToMap renders the configuration as a generic JSON-compatible map.
func (c *Config) ToMap() map[string]interface{} {
	raw, err := json.Marshal(c)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

// DeepMerge recursively merges override into base without mutating either.
// Nested maps merge key by key; any other value in override replaces the
// base value wholesale.
func DeepMerge(base, override map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if bm, ok := out[k].(map[string]interface{}); ok {
			if om, ok := v.(map[string]interface{}); ok {
				out[k] = DeepMerge(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// MergeWithDefaults deep-merges a user configuration map over the defaults.
func MergeWithDefaults(user map[string]interface{}) map[string]interface{} {
	return DeepMerge(Default().ToMap(), user)
}

// Sanitize returns a copy of the configuration with sensitive values
// replaced by "[REDACTED]", plus the sorted dotted paths of the fields
// that were redacted. A field is sensitive when its name contains key,
// secret, password, or token, case-insensitive.
func (c *Config) Sanitize() (map[string]interface{}, []string) {
	redacted := []string{}
	out := sanitizeMap(c.ToMap(), "", &redacted)
	sort.Strings(redacted)
	return out, redacted
}

var sensitiveFragments = []string{"key", "secret", "password", "token"}

func sanitizeMap(m map[string]interface{}, prefix string, redacted *[]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if isSensitiveField(k) {
			out[k] = "[REDACTED]"
			*redacted = append(*redacted, path)
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = sanitizeMap(nested, path, redacted)
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, frag := range sensitiveFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// Warnings reports, for every scalar default that the user configuration
// left unset, a note naming the default value in effect. Used by the admin
// validate-config endpoint.
func Warnings(user, merged map[string]interface{}) []string {
	var warnings []string
	collectDefaultWarnings(user, merged, "", &warnings)
	sort.Strings(warnings)
	return warnings
}

func collectDefaultWarnings(user, merged map[string]interface{}, prefix string, warnings *[]string) {
	for k, v := range merged {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		uv, present := user[k]
		if !present {
			switch v.(type) {
			case string, bool, float64, int:
				*warnings = append(*warnings, fmt.Sprintf("%s not specified, using default value: %v", path, v))
			}
			continue
		}
		if mv, ok := v.(map[string]interface{}); ok {
			if um, ok := uv.(map[string]interface{}); ok {
				collectDefaultWarnings(um, mv, path, warnings)
			}
		}
	}
}
