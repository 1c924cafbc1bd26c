package config

import (
	"fmt"
	"sort"
)

// ValidateMap type-checks a merged configuration map without decoding it
// into a Config. It reports every problem it finds so callers can surface
// the full list, matching the behavior of the validate-config endpoint.
func ValidateMap(merged map[string]interface{}) (bool, []string) {
	var errs []string

	server := subMap(merged, "server")
	if _, ok := server["host"].(string); !ok {
		errs = append(errs, "server.host must be a string")
	}
	if !isIntValue(server["port"]) {
		errs = append(errs, "server.port must be an integer")
	}
	if !isIntValue(server["request_timeout"]) {
		errs = append(errs, "server.request_timeout must be an integer")
	}

	security := subMap(merged, "security")
	if _, ok := security["require_secure_key"].(bool); !ok {
		errs = append(errs, "security.require_secure_key must be a boolean")
	}
	if _, ok := security["log_security_events"].(bool); !ok {
		errs = append(errs, "security.log_security_events must be a boolean")
	}

	cache := subMap(merged, "cache")
	if _, ok := cache["database_path"].(string); !ok {
		errs = append(errs, "cache.database_path must be a string")
	}
	for _, field := range []string{"default_ttl_seconds", "max_cache_response_size", "max_cache_entries", "compression_threshold"} {
		if !isIntValue(cache[field]) {
			errs = append(errs, fmt.Sprintf("cache.%s must be an integer", field))
		}
	}

	throttling := subMap(merged, "throttling")
	if !isIntValue(throttling["default_requests_per_hour"]) {
		errs = append(errs, "throttling.default_requests_per_hour must be an integer")
	}
	if !isIntValue(throttling["progressive_max_delay"]) {
		errs = append(errs, "throttling.progressive_max_delay must be an integer")
	}

	mappings := subMap(merged, "domain_mappings")
	names := make([]string, 0, len(mappings))
	for name := range mappings {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m, ok := mappings[name].(map[string]interface{})
		if !ok {
			errs = append(errs, fmt.Sprintf("domain_mappings.%s must be an object", name))
			continue
		}
		if _, ok := m["upstream"].(string); !ok {
			errs = append(errs, fmt.Sprintf("domain_mappings.%s.upstream must be a string", name))
		}
		if ttl, present := m["ttl_seconds"]; present && !isIntValue(ttl) {
			errs = append(errs, fmt.Sprintf("domain_mappings.%s.ttl_seconds must be an integer", name))
		}
	}

	if len(errs) > 0 {
		return false, errs
	}

	// Type checks passed; decode and run the range checks too.
	cfg, err := FromMap(merged)
	if err != nil {
		return false, []string{err.Error()}
	}
	if rangeErrs := cfg.Validate(); len(rangeErrs) > 0 {
		return false, rangeErrs
	}
	return true, []string{}
}

func subMap(m map[string]interface{}, key string) map[string]interface{} {
	if sub, ok := m[key].(map[string]interface{}); ok {
		return sub
	}
	return map[string]interface{}{}
}

// isIntValue accepts native ints and JSON numbers without a fractional part.
func isIntValue(v interface{}) bool {
	switch n := v.(type) {
	case int, int64:
		return true
	case float64:
		return n == float64(int64(n))
	default:
		return false
	}
}
