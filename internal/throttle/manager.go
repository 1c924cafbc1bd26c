// Package throttle implements per-domain sliding-window rate limiting with
// progressive back-off.
package throttle

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Window is the sliding window over which requests are counted.
const Window = 3600 * time.Second

// State tracks throttling for one logical domain.
type State struct {
	Timestamps    []time.Time `json:"request_timestamps"`
	TotalRequests int         `json:"total_requests"`
	Violations    int         `json:"violations"`
	DelaySeconds  int         `json:"delay_seconds"`
	LastViolation time.Time   `json:"last_violation"`
}

// Config carries the limits. DomainLimits overrides the default per-hour
// limit for specific domains.
type Config struct {
	DefaultRequestsPerHour int
	ProgressiveMaxDelay    int
	DomainLimits           map[string]int
}

// Manager is the throttle manager. One mutex guards the whole per-domain
// map; every public method holds it for the full operation.
type Manager struct {
	cfg Config

	mu     sync.Mutex
	states map[string]*State
	now    func() time.Time
}

// New creates a Manager from the throttling configuration.
func New(cfg Config) *Manager {
	if cfg.DefaultRequestsPerHour <= 0 {
		cfg.DefaultRequestsPerHour = 1000
	}
	if cfg.ProgressiveMaxDelay <= 0 {
		cfg.ProgressiveMaxDelay = 300
	}
	return &Manager{
		cfg:    cfg,
		states: make(map[string]*State),
		now:    time.Now,
	}
}

// RecordRequest appends the current instant to the domain's window and
// increments the cumulative counter. Called exactly once per forwarded
// upstream call and never on a cache hit.
func (m *Manager) RecordRequest(domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s := m.state(domain)
	s.Timestamps = append(s.Timestamps, now)
	s.TotalRequests++
	m.prune(s, now)
}

// ShouldThrottle re-prunes the window and decides. Exceeding the limit
// applies progressive back-off; otherwise a domain already in back-off stays
// throttled until its penalty window has elapsed.
func (m *Manager) ShouldThrottle(domain string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s := m.state(domain)
	m.prune(s, now)

	if len(s.Timestamps) > m.limitFor(domain) {
		s.Violations++
		s.LastViolation = now
		if s.DelaySeconds <= 1 {
			s.DelaySeconds = 2
		} else {
			s.DelaySeconds *= 2
		}
		if s.DelaySeconds > m.cfg.ProgressiveMaxDelay {
			s.DelaySeconds = m.cfg.ProgressiveMaxDelay
		}
		return true
	}
	if s.DelaySeconds > 1 && now.Sub(s.LastViolation) < time.Duration(s.DelaySeconds)*time.Second {
		return true
	}
	return false
}

// Delay returns the domain's current back-off delay in seconds.
func (m *Manager) Delay(domain string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state(domain).DelaySeconds
}

// Limit returns the hourly request limit applied to the domain.
func (m *Manager) Limit(domain string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limitFor(domain)
}

// RateInfo describes a domain's window for the 429 response headers.
type RateInfo struct {
	Limit     int
	Remaining int
	Reset     int // seconds until the oldest request leaves the window
}

// Info reports the domain's current window state.
func (m *Manager) Info(domain string) RateInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s := m.state(domain)
	m.prune(s, now)

	limit := m.limitFor(domain)
	remaining := limit - len(s.Timestamps)
	if remaining < 0 {
		remaining = 0
	}
	reset := 1
	if len(s.Timestamps) > 0 {
		reset = int((Window - now.Sub(s.Timestamps[0])).Seconds())
		if reset < 1 {
			reset = 1
		}
	}
	return RateInfo{Limit: limit, Remaining: remaining, Reset: reset}
}

// Reset clears a domain's throttle state. This is the only way the back-off
// delay returns to its initial value.
func (m *Manager) Reset(domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[domain] = &State{DelaySeconds: 1}
}

// States returns a deep copy of the per-domain map for read-only reporting.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]State, len(m.states))
	for domain, s := range m.states {
		copied := *s
		copied.Timestamps = append([]time.Time(nil), s.Timestamps...)
		out[domain] = copied
	}
	return out
}

// Snapshot serializes the per-domain map to JSON.
func (m *Manager) Snapshot() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return json.Marshal(m.states)
}

// Restore replaces the per-domain map with a previously taken snapshot.
func (m *Manager) Restore(snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make(map[string]*State)
	if err := json.Unmarshal(snapshot, &states); err != nil {
		return fmt.Errorf("failed to decode throttle snapshot: %w", err)
	}
	for _, s := range states {
		if s.DelaySeconds <= 0 {
			s.DelaySeconds = 1
		}
	}
	m.states = states
	return nil
}

// state returns the domain's state, creating it on first touch. Caller
// holds the mutex.
func (m *Manager) state(domain string) *State {
	s, ok := m.states[domain]
	if !ok {
		s = &State{DelaySeconds: 1}
		m.states[domain] = s
	}
	return s
}

func (m *Manager) limitFor(domain string) int {
	if limit, ok := m.cfg.DomainLimits[domain]; ok && limit > 0 {
		return limit
	}
	return m.cfg.DefaultRequestsPerHour
}

// prune drops timestamps that have left the sliding window. Caller holds
// the mutex.
func (m *Manager) prune(s *State, now time.Time) {
	cut := 0
	for cut < len(s.Timestamps) && now.Sub(s.Timestamps[cut]) > Window {
		cut++
	}
	if cut > 0 {
		s.Timestamps = append([]time.Time(nil), s.Timestamps[cut:]...)
	}
}
