package provider

import (
	"context"
	"sync"
	"time"
)

// DefaultHealthTTL is how long a probe result is reused.
const DefaultHealthTTL = 60 * time.Second

// HealthCheck caches the result of a cheap known-good request so repeated
// health checks do not eat into the provider's rate limit.
type HealthCheck struct {
	TTL   time.Duration
	Probe func(ctx context.Context) error

	mu      sync.Mutex
	checked time.Time
	healthy bool
	latency time.Duration
}

// Healthy returns the cached result or probes when it is older than TTL.
// Concurrent callers during a probe wait for it rather than probing again.
func (h *HealthCheck) Healthy(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	ttl := h.TTL
	if ttl <= 0 {
		ttl = DefaultHealthTTL
	}
	if !h.checked.IsZero() && time.Since(h.checked) < ttl {
		return h.healthy
	}
	start := time.Now()
	var err error
	if h.Probe != nil {
		err = h.Probe(ctx)
	}
	h.latency = time.Since(start)
	h.checked = time.Now()
	h.healthy = err == nil
	return h.healthy
}

// Last returns the most recent probe result without probing.
func (h *HealthCheck) Last() (healthy bool, checked time.Time, latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy, h.checked, h.latency
}
