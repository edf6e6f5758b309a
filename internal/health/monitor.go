// Package health tracks provider liveness for operational tooling. It is
// never on the request path.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"marketdata/internal/router"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ProviderStatus is the last known health of one provider.
type ProviderStatus struct {
	Name      string        `json:"name"`
	Healthy   bool          `json:"healthy"`
	LastCheck time.Time     `json:"last_check"`
	Latency   time.Duration `json:"latency_ns"`
	Breaker   string        `json:"breaker,omitempty"`
}

// Report is the aggregated view served by /healthz.
type Report struct {
	Status    string           `json:"status"`
	Message   string           `json:"message"`
	Providers []ProviderStatus `json:"providers"`
	Store     string           `json:"store,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Pinger is a dependency whose reachability is part of the report.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	// TTL is how long a status is served before re-probing, default 60s.
	TTL time.Duration
	// Interval drives Run, default TTL.
	Interval time.Duration
	// Timeout bounds one probe, default 5s.
	Timeout     time.Duration
	Concurrency int
	Store       Pinger
	Now         func() time.Time
	Logger      *slog.Logger
}

type Monitor struct {
	r    *router.Router
	opts Options
	log  *slog.Logger

	mu       sync.RWMutex
	statuses map[string]ProviderStatus
}

func New(r *router.Router, opts Options) *Monitor {
	if opts.TTL <= 0 {
		opts.TTL = 60 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = opts.TTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Monitor{
		r:        r,
		opts:     opts,
		log:      opts.Logger.With("component", "health"),
		statuses: make(map[string]ProviderStatus),
	}
}

// Status returns every registered provider in registration order,
// re-probing those whose cached status is older than TTL.
func (m *Monitor) Status(ctx context.Context) []ProviderStatus {
	return m.refresh(ctx, false)
}

func (m *Monitor) refresh(ctx context.Context, force bool) []ProviderStatus {
	names := m.r.Registry().Names()
	now := m.opts.Now()

	var stale []string
	m.mu.RLock()
	for _, n := range names {
		st, ok := m.statuses[n]
		if force || !ok || now.Sub(st.LastCheck) >= m.opts.TTL {
			stale = append(stale, n)
		}
	}
	m.mu.RUnlock()

	if len(stale) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.opts.Concurrency)
		for _, n := range stale {
			g.Go(func() error {
				m.probe(gctx, n)
				return nil
			})
		}
		_ = g.Wait()
	}

	breakers := m.r.BreakerStates()
	out := make([]ProviderStatus, 0, len(names))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range names {
		st, ok := m.statuses[n]
		if !ok {
			st = ProviderStatus{Name: n}
		}
		st.Breaker = breakers[n]
		out = append(out, st)
	}
	return out
}

func (m *Monitor) probe(ctx context.Context, name string) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()
	start := time.Now()
	healthy, err := m.r.Probe(ctx, name)
	if err != nil {
		return // unregistered meanwhile
	}
	st := ProviderStatus{Name: name, Healthy: healthy, LastCheck: m.opts.Now(), Latency: time.Since(start)}

	m.mu.Lock()
	prev, seen := m.statuses[name]
	m.statuses[name] = st
	m.mu.Unlock()

	if seen && prev.Healthy != healthy {
		m.log.Info("provider health changed", "provider", name, "healthy", healthy, "latency", st.Latency)
	} else if !healthy {
		m.log.Warn("provider unhealthy", "provider", name, "latency", st.Latency)
	}
}

// Run probes every provider on Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.opts.Interval)
	defer t.Stop()
	m.refresh(ctx, true)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.refresh(ctx, true)
		}
	}
}

// Check builds the full report including the durable store.
func (m *Monitor) Check(ctx context.Context) Report {
	providers := m.Status(ctx)
	rep := Report{Providers: providers, Timestamp: m.opts.Now().UTC()}
	storeOK := true
	if m.opts.Store != nil {
		if err := m.opts.Store.Ping(ctx); err != nil {
			rep.Store = StatusUnhealthy
			storeOK = false
		} else {
			rep.Store = StatusHealthy
		}
	}
	rep.Status = Overall(providers)
	if !storeOK && rep.Status == StatusHealthy {
		rep.Status = StatusDegraded
	}
	switch rep.Status {
	case StatusHealthy:
		rep.Message = "All systems operational"
	case StatusDegraded:
		rep.Message = "Some components are not fully operational"
	default:
		rep.Message = "No provider is healthy"
	}
	return rep
}

// Overall is healthy when every provider is, unhealthy when none is and
// degraded otherwise.
func Overall(st []ProviderStatus) string {
	healthy := 0
	for _, s := range st {
		if s.Healthy {
			healthy++
		}
	}
	switch {
	case len(st) > 0 && healthy == len(st):
		return StatusHealthy
	case healthy == 0:
		return StatusUnhealthy
	}
	return StatusDegraded
}
