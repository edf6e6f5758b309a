// Package router picks an upstream source for each request, falls back
// across sources on failure and keeps a short-lived response cache.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"marketdata/internal/provider"
	"marketdata/internal/symbol"
)

// SourceStale tags a value served from the router cache after every live
// candidate failed.
const SourceStale = "cache-stale"

// Origin says where an answer came from.
type Origin struct {
	// Source is the answering provider, or SourceStale.
	Source string
	// FetchedAt is when the provider produced the value. It is zero for a
	// live call; the caller knows when it asked.
	FetchedAt time.Time
	// Cached is set when the value came from the router cache.
	Cached bool
}

// Preference is the per-request source selection.
type Preference struct {
	// Primary is tried first when it is available.
	Primary string
	// Fallback is tried next, in order, skipping unavailable entries.
	Fallback []string
	// Available lists the sources the caller may use. Empty means all.
	Available []string
}

type Options struct {
	// Fallback is appended after the request's own fallback list.
	Fallback []string
	// CacheTTL is how long a response is served fresh. Zero disables fresh
	// reads but still keeps responses for stale fallback.
	CacheTTL time.Duration
	// StaleTTL bounds how long a response is kept for stale fallback.
	StaleTTL      time.Duration
	MaxCacheItems int
	// CallTimeout bounds every adapter call. Zero means no extra bound.
	CallTimeout time.Duration
	// BreakerThreshold consecutive failures open a provider's breaker for
	// BreakerCooldown. Zero disables breakers.
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Now              func() time.Time
	Logger           *slog.Logger
}

type Router struct {
	reg   *Registry
	opts  Options
	cache *cache
	log   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*breaker
}

func New(reg *Registry, opts Options) *Router {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StaleTTL == 0 {
		opts.StaleTTL = 24 * time.Hour
	}
	if opts.BreakerCooldown == 0 {
		opts.BreakerCooldown = 30 * time.Second
	}
	return &Router{
		reg:      reg,
		opts:     opts,
		cache:    newCache(opts.CacheTTL, opts.StaleTTL, opts.MaxCacheItems),
		log:      opts.Logger.With("component", "router"),
		breakers: make(map[string]*breaker),
	}
}

func (r *Router) Registry() *Registry { return r.reg }

// Candidates returns the adapters to try, in order: primary, request
// fallback, router fallback, then every other available source in
// registration order.
func (r *Router) Candidates(pref Preference) []provider.Adapter {
	names := r.reg.Names()
	avail := make(map[string]bool, len(names))
	if len(pref.Available) == 0 {
		for _, n := range names {
			avail[n] = true
		}
	} else {
		for _, n := range pref.Available {
			avail[n] = true
		}
	}

	var out []provider.Adapter
	seen := make(map[string]bool, len(names))
	add := func(name string) {
		if name == "" || seen[name] || !avail[name] {
			return
		}
		a, ok := r.reg.Get(name)
		if !ok {
			return
		}
		seen[name] = true
		out = append(out, a)
	}
	add(pref.Primary)
	for _, n := range pref.Fallback {
		add(n)
	}
	for _, n := range r.opts.Fallback {
		add(n)
	}
	for _, n := range names {
		add(n)
	}
	return out
}

type request struct {
	cat   provider.Category
	sym   string
	key   string
	pref  Preference
	start time.Time // bars only
}

func key(cat provider.Category, sym string, params ...string) string {
	k := string(cat) + "|" + sym
	for _, p := range params {
		k += "|" + p
	}
	return k
}

// ineligible reports why an adapter cannot serve req, or "" when it can.
func (r *Router) ineligible(a provider.Adapter, req request) string {
	caps := a.Capabilities()
	if !caps.Supports(req.cat) {
		return "category not supported"
	}
	switch symbol.Classify(req.sym) {
	case symbol.Crypto:
		if !caps.Crypto {
			return "crypto not supported"
		}
	case symbol.Forex:
		if !caps.Forex {
			return "forex not supported"
		}
	}
	if req.cat == provider.CategoryFundamentals {
		if _, ok := a.(provider.FundamentalsProvider); !ok {
			return "category not supported"
		}
	}
	if req.cat == provider.CategoryBars && caps.MaxHistoryDays > 0 && !req.start.IsZero() {
		oldest := r.opts.Now().AddDate(0, 0, -caps.MaxHistoryDays)
		if req.start.Before(oldest) {
			return "range exceeds history depth"
		}
	}
	return ""
}

func (r *Router) breaker(name string) *breaker {
	if r.opts.BreakerThreshold <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = newBreaker(r.opts.BreakerThreshold, r.opts.BreakerCooldown)
		r.breakers[name] = b
	}
	return b
}

// countsAgainst reports whether err says something about the provider's
// health rather than about the request.
func countsAgainst(err error) bool {
	switch provider.CodeOf(err) {
	case provider.CodeInvalidSymbol, provider.CodeUnsupported, provider.CodeInsufficientData:
		return false
	}
	return true
}

func call[T any](ctx context.Context, r *Router, a provider.Adapter, req request, fn func(context.Context, provider.Adapter) (T, error)) (v T, err error) {
	if r.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.CallTimeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = provider.NewError(provider.CodeInvalidResponse, a.Name(), req.sym, req.cat, fmt.Errorf("panic: %v", p))
		}
	}()
	v, err = fn(ctx, a)
	return v, provider.Classify(err, a.Name(), req.sym, req.cat)
}

// fetch runs the fallback chain for one request.
func fetch[T any](ctx context.Context, r *Router, req request, fn func(context.Context, provider.Adapter) (T, error)) (T, Origin, error) {
	var zero T
	if e, ok := r.cache.fresh(req.key, r.opts.Now()); ok {
		if v, ok := e.value.(T); ok {
			return v, Origin{Source: e.source, FetchedAt: e.storedAt, Cached: true}, nil
		}
	}

	var errs []error
	for _, a := range r.Candidates(req.pref) {
		name := a.Name()
		if why := r.ineligible(a, req); why != "" {
			errs = append(errs, provider.NewError(provider.CodeUnsupported, name, req.sym, req.cat, errors.New(why)))
			continue
		}
		b := r.breaker(name)
		if !b.allow(r.opts.Now()) {
			errs = append(errs, provider.NewError(provider.CodeNetwork, name, req.sym, req.cat, errors.New("circuit open")))
			continue
		}

		start := time.Now()
		v, err := call(ctx, r, a, req, fn)
		if err == nil {
			b.record(true, r.opts.Now())
			r.cache.put(req.key, v, name, r.opts.Now())
			return v, Origin{Source: name}, nil
		}
		b.record(!countsAgainst(err), r.opts.Now())
		r.log.Warn("provider failed", "provider", name, "category", req.cat, "symbol", req.sym,
			"latency", time.Since(start), "err", err)
		errs = append(errs, err)
		if ctx.Err() != nil {
			return zero, Origin{}, ctx.Err()
		}
	}

	if e, ok := r.cache.stale(req.key, r.opts.Now()); ok {
		if v, ok := e.value.(T); ok {
			r.log.Warn("serving stale response", "category", req.cat, "symbol", req.sym, "from", e.source)
			return v, Origin{Source: SourceStale, FetchedAt: e.storedAt, Cached: true}, nil
		}
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no sources registered"))
	}
	return zero, Origin{}, provider.NewError(provider.CodeNoSourceAvailable, "", req.sym, req.cat, errors.Join(errs...))
}

// Quote returns a quote tagged with the source that answered.
func (r *Router) Quote(ctx context.Context, sym string, pref Preference) (*provider.Quote, Origin, error) {
	req := request{cat: provider.CategoryQuote, sym: sym, key: key(provider.CategoryQuote, sym), pref: pref}
	q, o, err := fetch(ctx, r, req, func(ctx context.Context, a provider.Adapter) (*provider.Quote, error) {
		q, err := a.GetQuote(ctx, sym)
		if err == nil && q == nil {
			err = errors.New("empty quote")
		}
		return q, err
	})
	if err != nil {
		return nil, Origin{}, err
	}
	cp := *q
	cp.Source = o.Source
	return &cp, o, nil
}

// Bars returns bars for [start, end] tagged with the source that answered.
func (r *Router) Bars(ctx context.Context, sym string, tf provider.Timeframe, start, end time.Time, pref Preference) ([]provider.Bar, Origin, error) {
	req := request{
		cat:   provider.CategoryBars,
		sym:   sym,
		key:   key(provider.CategoryBars, sym, string(tf), strconv.FormatInt(start.Unix(), 10), strconv.FormatInt(end.Unix(), 10)),
		pref:  pref,
		start: start,
	}
	bars, o, err := fetch(ctx, r, req, func(ctx context.Context, a provider.Adapter) ([]provider.Bar, error) {
		return a.GetBars(ctx, sym, tf, start, end)
	})
	if err != nil {
		return nil, Origin{}, err
	}
	return append([]provider.Bar(nil), bars...), o, nil
}

func (r *Router) Snapshot(ctx context.Context, sym string, pref Preference) (*provider.Snapshot, Origin, error) {
	req := request{cat: provider.CategorySnapshot, sym: sym, key: key(provider.CategorySnapshot, sym), pref: pref}
	s, o, err := fetch(ctx, r, req, func(ctx context.Context, a provider.Adapter) (*provider.Snapshot, error) {
		s, err := a.GetSnapshot(ctx, sym)
		if err == nil && s == nil {
			err = errors.New("empty snapshot")
		}
		return s, err
	})
	if err != nil {
		return nil, Origin{}, err
	}
	cp := *s
	cp.Source = o.Source
	return &cp, o, nil
}

func (r *Router) Fundamentals(ctx context.Context, sym string, pref Preference) (*provider.Fundamentals, Origin, error) {
	req := request{cat: provider.CategoryFundamentals, sym: sym, key: key(provider.CategoryFundamentals, sym), pref: pref}
	f, o, err := fetch(ctx, r, req, func(ctx context.Context, a provider.Adapter) (*provider.Fundamentals, error) {
		fp, ok := a.(provider.FundamentalsProvider)
		if !ok {
			return nil, provider.ErrUnsupported
		}
		f, err := fp.GetFundamentals(ctx, sym)
		if err == nil && f == nil {
			err = errors.New("empty fundamentals")
		}
		return f, err
	})
	if err != nil {
		return nil, Origin{}, err
	}
	cp := *f
	cp.Source = o.Source
	return &cp, o, nil
}

// HealthCheck probes every registered adapter. It never fails: an adapter
// that panics is reported unhealthy.
func (r *Router) HealthCheck(ctx context.Context) map[string]bool {
	out := make(map[string]bool)
	for _, a := range r.reg.All() {
		out[a.Name()] = r.probe(ctx, a)
	}
	return out
}

func (r *Router) probe(ctx context.Context, a provider.Adapter) (healthy bool) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("health check panicked", "provider", a.Name(), "panic", p)
			healthy = false
		}
	}()
	return a.IsHealthy(ctx)
}

// Probe runs one adapter's health check with panic recovery.
func (r *Router) Probe(ctx context.Context, name string) (bool, error) {
	a, ok := r.reg.Get(name)
	if !ok {
		return false, fmt.Errorf("router: unknown provider %q", name)
	}
	return r.probe(ctx, a), nil
}

// BreakerStates returns the breaker state per provider that has one.
func (r *Router) BreakerStates() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for n, b := range r.breakers {
		out[n] = b.current().String()
	}
	return out
}

// Sweep drops cached responses too old even for stale fallback.
func (r *Router) Sweep(now time.Time) int { return r.cache.sweep(now) }

// CacheLen is the number of retained responses.
func (r *Router) CacheLen() int { return r.cache.len() }
