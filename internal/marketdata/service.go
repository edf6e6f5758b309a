// Package marketdata is the entry point the rest of the application uses
// for prices, bars, indicators and subscriptions. It layers an in-process
// cache and a durable store over the source router and collapses concurrent
// requests for the same key into one upstream fetch.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"marketdata/internal/health"
	"marketdata/internal/indicators"
	"marketdata/internal/preference"
	"marketdata/internal/provider"
	"marketdata/internal/router"
	"marketdata/internal/store"
	"marketdata/internal/store/memstore"
	"marketdata/internal/symbol"
)

// ErrClosed is returned by every operation after Shutdown.
var ErrClosed = errors.New("marketdata: service closed")

// Source tags for values served from a cache tier.
const (
	SourceMemory    = "memory"
	SourcePersisted = "persisted-cache"
)

type Service struct {
	router   *router.Router
	store    store.Store
	resolver preference.Resolver
	monitor  *health.Monitor
	opts     Options
	log      *slog.Logger

	mem  *memCache
	sf   singleflight.Group
	subs *subscriptions

	closed atomic.Bool
	stop   chan struct{}
	wg     sync.WaitGroup

	memoryHits    atomic.Uint64
	routerHits    atomic.Uint64
	persistedHits atomic.Uint64
	upstream      atomic.Uint64
	staleServed   atomic.Uint64
}

// New builds a Service. A nil store means an in-process memstore, a nil
// resolver allows every source and a nil monitor is built from r.
func New(r *router.Router, st store.Store, res preference.Resolver, mon *health.Monitor, opts Options) (*Service, error) {
	if r == nil {
		return nil, errors.New("marketdata: router is required")
	}
	opts.withDefaults()
	if opts.IndicatorLookback == 0 {
		opts.IndicatorLookback = indicators.Lookback
	}
	if opts.IndicatorLookback < indicators.MinBars {
		return nil, fmt.Errorf("marketdata: indicator lookback %d is below the %d bars indicators need", opts.IndicatorLookback, indicators.MinBars)
	}
	if st == nil {
		st = memstore.New()
	}
	if res == nil {
		res = &preference.Static{}
	}
	if mon == nil {
		mon = health.New(r, health.Options{Now: opts.Now, Logger: opts.Logger})
	}

	log := opts.Logger.With("component", "marketdata")
	s := &Service{
		router:   r,
		store:    st,
		resolver: res,
		monitor:  mon,
		opts:     opts,
		log:      log,
		mem:      newMemCache(opts.Shards),
		subs:     newSubscriptions(log),
		stop:     make(chan struct{}),
	}
	if opts.EvictionInterval > 0 {
		s.wg.Add(1)
		go s.evictLoop()
	}
	return s, nil
}

// cached describes one category served through both cache tiers.
type cached[T any] struct {
	key   string
	ttl   time.Duration
	fetch func(ctx context.Context) (T, router.Origin, error)
	// tag returns a copy of v labelled with the source it was served from.
	tag func(v T, source string) T
	// refreshed runs after a fresh upstream value has been cached.
	refreshed func(v T)
}

type result[T any] struct {
	v   T
	src string
}

// load serves c from tier-1, else joins or starts the shared fetch for
// c.key. The shared fetch outlives the caller that started it; every
// waiter returns when its own ctx is done.
func load[T any](ctx context.Context, s *Service, c cached[T]) (T, error) {
	var zero T
	if s.closed.Load() {
		return zero, ErrClosed
	}
	if e, ok := s.mem.get(c.key, s.opts.Now()); ok {
		s.memoryHits.Add(1)
		return c.tag(e.value.(T), SourceMemory), nil
	}

	ch := s.sf.DoChan(c.key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.FetchTimeout)
		defer cancel()
		return fill(fctx, s, c)
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		r := res.Val.(result[T])
		return c.tag(r.v, r.src), nil
	}
}

func fill[T any](ctx context.Context, s *Service, c cached[T]) (result[T], error) {
	now := s.opts.Now()
	// a fetch that finished just before this flight started
	if e, ok := s.mem.get(c.key, now); ok {
		s.memoryHits.Add(1)
		return result[T]{v: e.value.(T), src: SourceMemory}, nil
	}
	if v, rec, ok := persisted[T](ctx, s, c.key, now); ok {
		s.persistedHits.Add(1)
		s.mem.set(c.key, entry{value: v, source: rec.Source, fetchedAt: rec.FetchedAt, expiresAt: rec.ExpiresAt})
		return result[T]{v: v, src: SourcePersisted}, nil
	}

	v, o, err := c.fetch(ctx)
	if err != nil {
		return result[T]{}, err
	}
	switch {
	case o.Source == router.SourceStale:
		s.staleServed.Add(1)
	case o.Cached:
		// the router already held it; keep its age and do not re-announce
		s.routerHits.Add(1)
		if o.FetchedAt.Add(c.ttl).After(now) {
			s.persist(ctx, c.key, v, o.Source, o.FetchedAt, c.ttl)
		}
	default:
		s.upstream.Add(1)
		s.persist(ctx, c.key, v, o.Source, now, c.ttl)
		if c.refreshed != nil {
			c.refreshed(v)
		}
	}
	return result[T]{v: v, src: o.Source}, nil
}

func persisted[T any](ctx context.Context, s *Service, key string, now time.Time) (T, store.Record, bool) {
	var v T
	rec, err := s.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Warn("durable cache read failed", "key", key, "error", err)
		}
		return v, rec, false
	}
	if !rec.Fresh(now) {
		return v, rec, false
	}
	if err := json.Unmarshal(rec.Value, &v); err != nil {
		s.log.Warn("durable cache record undecodable", "key", key, "error", err)
		return v, rec, false
	}
	return v, rec, true
}

// persist writes v to both tiers stamped with the instant its fetch started.
func (s *Service) persist(ctx context.Context, key string, v any, src string, fetchedAt time.Time, ttl time.Duration) {
	exp := fetchedAt.Add(ttl)
	s.mem.set(key, entry{value: v, source: src, fetchedAt: fetchedAt, expiresAt: exp})

	b, err := json.Marshal(v)
	if err != nil {
		s.log.Warn("durable cache encode failed", "key", key, "error", err)
		return
	}
	if err := s.store.Set(ctx, key, store.Record{Value: b, Source: src, FetchedAt: fetchedAt, ExpiresAt: exp}); err != nil {
		s.log.Warn("durable cache write failed", "key", key, "error", err)
	}
}

func (s *Service) preference(ctx context.Context, cat provider.Category) (router.Preference, error) {
	if s.opts.UserTier != "" && preference.TierFrom(ctx) == "" {
		ctx = preference.WithTier(ctx, s.opts.UserTier)
	}
	pref, err := s.resolver.Resolve(ctx, cat)
	if err != nil {
		return pref, fmt.Errorf("resolve %s preference: %w", cat, err)
	}
	if pref.Primary == "" {
		pref.Primary = s.opts.DefaultProvider
	}
	return pref, nil
}

func canonical(raw string, cat provider.Category) (string, error) {
	sym := symbol.Normalize(raw)
	if !symbol.IsValid(sym) {
		return "", provider.NewError(provider.CodeInvalidSymbol, "", raw, cat, fmt.Errorf("invalid symbol %q", raw))
	}
	return sym, nil
}

// IsSymbolValid reports whether raw normalizes to an accepted symbol.
func (s *Service) IsSymbolValid(raw string) bool {
	return symbol.IsValid(raw)
}

// GetCurrentPrice returns the latest quote for raw. Source is the provider
// name, SourceMemory, SourcePersisted or router.SourceStale.
func (s *Service) GetCurrentPrice(ctx context.Context, raw string) (*provider.Quote, error) {
	return s.price(ctx, raw, s.opts.TTL.Price)
}

func (s *Service) price(ctx context.Context, raw string, ttl time.Duration) (*provider.Quote, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	sym, err := canonical(raw, provider.CategoryQuote)
	if err != nil {
		return nil, err
	}
	return load(ctx, s, cached[*provider.Quote]{
		key: "quote:" + sym,
		ttl: ttl,
		fetch: func(ctx context.Context) (*provider.Quote, router.Origin, error) {
			pref, err := s.preference(ctx, provider.CategoryQuote)
			if err != nil {
				return nil, router.Origin{}, err
			}
			return s.router.Quote(ctx, sym, pref)
		},
		tag: func(q *provider.Quote, src string) *provider.Quote {
			c := *q
			c.Source = src
			return &c
		},
		refreshed: func(q *provider.Quote) {
			n := *q
			n.Symbol = sym
			s.subs.notify(n)
		},
	})
}

// GetBulkPrices fetches every symbol through the GetCurrentPrice path.
// Both maps are keyed by the normalized symbol; a symbol is in exactly one
// of them.
func (s *Service) GetBulkPrices(ctx context.Context, symbols []string) (map[string]*provider.Quote, map[string]error) {
	quotes := make(map[string]*provider.Quote, len(symbols))
	errs := make(map[string]error)

	var (
		mu   sync.Mutex
		g    errgroup.Group
		seen = make(map[string]struct{}, len(symbols))
	)
	g.SetLimit(s.opts.BulkConcurrency)
	for _, raw := range symbols {
		sym := symbol.Normalize(raw)
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		g.Go(func() error {
			q, err := s.price(ctx, sym, s.opts.TTL.BulkPrices)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[sym] = err
			} else {
				quotes[sym] = q
			}
			return nil
		})
	}
	_ = g.Wait()
	return quotes, errs
}

func (s *Service) GetSnapshot(ctx context.Context, raw string) (*provider.Snapshot, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	sym, err := canonical(raw, provider.CategorySnapshot)
	if err != nil {
		return nil, err
	}
	return load(ctx, s, cached[*provider.Snapshot]{
		key: "snapshot:" + sym,
		ttl: s.opts.TTL.Snapshot,
		fetch: func(ctx context.Context) (*provider.Snapshot, router.Origin, error) {
			pref, err := s.preference(ctx, provider.CategorySnapshot)
			if err != nil {
				return nil, router.Origin{}, err
			}
			return s.router.Snapshot(ctx, sym, pref)
		},
		tag: func(v *provider.Snapshot, src string) *provider.Snapshot {
			c := *v
			c.Source = src
			return &c
		},
	})
}

func (s *Service) GetFundamentals(ctx context.Context, raw string) (*provider.Fundamentals, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	sym, err := canonical(raw, provider.CategoryFundamentals)
	if err != nil {
		return nil, err
	}
	return load(ctx, s, cached[*provider.Fundamentals]{
		key: "fundamentals:" + sym,
		ttl: s.opts.TTL.Fundamentals,
		fetch: func(ctx context.Context) (*provider.Fundamentals, router.Origin, error) {
			pref, err := s.preference(ctx, provider.CategoryFundamentals)
			if err != nil {
				return nil, router.Origin{}, err
			}
			return s.router.Fundamentals(ctx, sym, pref)
		},
		tag: func(v *provider.Fundamentals, src string) *provider.Fundamentals {
			c := *v
			c.Source = src
			return &c
		},
	})
}

// SubscribeToPrice registers cb for every successful upstream refresh of
// the symbol, whichever call triggered it. Callbacks run on one dispatcher
// goroutine in registration order and must not block for long.
func (s *Service) SubscribeToPrice(raw string, cb func(provider.Quote)) (*Subscription, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if cb == nil {
		return nil, errors.New("marketdata: nil callback")
	}
	sym, err := canonical(raw, provider.CategoryQuote)
	if err != nil {
		return nil, err
	}
	return s.subs.add(sym, cb, s.opts.Now()), nil
}

// WarmupCache loads the current price and the default daily history for
// every symbol through the same paths as on-demand requests. It attempts
// every symbol and returns the joined failures.
func (s *Service) WarmupCache(ctx context.Context, symbols []string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(s.opts.BulkConcurrency)
	for _, raw := range symbols {
		g.Go(func() error {
			var failed []error
			if _, err := s.GetCurrentPrice(ctx, raw); err != nil {
				failed = append(failed, fmt.Errorf("warmup %s price: %w", raw, err))
			}
			q := HistoricalQuery{Symbol: raw, Timeframe: provider.Day1, Limit: s.opts.HistoryWindow}
			if _, err := s.GetHistoricalData(ctx, q); err != nil {
				failed = append(failed, fmt.Errorf("warmup %s history: %w", raw, err))
			}
			if len(failed) > 0 {
				mu.Lock()
				errs = append(errs, failed...)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(errs) > 0 {
		s.log.Warn("warmup incomplete", "symbols", len(symbols), "failures", len(errs))
	}
	return errors.Join(errs...)
}

// GetProvidersStatus reports cached provider health. It returns nil after
// Shutdown.
func (s *Service) GetProvidersStatus(ctx context.Context) []health.ProviderStatus {
	if s.closed.Load() {
		return nil
	}
	return s.monitor.Status(ctx)
}

// Health is the full report including the durable store.
func (s *Service) Health(ctx context.Context) health.Report {
	return s.monitor.Check(ctx)
}

// Stats is a point-in-time view of cache usage.
type Stats struct {
	MemoryEntries   int    `json:"memory_entries"`
	RouterEntries   int    `json:"router_entries"`
	Subscriptions   int    `json:"subscriptions"`
	MemoryHits      uint64 `json:"memory_hits"`
	RouterHits      uint64 `json:"router_hits"`
	PersistedHits   uint64 `json:"persisted_hits"`
	UpstreamFetches uint64 `json:"upstream_fetches"`
	StaleServed     uint64 `json:"stale_served"`
}

func (s *Service) Stats() Stats {
	return Stats{
		MemoryEntries:   s.mem.len(),
		RouterEntries:   s.router.CacheLen(),
		Subscriptions:   s.subs.count(),
		MemoryHits:      s.memoryHits.Load(),
		RouterHits:      s.routerHits.Load(),
		PersistedHits:   s.persistedHits.Load(),
		UpstreamFetches: s.upstream.Load(),
		StaleServed:     s.staleServed.Load(),
	}
}

// Evict runs one eviction pass and returns the number of entries removed.
func (s *Service) Evict(ctx context.Context) int {
	now := s.opts.Now()
	mem := s.mem.evict(now)
	rt := s.router.Sweep(now)
	durable := 0
	if s.opts.PruneDurable {
		n, err := s.store.Prune(ctx, now)
		if err != nil {
			s.log.Warn("durable cache prune failed", "error", err)
		}
		durable = n
	}
	s.log.Debug("cache eviction", "memory", mem, "router", rt, "durable", durable)
	return mem + rt + durable
}

func (s *Service) evictLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.EvictionInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.FetchTimeout)
			s.Evict(ctx)
			cancel()
		}
	}
}

// Shutdown stops the background loops and the subscription dispatcher and
// closes every registered adapter. The store is owned by the caller and
// stays open. Calling Shutdown again returns ErrClosed.
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	close(s.stop)
	dispatched := s.subs.close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-dispatched
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("marketdata: shutdown: %w", ctx.Err()))
	}
	if err := s.router.Registry().Close(); err != nil {
		errs = append(errs, err)
	}
	s.log.Info("market data service stopped")
	return errors.Join(errs...)
}
