// Package app assembles the service from configuration. Both binaries
// share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"marketdata/internal/config"
	"marketdata/internal/health"
	"marketdata/internal/httpx"
	"marketdata/internal/marketdata"
	"marketdata/internal/preference"
	"marketdata/internal/provider"
	"marketdata/internal/provider/alphavantage"
	"marketdata/internal/provider/alphavantageadapter"
	"marketdata/internal/provider/finnhub"
	"marketdata/internal/provider/longport"
	"marketdata/internal/provider/ratelimit"
	"marketdata/internal/provider/synthetic"
	"marketdata/internal/provider/yahoo"
	"marketdata/internal/router"
	"marketdata/internal/store"
	"marketdata/internal/store/memstore"
	"marketdata/internal/store/redisstore"
	"marketdata/internal/store/sqlstore"
)

type App struct {
	Config  config.Config
	Log     *slog.Logger
	Store   store.Store
	Router  *router.Router
	Monitor *health.Monitor
	Service *marketdata.Service
}

// New opens the store, builds every enabled adapter and starts the service.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	st, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	adapters, err := Adapters(cfg, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	reg, err := router.NewRegistry(adapters...)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	r := router.New(reg, router.Options{
		CacheTTL:         seconds(cfg.Cache.RouterTTLSec),
		StaleTTL:         seconds(cfg.Cache.RouterStaleTTLSec),
		MaxCacheItems:    cfg.Cache.RouterMaxItems,
		CallTimeout:      seconds(cfg.Routing.CallTimeoutSec),
		BreakerThreshold: cfg.Routing.BreakerThreshold,
		BreakerCooldown:  seconds(cfg.Routing.BreakerCooldownSec),
		Logger:           log,
	})
	mon := health.New(r, health.Options{
		TTL:      seconds(cfg.Health.TTLSec),
		Interval: seconds(cfg.Health.IntervalSec),
		Timeout:  seconds(cfg.Health.TimeoutSec),
		Store:    st,
		Logger:   log,
	})
	svc, err := marketdata.New(r, st, Resolver(cfg.Routing), mon, marketdata.Options{
		TTL: marketdata.TTLs{
			Price:        seconds(cfg.Cache.PriceTTLSec),
			Historical:   seconds(cfg.Cache.HistoricalTTLSec),
			Indicators:   seconds(cfg.Cache.IndicatorsTTLSec),
			BulkPrices:   seconds(cfg.Cache.BulkPricesTTLSec),
			Snapshot:     seconds(cfg.Cache.SnapshotTTLSec),
			Fundamentals: seconds(cfg.Cache.FundamentalsTTLSec),
		},
		DefaultProvider:  cfg.Routing.DefaultProvider,
		UserTier:         cfg.Routing.UserTier,
		EvictionInterval: seconds(cfg.Cache.EvictionIntervalSec),
		PruneDurable:     cfg.Cache.PruneDurable,
		HistoryWindow:    cfg.Cache.HistoryWindow,
		BulkConcurrency:  cfg.Cache.BulkConcurrency,
		Logger:           log,
	})
	if err != nil {
		_ = reg.Close()
		_ = st.Close()
		return nil, err
	}
	log.Info("market data service ready", "providers", strings.Join(reg.Names(), ","), "store", cfg.Store.Driver)
	return &App{Config: cfg, Log: log, Store: st, Router: r, Monitor: mon, Service: svc}, nil
}

// Close shuts the service down, then releases the store.
func (a *App) Close(ctx context.Context) error {
	err := a.Service.Shutdown(ctx)
	if errors.Is(err, marketdata.ErrClosed) {
		err = nil
	}
	return errors.Join(err, a.Store.Close())
}

// NewLogger builds the process logger. Unknown levels mean info.
func NewLogger(c config.Log, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func OpenStore(ctx context.Context, c config.Store) (store.Store, error) {
	switch c.Driver {
	case "", "memory":
		return memstore.New(), nil
	case "redis":
		s, err := redisstore.Open(ctx, redisstore.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Prefix:   c.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres", "sqlite3":
		s, err := sqlstore.Open(ctx, c.Driver, c.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", c.Driver)
}

// Adapters builds every enabled provider behind its rate limit. Sources
// that are enabled but lack credentials are skipped with a warning.
func Adapters(cfg config.Config, log *slog.Logger) ([]provider.Adapter, error) {
	p := cfg.Providers
	healthTTL := seconds(cfg.Health.TTLSec)
	client := httpx.New(seconds(cfg.Server.RequestTimeoutSec))

	var out []provider.Adapter
	add := func(a provider.Adapter, pc config.Provider) {
		gate := ratelimit.ForCapabilities(a.Capabilities(), pc.MaxRequestsPerMinute, pc.Burst, seconds(pc.MinRequestIntervalSec))
		out = append(out, ratelimit.Wrap(a, gate))
	}

	if p.Yahoo.Enabled {
		add(yahoo.New(yahoo.Config{HealthTTL: healthTTL, Retry: retry(p.Yahoo)}), p.Yahoo)
	}
	if p.Finnhub.Enabled {
		if p.Finnhub.APIKey == "" {
			log.Warn("finnhub enabled but FINNHUB_API_KEY not set; skipping")
		} else {
			add(finnhub.New(finnhub.Config{
				APIKey:             p.Finnhub.APIKey,
				BaseURL:            p.Finnhub.Endpoint,
				Timeout:            seconds(p.Finnhub.TimeoutSec),
				HealthTTL:          healthTTL,
				Retry:              retry(p.Finnhub),
				RateLimitPerMinute: p.Finnhub.MaxRequestsPerMinute,
				Transport:          client.Transport(),
			}), p.Finnhub)
		}
	}
	if p.AlphaVantage.Enabled {
		if p.AlphaVantage.APIKey == "" {
			log.Warn("alphavantage enabled but ALPHAVANTAGE_API_KEY not set; skipping")
		} else {
			opts := []alphavantage.ClientOption{
				alphavantage.WithHTTPClient(client.HTTP),
				alphavantage.WithHeader(http.Header{"User-Agent": []string{httpx.DefaultUserAgent}}),
			}
			if p.AlphaVantage.Endpoint != "" {
				opts = append(opts, alphavantage.WithBaseURL(p.AlphaVantage.Endpoint))
			}
			c, err := alphavantage.NewClient(p.AlphaVantage.APIKey, opts...)
			if err != nil {
				log.Warn("alphavantage client", "error", err)
			} else {
				add(alphavantageadapter.New(alphavantageadapter.Config{
					HealthTTL:          healthTTL,
					Retry:              retry(p.AlphaVantage),
					RateLimitPerMinute: p.AlphaVantage.MaxRequestsPerMinute,
				}, c), p.AlphaVantage)
			}
		}
	}
	if p.Longport.Enabled {
		lp, err := longport.Dial(longport.Config{
			AppKey:      p.Longport.APIKey,
			AppSecret:   p.Longport.AppSecret,
			AccessToken: p.Longport.AccessToken,
			HealthTTL:   healthTTL,
			Retry:       retry(p.Longport),
			Market:      p.Longport.Market,
		})
		if err != nil {
			log.Warn("longport unavailable; skipping", "error", err)
		} else {
			add(lp, p.Longport)
		}
	}
	if p.Synthetic.Enabled {
		add(synthetic.New(synthetic.Config{}), p.Synthetic)
	}

	if len(out) == 0 {
		return nil, errors.New("no provider enabled")
	}
	return out, nil
}

// Resolver turns the routing section into a static preference table.
func Resolver(c config.Routing) *preference.Static {
	primary := make(map[provider.Category]string, len(c.Primary))
	for cat, name := range c.Primary {
		primary[provider.Category(cat)] = name
	}
	users := make(map[string]preference.Override, len(c.Users))
	for id, u := range c.Users {
		o := preference.Override{Fallback: u.Fallback, Primary: make(map[provider.Category]string, len(u.Primary))}
		for cat, name := range u.Primary {
			o.Primary[provider.Category(cat)] = name
		}
		users[id] = o
	}
	return &preference.Static{
		Tiers:          c.Tiers,
		DefaultTier:    c.DefaultTier,
		Primary:        primary,
		DefaultPrimary: c.DefaultProvider,
		Fallback:       c.Fallback,
		Users:          users,
	}
}

func retry(pc config.Provider) provider.RetryPolicy {
	rp := provider.DefaultRetryPolicy()
	if pc.Retries > 0 {
		rp.MaxAttempts = pc.Retries
	}
	return rp
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
