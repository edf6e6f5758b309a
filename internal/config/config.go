package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Server struct {
	Port               string `json:"port" yaml:"port"`
	RequestTimeoutSec  int    `json:"request_timeout_sec" yaml:"request_timeout_sec"`
	ShutdownTimeoutSec int    `json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`
	MaxBodyBytes       int64  `json:"max_body_bytes" yaml:"max_body_bytes"`
	// WSRefreshSec is how often /ws/prices re-polls subscribed symbols.
	WSRefreshSec int `json:"ws_refresh_sec" yaml:"ws_refresh_sec"`
}

type Log struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // text or json
}

type Cache struct {
	PriceTTLSec         int  `json:"price_ttl_sec" yaml:"price_ttl_sec"`
	HistoricalTTLSec    int  `json:"historical_ttl_sec" yaml:"historical_ttl_sec"`
	IndicatorsTTLSec    int  `json:"indicators_ttl_sec" yaml:"indicators_ttl_sec"`
	BulkPricesTTLSec    int  `json:"bulk_prices_ttl_sec" yaml:"bulk_prices_ttl_sec"`
	SnapshotTTLSec      int  `json:"snapshot_ttl_sec" yaml:"snapshot_ttl_sec"`
	FundamentalsTTLSec  int  `json:"fundamentals_ttl_sec" yaml:"fundamentals_ttl_sec"`
	EvictionIntervalSec int  `json:"eviction_interval_sec" yaml:"eviction_interval_sec"`
	PruneDurable        bool `json:"prune_durable" yaml:"prune_durable"`
	HistoryWindow       int  `json:"history_window" yaml:"history_window"`
	BulkConcurrency     int  `json:"bulk_concurrency" yaml:"bulk_concurrency"`
	// Router response cache in front of the adapters.
	RouterTTLSec      int `json:"router_ttl_sec" yaml:"router_ttl_sec"`
	RouterStaleTTLSec int `json:"router_stale_ttl_sec" yaml:"router_stale_ttl_sec"`
	RouterMaxItems    int `json:"router_max_items" yaml:"router_max_items"`
}

type Redis struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

type Store struct {
	// Driver is memory, redis, postgres or sqlite3.
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
	Redis  Redis  `json:"redis" yaml:"redis"`
}

// UserOverride replaces routing defaults for one user.
type UserOverride struct {
	Primary  map[string]string `json:"primary" yaml:"primary"`
	Fallback []string          `json:"fallback" yaml:"fallback"`
}

type Routing struct {
	DefaultProvider string `json:"default_provider" yaml:"default_provider"`
	// Primary maps a data category (quote, bars, ...) to its first source.
	Primary  map[string]string `json:"primary" yaml:"primary"`
	Fallback []string          `json:"fallback" yaml:"fallback"`
	// Tiers maps a tier to the sources it may use; an empty list allows all.
	Tiers       map[string][]string     `json:"tiers" yaml:"tiers"`
	DefaultTier string                  `json:"default_tier" yaml:"default_tier"`
	UserTier    string                  `json:"user_tier" yaml:"user_tier"`
	Users       map[string]UserOverride `json:"users" yaml:"users"`

	CallTimeoutSec     int `json:"call_timeout_sec" yaml:"call_timeout_sec"`
	BreakerThreshold   int `json:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerCooldownSec int `json:"breaker_cooldown_sec" yaml:"breaker_cooldown_sec"`
}

type Health struct {
	TTLSec      int `json:"ttl_sec" yaml:"ttl_sec"`
	IntervalSec int `json:"interval_sec" yaml:"interval_sec"`
	TimeoutSec  int `json:"timeout_sec" yaml:"timeout_sec"`
}

// Provider holds the settings shared by every upstream. Fields a given
// source has no use for are ignored.
type Provider struct {
	Enabled               bool   `json:"enabled" yaml:"enabled"`
	APIKey                string `json:"api_key" yaml:"api_key"`
	AppSecret             string `json:"app_secret" yaml:"app_secret"`
	AccessToken           string `json:"access_token" yaml:"access_token"`
	Endpoint              string `json:"endpoint" yaml:"endpoint"`
	Market                string `json:"market" yaml:"market"`
	MaxRequestsPerMinute  int    `json:"max_requests_per_minute" yaml:"max_requests_per_minute"`
	MinRequestIntervalSec int    `json:"min_request_interval_sec" yaml:"min_request_interval_sec"`
	Burst                 int    `json:"burst" yaml:"burst"`
	TimeoutSec            int    `json:"timeout_sec" yaml:"timeout_sec"`
	Retries               int    `json:"retries" yaml:"retries"`
}

type Providers struct {
	Synthetic    Provider `json:"synthetic" yaml:"synthetic"`
	Finnhub      Provider `json:"finnhub" yaml:"finnhub"`
	AlphaVantage Provider `json:"alphavantage" yaml:"alphavantage"`
	Yahoo        Provider `json:"yahoo" yaml:"yahoo"`
	Longport     Provider `json:"longport" yaml:"longport"`
}

type Config struct {
	Server    Server    `json:"server" yaml:"server"`
	Log       Log       `json:"log" yaml:"log"`
	Cache     Cache     `json:"cache" yaml:"cache"`
	Store     Store     `json:"store" yaml:"store"`
	Routing   Routing   `json:"routing" yaml:"routing"`
	Health    Health    `json:"health" yaml:"health"`
	Providers Providers `json:"providers" yaml:"providers"`
	// Warmup symbols are loaded when the server starts.
	Warmup []string `json:"warmup" yaml:"warmup"`
}

func Default() Config {
	return Config{
		Server: Server{Port: "8080", RequestTimeoutSec: 10, ShutdownTimeoutSec: 10, MaxBodyBytes: 1 << 20, WSRefreshSec: 5},
		Log:    Log{Level: "info", Format: "text"},
		Cache: Cache{
			PriceTTLSec:         30,
			HistoricalTTLSec:    6 * 3600,
			IndicatorsTTLSec:    15 * 60,
			BulkPricesTTLSec:    60,
			SnapshotTTLSec:      60,
			FundamentalsTTLSec:  24 * 3600,
			EvictionIntervalSec: 60,
			HistoryWindow:       30,
			BulkConcurrency:     8,
			RouterTTLSec:        0,
			RouterStaleTTLSec:   24 * 3600,
			RouterMaxItems:      50000,
		},
		Store: Store{Driver: "memory", Redis: Redis{Addr: "localhost:6379", Prefix: "md:"}},
		Routing: Routing{
			DefaultProvider:    "yahoo",
			Fallback:           []string{"finnhub", "alphavantage", "synthetic"},
			CallTimeoutSec:     8,
			BreakerThreshold:   5,
			BreakerCooldownSec: 30,
		},
		Health: Health{TTLSec: 60, TimeoutSec: 5},
		Providers: Providers{
			Synthetic: Provider{Enabled: false},
			Finnhub: Provider{
				Enabled:              false,
				MaxRequestsPerMinute: 60,
				Burst:                5,
				TimeoutSec:           10,
				Retries:              3,
			},
			AlphaVantage: Provider{
				Enabled:              false,
				MaxRequestsPerMinute: 5,
				Burst:                1,
				TimeoutSec:           15,
				Retries:              2,
			},
			Yahoo: Provider{
				Enabled:              true,
				MaxRequestsPerMinute: 100,
				Burst:                10,
				Retries:              3,
			},
			Longport: Provider{
				Enabled:              false,
				Market:               "US",
				MaxRequestsPerMinute: 600,
				Burst:                10,
				Retries:              2,
			},
		},
	}
}

// Load reads a JSON or YAML config from path, then .env, then the
// environment. An empty path picks up ./config.json or ./config.yaml when
// present; a missing file yields defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		for _, p := range []string{"config.json", "config.yaml", "config.yml"} {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := decode(path, b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	// real environment wins over .env
	_ = godotenv.Load()
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func decode(path string, b []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(b, cfg)
	default:
		return json.Unmarshal(b, cfg)
	}
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "memory", "redis", "postgres", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want memory, redis, postgres or sqlite3", c.Store.Driver))
	}
	if (c.Store.Driver == "postgres" || c.Store.Driver == "sqlite3") && c.Store.DSN == "" {
		errs = append(errs, fmt.Errorf("store.dsn is required for %s", c.Store.Driver))
	}
	for name, v := range map[string]int{
		"cache.price_ttl_sec":        c.Cache.PriceTTLSec,
		"cache.historical_ttl_sec":   c.Cache.HistoricalTTLSec,
		"cache.indicators_ttl_sec":   c.Cache.IndicatorsTTLSec,
		"cache.bulk_prices_ttl_sec":  c.Cache.BulkPricesTTLSec,
		"cache.snapshot_ttl_sec":     c.Cache.SnapshotTTLSec,
		"cache.fundamentals_ttl_sec": c.Cache.FundamentalsTTLSec,
		"cache.router_ttl_sec":       c.Cache.RouterTTLSec,
		"cache.router_stale_ttl_sec": c.Cache.RouterStaleTTLSec,
		"health.ttl_sec":             c.Health.TTLSec,
		"routing.call_timeout_sec":   c.Routing.CallTimeoutSec,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", name, v))
		}
	}
	if c.Routing.UserTier != "" && len(c.Routing.Tiers) > 0 {
		if _, ok := c.Routing.Tiers[c.Routing.UserTier]; !ok {
			errs = append(errs, fmt.Errorf("routing.user_tier %q is not a configured tier", c.Routing.UserTier))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

func applyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			x, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = x
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("PORT", &cfg.Server.Port)
	num("REQUEST_TIMEOUT_SEC", &cfg.Server.RequestTimeoutSec)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	num("PRICE_TTL_SEC", &cfg.Cache.PriceTTLSec)
	num("HISTORICAL_TTL_SEC", &cfg.Cache.HistoricalTTLSec)
	num("INDICATORS_TTL_SEC", &cfg.Cache.IndicatorsTTLSec)
	num("BULK_PRICES_TTL_SEC", &cfg.Cache.BulkPricesTTLSec)
	num("EVICTION_INTERVAL_SEC", &cfg.Cache.EvictionIntervalSec)
	flag("PRUNE_DURABLE", &cfg.Cache.PruneDurable)

	str("STORE_DRIVER", &cfg.Store.Driver)
	str("STORE_DSN", &cfg.Store.DSN)
	str("REDIS_ADDR", &cfg.Store.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Store.Redis.Password)
	num("REDIS_DB", &cfg.Store.Redis.DB)

	str("DEFAULT_PROVIDER", &cfg.Routing.DefaultProvider)
	str("USER_TIER", &cfg.Routing.UserTier)
	if v := os.Getenv("FALLBACK_PROVIDERS"); v != "" {
		cfg.Routing.Fallback = splitCSV(v)
	}
	num("CALL_TIMEOUT_SEC", &cfg.Routing.CallTimeoutSec)
	if v := os.Getenv("WARMUP_SYMBOLS"); v != "" {
		cfg.Warmup = splitCSV(v)
	}

	flag("SYNTHETIC_ENABLED", &cfg.Providers.Synthetic.Enabled)
	str("FINNHUB_API_KEY", &cfg.Providers.Finnhub.APIKey)
	str("ALPHAVANTAGE_API_KEY", &cfg.Providers.AlphaVantage.APIKey)
	flag("YAHOO_ENABLED", &cfg.Providers.Yahoo.Enabled)
	str("LONGPORT_APP_KEY", &cfg.Providers.Longport.APIKey)
	str("LONGPORT_APP_SECRET", &cfg.Providers.Longport.AppSecret)
	str("LONGPORT_ACCESS_TOKEN", &cfg.Providers.Longport.AccessToken)

	// a credential alone is enough to turn a source on
	if cfg.Providers.Finnhub.APIKey != "" {
		cfg.Providers.Finnhub.Enabled = true
	}
	if cfg.Providers.AlphaVantage.APIKey != "" {
		cfg.Providers.AlphaVantage.Enabled = true
	}
	if cfg.Providers.Longport.APIKey != "" && cfg.Providers.Longport.AccessToken != "" {
		cfg.Providers.Longport.Enabled = true
	}
	return errors.Join(errs...)
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
