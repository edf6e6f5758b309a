package marketdata

import (
	"log/slog"
	"time"
)

// TTLs are the freshness windows per data category.
type TTLs struct {
	Price        time.Duration
	Historical   time.Duration
	Indicators   time.Duration
	BulkPrices   time.Duration
	Snapshot     time.Duration
	Fundamentals time.Duration
}

// DefaultTTLs mirror typical quote/bar refresh cadences.
func DefaultTTLs() TTLs {
	return TTLs{
		Price:        30 * time.Second,
		Historical:   6 * time.Hour,
		Indicators:   15 * time.Minute,
		BulkPrices:   60 * time.Second,
		Snapshot:     60 * time.Second,
		Fundamentals: 24 * time.Hour,
	}
}

// Options configure a Service. They are read once by New.
type Options struct {
	TTL TTLs

	// DefaultProvider is tried first when the resolver names no primary.
	DefaultProvider string
	// UserTier applies to requests whose context carries no tier.
	UserTier string

	// EvictionInterval drives the background sweep. Zero means one minute,
	// negative disables the loop.
	EvictionInterval time.Duration
	// PruneDurable also deletes expired rows from the durable store.
	PruneDurable bool

	// HistoryWindow is the number of daily bars warmed per symbol, default 30.
	HistoryWindow int
	// IndicatorLookback is the number of daily bars requested for
	// indicators, default indicators.Lookback.
	IndicatorLookback int

	BulkConcurrency int
	// FetchTimeout bounds a shared upstream fetch, default 30s.
	FetchTimeout time.Duration
	// Shards is the tier-1 shard count, default 32.
	Shards int

	Now    func() time.Time
	Logger *slog.Logger
}

func (o *Options) withDefaults() {
	def := DefaultTTLs()
	for _, f := range []struct {
		v *time.Duration
		d time.Duration
	}{
		{&o.TTL.Price, def.Price},
		{&o.TTL.Historical, def.Historical},
		{&o.TTL.Indicators, def.Indicators},
		{&o.TTL.BulkPrices, def.BulkPrices},
		{&o.TTL.Snapshot, def.Snapshot},
		{&o.TTL.Fundamentals, def.Fundamentals},
	} {
		if *f.v <= 0 {
			*f.v = f.d
		}
	}
	if o.EvictionInterval == 0 {
		o.EvictionInterval = time.Minute
	}
	if o.HistoryWindow <= 0 {
		o.HistoryWindow = 30
	}
	if o.BulkConcurrency <= 0 {
		o.BulkConcurrency = 8
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 30 * time.Second
	}
	if o.Shards <= 0 {
		o.Shards = 32
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
