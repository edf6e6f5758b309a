package alphavantageadapter

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"marketdata/internal/provider"
	"marketdata/internal/provider/alphavantage"
	"marketdata/internal/symbol"
)

type Config struct {
	Name        string // display name, default: alphavantage
	HealthTTL   time.Duration
	Retry       provider.RetryPolicy
	ProbeSymbol string // cheap known-good symbol for health checks, default: IBM
	// RateLimitPerMinute is reported through Capabilities; the free tier
	// allows 5.
	RateLimitPerMinute int
}

// Adapter serves quotes, bars, snapshots and fundamentals from Alpha Vantage.
type Adapter struct {
	cfg    Config
	client *alphavantage.Client
	health *provider.HealthCheck
	now    func() time.Time
}

func New(cfg Config, client *alphavantage.Client) *Adapter {
	if cfg.Name == "" {
		cfg.Name = "alphavantage"
	}
	if cfg.ProbeSymbol == "" {
		cfg.ProbeSymbol = "IBM"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = provider.DefaultRetryPolicy()
	}
	if cfg.RateLimitPerMinute == 0 {
		cfg.RateLimitPerMinute = 5
	}
	a := &Adapter{cfg: cfg, client: client, now: time.Now}
	a.health = &provider.HealthCheck{TTL: cfg.HealthTTL, Probe: func(ctx context.Context) error {
		_, err := client.GetGlobalQuote(ctx, cfg.ProbeSymbol)
		return err
	}}
	return a
}

func (a *Adapter) Name() string { return a.cfg.Name }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Realtime:           true,
		Historical:         true,
		Fundamentals:       true,
		MaxHistoryDays:     20 * 365,
		RateLimitPerMinute: a.cfg.RateLimitPerMinute,
	}
}

func (a *Adapter) IsHealthy(ctx context.Context) bool { return a.health.Healthy(ctx) }

func (a *Adapter) NormalizeSymbol(s string) string { return symbol.Normalize(s) }

// wireSymbol maps class shares to Alpha Vantage's dotted form (BRK-B → BRK.B).
func wireSymbol(s string) string {
	return strings.ReplaceAll(s, "-", ".")
}

// classify maps client errors onto the shared taxonomy.
func (a *Adapter) classify(err error, sym string, cat provider.Category) error {
	var statusErr *alphavantage.StatusError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, alphavantage.ErrRateLimited):
		return provider.NewError(provider.CodeRateLimited, a.cfg.Name, sym, cat, err)
	case errors.Is(err, alphavantage.ErrInvalidCall):
		return provider.NewError(provider.CodeInvalidSymbol, a.cfg.Name, sym, cat, err)
	case errors.Is(err, alphavantage.ErrUnauthorized):
		return provider.NewError(provider.CodeInvalidResponse, a.cfg.Name, sym, cat, err)
	case errors.As(err, &statusErr):
		if statusErr.StatusCode >= http.StatusInternalServerError {
			return provider.NewError(provider.CodeNetwork, a.cfg.Name, sym, cat, err)
		}
		return provider.NewError(provider.CodeInvalidResponse, a.cfg.Name, sym, cat, err)
	case strings.HasPrefix(err.Error(), "decoding"):
		return provider.NewError(provider.CodeInvalidResponse, a.cfg.Name, sym, cat, err)
	}
	return provider.Classify(err, a.cfg.Name, sym, cat)
}

func (a *Adapter) globalQuote(ctx context.Context, sym string, cat provider.Category) (*alphavantage.GlobalQuote, error) {
	if !symbol.IsValid(sym) {
		return nil, provider.NewError(provider.CodeInvalidSymbol, a.cfg.Name, sym, cat, nil)
	}
	q, err := provider.Retry(ctx, a.cfg.Retry, func(ctx context.Context) (*alphavantage.GlobalQuote, error) {
		q, err := a.client.GetGlobalQuote(ctx, wireSymbol(sym))
		return q, a.classify(err, sym, cat)
	})
	if err != nil {
		return nil, err
	}
	if q.Price == nil {
		return nil, provider.NewError(provider.CodeInvalidResponse, a.cfg.Name, sym, cat, errors.New("quote without price"))
	}
	return q, nil
}

func (a *Adapter) GetQuote(ctx context.Context, sym string) (*provider.Quote, error) {
	sym = a.NormalizeSymbol(sym)
	q, err := a.globalQuote(ctx, sym, provider.CategoryQuote)
	if err != nil {
		return nil, err
	}
	out := &provider.Quote{
		Symbol:    sym,
		Price:     *q.Price,
		Timestamp: a.now().UTC(),
		Source:    a.cfg.Name,
	}
	if q.Volume != nil {
		out.Volume = *q.Volume
	}
	return out, nil
}

func (a *Adapter) GetSnapshot(ctx context.Context, sym string) (*provider.Snapshot, error) {
	sym = a.NormalizeSymbol(sym)
	q, err := a.globalQuote(ctx, sym, provider.CategorySnapshot)
	if err != nil {
		return nil, err
	}
	s := &provider.Snapshot{
		Symbol:    sym,
		Price:     *q.Price,
		Open:      deref(q.Open),
		High:      deref(q.High),
		Low:       deref(q.Low),
		Close:     *q.Price,
		PrevClose: deref(q.PreviousClose),
		Change:    deref(q.Change),
		Timestamp: a.now().UTC(),
		Source:    a.cfg.Name,
	}
	if q.ChangePercent != nil {
		s.ChangePercent = *q.ChangePercent
	}
	if q.Volume != nil {
		s.Volume = *q.Volume
	}
	return s, nil
}

var intervals = map[provider.Timeframe]string{
	provider.Minute1:  "1min",
	provider.Minute5:  "5min",
	provider.Minute15: "15min",
	provider.Minute30: "30min",
	provider.Hour1:    "60min",
}

func (a *Adapter) GetBars(ctx context.Context, sym string, tf provider.Timeframe, start, end time.Time) ([]provider.Bar, error) {
	sym = a.NormalizeSymbol(sym)
	cat := provider.CategoryBars
	if !symbol.IsValid(sym) {
		return nil, provider.NewError(provider.CodeInvalidSymbol, a.cfg.Name, sym, cat, nil)
	}

	req := alphavantage.TimeSeriesRequest{Symbol: wireSymbol(sym)}
	switch tf {
	case provider.Day1:
		req.Series = alphavantage.SeriesDaily
		// compact returns the latest 100 trading days
		req.Full = a.now().Sub(start) > 140*24*time.Hour
	case provider.Week1:
		req.Series = alphavantage.SeriesWeekly
	default:
		iv, ok := intervals[tf]
		if !ok {
			return nil, provider.NewError(provider.CodeUnsupported, a.cfg.Name, sym, cat, nil)
		}
		req.Series = alphavantage.SeriesIntraday
		req.Interval = iv
		req.Full = true
	}

	candles, err := provider.Retry(ctx, a.cfg.Retry, func(ctx context.Context) ([]alphavantage.Candle, error) {
		c, err := a.client.GetTimeSeries(ctx, req)
		return c, a.classify(err, sym, cat)
	})
	if err != nil {
		return nil, err
	}

	bars := make([]provider.Bar, 0, len(candles))
	skipped := 0
	for _, c := range candles {
		if c.Time.Before(start) || c.Time.After(end) {
			continue
		}
		if c.Open == nil || c.High == nil || c.Low == nil || c.Close == nil {
			skipped++
			continue
		}
		b := provider.Bar{Timestamp: c.Time, Open: *c.Open, High: *c.High, Low: *c.Low, Close: *c.Close}
		if c.Volume != nil {
			b.Volume = *c.Volume
		}
		bars = append(bars, b)
	}
	if len(bars) == 0 && skipped > 0 {
		return nil, provider.NewError(provider.CodeInsufficientData, a.cfg.Name, sym, cat, errors.New("every point in range was malformed"))
	}
	return bars, nil
}

func (a *Adapter) GetFundamentals(ctx context.Context, sym string) (*provider.Fundamentals, error) {
	sym = a.NormalizeSymbol(sym)
	cat := provider.CategoryFundamentals
	if !symbol.IsValid(sym) {
		return nil, provider.NewError(provider.CodeInvalidSymbol, a.cfg.Name, sym, cat, nil)
	}
	o, err := provider.Retry(ctx, a.cfg.Retry, func(ctx context.Context) (*alphavantage.CompanyOverview, error) {
		o, err := a.client.GetOverview(ctx, wireSymbol(sym))
		return o, a.classify(err, sym, cat)
	})
	if err != nil {
		return nil, err
	}
	return &provider.Fundamentals{
		Symbol:        sym,
		Name:          o.Name,
		MarketCap:     deref(o.MarketCap),
		PERatio:       o.PERatio,
		EPS:           o.EPS,
		DividendYield: o.DividendYield,
		Beta:          o.Beta,
		Sector:        o.Sector,
		Industry:      o.Industry,
		Source:        a.cfg.Name,
	}, nil
}

func deref(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}
