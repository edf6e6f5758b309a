// Package yahoo adapts Yahoo Finance through github.com/piquette/finance-go.
package yahoo

import (
	"context"
	"errors"
	"strings"
	"time"

	finance "github.com/piquette/finance-go"
	"github.com/piquette/finance-go/chart"
	"github.com/piquette/finance-go/datetime"
	"github.com/piquette/finance-go/equity"
	"github.com/piquette/finance-go/quote"
	"github.com/shopspring/decimal"

	"marketdata/internal/provider"
	"marketdata/internal/symbol"
)

// ChartFunc returns the bars of one chart request.
type ChartFunc func(params *chart.Params) ([]*finance.ChartBar, error)

type Config struct {
	Name      string // default: yahoo
	HealthTTL time.Duration
	Retry     provider.RetryPolicy

	// The finance-go package functions are used when these are nil.
	QuoteFunc  func(symbol string) (*finance.Quote, error)
	EquityFunc func(symbol string) (*finance.Equity, error)
	ChartFunc  ChartFunc
}

// Provider implements provider.Adapter and provider.FundamentalsProvider.
type Provider struct {
	cfg    Config
	health *provider.HealthCheck
	now    func() time.Time
}

func New(cfg Config) *Provider {
	if cfg.Name == "" {
		cfg.Name = "yahoo"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = provider.DefaultRetryPolicy()
	}
	if cfg.QuoteFunc == nil {
		cfg.QuoteFunc = quote.Get
	}
	if cfg.EquityFunc == nil {
		cfg.EquityFunc = equity.Get
	}
	if cfg.ChartFunc == nil {
		cfg.ChartFunc = fetchChart
	}
	p := &Provider{cfg: cfg, now: time.Now}
	p.health = &provider.HealthCheck{TTL: cfg.HealthTTL, Probe: func(ctx context.Context) error {
		_, err := p.GetQuote(ctx, "SPY")
		return err
	}}
	return p
}

func fetchChart(params *chart.Params) ([]*finance.ChartBar, error) {
	iter := chart.Get(params)
	var bars []*finance.ChartBar
	for iter.Next() {
		bars = append(bars, iter.Bar())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return bars, nil
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Realtime:       true,
		Historical:     true,
		Fundamentals:   true,
		Crypto:         true,
		Forex:          true,
		MaxHistoryDays: 30 * 365,
		// Unofficial endpoint; keep well below the observed throttle.
		RateLimitPerMinute: 100,
	}
}

func (p *Provider) IsHealthy(ctx context.Context) bool { return p.health.Healthy(ctx) }

func (p *Provider) NormalizeSymbol(s string) string { return symbol.Normalize(s) }

// wireSymbol maps canonical forex pairs to Yahoo's EURUSD=X form; equities
// and crypto pairs already match.
func wireSymbol(s string) string {
	if symbol.Classify(s) == symbol.Forex && !strings.HasSuffix(s, "=X") {
		return strings.ReplaceAll(s, "-", "") + "=X"
	}
	return s
}

// call runs a blocking finance-go call and gives up when ctx is done.
// finance-go has no context support; the abandoned call finishes in the
// background bounded by its own HTTP timeout.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

func (p *Provider) classify(err error, sym string, cat provider.Category) error {
	if err == nil {
		return nil
	}
	// finance-go reports unknown tickers as remote errors mentioning the symbol.
	if msg := strings.ToLower(err.Error()); strings.Contains(msg, "no data found") || strings.Contains(msg, "not found") {
		return provider.NewError(provider.CodeInvalidSymbol, p.cfg.Name, sym, cat, err)
	}
	return provider.Classify(err, p.cfg.Name, sym, cat)
}

func (p *Provider) rawQuote(ctx context.Context, sym string, cat provider.Category) (*finance.Quote, error) {
	if !symbol.IsValid(sym) {
		return nil, provider.NewError(provider.CodeInvalidSymbol, p.cfg.Name, sym, cat, nil)
	}
	q, err := provider.Retry(ctx, p.cfg.Retry, func(ctx context.Context) (*finance.Quote, error) {
		q, err := call(ctx, func() (*finance.Quote, error) { return p.cfg.QuoteFunc(wireSymbol(sym)) })
		return q, p.classify(err, sym, cat)
	})
	if err != nil {
		return nil, err
	}
	// finance-go returns nil, nil for unknown symbols.
	if q == nil || q.RegularMarketPrice <= 0 {
		return nil, provider.NewError(provider.CodeInvalidSymbol, p.cfg.Name, sym, cat, errors.New("no quote"))
	}
	return q, nil
}

func (p *Provider) GetQuote(ctx context.Context, sym string) (*provider.Quote, error) {
	sym = p.NormalizeSymbol(sym)
	q, err := p.rawQuote(ctx, sym, provider.CategoryQuote)
	if err != nil {
		return nil, err
	}
	return &provider.Quote{
		Symbol:    sym,
		Price:     decimal.NewFromFloat(q.RegularMarketPrice),
		Bid:       decimal.NewFromFloat(q.Bid),
		Ask:       decimal.NewFromFloat(q.Ask),
		BidSize:   int64(q.BidSize),
		AskSize:   int64(q.AskSize),
		Volume:    int64(q.RegularMarketVolume),
		Timestamp: p.stamp(q.RegularMarketTime),
		Source:    p.cfg.Name,
	}, nil
}

func (p *Provider) GetSnapshot(ctx context.Context, sym string) (*provider.Snapshot, error) {
	sym = p.NormalizeSymbol(sym)
	q, err := p.rawQuote(ctx, sym, provider.CategorySnapshot)
	if err != nil {
		return nil, err
	}
	s := &provider.Snapshot{
		Symbol:        sym,
		Price:         decimal.NewFromFloat(q.RegularMarketPrice),
		Open:          decimal.NewFromFloat(q.RegularMarketOpen),
		High:          decimal.NewFromFloat(q.RegularMarketDayHigh),
		Low:           decimal.NewFromFloat(q.RegularMarketDayLow),
		Close:         decimal.NewFromFloat(q.RegularMarketPrice),
		PrevClose:     decimal.NewFromFloat(q.RegularMarketPreviousClose),
		Change:        decimal.NewFromFloat(q.RegularMarketChange),
		ChangePercent: q.RegularMarketChangePercent,
		Volume:        int64(q.RegularMarketVolume),
		Timestamp:     p.stamp(q.RegularMarketTime),
		Source:        p.cfg.Name,
	}
	if q.Bid > 0 {
		bid := decimal.NewFromFloat(q.Bid)
		s.Bid = &bid
	}
	if q.Ask > 0 {
		ask := decimal.NewFromFloat(q.Ask)
		s.Ask = &ask
	}
	return s, nil
}

// intervals maps timeframes to Yahoo chart intervals.
var intervals = map[provider.Timeframe]datetime.Interval{
	provider.Minute1:  datetime.Interval("1m"),
	provider.Minute5:  datetime.Interval("5m"),
	provider.Minute15: datetime.Interval("15m"),
	provider.Minute30: datetime.Interval("30m"),
	provider.Hour1:    datetime.Interval("1h"),
	provider.Day1:     datetime.OneDay,
	provider.Week1:    datetime.Interval("1wk"),
}

func (p *Provider) GetBars(ctx context.Context, sym string, tf provider.Timeframe, start, end time.Time) ([]provider.Bar, error) {
	sym = p.NormalizeSymbol(sym)
	cat := provider.CategoryBars
	if !symbol.IsValid(sym) {
		return nil, provider.NewError(provider.CodeInvalidSymbol, p.cfg.Name, sym, cat, nil)
	}
	iv, ok := intervals[tf]
	if !ok {
		return nil, provider.NewError(provider.CodeUnsupported, p.cfg.Name, sym, cat, nil)
	}
	params := &chart.Params{
		Symbol:   wireSymbol(sym),
		Start:    datetime.New(&start),
		End:      datetime.New(&end),
		Interval: iv,
	}
	raw, err := provider.Retry(ctx, p.cfg.Retry, func(ctx context.Context) ([]*finance.ChartBar, error) {
		bars, err := call(ctx, func() ([]*finance.ChartBar, error) { return p.cfg.ChartFunc(params) })
		return bars, p.classify(err, sym, cat)
	})
	if err != nil {
		return nil, err
	}

	bars := make([]provider.Bar, 0, len(raw))
	for _, b := range raw {
		// Yahoo pads halted sessions with zero-valued points.
		if b == nil || b.Close.IsZero() || b.Open.IsZero() || b.Timestamp <= 0 {
			continue
		}
		bars = append(bars, provider.Bar{
			Timestamp: time.Unix(int64(b.Timestamp), 0).UTC(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    int64(b.Volume),
		})
	}
	if len(bars) == 0 && len(raw) > 0 {
		return nil, provider.NewError(provider.CodeInsufficientData, p.cfg.Name, sym, cat, errors.New("every bar was empty"))
	}
	return bars, nil
}

func (p *Provider) GetFundamentals(ctx context.Context, sym string) (*provider.Fundamentals, error) {
	sym = p.NormalizeSymbol(sym)
	cat := provider.CategoryFundamentals
	if !symbol.IsValid(sym) {
		return nil, provider.NewError(provider.CodeInvalidSymbol, p.cfg.Name, sym, cat, nil)
	}
	e, err := provider.Retry(ctx, p.cfg.Retry, func(ctx context.Context) (*finance.Equity, error) {
		e, err := call(ctx, func() (*finance.Equity, error) { return p.cfg.EquityFunc(wireSymbol(sym)) })
		return e, p.classify(err, sym, cat)
	})
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, provider.NewError(provider.CodeInvalidSymbol, p.cfg.Name, sym, cat, errors.New("no equity"))
	}
	return &provider.Fundamentals{
		Symbol:        sym,
		Name:          e.LongName,
		MarketCap:     decimal.NewFromInt(e.MarketCap),
		PERatio:       nonZero(e.TrailingPE),
		EPS:           nonZero(e.EpsTrailingTwelveMonths),
		DividendYield: nonZero(e.TrailingAnnualDividendYield),
		Source:        p.cfg.Name,
	}, nil
}

func nonZero(f float64) *float64 {
	if f == 0 {
		return nil
	}
	return &f
}

func (p *Provider) stamp(unix int) time.Time {
	if unix <= 0 {
		return p.now().UTC()
	}
	return time.Unix(int64(unix), 0).UTC()
}
