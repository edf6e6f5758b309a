// Package longport adapts the Longport OpenAPI quote context. It serves US
// and HK equities with daily history only.
package longport

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	lpconfig "github.com/longportapp/openapi-go/config"
	"github.com/longportapp/openapi-go/quote"
	"github.com/shopspring/decimal"

	"marketdata/internal/provider"
	"marketdata/internal/symbol"
)

// QuoteAPI is the subset of *quote.QuoteContext the adapter uses.
type QuoteAPI interface {
	Quote(ctx context.Context, symbols []string) ([]*quote.SecurityQuote, error)
	Candlesticks(ctx context.Context, symbol string, period quote.Period, count int32, adjust quote.AdjustType) ([]*quote.Candlestick, error)
}

type Config struct {
	Name        string // default: longport
	AppKey      string
	AppSecret   string
	AccessToken string
	HealthTTL   time.Duration
	Retry       provider.RetryPolicy
	// Market is appended to bare tickers, default: US.
	Market string
	// Now anchors candle counts, which the API measures back from today.
	Now func() time.Time
}

// maxCandles is the largest count the candlestick endpoint returns.
const maxCandles = 1000

type Provider struct {
	cfg    Config
	api    QuoteAPI
	health *provider.HealthCheck
}

// Dial opens a quote context with the configured credentials.
func Dial(cfg Config) (*Provider, error) {
	if cfg.AppKey == "" || cfg.AppSecret == "" || cfg.AccessToken == "" {
		return nil, errors.New("longport API credentials not configured")
	}
	conf, err := lpconfig.New(lpconfig.WithConfigKey(cfg.AppKey, cfg.AppSecret, cfg.AccessToken))
	if err != nil {
		return nil, err
	}
	qc, err := quote.NewFromCfg(conf)
	if err != nil {
		return nil, err
	}
	return New(cfg, qc), nil
}

func New(cfg Config, api QuoteAPI) *Provider {
	if cfg.Name == "" {
		cfg.Name = "longport"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Market == "" {
		cfg.Market = "US"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = provider.DefaultRetryPolicy()
	}
	p := &Provider{cfg: cfg, api: api}
	p.health = &provider.HealthCheck{TTL: cfg.HealthTTL, Probe: func(ctx context.Context) error {
		_, err := api.Quote(ctx, []string{"AAPL.US"})
		return err
	}}
	return p
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Realtime:           true,
		Historical:         true,
		MaxHistoryDays:     maxCandles * 7 / 5,
		RateLimitPerMinute: 600,
	}
}

func (p *Provider) IsHealthy(ctx context.Context) bool { return p.health.Healthy(ctx) }

func (p *Provider) NormalizeSymbol(s string) string { return symbol.Normalize(s) }

// Close releases the underlying connection when the API holds one.
func (p *Provider) Close() error {
	if c, ok := p.api.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (p *Provider) wireSymbol(s string) string {
	if i := strings.LastIndexByte(s, '.'); i > 0 && len(s)-i == 3 {
		return s // already market qualified, e.g. 700.HK
	}
	return strings.ReplaceAll(s, "-", ".") + "." + p.cfg.Market
}

func (p *Provider) validate(sym string, cat provider.Category) error {
	if !symbol.IsValid(sym) {
		return provider.NewError(provider.CodeInvalidSymbol, p.cfg.Name, sym, cat, nil)
	}
	if symbol.Classify(sym) != symbol.Equity {
		return provider.NewError(provider.CodeUnsupported, p.cfg.Name, sym, cat, errors.New("equities only"))
	}
	return nil
}

func (p *Provider) classify(err error, sym string, cat provider.Category) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many"):
		return provider.NewError(provider.CodeRateLimited, p.cfg.Name, sym, cat, err)
	case strings.Contains(msg, "invalid symbol"), strings.Contains(msg, "not found"):
		return provider.NewError(provider.CodeInvalidSymbol, p.cfg.Name, sym, cat, err)
	}
	return provider.Classify(err, p.cfg.Name, sym, cat)
}

func (p *Provider) quotes(ctx context.Context, syms []string, cat provider.Category) (map[string]*quote.SecurityQuote, error) {
	wire := make([]string, len(syms))
	byWire := make(map[string]string, len(syms))
	for i, s := range syms {
		wire[i] = p.wireSymbol(s)
		byWire[wire[i]] = s
	}
	sym := ""
	if len(syms) == 1 {
		sym = syms[0]
	}
	raw, err := provider.Retry(ctx, p.cfg.Retry, func(ctx context.Context) ([]*quote.SecurityQuote, error) {
		r, err := p.api.Quote(ctx, wire)
		return r, p.classify(err, sym, cat)
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]*quote.SecurityQuote, len(raw))
	for _, q := range raw {
		if q == nil || q.LastDone == nil {
			continue
		}
		if s, ok := byWire[q.Symbol]; ok {
			out[s] = q
		}
	}
	return out, nil
}

func (p *Provider) GetQuote(ctx context.Context, sym string) (*provider.Quote, error) {
	sym = p.NormalizeSymbol(sym)
	if err := p.validate(sym, provider.CategoryQuote); err != nil {
		return nil, err
	}
	m, err := p.quotes(ctx, []string{sym}, provider.CategoryQuote)
	if err != nil {
		return nil, err
	}
	q, ok := m[sym]
	if !ok {
		return nil, provider.NewError(provider.CodeInvalidSymbol, p.cfg.Name, sym, provider.CategoryQuote, nil)
	}
	return p.toQuote(sym, q), nil
}

// GetQuotes fetches many symbols in one request. Invalid or unknown symbols
// are left out of the result.
func (p *Provider) GetQuotes(ctx context.Context, syms []string) (map[string]*provider.Quote, error) {
	valid := make([]string, 0, len(syms))
	for _, s := range syms {
		s = p.NormalizeSymbol(s)
		if p.validate(s, provider.CategoryQuote) == nil {
			valid = append(valid, s)
		}
	}
	out := make(map[string]*provider.Quote, len(valid))
	if len(valid) == 0 {
		return out, nil
	}
	m, err := p.quotes(ctx, valid, provider.CategoryQuote)
	if err != nil {
		return nil, err
	}
	for s, q := range m {
		out[s] = p.toQuote(s, q)
	}
	return out, nil
}

func (p *Provider) toQuote(sym string, q *quote.SecurityQuote) *provider.Quote {
	return &provider.Quote{
		Symbol:    sym,
		Price:     dec(q.LastDone),
		Volume:    q.Volume,
		Timestamp: time.Unix(q.Timestamp, 0).UTC(),
		Source:    p.cfg.Name,
	}
}

func (p *Provider) GetSnapshot(ctx context.Context, sym string) (*provider.Snapshot, error) {
	sym = p.NormalizeSymbol(sym)
	cat := provider.CategorySnapshot
	if err := p.validate(sym, cat); err != nil {
		return nil, err
	}
	m, err := p.quotes(ctx, []string{sym}, cat)
	if err != nil {
		return nil, err
	}
	q, ok := m[sym]
	if !ok {
		return nil, provider.NewError(provider.CodeInvalidSymbol, p.cfg.Name, sym, cat, nil)
	}
	last, prev := dec(q.LastDone), dec(q.PrevClose)
	s := &provider.Snapshot{
		Symbol:    sym,
		Price:     last,
		Open:      dec(q.Open),
		High:      dec(q.High),
		Low:       dec(q.Low),
		Close:     last,
		PrevClose: prev,
		Change:    last.Sub(prev),
		Volume:    q.Volume,
		Timestamp: time.Unix(q.Timestamp, 0).UTC(),
		Source:    p.cfg.Name,
	}
	if !prev.IsZero() {
		s.ChangePercent, _ = last.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100)).Float64()
	}
	return s, nil
}

func (p *Provider) GetBars(ctx context.Context, sym string, tf provider.Timeframe, start, end time.Time) ([]provider.Bar, error) {
	sym = p.NormalizeSymbol(sym)
	cat := provider.CategoryBars
	if err := p.validate(sym, cat); err != nil {
		return nil, err
	}
	if tf != provider.Day1 {
		return nil, provider.NewError(provider.CodeUnsupported, p.cfg.Name, sym, cat, errors.New("daily bars only"))
	}
	// Candlesticks counts back from today, so ask for enough to reach start.
	days := int(p.cfg.Now().Sub(start).Hours()/24) + 1
	count := int32(min(max(days, 1), maxCandles))

	raw, err := provider.Retry(ctx, p.cfg.Retry, func(ctx context.Context) ([]*quote.Candlestick, error) {
		c, err := p.api.Candlesticks(ctx, p.wireSymbol(sym), quote.PeriodDay, count, quote.AdjustTypeNo)
		return c, p.classify(err, sym, cat)
	})
	if err != nil {
		return nil, err
	}

	bars := make([]provider.Bar, 0, len(raw))
	for _, c := range raw {
		if c == nil || c.Open == nil || c.High == nil || c.Low == nil || c.Close == nil {
			continue
		}
		ts := time.Unix(c.Timestamp, 0).UTC()
		if ts.Before(start) || ts.After(end) {
			continue
		}
		bars = append(bars, provider.Bar{
			Timestamp: ts,
			Open:      *c.Open,
			High:      *c.High,
			Low:       *c.Low,
			Close:     *c.Close,
			Volume:    c.Volume,
		})
	}
	return bars, nil
}

func dec(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}
