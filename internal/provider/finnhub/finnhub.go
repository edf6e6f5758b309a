// Package finnhub adapts the Finnhub REST API (https://finnhub.io/docs/api).
package finnhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"marketdata/internal/provider"
	"marketdata/internal/symbol"
)

const defaultBaseURL = "https://finnhub.io/api/v1"

type Config struct {
	Name      string // default: finnhub
	APIKey    string
	BaseURL   string
	Timeout   time.Duration
	HealthTTL time.Duration
	Retry     provider.RetryPolicy
	// RateLimitPerMinute is reported through Capabilities; the free plan
	// allows 60.
	RateLimitPerMinute int
	// Transport is used for outgoing requests when set.
	Transport http.RoundTripper
}

// Provider implements provider.Adapter and provider.FundamentalsProvider.
type Provider struct {
	cfg    Config
	client *resty.Client
	health *provider.HealthCheck
	now    func() time.Time
}

func New(cfg Config) *Provider {
	if cfg.Name == "" {
		cfg.Name = "finnhub"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = provider.DefaultRetryPolicy()
	}
	if cfg.RateLimitPerMinute == 0 {
		cfg.RateLimitPerMinute = 60
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.Transport != nil {
		client.SetTransport(cfg.Transport)
	}
	if cfg.APIKey != "" {
		client.SetHeader("X-Finnhub-Token", cfg.APIKey)
	}
	p := &Provider{cfg: cfg, client: client, now: time.Now}
	p.health = &provider.HealthCheck{TTL: cfg.HealthTTL, Probe: func(ctx context.Context) error {
		var q quoteResponse
		return p.get(ctx, "/quote", map[string]string{"symbol": "AAPL"}, &q, "AAPL", provider.CategoryQuote)
	}}
	return p
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Realtime:           true,
		Historical:         true,
		Fundamentals:       true,
		MaxHistoryDays:     365,
		RateLimitPerMinute: p.cfg.RateLimitPerMinute,
	}
}

func (p *Provider) IsHealthy(ctx context.Context) bool { return p.health.Healthy(ctx) }

func (p *Provider) NormalizeSymbol(s string) string { return symbol.Normalize(s) }

// Finnhub writes class shares with a dot.
func wireSymbol(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c == '-' {
			b[i] = '.'
		}
	}
	return string(b)
}

// get performs one GET and decodes the JSON body into out, mapping HTTP
// status onto the shared error codes.
func (p *Provider) get(ctx context.Context, path string, params map[string]string, out any, sym string, cat provider.Category) error {
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(path)
	if err != nil {
		return provider.Classify(err, p.cfg.Name, sym, cat)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusTooManyRequests:
		return provider.NewError(provider.CodeRateLimited, p.cfg.Name, sym, cat, nil)
	case code >= http.StatusInternalServerError:
		return provider.NewError(provider.CodeNetwork, p.cfg.Name, sym, cat, fmt.Errorf("status %d", code))
	case code != http.StatusOK:
		return provider.NewError(provider.CodeInvalidResponse, p.cfg.Name, sym, cat, fmt.Errorf("status %d: %s", code, resp.String()))
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return provider.NewError(provider.CodeInvalidResponse, p.cfg.Name, sym, cat, err)
	}
	return nil
}

// quoteResponse is /quote. Finnhub answers unknown symbols with all zeros.
type quoteResponse struct {
	Current       *float64 `json:"c"`
	Change        *float64 `json:"d"`
	ChangePercent *float64 `json:"dp"`
	High          *float64 `json:"h"`
	Low           *float64 `json:"l"`
	Open          *float64 `json:"o"`
	PrevClose     *float64 `json:"pc"`
	Time          int64    `json:"t"`
}

func (p *Provider) quote(ctx context.Context, sym string, cat provider.Category) (*quoteResponse, error) {
	if !symbol.IsValid(sym) {
		return nil, provider.NewError(provider.CodeInvalidSymbol, p.cfg.Name, sym, cat, nil)
	}
	q, err := provider.Retry(ctx, p.cfg.Retry, func(ctx context.Context) (*quoteResponse, error) {
		var q quoteResponse
		err := p.get(ctx, "/quote", map[string]string{"symbol": wireSymbol(sym)}, &q, sym, cat)
		return &q, err
	})
	if err != nil {
		return nil, err
	}
	if q.Current == nil || (*q.Current == 0 && q.Time == 0) {
		return nil, provider.NewError(provider.CodeInvalidSymbol, p.cfg.Name, sym, cat, errors.New("empty quote"))
	}
	return q, nil
}

func (p *Provider) GetQuote(ctx context.Context, sym string) (*provider.Quote, error) {
	sym = p.NormalizeSymbol(sym)
	q, err := p.quote(ctx, sym, provider.CategoryQuote)
	if err != nil {
		return nil, err
	}
	return &provider.Quote{
		Symbol:    sym,
		Price:     decimal.NewFromFloat(*q.Current),
		Timestamp: p.stamp(q.Time),
		Source:    p.cfg.Name,
	}, nil
}

func (p *Provider) GetSnapshot(ctx context.Context, sym string) (*provider.Snapshot, error) {
	sym = p.NormalizeSymbol(sym)
	q, err := p.quote(ctx, sym, provider.CategorySnapshot)
	if err != nil {
		return nil, err
	}
	s := &provider.Snapshot{
		Symbol:    sym,
		Price:     decimal.NewFromFloat(*q.Current),
		Open:      dec(q.Open),
		High:      dec(q.High),
		Low:       dec(q.Low),
		Close:     decimal.NewFromFloat(*q.Current),
		PrevClose: dec(q.PrevClose),
		Change:    dec(q.Change),
		Timestamp: p.stamp(q.Time),
		Source:    p.cfg.Name,
	}
	if q.ChangePercent != nil {
		s.ChangePercent = *q.ChangePercent
	}
	return s, nil
}

var resolutions = map[provider.Timeframe]string{
	provider.Minute1:  "1",
	provider.Minute5:  "5",
	provider.Minute15: "15",
	provider.Minute30: "30",
	provider.Hour1:    "60",
	provider.Day1:     "D",
	provider.Week1:    "W",
}

// candleResponse is /stock/candle; arrays are parallel. Null entries are
// decoded as nil and the point is skipped.
type candleResponse struct {
	Status string     `json:"s"`
	Open   []*float64 `json:"o"`
	High   []*float64 `json:"h"`
	Low    []*float64 `json:"l"`
	Close  []*float64 `json:"c"`
	Volume []*float64 `json:"v"`
	Time   []int64    `json:"t"`
}

func (p *Provider) GetBars(ctx context.Context, sym string, tf provider.Timeframe, start, end time.Time) ([]provider.Bar, error) {
	sym = p.NormalizeSymbol(sym)
	cat := provider.CategoryBars
	if !symbol.IsValid(sym) {
		return nil, provider.NewError(provider.CodeInvalidSymbol, p.cfg.Name, sym, cat, nil)
	}
	res, ok := resolutions[tf]
	if !ok {
		return nil, provider.NewError(provider.CodeUnsupported, p.cfg.Name, sym, cat, nil)
	}
	params := map[string]string{
		"symbol":     wireSymbol(sym),
		"resolution": res,
		"from":       strconv.FormatInt(start.Unix(), 10),
		"to":         strconv.FormatInt(end.Unix(), 10),
	}
	c, err := provider.Retry(ctx, p.cfg.Retry, func(ctx context.Context) (*candleResponse, error) {
		var c candleResponse
		err := p.get(ctx, "/stock/candle", params, &c, sym, cat)
		return &c, err
	})
	if err != nil {
		return nil, err
	}
	if c.Status == "no_data" {
		return []provider.Bar{}, nil
	}
	if c.Status != "ok" {
		return nil, provider.NewError(provider.CodeInvalidResponse, p.cfg.Name, sym, cat, fmt.Errorf("status %q", c.Status))
	}

	bars := make([]provider.Bar, 0, len(c.Time))
	for i, ts := range c.Time {
		o, h, l, cl := at(c.Open, i), at(c.High, i), at(c.Low, i), at(c.Close, i)
		if o == nil || h == nil || l == nil || cl == nil {
			continue
		}
		b := provider.Bar{
			Timestamp: time.Unix(ts, 0).UTC(),
			Open:      decimal.NewFromFloat(*o),
			High:      decimal.NewFromFloat(*h),
			Low:       decimal.NewFromFloat(*l),
			Close:     decimal.NewFromFloat(*cl),
		}
		if v := at(c.Volume, i); v != nil {
			b.Volume = int64(*v)
		}
		bars = append(bars, b)
	}
	if len(bars) == 0 && len(c.Time) > 0 {
		return nil, provider.NewError(provider.CodeInsufficientData, p.cfg.Name, sym, cat, errors.New("every candle was malformed"))
	}
	return bars, nil
}

type profileResponse struct {
	Name      string   `json:"name"`
	Industry  string   `json:"finnhubIndustry"`
	MarketCap *float64 `json:"marketCapitalization"` // millions
	Ticker    string   `json:"ticker"`
}

type metricResponse struct {
	Metric map[string]any `json:"metric"`
}

func (p *Provider) GetFundamentals(ctx context.Context, sym string) (*provider.Fundamentals, error) {
	sym = p.NormalizeSymbol(sym)
	cat := provider.CategoryFundamentals
	if !symbol.IsValid(sym) {
		return nil, provider.NewError(provider.CodeInvalidSymbol, p.cfg.Name, sym, cat, nil)
	}
	params := map[string]string{"symbol": wireSymbol(sym)}
	prof, err := provider.Retry(ctx, p.cfg.Retry, func(ctx context.Context) (*profileResponse, error) {
		var pr profileResponse
		err := p.get(ctx, "/stock/profile2", params, &pr, sym, cat)
		return &pr, err
	})
	if err != nil {
		return nil, err
	}
	if prof.Ticker == "" && prof.Name == "" {
		return nil, provider.NewError(provider.CodeInvalidSymbol, p.cfg.Name, sym, cat, errors.New("empty profile"))
	}

	metricParams := map[string]string{"symbol": wireSymbol(sym), "metric": "all"}
	m, err := provider.Retry(ctx, p.cfg.Retry, func(ctx context.Context) (*metricResponse, error) {
		var mr metricResponse
		err := p.get(ctx, "/stock/metric", metricParams, &mr, sym, cat)
		return &mr, err
	})
	if err != nil {
		return nil, err
	}

	f := &provider.Fundamentals{
		Symbol:        sym,
		Name:          prof.Name,
		Industry:      prof.Industry,
		Sector:        prof.Industry,
		PERatio:       metric(m.Metric, "peTTM", "peBasicExclExtraTTM"),
		EPS:           metric(m.Metric, "epsTTM", "epsBasicExclExtraItemsTTM"),
		DividendYield: metric(m.Metric, "dividendYieldIndicatedAnnual"),
		Beta:          metric(m.Metric, "beta"),
		Source:        p.cfg.Name,
	}
	if prof.MarketCap != nil {
		f.MarketCap = decimal.NewFromFloat(*prof.MarketCap).Mul(decimal.NewFromInt(1_000_000))
	}
	return f, nil
}

// metric returns the first numeric value among keys.
func metric(m map[string]any, keys ...string) *float64 {
	for _, k := range keys {
		if v, ok := m[k].(float64); ok {
			return &v
		}
	}
	return nil
}

func at(xs []*float64, i int) *float64 {
	if i >= len(xs) {
		return nil
	}
	return xs[i]
}

func dec(f *float64) decimal.Decimal {
	if f == nil {
		return decimal.Zero
	}
	return decimal.NewFromFloat(*f)
}

func (p *Provider) stamp(unix int64) time.Time {
	if unix <= 0 {
		return p.now().UTC()
	}
	return time.Unix(unix, 0).UTC()
}
