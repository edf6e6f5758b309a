// Package synthetic is an in-process provider that fabricates plausible,
// deterministic market data. It backs demos, tests and the --synthetic mode
// of the binaries.
package synthetic

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketdata/internal/provider"
	"marketdata/internal/symbol"
)

// maxBars caps a single GetBars response.
const maxBars = 10000

// Config tunes the generator. Zero values give an always-healthy provider
// with no latency.
type Config struct {
	Name    string        // default: synthetic
	Latency time.Duration // added to every data call
	// Fail, when set, is consulted before every data call; a non-nil error
	// is returned as-is.
	Fail func(cat provider.Category, symbol string) error
	// Capabilities overrides the default (everything supported).
	Capabilities *provider.Capabilities
	// Now is the clock used for quote timestamps.
	Now func() time.Time
}

// Provider implements provider.Adapter and provider.FundamentalsProvider.
type Provider struct {
	cfg Config

	mu    sync.Mutex
	walks map[string]*walk
}

type walk struct {
	rng   *rand.Rand
	price float64
}

func New(cfg Config) *Provider {
	if cfg.Name == "" {
		cfg.Name = "synthetic"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Provider{cfg: cfg, walks: make(map[string]*walk)}
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) Capabilities() provider.Capabilities {
	if p.cfg.Capabilities != nil {
		return *p.cfg.Capabilities
	}
	return provider.Capabilities{
		Realtime:       true,
		Historical:     true,
		Fundamentals:   true,
		Crypto:         true,
		Forex:          true,
		MaxHistoryDays: 3650,
	}
}

func (p *Provider) IsHealthy(ctx context.Context) bool {
	if p.cfg.Fail != nil {
		return p.cfg.Fail("", "") == nil
	}
	return ctx.Err() == nil
}

func (p *Provider) NormalizeSymbol(s string) string { return symbol.Normalize(s) }

func (p *Provider) before(ctx context.Context, cat provider.Category, sym string) error {
	if p.cfg.Latency > 0 {
		t := time.NewTimer(p.cfg.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return provider.Classify(ctx.Err(), p.cfg.Name, sym, cat)
		case <-t.C:
		}
	}
	if p.cfg.Fail != nil {
		if err := p.cfg.Fail(cat, sym); err != nil {
			return err
		}
	}
	if !symbol.IsValid(sym) {
		return provider.NewError(provider.CodeInvalidSymbol, p.cfg.Name, sym, cat, nil)
	}
	return nil
}

// step advances the random walk for sym and returns the new price.
func (p *Provider) step(sym string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.walks[sym]
	if !ok {
		seed := hash(sym)
		w = &walk{rng: rand.New(rand.NewPCG(seed, seed>>7)), price: basePrice(sym)}
		p.walks[sym] = w
	}
	w.price *= 1 + (w.rng.Float64()-0.5)*0.004
	if w.price < 0.01 {
		w.price = 0.01
	}
	return w.price
}

func (p *Provider) GetQuote(ctx context.Context, sym string) (*provider.Quote, error) {
	sym = p.NormalizeSymbol(sym)
	if err := p.before(ctx, provider.CategoryQuote, sym); err != nil {
		return nil, err
	}
	px := p.step(sym)
	spread := px * 0.0005
	return &provider.Quote{
		Symbol:    sym,
		Price:     money(px),
		Bid:       money(px - spread),
		Ask:       money(px + spread),
		BidSize:   100,
		AskSize:   100,
		Volume:    int64(hash(sym)%1_000_000) + 10_000,
		Timestamp: p.cfg.Now().UTC(),
		Source:    p.cfg.Name,
	}, nil
}

func (p *Provider) GetBars(ctx context.Context, sym string, tf provider.Timeframe, start, end time.Time) ([]provider.Bar, error) {
	sym = p.NormalizeSymbol(sym)
	if err := p.before(ctx, provider.CategoryBars, sym); err != nil {
		return nil, err
	}
	step := tf.Duration()
	if step <= 0 {
		return nil, provider.NewError(provider.CodeUnsupported, p.cfg.Name, sym, provider.CategoryBars, nil)
	}
	first := start.UTC().Truncate(step)
	if first.Before(start) {
		first = first.Add(step)
	}
	n := int(end.Sub(first)/step) + 1
	if n <= 0 {
		return []provider.Bar{}, nil
	}
	if n > maxBars {
		first = first.Add(time.Duration(n-maxBars) * step)
		n = maxBars
	}
	base := basePrice(sym)
	bars := make([]provider.Bar, 0, n)
	for i := 0; i < n; i++ {
		ts := first.Add(time.Duration(i) * step)
		if ts.After(end) {
			break
		}
		bars = append(bars, barAt(sym, base, ts))
	}
	return bars, nil
}

func (p *Provider) GetSnapshot(ctx context.Context, sym string) (*provider.Snapshot, error) {
	sym = p.NormalizeSymbol(sym)
	if err := p.before(ctx, provider.CategorySnapshot, sym); err != nil {
		return nil, err
	}
	now := p.cfg.Now().UTC()
	day := now.Truncate(24 * time.Hour)
	base := basePrice(sym)
	today := barAt(sym, base, day)
	prev := barAt(sym, base, day.Add(-24*time.Hour))
	px := money(p.step(sym))
	change := px.Sub(prev.Close)
	pct, _ := change.Div(prev.Close).Mul(decimal.NewFromInt(100)).Float64()
	return &provider.Snapshot{
		Symbol:        sym,
		Price:         px,
		Open:          today.Open,
		High:          decimal.Max(today.High, px),
		Low:           decimal.Min(today.Low, px),
		Close:         px,
		PrevClose:     prev.Close,
		Change:        change,
		ChangePercent: pct,
		Volume:        today.Volume,
		Timestamp:     now,
		Source:        p.cfg.Name,
	}, nil
}

func (p *Provider) GetFundamentals(ctx context.Context, sym string) (*provider.Fundamentals, error) {
	sym = p.NormalizeSymbol(sym)
	if err := p.before(ctx, provider.CategoryFundamentals, sym); err != nil {
		return nil, err
	}
	h := hash(sym)
	pe := 8 + float64(h%400)/10
	eps := basePrice(sym) / pe
	beta := 0.5 + float64(h%150)/100
	yield := float64(h%50) / 1000
	return &provider.Fundamentals{
		Symbol:        sym,
		Name:          sym + " Corp",
		MarketCap:     decimal.NewFromInt(int64(h%900+100) * 1_000_000_000),
		PERatio:       &pe,
		EPS:           &eps,
		DividendYield: &yield,
		Beta:          &beta,
		Sector:        "Technology",
		Industry:      "Software",
		Source:        p.cfg.Name,
	}, nil
}

// barAt is a pure function of (symbol, timestamp) so repeated fetches of the
// same range agree.
func barAt(sym string, base float64, ts time.Time) provider.Bar {
	h := hash(sym + ts.UTC().Format(time.RFC3339))
	phase := float64(ts.Unix()) / 86400 / 20
	mid := base * (1 + 0.15*math.Sin(phase))
	noise := (float64(h%1000)/1000 - 0.5) * 0.02 * mid
	open := mid + noise
	closePx := mid - noise/2
	high := math.Max(open, closePx) * (1 + float64(h%7)/1000)
	low := math.Min(open, closePx) * (1 - float64(h%5)/1000)
	vwap := money((high + low + closePx) / 3)
	return provider.Bar{
		Timestamp: ts.UTC(),
		Open:      money(open),
		High:      money(high),
		Low:       money(low),
		Close:     money(closePx),
		Volume:    int64(h%5_000_000) + 100_000,
		VWAP:      &vwap,
	}
}

func basePrice(sym string) float64 {
	return 20 + float64(hash(sym)%50000)/100
}

func hash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func money(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(2)
}
