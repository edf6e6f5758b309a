package ratelimit

import (
	"context"
	"sync"
	"time"

	"marketdata/internal/provider"
)

// Gate blocks a caller until it may issue one upstream request.
type Gate interface {
	Wait(ctx context.Context) error
}

// MinInterval enforces a minimum time between calls. Each caller reserves
// the next free slot, so concurrent callers queue instead of bursting.
type MinInterval struct {
	Interval time.Duration

	mu   sync.Mutex
	next time.Time
}

func (m *MinInterval) Wait(ctx context.Context) error {
	if m.Interval <= 0 {
		return nil
	}
	m.mu.Lock()
	now := time.Now()
	slot := m.next
	if slot.Before(now) {
		slot = now
	}
	m.next = slot.Add(m.Interval)
	m.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Limited wraps an adapter and gates every upstream data call. Health checks
// and capability lookups are not gated.
type Limited struct {
	provider.Adapter
	gate Gate
}

// Wrap returns a gated adapter, or a itself when gate is nil.
func Wrap(a provider.Adapter, gate Gate) provider.Adapter {
	if gate == nil {
		return a
	}
	return &Limited{Adapter: a, gate: gate}
}

// ForCapabilities picks the gate for an adapter. A configured
// requests-per-minute budget wins, then a configured minimum interval, then
// the budget the adapter declares in caps. Zero everywhere means no gate.
// A missing burst allows a tenth of the minute's budget at once.
func ForCapabilities(caps provider.Capabilities, rpm, burst int, minInterval time.Duration) Gate {
	switch {
	case rpm > 0:
	case minInterval > 0:
		return &MinInterval{Interval: minInterval}
	case caps.RateLimitPerMinute > 0:
		rpm = caps.RateLimitPerMinute
	default:
		return nil
	}
	if burst <= 0 {
		burst = max(1, rpm/10)
	}
	return PerMinute(rpm, burst)
}

func (l *Limited) wait(ctx context.Context, symbol string, cat provider.Category) error {
	if err := l.gate.Wait(ctx); err != nil {
		return provider.NewError(provider.CodeRateLimited, l.Name(), symbol, cat, err)
	}
	return nil
}

func (l *Limited) GetQuote(ctx context.Context, symbol string) (*provider.Quote, error) {
	if err := l.wait(ctx, symbol, provider.CategoryQuote); err != nil {
		return nil, err
	}
	return l.Adapter.GetQuote(ctx, symbol)
}

func (l *Limited) GetBars(ctx context.Context, symbol string, tf provider.Timeframe, start, end time.Time) ([]provider.Bar, error) {
	if err := l.wait(ctx, symbol, provider.CategoryBars); err != nil {
		return nil, err
	}
	return l.Adapter.GetBars(ctx, symbol, tf, start, end)
}

func (l *Limited) GetSnapshot(ctx context.Context, symbol string) (*provider.Snapshot, error) {
	if err := l.wait(ctx, symbol, provider.CategorySnapshot); err != nil {
		return nil, err
	}
	return l.Adapter.GetSnapshot(ctx, symbol)
}

// GetFundamentals forwards to the wrapped adapter when it serves fundamentals.
func (l *Limited) GetFundamentals(ctx context.Context, symbol string) (*provider.Fundamentals, error) {
	fp, ok := l.Adapter.(provider.FundamentalsProvider)
	if !ok {
		return nil, provider.NewError(provider.CodeUnsupported, l.Name(), symbol, provider.CategoryFundamentals, nil)
	}
	if err := l.wait(ctx, symbol, provider.CategoryFundamentals); err != nil {
		return nil, err
	}
	return fp.GetFundamentals(ctx, symbol)
}

// Close releases the wrapped adapter's resources.
func (l *Limited) Close() error {
	if c, ok := l.Adapter.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
