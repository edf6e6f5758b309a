package provider

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the normalized shape returned by all providers.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	BidSize   int64           `json:"bid_size"`
	AskSize   int64           `json:"ask_size"`
	Volume    int64           `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

// Bar is a single OHLCV candle. VWAP is nil when the source does not report it.
type Bar struct {
	Timestamp time.Time        `json:"timestamp"`
	Open      decimal.Decimal  `json:"open"`
	High      decimal.Decimal  `json:"high"`
	Low       decimal.Decimal  `json:"low"`
	Close     decimal.Decimal  `json:"close"`
	Volume    int64            `json:"volume"`
	VWAP      *decimal.Decimal `json:"vwap,omitempty"`
}

// Snapshot summarizes the current trading day for a symbol.
type Snapshot struct {
	Symbol        string           `json:"symbol"`
	Price         decimal.Decimal  `json:"price"`
	Open          decimal.Decimal  `json:"open"`
	High          decimal.Decimal  `json:"high"`
	Low           decimal.Decimal  `json:"low"`
	Close         decimal.Decimal  `json:"close"`
	PrevClose     decimal.Decimal  `json:"prev_close"`
	Change        decimal.Decimal  `json:"change"`
	ChangePercent float64          `json:"change_percent"`
	Volume        int64            `json:"volume"`
	Bid           *decimal.Decimal `json:"bid,omitempty"`
	Ask           *decimal.Decimal `json:"ask,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
	Source        string           `json:"source"`
}

// Fundamentals holds slow-moving company data. Ratios are nil when unknown.
type Fundamentals struct {
	Symbol        string          `json:"symbol"`
	Name          string          `json:"name,omitempty"`
	MarketCap     decimal.Decimal `json:"market_cap"`
	PERatio       *float64        `json:"pe_ratio,omitempty"`
	EPS           *float64        `json:"eps,omitempty"`
	DividendYield *float64        `json:"dividend_yield,omitempty"`
	Beta          *float64        `json:"beta,omitempty"`
	Sector        string          `json:"sector,omitempty"`
	Industry      string          `json:"industry,omitempty"`
	Source        string          `json:"source"`
}

// Capabilities is what an adapter declares it can serve. The router checks
// it before attempting a call.
type Capabilities struct {
	Realtime           bool `json:"realtime"`
	Historical         bool `json:"historical"`
	Fundamentals       bool `json:"fundamentals"`
	Options            bool `json:"options"`
	Crypto             bool `json:"crypto"`
	Forex              bool `json:"forex"`
	MaxHistoryDays     int  `json:"max_history_days"`
	RateLimitPerMinute int  `json:"rate_limit_per_minute"`
}

// Supports reports whether the adapter can serve the category at all.
func (c Capabilities) Supports(cat Category) bool {
	switch cat {
	case CategoryQuote, CategorySnapshot:
		return c.Realtime
	case CategoryBars, CategoryIndicators:
		return c.Historical
	case CategoryFundamentals:
		return c.Fundamentals
	}
	return false
}

// Adapter is implemented once per upstream data source.
//
//go:generate mockgen -package=mock -destination=mock/mock_adapter.go -source=provider.go Adapter
type Adapter interface {
	Name() string
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetBars(ctx context.Context, symbol string, tf Timeframe, start, end time.Time) ([]Bar, error)
	GetSnapshot(ctx context.Context, symbol string) (*Snapshot, error)
	Capabilities() Capabilities
	IsHealthy(ctx context.Context) bool
	NormalizeSymbol(symbol string) string
}
