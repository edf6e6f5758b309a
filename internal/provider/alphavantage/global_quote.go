package alphavantage

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// GlobalQuote is the latest price summary for a symbol.
type GlobalQuote struct {
	Symbol           string
	Open             *decimal.Decimal
	High             *decimal.Decimal
	Low              *decimal.Decimal
	Price            *decimal.Decimal
	Volume           *int64
	LatestTradingDay *time.Time
	PreviousClose    *decimal.Decimal
	Change           *decimal.Decimal
	ChangePercent    *float64
}

// GetGlobalQuote retrieves the GLOBAL_QUOTE for symbol. It returns
// ErrInvalidCall when Alpha Vantage answers with an empty quote, which is
// how unknown symbols are reported.
func (c *Client) GetGlobalQuote(ctx context.Context, symbol string, opts ...ClientOption) (*GlobalQuote, error) {
	body, err := c.call(ctx, "GLOBAL_QUOTE", url.Values{"symbol": {symbol}}, opts...)
	if err != nil {
		return nil, err
	}

	// {
	//   "Global Quote": {
	//     "01. symbol": "IBM",
	//     "02. open": "168.4000",
	//     "05. price": "169.9900",
	//     "07. latest trading day": "2024-05-03",
	//     "10. change percent": "0.9263%"
	//   }
	// }
	raw, ok := body["Global Quote"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decoding global quote: missing %q", "Global Quote")
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no quote for %s", ErrInvalidCall, symbol)
	}

	q := &GlobalQuote{Symbol: parseString(raw, "01. symbol")}
	if q.Open, err = parseDecimal(raw, "02. open"); err != nil {
		return nil, err
	}
	if q.High, err = parseDecimal(raw, "03. high"); err != nil {
		return nil, err
	}
	if q.Low, err = parseDecimal(raw, "04. low"); err != nil {
		return nil, err
	}
	if q.Price, err = parseDecimal(raw, "05. price"); err != nil {
		return nil, err
	}
	if q.Volume, err = parseInt(raw, "06. volume"); err != nil {
		return nil, err
	}
	if day := parseString(raw, "07. latest trading day"); day != "" {
		t, err := time.Parse(time.DateOnly, day)
		if err != nil {
			return nil, fmt.Errorf("decoding latest trading day: %w", err)
		}
		q.LatestTradingDay = &t
	}
	if q.PreviousClose, err = parseDecimal(raw, "08. previous close"); err != nil {
		return nil, err
	}
	if q.Change, err = parseDecimal(raw, "09. change"); err != nil {
		return nil, err
	}
	if q.ChangePercent, err = parseFloat(raw, "10. change percent"); err != nil {
		return nil, err
	}
	return q, nil
}
