package alphavantage

import (
	"context"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"
)

// CompanyOverview is the subset of OVERVIEW the data layer uses.
type CompanyOverview struct {
	Symbol        string
	Name          string
	Sector        string
	Industry      string
	MarketCap     *decimal.Decimal
	PERatio       *float64
	EPS           *float64
	DividendYield *float64
	Beta          *float64
}

// GetOverview retrieves company fundamentals. An empty object means the
// symbol is unknown.
func (c *Client) GetOverview(ctx context.Context, symbol string, opts ...ClientOption) (*CompanyOverview, error) {
	body, err := c.call(ctx, "OVERVIEW", url.Values{"symbol": {symbol}}, opts...)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: no overview for %s", ErrInvalidCall, symbol)
	}

	o := &CompanyOverview{
		Symbol:   parseString(body, "Symbol"),
		Name:     parseString(body, "Name"),
		Sector:   parseString(body, "Sector"),
		Industry: parseString(body, "Industry"),
	}
	if o.MarketCap, err = parseDecimal(body, "MarketCapitalization"); err != nil {
		return nil, err
	}
	if o.PERatio, err = parseFloat(body, "PERatio"); err != nil {
		return nil, err
	}
	if o.EPS, err = parseFloat(body, "EPS"); err != nil {
		return nil, err
	}
	if o.DividendYield, err = parseFloat(body, "DividendYield"); err != nil {
		return nil, err
	}
	if o.Beta, err = parseFloat(body, "Beta"); err != nil {
		return nil, err
	}
	return o, nil
}
