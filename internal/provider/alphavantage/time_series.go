package alphavantage

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Series selects the TIME_SERIES_* function.
type Series string

const (
	SeriesIntraday Series = "TIME_SERIES_INTRADAY"
	SeriesDaily    Series = "TIME_SERIES_DAILY"
	SeriesWeekly   Series = "TIME_SERIES_WEEKLY"
)

// Candle is one point of a time series. Fields are nil when the upstream
// value was missing or unparsable; callers decide whether to skip the point.
type Candle struct {
	Time   time.Time
	Open   *decimal.Decimal
	High   *decimal.Decimal
	Low    *decimal.Decimal
	Close  *decimal.Decimal
	Volume *int64
}

// TimeSeriesRequest describes a TIME_SERIES_* call.
type TimeSeriesRequest struct {
	Series   Series
	Symbol   string
	Interval string // intraday only: 1min, 5min, 15min, 30min, 60min
	Full     bool   // outputsize=full instead of the latest 100 points
}

// GetTimeSeries returns candles ordered by ascending time.
func (c *Client) GetTimeSeries(ctx context.Context, r TimeSeriesRequest, opts ...ClientOption) ([]Candle, error) {
	params := url.Values{"symbol": {r.Symbol}}
	if r.Series == SeriesIntraday {
		params.Set("interval", r.Interval)
	}
	if r.Full {
		params.Set("outputsize", "full")
	}
	body, err := c.call(ctx, string(r.Series), params, opts...)
	if err != nil {
		return nil, err
	}

	loc := time.UTC
	if meta, ok := body["Meta Data"].(map[string]any); ok {
		for k, v := range meta {
			if !strings.HasSuffix(k, "Time Zone") {
				continue
			}
			if name, ok := v.(string); ok {
				if l, err := time.LoadLocation(name); err == nil {
					loc = l
				}
			}
		}
	}

	var series map[string]any
	for k, v := range body {
		if strings.HasPrefix(k, "Time Series") || strings.HasSuffix(k, "Time Series") {
			series, _ = v.(map[string]any)
			break
		}
	}
	if series == nil {
		return nil, fmt.Errorf("decoding time series: no series in response")
	}

	candles := make([]Candle, 0, len(series))
	for stamp, raw := range series {
		// "2024-05-03": {"1. open": "168.4", "2. high": "170.1", "3. low": "167.9", "4. close": "169.9", "5. volume": "2793041"}
		t, err := parseStamp(stamp, loc)
		if err != nil {
			continue
		}
		point, ok := raw.(map[string]any)
		if !ok {
			candles = append(candles, Candle{Time: t})
			continue
		}
		cd := Candle{Time: t}
		// Unparsable fields stay nil.
		cd.Open, _ = parseDecimal(point, "1. open")
		cd.High, _ = parseDecimal(point, "2. high")
		cd.Low, _ = parseDecimal(point, "3. low")
		cd.Close, _ = parseDecimal(point, "4. close")
		cd.Volume, _ = parseInt(point, "5. volume")
		candles = append(candles, cd)
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
	return candles, nil
}

func parseStamp(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation(time.DateTime, s, loc); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}
