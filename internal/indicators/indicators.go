// Package indicators computes the technical summary served for a symbol.
package indicators

import (
	"errors"
	"fmt"
	"math"
	"time"

	"marketdata/internal/provider"
)

// Lookbacks. MinBars is the longest of them.
const (
	SMAShort   = 20
	SMAMedium  = 50
	SMALong    = 200
	RSIPeriod  = 14
	BandPeriod = 20
	BandK      = 2.0
	ATRPeriod  = 14
	MinBars    = SMALong
)

// Lookback is how many daily bars to request when computing from scratch;
// it leaves room for holidays and skipped malformed points.
const Lookback = 250

// Bands is a moving average with k standard deviations either side.
type Bands struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

type Indicators struct {
	Symbol    string    `json:"symbol"`
	SMA20     float64   `json:"sma_20"`
	SMA50     float64   `json:"sma_50"`
	SMA200    float64   `json:"sma_200"`
	RSI14     float64   `json:"rsi_14"`
	Bollinger Bands     `json:"bollinger"`
	ATR14     float64   `json:"atr_14"`
	Bars      int       `json:"bars"`
	AsOf      time.Time `json:"as_of"`
	Source    string    `json:"source"`
}

// Compute derives indicators from bars sorted ascending. It refuses to
// produce partial averages: fewer than MinBars bars is INSUFFICIENT_DATA.
func Compute(symbol string, bars []provider.Bar) (*Indicators, error) {
	if len(bars) < MinBars {
		return nil, provider.NewError(provider.CodeInsufficientData, "", symbol, provider.CategoryIndicators,
			fmt.Errorf("need %d bars, have %d", MinBars, len(bars)))
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close.InexactFloat64()
	}

	out := &Indicators{
		Symbol: symbol,
		SMA20:  SMA(closes, SMAShort),
		SMA50:  SMA(closes, SMAMedium),
		SMA200: SMA(closes, SMALong),
		Bars:   len(bars),
		AsOf:   bars[len(bars)-1].Timestamp,
	}
	var err error
	if out.RSI14, err = RSI(closes, RSIPeriod); err != nil {
		return nil, provider.NewError(provider.CodeInsufficientData, "", symbol, provider.CategoryIndicators, err)
	}
	out.Bollinger = Bollinger(closes, BandPeriod, BandK)
	if out.ATR14, err = ATR(bars, ATRPeriod); err != nil {
		return nil, provider.NewError(provider.CodeInsufficientData, "", symbol, provider.CategoryIndicators, err)
	}
	return out, nil
}

// SMA is the mean of the last n values. The caller guarantees len >= n.
func SMA(v []float64, n int) float64 {
	sum := 0.0
	for _, x := range v[len(v)-n:] {
		sum += x
	}
	return sum / float64(n)
}

var errShort = errors.New("series shorter than period")

// RSI uses Wilder smoothing seeded with the simple average of the first
// period changes. The result is in [0, 100].
func RSI(closes []float64, period int) (float64, error) {
	if len(closes) <= period {
		return 0, errShort
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	p := float64(period)
	gain /= p
	loss /= p
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		up, down := 0.0, 0.0
		if d > 0 {
			up = d
		} else {
			down = -d
		}
		gain = (gain*(p-1) + up) / p
		loss = (loss*(p-1) + down) / p
	}
	switch {
	case loss == 0 && gain == 0:
		return 50, nil
	case loss == 0:
		return 100, nil
	}
	return 100 - 100/(1+gain/loss), nil
}

// Bollinger returns the n-period SMA with k population standard deviations
// either side. A flat series gets a small floor width so the bands stay
// strictly ordered.
func Bollinger(closes []float64, n int, k float64) Bands {
	mid := SMA(closes, n)
	var ss float64
	for _, x := range closes[len(closes)-n:] {
		ss += (x - mid) * (x - mid)
	}
	sd := math.Sqrt(ss / float64(n))
	width := k * sd
	if floor := math.Abs(mid) * 1e-9; width < floor || width == 0 {
		width = math.Max(floor, 1e-9)
	}
	return Bands{Upper: mid + width, Middle: mid, Lower: mid - width}
}

// ATR is the Wilder-smoothed average true range.
func ATR(bars []provider.Bar, period int) (float64, error) {
	if len(bars) <= period {
		return 0, errShort
	}
	tr := func(i int) float64 {
		h := bars[i].High.InexactFloat64()
		l := bars[i].Low.InexactFloat64()
		pc := bars[i-1].Close.InexactFloat64()
		return math.Max(h-l, math.Max(math.Abs(h-pc), math.Abs(l-pc)))
	}
	atr := 0.0
	for i := 1; i <= period; i++ {
		atr += tr(i)
	}
	p := float64(period)
	atr /= p
	for i := period + 1; i < len(bars); i++ {
		atr = (atr*(p-1) + tr(i)) / p
	}
	return atr, nil
}
