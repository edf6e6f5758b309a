package provider

import (
	"fmt"
	"strings"
	"time"
)

// Category is the kind of data being requested. It is part of every cache key.
type Category string

const (
	CategoryQuote        Category = "quote"
	CategoryBars         Category = "bars"
	CategorySnapshot     Category = "snapshot"
	CategoryFundamentals Category = "fundamentals"
	CategoryIndicators   Category = "indicators"
)

// Timeframe is the width of one bar.
type Timeframe string

const (
	Minute1  Timeframe = "1m"
	Minute5  Timeframe = "5m"
	Minute15 Timeframe = "15m"
	Minute30 Timeframe = "30m"
	Hour1    Timeframe = "1h"
	Day1     Timeframe = "1d"
	Week1    Timeframe = "1w"
)

var timeframes = map[Timeframe]time.Duration{
	Minute1:  time.Minute,
	Minute5:  5 * time.Minute,
	Minute15: 15 * time.Minute,
	Minute30: 30 * time.Minute,
	Hour1:    time.Hour,
	Day1:     24 * time.Hour,
	Week1:    7 * 24 * time.Hour,
}

// ParseTimeframe accepts the canonical names plus a few common spellings
// ("D", "1day", "60m").
func ParseTimeframe(s string) (Timeframe, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "d", "1day", "day", "daily":
		v = "1d"
	case "w", "1week", "week", "weekly":
		v = "1w"
	case "60m", "1hour", "hour":
		v = "1h"
	}
	tf := Timeframe(v)
	if _, ok := timeframes[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Duration returns the bar width, or zero for an unknown timeframe.
func (t Timeframe) Duration() time.Duration { return timeframes[t] }

// Intraday reports whether bars are narrower than a day.
func (t Timeframe) Intraday() bool {
	d := t.Duration()
	return d > 0 && d < 24*time.Hour
}
