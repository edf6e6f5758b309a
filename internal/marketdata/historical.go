package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"marketdata/internal/indicators"
	"marketdata/internal/provider"
	"marketdata/internal/router"
	"marketdata/internal/store"
)

// defaultLimit applies when a query names neither a start nor a limit.
const defaultLimit = 100

// HistoricalQuery selects bars either by range (Start, End) or by the last
// Limit bars up to End. A zero End means now; a zero Timeframe means daily.
type HistoricalQuery struct {
	Symbol    string
	Timeframe provider.Timeframe
	Limit     int
	Start     time.Time
	End       time.Time
}

// coverage marks a window whose bars are fully held by the durable store.
type coverage struct {
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
	Count int       `json:"count"`
}

// Series is a run of bars with the source that served them. Source is
// router.SourceStale when every provider failed and an expired copy was
// returned instead.
type Series struct {
	Symbol    string             `json:"symbol"`
	Timeframe provider.Timeframe `json:"timeframe"`
	Source    string             `json:"source"`
	Bars      []provider.Bar     `json:"bars"`
}

// GetHistoricalData returns bars ascending by timestamp with no duplicate
// timestamps, at most Limit of them when Limit is set.
func (s *Service) GetHistoricalData(ctx context.Context, q HistoricalQuery) (*Series, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	sym, err := canonical(q.Symbol, provider.CategoryBars)
	if err != nil {
		return nil, err
	}
	tf := q.Timeframe
	if tf == "" {
		tf = provider.Day1
	}
	if tf.Duration() == 0 {
		return nil, provider.NewError(provider.CodeUnsupported, "", sym, provider.CategoryBars, fmt.Errorf("unknown timeframe %q", tf))
	}
	start, end, limit := s.window(q, tf)
	if !start.Before(end) {
		return nil, provider.NewError(provider.CodeInsufficientData, "", sym, provider.CategoryBars,
			fmt.Errorf("empty range %s..%s", start.Format(time.RFC3339), end.Format(time.RFC3339)))
	}

	series := store.SeriesKey{Symbol: sym, Timeframe: tf}
	key := fmt.Sprintf("bars:%s:%d:%d", series, start.Unix(), end.Unix())

	ch := s.sf.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.FetchTimeout)
		defer cancel()
		return s.fillBars(fctx, key, series, start, end)
	})
	var res singleResult
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		res = r.Val.(singleResult)
	}

	out := tidy(res.bars, start, end, limit)
	if len(out) == 0 {
		return nil, provider.NewError(provider.CodeInsufficientData, res.src, sym, provider.CategoryBars, errors.New("no bars in range"))
	}
	return &Series{Symbol: sym, Timeframe: tf, Source: res.src, Bars: out}, nil
}

type singleResult struct {
	bars []provider.Bar
	src  string
}

func (s *Service) fillBars(ctx context.Context, key string, series store.SeriesKey, start, end time.Time) (singleResult, error) {
	now := s.opts.Now()
	if s.covered(ctx, key, now) {
		bars, err := s.store.QueryBars(ctx, series, start, end)
		switch {
		case err != nil:
			s.log.Warn("durable bars read failed", "series", series.String(), "error", err)
		case len(bars) > 0:
			s.persistedHits.Add(1)
			return singleResult{bars: bars, src: SourcePersisted}, nil
		}
	}

	pref, err := s.preference(ctx, provider.CategoryBars)
	if err != nil {
		return singleResult{}, err
	}
	bars, o, err := s.router.Bars(ctx, series.Symbol, series.Timeframe, start, end, pref)
	if err != nil {
		return singleResult{}, err
	}
	src := o.Source
	switch {
	case src == router.SourceStale:
		s.staleServed.Add(1)
		return singleResult{bars: bars, src: src}, nil
	case o.Cached:
		s.routerHits.Add(1)
		now = o.FetchedAt
	default:
		s.upstream.Add(1)
	}

	// the marker is written only once the bars it vouches for are stored
	if err := s.store.PutBars(ctx, series, bars, src); err != nil {
		s.log.Warn("durable bars write failed", "series", series.String(), "error", err)
		return singleResult{bars: bars, src: src}, nil
	}
	b, _ := json.Marshal(coverage{From: start, To: end, Count: len(bars)})
	rec := store.Record{Value: b, Source: src, FetchedAt: now, ExpiresAt: now.Add(s.opts.TTL.Historical)}
	if err := s.store.Set(ctx, key, rec); err != nil {
		s.log.Warn("durable coverage write failed", "key", key, "error", err)
	}
	return singleResult{bars: bars, src: src}, nil
}

func (s *Service) covered(ctx context.Context, key string, now time.Time) bool {
	rec, err := s.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Warn("durable cache read failed", "key", key, "error", err)
		}
		return false
	}
	return rec.Fresh(now)
}

// window resolves q to a closed range. An open-ended query is aligned to
// the next period boundary so repeated calls share a coverage marker.
func (s *Service) window(q HistoricalQuery, tf provider.Timeframe) (time.Time, time.Time, int) {
	limit := max(q.Limit, 0)
	end := q.End.UTC()
	if q.End.IsZero() {
		step := min(tf.Duration(), 24*time.Hour)
		end = s.opts.Now().UTC().Truncate(step).Add(step)
	}
	start := q.Start.UTC()
	if q.Start.IsZero() {
		if limit == 0 {
			limit = defaultLimit
		}
		start = end.Add(-lookback(tf, limit))
	}
	return start, end, limit
}

// lookback is a span long enough to hold limit bars of tf. Daily bars exist
// only on sessions, about five in seven days less holidays; the result for
// the indicator lookback stays inside a one-year history limit.
func lookback(tf provider.Timeframe, limit int) time.Duration {
	const day = 24 * time.Hour
	switch d := tf.Duration(); {
	case d == day:
		return time.Duration(limit*7/5+14) * day
	case d > day:
		return d*time.Duration(limit) + 7*day
	default:
		// room for nights, weekends and closed sessions
		return d*time.Duration(limit)*2 + 4*day
	}
}

// tidy copies the bars inside [start, end], sorted and de-duplicated by
// timestamp, keeping the last limit of them when limit > 0.
func tidy(bars []provider.Bar, start, end time.Time, limit int) []provider.Bar {
	out := make([]provider.Bar, 0, len(bars))
	for _, b := range bars {
		if b.Timestamp.Before(start) || b.Timestamp.After(end) {
			continue
		}
		out = append(out, b)
	}
	slices.SortStableFunc(out, func(a, b provider.Bar) int { return a.Timestamp.Compare(b.Timestamp) })
	out = slices.CompactFunc(out, func(a, b provider.Bar) bool { return a.Timestamp.Equal(b.Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// GetTechnicalIndicators computes indicators over the daily lookback
// window. Fewer than indicators.MinBars bars is INSUFFICIENT_DATA.
func (s *Service) GetTechnicalIndicators(ctx context.Context, raw string) (*indicators.Indicators, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	sym, err := canonical(raw, provider.CategoryIndicators)
	if err != nil {
		return nil, err
	}
	return load(ctx, s, cached[*indicators.Indicators]{
		key: "indicators:" + sym,
		ttl: s.opts.TTL.Indicators,
		fetch: func(ctx context.Context) (*indicators.Indicators, router.Origin, error) {
			q := HistoricalQuery{Symbol: sym, Timeframe: provider.Day1, Limit: s.opts.IndicatorLookback}
			series, err := s.GetHistoricalData(ctx, q)
			if err != nil {
				return nil, router.Origin{}, err
			}
			ind, err := indicators.Compute(sym, series.Bars)
			if err != nil {
				return nil, router.Origin{}, err
			}
			return ind, router.Origin{Source: series.Source}, nil
		},
		tag: func(v *indicators.Indicators, src string) *indicators.Indicators {
			c := *v
			c.Source = src
			return &c
		},
	})
}
