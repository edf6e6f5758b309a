// Package storetest holds behaviour tests every store.Store must pass.
package storetest

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"marketdata/internal/provider"
	"marketdata/internal/store"
)

// Run exercises a fresh store from newStore in each subtest.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()
	base := time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)

	t.Run("missing key", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(t.Context(), "quote:NONE")
		require.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
	})

	t.Run("set and get", func(t *testing.T) {
		// Arrange
		s := newStore(t)
		rec := store.Record{
			Value:     []byte(`{"price":"101.5"}`),
			Source:    "finnhub",
			FetchedAt: base,
			ExpiresAt: base.Add(time.Hour),
		}

		// Act
		require.NoError(t, s.Set(t.Context(), "quote:AAPL", rec))
		got, err := s.Get(t.Context(), "quote:AAPL")

		// Assert
		require.NoError(t, err)
		require.JSONEq(t, string(rec.Value), string(got.Value))
		require.Equal(t, "finnhub", got.Source)
		require.True(t, got.FetchedAt.Equal(base))
		require.True(t, got.ExpiresAt.Equal(base.Add(time.Hour)))
	})

	t.Run("older write is discarded", func(t *testing.T) {
		s := newStore(t)
		newer := store.Record{Value: []byte(`"new"`), Source: "a", FetchedAt: base.Add(time.Second), ExpiresAt: base.Add(time.Hour)}
		older := store.Record{Value: []byte(`"old"`), Source: "b", FetchedAt: base, ExpiresAt: base.Add(time.Hour)}

		require.NoError(t, s.Set(t.Context(), "k", newer))
		require.NoError(t, s.Set(t.Context(), "k", older))

		got, err := s.Get(t.Context(), "k")
		require.NoError(t, err)
		require.Equal(t, `"new"`, string(got.Value))
		require.Equal(t, "a", got.Source)
	})

	t.Run("bars upsert and range", func(t *testing.T) {
		// Arrange
		s := newStore(t)
		key := store.SeriesKey{Symbol: "AAPL", Timeframe: provider.Day1}
		bar := func(day int, c int64) provider.Bar {
			return provider.Bar{
				Timestamp: base.AddDate(0, 0, day),
				Open:      decimal.NewFromInt(c),
				High:      decimal.NewFromInt(c + 1),
				Low:       decimal.NewFromInt(c - 1),
				Close:     decimal.NewFromInt(c),
				Volume:    c * 10,
			}
		}

		// Act: the second write replaces day 2
		require.NoError(t, s.PutBars(t.Context(), key, []provider.Bar{bar(2, 12), bar(0, 10), bar(1, 11)}, "a"))
		require.NoError(t, s.PutBars(t.Context(), key, []provider.Bar{bar(2, 20), bar(3, 13)}, "a"))
		got, err := s.QueryBars(t.Context(), key, base.AddDate(0, 0, 1), base.AddDate(0, 0, 3))

		// Assert
		require.NoError(t, err)
		require.Len(t, got, 3)
		require.True(t, got[0].Timestamp.Equal(base.AddDate(0, 0, 1)))
		require.Equal(t, "20", got[1].Close.String())
		require.EqualValues(t, 130, got[2].Volume)

		other, err := s.QueryBars(t.Context(), store.SeriesKey{Symbol: "AAPL", Timeframe: provider.Hour1}, base, base.AddDate(0, 0, 5))
		require.NoError(t, err)
		require.Empty(t, other)
	})

	t.Run("ping", func(t *testing.T) {
		require.NoError(t, newStore(t).Ping(t.Context()))
	})
}
