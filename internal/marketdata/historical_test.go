package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketdata/internal/indicators"
	"marketdata/internal/provider"
)

func TestLookback(t *testing.T) {
	t.Parallel()

	const day = 24 * time.Hour
	tests := []struct {
		name  string
		tf    provider.Timeframe
		limit int
		want  time.Duration
	}{
		{"indicator lookback fits a year", provider.Day1, indicators.Lookback, 364 * day},
		{"default daily", provider.Day1, defaultLimit, 154 * day},
		{"weekly", provider.Week1, 10, 77 * day},
		{"hourly", provider.Hour1, 24, 48*time.Hour + 4*day},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tt.want, lookback(tt.tf, tt.limit))
		})
	}
}

func TestWindow_OpenEndedDailyStaysWithinAYear(t *testing.T) {
	t.Parallel()

	// Arrange
	now := time.Date(2025, 3, 3, 15, 30, 0, 0, time.UTC)
	s := &Service{opts: Options{Now: func() time.Time { return now }}}

	// Act
	start, end, limit := s.window(HistoricalQuery{Limit: indicators.Lookback}, provider.Day1)

	// Assert
	require.Equal(t, indicators.Lookback, limit)
	require.Equal(t, time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), end)
	require.False(t, start.Before(now.AddDate(0, 0, -365)))
}
