package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"marketdata/internal/provider"
	"marketdata/internal/provider/mock"
	"marketdata/internal/provider/ratelimit"
)

func TestTokenBucket_BurstThenBlocks(t *testing.T) {
	t.Parallel()

	// Arrange: one token per hour, burst of two
	tb := ratelimit.NewTokenBucket(1.0/3600, 2)

	// Act & Assert: the burst is available immediately
	require.NoError(t, tb.Wait(t.Context()))
	require.NoError(t, tb.Wait(t.Context()))

	// Act & Assert: the third call waits until the context gives up
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, tb.Wait(ctx), context.DeadlineExceeded)
}

func TestMinInterval_SpacesCalls(t *testing.T) {
	t.Parallel()

	gate := &ratelimit.MinInterval{Interval: 30 * time.Millisecond}

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, gate.Wait(t.Context()))
	}
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestLimited_GatesDataCalls(t *testing.T) {
	t.Parallel()

	// Arrange: an adapter behind an exhausted bucket
	ctrl := gomock.NewController(t)
	adapter := mock.NewMockAdapter(ctrl)
	adapter.EXPECT().Name().Return("slow").AnyTimes()
	adapter.EXPECT().GetQuote(gomock.Any(), "AAPL").Return(&provider.Quote{Symbol: "AAPL"}, nil).Times(1)

	limited := ratelimit.Wrap(adapter, ratelimit.NewTokenBucket(1.0/3600, 1))

	// Act: first call consumes the only token
	q, err := limited.GetQuote(t.Context(), "AAPL")
	require.NoError(t, err)
	require.Equal(t, "AAPL", q.Symbol)

	// Act: second call cannot get a token before the deadline
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	_, err = limited.GetQuote(ctx, "AAPL")

	// Assert: surfaced as a typed rate-limit error, upstream not called again
	require.ErrorIs(t, err, provider.ErrRateLimited)
}

func TestForCapabilities(t *testing.T) {
	t.Parallel()

	declared := provider.Capabilities{RateLimitPerMinute: 100}

	tests := []struct {
		name        string
		caps        provider.Capabilities
		rpm         int
		minInterval time.Duration
		want        ratelimit.Gate
	}{
		{"configured budget", provider.Capabilities{}, 60, time.Second, &ratelimit.TokenBucket{}},
		{"configured interval beats declared", declared, 0, time.Second, &ratelimit.MinInterval{}},
		{"declared budget as fallback", declared, 0, 0, &ratelimit.TokenBucket{}},
		{"nothing set", provider.Capabilities{}, 0, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := ratelimit.ForCapabilities(tt.caps, tt.rpm, 0, tt.minInterval)

			if tt.want == nil {
				require.Nil(t, got)
				return
			}
			require.IsType(t, tt.want, got)
		})
	}
}
