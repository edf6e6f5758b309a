package provider_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketdata/internal/provider"
)

func TestError_IsMatchesByCode(t *testing.T) {
	t.Parallel()

	// Arrange: a typed error wrapped twice
	base := provider.NewError(provider.CodeRateLimited, "finnhub", "AAPL", provider.CategoryQuote, errors.New("429"))
	wrapped := fmt.Errorf("router: %w", base)

	// Assert: sentinel comparison goes by code
	require.ErrorIs(t, wrapped, provider.ErrRateLimited)
	require.NotErrorIs(t, wrapped, provider.ErrNetwork)
	require.Equal(t, provider.CodeRateLimited, provider.CodeOf(wrapped))
	require.Contains(t, base.Error(), "provider=finnhub")
	require.Contains(t, base.Error(), "symbol=AAPL")
}

func TestClassify(t *testing.T) {
	t.Parallel()

	// Act: untyped transport error
	err := provider.Classify(errors.New("connection reset"), "yahoo", "MSFT", provider.CategoryBars)

	// Assert: becomes a network error carrying context
	var e *provider.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, provider.CodeNetwork, e.Code)
	require.Equal(t, "yahoo", e.Provider)
	require.Equal(t, provider.CategoryBars, e.Category)

	// Assert: typed errors keep their code and sentinels are never mutated
	err = provider.Classify(provider.ErrInvalidSymbol, "yahoo", "MSFT", provider.CategoryQuote)
	require.ErrorAs(t, err, &e)
	require.Equal(t, provider.CodeInvalidSymbol, e.Code)
	require.Equal(t, "MSFT", e.Symbol)
	require.Empty(t, provider.ErrInvalidSymbol.Symbol)

	// Assert: cancellation passes through untouched
	require.ErrorIs(t, provider.Classify(context.Canceled, "yahoo", "", ""), context.Canceled)
	require.NoError(t, provider.Classify(nil, "yahoo", "", ""))
}

func TestRetry_RetriesOnlyNetworkErrors(t *testing.T) {
	t.Parallel()

	policy := provider.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}

	// Act: transient failures then success
	var calls atomic.Int32
	v, err := provider.Retry(t.Context(), policy, func(context.Context) (int, error) {
		if calls.Add(1) < 3 {
			return 0, provider.NewError(provider.CodeNetwork, "p", "", "", nil)
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.EqualValues(t, 3, calls.Load())

	// Act: non-retryable failure stops immediately
	calls.Store(0)
	_, err = provider.Retry(t.Context(), policy, func(context.Context) (int, error) {
		calls.Add(1)
		return 0, provider.NewError(provider.CodeInvalidSymbol, "p", "X", "", nil)
	})
	require.ErrorIs(t, err, provider.ErrInvalidSymbol)
	require.EqualValues(t, 1, calls.Load())
}

func TestRetryPolicy_DelayIsCapped(t *testing.T) {
	t.Parallel()

	p := provider.RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}
	require.Equal(t, 100*time.Millisecond, p.Delay(1))
	require.Equal(t, 200*time.Millisecond, p.Delay(2))
	require.Equal(t, 300*time.Millisecond, p.Delay(3))
	require.Equal(t, 300*time.Millisecond, p.Delay(10))
}

func TestHealthCheck_CachesProbe(t *testing.T) {
	t.Parallel()

	// Arrange: a probe that fails the first time only
	var probes atomic.Int32
	hc := &provider.HealthCheck{TTL: time.Hour, Probe: func(context.Context) error {
		if probes.Add(1) == 1 {
			return errors.New("down")
		}
		return nil
	}}

	// Act & Assert: the failure is cached for TTL
	require.False(t, hc.Healthy(t.Context()))
	require.False(t, hc.Healthy(t.Context()))
	require.EqualValues(t, 1, probes.Load())

	healthy, checked, _ := hc.Last()
	require.False(t, healthy)
	require.False(t, checked.IsZero())
}

func TestParseTimeframe(t *testing.T) {
	t.Parallel()

	tf, err := provider.ParseTimeframe("D")
	require.NoError(t, err)
	require.Equal(t, provider.Day1, tf)
	require.Equal(t, 24*time.Hour, tf.Duration())
	require.False(t, tf.Intraday())

	tf, err = provider.ParseTimeframe("5m")
	require.NoError(t, err)
	require.True(t, tf.Intraday())

	_, err = provider.ParseTimeframe("3d")
	require.Error(t, err)
}

func TestCapabilities_Supports(t *testing.T) {
	t.Parallel()

	c := provider.Capabilities{Realtime: true}
	require.True(t, c.Supports(provider.CategoryQuote))
	require.False(t, c.Supports(provider.CategoryBars))
	require.False(t, c.Supports(provider.CategoryFundamentals))
}
