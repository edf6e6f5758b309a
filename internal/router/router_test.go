package router_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"marketdata/internal/provider"
	"marketdata/internal/provider/mock"
	"marketdata/internal/router"
)

var equityCaps = provider.Capabilities{Realtime: true, Historical: true}

func newMock(ctrl *gomock.Controller, name string, caps provider.Capabilities) *mock.MockAdapter {
	m := mock.NewMockAdapter(ctrl)
	m.EXPECT().Name().Return(name).AnyTimes()
	m.EXPECT().Capabilities().Return(caps).AnyTimes()
	return m
}

func quote(sym, src string, price int64) *provider.Quote {
	return &provider.Quote{Symbol: sym, Price: decimal.NewFromInt(price), Source: src}
}

func newRouter(t *testing.T, opts router.Options, adapters ...provider.Adapter) *router.Router {
	t.Helper()
	reg, err := router.NewRegistry(adapters...)
	require.NoError(t, err)
	return router.New(reg, opts)
}

func names(as []provider.Adapter) []string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = a.Name()
	}
	return out
}

func TestCandidates_Order(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a", equityCaps)
	b := newMock(ctrl, "b", equityCaps)
	c := newMock(ctrl, "c", equityCaps)
	d := newMock(ctrl, "d", equityCaps)
	r := newRouter(t, router.Options{Fallback: []string{"d"}}, a, b, c, d)

	// Act & Assert
	require.Equal(t, []string{"c", "b", "d", "a"}, names(r.Candidates(router.Preference{Primary: "c", Fallback: []string{"b", "c", "zz"}})))
	require.Equal(t, []string{"d", "a", "b", "c"}, names(r.Candidates(router.Preference{})))
	// unavailable primary and fallback entries are skipped
	require.Equal(t, []string{"b", "a"}, names(r.Candidates(router.Preference{
		Primary: "c", Fallback: []string{"b", "d"}, Available: []string{"a", "b"},
	})))
}

func TestQuote_FallbackIsTaggedWithFallbackSource(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	primary := newMock(ctrl, "primary", equityCaps)
	fallback := newMock(ctrl, "fallback", equityCaps)
	primary.EXPECT().GetQuote(gomock.Any(), "AAPL").
		Return(nil, provider.NewError(provider.CodeNetwork, "primary", "AAPL", provider.CategoryQuote, nil)).Times(1)
	fallback.EXPECT().GetQuote(gomock.Any(), "AAPL").Return(quote("AAPL", "fallback", 190), nil).Times(1)
	r := newRouter(t, router.Options{}, primary, fallback)

	// Act
	q, origin, err := r.Quote(t.Context(), "AAPL", router.Preference{Primary: "primary", Fallback: []string{"fallback"}})

	// Assert
	require.NoError(t, err)
	require.Equal(t, "fallback", origin.Source)
	require.Equal(t, "fallback", q.Source)
	require.Equal(t, "190", q.Price.String())
}

func TestQuote_AllFailWithoutCacheIsNoSourceAvailable(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a", equityCaps)
	b := newMock(ctrl, "b", equityCaps)
	a.EXPECT().GetQuote(gomock.Any(), "AAPL").Return(nil, errors.New("dial tcp: refused"))
	b.EXPECT().GetQuote(gomock.Any(), "AAPL").Return(nil, provider.ErrRateLimited)
	r := newRouter(t, router.Options{}, a, b)

	_, _, err := r.Quote(t.Context(), "AAPL", router.Preference{})

	require.ErrorIs(t, err, provider.ErrNoSourceAvailable)
	var typed *provider.Error
	require.ErrorAs(t, err, &typed)
	require.Equal(t, "AAPL", typed.Symbol)
	require.Equal(t, provider.CategoryQuote, typed.Category)
	require.Contains(t, err.Error(), "provider=a")
	require.Contains(t, err.Error(), "RATE_LIMITED")
}

func TestQuote_AllFailServesStaleEntry(t *testing.T) {
	t.Parallel()

	// Arrange: fresh reads disabled so the second call reaches the provider
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a", equityCaps)
	gomock.InOrder(
		a.EXPECT().GetQuote(gomock.Any(), "AAPL").Return(quote("AAPL", "a", 100), nil),
		a.EXPECT().GetQuote(gomock.Any(), "AAPL").Return(nil, provider.ErrNetwork),
	)
	r := newRouter(t, router.Options{StaleTTL: time.Hour}, a)
	_, _, err := r.Quote(t.Context(), "AAPL", router.Preference{})
	require.NoError(t, err)

	// Act
	q, origin, err := r.Quote(t.Context(), "AAPL", router.Preference{})

	// Assert
	require.NoError(t, err)
	require.Equal(t, router.SourceStale, origin.Source)
	require.Equal(t, router.SourceStale, q.Source)
	require.Equal(t, "100", q.Price.String())
}

func TestQuote_FreshCacheHitSkipsProvider(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a", equityCaps)
	a.EXPECT().GetQuote(gomock.Any(), "MSFT").Return(quote("MSFT", "a", 410), nil).Times(1)
	stored := time.Date(2025, 3, 3, 15, 30, 0, 0, time.UTC)
	now := stored
	r := newRouter(t, router.Options{CacheTTL: time.Minute, Now: func() time.Time { return now }}, a)

	_, live, err := r.Quote(t.Context(), "MSFT", router.Preference{})
	require.NoError(t, err)
	now = now.Add(40 * time.Second)

	// Act
	q, origin, err := r.Quote(t.Context(), "MSFT", router.Preference{})

	// Assert
	require.NoError(t, err)
	require.Equal(t, router.Origin{Source: "a"}, live)
	require.Equal(t, router.Origin{Source: "a", FetchedAt: stored, Cached: true}, origin)
	require.Equal(t, "410", q.Price.String())
}

func TestQuote_IneligibleCandidatesAreNotCalled(t *testing.T) {
	t.Parallel()

	// Arrange: "eq" cannot serve crypto, "cx" can
	ctrl := gomock.NewController(t)
	eq := newMock(ctrl, "eq", equityCaps)
	cx := newMock(ctrl, "cx", provider.Capabilities{Realtime: true, Crypto: true})
	cx.EXPECT().GetQuote(gomock.Any(), "BTC-USD").Return(quote("BTC-USD", "cx", 60000), nil)
	r := newRouter(t, router.Options{}, eq, cx)

	// Act
	_, origin, err := r.Quote(t.Context(), "BTC-USD", router.Preference{Primary: "eq"})

	// Assert
	require.NoError(t, err)
	require.Equal(t, "cx", origin.Source)
}

func TestQuote_TimeoutAdvancesToNextCandidate(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	slow := newMock(ctrl, "slow", equityCaps)
	fast := newMock(ctrl, "fast", equityCaps)
	slow.EXPECT().GetQuote(gomock.Any(), "AAPL").DoAndReturn(func(ctx context.Context, _ string) (*provider.Quote, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	fast.EXPECT().GetQuote(gomock.Any(), "AAPL").Return(quote("AAPL", "fast", 1), nil)
	r := newRouter(t, router.Options{CallTimeout: 20 * time.Millisecond}, slow, fast)

	_, origin, err := r.Quote(t.Context(), "AAPL", router.Preference{})

	require.NoError(t, err)
	require.Equal(t, "fast", origin.Source)
}

func TestQuote_PanickingAdapterIsAFailure(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	bad := newMock(ctrl, "bad", equityCaps)
	good := newMock(ctrl, "good", equityCaps)
	bad.EXPECT().GetQuote(gomock.Any(), "AAPL").DoAndReturn(func(context.Context, string) (*provider.Quote, error) {
		panic("boom")
	})
	good.EXPECT().GetQuote(gomock.Any(), "AAPL").Return(quote("AAPL", "good", 1), nil)
	r := newRouter(t, router.Options{}, bad, good)

	_, origin, err := r.Quote(t.Context(), "AAPL", router.Preference{})

	require.NoError(t, err)
	require.Equal(t, "good", origin.Source)
}

func TestBreakerSkipsTrippedProvider(t *testing.T) {
	t.Parallel()

	// Arrange: threshold 1, so one failure opens the breaker for the cooldown
	ctrl := gomock.NewController(t)
	flaky := newMock(ctrl, "flaky", equityCaps)
	backup := newMock(ctrl, "backup", equityCaps)
	flaky.EXPECT().GetQuote(gomock.Any(), gomock.Any()).Return(nil, provider.ErrNetwork).Times(1)
	backup.EXPECT().GetQuote(gomock.Any(), gomock.Any()).Return(quote("AAPL", "backup", 1), nil).Times(2)
	r := newRouter(t, router.Options{BreakerThreshold: 1, BreakerCooldown: time.Hour}, flaky, backup)

	// Act
	for range 2 {
		_, origin, err := r.Quote(t.Context(), "AAPL", router.Preference{})
		require.NoError(t, err)
		require.Equal(t, "backup", origin.Source)
	}

	// Assert
	require.Equal(t, "open", r.BreakerStates()["flaky"])
}

func TestBars_AreCopied(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a", equityCaps)
	bars := []provider.Bar{{Timestamp: time.Unix(1, 0), Close: decimal.NewFromInt(1)}}
	a.EXPECT().GetBars(gomock.Any(), "AAPL", provider.Day1, gomock.Any(), gomock.Any()).Return(bars, nil)
	r := newRouter(t, router.Options{}, a)

	got, origin, err := r.Bars(t.Context(), "AAPL", provider.Day1, time.Unix(0, 0), time.Unix(10, 0), router.Preference{})

	require.NoError(t, err)
	require.Equal(t, "a", origin.Source)
	got[0].Close = decimal.NewFromInt(99)
	require.Equal(t, "1", bars[0].Close.String())
}

func TestFundamentals_SkipsAdaptersWithoutSupport(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a", provider.Capabilities{Realtime: true, Fundamentals: true})
	r := newRouter(t, router.Options{}, a)

	_, _, err := r.Fundamentals(t.Context(), "AAPL", router.Preference{})

	require.ErrorIs(t, err, provider.ErrNoSourceAvailable)
}

func TestHealthCheck_NeverFails(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	ok := newMock(ctrl, "ok", equityCaps)
	down := newMock(ctrl, "down", equityCaps)
	broken := newMock(ctrl, "broken", equityCaps)
	ok.EXPECT().IsHealthy(gomock.Any()).Return(true)
	down.EXPECT().IsHealthy(gomock.Any()).Return(false)
	broken.EXPECT().IsHealthy(gomock.Any()).DoAndReturn(func(context.Context) bool { panic("nil map") })
	r := newRouter(t, router.Options{}, ok, down, broken)

	// Act
	got := r.HealthCheck(t.Context())

	// Assert
	require.Equal(t, map[string]bool{"ok": true, "down": false, "broken": false}, got)
}

func TestSweepDropsOldResponses(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a", equityCaps)
	a.EXPECT().GetQuote(gomock.Any(), "AAPL").Return(quote("AAPL", "a", 1), nil)
	now := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)
	r := newRouter(t, router.Options{StaleTTL: time.Hour, Now: func() time.Time { return now }}, a)
	_, _, err := r.Quote(t.Context(), "AAPL", router.Preference{})
	require.NoError(t, err)

	require.Zero(t, r.Sweep(now.Add(30*time.Minute)))
	require.Equal(t, 1, r.Sweep(now.Add(2*time.Hour)))
	require.Zero(t, r.CacheLen())
}
