package marketdata_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"marketdata/internal/marketdata"
	"marketdata/internal/provider"
	"marketdata/internal/provider/mock"
	"marketdata/internal/router"
	"marketdata/internal/store"
	"marketdata/internal/store/memstore"
)

var caps = provider.Capabilities{Realtime: true, Historical: true}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 3, 15, 30, 0, 0, time.UTC)}
}

func newMock(ctrl *gomock.Controller, name string) *mock.MockAdapter {
	m := mock.NewMockAdapter(ctrl)
	m.EXPECT().Name().Return(name).AnyTimes()
	m.EXPECT().Capabilities().Return(caps).AnyTimes()
	return m
}

func quote(sym string, price int64) *provider.Quote {
	return &provider.Quote{Symbol: sym, Price: decimal.NewFromInt(price)}
}

// dailyBars returns n daily bars ending on the day of last, oldest first.
func dailyBars(last time.Time, n int) []provider.Bar {
	day := last.UTC().Truncate(24 * time.Hour)
	bars := make([]provider.Bar, n)
	for i := range bars {
		c := 100 + float64(i%7) - float64(i%3)*0.5 + float64(i)*0.1
		bars[i] = provider.Bar{
			Timestamp: day.AddDate(0, 0, i-n+1),
			Open:      decimal.NewFromFloat(c - 0.2),
			High:      decimal.NewFromFloat(c + 1),
			Low:       decimal.NewFromFloat(c - 1),
			Close:     decimal.NewFromFloat(c),
			Volume:    1000,
		}
	}
	return bars
}

type env struct {
	svc   *marketdata.Service
	clk   *clock
	store store.Store
}

func newEnv(t *testing.T, opts marketdata.Options, st store.Store, adapters ...provider.Adapter) *env {
	t.Helper()
	return newRoutedEnv(t, router.Options{}, opts, st, adapters...)
}

func newRoutedEnv(t *testing.T, ropts router.Options, opts marketdata.Options, st store.Store, adapters ...provider.Adapter) *env {
	t.Helper()
	clk := newClock()
	if st == nil {
		st = memstore.New()
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg, err := router.NewRegistry(adapters...)
	require.NoError(t, err)
	ropts.Now = clk.Now
	ropts.Logger = log
	r := router.New(reg, ropts)

	opts.Now = clk.Now
	opts.Logger = log
	if opts.EvictionInterval == 0 {
		opts.EvictionInterval = -1
	}
	svc, err := marketdata.New(r, st, nil, nil, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return &env{svc: svc, clk: clk, store: st}
}

func TestGetCurrentPrice_SecondCallIsCacheHit(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a")
	a.EXPECT().GetQuote(gomock.Any(), "AAPL").Return(quote("AAPL", 190), nil).Times(1)
	e := newEnv(t, marketdata.Options{}, nil, a)

	// Act
	first, err := e.svc.GetCurrentPrice(t.Context(), "aapl")
	require.NoError(t, err)
	second, err := e.svc.GetCurrentPrice(t.Context(), "AAPL")

	// Assert
	require.NoError(t, err)
	require.Equal(t, "a", first.Source)
	require.Equal(t, marketdata.SourceMemory, second.Source)
	require.True(t, first.Price.Equal(second.Price))
	require.EqualValues(t, 1, e.svc.Stats().UpstreamFetches)
}

func TestGetCurrentPrice_RefetchesOnceAfterTTL(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a")
	gomock.InOrder(
		a.EXPECT().GetQuote(gomock.Any(), "AAPL").Return(quote("AAPL", 190), nil),
		a.EXPECT().GetQuote(gomock.Any(), "AAPL").Return(quote("AAPL", 191), nil),
	)
	e := newEnv(t, marketdata.Options{TTL: marketdata.TTLs{Price: 10 * time.Second}}, nil, a)
	_, err := e.svc.GetCurrentPrice(t.Context(), "AAPL")
	require.NoError(t, err)

	// Act
	e.clk.Advance(11 * time.Second)
	refreshed, err := e.svc.GetCurrentPrice(t.Context(), "AAPL")
	require.NoError(t, err)
	cached, err := e.svc.GetCurrentPrice(t.Context(), "AAPL")

	// Assert
	require.NoError(t, err)
	require.Equal(t, "191", refreshed.Price.String())
	require.Equal(t, "191", cached.Price.String())
	require.Equal(t, marketdata.SourceMemory, cached.Source)
}

func TestGetCurrentPrice_ConcurrentCallsShareOneFetch(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a")
	release := make(chan struct{})
	a.EXPECT().GetQuote(gomock.Any(), "AAPL").DoAndReturn(func(context.Context, string) (*provider.Quote, error) {
		<-release
		return quote("AAPL", 190), nil
	}).Times(1)
	e := newEnv(t, marketdata.Options{}, nil, a)

	// Act
	const n = 20
	var wg sync.WaitGroup
	prices := make([]string, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q, err := e.svc.GetCurrentPrice(t.Context(), "AAPL")
			errs[i] = err
			if err == nil {
				prices[i] = q.Price.String()
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	// Assert
	for i := range n {
		require.NoError(t, errs[i])
		require.Equal(t, "190", prices[i])
	}
	require.EqualValues(t, 1, e.svc.Stats().UpstreamFetches)
}

func TestGetCurrentPrice_CancelledCallerDoesNotAbortSharedFetch(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a")
	started := make(chan struct{})
	release := make(chan struct{})
	a.EXPECT().GetQuote(gomock.Any(), "AAPL").DoAndReturn(func(ctx context.Context, _ string) (*provider.Quote, error) {
		close(started)
		select {
		case <-release:
			return quote("AAPL", 190), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}).Times(1)
	e := newEnv(t, marketdata.Options{}, nil, a)

	ctx, cancel := context.WithCancel(t.Context())
	firstErr := make(chan error, 1)
	go func() {
		_, err := e.svc.GetCurrentPrice(ctx, "AAPL")
		firstErr <- err
	}()
	<-started

	// Act
	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	second := make(chan *provider.Quote, 1)
	go func() {
		q, _ := e.svc.GetCurrentPrice(t.Context(), "AAPL")
		second <- q
	}()
	close(release)

	// Assert
	q := <-second
	require.NotNil(t, q)
	require.Equal(t, "190", q.Price.String())
}

func TestGetCurrentPrice_FallbackIsTaggedWithFallbackName(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	primary := newMock(ctrl, "primary")
	backup := newMock(ctrl, "backup")
	primary.EXPECT().GetQuote(gomock.Any(), "MSFT").Return(nil, provider.NewError(provider.CodeNetwork, "primary", "MSFT", provider.CategoryQuote, nil))
	backup.EXPECT().GetQuote(gomock.Any(), "MSFT").Return(quote("MSFT", 410), nil)
	e := newEnv(t, marketdata.Options{DefaultProvider: "primary"}, nil, backup, primary)

	// Act
	q, err := e.svc.GetCurrentPrice(t.Context(), "MSFT")

	// Assert
	require.NoError(t, err)
	require.Equal(t, "backup", q.Source)
}

func TestGetCurrentPrice_AllSourcesFailIsNoSourceAvailable(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a")
	b := newMock(ctrl, "b")
	a.EXPECT().GetQuote(gomock.Any(), "MSFT").Return(nil, provider.ErrNetwork)
	b.EXPECT().GetQuote(gomock.Any(), "MSFT").Return(nil, provider.ErrRateLimited)
	e := newEnv(t, marketdata.Options{}, nil, a, b)

	_, err := e.svc.GetCurrentPrice(t.Context(), "MSFT")

	require.ErrorIs(t, err, provider.ErrNoSourceAvailable)
}

func TestGetCurrentPrice_AllSourcesFailServesStale(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a")
	gomock.InOrder(
		a.EXPECT().GetQuote(gomock.Any(), "MSFT").Return(quote("MSFT", 410), nil),
		a.EXPECT().GetQuote(gomock.Any(), "MSFT").Return(nil, provider.ErrNetwork),
	)
	e := newEnv(t, marketdata.Options{}, nil, a)
	_, err := e.svc.GetCurrentPrice(t.Context(), "MSFT")
	require.NoError(t, err)
	e.clk.Advance(time.Hour)

	// Act
	q, err := e.svc.GetCurrentPrice(t.Context(), "MSFT")

	// Assert
	require.NoError(t, err)
	require.Equal(t, router.SourceStale, q.Source)
	require.Equal(t, "410", q.Price.String())
	require.EqualValues(t, 1, e.svc.Stats().StaleServed)
}

func TestGetCurrentPrice_RouterCacheHitKeepsItsAge(t *testing.T) {
	t.Parallel()

	// Arrange: the router holds answers longer than the price TTL
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a")
	gomock.InOrder(
		a.EXPECT().GetQuote(gomock.Any(), "AAPL").Return(quote("AAPL", 190), nil),
		a.EXPECT().GetQuote(gomock.Any(), "AAPL").Return(quote("AAPL", 192), nil),
	)
	e := newRoutedEnv(t, router.Options{CacheTTL: 10 * time.Minute},
		marketdata.Options{TTL: marketdata.TTLs{Price: 30 * time.Second}}, nil, a)
	updates := make(chan provider.Quote, 4)
	_, err := e.svc.SubscribeToPrice("AAPL", func(q provider.Quote) { updates <- q })
	require.NoError(t, err)
	_, err = e.svc.GetCurrentPrice(t.Context(), "AAPL")
	require.NoError(t, err)

	// Act: one read the router answers, one after its entry expires
	e.clk.Advance(9 * time.Minute)
	held, err := e.svc.GetCurrentPrice(t.Context(), "AAPL")
	require.NoError(t, err)
	e.clk.Advance(2 * time.Minute)
	live, err := e.svc.GetCurrentPrice(t.Context(), "AAPL")
	require.NoError(t, err)

	// Assert
	require.Equal(t, "a", held.Source)
	require.Equal(t, "190", held.Price.String())
	require.Equal(t, "192", live.Price.String())
	require.Equal(t, "190", (<-updates).Price.String())
	require.Equal(t, "192", (<-updates).Price.String())
	st := e.svc.Stats()
	require.EqualValues(t, 2, st.UpstreamFetches)
	require.EqualValues(t, 1, st.RouterHits)
	rec, err := e.store.Get(t.Context(), "quote:AAPL")
	require.NoError(t, err)
	require.True(t, e.clk.Now().Equal(rec.FetchedAt))
}

func TestGetCurrentPrice_DurableTierServesAnotherInstance(t *testing.T) {
	t.Parallel()

	// Arrange: two services sharing one store
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a")
	a.EXPECT().GetQuote(gomock.Any(), "AAPL").Return(quote("AAPL", 190), nil).Times(1)
	idle := newMock(ctrl, "a")
	shared := memstore.New()
	first := newEnv(t, marketdata.Options{}, shared, a)
	second := newEnv(t, marketdata.Options{}, shared, idle)
	_, err := first.svc.GetCurrentPrice(t.Context(), "AAPL")
	require.NoError(t, err)

	// Act
	q, err := second.svc.GetCurrentPrice(t.Context(), "AAPL")

	// Assert
	require.NoError(t, err)
	require.Equal(t, marketdata.SourcePersisted, q.Source)
	require.Equal(t, "190", q.Price.String())
}

func TestGetCurrentPrice_InvalidSymbolNeverReachesProviders(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	e := newEnv(t, marketdata.Options{}, nil, newMock(ctrl, "a"))

	_, err := e.svc.GetCurrentPrice(t.Context(), "")
	require.ErrorIs(t, err, provider.ErrInvalidSymbol)
	_, err = e.svc.GetCurrentPrice(t.Context(), "AA$PL")
	require.ErrorIs(t, err, provider.ErrInvalidSymbol)
}

func TestIsSymbolValid(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	e := newEnv(t, marketdata.Options{}, nil, newMock(ctrl, "a"))

	require.False(t, e.svc.IsSymbolValid(""))
	require.True(t, e.svc.IsSymbolValid("AAPL"))
	require.True(t, e.svc.IsSymbolValid("btc/usd"))
	require.False(t, e.svc.IsSymbolValid(strings.Repeat("A", 16)))
}

func TestGetBulkPrices_PartialFailure(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a")
	a.EXPECT().GetQuote(gomock.Any(), "AAPL").Return(quote("AAPL", 190), nil)
	a.EXPECT().GetQuote(gomock.Any(), "NOPE").Return(nil, provider.NewError(provider.CodeInvalidSymbol, "a", "NOPE", provider.CategoryQuote, nil))
	e := newEnv(t, marketdata.Options{}, nil, a)

	// Act
	quotes, errs := e.svc.GetBulkPrices(t.Context(), []string{"AAPL", "aapl", "NOPE", ""})

	// Assert
	require.Len(t, quotes, 1)
	require.Equal(t, "190", quotes["AAPL"].Price.String())
	require.Len(t, errs, 2)
	require.Error(t, errs["NOPE"])
	require.ErrorIs(t, errs[""], provider.ErrInvalidSymbol)
}

func TestGetBulkPrices_ConvergesWithConcurrentSingleFetch(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a")
	release := make(chan struct{})
	a.EXPECT().GetQuote(gomock.Any(), "AAPL").DoAndReturn(func(context.Context, string) (*provider.Quote, error) {
		<-release
		return quote("AAPL", 190), nil
	}).Times(1)
	e := newEnv(t, marketdata.Options{}, nil, a)

	// Act
	var wg sync.WaitGroup
	var single *provider.Quote
	var bulk map[string]*provider.Quote
	wg.Add(2)
	go func() {
		defer wg.Done()
		single, _ = e.svc.GetCurrentPrice(t.Context(), "AAPL")
	}()
	go func() {
		defer wg.Done()
		bulk, _ = e.svc.GetBulkPrices(t.Context(), []string{"AAPL"})
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	// Assert
	require.NotNil(t, single)
	require.True(t, single.Price.Equal(bulk["AAPL"].Price))
}

func TestGetBulkPrices_WritesWithBulkTTL(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a")
	a.EXPECT().GetQuote(gomock.Any(), "AAPL").Return(quote("AAPL", 190), nil).Times(1)
	e := newEnv(t, marketdata.Options{TTL: marketdata.TTLs{Price: 10 * time.Second, BulkPrices: time.Minute}}, nil, a)

	_, errs := e.svc.GetBulkPrices(t.Context(), []string{"AAPL"})
	require.Empty(t, errs)
	e.clk.Advance(30 * time.Second)
	q, err := e.svc.GetCurrentPrice(t.Context(), "AAPL")

	require.NoError(t, err)
	require.Equal(t, marketdata.SourceMemory, q.Source)
}

func TestSubscribeToPrice_DeliversUntilUnsubscribed(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a")
	gomock.InOrder(
		a.EXPECT().GetQuote(gomock.Any(), "AAPL").Return(quote("AAPL", 190), nil),
		a.EXPECT().GetQuote(gomock.Any(), "AAPL").Return(quote("AAPL", 191), nil),
	)
	e := newEnv(t, marketdata.Options{TTL: marketdata.TTLs{Price: time.Second}}, nil, a)
	first := make(chan provider.Quote, 4)
	second := make(chan provider.Quote, 4)
	sub, err := e.svc.SubscribeToPrice("aapl", func(q provider.Quote) { first <- q })
	require.NoError(t, err)

	// Act
	_, err = e.svc.GetCurrentPrice(t.Context(), "AAPL")
	require.NoError(t, err)
	got := <-first
	sub.Unsubscribe()
	_, err = e.svc.SubscribeToPrice("AAPL", func(q provider.Quote) { second <- q })
	require.NoError(t, err)
	e.clk.Advance(2 * time.Second)
	_, err = e.svc.GetCurrentPrice(t.Context(), "AAPL")
	require.NoError(t, err)

	// Assert: the later subscriber sees the refresh, the removed one does not
	require.Equal(t, "AAPL", got.Symbol)
	require.Equal(t, "191", (<-second).Price.String())
	require.Empty(t, first)
	require.False(t, sub.Active())
}

func TestSubscribeToPrice_RegistrationOrderAndBulkRefresh(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a")
	a.EXPECT().GetQuote(gomock.Any(), "AAPL").Return(quote("AAPL", 190), nil)
	e := newEnv(t, marketdata.Options{}, nil, a)
	var (
		mu    sync.Mutex
		order []int
	)
	done := make(chan struct{})
	for i := range 3 {
		_, err := e.svc.SubscribeToPrice("AAPL", func(provider.Quote) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == 2 {
				close(done)
			}
		})
		require.NoError(t, err)
	}

	// Act
	_, errs := e.svc.GetBulkPrices(t.Context(), []string{"AAPL"})
	require.Empty(t, errs)
	<-done

	// Assert
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2}, order)
}

func TestSubscription_UnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	e := newEnv(t, marketdata.Options{}, nil, newMock(ctrl, "a"))
	sub, err := e.svc.SubscribeToPrice("AAPL", func(provider.Quote) {})
	require.NoError(t, err)
	require.NotEmpty(t, sub.ID)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.Unsubscribe()
		}()
	}
	wg.Wait()

	require.False(t, sub.Active())
	require.Zero(t, e.svc.Stats().Subscriptions)
}

func TestGetHistoricalData_ReturnsLimitAscending(t *testing.T) {
	t.Parallel()

	// Arrange: the provider answers newest first
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a")
	e := newEnv(t, marketdata.Options{}, nil, a)
	bars := dailyBars(e.clk.Now(), 30)
	reversed := make([]provider.Bar, len(bars))
	for i, b := range bars {
		reversed[len(bars)-1-i] = b
	}
	a.EXPECT().GetBars(gomock.Any(), "AAPL", provider.Day1, gomock.Any(), gomock.Any()).Return(reversed, nil).Times(1)

	// Act
	got, err := e.svc.GetHistoricalData(t.Context(), marketdata.HistoricalQuery{Symbol: "AAPL", Timeframe: provider.Day1, Limit: 30})
	require.NoError(t, err)
	again, err := e.svc.GetHistoricalData(t.Context(), marketdata.HistoricalQuery{Symbol: "AAPL", Timeframe: provider.Day1, Limit: 30})

	// Assert
	require.NoError(t, err)
	require.Equal(t, "AAPL", got.Symbol)
	require.Equal(t, "a", got.Source)
	require.Len(t, got.Bars, 30)
	for i := 1; i < len(got.Bars); i++ {
		require.True(t, got.Bars[i-1].Timestamp.Before(got.Bars[i].Timestamp))
	}
	require.Equal(t, marketdata.SourcePersisted, again.Source)
	require.Equal(t, got.Bars, again.Bars)
}

func TestGetHistoricalData_DedupesAndKeepsLatest(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a")
	e := newEnv(t, marketdata.Options{}, nil, a)
	bars := dailyBars(e.clk.Now(), 20)
	a.EXPECT().GetBars(gomock.Any(), "AAPL", provider.Day1, gomock.Any(), gomock.Any()).Return(append(bars, bars[5:15]...), nil)

	got, err := e.svc.GetHistoricalData(t.Context(), marketdata.HistoricalQuery{Symbol: "AAPL", Limit: 10})

	require.NoError(t, err)
	require.Len(t, got.Bars, 10)
	require.Equal(t, bars[19].Timestamp, got.Bars[9].Timestamp)
	require.Equal(t, bars[10].Timestamp, got.Bars[0].Timestamp)
}

func TestGetHistoricalData_EmptyIsInsufficientData(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a")
	a.EXPECT().GetBars(gomock.Any(), "AAPL", provider.Day1, gomock.Any(), gomock.Any()).Return(nil, nil)
	e := newEnv(t, marketdata.Options{}, nil, a)

	_, err := e.svc.GetHistoricalData(t.Context(), marketdata.HistoricalQuery{Symbol: "AAPL", Limit: 30})

	require.ErrorIs(t, err, provider.ErrInsufficientData)
}

func TestGetHistoricalData_UnknownTimeframe(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	e := newEnv(t, marketdata.Options{}, nil, newMock(ctrl, "a"))

	_, err := e.svc.GetHistoricalData(t.Context(), marketdata.HistoricalQuery{Symbol: "AAPL", Timeframe: "3d"})

	require.ErrorIs(t, err, provider.ErrUnsupported)
}

func TestGetTechnicalIndicators_OnePointIsInsufficient(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a")
	e := newEnv(t, marketdata.Options{}, nil, a)
	a.EXPECT().GetBars(gomock.Any(), "AAPL", provider.Day1, gomock.Any(), gomock.Any()).Return(dailyBars(e.clk.Now(), 1), nil)

	_, err := e.svc.GetTechnicalIndicators(t.Context(), "AAPL")

	require.ErrorIs(t, err, provider.ErrInsufficientData)
}

func TestGetTechnicalIndicators_ComputesAndCaches(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a")
	e := newEnv(t, marketdata.Options{}, nil, a)
	a.EXPECT().GetBars(gomock.Any(), "AAPL", provider.Day1, gomock.Any(), gomock.Any()).Return(dailyBars(e.clk.Now(), 260), nil).Times(1)

	// Act
	ind, err := e.svc.GetTechnicalIndicators(t.Context(), "AAPL")
	require.NoError(t, err)
	again, err := e.svc.GetTechnicalIndicators(t.Context(), "AAPL")

	// Assert
	require.NoError(t, err)
	require.Equal(t, "AAPL", ind.Symbol)
	require.Equal(t, 250, ind.Bars)
	require.GreaterOrEqual(t, ind.RSI14, 0.0)
	require.LessOrEqual(t, ind.RSI14, 100.0)
	require.Greater(t, ind.Bollinger.Upper, ind.Bollinger.Middle)
	require.Greater(t, ind.Bollinger.Middle, ind.Bollinger.Lower)
	require.Equal(t, "a", ind.Source)
	require.Equal(t, marketdata.SourceMemory, again.Source)
	again.Source = ind.Source
	require.Equal(t, ind, again)
}

func TestGetHistoricalData_StaleCopyIsTagged(t *testing.T) {
	t.Parallel()

	// Arrange: one good answer, then the only provider is down
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a")
	e := newEnv(t, marketdata.Options{}, nil, a)
	gomock.InOrder(
		a.EXPECT().GetBars(gomock.Any(), "AAPL", provider.Day1, gomock.Any(), gomock.Any()).Return(dailyBars(e.clk.Now(), 30), nil),
		a.EXPECT().GetBars(gomock.Any(), "AAPL", provider.Day1, gomock.Any(), gomock.Any()).Return(nil, provider.ErrNetwork),
	)
	q := marketdata.HistoricalQuery{Symbol: "AAPL", Limit: 30}
	fresh, err := e.svc.GetHistoricalData(t.Context(), q)
	require.NoError(t, err)
	e.clk.Advance(7 * time.Hour)

	// Act
	got, err := e.svc.GetHistoricalData(t.Context(), q)

	// Assert
	require.NoError(t, err)
	require.Equal(t, "a", fresh.Source)
	require.Equal(t, router.SourceStale, got.Source)
	require.Equal(t, fresh.Bars, got.Bars)
	require.EqualValues(t, 1, e.svc.Stats().StaleServed)
}

func TestGetTechnicalIndicators_StaleBarsAreTagged(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a")
	e := newEnv(t, marketdata.Options{}, nil, a)
	gomock.InOrder(
		a.EXPECT().GetBars(gomock.Any(), "AAPL", provider.Day1, gomock.Any(), gomock.Any()).Return(dailyBars(e.clk.Now(), 260), nil),
		a.EXPECT().GetBars(gomock.Any(), "AAPL", provider.Day1, gomock.Any(), gomock.Any()).Return(nil, provider.ErrNetwork),
	)
	fresh, err := e.svc.GetTechnicalIndicators(t.Context(), "AAPL")
	require.NoError(t, err)
	e.clk.Advance(7 * time.Hour)

	// Act
	got, err := e.svc.GetTechnicalIndicators(t.Context(), "AAPL")

	// Assert
	require.NoError(t, err)
	require.Equal(t, "a", fresh.Source)
	require.Equal(t, router.SourceStale, got.Source)
	require.InDelta(t, fresh.SMA200, got.SMA200, 1e-9)
}

func TestGetTechnicalIndicators_FitsYearDeepProvider(t *testing.T) {
	t.Parallel()

	// Arrange: a source that refuses anything older than a year
	ctrl := gomock.NewController(t)
	a := mock.NewMockAdapter(ctrl)
	a.EXPECT().Name().Return("shallow").AnyTimes()
	a.EXPECT().Capabilities().Return(provider.Capabilities{Realtime: true, Historical: true, MaxHistoryDays: 365}).AnyTimes()
	e := newEnv(t, marketdata.Options{}, nil, a)
	a.EXPECT().GetBars(gomock.Any(), "AAPL", provider.Day1, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, _ provider.Timeframe, start, end time.Time) ([]provider.Bar, error) {
			// weekdays only, as an exchange would answer
			var out []provider.Bar
			for _, b := range dailyBars(e.clk.Now(), 366) {
				if wd := b.Timestamp.Weekday(); wd != time.Saturday && wd != time.Sunday && !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
					out = append(out, b)
				}
			}
			return out, nil
		}).Times(2)

	// Act
	ind, err := e.svc.GetTechnicalIndicators(t.Context(), "AAPL")
	require.NoError(t, err)
	series, err := e.svc.GetHistoricalData(t.Context(), marketdata.HistoricalQuery{Symbol: "AAPL", Limit: 200})

	// Assert
	require.NoError(t, err)
	require.Equal(t, "shallow", ind.Source)
	require.GreaterOrEqual(t, ind.Bars, 200)
	require.Len(t, series.Bars, 200)
}

func TestWarmupCache_PopulatesHotPath(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a")
	e := newEnv(t, marketdata.Options{}, nil, a)
	for _, sym := range []string{"AAPL", "MSFT"} {
		a.EXPECT().GetQuote(gomock.Any(), sym).Return(quote(sym, 100), nil).Times(1)
		a.EXPECT().GetBars(gomock.Any(), sym, provider.Day1, gomock.Any(), gomock.Any()).Return(dailyBars(e.clk.Now(), 30), nil).Times(1)
	}

	// Act
	require.NoError(t, e.svc.WarmupCache(t.Context(), []string{"AAPL", "MSFT"}))

	// Assert
	for _, sym := range []string{"AAPL", "MSFT"} {
		q, err := e.svc.GetCurrentPrice(t.Context(), sym)
		require.NoError(t, err)
		require.Equal(t, marketdata.SourceMemory, q.Source)
		series, err := e.svc.GetHistoricalData(t.Context(), marketdata.HistoricalQuery{Symbol: sym, Limit: 30})
		require.NoError(t, err)
		require.Len(t, series.Bars, 30)
	}
}

func TestWarmupCache_ContinuesPastFailures(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a")
	e := newEnv(t, marketdata.Options{}, nil, a)
	a.EXPECT().GetQuote(gomock.Any(), "AAPL").Return(nil, provider.ErrNetwork)
	a.EXPECT().GetBars(gomock.Any(), "AAPL", provider.Day1, gomock.Any(), gomock.Any()).Return(dailyBars(e.clk.Now(), 30), nil)
	a.EXPECT().GetQuote(gomock.Any(), "MSFT").Return(quote("MSFT", 410), nil)
	a.EXPECT().GetBars(gomock.Any(), "MSFT", provider.Day1, gomock.Any(), gomock.Any()).Return(dailyBars(e.clk.Now(), 30), nil)

	err := e.svc.WarmupCache(t.Context(), []string{"AAPL", "MSFT"})

	require.ErrorContains(t, err, "warmup AAPL price")
	require.NotContains(t, err.Error(), "MSFT")
	q, err := e.svc.GetCurrentPrice(t.Context(), "MSFT")
	require.NoError(t, err)
	require.Equal(t, marketdata.SourceMemory, q.Source)
}

func TestGetSnapshotAndFundamentals(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a")
	a.EXPECT().GetSnapshot(gomock.Any(), "AAPL").Return(&provider.Snapshot{Symbol: "AAPL", Price: decimal.NewFromInt(190)}, nil).Times(1)
	e := newEnv(t, marketdata.Options{}, nil, a)

	snap, err := e.svc.GetSnapshot(t.Context(), "AAPL")
	require.NoError(t, err)
	require.Equal(t, "a", snap.Source)
	snap, err = e.svc.GetSnapshot(t.Context(), "AAPL")
	require.NoError(t, err)
	require.Equal(t, marketdata.SourceMemory, snap.Source)

	// the mock adapter has no fundamentals support
	_, err = e.svc.GetFundamentals(t.Context(), "AAPL")
	require.ErrorIs(t, err, provider.ErrNoSourceAvailable)
}

func TestGetProvidersStatus(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a")
	a.EXPECT().IsHealthy(gomock.Any()).Return(true)
	e := newEnv(t, marketdata.Options{}, nil, a)

	st := e.svc.GetProvidersStatus(t.Context())

	require.Len(t, st, 1)
	require.Equal(t, "a", st[0].Name)
	require.True(t, st[0].Healthy)
	require.Equal(t, e.clk.Now(), st[0].LastCheck)
}

func TestEvict_DropsExpiredEntries(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	a := newMock(ctrl, "a")
	a.EXPECT().GetQuote(gomock.Any(), "AAPL").Return(quote("AAPL", 190), nil)
	e := newEnv(t, marketdata.Options{PruneDurable: true}, nil, a)
	_, err := e.svc.GetCurrentPrice(t.Context(), "AAPL")
	require.NoError(t, err)
	require.Equal(t, 1, e.svc.Stats().MemoryEntries)

	e.clk.Advance(time.Minute)
	removed := e.svc.Evict(t.Context())

	// tier-1 entry and durable record
	require.Equal(t, 2, removed)
	require.Zero(t, e.svc.Stats().MemoryEntries)
	_, err = e.store.Get(t.Context(), "quote:AAPL")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestShutdown_LaterCallsFail(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	e := newEnv(t, marketdata.Options{EvictionInterval: time.Millisecond}, nil, newMock(ctrl, "a"))

	require.NoError(t, e.svc.Shutdown(t.Context()))

	_, err := e.svc.GetCurrentPrice(t.Context(), "AAPL")
	require.ErrorIs(t, err, marketdata.ErrClosed)
	_, err = e.svc.GetHistoricalData(t.Context(), marketdata.HistoricalQuery{Symbol: "AAPL"})
	require.ErrorIs(t, err, marketdata.ErrClosed)
	_, err = e.svc.SubscribeToPrice("AAPL", func(provider.Quote) {})
	require.ErrorIs(t, err, marketdata.ErrClosed)
	require.ErrorIs(t, e.svc.WarmupCache(t.Context(), []string{"AAPL"}), marketdata.ErrClosed)
	require.ErrorIs(t, e.svc.Shutdown(t.Context()), marketdata.ErrClosed)
}
