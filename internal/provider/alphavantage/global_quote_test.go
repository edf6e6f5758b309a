package alphavantage_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"marketdata/internal/provider/alphavantage"
)

func TestGetGlobalQuote(t *testing.T) {
	t.Parallel()

	// Arrange: create a mock HTTP client returning a captured payload
	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			require.Equal(t, "GLOBAL_QUOTE", req.URL.Query().Get("function"))
			require.Equal(t, "IBM", req.URL.Query().Get("symbol"))
			return jsonResponse(t, map[string]any{
				"Global Quote": map[string]any{
					"01. symbol":             "IBM",
					"02. open":               "168.4000",
					"03. high":               "170.1000",
					"04. low":                "167.9000",
					"05. price":              "169.9900",
					"06. volume":             "2793041",
					"07. latest trading day": "2024-05-03",
					"08. previous close":     "168.4300",
					"09. change":             "1.5600",
					"10. change percent":     "0.9262%",
				},
			}), nil
		}).
		Times(1)

	client, err := alphavantage.NewClient("k", alphavantage.WithHTTPClient(httpClient))
	require.NoError(t, err)

	// Act
	q, err := client.GetGlobalQuote(t.Context(), "IBM")

	// Assert
	require.NoError(t, err)
	require.Equal(t, "IBM", q.Symbol)
	require.Equal(t, "169.99", q.Price.String())
	require.EqualValues(t, 2793041, *q.Volume)
	require.InEpsilon(t, 0.9262, *q.ChangePercent, 0.0001)
	require.Equal(t, time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC), *q.LatestTradingDay)
}

func TestGetGlobalQuote_EmptyMeansUnknownSymbol(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(t, map[string]any{"Global Quote": map[string]any{}}), nil
		}).
		Times(1)
	client, err := alphavantage.NewClient("k", alphavantage.WithHTTPClient(httpClient))
	require.NoError(t, err)

	_, err = client.GetGlobalQuote(t.Context(), "NOPE")
	require.ErrorIs(t, err, alphavantage.ErrInvalidCall)
}
