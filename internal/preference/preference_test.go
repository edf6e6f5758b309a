package preference_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"marketdata/internal/preference"
	"marketdata/internal/provider"
	"marketdata/internal/router"
)

func static() *preference.Static {
	return &preference.Static{
		Tiers: map[string][]string{
			"free": {"yahoo", "synthetic"},
			"pro":  {},
		},
		DefaultTier:    "free",
		Primary:        map[provider.Category]string{provider.CategoryBars: "alphavantage"},
		DefaultPrimary: "yahoo",
		Fallback:       []string{"finnhub", "synthetic"},
		Users: map[string]preference.Override{
			"u1": {Primary: map[provider.Category]string{provider.CategoryQuote: "finnhub"}},
		},
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ctx  context.Context
		cat  provider.Category
		want router.Preference
	}{
		{
			name: "default tier",
			ctx:  context.Background(),
			cat:  provider.CategoryQuote,
			want: router.Preference{Primary: "yahoo", Fallback: []string{"finnhub", "synthetic"}, Available: []string{"yahoo", "synthetic"}},
		},
		{
			name: "unrestricted tier and category primary",
			ctx:  preference.WithTier(context.Background(), "pro"),
			cat:  provider.CategoryBars,
			want: router.Preference{Primary: "alphavantage", Fallback: []string{"finnhub", "synthetic"}, Available: []string{}},
		},
		{
			name: "indicators follow bars",
			ctx:  preference.WithTier(context.Background(), "pro"),
			cat:  provider.CategoryIndicators,
			want: router.Preference{Primary: "alphavantage", Fallback: []string{"finnhub", "synthetic"}, Available: []string{}},
		},
		{
			name: "user override",
			ctx:  preference.WithUser(preference.WithTier(context.Background(), "pro"), "u1"),
			cat:  provider.CategoryQuote,
			want: router.Preference{Primary: "finnhub", Fallback: []string{"finnhub", "synthetic"}, Available: []string{}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := static().Resolve(tt.ctx, tt.cat)

			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_UnknownTier(t *testing.T) {
	t.Parallel()

	_, err := static().Resolve(preference.WithTier(t.Context(), "platinum"), provider.CategoryQuote)
	require.ErrorContains(t, err, "platinum")
}

func TestResolve_ZeroValueAllowsEverything(t *testing.T) {
	t.Parallel()

	got, err := (&preference.Static{}).Resolve(t.Context(), provider.CategoryQuote)
	require.NoError(t, err)
	require.Empty(t, got.Available)
	require.Empty(t, got.Primary)
}
