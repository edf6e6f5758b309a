package sqlstore_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketdata/internal/store"
	"marketdata/internal/store/sqlstore"
	"marketdata/internal/store/storetest"
)

func openSQLite(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.Open(t.Context(), "sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openSQLite(t) })
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := sqlstore.Open(t.Context(), "postgres", dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestPrune(t *testing.T) {
	t.Parallel()

	// Arrange
	s := openSQLite(t)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Set(t.Context(), "a", store.Record{Value: []byte("1"), FetchedAt: now, ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, s.Set(t.Context(), "b", store.Record{Value: []byte("2"), FetchedAt: now, ExpiresAt: now.Add(time.Hour)}))

	// Act
	n, err := s.Prune(t.Context(), now.Add(30*time.Minute))

	// Assert
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = s.Get(t.Context(), "a")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Get(t.Context(), "b")
	require.NoError(t, err)
}

func TestUnsupportedDriver(t *testing.T) {
	t.Parallel()

	_, err := sqlstore.Open(t.Context(), "mysql", "")
	require.Error(t, err)
}
