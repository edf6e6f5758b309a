// Package store defines the durable cache tier shared between instances.
package store

import (
	"context"
	"errors"
	"time"

	"marketdata/internal/provider"
)

// ErrNotFound is returned by Get for a key that holds no record.
var ErrNotFound = errors.New("store: not found")

// Record is one cached value. Value is opaque to the store.
type Record struct {
	Value     []byte
	Source    string
	FetchedAt time.Time
	ExpiresAt time.Time
}

// Fresh reports whether the record may be served at now.
func (r Record) Fresh(now time.Time) bool { return now.Before(r.ExpiresAt) }

// SeriesKey identifies one bar series.
type SeriesKey struct {
	Symbol    string
	Timeframe provider.Timeframe
}

func (k SeriesKey) String() string { return k.Symbol + ":" + string(k.Timeframe) }

// Store is the tier-2 cache. Implementations tolerate concurrent writers.
// Get returns a record regardless of expiry when the backend still holds it;
// callers decide freshness with their own clock.
type Store interface {
	Get(ctx context.Context, key string) (Record, error)
	// Set writes rec unless the stored record has a later FetchedAt.
	Set(ctx context.Context, key string, rec Record) error
	// PutBars upserts bars by timestamp.
	PutBars(ctx context.Context, series SeriesKey, bars []provider.Bar, source string) error
	// QueryBars returns bars with from <= timestamp <= to, ascending.
	QueryBars(ctx context.Context, series SeriesKey, from, to time.Time) ([]provider.Bar, error)
	// Prune removes records that expired at or before the given instant.
	Prune(ctx context.Context, before time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}
