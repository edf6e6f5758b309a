// Package memstore is an in-process store.Store for tests and single
// instance deployments.
package memstore

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"marketdata/internal/provider"
	"marketdata/internal/store"
)

var errClosed = errors.New("memstore: closed")

type Store struct {
	mu      sync.RWMutex
	records map[string]store.Record
	series  map[store.SeriesKey]map[int64]provider.Bar
	closed  bool
}

func New() *Store {
	return &Store{
		records: make(map[string]store.Record),
		series:  make(map[store.SeriesKey]map[int64]provider.Bar),
	}
}

func (s *Store) Get(_ context.Context, key string) (store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.Record{}, errClosed
	}
	r, ok := s.records[key]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	r.Value = slices.Clone(r.Value)
	return r, nil
}

func (s *Store) Set(_ context.Context, key string, rec store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if cur, ok := s.records[key]; ok && cur.FetchedAt.After(rec.FetchedAt) {
		return nil
	}
	rec.Value = slices.Clone(rec.Value)
	s.records[key] = rec
	return nil
}

func (s *Store) PutBars(_ context.Context, series store.SeriesKey, bars []provider.Bar, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	m, ok := s.series[series]
	if !ok {
		m = make(map[int64]provider.Bar, len(bars))
		s.series[series] = m
	}
	for _, b := range bars {
		m[b.Timestamp.UnixMilli()] = b
	}
	return nil
}

func (s *Store) QueryBars(_ context.Context, series store.SeriesKey, from, to time.Time) ([]provider.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	var out []provider.Bar
	for _, b := range s.series[series] {
		if b.Timestamp.Before(from) || b.Timestamp.After(to) {
			continue
		}
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b provider.Bar) int { return a.Timestamp.Compare(b.Timestamp) })
	return out, nil
}

func (s *Store) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, r := range s.records {
		if !r.ExpiresAt.After(before) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Len is the number of records held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
