// Package redisstore keeps the durable tier in Redis: records in hashes that
// expire on their own, bar series in sorted sets scored by timestamp.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"marketdata/internal/provider"
	"marketdata/internal/store"
)

// setIfNewer writes the record hash unless the stored fetched_at is later,
// then sets the absolute expiry.
var setIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'fetched_at')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'fetched_at', ARGV[1], 'value', ARGV[2], 'source', ARGV[3], 'expires_at', ARGV[4])
redis.call('PEXPIREAT', KEYS[1], ARGV[4])
return 1
`)

type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key, default: md:
	Prefix string
	// SeriesTTL expires idle bar series, default 30 days.
	SeriesTTL time.Duration
}

type Store struct {
	client    *redis.Client
	prefix    string
	seriesTTL time.Duration
}

// Open connects and pings.
func Open(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return New(client, opts), nil
}

// New wraps an existing client.
func New(client *redis.Client, opts Options) *Store {
	if opts.Prefix == "" {
		opts.Prefix = "md:"
	}
	if opts.SeriesTTL == 0 {
		opts.SeriesTTL = 30 * 24 * time.Hour
	}
	return &Store{client: client, prefix: opts.Prefix, seriesTTL: opts.SeriesTTL}
}

func (s *Store) recordKey(key string) string { return s.prefix + "rec:" + key }

func (s *Store) seriesKey(k store.SeriesKey) string { return s.prefix + "bars:" + k.String() }

func (s *Store) Get(ctx context.Context, key string) (store.Record, error) {
	h, err := s.client.HGetAll(ctx, s.recordKey(key)).Result()
	if err != nil {
		return store.Record{}, fmt.Errorf("redis get %s: %w", key, err)
	}
	if len(h) == 0 {
		return store.Record{}, store.ErrNotFound
	}
	fetched, err1 := strconv.ParseInt(h["fetched_at"], 10, 64)
	expires, err2 := strconv.ParseInt(h["expires_at"], 10, 64)
	if err := errors.Join(err1, err2); err != nil {
		return store.Record{}, fmt.Errorf("redis get %s: corrupt record: %w", key, err)
	}
	return store.Record{
		Value:     []byte(h["value"]),
		Source:    h["source"],
		FetchedAt: time.UnixMilli(fetched).UTC(),
		ExpiresAt: time.UnixMilli(expires).UTC(),
	}, nil
}

func (s *Store) Set(ctx context.Context, key string, rec store.Record) error {
	err := setIfNewer.Run(ctx, s.client, []string{s.recordKey(key)},
		rec.FetchedAt.UnixMilli(), string(rec.Value), rec.Source, rec.ExpiresAt.UnixMilli()).Err()
	if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *Store) PutBars(ctx context.Context, series store.SeriesKey, bars []provider.Bar, _ string) error {
	if len(bars) == 0 {
		return nil
	}
	key := s.seriesKey(series)
	members := make([]redis.Z, len(bars))
	for i, b := range bars {
		raw, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("redis put bars %s: %w", series, err)
		}
		members[i] = redis.Z{Score: float64(b.Timestamp.UnixMilli()), Member: raw}
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range members {
			score := strconv.FormatFloat(m.Score, 'f', -1, 64)
			pipe.ZRemRangeByScore(ctx, key, score, score)
			pipe.ZAdd(ctx, key, m)
		}
		pipe.Expire(ctx, key, s.seriesTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put bars %s: %w", series, err)
	}
	return nil
}

func (s *Store) QueryBars(ctx context.Context, series store.SeriesKey, from, to time.Time) ([]provider.Bar, error) {
	raw, err := s.client.ZRangeByScore(ctx, s.seriesKey(series), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: strconv.FormatInt(to.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis query bars %s: %w", series, err)
	}
	bars := make([]provider.Bar, 0, len(raw))
	for _, m := range raw {
		var b provider.Bar
		if err := json.Unmarshal([]byte(m), &b); err != nil {
			return nil, fmt.Errorf("redis query bars %s: %w", series, err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// Prune is a no-op: records carry their own PEXPIREAT.
func (s *Store) Prune(context.Context, time.Time) (int, error) { return 0, nil }

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Store) Close() error { return s.client.Close() }
