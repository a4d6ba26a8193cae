package kvstore

import (
	"context"
	"time"

	"github.com/welldanyogia/lms-auth/internal/metrics"
)

// instrumentedStore records the latency of every operation of the wrapped Store
type instrumentedStore struct {
	next Store
}

// Instrument wraps s so each call is timed in the kv operation histogram
func Instrument(s Store) Store {
	return &instrumentedStore{next: s}
}

func (s *instrumentedStore) Get(ctx context.Context, key string) ([]byte, error) {
	defer metrics.TimeKV("get")()
	return s.next.Get(ctx, key)
}

func (s *instrumentedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	defer metrics.TimeKV("set")()
	return s.next.Set(ctx, key, value, ttl)
}

func (s *instrumentedStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	defer metrics.TimeKV("setnx")()
	return s.next.SetNX(ctx, key, value, ttl)
}

func (s *instrumentedStore) Delete(ctx context.Context, keys ...string) error {
	defer metrics.TimeKV("delete")()
	return s.next.Delete(ctx, keys...)
}

func (s *instrumentedStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	defer metrics.TimeKV("ttl")()
	return s.next.TTL(ctx, key)
}

func (s *instrumentedStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	defer metrics.TimeKV("keys")()
	return s.next.Keys(ctx, prefix)
}

func (s *instrumentedStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	defer metrics.TimeKV("incr")()
	return s.next.Incr(ctx, key, ttl)
}

func (s *instrumentedStore) ZAdd(ctx context.Context, key string, member ScoredMember, ttl time.Duration) error {
	defer metrics.TimeKV("zadd")()
	return s.next.ZAdd(ctx, key, member, ttl)
}

func (s *instrumentedStore) ZRange(ctx context.Context, key string) ([]ScoredMember, error) {
	defer metrics.TimeKV("zrange")()
	return s.next.ZRange(ctx, key)
}

func (s *instrumentedStore) ZRem(ctx context.Context, key string, members ...string) error {
	defer metrics.TimeKV("zrem")()
	return s.next.ZRem(ctx, key, members...)
}

func (s *instrumentedStore) AppendWindow(ctx context.Context, key string, member string, at time.Time, window time.Duration) (int64, error) {
	defer metrics.TimeKV("append_window")()
	return s.next.AppendWindow(ctx, key, member, at, window)
}
