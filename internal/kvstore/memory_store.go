package kvstore

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrWrongType is returned when a string operation targets a sorted set or vice versa
var ErrWrongType = errors.New("kvstore: operation against a key holding the wrong kind of value")

type memEntry struct {
	value     []byte
	zset      map[string]float64
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is an in-process Store with lazy TTL expiry.
// It is meant for single-instance development and for tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore using the wall clock
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock creates an empty MemoryStore that reads time from now
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     now,
	}
}

// live returns the entry at key if it exists and has not expired. Caller holds mu.
func (s *MemoryStore) live(key string) *memEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// Get returns the value stored at key
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return nil, ErrNotFound
	}
	if e.zset != nil {
		return nil, ErrWrongType
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set replaces the value stored at key
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)
	s.entries[key] = &memEntry{value: v, expiresAt: s.expiry(ttl)}
	return nil
}

// SetNX stores value only when key is absent
func (s *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live(key) != nil {
		return false, nil
	}
	v := make([]byte, len(value))
	copy(v, value)
	s.entries[key] = &memEntry{value: v, expiresAt: s.expiry(ttl)}
	return true, nil
}

// Delete removes the given keys
func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.entries, k)
	}
	return nil
}

// TTL returns the remaining lifetime of key
func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return 0, ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(s.now()), nil
}

// Keys lists live keys with the given prefix in lexical order
func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for k := range s.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if s.live(k) != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Incr increments the counter at key and sets ttl if the key has none
func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		e = &memEntry{value: []byte("0")}
		s.entries[key] = e
	}
	if e.zset != nil {
		return 0, ErrWrongType
	}

	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, ErrWrongType
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	if e.expiresAt.IsZero() {
		e.expiresAt = s.expiry(ttl)
	}
	return n, nil
}

// zsetFor returns the sorted set at key, creating it if needed. Caller holds mu.
func (s *MemoryStore) zsetFor(key string) (*memEntry, error) {
	e := s.live(key)
	if e == nil {
		e = &memEntry{zset: make(map[string]float64)}
		s.entries[key] = e
	}
	if e.zset == nil {
		return nil, ErrWrongType
	}
	return e, nil
}

// ZAdd adds member to the sorted set at key
func (s *MemoryStore) ZAdd(_ context.Context, key string, member ScoredMember, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.zsetFor(key)
	if err != nil {
		return err
	}
	e.zset[member.Member] = member.Score
	if ttl > 0 {
		e.expiresAt = s.expiry(ttl)
	}
	return nil
}

// ZRange returns all members of the sorted set at key by ascending score
func (s *MemoryStore) ZRange(_ context.Context, key string) ([]ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return []ScoredMember{}, nil
	}
	if e.zset == nil {
		return nil, ErrWrongType
	}
	return sortedMembers(e.zset), nil
}

// ZRem removes members from the sorted set at key
func (s *MemoryStore) ZRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return nil
	}
	if e.zset == nil {
		return ErrWrongType
	}
	for _, m := range members {
		delete(e.zset, m)
	}
	if len(e.zset) == 0 {
		delete(s.entries, key)
	}
	return nil
}

// AppendWindow records member in the sliding window at key
func (s *MemoryStore) AppendWindow(_ context.Context, key string, member string, at time.Time, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.zsetFor(key)
	if err != nil {
		return 0, err
	}
	cutoff := float64(at.Add(-window).UnixMilli())
	for m, score := range e.zset {
		if score < cutoff {
			delete(e.zset, m)
		}
	}
	e.zset[member] = float64(at.UnixMilli())
	e.expiresAt = s.expiry(window)
	return int64(len(e.zset)), nil
}

func sortedMembers(set map[string]float64) []ScoredMember {
	members := make([]ScoredMember, 0, len(set))
	for m, score := range set {
		members = append(members, ScoredMember{Member: m, Score: score})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score == members[j].Score {
			return members[i].Member < members[j].Member
		}
		return members[i].Score < members[j].Score
	})
	return members
}
