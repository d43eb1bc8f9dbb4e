package cache

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	str       string
	zset      map[string]float64
	list      []string
	expiresAt time.Time // zero = no expiry
}

// Memory is an in-process Store used in standalone mode and tests.
// Expiry is lazy: entries are dropped when touched after their deadline.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*memEntry), now: time.Now}
}

// SetClock overrides the time source (tests).
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// lookup returns the live entry for key (caller must hold lock).
func (m *Memory) lookup(key string) *memEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *Memory) getOrCreate(key string) *memEntry {
	if e := m.lookup(key); e != nil {
		return e
	}
	e := &memEntry{}
	m.entries[key] = e
	return e
}

func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil {
		return "", ErrMiss
	}
	return e.str, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &memEntry{str: value, expiresAt: m.deadline(ttl)}
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *Memory) incrBy(key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.getOrCreate(key)
	var n int64
	if e.str != "" {
		v, err := strconv.ParseInt(e.str, 10, 64)
		if err != nil {
			return 0, err
		}
		n = v
	}
	n += delta
	e.str = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) { return m.incrBy(key, 1) }
func (m *Memory) Decr(_ context.Context, key string) (int64, error) { return m.incrBy(key, -1) }

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.lookup(key); e != nil {
		e.expiresAt = m.deadline(ttl)
	}
	return nil
}

// TTL mirrors Redis semantics: -2s for a missing key, -1s for a key without expiry.
func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil {
		return -2 * time.Second, nil
	}
	if e.expiresAt.IsZero() {
		return -1 * time.Second, nil
	}
	return e.expiresAt.Sub(m.now()), nil
}

func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.getOrCreate(key)
	if e.zset == nil {
		e.zset = make(map[string]float64)
	}
	e.zset[member] = score
	return nil
}

func (m *Memory) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil {
		return nil
	}
	for member, score := range e.zset {
		if score >= min && score <= max {
			delete(e.zset, member)
		}
	}
	return nil
}

func (m *Memory) ZCount(_ context.Context, key string, min, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil {
		return 0, nil
	}
	var n int64
	for _, score := range e.zset {
		if score >= min && score <= max {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ZOldest(_ context.Context, key string) (ScoredMember, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil || len(e.zset) == 0 {
		return ScoredMember{}, false, nil
	}
	members := make([]ScoredMember, 0, len(e.zset))
	for member, score := range e.zset {
		members = append(members, ScoredMember{Member: member, Score: score})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Member < members[j].Member
	})
	return members[0], true, nil
}

func (m *Memory) LPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.getOrCreate(key)
	for _, v := range values {
		e.list = append([]string{v}, e.list...)
	}
	return nil
}

// normalizeRange converts Redis-style inclusive (possibly negative) indexes into a slice range.
func normalizeRange(n int, start, stop int64) (int, int) {
	s, t := int(start), int(stop)
	if s < 0 {
		s += n
	}
	if t < 0 {
		t += n
	}
	if s < 0 {
		s = 0
	}
	if t >= n {
		t = n - 1
	}
	if s > t || s >= n {
		return 0, 0
	}
	return s, t + 1
}

func (m *Memory) LTrim(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil {
		return nil
	}
	s, t := normalizeRange(len(e.list), start, stop)
	e.list = append([]string(nil), e.list[s:t]...)
	return nil
}

func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil {
		return nil, nil
	}
	s, t := normalizeRange(len(e.list), start, stop)
	return append([]string(nil), e.list[s:t]...), nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }
