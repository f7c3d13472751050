package cache

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Cache for tests and single-node development.
// It is not shared across processes.
type Memory struct {
	mu      sync.Mutex
	strings map[string]memItem
	zsets   map[string]memZSet
	now     func() time.Time
}

type memItem struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type memZSet struct {
	scores    map[string]float64
	expiresAt time.Time
}

var _ Cache = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		strings: map[string]memItem{},
		zsets:   map[string]memZSet{},
		now:     time.Now,
	}
}

// SetClock replaces the clock used for expiry.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) expired(at time.Time) bool {
	return !at.IsZero() && !m.now().Before(at)
}

func (m *Memory) getLocked(key string) (memItem, bool) {
	item, ok := m.strings[key]
	if !ok {
		return memItem{}, false
	}
	if m.expired(item.expiresAt) {
		delete(m.strings, key)
		return memItem{}, false
	}
	return item, true
}

func (m *Memory) zsetLocked(key string) (memZSet, bool) {
	z, ok := m.zsets[key]
	if !ok {
		return memZSet{}, false
	}
	if m.expired(z.expiresAt) {
		delete(m.zsets, key)
		return memZSet{}, false
	}
	return z, true
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.getLocked(key)
	if !ok {
		return "", ErrMiss
	}
	return item.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = memItem{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.getLocked(key); ok {
		return false, nil
	}
	m.strings[key] = memItem{value: value, expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.strings, k)
		delete(m.zsets, k)
	}
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.getLocked(key); ok {
		item.expiresAt = m.expiry(ttl)
		m.strings[key] = item
	}
	if z, ok := m.zsetLocked(key); ok {
		z.expiresAt = m.expiry(ttl)
		m.zsets[key] = z
	}
	return nil
}

func (m *Memory) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	if item, ok := m.getLocked(key); ok {
		v, err := strconv.ParseInt(item.value, 10, 64)
		if err != nil {
			return 0, err
		}
		n = v
	}
	n++
	m.strings[key] = memItem{value: strconv.FormatInt(n, 10), expiresAt: m.expiry(ttl)}
	return n, nil
}

// intLocked reads an integer string value. It returns ErrMiss when absent.
func (m *Memory) intLocked(key string) (int64, memItem, error) {
	item, ok := m.getLocked(key)
	if !ok {
		return 0, memItem{}, ErrMiss
	}
	v, err := strconv.ParseInt(item.value, 10, 64)
	if err != nil {
		return 0, memItem{}, err
	}
	return v, item, nil
}

func (m *Memory) DecrByFloor(_ context.Context, key string, amount, floor int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, item, err := m.intLocked(key)
	if err != nil {
		return 0, false, err
	}
	if cur-amount < floor {
		return cur, false, nil
	}
	item.value = strconv.FormatInt(cur-amount, 10)
	m.strings[key] = item
	return cur - amount, true, nil
}

func (m *Memory) AdjustClamped(_ context.Context, key string, delta, floor int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, item, err := m.intLocked(key)
	if err != nil {
		return 0, false, err
	}
	v, clamped := cur+delta, false
	if v < floor {
		v, clamped = floor, true
	}
	item.value = strconv.FormatInt(v, 10)
	m.strings[key] = item
	return v, clamped, nil
}

func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsetLocked(key)
	if !ok {
		z = memZSet{scores: map[string]float64{}}
	}
	z.scores[member] = score
	m.zsets[key] = z
	return nil
}

func (m *Memory) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsetLocked(key)
	if !ok {
		return nil
	}
	for member, s := range z.scores {
		if s >= min && s <= max {
			delete(z.scores, member)
		}
	}
	return nil
}

// ZMembers returns members ordered by score, ties broken by member, as
// ZRANGE does.
func (m *Memory) ZMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsetLocked(key)
	if !ok {
		return nil, nil
	}
	members := make([]string, 0, len(z.scores))
	for member := range z.scores {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool {
		si, sj := z.scores[members[i]], z.scores[members[j]]
		if si != sj {
			return si < sj
		}
		return members[i] < members[j]
	})
	return members, nil
}

func (m *Memory) ZRem(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if z, ok := m.zsetLocked(key); ok {
		delete(z.scores, member)
	}
	return nil
}

// TTL reports the remaining lifetime of key, or 0 when it has none or is
// absent. Tests use it to check expiry bookkeeping.
func (m *Memory) TTL(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.getLocked(key); ok && !item.expiresAt.IsZero() {
		return item.expiresAt.Sub(m.now())
	}
	if z, ok := m.zsetLocked(key); ok && !z.expiresAt.IsZero() {
		return z.expiresAt.Sub(m.now())
	}
	return 0
}
