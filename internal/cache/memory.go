package cache

import (
	"context"
	"sync"
	"time"

	"facilitator-gateway/internal/ttlstore"
)

// Memory implementa Cache em processo sobre TTLStores. Nunca retorna erro.
type Memory struct {
	mu       sync.Mutex
	values   *ttlstore.Store[string]
	counters *ttlstore.Store[*int64]
	prefix   string
	now      func() time.Time
}

type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	maxEntries   int
	cleanupEvery time.Duration
	now          func() time.Time
}

func WithMemoryMaxEntries(n int) MemoryOption {
	return func(o *memoryOptions) { o.maxEntries = n }
}

func WithMemoryCleanupEvery(d time.Duration) MemoryOption {
	return func(o *memoryOptions) { o.cleanupEvery = d }
}

func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(o *memoryOptions) { o.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	o := memoryOptions{
		maxEntries:   ttlstore.DefaultMaxEntries,
		cleanupEvery: ttlstore.DefaultCleanupEvery,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	storeOpts := []ttlstore.Option{
		ttlstore.WithMaxEntries(o.maxEntries),
		ttlstore.WithCleanupEvery(o.cleanupEvery),
		ttlstore.WithClock(o.now),
	}
	return &Memory{
		values:   ttlstore.New[string](storeOpts...),
		counters: ttlstore.New[*int64](storeOpts...),
		prefix:   "ratelimit",
		now:      o.now,
	}
}

func (m *Memory) Increment(_ context.Context, category, key string, window time.Duration) (int64, error) {
	k := counterKey(m.prefix, category, key, WindowIndex(m.now(), window))

	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.counters.Get(k)
	if !ok {
		// só o primeiro incremento da janela define o TTL
		n = new(int64)
		m.counters.SetWithTTL(k, n, window+ExpiryBuffer)
	}
	*n++
	return *n, nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.values.Get(key)
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.values.SetWithTTL(key, value, ttl)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	return m.values.Delete(key), nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// Close para os janitors internos.
func (m *Memory) Close() {
	m.values.Destroy()
	m.counters.Destroy()
}
