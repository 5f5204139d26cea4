package infra

import (
	"sync"
	"time"

	"facilitator-gateway/middleware/ratelimit/domain"
)

// FixedWindow é um contador simples que zera quando now - início >= janela.
// Aceita rajada na virada da janela; serve para operações raras e caras
// (criação de sessão, verificação de reputação).
type FixedWindow struct {
	mu      sync.Mutex
	entries map[string]*fixedState
	max     int
	window  time.Duration
	now     func() time.Time
}

type fixedState struct {
	count       int
	windowStart time.Time
}

type FixedWindowOption func(*FixedWindow)

func WithFixedWindowClock(now func() time.Time) FixedWindowOption {
	return func(f *FixedWindow) { f.now = now }
}

func NewFixedWindow(maxRequests int, window time.Duration, opts ...FixedWindowOption) *FixedWindow {
	if maxRequests < 1 {
		maxRequests = 1
	}
	if window <= 0 {
		window = time.Second
	}
	f := &FixedWindow{
		entries: make(map[string]*fixedState),
		max:     maxRequests,
		window:  window,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *FixedWindow) Limit() int            { return f.max }
func (f *FixedWindow) Window() time.Duration { return f.window }

func (f *FixedWindow) Check(key domain.Key) domain.Decision {
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	st, ok := f.entries[string(key)]
	if !ok || now.Sub(st.windowStart) >= f.window {
		st = &fixedState{windowStart: now}
		f.entries[string(key)] = st
	}

	resetAt := st.windowStart.Add(f.window)
	dec := domain.Decision{Limit: f.max, ResetAt: resetAt}
	if st.count < f.max {
		st.count++
		dec.Allowed = true
		dec.Remaining = f.max - st.count
		return dec
	}
	dec.RetryAfter = resetAt.Sub(now)
	return dec
}

func (f *FixedWindow) Reset(key domain.Key) {
	f.mu.Lock()
	delete(f.entries, string(key))
	f.mu.Unlock()
}

func (f *FixedWindow) Cleanup() int {
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	for k, st := range f.entries {
		if now.Sub(st.windowStart) >= f.window {
			delete(f.entries, k)
			removed++
		}
	}
	return removed
}

func (f *FixedWindow) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}
