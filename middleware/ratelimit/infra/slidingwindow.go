package infra

import (
	"math"
	"sync"
	"time"

	"facilitator-gateway/middleware/ratelimit/domain"
)

// SlidingWindow é o contador de janela deslizante aproximado: guarda a
// contagem da janela atual e a final da anterior, e estima o tráfego em voo
// como prev*(1 - decorrido/janela) + atual. Evita a rajada dupla na virada
// de uma janela fixa com O(1) de memória por chave.
type SlidingWindow struct {
	mu      sync.Mutex
	entries map[string]*slidingState
	max     int
	window  time.Duration
	now     func() time.Time
}

type slidingState struct {
	prev        int
	curr        int
	windowStart time.Time
}

type SlidingWindowOption func(*SlidingWindow)

func WithSlidingWindowClock(now func() time.Time) SlidingWindowOption {
	return func(s *SlidingWindow) { s.now = now }
}

func NewSlidingWindow(maxRequests int, window time.Duration, opts ...SlidingWindowOption) *SlidingWindow {
	if maxRequests < 1 {
		maxRequests = 1
	}
	if window <= 0 {
		window = time.Second
	}
	s := &SlidingWindow{
		entries: make(map[string]*slidingState),
		max:     maxRequests,
		window:  window,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SlidingWindow) Limit() int            { return s.max }
func (s *SlidingWindow) Window() time.Duration { return s.window }

// roll avança a janela do estado até conter now.
func (s *SlidingWindow) roll(st *slidingState, now time.Time) {
	passed := now.Sub(st.windowStart) / s.window
	switch {
	case passed >= 2:
		st.prev, st.curr = 0, 0
	case passed == 1:
		st.prev, st.curr = st.curr, 0
	default:
		return
	}
	st.windowStart = st.windowStart.Add(passed * s.window)
}

func (s *SlidingWindow) estimate(st *slidingState, now time.Time) float64 {
	elapsed := float64(now.Sub(st.windowStart)) / float64(s.window)
	weight := math.Max(0, 1-elapsed)
	return float64(st.prev)*weight + float64(st.curr)
}

func (s *SlidingWindow) Check(key domain.Key) domain.Decision {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.entries[string(key)]
	if !ok {
		st = &slidingState{windowStart: now}
		s.entries[string(key)] = st
	}
	s.roll(st, now)

	est := s.estimate(st, now)
	dec := domain.Decision{Limit: s.max, ResetAt: st.windowStart.Add(s.window)}
	if est+1 <= float64(s.max) {
		st.curr++
		dec.Allowed = true
		dec.Remaining = int(math.Floor(float64(s.max) - est - 1))
		return dec
	}

	dec.RetryAfter = s.retryAfter(st, now)
	return dec
}

// retryAfter calcula quando prev*(peso) + curr + 1 cabe em max.
func (s *SlidingWindow) retryAfter(st *slidingState, now time.Time) time.Duration {
	w := float64(s.window)
	elapsed := float64(now.Sub(st.windowStart))

	room := float64(s.max - 1 - st.curr)
	if room >= 0 && st.prev > 0 {
		need := w * (1 - room/float64(st.prev))
		if need > elapsed {
			return time.Duration(math.Ceil(need - elapsed))
		}
		return time.Millisecond
	}

	// a janela atual sozinha já está cheia: ela vira a anterior e precisa decair
	need := w * (1 - float64(s.max-1)/float64(st.curr))
	return time.Duration(math.Ceil(w - elapsed + need))
}

func (s *SlidingWindow) Reset(key domain.Key) {
	s.mu.Lock()
	delete(s.entries, string(key))
	s.mu.Unlock()
}

// Cleanup remove chaves sem tráfego nas duas últimas janelas (estimativa zero).
func (s *SlidingWindow) Cleanup() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, st := range s.entries {
		if now.Sub(st.windowStart) >= 2*s.window {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

func (s *SlidingWindow) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
