package infra

import (
	"math"
	"sync"
	"time"

	"facilitator-gateway/middleware/ratelimit/domain"

	"golang.org/x/time/rate"
)

// TokenBucket é um limiter token-bucket por chave baseado em x/time/rate.
//
// Cada chave tem seu próprio rate.Limiter com burst = capacity e reposição
// contínua de capacity/window tokens por segundo. Chaves sem uso há mais de
// idleTTL são descartadas em Cleanup (um bucket parado por uma janela inteira
// já está cheio, então descartar não muda nenhuma decisão).
type TokenBucket struct {
	mu       sync.Mutex
	entries  map[string]*bucketEntry
	capacity int
	window   time.Duration
	refill   rate.Limit
	idleTTL  time.Duration
	now      func() time.Time
}

type bucketEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type TokenBucketOption func(*TokenBucket)

func WithIdleTTL(d time.Duration) TokenBucketOption {
	return func(b *TokenBucket) { b.idleTTL = d }
}

func WithTokenBucketClock(now func() time.Time) TokenBucketOption {
	return func(b *TokenBucket) { b.now = now }
}

// NewTokenBucket cria um bucket que admite `capacity` requisições em rajada e
// sustenta `capacity` por `window`.
func NewTokenBucket(capacity int, window time.Duration, opts ...TokenBucketOption) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if window <= 0 {
		window = time.Second
	}
	b := &TokenBucket{
		entries:  make(map[string]*bucketEntry),
		capacity: capacity,
		window:   window,
		refill:   rate.Limit(float64(capacity) / window.Seconds()),
		idleTTL:  window,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *TokenBucket) Capacity() int         { return b.capacity }
func (b *TokenBucket) Window() time.Duration { return b.window }

// RPS é a taxa sustentada de reposição.
func (b *TokenBucket) RPS() float64 { return float64(b.refill) }

func (b *TokenBucket) Check(key domain.Key) domain.Decision {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	ent, ok := b.entries[string(key)]
	if !ok {
		ent = &bucketEntry{lim: rate.NewLimiter(b.refill, b.capacity)}
		b.entries[string(key)] = ent
	}
	ent.lastSeen = now

	dec := domain.Decision{Limit: b.capacity}
	if ent.lim.AllowN(now, 1) {
		tokens := ent.lim.TokensAt(now)
		dec.Allowed = true
		dec.Remaining = int(math.Floor(tokens))
		dec.ResetAt = now.Add(b.secondsFor(float64(b.capacity) - tokens))
		return dec
	}

	tokens := ent.lim.TokensAt(now)
	dec.Remaining = 0
	dec.ResetAt = now.Add(b.secondsFor(float64(b.capacity) - tokens))
	dec.RetryAfter = b.secondsFor(1 - tokens)
	return dec
}

// secondsFor converte uma quantidade de tokens no tempo de reposição dela.
func (b *TokenBucket) secondsFor(tokens float64) time.Duration {
	if tokens <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(tokens / float64(b.refill) * float64(time.Second)))
}

func (b *TokenBucket) Reset(key domain.Key) {
	b.mu.Lock()
	delete(b.entries, string(key))
	b.mu.Unlock()
}

func (b *TokenBucket) Cleanup() int {
	cutoff := b.now().Add(-b.idleTTL)

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for k, ent := range b.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(b.entries, k)
			removed++
		}
	}
	return removed
}

// Len retorna quantas chaves têm estado.
func (b *TokenBucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
