package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"facilitator-gateway/middleware/ratelimit/domain"
	"facilitator-gateway/middleware/ratelimit/infra"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recordingObserver struct {
	mu   sync.Mutex
	seen map[string][]bool
}

func (o *recordingObserver) RateLimitDecision(limiter string, allowed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.seen == nil {
		o.seen = make(map[string][]bool)
	}
	o.seen[limiter] = append(o.seen[limiter], allowed)
}

func TestMiddleware_AllowsThenRejectsSameKey(t *testing.T) {
	lim := infra.NewTokenBucket(1, time.Minute)
	stats := infra.NewMemoryStatsStore()
	obs := &recordingObserver{}

	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})

	h := Middleware(Options{
		Name:      "quote",
		Limiter:   lim,
		Stats:     stats,
		Observer:  obs,
		Logger:    quietLogger(),
		ExposeKey: true,
	})(next)

	// 1) primeira passa
	r1 := httptest.NewRequest(http.MethodGet, "http://example/paid/report", nil)
	r1.RemoteAddr = "10.0.0.1:1234"
	w1 := httptest.NewRecorder()
	h.ServeHTTP(w1, r1)
	if w1.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w1.Code)
	}
	if got := w1.Header().Get("X-RateLimit-Key"); got != "10.0.0.1" {
		t.Fatalf("expected X-RateLimit-Key=10.0.0.1, got %q", got)
	}
	if got := w1.Header().Get("X-RateLimit-Limit"); got != "1" {
		t.Fatalf("expected X-RateLimit-Limit=1, got %q", got)
	}
	if got := w1.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("expected X-RateLimit-Remaining=0, got %q", got)
	}
	if got := w1.Header().Get("X-RateLimit-Reset"); got == "" {
		t.Fatalf("expected X-RateLimit-Reset header to be set")
	}

	// 2) segunda deve bloquear (capacity=1 por minuto)
	r2 := httptest.NewRequest(http.MethodGet, "http://example/paid/report", nil)
	r2.RemoteAddr = "10.0.0.1:1234"
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, r2)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w2.Code)
	}
	if got := w2.Header().Get("Retry-After"); got == "" {
		t.Fatalf("expected Retry-After header to be set")
	}

	if calls != 1 {
		t.Fatalf("expected next handler to be called once, got %d", calls)
	}
	if got := stats.ByLimiter()["quote"]; got.Allowed != 1 || got.Denied != 1 {
		t.Fatalf("expected 1 allowed and 1 denied in stats, got %+v", got)
	}
	if got := obs.seen["quote"]; len(got) != 2 || !got[0] || got[1] {
		t.Fatalf("unexpected observed decisions %v", got)
	}
}

func TestMiddleware_KeyByHeader(t *testing.T) {
	lim := infra.NewTokenBucket(1, time.Minute)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	h := Middleware(Options{
		Limiter:   lim,
		KeyHeader: "X-Api-Key",
		Logger:    quietLogger(),
	})(next)

	// duas chaves diferentes => ambos devem passar (cada chave tem seu próprio bucket)
	for _, k := range []string{"k1", "k2"} {
		r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
		r.Header.Set("X-Api-Key", k)
		r.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200 for key %s, got %d", k, w.Code)
		}
	}
}

type denyingLimiter struct{ retryAfter time.Duration }

func (l denyingLimiter) Check(domain.Key) domain.Decision {
	return domain.Decision{Limit: 10, RetryAfter: l.retryAfter, ResetAt: time.Unix(1_700_000_000, 500)}
}
func (denyingLimiter) Reset(domain.Key) {}
func (denyingLimiter) Cleanup() int     { return 0 }

func TestMiddleware_RetryAfterRoundsUp(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next must not run")
	})

	h := Middleware(Options{Limiter: denyingLimiter{retryAfter: 2500 * time.Millisecond}, Logger: quietLogger()})(next)

	r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if got := strings.TrimSpace(w.Header().Get("Retry-After")); got != "3" {
		t.Fatalf("expected Retry-After=3, got %q", got)
	}
	if got := w.Header().Get("X-RateLimit-Reset"); got != "1700000001" {
		t.Fatalf("expected reset rounded up to 1700000001, got %q", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("expected remaining 0, got %q", got)
	}
}

func TestMiddleware_SubSecondRetryAfterIsAtLeastOne(t *testing.T) {
	h := Middleware(Options{Limiter: denyingLimiter{retryAfter: 200 * time.Millisecond}, Logger: quietLogger()})(http.NotFoundHandler())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://example/", nil))
	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("expected Retry-After=1, got %q", got)
	}
}

type asyncOnly struct {
	denyingLimiter
	asyncCalls int
}

func (a *asyncOnly) CheckAsync(ctx context.Context, key domain.Key) domain.Decision {
	a.asyncCalls++
	return domain.Decision{Allowed: true, Limit: 5, Remaining: 4}
}

func TestMiddleware_UsesAsyncPathWhenAvailable(t *testing.T) {
	lim := &asyncOnly{}
	h := Middleware(Options{Limiter: lim, Logger: quietLogger()})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "http://example/v1/sessions", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if lim.asyncCalls != 1 {
		t.Fatalf("expected async check, got %d calls", lim.asyncCalls)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "4" {
		t.Fatalf("expected remaining 4, got %q", got)
	}
}

type failingStats struct{}

func (failingStats) Record(context.Context, domain.StatsEvent) error { return errors.New("redis down") }

func TestMiddleware_StatsFailureDoesNotBlock(t *testing.T) {
	h := Middleware(Options{
		Limiter: infra.NewFixedWindow(5, time.Minute),
		Stats:   failingStats{},
		Logger:  quietLogger(),
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://example/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 despite stats failure, got %d", w.Code)
	}
}
