package infra

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"facilitator-gateway/internal/cache"
	"facilitator-gateway/middleware/ratelimit/domain"
)

type downCounter struct{ calls int }

func (c *downCounter) Increment(context.Context, string, string, time.Duration) (int64, error) {
	c.calls++
	return 0, errors.New("dial tcp: connection refused")
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestDistributed_UsesExternalCounter(t *testing.T) {
	clk := newFakeClock()
	rdb := newRedis(t)
	counter := cache.NewRedis(rdb, cache.WithRedisClock(clk.Now))
	local := NewFixedWindow(2, time.Minute, WithFixedWindowClock(clk.Now))
	d := NewDistributed("session-create", local, counter, WithDistributedClock(clk.Now), WithDistributedLogger(quietLogger()))
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		dec := d.CheckAsync(ctx, "10.0.0.1")
		if !dec.Allowed || dec.Remaining != 2-i {
			t.Fatalf("check %d: unexpected decision %+v", i, dec)
		}
	}
	dec := d.CheckAsync(ctx, "10.0.0.1")
	if dec.Allowed {
		t.Fatalf("expected external counter to deny the third request")
	}
	if dec.RetryAfter <= 0 || dec.RetryAfter > time.Minute {
		t.Fatalf("expected RetryAfter within the window, got %s", dec.RetryAfter)
	}

	// outra instância compartilhando o mesmo Redis vê o mesmo contador
	other := NewDistributed("session-create", NewFixedWindow(2, time.Minute), counter, WithDistributedClock(clk.Now))
	if other.CheckAsync(ctx, "10.0.0.1").Allowed {
		t.Fatalf("expected shared counter to deny on another instance")
	}

	// o caminho síncrono continua local
	if local.Len() != 0 {
		t.Fatalf("expected async path not to touch local state")
	}
	if !d.Check("10.0.0.1").Allowed {
		t.Fatalf("expected sync check to use the local window")
	}
}

func TestDistributed_FallsBackToLocalWindow(t *testing.T) {
	clk := newFakeClock()
	counter := &downCounter{}
	local := NewFixedWindow(1, time.Minute, WithFixedWindowClock(clk.Now))
	d := NewDistributed("register", local, counter, WithDistributedClock(clk.Now), WithDistributedLogger(quietLogger()))
	ctx := context.Background()

	if !d.CheckAsync(ctx, "k").Allowed {
		t.Fatalf("expected fallback admission")
	}
	if d.CheckAsync(ctx, "k").Allowed {
		t.Fatalf("expected fallback window to deny second request")
	}
	if counter.calls != 2 {
		t.Fatalf("expected external counter tried each time, got %d", counter.calls)
	}
}

func TestDistributed_StrictModeFailsClosed(t *testing.T) {
	clk := newFakeClock()
	d := NewDistributed("register", NewFixedWindow(5, time.Minute, WithFixedWindowClock(clk.Now)), &downCounter{},
		WithStrict(true), WithDistributedClock(clk.Now), WithDistributedLogger(quietLogger()))

	dec := d.CheckAsync(context.Background(), "k")
	if dec.Allowed {
		t.Fatalf("expected strict mode to deny when counter is down")
	}
	if dec.RetryAfter <= 0 {
		t.Fatalf("expected RetryAfter on strict denial")
	}
}

func TestRedisStatsStore_Record(t *testing.T) {
	rdb := newRedis(t)
	s := NewRedisStatsStore(rdb, WithStatsPrefix("test:stats:"), WithStatsTrackKeys(true))
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	events := []domain.StatsEvent{
		{Limiter: "quote", Key: "1.2.3.4", Allowed: true, Method: "GET", Path: "/paid/report", At: at},
		{Limiter: "quote", Key: "1.2.3.4", Allowed: false, Method: "GET", Path: "/paid/report", At: at},
		{Limiter: "debit", Key: "5.6.7.8", Allowed: true, Method: "POST", Path: "/v1/sessions/x/debit", At: at},
	}
	for _, ev := range events {
		if err := s.Record(ctx, ev); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	total, err := rdb.HGetAll(ctx, "test:stats:total").Result()
	if err != nil {
		t.Fatalf("hgetall: %v", err)
	}
	if total["allowed"] != "2" || total["denied"] != "1" {
		t.Fatalf("unexpected totals %v", total)
	}

	lim, _ := rdb.HGetAll(ctx, "test:stats:limiter").Result()
	if lim["quote:allowed"] != "1" || lim["quote:denied"] != "1" || lim["debit:allowed"] != "1" {
		t.Fatalf("unexpected per-limiter counters %v", lim)
	}

	minute, _ := rdb.HGetAll(ctx, "test:stats:minute:202601020304").Result()
	if minute["allowed"] != "2" {
		t.Fatalf("unexpected minute bucket %v", minute)
	}

	byKey, _ := rdb.HGetAll(ctx, "test:stats:key:1.2.3.4").Result()
	if byKey["allowed"] != "1" || byKey["denied"] != "1" {
		t.Fatalf("unexpected per-key counters %v", byKey)
	}
}

func TestMemoryStatsStore_Record(t *testing.T) {
	s := NewMemoryStatsStore(WithTrackKeys(true))
	ctx := context.Background()

	_ = s.Record(ctx, domain.StatsEvent{Limiter: "quote", Key: "a", Allowed: true, Method: "GET", Path: "/paid"})
	_ = s.Record(ctx, domain.StatsEvent{Limiter: "quote", Key: "a", Allowed: false, Method: "GET", Path: "/paid"})
	_ = s.Record(ctx, domain.StatsEvent{Limiter: "debit", Key: "b", Allowed: true, Method: "POST", Path: "/debit"})

	if got := s.Total(); got.Allowed != 2 || got.Denied != 1 {
		t.Fatalf("unexpected totals %+v", got)
	}
	if got := s.ByLimiter()["quote"]; got.Allowed != 1 || got.Denied != 1 {
		t.Fatalf("unexpected quote counters %+v", got)
	}
	if got := s.ByRoute()["POST /debit"]; got.Allowed != 1 {
		t.Fatalf("unexpected route counters %+v", got)
	}
	if got := s.ByKey()["a"]; got.Denied != 1 {
		t.Fatalf("unexpected key counters %+v", got)
	}
}

func TestChanPool_AcquireRelease(t *testing.T) {
	p := NewChanPool(1)
	release, ok := p.Acquire(context.Background())
	if !ok || p.InUse() != 1 {
		t.Fatalf("expected slot acquired")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, ok := p.Acquire(ctx); ok {
		t.Fatalf("expected second acquire to time out")
	}

	release()
	if p.InUse() != 0 {
		t.Fatalf("expected slot released")
	}
}
