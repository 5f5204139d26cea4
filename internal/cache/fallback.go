package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Fallback tenta o Primary (Redis) e, em qualquer erro, usa o Secondary
// (memória). Nunca propaga erro do Primary.
type Fallback struct {
	Primary   Cache
	Secondary Cache
	Logger    *slog.Logger

	degraded atomic.Bool
}

func NewFallback(primary, secondary Cache, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{Primary: primary, Secondary: secondary, Logger: logger}
}

// Degraded indica se a última operação no Primary falhou.
func (f *Fallback) Degraded() bool { return f.degraded.Load() }

func (f *Fallback) fail(op string, err error) {
	if !f.degraded.Swap(true) {
		f.Logger.Warn("external cache unavailable, using in-memory fallback", "op", op, "err", err)
	}
}

func (f *Fallback) ok() {
	if f.degraded.Swap(false) {
		f.Logger.Info("external cache recovered")
	}
}

func (f *Fallback) Increment(ctx context.Context, category, key string, window time.Duration) (int64, error) {
	n, err := f.Primary.Increment(ctx, category, key, window)
	if err == nil {
		f.ok()
		return n, nil
	}
	f.fail("increment", err)
	return f.Secondary.Increment(ctx, category, key, window)
}

// Get consulta o Secondary também quando o Primary não tem a chave, pois ela
// pode ter sido gravada durante uma queda.
func (f *Fallback) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := f.Primary.Get(ctx, key)
	if err == nil {
		f.ok()
		if ok {
			return v, true, nil
		}
	} else {
		f.fail("get", err)
	}
	return f.Secondary.Get(ctx, key)
}

func (f *Fallback) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := f.Primary.Set(ctx, key, value, ttl)
	if err == nil {
		f.ok()
		return nil
	}
	f.fail("set", err)
	return f.Secondary.Set(ctx, key, value, ttl)
}

func (f *Fallback) Delete(ctx context.Context, key string) (bool, error) {
	removed, err := f.Primary.Delete(ctx, key)
	if err == nil {
		f.ok()
	} else {
		f.fail("delete", err)
	}
	sec, serr := f.Secondary.Delete(ctx, key)
	if serr != nil {
		return removed, serr
	}
	return removed || sec, nil
}

// Ping reporta o estado do Primary; o Secondary está sempre disponível.
func (f *Fallback) Ping(ctx context.Context) error {
	if err := f.Primary.Ping(ctx); err != nil {
		f.fail("ping", err)
		return err
	}
	f.ok()
	return nil
}
