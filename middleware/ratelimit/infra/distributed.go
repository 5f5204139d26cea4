package infra

import (
	"context"
	"log/slog"
	"time"

	"facilitator-gateway/internal/cache"
	"facilitator-gateway/middleware/ratelimit/domain"
)

// Distributed é uma janela fixa cujo contador vive num cache externo
// (Redis INCR + PEXPIRE), para sobreviver a restart e ser compartilhado
// entre instâncias.
//
// Check é sempre local. CheckAsync tenta o contador externo e, em qualquer
// erro, cai para a janela local; em modo estrito nega em vez de cair.
type Distributed struct {
	local    *FixedWindow
	counter  cache.Counter
	category string
	strict   bool
	logger   *slog.Logger
	now      func() time.Time
}

type DistributedOption func(*Distributed)

// WithStrict faz CheckAsync negar quando o contador externo falha.
func WithStrict(strict bool) DistributedOption {
	return func(d *Distributed) { d.strict = strict }
}

func WithDistributedLogger(l *slog.Logger) DistributedOption {
	return func(d *Distributed) { d.logger = l }
}

func WithDistributedClock(now func() time.Time) DistributedOption {
	return func(d *Distributed) { d.now = now }
}

func NewDistributed(category string, local *FixedWindow, counter cache.Counter, opts ...DistributedOption) *Distributed {
	d := &Distributed{
		local:    local,
		counter:  counter,
		category: category,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

func (d *Distributed) Limit() int { return d.local.Limit() }

func (d *Distributed) Check(key domain.Key) domain.Decision { return d.local.Check(key) }

func (d *Distributed) CheckAsync(ctx context.Context, key domain.Key) domain.Decision {
	if d.counter == nil {
		return d.local.Check(key)
	}

	now := d.now()
	window := d.local.Window()
	resetAt := cache.WindowEnd(now, window)
	limit := d.local.Limit()

	n, err := d.counter.Increment(ctx, d.category, string(key), window)
	if err != nil {
		if d.strict {
			d.logger.Warn("rate limit counter unavailable, denying", "category", d.category, "err", err)
			return domain.Decision{Limit: limit, ResetAt: resetAt, RetryAfter: resetAt.Sub(now)}
		}
		d.logger.Warn("rate limit counter unavailable, using local window", "category", d.category, "err", err)
		return d.local.Check(key)
	}

	dec := domain.Decision{Limit: limit, ResetAt: resetAt}
	if n <= int64(limit) {
		dec.Allowed = true
		dec.Remaining = limit - int(n)
		return dec
	}
	dec.RetryAfter = resetAt.Sub(now)
	return dec
}

// Reset zera apenas o estado local; o contador externo expira sozinho no fim
// da janela.
func (d *Distributed) Reset(key domain.Key) { d.local.Reset(key) }

func (d *Distributed) Cleanup() int { return d.local.Cleanup() }
