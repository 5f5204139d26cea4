package application

import (
	"context"
	"time"

	"facilitator-gateway/middleware/ratelimit/domain"
)

// Service concentra a regra de aplicação do rate limit.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas retorna uma decisão.
// Sem Limiter configurado tudo é permitido.
type Service struct {
	Limiter domain.Limiter
	// RetryAfter é o piso usado quando o limiter nega sem recomendar espera.
	RetryAfter time.Duration
}

func (s Service) Decide(key domain.Key) domain.Decision {
	if s.Limiter == nil {
		return domain.Decision{Allowed: true}
	}
	return s.finish(s.Limiter.Check(key))
}

// DecideContext usa o caminho assíncrono quando o limiter tem um (contador
// externo); caso contrário é igual a Decide.
func (s Service) DecideContext(ctx context.Context, key domain.Key) domain.Decision {
	if s.Limiter == nil {
		return domain.Decision{Allowed: true}
	}
	if al, ok := s.Limiter.(domain.AsyncLimiter); ok {
		return s.finish(al.CheckAsync(ctx, key))
	}
	return s.finish(s.Limiter.Check(key))
}

func (s Service) finish(dec domain.Decision) domain.Decision {
	if dec.Allowed {
		dec.RetryAfter = 0
		return dec
	}
	floor := s.RetryAfter
	if floor <= 0 {
		floor = 1 * time.Second
	}
	if dec.RetryAfter <= 0 {
		dec.RetryAfter = floor
	}
	return dec
}
