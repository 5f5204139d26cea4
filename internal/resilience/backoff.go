// Package resilience protege chamadas a dependências instáveis (RPC da chain)
// com backoff exponencial com jitter e um circuit breaker de três estados.
package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

const DefaultJitter = 0.3

// Backoff calcula o atraso da tentativa a:
//
//	min(Max, Base * 2^a) * U[1-Jitter, 1+Jitter], nunca abaixo de Base.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// Rand devolve um float em [0, 1). nil usa math/rand/v2.
	Rand func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:   100 * time.Millisecond,
		Max:    5 * time.Second,
		Jitter: DefaultJitter,
	}
}

// Ceiling é o atraso sem jitter: min(Max, Base * 2^attempt).
func (b Backoff) Ceiling(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := b.Base
	if base <= 0 {
		base = DefaultBackoff().Base
	}
	max := b.Max
	if max <= 0 || max < base {
		max = base
	}

	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(max) || math.IsInf(d, 0) {
		return max
	}
	return time.Duration(d)
}

func (b Backoff) Delay(attempt int) time.Duration {
	ceil := b.Ceiling(attempt)

	j := b.Jitter
	if j < 0 {
		j = 0
	}
	if j > 1 {
		j = 1
	}
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	factor := 1 - j + 2*j*r()

	d := time.Duration(float64(ceil) * factor)
	base := b.Base
	if base <= 0 {
		base = DefaultBackoff().Base
	}
	if d < base {
		d = base
	}
	return d
}
