package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"facilitator-gateway/internal/resilience"
)

// Resilient envolve um Verifier com circuit breaker (por fora) e retry com
// backoff (por dentro): uma sequência inteira de re-tentativas conta como uma
// falha para o breaker.
type Resilient struct {
	inner   Verifier
	breaker *resilience.Breaker
	policy  resilience.Policy
}

func NewResilient(inner Verifier, breaker *resilience.Breaker, policy resilience.Policy) *Resilient {
	return &Resilient{inner: inner, breaker: breaker, policy: policy}
}

func (r *Resilient) Breaker() *resilience.Breaker { return r.breaker }

// UnavailableError é o que sobe quando a chain não pôde ser consultada.
// RetryAt vem preenchido quando o circuito está aberto.
type UnavailableError struct {
	Op      string
	RetryAt time.Time
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrUnavailable, e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() []error { return []error{ErrUnavailable, e.Err} }

func (r *Resilient) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, r.policy, fn)
	})
	if err == nil {
		return nil
	}

	var oe *resilience.OpenError
	if errors.As(err, &oe) {
		return &UnavailableError{Op: op, RetryAt: oe.RetryAt, Err: err}
	}
	if resilience.IsPermanent(err) {
		// o indexador recusou a requisição em si; não é indisponibilidade
		return err
	}
	return &UnavailableError{Op: op, Err: err}
}

func (r *Resilient) VerifyEscrowProof(ctx context.Context, proof string) (EscrowResult, error) {
	var out EscrowResult
	err := r.call(ctx, "verify escrow proof", func(ctx context.Context) error {
		res, err := r.inner.VerifyEscrowProof(ctx, proof)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

func (r *Resilient) VerifyReputationProof(ctx context.Context, proof string) (ReputationResult, error) {
	var out ReputationResult
	err := r.call(ctx, "verify reputation proof", func(ctx context.Context) error {
		res, err := r.inner.VerifyReputationProof(ctx, proof)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

func (r *Resilient) IsNullifierUsed(ctx context.Context, nullifier string) (bool, error) {
	var used bool
	err := r.call(ctx, "nullifier lookup", func(ctx context.Context) error {
		u, err := r.inner.IsNullifierUsed(ctx, nullifier)
		if err != nil {
			return err
		}
		used = u
		return nil
	})
	return used, err
}

func (r *Resilient) BlockHeight(ctx context.Context) (uint64, error) {
	var h uint64
	err := r.call(ctx, "block height", func(ctx context.Context) error {
		v, err := r.inner.BlockHeight(ctx)
		if err != nil {
			return err
		}
		h = v
		return nil
	})
	return h, err
}
