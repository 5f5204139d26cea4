package resilience

import (
	"context"
	"errors"
	"time"
)

// Policy controla Retry. MaxRetries conta as re-tentativas depois da primeira chamada.
type Policy struct {
	MaxRetries int
	Backoff    Backoff

	// ShouldRetry pode vetar a re-tentativa de uma classe de erro. nil = tenta tudo,
	// exceto erros Permanent, cancelamento de contexto e circuito aberto.
	ShouldRetry func(error) bool

	// Sleep é substituível nos testes.
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		Backoff:    DefaultBackoff(),
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marca um erro que não deve ser re-tentado (ex.: prova rejeitada).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p Policy) retryable(err error) bool {
	if IsPermanent(err) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.ShouldRetry != nil {
		return p.ShouldRetry(err)
	}
	return true
}

// Retry chama fn até ter sucesso ou esgotar 1+MaxRetries tentativas.
// Retorna o último erro.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.MaxRetries || !p.retryable(err) {
			return err
		}
		if serr := sleep(ctx, p.Backoff.Delay(attempt)); serr != nil {
			return errors.Join(err, serr)
		}
	}
}
