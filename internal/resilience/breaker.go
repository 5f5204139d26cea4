package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen é retornado (via *OpenError) quando o breaker recusa a chamada
// sem executá-la.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError carrega quando vale a pena tentar de novo.
type OpenError struct {
	Name    string
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: %s (retry at %s)", e.Name, ErrCircuitOpen, e.RetryAt.UTC().Format(time.RFC3339))
}

func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type BreakerConfig struct {
	FailureThreshold         int           // padrão 5
	ResetTimeout             time.Duration // padrão 30s
	HalfOpenSuccessThreshold int           // padrão 1

	// OnStateChange é chamado fora do lock a cada transição.
	OnStateChange func(name string, from, to State)
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:         5,
		ResetTimeout:             30 * time.Second,
		HalfOpenSuccessThreshold: 1,
	}
}

// Breaker é compartilhado por todos os chamadores de uma dependência.
type Breaker struct {
	mu          sync.Mutex
	name        string
	cfg         BreakerConfig
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	now         func() time.Time
}

type BreakerOption func(*Breaker)

func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

func NewBreaker(name string, cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = def.HalfOpenSuccessThreshold
	}
	b := &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

type transition struct {
	from, to State
}

func (b *Breaker) notify(tr *transition) {
	if tr != nil && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, tr.from, tr.to)
	}
}

// setLocked muda o estado e devolve a transição para notificar depois do unlock.
func (b *Breaker) setLocked(to State) *transition {
	if b.state == to {
		return nil
	}
	tr := &transition{from: b.state, to: to}
	b.state = to
	b.failures = 0
	b.successes = 0
	return tr
}

// checkLocked faz a passagem preguiçosa open -> half-open.
func (b *Breaker) checkLocked(now time.Time) *transition {
	if b.state == StateOpen && now.Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		return b.setLocked(StateHalfOpen)
	}
	return nil
}

// State devolve o estado atual, já aplicando o timeout de open.
func (b *Breaker) State() State {
	b.mu.Lock()
	tr := b.checkLocked(b.now())
	st := b.state
	b.mu.Unlock()

	b.notify(tr)
	return st
}

// RetryAt é o instante em que um breaker aberto passa a aceitar sonda.
func (b *Breaker) RetryAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return time.Time{}
	}
	return b.lastFailure.Add(b.cfg.ResetTimeout)
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	tr := b.checkLocked(b.now())
	var err error
	if b.state == StateOpen {
		err = &OpenError{Name: b.name, RetryAt: b.lastFailure.Add(b.cfg.ResetTimeout)}
	}
	b.mu.Unlock()

	b.notify(tr)
	return err
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	var tr *transition
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenSuccessThreshold {
			tr = b.setLocked(StateClosed)
		}
	}
	b.mu.Unlock()

	b.notify(tr)
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	now := b.now()
	var tr *transition
	switch b.state {
	case StateClosed:
		b.failures++
		b.lastFailure = now
		if b.failures >= b.cfg.FailureThreshold {
			tr = b.setLocked(StateOpen)
		}
	case StateHalfOpen:
		b.lastFailure = now
		tr = b.setLocked(StateOpen)
	case StateOpen:
		b.lastFailure = now
	}
	b.mu.Unlock()

	b.notify(tr)
}

// Execute é a única porta de entrada: checa o tempo de open, roda fn se
// permitido e atualiza os contadores conforme o resultado. Erros Permanent
// não contam como falha da dependência.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	switch {
	case err == nil || IsPermanent(err):
		b.onSuccess()
	case errors.Is(err, context.Canceled):
		// cancelamento do chamador não diz nada sobre a dependência
	default:
		b.onFailure()
	}
	return err
}
