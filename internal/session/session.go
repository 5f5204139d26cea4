// Package session mantém sessões de orçamento: um cliente abre uma sessão com
// teto de gasto e faz débitos contra ela. Débitos da mesma sessão são
// serializados pelo keylock, então check de saldo, débito e recibo formam um
// passo só.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"facilitator-gateway/internal/keylock"
	"facilitator-gateway/internal/ttlstore"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrBudgetExceeded = errors.New("session budget exceeded")
	ErrInvalidAmount  = errors.New("invalid amount")
)

const DefaultTTL = time.Hour

// Resultados enviados para Observer.SessionDebit.
const (
	ResultDebited  = "debited"
	ResultExceeded = "exceeded"
	ResultMissing  = "missing"
)

type Receipt struct {
	ID     string    `json:"id"`
	Amount uint64    `json:"amount"`
	Memo   string    `json:"memo,omitempty"`
	At     time.Time `json:"at"`
}

type Session struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	MaxTotal  uint64    `json:"maxTotal"`
	Spent     uint64    `json:"spent"`
	Receipts  []Receipt `json:"receipts"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s Session) Remaining() uint64 { return s.MaxTotal - s.Spent }

func (s Session) clone() Session {
	s.Receipts = slices.Clone(s.Receipts)
	return s
}

type Observer interface {
	SessionDebit(result string)
}

type Option func(*Service)

func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func WithStoreOptions(opts ...ttlstore.Option) Option {
	return func(s *Service) { s.storeOpts = append(s.storeOpts, opts...) }
}

func WithLocker(l *keylock.Locker) Option {
	return func(s *Service) { s.locks = l }
}

func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

type Service struct {
	ttl       time.Duration
	storeOpts []ttlstore.Option
	store     *ttlstore.Store[Session]
	locks     *keylock.Locker
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(opts ...Option) *Service {
	s := &Service{
		ttl:    DefaultTTL,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locks == nil {
		s.locks = keylock.New()
	}
	storeOpts := append([]ttlstore.Option{
		ttlstore.WithDefaultTTL(s.ttl),
		ttlstore.WithClock(s.now),
	}, s.storeOpts...)
	s.store = ttlstore.New[Session](storeOpts...)
	return s
}

func (s *Service) observe(result string) {
	if s.observer != nil {
		s.observer.SessionDebit(result)
	}
}

// Create abre uma sessão com teto maxTotal.
func (s *Service) Create(owner string, maxTotal uint64) (Session, error) {
	if maxTotal == 0 {
		return Session{}, fmt.Errorf("%w: max total must be > 0", ErrInvalidAmount)
	}
	now := s.now()
	sess := Session{
		ID:        uuid.NewString(),
		Owner:     owner,
		MaxTotal:  maxTotal,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	s.store.SetWithTTL(sess.ID, sess, s.ttl)
	s.logger.Debug("session created", "session", sess.ID, "owner", owner, "max_total", maxTotal)
	return sess.clone(), nil
}

func (s *Service) Get(id string) (Session, error) {
	sess, ok := s.store.Get(id)
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess.clone(), nil
}

// Debit desconta amount da sessão e anexa um recibo. Entre a leitura do saldo
// e a gravação ninguém mais mexe na mesma sessão.
func (s *Service) Debit(ctx context.Context, id string, amount uint64, memo string) (Session, Receipt, error) {
	if amount == 0 {
		return Session{}, Receipt{}, fmt.Errorf("%w: amount must be > 0", ErrInvalidAmount)
	}

	var (
		out Session
		rcp Receipt
	)
	err := s.locks.WithLock(ctx, "session:"+id, func(context.Context) error {
		sess, ok := s.store.Get(id)
		if !ok {
			s.observe(ResultMissing)
			return ErrNotFound
		}
		if amount > sess.Remaining() {
			s.observe(ResultExceeded)
			return fmt.Errorf("%w: remaining %d, requested %d", ErrBudgetExceeded, sess.Remaining(), amount)
		}

		now := s.now()
		// regravar sem encurtar nem estender a validade original
		left := sess.ExpiresAt.Sub(now)
		if left <= 0 {
			s.observe(ResultMissing)
			return ErrNotFound
		}

		rcp = Receipt{ID: uuid.NewString(), Amount: amount, Memo: memo, At: now}
		sess = sess.clone()
		sess.Spent += amount
		sess.Receipts = append(sess.Receipts, rcp)
		s.store.SetWithTTL(id, sess, left)

		s.observe(ResultDebited)
		out = sess.clone()
		return nil
	})
	if err != nil {
		return Session{}, Receipt{}, err
	}
	s.logger.Debug("session debited", "session", id, "amount", amount, "spent", out.Spent)
	return out, rcp, nil
}

// Cleanup remove sessões expiradas e devolve quantas saíram.
func (s *Service) Cleanup() int { return s.store.Cleanup() }

func (s *Service) Len() int { return s.store.Len() }

// Close para o janitor do store.
func (s *Service) Close() { s.store.Destroy() }
