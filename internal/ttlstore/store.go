// Package ttlstore implementa um cache genérico em memória com expiração por
// entrada, limite de capacidade e limpeza periódica.
//
// É memória best-effort: nenhuma operação retorna erro e quem chama deve tratar
// "ausente" exatamente como "expirado".
package ttlstore

import (
	"sync"
	"time"
)

const (
	DefaultTTL          = 5 * time.Minute
	DefaultMaxEntries   = 10000
	DefaultCleanupEvery = time.Minute
)

type entry[T any] struct {
	value          T
	createdAt      time.Time
	lastAccessedAt time.Time
	ttl            time.Duration
}

func (e *entry[T]) expired(now time.Time) bool {
	return now.Sub(e.createdAt) >= e.ttl
}

// Store é seguro para uso concorrente.
type Store[T any] struct {
	mu         sync.Mutex
	entries    map[string]*entry[T]
	defaultTTL time.Duration
	maxEntries int

	cleanupEvery time.Duration
	now          func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type Option func(*options)

type options struct {
	defaultTTL   time.Duration
	maxEntries   int
	cleanupEvery time.Duration
	now          func() time.Time
}

func WithDefaultTTL(d time.Duration) Option {
	return func(o *options) { o.defaultTTL = d }
}

// WithMaxEntries define a capacidade. Valores <= 0 mantêm o padrão.
func WithMaxEntries(n int) Option {
	return func(o *options) { o.maxEntries = n }
}

// WithCleanupEvery define o intervalo do janitor. 0 desliga a limpeza em background.
func WithCleanupEvery(d time.Duration) Option {
	return func(o *options) { o.cleanupEvery = d }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New cria o store e, se o intervalo de limpeza for > 0, já inicia o janitor.
// Chame Destroy no shutdown.
func New[T any](opts ...Option) *Store[T] {
	o := options{
		defaultTTL:   DefaultTTL,
		maxEntries:   DefaultMaxEntries,
		cleanupEvery: DefaultCleanupEvery,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxEntries <= 0 {
		o.maxEntries = DefaultMaxEntries
	}
	if o.defaultTTL <= 0 {
		o.defaultTTL = DefaultTTL
	}

	s := &Store[T]{
		entries:      make(map[string]*entry[T]),
		defaultTTL:   o.defaultTTL,
		maxEntries:   o.maxEntries,
		cleanupEvery: o.cleanupEvery,
		now:          o.now,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}

	if s.cleanupEvery > 0 {
		go s.janitor()
	} else {
		close(s.done)
	}
	return s
}

func (s *Store[T]) janitor() {
	defer close(s.done)

	t := time.NewTicker(s.cleanupEvery)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.Cleanup()
		}
	}
}

// Get retorna o valor se ainda estiver vivo. Entradas expiradas são removidas aqui mesmo.
func (s *Store[T]) Get(key string) (T, bool) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	e, ok := s.entries[key]
	if !ok {
		return zero, false
	}
	if e.expired(now) {
		delete(s.entries, key)
		return zero, false
	}
	e.lastAccessedAt = now
	return e.value, true
}

// Has não atualiza lastAccessedAt.
func (s *Store[T]) Has(key string) bool {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	if e.expired(now) {
		delete(s.entries, key)
		return false
	}
	return true
}

func (s *Store[T]) Set(key string, value T) {
	s.SetWithTTL(key, value, s.defaultTTL)
}

// SetWithTTL grava o valor. Chave existente é atualizada no lugar, sem despejo;
// chave nova com o store cheio despeja exatamente uma entrada.
func (s *Store[T]) SetWithTTL(key string, value T, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		e.value = value
		e.createdAt = now
		e.lastAccessedAt = now
		e.ttl = ttl
		return
	}

	if len(s.entries) >= s.maxEntries {
		s.evictOneLocked(now)
	}
	s.entries[key] = &entry[T]{
		value:          value,
		createdAt:      now,
		lastAccessedAt: now,
		ttl:            ttl,
	}
}

// evictOneLocked prefere qualquer entrada já expirada; sem nenhuma, remove a
// de lastAccessedAt mais antigo.
func (s *Store[T]) evictOneLocked(now time.Time) {
	var (
		oldestKey string
		oldestAt  time.Time
		found     bool
	)
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			return
		}
		if !found || e.lastAccessedAt.Before(oldestAt) {
			oldestKey, oldestAt, found = k, e.lastAccessedAt, true
		}
	}
	if found {
		delete(s.entries, oldestKey)
	}
}

func (s *Store[T]) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	return true
}

// Values devolve os valores vivos; expirados são apagados como efeito colateral.
func (s *Store[T]) Values() []T {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]T, 0, len(s.entries))
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			continue
		}
		out = append(out, e.value)
	}
	return out
}

func (s *Store[T]) Entries() map[string]T {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]T, len(s.entries))
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			continue
		}
		out[k] = e.value
	}
	return out
}

// Cleanup remove todas as entradas expiradas e retorna quantas saíram.
func (s *Store[T]) Cleanup() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

func (s *Store[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry[T])
}

// Len conta linhas armazenadas, inclusive expiradas ainda não varridas.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Destroy para o janitor e limpa o estado. Pode ser chamado mais de uma vez.
func (s *Store[T]) Destroy() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	s.Clear()
}
