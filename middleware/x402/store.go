package x402

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"facilitator-gateway/internal/cache"
	"facilitator-gateway/internal/ttlstore"
)

// PendingStore guarda jobs pendentes. Metadados e segredo ficam em chaves
// separadas; Take remove os dois e devolve true para um único chamador.
type PendingStore interface {
	Save(ctx context.Context, p PendingPayment, ttl time.Duration) error
	// Lookup devolve o job com o Secret preenchido. Ausente e expirado são
	// a mesma coisa.
	Lookup(ctx context.Context, jobHash string) (PendingPayment, bool, error)
	Take(ctx context.Context, jobHash string) (bool, error)
	// Shared indica se o estado é visível para outras instâncias.
	Shared() bool
}

// MemoryStore usa dois TTLStores locais (metadados e segredos).
type MemoryStore struct {
	jobs    *ttlstore.Store[PendingPayment]
	secrets *ttlstore.Store[string]
}

func NewMemoryStore(opts ...ttlstore.Option) *MemoryStore {
	return &MemoryStore{
		jobs:    ttlstore.New[PendingPayment](opts...),
		secrets: ttlstore.New[string](opts...),
	}
}

func (m *MemoryStore) Save(_ context.Context, p PendingPayment, ttl time.Duration) error {
	secret := p.Secret
	p.Secret = ""
	m.jobs.SetWithTTL(p.JobHash, p, ttl)
	m.secrets.SetWithTTL(p.JobHash, secret, ttl)
	return nil
}

func (m *MemoryStore) Lookup(_ context.Context, jobHash string) (PendingPayment, bool, error) {
	p, ok := m.jobs.Get(jobHash)
	if !ok {
		return PendingPayment{}, false, nil
	}
	secret, ok := m.secrets.Get(jobHash)
	if !ok {
		return PendingPayment{}, false, nil
	}
	p.Secret = secret
	return p, true, nil
}

func (m *MemoryStore) Take(_ context.Context, jobHash string) (bool, error) {
	ok := m.secrets.Delete(jobHash)
	m.jobs.Delete(jobHash)
	return ok, nil
}

func (m *MemoryStore) Shared() bool { return false }

// Len é o número de jobs pendentes (inclui expirados ainda não varridos).
func (m *MemoryStore) Len() int { return m.jobs.Len() }

func (m *MemoryStore) Destroy() {
	m.jobs.Destroy()
	m.secrets.Destroy()
}

// CacheStore guarda jobs no cache externo:
//
//	x402:job:<hash>     JSON dos metadados públicos
//	x402:secret:<hash>  segredo em hex
//
// O DEL do segredo decide quem libera: só um chamador recebe true.
type CacheStore struct {
	c cache.Cache
}

func NewCacheStore(c cache.Cache) *CacheStore { return &CacheStore{c: c} }

func jobKey(h string) string    { return "x402:job:" + h }
func secretKey(h string) string { return "x402:secret:" + h }

func (s *CacheStore) Save(ctx context.Context, p PendingPayment, ttl time.Duration) error {
	meta, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending job: %w", err)
	}
	if err := s.c.Set(ctx, secretKey(p.JobHash), p.Secret, ttl); err != nil {
		return fmt.Errorf("save job secret: %w", err)
	}
	if err := s.c.Set(ctx, jobKey(p.JobHash), string(meta), ttl); err != nil {
		return fmt.Errorf("save job metadata: %w", err)
	}
	return nil
}

func (s *CacheStore) Lookup(ctx context.Context, jobHash string) (PendingPayment, bool, error) {
	raw, ok, err := s.c.Get(ctx, jobKey(jobHash))
	if err != nil || !ok {
		return PendingPayment{}, false, err
	}
	secret, ok, err := s.c.Get(ctx, secretKey(jobHash))
	if err != nil || !ok {
		return PendingPayment{}, false, err
	}

	var p PendingPayment
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return PendingPayment{}, false, fmt.Errorf("decode pending job: %w", err)
	}
	p.Secret = secret
	return p, true, nil
}

func (s *CacheStore) Take(ctx context.Context, jobHash string) (bool, error) {
	ok, err := s.c.Delete(ctx, secretKey(jobHash))
	if err != nil {
		return false, fmt.Errorf("take job secret: %w", err)
	}
	if _, err := s.c.Delete(ctx, jobKey(jobHash)); err != nil {
		return ok, fmt.Errorf("delete job metadata: %w", err)
	}
	return ok, nil
}

func (s *CacheStore) Shared() bool { return true }
