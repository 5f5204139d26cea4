// Package cache define a capacidade de cache externo (contador atômico com
// expiração + get/set/delete) e suas implementações: memória, Redis e um
// Fallback que degrada para memória quando o Redis falha.
//
// Todo consumidor deve depender apenas da interface Cache, nunca de um backend
// concreto, para que a ausência do Redis nunca seja fatal.
package cache

import (
	"context"
	"strconv"
	"time"
)

// ExpiryBuffer é somado à janela na expiração do contador, para que a chave
// sobreviva um pouco além do fim da janela.
const ExpiryBuffer = 60 * time.Second

// Counter é o incremento atômico com expiração usado pelos rate limiters.
type Counter interface {
	// Increment soma 1 ao contador da janela corrente de (category, key) e
	// devolve o valor novo. O primeiro incremento da janela define a expiração
	// em window + ExpiryBuffer.
	Increment(ctx context.Context, category, key string, window time.Duration) (int64, error)
}

type Cache interface {
	Counter
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete retorna true apenas para quem efetivamente removeu a chave.
	Delete(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
}

// WindowIndex é o índice da janela fixa que contém t.
func WindowIndex(t time.Time, window time.Duration) int64 {
	w := window.Milliseconds()
	if w <= 0 {
		w = 1
	}
	return t.UnixMilli() / w
}

// WindowEnd é o fim da janela fixa que contém t.
func WindowEnd(t time.Time, window time.Duration) time.Time {
	w := window.Milliseconds()
	if w <= 0 {
		w = 1
	}
	return time.UnixMilli((WindowIndex(t, window) + 1) * w)
}

func counterKey(prefix, category, key string, idx int64) string {
	return prefix + ":" + category + ":" + key + ":" + strconv.FormatInt(idx, 10)
}
