package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"context"
	"time"
)

type Key string

// Decision é o resultado de uma checagem de admissão, já com os metadados
// que o adapter HTTP transforma em headers (limit/remaining/reset/retry-after).
type Decision struct {
	Allowed bool

	// Limit é a capacidade configurada (tokens do bucket ou requisições por janela).
	Limit     int
	Remaining int
	// ResetAt é quando a capacidade volta ao máximo (bucket cheio / fim da janela).
	ResetAt time.Time

	// RetryAfter é o valor a ser retornado em Retry-After quando bloquear.
	// Se 0, não há recomendação.
	RetryAfter time.Duration
}

// Limiter decide, por chave, se uma ação é permitida agora.
//
// As implementações (token bucket, janela deslizante, janela fixa) mantêm
// estado independente por chave. Uma negação nunca consome capacidade.
type Limiter interface {
	Check(key Key) Decision
	// Reset descarta o estado da chave (volta à capacidade cheia).
	Reset(key Key)
	// Cleanup remove estado de chaves ociosas e retorna quantas foram removidas.
	Cleanup() int
}

// AsyncLimiter é um Limiter que pode consultar um contador externo
// (ex.: Redis). Check continua síncrono e só usa estado local.
type AsyncLimiter interface {
	Limiter
	CheckAsync(ctx context.Context, key Key) Decision
}
