// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
//   - TokenBucket: token bucket por chave usando golang.org/x/time/rate
//   - SlidingWindow / FixedWindow: contadores por chave em memória
//   - Distributed: janela fixa com contador externo (cache.Counter) e fallback local
//   - MemoryStatsStore / RedisStatsStore: estatísticas de decisão
//   - ChanPool: semáforo simples para limite de concorrência
package infra
