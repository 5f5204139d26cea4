// Package domain define contratos e tipos de domínio para rate limit e concorrência.
//
// Este pacote não depende de net/http nem de implementações concretas:
// Limiter/AsyncLimiter decidem admissão por chave, Decision carrega os
// metadados de admissão, StatsStore persiste decisões e SlotPool limita
// trabalho concorrente.
package domain
