// Package ratelimit fornece adapters HTTP (net/http) para rate limit e limite de concorrência.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: casos de uso (decisão allow/deny, acquire/timeout) sem net/http
//   - infra: token bucket, janela deslizante, janela fixa, variante distribuída, semáforo
//   - ratelimit (este pacote): middlewares HTTP + extração de chave + tradução para status/headers
//
// Fluxo no facilitador:
//
//  1. Extrai a chave do cliente (header/XFF/RemoteAddr)
//  2. Chama a camada application para obter a decisão (contador externo se houver)
//  3. Escreve X-RateLimit-Limit/Remaining/Reset; se bloqueado, 429 + Retry-After
//     (rate limit) ou 503 (concorrência)
//  4. Se permitido, chama o próximo handler
//
// Os limiters são montados em cmd/facilitator a partir de RATE_*/SESSION_*/
// CONCURRENCY_* (ver internal/config).
package ratelimit
