// Package application contém os casos de uso (regras de aplicação) para rate limit
// e limite de concorrência.
//
// Ele depende apenas do pacote domain e não conhece net/http.
// Ex.: Service.DecideContext(ctx, key) retorna uma Decision (allow/deny,
// remaining, reset e retry-after), preferindo o contador externo quando existe.
package application
