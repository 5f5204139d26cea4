// utilitários de formatação para headers de rate limit.
// Retry-After e X-RateLimit-Reset arredondam para cima: o cliente nunca deve
// voltar antes da hora.

package ratelimit

import (
	"strconv"
	"time"
)

func formatInt(v int) string { return strconv.Itoa(v) }

// formatSecondsCeil formata uma espera em segundos inteiros, mínimo 1.
func formatSecondsCeil(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

func formatUnixCeil(t time.Time) string {
	secs := t.Unix()
	if t.Nanosecond() > 0 {
		secs++
	}
	return strconv.FormatInt(secs, 10)
}
