package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"facilitator-gateway/middleware/ratelimit/application"
	"facilitator-gateway/middleware/ratelimit/domain"
)

type KeyFunc func(r *http.Request) string

// Observer recebe cada decisão (ex.: contador Prometheus).
type Observer interface {
	RateLimitDecision(limiter string, allowed bool)
}

type Options struct {
	// Name identifica o limiter em stats/métricas/logs.
	Name               string
	Limiter            domain.Limiter
	Stats              domain.StatsStore
	Observer           Observer
	Logger             *slog.Logger
	KeyFn              KeyFunc
	KeyHeader          string
	TrustXForwardedFor bool
	RejectStatus       int
	// RetryAfter é o piso de Retry-After quando o limiter não recomenda espera.
	RetryAfter time.Duration
	// ExposeKey adiciona X-RateLimit-Key (debug).
	ExposeKey bool
	Clock     func() time.Time
}

func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			// pega o primeiro IP do X-Forwarded-For (cliente original)
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		}

		// fallback: RemoteAddr
		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

// SetHeaders escreve os metadados de admissão padrão.
func SetHeaders(h http.Header, dec domain.Decision) {
	if dec.Limit > 0 {
		h.Set("X-RateLimit-Limit", formatInt(dec.Limit))
		h.Set("X-RateLimit-Remaining", formatInt(max(dec.Remaining, 0)))
	}
	if !dec.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", formatUnixCeil(dec.ResetAt))
	}
	if !dec.Allowed {
		h.Set("Retry-After", formatSecondsCeil(dec.RetryAfter))
	}
}

// Reject responde a negação com headers e status (429 por padrão).
func Reject(w http.ResponseWriter, dec domain.Decision, status int) {
	if status == 0 {
		status = http.StatusTooManyRequests
	}
	SetHeaders(w.Header(), dec)
	http.Error(w, http.StatusText(status), status)
}

func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.RetryAfter == 0 {
		opts.RetryAfter = 1 * time.Second
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader, opts.TrustXForwardedFor)
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	svc := application.Service{
		Limiter:    opts.Limiter,
		RetryAfter: opts.RetryAfter,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := opts.KeyFn(r)
			if opts.ExposeKey {
				w.Header().Set("X-RateLimit-Key", key)
			}

			dec := svc.DecideContext(r.Context(), domain.Key(key))
			if opts.Observer != nil {
				opts.Observer.RateLimitDecision(opts.Name, dec.Allowed)
			}
			if opts.Stats != nil {
				err := opts.Stats.Record(r.Context(), domain.StatsEvent{
					Limiter: opts.Name,
					Key:     domain.Key(key),
					Allowed: dec.Allowed,
					Method:  r.Method,
					Path:    r.URL.Path,
					At:      opts.Clock(),
				})
				if err != nil {
					opts.Logger.Debug("rate limit stats failed", "limiter", opts.Name, "err", err)
				}
			}
			if !dec.Allowed {
				opts.Logger.Info("rate limited", "limiter", opts.Name, "key", key, "path", r.URL.Path, "retry_after", dec.RetryAfter)
				Reject(w, dec, opts.RejectStatus)
				return
			}

			SetHeaders(w.Header(), dec)
			next.ServeHTTP(w, r)
		})
	}
}
