package ratelimit

import (
	"net/http"
	"time"

	"facilitator-gateway/middleware/ratelimit/application"
	"facilitator-gateway/middleware/ratelimit/domain"
	"facilitator-gateway/middleware/ratelimit/infra"
)

type ConcurrencyOptions struct {
	Max            int
	RejectStatus   int
	AcquireTimeout time.Duration
	// Pool substitui o semáforo padrão (infra.NewChanPool(Max)).
	Pool     domain.SlotPool
	Observer Observer
}

// InFlightObserver recebe a ocupação do pool depois de cada aquisição e
// liberação. Observers de ConcurrencyOptions que o implementam são avisados.
type InFlightObserver interface {
	ConcurrencyInUse(n int)
}

// ConcurrencyMiddleware limita requisições em voo (ex.: contra o upstream pago).
// Sem vaga dentro do timeout responde 503 com Retry-After: 1.
func ConcurrencyMiddleware(opts ConcurrencyOptions) func(next http.Handler) http.Handler {
	if opts.Max <= 0 && opts.Pool == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusServiceUnavailable
	}
	if opts.Pool == nil {
		opts.Pool = infra.NewChanPool(opts.Max)
	}

	svc := application.ConcurrencyService{
		Pool:           opts.Pool,
		AcquireTimeout: opts.AcquireTimeout,
	}
	inFlight, _ := opts.Observer.(InFlightObserver)
	report := func() {
		if inFlight != nil {
			inFlight.ConcurrencyInUse(svc.InUse())
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			release, ok := svc.Acquire(r.Context())
			if opts.Observer != nil {
				opts.Observer.RateLimitDecision("concurrency", ok)
			}
			if !ok {
				w.Header().Set("Retry-After", "1")
				http.Error(w, http.StatusText(opts.RejectStatus), opts.RejectStatus)
				return
			}
			report()
			defer func() {
				release()
				report()
			}()

			next.ServeHTTP(w, r)
		})
	}
}
