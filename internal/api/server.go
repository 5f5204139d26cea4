// Package api monta o servidor HTTP do facilitator: sessões de orçamento,
// consultas à chain, posse no hash ring, recibos, health e métricas. As
// rotas pagas entram já embrulhadas pelo middleware x402.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"facilitator-gateway/internal/cache"
	"facilitator-gateway/internal/chain"
	"facilitator-gateway/internal/hashring"
	"facilitator-gateway/internal/receipts"
	"facilitator-gateway/internal/resilience"
	"facilitator-gateway/internal/session"
	"facilitator-gateway/middleware/ratelimit"
	"facilitator-gateway/middleware/ratelimit/domain"
)

const maxBodyBytes = 1 << 20

// BreakerState é o pedaço do breaker que o health expõe.
type BreakerState interface {
	Name() string
	State() resilience.State
}

type ReceiptReader interface {
	Get(ctx context.Context, jobHash string) (receipts.Receipt, error)
}

type Deps struct {
	NodeID   string
	Sessions *session.Service
	Verifier chain.Verifier
	Breaker  BreakerState
	Ring     *hashring.Ring
	Cache    cache.Cache
	Receipts ReceiptReader
	Gatherer prometheus.Gatherer
	// Paid atende /paid/*; nil desliga as rotas pagas.
	Paid http.Handler

	SessionCreateLimiter domain.Limiter
	SessionDebitLimiter  domain.Limiter
	Stats                domain.StatsStore
	Observer             ratelimit.Observer
	KeyFn                ratelimit.KeyFunc
	RetryAfter           time.Duration

	Logger *slog.Logger
	Clock  func() time.Time
}

type Server struct {
	deps Deps
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.KeyFn == nil {
		deps.KeyFn = ratelimit.DefaultKeyFunc("", false)
	}
	return &Server{deps: deps}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		if s.deps.Sessions != nil {
			r.With(s.limit("session_create", s.deps.SessionCreateLimiter)).Post("/sessions", s.handleCreateSession)
			r.Get("/sessions/{id}", s.handleGetSession)
			r.With(s.limit("session_debit", s.deps.SessionDebitLimiter)).Post("/sessions/{id}/debit", s.handleDebit)
		}
		if s.deps.Verifier != nil {
			r.Post("/reputation/verify", s.handleVerifyReputation)
			r.Get("/nullifiers/{id}", s.handleNullifier)
		}
		if s.deps.Ring != nil {
			r.Get("/ring/owner", s.handleRingOwner)
		}
		if s.deps.Receipts != nil {
			r.Get("/receipts/{jobHash}", s.handleReceipt)
		}
	})

	if s.deps.Paid != nil {
		r.Handle("/paid/*", s.deps.Paid)
	}
	return r
}

func (s *Server) limit(name string, l domain.Limiter) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return ratelimit.Middleware(ratelimit.Options{
		Name:       name,
		Limiter:    l,
		Stats:      s.deps.Stats,
		Observer:   s.deps.Observer,
		Logger:     s.deps.Logger,
		KeyFn:      s.deps.KeyFn,
		RetryAfter: s.deps.RetryAfter,
		Clock:      s.deps.Clock,
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.deps.Logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// chainError traduz falha do verificador: indisponível vira 503 com
// Retry-After, o resto é resposta ruim do indexer (502).
func (s *Server) chainError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, chain.ErrUnavailable) {
		retry := 5 * time.Second
		var ue *chain.UnavailableError
		if errors.As(err, &ue) && !ue.RetryAt.IsZero() {
			if d := ue.RetryAt.Sub(s.deps.Clock()); d > 0 {
				retry = d
			}
		}
		w.Header().Set("Retry-After", strconv.FormatInt(int64((retry+time.Second-1)/time.Second), 10))
		writeError(w, http.StatusServiceUnavailable, "chain verifier unavailable")
		return
	}
	s.deps.Logger.Warn("chain query failed", "op", op, "err", err)
	writeError(w, http.StatusBadGateway, "chain verifier error")
}
