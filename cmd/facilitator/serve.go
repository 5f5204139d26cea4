package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"facilitator-gateway/internal/api"
	"facilitator-gateway/internal/cache"
	"facilitator-gateway/internal/chain"
	"facilitator-gateway/internal/config"
	"facilitator-gateway/internal/hashring"
	"facilitator-gateway/internal/keylock"
	"facilitator-gateway/internal/metrics"
	"facilitator-gateway/internal/receipts"
	"facilitator-gateway/internal/resilience"
	"facilitator-gateway/internal/session"
	"facilitator-gateway/middleware/ratelimit"
	"facilitator-gateway/middleware/ratelimit/domain"
	"facilitator-gateway/middleware/ratelimit/infra"
	"facilitator-gateway/middleware/x402"
)

// headerVerifiedJob vai para o upstream quando a prova foi aceita e o job
// ainda está pendente.
const headerVerifiedJob = "X-Payment-Verified-Job"

func newServeCmd(configPath *string) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the facilitator HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath, os.LookupEnv)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			logger := cfg.Log.NewLogger(os.Stderr)
			slog.SetDefault(logger)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides LISTEN_ADDR)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("facilitator listening",
		"addr", cfg.Server.Listen,
		"node", cfg.Ring.NodeID,
		"peers", cfg.Ring.Peers,
		"upstream", cfg.Server.UpstreamURL,
		"x402", cfg.X402.Enabled(),
		"redis", cfg.Redis.Enabled(),
		"strict_distributed", cfg.Rate.StrictDistributed,
	)
	logger.Info("rate limits",
		"quote", cfg.Rate.Quote,
		"session_create", cfg.Rate.SessionCreate,
		"session_debit", cfg.Rate.SessionDebit,
		"concurrency_max", cfg.Server.ConcurrencyMax,
	)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("facilitator stopped")
	return nil
}

// app é o resultado da composição: o handler raiz e o que fechar no fim.
type app struct {
	handler http.Handler
	closers []func()
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// build liga todos os componentes. Goroutines de limpeza param com ctx.
func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// cache externo: Redis com fallback em memória, ou nenhum
	var (
		shared  cache.Cache
		counter cache.Counter
		stats   domain.StatsStore
	)
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.onClose(func() { _ = rdb.Close() })

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("redis ping error: %w", err)
		}

		mem := cache.NewMemory()
		a.onClose(mem.Close)
		primary := cache.NewRedis(rdb, cache.WithRedisPrefix(cfg.Redis.Prefix))
		shared = cache.NewFallback(primary, mem, logger)
		counter = shared
		if cfg.Rate.StrictDistributed {
			// o Fallback nunca falha; modo estrito precisa ver o erro do Redis
			counter = primary
		}

		if cfg.Rate.StatsEnabled {
			stats = infra.NewRedisStatsStore(
				rdb,
				infra.WithStatsPrefix(cfg.Rate.StatsPrefix),
				infra.WithStatsTTL(cfg.Rate.StatsTTL),
				infra.WithStatsBucket(cfg.Rate.StatsBucket),
				infra.WithStatsTrackKeys(cfg.Rate.StatsTrackKeys),
			)
		}
	} else if cfg.Rate.StatsEnabled {
		stats = infra.NewMemoryStatsStore(infra.WithTrackKeys(cfg.Rate.StatsTrackKeys))
	}

	ring := hashring.New(hashring.Config{VirtualNodes: cfg.Ring.VirtualNodes})
	ring.AddNode(cfg.Ring.NodeID)
	for _, p := range cfg.Ring.Peers {
		ring.AddNode(p)
	}

	var (
		verifier chain.Verifier
		breaker  api.BreakerState
	)
	if cfg.Chain.URL != "" {
		br := resilience.NewBreaker("chain", resilience.BreakerConfig{
			FailureThreshold:         cfg.Chain.FailureThreshold,
			ResetTimeout:             cfg.Chain.ResetTimeout,
			HalfOpenSuccessThreshold: cfg.Chain.HalfOpenSuccesses,
			OnStateChange: func(name string, from, to resilience.State) {
				m.BreakerTransition(name, from, to)
				logger.Warn("circuit breaker transition", "name", name, "from", from.String(), "to", to.String())
			},
		})
		verifier = chain.NewResilient(
			chain.NewHTTPVerifier(cfg.Chain.URL,
				chain.WithAPIKey(cfg.Chain.APIKey),
				chain.WithHTTPClient(&http.Client{Timeout: cfg.Chain.Timeout}),
			),
			br,
			resilience.Policy{
				MaxRetries: cfg.Chain.MaxRetries,
				Backoff: resilience.Backoff{
					Base:   cfg.Chain.BackoffBase,
					Max:    cfg.Chain.BackoffMax,
					Jitter: resilience.DefaultJitter,
				},
			},
		)
		breaker = br
	}

	locks := keylock.New()

	sessions := session.NewService(
		session.WithTTL(cfg.Session.TTL),
		session.WithLocker(locks),
		session.WithObserver(m),
		session.WithLogger(logger),
	)
	a.onClose(sessions.Close)

	var receiptLog *receipts.Store
	if cfg.Receipts.Path != "" {
		rs, err := receipts.Open(cfg.Receipts.Path)
		if err != nil {
			return nil, err
		}
		a.onClose(func() { _ = rs.Close() })
		receiptLog = rs
	}

	// limiters
	quote := infra.NewTokenBucket(cfg.Rate.Quote.Max, cfg.Rate.Quote.Window)
	createLocal := infra.NewFixedWindow(cfg.Rate.SessionCreate.Max, cfg.Rate.SessionCreate.Window)
	var sessionCreate domain.Limiter = createLocal
	if counter != nil {
		sessionCreate = infra.NewDistributed("session_create",
			createLocal,
			counter,
			infra.WithStrict(cfg.Rate.StrictDistributed),
			infra.WithDistributedLogger(logger),
		)
	}
	sessionDebit := infra.NewSlidingWindow(cfg.Rate.SessionDebit.Max, cfg.Rate.SessionDebit.Window)

	infra.StartJanitor(ctx, quote, cfg.Rate.Quote.Window, logger)
	infra.StartJanitor(ctx, sessionCreate, cfg.Rate.SessionCreate.Window, logger)
	infra.StartJanitor(ctx, sessionDebit, cfg.Rate.SessionDebit.Window, logger)

	keyFn := ratelimit.DefaultKeyFunc(cfg.Rate.KeyHeader, cfg.Rate.TrustXForwardedFor)

	deps := api.Deps{
		NodeID:               cfg.Ring.NodeID,
		Sessions:             sessions,
		Verifier:             verifier,
		Breaker:              breaker,
		Ring:                 ring,
		Cache:                shared,
		Gatherer:             reg,
		SessionCreateLimiter: sessionCreate,
		SessionDebitLimiter:  sessionDebit,
		Stats:                stats,
		Observer:             m,
		KeyFn:                keyFn,
		RetryAfter:           cfg.Rate.RetryAfter,
		Logger:               logger,
	}
	if receiptLog != nil {
		deps.Receipts = receiptLog
	}

	if cfg.Server.UpstreamURL != "" {
		target, err := url.Parse(cfg.Server.UpstreamURL)
		if err != nil {
			return nil, fmt.Errorf("invalid UPSTREAM_URL: %w", err)
		}
		proxy := httputil.NewSingleHostReverseProxy(target)
		direct := proxy.Director
		proxy.Director = func(r *http.Request) {
			direct(r)
			r.Header.Del(headerVerifiedJob)
			if pc, ok := x402.FromContext(r.Context()); ok && pc.Secret != "" {
				r.Header.Set(headerVerifiedJob, pc.JobHash)
			}
		}
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("proxy error", "path", r.URL.Path, "err", err)
			http.Error(w, "bad gateway", http.StatusBadGateway)
		}

		var store x402.PendingStore
		if shared != nil {
			store = x402.NewCacheStore(shared)
		} else {
			ms := x402.NewMemoryStore()
			a.onClose(ms.Destroy)
			store = ms
		}

		opts := x402.Options{
			Recipient:     cfg.X402.Recipient,
			AgentIdentity: cfg.X402.AgentIdentity,
			Network:       cfg.X402.Network,
			Price:         cfg.X402.Price,
			JobTTL:        cfg.X402.JobTTL,
			Verifier:      verifier,
			Store:         store,
			QuoteLimiter:  quote,
			KeyFn:         keyFn,
			Locks:         locks,
			Ring:          ring,
			SelfID:        cfg.Ring.NodeID,
			Logger:        logger,
			Observer:      m,
		}
		if receiptLog != nil {
			opts.Receipts = receiptLog
		}

		paid := http.Handler(http.StripPrefix("/paid", proxy))
		paid = x402.Middleware(opts)(paid)
		paid = ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{
			Max:            cfg.Server.ConcurrencyMax,
			RejectStatus:   http.StatusServiceUnavailable,
			AcquireTimeout: cfg.Server.ConcurrencyTimeout,
			Observer:       m,
		})(paid)
		deps.Paid = paid
	}

	a.handler = api.NewServer(deps).Handler()
	ok = true
	return a, nil
}
