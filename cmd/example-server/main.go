package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"facilitator-gateway/internal/chain"
	"facilitator-gateway/internal/resilience"
	"facilitator-gateway/middleware/ratelimit"
	"facilitator-gateway/middleware/ratelimit/infra"
	"facilitator-gateway/middleware/x402"
)

func main() {
	// Exemplo: middlewares direto no seu webserver (sem proxy). Também serve
	// de upstream para o facilitator em testes locais.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	limiter := infra.NewSlidingWindow(30, time.Minute)
	infra.StartJanitor(ctx, limiter, time.Minute, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		report := map[string]any{"path": r.URL.Path, "at": time.Now().UTC()}
		if pc, ok := x402.FromContext(r.Context()); ok {
			report["job"] = pc.JobHash
			report["paid"] = pc.Secret != ""
		} else if job := r.Header.Get("X-Payment-Verified-Job"); job != "" {
			// atrás do facilitator o job chega por header
			report["job"] = job
			report["paid"] = true
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	})

	h := http.Handler(mux)
	opts, priced, err := paymentOptions(os.Getenv, logger)
	if err != nil {
		logger.Error("config error", "err", err)
		os.Exit(1)
	}
	if priced {
		store := x402.NewMemoryStore()
		defer store.Destroy()
		opts.Store = store
		h = x402.Middleware(opts)(h)
	}
	h = ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{Max: 50})(h)
	h = ratelimit.Middleware(ratelimit.Options{
		Name:               "example",
		Limiter:            limiter,
		KeyHeader:          "X-Api-Key", // ou vazio para usar IP
		TrustXForwardedFor: true,
		Logger:             logger,
	})(h)

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("example server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}

// paymentOptions lê a cobrança x402 do ambiente. Sem X402_RECIPIENT a rota é
// gratuita.
func paymentOptions(getenv func(string) string, logger *slog.Logger) (x402.Options, bool, error) {
	recipient := getenv("X402_RECIPIENT")
	if recipient == "" {
		return x402.Options{}, false, nil
	}
	price, err := strconv.ParseUint(getenv("X402_PRICE"), 10, 64)
	if err != nil || price == 0 {
		return x402.Options{}, false, fmt.Errorf("invalid X402_PRICE %q: must be a positive integer", getenv("X402_PRICE"))
	}
	chainURL := getenv("CHAIN_URL")
	if chainURL == "" {
		return x402.Options{}, false, errors.New("CHAIN_URL is required when X402_RECIPIENT is set")
	}

	br := resilience.NewBreaker("chain", resilience.DefaultBreakerConfig())
	verifier := chain.NewResilient(
		chain.NewHTTPVerifier(chainURL, chain.WithHTTPClient(&http.Client{Timeout: 5 * time.Second})),
		br,
		resilience.DefaultPolicy(),
	)

	return x402.Options{
		Recipient:     recipient,
		AgentIdentity: getenv("X402_AGENT_IDENTITY"),
		Price:         price,
		Verifier:      verifier,
		QuoteLimiter:  infra.NewTokenBucket(5, time.Minute),
		Logger:        logger,
	}, true, nil
}
