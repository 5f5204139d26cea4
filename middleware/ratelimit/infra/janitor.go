package infra

import (
	"context"
	"log/slog"
	"time"

	"facilitator-gateway/middleware/ratelimit/domain"
)

// StartJanitor inicia uma goroutine que chama lim.Cleanup periodicamente.
// Pare cancelando o contexto.
func StartJanitor(ctx context.Context, lim domain.Limiter, every time.Duration, logger *slog.Logger) {
	if lim == nil || every <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := lim.Cleanup(); n > 0 {
					logger.Debug("rate limit janitor", "removed", n)
				}
			}
		}
	}()
}
