package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// startPruner runs time-based garbage collection for the nonce ledger,
// expired challenges and stale rate-limiter entries. Runs off the request
// path; records still inside their replay or validity horizon are never
// removed.
func (s *Server) startPruner(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.nonces.Prune(); err != nil {
					log.Warn().Err(err).Msg("Nonce ledger prune failed")
				}
				if err := s.guard.PruneExpired(); err != nil {
					log.Warn().Err(err).Msg("Guard prune failed")
				}
				s.limiter.PruneIdle(10 * time.Minute)
			}
		}
	}()
}
