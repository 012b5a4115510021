package server

import (
	"context"
	"time"
)

const denylistCleanupBatch = 100

func (s *Server) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupInertDenylistEntries(ctx)
			if pruned := s.channel.Hub().PruneStale(s.cfg.ClientPongTimeout); pruned > 0 {
				s.log.Info("stale gateway channels pruned", "count", pruned)
			}
		}
	}
}

// cleanupInertDenylistEntries deletes bookkeeping rows whose block the
// lock's own clock enforcement already expired. Nothing goes on the
// wire.
func (s *Server) cleanupInertDenylistEntries(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	deleted, err := s.optimizer.Cleanup(cleanupCtx, s.store, denylistCleanupBatch)
	if err != nil {
		s.log.Error("denylist cleanup failed", "err", err)
		return
	}
	if deleted > 0 {
		s.log.Info("inert denylist entries cleaned", "count", deleted)
	}
}
