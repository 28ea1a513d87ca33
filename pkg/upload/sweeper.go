package upload

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultStagingTTL is how long an abandoned upload's staging
// directory survives before the sweep reclaims it.
const DefaultStagingTTL = 24 * time.Hour

// Sweeper bounds staging-disk usage by removing per-hash directories
// that have seen no chunk activity for the configured TTL. A sweep
// never touches an upload whose merge is currently running.
type Sweeper struct {
	chunks   *ChunkStore
	registry *Registry
	ttl      time.Duration
	logger   *zap.Logger
}

// NewSweeper creates a sweeper over the staging area.
func NewSweeper(chunks *ChunkStore, registry *Registry, ttl time.Duration, logger *zap.Logger) *Sweeper {
	if ttl <= 0 {
		ttl = DefaultStagingTTL
	}
	return &Sweeper{
		chunks:   chunks,
		registry: registry,
		ttl:      ttl,
		logger:   logger,
	}
}

// Sweep removes stale staging directories and their sessions, and
// returns how many were reclaimed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	stale, err := s.chunks.StaleStagingDirs(s.ttl)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, fileHash := range stale {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if s.registry.MergeInProgress(fileHash) {
			continue
		}
		if err := s.chunks.DeleteStaging(fileHash); err != nil {
			s.logger.Warn("failed to reclaim staging directory",
				zap.String("file_hash", fileHash), zap.Error(err))
			continue
		}
		s.registry.CompleteMerge(fileHash)
		removed++
	}

	if removed > 0 {
		s.logger.Info("reclaimed stale staging directories", zap.Int("count", removed))
	}
	return removed, nil
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("staging sweep failed", zap.Error(err))
			}
		}
	}
}
