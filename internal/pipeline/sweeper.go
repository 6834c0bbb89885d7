package pipeline

// sweeper.go resumes batches that are not finished.
//
// A batch stays PENDING until someone processes it and stays PROCESSING when
// a run was interrupted. The sweeper picks both up: it runs once at start,
// then every interval, until its context is cancelled. A failing batch is
// logged and left for the next pass.

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/JonMunkholm/stagemerge/internal/core"
)

// StartSweeper blocks, resuming unfinished batches every interval.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) {
	s.logger.Info("batch sweeper started", "interval", interval)

	s.Sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("batch sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep processes every PENDING or PROCESSING batch once, oldest first, and
// returns how many runs finished.
func (s *Service) Sweep(ctx context.Context) int {
	start := time.Now()
	batches, err := s.store.ListBatches(ctx, core.BatchPending, core.BatchProcessing)
	if err != nil {
		s.logger.Error("sweep failed to list batches", "error", err)
		return 0
	}
	if len(batches) == 0 {
		return 0
	}

	done := 0
	for _, b := range batches {
		if ctx.Err() != nil {
			break
		}
		summary, err := s.ProcessBatch(ctx, b.ID)
		switch {
		case errors.Is(err, ErrBatchBusy):
			continue
		case err != nil:
			s.logger.Error("sweep failed to process batch", "batch_id", b.ID, "error", err)
			continue
		}
		done++
		s.logger.Debug("swept batch", "batch_id", b.ID, "status", summary.Status)
	}

	s.logger.Info("sweep completed",
		"batches", len(batches),
		"processed", done,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return done
}
