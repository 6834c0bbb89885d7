package pipeline

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/JonMunkholm/stagemerge/internal/core"
	"github.com/JonMunkholm/stagemerge/internal/store"
)

// ClassifyFailure maps an entry error to its failure class.
func ClassifyFailure(err error) core.FailureClass {
	switch {
	case errors.IsAny(err, store.ErrVersionConflict, store.ErrItemExists):
		return core.FailureConflict
	case errors.Is(err, core.ErrInvalidInput):
		return core.FailureValidation
	case errors.Is(err, core.ErrPersistence):
		return core.FailurePersistence
	default:
		return core.FailureSystem
	}
}

// recordFailure captures err against the entry. If the failure itself cannot
// be stored the entry stays PENDING so a later run retries it.
func (s *Service) recordFailure(ctx context.Context, batch *core.IngestionBatch, entry core.StagingEntry, err error) bool {
	class := ClassifyFailure(err)
	f := core.ProcessingFailure{
		BatchID:     batch.ID,
		EntryID:     entry.ID,
		RowNumber:   entry.RowNumber,
		NaturalKey:  entry.NaturalKey,
		RawSnapshot: entry.Raw,
		Class:       class,
		Message:     err.Error(),
		Detail:      core.FailureDetail(err),
	}

	saved, recErr := s.store.RecordFailure(ctx, f)
	if recErr != nil {
		if errors.Is(recErr, store.ErrEntryNotPending) {
			return true
		}
		s.logger.Error("failed to record processing failure",
			"batch_id", batch.ID,
			"row", entry.RowNumber,
			"error", err,
			"record_error", recErr,
		)
		return false
	}

	s.logger.Warn("entry failed",
		"batch_id", batch.ID,
		"row", entry.RowNumber,
		"natural_key", entry.NaturalKey,
		"class", class,
		"failure_id", saved.ID,
		"error", err,
	)
	return true
}

// ListFailures returns the failures matching filter. A filter naming a batch
// that does not exist is an error rather than an empty list.
func (s *Service) ListFailures(ctx context.Context, filter store.FailureFilter) ([]core.ProcessingFailure, error) {
	if filter.BatchID != uuid.Nil {
		if _, err := s.store.GetBatch(ctx, filter.BatchID); err != nil {
			return nil, err
		}
	}
	failures, err := s.store.ListFailures(ctx, filter)
	if err != nil {
		return nil, err
	}
	if failures == nil {
		failures = []core.ProcessingFailure{}
	}
	return failures, nil
}

// MarkResolved records that an operator dealt with a failure. Resolution
// does not reprocess the entry.
func (s *Service) MarkResolved(ctx context.Context, id uuid.UUID, note string) (*core.ProcessingFailure, error) {
	f, err := s.store.MarkResolved(ctx, id, note)
	if err != nil {
		return nil, err
	}
	s.logger.Info("failure resolved",
		slog.String("failure_id", id.String()),
		slog.String("batch_id", f.BatchID.String()),
	)
	return f, nil
}
