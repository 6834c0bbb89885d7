package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/stagemerge/internal/core"
	"github.com/JonMunkholm/stagemerge/internal/merge"
	"github.com/JonMunkholm/stagemerge/internal/standardize"
	"github.com/JonMunkholm/stagemerge/internal/store"
)

// maxWarningSamples bounds the warning strings kept in a batch summary.
const maxWarningSamples = 20

// Summary reports one ProcessBatch run.
type Summary struct {
	BatchID uuid.UUID        `json:"batch_id"`
	Status  core.BatchStatus `json:"status"`
	// Counts covers every entry of the batch, including those settled by
	// earlier runs.
	Counts core.BatchCounts `json:"counts"`
	// Attempted is the number of PENDING entries this run picked up.
	Attempted  int   `json:"attempted"`
	Warnings   int   `json:"warnings"`
	DurationMS int64 `json:"duration_ms"`
}

// ProcessBatch walks every PENDING entry of the batch through the merge
// pipeline and returns the resulting summary.
//
// Entries that already reached a terminal status are never touched again, so
// running a batch twice changes nothing the second time. A failing entry is
// recorded as a ProcessingFailure and the remaining entries carry on. When
// ctx ends mid-run the batch is left PROCESSING with its unvisited entries
// PENDING, and the next call resumes from there.
func (s *Service) ProcessBatch(ctx context.Context, id uuid.UUID) (*Summary, error) {
	if !s.claim(id) {
		return nil, ErrBatchBusy
	}
	defer s.release(id)
	return s.process(ctx, id)
}

// ProcessAsync starts ProcessBatch in the background and returns once the
// batch is known to exist. The run stops when the service is closed.
func (s *Service) ProcessAsync(ctx context.Context, id uuid.UUID) error {
	if _, err := s.store.GetBatch(ctx, id); err != nil {
		return err
	}
	if !s.claim(id) {
		return ErrBatchBusy
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(id)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in batch run",
					"batch_id", id,
					"panic", r,
				)
			}
		}()
		if _, err := s.process(s.bg, id); err != nil {
			s.logger.Error("batch run failed", "batch_id", id, "error", err)
		}
	}()
	return nil
}

func (s *Service) process(ctx context.Context, id uuid.UUID) (*Summary, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.Release()

	if s.opts.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.BatchTimeout)
		defer cancel()
	}

	start := time.Now()
	batch, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}

	pending, err := s.store.ListEntries(ctx, id, core.EntryPending)
	if err != nil {
		return nil, s.failBatch(ctx, batch, err)
	}
	if len(pending) == 0 && batch.Status == core.BatchComplete {
		counts, err := s.store.CountEntries(ctx, id)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("batch already complete", "batch_id", id)
		return &Summary{BatchID: id, Status: batch.Status, Counts: counts}, nil
	}

	batch.Status = core.BatchProcessing
	batch.Error = ""
	if batch.StartedAt == nil {
		t := time.Now().UTC()
		batch.StartedAt = &t
	}
	if err := s.store.UpdateBatch(ctx, batch); err != nil {
		return nil, err
	}

	s.logger.Info("batch processing started",
		"batch_id", id,
		"source", batch.Source,
		"pending", len(pending),
		"workers", s.opts.Workers,
	)

	tally := &warningTally{}
	attempted := s.runEntries(ctx, batch, pending, tally)

	// Bookkeeping must land even when ctx is already done.
	fctx := context.WithoutCancel(ctx)
	counts, err := s.store.CountEntries(fctx, id)
	if err != nil {
		return nil, err
	}
	batch.Counts = counts

	summary := &Summary{
		BatchID:    id,
		Counts:     counts,
		Attempted:  attempted,
		Warnings:   tally.count,
		DurationMS: time.Since(start).Milliseconds(),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		summary.Status = core.BatchProcessing
		if err := s.store.UpdateBatch(fctx, batch); err != nil {
			s.logger.Error("failed to save interrupted batch", "batch_id", id, "error", err)
		}
		s.logger.Warn("batch processing interrupted",
			"batch_id", id,
			"pending", counts.Pending,
			"error", ctxErr,
		)
		return summary, errors.Wrap(ctxErr, "batch interrupted")
	}

	batch.Status = core.BatchComplete
	if counts.Pending > 0 {
		batch.Status = core.BatchError
		batch.Error = fmt.Sprintf("%d entries are still pending", counts.Pending)
	}
	completed := time.Now().UTC()
	batch.CompletedAt = &completed
	batch.Summary = map[string]any{
		"attempted":       attempted,
		"duration_ms":     summary.DurationMS,
		"workers":         s.opts.Workers,
		"warnings":        tally.count,
		"warning_samples": tally.samples,
	}
	if err := s.store.UpdateBatch(fctx, batch); err != nil {
		return nil, err
	}
	summary.Status = batch.Status

	s.logger.Info("batch processing completed",
		"batch_id", id,
		"status", batch.Status,
		"created", counts.Created,
		"updated", counts.Updated,
		"unchanged", counts.Unchanged,
		"skipped", counts.Skipped,
		"errored", counts.Errored,
		"duration_ms", summary.DurationMS,
	)
	return summary, nil
}

// failBatch records a setup error on the batch and returns err.
func (s *Service) failBatch(ctx context.Context, batch *core.IngestionBatch, err error) error {
	batch.Status = core.BatchError
	batch.Error = err.Error()
	if uerr := s.store.UpdateBatch(context.WithoutCancel(ctx), batch); uerr != nil {
		s.logger.Error("failed to mark batch as errored", "batch_id", batch.ID, "error", uerr)
	}
	return err
}

// runEntries fans entries out over the worker pool and returns how many
// were started. With one worker entries run strictly in row order.
func (s *Service) runEntries(ctx context.Context, batch *core.IngestionBatch, entries []core.StagingEntry, tally *warningTally) int {
	var g errgroup.Group
	g.SetLimit(s.opts.Workers)

	started := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		started++
		entry := entry
		g.Go(func() error {
			tally.add(s.processEntry(ctx, batch, entry))
			return nil
		})
	}
	_ = g.Wait()
	return started
}

// processEntry settles one entry. Every error path ends in a terminal status
// except cancellation, which leaves the entry PENDING for the next run.
func (s *Service) processEntry(ctx context.Context, batch *core.IngestionBatch, entry core.StagingEntry) (warnings []standardize.Warning) {
	defer func() {
		if r := recover(); r != nil {
			err := core.PanicError(r)
			s.logger.Error("panic processing entry",
				"batch_id", batch.ID,
				"row", entry.RowNumber,
				"panic", r,
			)
			s.recordFailure(context.WithoutCancel(ctx), batch, entry, err)
		}
	}()

	res := s.std.Standardize(entry.Raw, batch.Source)
	warnings = res.Warnings

	err := s.mergeEntry(ctx, batch, entry, res)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrEntryNotPending):
		s.logger.Debug("entry already settled", "batch_id", batch.ID, "row", entry.RowNumber)
	case ctx.Err() != nil:
		s.logger.Debug("entry left pending", "batch_id", batch.ID, "row", entry.RowNumber, "error", err)
	default:
		s.recordFailure(ctx, batch, entry, err)
	}
	return warnings
}

// mergeEntry serializes on the natural key and retries when another writer
// got to the item first.
func (s *Service) mergeEntry(ctx context.Context, batch *core.IngestionBatch, entry core.StagingEntry, res standardize.Result) error {
	if res.NaturalKey == "" {
		return s.store.MarkEntry(ctx, entry.ID, core.EntrySkipped, core.OutcomeNone, core.ReasonMissingKey)
	}

	unlock := s.locks.Lock(res.NaturalKey)
	defer unlock()

	var err error
	for attempt := 0; attempt <= s.opts.ConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.applyEntry(ctx, batch, entry, res)
		if !errors.IsAny(err, store.ErrVersionConflict, store.ErrItemExists) {
			return err
		}
		s.logger.Debug("merge conflict, retrying",
			"batch_id", batch.ID,
			"natural_key", res.NaturalKey,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return err
}

// applyEntry performs one read-decide-write cycle for the entry.
func (s *Service) applyEntry(ctx context.Context, batch *core.IngestionBatch, entry core.StagingEntry, res standardize.Result) error {
	item, err := s.store.GetItem(ctx, res.NaturalKey)
	if errors.Is(err, store.ErrNotFound) {
		if !s.engine.CanCreate(batch.Source) {
			return s.store.MarkEntry(ctx, entry.ID, core.EntrySkipped, core.OutcomeNone, core.ReasonNoMatch)
		}
		fields, changes := s.engine.Seed(res)
		change := s.changeRecord(batch, entry, core.ChangeCreate, changes, merge.CreateReason(batch.Source, len(changes)))
		_, err = s.store.CreateItem(ctx, res.NaturalKey, fields, change)
		return err
	}
	if err != nil {
		return err
	}

	d := s.engine.Evaluate(batch.Source, item.Fields, res)
	if !d.Apply {
		return s.store.MarkEntry(ctx, entry.ID, core.EntryProcessed, core.OutcomeUnchanged, unchangedMessage(d))
	}

	change := s.changeRecord(batch, entry, core.ChangeUpdate, d.Changes, d.Reason())
	_, err = s.store.UpdateItem(ctx, item.ID, item.Version, d.Changes, change)
	return err
}

// unchangedMessage explains why an evaluated entry left its item alone.
func unchangedMessage(d merge.Decision) string {
	if len(d.Changes) == 0 {
		return "no changes"
	}
	return fmt.Sprintf("below threshold: %d of %d required change(s)", len(d.Changes), d.Threshold)
}

func (s *Service) changeRecord(batch *core.IngestionBatch, entry core.StagingEntry, kind core.ChangeKind, changes map[string]core.FieldChange, reason string) core.ChangeLogRecord {
	return core.ChangeLogRecord{
		NaturalKey: entry.NaturalKey,
		BatchID:    batch.ID,
		EntryID:    entry.ID,
		Kind:       kind,
		Changes:    changes,
		Reason:     reason,
		Actor:      string(batch.Source),
	}
}

type warningTally struct {
	mu      sync.Mutex
	count   int
	samples []string
}

func (w *warningTally) add(ws []standardize.Warning) {
	if len(ws) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.count += len(ws)
	for _, warn := range ws {
		if len(w.samples) >= maxWarningSamples {
			break
		}
		w.samples = append(w.samples, warn.String())
	}
}
