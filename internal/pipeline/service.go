// Package pipeline is the batch processor. It accepts raw rows into staging,
// then walks each batch's pending entries through standardization, merge
// evaluation and an explicit write to the canonical store.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/JonMunkholm/stagemerge/internal/core"
	"github.com/JonMunkholm/stagemerge/internal/ingest"
	"github.com/JonMunkholm/stagemerge/internal/merge"
	"github.com/JonMunkholm/stagemerge/internal/standardize"
	"github.com/JonMunkholm/stagemerge/internal/store"
)

// ErrBatchBusy is returned when the batch is already being processed by
// this service.
var ErrBatchBusy = errors.New("batch is already processing")

// Options tunes the processor. Zero values select the defaults.
type Options struct {
	// Workers is the number of entries processed concurrently (default 1).
	Workers int
	// ConflictRetries bounds re-merges after an optimistic version conflict
	// or a lost create race (default 3).
	ConflictRetries int
	// MaxRows caps the rows accepted by SubmitBatch. Zero means unlimited.
	MaxRows int
	// BatchTimeout bounds a single ProcessBatch run. Zero means no limit.
	BatchTimeout time.Duration
	Logger       *slog.Logger
}

const (
	defaultWorkers         = 1
	defaultConflictRetries = 3
)

// Service wires the standardizer, merge engine and store together.
type Service struct {
	store   store.Store
	std     *standardize.Standardizer
	engine  *merge.Engine
	limiter *BatchLimiter
	locks   *keyLocker
	opts    Options
	logger  *slog.Logger

	mu      sync.Mutex
	running map[uuid.UUID]bool

	bg       context.Context
	cancelBG context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a Service. A nil limiter allows DefaultMaxConcurrentBatches.
func New(st store.Store, std *standardize.Standardizer, engine *merge.Engine, limiter *BatchLimiter, opts Options) *Service {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.ConflictRetries <= 0 {
		opts.ConflictRetries = defaultConflictRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if limiter == nil {
		limiter = NewBatchLimiter(0, 0)
	}

	bg, cancel := context.WithCancel(context.Background())
	return &Service{
		store:    st,
		std:      std,
		engine:   engine,
		limiter:  limiter,
		locks:    newKeyLocker(),
		opts:     opts,
		logger:   opts.Logger,
		running:  make(map[uuid.UUID]bool),
		bg:       bg,
		cancelBG: cancel,
	}
}

// Limiter exposes the batch limiter for health reporting and shutdown.
func (s *Service) Limiter() *BatchLimiter {
	return s.limiter
}

// Store returns the underlying store.
func (s *Service) Store() store.Store {
	return s.store
}

// Close stops background runs started by ProcessAsync and waits for them to
// return. Interrupted batches stay PROCESSING and resume on the next run.
func (s *Service) Close(ctx context.Context) error {
	s.cancelBG()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitBatch stages rows as a new PENDING batch and returns it. Rows are
// stored as given, except that invalid UTF-8 bytes become U+FFFD. Two rows carrying the same natural key are
// rejected because staging keeps entries unique per batch and key.
func (s *Service) SubmitBatch(ctx context.Context, rows []map[string]string, src core.SourceType, origin string) (*core.IngestionBatch, error) {
	if !src.Valid() {
		return nil, fmt.Errorf("%w: unknown source type %q", core.ErrInvalidInput, src)
	}
	if s.opts.MaxRows > 0 && len(rows) > s.opts.MaxRows {
		return nil, fmt.Errorf("%w: too many rows: %d exceeds the limit of %d", core.ErrInvalidInput, len(rows), s.opts.MaxRows)
	}

	entries := make([]core.StagingEntry, len(rows))
	firstRow := make(map[string]int, len(rows))
	for i, raw := range rows {
		copied := validRow(raw)
		key := s.std.NaturalKey(copied, src)
		if key != "" {
			if prev, dup := firstRow[key]; dup {
				return nil, fmt.Errorf("%w: duplicate natural key %q in rows %d and %d", core.ErrInvalidInput, key, prev, i+1)
			}
			firstRow[key] = i + 1
		}
		entries[i] = core.StagingEntry{RowNumber: i + 1, NaturalKey: key, Raw: copied}
	}

	batch, err := s.store.CreateBatch(ctx, core.IngestionBatch{Source: src, Origin: origin}, entries)
	if err != nil {
		return nil, err
	}

	s.logger.Info("batch submitted",
		"batch_id", batch.ID,
		"source", src,
		"origin", origin,
		"rows", len(entries),
	)
	return batch, nil
}

// validRow copies raw with invalid UTF-8 replaced in headers and cells.
func validRow(raw map[string]string) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[core.ValidUTF8(k)] = core.ValidUTF8(v)
	}
	return out
}

// SubmitCSV parses a CSV upload and stages its rows.
func (s *Service) SubmitCSV(ctx context.Context, r io.Reader, src core.SourceType, origin string, opts ingest.Options) (*core.IngestionBatch, error) {
	if !src.Valid() {
		return nil, fmt.Errorf("%w: unknown source type %q", core.ErrInvalidInput, src)
	}
	if opts.MaxRows == 0 {
		opts.MaxRows = s.opts.MaxRows
	}
	table, err := ingest.ReadCSV(ctx, r, opts)
	if err != nil {
		return nil, errors.Mark(err, core.ErrInvalidInput)
	}
	s.logger.Debug("csv parsed",
		"origin", origin,
		"columns", len(table.Headers),
		"rows", len(table.Rows),
		"bytes", table.Bytes,
	)
	return s.SubmitBatch(ctx, table.Rows, src, origin)
}

// BatchStatusView is the status query result.
type BatchStatusView struct {
	Batch core.IngestionBatch `json:"batch"`
	// Counts are computed from the entries now, so they are current even
	// while the batch is running.
	Counts       core.BatchCounts `json:"counts"`
	OpenFailures int              `json:"open_failures"`
	Running      bool             `json:"running"`
}

// GetBatchStatus returns the batch with live entry counts.
func (s *Service) GetBatchStatus(ctx context.Context, id uuid.UUID) (*BatchStatusView, error) {
	batch, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountEntries(ctx, id)
	if err != nil {
		return nil, err
	}
	open, err := s.store.ListFailures(ctx, store.Unresolved(id))
	if err != nil {
		return nil, err
	}
	return &BatchStatusView{
		Batch:        *batch,
		Counts:       counts,
		OpenFailures: len(open),
		Running:      s.isRunning(id),
	}, nil
}

// ListBatches returns batches oldest first, optionally filtered by status.
func (s *Service) ListBatches(ctx context.Context, statuses ...core.BatchStatus) ([]core.IngestionBatch, error) {
	batches, err := s.store.ListBatches(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	if batches == nil {
		batches = []core.IngestionBatch{}
	}
	return batches, nil
}

// ListChanges returns change log records.
func (s *Service) ListChanges(ctx context.Context, filter store.ChangeFilter) ([]core.ChangeLogRecord, error) {
	changes, err := s.store.ListChanges(ctx, filter)
	if err != nil {
		return nil, err
	}
	if changes == nil {
		changes = []core.ChangeLogRecord{}
	}
	return changes, nil
}

// GetItem returns one canonical item.
func (s *Service) GetItem(ctx context.Context, naturalKey string) (*core.CanonicalItem, error) {
	return s.store.GetItem(ctx, core.CleanNaturalKey(naturalKey))
}

// Export streams every canonical item in natural key order. It is read only.
func (s *Service) Export(ctx context.Context, fn func(core.CanonicalItem) error) error {
	return s.store.ListItems(ctx, fn)
}

// FieldMetadata describes each exported field: type, enum choices, owning
// source and whether humans edit it.
func (s *Service) FieldMetadata() []merge.FieldMetadata {
	return s.engine.FieldMetadata()
}

// TemplateHeaders returns the CSV header row a feed of src should carry:
// the natural key followed by the labels of the fields src owns, in catalog
// order. Labels are always accepted as column names.
func (s *Service) TemplateHeaders(src core.SourceType) ([]string, error) {
	if !src.Valid() {
		return nil, fmt.Errorf("%w: unknown source type %q", core.ErrInvalidInput, src)
	}
	var headers []string
	for _, m := range s.engine.FieldMetadata() {
		if m.Name == core.FieldNaturalKey || m.Owner == src {
			headers = append(headers, m.Label)
		}
	}
	return headers, nil
}

func (s *Service) claim(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[id] {
		return false
	}
	s.running[id] = true
	return true
}

func (s *Service) release(id uuid.UUID) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

func (s *Service) isRunning(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id]
}
