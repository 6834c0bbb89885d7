// Package store defines the persistence surface of the pipeline: ingestion
// batches, staging entries, canonical items, the change log and processing
// failures. Implementations live in the sqlite and postgres subpackages and
// share the contract tests in storetest.
//
// Nothing is saved implicitly. Every mutation is an explicit call and each
// call is its own unit of work.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/JonMunkholm/stagemerge/internal/core"
)

// Store is the repository used by the batch processor and the read APIs.
type Store interface {
	// CreateBatch inserts the batch and all of its entries in one transaction.
	// A zero batch ID is assigned. Entries start PENDING.
	CreateBatch(ctx context.Context, batch core.IngestionBatch, entries []core.StagingEntry) (*core.IngestionBatch, error)
	GetBatch(ctx context.Context, id uuid.UUID) (*core.IngestionBatch, error)
	// ListBatches returns batches oldest first, optionally filtered by status.
	ListBatches(ctx context.Context, statuses ...core.BatchStatus) ([]core.IngestionBatch, error)
	// UpdateBatch persists status, counts, summary, error and timestamps.
	UpdateBatch(ctx context.Context, batch *core.IngestionBatch) error

	// ListEntries returns a batch's entries in row order, optionally filtered
	// by status.
	ListEntries(ctx context.Context, batchID uuid.UUID, statuses ...core.EntryStatus) ([]core.StagingEntry, error)
	// CountEntries aggregates entry statuses and outcomes for a batch.
	CountEntries(ctx context.Context, batchID uuid.UUID) (core.BatchCounts, error)
	// MarkEntry moves a PENDING entry to a terminal status. Any other
	// starting status yields ErrEntryNotPending.
	MarkEntry(ctx context.Context, entryID int64, status core.EntryStatus, outcome core.EntryOutcome, message string) error

	// GetItem looks an item up by natural key. ErrNotFound when absent.
	GetItem(ctx context.Context, naturalKey string) (*core.CanonicalItem, error)
	// CreateItem inserts a new item and its CREATE change log record. When
	// change.EntryID is set the entry is marked PROCESSED/created in the same
	// transaction. ErrItemExists when the natural key is taken.
	CreateItem(ctx context.Context, naturalKey string, fields core.Fields, change core.ChangeLogRecord) (*core.CanonicalItem, error)
	// UpdateItem applies changes to the item if its version still equals
	// expectedVersion, appends the UPDATE change log record and marks the
	// entry PROCESSED/updated, all atomically. ErrVersionConflict when the
	// version moved.
	UpdateItem(ctx context.Context, itemID, expectedVersion int64, changes map[string]core.FieldChange, change core.ChangeLogRecord) (*core.CanonicalItem, error)
	// ListItems calls fn for every item in natural key order. Iteration stops
	// at the first error fn returns.
	ListItems(ctx context.Context, fn func(core.CanonicalItem) error) error

	ListChanges(ctx context.Context, filter ChangeFilter) ([]core.ChangeLogRecord, error)

	// RecordFailure stores the failure and marks its entry ERROR in one
	// transaction.
	RecordFailure(ctx context.Context, failure core.ProcessingFailure) (*core.ProcessingFailure, error)
	GetFailure(ctx context.Context, id uuid.UUID) (*core.ProcessingFailure, error)
	ListFailures(ctx context.Context, filter FailureFilter) ([]core.ProcessingFailure, error)
	// MarkResolved sets the resolved flag and note. Resolving twice keeps the
	// first resolution time and replaces the note.
	MarkResolved(ctx context.Context, id uuid.UUID, note string) (*core.ProcessingFailure, error)

	Ping(ctx context.Context) error
	Close() error
}

// ChangeFilter narrows ListChanges. Zero values match everything.
type ChangeFilter struct {
	NaturalKey string
	BatchID    uuid.UUID
	Limit      int
}

// FailureFilter narrows ListFailures. A nil Resolved matches both states.
type FailureFilter struct {
	BatchID  uuid.UUID
	Resolved *bool
	Limit    int
}

// Unresolved is a FailureFilter for the open failures of one batch.
func Unresolved(batchID uuid.UUID) FailureFilter {
	resolved := false
	return FailureFilter{BatchID: batchID, Resolved: &resolved}
}

// TallyEntry adds one entry's status and outcome to c.
func TallyEntry(c *core.BatchCounts, status core.EntryStatus, outcome core.EntryOutcome, n int) {
	c.Total += n
	switch status {
	case core.EntryPending:
		c.Pending += n
	case core.EntryProcessed:
		c.Processed += n
		switch outcome {
		case core.OutcomeCreated:
			c.Created += n
		case core.OutcomeUpdated:
			c.Updated += n
		case core.OutcomeUnchanged:
			c.Unchanged += n
		}
	case core.EntrySkipped:
		c.Skipped += n
	case core.EntryError:
		c.Errored += n
	}
}
