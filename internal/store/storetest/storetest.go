// Package storetest holds the behavioral contract every store.Store
// implementation must satisfy. Implementations call Run from their own tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/stagemerge/internal/core"
	"github.com/JonMunkholm/stagemerge/internal/store"
)

// Opener returns a fresh, empty store for one subtest.
type Opener func(t *testing.T) store.Store

// Run executes the contract suite against stores produced by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndGetBatch", testCreateAndGetBatch},
		{"DuplicateKeyRejectsWholeBatch", testDuplicateKeyRejectsWholeBatch},
		{"GetBatchNotFound", testGetBatchNotFound},
		{"UpdateAndListBatches", testUpdateAndListBatches},
		{"MarkEntryIsMonotonic", testMarkEntryIsMonotonic},
		{"CreateItem", testCreateItem},
		{"CreateItemDuplicateRollsBack", testCreateItemDuplicateRollsBack},
		{"UpdateItem", testUpdateItem},
		{"UpdateItemVersionConflict", testUpdateItemVersionConflict},
		{"UpdateItemRollsBackOnTerminalEntry", testUpdateItemRollsBackOnTerminalEntry},
		{"FieldValuesRoundTrip", testFieldValuesRoundTrip},
		{"ListItems", testListItems},
		{"ListChangesFilters", testListChangesFilters},
		{"RecordFailure", testRecordFailure},
		{"MarkResolved", testMarkResolved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

// SeedBatch creates a batch whose rows each carry an "ID" column.
func SeedBatch(t *testing.T, s store.Store, src core.SourceType, keys ...string) (*core.IngestionBatch, []core.StagingEntry) {
	t.Helper()
	ctx := context.Background()

	entries := make([]core.StagingEntry, len(keys))
	for i, k := range keys {
		entries[i] = core.StagingEntry{
			RowNumber:  i + 1,
			NaturalKey: k,
			Raw:        map[string]string{"ID": k},
		}
	}
	batch, err := s.CreateBatch(ctx, core.IngestionBatch{Source: src, Origin: "test"}, entries)
	require.NoError(t, err)

	stored, err := s.ListEntries(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, stored, len(keys))
	return batch, stored
}

func testCreateAndGetBatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	batch, entries := SeedBatch(t, s, core.SourceAutomated, "A-1", "", "A-3")

	got, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, core.BatchPending, got.Status)
	assert.Equal(t, core.SourceAutomated, got.Source)
	assert.Equal(t, "test", got.Origin)
	assert.Equal(t, 3, got.Counts.Total)
	assert.Equal(t, 3, got.Counts.Pending)

	assert.Equal(t, 1, entries[0].RowNumber)
	assert.Equal(t, "A-1", entries[0].NaturalKey)
	assert.Equal(t, map[string]string{"ID": "A-1"}, entries[0].Raw)
	assert.Empty(t, entries[1].NaturalKey)
	for _, e := range entries {
		assert.Equal(t, core.EntryPending, e.Status)
		assert.Equal(t, batch.ID, e.BatchID)
		assert.NotZero(t, e.ID)
	}
}

func testDuplicateKeyRejectsWholeBatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := uuid.New()
	entries := []core.StagingEntry{
		{RowNumber: 1, NaturalKey: "K", Raw: map[string]string{"ID": "K"}},
		{RowNumber: 2, NaturalKey: "K", Raw: map[string]string{"ID": "K"}},
	}
	_, err := s.CreateBatch(ctx, core.IngestionBatch{ID: id, Source: core.SourceAutomated}, entries)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate natural key")

	_, err = s.GetBatch(ctx, id)
	assert.True(t, errors.Is(err, store.ErrNotFound), "batch must not survive a failed insert: %v", err)
}

func testGetBatchNotFound(t *testing.T, s store.Store) {
	_, err := s.GetBatch(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.Contains(t, err.Error(), "batch not found")
	assert.Equal(t, "STG001", core.MapError(err).Code)
}

func testUpdateAndListBatches(t *testing.T, s store.Store) {
	ctx := context.Background()
	first, _ := SeedBatch(t, s, core.SourceAutomated, "A")
	second, _ := SeedBatch(t, s, core.SourceManual, "B")

	started := time.Now().UTC().Truncate(time.Millisecond)
	first.Status = core.BatchComplete
	first.Counts = core.BatchCounts{Total: 1, Processed: 1, Created: 1}
	first.Summary = map[string]any{"warnings": "none"}
	first.StartedAt = &started
	first.CompletedAt = &started
	require.NoError(t, s.UpdateBatch(ctx, first))

	got, err := s.GetBatch(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, core.BatchComplete, got.Status)
	assert.Equal(t, first.Counts, got.Counts)
	assert.Equal(t, "none", got.Summary["warnings"])
	require.NotNil(t, got.StartedAt)
	assert.True(t, started.Equal(*got.StartedAt))

	pending, err := s.ListBatches(ctx, core.BatchPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	all, err := s.ListBatches(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	missing := &core.IngestionBatch{ID: uuid.New(), Status: core.BatchError}
	assert.True(t, errors.Is(s.UpdateBatch(ctx, missing), store.ErrNotFound))
}

func testMarkEntryIsMonotonic(t *testing.T, s store.Store) {
	ctx := context.Background()
	batch, entries := SeedBatch(t, s, core.SourceManual, "A", "B")

	require.NoError(t, s.MarkEntry(ctx, entries[0].ID, core.EntrySkipped, core.OutcomeNone, core.ReasonNoMatch))

	err := s.MarkEntry(ctx, entries[0].ID, core.EntryProcessed, core.OutcomeUpdated, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrEntryNotPending))

	assert.Error(t, s.MarkEntry(ctx, entries[1].ID, core.EntryPending, core.OutcomeNone, ""))

	skipped, err := s.ListEntries(ctx, batch.ID, core.EntrySkipped)
	require.NoError(t, err)
	require.Len(t, skipped, 1)
	assert.Equal(t, core.ReasonNoMatch, skipped[0].Message)
	assert.NotNil(t, skipped[0].ProcessedAt)

	counts, err := s.CountEntries(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, core.BatchCounts{Total: 2, Pending: 1, Skipped: 1}, counts)
}

func testCreateItem(t *testing.T, s store.Store) {
	ctx := context.Background()
	batch, entries := SeedBatch(t, s, core.SourceAutomated, "1001")

	fields := core.Fields{core.FieldTitle: "Lathe", core.FieldQuantity: int64(2)}
	item, err := s.CreateItem(ctx, "1001", fields, core.ChangeLogRecord{
		BatchID: batch.ID,
		EntryID: entries[0].ID,
		Changes: map[string]core.FieldChange{
			core.FieldTitle:    {New: "Lathe"},
			core.FieldQuantity: {New: int64(2)},
		},
		Reason: "created",
		Actor:  string(core.SourceAutomated),
	})
	require.NoError(t, err)
	assert.NotZero(t, item.ID)
	assert.Equal(t, int64(1), item.Version)

	got, err := s.GetItem(ctx, "1001")
	require.NoError(t, err)
	assert.Equal(t, item.ID, got.ID)
	assert.Equal(t, fields, got.Fields)

	processed, err := s.ListEntries(ctx, batch.ID, core.EntryProcessed)
	require.NoError(t, err)
	require.Len(t, processed, 1)
	assert.Equal(t, core.OutcomeCreated, processed[0].Outcome)

	changes, err := s.ListChanges(ctx, store.ChangeFilter{NaturalKey: "1001"})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, core.ChangeCreate, changes[0].Kind)
	assert.Equal(t, item.ID, changes[0].ItemID)
	assert.Equal(t, batch.ID, changes[0].BatchID)
	assert.Equal(t, entries[0].ID, changes[0].EntryID)
	assert.Equal(t, "automated", changes[0].Actor)
	assert.Equal(t, core.FieldChange{Old: nil, New: int64(2)}, changes[0].Changes[core.FieldQuantity])

	_, err = s.GetItem(ctx, "nope")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testCreateItemDuplicateRollsBack(t *testing.T, s store.Store) {
	ctx := context.Background()
	batch, entries := SeedBatch(t, s, core.SourceAutomated, "K")

	_, err := s.CreateItem(ctx, "K", core.Fields{core.FieldTitle: "first"}, core.ChangeLogRecord{Actor: "automated"})
	require.NoError(t, err)

	_, err = s.CreateItem(ctx, "K", core.Fields{core.FieldTitle: "second"}, core.ChangeLogRecord{
		BatchID: batch.ID, EntryID: entries[0].ID, Actor: "automated",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrItemExists))

	pending, err := s.ListEntries(ctx, batch.ID, core.EntryPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "entry must stay pending when the create fails")

	changes, err := s.ListChanges(ctx, store.ChangeFilter{NaturalKey: "K"})
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func seedItem(t *testing.T, s store.Store, key string, fields core.Fields) *core.CanonicalItem {
	t.Helper()
	item, err := s.CreateItem(context.Background(), key, fields, core.ChangeLogRecord{Actor: "automated"})
	require.NoError(t, err)
	return item
}

func testUpdateItem(t *testing.T, s store.Store) {
	ctx := context.Background()
	item := seedItem(t, s, "1001", core.Fields{core.FieldTitle: "Lathe", core.FieldWorkflowState: "To Do"})
	batch, entries := SeedBatch(t, s, core.SourceManual, "1001")

	changes := map[string]core.FieldChange{core.FieldWorkflowState: {Old: "To Do", New: "Done"}}
	updated, err := s.UpdateItem(ctx, item.ID, item.Version, changes, core.ChangeLogRecord{
		BatchID: batch.ID, EntryID: entries[0].ID, Reason: "1 field changed", Actor: "manual",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "Done", updated.Fields[core.FieldWorkflowState])
	assert.Equal(t, "Lathe", updated.Fields[core.FieldTitle])

	got, err := s.GetItem(ctx, "1001")
	require.NoError(t, err)
	assert.Equal(t, updated.Fields, got.Fields)
	assert.Equal(t, int64(2), got.Version)

	log, err := s.ListChanges(ctx, store.ChangeFilter{BatchID: batch.ID})
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, core.ChangeUpdate, log[0].Kind)
	assert.Equal(t, changes, log[0].Changes)
	assert.Equal(t, "1 field changed", log[0].Reason)

	processed, err := s.ListEntries(ctx, batch.ID, core.EntryProcessed)
	require.NoError(t, err)
	require.Len(t, processed, 1)
	assert.Equal(t, core.OutcomeUpdated, processed[0].Outcome)
}

func testUpdateItemVersionConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	item := seedItem(t, s, "K", core.Fields{core.FieldTitle: "a"})

	_, err := s.UpdateItem(ctx, item.ID, item.Version, map[string]core.FieldChange{core.FieldTitle: {Old: "a", New: "b"}}, core.ChangeLogRecord{Actor: "automated"})
	require.NoError(t, err)

	_, err = s.UpdateItem(ctx, item.ID, item.Version, map[string]core.FieldChange{core.FieldTitle: {Old: "a", New: "c"}}, core.ChangeLogRecord{Actor: "automated"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrVersionConflict))
	assert.False(t, errors.Is(err, core.ErrPersistence))

	got, err := s.GetItem(ctx, "K")
	require.NoError(t, err)
	assert.Equal(t, "b", got.Fields[core.FieldTitle])

	_, err = s.UpdateItem(ctx, 999999, 1, nil, core.ChangeLogRecord{})
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testUpdateItemRollsBackOnTerminalEntry(t *testing.T, s store.Store) {
	ctx := context.Background()
	item := seedItem(t, s, "K", core.Fields{core.FieldTitle: "a"})
	batch, entries := SeedBatch(t, s, core.SourceAutomated, "K")
	require.NoError(t, s.MarkEntry(ctx, entries[0].ID, core.EntrySkipped, core.OutcomeNone, "already handled"))

	_, err := s.UpdateItem(ctx, item.ID, item.Version, map[string]core.FieldChange{core.FieldTitle: {Old: "a", New: "b"}}, core.ChangeLogRecord{
		BatchID: batch.ID, EntryID: entries[0].ID, Actor: "automated",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrEntryNotPending))

	got, err := s.GetItem(ctx, "K")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Fields[core.FieldTitle])
	assert.Equal(t, int64(1), got.Version)

	log, err := s.ListChanges(ctx, store.ChangeFilter{BatchID: batch.ID})
	require.NoError(t, err)
	assert.Empty(t, log)
}

func testFieldValuesRoundTrip(t *testing.T, s store.Store) {
	fields := core.Fields{
		core.FieldTitle:      "Drill press",
		core.FieldQuantity:   int64(9007199254740993),
		core.FieldActive:     false,
		core.FieldAcquiredOn: "2024-02-29",
		core.FieldNotes:      nil,
	}
	seedItem(t, s, "RT", fields)

	got, err := s.GetItem(context.Background(), "RT")
	require.NoError(t, err)
	assert.Equal(t, fields, got.Fields)
}

func testListItems(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, k := range []string{"b", "c", "a"} {
		seedItem(t, s, k, core.Fields{core.FieldTitle: k})
	}

	var keys []string
	require.NoError(t, s.ListItems(ctx, func(item core.CanonicalItem) error {
		keys = append(keys, item.NaturalKey)
		return nil
	}))
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	stop := errors.New("stop")
	var seen int
	err := s.ListItems(ctx, func(core.CanonicalItem) error {
		seen++
		return stop
	})
	assert.True(t, errors.Is(err, stop))
	assert.Equal(t, 1, seen)
}

func testListChangesFilters(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := seedItem(t, s, "A", core.Fields{core.FieldTitle: "a"})
	seedItem(t, s, "B", core.Fields{core.FieldTitle: "b"})
	_, err := s.UpdateItem(ctx, a.ID, a.Version, map[string]core.FieldChange{core.FieldTitle: {Old: "a", New: "aa"}}, core.ChangeLogRecord{Actor: "automated"})
	require.NoError(t, err)

	all, err := s.ListChanges(ctx, store.ChangeFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	forA, err := s.ListChanges(ctx, store.ChangeFilter{NaturalKey: "A"})
	require.NoError(t, err)
	require.Len(t, forA, 2)
	assert.Equal(t, core.ChangeCreate, forA[0].Kind)
	assert.Equal(t, core.ChangeUpdate, forA[1].Kind)

	limited, err := s.ListChanges(ctx, store.ChangeFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testRecordFailure(t *testing.T, s store.Store) {
	ctx := context.Background()
	batch, entries := SeedBatch(t, s, core.SourceAutomated, "A", "B")

	f, err := s.RecordFailure(ctx, core.ProcessingFailure{
		BatchID:     batch.ID,
		EntryID:     entries[1].ID,
		RowNumber:   entries[1].RowNumber,
		NaturalKey:  "B",
		RawSnapshot: entries[1].Raw,
		Class:       core.FailurePersistence,
		Message:     "write failed",
		Detail:      "stack",
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, f.ID)

	errored, err := s.ListEntries(ctx, batch.ID, core.EntryError)
	require.NoError(t, err)
	require.Len(t, errored, 1)
	assert.Equal(t, "B", errored[0].NaturalKey)
	assert.Equal(t, "write failed", errored[0].Message)

	open, err := s.ListFailures(ctx, store.Unresolved(batch.ID))
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, map[string]string{"ID": "B"}, open[0].RawSnapshot)
	assert.Equal(t, core.FailurePersistence, open[0].Class)
	assert.False(t, open[0].Resolved)

	_, err = s.RecordFailure(ctx, core.ProcessingFailure{BatchID: batch.ID, EntryID: entries[1].ID, Class: core.FailureSystem, Message: "again"})
	assert.True(t, errors.Is(err, store.ErrEntryNotPending))

	again, err := s.ListFailures(ctx, store.FailureFilter{BatchID: batch.ID})
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

func testMarkResolved(t *testing.T, s store.Store) {
	ctx := context.Background()
	batch, entries := SeedBatch(t, s, core.SourceAutomated, "A")
	f, err := s.RecordFailure(ctx, core.ProcessingFailure{
		BatchID: batch.ID, EntryID: entries[0].ID, RawSnapshot: entries[0].Raw,
		Class: core.FailureSystem, Message: "boom",
	})
	require.NoError(t, err)

	resolved, err := s.MarkResolved(ctx, f.ID, "fixed upstream")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, "fixed upstream", resolved.ResolutionNote)
	require.NotNil(t, resolved.ResolvedAt)

	again, err := s.MarkResolved(ctx, f.ID, "second note")
	require.NoError(t, err)
	assert.Equal(t, "second note", again.ResolutionNote)
	assert.True(t, resolved.ResolvedAt.Equal(*again.ResolvedAt))

	open, err := s.ListFailures(ctx, store.Unresolved(batch.ID))
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = s.MarkResolved(ctx, uuid.New(), "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.Equal(t, "STG005", core.MapError(err).Code)
}
