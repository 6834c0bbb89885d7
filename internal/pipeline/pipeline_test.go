package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/stagemerge/internal/core"
	"github.com/JonMunkholm/stagemerge/internal/ingest"
	"github.com/JonMunkholm/stagemerge/internal/merge"
	"github.com/JonMunkholm/stagemerge/internal/rules"
	"github.com/JonMunkholm/stagemerge/internal/store"
	"github.com/JonMunkholm/stagemerge/internal/store/sqlite"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type testEnv struct {
	svc   *Service
	store store.Store
}

type envOption func(*envConfig)

type envConfig struct {
	opts      Options
	ownership merge.Ownership
	wrap      func(store.Store) store.Store
}

func withOptions(o Options) envOption {
	return func(c *envConfig) { c.opts = o }
}

func withThreshold(src core.SourceType, n int) envOption {
	return func(c *envConfig) {
		p := c.ownership[src]
		p.MinChangedFields = n
		c.ownership[src] = p
	}
}

func withStore(wrap func(store.Store) store.Store) envOption {
	return func(c *envConfig) { c.wrap = wrap }
}

func newEnv(t *testing.T, options ...envOption) *testEnv {
	t.Helper()
	cfg := &envConfig{ownership: merge.DefaultOwnership()}
	for _, o := range options {
		o(cfg)
	}

	base, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "pipeline.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() })

	var st store.Store = base
	if cfg.wrap != nil {
		st = cfg.wrap(base)
	}

	file, err := rules.Load("")
	require.NoError(t, err)
	std, err := file.Standardizer()
	require.NoError(t, err)
	engine, err := merge.NewEngine(cfg.ownership)
	require.NoError(t, err)

	cfg.opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(st, std, engine, NewBatchLimiter(4, time.Second), cfg.opts)
	t.Cleanup(func() { svc.Close(context.Background()) })
	return &testEnv{svc: svc, store: base}
}

func (e *testEnv) submit(t *testing.T, src core.SourceType, rows ...map[string]string) *core.IngestionBatch {
	t.Helper()
	b, err := e.svc.SubmitBatch(context.Background(), rows, src, "test")
	require.NoError(t, err)
	return b
}

func (e *testEnv) run(t *testing.T, src core.SourceType, rows ...map[string]string) *Summary {
	t.Helper()
	b := e.submit(t, src, rows...)
	s, err := e.svc.ProcessBatch(context.Background(), b.ID)
	require.NoError(t, err)
	return s
}

func (e *testEnv) item(t *testing.T, key string) *core.CanonicalItem {
	t.Helper()
	it, err := e.svc.GetItem(context.Background(), key)
	require.NoError(t, err)
	return it
}

func (e *testEnv) entries(t *testing.T, id uuid.UUID) []core.StagingEntry {
	t.Helper()
	es, err := e.store.ListEntries(context.Background(), id)
	require.NoError(t, err)
	return es
}

// faultStore lets a test intercept individual store calls.
type faultStore struct {
	store.Store
	createItem func(ctx context.Context, key string) error
	updateItem func(ctx context.Context, itemID int64) error
	getItem    func(key string)
}

func (f *faultStore) CreateItem(ctx context.Context, key string, fields core.Fields, change core.ChangeLogRecord) (*core.CanonicalItem, error) {
	if f.createItem != nil {
		if err := f.createItem(ctx, key); err != nil {
			return nil, err
		}
	}
	return f.Store.CreateItem(ctx, key, fields, change)
}

func (f *faultStore) UpdateItem(ctx context.Context, itemID, version int64, changes map[string]core.FieldChange, change core.ChangeLogRecord) (*core.CanonicalItem, error) {
	if f.updateItem != nil {
		if err := f.updateItem(ctx, itemID); err != nil {
			return nil, err
		}
	}
	return f.Store.UpdateItem(ctx, itemID, version, changes, change)
}

func (f *faultStore) GetItem(ctx context.Context, key string) (*core.CanonicalItem, error) {
	if f.getItem != nil {
		f.getItem(key)
	}
	return f.Store.GetItem(ctx, key)
}

func row(kv ...string) map[string]string {
	m := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return m
}

// ---------------------------------------------------------------------------
// SubmitBatch
// ---------------------------------------------------------------------------

func TestSubmitBatch_StagesRowsPending(t *testing.T) {
	env := newEnv(t)
	b := env.submit(t, core.SourceAutomated,
		row("Item ID", " a-1 ", "Name", "Widget"),
		row("Name", "no key"),
	)

	assert.Equal(t, core.BatchPending, b.Status)
	entries := env.entries(t, b.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, "a-1", entries[0].NaturalKey)
	assert.Equal(t, " a-1 ", entries[0].Raw["Item ID"], "raw row must be kept verbatim")
	assert.Empty(t, entries[1].NaturalKey)
	for _, e := range entries {
		assert.Equal(t, core.EntryPending, e.Status)
	}
}

func TestSubmitBatch_Rejections(t *testing.T) {
	env := newEnv(t, withOptions(Options{MaxRows: 2}))
	ctx := context.Background()

	tests := []struct {
		name string
		rows []map[string]string
		src  core.SourceType
		code string
	}{
		{"unknown source", []map[string]string{row("ID", "A1")}, core.SourceType("robot"), "VAL001"},
		{"too many rows", []map[string]string{row("ID", "A1"), row("ID", "A2"), row("ID", "A3")}, core.SourceAutomated, "FILE001"},
		{"duplicate key", []map[string]string{row("ID", "A1"), row("ID", " A1 ")}, core.SourceAutomated, "STG002"},
		{"duplicate after byte replacement", []map[string]string{row("ID", "k\xe9"), row("ID", "k\xe8")}, core.SourceAutomated, "STG002"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.SubmitBatch(ctx, tt.rows, tt.src, "test")
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrInvalidInput))
			assert.Equal(t, tt.code, core.MapError(err).Code)
		})
	}

	batches, err := env.svc.ListBatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, batches, "rejected submissions must not stage anything")
}

func TestSubmitCSV(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	csv := "Item ID,Name,Dept\nA1,Widget,Maths\n\nA2,Gadget,Physics\n"
	b, err := env.svc.SubmitCSV(ctx, strings.NewReader(csv), core.SourceAutomated, "inventory.csv", ingest.Options{})
	require.NoError(t, err)
	assert.Equal(t, "inventory.csv", b.Origin)
	assert.Len(t, env.entries(t, b.ID), 2)

	_, err = env.svc.SubmitCSV(ctx, strings.NewReader(""), core.SourceAutomated, "empty.csv", ingest.Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidInput))
}

func TestSubmitCSV_BOMWithInvalidBytes(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	bom := "\xef\xbb\xbf"

	_, err := env.svc.SubmitCSV(ctx, strings.NewReader(bom+"Item ID,Name\nk\xe9,First\nk\xe8,Second\n"),
		core.SourceAutomated, "bom.csv", ingest.Options{})
	require.Error(t, err)
	assert.Equal(t, "STG002", core.MapError(err).Code, "keys that decode to the same text are duplicates")

	b, err := env.svc.SubmitCSV(ctx, strings.NewReader(bom+"Item ID,Name\nk\xe9,First\nk2,Second\n"),
		core.SourceAutomated, "bom.csv", ingest.Options{})
	require.NoError(t, err)
	sum, err := env.svc.ProcessBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Counts.Created)

	entries := env.entries(t, b.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, "k\uFFFD", entries[0].NaturalKey)
	assert.Equal(t, "k\uFFFD", entries[0].Raw["Item ID"])

	it := env.item(t, "k\uFFFD")
	assert.Equal(t, "First", it.Fields[core.FieldTitle])
	assert.Equal(t, int64(1), it.Version)
}

// ---------------------------------------------------------------------------
// Creation policy
// ---------------------------------------------------------------------------

func TestProcessBatch_AutomatedCreatesItems(t *testing.T) {
	env := newEnv(t)
	sum := env.run(t, core.SourceAutomated,
		row("Item ID", "A1", "Name", "Widget", "Dept", "Maths", "Qty", "3", "Desc", ""),
	)

	assert.Equal(t, core.BatchComplete, sum.Status)
	assert.Equal(t, 1, sum.Counts.Created)
	assert.Equal(t, 1, sum.Attempted)

	it := env.item(t, "A1")
	assert.Equal(t, int64(1), it.Version)
	assert.Equal(t, "Widget", it.Fields[core.FieldTitle])
	assert.Equal(t, "B-AM", it.Fields[core.FieldDepartment])
	assert.Equal(t, int64(3), it.Fields[core.FieldQuantity])
	assert.Equal(t, string(core.WorkflowToDo), it.Fields[core.FieldWorkflowState], "defaults seed new items")

	changes, err := env.svc.ListChanges(context.Background(), store.ChangeFilter{NaturalKey: "A1"})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, core.ChangeCreate, changes[0].Kind)
	assert.Equal(t, "automated", changes[0].Actor)
	assert.Equal(t, sum.BatchID, changes[0].BatchID)
	assert.Contains(t, changes[0].Changes, core.FieldTitle)
	assert.NotContains(t, changes[0].Changes, core.FieldDescription, "empty cells are not logged on create")
}

func TestProcessBatch_ManualNeverCreates(t *testing.T) {
	env := newEnv(t)
	sum := env.run(t, core.SourceManual, row("Item ID", "M1", "Workflow", "Done"))

	assert.Equal(t, core.BatchComplete, sum.Status)
	assert.Equal(t, 1, sum.Counts.Skipped)
	assert.Zero(t, sum.Counts.Errored)

	entries := env.entries(t, sum.BatchID)
	assert.Equal(t, core.EntrySkipped, entries[0].Status)
	assert.Equal(t, core.ReasonNoMatch, entries[0].Message)

	_, err := env.svc.GetItem(context.Background(), "M1")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestProcessBatch_MissingKeySkipped(t *testing.T) {
	env := newEnv(t)
	sum := env.run(t, core.SourceAutomated, row("Name", "orphan"), row("Item ID", "  ", "Name", "blank"))

	assert.Equal(t, 2, sum.Counts.Skipped)
	for _, e := range env.entries(t, sum.BatchID) {
		assert.Equal(t, core.EntrySkipped, e.Status)
		assert.Equal(t, core.ReasonMissingKey, e.Message)
	}
}

// ---------------------------------------------------------------------------
// Merging
// ---------------------------------------------------------------------------

func TestProcessBatch_ManualOnlyEditsOwnedFields(t *testing.T) {
	env := newEnv(t)
	env.run(t, core.SourceAutomated, row("Item ID", "A1", "Name", "Widget", "Dept", "Physics"))

	sum := env.run(t, core.SourceManual, row(
		"Item ID", "A1",
		"Workflow", "in progress",
		"Name", "Renamed by hand",
	))
	assert.Equal(t, 1, sum.Counts.Updated)

	it := env.item(t, "A1")
	assert.Equal(t, int64(2), it.Version)
	assert.Equal(t, string(core.WorkflowInProgress), it.Fields[core.FieldWorkflowState])
	assert.Equal(t, "Widget", it.Fields[core.FieldTitle], "manual feed does not own title")
	assert.Equal(t, string(core.ClassificationUnclassified), it.Fields[core.FieldClassification],
		"an omitted manual field is no opinion")

	changes, err := env.svc.ListChanges(context.Background(), store.ChangeFilter{BatchID: sum.BatchID})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, core.ChangeUpdate, changes[0].Kind)
	assert.Equal(t, "manual", changes[0].Actor)
	assert.Contains(t, changes[0].Changes, core.FieldWorkflowState)
	assert.NotContains(t, changes[0].Changes, core.FieldTitle)
}

func TestProcessBatch_DepartmentFormsConverge(t *testing.T) {
	env := newEnv(t)
	env.run(t, core.SourceAutomated, row("Item ID", "A1", "Dept", "Applied Mathematics"))

	for _, form := range []string{"B-AM", "b-am: applied mathematics", "Maths"} {
		sum := env.run(t, core.SourceAutomated, row("Item ID", "A1", "Dept", form))
		assert.Equal(t, 1, sum.Counts.Unchanged, "department %q", form)
	}
	it := env.item(t, "A1")
	assert.Equal(t, "B-AM", it.Fields[core.FieldDepartment])
	assert.Equal(t, int64(1), it.Version)
}

func TestProcessBatch_ThresholdGatesUpdates(t *testing.T) {
	env := newEnv(t, withThreshold(core.SourceAutomated, 3))
	ctx := context.Background()
	env.run(t, core.SourceAutomated, row("Item ID", "A1", "Name", "Widget", "Dept", "Physics", "Qty", "1"))

	// Two changes against a threshold of three.
	sum := env.run(t, core.SourceAutomated, row("Item ID", "A1", "Name", "Widget v2", "Qty", "2"))
	assert.Equal(t, 1, sum.Counts.Unchanged)
	entries := env.entries(t, sum.BatchID)
	assert.Equal(t, core.EntryProcessed, entries[0].Status)
	assert.Contains(t, entries[0].Message, "below threshold")

	it := env.item(t, "A1")
	assert.Equal(t, int64(1), it.Version)
	assert.Equal(t, "Widget", it.Fields[core.FieldTitle])

	changes, err := env.svc.ListChanges(ctx, store.ChangeFilter{BatchID: sum.BatchID})
	require.NoError(t, err)
	assert.Empty(t, changes, "gated entries write no change log")

	// Three changes apply.
	sum = env.run(t, core.SourceAutomated, row("Item ID", "A1", "Name", "Widget v3", "Qty", "5", "Dept", "ENG"))
	assert.Equal(t, 1, sum.Counts.Updated)
	it = env.item(t, "A1")
	assert.Equal(t, int64(2), it.Version)
	assert.Equal(t, "ENG", it.Fields[core.FieldDepartment])
}

func TestProcessBatch_IsIdempotent(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	b := env.submit(t, core.SourceAutomated,
		row("Item ID", "A1", "Name", "Widget"),
		row("Item ID", "A2", "Name", "Gadget"),
	)

	first, err := env.svc.ProcessBatch(ctx, b.ID)
	require.NoError(t, err)
	second, err := env.svc.ProcessBatch(ctx, b.ID)
	require.NoError(t, err)

	assert.Equal(t, first.Counts, second.Counts)
	assert.Zero(t, second.Attempted)
	assert.Equal(t, int64(1), env.item(t, "A1").Version)

	changes, err := env.svc.ListChanges(ctx, store.ChangeFilter{})
	require.NoError(t, err)
	assert.Len(t, changes, 2)
}

// ---------------------------------------------------------------------------
// Failures
// ---------------------------------------------------------------------------

func TestProcessBatch_IsolatesEntryErrors(t *testing.T) {
	fs := &faultStore{}
	fs.createItem = func(_ context.Context, key string) error {
		if key == "A2" {
			return errors.New("disk on fire")
		}
		return nil
	}
	env := newEnv(t, withStore(func(s store.Store) store.Store { fs.Store = s; return fs }))
	ctx := context.Background()

	sum := env.run(t, core.SourceAutomated,
		row("Item ID", "A1"), row("Item ID", "A2"), row("Item ID", "A3"),
	)
	assert.Equal(t, core.BatchComplete, sum.Status)
	assert.Equal(t, 2, sum.Counts.Created)
	assert.Equal(t, 1, sum.Counts.Errored)

	entries := env.entries(t, sum.BatchID)
	assert.Equal(t, core.EntryProcessed, entries[0].Status)
	assert.Equal(t, core.EntryError, entries[1].Status)
	assert.Equal(t, core.EntryProcessed, entries[2].Status)

	open, err := env.svc.ListFailures(ctx, store.Unresolved(sum.BatchID))
	require.NoError(t, err)
	require.Len(t, open, 1)
	f := open[0]
	assert.Equal(t, core.FailureSystem, f.Class)
	assert.Equal(t, 2, f.RowNumber)
	assert.Equal(t, "A2", f.RawSnapshot["Item ID"])
	assert.Contains(t, f.Message, "disk on fire")

	status, err := env.svc.GetBatchStatus(ctx, sum.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.OpenFailures)

	resolved, err := env.svc.MarkResolved(ctx, f.ID, "restored disk")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, "restored disk", resolved.ResolutionNote)

	open, err = env.svc.ListFailures(ctx, store.Unresolved(sum.BatchID))
	require.NoError(t, err)
	assert.Empty(t, open)

	// Resolution does not reprocess.
	again, err := env.svc.ProcessBatch(ctx, sum.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Counts.Errored)
}

func TestProcessBatch_FailureClasses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want core.FailureClass
	}{
		{"persistence", core.MarkPersistence(errors.New("connection reset"), "create item"), core.FailurePersistence},
		{"validation", fmt.Errorf("%w: bad row", core.ErrInvalidInput), core.FailureValidation},
		{"system", errors.New("unexpected"), core.FailureSystem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &faultStore{createItem: func(context.Context, string) error { return tt.err }}
			env := newEnv(t, withStore(func(s store.Store) store.Store { fs.Store = s; return fs }))

			sum := env.run(t, core.SourceAutomated, row("Item ID", "A1"))
			failures, err := env.svc.ListFailures(context.Background(), store.FailureFilter{BatchID: sum.BatchID})
			require.NoError(t, err)
			require.Len(t, failures, 1)
			assert.Equal(t, tt.want, failures[0].Class)
			assert.NotEmpty(t, failures[0].Detail)
		})
	}
}

func TestProcessBatch_RecoversPanics(t *testing.T) {
	fs := &faultStore{getItem: func(key string) {
		if key == "boom" {
			panic("nil map write")
		}
	}}
	env := newEnv(t, withStore(func(s store.Store) store.Store { fs.Store = s; return fs }))

	sum := env.run(t, core.SourceAutomated, row("Item ID", "boom"), row("Item ID", "A1"))
	assert.Equal(t, 1, sum.Counts.Errored)
	assert.Equal(t, 1, sum.Counts.Created)

	failures, err := env.svc.ListFailures(context.Background(), store.FailureFilter{BatchID: sum.BatchID})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, core.FailureSystem, failures[0].Class)
	assert.Contains(t, failures[0].Message, "panic")
}

// ---------------------------------------------------------------------------
// Conflicts and concurrency
// ---------------------------------------------------------------------------

func TestProcessBatch_RetriesVersionConflict(t *testing.T) {
	var calls atomic.Int32
	fs := &faultStore{updateItem: func(_ context.Context, itemID int64) error {
		if calls.Add(1) == 1 {
			return store.VersionConflict(itemID, 1)
		}
		return nil
	}}
	env := newEnv(t, withStore(func(s store.Store) store.Store { fs.Store = s; return fs }))

	env.run(t, core.SourceAutomated, row("Item ID", "A1", "Name", "Widget"))
	sum := env.run(t, core.SourceAutomated, row("Item ID", "A1", "Name", "Widget v2"))

	assert.Equal(t, 1, sum.Counts.Updated)
	assert.Zero(t, sum.Counts.Errored)
	assert.Equal(t, int32(2), calls.Load())
}

func TestProcessBatch_PersistentConflictFails(t *testing.T) {
	var calls atomic.Int32
	fs := &faultStore{updateItem: func(_ context.Context, itemID int64) error {
		calls.Add(1)
		return store.VersionConflict(itemID, 1)
	}}
	env := newEnv(t,
		withOptions(Options{ConflictRetries: 2}),
		withStore(func(s store.Store) store.Store { fs.Store = s; return fs }),
	)

	env.run(t, core.SourceAutomated, row("Item ID", "A1", "Name", "Widget"))
	sum := env.run(t, core.SourceAutomated, row("Item ID", "A1", "Name", "Widget v2"))

	assert.Equal(t, 1, sum.Counts.Errored)
	assert.Equal(t, int32(3), calls.Load())

	failures, err := env.svc.ListFailures(context.Background(), store.FailureFilter{BatchID: sum.BatchID})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, core.FailureConflict, failures[0].Class)
}

func TestProcessBatch_ParallelWorkers(t *testing.T) {
	env := newEnv(t, withOptions(Options{Workers: 4}))

	rows := make([]map[string]string, 40)
	for i := range rows {
		rows[i] = row("Item ID", fmt.Sprintf("P%03d", i), "Name", fmt.Sprintf("Part %d", i))
	}
	sum := env.run(t, core.SourceAutomated, rows...)

	assert.Equal(t, core.BatchComplete, sum.Status)
	assert.Equal(t, 40, sum.Counts.Created)
	assert.Zero(t, sum.Counts.Pending)

	var n int
	require.NoError(t, env.svc.Export(context.Background(), func(core.CanonicalItem) error {
		n++
		return nil
	}))
	assert.Equal(t, 40, n)
}

func TestProcessBatch_ConcurrentBatchesSameItem(t *testing.T) {
	env := newEnv(t, withOptions(Options{Workers: 2}))
	ctx := context.Background()
	env.run(t, core.SourceAutomated, row("Item ID", "A1", "Name", "Widget"))

	b1 := env.submit(t, core.SourceManual, row("Item ID", "A1", "Comments", "first"))
	b2 := env.submit(t, core.SourceManual, row("Item ID", "A1", "Comments", "second"))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []uuid.UUID{b1.ID, b2.ID} {
		i, id := i, id
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = env.svc.ProcessBatch(ctx, id)
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	it := env.item(t, "A1")
	assert.Equal(t, int64(3), it.Version)

	changes, err := env.svc.ListChanges(ctx, store.ChangeFilter{NaturalKey: "A1"})
	require.NoError(t, err)
	assert.Len(t, changes, 3)
	assert.Zero(t, env.svc.locks.size())
}

func TestProcessBatch_RejectsWhileRunning(t *testing.T) {
	env := newEnv(t)
	b := env.submit(t, core.SourceAutomated, row("Item ID", "A1"))

	require.True(t, env.svc.claim(b.ID))
	_, err := env.svc.ProcessBatch(context.Background(), b.ID)
	assert.True(t, errors.Is(err, ErrBatchBusy))
	assert.Equal(t, "STG003", core.MapError(err).Code)
	env.svc.release(b.ID)

	_, err = env.svc.ProcessBatch(context.Background(), b.ID)
	assert.NoError(t, err)
}

func TestProcessBatch_UnknownBatch(t *testing.T) {
	env := newEnv(t)
	_, err := env.svc.ProcessBatch(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.Equal(t, "STG001", core.MapError(err).Code)
}

// ---------------------------------------------------------------------------
// Cancellation and resume
// ---------------------------------------------------------------------------

func TestProcessBatch_CancelThenResume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fs := &faultStore{}
	fs.createItem = func(context.Context, string) error {
		// Stop the run once the first item is being written.
		cancel()
		fs.createItem = nil
		return nil
	}
	env := newEnv(t, withStore(func(s store.Store) store.Store { fs.Store = s; return fs }))

	b := env.submit(t, core.SourceAutomated,
		row("Item ID", "A1"), row("Item ID", "A2"), row("Item ID", "A3"),
	)

	sum, err := env.svc.ProcessBatch(ctx, b.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, sum)
	assert.Equal(t, core.BatchProcessing, sum.Status)
	assert.Positive(t, sum.Counts.Pending)
	assert.Zero(t, sum.Counts.Errored, "cancellation is not a failure")

	status, err := env.svc.GetBatchStatus(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, core.BatchProcessing, status.Batch.Status)
	startedAt := status.Batch.StartedAt

	resumed, err := env.svc.ProcessBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, core.BatchComplete, resumed.Status)
	assert.Zero(t, resumed.Counts.Pending)
	assert.Equal(t, 3, resumed.Counts.Created+resumed.Counts.Errored)

	final, err := env.svc.GetBatchStatus(context.Background(), b.ID)
	require.NoError(t, err)
	require.NotNil(t, final.Batch.StartedAt)
	assert.True(t, startedAt.Equal(*final.Batch.StartedAt), "resume keeps the original start time")
}

func TestSweep_ResumesUnfinishedBatches(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	b1 := env.submit(t, core.SourceAutomated, row("Item ID", "A1"))
	b2 := env.submit(t, core.SourceManual, row("Item ID", "A1", "Workflow", "Done"))

	assert.Equal(t, 2, env.svc.Sweep(ctx))

	for _, id := range []uuid.UUID{b1.ID, b2.ID} {
		st, err := env.svc.GetBatchStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, core.BatchComplete, st.Batch.Status)
	}
	// Oldest first: the automated create lands before the manual edit.
	assert.Equal(t, string(core.WorkflowDone), env.item(t, "A1").Fields[core.FieldWorkflowState])

	assert.Zero(t, env.svc.Sweep(ctx))
}

func TestProcessAsync(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	b := env.submit(t, core.SourceAutomated, row("Item ID", "A1"))

	require.NoError(t, env.svc.ProcessAsync(ctx, b.ID))
	require.Eventually(t, func() bool {
		st, err := env.svc.GetBatchStatus(ctx, b.ID)
		return err == nil && st.Batch.Status == core.BatchComplete && !st.Running
	}, 5*time.Second, 10*time.Millisecond)

	err := env.svc.ProcessAsync(ctx, uuid.New())
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

// ---------------------------------------------------------------------------
// Classification
// ---------------------------------------------------------------------------

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		err  error
		want core.FailureClass
	}{
		{store.VersionConflict(1, 2), core.FailureConflict},
		{store.ItemExists("A1"), core.FailureConflict},
		{errors.Wrap(core.ErrInvalidInput, "row 3"), core.FailureValidation},
		{core.MarkPersistence(errors.New("io"), "update"), core.FailurePersistence},
		{core.PanicError("boom"), core.FailureSystem},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyFailure(tt.err), "%v", tt.err)
	}
}

func TestKeyLocker_ReleasesEntries(t *testing.T) {
	k := newKeyLocker()
	unlock := k.Lock("A1")
	assert.Equal(t, 1, k.size())

	acquired := make(chan struct{})
	go func() {
		u := k.Lock("A1")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired while held")
	case <-time.After(30 * time.Millisecond):
	}
	unlock()
	<-acquired

	require.Eventually(t, func() bool { return k.size() == 0 }, time.Second, 5*time.Millisecond)
}
