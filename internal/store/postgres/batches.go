package postgres

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/stagemerge/internal/core"
	"github.com/JonMunkholm/stagemerge/internal/store"
)

const batchColumns = "id, source, origin, status, total, pending, processed, created, updated, unchanged, skipped, errored, summary, error_message, created_at, started_at, completed_at"

const entryColumns = "id, batch_id, row_num, natural_key, raw, status, outcome, message, processed_at"

// CreateBatch inserts the batch header and its entries in one transaction.
// Entries are sent as a single pgx batch.
func (s *Store) CreateBatch(ctx context.Context, batch core.IngestionBatch, entries []core.StagingEntry) (*core.IngestionBatch, error) {
	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = now()
	}
	batch.Status = core.BatchPending
	batch.Counts = core.BatchCounts{Total: len(entries), Pending: len(entries)}

	summary, err := store.EncodeJSON(batch.Summary)
	if err != nil {
		return nil, err
	}

	err = s.withTx(ctx, "create batch", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ingestion_batches (id, source, origin, status, total, pending, summary, created_at)
             VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			batch.ID, string(batch.Source), batch.Origin, string(batch.Status),
			batch.Counts.Total, batch.Counts.Pending, string(summary), batch.CreatedAt,
		); err != nil {
			return errors.Wrap(err, "insert batch")
		}

		b := &pgx.Batch{}
		for _, e := range entries {
			raw, err := store.EncodeJSON(e.Raw)
			if err != nil {
				return err
			}
			b.Queue(
				`INSERT INTO staging_entries (batch_id, row_num, natural_key, raw, status) VALUES ($1, $2, $3, $4, $5)`,
				batch.ID, e.RowNumber, nullableString(e.NaturalKey), string(raw), string(core.EntryPending),
			)
		}
		results := tx.SendBatch(ctx, b)
		for _, e := range entries {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				if isUniqueViolation(err) {
					return errors.Wrapf(err, "row %d: duplicate natural key %q", e.RowNumber, e.NaturalKey)
				}
				return errors.Wrapf(err, "insert row %d", e.RowNumber)
			}
		}
		return results.Close()
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// GetBatch fetches a batch by ID.
func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (*core.IngestionBatch, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM ingestion_batches WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.NotFound("batch", id)
	}
	if err != nil {
		return nil, core.MarkPersistence(err, "get batch")
	}
	return b, nil
}

// ListBatches returns batches oldest first.
func (s *Store) ListBatches(ctx context.Context, statuses ...core.BatchStatus) ([]core.IngestionBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM ingestion_batches`
	var args []any
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, names)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, core.MarkPersistence(err, "list batches")
	}
	defer rows.Close()

	var out []core.IngestionBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, core.MarkPersistence(err, "scan batch")
		}
		out = append(out, *b)
	}
	return out, core.MarkPersistence(rows.Err(), "list batches")
}

// UpdateBatch persists the mutable batch columns.
func (s *Store) UpdateBatch(ctx context.Context, batch *core.IngestionBatch) error {
	if batch == nil {
		return errors.New("batch is nil")
	}
	summary, err := store.EncodeJSON(batch.Summary)
	if err != nil {
		return err
	}
	c := batch.Counts
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_batches
         SET status = $1, total = $2, pending = $3, processed = $4, created = $5, updated = $6,
             unchanged = $7, skipped = $8, errored = $9, summary = $10, error_message = $11,
             started_at = $12, completed_at = $13
         WHERE id = $14`,
		string(batch.Status), c.Total, c.Pending, c.Processed, c.Created, c.Updated,
		c.Unchanged, c.Skipped, c.Errored, string(summary), nullableString(batch.Error),
		batch.StartedAt, batch.CompletedAt, batch.ID,
	)
	if err != nil {
		return core.MarkPersistence(err, "update batch")
	}
	if tag.RowsAffected() == 0 {
		return store.NotFound("batch", batch.ID)
	}
	return nil
}

// ListEntries returns a batch's entries in row order.
func (s *Store) ListEntries(ctx context.Context, batchID uuid.UUID, statuses ...core.EntryStatus) ([]core.StagingEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM staging_entries WHERE batch_id = $1`
	args := []any{batchID}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query += ` AND status = ANY($2)`
		args = append(args, names)
	}
	query += ` ORDER BY row_num`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, core.MarkPersistence(err, "list entries")
	}
	defer rows.Close()

	var out []core.StagingEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, core.MarkPersistence(err, "scan entry")
		}
		out = append(out, *e)
	}
	return out, core.MarkPersistence(rows.Err(), "list entries")
}

// CountEntries aggregates entry statuses for a batch.
func (s *Store) CountEntries(ctx context.Context, batchID uuid.UUID) (core.BatchCounts, error) {
	var counts core.BatchCounts
	rows, err := s.pool.Query(ctx,
		`SELECT status, outcome, COUNT(1) FROM staging_entries WHERE batch_id = $1 GROUP BY status, outcome`,
		batchID)
	if err != nil {
		return counts, core.MarkPersistence(err, "count entries")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status  string
			outcome string
			n       int
		)
		if err := rows.Scan(&status, &outcome, &n); err != nil {
			return counts, core.MarkPersistence(err, "scan entry count")
		}
		store.TallyEntry(&counts, core.EntryStatus(status), core.EntryOutcome(outcome), n)
	}
	return counts, core.MarkPersistence(rows.Err(), "count entries")
}

// MarkEntry moves a PENDING entry to a terminal status.
func (s *Store) MarkEntry(ctx context.Context, entryID int64, status core.EntryStatus, outcome core.EntryOutcome, message string) error {
	return s.withTx(ctx, "mark entry", func(tx pgx.Tx) error {
		return markEntry(ctx, tx, entryID, status, outcome, message)
	})
}

func markEntry(ctx context.Context, q DBTX, entryID int64, status core.EntryStatus, outcome core.EntryOutcome, message string) error {
	if !status.Terminal() {
		return errors.Newf("entry %d: %s is not a terminal status", entryID, status)
	}
	tag, err := q.Exec(ctx,
		`UPDATE staging_entries SET status = $1, outcome = $2, message = $3, processed_at = $4
         WHERE id = $5 AND status = $6`,
		string(status), string(outcome), message, now(), entryID, string(core.EntryPending))
	if err != nil {
		return errors.Wrap(err, "update entry")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM staging_entries WHERE id = $1)`, entryID).Scan(&exists); err != nil {
		return errors.Wrap(err, "check entry")
	}
	if !exists {
		return store.NotFound("entry", entryID)
	}
	return store.EntryNotPending(entryID)
}

func scanBatch(row pgx.Row) (*core.IngestionBatch, error) {
	var (
		b        core.IngestionBatch
		source   string
		status   string
		summary  []byte
		errorMsg *string
		started  *time.Time
		finished *time.Time
	)
	if err := row.Scan(
		&b.ID, &source, &b.Origin, &status,
		&b.Counts.Total, &b.Counts.Pending, &b.Counts.Processed, &b.Counts.Created,
		&b.Counts.Updated, &b.Counts.Unchanged, &b.Counts.Skipped, &b.Counts.Errored,
		&summary, &errorMsg, &b.CreatedAt, &started, &finished,
	); err != nil {
		return nil, err
	}
	b.Source = core.SourceType(source)
	b.Status = core.BatchStatus(status)
	b.Error = derefString(errorMsg)
	b.StartedAt = utcPtr(started)
	b.CompletedAt = utcPtr(finished)
	b.CreatedAt = b.CreatedAt.UTC()

	var err error
	if b.Summary, err = store.DecodeSummary(summary); err != nil {
		return nil, err
	}
	return &b, nil
}

func scanEntry(row pgx.Row) (*core.StagingEntry, error) {
	var (
		e          core.StagingEntry
		naturalKey *string
		raw        []byte
		status     string
		outcome    string
		processed  *time.Time
	)
	if err := row.Scan(&e.ID, &e.BatchID, &e.RowNumber, &naturalKey, &raw, &status, &outcome, &e.Message, &processed); err != nil {
		return nil, err
	}
	e.NaturalKey = derefString(naturalKey)
	e.Status = core.EntryStatus(status)
	e.Outcome = core.EntryOutcome(outcome)
	e.ProcessedAt = utcPtr(processed)

	var err error
	if e.Raw, err = store.DecodeRaw(raw); err != nil {
		return nil, err
	}
	return &e, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
