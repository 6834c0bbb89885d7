package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/JonMunkholm/stagemerge/internal/core"
	"github.com/JonMunkholm/stagemerge/internal/store"
)

const batchColumns = "id, source, origin, status, total, pending, processed, created, updated, unchanged, skipped, errored, summary_json, error_message, created_at, started_at, completed_at"

const entryColumns = "id, batch_id, row_num, natural_key, raw_json, status, outcome, message, processed_at"

// CreateBatch inserts the batch header and its entries in one transaction.
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

	err = s.withTx(ctx, "create batch", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ingestion_batches (id, source, origin, status, total, pending, summary_json, created_at)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			batch.ID.String(), batch.Source, batch.Origin, batch.Status,
			batch.Counts.Total, batch.Counts.Pending, string(summary), formatTime(batch.CreatedAt),
		); err != nil {
			return errors.Wrap(err, "insert batch")
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO staging_entries (batch_id, row_num, natural_key, raw_json, status)
             VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return errors.Wrap(err, "prepare entry insert")
		}
		defer stmt.Close()

		for _, e := range entries {
			raw, err := store.EncodeJSON(e.Raw)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx,
				batch.ID.String(), e.RowNumber, nullableString(e.NaturalKey), string(raw), core.EntryPending,
			); err != nil {
				if isUniqueViolation(err) {
					return errors.Wrapf(err, "row %d: duplicate natural key %q", e.RowNumber, e.NaturalKey)
				}
				return errors.Wrapf(err, "insert row %d", e.RowNumber)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// GetBatch fetches a batch by ID.
func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (*core.IngestionBatch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM ingestion_batches WHERE id = ?`, id.String())
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
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
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_batches
         SET status = ?, total = ?, pending = ?, processed = ?, created = ?, updated = ?,
             unchanged = ?, skipped = ?, errored = ?, summary_json = ?, error_message = ?,
             started_at = ?, completed_at = ?
         WHERE id = ?`,
		batch.Status, c.Total, c.Pending, c.Processed, c.Created, c.Updated,
		c.Unchanged, c.Skipped, c.Errored, string(summary), nullableString(batch.Error),
		nullableTime(batch.StartedAt), nullableTime(batch.CompletedAt),
		batch.ID.String(),
	)
	if err != nil {
		return core.MarkPersistence(err, "update batch")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFound("batch", batch.ID)
	}
	return nil
}

// ListEntries returns a batch's entries in row order.
func (s *Store) ListEntries(ctx context.Context, batchID uuid.UUID, statuses ...core.EntryStatus) ([]core.StagingEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM staging_entries WHERE batch_id = ?`
	args := []any{batchID.String()}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY row_num`

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, outcome, COUNT(1) FROM staging_entries WHERE batch_id = ? GROUP BY status, outcome`,
		batchID.String())
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
	return s.withTx(ctx, "mark entry", func(tx *sql.Tx) error {
		return markEntry(ctx, tx, entryID, status, outcome, message)
	})
}

func markEntry(ctx context.Context, tx *sql.Tx, entryID int64, status core.EntryStatus, outcome core.EntryOutcome, message string) error {
	if !status.Terminal() {
		return errors.Newf("entry %d: %s is not a terminal status", entryID, status)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE staging_entries SET status = ?, outcome = ?, message = ?, processed_at = ?
         WHERE id = ? AND status = ?`,
		status, outcome, message, formatTime(now()), entryID, core.EntryPending)
	if err != nil {
		return errors.Wrap(err, "update entry")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM staging_entries WHERE id = ?`, entryID).Scan(&exists); err != nil {
		return errors.Wrap(err, "check entry")
	}
	if exists == 0 {
		return store.NotFound("entry", entryID)
	}
	return store.EntryNotPending(entryID)
}

func scanBatch(scanner interface{ Scan(dest ...any) error }) (*core.IngestionBatch, error) {
	var (
		idRaw       string
		source      string
		origin      string
		status      string
		summary     sql.NullString
		errorMsg    sql.NullString
		createdRaw  string
		startedRaw  sql.NullString
		finishedRaw sql.NullString
		b           core.IngestionBatch
	)
	if err := scanner.Scan(
		&idRaw, &source, &origin, &status,
		&b.Counts.Total, &b.Counts.Pending, &b.Counts.Processed, &b.Counts.Created,
		&b.Counts.Updated, &b.Counts.Unchanged, &b.Counts.Skipped, &b.Counts.Errored,
		&summary, &errorMsg, &createdRaw, &startedRaw, &finishedRaw,
	); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idRaw)
	if err != nil {
		return nil, errors.Wrapf(err, "batch id %q", idRaw)
	}
	b.ID = id
	b.Source = core.SourceType(source)
	b.Origin = origin
	b.Status = core.BatchStatus(status)
	b.Error = errorMsg.String
	b.CreatedAt = parseTime(createdRaw)
	b.StartedAt = parseNullTime(startedRaw)
	b.CompletedAt = parseNullTime(finishedRaw)
	if b.Summary, err = store.DecodeSummary([]byte(summary.String)); err != nil {
		return nil, err
	}
	return &b, nil
}

func scanEntry(scanner interface{ Scan(dest ...any) error }) (*core.StagingEntry, error) {
	var (
		e           core.StagingEntry
		batchRaw    string
		naturalKey  sql.NullString
		raw         string
		status      string
		outcome     string
		processedAt sql.NullString
	)
	if err := scanner.Scan(&e.ID, &batchRaw, &e.RowNumber, &naturalKey, &raw, &status, &outcome, &e.Message, &processedAt); err != nil {
		return nil, err
	}
	batchID, err := uuid.Parse(batchRaw)
	if err != nil {
		return nil, errors.Wrapf(err, "batch id %q", batchRaw)
	}
	e.BatchID = batchID
	e.NaturalKey = naturalKey.String
	e.Status = core.EntryStatus(status)
	e.Outcome = core.EntryOutcome(outcome)
	e.ProcessedAt = parseNullTime(processedAt)
	if e.Raw, err = store.DecodeRaw([]byte(raw)); err != nil {
		return nil, err
	}
	return &e, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
