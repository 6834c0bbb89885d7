package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/stagemerge/internal/core"
	"github.com/JonMunkholm/stagemerge/internal/store"
)

const failureColumns = "id, batch_id, entry_id, row_num, natural_key, raw, class, message, detail, resolved, resolution_note, resolved_at, created_at"

// RecordFailure stores a failure and moves its entry to ERROR.
func (s *Store) RecordFailure(ctx context.Context, f core.ProcessingFailure) (*core.ProcessingFailure, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	f.CreatedAt = now()
	f.Resolved = false
	f.ResolutionNote = ""
	f.ResolvedAt = nil

	raw, err := store.EncodeJSON(f.RawSnapshot)
	if err != nil {
		return nil, err
	}

	err = s.withTx(ctx, "record failure", func(tx pgx.Tx) error {
		var entryID *int64
		if f.EntryID != 0 {
			entryID = &f.EntryID
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO processing_failures (id, batch_id, entry_id, row_num, natural_key, raw, class, message, detail, resolved, created_at)
             VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10)`,
			f.ID, f.BatchID, entryID, f.RowNumber, nullableString(f.NaturalKey),
			string(raw), string(f.Class), f.Message, nullableString(f.Detail), f.CreatedAt,
		); err != nil {
			return errors.Wrap(err, "insert failure")
		}
		if f.EntryID != 0 {
			return markEntry(ctx, tx, f.EntryID, core.EntryError, core.OutcomeNone, f.Message)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetFailure fetches one failure.
func (s *Store) GetFailure(ctx context.Context, id uuid.UUID) (*core.ProcessingFailure, error) {
	f, err := scanFailure(s.pool.QueryRow(ctx, `SELECT `+failureColumns+` FROM processing_failures WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.NotFound("failure", id)
	}
	if err != nil {
		return nil, core.MarkPersistence(err, "get failure")
	}
	return f, nil
}

// ListFailures returns failures oldest first.
func (s *Store) ListFailures(ctx context.Context, filter store.FailureFilter) ([]core.ProcessingFailure, error) {
	query := `SELECT ` + failureColumns + ` FROM processing_failures WHERE TRUE`
	var args []any
	if filter.BatchID != uuid.Nil {
		args = append(args, filter.BatchID)
		query += fmt.Sprintf(` AND batch_id = $%d`, len(args))
	}
	if filter.Resolved != nil {
		args = append(args, *filter.Resolved)
		query += fmt.Sprintf(` AND resolved = $%d`, len(args))
	}
	query += ` ORDER BY created_at, row_num`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, core.MarkPersistence(err, "list failures")
	}
	defer rows.Close()

	var out []core.ProcessingFailure
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, core.MarkPersistence(err, "scan failure")
		}
		out = append(out, *f)
	}
	return out, core.MarkPersistence(rows.Err(), "list failures")
}

// MarkResolved flags a failure as resolved with a note.
func (s *Store) MarkResolved(ctx context.Context, id uuid.UUID, note string) (*core.ProcessingFailure, error) {
	f, err := scanFailure(s.pool.QueryRow(ctx,
		`UPDATE processing_failures
         SET resolved = TRUE, resolution_note = $1, resolved_at = COALESCE(resolved_at, $2)
         WHERE id = $3
         RETURNING `+failureColumns,
		note, now(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.NotFound("failure", id)
	}
	if err != nil {
		return nil, core.MarkPersistence(err, "mark resolved")
	}
	return f, nil
}

func scanFailure(row pgx.Row) (*core.ProcessingFailure, error) {
	var (
		f          core.ProcessingFailure
		entryID    *int64
		naturalKey *string
		raw        []byte
		class      string
		detail     *string
		note       *string
		resolvedAt *time.Time
	)
	if err := row.Scan(&f.ID, &f.BatchID, &entryID, &f.RowNumber, &naturalKey, &raw, &class,
		&f.Message, &detail, &f.Resolved, &note, &resolvedAt, &f.CreatedAt); err != nil {
		return nil, err
	}
	if entryID != nil {
		f.EntryID = *entryID
	}
	f.NaturalKey = derefString(naturalKey)
	f.Class = core.FailureClass(class)
	f.Detail = derefString(detail)
	f.ResolutionNote = derefString(note)
	f.ResolvedAt = utcPtr(resolvedAt)
	f.CreatedAt = f.CreatedAt.UTC()

	var err error
	if f.RawSnapshot, err = store.DecodeRaw(raw); err != nil {
		return nil, err
	}
	return &f, nil
}
