package sqlite

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/JonMunkholm/stagemerge/internal/core"
	"github.com/JonMunkholm/stagemerge/internal/store"
)

const failureColumns = "id, batch_id, entry_id, row_num, natural_key, raw_json, class, message, detail, resolved, resolution_note, resolved_at, created_at"

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

	err = s.withTx(ctx, "record failure", func(tx *sql.Tx) error {
		var entryID any
		if f.EntryID != 0 {
			entryID = f.EntryID
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO processing_failures (id, batch_id, entry_id, row_num, natural_key, raw_json, class, message, detail, resolved, created_at)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			f.ID.String(), f.BatchID.String(), entryID, f.RowNumber, nullableString(f.NaturalKey),
			string(raw), f.Class, f.Message, nullableString(f.Detail), formatTime(f.CreatedAt),
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
	row := s.db.QueryRowContext(ctx, `SELECT `+failureColumns+` FROM processing_failures WHERE id = ?`, id.String())
	f, err := scanFailure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("failure", id)
	}
	if err != nil {
		return nil, core.MarkPersistence(err, "get failure")
	}
	return f, nil
}

// ListFailures returns failures oldest first.
func (s *Store) ListFailures(ctx context.Context, filter store.FailureFilter) ([]core.ProcessingFailure, error) {
	query := `SELECT ` + failureColumns + ` FROM processing_failures WHERE 1 = 1`
	var args []any
	if filter.BatchID != uuid.Nil {
		query += ` AND batch_id = ?`
		args = append(args, filter.BatchID.String())
	}
	if filter.Resolved != nil {
		query += ` AND resolved = ?`
		args = append(args, boolInt(*filter.Resolved))
	}
	query += ` ORDER BY created_at, row_num`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_failures
         SET resolved = 1, resolution_note = ?, resolved_at = COALESCE(resolved_at, ?)
         WHERE id = ?`,
		note, formatTime(now()), id.String())
	if err != nil {
		return nil, core.MarkPersistence(err, "mark resolved")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.NotFound("failure", id)
	}
	return s.GetFailure(ctx, id)
}

func scanFailure(scanner interface{ Scan(dest ...any) error }) (*core.ProcessingFailure, error) {
	var (
		f           core.ProcessingFailure
		idRaw       string
		batchRaw    string
		entryID     sql.NullInt64
		naturalKey  sql.NullString
		raw         string
		class       string
		detail      sql.NullString
		resolved    int
		note        sql.NullString
		resolvedRaw sql.NullString
		createdRaw  string
	)
	if err := scanner.Scan(&idRaw, &batchRaw, &entryID, &f.RowNumber, &naturalKey, &raw, &class,
		&f.Message, &detail, &resolved, &note, &resolvedRaw, &createdRaw); err != nil {
		return nil, err
	}
	var err error
	if f.ID, err = uuid.Parse(idRaw); err != nil {
		return nil, errors.Wrapf(err, "failure id %q", idRaw)
	}
	if f.BatchID, err = uuid.Parse(batchRaw); err != nil {
		return nil, errors.Wrapf(err, "batch id %q", batchRaw)
	}
	f.EntryID = entryID.Int64
	f.NaturalKey = naturalKey.String
	f.Class = core.FailureClass(class)
	f.Detail = detail.String
	f.Resolved = resolved != 0
	f.ResolutionNote = note.String
	f.ResolvedAt = parseNullTime(resolvedRaw)
	f.CreatedAt = parseTime(createdRaw)
	if f.RawSnapshot, err = store.DecodeRaw([]byte(raw)); err != nil {
		return nil, err
	}
	return &f, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
