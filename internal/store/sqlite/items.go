package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/JonMunkholm/stagemerge/internal/core"
	"github.com/JonMunkholm/stagemerge/internal/merge"
	"github.com/JonMunkholm/stagemerge/internal/store"
)

const itemColumns = "id, natural_key, fields_json, version, created_at, updated_at"

const changeColumns = "id, item_id, natural_key, batch_id, entry_id, kind, changes_json, reason, actor, created_at"

// GetItem looks up a canonical item by natural key.
func (s *Store) GetItem(ctx context.Context, naturalKey string) (*core.CanonicalItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM canonical_items WHERE natural_key = ?`, naturalKey)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("item", naturalKey)
	}
	if err != nil {
		return nil, core.MarkPersistence(err, "get item")
	}
	return item, nil
}

// CreateItem inserts an item, its CREATE change record and the entry
// transition atomically.
func (s *Store) CreateItem(ctx context.Context, naturalKey string, fields core.Fields, change core.ChangeLogRecord) (*core.CanonicalItem, error) {
	ts := now()
	item := &core.CanonicalItem{
		NaturalKey: naturalKey,
		Fields:     fields.Clone(),
		Version:    1,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	doc, err := store.EncodeJSON(item.Fields)
	if err != nil {
		return nil, err
	}

	err = s.withTx(ctx, "create item", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO canonical_items (natural_key, fields_json, version, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?)`,
			naturalKey, string(doc), item.Version, formatTime(ts), formatTime(ts))
		if err != nil {
			if isUniqueViolation(err) {
				return store.ItemExists(naturalKey)
			}
			return errors.Wrap(err, "insert item")
		}
		if item.ID, err = res.LastInsertId(); err != nil {
			return errors.Wrap(err, "last insert id")
		}

		change.Kind = core.ChangeCreate
		if err := insertChange(ctx, tx, item, &change, ts); err != nil {
			return err
		}
		if change.EntryID != 0 {
			return markEntry(ctx, tx, change.EntryID, core.EntryProcessed, core.OutcomeCreated, change.Reason)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// UpdateItem applies changes under an optimistic version check.
func (s *Store) UpdateItem(ctx context.Context, itemID, expectedVersion int64, changes map[string]core.FieldChange, change core.ChangeLogRecord) (*core.CanonicalItem, error) {
	var item *core.CanonicalItem
	err := s.withTx(ctx, "update item", func(tx *sql.Tx) error {
		current, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM canonical_items WHERE id = ?`, itemID))
		if errors.Is(err, sql.ErrNoRows) {
			return store.NotFound("item", itemID)
		}
		if err != nil {
			return errors.Wrap(err, "load item")
		}
		if current.Version != expectedVersion {
			return store.VersionConflict(itemID, expectedVersion)
		}

		ts := now()
		current.Fields = merge.Apply(current.Fields, changes)
		current.Version++
		current.UpdatedAt = ts
		doc, err := store.EncodeJSON(current.Fields)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE canonical_items SET fields_json = ?, version = ?, updated_at = ?
             WHERE id = ? AND version = ?`,
			string(doc), current.Version, formatTime(ts), itemID, expectedVersion)
		if err != nil {
			return errors.Wrap(err, "update item")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.VersionConflict(itemID, expectedVersion)
		}

		change.Kind = core.ChangeUpdate
		change.Changes = changes
		if err := insertChange(ctx, tx, current, &change, ts); err != nil {
			return err
		}
		if change.EntryID != 0 {
			if err := markEntry(ctx, tx, change.EntryID, core.EntryProcessed, core.OutcomeUpdated, change.Reason); err != nil {
				return err
			}
		}
		item = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// ListItems streams items in natural key order.
func (s *Store) ListItems(ctx context.Context, fn func(core.CanonicalItem) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM canonical_items ORDER BY natural_key`)
	if err != nil {
		return core.MarkPersistence(err, "list items")
	}
	defer rows.Close()

	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return core.MarkPersistence(err, "scan item")
		}
		if err := fn(*item); err != nil {
			return err
		}
	}
	return core.MarkPersistence(rows.Err(), "list items")
}

// ListChanges returns change records oldest first.
func (s *Store) ListChanges(ctx context.Context, filter store.ChangeFilter) ([]core.ChangeLogRecord, error) {
	query := `SELECT ` + changeColumns + ` FROM change_log WHERE 1 = 1`
	var args []any
	if filter.NaturalKey != "" {
		query += ` AND natural_key = ?`
		args = append(args, filter.NaturalKey)
	}
	if filter.BatchID != uuid.Nil {
		query += ` AND batch_id = ?`
		args = append(args, filter.BatchID.String())
	}
	query += ` ORDER BY created_at, rowid`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.MarkPersistence(err, "list changes")
	}
	defer rows.Close()

	var out []core.ChangeLogRecord
	for rows.Next() {
		rec, err := scanChange(rows)
		if err != nil {
			return nil, core.MarkPersistence(err, "scan change")
		}
		out = append(out, *rec)
	}
	return out, core.MarkPersistence(rows.Err(), "list changes")
}

func insertChange(ctx context.Context, tx *sql.Tx, item *core.CanonicalItem, change *core.ChangeLogRecord, ts time.Time) error {
	if change.ID == uuid.Nil {
		change.ID = uuid.New()
	}
	change.ItemID = item.ID
	change.NaturalKey = item.NaturalKey
	change.CreatedAt = ts

	doc, err := store.EncodeJSON(change.Changes)
	if err != nil {
		return err
	}
	var batchID any
	if change.BatchID != uuid.Nil {
		batchID = change.BatchID.String()
	}
	var entryID any
	if change.EntryID != 0 {
		entryID = change.EntryID
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO change_log (`+changeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		change.ID.String(), change.ItemID, change.NaturalKey, batchID, entryID,
		change.Kind, string(doc), change.Reason, change.Actor, formatTime(ts))
	return errors.Wrap(err, "insert change log")
}

func scanItem(scanner interface{ Scan(dest ...any) error }) (*core.CanonicalItem, error) {
	var (
		item       core.CanonicalItem
		doc        string
		createdRaw string
		updatedRaw string
	)
	if err := scanner.Scan(&item.ID, &item.NaturalKey, &doc, &item.Version, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	fields, err := store.DecodeFields([]byte(doc))
	if err != nil {
		return nil, err
	}
	item.Fields = fields
	item.CreatedAt = parseTime(createdRaw)
	item.UpdatedAt = parseTime(updatedRaw)
	return &item, nil
}

func scanChange(scanner interface{ Scan(dest ...any) error }) (*core.ChangeLogRecord, error) {
	var (
		rec        core.ChangeLogRecord
		idRaw      string
		batchRaw   sql.NullString
		entryID    sql.NullInt64
		kind       string
		doc        string
		createdRaw string
	)
	if err := scanner.Scan(&idRaw, &rec.ItemID, &rec.NaturalKey, &batchRaw, &entryID, &kind, &doc, &rec.Reason, &rec.Actor, &createdRaw); err != nil {
		return nil, err
	}
	var err error
	if rec.ID, err = uuid.Parse(idRaw); err != nil {
		return nil, errors.Wrapf(err, "change id %q", idRaw)
	}
	if batchRaw.Valid {
		if rec.BatchID, err = uuid.Parse(batchRaw.String); err != nil {
			return nil, errors.Wrapf(err, "batch id %q", batchRaw.String)
		}
	}
	rec.EntryID = entryID.Int64
	rec.Kind = core.ChangeKind(kind)
	rec.CreatedAt = parseTime(createdRaw)
	if rec.Changes, err = store.DecodeChanges([]byte(doc)); err != nil {
		return nil, err
	}
	return &rec, nil
}
