package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/stagemerge/internal/core"
	"github.com/JonMunkholm/stagemerge/internal/merge"
	"github.com/JonMunkholm/stagemerge/internal/store"
)

const itemColumns = "id, natural_key, fields, version, created_at, updated_at"

const changeColumns = "id, item_id, natural_key, batch_id, entry_id, kind, changes, reason, actor, created_at"

// GetItem looks up a canonical item by natural key.
func (s *Store) GetItem(ctx context.Context, naturalKey string) (*core.CanonicalItem, error) {
	item, err := scanItem(s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM canonical_items WHERE natural_key = $1`, naturalKey))
	if errors.Is(err, pgx.ErrNoRows) {
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

	err = s.withTx(ctx, "create item", func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO canonical_items (natural_key, fields, version, created_at, updated_at)
             VALUES ($1, $2, $3, $4, $4) RETURNING id`,
			naturalKey, string(doc), item.Version, ts,
		).Scan(&item.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return store.ItemExists(naturalKey)
			}
			return errors.Wrap(err, "insert item")
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

// UpdateItem applies changes under an optimistic version check. The row is
// locked for the duration of the transaction.
func (s *Store) UpdateItem(ctx context.Context, itemID, expectedVersion int64, changes map[string]core.FieldChange, change core.ChangeLogRecord) (*core.CanonicalItem, error) {
	var item *core.CanonicalItem
	err := s.withTx(ctx, "update item", func(tx pgx.Tx) error {
		current, err := scanItem(tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM canonical_items WHERE id = $1 FOR UPDATE`, itemID))
		if errors.Is(err, pgx.ErrNoRows) {
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

		tag, err := tx.Exec(ctx,
			`UPDATE canonical_items SET fields = $1, version = $2, updated_at = $3 WHERE id = $4 AND version = $5`,
			string(doc), current.Version, ts, itemID, expectedVersion)
		if err != nil {
			return errors.Wrap(err, "update item")
		}
		if tag.RowsAffected() == 0 {
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
	rows, err := s.pool.Query(ctx, `SELECT `+itemColumns+` FROM canonical_items ORDER BY natural_key`)
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
	query := `SELECT ` + changeColumns + ` FROM change_log WHERE TRUE`
	var args []any
	if filter.NaturalKey != "" {
		args = append(args, filter.NaturalKey)
		query += fmt.Sprintf(` AND natural_key = $%d`, len(args))
	}
	if filter.BatchID != uuid.Nil {
		args = append(args, filter.BatchID)
		query += fmt.Sprintf(` AND batch_id = $%d`, len(args))
	}
	query += ` ORDER BY seq`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
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

func insertChange(ctx context.Context, q DBTX, item *core.CanonicalItem, change *core.ChangeLogRecord, ts time.Time) error {
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
	var batchID *uuid.UUID
	if change.BatchID != uuid.Nil {
		batchID = &change.BatchID
	}
	var entryID *int64
	if change.EntryID != 0 {
		entryID = &change.EntryID
	}
	_, err = q.Exec(ctx,
		`INSERT INTO change_log (`+changeColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		change.ID, change.ItemID, change.NaturalKey, batchID, entryID,
		string(change.Kind), string(doc), change.Reason, change.Actor, ts)
	return errors.Wrap(err, "insert change log")
}

func scanItem(row pgx.Row) (*core.CanonicalItem, error) {
	var (
		item core.CanonicalItem
		doc  []byte
	)
	if err := row.Scan(&item.ID, &item.NaturalKey, &doc, &item.Version, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, err
	}
	fields, err := store.DecodeFields(doc)
	if err != nil {
		return nil, err
	}
	item.Fields = fields
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return &item, nil
}

func scanChange(row pgx.Row) (*core.ChangeLogRecord, error) {
	var (
		rec     core.ChangeLogRecord
		batchID *uuid.UUID
		entryID *int64
		kind    string
		doc     []byte
	)
	if err := row.Scan(&rec.ID, &rec.ItemID, &rec.NaturalKey, &batchID, &entryID, &kind, &doc, &rec.Reason, &rec.Actor, &rec.CreatedAt); err != nil {
		return nil, err
	}
	if batchID != nil {
		rec.BatchID = *batchID
	}
	if entryID != nil {
		rec.EntryID = *entryID
	}
	rec.Kind = core.ChangeKind(kind)
	rec.CreatedAt = rec.CreatedAt.UTC()

	var err error
	if rec.Changes, err = store.DecodeChanges(doc); err != nil {
		return nil, err
	}
	return &rec, nil
}
