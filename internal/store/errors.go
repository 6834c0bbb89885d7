package store

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound is returned when a batch, item or failure does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict means the item changed after it was read.
	ErrVersionConflict = errors.New("version conflict")

	// ErrItemExists means another writer created the natural key first.
	ErrItemExists = errors.New("item already exists")

	// ErrEntryNotPending means the entry already reached a terminal status.
	ErrEntryNotPending = errors.New("staging entry is not pending")

	// ErrSchemaMismatch indicates the database schema version differs from
	// the one this build expects.
	ErrSchemaMismatch = errors.New("schema version mismatch")
)

// NotFound returns an ErrNotFound naming the missing record, for example
// "batch not found: 3f2a...".
func NotFound(kind string, id any) error {
	return errors.Mark(errors.Newf("%s not found: %s", kind, fmt.Sprint(id)), ErrNotFound)
}

// VersionConflict returns an ErrVersionConflict for an item.
func VersionConflict(itemID, expected int64) error {
	return errors.Wrapf(ErrVersionConflict, "item %d expected version %d", itemID, expected)
}

// ItemExists returns an ErrItemExists for a natural key.
func ItemExists(naturalKey string) error {
	return errors.Wrapf(ErrItemExists, "duplicate natural key %q", naturalKey)
}

// EntryNotPending returns an ErrEntryNotPending for an entry.
func EntryNotPending(entryID int64) error {
	return errors.Wrapf(ErrEntryNotPending, "entry %d", entryID)
}
