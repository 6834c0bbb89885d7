package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SourceType identifies which feed produced an ingested row.
type SourceType string

const (
	// SourceAutomated is the system-generated feed. It may create items.
	SourceAutomated SourceType = "automated"
	// SourceManual is the human-edited feed. It only edits existing items.
	SourceManual SourceType = "manual"
)

// SourceTypes lists every known source in a stable order.
func SourceTypes() []SourceType {
	return []SourceType{SourceAutomated, SourceManual}
}

// Valid reports whether s is a known source type.
func (s SourceType) Valid() bool {
	return s == SourceAutomated || s == SourceManual
}

// ParseSourceType accepts the wire names and a few common aliases.
func ParseSourceType(s string) (SourceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "automated", "auto", "system":
		return SourceAutomated, nil
	case "manual", "human", "edited":
		return SourceManual, nil
	default:
		return "", fmt.Errorf("%w: unknown source type %q", ErrInvalidInput, s)
	}
}

// BatchStatus is the lifecycle of an ingestion batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "PENDING"
	BatchProcessing BatchStatus = "PROCESSING"
	BatchComplete   BatchStatus = "COMPLETE"
	BatchError      BatchStatus = "ERROR"
)

// EntryStatus is the lifecycle of a staging entry.
// PROCESSED, SKIPPED and ERROR are terminal.
type EntryStatus string

const (
	EntryPending   EntryStatus = "PENDING"
	EntryProcessed EntryStatus = "PROCESSED"
	EntrySkipped   EntryStatus = "SKIPPED"
	EntryError     EntryStatus = "ERROR"
)

// Terminal reports whether no further transition is allowed.
func (s EntryStatus) Terminal() bool {
	return s == EntryProcessed || s == EntrySkipped || s == EntryError
}

// EntryOutcome records what a PROCESSED entry did to the canonical store.
type EntryOutcome string

const (
	OutcomeNone      EntryOutcome = ""
	OutcomeCreated   EntryOutcome = "created"
	OutcomeUpdated   EntryOutcome = "updated"
	OutcomeUnchanged EntryOutcome = "unchanged"
)

// Skip reasons recorded on SKIPPED entries.
const (
	ReasonMissingKey = "missing natural key"
	ReasonNoMatch    = "no matching canonical item"
)

// BatchCounts aggregates entry outcomes for a batch.
type BatchCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Errored   int `json:"errored"`
}

// IngestionBatch groups the staging entries of one submitted input.
type IngestionBatch struct {
	ID          uuid.UUID      `json:"id"`
	Source      SourceType     `json:"source"`
	Origin      string         `json:"origin"`
	Status      BatchStatus    `json:"status"`
	Counts      BatchCounts    `json:"counts"`
	Summary     map[string]any `json:"summary,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// StagingEntry is one raw ingested row. Raw is stored exactly as received.
type StagingEntry struct {
	ID          int64             `json:"id"`
	BatchID     uuid.UUID         `json:"batch_id"`
	RowNumber   int               `json:"row_number"`
	NaturalKey  string            `json:"natural_key,omitempty"`
	Raw         map[string]string `json:"raw"`
	Status      EntryStatus       `json:"status"`
	Outcome     EntryOutcome      `json:"outcome,omitempty"`
	Message     string            `json:"message,omitempty"`
	ProcessedAt *time.Time        `json:"processed_at,omitempty"`
}

// CanonicalItem is the reconciled record for one natural key.
// Version increases by one on every update.
type CanonicalItem struct {
	ID         int64     `json:"id"`
	NaturalKey string    `json:"natural_key"`
	Fields     Fields    `json:"fields"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ChangeKind distinguishes item creation from later merges.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "CREATE"
	ChangeUpdate ChangeKind = "UPDATE"
)

// FieldChange is the before and after value of one field.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// ChangeLogRecord is an immutable audit record of one applied entry.
type ChangeLogRecord struct {
	ID         uuid.UUID              `json:"id"`
	ItemID     int64                  `json:"item_id"`
	NaturalKey string                 `json:"natural_key"`
	BatchID    uuid.UUID              `json:"batch_id"`
	EntryID    int64                  `json:"entry_id"`
	Kind       ChangeKind             `json:"kind"`
	Changes    map[string]FieldChange `json:"changes"`
	Reason     string                 `json:"reason"`
	Actor      string                 `json:"actor"`
	CreatedAt  time.Time              `json:"created_at"`
}

// FailureClass categorizes why an entry could not be processed.
type FailureClass string

const (
	FailurePersistence FailureClass = "persistence"
	FailureConflict    FailureClass = "conflict"
	FailureValidation  FailureClass = "validation"
	FailureSystem      FailureClass = "system"
)

// ProcessingFailure captures an entry that ended in ERROR.
// Only the resolution fields change after creation.
type ProcessingFailure struct {
	ID             uuid.UUID         `json:"id"`
	BatchID        uuid.UUID         `json:"batch_id"`
	EntryID        int64             `json:"entry_id"`
	RowNumber      int               `json:"row_number"`
	NaturalKey     string            `json:"natural_key,omitempty"`
	RawSnapshot    map[string]string `json:"raw_snapshot"`
	Class          FailureClass      `json:"class"`
	Message        string            `json:"message"`
	Detail         string            `json:"detail,omitempty"`
	Resolved       bool              `json:"resolved"`
	ResolutionNote string            `json:"resolution_note,omitempty"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}
