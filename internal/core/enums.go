package core

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// ItemType classifies what kind of thing an item is.
type ItemType string

const (
	ItemTypeEquipment ItemType = "Equipment"
	ItemTypeSoftware  ItemType = "Software"
	ItemTypeService   ItemType = "Service"
	ItemTypeFacility  ItemType = "Facility"
	ItemTypeUnknown   ItemType = "Unknown"
)

var itemTypes = []ItemType{
	ItemTypeEquipment, ItemTypeSoftware, ItemTypeService, ItemTypeFacility, ItemTypeUnknown,
}

// RecordStatus is the lifecycle of the item in the system feed.
type RecordStatus string

const (
	RecordStatusRetired RecordStatus = "Retired"
	RecordStatusActive  RecordStatus = "Active"
	RecordStatusPlanned RecordStatus = "Planned"
	RecordStatusUnknown RecordStatus = "Unknown"
)

var recordStatuses = []RecordStatus{
	RecordStatusRetired, RecordStatusActive, RecordStatusPlanned, RecordStatusUnknown,
}

// WorkflowState tracks human review of an item.
type WorkflowState string

const (
	WorkflowToDo       WorkflowState = "To Do"
	WorkflowInProgress WorkflowState = "In Progress"
	WorkflowBlocked    WorkflowState = "Blocked"
	WorkflowDone       WorkflowState = "Done"
)

var workflowStates = []WorkflowState{
	WorkflowToDo, WorkflowInProgress, WorkflowBlocked, WorkflowDone,
}

// Classification is the sensitivity label assigned by reviewers.
// The order is most to least restrictive.
type Classification string

const (
	ClassificationRestricted   Classification = "Restricted"
	ClassificationConfidential Classification = "Confidential"
	ClassificationInternal     Classification = "Internal"
	ClassificationPublic       Classification = "Public"
	ClassificationUnclassified Classification = "Unclassified"
)

var classifications = []Classification{
	ClassificationRestricted, ClassificationConfidential, ClassificationInternal,
	ClassificationPublic, ClassificationUnclassified,
}

// ParseItemType matches s against the known item types.
// Unmatched input yields ItemTypeUnknown and false.
func ParseItemType(s string) (ItemType, bool) {
	if v, ok := parseEnum(s, itemTypes); ok {
		return v, true
	}
	return ItemTypeUnknown, false
}

// ParseRecordStatus matches s against the known record statuses.
func ParseRecordStatus(s string) (RecordStatus, bool) {
	if v, ok := parseEnum(s, recordStatuses); ok {
		return v, true
	}
	return RecordStatusUnknown, false
}

// ParseWorkflowState matches s against the known workflow states.
// Unmatched input yields the initial To Do state.
func ParseWorkflowState(s string) (WorkflowState, bool) {
	if v, ok := parseEnum(s, workflowStates); ok {
		return v, true
	}
	return WorkflowToDo, false
}

// ParseClassification matches s against the known classifications.
func ParseClassification(s string) (Classification, bool) {
	if v, ok := parseEnum(s, classifications); ok {
		return v, true
	}
	return ClassificationUnclassified, false
}

// MatchEnum matches raw input against a field's declared values and returns
// the canonical spelling. Unmatched input yields the field's Unknown value.
func MatchEnum(spec FieldSpec, raw string) (string, bool) {
	key := FoldKey(raw)
	if key != "" {
		for _, v := range spec.EnumValues {
			if FoldKey(v) == key {
				return v, true
			}
		}
	}
	return spec.Unknown, false
}

func parseEnum[T ~string](s string, values []T) (T, bool) {
	key := FoldKey(s)
	if key == "" {
		var zero T
		return zero, false
	}
	for _, v := range values {
		if FoldKey(string(v)) == key {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func enumStrings[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

// FoldKey normalizes free text for case-insensitive lookups: NFKC, Unicode
// case folding, underscores and hyphens read as spaces, whitespace collapsed.
func FoldKey(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
