package core

import (
	"sort"
)

// FieldType is the declared value type of a canonical field.
type FieldType string

const (
	TypeText    FieldType = "text"
	TypeEnum    FieldType = "enum"
	TypeDate    FieldType = "date"
	TypeInteger FieldType = "integer"
	TypeBool    FieldType = "bool"
)

// Canonical field names.
const (
	FieldNaturalKey     = "natural_key"
	FieldTitle          = "title"
	FieldDescription    = "description"
	FieldDepartment     = "department"
	FieldItemType       = "item_type"
	FieldRecordStatus   = "record_status"
	FieldQuantity       = "quantity"
	FieldAcquiredOn     = "acquired_on"
	FieldActive         = "active"
	FieldWorkflowState  = "workflow_state"
	FieldClassification = "classification"
	FieldOwner          = "owner"
	FieldNotes          = "notes"
)

// UnmappedDepartment is stored when department text matches no lookup form.
const UnmappedDepartment = "UNMAPPED"

// FieldSpec declares one canonical field.
type FieldSpec struct {
	Name  string
	Label string
	Type  FieldType

	// EnumValues lists the accepted spellings for TypeEnum, in display order.
	EnumValues []string

	// Unknown replaces enum input that matches none of EnumValues.
	Unknown string

	// Default fills the field when a row does not carry it. Nil means no default.
	Default any
}

var catalog = []FieldSpec{
	{Name: FieldNaturalKey, Label: "Item ID", Type: TypeText},
	{Name: FieldTitle, Label: "Title", Type: TypeText},
	{Name: FieldDescription, Label: "Description", Type: TypeText},
	{Name: FieldDepartment, Label: "Department", Type: TypeText},
	{
		Name:       FieldItemType,
		Label:      "Item Type",
		Type:       TypeEnum,
		EnumValues: enumStrings(itemTypes),
		Unknown:    string(ItemTypeUnknown),
	},
	{
		Name:       FieldRecordStatus,
		Label:      "Record Status",
		Type:       TypeEnum,
		EnumValues: enumStrings(recordStatuses),
		Unknown:    string(RecordStatusUnknown),
		Default:    string(RecordStatusUnknown),
	},
	{Name: FieldQuantity, Label: "Quantity", Type: TypeInteger},
	{Name: FieldAcquiredOn, Label: "Acquired On", Type: TypeDate},
	{Name: FieldActive, Label: "Active", Type: TypeBool},
	{
		Name:       FieldWorkflowState,
		Label:      "Workflow State",
		Type:       TypeEnum,
		EnumValues: enumStrings(workflowStates),
		Unknown:    string(WorkflowToDo),
		Default:    string(WorkflowToDo),
	},
	{
		Name:       FieldClassification,
		Label:      "Classification",
		Type:       TypeEnum,
		EnumValues: enumStrings(classifications),
		Unknown:    string(ClassificationUnclassified),
		Default:    string(ClassificationUnclassified),
	},
	{Name: FieldOwner, Label: "Owner", Type: TypeText},
	{Name: FieldNotes, Label: "Notes", Type: TypeText},
}

var catalogIndex = func() map[string]FieldSpec {
	m := make(map[string]FieldSpec, len(catalog))
	for _, f := range catalog {
		m[f.Name] = f
	}
	return m
}()

// Catalog returns every canonical field in declaration order.
func Catalog() []FieldSpec {
	out := make([]FieldSpec, len(catalog))
	copy(out, catalog)
	return out
}

// LookupField returns the definition of a canonical field name.
func LookupField(name string) (FieldSpec, bool) {
	f, ok := catalogIndex[name]
	return f, ok
}

// MergeableFields returns every field except the natural key, sorted.
func MergeableFields() []string {
	out := make([]string, 0, len(catalog)-1)
	for _, f := range catalog {
		if f.Name != FieldNaturalKey {
			out = append(out, f.Name)
		}
	}
	sort.Strings(out)
	return out
}

// Fields maps canonical field names to values. Values are nil, string,
// int64 or bool; dates are ISO 8601 strings.
type Fields map[string]any

// Clone returns a shallow copy. Values are immutable scalars so this is a
// full copy in practice.
func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Keys returns the field names in sorted order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
