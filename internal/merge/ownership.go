package merge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/JonMunkholm/stagemerge/internal/core"
)

// ErrInvalidRules is returned when an ownership table fails validation.
var ErrInvalidRules = errors.New("invalid merge rules")

// DefaultMinChangedFields is the threshold used when a policy leaves it unset.
const DefaultMinChangedFields = 1

// SourcePolicy is everything one source type is allowed to do.
type SourcePolicy struct {
	// CanCreate permits creating items for unknown natural keys.
	CanCreate bool

	// MinChangedFields is how many owned fields must change before an update
	// is applied. Zero means DefaultMinChangedFields.
	MinChangedFields int

	// Fields maps each owned field to its merge rule.
	Fields map[string]Rule
}

// Threshold returns the effective minimum-changed-fields value.
func (p SourcePolicy) Threshold() int {
	if p.MinChangedFields == 0 {
		return DefaultMinChangedFields
	}
	return p.MinChangedFields
}

// OwnedFields returns the owned field names, sorted.
func (p SourcePolicy) OwnedFields() []string {
	out := make([]string, 0, len(p.Fields))
	for f := range p.Fields {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Ownership is the field ownership table: one policy per source type.
type Ownership map[core.SourceType]SourcePolicy

// Validate checks the table and reports every problem at once. A field owned
// by more than one source is always an error.
func (o Ownership) Validate() error {
	var problems []string
	owners := map[string][]string{}

	sources := make([]string, 0, len(o))
	for src := range o {
		sources = append(sources, string(src))
	}
	sort.Strings(sources)

	for _, name := range sources {
		src := core.SourceType(name)
		policy := o[src]
		if !src.Valid() {
			problems = append(problems, fmt.Sprintf("unknown source %q", src))
			continue
		}
		if policy.MinChangedFields < 0 {
			problems = append(problems, fmt.Sprintf("%s: min_changed_fields must not be negative", src))
		}
		for _, field := range policy.OwnedFields() {
			rule := policy.Fields[field]
			owners[field] = append(owners[field], name)

			if field == core.FieldNaturalKey {
				problems = append(problems, fmt.Sprintf("%s: the natural key cannot be owned", src))
				continue
			}
			spec, ok := core.LookupField(field)
			if !ok {
				problems = append(problems, fmt.Sprintf("%s: unknown field %q", src, field))
				continue
			}
			if _, ok := strategies[rule.Strategy]; !ok {
				problems = append(problems, fmt.Sprintf("%s.%s: unknown strategy %q", src, field, rule.Strategy))
				continue
			}
			if rule.Strategy == PriorityList {
				problems = append(problems, validatePreferences(string(src), spec, rule.Preferences)...)
			}
		}
	}

	fields := make([]string, 0, len(owners))
	for f := range owners {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		if len(owners[f]) > 1 {
			problems = append(problems, fmt.Sprintf("field %q is owned by more than one source: %s",
				f, strings.Join(owners[f], ", ")))
		}
	}

	if len(problems) > 0 {
		return errors.Mark(
			errors.Newf("invalid merge rules:\n  - %s", strings.Join(problems, "\n  - ")),
			ErrInvalidRules,
		)
	}
	return nil
}

func validatePreferences(src string, spec core.FieldSpec, prefs []string) []string {
	if len(prefs) == 0 {
		return []string{fmt.Sprintf("%s.%s: priority_list needs at least one preference", src, spec.Name)}
	}
	var problems []string
	seen := map[string]bool{}
	for _, p := range prefs {
		key := core.FoldKey(p)
		if seen[key] {
			problems = append(problems, fmt.Sprintf("%s.%s: preference %q listed twice", src, spec.Name, p))
		}
		seen[key] = true
		if spec.Type == core.TypeEnum {
			if _, ok := core.MatchEnum(spec, p); !ok {
				problems = append(problems, fmt.Sprintf("%s.%s: preference %q is not a valid value", src, spec.Name, p))
			}
		}
	}
	return problems
}

// DefaultOwnership is the built-in table. The automated feed owns the
// inventory facts and may create items; the manual feed owns review fields.
func DefaultOwnership() Ownership {
	return Ownership{
		core.SourceAutomated: {
			CanCreate:        true,
			MinChangedFields: DefaultMinChangedFields,
			Fields: map[string]Rule{
				core.FieldTitle:       {Strategy: NewerByIngestionOrder},
				core.FieldDescription: {Strategy: LongerString},
				core.FieldDepartment:  {Strategy: NewerByIngestionOrder},
				core.FieldItemType:    {Strategy: NewerByIngestionOrder},
				core.FieldRecordStatus: {
					Strategy:    PriorityList,
					Preferences: []string{"Retired", "Active", "Planned", "Unknown"},
				},
				core.FieldQuantity:   {Strategy: AlwaysNew},
				core.FieldAcquiredOn: {Strategy: NewerByIngestionOrder},
				core.FieldActive:     {Strategy: AlwaysNew},
				core.FieldOwner:      {Strategy: NewerByIngestionOrder},
			},
		},
		core.SourceManual: {
			CanCreate:        false,
			MinChangedFields: DefaultMinChangedFields,
			Fields: map[string]Rule{
				core.FieldWorkflowState:  {Strategy: ManualOnly},
				core.FieldClassification: {Strategy: ManualOnly},
				core.FieldNotes:          {Strategy: ManualOnly},
			},
		},
	}
}
