// Package standardize turns a raw feed row into canonical fields.
//
// Standardization never fails. Bad values degrade to null or to the field's
// unknown default and are reported as warnings so the row can still be merged.
package standardize

import (
	"fmt"
	"sort"

	"github.com/JonMunkholm/stagemerge/internal/core"
)

// Warning describes a value that could not be used as given.
type Warning struct {
	Field   string `json:"field"`
	Column  string `json:"column,omitempty"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s (%q)", w.Field, w.Message, w.Value)
}

// Result is a standardized row.
type Result struct {
	// NaturalKey is the cleaned item identifier; empty when absent.
	NaturalKey string

	// Fields holds every canonical field the row carried plus filled defaults.
	// The natural key is not included.
	Fields core.Fields

	// Provided marks fields whose column was present in the row.
	Provided map[string]bool

	// Defaulted marks fields whose value came from a declared default.
	Defaulted map[string]bool

	// Dropped lists raw columns that matched no canonical field.
	Dropped []string

	Warnings []Warning
}

// Explicit reports whether the row itself carried an opinion about field.
// Filled defaults are not opinions.
func (r Result) Explicit(field string) bool {
	return r.Provided[field] && !r.Defaulted[field]
}

// Standardizer holds the immutable lookup tables used during normalization.
type Standardizer struct {
	aliases     map[core.SourceType]map[string]string
	departments *DepartmentTable
}

// New builds a Standardizer. Sources without an alias table accept only
// canonical field names and labels as headers.
func New(aliases map[core.SourceType]Aliases, departments *DepartmentTable) (*Standardizer, error) {
	s := &Standardizer{
		aliases:     make(map[core.SourceType]map[string]string, len(core.SourceTypes())),
		departments: departments,
	}
	for _, src := range core.SourceTypes() {
		compiled, err := compileAliases(aliases[src])
		if err != nil {
			return nil, fmt.Errorf("%s aliases: %w", src, err)
		}
		s.aliases[src] = compiled
	}
	for src := range aliases {
		if !src.Valid() {
			return nil, fmt.Errorf("aliases given for unknown source %q", src)
		}
	}
	return s, nil
}

// Departments returns the department lookup in use.
func (s *Standardizer) Departments() *DepartmentTable {
	return s.departments
}

// Standardize normalizes raw for the given source.
func (s *Standardizer) Standardize(raw map[string]string, src core.SourceType) Result {
	res := Result{
		Fields:    core.Fields{},
		Provided:  map[string]bool{},
		Defaulted: map[string]bool{},
	}

	aliases := s.aliases[src]
	seen := make(map[string]bool, len(raw))
	for _, column := range sortedColumns(raw) {
		field, ok := aliases[core.FoldKey(column)]
		if !ok {
			res.Dropped = append(res.Dropped, column)
			continue
		}
		if seen[field] {
			// Two columns alias the same field; the first in sorted order wins.
			res.Warnings = append(res.Warnings, Warning{
				Field: field, Column: column, Value: raw[column],
				Message: "duplicate column ignored",
			})
			continue
		}
		seen[field] = true

		cell := core.CleanCell(raw[column])
		if field == core.FieldNaturalKey {
			res.NaturalKey = core.CleanNaturalKey(cell)
			continue
		}
		res.Provided[field] = true
		res.Fields[field] = s.convert(field, column, cell, &res)
	}

	fillDefaults(&res)
	return res
}

// NaturalKey extracts only the cleaned natural key from raw.
func (s *Standardizer) NaturalKey(raw map[string]string, src core.SourceType) string {
	aliases := s.aliases[src]
	for _, column := range sortedColumns(raw) {
		if aliases[core.FoldKey(column)] == core.FieldNaturalKey {
			return core.CleanNaturalKey(raw[column])
		}
	}
	return ""
}

func (s *Standardizer) convert(field, column, cell string, res *Result) any {
	if cell == "" {
		return nil
	}
	spec, _ := core.LookupField(field)

	warn := func(msg string) {
		res.Warnings = append(res.Warnings, Warning{Field: field, Column: column, Value: cell, Message: msg})
	}

	if field == core.FieldDepartment {
		abbr, ok := s.departments.Resolve(cell)
		if !ok {
			warn("unmapped department")
		}
		return abbr
	}

	switch spec.Type {
	case core.TypeEnum:
		v, ok := core.MatchEnum(spec, cell)
		if !ok {
			warn(fmt.Sprintf("unknown value, using %q", spec.Unknown))
		}
		return v
	case core.TypeInteger:
		if v, ok := core.CastInt(cell); ok {
			return v
		}
		warn("not an integer")
		return nil
	case core.TypeDate:
		if v, ok := core.CastDate(cell); ok {
			return v
		}
		warn("not a date")
		return nil
	case core.TypeBool:
		if v, ok := core.CastBool(cell); ok {
			return v
		}
		warn("not a boolean")
		return nil
	default:
		return cell
	}
}

// fillDefaults sets declared defaults on fields that are absent or null.
func fillDefaults(res *Result) {
	for _, spec := range core.Catalog() {
		if spec.Default == nil {
			continue
		}
		if v, ok := res.Fields[spec.Name]; ok && v != nil {
			continue
		}
		res.Fields[spec.Name] = spec.Default
		res.Defaulted[spec.Name] = true
	}
}

func sortedColumns(raw map[string]string) []string {
	cols := make([]string, 0, len(raw))
	for c := range raw {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}
