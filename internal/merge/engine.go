package merge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JonMunkholm/stagemerge/internal/core"
	"github.com/JonMunkholm/stagemerge/internal/standardize"
)

// Engine applies the ownership table and merge rules to standardized rows.
// It is immutable and safe for concurrent use.
type Engine struct {
	ownership Ownership
	owners    map[string]core.SourceType
}

// NewEngine validates the ownership table and builds an engine.
func NewEngine(o Ownership) (*Engine, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		ownership: make(Ownership, len(o)),
		owners:    map[string]core.SourceType{},
	}
	for src, policy := range o {
		fields := make(map[string]Rule, len(policy.Fields))
		for f, r := range policy.Fields {
			r.Preferences = append([]string(nil), r.Preferences...)
			fields[f] = r
			e.owners[f] = src
		}
		policy.Fields = fields
		e.ownership[src] = policy
	}
	return e, nil
}

// Policy returns the policy for src.
func (e *Engine) Policy(src core.SourceType) (SourcePolicy, bool) {
	p, ok := e.ownership[src]
	return p, ok
}

// CanCreate reports whether src may create canonical items.
func (e *Engine) CanCreate(src core.SourceType) bool {
	return e.ownership[src].CanCreate
}

// Owner returns the source that owns field.
func (e *Engine) Owner(field string) (core.SourceType, bool) {
	src, ok := e.owners[field]
	return src, ok
}

// Decision is the aggregate outcome of merging one row into one item.
type Decision struct {
	Source core.SourceType

	// Changes holds exactly the owned fields whose value would change.
	Changes map[string]core.FieldChange

	// Evaluated lists owned fields the row carried, sorted.
	Evaluated []string

	// Ignored lists fields the row carried but the source does not own, sorted.
	Ignored []string

	// Threshold is the minimum number of changes needed to apply.
	Threshold int

	// Apply is true when len(Changes) meets Threshold.
	Apply bool
}

// ChangedFields returns the changed field names, sorted.
func (d Decision) ChangedFields() []string {
	out := make([]string, 0, len(d.Changes))
	for f := range d.Changes {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Reason renders the decision for the change log.
func (d Decision) Reason() string {
	return fmt.Sprintf("%s feed merge: %d of %d owned field(s) changed (%s); threshold %d",
		d.Source, len(d.Changes), len(d.Evaluated), strings.Join(d.ChangedFields(), ", "), d.Threshold)
}

// Evaluate merges a standardized row into an existing item's fields.
// Only fields owned by src and explicitly carried by the row are considered.
func (e *Engine) Evaluate(src core.SourceType, existing core.Fields, in standardize.Result) Decision {
	policy := e.ownership[src]
	d := Decision{
		Source:    src,
		Changes:   map[string]core.FieldChange{},
		Threshold: policy.Threshold(),
	}

	for _, field := range in.Fields.Keys() {
		if !in.Explicit(field) {
			continue
		}
		rule, owned := policy.Fields[field]
		if !owned {
			d.Ignored = append(d.Ignored, field)
			continue
		}
		d.Evaluated = append(d.Evaluated, field)

		oldValue := existing[field]
		winner, changed := Decide(oldValue, in.Fields[field], rule)
		if changed {
			d.Changes[field] = core.FieldChange{Old: oldValue, New: winner}
		}
	}

	d.Apply = len(d.Changes) > 0 && len(d.Changes) >= d.Threshold
	return d
}

// Seed returns the initial fields of a new item: every field the row carried
// plus filled defaults, regardless of ownership. Null fields are stored but
// left out of the changes.
func (e *Engine) Seed(in standardize.Result) (core.Fields, map[string]core.FieldChange) {
	fields := in.Fields.Clone()
	changes := make(map[string]core.FieldChange, len(fields))
	for f, v := range fields {
		if v == nil {
			continue
		}
		changes[f] = core.FieldChange{Old: nil, New: v}
	}
	return fields, changes
}

// CreateReason renders the change log reason for a newly seeded item.
func CreateReason(src core.SourceType, fields int) string {
	return fmt.Sprintf("%s feed created item with %d seeded field(s)", src, fields)
}

// Apply returns a copy of existing with the decision's changes written in.
func Apply(existing core.Fields, changes map[string]core.FieldChange) core.Fields {
	out := existing.Clone()
	for f, c := range changes {
		out[f] = c.New
	}
	return out
}
