package standardize

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JonMunkholm/stagemerge/internal/core"
)

// Department is one organizational unit in the lookup table.
type Department struct {
	Abbr string `toml:"abbr" json:"abbr"`
	Name string `toml:"name" json:"name"`
}

// DepartmentTable resolves free-text department names to abbreviations.
// It is immutable after construction and safe for concurrent use.
type DepartmentTable struct {
	byKey map[string]string
}

// NewDepartmentTable indexes each department under its full name, its
// abbreviation and the combined "ABBR: Name" form. Two departments claiming
// the same lookup key is an error.
func NewDepartmentTable(depts []Department) (*DepartmentTable, error) {
	t := &DepartmentTable{byKey: make(map[string]string, len(depts)*3)}
	for i, d := range depts {
		abbr := strings.TrimSpace(d.Abbr)
		name := strings.TrimSpace(d.Name)
		if abbr == "" {
			return nil, fmt.Errorf("department %d: abbreviation is required", i+1)
		}
		keys := []string{abbr}
		if name != "" {
			keys = append(keys, name, abbr+": "+name)
		}
		for _, k := range keys {
			if err := t.add(k, abbr); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}

// NewDepartmentTableFromMap builds a table from explicit lookup text to
// abbreviation pairs, without deriving the other forms.
func NewDepartmentTableFromMap(m map[string]string) (*DepartmentTable, error) {
	return (*DepartmentTable)(nil).Extend(m)
}

// Extend returns a copy of t with additional lookup text to abbreviation
// pairs. Conflicts with existing keys are errors.
func (t *DepartmentTable) Extend(extra map[string]string) (*DepartmentTable, error) {
	out := &DepartmentTable{byKey: make(map[string]string, t.Len()+len(extra))}
	if t != nil {
		for k, v := range t.byKey {
			out.byKey[k] = v
		}
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := out.add(k, strings.TrimSpace(extra[k])); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (t *DepartmentTable) add(text, abbr string) error {
	key := core.FoldKey(text)
	if key == "" {
		return nil
	}
	if prev, ok := t.byKey[key]; ok && prev != abbr {
		return fmt.Errorf("department lookup %q maps to both %s and %s", text, prev, abbr)
	}
	t.byKey[key] = abbr
	return nil
}

// Resolve maps department text to its abbreviation. The whole text is tried
// first; "ABBR: Name" input then falls back to the abbreviation half and
// finally the name half. Unmatched text yields core.UnmappedDepartment.
func (t *DepartmentTable) Resolve(text string) (string, bool) {
	if t == nil {
		return core.UnmappedDepartment, false
	}
	if abbr, ok := t.byKey[core.FoldKey(text)]; ok {
		return abbr, true
	}
	if abbrPart, namePart, found := strings.Cut(text, ":"); found {
		if abbr, ok := t.byKey[core.FoldKey(abbrPart)]; ok {
			return abbr, true
		}
		if abbr, ok := t.byKey[core.FoldKey(namePart)]; ok {
			return abbr, true
		}
	}
	return core.UnmappedDepartment, false
}

// Len returns the number of lookup keys.
func (t *DepartmentTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.byKey)
}
