// Package rules loads the pipeline's static configuration: the field
// ownership table with per-field merge strategies, header aliases and the
// department lookup. Tables are read once at startup and handed to the
// standardizer and merge engine as immutable values.
package rules

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"

	"github.com/JonMunkholm/stagemerge/internal/core"
	"github.com/JonMunkholm/stagemerge/internal/merge"
	"github.com/JonMunkholm/stagemerge/internal/standardize"
)

//go:embed default_rules.toml
var defaultRules []byte

// DefaultRulesTOML returns the built-in rules file.
func DefaultRulesTOML() []byte {
	return append([]byte(nil), defaultRules...)
}

// File mirrors the TOML rules file.
type File struct {
	Sources          map[string]SourceRules       `toml:"sources"`
	Aliases          map[string]map[string]string `toml:"aliases"`
	Departments      []standardize.Department     `toml:"departments"`
	DepartmentLookup map[string]string            `toml:"department_lookup"`
}

// SourceRules is one [sources.<name>] table.
type SourceRules struct {
	CanCreate        bool                 `toml:"can_create"`
	MinChangedFields *int                 `toml:"min_changed_fields"`
	Fields           map[string]FieldRule `toml:"fields"`
}

// Threshold returns min_changed_fields, or the default when it is omitted.
func (sr SourceRules) Threshold() int {
	if sr.MinChangedFields == nil {
		return merge.DefaultMinChangedFields
	}
	return *sr.MinChangedFields
}

// FieldRule is one field entry under [sources.<name>.fields].
type FieldRule struct {
	Strategy    string   `toml:"strategy"`
	Preferences []string `toml:"preferences,omitempty"`
}

// Load reads a rules file; an empty path loads the built-in rules.
func Load(path string) (*File, error) {
	if path == "" {
		return Parse(bytes.NewReader(defaultRules))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open merge rules")
	}
	defer f.Close()

	rf, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return rf, nil
}

// Parse decodes a rules file. Unknown keys are rejected so typos surface
// instead of silently disabling a rule.
func Parse(r io.Reader) (*File, error) {
	var rf File
	dec := toml.NewDecoder(r).DisallowUnknownFields()
	if err := dec.Decode(&rf); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, errors.Mark(errors.Newf("merge rules: unknown keys:\n%s", strict.String()), merge.ErrInvalidRules)
		}
		var decErr *toml.DecodeError
		if errors.As(err, &decErr) {
			row, col := decErr.Position()
			return nil, errors.Mark(errors.Newf("merge rules: line %d column %d: %s", row, col, decErr.Error()), merge.ErrInvalidRules)
		}
		return nil, errors.Mark(errors.Wrap(err, "merge rules"), merge.ErrInvalidRules)
	}
	return &rf, nil
}

// Ownership converts the [sources] tables into a merge ownership table.
func (f *File) Ownership() (merge.Ownership, error) {
	o := make(merge.Ownership, len(f.Sources))
	var problems []string

	for _, name := range sortedKeys(f.Sources) {
		src, err := core.ParseSourceType(name)
		if err != nil {
			problems = append(problems, fmt.Sprintf("sources.%s: unknown source", name))
			continue
		}
		sr := f.Sources[name]
		if sr.Threshold() < 1 {
			problems = append(problems, fmt.Sprintf("sources.%s: min_changed_fields must be at least 1, got %d", name, sr.Threshold()))
		}
		policy := merge.SourcePolicy{
			CanCreate:        sr.CanCreate,
			MinChangedFields: sr.Threshold(),
			Fields:           make(map[string]merge.Rule, len(sr.Fields)),
		}
		for _, field := range sortedKeys(sr.Fields) {
			fr := sr.Fields[field]
			strategy, err := merge.ParseStrategy(fr.Strategy)
			if err != nil {
				problems = append(problems, fmt.Sprintf("sources.%s.fields.%s: %v", name, field, err))
				continue
			}
			policy.Fields[field] = merge.Rule{Strategy: strategy, Preferences: fr.Preferences}
		}
		o[src] = policy
	}

	if len(problems) > 0 {
		return nil, errors.Mark(
			errors.Newf("invalid merge rules:\n  - %s", strings.Join(problems, "\n  - ")),
			merge.ErrInvalidRules,
		)
	}
	return o, nil
}

// Engine validates the ownership table and builds the merge engine.
func (f *File) Engine() (*merge.Engine, error) {
	o, err := f.Ownership()
	if err != nil {
		return nil, err
	}
	return merge.NewEngine(o)
}

// Standardizer builds a standardizer from the built-in aliases extended with
// the file's [aliases] tables and the department lookup.
func (f *File) Standardizer() (*standardize.Standardizer, error) {
	aliases := standardize.DefaultAliases()
	for _, name := range sortedKeys(f.Aliases) {
		src, err := core.ParseSourceType(name)
		if err != nil {
			return nil, errors.Mark(errors.Newf("merge rules: aliases.%s: unknown source", name), merge.ErrInvalidRules)
		}
		for header, field := range f.Aliases[name] {
			aliases[src][header] = field
		}
	}

	departments, err := standardize.NewDepartmentTable(f.Departments)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "merge rules: departments"), merge.ErrInvalidRules)
	}
	departments, err = departments.Extend(f.DepartmentLookup)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "merge rules: department_lookup"), merge.ErrInvalidRules)
	}

	s, err := standardize.New(aliases, departments)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "merge rules"), merge.ErrInvalidRules)
	}
	return s, nil
}

// Build returns both the standardizer and the engine.
func (f *File) Build() (*standardize.Standardizer, *merge.Engine, error) {
	s, err := f.Standardizer()
	if err != nil {
		return nil, nil, err
	}
	e, err := f.Engine()
	if err != nil {
		return nil, nil, err
	}
	return s, e, nil
}

// LoadAndBuild is Load followed by Build.
func LoadAndBuild(path string) (*standardize.Standardizer, *merge.Engine, error) {
	f, err := Load(path)
	if err != nil {
		return nil, nil, err
	}
	return f.Build()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
