package merge

import "github.com/JonMunkholm/stagemerge/internal/core"

// FieldMetadata describes one canonical field for export consumers.
type FieldMetadata struct {
	Name     string          `json:"name" yaml:"name"`
	Label    string          `json:"label" yaml:"label"`
	Type     core.FieldType  `json:"type" yaml:"type"`
	Choices  []string        `json:"choices,omitempty" yaml:"choices,omitempty"`
	Default  any             `json:"default,omitempty" yaml:"default,omitempty"`
	Owner    core.SourceType `json:"owner,omitempty" yaml:"owner,omitempty"`
	Strategy Strategy        `json:"strategy,omitempty" yaml:"strategy,omitempty"`

	// Editable marks fields the human-edited feed may change. Report
	// generators unlock these columns.
	Editable bool `json:"editable" yaml:"editable"`
}

// FieldMetadata returns metadata for every catalog field in catalog order.
func (e *Engine) FieldMetadata() []FieldMetadata {
	specs := core.Catalog()
	out := make([]FieldMetadata, 0, len(specs))
	for _, spec := range specs {
		m := FieldMetadata{
			Name:    spec.Name,
			Label:   spec.Label,
			Type:    spec.Type,
			Choices: append([]string(nil), spec.EnumValues...),
			Default: spec.Default,
		}
		if owner, ok := e.owners[spec.Name]; ok {
			m.Owner = owner
			m.Strategy = e.ownership[owner].Fields[spec.Name].Strategy
			m.Editable = owner == core.SourceManual
		}
		out = append(out, m)
	}
	return out
}
