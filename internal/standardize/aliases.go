package standardize

import (
	"fmt"

	"github.com/JonMunkholm/stagemerge/internal/core"
)

// Aliases maps column headers, as they appear in a feed, to canonical field
// names. Headers are matched with core.FoldKey so case, underscores and
// repeated spaces do not matter.
type Aliases map[string]string

// DefaultAliases returns the built-in header tables for each source.
func DefaultAliases() map[core.SourceType]Aliases {
	return map[core.SourceType]Aliases{
		core.SourceAutomated: {
			"Item ID":          core.FieldNaturalKey,
			"ItemID":           core.FieldNaturalKey,
			"ID":               core.FieldNaturalKey,
			"Asset Tag":        core.FieldNaturalKey,
			"Name":             core.FieldTitle,
			"Item Name":        core.FieldTitle,
			"Desc":             core.FieldDescription,
			"Dept":             core.FieldDepartment,
			"Org Unit":         core.FieldDepartment,
			"Organization":     core.FieldDepartment,
			"Type":             core.FieldItemType,
			"Category":         core.FieldItemType,
			"Status":           core.FieldRecordStatus,
			"Lifecycle":        core.FieldRecordStatus,
			"Qty":              core.FieldQuantity,
			"Count":            core.FieldQuantity,
			"Acquired":         core.FieldAcquiredOn,
			"Purchase Date":    core.FieldAcquiredOn,
			"Acquisition Date": core.FieldAcquiredOn,
			"Is Active":        core.FieldActive,
			"In Service":       core.FieldActive,
			"Custodian":        core.FieldOwner,
		},
		core.SourceManual: {
			"Item ID":        core.FieldNaturalKey,
			"ID":             core.FieldNaturalKey,
			"Key":            core.FieldNaturalKey,
			"Name":           core.FieldTitle,
			"Dept":           core.FieldDepartment,
			"Workflow":       core.FieldWorkflowState,
			"State":          core.FieldWorkflowState,
			"Review Status":  core.FieldWorkflowState,
			"Sensitivity":    core.FieldClassification,
			"Security Level": core.FieldClassification,
			"Comments":       core.FieldNotes,
			"Reviewer Notes": core.FieldNotes,
		},
	}
}

// compileAliases folds the headers and adds every canonical field name and
// label as an implicit alias of itself.
func compileAliases(in Aliases) (map[string]string, error) {
	out := make(map[string]string, len(in)+len(core.Catalog())*2)
	for _, f := range core.Catalog() {
		out[core.FoldKey(f.Name)] = f.Name
		out[core.FoldKey(f.Label)] = f.Name
	}
	for header, field := range in {
		if _, ok := core.LookupField(field); !ok {
			return nil, fmt.Errorf("alias %q targets unknown field %q", header, field)
		}
		key := core.FoldKey(header)
		if key == "" {
			return nil, fmt.Errorf("alias for field %q has an empty header", field)
		}
		out[key] = field
	}
	return out, nil
}
