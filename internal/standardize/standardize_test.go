package standardize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/stagemerge/internal/core"
)

func testDepartments(t *testing.T) *DepartmentTable {
	t.Helper()
	table, err := NewDepartmentTable([]Department{
		{Abbr: "B-AM", Name: "Applied Mathematics"},
		{Abbr: "FAC", Name: "Facilities Management"},
		{Abbr: "IT", Name: "Information Technology"},
	})
	require.NoError(t, err)
	return table
}

func newTestStandardizer(t *testing.T) *Standardizer {
	t.Helper()
	s, err := New(DefaultAliases(), testDepartments(t))
	require.NoError(t, err)
	return s
}

func TestStandardize_RenamesAndDropsColumns(t *testing.T) {
	s := newTestStandardizer(t)

	res := s.Standardize(map[string]string{
		"Item ID":       "1001.0",
		"Name":          "  Laser Cutter ",
		"Qty":           "1,200",
		"Purchase Date": "3/15/2024",
		"In Service":    "yes",
		"Legacy Code":   "ZZ9",
	}, core.SourceAutomated)

	assert.Equal(t, "1001", res.NaturalKey)
	assert.Equal(t, "Laser Cutter", res.Fields[core.FieldTitle])
	assert.Equal(t, int64(1200), res.Fields[core.FieldQuantity])
	assert.Equal(t, "2024-03-15", res.Fields[core.FieldAcquiredOn])
	assert.Equal(t, true, res.Fields[core.FieldActive])
	assert.Equal(t, []string{"Legacy Code"}, res.Dropped)
	assert.NotContains(t, res.Fields, core.FieldNaturalKey)
	assert.Empty(t, res.Warnings)
}

func TestStandardize_HeaderMatchingIsLoose(t *testing.T) {
	s := newTestStandardizer(t)

	res := s.Standardize(map[string]string{
		"ITEM_ID":        "42",
		"workflow state": "in progress",
	}, core.SourceManual)

	assert.Equal(t, "42", res.NaturalKey)
	assert.Equal(t, "In Progress", res.Fields[core.FieldWorkflowState])
	assert.True(t, res.Explicit(core.FieldWorkflowState))
}

func TestStandardize_SourceSpecificAliases(t *testing.T) {
	s := newTestStandardizer(t)

	// "Sensitivity" is a manual-feed alias only.
	auto := s.Standardize(map[string]string{"ID": "1", "Sensitivity": "Public"}, core.SourceAutomated)
	assert.Equal(t, []string{"Sensitivity"}, auto.Dropped)

	manual := s.Standardize(map[string]string{"ID": "1", "Sensitivity": "Public"}, core.SourceManual)
	assert.Equal(t, "Public", manual.Fields[core.FieldClassification])
	assert.Empty(t, manual.Dropped)
}

func TestStandardize_BadValuesDegradeWithWarnings(t *testing.T) {
	s := newTestStandardizer(t)

	res := s.Standardize(map[string]string{
		"ID":       "7",
		"Type":     "Spaceship",
		"Qty":      "a few",
		"Acquired": "last spring",
		"Active":   "perhaps",
	}, core.SourceAutomated)

	assert.Equal(t, string(core.ItemTypeUnknown), res.Fields[core.FieldItemType])
	assert.Nil(t, res.Fields[core.FieldQuantity])
	assert.Nil(t, res.Fields[core.FieldAcquiredOn])
	assert.Nil(t, res.Fields[core.FieldActive])

	fields := map[string]bool{}
	for _, w := range res.Warnings {
		fields[w.Field] = true
	}
	assert.Equal(t, map[string]bool{
		core.FieldItemType:   true,
		core.FieldQuantity:   true,
		core.FieldAcquiredOn: true,
		core.FieldActive:     true,
	}, fields)
}

func TestStandardize_FillsDefaultsWithoutClaimingThem(t *testing.T) {
	s := newTestStandardizer(t)

	res := s.Standardize(map[string]string{"ID": "9", "Name": "Lathe"}, core.SourceAutomated)

	assert.Equal(t, "To Do", res.Fields[core.FieldWorkflowState])
	assert.Equal(t, "Unclassified", res.Fields[core.FieldClassification])
	assert.Equal(t, "Unknown", res.Fields[core.FieldRecordStatus])
	assert.True(t, res.Defaulted[core.FieldWorkflowState])
	assert.False(t, res.Explicit(core.FieldWorkflowState))
	assert.True(t, res.Explicit(core.FieldTitle))
}

func TestStandardize_EmptyCellIsExplicitNull(t *testing.T) {
	s := newTestStandardizer(t)

	res := s.Standardize(map[string]string{"ID": "9", "Comments": "  "}, core.SourceManual)

	require.Contains(t, res.Fields, core.FieldNotes)
	assert.Nil(t, res.Fields[core.FieldNotes])
	assert.True(t, res.Explicit(core.FieldNotes))
}

func TestStandardize_EmptyEnumCellTakesDefault(t *testing.T) {
	s := newTestStandardizer(t)

	res := s.Standardize(map[string]string{"ID": "9", "Workflow": ""}, core.SourceManual)

	assert.Equal(t, "To Do", res.Fields[core.FieldWorkflowState])
	assert.True(t, res.Provided[core.FieldWorkflowState])
	assert.False(t, res.Explicit(core.FieldWorkflowState))
	assert.Empty(t, res.Warnings)
}

func TestStandardize_MissingNaturalKey(t *testing.T) {
	s := newTestStandardizer(t)

	res := s.Standardize(map[string]string{"Name": "Orphan", "ID": "   "}, core.SourceAutomated)
	assert.Empty(t, res.NaturalKey)

	res = s.Standardize(map[string]string{"Name": "Orphan"}, core.SourceAutomated)
	assert.Empty(t, res.NaturalKey)
}

func TestStandardize_Department(t *testing.T) {
	s := newTestStandardizer(t)

	tests := []struct {
		name     string
		input    string
		want     string
		wantWarn bool
	}{
		{name: "full name", input: "Applied Mathematics", want: "B-AM"},
		{name: "abbreviation", input: "fac", want: "FAC"},
		{name: "combined form", input: "IT: Information Technology", want: "IT"},
		{name: "unmapped", input: "Department of Silly Walks", want: core.UnmappedDepartment, wantWarn: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.Standardize(map[string]string{"ID": "1", "Dept": tt.input}, core.SourceAutomated)
			assert.Equal(t, tt.want, res.Fields[core.FieldDepartment])
			assert.Equal(t, tt.wantWarn, len(res.Warnings) > 0)
		})
	}
}

func TestStandardize_DepartmentFallsBackToAbbreviation(t *testing.T) {
	// Only the bare abbreviation is known; the combined text has no entry.
	departments, err := NewDepartmentTableFromMap(map[string]string{"B-AM": "B-AM"})
	require.NoError(t, err)
	s, err := New(DefaultAliases(), departments)
	require.NoError(t, err)

	res := s.Standardize(map[string]string{
		"Item ID":    "1001",
		"Department": "B-AM: Applied Mathematics",
	}, core.SourceAutomated)

	assert.Equal(t, "1001", res.NaturalKey)
	assert.Equal(t, "B-AM", res.Fields[core.FieldDepartment])
	assert.Empty(t, res.Warnings)
}

func TestStandardize_DoesNotMutateInput(t *testing.T) {
	s := newTestStandardizer(t)
	raw := map[string]string{"ID": " 5 ", "Name": " x "}

	s.Standardize(raw, core.SourceAutomated)

	assert.Equal(t, map[string]string{"ID": " 5 ", "Name": " x "}, raw)
}

func TestNaturalKey(t *testing.T) {
	s := newTestStandardizer(t)
	assert.Equal(t, "1001", s.NaturalKey(map[string]string{"Asset Tag": `="1001"`}, core.SourceAutomated))
	assert.Equal(t, "", s.NaturalKey(map[string]string{"Asset Tag": "1001"}, core.SourceManual))
}

func TestNew_RejectsUnknownAliasTarget(t *testing.T) {
	_, err := New(map[core.SourceType]Aliases{
		core.SourceManual: {"Colour": "color"},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")
}

func TestNew_RejectsUnknownSource(t *testing.T) {
	_, err := New(map[core.SourceType]Aliases{"robot": {}}, nil)
	require.Error(t, err)
}

func TestDepartmentTable_Conflicts(t *testing.T) {
	_, err := NewDepartmentTable([]Department{
		{Abbr: "OPS", Name: "Operations"},
		{Abbr: "OPX", Name: "Operations"},
	})
	require.Error(t, err)

	_, err = NewDepartmentTable([]Department{{Name: "No Abbreviation"}})
	require.Error(t, err)
}

func TestDepartmentTable_NilResolvesUnmapped(t *testing.T) {
	var table *DepartmentTable
	got, ok := table.Resolve("anything")
	assert.False(t, ok)
	assert.Equal(t, core.UnmappedDepartment, got)
}

func TestDepartmentTable_Extend(t *testing.T) {
	base := testDepartments(t)

	extended, err := base.Extend(map[string]string{"Math Dept": "B-AM"})
	require.NoError(t, err)

	got, ok := extended.Resolve("math dept")
	assert.True(t, ok)
	assert.Equal(t, "B-AM", got)

	_, ok = base.Resolve("math dept")
	assert.False(t, ok, "Extend must not modify the receiver")

	_, err = base.Extend(map[string]string{"IT": "FAC"})
	require.Error(t, err)
}
